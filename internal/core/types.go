package core

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrUnknownPlatform marks a platform with neither a built-in nor a
// configured policy.
var ErrUnknownPlatform = errors.New("unknown platform")

// Platform identifies a connected messaging platform.
type Platform string

const (
	PlatformDiscord   Platform = "discord"
	PlatformTwitter   Platform = "twitter"
	PlatformLinkedIn  Platform = "linkedin"
	PlatformInstagram Platform = "instagram"
	PlatformFacebook  Platform = "facebook"
	PlatformWhatsApp  Platform = "whatsapp"
	PlatformTeams     Platform = "teams"
	PlatformGmail     Platform = "gmail"
	PlatformTelegram  Platform = "telegram"
)

// KnownPlatforms lists every platform with a built-in policy.
var KnownPlatforms = []Platform{
	PlatformDiscord,
	PlatformTwitter,
	PlatformLinkedIn,
	PlatformInstagram,
	PlatformFacebook,
	PlatformWhatsApp,
	PlatformTeams,
	PlatformGmail,
	PlatformTelegram,
}

// ParsePlatform normalizes a platform name. Unknown names are returned as-is
// so custom bridges can still be rate limited under the default policy.
func ParsePlatform(value string) Platform {
	normalized := strings.ToLower(strings.TrimSpace(value))
	switch normalized {
	case "x":
		return PlatformTwitter
	case "messenger":
		return PlatformFacebook
	case "msteams", "microsoft_teams":
		return PlatformTeams
	}
	return Platform(normalized)
}

// Validate rejects names that cannot appear in a store key. Store keys are
// colon-separated, so names are limited to [a-z0-9_-].
func (p Platform) Validate() error {
	if p == "" {
		return errors.New("platform is required")
	}
	if !isKeySegment(string(p)) {
		return fmt.Errorf("invalid platform name %q", string(p))
	}
	return nil
}

// ActionType tags a rate-limited operation. Quotas for different actions on
// the same account are tracked independently.
type ActionType string

const (
	ActionFetch ActionType = "fetch"
	ActionSend  ActionType = "send"
)

// ParseAction normalizes an action name, defaulting to fetch.
func ParseAction(value string) ActionType {
	normalized := strings.ToLower(strings.TrimSpace(value))
	if normalized == "" {
		return ActionFetch
	}
	return ActionType(normalized)
}

// Validate rejects actions that cannot appear in a store key. "errors" is
// reserved for the per-account error counter.
func (a ActionType) Validate() error {
	if a == "" {
		return errors.New("action is required")
	}
	if a == "errors" || !isKeySegment(string(a)) {
		return fmt.Errorf("invalid action %q", string(a))
	}
	return nil
}

func isKeySegment(value string) bool {
	for _, r := range value {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '_', r == '-':
		default:
			return false
		}
	}
	return value != ""
}

// LimiterState captures the sliding-window and daily counters for one
// (platform, action, account) key.
type LimiterState struct {
	RequestTimestamps []time.Time `json:"request_timestamps"`
	DailyCount        int         `json:"daily_count"`
	DailyResetAt      time.Time   `json:"daily_reset_at"`
	PausedUntil       *time.Time  `json:"paused_until,omitempty"`
}

// Clone returns a deep copy of the state.
func (s *LimiterState) Clone() *LimiterState {
	if s == nil {
		return nil
	}
	clone := &LimiterState{
		DailyCount:   s.DailyCount,
		DailyResetAt: s.DailyResetAt,
	}
	if len(s.RequestTimestamps) > 0 {
		clone.RequestTimestamps = append([]time.Time(nil), s.RequestTimestamps...)
	}
	if s.PausedUntil != nil {
		value := *s.PausedUntil
		clone.PausedUntil = &value
	}
	return clone
}

// UsageRecord is one audit row for a successful platform API call.
type UsageRecord struct {
	ID         string        `json:"id"`
	Platform   Platform      `json:"platform"`
	AccountID  string        `json:"account_id"`
	Action     ActionType    `json:"action"`
	Endpoint   string        `json:"endpoint,omitempty"`
	Attempts   int           `json:"attempts"`
	Duration   time.Duration `json:"duration"`
	RecordedAt time.Time     `json:"recorded_at"`
}
