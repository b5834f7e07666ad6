package core

import "time"

// RateLimitConfig is the immutable quota policy for one platform.
type RateLimitConfig struct {
	RequestsPerWindow int
	Window            time.Duration
	MinDelay          time.Duration
	MaxDelay          time.Duration
	// DailyLimit caps sends per calendar day. Nil means unlimited.
	DailyLimit *int
}

// HasDelay reports whether the policy asks for human-like pacing.
func (c RateLimitConfig) HasDelay() bool {
	return c.MaxDelay > 0
}

// WithDailyLimit returns a copy of the policy with the given daily cap.
// A non-positive value removes the cap.
func (c RateLimitConfig) WithDailyLimit(limit int) RateLimitConfig {
	if limit <= 0 {
		c.DailyLimit = nil
		return c
	}
	c.DailyLimit = &limit
	return c
}

// DefaultRateLimit applies to platforms without an explicit policy.
var DefaultRateLimit = RateLimitConfig{
	RequestsPerWindow: 30,
	Window:            time.Minute,
	MinDelay:          500 * time.Millisecond,
	MaxDelay:          1500 * time.Millisecond,
}

// DefaultPolicies provides conservative per-platform quotas.
var DefaultPolicies = map[Platform]RateLimitConfig{
	PlatformDiscord:   {RequestsPerWindow: 5, Window: 5 * time.Second, MinDelay: 500 * time.Millisecond, MaxDelay: 1500 * time.Millisecond},
	PlatformTwitter:   RateLimitConfig{RequestsPerWindow: 50, Window: 15 * time.Minute, MinDelay: time.Second, MaxDelay: 3 * time.Second}.WithDailyLimit(500),
	PlatformLinkedIn:  RateLimitConfig{RequestsPerWindow: 10, Window: time.Minute, MinDelay: 2 * time.Second, MaxDelay: 5 * time.Second}.WithDailyLimit(30),
	PlatformInstagram: RateLimitConfig{RequestsPerWindow: 20, Window: time.Hour, MinDelay: 3 * time.Second, MaxDelay: 8 * time.Second}.WithDailyLimit(50),
	PlatformFacebook:  {RequestsPerWindow: 60, Window: time.Minute, MinDelay: 500 * time.Millisecond, MaxDelay: 2 * time.Second},
	PlatformWhatsApp:  RateLimitConfig{RequestsPerWindow: 30, Window: time.Minute, MinDelay: time.Second, MaxDelay: 4 * time.Second}.WithDailyLimit(200),
	PlatformTeams:     {RequestsPerWindow: 30, Window: time.Minute, MinDelay: 200 * time.Millisecond, MaxDelay: time.Second},
	PlatformGmail:     RateLimitConfig{RequestsPerWindow: 100, Window: time.Minute, MinDelay: 100 * time.Millisecond, MaxDelay: 500 * time.Millisecond}.WithDailyLimit(500),
	PlatformTelegram:  {RequestsPerWindow: 30, Window: time.Second, MinDelay: 50 * time.Millisecond, MaxDelay: 200 * time.Millisecond},
}

// PolicyFor returns the built-in policy for a platform.
func PolicyFor(platform Platform) RateLimitConfig {
	if policy, ok := DefaultPolicies[platform]; ok {
		return policy
	}
	return DefaultRateLimit
}
