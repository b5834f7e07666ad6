package cmd

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/relaypoint/relaypoint/internal/core"
	"github.com/relaypoint/relaypoint/internal/core/store"
)

var rateLimitCmd = &cobra.Command{
	Use:     "rate-limit",
	Aliases: []string{"limits"},
	Short:   "Inspect and manage per-account rate limit state",
}

// limiterQueryFlags binds the selector flags shared by list and reset.
type limiterQueryFlags struct {
	all      bool
	platform string
	account  string
	prefix   string
}

func (f *limiterQueryFlags) register(cmd *cobra.Command, verb string) {
	cmd.Flags().BoolVar(&f.all, "all", false, verb+" every key")
	cmd.Flags().StringVar(&f.platform, "platform", "", verb+" keys for one platform")
	cmd.Flags().StringVar(&f.account, "account", "", verb+" keys for one account id")
	cmd.Flags().StringVar(&f.prefix, "prefix", "", verb+" keys with a matching prefix (platform:action:account)")
}

func (f limiterQueryFlags) query() store.LimiterQuery {
	q := store.LimiterQuery{
		All:       f.all,
		AccountID: strings.TrimSpace(f.account),
		Prefix:    strings.TrimSpace(f.prefix),
	}
	if p := core.ParsePlatform(f.platform); p != "" {
		q.Platform = string(p)
	}
	return q
}

// parseActions resolves --action; empty means both fetch and send.
func parseActions(value string) ([]core.ActionType, error) {
	if strings.TrimSpace(value) == "" {
		return []core.ActionType{core.ActionFetch, core.ActionSend}, nil
	}
	action := core.ParseAction(value)
	if action != core.ActionFetch && action != core.ActionSend {
		return nil, fmt.Errorf("unsupported action %q (use fetch or send)", value)
	}
	return []core.ActionType{action}, nil
}

func requirePlatformAccount(platform, account string) (core.Platform, string, error) {
	p := core.ParsePlatform(platform)
	account = strings.TrimSpace(account)
	if p == "" || account == "" {
		return "", "", fmt.Errorf("--platform and --account are required")
	}
	return p, account, nil
}

func init() {
	rateLimitCmd.AddCommand(rateLimitListCmd)
	rateLimitCmd.AddCommand(rateLimitStatusCmd)
	rateLimitCmd.AddCommand(rateLimitPauseCmd)
	rateLimitCmd.AddCommand(rateLimitResetCmd)
	rootCmd.AddCommand(rateLimitCmd)
}
