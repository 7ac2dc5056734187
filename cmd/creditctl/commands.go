package main

import (
	"context"
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/mbd888/credgate/internal/credits"
	"github.com/mbd888/credgate/internal/usage"
)

func newBalanceCmd(a *app) *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "balance <user-id>",
		Short: "Show a user's plan and remaining credits",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withLedger(cmd, func(ctx context.Context, l *credits.Ledger) error {
				acct, err := l.Snapshot(ctx, args[0])
				if err != nil {
					return fmt.Errorf("load account: %w", err)
				}
				return writeAccount(cmd, acct, asJSON)
			})
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Render JSON output")
	return cmd
}

func newHistoryCmd(a *app) *cobra.Command {
	var limit int
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "history <user-id>",
		Short: "List a user's recent ledger entries, newest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if limit <= 0 {
				return fmt.Errorf("--limit must be positive")
			}
			return a.withLedger(cmd, func(ctx context.Context, l *credits.Ledger) error {
				txs, err := l.History(ctx, args[0], limit)
				if err != nil {
					return fmt.Errorf("load history: %w", err)
				}
				if asJSON {
					if txs == nil {
						txs = []*credits.Transaction{}
					}
					return writeJSON(cmd.OutOrStdout(), txs)
				}
				out := cmd.OutOrStdout()
				if len(txs) == 0 {
					_, err := fmt.Fprintln(out, "no transactions")
					return err
				}
				for _, tx := range txs {
					if _, err := fmt.Fprintf(out, "%s  %-9s %+6d  %s\n",
						tx.CreatedAt.UTC().Format(time.RFC3339), tx.Kind, tx.Amount, tx.Description); err != nil {
						return err
					}
				}
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "Maximum number of entries")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Render JSON output")
	return cmd
}

func newGrantCmd(a *app) *cobra.Command {
	var reason string

	cmd := &cobra.Command{
		Use:   "grant <user-id> <amount>",
		Short: "Grant bonus credits that survive period resets",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			amount, err := strconv.ParseInt(args[1], 10, 64)
			if err != nil || amount <= 0 {
				return fmt.Errorf("amount must be a positive integer, got %q", args[1])
			}
			if reason == "" {
				reason = "operator grant"
			}
			return a.withLedger(cmd, func(ctx context.Context, l *credits.Ledger) error {
				acct, err := l.GrantBonus(ctx, args[0], amount, reason)
				if err != nil {
					return fmt.Errorf("grant bonus: %w", err)
				}
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "granted %d bonus credits to %s\n", amount, args[0])
				return writeAccount(cmd, acct, false)
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "Ledger description")
	return cmd
}

func newSetTierCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "set-tier <user-id> <starter|pro|unlimited>",
		Short: "Change a user's subscription tier",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			tier := credits.Tier(strings.ToLower(args[1]))
			if !credits.ValidTier(tier) {
				return fmt.Errorf("unknown tier %q", args[1])
			}
			return a.withLedger(cmd, func(ctx context.Context, l *credits.Ledger) error {
				acct, err := l.ChangeTier(ctx, args[0], tier)
				if err != nil {
					return fmt.Errorf("change tier: %w", err)
				}
				return writeAccount(cmd, acct, false)
			})
		},
	}
}

func newResetCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "reset <user-id>",
		Short: "Start a new billing period now, restoring the plan allotment",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withLedger(cmd, func(ctx context.Context, l *credits.Ledger) error {
				acct, err := l.ResetNow(ctx, args[0])
				if err != nil {
					return fmt.Errorf("reset period: %w", err)
				}
				return writeAccount(cmd, acct, false)
			})
		},
	}
}

func newCostsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "costs",
		Short: "Print the action cost table and plan allotments",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			out := cmd.OutOrStdout()
			actions := make([]string, 0, len(usage.DefaultCosts))
			for action := range usage.DefaultCosts {
				actions = append(actions, action)
			}
			sort.Strings(actions)
			_, _ = fmt.Fprintln(out, "actions:")
			for _, action := range actions {
				_, _ = fmt.Fprintf(out, "  %-26s %d\n", action, usage.DefaultCosts[action])
			}

			plans := make([]credits.Plan, 0, len(credits.Plans))
			for _, p := range credits.Plans {
				plans = append(plans, p)
			}
			sort.Slice(plans, func(i, j int) bool { return plans[i].Rank < plans[j].Rank })
			_, _ = fmt.Fprintln(out, "plans:")
			for _, p := range plans {
				_, _ = fmt.Fprintf(out, "  %-26s %s\n", p.Tier, allotment(p.MonthlyCredits))
			}
			return nil
		},
	}
}

func newConfigCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage the creditctl config file",
	}

	var force bool
	var databaseURL string
	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Write a config file with defaults",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg := defaultFileConfig()
			cfg.DatabaseURL = databaseURL
			if err := writeConfig(a.settings.Path, cfg, force); err != nil {
				return err
			}
			_, err := fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\n", a.settings.Path)
			return err
		},
	}
	initCmd.Flags().BoolVar(&force, "force", false, "Overwrite an existing file")
	initCmd.Flags().StringVar(&databaseURL, "url", "", "database_url to store")

	showCmd := &cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			out := cmd.OutOrStdout()
			_, _ = fmt.Fprintf(out, "config_file        %s\n", a.settings.Path)
			_, _ = fmt.Fprintf(out, "database_url       %s\n", maskDSN(a.settings.DatabaseURL))
			_, _ = fmt.Fprintf(out, "top_up_on_upgrade  %t\n", a.settings.TopUpOnUpgrade)
			_, err := fmt.Fprintf(out, "log_level          %s\n", a.settings.LogLevel)
			return err
		},
	}

	cmd.AddCommand(initCmd, showCmd)
	return cmd
}

func writeAccount(cmd *cobra.Command, acct *credits.Account, asJSON bool) error {
	if asJSON {
		return writeJSON(cmd.OutOrStdout(), acct)
	}
	out := cmd.OutOrStdout()
	if sub := acct.Subscription; sub != nil {
		_, _ = fmt.Fprintf(out, "user       %s\n", sub.UserID)
		_, _ = fmt.Fprintf(out, "tier       %s (%s)\n", sub.Tier, sub.Status)
		_, _ = fmt.Fprintf(out, "period     %s to %s\n",
			sub.CurrentPeriodStart.UTC().Format(time.DateOnly), sub.CurrentPeriodEnd.UTC().Format(time.DateOnly))
		if sub.CancelAtPeriodEnd {
			_, _ = fmt.Fprintln(out, "cancels    at period end")
		}
	}
	if bal := acct.Balance; bal != nil {
		_, _ = fmt.Fprintf(out, "credits    %d used of %s, %d bonus\n", bal.UsedCredits, allotment(bal.TotalCredits), bal.BonusCredits)
	}
	remaining := strconv.FormatInt(acct.Remaining, 10)
	if acct.Unlimited {
		remaining = "unlimited"
	}
	_, err := fmt.Fprintf(out, "remaining  %s\n", remaining)
	return err
}

func allotment(n int64) string {
	if n == credits.Unlimited {
		return "unlimited"
	}
	return strconv.FormatInt(n, 10)
}

func maskDSN(dsn string) string {
	if dsn == "" {
		return "(unset)"
	}
	u, err := url.Parse(dsn)
	if err != nil {
		return "***"
	}
	if _, ok := u.User.Password(); ok {
		u.User = url.UserPassword(u.User.Username(), "xxx")
	}
	return u.String()
}
