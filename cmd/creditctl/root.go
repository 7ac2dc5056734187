package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	_ "github.com/lib/pq"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/mbd888/credgate/internal/credits"
	"github.com/mbd888/credgate/internal/logging"
)

var errNoDatabase = errors.New("database_url is not set (run `creditctl config init` or set CREDGATE_DATABASE_URL)")

// ledgerOpener builds the ledger the commands operate on. The returned
// func releases its resources.
type ledgerOpener func(ctx context.Context, s settings, logger *slog.Logger) (*credits.Ledger, func(), error)

type app struct {
	v        *viper.Viper
	settings settings
	open     ledgerOpener
	logger   *slog.Logger
}

func newRootCmd(open ledgerOpener) *cobra.Command {
	a := &app{v: viper.New(), open: open}

	rootCmd := &cobra.Command{
		Use:           "creditctl",
		Short:         "Inspect and adjust credit balances",
		Long:          "creditctl reads and adjusts subscriptions and credit balances directly in the credgate database.",
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			s, err := loadSettings(a.v)
			if err != nil {
				return err
			}
			a.settings = s
			a.logger = logging.NewWithWriter(cmd.ErrOrStderr(), s.LogLevel, "text")
			return nil
		},
	}

	rootCmd.PersistentFlags().String("database-url", "", "PostgreSQL connection string (overrides config)")
	_ = a.v.BindPFlag("database_url", rootCmd.PersistentFlags().Lookup("database-url"))

	rootCmd.AddCommand(
		newBalanceCmd(a),
		newHistoryCmd(a),
		newGrantCmd(a),
		newSetTierCmd(a),
		newResetCmd(a),
		newCostsCmd(),
		newConfigCmd(a),
	)
	return rootCmd
}

// withLedger opens the ledger for one command run.
func (a *app) withLedger(cmd *cobra.Command, fn func(context.Context, *credits.Ledger) error) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), time.Minute)
	defer cancel()

	ledger, closeFn, err := a.open(ctx, a.settings, a.logger)
	if err != nil {
		return err
	}
	defer closeFn()
	return fn(ctx, ledger)
}

func openPostgresLedger(ctx context.Context, s settings, logger *slog.Logger) (*credits.Ledger, func(), error) {
	if s.DatabaseURL == "" {
		return nil, nil, errNoDatabase
	}
	db, err := sql.Open("postgres", s.DatabaseURL)
	if err != nil {
		return nil, nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, nil, fmt.Errorf("connect to database: %w", err)
	}

	// No fallback: an operator must see a datastore failure, not plan defaults.
	ledger := credits.New(credits.NewPostgresStore(db),
		credits.WithLogger(logger),
		credits.WithPolicy(credits.Policy{TopUpOnUpgrade: s.TopUpOnUpgrade}),
	)
	return ledger, func() { _ = db.Close() }, nil
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
