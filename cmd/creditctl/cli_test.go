package main

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	toml "github.com/pelletier/go-toml/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/credgate/internal/credits"
)

func memoryOpener(l *credits.Ledger, seen *settings) ledgerOpener {
	return func(_ context.Context, s settings, _ *slog.Logger) (*credits.Ledger, func(), error) {
		if seen != nil {
			*seen = s
		}
		return l, func() {}, nil
	}
}

func executeCLI(t *testing.T, home string, open ledgerOpener, args ...string) (string, string, error) {
	t.Helper()
	t.Setenv("HOME", home)

	root := newRootCmd(open)
	stdout := &bytes.Buffer{}
	stderr := &bytes.Buffer{}
	root.SetOut(stdout)
	root.SetErr(stderr)
	root.SetArgs(args)

	err := root.Execute()
	return stdout.String(), stderr.String(), err
}

func TestBalanceCreatesStarterAccount(t *testing.T) {
	ledger := credits.New(credits.NewMemoryStore())

	stdout, _, err := executeCLI(t, t.TempDir(), memoryOpener(ledger, nil), "balance", "user_1")
	require.NoError(t, err)
	assert.Contains(t, stdout, "tier       starter (active)")
	assert.Contains(t, stdout, "remaining  50")
}

func TestBalanceJSONOutput(t *testing.T) {
	ledger := credits.New(credits.NewMemoryStore())

	stdout, _, err := executeCLI(t, t.TempDir(), memoryOpener(ledger, nil), "balance", "user_1", "--json")
	require.NoError(t, err)
	var acct credits.Account
	require.NoError(t, json.Unmarshal([]byte(stdout), &acct))
	assert.Equal(t, int64(50), acct.Remaining)
}

func TestGrantThenHistory(t *testing.T) {
	ledger := credits.New(credits.NewMemoryStore())
	home := t.TempDir()
	open := memoryOpener(ledger, nil)

	stdout, _, err := executeCLI(t, home, open, "grant", "user_1", "25", "--reason", "support credit")
	require.NoError(t, err)
	assert.Contains(t, stdout, "granted 25 bonus credits to user_1")
	assert.Contains(t, stdout, "remaining  75")

	stdout, _, err = executeCLI(t, home, open, "history", "user_1")
	require.NoError(t, err)
	assert.Contains(t, stdout, "bonus")
	assert.Contains(t, stdout, "+25")
	assert.Contains(t, stdout, "support credit")
}

func TestGrantRejectsBadAmount(t *testing.T) {
	ledger := credits.New(credits.NewMemoryStore())

	for _, amount := range []string{"0", "-3", "ten"} {
		// "--" stops flag parsing so "-3" reaches the command as an argument.
		_, _, err := executeCLI(t, t.TempDir(), memoryOpener(ledger, nil), "grant", "--", "user_1", amount)
		require.Error(t, err, amount)
		assert.Contains(t, err.Error(), "positive integer")
	}
}

func TestSetTierUpgradeTopsUp(t *testing.T) {
	ledger := credits.New(credits.NewMemoryStore(), credits.WithPolicy(credits.Policy{TopUpOnUpgrade: true}))

	stdout, _, err := executeCLI(t, t.TempDir(), memoryOpener(ledger, nil), "set-tier", "user_1", "PRO")
	require.NoError(t, err)
	assert.Contains(t, stdout, "tier       pro")
	assert.Contains(t, stdout, "remaining  500")

	_, _, err = executeCLI(t, t.TempDir(), memoryOpener(ledger, nil), "set-tier", "user_1", "gold")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown tier")
}

func TestResetRestoresAllotment(t *testing.T) {
	ledger := credits.New(credits.NewMemoryStore())
	ctx := context.Background()
	_, _, err := ledger.GetOrCreate(ctx, "user_1")
	require.NoError(t, err)
	_, err = ledger.Deduct(ctx, "user_1", 30, "slide-generation")
	require.NoError(t, err)

	stdout, _, err := executeCLI(t, t.TempDir(), memoryOpener(ledger, nil), "reset", "user_1")
	require.NoError(t, err)
	assert.Contains(t, stdout, "remaining  50")
}

func TestCostsListsActionsAndPlans(t *testing.T) {
	stdout, _, err := executeCLI(t, t.TempDir(), nil, "costs")
	require.NoError(t, err)
	assert.Contains(t, stdout, "chat-response")
	assert.Contains(t, stdout, "slide-generation")
	assert.Contains(t, stdout, "unlimited")
}

func TestConfigInitWritesTOMLAndIsRead(t *testing.T) {
	home := t.TempDir()

	stdout, _, err := executeCLI(t, home, nil, "config", "init", "--url", "postgres://ops:s3cret@db/credgate")
	require.NoError(t, err)
	path := filepath.Join(home, ".credgate", "creditctl.toml")
	assert.Contains(t, stdout, path)

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var cfg fileConfig
	require.NoError(t, toml.Unmarshal(data, &cfg))
	assert.Equal(t, "postgres://ops:s3cret@db/credgate", cfg.DatabaseURL)
	assert.True(t, cfg.TopUpOnUpgrade)

	_, _, err = executeCLI(t, home, nil, "config", "init")
	require.Error(t, err, "existing file is not overwritten")
	assert.Contains(t, err.Error(), "--force")

	var seen settings
	ledger := credits.New(credits.NewMemoryStore())
	_, _, err = executeCLI(t, home, memoryOpener(ledger, &seen), "balance", "user_1")
	require.NoError(t, err)
	assert.Equal(t, "postgres://ops:s3cret@db/credgate", seen.DatabaseURL)

	stdout, _, err = executeCLI(t, home, nil, "config", "show")
	require.NoError(t, err)
	assert.NotContains(t, stdout, "s3cret")
}

func TestEnvAndFlagOverrideConfig(t *testing.T) {
	home := t.TempDir()
	_, _, err := executeCLI(t, home, nil, "config", "init", "--url", "postgres://file/db")
	require.NoError(t, err)

	ledger := credits.New(credits.NewMemoryStore())
	var seen settings

	t.Setenv("CREDGATE_DATABASE_URL", "postgres://env/db")
	_, _, err = executeCLI(t, home, memoryOpener(ledger, &seen), "balance", "u")
	require.NoError(t, err)
	assert.Equal(t, "postgres://env/db", seen.DatabaseURL)

	_, _, err = executeCLI(t, home, memoryOpener(ledger, &seen), "--database-url", "postgres://flag/db", "balance", "u")
	require.NoError(t, err)
	assert.Equal(t, "postgres://flag/db", seen.DatabaseURL)
}

func TestOpenPostgresLedgerRequiresURL(t *testing.T) {
	_, _, err := openPostgresLedger(context.Background(), settings{}, slog.Default())
	assert.ErrorIs(t, err, errNoDatabase)
}

func TestMaskDSN(t *testing.T) {
	assert.Equal(t, "(unset)", maskDSN(""))
	assert.NotContains(t, maskDSN("postgres://ops:s3cret@db/credgate"), "s3cret")
	assert.Equal(t, "postgres://db/credgate", maskDSN("postgres://db/credgate"))
}
