package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

const validConfig = `
listen: ":9000"
database: "test.db"
token_secret: "secret"
ledger:
  endpoint: "http://127.0.0.1:8645"
  max_attempts: 4
  attempt_timeout: "15s"
  overall_timeout: "90s"
pools:
  - id: "daily"
    name: "Daily"
    asset: "mint-1"
    account: "pool-acct"
    decimals: 9
    amounts: [3, 30]
    weights: [3, 1]
roles:
  - pool: "daily"
    actor: "ops"
    role: "bypass"
`

func TestLoadConfig(t *testing.T) {
	cfg, err := LoadConfig(writeConfig(t, validConfig))
	require.NoError(t, err)
	require.Equal(t, ":9000", cfg.ListenAddress)
	require.Equal(t, 4, cfg.Ledger.MaxAttempts)
	require.Equal(t, 15*time.Second, cfg.Ledger.AttemptTimeout.Duration)
	require.Equal(t, 90*time.Second, cfg.Ledger.OverallTimeout.Duration)
	require.Len(t, cfg.Pools, 1)
	require.Equal(t, []float64{3, 30}, cfg.Pools[0].Amounts)
}

func TestConfigValidation(t *testing.T) {
	cases := []struct {
		name string
		body string
	}{
		{"missing database", `
ledger:
  endpoint: "http://x"
pools:
  - id: "p"
    account: "a"
    amounts: [1]
`},
		{"missing ledger endpoint", `
database: "x.db"
pools:
  - id: "p"
    account: "a"
    amounts: [1]
`},
		{"no pools", `
database: "x.db"
ledger:
  endpoint: "http://x"
`},
		{"pool without payouts", `
database: "x.db"
ledger:
  endpoint: "http://x"
pools:
  - id: "p"
    account: "a"
`},
		{"weight length mismatch", `
database: "x.db"
ledger:
  endpoint: "http://x"
pools:
  - id: "p"
    account: "a"
    amounts: [1, 2]
    weights: [1]
`},
		{"duplicate pool", `
database: "x.db"
ledger:
  endpoint: "http://x"
pools:
  - id: "p"
    account: "a"
    amounts: [1]
  - id: "p"
    account: "b"
    amounts: [2]
`},
		{"unknown role", `
database: "x.db"
ledger:
  endpoint: "http://x"
pools:
  - id: "p"
    account: "a"
    amounts: [1]
roles:
  - pool: "p"
    actor: "x"
    role: "superuser"
`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := LoadConfig(writeConfig(t, tc.body))
			require.Error(t, err)
		})
	}
}

func TestResolveSecretPrecedence(t *testing.T) {
	require.NoError(t, os.Setenv("REDEEMD_TEST_SECRET", "from-env"))
	t.Cleanup(func() { _ = os.Unsetenv("REDEEMD_TEST_SECRET") })

	secret, err := resolveSecret("inline", "REDEEMD_TEST_SECRET", "")
	require.NoError(t, err)
	require.Equal(t, "inline", secret)

	secret, err = resolveSecret("", "REDEEMD_TEST_SECRET", "")
	require.NoError(t, err)
	require.Equal(t, "from-env", secret)

	path := filepath.Join(t.TempDir(), "secret")
	require.NoError(t, os.WriteFile(path, []byte("from-file\n"), 0o600))
	secret, err = resolveSecret("", "", path)
	require.NoError(t, err)
	require.Equal(t, "from-file", secret)

	_, err = resolveSecret("", "", "")
	require.Error(t, err)
}
