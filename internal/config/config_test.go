package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, contents string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(contents), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func env(vars map[string]string) func(string) string {
	return func(k string) string { return vars[k] }
}

func TestLoadFromFile(t *testing.T) {
	path := writeConfig(t, `
port: " :9000 "
chain:
  rpc_url: " http://localhost:8545 "
  deployment: deployments/mainnet.json
  signer_key: "0xabc"
  rate_limit: 5
store:
  database_url: postgres://localhost/troves
  redis_url: redis://localhost:6379
  cache_ttl: 10s
mirror:
  schedule: "*/5 * * * *"
  ledger: Mirror
txn:
  poll_interval: 2s
  max_iterations: 40
`)
	cfg, err := load(path, env(nil))
	require.NoError(t, err)
	require.Equal(t, "9000", cfg.Port)
	require.Equal(t, "http://localhost:8545", cfg.Chain.RPCURL)
	require.Equal(t, "abc", cfg.Chain.SignerKey)
	require.True(t, cfg.Chain.SigningEnabled())
	require.Equal(t, 10*time.Second, cfg.Store.CacheTTL)
	require.Equal(t, LedgerMirror, cfg.Mirror.Ledger)
	require.Equal(t, 2*time.Second, cfg.Txn.PollInterval)
	require.Equal(t, 40, cfg.Txn.MaxIterations)
	require.Equal(t, 40, cfg.Chain.Burst, "unset fields keep defaults")
}

func TestEnvOverridesFile(t *testing.T) {
	path := writeConfig(t, `
chain:
  rpc_url: http://file:8545
  deployment: file.json
`)
	cfg, err := load(path, env(map[string]string{
		"PORT":           "7000",
		"RPC_URL":        "http://env:8545",
		"DATABASE_URL":   "postgres://env/db",
		"POLL_INTERVAL":  "500ms",
		"RPC_RATE_LIMIT": "0",
	}))
	require.NoError(t, err)
	require.Equal(t, "7000", cfg.Port)
	require.Equal(t, "http://env:8545", cfg.Chain.RPCURL)
	require.Equal(t, "file.json", cfg.Chain.DeploymentPath)
	require.Equal(t, "postgres://env/db", cfg.Store.DatabaseURL)
	require.Equal(t, 500*time.Millisecond, cfg.Txn.PollInterval)
	require.Zero(t, cfg.Chain.RateLimit)
	require.False(t, cfg.Chain.SigningEnabled())
}

func TestLoadWithoutFile(t *testing.T) {
	cfg, err := load("", env(map[string]string{
		"RPC_URL":         "http://localhost:8545",
		"DEPLOYMENT_PATH": "d.json",
	}))
	require.NoError(t, err)
	require.Equal(t, Default().Port, cfg.Port)
	require.Equal(t, LedgerChain, cfg.Mirror.Ledger)
}

func TestValidation(t *testing.T) {
	base := map[string]string{"RPC_URL": "http://localhost:8545", "DEPLOYMENT_PATH": "d.json"}
	with := func(k, v string) map[string]string {
		m := map[string]string{}
		for key, val := range base {
			m[key] = val
		}
		m[k] = v
		return m
	}

	tests := []struct {
		name string
		vars map[string]string
	}{
		{"missing rpc", with("RPC_URL", "")},
		{"bad port", with("PORT", "eighty")},
		{"bad poll interval", with("POLL_INTERVAL", "soon")},
		{"bad rate", with("RPC_RATE_LIMIT", "-1")},
		{"unknown ledger", with("LEDGER_SOURCE", "subgraph")},
		{"bad schedule", with("MIRROR_SCHEDULE", "every now and then")},
		{"redis without database", with("REDIS_URL", "redis://localhost")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := load("", env(tt.vars))
			require.Error(t, err)
		})
	}
}

func TestRejectsUnknownFields(t *testing.T) {
	path := writeConfig(t, `
chain:
  rpc_url: http://localhost:8545
  deployment: d.json
  gas_price: 1
`)
	_, err := load(path, env(nil))
	require.Error(t, err)
}

func TestMissingFile(t *testing.T) {
	_, err := load(filepath.Join(t.TempDir(), "absent.yaml"), env(nil))
	require.Error(t, err)
}
