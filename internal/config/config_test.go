package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const secret = "0123456789abcdefghijklmnopqrstuvwxyzABCD"

func env(kv map[string]string) func(string) (string, bool) {
	return func(k string) (string, bool) {
		v, ok := kv[k]
		return v, ok
	}
}

func TestDefaults(t *testing.T) {
	cfg, err := FromEnv(env(map[string]string{"CARECOORD_AUTH_SECRET": secret}))
	require.NoError(t, err)
	assert.Equal(t, ":8080", cfg.Server.HTTPAddr)
	assert.Equal(t, ":9090", cfg.Server.GRPCAddr)
	assert.Equal(t, 2*time.Second, cfg.Policy.DecisionTimeout)
	assert.Equal(t, 4*time.Hour, cfg.BreakGlass.MaxTTL)
	assert.Equal(t, "carecoord", cfg.Auth.Issuer)
	assert.False(t, cfg.Database.Enabled())
	assert.False(t, cfg.Anchor.Enabled())
	assert.Equal(t, "audit-anchors", cfg.Anchor.Prefix)
}

func TestOverrides(t *testing.T) {
	cfg, err := FromEnv(env(map[string]string{
		"CARECOORD_AUTH_SECRET":          secret,
		"CARECOORD_PG_DSN":               "postgres://localhost/care",
		"CARECOORD_PG_MAX_OPEN_CONNS":    "4",
		"CARECOORD_POLICY_POLL_INTERVAL": "30",
		"CARECOORD_DECISION_TIMEOUT":     "750ms",
		"CARECOORD_RATE_LIMIT_RPS":       "2.5",
		"CARECOORD_ANCHOR_S3_BUCKET":     "audit",
		"CARECOORD_ANCHOR_S3_REGION":     "eu-central-1",
	}))
	require.NoError(t, err)
	assert.True(t, cfg.Database.Enabled())
	assert.Equal(t, 4, cfg.Database.MaxOpenConns)
	assert.Equal(t, 4, cfg.Database.MaxIdleConns, "idle is capped by open")
	assert.Equal(t, 30*time.Second, cfg.Policy.PollInterval)
	assert.Equal(t, 750*time.Millisecond, cfg.Policy.DecisionTimeout)
	assert.Equal(t, 2.5, cfg.RateLimit.RPS)
	assert.True(t, cfg.Anchor.Enabled())
}

func TestInvalidValues(t *testing.T) {
	cases := map[string]map[string]string{
		"short secret":       {"CARECOORD_AUTH_SECRET": "short"},
		"bad integer":        {"CARECOORD_AUTH_SECRET": secret, "CARECOORD_PG_MAX_OPEN_CONNS": "many"},
		"bad duration":       {"CARECOORD_AUTH_SECRET": secret, "CARECOORD_DECISION_TIMEOUT": "soon"},
		"zero timeout":       {"CARECOORD_AUTH_SECRET": secret, "CARECOORD_DECISION_TIMEOUT": "0s"},
		"short salt":         {"CARECOORD_AUTH_SECRET": secret, "CARECOORD_FINGERPRINT_SALT": "pepper"},
		"anchor sans region": {"CARECOORD_AUTH_SECRET": secret, "CARECOORD_ANCHOR_S3_BUCKET": "audit"},
	}
	for name, kv := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := FromEnv(env(kv))
			assert.Error(t, err)
		})
	}
}

func TestLoadReadsDotEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".env")
	require.NoError(t, os.WriteFile(path, []byte("CARECOORD_AUTH_SECRET="+secret+"\nCARECOORD_GRPC_ADDR=:7777\n"), 0o600))
	t.Setenv("CARECOORD_GRPC_ADDR", "")
	t.Setenv("CARECOORD_AUTH_SECRET", "")
	os.Unsetenv("CARECOORD_GRPC_ADDR")
	os.Unsetenv("CARECOORD_AUTH_SECRET")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":7777", cfg.Server.GRPCAddr)

	_, err = Load(filepath.Join(t.TempDir(), "missing.env"))
	require.NoError(t, err, "a missing file is not an error once the environment is set")
}
