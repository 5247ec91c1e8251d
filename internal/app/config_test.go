package app

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func setEnv(t *testing.T, kv map[string]string) {
	t.Helper()
	for k, v := range kv {
		t.Setenv(k, v)
	}
}

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := LoadConfig()
	require.NoError(t, err)
	require.Equal(t, ":8080", cfg.AppAddr)
	require.Equal(t, 5*time.Second, cfg.RBACUndoWindow)
	require.Equal(t, 3*time.Second, cfg.RBACNetTimeout)
	require.Equal(t, OrphanPolicyBlock, cfg.RBACOrphanPolicy)
	require.Equal(t, 60, cfg.RateLimitPerMinute)
	require.Equal(t, "rbac:pending_deletions", cfg.RBACPendingKey)
	require.Equal(t, ":9091", cfg.WorkerMetricsAddr)
	require.False(t, cfg.IsProduction())
}

func TestLoadConfigOverrides(t *testing.T) {
	setEnv(t, map[string]string{
		"RBAC_UNDO_WINDOW":   "10s",
		"RBAC_ORPHAN_POLICY": "reassign",
		"RBAC_FALLBACK_ROLE": "4",
		"LOG_LEVEL":          "debug",
	})
	cfg, err := LoadConfig()
	require.NoError(t, err)
	require.Equal(t, 10*time.Second, cfg.RBACUndoWindow)
	require.EqualValues(t, 4, cfg.RBACFallbackRoleID)
	require.NotNil(t, cfg.OrphanPolicy())

	rc := cfg.RBACConfig()
	require.Equal(t, 10*time.Second, rc.UndoWindow)
	require.Equal(t, 3*time.Second, rc.NetTimeout)
	require.NotNil(t, rc.Orphans)
}

func TestConfigConnectionOptions(t *testing.T) {
	setEnv(t, map[string]string{
		"PG_MAX_CONNS":         "20",
		"PG_MIN_CONNS":         "2",
		"PG_STATEMENT_TIMEOUT": "4s",
		"REDIS_ADDR":           "redis://cache.internal:6379/0",
		"REDIS_PASSWORD":       "pw",
		"REDIS_DB":             "2",
	})
	cfg, err := LoadConfig()
	require.NoError(t, err)

	pg := cfg.PostgresOptions("odyssey-accessd")
	require.EqualValues(t, 20, pg.MaxConns)
	require.EqualValues(t, 2, pg.MinConns)
	require.Equal(t, 30*time.Minute, pg.MaxConnLifetime)
	require.Equal(t, 4*time.Second, pg.StatementTimeout)
	require.Equal(t, "odyssey-accessd", pg.ApplicationName)

	rd := cfg.RedisOptions()
	require.Equal(t, "redis://cache.internal:6379/0", rd.Addr)
	require.Equal(t, "pw", rd.Password)
	require.Equal(t, 2, rd.DB)
}

func TestConfigValidate(t *testing.T) {
	base := func() Config {
		return Config{RBACUndoWindow: time.Second, RBACNetTimeout: time.Second, RBACOrphanPolicy: OrphanPolicyBlock}
	}
	cases := []struct {
		name   string
		mutate func(*Config)
		ok     bool
	}{
		{name: "defaults", mutate: func(*Config) {}, ok: true},
		{name: "zero undo window", mutate: func(c *Config) { c.RBACUndoWindow = 0 }},
		{name: "zero net timeout", mutate: func(c *Config) { c.RBACNetTimeout = 0 }},
		{name: "unknown policy", mutate: func(c *Config) { c.RBACOrphanPolicy = "cascade" }},
		{name: "reassign without fallback", mutate: func(c *Config) { c.RBACOrphanPolicy = OrphanPolicyReassign }},
		{name: "unassign", mutate: func(c *Config) { c.RBACOrphanPolicy = "UNASSIGN" }, ok: true},
		{name: "production without token", mutate: func(c *Config) { c.AppEnv = "production" }},
		{name: "production with token", mutate: func(c *Config) { c.AppEnv = "production"; c.AdminTokenHash = "$2a$" }, ok: true},
		{name: "negative rate limit", mutate: func(c *Config) { c.RateLimitPerMinute = -1 }},
		{name: "min conns above max", mutate: func(c *Config) { c.PGMaxConns = 2; c.PGMinConns = 3 }},
		{name: "negative redis db", mutate: func(c *Config) { c.RedisDB = -1 }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := base()
			tc.mutate(&cfg)
			err := cfg.Validate()
			if tc.ok {
				require.NoError(t, err)
			} else {
				require.Error(t, err)
			}
		})
	}
}

func TestInTestModeFromEnv(t *testing.T) {
	t.Setenv(testModeEnv, "1")
	RefreshTestMode()
	require.True(t, InTestMode())
	t.Setenv(testModeEnv, "true")
	RefreshTestMode()
	require.True(t, InTestMode())
	t.Setenv(testModeEnv, "")
	RefreshTestMode()
	require.False(t, InTestMode())
}

func TestParseLevel(t *testing.T) {
	require.Equal(t, "DEBUG", parseLevel(&Config{LogLevel: "debug"}).String())
	require.Equal(t, "WARN", parseLevel(&Config{LogLevel: "warning"}).String())
	require.Equal(t, "ERROR", parseLevel(&Config{LogLevel: "error"}).String())
	require.Equal(t, "INFO", parseLevel(&Config{LogLevel: "loud"}).String())
	require.Equal(t, "INFO", parseLevel(nil).String())
}
