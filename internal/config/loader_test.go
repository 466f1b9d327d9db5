package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/pbs-extend/pkg/policy"
)

// isolate keeps user config directories out of the test.
func isolate(t *testing.T) {
	t.Helper()
	t.Setenv("HOME", t.TempDir())
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
}

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoad(t *testing.T) {
	ctx := context.Background()

	t.Run("LoadDefaults", func(t *testing.T) {
		isolate(t)
		cfg, err := Load(ctx)
		require.NoError(t, err)
		require.NotNil(t, cfg)

		assert.Equal(t, "720:00:00", cfg.Policy.Retention)
		assert.Equal(t, "10368000", cfg.Policy.Fund.Default)
		assert.Equal(t, "20", cfg.Policy.Count.Default)
		assert.Equal(t, ".*", cfg.Policy.ListPattern)
		assert.Empty(t, cfg.Policy.AdminPattern)

		assert.True(t, cfg.Capabilities.List)
		assert.True(t, cfg.Capabilities.Force)

		assert.Equal(t, 10*time.Second, cfg.Ledger.Timeout)
		assert.Equal(t, "store", cfg.Ledger.Serialize)
		assert.Equal(t, "ledger.db", filepath.Base(cfg.Ledger.Path))

		assert.Equal(t, 30*time.Second, cfg.Lock.TTL)

		assert.Equal(t, BackendPBS, cfg.Scheduler.Backend)
		assert.Equal(t, 30*time.Second, cfg.Scheduler.Timeout)
		assert.Equal(t, 5, cfg.Scheduler.MaxRedirects)
		assert.Equal(t, "/opt/pbs/bin", cfg.Scheduler.PBSBinDir)

		assert.Equal(t, "REMOTE_USER", cfg.Identity.UserEnv)
		assert.Equal(t, "REMOTE_ADDR", cfg.Identity.AddrEnv)

		assert.Equal(t, "localhost", cfg.Server.Host)
		assert.Equal(t, 8080, cfg.Server.Port)
		assert.Equal(t, 30*time.Second, cfg.Server.ReadTimeout)
		assert.Equal(t, 120*time.Second, cfg.Server.IdleTimeout)
		assert.Equal(t, 10*time.Second, cfg.Server.ShutdownTimeout)

		assert.Equal(t, "info", cfg.Logging.Level)
		assert.Equal(t, 50, cfg.Logging.MaxSizeMB)
		assert.True(t, cfg.Metrics.Enabled)
	})

	t.Run("DefaultsCompile", func(t *testing.T) {
		isolate(t)
		cfg, err := Load(ctx)
		require.NoError(t, err)

		p, err := policy.Compile(cfg.Policy.Settings())
		require.NoError(t, err)
		assert.Equal(t, 30*24*time.Hour, p.Retention)
		assert.Equal(t, policy.DefaultFund, p.DefaultFund)
		assert.True(t, p.ValidPrincipal("alice@DOMAIN"))
	})

	t.Run("RuntimeOverrides", func(t *testing.T) {
		isolate(t)
		overrides := map[string]any{
			"server": map[string]any{
				"port": 9000,
				"host": "0.0.0.0",
			},
			"logging": map[string]any{
				"level": "debug",
			},
		}

		cfg, err := Load(ctx, overrides)
		require.NoError(t, err)

		assert.Equal(t, "0.0.0.0", cfg.Server.Host)
		assert.Equal(t, 9000, cfg.Server.Port)
		assert.Equal(t, "debug", cfg.Logging.Level)
		assert.Equal(t, 30*time.Second, cfg.Server.ReadTimeout)
	})

	t.Run("EnvOverrides", func(t *testing.T) {
		isolate(t)
		t.Setenv("PBS_EXTEND_PORT", "3000")
		t.Setenv("PBS_EXTEND_LOG_LEVEL", "warn")
		t.Setenv("PBS_EXTEND_METRICS_ENABLED", "false")
		t.Setenv("PBS_EXTEND_POLICY_ADMIN_PATTERN", "^root@")
		t.Setenv("PBS_EXTEND_LEDGER_SERIALIZE", "none")

		cfg, err := Load(ctx)
		require.NoError(t, err)

		assert.Equal(t, 3000, cfg.Server.Port)
		assert.Equal(t, "warn", cfg.Logging.Level)
		assert.False(t, cfg.Metrics.Enabled)
		assert.Equal(t, "^root@", cfg.Policy.AdminPattern)
		assert.Equal(t, "none", cfg.Ledger.Serialize)
	})

	t.Run("LongEnvNameWinsOverAlias", func(t *testing.T) {
		isolate(t)
		t.Setenv("PBS_EXTEND_PORT", "3000")
		t.Setenv("PBS_EXTEND_SERVER_PORT", "3001")

		cfg, err := Load(ctx)
		require.NoError(t, err)
		assert.Equal(t, 3001, cfg.Server.Port)
	})

	t.Run("ConfigPrecedence", func(t *testing.T) {
		isolate(t)
		t.Setenv("PBS_EXTEND_PORT", "4000")
		path := writeConfig(t, "server:\n  port: 4500\n  host: filehost\n")

		cfg, err := LoadFile(ctx, path, map[string]any{
			"server": map[string]any{"port": 5000},
		})
		require.NoError(t, err)
		assert.Equal(t, 5000, cfg.Server.Port)
		assert.Equal(t, "filehost", cfg.Server.Host)
		assert.Equal(t, path, ConfigFileUsed())
	})
}

func TestLoadFile(t *testing.T) {
	ctx := context.Background()

	t.Run("PolicySection", func(t *testing.T) {
		isolate(t)
		path := writeConfig(t, `
policy:
  retention: 86400
  fund:
    default: "01:00:00"
    rules: "alice:7200,bob:60"
  count:
    default: 3
  admin_pattern: "^root@"
capabilities:
  list: false
  force: false
ledger:
  path: ":memory:"
  timeout: 2s
scheduler:
  backend: file
  fixture: /tmp/cluster.yaml
  rate_limit: 2.5
`)
		cfg, err := LoadFile(ctx, path)
		require.NoError(t, err)

		assert.Equal(t, "86400", cfg.Policy.Retention)
		assert.Equal(t, "01:00:00", cfg.Policy.Fund.Default)
		assert.Equal(t, "alice:7200,bob:60", cfg.Policy.Fund.Rules)
		assert.Equal(t, "3", cfg.Policy.Count.Default)
		assert.False(t, cfg.Capabilities.List)
		assert.False(t, cfg.Capabilities.Force)
		assert.True(t, cfg.Capabilities.Reset)
		assert.Equal(t, ":memory:", cfg.Ledger.Path)
		assert.Equal(t, 2*time.Second, cfg.Ledger.Timeout)
		assert.Equal(t, BackendFile, cfg.Scheduler.Backend)
		assert.InDelta(t, 2.5, cfg.Scheduler.RateLimit, 1e-9)

		p, err := policy.Compile(cfg.Policy.Settings())
		require.NoError(t, err)
		assert.Equal(t, int64(7200), p.LimitsFor("alice@DOMAIN").Fund)
		assert.Equal(t, int64(3600), p.LimitsFor("carol@DOMAIN").Fund)
		assert.Equal(t, int64(3), p.LimitsFor("carol@DOMAIN").Count)
		assert.True(t, p.IsAdmin("root@DOMAIN"))
	})

	t.Run("Missing", func(t *testing.T) {
		isolate(t)
		_, err := LoadFile(ctx, filepath.Join(t.TempDir(), "absent.yaml"))
		assert.ErrorIs(t, err, ErrConfigNotFound)
	})

	t.Run("Malformed", func(t *testing.T) {
		isolate(t)
		path := writeConfig(t, "server: [unclosed\n")
		_, err := LoadFile(ctx, path)
		require.Error(t, err)
		assert.NotErrorIs(t, err, ErrConfigNotFound)
	})

	t.Run("UserConfigDirectory", func(t *testing.T) {
		isolate(t)
		xdg := t.TempDir()
		t.Setenv("XDG_CONFIG_HOME", xdg)
		dir := filepath.Join(xdg, "pbs-extend")
		require.NoError(t, os.MkdirAll(dir, 0o755))
		require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte("server:\n  port: 7070\n"), 0o644))

		cfg, err := Load(ctx)
		require.NoError(t, err)
		assert.Equal(t, 7070, cfg.Server.Port)
		assert.Equal(t, filepath.Join(dir, "config.yaml"), ConfigFileUsed())
	})
}

func TestValidate(t *testing.T) {
	ctx := context.Background()
	tests := []struct {
		name      string
		overrides map[string]any
		field     string
	}{
		{name: "serialize", overrides: map[string]any{"ledger": map[string]any{"serialize": "maybe"}}, field: "ledger.serialize"},
		{name: "lock wait", overrides: map[string]any{"ledger": map[string]any{"lock_wait": "-1s"}}, field: "ledger.lock_wait"},
		{name: "backend", overrides: map[string]any{"scheduler": map[string]any{"backend": "slurm"}}, field: "scheduler.backend"},
		{name: "fixture", overrides: map[string]any{"scheduler": map[string]any{"backend": "file"}}, field: "scheduler.fixture"},
		{name: "redirects", overrides: map[string]any{"scheduler": map[string]any{"max_redirects": -1}}, field: "scheduler.max_redirects"},
		{name: "port", overrides: map[string]any{"server": map[string]any{"port": 70000}}, field: "server.port"},
		{name: "user env", overrides: map[string]any{"identity": map[string]any{"user_env": ""}}, field: "identity.user_env"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			isolate(t)
			_, err := Load(ctx, tt.overrides)
			var ve *ValidationError
			require.ErrorAs(t, err, &ve)
			assert.Equal(t, tt.field, ve.Field)
		})
	}
}

func TestGetConfig(t *testing.T) {
	isolate(t)
	cfg, err := Load(context.Background(), map[string]any{"server": map[string]any{"port": 8181}})
	require.NoError(t, err)

	retrieved := GetConfig()
	require.NotNil(t, retrieved)
	assert.Equal(t, cfg.Server.Port, retrieved.Server.Port)
}

func TestDurationParsing(t *testing.T) {
	isolate(t)
	t.Setenv("PBS_EXTEND_READ_TIMEOUT", "45s")
	t.Setenv("PBS_EXTEND_SHUTDOWN_TIMEOUT", "5m")
	t.Setenv("PBS_EXTEND_LOCK_TTL", "1m30s")

	cfg, err := Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 45*time.Second, cfg.Server.ReadTimeout)
	assert.Equal(t, 5*time.Minute, cfg.Server.ShutdownTimeout)
	assert.Equal(t, 90*time.Second, cfg.Lock.TTL)
}

func TestLoad_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := Load(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

// resetAppIdentity resets package state for isolated tests.
func resetAppIdentity() {
	configMu.Lock()
	defer configMu.Unlock()
	appIdentity = nil
	appConfig = nil
}

func TestGetUserConfigPathsNilIdentity(t *testing.T) {
	resetAppIdentity()
	defer func() { _, _ = Load(context.Background()) }()

	assert.Empty(t, getUserConfigPaths())
}

func TestGetEnvSpecsNilIdentity(t *testing.T) {
	resetAppIdentity()
	defer func() { _, _ = Load(context.Background()) }()

	assert.Empty(t, getEnvSpecs())
}

func TestEnvSpecs(t *testing.T) {
	isolate(t)
	_, err := Load(context.Background())
	require.NoError(t, err)

	specs := getEnvSpecs()
	require.NotEmpty(t, specs)

	names := make(map[string]string)
	for _, spec := range specs {
		assert.Contains(t, spec.Name, "PBS_EXTEND_")
		assert.NotEmpty(t, spec.Path, "env var %s should have a path", spec.Name)
		names[spec.Name] = spec.Path
	}
	assert.Equal(t, "logging.level", names["PBS_EXTEND_LOG_LEVEL"])
	assert.Equal(t, "server.port", names["PBS_EXTEND_PORT"])
	assert.Equal(t, "lock.redis_url", names["PBS_EXTEND_REDIS_URL"])

	bindings := envBindings()
	assert.Equal(t, []string{"PBS_EXTEND_SERVER_PORT", "PBS_EXTEND_PORT"}, bindings["server.port"])
}
