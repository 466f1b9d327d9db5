// Package config loads pbs-extend configuration.
//
// Precedence, highest first: runtime overrides, PBS_EXTEND_* environment
// variables, the config file, built-in defaults.
package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	gfconfig "github.com/fulmenhq/gofulmen/config"
	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
)

// ErrConfigNotFound is returned when an explicitly named config file is missing.
var ErrConfigNotFound = errors.New("config file not found")

// System locations searched for config.yaml, in order.
var systemConfigPaths = []string{
	"/opt/pbs/etc/pbs-extend",
	"/etc/pbs-extend",
}

// AppIdentity names the binary, its environment prefix and its config directory.
type AppIdentity struct {
	BinaryName string
	EnvPrefix  string
	ConfigName string
}

// DefaultIdentity is the identity of the pbs-extend binary.
func DefaultIdentity() *AppIdentity {
	return &AppIdentity{
		BinaryName: "pbs-extend",
		EnvPrefix:  "PBS_EXTEND",
		ConfigName: "pbs-extend",
	}
}

var (
	configMu    sync.RWMutex
	appConfig   *Config
	appIdentity *AppIdentity
	configUsed  string
)

// envSpec maps one environment variable to a config path.
type envSpec struct {
	Name string
	Path string
}

// Short aliases on top of the automatic PREFIX_SECTION_KEY names.
var envAliases = []struct {
	suffix string
	path   string
}{
	{"LOG_LEVEL", "logging.level"},
	{"LOG_FILE", "logging.file"},
	{"HOST", "server.host"},
	{"PORT", "server.port"},
	{"READ_TIMEOUT", "server.read_timeout"},
	{"WRITE_TIMEOUT", "server.write_timeout"},
	{"SHUTDOWN_TIMEOUT", "server.shutdown_timeout"},
	{"PRINCIPAL_HEADER", "server.principal_header"},
	{"METRICS_ENABLED", "metrics.enabled"},
	{"LEDGER", "ledger.path"},
	{"LEDGER_URL", "ledger.url"},
	{"LEDGER_AUTH_TOKEN", "ledger.auth_token"},
	{"REDIS_URL", "lock.redis_url"},
	{"PBS_SERVER", "scheduler.server"},
	{"FIXTURE", "scheduler.fixture"},
}

// SetDefaults installs every default on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("policy.retention", "720:00:00")
	v.SetDefault("policy.fund.default", "10368000")
	v.SetDefault("policy.fund.rules", "")
	v.SetDefault("policy.count.default", "20")
	v.SetDefault("policy.count.rules", "")
	v.SetDefault("policy.owner_pattern", `^[a-z][a-z0-9_-]{1,14}@[A-Z0-9\._-]+$`)
	v.SetDefault("policy.admin_pattern", "")
	v.SetDefault("policy.list_pattern", ".*")

	v.SetDefault("capabilities.list", true)
	v.SetDefault("capabilities.reset", true)
	v.SetDefault("capabilities.impersonate", true)
	v.SetDefault("capabilities.force", true)

	v.SetDefault("ledger.path", "")
	v.SetDefault("ledger.url", "")
	v.SetDefault("ledger.auth_token", "")
	v.SetDefault("ledger.timeout", "10s")
	v.SetDefault("ledger.serialize", "store")
	v.SetDefault("ledger.lock_wait", "2m")

	v.SetDefault("lock.redis_url", "")
	v.SetDefault("lock.ttl", "30s")

	v.SetDefault("scheduler.backend", BackendPBS)
	v.SetDefault("scheduler.server", "")
	v.SetDefault("scheduler.timeout", "30s")
	v.SetDefault("scheduler.rate_limit", 0)
	v.SetDefault("scheduler.max_redirects", 5)
	v.SetDefault("scheduler.pbs_bin_dir", "/opt/pbs/bin")
	v.SetDefault("scheduler.fixture", "")

	v.SetDefault("identity.user_env", "REMOTE_USER")
	v.SetDefault("identity.addr_env", "REMOTE_ADDR")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.file", "")
	v.SetDefault("logging.max_size_mb", 50)
	v.SetDefault("logging.max_backups", 5)

	v.SetDefault("server.host", "localhost")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.principal_header", "")
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "30s")
	v.SetDefault("server.idle_timeout", "120s")
	v.SetDefault("server.shutdown_timeout", "10s")

	v.SetDefault("metrics.enabled", true)

	v.SetDefault("report.s3.region", "")
	v.SetDefault("report.s3.endpoint", "")
	v.SetDefault("report.s3.profile", "")
	v.SetDefault("report.s3.access_key_id", "")
	v.SetDefault("report.s3.secret_access_key", "")
	v.SetDefault("report.s3.force_path_style", false)
}

// Load reads configuration from the default search paths.
func Load(ctx context.Context, overrides ...map[string]any) (*Config, error) {
	return LoadFile(ctx, "", overrides...)
}

// LoadFile reads configuration from path, or from the search paths when
// path is empty, and makes the result available through GetConfig.
func LoadFile(ctx context.Context, path string, overrides ...map[string]any) (*Config, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	identity := DefaultIdentity()
	configMu.Lock()
	appIdentity = identity
	configMu.Unlock()

	v := viper.New()
	SetDefaults(v)

	used, err := readConfigFile(v, path)
	if err != nil {
		return nil, err
	}

	v.SetEnvPrefix(identity.EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for key, names := range envBindings() {
		if err := v.BindEnv(append([]string{key}, names...)...); err != nil {
			return nil, fmt.Errorf("bind env for %s: %w", key, err)
		}
	}

	for _, o := range overrides {
		applyOverrides(v, "", o)
	}

	var cfg Config
	hook := viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	))
	if err := v.Unmarshal(&cfg, hook); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if cfg.Ledger.Path == "" && cfg.Ledger.URL == "" {
		cfg.Ledger.Path = DefaultLedgerPath()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	configMu.Lock()
	appConfig = &cfg
	configUsed = used
	configMu.Unlock()
	return &cfg, nil
}

// GetConfig returns the most recently loaded configuration, or nil.
func GetConfig() *Config {
	configMu.RLock()
	defer configMu.RUnlock()
	return appConfig
}

// ConfigFileUsed is the file the last Load read, or "".
func ConfigFileUsed() string {
	configMu.RLock()
	defer configMu.RUnlock()
	return configUsed
}

// DefaultLedgerPath is the SQLite file used when no ledger is configured.
func DefaultLedgerPath() string {
	return filepath.Join(gfconfig.GetAppDataDir(DefaultIdentity().ConfigName), "ledger.db")
}

func readConfigFile(v *viper.Viper, path string) (string, error) {
	if path != "" {
		if _, err := os.Stat(path); err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return "", fmt.Errorf("%w: %s", ErrConfigNotFound, path)
			}
			return "", fmt.Errorf("stat config %s: %w", path, err)
		}
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return "", fmt.Errorf("read config %s: %w", path, err)
		}
		return path, nil
	}

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	for _, dir := range systemConfigPaths {
		v.AddConfigPath(dir)
	}
	for _, dir := range getUserConfigPaths() {
		v.AddConfigPath(dir)
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			return "", nil
		}
		return "", fmt.Errorf("read config: %w", err)
	}
	return v.ConfigFileUsed(), nil
}

// getUserConfigPaths lists per-user config directories.
func getUserConfigPaths() []string {
	configMu.RLock()
	identity := appIdentity
	configMu.RUnlock()
	if identity == nil {
		return []string{}
	}

	base := os.Getenv("XDG_CONFIG_HOME")
	if base == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return []string{}
		}
		base = filepath.Join(home, ".config")
	}
	return []string{filepath.Join(base, identity.ConfigName)}
}

// getEnvSpecs lists the short environment aliases.
func getEnvSpecs() []envSpec {
	configMu.RLock()
	identity := appIdentity
	configMu.RUnlock()
	if identity == nil {
		return []envSpec{}
	}

	specs := make([]envSpec, 0, len(envAliases))
	for _, a := range envAliases {
		specs = append(specs, envSpec{Name: identity.EnvPrefix + "_" + a.suffix, Path: a.path})
	}
	return specs
}

// envBindings groups env names per config path. The automatic
// PREFIX_SECTION_KEY name comes first so it wins over an alias.
func envBindings() map[string][]string {
	configMu.RLock()
	identity := appIdentity
	configMu.RUnlock()

	out := make(map[string][]string)
	for _, spec := range getEnvSpecs() {
		if _, ok := out[spec.Path]; !ok {
			auto := identity.EnvPrefix + "_" + strings.ToUpper(strings.ReplaceAll(spec.Path, ".", "_"))
			out[spec.Path] = []string{auto}
		}
		if spec.Name != out[spec.Path][0] {
			out[spec.Path] = append(out[spec.Path], spec.Name)
		}
	}
	return out
}

// applyOverrides flattens nested maps into dotted keys and sets them on v,
// where they take precedence over everything else.
func applyOverrides(v *viper.Viper, prefix string, m map[string]any) {
	for k, val := range m {
		key := k
		if prefix != "" {
			key = prefix + "." + k
		}
		if nested, ok := val.(map[string]any); ok {
			applyOverrides(v, key, nested)
			continue
		}
		v.Set(key, val)
	}
}
