package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/3leaps/pbs-extend/pkg/ledger"
	"github.com/3leaps/pbs-extend/pkg/policy"
)

// Scheduler backends.
const (
	BackendPBS  = "pbs"
	BackendFile = "file"
)

// Config is the complete runtime configuration.
type Config struct {
	Policy       PolicyConfig       `mapstructure:"policy"`
	Capabilities CapabilitiesConfig `mapstructure:"capabilities"`
	Ledger       LedgerConfig       `mapstructure:"ledger"`
	Lock         LockConfig         `mapstructure:"lock"`
	Scheduler    SchedulerConfig    `mapstructure:"scheduler"`
	Identity     IdentityConfig     `mapstructure:"identity"`
	Logging      LoggingConfig      `mapstructure:"logging"`
	Server       ServerConfig       `mapstructure:"server"`
	Metrics      MetricsConfig      `mapstructure:"metrics"`
	Report       ReportConfig       `mapstructure:"report"`
}

// PolicyConfig holds quota rules in their textual form.
type PolicyConfig struct {
	// Retention accepts seconds or H:MM:SS.
	Retention    string     `mapstructure:"retention"`
	Fund         RuleConfig `mapstructure:"fund"`
	Count        RuleConfig `mapstructure:"count"`
	OwnerPattern string     `mapstructure:"owner_pattern"`
	AdminPattern string     `mapstructure:"admin_pattern"`
	ListPattern  string     `mapstructure:"list_pattern"`
}

// RuleConfig is one ceiling: a default plus "pattern:value,..." rules.
type RuleConfig struct {
	Default string `mapstructure:"default"`
	Rules   string `mapstructure:"rules"`
}

// Settings converts the section for policy.Compile.
func (p PolicyConfig) Settings() policy.Settings {
	return policy.Settings{
		Retention:    p.Retention,
		DefaultFund:  p.Fund.Default,
		FundRules:    p.Fund.Rules,
		DefaultCount: p.Count.Default,
		CountRules:   p.Count.Rules,
		OwnerPattern: p.OwnerPattern,
		AdminPattern: p.AdminPattern,
		ListPattern:  p.ListPattern,
	}
}

// CapabilitiesConfig switches optional commands on and off.
type CapabilitiesConfig struct {
	List        bool `mapstructure:"list"`
	Reset       bool `mapstructure:"reset"`
	Impersonate bool `mapstructure:"impersonate"`
	Force       bool `mapstructure:"force"`
}

// LedgerConfig locates the usage store.
type LedgerConfig struct {
	// Path is a local SQLite file or ":memory:"; empty selects the app data dir.
	Path      string        `mapstructure:"path"`
	URL       string        `mapstructure:"url"`
	AuthToken string        `mapstructure:"auth_token"`
	Timeout   time.Duration `mapstructure:"timeout"`
	Serialize string        `mapstructure:"serialize"`
	// LockWait is how long a decision waits for one in flight on the same
	// SQLite file, whatever its owner.
	LockWait time.Duration `mapstructure:"lock_wait"`
}

// LockConfig configures the optional Redis owner lock.
type LockConfig struct {
	RedisURL string        `mapstructure:"redis_url"`
	TTL      time.Duration `mapstructure:"ttl"`
}

// SchedulerConfig selects and tunes the scheduler client.
type SchedulerConfig struct {
	Backend      string        `mapstructure:"backend"`
	Server       string        `mapstructure:"server"`
	Timeout      time.Duration `mapstructure:"timeout"`
	RateLimit    float64       `mapstructure:"rate_limit"`
	MaxRedirects int           `mapstructure:"max_redirects"`
	PBSBinDir    string        `mapstructure:"pbs_bin_dir"`
	Fixture      string        `mapstructure:"fixture"`
}

// IdentityConfig names the environment variables carrying the caller.
type IdentityConfig struct {
	UserEnv string `mapstructure:"user_env"`
	AddrEnv string `mapstructure:"addr_env"`
}

// LoggingConfig configures the CLI and audit loggers.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
}

// ServerConfig configures `serve`.
type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	PrincipalHeader string        `mapstructure:"principal_header"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// MetricsConfig toggles Prometheus metrics.
type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

// ReportConfig configures report archiving.
type ReportConfig struct {
	S3 S3Config `mapstructure:"s3"`
}

// S3Config configures the archive bucket client.
type S3Config struct {
	Region          string `mapstructure:"region"`
	Endpoint        string `mapstructure:"endpoint"`
	Profile         string `mapstructure:"profile"`
	AccessKeyID     string `mapstructure:"access_key_id"`
	SecretAccessKey string `mapstructure:"secret_access_key"`
	ForcePathStyle  bool   `mapstructure:"force_path_style"`
}

// ValidationError reports an invalid configuration value.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("config %s: %s", e.Field, e.Message)
}

// Validate checks values that would otherwise fail late.
func (c *Config) Validate() error {
	if _, err := ledger.ParseSerializeMode(c.Ledger.Serialize); err != nil {
		return &ValidationError{Field: "ledger.serialize", Message: err.Error()}
	}
	if c.Ledger.Timeout < 0 {
		return &ValidationError{Field: "ledger.timeout", Message: "must not be negative"}
	}
	if c.Ledger.LockWait < 0 {
		return &ValidationError{Field: "ledger.lock_wait", Message: "must not be negative"}
	}
	switch strings.ToLower(c.Scheduler.Backend) {
	case BackendPBS:
	case BackendFile:
		if c.Scheduler.Fixture == "" {
			return &ValidationError{Field: "scheduler.fixture", Message: "required by the file backend"}
		}
	default:
		return &ValidationError{Field: "scheduler.backend", Message: fmt.Sprintf("unknown backend %q", c.Scheduler.Backend)}
	}
	if c.Scheduler.MaxRedirects < 0 {
		return &ValidationError{Field: "scheduler.max_redirects", Message: "must not be negative"}
	}
	if c.Scheduler.RateLimit < 0 {
		return &ValidationError{Field: "scheduler.rate_limit", Message: "must not be negative"}
	}
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return &ValidationError{Field: "server.port", Message: "out of range"}
	}
	if c.Identity.UserEnv == "" {
		return &ValidationError{Field: "identity.user_env", Message: "must not be empty"}
	}
	return nil
}
