package cmd

import (
	"context"
	"fmt"
	"runtime"

	"github.com/fulmenhq/gofulmen/crucible"
	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/pbs-extend/internal/config"
	"github.com/3leaps/pbs-extend/internal/observability"
	"github.com/3leaps/pbs-extend/pkg/report"
)

var doctorS3 bool

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Run diagnostic checks",
	Long: `Run diagnostic checks on the installation and suggest fixes for common issues.

Examples:
  pbs-extend doctor        # Runtime, config, ledger, scheduler and lock checks
  pbs-extend doctor --s3   # Also check the AWS credentials used by list --upload`,
	Args: usageArgs(cobra.NoArgs),
	RunE: runDoctor,
}

func init() {
	rootCmd.AddCommand(doctorCmd)
	doctorCmd.Flags().BoolVar(&doctorS3, "s3", false, "check AWS credentials for report uploads")
}

// doctorCheck runs one diagnostic and returns a short detail on success.
type doctorCheck struct {
	name string
	run  func(ctx context.Context) (string, error)
}

func runDoctor(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	log := observability.CLILogger

	bannerName := "doctor"
	if identity := GetAppIdentity(); identity != nil && identity.BinaryName != "" {
		bannerName = identity.BinaryName + " doctor"
	}
	log.Info("=== " + bannerName + " ===")
	log.Info("")
	log.Info("Running diagnostic checks...")
	log.Info("")

	var cfg *config.Config
	var session *Session
	defer func() {
		if session != nil {
			_ = session.Close()
		}
	}()

	checks := []doctorCheck{
		{"Go version", func(ctx context.Context) (string, error) {
			v := runtime.Version()
			if v < "go1.23" {
				return v, fmt.Errorf("%s is older than go1.23", v)
			}
			return v, nil
		}},
		{"Gofulmen access", func(ctx context.Context) (string, error) {
			version := crucible.GetVersion()
			if version.Gofulmen == "" {
				return "", fmt.Errorf("cannot read gofulmen version")
			}
			return "v" + version.Gofulmen + ", crucible v" + version.Crucible, nil
		}},
		{"configuration", func(ctx context.Context) (string, error) {
			c, err := loadConfig(ctx)
			if err != nil {
				return "", err
			}
			cfg = c
			if used := config.ConfigFileUsed(); used != "" {
				return used, nil
			}
			return "defaults", nil
		}},
		{"ledger", func(ctx context.Context) (string, error) {
			if cfg == nil {
				return "", fmt.Errorf("skipped: no configuration")
			}
			s, err := openSession(ctx, cfg, sessionOptions{scheduler: true})
			if err != nil {
				return "", err
			}
			session = s
			if err := s.Ledger.Ping(ctx); err != nil {
				return "", err
			}
			return string(s.Ledger.Mode()) + " serialization", nil
		}},
		{"scheduler", func(ctx context.Context) (string, error) {
			if session == nil {
				return "", fmt.Errorf("skipped: ledger unavailable")
			}
			client, err := session.Dialer.Dial(ctx, cfg.Scheduler.Server)
			if err != nil {
				return "", err
			}
			defer func() { _ = client.Close() }()
			return cfg.Scheduler.Backend + " " + client.ServerHost(), nil
		}},
		{"owner lock", func(ctx context.Context) (string, error) {
			if cfg == nil {
				return "", fmt.Errorf("skipped: no configuration")
			}
			if cfg.Lock.RedisURL == "" {
				return "disabled", nil
			}
			if session == nil || session.Locker == nil {
				return "", fmt.Errorf("skipped: session unavailable")
			}
			return "redis", nil
		}},
		{"environment", func(ctx context.Context) (string, error) {
			return runtime.GOOS + "/" + runtime.GOARCH, nil
		}},
	}
	if doctorS3 {
		checks = append(checks, doctorCheck{"AWS credentials", func(ctx context.Context) (string, error) {
			s3cfg := report.S3Config{}
			if cfg != nil {
				s3cfg = s3Settings(cfg)
			}
			return checkAWSCredentials(ctx, s3cfg)
		}})
	}

	allChecks := true
	for i, check := range checks {
		detail, err := check.run(ctx)
		prefix := fmt.Sprintf("[%d/%d] Checking %s...", i+1, len(checks), check.name)
		if err != nil {
			log.Error(prefix+" ❌ "+err.Error(), zap.String("check", check.name))
			if check.name == "AWS credentials" {
				printAWSCredentialsHelp()
			}
			allChecks = false
			continue
		}
		log.Info(prefix+" ✅ "+detail, zap.String("check", check.name))
	}

	log.Info("")
	defer log.Info("=== End Diagnostics ===")
	if !allChecks {
		log.Warn("⚠️  Some checks failed. Review the output above for details.")
		return denied(foundry.ExitExternalServiceUnavailable, "Some checks failed")
	}
	log.Info(fmt.Sprintf("✅ All checks passed! Your %s installation is healthy.", bannerName))
	return nil
}

// checkAWSCredentials resolves credentials the way `list --upload` does.
func checkAWSCredentials(ctx context.Context, cfg report.S3Config) (string, error) {
	awsCfg, err := report.LoadAWSConfig(ctx, cfg)
	if err != nil {
		return "", err
	}
	creds, err := awsCfg.Credentials.Retrieve(ctx)
	if err != nil {
		return "", fmt.Errorf("cannot retrieve credentials: %w", err)
	}
	source := creds.Source
	if source == "" {
		source = "unknown"
	}
	return maskAccessKey(creds.AccessKeyID) + " from " + source, nil
}

// maskAccessKey masks all but the last 4 characters of an access key.
func maskAccessKey(key string) string {
	if len(key) <= 4 {
		return "****"
	}
	return "****" + key[len(key)-4:]
}

// printAWSCredentialsHelp prints help for configuring AWS credentials.
func printAWSCredentialsHelp() {
	log := observability.CLILogger
	log.Info("")
	log.Info("To configure AWS credentials:")
	log.Info("  1. Set AWS_ACCESS_KEY_ID and AWS_SECRET_ACCESS_KEY environment variables, or")
	log.Info("  2. Set report.s3.profile to a profile from 'aws configure', or")
	log.Info("  3. Set report.s3.access_key_id and report.s3.secret_access_key")
	log.Info("")
	log.Info("For S3-compatible storage (MinIO, Wasabi, etc.), also set report.s3.endpoint")
	log.Info("and report.s3.force_path_style.")
	log.Info("")
}
