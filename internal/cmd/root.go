package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/3leaps/pbs-extend/internal/config"
	apperrors "github.com/3leaps/pbs-extend/internal/errors"
	"github.com/3leaps/pbs-extend/internal/observability"
)

var (
	cfgFile  string
	verbose  bool
	logLevel string

	versionInfo = struct {
		Version   string
		Commit    string
		BuildDate string
	}{
		Version:   "dev",
		Commit:    "unknown",
		BuildDate: "unknown",
	}

	appIdentity = config.DefaultIdentity()
)

var rootCmd = &cobra.Command{
	Use:   "pbs-extend",
	Short: "Extend the walltime of PBS jobs against a per-owner quota",
	Long: `pbs-extend lets job owners extend the walltime of their own PBS jobs.

Each extension of a running job is charged against the owner's cputime fund
and counts towards a per-owner extension limit, both measured over a sliding
retention window. Administrators are exempt from the fund and may force an
extension past an upcoming reservation.

Allowed job id formats: 123, 123.server, 123.server@target
Allowed walltime formats: <seconds>, <h+:mm:ss>`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		name := "pbs-extend"
		if identity := GetAppIdentity(); identity != nil && identity.BinaryName != "" {
			name = identity.BinaryName
		}
		observability.InitCLILogger(name, verbose)
	},
}

// SetVersionInfo records build metadata for `version` and `/version`.
func SetVersionInfo(version, commit, buildDate string) {
	versionInfo.Version = version
	versionInfo.Commit = commit
	versionInfo.BuildDate = buildDate
}

// GetAppIdentity returns the binary's identity.
func GetAppIdentity() *config.AppIdentity {
	return appIdentity
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

// ExecuteContext runs the root command with ctx.
func ExecuteContext(ctx context.Context) error {
	return rootCmd.ExecuteContext(ctx)
}

func init() {
	setDefaults()

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: search /opt/pbs/etc/pbs-extend, /etc/pbs-extend, ~/.config/pbs-extend)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level (debug, info, warn, error)")
	_ = viper.BindPFlag("logging.level", rootCmd.PersistentFlags().Lookup("log-level"))
}

// setDefaults installs configuration defaults on the global viper, which
// carries flag bindings into loadConfig.
func setDefaults() {
	config.SetDefaults(viper.GetViper())
}

// loadConfig loads configuration, applying command-line flags as overrides.
func loadConfig(ctx context.Context) (*config.Config, error) {
	overrides := map[string]any{}
	if logLevel != "" {
		overrides["logging"] = map[string]any{"level": viper.GetString("logging.level")}
	}

	cfg, err := config.LoadFile(ctx, cfgFile, overrides)
	if err != nil {
		if errors.Is(err, config.ErrConfigNotFound) {
			return nil, exitError(foundry.ExitFileNotFound, "Config file not found", err)
		}
		return nil, exitError(apperrors.ExitCodeFor(apperrors.KindConfiguration), "Invalid configuration", err)
	}

	if !verbose {
		if err := observability.SetCLILevel(appIdentity.BinaryName, cfg.Logging.Level); err != nil {
			return nil, exitError(apperrors.ExitCodeFor(apperrors.KindConfiguration), "Invalid log level", err)
		}
	}
	return cfg, nil
}

// ExitError carries a process exit status out of a command.
type ExitError struct {
	Code    int
	Message string
	Err     error
	// Silent errors were already reported to the user.
	Silent bool
}

func (e *ExitError) Error() string {
	if e.Err == nil {
		return e.Message
	}
	return fmt.Sprintf("%s: %v (exit code %d)", e.Message, e.Err, e.Code)
}

func (e *ExitError) Unwrap() error { return e.Err }

// exitError returns an error that terminates the process with code.
func exitError(code int, message string, err error) error {
	return &ExitError{Code: code, Message: message, Err: err}
}

// denied ends a command whose refusal was already printed.
func denied(code int, message string) error {
	return &ExitError{Code: code, Message: message, Silent: true}
}

// ExitCode is the process exit status for err.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	var ee *ExitError
	if errors.As(err, &ee) {
		return ee.Code
	}
	return apperrors.ExitCodeFor(apperrors.KindOf(err))
}

// ReportError prints err for the user unless a command already did.
func ReportError(err error) {
	var ee *ExitError
	if errors.As(err, &ee) && ee.Silent {
		return
	}
	_, _ = color.New(color.FgRed).Fprintln(os.Stderr, err.Error())
}

// usageArgs wraps a cobra argument validator so misuse exits with the
// invalid-argument status.
func usageArgs(validate cobra.PositionalArgs) cobra.PositionalArgs {
	return func(cmd *cobra.Command, args []string) error {
		if err := validate(cmd, args); err != nil {
			return exitError(foundry.ExitInvalidArgument, "Usage: "+cmd.UseLine(), err)
		}
		return nil
	}
}
