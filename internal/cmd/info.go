package cmd

import (
	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	apperrors "github.com/3leaps/pbs-extend/internal/errors"
	"github.com/3leaps/pbs-extend/pkg/report"
)

var infoCmd = &cobra.Command{
	Use:   "info [principal]",
	Short: "Show quota usage",
	Long: `Show the extension counter and cputime fund of a principal.

Without an argument the caller's own usage is shown. Administrators may
name another principal.`,
	Args: usageArgs(cobra.MaximumNArgs(1)),
	RunE: runInfo,
}

func init() {
	rootCmd.AddCommand(infoCmd)
}

func runInfo(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	cfg, err := loadConfig(ctx)
	if err != nil {
		return err
	}
	s, err := openSession(ctx, cfg, sessionOptions{})
	if err != nil {
		return err
	}
	defer func() { _ = s.Close() }()

	if err := s.requirePrincipal(); err != nil {
		return err
	}
	owner := s.Principal
	if len(args) == 1 && args[0] != "" {
		owner = args[0]
	}
	if err := s.Guard().Info(s.Principal, owner); err != nil {
		s.Audit.Error(err.Error(), zap.String("owner", owner))
		return exitError(apperrors.ExitCodeFor(apperrors.KindOf(err)), "Info refused", err)
	}

	info, err := s.Info(ctx, owner)
	if err != nil {
		s.Audit.Error("Failed to read usage", zap.String("owner", owner), zap.Error(err))
		return exitError(foundry.ExitExternalServiceUnavailable, "Failed to read usage", err)
	}
	s.Audit.Info("Info shown", zap.String("owner", owner))
	if err := report.WriteInfo(cmd.OutOrStdout(), info); err != nil {
		return exitError(apperrors.ExitFailure, "Failed to write output", err)
	}
	return nil
}
