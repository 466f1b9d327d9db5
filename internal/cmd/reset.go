package cmd

import (
	"fmt"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	apperrors "github.com/3leaps/pbs-extend/internal/errors"
	"github.com/3leaps/pbs-extend/pkg/report"
)

var resetCmd = &cobra.Command{
	Use:   "reset <principal>",
	Short: "Clear a principal's usage records",
	Long: `Delete every usage record of a principal, restoring their full
extension counter and cputime fund. Administrators only.`,
	Args: usageArgs(cobra.ExactArgs(1)),
	RunE: runReset,
}

func init() {
	rootCmd.AddCommand(resetCmd)
}

func runReset(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	owner := args[0]
	if owner == "" {
		return exitError(foundry.ExitInvalidArgument, "Usage: "+cmd.UseLine(), fmt.Errorf("empty principal"))
	}

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
	if err := s.Guard().Reset(s.Principal, owner); err != nil {
		s.Audit.Error(err.Error(), zap.String("owner", owner))
		return exitError(apperrors.ExitCodeFor(apperrors.KindOf(err)), "Reset refused", err)
	}

	removed, err := s.Ledger.PurgeOwner(ctx, owner)
	if err != nil {
		s.Audit.Error("Failed to reset fund", zap.String("owner", owner), zap.Error(err))
		return exitError(foundry.ExitExternalServiceUnavailable, "Failed to reset fund", err)
	}
	s.Audit.Info("Fund reset", zap.String("owner", owner), zap.Int64("records", removed))

	info, err := s.Info(ctx, owner)
	if err != nil {
		return exitError(foundry.ExitExternalServiceUnavailable, "Failed to read usage", err)
	}
	if err := report.WriteInfo(cmd.OutOrStdout(), info); err != nil {
		return exitError(apperrors.ExitFailure, "Failed to write output", err)
	}
	return nil
}
