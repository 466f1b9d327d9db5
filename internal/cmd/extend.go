package cmd

import (
	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	apperrors "github.com/3leaps/pbs-extend/internal/errors"
	"github.com/3leaps/pbs-extend/pkg/admission"
	"github.com/3leaps/pbs-extend/pkg/report"
	"github.com/3leaps/pbs-extend/pkg/walltime"
)

var extendForce bool

var extendCmd = &cobra.Command{
	Use:   "extend <jobId> <additionalWalltime>",
	Short: "Extend the walltime of a job",
	Long: `Extend the walltime of one of your jobs.

Extending a running job charges ncpus x additional walltime against your
cputime fund and counts towards your extension limit. Jobs that did not
start yet are not charged. Administrators may pass -f to extend past an
upcoming reservation.

Examples:
  pbs-extend extend 123 3600
  pbs-extend extend 123.pbs1 2:00:00
  pbs-extend extend 123.pbs1@pbs2 30:00 -f`,
	Args: usageArgs(cobra.ExactArgs(2)),
	RunE: runExtend,
}

func init() {
	rootCmd.AddCommand(extendCmd)
	extendCmd.Flags().BoolVarP(&extendForce, "force", "f", false, "skip the reservation check (admins only)")
}

func runExtend(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	stdout, stderr := cmd.OutOrStdout(), cmd.ErrOrStderr()

	cfg, err := loadConfig(ctx)
	if err != nil {
		return err
	}
	s, err := openSession(ctx, cfg, sessionOptions{scheduler: true})
	if err != nil {
		return err
	}
	defer func() { _ = s.Close() }()

	if err := s.requirePrincipal(); err != nil {
		return err
	}
	additional, err := walltime.Parse(args[1])
	if err != nil {
		s.Audit.Error("Wrong walltime format", zap.String("walltime", args[1]))
		return exitError(foundry.ExitInvalidArgument, "Wrong walltime format", err)
	}

	admin := s.Policy.IsAdmin(s.Principal)
	if admin {
		_ = report.WriteNotice(stdout, report.AdminNotice)
	}
	force, notice, err := s.Guard().Force(s.Principal, extendForce)
	if err != nil {
		return exitError(apperrors.ExitDenied, "Forced extension refused", err)
	}
	if notice != "" {
		_ = report.WriteNotice(stdout, notice)
	}

	client, jobID, err := s.Connect(ctx, args[0])
	if err != nil {
		s.Audit.Error("Failed to connect to server", zap.Error(err))
		return exitError(foundry.ExitExternalServiceUnavailable, "Failed to connect to server", err)
	}
	defer func() { _ = client.Close() }()

	req := admission.Request{
		JobID:      jobID,
		Additional: additional,
		Requester:  s.Principal,
		Admin:      admin,
		Force:      force,
	}
	outcome, applyErr := s.Service().Extend(ctx, client, req, s.Policy.LimitsFor(s.Principal))
	d := outcome.Decision

	if applyErr != nil {
		s.Audit.Error("Failed to alter job", zap.String("job_id", d.JobID), zap.Error(applyErr))
		_ = report.WriteOutcome(stderr, outcome)
		return denied(foundry.ExitExternalServiceUnavailable, "Failed to alter job")
	}

	if outcome.Extended {
		s.Audit.Info("The walltime of the job has been extended",
			zap.String("job_id", d.JobID),
			zap.Int64("additional_walltime", d.Additional),
			zap.Int64("new_walltime", outcome.NewWalltime),
			zap.Int64("fund_reduction", outcome.FundReduction))
		_ = report.WriteOutcome(stdout, outcome)
	} else {
		s.Audit.Error(d.Message, zap.String("job_id", d.JobID), zap.String("reason", string(d.Reason)))
		_ = report.WriteOutcome(stderr, outcome)
	}

	if report.ShowsInfo(outcome) {
		info, err := s.Info(ctx, s.Principal)
		if err != nil {
			s.Logger.Warn("Failed to read usage", zap.Error(err))
		} else {
			_ = report.WriteInfo(stdout, info)
		}
	}

	if !outcome.Extended {
		code := apperrors.ExitCodeForReason(d.Reason)
		if code == 0 {
			code = apperrors.ExitFailure
		}
		return denied(code, d.Message)
	}
	return nil
}
