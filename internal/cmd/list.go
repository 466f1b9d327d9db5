package cmd

import (
	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/pbs-extend/internal/config"
	apperrors "github.com/3leaps/pbs-extend/internal/errors"
	"github.com/3leaps/pbs-extend/pkg/report"
)

var (
	listUpload string
	listOwner  string
)

// newUploader is replaced in tests.
var newUploader = report.NewS3Uploader

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List usage of every owner",
	Long: `Print the retention window, the quota rules and the usage of every
owner with active records as JSON.

With --owner only owners matching the glob are listed. With --upload the
same document is also stored in S3.

Examples:
  pbs-extend list
  pbs-extend list --owner '*@CLUSTER'
  pbs-extend list --upload s3://audit-bucket/pbs-extend/usage.json`,
	Args: usageArgs(cobra.NoArgs),
	RunE: runList,
}

func init() {
	rootCmd.AddCommand(listCmd)
	listCmd.Flags().StringVar(&listUpload, "upload", "", "also store the list at an s3://bucket/key URI")
	listCmd.Flags().StringVar(&listOwner, "owner", "", "only list owners matching this glob")
}

func runList(cmd *cobra.Command, args []string) error {
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
	if err := s.Guard().List(s.Principal); err != nil {
		s.Audit.Error(err.Error())
		return exitError(apperrors.ExitCodeFor(apperrors.KindOf(err)), "List refused", err)
	}

	doc, err := report.BuildList(ctx, s.Ledger, s.Policy)
	if err != nil {
		s.Audit.Error("Failed to list usage", zap.Error(err))
		return exitError(foundry.ExitExternalServiceUnavailable, "Failed to list usage", err)
	}
	if doc, err = doc.Filter(listOwner); err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid owner pattern", err)
	}
	if err := report.WriteList(cmd.OutOrStdout(), doc); err != nil {
		return exitError(apperrors.ExitFailure, "Failed to write output", err)
	}
	s.Audit.Info("List shown", zap.Int("owners", len(doc.Owners)))

	if listUpload == "" {
		return nil
	}
	if _, _, err := report.ParseS3URI(listUpload); err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid upload URI", err)
	}
	body, err := doc.Encode()
	if err != nil {
		return exitError(apperrors.ExitFailure, "Failed to encode list", err)
	}
	uploader, err := newUploader(ctx, s3Settings(cfg))
	if err != nil {
		return exitError(foundry.ExitExternalServiceUnavailable, "Failed to configure S3", err)
	}
	if err := uploader.Upload(ctx, listUpload, body); err != nil {
		s.Audit.Error("Failed to upload list", zap.String("uri", listUpload), zap.Error(err))
		return exitError(foundry.ExitExternalServiceUnavailable, "Failed to upload list", err)
	}
	s.Audit.Info("List uploaded", zap.String("uri", listUpload))
	s.Logger.Info("List uploaded", zap.String("uri", listUpload))
	return nil
}

func s3Settings(cfg *config.Config) report.S3Config {
	s3cfg := cfg.Report.S3
	return report.S3Config{
		Region:          s3cfg.Region,
		Endpoint:        s3cfg.Endpoint,
		Profile:         s3cfg.Profile,
		AccessKeyID:     s3cfg.AccessKeyID,
		SecretAccessKey: s3cfg.SecretAccessKey,
		ForcePathStyle:  s3cfg.ForcePathStyle,
	}
}
