package cmd

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/pbs-extend/internal/config"
	"github.com/3leaps/pbs-extend/internal/observability"
	"github.com/3leaps/pbs-extend/internal/server"
	"github.com/3leaps/pbs-extend/internal/server/handlers"
	"github.com/3leaps/pbs-extend/pkg/ledger"
	"github.com/3leaps/pbs-extend/pkg/scheduler"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API",
	Long: `Serve health, version and metrics endpoints plus the /v1 usage and
extension API.

The /v1 endpoints take the caller's principal from server.principal_header,
which an authenticating reverse proxy must set. Without it they refuse
every request.`,
	Args: usageArgs(cobra.NoArgs),
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := loadConfig(ctx)
	if err != nil {
		return err
	}
	metrics := observability.InitMetrics(cfg.Metrics.Enabled)

	s, err := openSession(ctx, cfg, sessionOptions{scheduler: true})
	if err != nil {
		return err
	}
	defer func() { _ = s.Close() }()

	if cfg.Server.PrincipalHeader == "" {
		s.Logger.Warn("No principal header configured; /v1 endpoints refuse every request")
	}

	identity := GetAppIdentity()
	if identity == nil {
		identity = config.DefaultIdentity()
	}
	hm := handlers.InitHealthManager(versionInfo.Version)
	hm.RegisterChecker("signal", signalHealthChecker{})
	hm.RegisterChecker("identity", identityHealthChecker{
		binaryName: identity.BinaryName,
		envPrefix:  identity.EnvPrefix,
		configName: identity.ConfigName,
	})
	hm.RegisterChecker("ledger", ledgerHealthChecker{ledger: s.Ledger})
	hm.RegisterChecker("scheduler", schedulerHealthChecker{dialer: s.Dialer, server: cfg.Scheduler.Server})
	if cfg.Metrics.Enabled {
		hm.RegisterChecker("metrics", metricsHealthChecker{})
	}

	api := &handlers.API{
		Guard:           s.Guard(),
		Usage:           s.Ledger,
		Extender:        s.Service(),
		Connect:         s.Connect,
		Auditor:         s.Auditor,
		PrincipalHeader: cfg.Server.PrincipalHeader,
		Logger:          s.Logger,
	}
	opts := []server.Option{
		server.WithAPI(api),
		server.WithLogger(s.Logger),
		server.WithTimeouts(cfg.Server.ReadTimeout, cfg.Server.WriteTimeout, cfg.Server.IdleTimeout),
		server.WithVersion(handlers.VersionInfo{
			Name:      identity.BinaryName,
			Version:   versionInfo.Version,
			Commit:    versionInfo.Commit,
			BuildDate: versionInfo.BuildDate,
		}),
	}
	if metrics != nil {
		opts = append(opts, server.WithMetrics(metrics.Handler()))
	}
	srv := server.New(cfg.Server.Host, cfg.Server.Port, opts...)

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	s.Logger.Info("Serving", zap.String("addr", srv.Addr()), zap.Bool("metrics", metrics != nil))

	select {
	case err := <-errCh:
		if err != nil {
			return exitError(foundry.ExitExternalServiceUnavailable, "Server failed", err)
		}
		return nil
	case <-ctx.Done():
	}

	s.Logger.Info("Shutting down", zap.Duration("timeout", cfg.Server.ShutdownTimeout))
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return exitError(foundry.ExitSignalInt, "Graceful shutdown failed", err)
	}
	return <-errCh
}

// signalHealthChecker reports healthy while the process handles signals.
type signalHealthChecker struct{}

func (signalHealthChecker) CheckHealth(ctx context.Context) error {
	return nil
}

// metricsHealthChecker fails when metrics were enabled but never initialized.
type metricsHealthChecker struct{}

func (metricsHealthChecker) CheckHealth(ctx context.Context) error {
	if observability.PrometheusMetrics == nil {
		return observability.ErrMetricsDisabled
	}
	return nil
}

// identityHealthChecker verifies the application identity is complete.
type identityHealthChecker struct {
	binaryName string
	envPrefix  string
	configName string
}

func (c identityHealthChecker) CheckHealth(ctx context.Context) error {
	switch {
	case c.binaryName == "":
		return errors.New("missing binary name")
	case c.envPrefix == "":
		return errors.New("missing env prefix")
	case c.configName == "":
		return errors.New("missing config name")
	}
	return nil
}

// ledgerHealthChecker pings the usage store.
type ledgerHealthChecker struct {
	ledger *ledger.Ledger
}

func (c ledgerHealthChecker) CheckHealth(ctx context.Context) error {
	if c.ledger == nil {
		return errors.New("ledger not open")
	}
	return c.ledger.Ping(ctx)
}

// schedulerHealthChecker dials the configured scheduler server.
type schedulerHealthChecker struct {
	dialer scheduler.Dialer
	server string
}

func (c schedulerHealthChecker) CheckHealth(ctx context.Context) error {
	if c.dialer == nil {
		return errors.New("scheduler not configured")
	}
	client, err := c.dialer.Dial(ctx, c.server)
	if err != nil {
		return err
	}
	return client.Close()
}
