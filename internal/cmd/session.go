package cmd

import (
	"context"
	"errors"
	"os"
	"strings"

	"github.com/fulmenhq/gofulmen/foundry"
	"go.uber.org/zap"

	"github.com/3leaps/pbs-extend/internal/access"
	"github.com/3leaps/pbs-extend/internal/config"
	"github.com/3leaps/pbs-extend/internal/observability"
	"github.com/3leaps/pbs-extend/pkg/admission"
	"github.com/3leaps/pbs-extend/pkg/extension"
	"github.com/3leaps/pbs-extend/pkg/ledger"
	"github.com/3leaps/pbs-extend/pkg/ownerlock"
	"github.com/3leaps/pbs-extend/pkg/policy"
	"github.com/3leaps/pbs-extend/pkg/report"
	"github.com/3leaps/pbs-extend/pkg/scheduler"
	"github.com/3leaps/pbs-extend/pkg/scheduler/file"
	"github.com/3leaps/pbs-extend/pkg/scheduler/pbs"
)

// Session holds what one command needs: configuration, compiled policy,
// the ledger, the scheduler dialer, the owner lock and the caller's
// identity. It is opened when a command starts and closed when it ends.
type Session struct {
	Config    *config.Config
	Policy    *policy.Policy
	Ledger    *ledger.Ledger
	Dialer    scheduler.Dialer
	Locker    ownerlock.Locker
	Principal string
	Origin    string
	Logger    *zap.Logger
	Audit     *observability.AuditLog
	Auditor   *observability.Auditor

	closers []func() error
}

type sessionOptions struct {
	// scheduler opens the dialer and owner lock.
	scheduler bool
}

// openSession builds a Session from cfg. Returned errors are *ExitError.
func openSession(ctx context.Context, cfg *config.Config, opts sessionOptions) (*Session, error) {
	pol, err := policy.Compile(cfg.Policy.Settings())
	if err != nil {
		return nil, exitError(foundry.ExitInvalidArgument, "Invalid policy configuration", err)
	}

	s := &Session{
		Config:    cfg,
		Policy:    pol,
		Principal: strings.TrimSpace(os.Getenv(cfg.Identity.UserEnv)),
	}
	if cfg.Identity.AddrEnv != "" {
		s.Origin = strings.TrimSpace(os.Getenv(cfg.Identity.AddrEnv))
	}

	auditor, err := observability.NewAuditor(observability.AuditConfig{
		File:       cfg.Logging.File,
		MaxSizeMB:  cfg.Logging.MaxSizeMB,
		MaxBackups: cfg.Logging.MaxBackups,
	})
	if err != nil {
		return nil, exitError(foundry.ExitFileWriteError, "Failed to open the audit log", err)
	}
	s.Auditor = auditor
	s.closers = append(s.closers, auditor.Close)
	s.Audit = auditor.For(s.Principal, s.Origin, "")
	s.Logger = observability.CLILogger.With(zap.String("request_id", s.Audit.RequestID))

	if err := s.openLedger(ctx); err != nil {
		_ = s.Close()
		return nil, err
	}
	if opts.scheduler {
		if err := s.openScheduler(ctx); err != nil {
			_ = s.Close()
			return nil, err
		}
	}
	return s, nil
}

func (s *Session) openLedger(ctx context.Context) error {
	cfg := s.Config.Ledger
	mode, err := ledger.ParseSerializeMode(cfg.Serialize)
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid ledger configuration", err)
	}

	l, err := ledger.Open(ctx,
		ledger.StoreConfig{Path: cfg.Path, URL: cfg.URL, AuthToken: cfg.AuthToken, BusyTimeout: cfg.LockWait},
		ledger.Options{
			Retention: s.Policy.Retention,
			Timeout:   cfg.Timeout,
			LockWait:  cfg.LockWait,
			Serialize: mode,
			Logger:    s.Logger,
		})
	if err != nil {
		s.Audit.Error("Failed to open the extension ledger", zap.Error(err))
		return exitError(foundry.ExitExternalServiceUnavailable, "Failed to open the extension ledger", err)
	}
	s.Ledger = l
	s.closers = append(s.closers, l.Close)

	if l.Mode() == ledger.SerializeNone {
		s.Logger.Warn("Ledger serialization is disabled; concurrent extensions by one owner may overspend the fund")
	}
	if purged, err := l.PurgeExpired(ctx, s.Policy.Retention); err != nil {
		s.Logger.Warn("Failed to purge expired ledger records", zap.Error(err))
	} else if purged > 0 {
		s.Logger.Debug("Purged expired ledger records", zap.Int64("records", purged))
	}
	return nil
}

func (s *Session) openScheduler(ctx context.Context) error {
	cfg := s.Config.Scheduler

	var base scheduler.Dialer
	switch strings.ToLower(cfg.Backend) {
	case config.BackendFile:
		b, err := file.Load(cfg.Fixture)
		if err != nil {
			code := foundry.ExitFileReadError
			if errors.Is(err, os.ErrNotExist) {
				code = foundry.ExitFileNotFound
			}
			return exitError(code, "Failed to load the scheduler fixture", err)
		}
		base = b
	default:
		base = pbs.Dialer(pbs.Config{BinDir: cfg.PBSBinDir, Timeout: cfg.Timeout})
	}

	opts := scheduler.WrapOptions{Limiter: scheduler.NewLimiter(cfg.RateLimit)}
	if m := observability.PrometheusMetrics; m != nil {
		opts.Observe = m.ObserveSchedulerCall
	}
	s.Dialer = scheduler.WrapDialer(base, opts)

	s.Locker = ownerlock.Noop{}
	if url := s.Config.Lock.RedisURL; url != "" {
		locker, err := ownerlock.NewRedis(ctx, ownerlock.RedisConfig{URL: url, TTL: s.Config.Lock.TTL})
		if err != nil {
			return exitError(foundry.ExitExternalServiceUnavailable, "Failed to connect to the owner lock", err)
		}
		s.Locker = locker
		s.closers = append(s.closers, locker.Close)
	}
	return nil
}

// Close releases everything the session opened, most recent first.
func (s *Session) Close() error {
	var first error
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](); err != nil && first == nil {
			first = err
		}
	}
	s.closers = nil
	return first
}

// requirePrincipal fails unless the environment named a well-formed principal.
func (s *Session) requirePrincipal() error {
	if s.Principal == "" {
		s.Audit.Error("Missing " + s.Config.Identity.UserEnv + " environment variable")
		return exitError(foundry.ExitInvalidArgument, "Missing "+s.Config.Identity.UserEnv+" environmental variable", nil)
	}
	if !s.Policy.ValidPrincipal(s.Principal) {
		s.Audit.Error("Illegal format of " + s.Config.Identity.UserEnv)
		return exitError(foundry.ExitInvalidArgument, "Illegal format of "+s.Config.Identity.UserEnv, nil)
	}
	return nil
}

// Observer reports extension outcomes to the process metrics, if any.
func (s *Session) Observer() extension.Observer {
	if m := observability.PrometheusMetrics; m != nil {
		return m
	}
	return extension.NopObserver{}
}

// Service wires the admission engine and executor for this session.
func (s *Session) Service() *extension.Service {
	engine := admission.New(s.Dialer, s.Logger)
	engine.MaxRedirects = s.Config.Scheduler.MaxRedirects
	observer := s.Observer()
	return &extension.Service{
		Engine:   engine,
		Store:    s.Ledger,
		Locker:   s.Locker,
		Executor: &extension.Executor{Logger: s.Logger, Observer: observer},
		Observer: observer,
		Logger:   s.Logger,
	}
}

// Connect dials the configured server and adjusts rawID for it, switching
// to the target server of an "id@server" form.
func (s *Session) Connect(ctx context.Context, rawID string) (scheduler.Client, string, error) {
	client, err := s.Dialer.Dial(ctx, s.Config.Scheduler.Server)
	if err != nil {
		return nil, "", err
	}
	jobID, target, reconnect := scheduler.AdjustJobID(rawID, client.ServerHost())
	if !reconnect {
		return client, jobID, nil
	}
	_ = client.Close()
	s.Logger.Debug("Reconnecting to job's server", zap.String("server", target))
	client, err = s.Dialer.Dial(ctx, target)
	if err != nil {
		return nil, "", err
	}
	return client, jobID, nil
}

// Guard checks the caller's permissions against this session's policy.
func (s *Session) Guard() access.Guard {
	return access.Guard{Policy: s.Policy, Capabilities: s.Config.Capabilities}
}

// Info builds the usage view of owner.
func (s *Session) Info(ctx context.Context, owner string) (*report.Info, error) {
	return report.BuildInfo(ctx, s.Ledger, owner, s.Policy.LimitsFor(owner), s.Policy.Retention)
}
