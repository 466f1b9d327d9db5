package extension

import (
	"context"

	"go.uber.org/zap"

	"github.com/3leaps/pbs-extend/pkg/admission"
	"github.com/3leaps/pbs-extend/pkg/ledger"
	"github.com/3leaps/pbs-extend/pkg/ownerlock"
	"github.com/3leaps/pbs-extend/pkg/policy"
	"github.com/3leaps/pbs-extend/pkg/scheduler"
)

// Store is the ledger surface the service needs.
type Store interface {
	Serialize(ctx context.Context, owner string, fn func(ctx context.Context, q ledger.Querier) error) error
}

// Service runs evaluate, alter and record as one unit per requester.
type Service struct {
	Engine   *admission.Engine
	Store    Store
	Locker   ownerlock.Locker
	Executor *Executor
	Observer Observer
	Logger   *zap.Logger
}

// Extend evaluates req against the job on client's server and, when
// approved, applies it.
//
// The returned outcome is never nil. The error is non-nil only when an
// approved extension could not be applied to the scheduler.
func (s *Service) Extend(ctx context.Context, client scheduler.Client, req admission.Request, limits policy.Limits) (*Outcome, error) {
	logger := s.logger().With(zap.String("job_id", req.JobID), zap.String("requester", req.Requester))

	locker := s.Locker
	if locker == nil {
		locker = ownerlock.Noop{}
	}
	release, err := locker.Acquire(ctx, req.Requester)
	if err != nil {
		logger.Warn("Owner lock unavailable", zap.Error(err))
		return s.denied(req, admission.ReasonLedgerError, "Another extension for this owner is in progress. Try again later."), nil
	}
	defer func() {
		// Release even if ctx was cancelled mid-request.
		if err := release(context.WithoutCancel(ctx)); err != nil {
			logger.Warn("Failed to release owner lock", zap.Error(err))
		}
	}()

	var (
		decision *admission.Decision
		outcome  *Outcome
		applyErr error
	)
	err = s.Store.Serialize(ctx, req.Requester, func(ctx context.Context, q ledger.Querier) error {
		decision = s.Engine.Evaluate(ctx, client, q, req, limits)
		s.observer().Decided(decision)
		if !decision.Allowed {
			return nil
		}
		outcome, applyErr = s.executor().Apply(ctx, decision, q, req.Requester)
		return nil
	})
	if decision != nil {
		defer func() { _ = decision.Close() }()
	}

	switch {
	case decision == nil:
		logger.Error("Ledger unavailable", zap.Error(err))
		return s.denied(req, admission.ReasonLedgerError, "Failed to open the extension ledger."), nil
	case outcome == nil:
		// Denied before anything changed.
		return &Outcome{Decision: decision}, nil
	}

	if err != nil && outcome.Extended {
		// The alter went through but the record did not commit.
		outcome.Recorded = false
		logger.Error("Failed to commit extension record", zap.Error(err))
		s.observer().BookkeepingFailed(err)
	}
	if applyErr != nil {
		return outcome, applyErr
	}
	if outcome.Extended {
		s.observer().Extended(outcome)
	}
	return outcome, nil
}

func (s *Service) denied(req admission.Request, reason admission.Reason, message string) *Outcome {
	d := &admission.Decision{JobID: req.JobID, Additional: req.Additional, Reason: reason, Message: message}
	s.observer().Decided(d)
	return &Outcome{Decision: d}
}

func (s *Service) executor() *Executor {
	if s.Executor == nil {
		return &Executor{Logger: s.Logger, Observer: s.Observer}
	}
	return s.Executor
}

func (s *Service) observer() Observer {
	if s.Observer == nil {
		return NopObserver{}
	}
	return s.Observer
}

func (s *Service) logger() *zap.Logger {
	if s.Logger == nil {
		return zap.NewNop()
	}
	return s.Logger
}
