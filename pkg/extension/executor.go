// Package extension applies approved admission decisions and orchestrates
// a complete extension request.
package extension

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/3leaps/pbs-extend/pkg/admission"
	"github.com/3leaps/pbs-extend/pkg/walltime"
)

// ErrNotApproved is returned when Apply is handed a denied decision.
var ErrNotApproved = errors.New("decision not approved")

// Recorder appends usage records.
type Recorder interface {
	Insert(ctx context.Context, jobID, owner string, cpuSeconds int64) error
}

// Observer is notified of request outcomes.
type Observer interface {
	Decided(d *admission.Decision)
	Extended(o *Outcome)
	BookkeepingFailed(err error)
}

// NopObserver ignores everything.
type NopObserver struct{}

func (NopObserver) Decided(*admission.Decision) {}
func (NopObserver) Extended(*Outcome)           {}
func (NopObserver) BookkeepingFailed(error)     {}

// Outcome describes what happened to one request.
type Outcome struct {
	Decision *admission.Decision `json:"decision"`

	// Extended is true once the scheduler accepted the new walltime.
	Extended    bool  `json:"extended"`
	NewWalltime int64 `json:"new_walltime,omitempty"`

	// FundReduction is the cpu-seconds charged; zero for fund-exempt extensions.
	FundReduction int64 `json:"fund_reduction"`

	// Recorded is true when the usage record was written.
	Recorded bool `json:"recorded"`
}

// Executor alters the job and writes the usage record.
type Executor struct {
	Logger   *zap.Logger
	Observer Observer
}

// Apply extends the job named by an approved decision and charges owner.
//
// An alter failure is returned. A bookkeeping failure after a successful
// alter is logged and reported to the observer only; the extension stands.
func (e *Executor) Apply(ctx context.Context, d *admission.Decision, rec Recorder, owner string) (*Outcome, error) {
	out := &Outcome{Decision: d}
	if d == nil || !d.Allowed {
		return out, ErrNotApproved
	}
	if d.Target == nil {
		return out, fmt.Errorf("alter job %s: no scheduler connection", d.JobID)
	}

	newWalltime := d.NewWalltime()
	if err := d.Target.AlterWalltime(ctx, d.JobID, walltime.Format(newWalltime)); err != nil {
		return out, fmt.Errorf("alter job %s: %w", d.JobID, err)
	}
	out.Extended = true
	out.NewWalltime = newWalltime

	logger := e.logger()
	logger.Info("Walltime extended",
		zap.String("job_id", d.JobID),
		zap.String("owner", owner),
		zap.String("additional", walltime.Format(d.Additional)),
		zap.String("new_walltime", walltime.Format(newWalltime)),
		zap.Bool("fund_affected", !d.FundExempt))

	if d.FundExempt {
		return out, nil
	}

	out.FundReduction = d.NCPUs * d.Additional
	if rec == nil {
		e.bookkeepingFailed(d, owner, errors.New("no ledger"))
		return out, nil
	}
	if err := rec.Insert(ctx, d.JobID, owner, out.FundReduction); err != nil {
		e.bookkeepingFailed(d, owner, err)
		return out, nil
	}
	out.Recorded = true
	return out, nil
}

func (e *Executor) bookkeepingFailed(d *admission.Decision, owner string, err error) {
	e.logger().Error("Failed to record extension",
		zap.String("job_id", d.JobID),
		zap.String("owner", owner),
		zap.Int64("cpu_seconds", d.NCPUs*d.Additional),
		zap.Error(err))
	e.observer().BookkeepingFailed(err)
}

func (e *Executor) logger() *zap.Logger {
	if e.Logger == nil {
		return zap.NewNop()
	}
	return e.Logger
}

func (e *Executor) observer() Observer {
	if e.Observer == nil {
		return NopObserver{}
	}
	return e.Observer
}
