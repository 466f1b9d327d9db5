// Package admission decides whether a walltime extension may be granted.
//
// The checks run in a fixed order and stop at the first failure. The
// engine only reads: it never alters the job and never writes the ledger.
package admission

import (
	"context"
	"fmt"
	"math"

	"go.uber.org/zap"

	"github.com/3leaps/pbs-extend/pkg/policy"
	"github.com/3leaps/pbs-extend/pkg/scheduler"
	"github.com/3leaps/pbs-extend/pkg/walltime"
)

// DefaultMaxRedirects bounds how many moved-job hops a pass follows.
const DefaultMaxRedirects = 5

// Queues that take a node out of service for ordinary jobs.
var reservedNodeQueues = map[string]bool{
	"maintenance": true,
	"reserved":    true,
}

// Usage is the ledger surface the engine reads.
type Usage interface {
	UsedFund(ctx context.Context, owner string) (int64, error)
	UsedCount(ctx context.Context, owner string) (int64, error)
}

// Request is one extension request.
type Request struct {
	JobID string
	// Additional is the requested extension in seconds.
	Additional int64
	Requester  string
	Admin      bool
	// Force skips the reservation check; honored only for administrators.
	Force bool
}

// Engine evaluates requests. The zero value follows no redirects.
type Engine struct {
	// Dialer reaches the server a moved job went to.
	Dialer       scheduler.Dialer
	MaxRedirects int
	Logger       *zap.Logger
}

// New returns an Engine with the default redirect bound.
func New(dialer scheduler.Dialer, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{Dialer: dialer, MaxRedirects: DefaultMaxRedirects, Logger: logger}
}

// Evaluate runs the admission pipeline against the job on client's server.
//
// The returned decision is never nil. Callers must Close it once they are
// done with Target.
func (e *Engine) Evaluate(ctx context.Context, client scheduler.Client, usage Usage, req Request, limits policy.Limits) *Decision {
	d := &Decision{JobID: req.JobID, Additional: req.Additional}
	logger := e.logger().With(zap.String("job_id", req.JobID), zap.String("requester", req.Requester))

	if req.JobID == "" {
		return d.deny(ReasonBadRequest, "Missing job id.")
	}
	if req.Additional < 1 {
		return d.deny(ReasonBadRequest, "Zero walltime is not allowed.")
	}
	if client == nil {
		return d.deny(ReasonDisconnected, "No connection to server.")
	}
	if usage == nil {
		return d.deny(ReasonLedgerError, "No connection to the ledger.")
	}

	job, denied := e.locate(ctx, d, client, req.JobID, logger)
	if denied != nil {
		return denied
	}

	d.JobID = job.ID
	d.Server = job.Server
	if d.Server == "" {
		d.Server = d.Target.ServerHost()
	}
	d.State = job.State

	switch job.State {
	case scheduler.StateFinished:
		return d.deny(ReasonNotRunning, fmt.Sprintf("The job %s already finished.", job.ID))
	case scheduler.StateQueued:
		d.FundExempt = true
	case scheduler.StateRunning:
	default:
		return d.deny(ReasonNotRunning, fmt.Sprintf("The job %s is not running.", job.ID))
	}
	if req.Admin {
		d.FundExempt = true
	}

	if !req.Admin && req.Requester != job.Owner {
		return d.deny(ReasonNotOwner, "You are not the owner of the job.")
	}

	if job.Walltime == "" {
		return d.deny(ReasonMissingWalltime, fmt.Sprintf("Requested job %s misses the walltime resource.", job.ID))
	}
	current, err := walltime.ToSeconds(job.Walltime)
	if err != nil {
		return d.deny(ReasonBadDescriptor, fmt.Sprintf("Requested job %s has an unreadable walltime %q.", job.ID, job.Walltime))
	}
	d.CurrentWalltime = current
	if req.Additional > math.MaxInt64-current {
		return d.deny(ReasonBadRequest, "Requested walltime is too large.")
	}

	if d.FundExempt {
		d.NCPUs = 1
	} else {
		if job.ExecVnode == "" {
			return d.deny(ReasonBadDescriptor, fmt.Sprintf("Requested job %s misses the exec_vnode.", job.ID))
		}
		d.NCPUs = scheduler.CountCPUs(job.ExecVnode)
	}
	if d.NCPUs == 0 {
		return d.deny(ReasonBadDescriptor, "Failed to get ncpus from 'exec_vnode'.")
	}

	if !d.FundExempt {
		if denied := e.checkCount(ctx, d, usage, req, limits, logger); denied != nil {
			return denied
		}
		if denied := e.checkFund(ctx, d, usage, req, limits, logger); denied != nil {
			return denied
		}
	}

	if d.FundExempt && !req.Admin {
		if denied := e.checkQueueLimit(ctx, d, job); denied != nil {
			return denied
		}
	}

	if job.State == scheduler.StateRunning && !(req.Force && req.Admin) {
		if denied := e.checkReservations(ctx, d, job); denied != nil {
			return denied
		}
	}

	d.Allowed = true
	d.Reason = ReasonApproved
	d.Message = fmt.Sprintf("The job %s may be extended by %s.", job.ID, walltime.Format(req.Additional))
	return d
}

// locate fetches the job, following moved jobs across servers.
func (e *Engine) locate(ctx context.Context, d *Decision, client scheduler.Client, id string, logger *zap.Logger) (*scheduler.Job, *Decision) {
	d.Target = client
	for {
		job, err := d.Target.Job(ctx, id)
		switch {
		case scheduler.IsNotFound(err), scheduler.IsAmbiguous(err):
			return nil, d.deny(ReasonNotFound, fmt.Sprintf("Jobid %s not found.", id))
		case err != nil:
			logger.Warn("Job lookup failed", zap.Error(err))
			return nil, d.deny(ReasonSchedulerError, "Failed to get job info.")
		}

		if job.State != scheduler.StateMoved {
			return job, nil
		}

		_, server, ok := scheduler.SplitMovedQueue(job.Queue)
		if !ok {
			return nil, d.deny(ReasonBadRedirect, fmt.Sprintf("The job %s moved to an unknown destination %q.", id, job.Queue))
		}
		if d.Hops >= e.MaxRedirects {
			return nil, d.deny(ReasonRedirectLimit, fmt.Sprintf("The job %s moved more than %d times.", id, e.MaxRedirects))
		}
		if e.Dialer == nil {
			return nil, d.deny(ReasonDisconnected, fmt.Sprintf("Failed to connect to %s server.", server))
		}
		next, err := e.Dialer.Dial(ctx, server)
		if err != nil {
			logger.Warn("Redirect dial failed", zap.String("server", server), zap.Error(err))
			return nil, d.deny(ReasonDisconnected, fmt.Sprintf("Failed to connect to %s server.", server))
		}
		d.dialed = append(d.dialed, next)
		d.Target = next
		d.Hops++
		logger.Debug("Following moved job", zap.String("server", server), zap.Int("hops", d.Hops))
	}
}

func (e *Engine) checkCount(ctx context.Context, d *Decision, usage Usage, req Request, limits policy.Limits, logger *zap.Logger) *Decision {
	if limits.Count == 0 {
		return d.deny(ReasonInsufficientCount, "Number of extensions exceeds 0.")
	}
	used, err := usage.UsedCount(ctx, req.Requester)
	if err != nil {
		logger.Warn("Ledger count query failed", zap.Error(err))
		return d.deny(ReasonLedgerError, "Failed to read the extension ledger.")
	}
	if used >= limits.Count {
		return d.deny(ReasonInsufficientCount, fmt.Sprintf("Number of extensions exceeds %d.", limits.Count))
	}
	return nil
}

func (e *Engine) checkFund(ctx context.Context, d *Decision, usage Usage, req Request, limits policy.Limits, logger *zap.Logger) *Decision {
	// A product that does not fit in an int64 exceeds any fund.
	overflow := req.Additional > math.MaxInt64/d.NCPUs
	if !overflow {
		d.RequiredCPUSeconds = d.NCPUs * req.Additional
		if d.RequiredCPUSeconds == 0 {
			return d.deny(ReasonInsufficientFund, fmt.Sprintf("Requested walltime exceeds %s's cputime fund.", req.Requester))
		}
	}
	used, err := usage.UsedFund(ctx, req.Requester)
	if err != nil {
		logger.Warn("Ledger fund query failed", zap.Error(err))
		return d.deny(ReasonLedgerError, "Failed to read the extension ledger.")
	}
	remaining := limits.Fund - used
	if overflow || d.RequiredCPUSeconds > remaining {
		affordable := int64(0)
		if remaining > 0 {
			affordable = remaining / d.NCPUs
		}
		d.MaxAffordable = &affordable
		return d.deny(ReasonInsufficientFund, fmt.Sprintf("Requested walltime exceeds %s's cputime fund.", req.Requester))
	}
	return nil
}

func (e *Engine) checkQueueLimit(ctx context.Context, d *Decision, job *scheduler.Job) *Decision {
	if job.Queue == "" {
		return d.deny(ReasonQueueLimit, "Missing queue on job.")
	}
	q, err := d.Target.Queue(ctx, job.Queue)
	switch {
	case scheduler.IsNotFound(err), scheduler.IsAmbiguous(err):
		return d.deny(ReasonQueueLimit, fmt.Sprintf("Queue %s not found.", job.Queue))
	case err != nil:
		e.logger().Warn("Queue lookup failed", zap.String("queue", job.Queue), zap.Error(err))
		return d.deny(ReasonQueueLimit, "Failed to get queue info.")
	}
	if q.MaxWalltime == "" {
		return nil
	}
	limit, err := walltime.ToSeconds(q.MaxWalltime)
	if err != nil {
		return d.deny(ReasonQueueLimit, fmt.Sprintf("Queue %s has an unreadable walltime limit %q.", job.Queue, q.MaxWalltime))
	}
	if d.NewWalltime() > limit {
		return d.deny(ReasonQueueLimit, "Requested walltime violates queue limit.")
	}
	return nil
}

func (e *Engine) checkReservations(ctx context.Context, d *Decision, job *scheduler.Job) *Decision {
	for _, host := range scheduler.ExecHosts(job.ExecHost) {
		node, err := d.Target.Node(ctx, host)
		switch {
		case scheduler.IsNotFound(err), scheduler.IsAmbiguous(err):
			return d.deny(ReasonNotFound, fmt.Sprintf("Node %s not found.", host))
		case err != nil:
			e.logger().Warn("Node lookup failed", zap.String("node", host), zap.Error(err))
			return d.deny(ReasonSchedulerError, "Failed to get node info.")
		}

		if reservedNodeQueues[node.Queue] {
			return d.deny(ReasonNodeReserved, fmt.Sprintf("Node %s is in the %s queue.", host, node.Queue))
		}

		for _, resvID := range node.Reservations {
			resv, err := d.Target.Reservation(ctx, resvID)
			switch {
			case scheduler.IsNotFound(err), scheduler.IsAmbiguous(err):
				return d.deny(ReasonNotFound, fmt.Sprintf("Reservation %s not found.", resvID))
			case err != nil:
				e.logger().Warn("Reservation lookup failed", zap.String("reservation", resvID), zap.Error(err))
				return d.deny(ReasonSchedulerError, "Failed to get reservation info.")
			}

			if job.Start == nil {
				return d.deny(ReasonMissingStartTime, fmt.Sprintf("Job %s misses start time. Please, contact support.", job.ID))
			}
			if resv.Start == nil {
				continue
			}
			if endsAfter(job.Start.Unix(), d.NewWalltime(), resv.Start.Unix()) {
				return d.deny(ReasonReservationConflict, fmt.Sprintf("Reservation %s in conflict.", resvID))
			}
		}
	}
	return nil
}

// endsAfter reports whether start+length lies past limit, saturating on overflow.
func endsAfter(start, length, limit int64) bool {
	if start > 0 && length > math.MaxInt64-start {
		return true
	}
	return start+length > limit
}

func (e *Engine) logger() *zap.Logger {
	if e.Logger == nil {
		return zap.NewNop()
	}
	return e.Logger
}
