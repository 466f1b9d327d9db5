package admission

import (
	"github.com/3leaps/pbs-extend/pkg/scheduler"
)

// Reason is the machine-readable outcome of an admission pass.
type Reason string

const (
	ReasonApproved            Reason = "approved"
	ReasonBadRequest          Reason = "bad-request"
	ReasonDisconnected        Reason = "disconnected"
	ReasonNotFound            Reason = "not-found"
	ReasonSchedulerError      Reason = "scheduler-error"
	ReasonBadRedirect         Reason = "bad-redirect"
	ReasonRedirectLimit       Reason = "redirect-limit"
	ReasonNotRunning          Reason = "not-running"
	ReasonNotOwner            Reason = "not-owner"
	ReasonMissingWalltime     Reason = "missing-walltime"
	ReasonBadDescriptor       Reason = "bad-descriptor"
	ReasonInsufficientCount   Reason = "insufficient-count"
	ReasonInsufficientFund    Reason = "insufficient-fund"
	ReasonLedgerError         Reason = "ledger-error"
	ReasonQueueLimit          Reason = "queue-limit"
	ReasonNodeReserved        Reason = "node-reserved"
	ReasonReservationConflict Reason = "reservation-conflict"
	ReasonMissingStartTime    Reason = "missing-start-time"
)

// Reasons lists every reason, in pipeline order.
var Reasons = []Reason{
	ReasonApproved,
	ReasonBadRequest,
	ReasonDisconnected,
	ReasonNotFound,
	ReasonSchedulerError,
	ReasonBadRedirect,
	ReasonRedirectLimit,
	ReasonNotRunning,
	ReasonNotOwner,
	ReasonMissingWalltime,
	ReasonBadDescriptor,
	ReasonInsufficientCount,
	ReasonInsufficientFund,
	ReasonLedgerError,
	ReasonQueueLimit,
	ReasonNodeReserved,
	ReasonReservationConflict,
	ReasonMissingStartTime,
}

// Kind groups reasons by how callers should react to them.
type Kind string

const (
	KindNone         Kind = ""
	KindConnectivity Kind = "connectivity"
	KindNotFound     Kind = "not-found"
	KindValidation   Kind = "validation"
	KindQuota        Kind = "quota"
	KindConflict     Kind = "conflict"
	KindPermission   Kind = "permission"
)

// Kind returns the error kind a denial reason belongs to.
func (r Reason) Kind() Kind {
	switch r {
	case ReasonApproved:
		return KindNone
	case ReasonDisconnected, ReasonSchedulerError, ReasonLedgerError:
		return KindConnectivity
	case ReasonNotFound:
		return KindNotFound
	case ReasonBadRequest, ReasonBadRedirect, ReasonRedirectLimit, ReasonNotRunning,
		ReasonMissingWalltime, ReasonBadDescriptor, ReasonMissingStartTime:
		return KindValidation
	case ReasonInsufficientCount, ReasonInsufficientFund:
		return KindQuota
	case ReasonQueueLimit, ReasonNodeReserved, ReasonReservationConflict:
		return KindConflict
	case ReasonNotOwner:
		return KindPermission
	default:
		return KindValidation
	}
}

// Decision is the outcome of one admission pass plus what the pass learned
// about the job.
type Decision struct {
	Allowed bool   `json:"allowed"`
	Reason  Reason `json:"reason"`
	Message string `json:"message"`

	// JobID is the job id as resolved on Server.
	JobID  string `json:"job_id,omitempty"`
	Server string `json:"server,omitempty"`
	// Hops counts moved-job redirects followed.
	Hops int `json:"hops"`

	State      scheduler.JobState `json:"state,omitempty"`
	FundExempt bool               `json:"fund_exempt"`

	NCPUs              int64 `json:"ncpus,omitempty"`
	CurrentWalltime    int64 `json:"current_walltime,omitempty"`
	Additional         int64 `json:"additional_walltime"`
	RequiredCPUSeconds int64 `json:"required_cpu_seconds,omitempty"`

	// MaxAffordable is the largest extension the remaining fund covers;
	// set only on insufficient-fund.
	MaxAffordable *int64 `json:"max_affordable_walltime,omitempty"`

	// Target is the client bound to the server that holds the job.
	Target scheduler.Client `json:"-"`

	dialed []scheduler.Client
}

// NewWalltime is the walltime the job gets if the decision is applied.
func (d *Decision) NewWalltime() int64 {
	return d.CurrentWalltime + d.Additional
}

// Close releases clients dialed while following moved jobs.
func (d *Decision) Close() error {
	var first error
	for _, c := range d.dialed {
		if err := c.Close(); err != nil && first == nil {
			first = err
		}
	}
	d.dialed = nil
	return first
}

func (d *Decision) deny(reason Reason, message string) *Decision {
	d.Allowed = false
	d.Reason = reason
	d.Message = message
	return d
}
