// Package scheduler defines the read/alter surface the admission engine
// needs from a PBS server.
//
// Implementations live in subpackages: pbs (PBS command-line tools) and
// file (a YAML snapshot used for dry runs and tests). Clients are bound to
// one server; a Dialer reaches other servers when a job has moved.
package scheduler

import (
	"context"
	"time"
)

// Client queries and alters jobs on a single PBS server.
//
// Implementations should:
//   - Return ErrNotFound when the object does not exist
//   - Return ErrAmbiguous when a lookup matches more than one object
//   - Wrap failures in *Error so callers can log Op/Server/ID
type Client interface {
	// ServerHost reports the server this client is connected to.
	ServerHost() string

	// Job returns a snapshot of a job, including finished and moved jobs.
	Job(ctx context.Context, id string) (*Job, error)

	// Queue returns a snapshot of a queue.
	Queue(ctx context.Context, name string) (*Queue, error)

	// Node returns a snapshot of an execution node.
	Node(ctx context.Context, name string) (*Node, error)

	// Reservation returns a snapshot of an advance reservation.
	Reservation(ctx context.Context, id string) (*Reservation, error)

	// AlterWalltime sets Resource_List.walltime of a job. walltime is in
	// HH:MM:SS form.
	AlterWalltime(ctx context.Context, jobID, walltime string) error

	// Close releases any resources held by the client.
	Close() error
}

// Dialer connects to a named PBS server.
type Dialer interface {
	Dial(ctx context.Context, server string) (Client, error)
}

// DialFunc adapts a function to Dialer.
type DialFunc func(ctx context.Context, server string) (Client, error)

func (f DialFunc) Dial(ctx context.Context, server string) (Client, error) {
	return f(ctx, server)
}

// JobState is the scheduler-independent job state the admission engine dispatches on.
type JobState string

const (
	StateRunning  JobState = "running"
	StateQueued   JobState = "queued"
	StateMoved    JobState = "moved"
	StateFinished JobState = "finished"
	StateOther    JobState = "other"
)

// StateFromCode maps a PBS job_state letter to a JobState.
func StateFromCode(code string) JobState {
	switch code {
	case "R":
		return StateRunning
	case "Q":
		return StateQueued
	case "M":
		return StateMoved
	case "F":
		return StateFinished
	default:
		return StateOther
	}
}

// Job is a point-in-time view of a batch job.
type Job struct {
	ID string

	State JobState

	// StateCode is the raw job_state letter (R, Q, H, ...).
	StateCode string

	// Owner is Job_Owner, e.g. "alice@login1".
	Owner string

	// Walltime is Resource_List.walltime as reported; empty when unset.
	Walltime string

	// Queue is the job's queue. For moved jobs it is "queue@server".
	Queue string

	ExecVnode string
	ExecHost  string

	// Start is the job's start time (stime); nil when not started.
	Start *time.Time

	// Server is the server that reported the job.
	Server string
}

// Queue is a point-in-time view of a queue.
type Queue struct {
	Name string

	// MaxWalltime is resources_max.walltime; empty when the queue has no limit.
	MaxWalltime string
}

// Node is a point-in-time view of an execution node.
type Node struct {
	Name  string
	Queue string
	State string

	// Reservations lists the reservation ids the node is assigned to.
	Reservations []string
}

// Reservation is a point-in-time view of an advance reservation.
type Reservation struct {
	ID string

	// Start is reserve_start; nil when not reported.
	Start *time.Time
}
