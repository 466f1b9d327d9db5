package scheduler

import (
	"context"
	"time"

	"golang.org/x/time/rate"
)

// ObserveFunc receives the outcome of every scheduler call made through Wrap.
type ObserveFunc func(op string, elapsed time.Duration, err error)

// WrapOptions configures Wrap.
type WrapOptions struct {
	// Limiter throttles calls; nil means unthrottled.
	Limiter *rate.Limiter

	// Observe is called after each call; nil disables observation.
	Observe ObserveFunc
}

// NewLimiter returns a limiter allowing perSecond calls with a burst of
// one, or nil when perSecond is not positive.
func NewLimiter(perSecond float64) *rate.Limiter {
	if perSecond <= 0 {
		return nil
	}
	return rate.NewLimiter(rate.Limit(perSecond), 1)
}

// Wrap returns a Client that throttles and observes every call to c.
func Wrap(c Client, opts WrapOptions) Client {
	if opts.Limiter == nil && opts.Observe == nil {
		return c
	}
	return &wrapped{next: c, opts: opts}
}

// WrapDialer applies Wrap to every client d produces. All clients share one limiter.
func WrapDialer(d Dialer, opts WrapOptions) Dialer {
	return DialFunc(func(ctx context.Context, server string) (Client, error) {
		c, err := d.Dial(ctx, server)
		if err != nil {
			return nil, err
		}
		return Wrap(c, opts), nil
	})
}

type wrapped struct {
	next Client
	opts WrapOptions
}

func (w *wrapped) do(ctx context.Context, op string, fn func() error) error {
	if w.opts.Limiter != nil {
		if err := w.opts.Limiter.Wait(ctx); err != nil {
			return &Error{Op: op, Server: w.next.ServerHost(), Err: err}
		}
	}
	start := time.Now()
	err := fn()
	if w.opts.Observe != nil {
		w.opts.Observe(op, time.Since(start), err)
	}
	return err
}

func (w *wrapped) ServerHost() string { return w.next.ServerHost() }

func (w *wrapped) Job(ctx context.Context, id string) (job *Job, err error) {
	err = w.do(ctx, "Job", func() error {
		job, err = w.next.Job(ctx, id)
		return err
	})
	return job, err
}

func (w *wrapped) Queue(ctx context.Context, name string) (q *Queue, err error) {
	err = w.do(ctx, "Queue", func() error {
		q, err = w.next.Queue(ctx, name)
		return err
	})
	return q, err
}

func (w *wrapped) Node(ctx context.Context, name string) (n *Node, err error) {
	err = w.do(ctx, "Node", func() error {
		n, err = w.next.Node(ctx, name)
		return err
	})
	return n, err
}

func (w *wrapped) Reservation(ctx context.Context, id string) (r *Reservation, err error) {
	err = w.do(ctx, "Reservation", func() error {
		r, err = w.next.Reservation(ctx, id)
		return err
	})
	return r, err
}

func (w *wrapped) AlterWalltime(ctx context.Context, jobID, walltime string) error {
	return w.do(ctx, "AlterWalltime", func() error {
		return w.next.AlterWalltime(ctx, jobID, walltime)
	})
}

func (w *wrapped) Close() error { return w.next.Close() }
