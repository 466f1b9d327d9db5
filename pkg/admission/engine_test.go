package admission

import (
	"context"
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/pbs-extend/pkg/policy"
	"github.com/3leaps/pbs-extend/pkg/scheduler"
	"github.com/3leaps/pbs-extend/pkg/scheduler/file"
)

const (
	alice = "alice@DOMAIN"
	bob   = "bob@DOMAIN"
	stime = int64(1_700_000_000)
)

type fakeUsage struct {
	fund     int64
	count    int64
	fundErr  error
	countErr error
	calls    int
}

func (f *fakeUsage) UsedFund(ctx context.Context, owner string) (int64, error) {
	f.calls++
	return f.fund, f.fundErr
}

func (f *fakeUsage) UsedCount(ctx context.Context, owner string) (int64, error) {
	f.calls++
	return f.count, f.countErr
}

// newFixture returns a server pbs1 with one running job "1.pbs1" owned by
// alice: 2 cpus on n1, walltime 100s, started at stime.
func newFixture() *file.Fixture {
	return &file.Fixture{
		DefaultServer: "pbs1",
		Servers: map[string]*file.Server{
			"pbs1": {
				Jobs: map[string]*file.Job{
					"1.pbs1": {
						State:     "R",
						Owner:     alice,
						Walltime:  "00:01:40",
						Queue:     "workq",
						ExecVnode: "(n1:ncpus=2)",
						ExecHost:  "n1/0*2",
						Stime:     stime,
					},
				},
				Queues: map[string]*file.Queue{
					"workq": {MaxWalltime: "00:10:00"},
				},
				Nodes: map[string]*file.Node{
					"n1": {Queue: "workq", State: "job-busy"},
				},
				Reservations: map[string]*file.Reservation{},
			},
		},
	}
}

type harness struct {
	fx      *file.Fixture
	backend *file.Backend
	engine  *Engine
	client  scheduler.Client
}

func newHarness(t *testing.T, fx *file.Fixture) *harness {
	t.Helper()
	backend := file.New(fx)
	client, err := backend.Dial(context.Background(), "pbs1")
	require.NoError(t, err)
	return &harness{
		fx:      fx,
		backend: backend,
		engine:  New(backend, nil),
		client:  client,
	}
}

func (h *harness) evaluate(t *testing.T, usage Usage, req Request, limits policy.Limits) *Decision {
	t.Helper()
	d := h.engine.Evaluate(context.Background(), h.client, usage, req, limits)
	require.NotNil(t, d)
	t.Cleanup(func() { _ = d.Close() })
	return d
}

func aliceRequest(additional int64) Request {
	return Request{JobID: "1.pbs1", Additional: additional, Requester: alice}
}

var roomy = policy.Limits{Fund: 1_000_000, Count: 20}

func TestEvaluate_FundScenario(t *testing.T) {
	h := newHarness(t, newFixture())
	limits := policy.Limits{Fund: 10, Count: 20}

	d := h.evaluate(t, &fakeUsage{}, aliceRequest(5), limits)
	require.True(t, d.Allowed, d.Message)
	assert.Equal(t, ReasonApproved, d.Reason)
	assert.Equal(t, int64(2), d.NCPUs)
	assert.Equal(t, int64(10), d.RequiredCPUSeconds)
	assert.Equal(t, int64(100), d.CurrentWalltime)
	assert.Equal(t, int64(105), d.NewWalltime())
	assert.False(t, d.FundExempt)
	assert.Equal(t, "pbs1", d.Server)
	assert.Same(t, h.client, d.Target)

	d = h.evaluate(t, &fakeUsage{fund: 10, count: 1}, aliceRequest(1), limits)
	assert.False(t, d.Allowed)
	assert.Equal(t, ReasonInsufficientFund, d.Reason)
	assert.Equal(t, KindQuota, d.Reason.Kind())
	require.NotNil(t, d.MaxAffordable)
	assert.Equal(t, int64(0), *d.MaxAffordable)
}

func TestEvaluate_MaxAffordable(t *testing.T) {
	h := newHarness(t, newFixture())

	d := h.evaluate(t, &fakeUsage{fund: 3}, aliceRequest(100), policy.Limits{Fund: 20, Count: 5})
	assert.Equal(t, ReasonInsufficientFund, d.Reason)
	require.NotNil(t, d.MaxAffordable)
	// (20 - 3) / 2 cpus, floored.
	assert.Equal(t, int64(8), *d.MaxAffordable)

	d = h.evaluate(t, &fakeUsage{fund: 50}, aliceRequest(1), policy.Limits{Fund: 20, Count: 5})
	assert.Equal(t, ReasonInsufficientFund, d.Reason)
	require.NotNil(t, d.MaxAffordable)
	assert.Equal(t, int64(0), *d.MaxAffordable)
}

func TestEvaluate_OversizedWalltime(t *testing.T) {
	h := newHarness(t, newFixture())

	// 2 cpus times 2^62 does not fit in an int64.
	d := h.evaluate(t, &fakeUsage{}, aliceRequest(1<<62), policy.Limits{Fund: 10, Count: 20})
	assert.False(t, d.Allowed)
	assert.Equal(t, ReasonInsufficientFund, d.Reason)
	assert.GreaterOrEqual(t, d.RequiredCPUSeconds, int64(0))
	require.NotNil(t, d.MaxAffordable)
	assert.Equal(t, int64(5), *d.MaxAffordable)

	d = h.evaluate(t, &fakeUsage{}, aliceRequest(1<<62), policy.Limits{Fund: math.MaxInt64, Count: 20})
	assert.Equal(t, ReasonInsufficientFund, d.Reason)

	// The new walltime would not fit.
	usage := &fakeUsage{}
	d = h.evaluate(t, usage, aliceRequest(math.MaxInt64), roomy)
	assert.Equal(t, ReasonBadRequest, d.Reason)
	assert.Equal(t, 0, usage.calls)
}

func TestEvaluate_OversizedWalltimeHitsReservation(t *testing.T) {
	fx := newFixture()
	srv := fx.Servers["pbs1"]
	srv.Nodes["n1"].Resv = "R5.pbs1"
	srv.Reservations["R5.pbs1"] = &file.Reservation{Start: stime + 200}
	h := newHarness(t, fx)

	// stime + new walltime overflows; the job still ends after the reservation starts.
	req := Request{JobID: "1.pbs1", Additional: math.MaxInt64 - 100, Requester: bob, Admin: true}
	d := h.evaluate(t, &fakeUsage{}, req, roomy)
	assert.Equal(t, int64(math.MaxInt64), d.NewWalltime())
	assert.Equal(t, ReasonReservationConflict, d.Reason)
}

func TestEvaluate_MonotonicInFund(t *testing.T) {
	h := newHarness(t, newFixture())

	approvedOnce := false
	for fund := int64(0); fund <= 40; fund++ {
		d := h.evaluate(t, &fakeUsage{fund: 3}, aliceRequest(5), policy.Limits{Fund: fund, Count: 5})
		if approvedOnce {
			assert.True(t, d.Allowed, "fund %d denied after a smaller fund was approved", fund)
		}
		if d.Allowed {
			approvedOnce = true
		}
	}
	assert.True(t, approvedOnce)
}

func TestEvaluate_FinishedSkipsLedger(t *testing.T) {
	fx := newFixture()
	fx.Servers["pbs1"].Jobs["1.pbs1"].State = "F"
	h := newHarness(t, fx)

	usage := &fakeUsage{}
	d := h.evaluate(t, usage, aliceRequest(5), roomy)
	assert.Equal(t, ReasonNotRunning, d.Reason)
	assert.Equal(t, scheduler.StateFinished, d.State)
	assert.Equal(t, 0, usage.calls)
}

func TestEvaluate_OtherStatesNotRunning(t *testing.T) {
	fx := newFixture()
	fx.Servers["pbs1"].Jobs["1.pbs1"].State = "H"
	h := newHarness(t, fx)

	d := h.evaluate(t, &fakeUsage{}, aliceRequest(5), roomy)
	assert.Equal(t, ReasonNotRunning, d.Reason)
}

func TestEvaluate_QueuedIsFundExempt(t *testing.T) {
	fx := newFixture()
	job := fx.Servers["pbs1"].Jobs["1.pbs1"]
	job.State = "Q"
	job.ExecVnode = ""
	job.ExecHost = ""
	job.Stime = 0
	h := newHarness(t, fx)

	usage := &fakeUsage{fund: 1_000_000, count: 1_000}
	d := h.evaluate(t, usage, aliceRequest(60), policy.Limits{Fund: 10, Count: 1})
	require.True(t, d.Allowed, d.Message)
	assert.True(t, d.FundExempt)
	assert.Equal(t, int64(1), d.NCPUs)
	assert.Equal(t, 0, usage.calls)

	// The queue limit still applies: 100 + 501 > 600.
	d = h.evaluate(t, usage, aliceRequest(501), roomy)
	assert.Equal(t, ReasonQueueLimit, d.Reason)
	assert.Equal(t, KindConflict, d.Reason.Kind())

	d = h.evaluate(t, usage, aliceRequest(500), roomy)
	assert.True(t, d.Allowed, d.Message)
}

func TestEvaluate_QueueLimitFailures(t *testing.T) {
	t.Run("missing queue on job", func(t *testing.T) {
		fx := newFixture()
		fx.Servers["pbs1"].Jobs["1.pbs1"].State = "Q"
		fx.Servers["pbs1"].Jobs["1.pbs1"].Queue = ""
		h := newHarness(t, fx)
		d := h.evaluate(t, &fakeUsage{}, aliceRequest(5), roomy)
		assert.Equal(t, ReasonQueueLimit, d.Reason)
	})

	t.Run("unknown queue", func(t *testing.T) {
		fx := newFixture()
		fx.Servers["pbs1"].Jobs["1.pbs1"].State = "Q"
		fx.Servers["pbs1"].Jobs["1.pbs1"].Queue = "ghost"
		h := newHarness(t, fx)
		d := h.evaluate(t, &fakeUsage{}, aliceRequest(5), roomy)
		assert.Equal(t, ReasonQueueLimit, d.Reason)
	})

	t.Run("queue without max is unconstrained", func(t *testing.T) {
		fx := newFixture()
		fx.Servers["pbs1"].Jobs["1.pbs1"].State = "Q"
		fx.Servers["pbs1"].Queues["workq"].MaxWalltime = ""
		h := newHarness(t, fx)
		d := h.evaluate(t, &fakeUsage{}, aliceRequest(1_000_000), roomy)
		assert.True(t, d.Allowed, d.Message)
	})
}

func TestEvaluate_AdminBypassesFundAndQueue(t *testing.T) {
	fx := newFixture()
	fx.Servers["pbs1"].Jobs["1.pbs1"].State = "Q"
	h := newHarness(t, fx)

	usage := &fakeUsage{}
	req := Request{JobID: "1.pbs1", Additional: 10_000, Requester: bob, Admin: true}
	d := h.evaluate(t, usage, req, policy.Limits{})
	require.True(t, d.Allowed, d.Message)
	assert.True(t, d.FundExempt)
	assert.Equal(t, 0, usage.calls)
}

func TestEvaluate_Ownership(t *testing.T) {
	h := newHarness(t, newFixture())

	d := h.evaluate(t, &fakeUsage{}, Request{JobID: "1.pbs1", Additional: 5, Requester: bob}, roomy)
	assert.Equal(t, ReasonNotOwner, d.Reason)
	assert.Equal(t, KindPermission, d.Reason.Kind())
}

func TestEvaluate_Preconditions(t *testing.T) {
	h := newHarness(t, newFixture())
	ctx := context.Background()

	d := h.engine.Evaluate(ctx, h.client, &fakeUsage{}, Request{Additional: 5, Requester: alice}, roomy)
	assert.Equal(t, ReasonBadRequest, d.Reason)

	d = h.engine.Evaluate(ctx, h.client, &fakeUsage{}, aliceRequest(0), roomy)
	assert.Equal(t, ReasonBadRequest, d.Reason)
	assert.Equal(t, KindValidation, d.Reason.Kind())

	d = h.engine.Evaluate(ctx, h.client, &fakeUsage{}, aliceRequest(-3), roomy)
	assert.Equal(t, ReasonBadRequest, d.Reason)

	d = h.engine.Evaluate(ctx, nil, &fakeUsage{}, aliceRequest(5), roomy)
	assert.Equal(t, ReasonDisconnected, d.Reason)
	assert.Equal(t, KindConnectivity, d.Reason.Kind())

	d = h.engine.Evaluate(ctx, h.client, nil, aliceRequest(5), roomy)
	assert.Equal(t, ReasonLedgerError, d.Reason)
}

func TestEvaluate_JobLookup(t *testing.T) {
	h := newHarness(t, newFixture())

	d := h.evaluate(t, &fakeUsage{}, Request{JobID: "9.pbs1", Additional: 5, Requester: alice}, roomy)
	assert.Equal(t, ReasonNotFound, d.Reason)
	assert.Equal(t, KindNotFound, d.Reason.Kind())

	h.fx.Servers["pbs1"].Unavailable = true
	d = h.evaluate(t, &fakeUsage{}, aliceRequest(5), roomy)
	assert.Equal(t, ReasonSchedulerError, d.Reason)
}

func TestEvaluate_Descriptor(t *testing.T) {
	t.Run("missing walltime", func(t *testing.T) {
		fx := newFixture()
		fx.Servers["pbs1"].Jobs["1.pbs1"].Walltime = ""
		d := newHarness(t, fx).evaluate(t, &fakeUsage{}, aliceRequest(5), roomy)
		assert.Equal(t, ReasonMissingWalltime, d.Reason)
	})

	t.Run("unreadable walltime", func(t *testing.T) {
		fx := newFixture()
		fx.Servers["pbs1"].Jobs["1.pbs1"].Walltime = "soon"
		d := newHarness(t, fx).evaluate(t, &fakeUsage{}, aliceRequest(5), roomy)
		assert.Equal(t, ReasonBadDescriptor, d.Reason)
	})

	t.Run("missing exec_vnode", func(t *testing.T) {
		fx := newFixture()
		fx.Servers["pbs1"].Jobs["1.pbs1"].ExecVnode = ""
		d := newHarness(t, fx).evaluate(t, &fakeUsage{}, aliceRequest(5), roomy)
		assert.Equal(t, ReasonBadDescriptor, d.Reason)
	})

	t.Run("zero cpus", func(t *testing.T) {
		fx := newFixture()
		fx.Servers["pbs1"].Jobs["1.pbs1"].ExecVnode = "(n1:ncpus=0)"
		d := newHarness(t, fx).evaluate(t, &fakeUsage{}, aliceRequest(5), roomy)
		assert.Equal(t, ReasonBadDescriptor, d.Reason)
	})

	t.Run("multi chunk cpus", func(t *testing.T) {
		fx := newFixture()
		fx.Servers["pbs1"].Jobs["1.pbs1"].ExecVnode = "(n1:ncpus=4)+(n2:ncpus=4)+(n3:mem=1gb)"
		fx.Servers["pbs1"].Jobs["1.pbs1"].ExecHost = "n1/0*4"
		d := newHarness(t, fx).evaluate(t, &fakeUsage{}, aliceRequest(5), roomy)
		require.True(t, d.Allowed, d.Message)
		assert.Equal(t, int64(9), d.NCPUs)
		assert.Equal(t, int64(45), d.RequiredCPUSeconds)
	})
}

func TestEvaluate_Count(t *testing.T) {
	h := newHarness(t, newFixture())

	d := h.evaluate(t, &fakeUsage{}, aliceRequest(5), policy.Limits{Fund: 100, Count: 0})
	assert.Equal(t, ReasonInsufficientCount, d.Reason)

	d = h.evaluate(t, &fakeUsage{count: 3}, aliceRequest(5), policy.Limits{Fund: 100, Count: 3})
	assert.Equal(t, ReasonInsufficientCount, d.Reason)

	d = h.evaluate(t, &fakeUsage{count: 2}, aliceRequest(5), policy.Limits{Fund: 100, Count: 3})
	assert.True(t, d.Allowed, d.Message)
}

func TestEvaluate_LedgerFailuresDeny(t *testing.T) {
	h := newHarness(t, newFixture())
	boom := errors.New("disk I/O error")

	d := h.evaluate(t, &fakeUsage{countErr: boom}, aliceRequest(5), roomy)
	assert.Equal(t, ReasonLedgerError, d.Reason)

	d = h.evaluate(t, &fakeUsage{fundErr: boom}, aliceRequest(5), roomy)
	assert.Equal(t, ReasonLedgerError, d.Reason)
}

func TestEvaluate_ReservationConflict(t *testing.T) {
	fx := newFixture()
	srv := fx.Servers["pbs1"]
	srv.Nodes["n1"].Resv = "R5.pbs1"
	// The job ends at stime+100; the reservation starts 100s later.
	srv.Reservations["R5.pbs1"] = &file.Reservation{Start: stime + 200}
	h := newHarness(t, fx)

	d := h.evaluate(t, &fakeUsage{}, aliceRequest(110), roomy)
	assert.Equal(t, ReasonReservationConflict, d.Reason)
	assert.Equal(t, KindConflict, d.Reason.Kind())

	d = h.evaluate(t, &fakeUsage{}, aliceRequest(100), roomy)
	assert.True(t, d.Allowed, d.Message)

	// Force by a non-administrator is not honored.
	req := aliceRequest(110)
	req.Force = true
	d = h.evaluate(t, &fakeUsage{}, req, roomy)
	assert.Equal(t, ReasonReservationConflict, d.Reason)

	req = Request{JobID: "1.pbs1", Additional: 110, Requester: bob, Admin: true, Force: true}
	d = h.evaluate(t, &fakeUsage{}, req, roomy)
	assert.True(t, d.Allowed, d.Message)

	req.Force = false
	d = h.evaluate(t, &fakeUsage{}, req, roomy)
	assert.Equal(t, ReasonReservationConflict, d.Reason)
}

func TestEvaluate_ReservationEdgeCases(t *testing.T) {
	t.Run("node in maintenance", func(t *testing.T) {
		fx := newFixture()
		fx.Servers["pbs1"].Nodes["n1"].Queue = "maintenance"
		d := newHarness(t, fx).evaluate(t, &fakeUsage{}, aliceRequest(5), roomy)
		assert.Equal(t, ReasonNodeReserved, d.Reason)
	})

	t.Run("node in reserved queue", func(t *testing.T) {
		fx := newFixture()
		fx.Servers["pbs1"].Nodes["n1"].Queue = "reserved"
		d := newHarness(t, fx).evaluate(t, &fakeUsage{}, aliceRequest(5), roomy)
		assert.Equal(t, ReasonNodeReserved, d.Reason)
	})

	t.Run("unknown node", func(t *testing.T) {
		fx := newFixture()
		fx.Servers["pbs1"].Jobs["1.pbs1"].ExecHost = "n7/0"
		d := newHarness(t, fx).evaluate(t, &fakeUsage{}, aliceRequest(5), roomy)
		assert.Equal(t, ReasonNotFound, d.Reason)
	})

	t.Run("unknown reservation", func(t *testing.T) {
		fx := newFixture()
		fx.Servers["pbs1"].Nodes["n1"].Resv = "R9.pbs1"
		d := newHarness(t, fx).evaluate(t, &fakeUsage{}, aliceRequest(5), roomy)
		assert.Equal(t, ReasonNotFound, d.Reason)
	})

	t.Run("missing start time", func(t *testing.T) {
		fx := newFixture()
		fx.Servers["pbs1"].Jobs["1.pbs1"].Stime = 0
		fx.Servers["pbs1"].Nodes["n1"].Resv = "R5.pbs1"
		fx.Servers["pbs1"].Reservations["R5.pbs1"] = &file.Reservation{Start: stime + 10_000}
		d := newHarness(t, fx).evaluate(t, &fakeUsage{}, aliceRequest(5), roomy)
		assert.Equal(t, ReasonMissingStartTime, d.Reason)
	})

	t.Run("missing start time without reservations", func(t *testing.T) {
		fx := newFixture()
		fx.Servers["pbs1"].Jobs["1.pbs1"].Stime = 0
		d := newHarness(t, fx).evaluate(t, &fakeUsage{}, aliceRequest(5), roomy)
		assert.True(t, d.Allowed, d.Message)
	})

	t.Run("reservation without start", func(t *testing.T) {
		fx := newFixture()
		fx.Servers["pbs1"].Nodes["n1"].Resv = "R6.pbs1"
		fx.Servers["pbs1"].Reservations["R6.pbs1"] = &file.Reservation{}
		d := newHarness(t, fx).evaluate(t, &fakeUsage{}, aliceRequest(5), roomy)
		assert.True(t, d.Allowed, d.Message)
	})

	t.Run("queued job skips reservations", func(t *testing.T) {
		fx := newFixture()
		fx.Servers["pbs1"].Jobs["1.pbs1"].State = "Q"
		fx.Servers["pbs1"].Nodes["n1"].Queue = "maintenance"
		d := newHarness(t, fx).evaluate(t, &fakeUsage{}, aliceRequest(5), roomy)
		assert.True(t, d.Allowed, d.Message)
	})
}

func TestEvaluate_FollowsMovedJob(t *testing.T) {
	fx := newFixture()
	moved := *fx.Servers["pbs1"].Jobs["1.pbs1"]
	fx.Servers["pbs1"].Jobs["1.pbs1"] = &file.Job{State: "M", Owner: alice, Queue: "workq@pbs2"}
	fx.Servers["pbs2"] = &file.Server{
		Jobs:   map[string]*file.Job{"1.pbs1": &moved},
		Queues: map[string]*file.Queue{"workq": {}},
		Nodes:  map[string]*file.Node{"n1": {Queue: "workq"}},
	}
	h := newHarness(t, fx)

	d := h.evaluate(t, &fakeUsage{}, aliceRequest(5), roomy)
	require.True(t, d.Allowed, d.Message)
	assert.Equal(t, 1, d.Hops)
	assert.Equal(t, "pbs2", d.Server)
	assert.Equal(t, "pbs2", d.Target.ServerHost())
}

func TestEvaluate_RedirectFailures(t *testing.T) {
	t.Run("malformed destination", func(t *testing.T) {
		fx := newFixture()
		fx.Servers["pbs1"].Jobs["1.pbs1"].State = "M"
		d := newHarness(t, fx).evaluate(t, &fakeUsage{}, aliceRequest(5), roomy)
		assert.Equal(t, ReasonBadRedirect, d.Reason)
	})

	t.Run("unreachable destination", func(t *testing.T) {
		fx := newFixture()
		fx.Servers["pbs1"].Jobs["1.pbs1"].State = "M"
		fx.Servers["pbs1"].Jobs["1.pbs1"].Queue = "workq@pbs9"
		d := newHarness(t, fx).evaluate(t, &fakeUsage{}, aliceRequest(5), roomy)
		assert.Equal(t, ReasonDisconnected, d.Reason)
	})

	t.Run("redirect loop is bounded", func(t *testing.T) {
		fx := newFixture()
		fx.Servers["pbs1"].Jobs["1.pbs1"] = &file.Job{State: "M", Queue: "workq@pbs2"}
		fx.Servers["pbs2"] = &file.Server{Jobs: map[string]*file.Job{"1.pbs1": {State: "M", Queue: "workq@pbs1"}}}
		h := newHarness(t, fx)

		d := h.evaluate(t, &fakeUsage{}, aliceRequest(5), roomy)
		assert.Equal(t, ReasonRedirectLimit, d.Reason)
		assert.Equal(t, DefaultMaxRedirects, d.Hops)
		assert.NoError(t, d.Close())
	})

	t.Run("zero engine follows nothing", func(t *testing.T) {
		fx := newFixture()
		fx.Servers["pbs1"].Jobs["1.pbs1"].State = "M"
		fx.Servers["pbs1"].Jobs["1.pbs1"].Queue = "workq@pbs2"
		backend := file.New(fx)
		client, err := backend.Dial(context.Background(), "pbs1")
		require.NoError(t, err)

		var e Engine
		d := e.Evaluate(context.Background(), client, &fakeUsage{}, aliceRequest(5), roomy)
		assert.Equal(t, ReasonRedirectLimit, d.Reason)
	})
}

func TestReasonKinds(t *testing.T) {
	for _, r := range Reasons {
		if r == ReasonApproved {
			assert.Equal(t, KindNone, r.Kind())
			continue
		}
		assert.NotEqual(t, KindNone, r.Kind(), r)
	}
}
