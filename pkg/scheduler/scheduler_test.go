package scheduler

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAdjustJobID(t *testing.T) {
	tests := []struct {
		name          string
		id            string
		server        string
		wantID        string
		wantTarget    string
		wantReconnect bool
	}{
		{name: "bare number", id: "123", server: "pbs1", wantID: "123.pbs1", wantTarget: "pbs1"},
		{name: "qualified", id: "123.pbs1", server: "pbs1", wantID: "123.pbs1", wantTarget: "pbs1"},
		{name: "same server suffix", id: "123.pbs1@pbs1", server: "pbs1", wantID: "123.pbs1", wantTarget: "pbs1"},
		{name: "other server", id: "123.pbs2@pbs2", server: "pbs1", wantID: "123.pbs2", wantTarget: "pbs2", wantReconnect: true},
		{name: "bare number other server", id: "123@pbs2", server: "pbs1", wantID: "123.pbs2", wantTarget: "pbs2", wantReconnect: true},
		{name: "empty target", id: "123@", server: "pbs1", wantID: "123@", wantTarget: "pbs1"},
		{name: "too many at", id: "1@a@b", server: "pbs1", wantID: "1@a@b", wantTarget: "pbs1"},
		{name: "no server known", id: "123", server: "", wantID: "123", wantTarget: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			id, target, reconnect := AdjustJobID(tt.id, tt.server)
			assert.Equal(t, tt.wantID, id)
			assert.Equal(t, tt.wantTarget, target)
			assert.Equal(t, tt.wantReconnect, reconnect)
		})
	}
}

func TestSplitMovedQueue(t *testing.T) {
	name, server, ok := SplitMovedQueue("workq@pbs2")
	require.True(t, ok)
	assert.Equal(t, "workq", name)
	assert.Equal(t, "pbs2", server)

	for _, bad := range []string{"workq", "workq@", "a@b@c", ""} {
		_, _, ok := SplitMovedQueue(bad)
		assert.False(t, ok, bad)
	}
}

func TestCountCPUs(t *testing.T) {
	tests := []struct {
		vnode string
		want  int64
	}{
		{"(n1:ncpus=2)", 2},
		{"(n1:ncpus=4:mem=8gb)+(n2:ncpus=4:mem=8gb)", 8},
		{"(n1:mem=1gb)", 1},
		{"(n1:ncpus=2)+(n2:mem=1gb)", 3},
		{"(n1:ncpus=0)", 0},
		{"(n1:ncpus=1:ncpus=3)", 3},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, CountCPUs(tt.vnode), tt.vnode)
	}
}

func TestExecHosts(t *testing.T) {
	assert.Equal(t, []string{"n1", "n2"}, ExecHosts("n2/0*2+n1/0+n2/1"))
	assert.Equal(t, []string{"n1"}, ExecHosts("n1"))
	assert.Empty(t, ExecHosts(""))
}

func TestSplitReservations(t *testing.T) {
	assert.Equal(t, []string{"R1.s", "R2.s"}, SplitReservations("R1.s, R2.s"))
	assert.Nil(t, SplitReservations(""))
}

func TestStateFromCode(t *testing.T) {
	assert.Equal(t, StateRunning, StateFromCode("R"))
	assert.Equal(t, StateQueued, StateFromCode("Q"))
	assert.Equal(t, StateMoved, StateFromCode("M"))
	assert.Equal(t, StateFinished, StateFromCode("F"))
	assert.Equal(t, StateOther, StateFromCode("H"))
}

func TestErrorFormatting(t *testing.T) {
	err := &Error{Op: "Job", Server: "pbs1", ID: "1.pbs1", Err: ErrNotFound}
	assert.Equal(t, "pbs Job 1.pbs1@pbs1: not found", err.Error())
	assert.True(t, IsNotFound(err))
	assert.False(t, IsAmbiguous(err))

	err = &Error{Op: "Dial", Err: ErrUnavailable}
	assert.Equal(t, "pbs Dial @default: server unavailable", err.Error())
	assert.True(t, IsUnavailable(err))
}

type stubClient struct {
	calls []string
	err   error
}

func (s *stubClient) ServerHost() string { return "stub" }
func (s *stubClient) Close() error       { return nil }
func (s *stubClient) Job(ctx context.Context, id string) (*Job, error) {
	s.calls = append(s.calls, "Job")
	return &Job{ID: id}, s.err
}
func (s *stubClient) Queue(ctx context.Context, name string) (*Queue, error) {
	s.calls = append(s.calls, "Queue")
	return &Queue{Name: name}, s.err
}
func (s *stubClient) Node(ctx context.Context, name string) (*Node, error) {
	s.calls = append(s.calls, "Node")
	return &Node{Name: name}, s.err
}
func (s *stubClient) Reservation(ctx context.Context, id string) (*Reservation, error) {
	s.calls = append(s.calls, "Reservation")
	return &Reservation{ID: id}, s.err
}
func (s *stubClient) AlterWalltime(ctx context.Context, jobID, walltime string) error {
	s.calls = append(s.calls, "AlterWalltime")
	return s.err
}

func TestWrap_Observes(t *testing.T) {
	ctx := context.Background()
	stub := &stubClient{}

	var ops []string
	c := Wrap(stub, WrapOptions{Observe: func(op string, elapsed time.Duration, err error) {
		ops = append(ops, op)
	}})

	_, _ = c.Job(ctx, "1")
	_, _ = c.Queue(ctx, "q")
	_, _ = c.Node(ctx, "n")
	_, _ = c.Reservation(ctx, "r")
	_ = c.AlterWalltime(ctx, "1", "01:00:00")

	want := []string{"Job", "Queue", "Node", "Reservation", "AlterWalltime"}
	assert.Equal(t, want, ops)
	assert.Equal(t, want, stub.calls)
	assert.Equal(t, "stub", c.ServerHost())
}

func TestWrap_PassesErrors(t *testing.T) {
	boom := errors.New("boom")
	var seen error
	c := Wrap(&stubClient{err: boom}, WrapOptions{Observe: func(op string, elapsed time.Duration, err error) {
		seen = err
	}})
	_, err := c.Job(context.Background(), "1")
	assert.ErrorIs(t, err, boom)
	assert.ErrorIs(t, seen, boom)
}

func TestWrap_NoOptionsReturnsSame(t *testing.T) {
	stub := &stubClient{}
	assert.Same(t, stub, Wrap(stub, WrapOptions{}).(*stubClient))
}

func TestWrap_LimiterHonoursContext(t *testing.T) {
	stub := &stubClient{}
	c := Wrap(stub, WrapOptions{Limiter: NewLimiter(0.001)})

	// The first call consumes the burst; the second has to wait far longer
	// than the context allows.
	_, err := c.Job(context.Background(), "1")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err = c.Job(ctx, "2")
	require.Error(t, err)
	assert.Equal(t, []string{"Job"}, stub.calls)
}

func TestNewLimiter(t *testing.T) {
	assert.Nil(t, NewLimiter(0))
	assert.Nil(t, NewLimiter(-1))
	assert.NotNil(t, NewLimiter(5))
}

func TestWrapDialer(t *testing.T) {
	var observed int
	d := WrapDialer(DialFunc(func(ctx context.Context, server string) (Client, error) {
		return &stubClient{}, nil
	}), WrapOptions{Observe: func(string, time.Duration, error) { observed++ }})

	c, err := d.Dial(context.Background(), "pbs2")
	require.NoError(t, err)
	_, _ = c.Job(context.Background(), "1")
	assert.Equal(t, 1, observed)
}
