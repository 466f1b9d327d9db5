// Package file implements scheduler.Client over a YAML snapshot of one or
// more PBS servers.
//
// It backs dry runs, demos and tests. Walltime alterations update the
// in-memory snapshot and, when the snapshot came from a file, are written
// back to it.
package file

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/3leaps/pbs-extend/pkg/scheduler"
)

// Fixture is the snapshot document.
//
//	default_server: pbs1
//	servers:
//	  pbs1:
//	    jobs:
//	      "1.pbs1": {state: R, owner: alice@login1, walltime: "01:00:00", ...}
//	    queues:
//	      workq: {max_walltime: "24:00:00"}
//	    nodes:
//	      n1: {queue: workq, state: free, resv: "R5.pbs1"}
//	    reservations:
//	      R5.pbs1: {start: 1700003600}
type Fixture struct {
	DefaultServer string             `yaml:"default_server"`
	Servers       map[string]*Server `yaml:"servers"`
}

// Server is one server's objects, keyed by id or name.
type Server struct {
	// Unavailable makes every call against this server fail with ErrUnavailable.
	Unavailable  bool                    `yaml:"unavailable,omitempty"`
	Jobs         map[string]*Job         `yaml:"jobs,omitempty"`
	Queues       map[string]*Queue       `yaml:"queues,omitempty"`
	Nodes        map[string]*Node        `yaml:"nodes,omitempty"`
	Reservations map[string]*Reservation `yaml:"reservations,omitempty"`
}

type Job struct {
	State     string `yaml:"state"`
	Owner     string `yaml:"owner,omitempty"`
	Walltime  string `yaml:"walltime,omitempty"`
	Queue     string `yaml:"queue,omitempty"`
	ExecVnode string `yaml:"exec_vnode,omitempty"`
	ExecHost  string `yaml:"exec_host,omitempty"`
	// Stime is unix seconds; zero means not started.
	Stime int64 `yaml:"stime,omitempty"`
}

type Queue struct {
	MaxWalltime string `yaml:"max_walltime,omitempty"`
}

type Node struct {
	Queue string `yaml:"queue,omitempty"`
	State string `yaml:"state,omitempty"`
	Resv  string `yaml:"resv,omitempty"`
}

type Reservation struct {
	// Start is unix seconds; zero means not reported.
	Start int64 `yaml:"start,omitempty"`
}

// Backend owns a fixture and hands out per-server clients.
type Backend struct {
	mu      sync.Mutex
	path    string
	fixture *Fixture
}

// Ensure Client implements scheduler.Client.
var _ scheduler.Client = (*Client)(nil)

// Load reads and validates a fixture file. Alterations are written back to path.
func Load(path string) (*Backend, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("fixture path is required")
	}
	// #nosec G304 -- fixture path is operator configuration
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read fixture: %w", err)
	}
	if err := Validate(data); err != nil {
		return nil, fmt.Errorf("fixture %s: %w", path, err)
	}
	var fx Fixture
	if err := yaml.Unmarshal(data, &fx); err != nil {
		return nil, fmt.Errorf("parse fixture %s: %w", path, err)
	}
	b := New(&fx)
	b.path = filepath.Clean(path)
	return b, nil
}

// New wraps an in-memory fixture. Alterations are kept in memory only.
func New(fx *Fixture) *Backend {
	if fx == nil {
		fx = &Fixture{}
	}
	if fx.Servers == nil {
		fx.Servers = map[string]*Server{}
	}
	return &Backend{fixture: fx}
}

// Dial returns a client bound to server; an empty name selects the default server.
func (b *Backend) Dial(ctx context.Context, server string) (scheduler.Client, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if server == "" {
		server = b.fixture.DefaultServer
	}
	srv, ok := b.fixture.Servers[server]
	if !ok || srv == nil || srv.Unavailable {
		return nil, &scheduler.Error{Op: "Dial", Server: server, Err: scheduler.ErrUnavailable}
	}
	return &Client{backend: b, server: server}, nil
}

// Snapshot returns the current job entry, for inspection after alterations.
func (b *Backend) Snapshot(server, jobID string) (Job, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	srv, ok := b.fixture.Servers[server]
	if !ok {
		return Job{}, false
	}
	j, ok := srv.Jobs[jobID]
	if !ok || j == nil {
		return Job{}, false
	}
	return *j, true
}

func (b *Backend) save() error {
	if b.path == "" {
		return nil
	}
	data, err := yaml.Marshal(b.fixture)
	if err != nil {
		return fmt.Errorf("encode fixture: %w", err)
	}
	tmp := b.path + ".tmp"
	// #nosec G306 -- fixture files are not secret
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("write fixture: %w", err)
	}
	if err := os.Rename(tmp, b.path); err != nil {
		return fmt.Errorf("replace fixture: %w", err)
	}
	return nil
}

// Client is a scheduler.Client bound to one fixture server.
type Client struct {
	backend *Backend
	server  string
}

func (c *Client) ServerHost() string { return c.server }

func (c *Client) Close() error { return nil }

func (c *Client) Job(ctx context.Context, id string) (*scheduler.Job, error) {
	srv, err := c.lock("Job", id)
	if err != nil {
		return nil, err
	}
	defer c.backend.mu.Unlock()

	j, ok := srv.Jobs[id]
	if !ok || j == nil {
		return nil, c.wrapError("Job", id, scheduler.ErrNotFound)
	}
	job := &scheduler.Job{
		ID:        id,
		State:     scheduler.StateFromCode(j.State),
		StateCode: j.State,
		Owner:     j.Owner,
		Walltime:  j.Walltime,
		Queue:     j.Queue,
		ExecVnode: j.ExecVnode,
		ExecHost:  j.ExecHost,
		Server:    c.server,
	}
	if j.Stime > 0 {
		t := time.Unix(j.Stime, 0)
		job.Start = &t
	}
	return job, nil
}

func (c *Client) Queue(ctx context.Context, name string) (*scheduler.Queue, error) {
	srv, err := c.lock("Queue", name)
	if err != nil {
		return nil, err
	}
	defer c.backend.mu.Unlock()

	q, ok := srv.Queues[name]
	if !ok || q == nil {
		return nil, c.wrapError("Queue", name, scheduler.ErrNotFound)
	}
	return &scheduler.Queue{Name: name, MaxWalltime: q.MaxWalltime}, nil
}

func (c *Client) Node(ctx context.Context, name string) (*scheduler.Node, error) {
	srv, err := c.lock("Node", name)
	if err != nil {
		return nil, err
	}
	defer c.backend.mu.Unlock()

	n, ok := srv.Nodes[name]
	if !ok || n == nil {
		return nil, c.wrapError("Node", name, scheduler.ErrNotFound)
	}
	return &scheduler.Node{
		Name:         name,
		Queue:        n.Queue,
		State:        n.State,
		Reservations: scheduler.SplitReservations(n.Resv),
	}, nil
}

func (c *Client) Reservation(ctx context.Context, id string) (*scheduler.Reservation, error) {
	srv, err := c.lock("Reservation", id)
	if err != nil {
		return nil, err
	}
	defer c.backend.mu.Unlock()

	r, ok := srv.Reservations[id]
	if !ok || r == nil {
		return nil, c.wrapError("Reservation", id, scheduler.ErrNotFound)
	}
	resv := &scheduler.Reservation{ID: id}
	if r.Start > 0 {
		t := time.Unix(r.Start, 0)
		resv.Start = &t
	}
	return resv, nil
}

func (c *Client) AlterWalltime(ctx context.Context, jobID, walltime string) error {
	srv, err := c.lock("AlterWalltime", jobID)
	if err != nil {
		return err
	}
	defer c.backend.mu.Unlock()

	j, ok := srv.Jobs[jobID]
	if !ok || j == nil {
		return c.wrapError("AlterWalltime", jobID, scheduler.ErrNotFound)
	}
	previous := j.Walltime
	j.Walltime = walltime
	if err := c.backend.save(); err != nil {
		j.Walltime = previous
		return c.wrapError("AlterWalltime", jobID, err)
	}
	return nil
}

// lock takes the backend mutex and returns the bound server. On error the
// mutex is already released.
func (c *Client) lock(op, id string) (*Server, error) {
	c.backend.mu.Lock()
	srv, ok := c.backend.fixture.Servers[c.server]
	if !ok || srv == nil || srv.Unavailable {
		c.backend.mu.Unlock()
		return nil, c.wrapError(op, id, scheduler.ErrUnavailable)
	}
	return srv, nil
}

func (c *Client) wrapError(op, id string, err error) error {
	return &scheduler.Error{Op: op, Server: c.server, ID: id, Err: err}
}
