// Package pbs implements scheduler.Client on top of the PBS Pro / OpenPBS
// command-line tools (qstat, pbsnodes, pbs_rstat, qalter).
//
// Every command runs with PBS_SERVER set to the bound server, so one
// process can talk to several servers when jobs move between them.
package pbs

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/3leaps/pbs-extend/pkg/scheduler"
)

// DefaultBinDir is where PBS installs its client commands.
const DefaultBinDir = "/opt/pbs/bin"

// Runner executes a command and returns its stdout and stderr. A non-zero
// exit status is reported as a non-nil error.
type Runner func(ctx context.Context, env []string, name string, args ...string) (stdout, stderr []byte, err error)

// ExecRunner runs commands with os/exec.
func ExecRunner(ctx context.Context, env []string, name string, args ...string) ([]byte, []byte, error) {
	// #nosec G204 -- command names come from configuration, arguments are ids
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Env = env
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	return stdout.Bytes(), stderr.Bytes(), err
}

// Config configures a Client.
type Config struct {
	// Server is the PBS server to bind to; empty uses the site default.
	Server string

	// BinDir holds the PBS commands; empty resolves them through PATH.
	BinDir string

	// Timeout bounds each command; zero means no timeout.
	Timeout time.Duration

	// Runner overrides command execution; nil uses ExecRunner.
	Runner Runner
}

// Client is a scheduler.Client bound to one PBS server.
type Client struct {
	cfg        Config
	serverHost string
}

// Ensure Client implements scheduler.Client.
var _ scheduler.Client = (*Client)(nil)

// New binds to cfg.Server and resolves its server_host, which also proves
// the server is reachable.
func New(ctx context.Context, cfg Config) (*Client, error) {
	if cfg.Runner == nil {
		cfg.Runner = ExecRunner
	}
	c := &Client{cfg: cfg}

	out, err := c.run(ctx, "ServerHost", "", "qstat", "-Bf", "-F", "json")
	if err != nil {
		return nil, err
	}
	var doc struct {
		Server map[string]struct {
			ServerHost string `json:"server_host"`
		} `json:"Server"`
	}
	if err := json.Unmarshal(out, &doc); err != nil {
		return nil, c.wrapError("ServerHost", "", fmt.Errorf("decode qstat -B output: %w", err))
	}
	for name, s := range doc.Server {
		c.serverHost = s.ServerHost
		if c.serverHost == "" {
			c.serverHost = name
		}
		break
	}
	if c.serverHost == "" {
		c.serverHost = cfg.Server
	}
	if c.serverHost == "" {
		return nil, c.wrapError("ServerHost", "", fmt.Errorf("%w: no server reported", scheduler.ErrUnavailable))
	}
	return c, nil
}

// Dialer returns a scheduler.Dialer that binds new clients with cfg,
// replacing only the server.
func Dialer(cfg Config) scheduler.Dialer {
	return scheduler.DialFunc(func(ctx context.Context, server string) (scheduler.Client, error) {
		next := cfg
		next.Server = server
		return New(ctx, next)
	})
}

func (c *Client) ServerHost() string { return c.serverHost }

func (c *Client) Close() error { return nil }

type jobJSON struct {
	JobOwner     string         `json:"Job_Owner"`
	JobState     string         `json:"job_state"`
	Queue        string         `json:"queue"`
	Server       string         `json:"server"`
	ExecHost     string         `json:"exec_host"`
	ExecVnode    string         `json:"exec_vnode"`
	Stime        any            `json:"stime"`
	ResourceList map[string]any `json:"Resource_List"`
}

func (c *Client) Job(ctx context.Context, id string) (*scheduler.Job, error) {
	out, err := c.run(ctx, "Job", id, "qstat", "-x", "-f", "-F", "json", id)
	if err != nil {
		return nil, err
	}
	var doc struct {
		Jobs map[string]jobJSON `json:"Jobs"`
	}
	if err := json.Unmarshal(out, &doc); err != nil {
		return nil, c.wrapError("Job", id, fmt.Errorf("decode qstat output: %w", err))
	}
	key, raw, err := single(doc.Jobs)
	if err != nil {
		return nil, c.wrapError("Job", id, err)
	}

	job := &scheduler.Job{
		ID:        key,
		State:     scheduler.StateFromCode(raw.JobState),
		StateCode: raw.JobState,
		Owner:     raw.JobOwner,
		Queue:     raw.Queue,
		ExecVnode: raw.ExecVnode,
		ExecHost:  raw.ExecHost,
		Server:    raw.Server,
	}
	if job.Server == "" {
		job.Server = c.serverHost
	}
	if wt, ok := raw.ResourceList["walltime"]; ok {
		job.Walltime = stringValue(wt)
	}
	if raw.Stime != nil {
		start, err := parseStamp(raw.Stime)
		if err != nil {
			return nil, c.wrapError("Job", id, fmt.Errorf("parse stime: %w", err))
		}
		job.Start = start
	}
	return job, nil
}

func (c *Client) Queue(ctx context.Context, name string) (*scheduler.Queue, error) {
	out, err := c.run(ctx, "Queue", name, "qstat", "-Qf", "-F", "json", name)
	if err != nil {
		return nil, err
	}
	var doc struct {
		Queue map[string]struct {
			ResourcesMax map[string]any `json:"resources_max"`
		} `json:"Queue"`
	}
	if err := json.Unmarshal(out, &doc); err != nil {
		return nil, c.wrapError("Queue", name, fmt.Errorf("decode qstat -Q output: %w", err))
	}
	key, raw, err := single(doc.Queue)
	if err != nil {
		return nil, c.wrapError("Queue", name, err)
	}
	q := &scheduler.Queue{Name: key}
	if wt, ok := raw.ResourcesMax["walltime"]; ok {
		q.MaxWalltime = stringValue(wt)
	}
	return q, nil
}

func (c *Client) Node(ctx context.Context, name string) (*scheduler.Node, error) {
	out, err := c.run(ctx, "Node", name, "pbsnodes", "-F", "json", "-v", name)
	if err != nil {
		return nil, err
	}
	var doc struct {
		Nodes map[string]struct {
			Queue string `json:"queue"`
			State string `json:"state"`
			Resv  any    `json:"resv"`
		} `json:"nodes"`
	}
	if err := json.Unmarshal(out, &doc); err != nil {
		return nil, c.wrapError("Node", name, fmt.Errorf("decode pbsnodes output: %w", err))
	}
	key, raw, err := single(doc.Nodes)
	if err != nil {
		return nil, c.wrapError("Node", name, err)
	}
	n := &scheduler.Node{Name: key, Queue: raw.Queue, State: raw.State}
	switch v := raw.Resv.(type) {
	case string:
		n.Reservations = scheduler.SplitReservations(v)
	case []any:
		for _, r := range v {
			n.Reservations = append(n.Reservations, scheduler.SplitReservations(stringValue(r))...)
		}
	}
	return n, nil
}

func (c *Client) Reservation(ctx context.Context, id string) (*scheduler.Reservation, error) {
	out, err := c.run(ctx, "Reservation", id, "pbs_rstat", "-f", id)
	if err != nil {
		return nil, err
	}
	resvs, err := parseRstat(out)
	if err != nil {
		return nil, c.wrapError("Reservation", id, err)
	}
	key, attrs, err := single(resvs)
	if err != nil {
		return nil, c.wrapError("Reservation", id, err)
	}
	r := &scheduler.Reservation{ID: key}
	if v, ok := attrs["reserve_start"]; ok {
		start, err := parseStamp(v)
		if err != nil {
			return nil, c.wrapError("Reservation", id, fmt.Errorf("parse reserve_start: %w", err))
		}
		r.Start = start
	}
	return r, nil
}

func (c *Client) AlterWalltime(ctx context.Context, jobID, walltime string) error {
	_, err := c.run(ctx, "AlterWalltime", jobID, "qalter", "-l", "walltime="+walltime, jobID)
	return err
}

func (c *Client) run(ctx context.Context, op, id, command string, args ...string) ([]byte, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if c.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.Timeout)
		defer cancel()
	}

	name := command
	if c.cfg.BinDir != "" {
		name = filepath.Join(c.cfg.BinDir, command)
	}
	env := os.Environ()
	if c.cfg.Server != "" {
		env = append(env, "PBS_SERVER="+c.cfg.Server)
	}

	stdout, stderr, err := c.cfg.Runner(ctx, env, name, args...)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			err = ctxErr
		}
		return nil, c.wrapError(op, id, classify(err, stderr))
	}
	return stdout, nil
}

func (c *Client) wrapError(op, id string, err error) error {
	server := c.serverHost
	if server == "" {
		server = c.cfg.Server
	}
	return &scheduler.Error{Op: op, Server: server, ID: id, Err: err}
}

// classify maps a failed command onto the scheduler sentinels, keeping the
// command's own message.
func classify(err error, stderr []byte) error {
	msg := strings.TrimSpace(string(stderr))
	lower := strings.ToLower(msg)

	var execErr *exec.Error
	switch {
	case errors.As(err, &execErr):
		return fmt.Errorf("%w: %v", scheduler.ErrUnavailable, err)
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return fmt.Errorf("%w: %v", scheduler.ErrUnavailable, err)
	case strings.Contains(lower, "unknown"):
		return fmt.Errorf("%w: %s", scheduler.ErrNotFound, msg)
	case strings.Contains(lower, "cannot connect"),
		strings.Contains(lower, "connection refused"),
		strings.Contains(lower, "communication failure"):
		return fmt.Errorf("%w: %s", scheduler.ErrUnavailable, msg)
	}
	if msg != "" {
		return fmt.Errorf("%v: %s", err, msg)
	}
	return err
}

// single returns the only entry of m, or ErrNotFound / ErrAmbiguous.
func single[T any](m map[string]T) (string, T, error) {
	var zero T
	switch len(m) {
	case 0:
		return "", zero, scheduler.ErrNotFound
	case 1:
		for k, v := range m {
			return k, v, nil
		}
	}
	return "", zero, scheduler.ErrAmbiguous
}

// parseRstat parses "pbs_rstat -f" output into attributes per reservation id.
func parseRstat(out []byte) (map[string]map[string]string, error) {
	resvs := make(map[string]map[string]string)
	var current map[string]string
	for _, line := range strings.Split(string(out), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if rest, ok := strings.CutPrefix(line, "Resv ID:"); ok {
			current = make(map[string]string)
			resvs[strings.TrimSpace(rest)] = current
			continue
		}
		key, value, ok := strings.Cut(line, " = ")
		if !ok {
			continue
		}
		if current == nil {
			return nil, fmt.Errorf("attribute %q before any Resv ID", strings.TrimSpace(key))
		}
		current[strings.TrimSpace(key)] = strings.TrimSpace(value)
	}
	return resvs, nil
}

// parseStamp accepts unix seconds (number or numeric string) or the ctime
// form PBS prints ("Tue Nov 14 22:13:20 2023", local time).
func parseStamp(v any) (*time.Time, error) {
	var t time.Time
	switch x := v.(type) {
	case float64:
		t = time.Unix(int64(x), 0)
	case string:
		s := strings.TrimSpace(x)
		if n, err := strconv.ParseInt(s, 10, 64); err == nil {
			t = time.Unix(n, 0)
			break
		}
		parsed, err := time.ParseInLocation(time.ANSIC, s, time.Local)
		if err != nil {
			return nil, err
		}
		t = parsed
	default:
		return nil, fmt.Errorf("unexpected timestamp %v", v)
	}
	return &t, nil
}

func stringValue(v any) string {
	switch x := v.(type) {
	case string:
		return x
	case float64:
		return strconv.FormatInt(int64(x), 10)
	default:
		return fmt.Sprint(x)
	}
}
