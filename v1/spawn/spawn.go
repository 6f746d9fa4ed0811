package spawn

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	garderrors "github.com/mirkobrombin/go-garden/v1/errors"
)

// Runner starts decay worker i and stops every started worker.
type Runner interface {
	Start(i int) error
	Stop() error
}

const defaultGrace = 2 * time.Second

// Processes runs each worker as a child process.
type Processes struct {
	exe    string
	args   func(i int) []string
	env    []string
	stdout io.Writer
	stderr io.Writer
	grace  time.Duration
	logger *slog.Logger

	mu       sync.Mutex
	children map[int]*child
	stopping bool
}

type child struct {
	cmd  *exec.Cmd
	done chan struct{}
}

// ProcessOption configures Processes.
type ProcessOption func(*Processes)

// WithEnv adds environment entries to every child.
func WithEnv(env ...string) ProcessOption {
	return func(p *Processes) { p.env = append(p.env, env...) }
}

// WithOutput sets where children write. The defaults are the parent's
// stdout and stderr.
func WithOutput(stdout, stderr io.Writer) ProcessOption {
	return func(p *Processes) {
		p.stdout = stdout
		p.stderr = stderr
	}
}

// WithGrace sets how long Stop waits after SIGTERM before killing.
func WithGrace(d time.Duration) ProcessOption {
	return func(p *Processes) { p.grace = d }
}

// WithLogger sets the logger for child exits.
func WithLogger(l *slog.Logger) ProcessOption {
	return func(p *Processes) { p.logger = l }
}

// NewProcesses runs exe with args(i) for worker i.
func NewProcesses(exe string, args func(i int) []string, opts ...ProcessOption) *Processes {
	p := &Processes{
		exe:      exe,
		args:     args,
		stdout:   os.Stdout,
		stderr:   os.Stderr,
		grace:    defaultGrace,
		children: make(map[int]*child),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.logger == nil {
		p.logger = slog.Default()
	}
	return p
}

// Self returns the path of the running binary, for re-execution.
func Self() (string, error) {
	return os.Executable()
}

// Start launches worker i. A failure is reported as *errors.WorkerStartError.
func (p *Processes) Start(i int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopping {
		return &garderrors.WorkerStartError{Kind: "decay", Index: i, Err: garderrors.ErrReleased}
	}
	if _, ok := p.children[i]; ok {
		return &garderrors.WorkerStartError{Kind: "decay", Index: i, Err: errors.New("already running")}
	}

	cmd := exec.Command(p.exe, p.args(i)...)
	cmd.Env = append(os.Environ(), p.env...)
	cmd.Stdout = p.stdout
	cmd.Stderr = p.stderr
	setSysProcAttr(cmd)
	if err := cmd.Start(); err != nil {
		return &garderrors.WorkerStartError{Kind: "decay", Index: i, Err: err}
	}

	c := &child{cmd: cmd, done: make(chan struct{})}
	p.children[i] = c
	go p.wait(i, c)
	return nil
}

func (p *Processes) wait(i int, c *child) {
	err := c.cmd.Wait()
	defer close(c.done)
	p.mu.Lock()
	stopping := p.stopping
	p.mu.Unlock()
	if stopping {
		return
	}
	if interrupted(err) {
		p.logger.Debug("garden: decay worker interrupted", "flower", i, "pid", c.cmd.Process.Pid)
		return
	}
	p.logger.Warn("garden: decay worker exited", "flower", i, "pid", c.cmd.Process.Pid, "error", err)
}

// interrupted reports whether a child ended because of SIGINT or SIGTERM,
// either killed by it or exiting cleanly after catching it. A terminal
// interrupt reaches the children before the parent starts stopping them.
func interrupted(err error) bool {
	if err == nil {
		return true
	}
	var ee *exec.ExitError
	if !errors.As(err, &ee) {
		return false
	}
	ws, ok := ee.Sys().(syscall.WaitStatus)
	if !ok || !ws.Signaled() {
		return false
	}
	return ws.Signal() == syscall.SIGINT || ws.Signal() == syscall.SIGTERM
}

// Running returns the number of children that have not exited.
func (p *Processes) Running() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, c := range p.children {
		select {
		case <-c.done:
		default:
			n++
		}
	}
	return n
}

// Stop sends SIGTERM to every child, waits for the grace period and kills
// whatever is still running. Later calls only wait.
func (p *Processes) Stop() error {
	p.mu.Lock()
	p.stopping = true
	children := make([]*child, 0, len(p.children))
	for _, c := range p.children {
		children = append(children, c)
	}
	p.mu.Unlock()

	var err error
	for _, c := range children {
		err = multierr.Append(err, sendSignal(c, syscall.SIGTERM))
	}
	deadline := time.NewTimer(p.grace)
	defer deadline.Stop()
	if !waitAll(children, deadline.C) {
		p.logger.Warn("garden: killing decay workers after grace period", "grace", p.grace)
		for _, c := range children {
			err = multierr.Append(err, sendSignal(c, syscall.SIGKILL))
		}
		waitAll(children, nil)
	}
	return err
}

// waitAll reports whether every child exited before timeout fired.
func waitAll(children []*child, timeout <-chan time.Time) bool {
	for _, c := range children {
		select {
		case <-c.done:
		case <-timeout:
			return false
		}
	}
	return true
}

func sendSignal(c *child, sig syscall.Signal) error {
	select {
	case <-c.done:
		return nil
	default:
	}
	if err := c.cmd.Process.Signal(sig); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return err
	}
	return nil
}

// Goroutines runs each worker as a goroutine sharing the caller's mapping.
type Goroutines struct {
	run    func(ctx context.Context, i int) error
	ctx    context.Context
	cancel context.CancelFunc
	g      errgroup.Group
}

// NewGoroutines runs run(ctx, i) for worker i until Stop or ctx ends. A
// worker that fails does not stop the others.
func NewGoroutines(ctx context.Context, run func(ctx context.Context, i int) error) *Goroutines {
	ctx, cancel := context.WithCancel(ctx)
	return &Goroutines{run: run, ctx: ctx, cancel: cancel}
}

// Start launches worker i.
func (r *Goroutines) Start(i int) error {
	if r.ctx.Err() != nil {
		return &garderrors.WorkerStartError{Kind: "decay", Index: i, Err: r.ctx.Err()}
	}
	r.g.Go(func() error { return r.run(r.ctx, i) })
	return nil
}

// Stop cancels every worker and returns the first worker error.
func (r *Goroutines) Stop() error {
	r.cancel()
	return r.g.Wait()
}
