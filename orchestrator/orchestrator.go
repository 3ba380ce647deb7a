// Package orchestrator manages the gateway's child services: discovery under
// a services root, build with a single reinstall-and-retry, spawn with
// stdout-based readiness, and cascading shutdown in reverse start order.
package orchestrator

import (
	"bufio"
	"context"
	stderrors "errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/michalspano/appointdent/errors"
)

// Commands are the shell steps run per service. Empty slices fall back to
// the npm defaults the managed services use.
type Commands struct {
	Build     []string
	Reinstall []string
	Start     []string
}

// DefaultCommands matches the package scripts of the managed services.
var DefaultCommands = Commands{
	Build:     []string{"npm", "run", "build"},
	Reinstall: []string{"npm", "ci"},
	Start:     []string{"npm", "start"},
}

// ServiceSpec describes one service to orchestrate.
type ServiceSpec struct {
	Name     string
	Dir      string
	Commands Commands
}

// State is a service's lifecycle position.
type State int

const (
	StateDiscovered State = iota
	StateBuilding
	StateBuilt
	StateBuildFailed
	StateRunning
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateDiscovered:
		return "discovered"
	case StateBuilding:
		return "building"
	case StateBuilt:
		return "built"
	case StateBuildFailed:
		return "build_failed"
	case StateRunning:
		return "running"
	case StateTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// ExitFunc is invoked when a running child exits on its own. A non-nil err
// means a non-zero exit; the gateway keeps running either way.
type ExitFunc func(service string, err error)

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithLogger sets the orchestrator logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *Orchestrator) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithOnExit sets the unexpected-exit callback.
func WithOnExit(fn ExitFunc) Option {
	return func(o *Orchestrator) {
		if fn != nil {
			o.onExit = fn
		}
	}
}

type child struct {
	name   string
	cmd    *exec.Cmd
	killed atomic.Bool
	waited chan struct{}
}

// Orchestrator builds, spawns and supervises service children.
type Orchestrator struct {
	logger *slog.Logger
	onExit ExitFunc

	mu       sync.Mutex
	children []*child
	states   map[string]State

	shutdownOnce sync.Once
	down         atomic.Bool
}

// New creates an orchestrator.
func New(opts ...Option) *Orchestrator {
	o := &Orchestrator{
		logger: slog.Default(),
		onExit: func(string, error) {},
		states: make(map[string]State),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Discover enumerates the immediate subdirectories of root. A directory
// qualifies by being a directory; its contents are not inspected.
func Discover(root string) ([]string, error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		return nil, errors.WrapFatal(err, "orchestrator", "Discover", "read services root")
	}

	var names []string
	for _, e := range entries {
		if e.IsDir() {
			names = append(names, e.Name())
		}
	}
	return names, nil
}

// State reports a service's current lifecycle position.
func (o *Orchestrator) State(service string) State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.states[service]
}

func (o *Orchestrator) setState(service string, s State) {
	o.mu.Lock()
	o.states[service] = s
	o.mu.Unlock()
}

// Launch builds every spec in parallel and spawns the ones that built.
// Build failures are isolated per service: the others still start, and the
// joined error reports each permanent failure. Spawn order follows the
// argument order so shutdown can reverse it.
func (o *Orchestrator) Launch(ctx context.Context, specs []ServiceSpec) error {
	if o.down.Load() {
		return errors.WrapFatal(errors.ErrShuttingDown, "Orchestrator", "Launch", "launch services")
	}

	var (
		g        errgroup.Group
		failedMu sync.Mutex
		failed   = make(map[string]error)
	)

	for _, spec := range specs {
		spec := spec
		o.setState(spec.Name, StateDiscovered)
		g.Go(func() error {
			if err := o.build(ctx, spec); err != nil {
				failedMu.Lock()
				failed[spec.Name] = err
				failedMu.Unlock()
			}
			return nil
		})
	}
	g.Wait() //nolint:errcheck

	var errs []error
	for _, spec := range specs {
		if err, ok := failed[spec.Name]; ok {
			errs = append(errs, err)
			continue
		}
		if err := o.spawn(ctx, spec); err != nil {
			errs = append(errs, err)
		}
	}

	if len(errs) > 0 {
		return stderrors.Join(errs...)
	}
	return nil
}

// build runs the build step, retrying exactly once after a dependency
// reinstall when the first attempt fails.
func (o *Orchestrator) build(ctx context.Context, spec ServiceSpec) error {
	cmds := spec.Commands.withDefaults()

	o.setState(spec.Name, StateBuilding)
	o.logger.Info("building service", "service", spec.Name)

	err := o.runStep(ctx, spec, cmds.Build)
	if err == nil {
		o.setState(spec.Name, StateBuilt)
		return nil
	}

	o.logger.Warn("build failed, reinstalling dependencies",
		"service", spec.Name, "error", err)

	if rerr := o.runStep(ctx, spec, cmds.Reinstall); rerr != nil {
		o.setState(spec.Name, StateBuildFailed)
		return errors.WrapFatal(rerr, "orchestrator", "build",
			"reinstall dependencies for "+spec.Name)
	}

	if err = o.runStep(ctx, spec, cmds.Build); err != nil {
		o.setState(spec.Name, StateBuildFailed)
		return errors.WrapFatal(
			fmt.Errorf("%w: %w", errors.ErrBuildFailed, err),
			"orchestrator", "build", "rebuild "+spec.Name)
	}

	o.setState(spec.Name, StateBuilt)
	return nil
}

func (o *Orchestrator) runStep(ctx context.Context, spec ServiceSpec, argv []string) error {
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Dir = spec.Dir

	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("%s in %s: %w: %s",
			strings.Join(argv, " "), spec.Dir, err, strings.TrimSpace(string(out)))
	}
	return nil
}

// spawn starts the service's long-lived process. The child inherits the
// environment minus PORT so each service binds its own configured port, not
// the gateway's. The first stdout write counts as "service is up"; all later
// output is forwarded to the log.
func (o *Orchestrator) spawn(ctx context.Context, spec ServiceSpec) error {
	cmds := spec.Commands.withDefaults()

	cmd := exec.Command(cmds.Start[0], cmds.Start[1:]...)
	cmd.Dir = spec.Dir
	cmd.Env = envWithout(os.Environ(), "PORT")

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return errors.WrapFatal(err, "orchestrator", "spawn", "pipe stdout of "+spec.Name)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return errors.WrapFatal(err, "orchestrator", "spawn", "pipe stderr of "+spec.Name)
	}

	if err := cmd.Start(); err != nil {
		return errors.WrapFatal(err, "orchestrator", "spawn", "start "+spec.Name)
	}

	c := &child{name: spec.Name, cmd: cmd, waited: make(chan struct{})}

	ready := make(chan struct{})
	go o.forwardOutput(c, stdout, "stdout", ready)
	go o.forwardOutput(c, stderr, "stderr", nil)
	go o.reap(c)

	select {
	case <-ready:
	case <-c.waited:
		return errors.WrapFatal(
			fmt.Errorf("service %s exited before signalling readiness", spec.Name),
			"orchestrator", "spawn", "await readiness")
	case <-ctx.Done():
		c.killed.Store(true)
		cmd.Process.Kill() //nolint:errcheck
		return errors.WrapTransient(ctx.Err(), "orchestrator", "spawn", "await readiness of "+spec.Name)
	}

	o.mu.Lock()
	o.children = append(o.children, c)
	o.states[spec.Name] = StateRunning
	o.mu.Unlock()

	o.logger.Info("service running", "service", spec.Name, "pid", cmd.Process.Pid)

	return nil
}

// forwardOutput copies a child stream into the log line by line. When ready
// is non-nil it is closed on the first line, which the spawner treats as the
// service's readiness signal.
func (o *Orchestrator) forwardOutput(c *child, r io.Reader, stream string, ready chan struct{}) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		if ready != nil {
			close(ready)
			ready = nil
		}
		o.logger.Info("service output", "service", c.name, "stream", stream, "line", scanner.Text())
	}
}

// reap waits for the child and surfaces unexpected exits through the
// callback. Exits caused by Shutdown's kill are expected and stay quiet.
func (o *Orchestrator) reap(c *child) {
	err := c.cmd.Wait()
	close(c.waited)

	o.setState(c.name, StateTerminated)

	if c.killed.Load() {
		return
	}

	if err != nil {
		o.logger.Error("service exited unexpectedly", "service", c.name, "error", err)
	} else {
		o.logger.Warn("service exited", "service", c.name)
	}
	o.onExit(c.name, err)
}

// Shutdown kills every still-registered child in reverse registration order
// and waits for each to be reaped. Safe to call more than once; only the
// first call acts.
func (o *Orchestrator) Shutdown() {
	o.shutdownOnce.Do(func() {
		o.down.Store(true)
		o.mu.Lock()
		children := make([]*child, len(o.children))
		copy(children, o.children)
		o.children = nil
		o.mu.Unlock()

		for i := len(children) - 1; i >= 0; i-- {
			c := children[i]
			c.killed.Store(true)
			if err := c.cmd.Process.Kill(); err != nil {
				o.logger.Warn("kill failed", "service", c.name, "error", err)
			}
			<-c.waited
			o.logger.Info("service terminated", "service", c.name)
		}
	})
}

func (c Commands) withDefaults() Commands {
	if len(c.Build) == 0 {
		c.Build = DefaultCommands.Build
	}
	if len(c.Reinstall) == 0 {
		c.Reinstall = DefaultCommands.Reinstall
	}
	if len(c.Start) == 0 {
		c.Start = DefaultCommands.Start
	}
	return c
}

func envWithout(env []string, key string) []string {
	prefix := key + "="
	out := env[:0]
	for _, kv := range env {
		if !strings.HasPrefix(kv, prefix) {
			out = append(out, kv)
		}
	}
	return out
}
