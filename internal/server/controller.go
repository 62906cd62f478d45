// Package server supervises the single execution server process of an app instance
// and keeps it bound to the active workspace.
package server

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/CelVoxes/Axon-sub004/internal/config"
	"github.com/CelVoxes/Axon-sub004/internal/jupyter"
	"github.com/CelVoxes/Axon-sub004/internal/kernelerr"
	"github.com/CelVoxes/Axon-sub004/internal/logger"
	"github.com/CelVoxes/Axon-sub004/internal/pidfile"
	"github.com/CelVoxes/Axon-sub004/internal/progress"
	"github.com/CelVoxes/Axon-sub004/internal/pyenv"
)

// State is the lifecycle state of the server.
type State string

const (
	StateStopped    State = "stopped"
	StateStarting   State = "starting"
	StateHealthy    State = "healthy"
	StateUnhealthy  State = "unhealthy"
	StateRestarting State = "restarting"
)

// Binding describes the running server and the workspace it serves.
type Binding struct {
	PID        int                `json:"pid"`
	Port       int                `json:"port"`
	Workspace  string             `json:"workspace"`
	Token      string             `json:"-"`
	Env        *pyenv.Environment `json:"environment"`
	KernelSpec string             `json:"kernel_spec"`
	Client     *jupyter.Client    `json:"-"`
}

// Environments resolves and prepares workspace environments.
type Environments interface {
	Ensure(ctx context.Context, workspace string) (*pyenv.Environment, error)
	InstallIfMissing(ctx context.Context, env *pyenv.Environment, pkgs []string) error
}

// PortAllocator hands out a free port, preferring the requested one.
type PortAllocator interface {
	EnsureAvailable(ctx context.Context, port int) (int, error)
}

// SpecStore maintains kernel spec descriptors.
type SpecStore interface {
	Ensure(workspace string, env *pyenv.Environment) (string, bool, error)
	RemoveOrphans(workspace string, env *pyenv.Environment) ([]string, error)
}

// ClientFactory builds the REST client for a server on port.
type ClientFactory func(port int, token string) *jupyter.Client

// Deps are the collaborators of a Controller.
type Deps struct {
	Environments Environments
	Ports        PortAllocator
	Specs        SpecStore
	Launcher     Launcher
	NewClient    ClientFactory
	PidFile      *pidfile.Pidfile
	Progress     progress.Callback
}

// Controller owns the server process. All transitions are serialized.
type Controller struct {
	cfg    config.KernelConfig
	deps   Deps
	logger *logger.Logger

	mu   sync.Mutex // serializes transitions
	proc Process

	launchMu     sync.Mutex
	cancelLaunch context.CancelFunc

	snapMu  sync.RWMutex
	state   State
	binding *Binding

	hooksMu    sync.Mutex
	resetHooks []func()

	stderr *lineTail
}

// NewController creates a stopped controller. If a pid file is configured, a server
// left running by a previous instance is stopped first.
func NewController(cfg config.KernelConfig, deps Deps) *Controller {
	if deps.Launcher == nil {
		deps.Launcher = ExecLauncher{}
	}
	if deps.NewClient == nil {
		deps.NewClient = func(port int, token string) *jupyter.Client {
			return jupyter.NewClient("127.0.0.1", port, token)
		}
	}
	c := &Controller{
		cfg:    cfg,
		deps:   deps,
		logger: logger.Global().WithPrefix("server"),
		state:  StateStopped,
		stderr: newLineTail(20),
	}
	if deps.PidFile != nil {
		c.reapOrphan()
	}
	return c
}

// OnReset registers fn to run whenever the server is restarted or stopped, i.e. when
// every kernel it hosted is gone.
func (c *Controller) OnReset(fn func()) {
	c.hooksMu.Lock()
	defer c.hooksMu.Unlock()
	c.resetHooks = append(c.resetHooks, fn)
}

func (c *Controller) runResetHooks() {
	c.hooksMu.Lock()
	hooks := append([]func(){}, c.resetHooks...)
	c.hooksMu.Unlock()
	for _, fn := range hooks {
		fn()
	}
}

// State returns the current lifecycle state.
func (c *Controller) State() State {
	c.snapMu.RLock()
	defer c.snapMu.RUnlock()
	return c.state
}

// Binding returns the current binding, if the server is healthy.
func (c *Controller) Binding() (Binding, bool) {
	c.snapMu.RLock()
	defer c.snapMu.RUnlock()
	if c.binding == nil || c.state != StateHealthy {
		return Binding{}, false
	}
	return *c.binding, true
}

func (c *Controller) setState(s State) {
	c.snapMu.Lock()
	defer c.snapMu.Unlock()
	if c.state != s {
		c.logger.Debug("state %s -> %s", c.state, s)
	}
	c.state = s
}

func (c *Controller) setBinding(b *Binding) {
	c.snapMu.Lock()
	defer c.snapMu.Unlock()
	c.binding = b
}

// Ensure returns a healthy server bound to workspace, starting or restarting it as
// needed.
func (c *Controller) Ensure(ctx context.Context, workspace string) (Binding, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	c.mu.Lock()
	defer c.mu.Unlock()
	c.setCancelLaunch(cancel)
	defer c.setCancelLaunch(nil)

	if c.State() == StateHealthy && c.exited() {
		c.setState(StateUnhealthy)
	}

	switch c.State() {
	case StateHealthy:
		c.snapMu.RLock()
		current := *c.binding
		c.snapMu.RUnlock()

		if current.Workspace != workspace {
			c.logger.Info("workspace changed from %s to %s, restarting server", current.Workspace, workspace)
			return c.restart(ctx, workspace)
		}
		if err := c.checkHealth(ctx, current.Client); err != nil {
			if ctx.Err() != nil {
				return Binding{}, kernelerr.Wrap(kernelerr.Cancelled, "server.Ensure", ctx.Err(), "health check cancelled")
			}
			c.logger.Warn("health check failed: %v", err)
			c.setState(StateUnhealthy)
			return c.restart(ctx, workspace)
		}
		return current, nil
	case StateUnhealthy:
		return c.restart(ctx, workspace)
	default:
		return c.start(ctx, workspace)
	}
}

// Stop kills the server, if any, and clears every cache tied to it. A start in
// progress is aborted rather than waited for.
func (c *Controller) Stop(ctx context.Context) error {
	c.launchMu.Lock()
	if c.cancelLaunch != nil {
		c.logger.Info("aborting server start")
		c.cancelLaunch()
	}
	c.launchMu.Unlock()

	c.mu.Lock()
	defer c.mu.Unlock()

	wasRunning := c.proc != nil
	c.kill()
	c.setState(StateStopped)
	c.runResetHooks()
	if wasRunning {
		c.logger.Info("server stopped")
	}
	return nil
}

func (c *Controller) setCancelLaunch(cancel context.CancelFunc) {
	c.launchMu.Lock()
	defer c.launchMu.Unlock()
	c.cancelLaunch = cancel
}

func (c *Controller) exited() bool {
	if c.proc == nil {
		return true
	}
	select {
	case <-c.proc.Done():
		return true
	default:
		return false
	}
}

func (c *Controller) checkHealth(ctx context.Context, client *jupyter.Client) error {
	checkCtx, cancel := context.WithTimeout(ctx, c.cfg.HealthCheckTimeout.Std())
	defer cancel()
	return client.Status(checkCtx)
}

func (c *Controller) restart(ctx context.Context, workspace string) (Binding, error) {
	c.setState(StateRestarting)
	c.kill()
	c.runResetHooks()

	if pause := c.cfg.RestartPause.Std(); pause > 0 {
		select {
		case <-ctx.Done():
			c.setState(StateStopped)
			return Binding{}, kernelerr.Wrap(kernelerr.Cancelled, "server.restart", ctx.Err(), "restart cancelled")
		case <-time.After(pause):
		}
	}
	return c.start(ctx, workspace)
}

func (c *Controller) start(ctx context.Context, workspace string) (Binding, error) {
	c.setState(StateStarting)
	c.emit(progress.StageServer, "Starting execution server for "+workspace)

	b, err := c.launch(ctx, workspace)
	if err != nil {
		c.kill()
		c.setState(StateStopped)
		c.emit(progress.StageFailed, "Execution server failed to start")
		return Binding{}, err
	}

	c.setBinding(b)
	c.setState(StateHealthy)
	c.emit(progress.StageDone, "Execution server ready")
	c.logger.Info("server pid %d healthy on port %d for %s", b.PID, b.Port, workspace)
	return *b, nil
}

func (c *Controller) launch(ctx context.Context, workspace string) (*Binding, error) {
	port, err := c.deps.Ports.EnsureAvailable(ctx, c.cfg.BasePort)
	if err != nil {
		return nil, err
	}

	env, err := c.deps.Environments.Ensure(ctx, workspace)
	if err != nil {
		return nil, err
	}
	if err := c.deps.Environments.InstallIfMissing(ctx, env, c.cfg.RequiredPackages); err != nil {
		return nil, err
	}

	specName, wrote, err := c.deps.Specs.Ensure(workspace, env)
	if err != nil {
		return nil, kernelerr.Wrap(kernelerr.KernelCreateFailed, "server.launch", err, "failed to write kernel spec")
	}
	if wrote {
		if removed, err := c.deps.Specs.RemoveOrphans(workspace, env); err != nil {
			c.logger.Warn("failed to remove stale kernel specs: %v", err)
		} else if len(removed) > 0 {
			c.logger.Info("removed stale kernel specs %s", strings.Join(removed, ", "))
		}
	}

	token := uuid.NewString()
	spec := LaunchSpec{
		Path: env.Interpreter,
		Args: ServerArgs(port, token, workspace),
		Dir:  workspace,
		Env:  serverEnv(os.Environ(), env),
	}

	c.stderr.reset()
	proc, err := c.deps.Launcher.Launch(ctx, spec)
	if err != nil {
		return nil, kernelerr.Wrap(kernelerr.ServerUnhealthy, "server.launch", err, "failed to start server")
	}
	c.proc = proc
	drained := make(chan struct{})
	go c.watch(proc, drained)

	if c.deps.PidFile != nil {
		if err := c.deps.PidFile.Write(pidfile.Record{PID: proc.PID(), Port: port, Workspace: workspace}); err != nil {
			c.logger.Warn("%v", err)
		}
	}

	client := c.deps.NewClient(port, token)
	if err := c.waitHealthy(ctx, proc, drained, client); err != nil {
		return nil, err
	}

	return &Binding{
		PID:        proc.PID(),
		Port:       port,
		Workspace:  workspace,
		Token:      token,
		Env:        env,
		KernelSpec: specName,
		Client:     client,
	}, nil
}

// ServerArgs returns the interpreter arguments that start the server.
func ServerArgs(port int, token, workspace string) []string {
	return []string{
		"-m", "jupyter", "server",
		"--no-browser",
		"--ip=127.0.0.1",
		"--port=" + strconv.Itoa(port),
		"--ServerApp.token=" + token,
		"--ServerApp.root_dir=" + workspace,
	}
}

func serverEnv(base []string, env *pyenv.Environment) []string {
	out := make([]string, 0, len(base)+2)
	jupyterPath := env.ShareDir()
	path := env.BinDir()
	for _, kv := range base {
		switch {
		case strings.HasPrefix(kv, "JUPYTER_PATH="):
			if existing := strings.TrimPrefix(kv, "JUPYTER_PATH="); existing != "" {
				jupyterPath += string(os.PathListSeparator) + existing
			}
		case strings.HasPrefix(kv, "PATH="):
			if existing := strings.TrimPrefix(kv, "PATH="); existing != "" {
				path += string(os.PathListSeparator) + existing
			}
		case strings.HasPrefix(kv, "VIRTUAL_ENV="):
		default:
			out = append(out, kv)
		}
	}
	return append(out, "JUPYTER_PATH="+jupyterPath, "PATH="+path, "VIRTUAL_ENV="+env.Root)
}

func (c *Controller) waitHealthy(ctx context.Context, proc Process, drained <-chan struct{}, client *jupyter.Client) error {
	timeout := c.cfg.StartupTimeout.Std()
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(c.cfg.HealthPollInterval.Std())
	defer ticker.Stop()

	var lastErr error
	for {
		if lastErr = c.checkHealth(ctx, client); lastErr == nil {
			return nil
		}

		select {
		case <-ctx.Done():
			return kernelerr.Wrap(kernelerr.Cancelled, "server.start", ctx.Err(), "server startup cancelled")
		case <-proc.Done():
			select {
			case <-drained:
			case <-time.After(time.Second):
			}
			return kernelerr.New(kernelerr.ServerUnhealthy, "server.start",
				fmt.Sprintf("server process %d exited during startup", proc.PID())).WithDetails(c.stderr.String())
		case <-deadline.C:
			return kernelerr.Wrap(kernelerr.ServerStartupTimeout, "server.start", lastErr,
				"server did not become healthy within %s", timeout).WithDetails(c.stderr.String())
		case <-ticker.C:
		}
	}
}

// watch consumes the process events; drained is closed once every output line has
// been seen.
func (c *Controller) watch(proc Process, drained chan<- struct{}) {
	for ev := range proc.Events() {
		switch ev.Kind {
		case EventStdout:
			c.logger.Debug("%s", ev.Line)
		case EventStderr:
			c.logger.Debug("%s", ev.Line)
			c.stderr.add(ev.Line)
		case EventExited:
			close(drained)
			c.handleExit(proc, ev)
		}
	}
}

func (c *Controller) handleExit(proc Process, ev Event) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.proc != proc {
		return
	}
	c.logger.Warn("server pid %d exited unexpectedly (code %d): %v", proc.PID(), ev.ExitCode, ev.Err)
	c.proc = nil
	c.removePidFile()
	if c.State() == StateHealthy {
		c.setState(StateUnhealthy)
	}
}

// kill stops the current process. The caller holds c.mu.
func (c *Controller) kill() {
	c.setBinding(nil)
	if c.proc == nil {
		return
	}
	proc := c.proc
	c.proc = nil
	if err := proc.Terminate(c.cfg.KillGrace.Std()); err != nil {
		c.logger.Error("failed to stop server pid %d: %v", proc.PID(), err)
	}
	c.removePidFile()
}

func (c *Controller) removePidFile() {
	if c.deps.PidFile == nil {
		return
	}
	if err := c.deps.PidFile.Remove(); err != nil {
		c.logger.Warn("%v", err)
	}
}

func (c *Controller) reapOrphan() {
	rec, err := c.deps.PidFile.Read()
	if err != nil {
		return
	}
	if rec.PID != os.Getpid() && pidfile.Alive(rec.PID) {
		c.logger.Warn("stopping orphaned server pid %d (port %d, workspace %s)", rec.PID, rec.Port, rec.Workspace)
		killOrphan(rec.PID, c.cfg.KillGrace.Std())
	}
	c.removePidFile()
}

func (c *Controller) emit(stage progress.Stage, msg string) {
	_ = progress.Dispatch(c.deps.Progress, progress.Update{
		Source:    "server",
		Stage:     stage,
		Message:   msg,
		Percent:   -1,
		Ephemeral: stage == progress.StageServer,
	})
}

// lineTail keeps the last n lines written to it.
type lineTail struct {
	mu    sync.Mutex
	n     int
	lines []string
}

func newLineTail(n int) *lineTail {
	return &lineTail{n: n}
}

func (t *lineTail) add(line string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.lines = append(t.lines, line)
	if len(t.lines) > t.n {
		t.lines = t.lines[len(t.lines)-t.n:]
	}
}

func (t *lineTail) reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.lines = nil
}

func (t *lineTail) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return strings.Join(t.lines, "\n")
}
