// Package backend is the downstream contract of the execution stack: it ties the
// environment manager, server controller, kernel registry and execution client
// together behind EnsureServer, Execute, Interrupt and Stop.
package backend

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"

	"github.com/CelVoxes/Axon-sub004/internal/config"
	"github.com/CelVoxes/Axon-sub004/internal/execution"
	"github.com/CelVoxes/Axon-sub004/internal/kernelerr"
	"github.com/CelVoxes/Axon-sub004/internal/kernels"
	"github.com/CelVoxes/Axon-sub004/internal/kernelspec"
	"github.com/CelVoxes/Axon-sub004/internal/logger"
	"github.com/CelVoxes/Axon-sub004/internal/pidfile"
	"github.com/CelVoxes/Axon-sub004/internal/ports"
	"github.com/CelVoxes/Axon-sub004/internal/progress"
	"github.com/CelVoxes/Axon-sub004/internal/pyenv"
	"github.com/CelVoxes/Axon-sub004/internal/server"
)

// OutputSink receives progressive output of every execution.
type OutputSink func(correlationID, text string)

// Status is a snapshot of the backend for health reporting.
type Status struct {
	State        server.State `json:"state"`
	Workspace    string       `json:"workspace,omitempty"`
	Port         int          `json:"port,omitempty"`
	PID          int          `json:"pid,omitempty"`
	KernelSpec   string       `json:"kernel_spec,omitempty"`
	Provisioning bool         `json:"provisioning"`
}

// Backend is safe for concurrent use.
type Backend struct {
	cfg    config.KernelConfig
	logger *logger.Logger

	envs       *pyenv.Manager
	controller *server.Controller
	registry   *kernels.Registry
	progress   *progress.Broadcaster

	sinksMu sync.RWMutex
	sinks   []OutputSink
}

type options struct {
	deps        server.Deps
	managerOpts []pyenv.Option
}

// Option customizes the collaborators of a Backend.
type Option func(*options)

// WithEnvironments replaces the environment manager used by the server controller.
func WithEnvironments(e server.Environments) Option {
	return func(o *options) { o.deps.Environments = e }
}

// WithPorts replaces the port allocator.
func WithPorts(p server.PortAllocator) Option {
	return func(o *options) { o.deps.Ports = p }
}

// WithSpecs replaces the kernel spec store.
func WithSpecs(s server.SpecStore) Option {
	return func(o *options) { o.deps.Specs = s }
}

// WithLauncher replaces the process launcher.
func WithLauncher(l server.Launcher) Option {
	return func(o *options) { o.deps.Launcher = l }
}

// WithClientFactory replaces how REST clients for the server are built.
func WithClientFactory(f server.ClientFactory) Option {
	return func(o *options) { o.deps.NewClient = f }
}

// WithPidFile overrides where the server pid is recorded. nil disables the pid file.
func WithPidFile(p *pidfile.Pidfile) Option {
	return func(o *options) { o.deps.PidFile = p }
}

// WithManagerOptions passes options to the default environment manager.
func WithManagerOptions(opts ...pyenv.Option) Option {
	return func(o *options) { o.managerOpts = append(o.managerOpts, opts...) }
}

// New wires a backend from cfg.
func New(cfg *config.Config, opts ...Option) *Backend {
	b := &Backend{
		cfg:      cfg.Kernel,
		logger:   logger.Global().WithPrefix("backend"),
		registry: kernels.NewRegistry(cfg.Kernel.DefaultKernelSpec, kernels.WithCreateTimeout(cfg.Kernel.StartupTimeout.Std())),
		progress: &progress.Broadcaster{},
	}

	o := &options{}
	if cfg.StateDir != "" {
		o.deps.PidFile = pidfile.New(filepath.Join(cfg.StateDir, "server.pid"))
	}
	for _, opt := range opts {
		opt(o)
	}

	standalone := pyenv.NewStandalone(cfg.Kernel.StandalonePython, cfg.CacheDir)
	standalone.SetProgressCallback(b.progress.Callback())
	managerOpts := append([]pyenv.Option{
		pyenv.WithProvisioner(standalone),
		pyenv.WithProgress(b.progress.Callback()),
	}, o.managerOpts...)
	b.envs = pyenv.NewManager(cfg.Kernel, managerOpts...)

	deps := o.deps
	if deps.Environments == nil {
		deps.Environments = b.envs
	}
	if deps.Ports == nil {
		deps.Ports = ports.NewAllocator(cfg.Kernel.FallbackPortRange)
	}
	if deps.Specs == nil {
		deps.Specs = kernelspec.NewStore()
	}
	deps.Progress = b.progress.Callback()

	b.controller = server.NewController(cfg.Kernel, deps)
	b.controller.OnReset(b.registry.Reset)
	return b
}

// CanonicalWorkspace returns the absolute, symlink-free form of path used as the
// workspace key everywhere.
func CanonicalWorkspace(path string) (string, error) {
	if path == "" {
		return "", fmt.Errorf("workspace path is empty")
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("failed to resolve workspace %s: %w", path, err)
	}
	resolved, err := filepath.EvalSymlinks(abs)
	if err != nil {
		if os.IsNotExist(err) {
			return "", fmt.Errorf("workspace %s does not exist", abs)
		}
		return "", fmt.Errorf("failed to resolve workspace %s: %w", abs, err)
	}
	return filepath.Clean(resolved), nil
}

// OnOutput registers a sink for the output of every execution.
func (b *Backend) OnOutput(sink OutputSink) {
	if sink == nil {
		return
	}
	b.sinksMu.Lock()
	defer b.sinksMu.Unlock()
	b.sinks = append(b.sinks, sink)
}

// OnProgress registers cb for provisioning, install and server startup updates.
func (b *Backend) OnProgress(cb progress.Callback) {
	b.progress.Subscribe(cb)
}

func (b *Backend) publish(correlationID, text string) {
	b.sinksMu.RLock()
	sinks := append([]OutputSink(nil), b.sinks...)
	b.sinksMu.RUnlock()
	for _, sink := range sinks {
		sink(correlationID, text)
	}
}

// EnsureServer makes sure a healthy server is bound to workspace.
func (b *Backend) EnsureServer(ctx context.Context, workspace string) error {
	ws, err := CanonicalWorkspace(workspace)
	if err != nil {
		return err
	}
	_, err = b.controller.Ensure(ctx, ws)
	return err
}

// ExecuteOption customizes one Execute call.
type ExecuteOption func(*execution.Request)

// WithOutput delivers progressive output of this call to fn, in addition to the
// registered sinks.
func WithOutput(fn func(text string)) ExecuteOption {
	return func(r *execution.Request) {
		prev := r.OnOutput
		r.OnOutput = func(text string) {
			prev(text)
			fn(text)
		}
	}
}

// Execute runs code in the kernel of workspace, starting the server and the kernel
// as needed. An empty correlationID is replaced by a generated one, which is
// returned in the result.
func (b *Backend) Execute(ctx context.Context, code, workspace, correlationID string, opts ...ExecuteOption) (*execution.Result, error) {
	if correlationID == "" {
		correlationID = uuid.NewString()
	}
	result := &execution.Result{CorrelationID: correlationID}

	ws, err := CanonicalWorkspace(workspace)
	if err != nil {
		return result, err
	}

	binding, err := b.controller.Ensure(ctx, ws)
	if err != nil {
		return result, err
	}

	kernelID, err := b.registry.GetOrCreate(ctx, binding.Client, ws, binding.KernelSpec)
	if err != nil {
		return result, err
	}

	req := execution.Request{
		KernelID: kernelID,
		Code:     code,
		OnOutput: func(text string) { b.publish(correlationID, text) },
	}
	for _, opt := range opts {
		opt(&req)
	}

	b.logger.Debug("execute %s on kernel %s (%d bytes)", correlationID, kernelID, len(code))
	res, err := execution.NewClient(binding.Client, execution.OptionsFromConfig(b.cfg)).Execute(ctx, req)
	if res != nil {
		result = res
	}
	result.CorrelationID = correlationID

	if kernelerr.Is(err, kernelerr.ConnectionTimeout) {
		b.logger.Warn("kernel %s of %s unreachable, forgetting it", kernelID, ws)
		b.registry.Invalidate(ws)
	}
	return result, err
}

// Interrupt interrupts the running execution of workspace's kernel.
func (b *Backend) Interrupt(ctx context.Context, workspace string) error {
	ws, err := CanonicalWorkspace(workspace)
	if err != nil {
		return err
	}

	binding, ok := b.controller.Binding()
	if !ok || binding.Workspace != ws {
		return kernelerr.New(kernelerr.NoActiveKernel, "backend.Interrupt", "no server is running for "+ws)
	}
	kernelID, ok := b.registry.Lookup(ws)
	if !ok {
		return kernelerr.New(kernelerr.NoActiveKernel, "backend.Interrupt", "no kernel is running for "+ws)
	}

	if err := binding.Client.InterruptKernel(ctx, kernelID); err != nil {
		return fmt.Errorf("failed to interrupt kernel %s: %w", kernelID, err)
	}
	b.logger.Info("interrupted kernel %s of %s", kernelID, ws)
	return nil
}

// Stop cancels environment work in progress and stops the server.
func (b *Backend) Stop(ctx context.Context) error {
	b.envs.CancelCreate()
	b.envs.CancelInstall()
	return b.controller.Stop(ctx)
}

// Status reports the server state and binding.
func (b *Backend) Status() Status {
	s := Status{
		State:        b.controller.State(),
		Provisioning: b.envs.Provisioning(),
	}
	if binding, ok := b.controller.Binding(); ok {
		s.Workspace = binding.Workspace
		s.Port = binding.Port
		s.PID = binding.PID
		s.KernelSpec = binding.KernelSpec
	}
	return s
}

// Close stops the server and releases background resources.
func (b *Backend) Close() error {
	err := b.Stop(context.Background())
	if cerr := b.envs.Close(); err == nil {
		err = cerr
	}
	return err
}
