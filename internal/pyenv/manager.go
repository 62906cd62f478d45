package pyenv

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/CelVoxes/Axon-sub004/internal/config"
	"github.com/CelVoxes/Axon-sub004/internal/kernelerr"
	"github.com/CelVoxes/Axon-sub004/internal/logger"
	"github.com/CelVoxes/Axon-sub004/internal/progress"
)

const packageCheckTimeout = 30 * time.Second

// Provisioner installs an interpreter out of band when none is available.
type Provisioner interface {
	// InterpreterPath returns the provisioned interpreter, or "" if not installed yet.
	InterpreterPath() string
	Provision(ctx context.Context) (string, error)
}

// Manager resolves the environment of each workspace.
type Manager struct {
	cfg         config.KernelConfig
	runner      CommandRunner
	goos        string
	home        string
	lookPath    func(string) (string, error)
	provisioner Provisioner
	progress    progress.Callback
	logger      *logger.Logger

	mu      sync.Mutex
	memo    map[string]*Environment
	watcher *envWatcher

	createMu     sync.Mutex
	cancelMu     sync.Mutex
	createCancel context.CancelFunc

	installMu     sync.Mutex
	installCancel context.CancelFunc

	provisioning atomic.Bool
	provisionWG  sync.WaitGroup
}

// Option configures a Manager.
type Option func(*Manager)

// WithRunner replaces the command runner.
func WithRunner(r CommandRunner) Option {
	return func(m *Manager) { m.runner = r }
}

// WithPlatform overrides the GOOS used for layouts and candidates.
func WithPlatform(goos string) Option {
	return func(m *Manager) { m.goos = goos }
}

// WithHome overrides the home directory scanned for version managers.
func WithHome(home string) Option {
	return func(m *Manager) { m.home = home }
}

// WithLookPath replaces PATH resolution of bare candidate names.
func WithLookPath(fn func(string) (string, error)) Option {
	return func(m *Manager) { m.lookPath = fn }
}

// WithProvisioner sets the out-of-band interpreter installer.
func WithProvisioner(p Provisioner) Option {
	return func(m *Manager) { m.provisioner = p }
}

// WithProgress sets the callback receiving environment progress updates.
func WithProgress(cb progress.Callback) Option {
	return func(m *Manager) { m.progress = cb }
}

// NewManager creates an environment manager.
func NewManager(cfg config.KernelConfig, opts ...Option) *Manager {
	home, _ := os.UserHomeDir()
	m := &Manager{
		cfg:      cfg,
		runner:   ExecRunner{},
		goos:     runtime.GOOS,
		home:     home,
		lookPath: exec.LookPath,
		memo:     make(map[string]*Environment),
		logger:   logger.Global().WithPrefix("pyenv"),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Ensure returns the environment of workspace, creating one if none exists in the
// workspace or its ancestors.
func (m *Manager) Ensure(ctx context.Context, workspace string) (*Environment, error) {
	if env := m.cached(workspace); env != nil {
		return env, nil
	}

	if dir, ok := m.FindExisting(workspace); ok {
		env := LayoutFor(m.goos, filepath.Join(dir, m.cfg.EnvironmentDirName), fileExists)
		m.logger.Info("using existing environment %s for %s", env.Root, workspace)
		m.remember(workspace, &env)
		return &env, nil
	}

	interpreter, _, err := m.SelectInterpreter(ctx)
	if err != nil {
		if kernelerr.Is(err, kernelerr.EnvironmentMissingInterpreter) {
			m.startProvisioning()
		}
		return nil, err
	}

	env, err := m.create(ctx, interpreter, filepath.Join(workspace, m.cfg.EnvironmentDirName))
	if err != nil {
		return nil, err
	}
	m.remember(workspace, env)
	return env, nil
}

func (m *Manager) cached(workspace string) *Environment {
	m.mu.Lock()
	defer m.mu.Unlock()
	env, ok := m.memo[workspace]
	if !ok {
		return nil
	}
	if !usableInterpreter(m.goos, env.Interpreter) {
		delete(m.memo, workspace)
		return nil
	}
	return env
}

func (m *Manager) remember(workspace string, env *Environment) {
	m.mu.Lock()
	m.memo[workspace] = env
	m.mu.Unlock()

	if err := m.watch(env); err != nil {
		m.logger.Debug("not watching %s: %v", env.Root, err)
	}
}

// Forget drops memoized environments whose root contains path.
func (m *Manager) Forget(path string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for ws, env := range m.memo {
		if path == env.Root || strings.HasPrefix(path, env.Root+string(filepath.Separator)) {
			m.logger.Debug("environment %s changed, forgetting it for %s", env.Root, ws)
			delete(m.memo, ws)
		}
	}
}

func (m *Manager) create(ctx context.Context, interpreter, root string) (*Environment, error) {
	m.createMu.Lock()
	defer m.createMu.Unlock()

	createCtx, cancel := context.WithTimeout(ctx, m.cfg.EnvCreateTimeout.Std())
	m.cancelMu.Lock()
	m.createCancel = cancel
	m.cancelMu.Unlock()
	defer func() {
		m.cancelMu.Lock()
		m.createCancel = nil
		m.cancelMu.Unlock()
		cancel()
	}()

	_, statErr := os.Stat(root)
	preexisting := statErr == nil

	m.logger.Info("creating environment %s with %s", root, interpreter)
	m.emit(progress.Update{Stage: progress.StageCreate, Message: "Creating Python environment in " + root, Percent: -1, Ephemeral: true})

	out, err := m.runner.Run(createCtx, interpreter, "-m", "venv", root)
	if err != nil {
		if !preexisting {
			_ = os.RemoveAll(root)
		}
		switch {
		case errors.Is(createCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil:
			return nil, kernelerr.Wrap(kernelerr.EnvironmentCreateTimeout, "pyenv.create", createCtx.Err(),
				"creating %s timed out after %s", root, m.cfg.EnvCreateTimeout.Std())
		case createCtx.Err() != nil:
			return nil, kernelerr.Wrap(kernelerr.Cancelled, "pyenv.create", createCtx.Err(), "environment creation cancelled")
		default:
			return nil, kernelerr.Wrap(kernelerr.EnvironmentCreateFailed, "pyenv.create", err,
				"%s -m venv %s failed", interpreter, root).WithDetails(out.Combined())
		}
	}

	env := LayoutFor(m.goos, root, fileExists)
	if !usableInterpreter(m.goos, env.Interpreter) {
		return nil, kernelerr.New(kernelerr.EnvironmentCreateFailed, "pyenv.create",
			fmt.Sprintf("environment created but %s is missing", env.Interpreter)).WithDetails(out.Combined())
	}
	return &env, nil
}

// CancelCreate aborts an in-flight environment creation, if any.
func (m *Manager) CancelCreate() {
	m.cancelMu.Lock()
	defer m.cancelMu.Unlock()
	if m.createCancel != nil {
		m.createCancel()
	}
}

// InstallIfMissing installs those of pkgs that the environment does not have yet.
func (m *Manager) InstallIfMissing(ctx context.Context, env *Environment, pkgs []string) error {
	m.installMu.Lock()
	defer m.installMu.Unlock()

	installCtx, cancel := context.WithTimeout(ctx, m.cfg.InstallTimeout.Std())
	m.cancelMu.Lock()
	m.installCancel = cancel
	m.cancelMu.Unlock()
	defer func() {
		m.cancelMu.Lock()
		m.installCancel = nil
		m.cancelMu.Unlock()
		cancel()
	}()

	var missing []string
	for _, pkg := range pkgs {
		ok, err := m.hasPackage(installCtx, env, pkg)
		if err != nil {
			return m.installError(ctx, installCtx, err, Output{})
		}
		if !ok {
			missing = append(missing, pkg)
		}
	}
	if len(missing) == 0 {
		return nil
	}

	m.logger.Info("installing %s into %s", strings.Join(missing, " "), env.Root)
	m.emit(progress.Update{Stage: progress.StageInstall, Message: "Installing " + strings.Join(missing, ", "), Percent: -1, Ephemeral: true})

	args := append([]string{"install"}, missing...)
	out, err := m.runner.Run(installCtx, env.PackageManager, args...)
	if err != nil {
		return m.installError(ctx, installCtx, err, out)
	}
	return nil
}

func (m *Manager) hasPackage(ctx context.Context, env *Environment, pkg string) (bool, error) {
	checkCtx, cancel := context.WithTimeout(ctx, packageCheckTimeout)
	defer cancel()

	_, err := m.runner.Run(checkCtx, env.PackageManager, "show", PackageName(pkg))
	if err == nil {
		return true, nil
	}
	if ctx.Err() != nil {
		return false, ctx.Err()
	}
	return false, nil
}

func (m *Manager) installError(parent, installCtx context.Context, err error, out Output) error {
	switch {
	case errors.Is(installCtx.Err(), context.DeadlineExceeded) && parent.Err() == nil:
		return kernelerr.Wrap(kernelerr.EnvironmentInstallFailed, "pyenv.install", installCtx.Err(),
			"package installation timed out after %s", m.cfg.InstallTimeout.Std()).WithDetails(strings.TrimSpace(out.Stderr))
	case installCtx.Err() != nil:
		return kernelerr.Wrap(kernelerr.Cancelled, "pyenv.install", installCtx.Err(), "package installation cancelled")
	default:
		return kernelerr.Wrap(kernelerr.EnvironmentInstallFailed, "pyenv.install", err,
			"package installation failed").WithDetails(strings.TrimSpace(out.Stderr))
	}
}

// CancelInstall aborts an in-flight package installation, if any.
func (m *Manager) CancelInstall() {
	m.cancelMu.Lock()
	defer m.cancelMu.Unlock()
	if m.installCancel != nil {
		m.installCancel()
	}
}

// PackageName strips version specifiers and extras from a requirement string.
func PackageName(requirement string) string {
	name := strings.TrimSpace(requirement)
	if i := strings.IndexAny(name, "<>=!~[; "); i >= 0 {
		name = name[:i]
	}
	return name
}

func (m *Manager) startProvisioning() {
	if m.provisioner == nil || !m.cfg.AutoProvision {
		return
	}
	if !m.provisioning.CompareAndSwap(false, true) {
		return
	}
	m.provisionWG.Add(1)
	go func() {
		defer m.provisionWG.Done()
		defer m.provisioning.Store(false)
		path, err := m.provisioner.Provision(context.Background())
		if err != nil {
			m.logger.Error("interpreter provisioning failed: %v", err)
			return
		}
		m.logger.Info("provisioned interpreter %s", path)
	}()
}

// Provisioning reports whether a background interpreter install is running.
func (m *Manager) Provisioning() bool {
	return m.provisioning.Load()
}

func (m *Manager) emit(u progress.Update) {
	if m.progress == nil {
		return
	}
	u.Source = "environment"
	_ = progress.Dispatch(m.progress, u)
}

// Close stops the watcher and waits for background provisioning to finish.
func (m *Manager) Close() error {
	m.mu.Lock()
	w := m.watcher
	m.watcher = nil
	m.mu.Unlock()

	var err error
	if w != nil {
		err = w.Close()
	}
	m.provisionWG.Wait()
	return err
}
