package server

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/CelVoxes/Axon-sub004/internal/config"
	"github.com/CelVoxes/Axon-sub004/internal/jupyter"
	"github.com/CelVoxes/Axon-sub004/internal/jupyter/jupytertest"
	"github.com/CelVoxes/Axon-sub004/internal/kernelerr"
	"github.com/CelVoxes/Axon-sub004/internal/pidfile"
	"github.com/CelVoxes/Axon-sub004/internal/pyenv"
)

type harness struct {
	ctrl     *Controller
	srv      *jupytertest.Server
	launcher *fakeLauncher
	envs     *fakeEnvs
	specs    *fakeSpecs
	resets   *atomic.Int32
	pid      *pidfile.Pidfile
}

func testKernelConfig() config.KernelConfig {
	cfg := config.DefaultKernelConfig()
	cfg.StartupTimeout = config.Duration(3 * time.Second)
	cfg.HealthPollInterval = config.Duration(10 * time.Millisecond)
	cfg.HealthCheckTimeout = config.Duration(500 * time.Millisecond)
	cfg.KillGrace = config.Duration(100 * time.Millisecond)
	cfg.RestartPause = 0
	return cfg
}

func newHarness(t *testing.T, cfg config.KernelConfig, setup func(h *harness)) *harness {
	t.Helper()
	root := t.TempDir()
	env := pyenv.LayoutFor("linux", filepath.Join(root, "venv"), nil)

	h := &harness{
		srv:      jupytertest.NewServer(""),
		launcher: &fakeLauncher{},
		envs:     &fakeEnvs{env: &env},
		specs:    &fakeSpecs{},
		resets:   &atomic.Int32{},
		pid:      pidfile.New(filepath.Join(root, "state", "server.pid")),
	}
	t.Cleanup(h.srv.Close)
	if setup != nil {
		setup(h)
	}

	h.ctrl = NewController(cfg, Deps{
		Environments: h.envs,
		Ports:        fakePorts{port: 8888},
		Specs:        h.specs,
		Launcher:     h.launcher,
		NewClient: func(int, string) *jupyter.Client {
			return h.srv.Client()
		},
		PidFile: h.pid,
	})
	h.ctrl.OnReset(func() { h.resets.Add(1) })
	return h
}

func TestEnsure_StartsServer(t *testing.T) {
	h := newHarness(t, testKernelConfig(), nil)

	b, err := h.ctrl.Ensure(context.Background(), "/ws/one")
	require.NoError(t, err)
	assert.Equal(t, StateHealthy, h.ctrl.State())
	assert.Equal(t, "/ws/one", b.Workspace)
	assert.Equal(t, 8888, b.Port)
	assert.Equal(t, "axon-test-00000000", b.KernelSpec)
	assert.NotEmpty(t, b.Token)

	specs, _ := h.launcher.launched()
	require.Len(t, specs, 1)
	spec := specs[0]
	assert.Equal(t, h.envs.env.Interpreter, spec.Path)
	assert.Equal(t, "/ws/one", spec.Dir)
	assert.Equal(t, []string{
		"-m", "jupyter", "server", "--no-browser", "--ip=127.0.0.1", "--port=8888",
		"--ServerApp.token=" + b.Token, "--ServerApp.root_dir=/ws/one",
	}, spec.Args)

	var jupyterPath string
	for _, kv := range spec.Env {
		if strings.HasPrefix(kv, "JUPYTER_PATH=") {
			jupyterPath = strings.TrimPrefix(kv, "JUPYTER_PATH=")
		}
	}
	assert.True(t, strings.HasPrefix(jupyterPath, h.envs.env.ShareDir()))

	assert.Equal(t, [][]string{{"jupyter_server", "ipykernel"}}, h.envs.installs)

	rec, err := h.pid.Read()
	require.NoError(t, err)
	assert.Equal(t, b.PID, rec.PID)
	assert.Equal(t, "/ws/one", rec.Workspace)

	bound, ok := h.ctrl.Binding()
	require.True(t, ok)
	assert.Equal(t, b.PID, bound.PID)
}

func TestEnsure_SameWorkspaceReusesServer(t *testing.T) {
	h := newHarness(t, testKernelConfig(), nil)
	ctx := context.Background()

	first, err := h.ctrl.Ensure(ctx, "/ws/one")
	require.NoError(t, err)
	second, err := h.ctrl.Ensure(ctx, "/ws/one")
	require.NoError(t, err)

	assert.Equal(t, first.PID, second.PID)
	specs, _ := h.launcher.launched()
	assert.Len(t, specs, 1)
	assert.Equal(t, int32(0), h.resets.Load())
}

func TestEnsure_WorkspaceMismatchRestarts(t *testing.T) {
	h := newHarness(t, testKernelConfig(), nil)
	ctx := context.Background()

	first, err := h.ctrl.Ensure(ctx, "/ws/one")
	require.NoError(t, err)
	second, err := h.ctrl.Ensure(ctx, "/ws/two")
	require.NoError(t, err)

	assert.NotEqual(t, first.PID, second.PID)
	assert.Equal(t, "/ws/two", second.Workspace)
	assert.Equal(t, int32(1), h.resets.Load(), "kernel caches cleared exactly once")

	specs, procs := h.launcher.launched()
	require.Len(t, procs, 2)
	assert.True(t, procs[0].wasTerminated())
	assert.False(t, procs[1].wasTerminated())
	assert.Contains(t, specs[1].Args, "--ServerApp.root_dir=/ws/two")
}

func TestEnsure_FailedHealthCheckRestarts(t *testing.T) {
	h := newHarness(t, testKernelConfig(), func(h *harness) {
		h.launcher.onLaunch = func(*fakeProcess) {
			h.srv.Set(func(s *jupytertest.Server) { s.Unhealthy = false })
		}
	})
	ctx := context.Background()

	_, err := h.ctrl.Ensure(ctx, "/ws/one")
	require.NoError(t, err)

	h.srv.Set(func(s *jupytertest.Server) { s.Unhealthy = true })
	_, err = h.ctrl.Ensure(ctx, "/ws/one")
	require.NoError(t, err)

	_, procs := h.launcher.launched()
	require.Len(t, procs, 2)
	assert.True(t, procs[0].wasTerminated())
	assert.Equal(t, int32(1), h.resets.Load())
	assert.Equal(t, StateHealthy, h.ctrl.State())
}

func TestEnsure_HealthFallsBackToAPI(t *testing.T) {
	h := newHarness(t, testKernelConfig(), func(h *harness) {
		h.srv.Set(func(s *jupytertest.Server) { s.NoStatus = true })
	})

	_, err := h.ctrl.Ensure(context.Background(), "/ws/one")
	require.NoError(t, err)
	_, api := h.srv.StatusCalls()
	assert.GreaterOrEqual(t, api, 1)
}

func TestEnsure_StartupTimeout(t *testing.T) {
	cfg := testKernelConfig()
	cfg.StartupTimeout = config.Duration(100 * time.Millisecond)
	h := newHarness(t, cfg, func(h *harness) {
		h.srv.Set(func(s *jupytertest.Server) { s.Unhealthy = true })
	})

	_, err := h.ctrl.Ensure(context.Background(), "/ws/one")
	require.Error(t, err)
	assert.Equal(t, kernelerr.ServerStartupTimeout, kernelerr.KindOf(err))
	assert.Equal(t, StateStopped, h.ctrl.State())

	_, procs := h.launcher.launched()
	require.Len(t, procs, 1)
	assert.True(t, procs[0].wasTerminated(), "timed out server is killed")
	assert.False(t, h.pid.Exists())

	_, ok := h.ctrl.Binding()
	assert.False(t, ok)
}

func TestEnsure_ExitDuringStartup(t *testing.T) {
	h := newHarness(t, testKernelConfig(), func(h *harness) {
		h.srv.Set(func(s *jupytertest.Server) { s.Unhealthy = true })
		h.launcher.onLaunch = func(p *fakeProcess) {
			p.stderr("ModuleNotFoundError: No module named 'jupyter_server'")
			p.exit(1)
		}
	})

	_, err := h.ctrl.Ensure(context.Background(), "/ws/one")
	require.Error(t, err)
	assert.Equal(t, kernelerr.ServerUnhealthy, kernelerr.KindOf(err))
	assert.Contains(t, err.Error(), "No module named 'jupyter_server'")
	assert.Equal(t, StateStopped, h.ctrl.State())
}

func TestEnsure_CrashWhileHealthy(t *testing.T) {
	h := newHarness(t, testKernelConfig(), nil)
	ctx := context.Background()

	_, err := h.ctrl.Ensure(ctx, "/ws/one")
	require.NoError(t, err)

	_, procs := h.launcher.launched()
	procs[0].exit(137)
	assert.Eventually(t, func() bool { return h.ctrl.State() == StateUnhealthy }, 2*time.Second, 10*time.Millisecond)

	b, err := h.ctrl.Ensure(ctx, "/ws/one")
	require.NoError(t, err)
	_, procs = h.launcher.launched()
	require.Len(t, procs, 2)
	assert.Equal(t, procs[1].PID(), b.PID)
	assert.Equal(t, int32(1), h.resets.Load())
}

func TestEnsure_EnvironmentErrorAborts(t *testing.T) {
	h := newHarness(t, testKernelConfig(), func(h *harness) {
		h.envs.ensureErr = kernelerr.New(kernelerr.EnvironmentMissingInterpreter, "pyenv.SelectInterpreter", "no Python interpreter >= 3.9 found")
	})

	_, err := h.ctrl.Ensure(context.Background(), "/ws/one")
	assert.Equal(t, kernelerr.EnvironmentMissingInterpreter, kernelerr.KindOf(err))
	specs, _ := h.launcher.launched()
	assert.Empty(t, specs)
	assert.Equal(t, StateStopped, h.ctrl.State())
}

func TestEnsure_InstallErrorAborts(t *testing.T) {
	h := newHarness(t, testKernelConfig(), func(h *harness) {
		h.envs.installErr = kernelerr.New(kernelerr.EnvironmentInstallFailed, "pyenv.install", "package installation failed").
			WithDetails("ERROR: Could not find a version that satisfies the requirement ipykernel")
	})

	_, err := h.ctrl.Ensure(context.Background(), "/ws/one")
	assert.Equal(t, kernelerr.EnvironmentInstallFailed, kernelerr.KindOf(err))
	assert.Contains(t, err.Error(), "Could not find a version")
	specs, _ := h.launcher.launched()
	assert.Empty(t, specs)
}

func TestEnsure_PortErrorAborts(t *testing.T) {
	h := newHarness(t, testKernelConfig(), nil)
	h.ctrl.deps.Ports = fakePorts{err: errNoPort}

	_, err := h.ctrl.Ensure(context.Background(), "/ws/one")
	assert.True(t, errors.Is(err, kernelerr.PortExhausted))
}

func TestEnsure_LaunchError(t *testing.T) {
	h := newHarness(t, testKernelConfig(), func(h *harness) {
		h.launcher.err = errors.New("exec: no such file")
	})

	_, err := h.ctrl.Ensure(context.Background(), "/ws/one")
	assert.Equal(t, kernelerr.ServerUnhealthy, kernelerr.KindOf(err))
	assert.Equal(t, StateStopped, h.ctrl.State())
}

func TestEnsure_Cancelled(t *testing.T) {
	h := newHarness(t, testKernelConfig(), func(h *harness) {
		h.srv.Set(func(s *jupytertest.Server) { s.Unhealthy = true })
	})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := h.ctrl.Ensure(ctx, "/ws/one")
	assert.True(t, kernelerr.Is(err, kernelerr.Cancelled))
}

func TestStop(t *testing.T) {
	h := newHarness(t, testKernelConfig(), nil)

	_, err := h.ctrl.Ensure(context.Background(), "/ws/one")
	require.NoError(t, err)
	require.True(t, h.pid.Exists())

	require.NoError(t, h.ctrl.Stop(context.Background()))
	assert.Equal(t, StateStopped, h.ctrl.State())
	assert.Equal(t, int32(1), h.resets.Load())
	assert.False(t, h.pid.Exists())

	_, procs := h.launcher.launched()
	assert.True(t, procs[0].wasTerminated())

	// Stopping twice is harmless.
	require.NoError(t, h.ctrl.Stop(context.Background()))
}

func TestStop_AbortsPendingStart(t *testing.T) {
	cfg := testKernelConfig()
	cfg.StartupTimeout = config.Duration(30 * time.Second)
	h := newHarness(t, cfg, func(h *harness) {
		h.srv.Set(func(s *jupytertest.Server) { s.Unhealthy = true })
	})

	errc := make(chan error, 1)
	go func() {
		_, err := h.ctrl.Ensure(context.Background(), "/ws/one")
		errc <- err
	}()
	require.Eventually(t, func() bool {
		_, procs := h.launcher.launched()
		return len(procs) == 1
	}, 2*time.Second, 5*time.Millisecond)

	stopped := make(chan error, 1)
	go func() { stopped <- h.ctrl.Stop(context.Background()) }()

	select {
	case err := <-stopped:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Stop waited for the startup timeout")
	}

	err := <-errc
	assert.True(t, kernelerr.Is(err, kernelerr.Cancelled))
	assert.Equal(t, StateStopped, h.ctrl.State())
	_, procs := h.launcher.launched()
	assert.True(t, procs[0].wasTerminated())
	assert.False(t, h.pid.Exists())
}

func TestServerEnv(t *testing.T) {
	env := pyenv.LayoutFor("linux", "/ws/venv", nil)
	out := serverEnv([]string{"HOME=/home/me", "PATH=/usr/bin", "JUPYTER_PATH=/extra", "VIRTUAL_ENV=/old"}, &env)

	assert.Contains(t, out, "HOME=/home/me")
	assert.Contains(t, out, "JUPYTER_PATH="+filepath.Join("/ws/venv", "share", "jupyter")+string(filepath.ListSeparator)+"/extra")
	assert.Contains(t, out, "PATH="+filepath.Join("/ws/venv", "bin")+string(filepath.ListSeparator)+"/usr/bin")
	assert.Contains(t, out, "VIRTUAL_ENV=/ws/venv")
	assert.NotContains(t, out, "VIRTUAL_ENV=/old")
}
