package server

import (
	"context"
	"sync"
	"time"

	"github.com/CelVoxes/Axon-sub004/internal/kernelerr"
	"github.com/CelVoxes/Axon-sub004/internal/pyenv"
)

type fakeProcess struct {
	pid    int
	events chan Event
	done   chan struct{}
	once   sync.Once

	mu         sync.Mutex
	terminated bool
}

func newFakeProcess(pid int) *fakeProcess {
	return &fakeProcess{pid: pid, events: make(chan Event, 64), done: make(chan struct{})}
}

func (p *fakeProcess) PID() int              { return p.pid }
func (p *fakeProcess) Events() <-chan Event  { return p.events }
func (p *fakeProcess) Done() <-chan struct{} { return p.done }

func (p *fakeProcess) stderr(line string) {
	p.events <- Event{Kind: EventStderr, Line: line}
}

func (p *fakeProcess) Terminate(time.Duration) error {
	p.mu.Lock()
	p.terminated = true
	p.mu.Unlock()
	p.exit(-1)
	return nil
}

func (p *fakeProcess) exit(code int) {
	p.once.Do(func() {
		close(p.done)
		p.events <- Event{Kind: EventExited, ExitCode: code}
		close(p.events)
	})
}

func (p *fakeProcess) wasTerminated() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.terminated
}

type fakeLauncher struct {
	mu       sync.Mutex
	specs    []LaunchSpec
	procs    []*fakeProcess
	onLaunch func(p *fakeProcess)
	err      error
}

func (l *fakeLauncher) Launch(_ context.Context, spec LaunchSpec) (Process, error) {
	l.mu.Lock()
	if l.err != nil {
		l.mu.Unlock()
		return nil, l.err
	}
	p := newFakeProcess(1000 + len(l.procs))
	l.specs = append(l.specs, spec)
	l.procs = append(l.procs, p)
	hook := l.onLaunch
	l.mu.Unlock()

	if hook != nil {
		hook(p)
	}
	return p, nil
}

func (l *fakeLauncher) launched() ([]LaunchSpec, []*fakeProcess) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]LaunchSpec{}, l.specs...), append([]*fakeProcess{}, l.procs...)
}

type fakeEnvs struct {
	env        *pyenv.Environment
	ensureErr  error
	installErr error

	mu       sync.Mutex
	installs [][]string
}

func (f *fakeEnvs) Ensure(context.Context, string) (*pyenv.Environment, error) {
	if f.ensureErr != nil {
		return nil, f.ensureErr
	}
	return f.env, nil
}

func (f *fakeEnvs) InstallIfMissing(_ context.Context, _ *pyenv.Environment, pkgs []string) error {
	f.mu.Lock()
	f.installs = append(f.installs, pkgs)
	f.mu.Unlock()
	return f.installErr
}

type fakePorts struct {
	port int
	err  error
}

func (f fakePorts) EnsureAvailable(context.Context, int) (int, error) {
	if f.err != nil {
		return 0, f.err
	}
	return f.port, nil
}

type fakeSpecs struct {
	mu     sync.Mutex
	ensure []string
}

func (f *fakeSpecs) Ensure(workspace string, _ *pyenv.Environment) (string, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ensure = append(f.ensure, workspace)
	return "axon-test-00000000", true, nil
}

func (f *fakeSpecs) RemoveOrphans(string, *pyenv.Environment) ([]string, error) {
	return nil, nil
}

var errNoPort = kernelerr.New(kernelerr.PortExhausted, "ports.FindInRange", "no free port")
