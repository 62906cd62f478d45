package server

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/CelVoxes/Axon-sub004/internal/logger"
)

// EventKind classifies supervisor events.
type EventKind int

const (
	EventStdout EventKind = iota
	EventStderr
	EventExited
)

func (k EventKind) String() string {
	switch k {
	case EventStdout:
		return "stdout"
	case EventStderr:
		return "stderr"
	case EventExited:
		return "exited"
	default:
		return "unknown"
	}
}

// Event is emitted by a supervised process.
type Event struct {
	Kind     EventKind
	Line     string
	ExitCode int
	Err      error
}

// LaunchSpec describes the command to start.
type LaunchSpec struct {
	Path string
	Args []string
	Dir  string
	Env  []string
}

// Process is a running child owned by its supervisor.
type Process interface {
	PID() int
	// Events delivers output lines and, last, one EventExited. It is closed after
	// the exit event.
	Events() <-chan Event
	// Done is closed once the process has exited.
	Done() <-chan struct{}
	// Terminate asks the process group to exit and kills it after grace.
	Terminate(grace time.Duration) error
}

// Launcher starts processes.
type Launcher interface {
	Launch(ctx context.Context, spec LaunchSpec) (Process, error)
}

// ExecLauncher starts real child processes in their own process group.
type ExecLauncher struct{}

// Launch starts spec and returns its supervisor.
func (ExecLauncher) Launch(_ context.Context, spec LaunchSpec) (Process, error) {
	cmd := exec.Command(spec.Path, spec.Args...)
	cmd.Dir = spec.Dir
	cmd.Env = spec.Env
	configureProcessGroup(cmd)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start %s: %w", spec.Path, err)
	}

	p := &supervisor{
		cmd:    cmd,
		pgid:   getProcessGroupID(cmd),
		events: make(chan Event, 256),
		done:   make(chan struct{}),
		logger: logger.Global().WithPrefix("server"),
	}

	var readers sync.WaitGroup
	readers.Add(2)
	go p.readLines(stdout, EventStdout, &readers)
	go p.readLines(stderr, EventStderr, &readers)
	go p.wait(&readers)

	return p, nil
}

// supervisor exclusively owns the process handle.
type supervisor struct {
	cmd    *exec.Cmd
	pgid   int
	events chan Event
	done   chan struct{}
	logger *logger.Logger

	termMu sync.Mutex
}

func (p *supervisor) PID() int {
	return p.cmd.Process.Pid
}

func (p *supervisor) Events() <-chan Event {
	return p.events
}

func (p *supervisor) Done() <-chan struct{} {
	return p.done
}

func (p *supervisor) readLines(r io.Reader, kind EventKind, wg *sync.WaitGroup) {
	defer wg.Done()
	err := scanLines(r, func(line string) {
		p.events <- Event{Kind: kind, Line: line}
	})
	if err != nil {
		p.logger.Warn("stopped reading server %s of pid %d: %v", kind, p.PID(), err)
	}
}

const maxLineSize = 1024 * 1024

// scanLines passes every line of r to emit. After a read error or an overlong line the
// rest of r is discarded, so the writer never blocks on a full pipe.
func scanLines(r io.Reader, emit func(string)) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxLineSize)
	for scanner.Scan() {
		emit(scanner.Text())
	}
	err := scanner.Err()
	if err != nil {
		_, _ = io.Copy(io.Discard, r)
	}
	return err
}

func (p *supervisor) wait(readers *sync.WaitGroup) {
	readers.Wait()
	err := p.cmd.Wait()

	ev := Event{Kind: EventExited}
	var exitErr *exec.ExitError
	switch {
	case err == nil:
	case errors.As(err, &exitErr):
		ev.ExitCode = exitErr.ExitCode()
		ev.Err = err
	default:
		ev.ExitCode = -1
		ev.Err = err
	}

	close(p.done)
	p.events <- ev
	close(p.events)
}

func (p *supervisor) Terminate(grace time.Duration) error {
	p.termMu.Lock()
	defer p.termMu.Unlock()

	select {
	case <-p.done:
		return nil
	default:
	}

	if err := terminateGroup(p.cmd.Process, p.pgid); err != nil && !errors.Is(err, os.ErrProcessDone) {
		p.logger.Warn("failed to terminate pid %d: %v", p.PID(), err)
	}

	select {
	case <-p.done:
		return nil
	case <-time.After(grace):
	}

	p.logger.Warn("pid %d did not exit within %s, killing", p.PID(), grace)
	if err := killGroup(p.cmd.Process, p.pgid); err != nil && !errors.Is(err, os.ErrProcessDone) {
		p.logger.Warn("failed to kill pid %d: %v", p.PID(), err)
	}

	select {
	case <-p.done:
		return nil
	case <-time.After(grace):
		return fmt.Errorf("process %d still running after kill", p.PID())
	}
}
