// Package pprof wires runtime profiling into the control API and the CLI.
package pprof

import (
	"fmt"
	"net/http"
	netpprof "net/http/pprof"
	"os"
	"path/filepath"
	"runtime/pprof"
	"sync"

	"github.com/julienschmidt/httprouter"

	"github.com/CelVoxes/Axon-sub004/internal/logger"
)

// Mount registers the /debug/pprof endpoints on router.
func Mount(router *httprouter.Router) {
	router.HandlerFunc(http.MethodGet, "/debug/pprof/", netpprof.Index)
	router.HandlerFunc(http.MethodGet, "/debug/pprof/cmdline", netpprof.Cmdline)
	router.HandlerFunc(http.MethodGet, "/debug/pprof/profile", netpprof.Profile)
	router.HandlerFunc(http.MethodGet, "/debug/pprof/symbol", netpprof.Symbol)
	router.HandlerFunc(http.MethodGet, "/debug/pprof/trace", netpprof.Trace)
	for _, name := range []string{"goroutine", "heap", "allocs", "block", "mutex", "threadcreate"} {
		router.Handler(http.MethodGet, "/debug/pprof/"+name, netpprof.Handler(name))
	}
}

// Profiler writes CPU and heap profiles of a process run to files.
type Profiler struct {
	CPUProfile  string
	HeapProfile string

	mu      sync.Mutex
	cpuFile *os.File
	stopped bool
}

// Start begins CPU profiling if a CPU profile path is set.
func (p *Profiler) Start() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.CPUProfile == "" {
		return nil
	}
	f, err := create(p.CPUProfile)
	if err != nil {
		return fmt.Errorf("failed to create CPU profile file: %w", err)
	}
	if err := pprof.StartCPUProfile(f); err != nil {
		f.Close()
		return fmt.Errorf("failed to start CPU profiling: %w", err)
	}
	p.cpuFile = f
	logger.Debug("CPU profile recording to %s", p.CPUProfile)
	return nil
}

// Stop finishes the CPU profile and writes the heap profile. Calling it again is a no-op.
func (p *Profiler) Stop() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.stopped {
		return nil
	}
	p.stopped = true

	var firstErr error
	if p.cpuFile != nil {
		pprof.StopCPUProfile()
		if err := p.cpuFile.Close(); err != nil {
			firstErr = fmt.Errorf("failed to close CPU profile: %w", err)
		}
		p.cpuFile = nil
	}

	if p.HeapProfile != "" {
		if err := writeHeap(p.HeapProfile); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func writeHeap(path string) error {
	f, err := create(path)
	if err != nil {
		return fmt.Errorf("failed to create heap profile file: %w", err)
	}
	defer f.Close()
	if err := pprof.WriteHeapProfile(f); err != nil {
		return fmt.Errorf("failed to write heap profile: %w", err)
	}
	return nil
}

func create(path string) (*os.File, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, err
	}
	return os.Create(path)
}
