// Package kernels tracks the single live kernel of each workspace.
package kernels

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/CelVoxes/Axon-sub004/internal/jupyter"
	"github.com/CelVoxes/Axon-sub004/internal/kernelerr"
	"github.com/CelVoxes/Axon-sub004/internal/logger"
)

// API is the part of the server REST surface the registry needs.
type API interface {
	ListKernels(ctx context.Context) ([]jupyter.Kernel, error)
	CreateKernel(ctx context.Context, specName string) (*jupyter.Kernel, error)
}

// Registry maps workspaces to kernel ids. Kernel liveness is always checked against
// the server; the cache only remembers ownership.
type Registry struct {
	defaultSpec   string
	createTimeout time.Duration
	logger        *logger.Logger

	mu          sync.RWMutex
	byWorkspace map[string]entry
	generation  uint64
	seq         uint64

	group singleflight.Group
}

// entry is a cached kernel id and the store sequence at which it was cached.
type entry struct {
	id  string
	seq uint64
}

const defaultCreateTimeout = 60 * time.Second

// Option configures a Registry.
type Option func(*Registry)

// WithCreateTimeout bounds a shared kernel creation, independently of any caller.
func WithCreateTimeout(d time.Duration) Option {
	return func(r *Registry) {
		if d > 0 {
			r.createTimeout = d
		}
	}
}

// NewRegistry creates a registry that falls back to defaultSpec when the workspace
// spec cannot start a kernel.
func NewRegistry(defaultSpec string, opts ...Option) *Registry {
	r := &Registry{
		defaultSpec:   defaultSpec,
		createTimeout: defaultCreateTimeout,
		logger:        logger.Global().WithPrefix("kernels"),
		byWorkspace:   make(map[string]entry),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// GetOrCreate returns the live kernel of workspace on the server behind api, adopting
// or creating one as needed. Concurrent calls for one workspace share a single
// creation; a caller that gives up does not cancel it for the others.
func (r *Registry) GetOrCreate(ctx context.Context, api API, workspace, specName string) (string, error) {
	// entries cached after this point are newer than the kernel list below
	since := r.currentSeq()
	live, err := api.ListKernels(ctx)
	if err != nil {
		return "", kernelerr.Wrap(kernelerr.ServerUnhealthy, "kernels.GetOrCreate", err, "failed to list kernels")
	}

	if id, ok := r.validate(workspace, live, since); ok {
		return id, nil
	}

	for _, k := range live {
		if k.Name == specName && !r.owned(k.ID) {
			r.logger.Info("adopting kernel %s (%s) for %s", k.ID, k.Name, workspace)
			r.store(workspace, k.ID, r.currentGeneration())
			return k.ID, nil
		}
	}

	gen := r.currentGeneration()
	flightCtx := context.WithoutCancel(ctx)
	ch := r.group.DoChan(fmt.Sprintf("%d:%s", gen, workspace), func() (interface{}, error) {
		if id, ok := r.Lookup(workspace); ok {
			return id, nil
		}
		createCtx, cancel := context.WithTimeout(flightCtx, r.createTimeout)
		defer cancel()
		id, err := r.create(createCtx, api, specName)
		if err != nil {
			return "", err
		}
		r.store(workspace, id, gen)
		return id, nil
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return "", res.Err
		}
		if res.Shared {
			r.logger.Debug("joined in-flight kernel creation for %s", workspace)
		}
		return res.Val.(string), nil
	case <-ctx.Done():
		return "", kernelerr.Wrap(kernelerr.Cancelled, "kernels.GetOrCreate", ctx.Err(), "stopped waiting for kernel of %s", workspace)
	}
}

// validate returns the cached kernel of workspace if it is still usable. An entry cached
// after the live list was requested is trusted as is; an older one missing from the list
// is dropped.
func (r *Registry) validate(workspace string, live []jupyter.Kernel, since uint64) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.byWorkspace[workspace]
	if !ok {
		return "", false
	}
	if e.seq > since || containsKernel(live, e.id) {
		return e.id, true
	}
	r.logger.Info("kernel %s of %s is gone", e.id, workspace)
	delete(r.byWorkspace, workspace)
	return "", false
}

func (r *Registry) create(ctx context.Context, api API, specName string) (string, error) {
	k, err := api.CreateKernel(ctx, specName)
	if err == nil {
		r.logger.Info("created kernel %s from spec %s", k.ID, specName)
		return k.ID, nil
	}
	if ctx.Err() != nil {
		return "", kernelerr.Wrap(kernelerr.KernelCreateFailed, "kernels.create", err, "kernel creation timed out after %s", r.createTimeout)
	}
	if specName == r.defaultSpec || r.defaultSpec == "" {
		return "", kernelerr.Wrap(kernelerr.KernelCreateFailed, "kernels.create", err, "failed to create kernel from spec %s", specName)
	}

	r.logger.Warn("kernel spec %s failed (%v), retrying with %s", specName, err, r.defaultSpec)
	k, fallbackErr := api.CreateKernel(ctx, r.defaultSpec)
	if fallbackErr != nil {
		return "", kernelerr.Wrap(kernelerr.KernelCreateFailed, "kernels.create", fallbackErr,
			"failed to create kernel from spec %s (%v) and from fallback spec %s", specName, err, r.defaultSpec)
	}
	r.logger.Info("created kernel %s from fallback spec %s", k.ID, r.defaultSpec)
	return k.ID, nil
}

func containsKernel(live []jupyter.Kernel, id string) bool {
	for _, k := range live {
		if k.ID == id {
			return true
		}
	}
	return false
}

func (r *Registry) currentSeq() uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.seq
}

func (r *Registry) currentGeneration() uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.generation
}

// store caches id unless the registry was reset since gen was read.
func (r *Registry) store(workspace, id string, gen uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if gen != r.generation {
		r.logger.Debug("dropping kernel %s created before a reset", id)
		return
	}
	r.seq++
	r.byWorkspace[workspace] = entry{id: id, seq: r.seq}
}

func (r *Registry) owned(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, e := range r.byWorkspace {
		if e.id == id {
			return true
		}
	}
	return false
}

// Lookup returns the cached kernel id of workspace without contacting the server.
func (r *Registry) Lookup(workspace string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.byWorkspace[workspace]
	return e.id, ok
}

// Invalidate forgets the kernel of workspace.
func (r *Registry) Invalidate(workspace string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.byWorkspace, workspace)
}

// Reset forgets every kernel. Creations still in flight will not be cached.
func (r *Registry) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byWorkspace = make(map[string]entry)
	r.generation++
}
