// Package ports finds and frees local TCP ports for the execution server.
package ports

import (
	"context"
	"fmt"
	"math/rand"
	"net"
	"strconv"
	"time"

	"github.com/CelVoxes/Axon-sub004/internal/config"
	"github.com/CelVoxes/Axon-sub004/internal/kernelerr"
	"github.com/CelVoxes/Axon-sub004/internal/logger"
)

// maxProbeAttempts bounds every sequential search.
const maxProbeAttempts = 10

// Freer attempts to release a port held by another process. Implementations must be
// tolerant: a failure only means the port stays occupied.
type Freer func(ctx context.Context, port int) error

// Allocator probes and allocates loopback TCP ports.
type Allocator struct {
	host        string
	fallback    config.PortRange
	freer       Freer
	settleDelay time.Duration
	rnd         *rand.Rand
	logger      *logger.Logger
}

// Option configures an Allocator.
type Option func(*Allocator)

// WithFreer replaces the platform port freer.
func WithFreer(f Freer) Option {
	return func(a *Allocator) {
		a.freer = f
	}
}

// WithSettleDelay sets how long to wait after freeing before re-probing.
func WithSettleDelay(d time.Duration) Option {
	return func(a *Allocator) {
		a.settleDelay = d
	}
}

// NewAllocator creates an allocator whose fallback ports come from fallback.
func NewAllocator(fallback config.PortRange, opts ...Option) *Allocator {
	a := &Allocator{
		host:        "127.0.0.1",
		fallback:    fallback,
		freer:       FreePortBestEffort,
		settleDelay: 500 * time.Millisecond,
		rnd:         rand.New(rand.NewSource(time.Now().UnixNano())),
		logger:      logger.Global().WithPrefix("ports"),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// IsAvailable reports whether port can currently be bound on the loopback interface.
func (a *Allocator) IsAvailable(port int) bool {
	ln, err := net.Listen("tcp", net.JoinHostPort(a.host, strconv.Itoa(port)))
	if err != nil {
		return false
	}
	_ = ln.Close()
	return true
}

// EnsureAvailable returns port if it is free. Otherwise it tries to free it once and,
// if it is still occupied, returns a free port from the fallback range.
func (a *Allocator) EnsureAvailable(ctx context.Context, port int) (int, error) {
	if a.IsAvailable(port) {
		return port, nil
	}

	a.logger.Warn("port %d is in use, attempting to free it", port)
	if a.freer != nil {
		if err := a.freer(ctx, port); err != nil {
			a.logger.Debug("freeing port %d failed: %v", port, err)
		}
	}

	if a.settleDelay > 0 {
		select {
		case <-time.After(a.settleDelay):
		case <-ctx.Done():
			return 0, kernelerr.Wrap(kernelerr.Cancelled, "ports.ensure", ctx.Err(), "port allocation cancelled")
		}
	}

	if a.IsAvailable(port) {
		a.logger.Info("port %d freed", port)
		return port, nil
	}

	fallback, err := a.FindInRange(a.fallback, port)
	if err != nil {
		return 0, err
	}
	a.logger.Info("port %d still occupied, using fallback port %d", port, fallback)
	return fallback, nil
}

// FindAvailable probes start, start+1, ... and returns the first free port.
func (a *Allocator) FindAvailable(start int) (int, error) {
	for i := 0; i < maxProbeAttempts; i++ {
		port := start + i
		if port > 65535 {
			break
		}
		if a.IsAvailable(port) {
			return port, nil
		}
	}
	return 0, kernelerr.New(kernelerr.PortExhausted, "ports.find",
		fmt.Sprintf("no free port in %d attempts starting at %d", maxProbeAttempts, start))
}

// FindInRange probes r starting at a random offset, wrapping inside the range. The
// excluded port is never returned.
func (a *Allocator) FindInRange(r config.PortRange, exclude int) (int, error) {
	size := r.Max - r.Min + 1
	if size <= 0 {
		return 0, kernelerr.New(kernelerr.PortExhausted, "ports.find",
			fmt.Sprintf("invalid port range %d-%d", r.Min, r.Max))
	}

	offset := a.rnd.Intn(size)
	for i := 0; i < maxProbeAttempts && i < size; i++ {
		port := r.Min + (offset+i)%size
		if port == exclude {
			continue
		}
		if a.IsAvailable(port) {
			return port, nil
		}
	}
	return 0, kernelerr.New(kernelerr.PortExhausted, "ports.find",
		fmt.Sprintf("no free port in range %d-%d after %d attempts", r.Min, r.Max, maxProbeAttempts))
}
