package kernels

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/CelVoxes/Axon-sub004/internal/jupyter"
	"github.com/CelVoxes/Axon-sub004/internal/jupyter/jupytertest"
	"github.com/CelVoxes/Axon-sub004/internal/kernelerr"
)

const spec = "axon-project-1234abcd"

func newServer(t *testing.T) *jupytertest.Server {
	t.Helper()
	srv := jupytertest.NewServer("tok")
	t.Cleanup(srv.Close)
	return srv
}

func TestGetOrCreate_CreatesAndCaches(t *testing.T) {
	srv := newServer(t)
	r := NewRegistry("python3")
	ctx := context.Background()

	id, err := r.GetOrCreate(ctx, srv.Client(), "/ws/a", spec)
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	again, err := r.GetOrCreate(ctx, srv.Client(), "/ws/a", spec)
	require.NoError(t, err)
	assert.Equal(t, id, again)
	assert.Equal(t, 1, srv.CreateCalls())

	cached, ok := r.Lookup("/ws/a")
	require.True(t, ok)
	assert.Equal(t, id, cached)
}

func TestGetOrCreate_ConcurrentCallersShareOneKernel(t *testing.T) {
	srv := newServer(t)
	srv.Set(func(s *jupytertest.Server) { s.CreateDelay = 100 * time.Millisecond })
	r := NewRegistry("python3")

	const callers = 10
	ids := make([]string, callers)
	errs := make([]error, callers)
	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			ids[i], errs[i] = r.GetOrCreate(context.Background(), srv.Client(), "/ws/a", spec)
		}(i)
	}
	close(start)
	wg.Wait()

	for i := 0; i < callers; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, ids[0], ids[i])
	}
	assert.Equal(t, 1, srv.CreateCalls())
	assert.Len(t, srv.Kernels(), 1)
}

func TestGetOrCreate_DeadKernelReplaced(t *testing.T) {
	srv := newServer(t)
	r := NewRegistry("python3")
	ctx := context.Background()

	first, err := r.GetOrCreate(ctx, srv.Client(), "/ws/a", spec)
	require.NoError(t, err)
	require.True(t, srv.RemoveKernel(first))

	second, err := r.GetOrCreate(ctx, srv.Client(), "/ws/a", spec)
	require.NoError(t, err)
	assert.NotEqual(t, first, second)
	assert.Equal(t, 2, srv.CreateCalls())
}

func TestGetOrCreate_AdoptsLiveKernelWithSpec(t *testing.T) {
	srv := newServer(t)
	srv.AddKernel("python3")
	existing := srv.AddKernel(spec)
	r := NewRegistry("python3")

	id, err := r.GetOrCreate(context.Background(), srv.Client(), "/ws/a", spec)
	require.NoError(t, err)
	assert.Equal(t, existing.ID, id)
	assert.Equal(t, 0, srv.CreateCalls())
}

func TestGetOrCreate_DoesNotAdoptAnotherWorkspacesKernel(t *testing.T) {
	srv := newServer(t)
	r := NewRegistry("python3")
	ctx := context.Background()

	a, err := r.GetOrCreate(ctx, srv.Client(), "/ws/a", "python3")
	require.NoError(t, err)
	b, err := r.GetOrCreate(ctx, srv.Client(), "/ws/b", "python3")
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}

func TestGetOrCreate_FallsBackToDefaultSpec(t *testing.T) {
	srv := newServer(t)
	srv.Set(func(s *jupytertest.Server) {
		s.FailCreate = func(name string) bool { return name == spec }
	})
	r := NewRegistry("python3")

	id, err := r.GetOrCreate(context.Background(), srv.Client(), "/ws/a", spec)
	require.NoError(t, err)
	assert.Equal(t, 2, srv.CreateCalls())

	kernels := srv.Kernels()
	require.Len(t, kernels, 1)
	assert.Equal(t, id, kernels[0].ID)
	assert.Equal(t, "python3", kernels[0].Name)
}

func TestGetOrCreate_BothSpecsFail(t *testing.T) {
	srv := newServer(t)
	srv.Set(func(s *jupytertest.Server) {
		s.FailCreate = func(string) bool { return true }
	})
	r := NewRegistry("python3")

	_, err := r.GetOrCreate(context.Background(), srv.Client(), "/ws/a", spec)
	require.Error(t, err)
	assert.Equal(t, kernelerr.KernelCreateFailed, kernelerr.KindOf(err))
	_, ok := r.Lookup("/ws/a")
	assert.False(t, ok)
}

func TestGetOrCreate_ListFailure(t *testing.T) {
	r := NewRegistry("python3")
	_, err := r.GetOrCreate(context.Background(), failingAPI{}, "/ws/a", spec)
	assert.Equal(t, kernelerr.ServerUnhealthy, kernelerr.KindOf(err))
}

type failingAPI struct{}

func (failingAPI) ListKernels(context.Context) ([]jupyter.Kernel, error) {
	return nil, errors.New("connection refused")
}

func (failingAPI) CreateKernel(context.Context, string) (*jupyter.Kernel, error) {
	return nil, errors.New("connection refused")
}

func TestInvalidateAndReset(t *testing.T) {
	srv := newServer(t)
	r := NewRegistry("python3")
	ctx := context.Background()

	_, err := r.GetOrCreate(ctx, srv.Client(), "/ws/a", "axon-a-00000001")
	require.NoError(t, err)
	_, err = r.GetOrCreate(ctx, srv.Client(), "/ws/b", "axon-b-00000002")
	require.NoError(t, err)

	r.Invalidate("/ws/a")
	_, ok := r.Lookup("/ws/a")
	assert.False(t, ok)
	_, ok = r.Lookup("/ws/b")
	assert.True(t, ok)

	r.Reset()
	_, ok = r.Lookup("/ws/b")
	assert.False(t, ok)
}

func TestReset_DropsInFlightCreation(t *testing.T) {
	srv := newServer(t)
	srv.Set(func(s *jupytertest.Server) { s.CreateDelay = 200 * time.Millisecond })
	r := NewRegistry("python3")

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = r.GetOrCreate(context.Background(), srv.Client(), "/ws/a", spec)
	}()

	require.Eventually(t, func() bool { return srv.CreateCalls() == 1 }, 2*time.Second, 5*time.Millisecond)
	r.Reset()
	<-done

	_, ok := r.Lookup("/ws/a")
	assert.False(t, ok, "kernel created before the reset must not be cached")
}

// slowListAPI delays the result of its first ListKernels call until release is closed,
// returning the list as it was when the call started.
type slowListAPI struct {
	*jupyter.Client

	mu      sync.Mutex
	calls   int
	listed  chan struct{}
	release chan struct{}
}

func (a *slowListAPI) ListKernels(ctx context.Context) ([]jupyter.Kernel, error) {
	a.mu.Lock()
	first := a.calls == 0
	a.calls++
	a.mu.Unlock()

	live, err := a.Client.ListKernels(ctx)
	if first {
		close(a.listed)
		<-a.release
	}
	return live, err
}

func TestGetOrCreate_OutdatedListKeepsNewerKernel(t *testing.T) {
	srv := newServer(t)
	r := NewRegistry("python3")
	api := &slowListAPI{Client: srv.Client(), listed: make(chan struct{}), release: make(chan struct{})}

	late := make(chan string, 1)
	go func() {
		id, err := r.GetOrCreate(context.Background(), api, "/ws/a", spec)
		assert.NoError(t, err)
		late <- id
	}()
	<-api.listed

	id, err := r.GetOrCreate(context.Background(), api, "/ws/a", spec)
	require.NoError(t, err)
	close(api.release)

	select {
	case lateID := <-late:
		assert.Equal(t, id, lateID)
	case <-time.After(5 * time.Second):
		t.Fatal("GetOrCreate did not return")
	}
	assert.Equal(t, 1, srv.CreateCalls())
	assert.Len(t, srv.Kernels(), 1)
	cached, ok := r.Lookup("/ws/a")
	require.True(t, ok)
	assert.Equal(t, id, cached)
}

func TestGetOrCreate_CancelledCallerDoesNotFailOthers(t *testing.T) {
	srv := newServer(t)
	srv.Set(func(s *jupytertest.Server) { s.CreateDelay = 300 * time.Millisecond })
	r := NewRegistry("python3")

	ctxA, cancelA := context.WithCancel(context.Background())
	defer cancelA()
	errA := make(chan error, 1)
	go func() {
		_, err := r.GetOrCreate(ctxA, srv.Client(), "/ws/a", spec)
		errA <- err
	}()
	require.Eventually(t, func() bool { return srv.CreateCalls() == 1 }, 2*time.Second, 5*time.Millisecond)

	type result struct {
		id  string
		err error
	}
	resB := make(chan result, 1)
	go func() {
		id, err := r.GetOrCreate(context.Background(), srv.Client(), "/ws/a", spec)
		resB <- result{id, err}
	}()
	time.Sleep(50 * time.Millisecond)
	cancelA()

	select {
	case err := <-errA:
		assert.True(t, errors.Is(err, kernelerr.Cancelled))
		assert.True(t, errors.Is(err, context.Canceled))
	case <-time.After(time.Second):
		t.Fatal("cancelled caller kept waiting")
	}

	b := <-resB
	require.NoError(t, b.err)
	assert.NotEmpty(t, b.id)
	assert.Equal(t, 1, srv.CreateCalls())

	cached, ok := r.Lookup("/ws/a")
	require.True(t, ok)
	assert.Equal(t, b.id, cached)
}

func TestGetOrCreate_CreateTimeout(t *testing.T) {
	srv := newServer(t)
	srv.Set(func(s *jupytertest.Server) { s.CreateDelay = 500 * time.Millisecond })
	r := NewRegistry("python3", WithCreateTimeout(50*time.Millisecond))

	_, err := r.GetOrCreate(context.Background(), srv.Client(), "/ws/a", spec)
	require.Error(t, err)
	assert.Equal(t, kernelerr.KernelCreateFailed, kernelerr.KindOf(err))
	assert.False(t, errors.Is(err, kernelerr.Cancelled))
}
