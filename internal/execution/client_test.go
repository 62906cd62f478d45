package execution

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/CelVoxes/Axon-sub004/internal/jupyter/jupytertest"
	"github.com/CelVoxes/Axon-sub004/internal/kernelerr"
)

func testOptions() Options {
	return Options{
		ConnectTimeout: time.Second,
		IdleTimeout:    2 * time.Second,
		MaxAttempts:    3,
		Backoff:        10 * time.Millisecond,
		Username:       "test",
	}
}

func setup(t *testing.T, executor jupytertest.Executor) (*jupytertest.Server, string) {
	t.Helper()
	srv := jupytertest.NewServer("tok")
	t.Cleanup(srv.Close)
	srv.Set(func(s *jupytertest.Server) { s.Executor = executor })
	return srv, srv.AddKernel("python3").ID
}

type recorder struct {
	mu     sync.Mutex
	chunks []string
}

func (r *recorder) add(text string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.chunks = append(r.chunks, text)
}

func (r *recorder) all() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string{}, r.chunks...)
}

func TestExecute_Success(t *testing.T) {
	srv, kernel := setup(t, func(req jupytertest.Request) []jupytertest.Reply {
		return []jupytertest.Reply{
			jupytertest.Idle(),
			jupytertest.Stream("stdout", "hello\n"),
			jupytertest.Result("42", 3),
			jupytertest.Display("<Figure size 640x480>"),
			jupytertest.ExecuteReply("ok", 3),
		}
	})
	rec := &recorder{}

	res, err := NewClient(srv.Client(), testOptions()).Execute(context.Background(), Request{
		KernelID: kernel,
		Code:     "print('hello'); 42",
		OnOutput: rec.add,
	})
	require.NoError(t, err)
	assert.Equal(t, StatusOK, res.Status)
	assert.Equal(t, "hello\n42\n<Figure size 640x480>\n", res.Output)
	assert.Equal(t, 3, res.ExecutionCount)
	assert.Equal(t, []string{"hello\n", "42\n", "<Figure size 640x480>\n"}, rec.all())

	reqs := srv.Requests()
	require.Len(t, reqs, 1)
	assert.Equal(t, "print('hello'); 42", reqs[0].Code)
	assert.Equal(t, res.MsgID, reqs[0].MsgID)
	assert.Equal(t, "execute_request", reqs[0].Raw.Header.MsgType)
	assert.Equal(t, "shell", reqs[0].Raw.Channel)
}

func TestExecute_IgnoresForeignMessages(t *testing.T) {
	srv, kernel := setup(t, func(req jupytertest.Request) []jupytertest.Reply {
		foreignOut := jupytertest.Stream("stdout", "not mine\n")
		foreignOut.Foreign = true
		foreignReply := jupytertest.ExecuteReply("ok", 9)
		foreignReply.Foreign = true
		return []jupytertest.Reply{
			foreignOut,
			foreignReply,
			jupytertest.Stream("stdout", "mine\n"),
			jupytertest.ExecuteReply("ok", 1),
		}
	})

	res, err := NewClient(srv.Client(), testOptions()).Execute(context.Background(), Request{KernelID: kernel, Code: "x"})
	require.NoError(t, err)
	assert.Equal(t, "mine\n", res.Output)
	assert.Equal(t, 1, res.ExecutionCount)
}

func TestExecute_ExecutionError(t *testing.T) {
	srv, kernel := setup(t, func(req jupytertest.Request) []jupytertest.Reply {
		return []jupytertest.Reply{
			jupytertest.Stream("stdout", "partial\n"),
			jupytertest.Error("NameError", "name 'x' is not defined",
				"\x1b[0;31m---------------------------------------------------------------------------\x1b[0m",
				"\x1b[0;31mNameError\x1b[0m: name 'x' is not defined"),
			jupytertest.ErrorReply("NameError", "name 'x' is not defined"),
		}
	})

	res, err := NewClient(srv.Client(), testOptions()).Execute(context.Background(), Request{KernelID: kernel, Code: "x"})
	require.Error(t, err)
	assert.Equal(t, kernelerr.ExecutionError, kernelerr.KindOf(err))
	assert.Contains(t, err.Error(), "NameError: name 'x' is not defined")

	require.NotNil(t, res)
	assert.Equal(t, StatusError, res.Status)
	assert.Equal(t, "partial\n", res.Output)
	assert.Equal(t, "NameError: name 'x' is not defined\n"+
		"---------------------------------------------------------------------------\n"+
		"NameError: name 'x' is not defined", res.Error)
	assert.NotContains(t, res.Error, "\x1b")
}

func TestExecute_ErrorOnlyInReply(t *testing.T) {
	srv, kernel := setup(t, func(req jupytertest.Request) []jupytertest.Reply {
		return []jupytertest.Reply{jupytertest.ErrorReply("ZeroDivisionError", "division by zero")}
	})

	res, err := NewClient(srv.Client(), testOptions()).Execute(context.Background(), Request{KernelID: kernel, Code: "1/0"})
	assert.True(t, kernelerr.Is(err, kernelerr.ExecutionError))
	assert.Equal(t, "ZeroDivisionError: division by zero", res.Error)
}

func TestExecute_Aborted(t *testing.T) {
	srv, kernel := setup(t, func(req jupytertest.Request) []jupytertest.Reply {
		return []jupytertest.Reply{jupytertest.ExecuteReply("aborted", 0)}
	})

	res, err := NewClient(srv.Client(), testOptions()).Execute(context.Background(), Request{KernelID: kernel, Code: "x"})
	assert.Equal(t, kernelerr.ExecutionError, kernelerr.KindOf(err))
	assert.Equal(t, StatusAborted, res.Status)
}

func TestExecute_ConnectionTimeout(t *testing.T) {
	srv, kernel := setup(t, nil)
	srv.Set(func(s *jupytertest.Server) { s.HoldChannels = true })

	opts := testOptions()
	opts.ConnectTimeout = 50 * time.Millisecond

	_, err := NewClient(srv.Client(), opts).Execute(context.Background(), Request{KernelID: kernel, Code: "x"})
	require.Error(t, err)
	assert.Equal(t, kernelerr.ConnectionTimeout, kernelerr.KindOf(err))
	assert.Eventually(t, func() bool { return srv.ChannelAttempts(kernel) == opts.MaxAttempts },
		time.Second, 10*time.Millisecond)
}

func TestExecute_IdleTimeoutKeepsPartialOutput(t *testing.T) {
	srv, kernel := setup(t, func(req jupytertest.Request) []jupytertest.Reply {
		late := jupytertest.ExecuteReply("ok", 1)
		late.Delay = 5 * time.Second
		return []jupytertest.Reply{jupytertest.Stream("stdout", "started\n"), late}
	})

	opts := testOptions()
	opts.IdleTimeout = 100 * time.Millisecond

	res, err := NewClient(srv.Client(), opts).Execute(context.Background(), Request{KernelID: kernel, Code: "x"})
	require.Error(t, err)
	assert.Equal(t, kernelerr.IdleTimeout, kernelerr.KindOf(err))
	assert.Equal(t, "started\n", res.Output)
	assert.Equal(t, 1, srv.ChannelAttempts(kernel), "idle timeout is not retried")
}

func TestExecute_IdleTimerResetByMessages(t *testing.T) {
	srv, kernel := setup(t, func(req jupytertest.Request) []jupytertest.Reply {
		var replies []jupytertest.Reply
		for i := 0; i < 5; i++ {
			r := jupytertest.Stream("stdout", ".")
			r.Delay = 60 * time.Millisecond
			replies = append(replies, r)
		}
		return append(replies, jupytertest.ExecuteReply("ok", 1))
	})

	opts := testOptions()
	opts.IdleTimeout = 150 * time.Millisecond

	res, err := NewClient(srv.Client(), opts).Execute(context.Background(), Request{KernelID: kernel, Code: "x"})
	require.NoError(t, err)
	assert.Equal(t, ".....", res.Output)
}

func TestExecute_ForeignMessagesDoNotResetIdleTimer(t *testing.T) {
	srv, kernel := setup(t, func(req jupytertest.Request) []jupytertest.Reply {
		var replies []jupytertest.Reply
		for i := 0; i < 10; i++ {
			r := jupytertest.Stream("stdout", "noise")
			r.Foreign = true
			r.Delay = 30 * time.Millisecond
			replies = append(replies, r)
		}
		return replies
	})

	opts := testOptions()
	opts.IdleTimeout = 100 * time.Millisecond

	_, err := NewClient(srv.Client(), opts).Execute(context.Background(), Request{KernelID: kernel, Code: "x"})
	assert.Equal(t, kernelerr.IdleTimeout, kernelerr.KindOf(err))
}

func TestExecute_CancelledNeverRetried(t *testing.T) {
	srv, kernel := setup(t, func(req jupytertest.Request) []jupytertest.Reply {
		late := jupytertest.ExecuteReply("ok", 1)
		late.Delay = 5 * time.Second
		return []jupytertest.Reply{jupytertest.Stream("stdout", "working\n"), late}
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	res, err := NewClient(srv.Client(), testOptions()).Execute(ctx, Request{
		KernelID: kernel,
		Code:     "x",
		OnOutput: func(string) { cancel() },
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, kernelerr.Cancelled))
	assert.True(t, errors.Is(err, context.Canceled))
	assert.Equal(t, "working\n", res.Output)
	assert.Equal(t, 1, srv.ChannelAttempts(kernel))
}

func TestExecute_DeadlineIsHardCeiling(t *testing.T) {
	srv, kernel := setup(t, func(req jupytertest.Request) []jupytertest.Reply {
		late := jupytertest.ExecuteReply("ok", 1)
		late.Delay = 5 * time.Second
		return []jupytertest.Reply{late}
	})

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := NewClient(srv.Client(), testOptions()).Execute(ctx, Request{KernelID: kernel, Code: "x"})
	assert.True(t, kernelerr.Is(err, kernelerr.Cancelled))
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestExecute_DropBeforeOutputIsRetried(t *testing.T) {
	srv, kernel := setup(t, func(req jupytertest.Request) []jupytertest.Reply {
		if req.Attempt == 1 {
			return []jupytertest.Reply{{Drop: true}}
		}
		return jupytertest.Echo(req)
	})

	res, err := NewClient(srv.Client(), testOptions()).Execute(context.Background(), Request{KernelID: kernel, Code: "retry me"})
	require.NoError(t, err)
	assert.Equal(t, "retry me", res.Output)
	assert.Equal(t, 2, srv.ChannelAttempts(kernel))

	reqs := srv.Requests()
	require.Len(t, reqs, 2)
	assert.NotEqual(t, reqs[0].MsgID, reqs[1].MsgID, "each attempt gets a fresh correlation id")
	assert.NotEqual(t, reqs[0].Session, reqs[1].Session)
	assert.Equal(t, reqs[1].MsgID, res.MsgID)
}

func TestExecute_DropAfterOutputSurfaces(t *testing.T) {
	srv, kernel := setup(t, func(req jupytertest.Request) []jupytertest.Reply {
		return []jupytertest.Reply{jupytertest.Stream("stdout", "half"), {Drop: true}}
	})

	res, err := NewClient(srv.Client(), testOptions()).Execute(context.Background(), Request{KernelID: kernel, Code: "x"})
	require.Error(t, err)
	assert.Equal(t, kernelerr.ExecutionError, kernelerr.KindOf(err))
	assert.Equal(t, "half", res.Output)
	assert.Equal(t, 1, srv.ChannelAttempts(kernel))
}

func TestExecute_UnknownKernelExhaustsAttempts(t *testing.T) {
	srv, _ := setup(t, nil)

	_, err := NewClient(srv.Client(), testOptions()).Execute(context.Background(), Request{KernelID: "missing", Code: "x"})
	assert.Equal(t, kernelerr.ConnectionTimeout, kernelerr.KindOf(err))
	assert.Equal(t, 3, srv.ChannelAttempts("missing"))
}

func TestStripANSI(t *testing.T) {
	assert.Equal(t, "NameError: boom", StripANSI("\x1b[0;31mNameError\x1b[0m: boom"))
	assert.Equal(t, "plain", StripANSI("plain"))
	assert.Equal(t, "x", StripANSI("\x1b[1;32mx\x1b[39;49m"))
}
