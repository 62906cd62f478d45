// Package execution runs code on a kernel over its channels websocket.
package execution

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/CelVoxes/Axon-sub004/internal/config"
	"github.com/CelVoxes/Axon-sub004/internal/jupyter"
	"github.com/CelVoxes/Axon-sub004/internal/kernelerr"
	"github.com/CelVoxes/Axon-sub004/internal/logger"
)

// Status is the terminal status reported by the kernel.
type Status string

const (
	StatusOK      Status = "ok"
	StatusError   Status = "error"
	StatusAborted Status = "aborted"
)

// Request is one code submission.
type Request struct {
	KernelID string
	Code     string
	// OnOutput receives partial output as it arrives. It is called from the
	// executing goroutine and must not block for long.
	OnOutput func(text string)
}

// Result is what an execution produced.
type Result struct {
	Output         string `json:"output"`
	Error          string `json:"error,omitempty"`
	Status         Status `json:"status,omitempty"`
	ExecutionCount int    `json:"execution_count,omitempty"`
	MsgID          string `json:"msg_id,omitempty"`
	// CorrelationID is set by callers that track executions across attempts.
	CorrelationID string `json:"correlation_id,omitempty"`
}

// Options bound an execution.
type Options struct {
	// ConnectTimeout bounds each websocket handshake.
	ConnectTimeout time.Duration
	// IdleTimeout fails an execution that receives no message for this long.
	IdleTimeout time.Duration
	// MaxAttempts is the total number of connection attempts.
	MaxAttempts int
	// Backoff is the fixed pause between attempts.
	Backoff  time.Duration
	Username string
}

// OptionsFromConfig maps the kernel configuration onto execution options.
func OptionsFromConfig(cfg config.KernelConfig) Options {
	return Options{
		ConnectTimeout: cfg.ConnectionTimeout.Std(),
		IdleTimeout:    cfg.IdleTimeout.Std(),
		MaxAttempts:    cfg.MaxConnectionAttempts,
		Backoff:        cfg.BackoffInterval.Std(),
		Username:       "axon",
	}
}

// Channels locates a kernel's websocket endpoint.
type Channels interface {
	ChannelsURL(kernelID, sessionID string) string
	AuthHeader() http.Header
}

// Client executes code against kernels of one server.
type Client struct {
	channels Channels
	opts     Options
	logger   *logger.Logger
}

// NewClient creates an execution client.
func NewClient(channels Channels, opts Options) *Client {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 1
	}
	return &Client{
		channels: channels,
		opts:     opts,
		logger:   logger.Global().WithPrefix("execution"),
	}
}

// errTransport marks a connection that dropped mid-exchange.
var errTransport = errors.New("connection lost")

// Execute runs req.Code and waits for the kernel's reply. On ExecutionError, IdleTimeout
// and Cancelled the returned result still carries the partial output.
func (c *Client) Execute(ctx context.Context, req Request) (*Result, error) {
	b := backoff.WithMaxRetries(backoff.NewConstantBackOff(c.opts.Backoff), uint64(c.opts.MaxAttempts-1))
	result := &Result{}

	var lastErr error
	for attempt := 1; ; attempt++ {
		res, started, err := c.attempt(ctx, req)
		if res != nil {
			result = res
		}
		switch {
		case err == nil:
			return result, nil
		case kernelerr.Is(err, kernelerr.Cancelled):
			return result, err
		case !errors.Is(err, errTransport) || started:
			if errors.Is(err, errTransport) {
				err = kernelerr.Wrap(kernelerr.ExecutionError, "execution.Execute", err, "connection to kernel %s lost during execution", req.KernelID)
			}
			return result, err
		}

		lastErr = err
		wait := b.NextBackOff()
		if wait == backoff.Stop {
			return result, kernelerr.Wrap(kernelerr.ConnectionTimeout, "execution.Execute", lastErr,
				"could not reach kernel %s after %d attempts", req.KernelID, attempt)
		}
		c.logger.Warn("attempt %d/%d on kernel %s failed: %v", attempt, c.opts.MaxAttempts, req.KernelID, err)

		select {
		case <-ctx.Done():
			return result, kernelerr.Wrap(kernelerr.Cancelled, "execution.Execute", ctx.Err(), "execution cancelled")
		case <-time.After(wait):
		}
	}
}

// attempt performs one connection and exchange. started reports whether any
// message belonging to the request arrived.
func (c *Client) attempt(ctx context.Context, req Request) (*Result, bool, error) {
	session := uuid.NewString()
	conn, err := c.dial(ctx, req.KernelID, session)
	if err != nil {
		if ctx.Err() != nil {
			return nil, false, kernelerr.Wrap(kernelerr.Cancelled, "execution.dial", ctx.Err(), "execution cancelled")
		}
		return nil, false, fmt.Errorf("%w: %v", errTransport, err)
	}
	defer conn.Close()

	msg, err := jupyter.NewExecuteRequest(req.Code, session, c.opts.Username)
	if err != nil {
		return nil, false, err
	}
	_ = conn.SetWriteDeadline(time.Now().Add(c.opts.ConnectTimeout))
	if err := conn.WriteJSON(msg); err != nil {
		return nil, false, fmt.Errorf("%w: send: %v", errTransport, err)
	}
	_ = conn.SetWriteDeadline(time.Time{})

	ex := &exchange{
		msgID:    msg.Header.MsgID,
		result:   &Result{MsgID: msg.Header.MsgID},
		onOutput: req.OnOutput,
	}
	err = c.run(ctx, conn, ex)
	return ex.result, ex.started, err
}

func (c *Client) dial(ctx context.Context, kernelID, session string) (*websocket.Conn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, c.opts.ConnectTimeout)
	defer cancel()

	dialer := websocket.Dialer{
		HandshakeTimeout: c.opts.ConnectTimeout,
		Proxy:            http.ProxyFromEnvironment,
	}
	conn, _, err := dialer.DialContext(dialCtx, c.channels.ChannelsURL(kernelID, session), c.channels.AuthHeader())
	if err != nil {
		return nil, err
	}
	return conn, nil
}

type inbound struct {
	msg jupyter.Message
	err error
}

// run reads messages in arrival order until the exchange resolves.
func (c *Client) run(ctx context.Context, conn *websocket.Conn, ex *exchange) error {
	done := make(chan struct{})
	defer close(done)

	messages := make(chan inbound)
	go func() {
		for {
			var in inbound
			_, data, err := conn.ReadMessage()
			if err != nil {
				in.err = err
			} else if err := json.Unmarshal(data, &in.msg); err != nil {
				c.logger.Debug("skipping undecodable message: %v", err)
				continue
			}
			select {
			case messages <- in:
			case <-done:
				return
			}
			if in.err != nil {
				return
			}
		}
	}()

	idle := time.NewTimer(c.opts.IdleTimeout)
	defer idle.Stop()

	for {
		select {
		case <-ctx.Done():
			_ = conn.Close()
			return kernelerr.Wrap(kernelerr.Cancelled, "execution.run", ctx.Err(), "execution cancelled")

		case <-idle.C:
			_ = conn.Close()
			return kernelerr.New(kernelerr.IdleTimeout, "execution.run",
				fmt.Sprintf("no message from kernel for %s", c.opts.IdleTimeout))

		case in := <-messages:
			if in.err != nil {
				return fmt.Errorf("%w: %v", errTransport, in.err)
			}
			if in.msg.ParentHeader.MsgID != ex.msgID {
				continue
			}

			if !idle.Stop() {
				select {
				case <-idle.C:
				default:
				}
			}
			idle.Reset(c.opts.IdleTimeout)

			if finished, err := ex.handle(&in.msg); finished {
				closeGracefully(conn)
				return err
			}
		}
	}
}

func closeGracefully(conn *websocket.Conn) {
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
}

// exchange accumulates the state of one request.
type exchange struct {
	msgID    string
	result   *Result
	started  bool
	onOutput func(string)
}

// handle applies one message and reports whether it terminated the exchange.
func (ex *exchange) handle(m *jupyter.Message) (bool, error) {
	ex.started = true

	switch m.Type() {
	case jupyter.MsgStream:
		var sc jupyter.StreamContent
		if err := m.DecodeContent(&sc); err == nil && sc.Text != "" {
			ex.output(sc.Text)
		}

	case jupyter.MsgExecuteResult, jupyter.MsgDisplayData:
		var dc jupyter.DataContent
		if err := m.DecodeContent(&dc); err == nil {
			if dc.ExecutionCount > 0 {
				ex.result.ExecutionCount = dc.ExecutionCount
			}
			if text := dc.PlainText(); text != "" {
				if !strings.HasSuffix(text, "\n") {
					text += "\n"
				}
				ex.output(text)
			}
		}

	case jupyter.MsgError:
		var ec jupyter.ErrorContent
		if err := m.DecodeContent(&ec); err == nil {
			ex.appendError(ec)
		}

	case jupyter.MsgExecuteReply:
		var rc jupyter.ExecuteReplyContent
		_ = m.DecodeContent(&rc)
		if rc.ExecutionCount > 0 {
			ex.result.ExecutionCount = rc.ExecutionCount
		}
		status := Status(rc.Status)
		if status == "" {
			status = StatusOK
		}
		ex.result.Status = status
		if status == StatusOK {
			return true, nil
		}
		if ex.result.Error == "" && (rc.Ename != "" || rc.Evalue != "") {
			ex.appendError(rc.ErrorContent)
		}
		return true, ex.failure(rc)
	}
	return false, nil
}

func (ex *exchange) output(text string) {
	ex.result.Output += text
	if ex.onOutput != nil {
		ex.onOutput(text)
	}
}

func (ex *exchange) appendError(ec jupyter.ErrorContent) {
	var b strings.Builder
	b.WriteString(ex.result.Error)
	if b.Len() > 0 && !strings.HasSuffix(b.String(), "\n") {
		b.WriteString("\n")
	}
	fmt.Fprintf(&b, "%s: %s", ec.Ename, ec.Evalue)
	for _, line := range ec.Traceback {
		b.WriteString("\n")
		b.WriteString(StripANSI(line))
	}
	ex.result.Error = b.String()
}

func (ex *exchange) failure(rc jupyter.ExecuteReplyContent) error {
	msg := "execution " + string(ex.result.Status)
	if rc.Ename != "" {
		msg = fmt.Sprintf("%s: %s", rc.Ename, rc.Evalue)
	} else if first, _, _ := strings.Cut(ex.result.Error, "\n"); first != "" {
		msg = first
	}
	return kernelerr.New(kernelerr.ExecutionError, "execution.Execute", msg).WithDetails(ex.result.Error)
}

var ansiPattern = regexp.MustCompile(`\x1b\[[0-9;?]*[ -/]*[@-~]`)

// StripANSI removes terminal escape sequences, which kernels put in tracebacks.
func StripANSI(s string) string {
	return ansiPattern.ReplaceAllString(s, "")
}
