// Package jupytertest provides an in-process fake of the Jupyter server REST and
// channels API for tests.
package jupytertest

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/julienschmidt/httprouter"

	"github.com/CelVoxes/Axon-sub004/internal/jupyter"
)

// Reply is one scripted message sent back for an execute_request.
type Reply struct {
	MsgType string
	Content interface{}
	Delay   time.Duration
	// Foreign sends the message with an unrelated parent id.
	Foreign bool
	// Drop closes the connection instead of sending anything.
	Drop bool
}

// Request describes an execute_request the server received.
type Request struct {
	KernelID string
	Code     string
	MsgID    string
	Session  string
	// Attempt counts channel connections for this kernel, starting at 1.
	Attempt int
	Raw     jupyter.Message
}

// Executor scripts the replies for a request.
type Executor func(req Request) []Reply

// Server is a fake Jupyter server.
type Server struct {
	*httptest.Server
	Token string

	mu          sync.Mutex
	kernels     []jupyter.Kernel
	attempts    map[string]int
	requests    []Request
	interrupts  []string
	createCalls int
	statusCalls int
	apiCalls    int

	// Executor defaults to Echo.
	Executor Executor
	// FailCreate rejects kernel creation for the given spec names.
	FailCreate func(spec string) bool
	// CreateDelay slows kernel creation down.
	CreateDelay time.Duration
	// NoStatus makes /api/status answer 404 so clients fall back to /api.
	NoStatus bool
	// Unhealthy makes both status endpoints fail.
	Unhealthy bool
	// HoldChannels accepts channel requests but never upgrades them.
	HoldChannels bool

	upgrader websocket.Upgrader
	release  chan struct{}
}

// NewServer starts a fake server requiring token (empty disables auth).
func NewServer(token string) *Server {
	s := &Server{
		Token:    token,
		attempts: make(map[string]int),
		release:  make(chan struct{}),
		upgrader: websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }},
	}

	router := httprouter.New()
	router.GET("/api/status", s.auth(s.handleStatus))
	router.GET("/api", s.auth(s.handleAPI))
	router.GET("/api/kernels", s.auth(s.handleListKernels))
	router.POST("/api/kernels", s.auth(s.handleCreateKernel))
	router.DELETE("/api/kernels/:id", s.auth(s.handleDeleteKernel))
	router.POST("/api/kernels/:id/interrupt", s.auth(s.handleInterrupt))
	router.GET("/api/kernels/:id/channels", s.auth(s.handleChannels))

	s.Server = httptest.NewServer(router)
	return s
}

// Close releases held channel requests and shuts the server down.
func (s *Server) Close() {
	s.mu.Lock()
	select {
	case <-s.release:
	default:
		close(s.release)
	}
	s.mu.Unlock()
	s.Server.CloseClientConnections()
	s.Server.Close()
}

// Client returns a REST client for the server.
func (s *Server) Client() *jupyter.Client {
	c, err := jupyter.NewClientURL(s.URL, s.Token)
	if err != nil {
		panic(err)
	}
	return c
}

func (s *Server) auth(h httprouter.Handle) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
		if s.Token != "" && r.Header.Get("Authorization") != "token "+s.Token && r.URL.Query().Get("token") != s.Token {
			http.Error(w, "Forbidden", http.StatusForbidden)
			return
		}
		h(w, r, ps)
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request, _ httprouter.Params) {
	s.mu.Lock()
	s.statusCalls++
	noStatus, unhealthy := s.NoStatus, s.Unhealthy
	s.mu.Unlock()

	switch {
	case unhealthy:
		http.Error(w, "unavailable", http.StatusServiceUnavailable)
	case noStatus:
		http.NotFound(w, nil)
	default:
		writeJSON(w, http.StatusOK, map[string]interface{}{"connections": 0, "kernels": len(s.Kernels())})
	}
}

func (s *Server) handleAPI(w http.ResponseWriter, _ *http.Request, _ httprouter.Params) {
	s.mu.Lock()
	s.apiCalls++
	unhealthy := s.Unhealthy
	s.mu.Unlock()

	if unhealthy {
		http.Error(w, "unavailable", http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"version": "2.14.0"})
}

func (s *Server) handleListKernels(w http.ResponseWriter, _ *http.Request, _ httprouter.Params) {
	writeJSON(w, http.StatusOK, s.Kernels())
}

func (s *Server) handleCreateKernel(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	var body struct {
		Name string `json:"name"`
	}
	_ = json.NewDecoder(r.Body).Decode(&body)

	s.mu.Lock()
	s.createCalls++
	delay, fail := s.CreateDelay, s.FailCreate
	s.mu.Unlock()

	if delay > 0 {
		time.Sleep(delay)
	}
	if fail != nil && fail(body.Name) {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"message": fmt.Sprintf("No such kernel named %s", body.Name)})
		return
	}

	k := s.AddKernel(body.Name)
	writeJSON(w, http.StatusCreated, k)
}

func (s *Server) handleDeleteKernel(w http.ResponseWriter, _ *http.Request, ps httprouter.Params) {
	if !s.RemoveKernel(ps.ByName("id")) {
		http.NotFound(w, nil)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleInterrupt(w http.ResponseWriter, _ *http.Request, ps httprouter.Params) {
	id := ps.ByName("id")
	if !s.hasKernel(id) {
		http.NotFound(w, nil)
		return
	}
	s.mu.Lock()
	s.interrupts = append(s.interrupts, id)
	s.mu.Unlock()
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleChannels(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	id := ps.ByName("id")
	s.mu.Lock()
	s.attempts[id]++
	attempt := s.attempts[id]
	hold := s.HoldChannels
	executor := s.Executor
	s.mu.Unlock()

	if hold {
		select {
		case <-r.Context().Done():
		case <-s.release:
		}
		return
	}
	if !s.hasKernel(id) {
		http.NotFound(w, nil)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	var msg jupyter.Message
	if err := conn.ReadJSON(&msg); err != nil {
		return
	}
	var content jupyter.ExecuteRequestContent
	_ = msg.DecodeContent(&content)

	req := Request{
		KernelID: id,
		Code:     content.Code,
		MsgID:    msg.Header.MsgID,
		Session:  msg.Header.Session,
		Attempt:  attempt,
		Raw:      msg,
	}
	s.mu.Lock()
	s.requests = append(s.requests, req)
	s.mu.Unlock()

	if executor == nil {
		executor = Echo
	}
	for _, reply := range executor(req) {
		if reply.Delay > 0 {
			select {
			case <-time.After(reply.Delay):
			case <-s.release:
				return
			}
		}
		if reply.Drop {
			return
		}
		if err := conn.WriteJSON(s.reply(req, reply)); err != nil {
			return
		}
	}

	// Hold the socket open until the client goes away.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (s *Server) reply(req Request, r Reply) map[string]interface{} {
	parent := req.MsgID
	if r.Foreign {
		parent = uuid.NewString()
	}
	channel := "iopub"
	if r.MsgType == jupyter.MsgExecuteReply {
		channel = "shell"
	}
	return map[string]interface{}{
		"header":        map[string]string{"msg_id": uuid.NewString(), "msg_type": r.MsgType, "session": req.Session},
		"parent_header": map[string]string{"msg_id": parent, "msg_type": jupyter.MsgExecuteRequest},
		"metadata":      map[string]interface{}{},
		"content":       r.Content,
		"channel":       channel,
		"msg_type":      r.MsgType,
	}
}

// AddKernel registers a running kernel and returns it.
func (s *Server) AddKernel(spec string) jupyter.Kernel {
	k := jupyter.Kernel{ID: uuid.NewString(), Name: spec, ExecutionState: "idle", LastActivity: time.Now().UTC()}
	s.mu.Lock()
	s.kernels = append(s.kernels, k)
	s.mu.Unlock()
	return k
}

// RemoveKernel drops a kernel, as if it died.
func (s *Server) RemoveKernel(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, k := range s.kernels {
		if k.ID == id {
			s.kernels = append(s.kernels[:i], s.kernels[i+1:]...)
			return true
		}
	}
	return false
}

func (s *Server) hasKernel(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, k := range s.kernels {
		if k.ID == id {
			return true
		}
	}
	return false
}

// Kernels returns a snapshot of the running kernels.
func (s *Server) Kernels() []jupyter.Kernel {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]jupyter.Kernel{}, s.kernels...)
}

// CreateCalls returns how many kernel creations were requested.
func (s *Server) CreateCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.createCalls
}

// StatusCalls returns the hits on /api/status and /api.
func (s *Server) StatusCalls() (status, api int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.statusCalls, s.apiCalls
}

// ChannelAttempts returns how many channel connections were made for a kernel.
func (s *Server) ChannelAttempts(id string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attempts[id]
}

// Requests returns the execute requests received so far.
func (s *Server) Requests() []Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Request{}, s.requests...)
}

// Interrupts returns the ids of interrupted kernels.
func (s *Server) Interrupts() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string{}, s.interrupts...)
}

// Set runs fn with the server locked, for changing its knobs mid-test.
func (s *Server) Set(fn func(s *Server)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(s)
}

// Echo streams the code back on stdout and replies ok.
func Echo(req Request) []Reply {
	return []Reply{
		Stream("stdout", req.Code),
		ExecuteReply("ok", 1),
	}
}

// Stream builds a stream reply.
func Stream(name, text string) Reply {
	return Reply{MsgType: jupyter.MsgStream, Content: jupyter.StreamContent{Name: name, Text: text}}
}

// Result builds an execute_result reply with a text/plain representation.
func Result(text string, count int) Reply {
	return Reply{MsgType: jupyter.MsgExecuteResult, Content: jupyter.DataContent{
		Data:           map[string]interface{}{"text/plain": text},
		ExecutionCount: count,
	}}
}

// Display builds a display_data reply.
func Display(text string) Reply {
	return Reply{MsgType: jupyter.MsgDisplayData, Content: jupyter.DataContent{Data: map[string]interface{}{"text/plain": text}}}
}

// Error builds an error reply.
func Error(ename, evalue string, traceback ...string) Reply {
	return Reply{MsgType: jupyter.MsgError, Content: jupyter.ErrorContent{Ename: ename, Evalue: evalue, Traceback: traceback}}
}

// ExecuteReply builds the terminating execute_reply.
func ExecuteReply(status string, count int) Reply {
	return Reply{MsgType: jupyter.MsgExecuteReply, Content: jupyter.ExecuteReplyContent{Status: status, ExecutionCount: count}}
}

// ErrorReply builds an execute_reply carrying an error.
func ErrorReply(ename, evalue string, traceback ...string) Reply {
	return Reply{MsgType: jupyter.MsgExecuteReply, Content: jupyter.ExecuteReplyContent{
		Status:       "error",
		ErrorContent: jupyter.ErrorContent{Ename: ename, Evalue: evalue, Traceback: traceback},
	}}
}

// Idle sends a status message that does not belong to any output.
func Idle() Reply {
	return Reply{MsgType: jupyter.MsgStatus, Content: map[string]string{"execution_state": "idle"}}
}

// Lines is a helper for stream replies of several lines.
func Lines(lines ...string) string {
	return strings.Join(lines, "\n") + "\n"
}
