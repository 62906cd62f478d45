// Package controlapi exposes the execution backend over local HTTP, with a websocket
// stream of progressive output and progress notifications.
package controlapi

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/julienschmidt/httprouter"

	"github.com/CelVoxes/Axon-sub004/internal/backend"
	"github.com/CelVoxes/Axon-sub004/internal/execution"
	"github.com/CelVoxes/Axon-sub004/internal/kernelerr"
	"github.com/CelVoxes/Axon-sub004/internal/logger"
	"github.com/CelVoxes/Axon-sub004/internal/pprof"
	"github.com/CelVoxes/Axon-sub004/internal/progress"
)

const maxBodySize = 4 << 20

// Service is the backend surface served by the API.
type Service interface {
	EnsureServer(ctx context.Context, workspace string) error
	Execute(ctx context.Context, code, workspace, correlationID string, opts ...backend.ExecuteOption) (*execution.Result, error)
	Interrupt(ctx context.Context, workspace string) error
	Stop(ctx context.Context) error
	Status() backend.Status
	OnOutput(sink backend.OutputSink)
	OnProgress(cb progress.Callback)
}

// Server is the control API.
type Server struct {
	svc        Service
	token      string
	hub        *Hub
	router     *httprouter.Router
	upgrader   websocket.Upgrader
	httpServer *http.Server
	listener   net.Listener
	logger     *logger.Logger
}

// NewServer creates the API for svc. A non-empty token is required on every request,
// either as "Authorization: Bearer <token>" or as the token query parameter.
func NewServer(svc Service, token string) *Server {
	s := &Server{
		svc:    svc,
		token:  token,
		hub:    NewHub(),
		logger: logger.Global().WithPrefix("controlapi"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			// local tools connect from arbitrary origins; the token guards access
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}

	router := httprouter.New()
	router.GET("/health", s.handleHealth)
	router.POST("/v1/ensure", s.auth(s.handleEnsure))
	router.POST("/v1/execute", s.auth(s.handleExecute))
	router.POST("/v1/interrupt", s.auth(s.handleInterrupt))
	router.POST("/v1/stop", s.auth(s.handleStop))
	router.GET("/v1/stream", s.auth(s.handleStream))
	s.router = router

	svc.OnOutput(func(correlationID, text string) {
		s.hub.Broadcast(&Event{Type: EventOutput, CorrelationID: correlationID, Text: text})
	})
	svc.OnProgress(func(u progress.Update) error {
		s.hub.Broadcast(&Event{
			Type:    EventProgress,
			Text:    u.Message,
			Source:  u.Source,
			Stage:   string(u.Stage),
			Percent: u.Percent,
		})
		return nil
	})

	go s.hub.Run()
	return s
}

// EnableProfiling exposes the runtime profiles under /debug/pprof/.
func (s *Server) EnableProfiling() {
	pprof.Mount(s.router)
}

// Handler returns the HTTP handler of the API.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start listens on addr and serves in the background.
func (s *Server) Start(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	s.listener = ln
	s.httpServer = &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		ErrorLog:          logger.NewStdLogger(s.logger, slog.LevelWarn),
	}

	go func() {
		s.logger.Info("control API listening on %s", ln.Addr())
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("control API server error: %v", err)
		}
	}()
	return nil
}

// Addr returns the listening address once Start succeeded.
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Shutdown stops accepting requests and disconnects stream subscribers.
func (s *Server) Shutdown(ctx context.Context) error {
	s.hub.Stop()
	if s.httpServer == nil {
		return nil
	}
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown control API: %w", err)
	}
	return nil
}

func (s *Server) auth(h httprouter.Handle) httprouter.Handle {
	if s.token == "" {
		return h
	}
	return func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
		got := r.URL.Query().Get("token")
		if bearer, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer "); ok {
			got = bearer
		}
		if subtle.ConstantTimeCompare([]byte(got), []byte(s.token)) != 1 {
			s.logger.Warn("rejected %s %s: invalid token", r.Method, r.URL.Path)
			writeJSON(w, http.StatusUnauthorized, Response{Error: "unauthorized"})
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

func decode(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, Response{Error: "invalid request body: " + err.Error()})
		return false
	}
	return true
}

func failure(err error) Response {
	return Response{Error: err.Error(), Code: string(kernelerr.KindOf(err))}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request, _ httprouter.Params) {
	writeJSON(w, http.StatusOK, struct {
		OK bool `json:"ok"`
		backend.Status
		Subscribers int `json:"subscribers"`
	}{true, s.svc.Status(), s.hub.ClientCount()})
}

func (s *Server) handleEnsure(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	var req WorkspaceRequest
	if !decode(w, r, &req) {
		return
	}
	if req.Workspace == "" {
		writeJSON(w, http.StatusBadRequest, Response{Error: "workspace is required"})
		return
	}

	if err := s.svc.EnsureServer(r.Context(), req.Workspace); err != nil {
		s.logger.Warn("ensure %s failed: %v", req.Workspace, err)
		writeJSON(w, http.StatusOK, failure(err))
		return
	}
	writeJSON(w, http.StatusOK, Response{OK: true})
}

func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	var req ExecuteRequest
	if !decode(w, r, &req) {
		return
	}
	if req.Workspace == "" {
		writeJSON(w, http.StatusBadRequest, Response{Error: "workspace is required"})
		return
	}

	ctx := r.Context()
	if req.TimeoutMS > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(req.TimeoutMS)*time.Millisecond)
		defer cancel()
	}

	res, err := s.svc.Execute(ctx, req.Code, req.Workspace, req.CorrelationID)
	resp := Response{OK: err == nil, CorrelationID: req.CorrelationID}
	if res != nil {
		resp.Output = res.Output
		resp.Status = string(res.Status)
		resp.ExecutionCount = res.ExecutionCount
		if res.CorrelationID != "" {
			resp.CorrelationID = res.CorrelationID
		}
	}
	if err != nil {
		f := failure(err)
		resp.Error, resp.Code = f.Error, f.Code
		if res != nil && res.Error != "" {
			resp.Error = res.Error
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleInterrupt(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	var req WorkspaceRequest
	if !decode(w, r, &req) {
		return
	}
	if err := s.svc.Interrupt(r.Context(), req.Workspace); err != nil {
		writeJSON(w, http.StatusOK, failure(err))
		return
	}
	writeJSON(w, http.StatusOK, Response{OK: true})
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	if err := s.svc.Stop(r.Context()); err != nil {
		writeJSON(w, http.StatusOK, failure(err))
		return
	}
	s.hub.Broadcast(&Event{Type: EventStatus, Text: "stopped"})
	writeJSON(w, http.StatusOK, Response{OK: true})
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("failed to upgrade stream: %v", err)
		return
	}

	client := newStreamClient(s.hub, conn)
	if !s.hub.add(client) {
		_ = conn.Close()
		return
	}
	go client.writePump()
	go client.readPump()
}
