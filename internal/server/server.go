// Package server exposes the gate over HTTP for the upstream skill router.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/gzhole/turnshield/internal/config"
	"github.com/gzhole/turnshield/internal/gate"
)

// maxBodyBytes bounds an evaluate request body.
const maxBodyBytes = 1 << 20

// EvaluateRequest is the body of POST /v1/evaluate.
type EvaluateRequest struct {
	SessionID string `json:"session_id"`
	Text      string `json:"text"`
}

// Server serves the gate over HTTP. The controller can be swapped while
// requests are in flight; sessions live in a store shared across swaps.
type Server struct {
	cfg  config.ServerConfig
	ctrl atomic.Pointer[gate.Controller]
	log  *zap.Logger

	mu       sync.Mutex
	server   *http.Server
	listener net.Listener
}

// New creates a server around ctrl.
func New(cfg config.ServerConfig, ctrl *gate.Controller, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.Addr == "" {
		cfg.Addr = "127.0.0.1:0"
	}
	s := &Server{cfg: cfg, log: log}
	s.ctrl.Store(ctrl)
	return s
}

// Controller returns the controller currently serving requests.
func (s *Server) Controller() *gate.Controller { return s.ctrl.Load() }

// Swap installs ctrl for subsequent requests and returns the previous one.
func (s *Server) Swap(ctrl *gate.Controller) *gate.Controller {
	old := s.ctrl.Swap(ctrl)
	s.log.Info("controller swapped", zap.String("mode", ctrl.Status().Mode))
	return old
}

// Handler returns the request router.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/evaluate", s.handleEvaluate)
	mux.HandleFunc("/v1/sessions/{id}/reset", s.handleReset)
	mux.HandleFunc("/v1/sessions/{id}", s.handleSession)
	mux.HandleFunc("/healthz", s.handleHealth)
	return mux
}

// Addr returns the address the server is listening on. Only valid after
// ListenAndServe has been called.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return ""
}

// ListenAndServe blocks until the server is shut down.
func (s *Server) ListenAndServe() error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.cfg.Addr, err)
	}

	srv := &http.Server{
		Handler:     s.Handler(),
		ReadTimeout: s.cfg.ReadTimeout.Std(),
		IdleTimeout: 120 * time.Second,
	}

	s.mu.Lock()
	s.listener = ln
	s.server = srv
	s.mu.Unlock()

	s.log.Info("listening", zap.String("addr", ln.Addr().String()))
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	srv := s.server
	s.mu.Unlock()
	if srv != nil {
		return srv.Shutdown(ctx)
	}
	return nil
}

func (s *Server) handleEvaluate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req EvaluateRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	req.SessionID = strings.TrimSpace(req.SessionID)
	if req.SessionID == "" {
		http.Error(w, "session_id is required", http.StatusBadRequest)
		return
	}

	ctx := r.Context()
	if t := s.cfg.EvalTimeout.Std(); t > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t)
		defer cancel()
	}

	d := s.ctrl.Load().Evaluate(ctx, req.SessionID, req.Text)
	writeJSON(w, http.StatusOK, d)
}

func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	ctrl, id := s.ctrl.Load(), r.PathValue("id")
	if !ctrl.Sessions().Has(id) {
		http.Error(w, "Session not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, ctrl.ResetSession(id))
}

func (s *Server) handleSession(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		snap, ok := s.ctrl.Load().Sessions().Snapshot(r.PathValue("id"))
		if !ok {
			http.Error(w, "Session not found", http.StatusNotFound)
			return
		}
		writeJSON(w, http.StatusOK, snap)
	case http.MethodDelete:
		s.ctrl.Load().Forget(r.PathValue("id"))
		w.WriteHeader(http.StatusNoContent)
	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, s.ctrl.Load().Status())
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
