// Package server exposes the admission HTTP interface: the endpoint that
// invites the agent into a conversation, plus the health, readiness and
// Prometheus metrics routes.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/parley-ai/parley/internal/health"
	"github.com/parley-ai/parley/internal/observe"
)

// readHeaderTimeout bounds how long a client may take to send its request
// headers.
const readHeaderTimeout = 10 * time.Second

// InviteFunc admits the agent into a conversation context. The access token
// arrives verbatim from the Authorization header; an empty string means the
// caller sent none.
type InviteFunc func(ctx context.Context, contextID, accessToken string) error

// Config configures the admission server.
type Config struct {
	// Addr is the TCP listen address, e.g. ":8080". Required.
	Addr string

	// CertFile and KeyFile switch the server to HTTPS when both are set.
	CertFile string
	KeyFile  string

	// Invite handles each accepted POST /invite-agent request. Required.
	Invite InviteFunc

	// Health serves GET /health and GET /readyz. nil installs a handler
	// with no readiness checkers.
	Health *health.Handler

	// Metrics instruments the request middleware. nil selects
	// [observe.DefaultMetrics].
	Metrics *observe.Metrics
}

// Server is the admission HTTP server. Create one with [New], run it with
// [Server.ListenAndServe] and stop it with [Server.Shutdown].
type Server struct {
	cfg     Config
	handler http.Handler
	http    *http.Server
}

// New validates cfg and assembles the route table. The server does not
// listen until ListenAndServe.
func New(cfg Config) (*Server, error) {
	if cfg.Addr == "" {
		return nil, errors.New("server: listen address must not be empty")
	}
	if cfg.Invite == nil {
		return nil, errors.New("server: invite func must not be nil")
	}
	if cfg.Health == nil {
		cfg.Health = health.New()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = observe.DefaultMetrics()
	}

	s := &Server{cfg: cfg}

	mux := http.NewServeMux()
	cfg.Health.Register(mux)
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("POST /invite-agent", s.inviteAgent)

	s.handler = observe.Middleware(cfg.Metrics)(cors(mux))
	s.http = &http.Server{
		Addr:              cfg.Addr,
		Handler:           s.handler,
		ReadHeaderTimeout: readHeaderTimeout,
	}
	return s, nil
}

// Handler returns the assembled route table, middleware included. Useful for
// mounting the admission API on an existing server or an httptest one.
func (s *Server) Handler() http.Handler { return s.handler }

// ListenAndServe blocks serving requests until Shutdown or a listener error.
// After a graceful shutdown it returns [http.ErrServerClosed], matching
// net/http.
func (s *Server) ListenAndServe() error {
	tls := s.cfg.CertFile != "" && s.cfg.KeyFile != ""
	slog.Info("admission server listening", "addr", s.cfg.Addr, "tls", tls)
	if tls {
		return s.http.ListenAndServeTLS(s.cfg.CertFile, s.cfg.KeyFile)
	}
	return s.http.ListenAndServe()
}

// Shutdown stops accepting connections and waits for in-flight requests up
// to the context deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

// inviteRequest is the body of POST /invite-agent.
type inviteRequest struct {
	ContextID string `json:"context_id"`
}

type messageResponse struct {
	Message string `json:"message"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// inviteAgent admits the agent into the requested conversation. The
// Authorization header is forwarded to the session untouched; its format is
// a contract between the caller and the upstreams.
func (s *Server) inviteAgent(w http.ResponseWriter, r *http.Request) {
	var req inviteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request body"})
		return
	}
	if req.ContextID == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "context_id must not be empty"})
		return
	}

	token := r.Header.Get("Authorization")

	if err := s.cfg.Invite(r.Context(), req.ContextID, token); err != nil {
		slog.Error("server: invite agent failed", "context_id", req.ContextID, "error", err)
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: err.Error()})
		return
	}

	writeJSON(w, http.StatusOK, messageResponse{Message: "Initializing agent"})
}

// cors answers preflight requests and stamps permissive cross-origin headers
// on every response.
func cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// writeJSON encodes v as JSON and writes it with the given status code. On
// encoding failure it falls back to a plain-text 500 response.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"status":"error"}`, http.StatusInternalServerError)
	}
}
