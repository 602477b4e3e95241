// Package server exposes the approval workflow over HTTP: the JSON API
// polled by wallet clients and an HTML dashboard for operators.
package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"

	"github.com/tkingovr/deploygate/internal/approval"
	"github.com/tkingovr/deploygate/internal/audit"
	"github.com/tkingovr/deploygate/internal/bridge"
	"github.com/tkingovr/deploygate/internal/metrics"
	"github.com/tkingovr/deploygate/internal/policy"
	"github.com/tkingovr/deploygate/internal/producer"
)

// Options wires the server to the rest of the backend. Store is required;
// everything else may be nil.
type Options struct {
	Addr     string
	Store    approval.Store
	Bridge   *bridge.Bridge
	Producer *producer.Producer
	Audit    audit.Store
	Engine   policy.Engine
	Policy   *policy.PolicyFile
	Metrics  *metrics.Metrics
	Logger   *slog.Logger
}

// Server is the approval API and dashboard HTTP server.
type Server struct {
	mux        *http.ServeMux
	logger     *slog.Logger
	store      approval.Store
	bridge     *bridge.Bridge
	producer   *producer.Producer
	auditStore audit.Store
	engine     policy.Engine
	policyFile *policy.PolicyFile
	metrics    *metrics.Metrics
	addr       string

	// Mock tasks outlive their HTTP request; they are cancelled, and so
	// abandoned, when the server stops.
	taskCtx     context.Context
	cancelTasks context.CancelFunc
	tasks       sync.WaitGroup
}

// NewServer creates a new server.
func NewServer(opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		mux:        http.NewServeMux(),
		logger:     logger,
		store:      opts.Store,
		bridge:     opts.Bridge,
		producer:   opts.Producer,
		auditStore: opts.Audit,
		engine:     opts.Engine,
		policyFile: opts.Policy,
		metrics:    opts.Metrics,
		addr:       opts.Addr,
	}
	s.taskCtx, s.cancelTasks = context.WithCancel(context.Background())
	s.registerRoutes()
	return s
}

func (s *Server) registerRoutes() {
	// Wallet-facing approval API.
	s.mux.HandleFunc("GET /api/approval/poll", s.handlePoll)
	s.mux.HandleFunc("POST /api/approval/respond", s.handleRespond)
	s.mux.HandleFunc("POST /api/approval/mock-request", s.handleMockRequest)
	s.mux.HandleFunc("GET /api/approval/status", s.handleStatus)
	s.mux.HandleFunc("GET /api/approval/{id}/decision", s.handleRecorded)

	// Dashboard.
	s.mux.HandleFunc("GET /", s.handleOverview)
	s.mux.HandleFunc("GET /audit", s.handleAudit)
	s.mux.HandleFunc("GET /audit/stream", s.handleAuditStream)
	s.mux.HandleFunc("GET /approval", s.handleApproval)
	s.mux.HandleFunc("POST /approval/{id}/reject", s.handleApprovalReject)
	s.mux.HandleFunc("GET /policy", s.handlePolicy)

	s.mux.HandleFunc("GET /api/v1/stats", s.handleAPIStats)
	s.mux.HandleFunc("POST /api/v1/check", s.handleAPICheck)
	s.mux.Handle("GET /metrics", metrics.Handler())
}

// ListenAndServe serves until ctx is done, then cancels outstanding mock
// tasks and waits for them to exit.
func (s *Server) ListenAndServe(ctx context.Context) error {
	srv := &http.Server{
		Addr:    s.addr,
		Handler: s.mux,
	}

	go func() {
		<-ctx.Done()
		srv.Close()
	}()

	s.logger.Info("starting approval server", "addr", s.addr)
	err := srv.ListenAndServe()
	s.Close()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Close cancels mock tasks started by the server and waits for them.
func (s *Server) Close() {
	s.cancelTasks()
	s.tasks.Wait()
}

// Handler returns the HTTP handler for embedding in other servers.
func (s *Server) Handler() http.Handler {
	return s.mux
}
