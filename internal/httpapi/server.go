// Copyright 2025 James Ross
package httpapi

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/flyingrobots/comfy-bridge/internal/config"
	"github.com/flyingrobots/comfy-bridge/internal/selector"
	"github.com/flyingrobots/comfy-bridge/internal/session"
	"github.com/flyingrobots/comfy-bridge/internal/statestore"
	"github.com/flyingrobots/comfy-bridge/internal/upload"
	"github.com/flyingrobots/comfy-bridge/internal/workflow"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// Server wires the bridge's client-facing HTTP surface: one gorilla/mux
// router over the session manager, backend pool, workflow engine, upload
// pipeline and state store.
type Server struct {
	cfg       *config.Config
	log       *zap.Logger
	sessions  *session.Manager
	pool      *selector.Pool
	engine    *workflow.Engine
	uploads   *upload.Pipeline
	store     *statestore.Store
	upgrader  websocket.Upgrader
	heartbeat time.Duration
	limit     int
}

// New builds a Server over the bridge's core components.
func New(cfg *config.Config, log *zap.Logger, sessions *session.Manager, pool *selector.Pool,
	engine *workflow.Engine, uploads *upload.Pipeline, store *statestore.Store) *Server {
	return &Server{
		cfg:      cfg,
		log:      log,
		sessions: sessions,
		pool:     pool,
		engine:   engine,
		uploads:  uploads,
		store:    store,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		heartbeat: cfg.Session.TimeoutInterval,
		limit:     cfg.Session.LimitTimeoutCount,
	}
}

// Router builds the full route table wrapped in the standard middleware
// chain, outermost first: the top-level recovery boundary, request id, then
// logging.
func (s *Server) Router() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/", s.handleBanner).Methods(http.MethodGet)
	r.HandleFunc("/ws", s.handleWebSocket).Methods(http.MethodGet)
	r.HandleFunc("/workflow-list", s.handleWorkflowList).Methods(http.MethodGet)
	r.HandleFunc("/workflow-info", s.handleWorkflowInfo).Methods(http.MethodGet)
	r.HandleFunc("/execution-info", s.handleExecutionInfo).Methods(http.MethodGet)
	r.HandleFunc("/generation-count", s.handleGenerationCount).Methods(http.MethodGet)
	r.HandleFunc("/history", s.handleHistory).Methods(http.MethodGet)
	r.HandleFunc("/upload", s.handleUpload).Methods(http.MethodPost)
	r.HandleFunc("/generate-based-workflow", s.handleGenerate).Methods(http.MethodPost)
	r.HandleFunc("/free", s.handleFree).Methods(http.MethodPost)
	r.HandleFunc("/interrupt", s.handleInterrupt).Methods(http.MethodPost)

	var h http.Handler = r
	h = LoggingMiddleware(s.log)(h)
	h = RequestIDMiddleware()(h)
	h = RecoveryMiddleware(s.log)(h)
	return h
}

// NewHTTPServer wraps Router in an *http.Server bound to cfg.Server.
func (s *Server) NewHTTPServer() *http.Server {
	return &http.Server{
		Addr:         s.cfg.Server.Host + ":" + strconv.Itoa(s.cfg.Server.Port),
		Handler:      s.Router(),
		ReadTimeout:  s.cfg.Server.ReadTimeout,
		WriteTimeout: s.cfg.Server.WriteTimeout,
	}
}

// Readiness reports whether the bridge can currently serve traffic: at
// least one backend must answer a queue-depth poll.
func (s *Server) Readiness(ctx context.Context) error {
	_, err := s.pool.QueueDepths(ctx)
	return err
}
