// Package api implements the REST + WebSocket surface of spec.md §6,
// wired to every other component in this repository. Grounded on the
// teacher's internal/api/server.go (mux.Router, rs/cors, graceful
// http.Server) and internal/api/websocket.go (the Hub/Client push
// pattern, adapted in hub.go), routed here to this system's own
// evaluate/outcome/stats/weights/drift surface instead of the teacher's
// backtest-engine surface.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/rs/cors"
	"go.uber.org/zap"

	"github.com/atlas-research/edge-engine/internal/analytics"
	"github.com/atlas-research/edge-engine/internal/bayes"
	"github.com/atlas-research/edge-engine/internal/drift"
	"github.com/atlas-research/edge-engine/internal/ensemble"
	"github.com/atlas-research/edge-engine/internal/store"
	"github.com/atlas-research/edge-engine/internal/walkforward"
	"github.com/atlas-research/edge-engine/pkg/types"
)

// Server is the REST + WebSocket surface of spec.md §6.
type Server struct {
	logger *zap.Logger
	config *types.Config

	router     *mux.Router
	httpServer *http.Server
	upgrader   websocket.Upgrader
	hub        *Hub
	hubDone    chan struct{}

	store       store.Store
	scorer      *ensemble.Scorer
	recal       *bayes.Recalibrator
	walkforward *walkforward.Evaluator
	calc        *analytics.Calculator
	sim         *analytics.Simulator
	driftDet    *drift.Detector
}

// Deps bundles the components NewServer wires into request handlers,
// per SPEC_FULL.md's "explicit struct injected into each component's
// constructor" ambient-stack rule (no package-level mutable state).
type Deps struct {
	Store       store.Store
	Scorer      *ensemble.Scorer
	Recal       *bayes.Recalibrator
	Walkforward *walkforward.Evaluator
	Calc        *analytics.Calculator
	Sim         *analytics.Simulator
	Drift       *drift.Detector
}

// NewServer builds a Server with its routes mounted but not yet serving.
func NewServer(logger *zap.Logger, cfg *types.Config, deps Deps) *Server {
	s := &Server{
		logger:      logger.Named("api"),
		config:      cfg,
		router:      mux.NewRouter(),
		upgrader:    websocket.Upgrader{ReadBufferSize: 4096, WriteBufferSize: 4096, CheckOrigin: func(*http.Request) bool { return true }},
		hub:         NewHub(logger),
		hubDone:     make(chan struct{}),
		store:       deps.Store,
		scorer:      deps.Scorer,
		recal:       deps.Recal,
		walkforward: deps.Walkforward,
		calc:        deps.Calc,
		sim:         deps.Sim,
		driftDet:    deps.Drift,
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	s.router.HandleFunc("/metrics", s.handleMetrics).Methods(http.MethodGet)
	s.router.HandleFunc("/evaluate", s.handleEvaluate).Methods(http.MethodPost)
	s.router.HandleFunc("/outcome", s.handleOutcome).Methods(http.MethodPost)
	s.router.HandleFunc("/history", s.handleHistory).Methods(http.MethodGet)
	s.router.HandleFunc("/stats", s.handleStats).Methods(http.MethodGet)
	s.router.HandleFunc("/drift", s.handleDrift).Methods(http.MethodGet)
	s.router.HandleFunc("/calibration", s.handleCalibration).Methods(http.MethodGet)
	s.router.HandleFunc("/outcomes", s.handleOutcomes).Methods(http.MethodGet)
	s.router.HandleFunc("/weights", s.handleGetWeights).Methods(http.MethodGet)
	s.router.HandleFunc("/weights", s.handlePatchWeights).Methods(http.MethodPost)
	s.router.HandleFunc("/weights/history", s.handleWeightsHistory).Methods(http.MethodGet)
	s.router.HandleFunc("/weights/simulate", s.handleWeightsSimulate).Methods(http.MethodPost)
	s.router.HandleFunc("/edge-metrics", s.handleEdgeMetrics).Methods(http.MethodPost)
	s.router.HandleFunc("/ws", s.handleWebSocket)
}

// Router exposes the mounted mux.Router, mirroring the teacher's
// Server.Router() used by httptest.NewServer in server_test.go's idiom.
func (s *Server) Router() *mux.Router { return s.router }

// Start runs the hub loop and begins serving HTTP on cfg.REST.Port.
// Blocks until the listener stops.
func (s *Server) Start() error {
	go s.hub.Run(s.hubDone)

	handler := cors.New(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet, http.MethodPost},
		AllowedHeaders: []string{"*"},
	}).Handler(s.router)

	addr := fmt.Sprintf(":%d", s.config.REST.Port)
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
	}
	s.logger.Info("starting REST/WebSocket server", zap.String("addr", addr))
	err := s.httpServer.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Stop shuts down the hub, then gracefully drains in-flight HTTP requests.
func (s *Server) Stop(ctx context.Context) error {
	close(s.hubDone)
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	c := newClient(uuid.NewString(), s.hub, conn)
	s.hub.register <- c
	go c.writePump()
	go c.readPump()
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
