// Package main provides the entry point for the edge-engine research
// core: a brokerage session manager, order/execution pipeline, ensemble
// AI scoring with Bayesian recalibration, and a walk-forward edge
// evaluator, fronted by a REST/WebSocket API. Grounded on the teacher's
// cmd/server/main.go (flag parsing, zap console-encoder setup, ordered
// startup/shutdown, callback wiring between components).
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/atlas-research/edge-engine/internal/analytics"
	"github.com/atlas-research/edge-engine/internal/api"
	"github.com/atlas-research/edge-engine/internal/autolink"
	"github.com/atlas-research/edge-engine/internal/bayes"
	"github.com/atlas-research/edge-engine/internal/broker"
	"github.com/atlas-research/edge-engine/internal/config"
	"github.com/atlas-research/edge-engine/internal/drift"
	"github.com/atlas-research/edge-engine/internal/ensemble"
	"github.com/atlas-research/edge-engine/internal/orders"
	"github.com/atlas-research/edge-engine/internal/paper"
	"github.com/atlas-research/edge-engine/internal/session"
	"github.com/atlas-research/edge-engine/internal/store"
	"github.com/atlas-research/edge-engine/internal/walkforward"
	"github.com/atlas-research/edge-engine/pkg/types"
)

// reconcileLookbackDays bounds the startup reconciliation scan (§4.5).
// Not config-driven: spec.md names no knob for it, and the rolling
// analytics window (C9) is the closest precedent for "how far back is
// this system's own history worth scanning."
const reconcileLookbackDays = 20

func main() {
	configPath := flag.String("config", "", "Path to config file (optional; env vars and defaults fill the rest)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		panic(err)
	}

	logger := setupLogger(cfg.LogLevel)
	defer logger.Sync()

	if w := config.APIKeyWarning(cfg); w != "" {
		logger.Warn(w)
	}

	logger.Info("starting edge-engine",
		zap.Int("restPort", cfg.REST.Port),
		zap.String("ibkrHost", cfg.IBKR.Host),
		zap.Int("ibkrPort", cfg.IBKR.Port),
		zap.String("dataDir", cfg.DataDir),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	st, err := store.New(logger, cfg.DataDir)
	if err != nil {
		logger.Fatal("failed to open store", zap.Error(err))
	}
	if err := seedDefaultWeights(ctx, st, cfg); err != nil {
		logger.Fatal("failed to seed ensemble weights", zap.Error(err))
	}

	brk := broker.New(logger)
	defer brk.Stop()

	// The real brokerage wire protocol is deployment-specific and not
	// pinned down by this repository's spec; the paper simulator fills
	// this Transport/Gateway pair in-process. Swap in a real
	// implementation of session.Transport/orders.Gateway for a live
	// gateway connection.
	transport := paper.NewTransport(logger)
	gateway := paper.NewGateway(logger, brk, decimal.NewFromInt(100))

	sess := session.New(logger, session.Config{
		ClientID:           cfg.IBKR.ClientID,
		MaxClientIDRetries: cfg.IBKR.MaxClientIDRetries,
		HeartbeatInterval:  15 * time.Second,
		HeartbeatTimeout:   5 * time.Second,
	}, transport)
	sess.OnHardReconnect(brk.ResetRequestIDs)
	sess.OnStateChange(func(s session.State) {
		logger.Info("session state changed", zap.String("state", string(s)))
		api.RecordConnectionHealth(sess.Health().Score)
	})

	linker := autolink.New(logger, st)

	ordersMgr := orders.New(logger, orders.Config{
		OrderTimeout:     time.Duration(cfg.IBKR.OrderTimeoutMs) * time.Millisecond,
		ExecutionTimeout: time.Duration(cfg.IBKR.ExecutionTimeoutMs) * time.Millisecond,
	}, sess, brk, gateway, st)

	execCorrelations := newCorrelationTracker()
	ordersMgr.OnExecution(func(exec types.Execution) {
		execCorrelations.put(exec.ExecID, exec.CorrelationID)
		if err := linker.TryLinkExecution(context.Background(), exec); err != nil {
			logger.Error("auto-link failed", zap.String("execId", exec.ExecID), zap.Error(err))
		}
	})
	brk.GlobalListener(broker.EventCommissionReport, func(ev broker.Event) {
		p, ok := ev.Payload.(orders.CommissionReportPayload)
		if !ok {
			return
		}
		if correlationID, ok := execCorrelations.get(p.ExecID); ok {
			linker.OnCommissionReport(correlationID)
		}
	})

	// §4.5's offline reconciliation pass: positions that closed while this
	// process was down never got a persistent-listener-driven outcome, so
	// catch them up once at startup. It runs in its own goroutine,
	// concurrently with session start, so a slow store scan never delays
	// startup and new work can arrive before it finishes;
	// reconcileLookbackDays has no config knob (spec never names
	// one), so it mirrors the rolling-stats window size used elsewhere.
	go func() {
		n, err := linker.Reconcile(context.Background(), reconcileLookbackDays)
		if err != nil {
			logger.Error("startup reconciliation failed", zap.Error(err))
			return
		}
		logger.Info("startup reconciliation complete", zap.Int("reconciled", n))
	}()

	scorer := ensemble.New(logger, buildProviders(logger, cfg)...)
	recal := bayes.New(logger, st)
	wfEvaluator := walkforward.New(logger, st)
	calc := analytics.NewCalculator(logger)
	sim := analytics.NewSimulator(logger, time.Now().UnixNano())
	driftDet := drift.New(logger, st)

	apiServer := api.NewServer(logger, cfg, api.Deps{
		Store:       st,
		Scorer:      scorer,
		Recal:       recal,
		Walkforward: wfEvaluator,
		Calc:        calc,
		Sim:         sim,
		Drift:       driftDet,
	})

	if err := sess.Start(ctx); err != nil {
		logger.Fatal("failed to start session", zap.Error(err))
	}

	go func() {
		if err := apiServer.Start(); err != nil {
			logger.Error("api server error", zap.Error(err))
		}
	}()

	logger.Info("edge-engine started",
		zap.String("http", "http://localhost"),
		zap.Int("port", cfg.REST.Port),
	)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan
	logger.Info("shutdown signal received")

	// Shutdown order: stop accepting new HTTP/evaluate/order work first,
	// then close the gateway session last so in-flight persistent
	// listeners (orderStatus/execDetails/commissionReport) keep draining
	// until the connection itself goes away.
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := apiServer.Stop(shutdownCtx); err != nil {
		logger.Error("error during api server shutdown", zap.Error(err))
	}

	sess.Close()
	logger.Info("edge-engine stopped")
}

// buildProviders constructs one HTTP-backed ensemble provider per entry in
// cfg.Providers that carries an API key, using spec.md §9's resolved
// config-wins-over-env precedence (already applied by config.Load).
func buildProviders(logger *zap.Logger, cfg *types.Config) []ensemble.Provider {
	order := []types.ProviderID{types.ProviderClaude, types.ProviderGPT, types.ProviderGemini}
	defaultEndpoints := map[types.ProviderID]string{
		types.ProviderClaude: "https://api.anthropic.com/v1/messages",
		types.ProviderGPT:    "https://api.openai.com/v1/chat/completions",
		types.ProviderGemini: "https://generativelanguage.googleapis.com/v1beta/models/gemini-pro:generateContent",
	}

	var providers []ensemble.Provider
	for _, id := range order {
		pc, ok := cfg.Providers[string(id)]
		if !ok || pc.APIKey == "" {
			logger.Warn("provider has no API key configured, skipping", zap.String("provider", string(id)))
			continue
		}
		endpoint := pc.BaseURL
		if endpoint == "" {
			endpoint = defaultEndpoints[id]
		}
		timeout := time.Duration(pc.TimeoutMs) * time.Millisecond
		providers = append(providers, ensemble.NewHTTPProvider(logger, id, endpoint, pc.APIKey, timeout, 2))
	}
	return providers
}

// seedDefaultWeights persists cfg.Orchestrator.Weights as the initial
// ensemble-weight snapshot the first time the store has none, so a fresh
// deployment can score immediately instead of needing a manual
// POST /weights bootstrap call.
func seedDefaultWeights(ctx context.Context, st store.Store, cfg *types.Config) error {
	existing, err := st.LoadWeights(ctx)
	if err != nil {
		return err
	}
	if len(existing.Weights) > 0 {
		return nil
	}
	weights := make(map[types.ProviderID]decimal.Decimal, len(cfg.Orchestrator.Weights))
	for name, w := range cfg.Orchestrator.Weights {
		weights[types.ProviderID(name)] = decimal.NewFromFloat(w)
	}
	if len(weights) == 0 {
		weights = map[types.ProviderID]decimal.Decimal{
			types.ProviderClaude: decimal.NewFromFloat(0.34),
			types.ProviderGPT:    decimal.NewFromFloat(0.33),
			types.ProviderGemini: decimal.NewFromFloat(0.33),
		}
	}
	return st.SaveWeights(ctx, types.EnsembleWeights{
		Weights:            weights,
		PenaltyCoefficient: decimal.NewFromFloat(1.0),
	})
}

// correlationTracker maps a fill's exec id to its correlation id between
// the execDetails and commissionReport events, so the commission listener
// can hand autolink the correlation id its debounce timer is keyed on.
type correlationTracker struct {
	mu sync.Mutex
	m  map[string]string
}

func newCorrelationTracker() *correlationTracker {
	return &correlationTracker{m: make(map[string]string)}
}

func (c *correlationTracker) put(execID, correlationID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.m[execID] = correlationID
}

func (c *correlationTracker) get(execID string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.m[execID]
	if ok {
		delete(c.m, execID)
	}
	return v, ok
}

func setupLogger(level string) *zap.Logger {
	var zapLevel zapcore.Level
	switch level {
	case "debug":
		zapLevel = zapcore.DebugLevel
	case "info":
		zapLevel = zapcore.InfoLevel
	case "warn":
		zapLevel = zapcore.WarnLevel
	case "error":
		zapLevel = zapcore.ErrorLevel
	default:
		zapLevel = zapcore.InfoLevel
	}

	cfg := zap.Config{
		Level:       zap.NewAtomicLevelAt(zapLevel),
		Development: false,
		Encoding:    "console",
		EncoderConfig: zapcore.EncoderConfig{
			TimeKey:        "time",
			LevelKey:       "level",
			NameKey:        "logger",
			CallerKey:      "caller",
			MessageKey:     "msg",
			StacktraceKey:  "stacktrace",
			LineEnding:     zapcore.DefaultLineEnding,
			EncodeLevel:    zapcore.CapitalColorLevelEncoder,
			EncodeTime:     zapcore.ISO8601TimeEncoder,
			EncodeDuration: zapcore.SecondsDurationEncoder,
			EncodeCaller:   zapcore.ShortCallerEncoder,
		},
		OutputPaths:      []string{"stdout"},
		ErrorOutputPaths: []string{"stderr"},
	}

	logger, err := cfg.Build()
	if err != nil {
		panic(err)
	}
	return logger
}
