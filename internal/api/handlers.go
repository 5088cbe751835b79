package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/atlas-research/edge-engine/internal/analytics"
	"github.com/atlas-research/edge-engine/internal/ensemble"
	"github.com/atlas-research/edge-engine/pkg/types"
)

const defaultLookbackDays = 90

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":        "healthy",
		"wsClients":     s.hub.ClientCount(),
		"time":          time.Now().UTC(),
		"metricsPort":   s.config.MetricsPort,
		"enableMetrics": s.config.EnableMetrics,
	})
}

// evaluateRequest is POST /evaluate's body. Features is optional: the
// feature vector (RVOL/VWAP/ATR/etc.) is computed by an external
// collaborator upstream of this core (spec.md §1's scope boundary), so a
// caller who already has one attaches it; otherwise a zero-value
// FeatureVector is scored.
type evaluateRequest struct {
	Symbol     string               `json:"symbol"`
	Direction  types.Direction      `json:"direction"`
	EntryPrice *decimal.Decimal     `json:"entry_price,omitempty"`
	StopPrice  *decimal.Decimal     `json:"stop_price,omitempty"`
	Features   *types.FeatureVector `json:"features,omitempty"`
}

func (s *Server) handleEvaluate(w http.ResponseWriter, r *http.Request) {
	var req evaluateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}
	if req.Symbol == "" {
		writeError(w, http.StatusBadRequest, "symbol is required")
		return
	}
	if req.Direction != types.DirectionLong && req.Direction != types.DirectionShort {
		writeError(w, http.StatusBadRequest, "direction must be \"long\" or \"short\"")
		return
	}

	ctx := r.Context()
	weights, err := s.store.LoadWeights(ctx)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	features := types.FeatureVector{}
	if req.Features != nil {
		features = *req.Features
	}
	scoreReq := ensemble.ScoreRequest{
		Symbol:     req.Symbol,
		Direction:  req.Direction,
		EntryPrice: req.EntryPrice,
		StopPrice:  req.StopPrice,
		Features:   features,
	}

	result, outputs, err := s.scorer.Score(ctx, scoreReq, weights.Snapshot())
	if err != nil {
		// NoProvidersAvailable and any other scoring failure both surface
		// to the caller per spec.md §7 ("loss of all providers -> caller
		// error").
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	RecordDisagreementPenalty(mustFloat(result.DisagreementPenalty))

	eval := types.Evaluation{
		ID:               uuid.NewString(),
		Symbol:           req.Symbol,
		Direction:        req.Direction,
		EntryPrice:       req.EntryPrice,
		StopPrice:        req.StopPrice,
		Timestamp:        time.Now(),
		Features:         features,
		Ensemble:         result,
		WeightsUsed:      weights.Snapshot(),
		GuardrailAllowed: agreementOf(outputs, result) >= s.config.Orchestrator.RequiredAgreement,
		PrefilterPassed:  anyCompliant(outputs),
	}
	if err := s.store.InsertEvaluation(ctx, eval); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	for _, o := range outputs {
		o.EvaluationID = eval.ID
		if err := s.store.InsertModelOutput(ctx, o); err != nil {
			s.logger.Error("failed to persist model output", zap.Error(err))
		}
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"evaluation":   eval,
		"modelOutputs": outputs,
	})
}

// agreementOf is the fraction of compliant providers whose should-trade
// vote matches the ensemble's final decision — the basis for
// GuardrailAllowed against orchestrator.requiredAgreement.
func agreementOf(outputs []types.ModelOutput, result types.EnsembleResult) float64 {
	compliant := 0
	agree := 0
	for _, o := range outputs {
		if !o.Compliant {
			continue
		}
		compliant++
		if o.ShouldTrade == result.ShouldTrade {
			agree++
		}
	}
	if compliant == 0 {
		return 0
	}
	return float64(agree) / float64(compliant)
}

func anyCompliant(outputs []types.ModelOutput) bool {
	for _, o := range outputs {
		if o.Compliant {
			return true
		}
	}
	return false
}

func mustFloat(d decimal.Decimal) float64 {
	f, _ := d.Float64()
	return f
}

// outcomeRequest is POST /outcome's body.
type outcomeRequest struct {
	EvaluationID string             `json:"evaluation_id"`
	TradeTaken   bool               `json:"trade_taken"`
	DecisionType types.DecisionType `json:"decision_type,omitempty"`
	EntryPrice   *decimal.Decimal   `json:"entry_price,omitempty"`
	ExitPrice    *decimal.Decimal   `json:"exit_price,omitempty"`
	RMultiple    *decimal.Decimal   `json:"r_multiple,omitempty"`
	ExitReason   types.ExitReason   `json:"exit_reason,omitempty"`
}

func (s *Server) handleOutcome(w http.ResponseWriter, r *http.Request) {
	var req outcomeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}
	if req.EvaluationID == "" {
		writeError(w, http.StatusBadRequest, "evaluation_id is required")
		return
	}

	ctx := r.Context()
	eval, ok, err := s.store.GetEvaluation(ctx, req.EvaluationID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if !ok {
		writeError(w, http.StatusBadRequest, "unknown evaluation_id")
		return
	}

	outcome := types.Outcome{
		EvaluationID: req.EvaluationID,
		TradeTaken:   req.TradeTaken,
		DecisionType: req.DecisionType,
		EntryPrice:   req.EntryPrice,
		ExitPrice:    req.ExitPrice,
		RMultiple:    req.RMultiple,
		ExitReason:   req.ExitReason,
		RecordedAt:   time.Now(),
	}
	inserted, err := s.store.InsertOutcome(ctx, outcome)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if inserted {
		outputs, err := s.store.GetModelOutputsForEval(ctx, req.EvaluationID)
		if err != nil {
			s.logger.Error("failed to load model outputs for recalibration", zap.Error(err))
		} else if err := s.recal.OnOutcome(ctx, eval, outputs, outcome); err != nil {
			s.logger.Error("bayesian recalibration failed", zap.Error(err))
		}
		s.hub.Publish(ChannelOutcome, outcome)
	}

	writeJSON(w, http.StatusOK, outcome)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	symbol := r.URL.Query().Get("symbol")
	since := parseSince(r, defaultLookbackDays)
	evals, err := s.store.GetRecentEvalsForSymbol(r.Context(), symbol, since)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, evals)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	symbol := r.URL.Query().Get("symbol")
	days := parseDays(r, defaultLookbackDays)

	records, err := s.store.GetEvalsForSimulation(r.Context(), days, symbol)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	var rOutcomes []decimal.Decimal
	for _, rec := range records {
		if rec.Outcome != nil && rec.Outcome.TradeTaken && rec.Outcome.RMultiple != nil {
			rOutcomes = append(rOutcomes, *rec.Outcome.RMultiple)
		}
	}
	rolling := s.calc.Rolling(rOutcomes)
	bootstrap := s.sim.BootstrapCI(rOutcomes, 1000)
	monteCarlo := s.sim.MonteCarloDrawdown(rOutcomes, 1000)

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"rolling":    rolling,
		"bootstrap":  bootstrap,
		"monteCarlo": monteCarlo,
		"sampleSize": len(rOutcomes),
	})
}

func (s *Server) handleDrift(w http.ResponseWriter, r *http.Request) {
	days := parseDays(r, 365)
	report, err := s.driftDet.Detect(r.Context(), days)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) handleCalibration(w http.ResponseWriter, r *http.Request) {
	priors, err := s.store.LoadPriors(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, priors)
}

func (s *Server) handleOutcomes(w http.ResponseWriter, r *http.Request) {
	symbol := r.URL.Query().Get("symbol")
	days := parseDays(r, defaultLookbackDays)

	records, err := s.store.GetEvalsForSimulation(r.Context(), days, symbol)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	var outcomes []types.Outcome
	for _, rec := range records {
		if rec.Outcome != nil {
			outcomes = append(outcomes, *rec.Outcome)
		}
	}
	writeJSON(w, http.StatusOK, outcomes)
}

func (s *Server) handleGetWeights(w http.ResponseWriter, r *http.Request) {
	weights, err := s.store.LoadWeights(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, weights)
}

// patchWeightsRequest is POST /weights' body: a partial patch. Only the
// keys present are changed; omitted providers keep their current weight.
// The merged map is not renormalised: it is rejected with 400 if it fails
// the weights invariant check.
type patchWeightsRequest struct {
	Weights            map[types.ProviderID]decimal.Decimal `json:"weights,omitempty"`
	PenaltyCoefficient *decimal.Decimal                      `json:"penaltyCoefficient,omitempty"`
	Reason             string                                `json:"reason,omitempty"`
}

func (s *Server) handlePatchWeights(w http.ResponseWriter, r *http.Request) {
	var req patchWeightsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}

	ctx := r.Context()
	current, err := s.store.LoadWeights(ctx)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	updated := current.Weights
	if updated == nil {
		updated = map[types.ProviderID]decimal.Decimal{}
	} else {
		cp := make(map[types.ProviderID]decimal.Decimal, len(updated))
		for k, v := range updated {
			cp[k] = v
		}
		updated = cp
	}
	for provider, weight := range req.Weights {
		if weight.IsNegative() {
			writeError(w, http.StatusBadRequest, "weights must be non-negative")
			return
		}
		updated[provider] = weight
	}

	sum := decimal.Zero
	for _, v := range updated {
		sum = sum.Add(v)
	}
	if sum.Sub(decimal.NewFromInt(1)).Abs().GreaterThan(decimal.NewFromFloat(1e-6)) {
		writeError(w, http.StatusBadRequest, "weights must sum to 1 (±1e-6)")
		return
	}

	penalty := current.PenaltyCoefficient
	if req.PenaltyCoefficient != nil {
		penalty = *req.PenaltyCoefficient
	}

	reason := req.Reason
	if reason == "" {
		reason = "manual_patch"
	}
	next := types.EnsembleWeights{
		Weights:            updated,
		PenaltyCoefficient: penalty,
		SampleSize:         current.SampleSize,
		History:            current.History,
	}
	if err := s.store.SaveWeights(ctx, next); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if err := s.store.AppendWeightHistory(ctx, types.WeightHistoryEntry{Weights: updated, Reason: reason, Timestamp: time.Now()}); err != nil {
		s.logger.Error("failed to append weight history", zap.Error(err))
	}
	writeJSON(w, http.StatusOK, next)
}

func (s *Server) handleWeightsHistory(w http.ResponseWriter, r *http.Request) {
	weights, err := s.store.LoadWeights(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, weights.History)
}

type simulateWeightsRequest struct {
	Symbol       string `json:"symbol"`
	TrainSize    int    `json:"trainSize"`
	TestSize     int    `json:"testSize"`
	LookbackDays int    `json:"lookbackDays"`
}

func (s *Server) handleWeightsSimulate(w http.ResponseWriter, r *http.Request) {
	var req simulateWeightsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}
	if req.TrainSize <= 0 || req.TestSize <= 0 {
		writeError(w, http.StatusBadRequest, "trainSize and testSize must be positive")
		return
	}
	if req.LookbackDays <= 0 {
		req.LookbackDays = defaultLookbackDays
	}

	result, err := s.walkforward.Run(r.Context(), req.TrainSize, req.TestSize, req.Symbol, req.LookbackDays)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, result)
}

type edgeMetricsRequest struct {
	Outcomes []float64 `json:"outcomes"`
	Alpha    *float64  `json:"alpha,omitempty"`
}

func (s *Server) handleEdgeMetrics(w http.ResponseWriter, r *http.Request) {
	var req edgeMetricsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}
	if len(req.Outcomes) == 0 {
		writeError(w, http.StatusBadRequest, "outcomes must be non-empty")
		return
	}
	alpha := 0.05
	if req.Alpha != nil {
		alpha = *req.Alpha
	}
	metrics := analytics.ComputeEdgeMetrics(req.Outcomes, alpha)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"alpha":   alpha,
		"metrics": metrics,
	})
}

func parseDays(r *http.Request, fallback int) int {
	if v := r.URL.Query().Get("days"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return fallback
}

func parseSince(r *http.Request, fallbackDays int) time.Time {
	if v := r.URL.Query().Get("since"); v != "" {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			return t
		}
	}
	return time.Now().AddDate(0, 0, -fallbackDays)
}
