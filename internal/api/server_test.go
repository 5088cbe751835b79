package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/atlas-research/edge-engine/internal/analytics"
	"github.com/atlas-research/edge-engine/internal/api"
	"github.com/atlas-research/edge-engine/internal/bayes"
	"github.com/atlas-research/edge-engine/internal/drift"
	"github.com/atlas-research/edge-engine/internal/ensemble"
	"github.com/atlas-research/edge-engine/internal/store"
	"github.com/atlas-research/edge-engine/internal/walkforward"
	"github.com/atlas-research/edge-engine/pkg/types"
)

// fakeProvider is a deterministic stand-in for the HTTP scoring
// providers, grounded on ensemble_test.go's table-literal style.
type fakeProvider struct {
	id    types.ProviderID
	score float64
}

func (p fakeProvider) ID() types.ProviderID { return p.id }
func (p fakeProvider) Score(_ context.Context, _ ensemble.ScoreRequest) (types.ModelOutput, error) {
	return types.ModelOutput{
		Provider:    p.id,
		Compliant:   true,
		TradeScore:  decimal.NewFromFloat(p.score),
		ExpectedRR:  decimal.NewFromFloat(2.0),
		Confidence:  decimal.NewFromFloat(0.8),
		ShouldTrade: p.score >= 50,
	}, nil
}

func setupTestServer(t *testing.T) (*api.Server, *httptest.Server) {
	t.Helper()
	logger := zap.NewNop()
	st, err := store.New(logger, t.TempDir())
	if err != nil {
		t.Fatalf("store.New: %v", err)
	}
	if err := st.SaveWeights(context.Background(), types.EnsembleWeights{
		Weights: map[types.ProviderID]decimal.Decimal{
			types.ProviderClaude: decimal.NewFromFloat(0.34),
			types.ProviderGPT:    decimal.NewFromFloat(0.33),
			types.ProviderGemini: decimal.NewFromFloat(0.33),
		},
		PenaltyCoefficient: decimal.NewFromFloat(1.0),
	}); err != nil {
		t.Fatalf("SaveWeights: %v", err)
	}

	scorer := ensemble.New(logger,
		fakeProvider{id: types.ProviderClaude, score: 70},
		fakeProvider{id: types.ProviderGPT, score: 72},
		fakeProvider{id: types.ProviderGemini, score: 68},
	)

	cfg := &types.Config{
		REST:         types.RESTConfig{Port: 0},
		Orchestrator: types.OrchestratorConfig{RequiredAgreement: 0.6},
		EnableMetrics: true,
	}

	deps := api.Deps{
		Store:       st,
		Scorer:      scorer,
		Recal:       bayes.New(logger, st),
		Walkforward: walkforward.New(logger, st),
		Calc:        analytics.NewCalculator(logger),
		Sim:         analytics.NewSimulator(logger, 42),
		Drift:       drift.New(logger, st),
	}

	server := api.NewServer(logger, cfg, deps)
	ts := httptest.NewServer(server.Router())
	return server, ts
}

func TestHealthEndpoint(t *testing.T) {
	_, ts := setupTestServer(t)
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/health")
	if err != nil {
		t.Fatalf("health request failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("expected 200, got %d", resp.StatusCode)
	}
}

func TestEvaluateEndpointReturnsEnsembleDecision(t *testing.T) {
	_, ts := setupTestServer(t)
	defer ts.Close()

	body, _ := json.Marshal(map[string]interface{}{
		"symbol":    "AAPL",
		"direction": "long",
	})
	resp, err := http.Post(ts.URL+"/evaluate", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("evaluate request failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}

	var out struct {
		Evaluation struct {
			ID       string `json:"id"`
			Ensemble struct {
				ShouldTrade bool `json:"shouldTrade"`
			} `json:"ensemble"`
		} `json:"evaluation"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if out.Evaluation.ID == "" {
		t.Error("expected a non-empty evaluation id")
	}
	if !out.Evaluation.Ensemble.ShouldTrade {
		t.Error("expected should_trade=true given all three providers above 50")
	}
}

func TestEvaluateRejectsMissingSymbol(t *testing.T) {
	_, ts := setupTestServer(t)
	defer ts.Close()

	body, _ := json.Marshal(map[string]interface{}{"direction": "long"})
	resp, err := http.Post(ts.URL+"/evaluate", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("evaluate request failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("expected 400 for missing symbol, got %d", resp.StatusCode)
	}
}

func TestOutcomeEndpointRejectsUnknownEvaluation(t *testing.T) {
	_, ts := setupTestServer(t)
	defer ts.Close()

	body, _ := json.Marshal(map[string]interface{}{"evaluation_id": "does-not-exist", "trade_taken": false})
	resp, err := http.Post(ts.URL+"/outcome", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("outcome request failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("expected 400 for unknown evaluation_id, got %d", resp.StatusCode)
	}
}

func TestOutcomeEndpointIsIdempotentAndUpdatesPriors(t *testing.T) {
	_, ts := setupTestServer(t)
	defer ts.Close()

	evalBody, _ := json.Marshal(map[string]interface{}{"symbol": "AAPL", "direction": "long"})
	evalResp, err := http.Post(ts.URL+"/evaluate", "application/json", bytes.NewReader(evalBody))
	if err != nil {
		t.Fatalf("evaluate request failed: %v", err)
	}
	defer evalResp.Body.Close()
	var evalOut struct {
		Evaluation struct {
			ID string `json:"id"`
		} `json:"evaluation"`
	}
	if err := json.NewDecoder(evalResp.Body).Decode(&evalOut); err != nil {
		t.Fatalf("decode evaluate response: %v", err)
	}

	outcomeBody, _ := json.Marshal(map[string]interface{}{
		"evaluation_id": evalOut.Evaluation.ID,
		"trade_taken":   true,
		"r_multiple":    1.5,
	})
	for i := 0; i < 2; i++ {
		resp, err := http.Post(ts.URL+"/outcome", "application/json", bytes.NewReader(outcomeBody))
		if err != nil {
			t.Fatalf("outcome request %d failed: %v", i, err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Errorf("outcome request %d: expected 200, got %d", i, resp.StatusCode)
		}
	}

	// Only the first submission updates the priors: claude (score 70,
	// should-trade, long, won) gains |1.5| correct weight under TRENDING.
	calResp, err := http.Get(ts.URL + "/calibration")
	if err != nil {
		t.Fatalf("calibration request failed: %v", err)
	}
	defer calResp.Body.Close()
	var priors types.BayesianPriors
	if err := json.NewDecoder(calResp.Body).Decode(&priors); err != nil {
		t.Fatalf("decode calibration response: %v", err)
	}
	claude := priors.Priors[types.RegimeTrending][types.ProviderClaude]
	if claude == nil || !claude.Correct.Equal(decimal.NewFromFloat(1.5)) {
		t.Errorf("expected claude TRENDING correct=1.5 after one applied outcome, got %+v", claude)
	}
}

func TestEdgeMetricsEndpointMatchesScenarioSix(t *testing.T) {
	_, ts := setupTestServer(t)
	defer ts.Close()

	body, _ := json.Marshal(map[string]interface{}{
		"outcomes": []float64{1, -0.5, 2, -1, 0.5},
		"alpha":    0.05,
	})
	resp, err := http.Post(ts.URL+"/edge-metrics", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("edge-metrics request failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}

	var out struct {
		Metrics struct {
			RecoveryFactor decimal.Decimal `json:"recovery_factor"`
			CVaR           decimal.Decimal `json:"cvar"`
		} `json:"metrics"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	want := decimal.NewFromInt(4)
	if out.Metrics.RecoveryFactor.Sub(want).Abs().GreaterThan(decimal.NewFromFloat(0.01)) {
		t.Errorf("recovery_factor = %s, want ≈ 4", out.Metrics.RecoveryFactor)
	}
}

func TestGetWeightsReturnsSavedSnapshot(t *testing.T) {
	_, ts := setupTestServer(t)
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/weights")
	if err != nil {
		t.Fatalf("weights request failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("expected 200, got %d", resp.StatusCode)
	}
	var weights types.EnsembleWeights
	if err := json.NewDecoder(resp.Body).Decode(&weights); err != nil {
		t.Fatalf("decode weights: %v", err)
	}
	if len(weights.Weights) != 3 {
		t.Errorf("expected 3 provider weights, got %d", len(weights.Weights))
	}
}
