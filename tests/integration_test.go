// Package integration_test provides end-to-end integration tests driving
// the full REST surface the way a real client would, grounded on the
// teacher's tests/integration_test.go (bring up a real server, drive it
// over HTTP, assert the full round trip) but against this system's own
// evaluate -> outcome -> stats -> weights flow instead of the teacher's
// backtest-engine flow.
package integration_test

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

type scriptedProvider struct {
	id     types.ProviderID
	scores []float64
	calls  int
}

func (p *scriptedProvider) ID() types.ProviderID { return p.id }

func (p *scriptedProvider) Score(_ context.Context, _ ensemble.ScoreRequest) (types.ModelOutput, error) {
	score := p.scores[p.calls%len(p.scores)]
	p.calls++
	return types.ModelOutput{
		Provider:    p.id,
		Compliant:   true,
		TradeScore:  decimal.NewFromFloat(score),
		ExpectedRR:  decimal.NewFromFloat(2.0),
		Confidence:  decimal.NewFromFloat(0.75),
		ShouldTrade: score >= 50,
	}, nil
}

// TestFullEvaluateOutcomeStatsWorkflow drives evaluate -> outcome -> stats
// -> weights end to end against a live httptest server, the way Concrete
// Scenario walkthroughs in spec.md describe the system being used.
func TestFullEvaluateOutcomeStatsWorkflow(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

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
		&scriptedProvider{id: types.ProviderClaude, scores: []float64{72}},
		&scriptedProvider{id: types.ProviderGPT, scores: []float64{68}},
		&scriptedProvider{id: types.ProviderGemini, scores: []float64{75}},
	)

	cfg := &types.Config{
		REST:         types.RESTConfig{Port: 0},
		Orchestrator: types.OrchestratorConfig{RequiredAgreement: 0.6},
	}
	deps := api.Deps{
		Store:       st,
		Scorer:      scorer,
		Recal:       bayes.New(logger, st),
		Walkforward: walkforward.New(logger, st),
		Calc:        analytics.NewCalculator(logger),
		Sim:         analytics.NewSimulator(logger, 7),
		Drift:       drift.New(logger, st),
	}
	server := api.NewServer(logger, cfg, deps)
	ts := httptest.NewServer(server.Router())
	defer ts.Close()

	t.Log("step 1: health check")
	resp, err := http.Get(ts.URL + "/health")
	if err != nil || resp.StatusCode != http.StatusOK {
		t.Fatalf("health check failed: err=%v status=%v", err, resp)
	}
	resp.Body.Close()

	t.Log("step 2: evaluate a candidate trade")
	evalBody, _ := json.Marshal(map[string]interface{}{
		"symbol":      "MSFT",
		"direction":   "long",
		"entry_price": "410.00",
		"stop_price":  "405.00",
	})
	resp, err = http.Post(ts.URL+"/evaluate", "application/json", bytes.NewReader(evalBody))
	if err != nil {
		t.Fatalf("evaluate request failed: %v", err)
	}
	var evalOut struct {
		Evaluation struct {
			ID               string `json:"id"`
			GuardrailAllowed bool   `json:"guardrailAllowed"`
			Ensemble         struct {
				ShouldTrade bool `json:"shouldTrade"`
			} `json:"ensemble"`
		} `json:"evaluation"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&evalOut); err != nil {
		t.Fatalf("decode evaluate response: %v", err)
	}
	resp.Body.Close()
	if evalOut.Evaluation.ID == "" {
		t.Fatal("expected a non-empty evaluation id")
	}
	if !evalOut.Evaluation.Ensemble.ShouldTrade {
		t.Fatal("expected should_trade=true with all three providers above 50")
	}

	t.Log("step 3: record the outcome")
	outcomeBody, _ := json.Marshal(map[string]interface{}{
		"evaluation_id": evalOut.Evaluation.ID,
		"trade_taken":   true,
		"decision_type": "took_trade",
		"r_multiple":    1.8,
		"exit_reason":   "auto_detected",
	})
	resp, err = http.Post(ts.URL+"/outcome", "application/json", bytes.NewReader(outcomeBody))
	if err != nil || resp.StatusCode != http.StatusOK {
		t.Fatalf("outcome request failed: err=%v resp=%v", err, resp)
	}
	resp.Body.Close()

	t.Log("step 4: pull rolling stats")
	resp, err = http.Get(ts.URL + "/stats?symbol=MSFT")
	if err != nil || resp.StatusCode != http.StatusOK {
		t.Fatalf("stats request failed: err=%v resp=%v", err, resp)
	}
	resp.Body.Close()

	t.Log("step 5: pull the weights snapshot")
	resp, err = http.Get(ts.URL + "/weights")
	if err != nil || resp.StatusCode != http.StatusOK {
		t.Fatalf("weights request failed: err=%v resp=%v", err, resp)
	}
	var weights types.EnsembleWeights
	if err := json.NewDecoder(resp.Body).Decode(&weights); err != nil {
		t.Fatalf("decode weights: %v", err)
	}
	resp.Body.Close()
	if len(weights.Weights) != 3 {
		t.Errorf("expected 3 provider weights, got %d", len(weights.Weights))
	}
}
