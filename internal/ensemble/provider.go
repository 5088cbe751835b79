// Package ensemble implements the ensemble scorer (C6): a capability
// table of scoring providers, HTTP fan-out grounded on the teacher's
// internal/signals/aggregator.go PerplexitySignalSource.callPerplexity
// pattern (generalized from a single AI research call to N concurrent
// provider calls using hashicorp/go-retryablehttp instead of a bare
// *http.Client, since provider APIs here are on the critical path of
// every /evaluate request rather than a 15-minute background poll), and
// the weighted/median scoring math of spec.md §4.6.
package ensemble

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/atlas-research/edge-engine/internal/errs"
	"github.com/atlas-research/edge-engine/pkg/types"
	"github.com/hashicorp/go-retryablehttp"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// ScoreRequest is what every provider is asked to evaluate.
type ScoreRequest struct {
	Symbol     string
	Direction  types.Direction
	EntryPrice *decimal.Decimal
	StopPrice  *decimal.Decimal
	Features   types.FeatureVector
}

// Provider is the capability a single scoring source must implement. A
// tagged-variant ProviderID plus this capability table (rather than
// string-keyed chains of optional integrations) follows spec.md §9's
// explicit redesign note.
type Provider interface {
	ID() types.ProviderID
	Score(ctx context.Context, req ScoreRequest) (types.ModelOutput, error)
}

// providerChatResponse is the wire shape every provider endpoint is
// expected to return, already reduced to the fields this core validates.
type providerChatResponse struct {
	TradeScore  float64            `json:"tradeScore"`
	ExpectedRR  float64            `json:"expectedRr"`
	Confidence  float64            `json:"confidence"`
	ShouldTrade bool               `json:"shouldTrade"`
	Reasoning   string             `json:"reasoning"`
	Risks       map[string]float64 `json:"componentRisks,omitempty"`
}

// HTTPProvider calls a provider's HTTP scoring endpoint with retries.
type HTTPProvider struct {
	id       types.ProviderID
	client   *retryablehttp.Client
	endpoint string
	apiKey   string
	timeout  time.Duration
}

// NewHTTPProvider builds an HTTP-backed provider. retryablehttp replaces
// the teacher's bare *http.Client{Timeout: ...} because provider calls
// here sit on the request-latency-sensitive /evaluate path and benefit
// from bounded automatic retry on transient 5xx/network failures.
func NewHTTPProvider(logger *zap.Logger, id types.ProviderID, endpoint, apiKey string, timeout time.Duration, maxRetries int) *HTTPProvider {
	client := retryablehttp.NewClient()
	client.Logger = nil
	client.RetryMax = maxRetries
	client.HTTPClient.Timeout = timeout

	return &HTTPProvider{id: id, client: client, endpoint: endpoint, apiKey: apiKey, timeout: timeout}
}

func (p *HTTPProvider) ID() types.ProviderID { return p.id }

// Score issues the scoring request and validates the response against
// spec.md §4.6/§7's schema bounds (score in [0,100], confidence in [0,1]).
func (p *HTTPProvider) Score(ctx context.Context, req ScoreRequest) (types.ModelOutput, error) {
	start := time.Now()
	output := types.ModelOutput{Provider: p.id}

	body, err := json.Marshal(map[string]any{
		"symbol":     req.Symbol,
		"direction":  req.Direction,
		"entryPrice": req.EntryPrice,
		"stopPrice":  req.StopPrice,
		"features":   req.Features,
	})
	if err != nil {
		return output, &errs.ProviderFailure{Provider: string(p.id), Cause: err}
	}

	httpReq, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, p.endpoint, bytes.NewReader(body))
	if err != nil {
		return output, &errs.ProviderFailure{Provider: string(p.id), Cause: err}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)

	resp, err := p.client.Do(httpReq)
	if err != nil {
		output.LatencyMs = time.Since(start).Milliseconds()
		return output, &errs.ProviderFailure{Provider: string(p.id), Cause: err}
	}
	defer resp.Body.Close()

	output.LatencyMs = time.Since(start).Milliseconds()

	if resp.StatusCode != http.StatusOK {
		return output, &errs.ProviderFailure{Provider: string(p.id), Cause: fmt.Errorf("status %d", resp.StatusCode)}
	}

	var parsed providerChatResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return output, &errs.SchemaMismatch{Provider: string(p.id), Reason: "invalid JSON: " + err.Error()}
	}

	output.RawResponse = parsed.Reasoning
	output.TradeScore = decimal.NewFromFloat(parsed.TradeScore)
	output.ExpectedRR = decimal.NewFromFloat(parsed.ExpectedRR)
	output.Confidence = decimal.NewFromFloat(parsed.Confidence)
	output.ShouldTrade = parsed.ShouldTrade
	output.Reasoning = parsed.Reasoning
	if parsed.Risks != nil {
		output.ComponentRisks = make(map[string]decimal.Decimal, len(parsed.Risks))
		for k, v := range parsed.Risks {
			output.ComponentRisks[k] = decimal.NewFromFloat(v)
		}
	}

	if parsed.TradeScore < 0 || parsed.TradeScore > 100 {
		return output, &errs.SchemaMismatch{Provider: string(p.id), Reason: "tradeScore out of [0,100]"}
	}
	if parsed.Confidence < 0 || parsed.Confidence > 1 {
		return output, &errs.SchemaMismatch{Provider: string(p.id), Reason: "confidence out of [0,1]"}
	}

	output.Compliant = true
	return output, nil
}
