// Package types provides shared type definitions for the trading core.
package types

import (
	"time"

	"github.com/shopspring/decimal"
)

// Direction is the side of a candidate trade.
type Direction string

const (
	DirectionLong  Direction = "long"
	DirectionShort Direction = "short"
)

// OrderSide represents buy or sell on the gateway wire protocol.
type OrderSide string

const (
	OrderSideBuy  OrderSide = "BUY"
	OrderSideSell OrderSide = "SELL"
)

// ExecSide represents the gateway's own fill-side vocabulary (BOT/SLD).
type ExecSide string

const (
	ExecSideBought ExecSide = "BOT"
	ExecSideSold   ExecSide = "SLD"
)

// OrderType enumerates the gateway order types the pipeline constructs.
type OrderType string

const (
	OrderTypeMarket      OrderType = "MKT"
	OrderTypeLimit       OrderType = "LMT"
	OrderTypeStop        OrderType = "STP"
	OrderTypeStopLimit   OrderType = "STP LMT"
	OrderTypeTrail       OrderType = "TRAIL"
	OrderTypeTrailLimit  OrderType = "TRAIL LIMIT"
	OrderTypeRelative    OrderType = "REL"
)

// TimeInForce enumerates gateway time-in-force codes.
type TimeInForce string

const (
	TIFDay TimeInForce = "DAY"
	TIFGTC TimeInForce = "GTC"
	TIFIOC TimeInForce = "IOC"
)

// OrderStatus mirrors the gateway's order lifecycle vocabulary.
type OrderStatus string

const (
	OrderStatusPendingSubmit OrderStatus = "PendingSubmit"
	OrderStatusPreSubmitted  OrderStatus = "PreSubmitted"
	OrderStatusSubmitted     OrderStatus = "Submitted"
	OrderStatusFilled        OrderStatus = "Filled"
	OrderStatusCancelled     OrderStatus = "Cancelled"
	OrderStatusAPICancelled  OrderStatus = "ApiCancelled"
	OrderStatusInactive      OrderStatus = "Inactive"
)

// IsTerminal reports whether an order has reached a final state.
func (s OrderStatus) IsTerminal() bool {
	switch s {
	case OrderStatusFilled, OrderStatusCancelled, OrderStatusAPICancelled:
		return true
	}
	return false
}

// IsOpen reports whether an order is still eligible for in-place modification.
func (s OrderStatus) IsOpen() bool {
	return s == OrderStatusPreSubmitted || s == OrderStatusSubmitted
}

// OCAType enumerates the gateway's one-cancels-all group semantics.
type OCAType int

const (
	OCACancelWithBlock     OCAType = 1
	OCAReduceWithBlock     OCAType = 2
	OCAReduceWithoutBlock  OCAType = 3
)

// DecisionType classifies how an evaluation resolved into an outcome.
type DecisionType string

const (
	DecisionTookTrade        DecisionType = "took_trade"
	DecisionPassedSetup      DecisionType = "passed_setup"
	DecisionEnsembleNo       DecisionType = "ensemble_no"
	DecisionRiskGateBlocked  DecisionType = "risk_gate_blocked"
)

// ExitReason records why a position was considered closed.
type ExitReason string

const (
	ExitReasonAutoDetected          ExitReason = "auto_detected"
	ExitReasonReconcileClosedOffline ExitReason = "reconcile_closed_offline"
	ExitReasonManual                ExitReason = "manual"
)

// LinkType distinguishes explicit from heuristic evaluation/order links.
type LinkType string

const (
	LinkTypeExplicit  LinkType = "explicit"
	LinkTypeHeuristic LinkType = "heuristic"
)

// Regime is the coarse market-condition classification used by C7.
type Regime string

const (
	RegimeTrending Regime = "TRENDING"
	RegimeChop     Regime = "CHOP"
	RegimeVolatile Regime = "VOLATILE"
)

// VolatilityBucket is the categorical volatility field captured in the
// feature vector upstream of the core (see Regime mapping in internal/bayes).
type VolatilityBucket string

const (
	VolatilityLow     VolatilityBucket = "low"
	VolatilityNormal  VolatilityBucket = "normal"
	VolatilityHigh    VolatilityBucket = "high"
	VolatilityExtreme VolatilityBucket = "extreme"
)

// ProviderID identifies an ensemble scoring provider.
type ProviderID string

const (
	ProviderClaude ProviderID = "claude"
	ProviderGPT    ProviderID = "gpt"
	ProviderGemini ProviderID = "gemini"
)

// FeatureVector is the per-evaluation numeric/categorical snapshot.
type FeatureVector struct {
	RVOL              decimal.Decimal  `json:"rvol"`
	VWAPDeviationPct  decimal.Decimal  `json:"vwapDeviationPct"`
	SpreadPct         decimal.Decimal  `json:"spreadPct"`
	VolumeAcceleration decimal.Decimal `json:"volumeAcceleration"`
	ATRPct            decimal.Decimal  `json:"atrPct"`
	GapPct            decimal.Decimal  `json:"gapPct"`
	RangePosition     decimal.Decimal  `json:"rangePosition"`
	PriceExtension    decimal.Decimal  `json:"priceExtension"`
	IndexAlignment    decimal.Decimal  `json:"indexAlignment"`
	TimeOfDay         string           `json:"timeOfDay"`
	MinutesSinceOpen  int              `json:"minutesSinceOpen"`
	VolatilityRegime  VolatilityBucket `json:"volatilityRegime"`
	LiquidityBucket   string           `json:"liquidityBucket"`
}

// EnsembleResult is the aggregated outcome of a C6 scoring pass.
// WeightedScore is the raw weighted score S across responding providers;
// FinalScore is S minus the disagreement penalty P (S-P, floored at zero)
// — the value ShouldTrade is actually thresholded against.
type EnsembleResult struct {
	WeightedScore       decimal.Decimal `json:"weightedScore"`
	FinalScore          decimal.Decimal `json:"finalScore"`
	MedianScore         decimal.Decimal `json:"medianScore"`
	ExpectedRR          decimal.Decimal `json:"expectedRr"`
	Confidence          decimal.Decimal `json:"confidence"`
	ShouldTrade         bool            `json:"shouldTrade"`
	Unanimous           bool            `json:"unanimous"`
	MajorityTrade       bool            `json:"majorityTrade"`
	ScoreSpread         decimal.Decimal `json:"scoreSpread"`
	DisagreementPenalty decimal.Decimal `json:"disagreementPenalty"`
}

// WeightSnapshot is the set of per-provider weights and penalty coefficient
// in force when an evaluation was scored, captured for reproducibility.
type WeightSnapshot struct {
	Weights           map[ProviderID]decimal.Decimal `json:"weights"`
	PenaltyCoefficient decimal.Decimal                `json:"penaltyCoefficient"`
}

// Evaluation is an immutable snapshot of a scoring pass for (symbol, direction).
type Evaluation struct {
	ID               string          `json:"id"`
	Symbol           string          `json:"symbol"`
	Direction        Direction       `json:"direction"`
	EntryPrice       *decimal.Decimal `json:"entryPrice,omitempty"`
	StopPrice        *decimal.Decimal `json:"stopPrice,omitempty"`
	Timestamp        time.Time       `json:"timestamp"`
	Features         FeatureVector   `json:"features"`
	Ensemble         EnsembleResult  `json:"ensemble"`
	WeightsUsed      WeightSnapshot  `json:"weightsUsed"`
	GuardrailAllowed bool            `json:"guardrailAllowed"`
	PrefilterPassed  bool            `json:"prefilterPassed"`
}

// ModelOutput is one provider's response to a single evaluation request.
type ModelOutput struct {
	EvaluationID    string          `json:"evaluationId"`
	Provider        ProviderID      `json:"provider"`
	RawResponse     string          `json:"rawResponse"`
	Compliant       bool            `json:"compliant"`
	ErrorMessage    string          `json:"errorMessage,omitempty"`
	LatencyMs       int64           `json:"latencyMs"`
	TradeScore      decimal.Decimal `json:"tradeScore"`
	ComponentRisks  map[string]decimal.Decimal `json:"componentRisks,omitempty"`
	ExpectedRR      decimal.Decimal `json:"expectedRr"`
	Confidence      decimal.Decimal `json:"confidence"`
	ShouldTrade     bool            `json:"shouldTrade"`
	Reasoning       string          `json:"reasoning,omitempty"`
	ModelVersion    string          `json:"modelVersion,omitempty"`
	PromptHash      string          `json:"promptHash,omitempty"`
	TokenCount      int             `json:"tokenCount,omitempty"`
	ProviderResponseID string       `json:"providerResponseId,omitempty"`
}

// Outcome records the real-world resolution of an evaluation.
type Outcome struct {
	EvaluationID string           `json:"evaluationId"`
	TradeTaken   bool             `json:"tradeTaken"`
	DecisionType DecisionType     `json:"decisionType"`
	EntryPrice   *decimal.Decimal `json:"entryPrice,omitempty"`
	ExitPrice    *decimal.Decimal `json:"exitPrice,omitempty"`
	RMultiple    *decimal.Decimal `json:"rMultiple,omitempty"`
	ExitReason   ExitReason       `json:"exitReason,omitempty"`
	RecordedAt   time.Time        `json:"recordedAt"`
}

// Order is a record of an order intent placed through C4.
type Order struct {
	OrderID        int64            `json:"orderId"`
	Symbol         string           `json:"symbol"`
	Side           OrderSide        `json:"side"`
	Type           OrderType        `json:"type"`
	TotalQuantity  decimal.Decimal  `json:"totalQuantity"`
	LimitPrice     *decimal.Decimal `json:"limitPrice,omitempty"`
	AuxPrice       *decimal.Decimal `json:"auxPrice,omitempty"`
	TrailingPercent *decimal.Decimal `json:"trailingPercent,omitempty"`
	TimeInForce    TimeInForce      `json:"timeInForce"`
	ParentOrderID  *int64           `json:"parentOrderId,omitempty"`
	OCAGroup       string           `json:"ocaGroup,omitempty"`
	OCAType        OCAType          `json:"ocaType,omitempty"`
	DiscretionaryAmount *decimal.Decimal `json:"discretionaryAmount,omitempty"`
	Transmit       bool             `json:"transmit"`
	StrategyVersion string          `json:"strategyVersion,omitempty"`
	OrderSource    string           `json:"orderSource,omitempty"`
	CorrelationID  string           `json:"correlationId"`
	EvaluationID   string           `json:"evaluationId,omitempty"`
	Status         OrderStatus      `json:"status"`
	FilledQty      decimal.Decimal  `json:"filledQty"`
	AvgFillPrice   decimal.Decimal  `json:"avgFillPrice"`
	CreatedAt      time.Time        `json:"createdAt"`
	UpdatedAt      time.Time        `json:"updatedAt"`
}

// Execution is a single fill reported by the gateway's persistent listener.
type Execution struct {
	ExecID        string           `json:"execId"`
	OrderID       int64            `json:"orderId"`
	Symbol        string           `json:"symbol"`
	Side          ExecSide         `json:"side"`
	Shares        decimal.Decimal  `json:"shares"`
	Price         decimal.Decimal  `json:"price"`
	CumQty        decimal.Decimal  `json:"cumQty"`
	AvgPrice      decimal.Decimal  `json:"avgPrice"`
	Account       string           `json:"account"`
	Commission    *decimal.Decimal `json:"commission,omitempty"`
	RealizedPnL   *decimal.Decimal `json:"realizedPnl,omitempty"`
	Timestamp     time.Time        `json:"timestamp"`
	CorrelationID string           `json:"correlationId"`
}

// EvalExecutionLink maps an evaluation to the order/execution it produced.
type EvalExecutionLink struct {
	EvaluationID string    `json:"evaluationId"`
	OrderID      int64     `json:"orderId"`
	ExecID       string    `json:"execId"`
	LinkType     LinkType  `json:"linkType"`
	Confidence   decimal.Decimal `json:"confidence"`
	Symbol       string    `json:"symbol"`
	Direction    Direction `json:"direction"`
	CreatedAt    time.Time `json:"createdAt"`
}

// EnsembleWeights is the singleton-with-history weight state mutated by C7.
type EnsembleWeights struct {
	Weights            map[ProviderID]decimal.Decimal `json:"weights"`
	PenaltyCoefficient decimal.Decimal                 `json:"penaltyCoefficient"`
	SampleSize         int                             `json:"sampleSize"`
	History            []WeightHistoryEntry            `json:"history"`
}

// Snapshot extracts the (weights, penalty) pair a scoring pass needs from
// the persistent weight state, discarding sample size and history.
func (w EnsembleWeights) Snapshot() WeightSnapshot {
	cp := make(map[ProviderID]decimal.Decimal, len(w.Weights))
	for k, v := range w.Weights {
		cp[k] = v
	}
	return WeightSnapshot{Weights: cp, PenaltyCoefficient: w.PenaltyCoefficient}
}

// WeightHistoryEntry is one append-only snapshot of past weights.
type WeightHistoryEntry struct {
	Weights   map[ProviderID]decimal.Decimal `json:"weights"`
	Reason    string                          `json:"reason"`
	Timestamp time.Time                       `json:"timestamp"`
}

// RegimeProviderPrior is the sufficient statistic C7 accumulates per
// (regime, provider): correct/incorrect predictions weighted by |R-multiple|.
type RegimeProviderPrior struct {
	Correct   decimal.Decimal `json:"correct"`
	Incorrect decimal.Decimal `json:"incorrect"`
}

// BayesianPriors is the full per-(regime, provider) prior table.
type BayesianPriors struct {
	Priors map[Regime]map[ProviderID]*RegimeProviderPrior `json:"priors"`
}

// ConnectionHealth is the process-wide rolling connection-quality window.
type ConnectionHealth struct {
	UptimePercent  decimal.Decimal `json:"uptimePercent"`
	HeartbeatP95Ms int64           `json:"heartbeatP95Ms"`
	ReconnectCount int             `json:"reconnectCount"`
	Score          decimal.Decimal `json:"score"`
}
