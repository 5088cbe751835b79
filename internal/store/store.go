// Package store implements the durable store adapter (C3): a narrow
// capability for append/update of orders, executions, evaluations, model
// outputs, outcomes, eval-execution links, and weight/priors history.
// Grounded on the teacher's internal/data/store.go (mutex-protected cache +
// JSON file persistence), upgraded to atomic temp-file-then-rename writes
// per spec.md §9's explicit design note.
package store

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/atlas-research/edge-engine/internal/errs"
	"github.com/atlas-research/edge-engine/pkg/types"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// DriftSample is one row of internal/drift's confidence/outcome feed.
type DriftSample struct {
	Provider   types.ProviderID
	Confidence decimal.Decimal
	RMultiple  decimal.Decimal
}

// SimulationRecord bundles an evaluation with its model outputs and, if
// resolved, its outcome — the shape internal/walkforward replays.
type SimulationRecord struct {
	Evaluation   types.Evaluation
	ModelOutputs []types.ModelOutput
	Outcome      *types.Outcome
}

// Store is the capability contract of spec.md §4.3. The backing
// implementation is a black box to every other component.
type Store interface {
	InsertOrder(ctx context.Context, order types.Order) error
	UpdateOrderStatus(ctx context.Context, orderID int64, status types.OrderStatus, filled, avgPrice *decimal.Decimal) error
	UpdateOrder(ctx context.Context, order types.Order) error
	GetOrder(ctx context.Context, orderID int64) (types.Order, bool, error)
	GetOpenOrders(ctx context.Context) ([]types.Order, error)

	InsertExecution(ctx context.Context, exec types.Execution) error
	UpdateExecutionCommission(ctx context.Context, execID string, commission decimal.Decimal, realizedPnL *decimal.Decimal) error
	GetExecutionsByCorrelation(ctx context.Context, correlationID string) ([]types.Execution, error)

	InsertEvaluation(ctx context.Context, eval types.Evaluation) error
	GetEvaluation(ctx context.Context, evaluationID string) (types.Evaluation, bool, error)
	GetRecentEvalsForSymbol(ctx context.Context, symbol string, since time.Time) ([]types.Evaluation, error)

	InsertModelOutput(ctx context.Context, output types.ModelOutput) error
	GetModelOutputsForEval(ctx context.Context, evaluationID string) ([]types.ModelOutput, error)

	InsertOutcome(ctx context.Context, outcome types.Outcome) (inserted bool, err error)
	GetOutcomeForEval(ctx context.Context, evaluationID string) (types.Outcome, bool, error)

	InsertLink(ctx context.Context, link types.EvalExecutionLink) error
	GetLinksForOrder(ctx context.Context, orderID int64) ([]types.EvalExecutionLink, error)
	GetLinksForEval(ctx context.Context, evaluationID string) ([]types.EvalExecutionLink, error)

	GetModelOutcomesForDrift(ctx context.Context, days int) ([]DriftSample, error)
	GetEvalsForSimulation(ctx context.Context, days int, symbol string) ([]SimulationRecord, error)

	LoadWeights(ctx context.Context) (types.EnsembleWeights, error)
	SaveWeights(ctx context.Context, w types.EnsembleWeights) error
	AppendWeightHistory(ctx context.Context, entry types.WeightHistoryEntry) error

	LoadPriors(ctx context.Context) (types.BayesianPriors, error)
	SavePriors(ctx context.Context, p types.BayesianPriors) error
}

// JSONStore is a JSON-file-backed Store implementation: an in-memory
// mutex-protected cache that is the read path, with every write flushed to
// disk atomically before the call returns (read-your-writes within the
// same process is trivially satisfied by the in-memory cache; the spec's
// "atomic if using transactions" bar is met by writing one file per
// logical table and never partially).
type JSONStore struct {
	logger  *zap.Logger
	dataDir string

	mu sync.RWMutex

	orders      map[int64]types.Order
	executions  map[string]types.Execution
	evaluations map[string]types.Evaluation
	modelOutputs map[string][]types.ModelOutput // keyed by evaluation id
	outcomes    map[string]types.Outcome        // keyed by evaluation id
	links       map[string]types.EvalExecutionLink // keyed by evalID+"|"+orderID
	linksByOrder map[int64][]string
	linksByEval  map[string][]string

	weights types.EnsembleWeights
	priors  types.BayesianPriors
}

// New creates a JSONStore rooted at dataDir, loading any existing
// persisted documents. A missing or corrupt file is never fatal to
// startup (spec.md §9).
func New(logger *zap.Logger, dataDir string) (*JSONStore, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data directory: %w", err)
	}

	s := &JSONStore{
		logger:       logger.Named("store"),
		dataDir:      dataDir,
		orders:       make(map[int64]types.Order),
		executions:   make(map[string]types.Execution),
		evaluations:  make(map[string]types.Evaluation),
		modelOutputs: make(map[string][]types.ModelOutput),
		outcomes:     make(map[string]types.Outcome),
		links:        make(map[string]types.EvalExecutionLink),
		linksByOrder: make(map[int64][]string),
		linksByEval:  make(map[string][]string),
		weights: types.EnsembleWeights{
			Weights:            map[types.ProviderID]decimal.Decimal{},
			PenaltyCoefficient: decimal.NewFromFloat(1.0),
		},
		priors: types.BayesianPriors{Priors: map[types.Regime]map[types.ProviderID]*types.RegimeProviderPrior{}},
	}

	s.loadAll()
	return s, nil
}

func (s *JSONStore) path(name string) string { return filepath.Join(s.dataDir, name) }

func (s *JSONStore) loadAll() {
	type doc struct {
		name string
		dst  any
	}
	docs := []doc{
		{"orders.json", &s.orders},
		{"executions.json", &s.executions},
		{"evaluations.json", &s.evaluations},
		{"model_outputs.json", &s.modelOutputs},
		{"outcomes.json", &s.outcomes},
		{"links.json", &s.links},
		{"weights.json", &s.weights},
		{"priors.json", &s.priors},
	}
	for _, d := range docs {
		if _, err := readJSON(s.path(d.name), d.dst); err != nil {
			s.logger.Warn("failed to load persisted document, starting from defaults", zap.String("file", d.name), zap.Error(err))
		}
	}
	for key, link := range s.links {
		s.linksByOrder[link.OrderID] = append(s.linksByOrder[link.OrderID], key)
		s.linksByEval[link.EvaluationID] = append(s.linksByEval[link.EvaluationID], key)
	}
}

func (s *JSONStore) flush(name string, v any) {
	if err := writeJSONAtomic(s.path(name), v); err != nil {
		s.logger.Error("failed to persist document", zap.String("file", name), zap.Error(err))
	}
}

// InsertOrder is idempotent on order id.
func (s *JSONStore) InsertOrder(ctx context.Context, order types.Order) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.orders[order.OrderID]; exists {
		return nil
	}
	s.orders[order.OrderID] = order
	s.flush("orders.json", s.orders)
	return nil
}

func (s *JSONStore) UpdateOrderStatus(ctx context.Context, orderID int64, status types.OrderStatus, filled, avgPrice *decimal.Decimal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	order, ok := s.orders[orderID]
	if !ok {
		return nil // unknown order: not an error per spec.md §7 (missing-state on reconcile)
	}
	order.Status = status
	if filled != nil {
		order.FilledQty = *filled
	}
	if avgPrice != nil {
		order.AvgFillPrice = *avgPrice
	}
	order.UpdatedAt = time.Now()
	s.orders[orderID] = order
	s.flush("orders.json", s.orders)
	return nil
}

// UpdateOrder overlays the full order row, for callers (e.g. C4's Modify)
// that have a confirmed post-modification order in hand and need every
// mutable field persisted, not just status/filled/avgPrice.
func (s *JSONStore) UpdateOrder(ctx context.Context, order types.Order) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.orders[order.OrderID]; !ok {
		return nil // unknown order: not an error per spec.md §7 (missing-state on reconcile)
	}
	order.UpdatedAt = time.Now()
	s.orders[order.OrderID] = order
	s.flush("orders.json", s.orders)
	return nil
}

func (s *JSONStore) GetOrder(ctx context.Context, orderID int64) (types.Order, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	o, ok := s.orders[orderID]
	return o, ok, nil
}

func (s *JSONStore) GetOpenOrders(ctx context.Context) ([]types.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var open []types.Order
	for _, o := range s.orders {
		if o.Status.IsOpen() {
			open = append(open, o)
		}
	}
	sort.Slice(open, func(i, j int) bool { return open[i].OrderID < open[j].OrderID })
	return open, nil
}

// InsertExecution is idempotent on exec id.
func (s *JSONStore) InsertExecution(ctx context.Context, exec types.Execution) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.executions[exec.ExecID]; exists {
		return nil
	}
	s.executions[exec.ExecID] = exec
	s.flush("executions.json", s.executions)
	return nil
}

func (s *JSONStore) UpdateExecutionCommission(ctx context.Context, execID string, commission decimal.Decimal, realizedPnL *decimal.Decimal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	exec, ok := s.executions[execID]
	if !ok {
		return nil
	}
	exec.Commission = &commission
	exec.RealizedPnL = realizedPnL
	s.executions[execID] = exec
	s.flush("executions.json", s.executions)
	return nil
}

func (s *JSONStore) GetExecutionsByCorrelation(ctx context.Context, correlationID string) ([]types.Execution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []types.Execution
	for _, e := range s.executions {
		if e.CorrelationID == correlationID {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out, nil
}

// InsertEvaluation is idempotent on id. Evaluations are immutable once
// written per spec.md §3.
func (s *JSONStore) InsertEvaluation(ctx context.Context, eval types.Evaluation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.evaluations[eval.ID]; exists {
		return nil
	}
	s.evaluations[eval.ID] = eval
	s.flush("evaluations.json", s.evaluations)
	return nil
}

func (s *JSONStore) GetEvaluation(ctx context.Context, evaluationID string) (types.Evaluation, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.evaluations[evaluationID]
	return e, ok, nil
}

func (s *JSONStore) GetRecentEvalsForSymbol(ctx context.Context, symbol string, since time.Time) ([]types.Evaluation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []types.Evaluation
	for _, e := range s.evaluations {
		if e.Symbol == symbol && !e.Timestamp.Before(since) {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out, nil
}

func (s *JSONStore) InsertModelOutput(ctx context.Context, output types.ModelOutput) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.modelOutputs[output.EvaluationID] = append(s.modelOutputs[output.EvaluationID], output)
	s.flush("model_outputs.json", s.modelOutputs)
	return nil
}

func (s *JSONStore) GetModelOutputsForEval(ctx context.Context, evaluationID string) ([]types.ModelOutput, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]types.ModelOutput(nil), s.modelOutputs[evaluationID]...), nil
}

// InsertOutcome is idempotent on evaluation id: a second attempt is a
// no-op and reports inserted=false so callers (C7) skip duplicate
// Bayesian updates.
func (s *JSONStore) InsertOutcome(ctx context.Context, outcome types.Outcome) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.outcomes[outcome.EvaluationID]; exists {
		return false, nil
	}
	s.outcomes[outcome.EvaluationID] = outcome
	s.flush("outcomes.json", s.outcomes)
	return true, nil
}

func (s *JSONStore) GetOutcomeForEval(ctx context.Context, evaluationID string) (types.Outcome, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	o, ok := s.outcomes[evaluationID]
	return o, ok, nil
}

func linkKey(evaluationID string, orderID int64) string {
	return fmt.Sprintf("%s|%d", evaluationID, orderID)
}

// InsertLink enforces the uniqueness invariant of spec.md §8: at most one
// (evaluation, order) link. A duplicate attempt returns *errs.ConflictingLink,
// which callers treat as a silent skip per spec.md §7.
func (s *JSONStore) InsertLink(ctx context.Context, link types.EvalExecutionLink) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := linkKey(link.EvaluationID, link.OrderID)
	if _, exists := s.links[key]; exists {
		return &errs.ConflictingLink{EvaluationID: link.EvaluationID, OrderID: link.OrderID}
	}
	link.CreatedAt = time.Now()
	s.links[key] = link
	s.linksByOrder[link.OrderID] = append(s.linksByOrder[link.OrderID], key)
	s.linksByEval[link.EvaluationID] = append(s.linksByEval[link.EvaluationID], key)
	s.flush("links.json", s.links)
	return nil
}

func (s *JSONStore) GetLinksForOrder(ctx context.Context, orderID int64) ([]types.EvalExecutionLink, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []types.EvalExecutionLink
	for _, key := range s.linksByOrder[orderID] {
		out = append(out, s.links[key])
	}
	return out, nil
}

func (s *JSONStore) GetLinksForEval(ctx context.Context, evaluationID string) ([]types.EvalExecutionLink, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []types.EvalExecutionLink
	for _, key := range s.linksByEval[evaluationID] {
		out = append(out, s.links[key])
	}
	return out, nil
}

func (s *JSONStore) GetModelOutcomesForDrift(ctx context.Context, days int) ([]DriftSample, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cutoff := time.Now().AddDate(0, 0, -days)

	var out []DriftSample
	for evalID, outcome := range s.outcomes {
		if outcome.RecordedAt.Before(cutoff) || outcome.RMultiple == nil {
			continue
		}
		for _, mo := range s.modelOutputs[evalID] {
			if !mo.Compliant {
				continue
			}
			out = append(out, DriftSample{
				Provider:   mo.Provider,
				Confidence: mo.Confidence,
				RMultiple:  *outcome.RMultiple,
			})
		}
	}
	return out, nil
}

func (s *JSONStore) GetEvalsForSimulation(ctx context.Context, days int, symbol string) ([]SimulationRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cutoff := time.Now().AddDate(0, 0, -days)

	var out []SimulationRecord
	for _, eval := range s.evaluations {
		if eval.Timestamp.Before(cutoff) {
			continue
		}
		if symbol != "" && eval.Symbol != symbol {
			continue
		}
		rec := SimulationRecord{Evaluation: eval, ModelOutputs: s.modelOutputs[eval.ID]}
		if outcome, ok := s.outcomes[eval.ID]; ok {
			o := outcome
			rec.Outcome = &o
		}
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Evaluation.Timestamp.Before(out[j].Evaluation.Timestamp) })
	return out, nil
}

func (s *JSONStore) LoadWeights(ctx context.Context) (types.EnsembleWeights, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.weights, nil
}

func (s *JSONStore) SaveWeights(ctx context.Context, w types.EnsembleWeights) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.weights = w
	s.flush("weights.json", s.weights)
	return nil
}

func (s *JSONStore) AppendWeightHistory(ctx context.Context, entry types.WeightHistoryEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.weights.History = append(s.weights.History, entry)
	s.flush("weights.json", s.weights)
	return nil
}

func (s *JSONStore) LoadPriors(ctx context.Context) (types.BayesianPriors, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.priors, nil
}

func (s *JSONStore) SavePriors(ctx context.Context, p types.BayesianPriors) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.priors = p
	s.flush("priors.json", s.priors)
	return nil
}

var _ Store = (*JSONStore)(nil)
