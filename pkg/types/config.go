// Package types provides configuration types for the trading core.
package types

import (
	"time"

	"github.com/shopspring/decimal"
)

// GatewayConfig configures the brokerage gateway session (C1).
type GatewayConfig struct {
	Host                string        `mapstructure:"host"`
	Port                int           `mapstructure:"port"`
	ClientID            int           `mapstructure:"clientId"`
	MaxClientIDRetries  int           `mapstructure:"maxClientIdRetries"`
	OrderTimeoutMs      int           `mapstructure:"orderTimeoutMs"`
	ExecutionTimeoutMs  int           `mapstructure:"executionTimeoutMs"`
}

// RESTConfig configures the local REST/WebSocket surface.
type RESTConfig struct {
	Port   int    `mapstructure:"port"`
	APIKey string `mapstructure:"apiKey"`
}

// DriftConfig configures C10's calibration thresholds.
type DriftConfig struct {
	AccuracyThreshold     float64 `mapstructure:"accuracyThreshold"`
	CalibrationThreshold  float64 `mapstructure:"calibrationThreshold"`
}

// AutoEvalConfig configures scoring fan-out concurrency and dedup.
type AutoEvalConfig struct {
	MaxConcurrent  int `mapstructure:"maxConcurrent"`
	DedupWindowMin int `mapstructure:"dedupWindowMin"`
}

// OrchestratorConfig configures initial ensemble weights and agreement bar.
type OrchestratorConfig struct {
	Weights           map[string]float64 `mapstructure:"weights"`
	RequiredAgreement float64            `mapstructure:"requiredAgreement"`
}

// ProviderConfig configures one scoring provider's credentials and timeout.
type ProviderConfig struct {
	APIKey    string `mapstructure:"apiKey"`
	TimeoutMs int    `mapstructure:"timeoutMs"`
	Model     string `mapstructure:"model"`
	BaseURL   string `mapstructure:"baseUrl"`
}

// Config is the root configuration struct, explicit and constructor-
// injected per spec.md §9's "module-level config" redesign flag.
type Config struct {
	IBKR         GatewayConfig             `mapstructure:"ibkr"`
	REST         RESTConfig                `mapstructure:"rest"`
	Drift        DriftConfig               `mapstructure:"drift"`
	AutoEval     AutoEvalConfig            `mapstructure:"autoEval"`
	Orchestrator OrchestratorConfig        `mapstructure:"orchestrator"`
	Providers    map[string]ProviderConfig `mapstructure:"providers"`
	DataDir      string                    `mapstructure:"dataDir"`
	LogLevel     string                    `mapstructure:"logLevel"`
	EnableMetrics bool                     `mapstructure:"enableMetrics"`
	MetricsPort  int                       `mapstructure:"metricsPort"`
}

// KillSwitchConfig mirrors the surrounding risk gate's configuration shape
// that the core merely advises (never enforces) via Evaluation.GuardrailAllowed.
type KillSwitchConfig struct {
	MaxDrawdownPct     decimal.Decimal `json:"maxDrawdownPct"`
	MaxDailyLossPct    decimal.Decimal `json:"maxDailyLossPct"`
	MaxConsecutiveLoss int             `json:"maxConsecutiveLoss"`
	CooldownPeriod     time.Duration   `json:"cooldownPeriod"`
}
