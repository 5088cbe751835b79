// Package config loads and validates the core's configuration (spec.md §6)
// into an explicit struct, replacing the "module-level config" pattern
// flagged in spec.md §9 with constructor injection throughout the tree.
package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/atlas-research/edge-engine/pkg/types"
	"github.com/spf13/viper"
)

// Load reads configuration from the given file path (if non-empty),
// environment variables (prefixed ATLAS_, nested keys joined by "_"), and
// defaults, then validates it.
func Load(path string) (*types.Config, error) {
	v := viper.New()
	v.SetEnvPrefix("ATLAS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg types.Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	applyProviderEnvFallback(&cfg)

	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("ibkr.host", "127.0.0.1")
	v.SetDefault("ibkr.port", 7497)
	v.SetDefault("ibkr.clientId", 1)
	v.SetDefault("ibkr.maxClientIdRetries", 5)
	v.SetDefault("ibkr.orderTimeoutMs", 5000)
	v.SetDefault("ibkr.executionTimeoutMs", 10000)

	v.SetDefault("rest.port", 8090)

	v.SetDefault("drift.accuracyThreshold", 0.15)
	v.SetDefault("drift.calibrationThreshold", 0.15)

	v.SetDefault("autoEval.maxConcurrent", 5)
	v.SetDefault("autoEval.dedupWindowMin", 30)

	v.SetDefault("orchestrator.weights", map[string]float64{
		"gpt": 0.4, "gemini": 0.3, "claude": 0.3,
	})
	v.SetDefault("orchestrator.requiredAgreement", 0.6)

	v.SetDefault("dataDir", "./data")
	v.SetDefault("logLevel", "info")
	v.SetDefault("enableMetrics", true)
	v.SetDefault("metricsPort", 9090)
}

// applyProviderEnvFallback implements the Open Question decision recorded
// in DESIGN.md: config wins over environment; environment is used only
// when the config value is empty. Applied uniformly to every provider, not
// just the originally-ambiguous Gemini case.
func applyProviderEnvFallback(cfg *types.Config) {
	if cfg.Providers == nil {
		cfg.Providers = map[string]types.ProviderConfig{}
	}
	envVar := map[string]string{
		"claude": "CLAUDE_API_KEY",
		"gpt":    "OPENAI_API_KEY",
		"gemini": "GEMINI_API_KEY",
	}
	for provider, env := range envVar {
		pc := cfg.Providers[provider]
		if pc.APIKey == "" {
			if v := os.Getenv(env); v != "" {
				pc.APIKey = v
			}
		}
		if pc.TimeoutMs == 0 {
			pc.TimeoutMs = 8000
		}
		cfg.Providers[provider] = pc
	}
}

// Validate enforces the bounds spec.md §6 enumerates explicitly.
func Validate(cfg *types.Config) error {
	if cfg.IBKR.Port < 1 || cfg.IBKR.Port > 65535 {
		return fmt.Errorf("ibkr.port must be in [1,65535], got %d", cfg.IBKR.Port)
	}
	if cfg.IBKR.ClientID < 0 || cfg.IBKR.ClientID > 32 {
		return fmt.Errorf("ibkr.clientId must be in [0,32], got %d", cfg.IBKR.ClientID)
	}
	if cfg.IBKR.OrderTimeoutMs <= 0 {
		return fmt.Errorf("ibkr.orderTimeoutMs must be > 0")
	}
	if cfg.IBKR.ExecutionTimeoutMs < cfg.IBKR.OrderTimeoutMs {
		return fmt.Errorf("ibkr.executionTimeoutMs must be >= ibkr.orderTimeoutMs")
	}
	if cfg.REST.Port < 1 || cfg.REST.Port > 65535 {
		return fmt.Errorf("rest.port must be in [1,65535], got %d", cfg.REST.Port)
	}
	if cfg.REST.Port == cfg.IBKR.Port {
		return fmt.Errorf("rest.port must differ from ibkr.port")
	}
	if cfg.REST.APIKey != "" && len(cfg.REST.APIKey) < 16 {
		// Warning-grade in the source system; callers should log this, not fail.
		_ = cfg.REST.APIKey
	}
	if cfg.Drift.AccuracyThreshold < 0 || cfg.Drift.AccuracyThreshold > 1 {
		return fmt.Errorf("drift.accuracyThreshold must be in [0,1]")
	}
	if cfg.Drift.CalibrationThreshold < 0 || cfg.Drift.CalibrationThreshold > 1 {
		return fmt.Errorf("drift.calibrationThreshold must be in [0,1]")
	}
	if cfg.AutoEval.MaxConcurrent < 1 || cfg.AutoEval.MaxConcurrent > 20 {
		return fmt.Errorf("autoEval.maxConcurrent must be in [1,20]")
	}
	if cfg.AutoEval.DedupWindowMin <= 0 {
		return fmt.Errorf("autoEval.dedupWindowMin must be > 0")
	}
	for name, w := range cfg.Orchestrator.Weights {
		if w < 0 {
			return fmt.Errorf("orchestrator.weights[%s] must be >= 0", name)
		}
	}
	if cfg.Orchestrator.RequiredAgreement < 0 || cfg.Orchestrator.RequiredAgreement > 1 {
		return fmt.Errorf("orchestrator.requiredAgreement must be in [0,1]")
	}
	for name, pc := range cfg.Providers {
		if pc.TimeoutMs <= 0 {
			return fmt.Errorf("providers[%s].timeoutMs must be > 0", name)
		}
	}
	return nil
}

// APIKeyWarning returns a non-empty warning string when the REST API key
// looks too weak to be meaningful (spec.md §6: "warn if <16 chars").
func APIKeyWarning(cfg *types.Config) string {
	if cfg.REST.APIKey != "" && len(cfg.REST.APIKey) < 16 {
		return "rest.apiKey is shorter than 16 characters"
	}
	return ""
}
