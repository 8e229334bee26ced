package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

type ServerConfig struct {
	ListenAddr string              `json:"listen_addr" yaml:"listen_addr"`
	Database   DatabaseConfig      `json:"database" yaml:"database"`
	Runs       RunLimitsConfig     `json:"runs" yaml:"runs"`
	Resilience ResilienceConfig    `json:"resilience" yaml:"resilience"`
	Guardrails GuardrailsConfig    `json:"guardrails" yaml:"guardrails"`
	MCP        MCPConfig           `json:"mcp" yaml:"mcp"`
	Observer   ObservabilityConfig `json:"observability" yaml:"observability"`
	CasesDir   string              `json:"cases_dir" yaml:"cases_dir"`
	StorePath  string              `json:"store_path" yaml:"store_path"`
}

type DatabaseConfig struct {
	DSN            string `json:"dsn" yaml:"dsn"`
	MaxConns       int32  `json:"max_conns" yaml:"max_conns"`
	MigrationsPath string `json:"migrations_path" yaml:"migrations_path"`
}

type RunLimitsConfig struct {
	MaxParallelRuns   int `json:"max_parallel_runs" yaml:"max_parallel_runs"`
	DefaultTimeoutSec int `json:"default_timeout_sec" yaml:"default_timeout_sec"`
	SuiteConcurrency  int `json:"suite_concurrency" yaml:"suite_concurrency"`
}

type ResilienceConfig struct {
	CallTimeoutSec  int  `json:"call_timeout_sec" yaml:"call_timeout_sec"`
	MaxRetries      int  `json:"max_retries" yaml:"max_retries"`
	BackoffBaseMS   int  `json:"backoff_base_ms" yaml:"backoff_base_ms"`
	BackoffCapMS    int  `json:"backoff_cap_ms" yaml:"backoff_cap_ms"`
	Workers         int  `json:"workers" yaml:"workers"`
	QueueDepth      int  `json:"queue_depth" yaml:"queue_depth"`
	BreakerFails    int  `json:"breaker_fails" yaml:"breaker_fails"`
	BreakerResetSec int  `json:"breaker_reset_sec" yaml:"breaker_reset_sec"`
	BreakerDisabled bool `json:"breaker_disabled" yaml:"breaker_disabled"`
}

type GuardrailsConfig struct {
	CacheTTLSec int                `json:"cache_ttl_sec" yaml:"cache_ttl_sec"`
	DefaultMode string             `json:"default_mode" yaml:"default_mode"`
	Thresholds  map[string]float64 `json:"thresholds" yaml:"thresholds"`
}

type MCPConfig struct {
	MaxSteps        int      `json:"max_steps" yaml:"max_steps"`
	AllowTools      []string `json:"allow_tools" yaml:"allow_tools"`
	DenyNetwork     bool     `json:"deny_network" yaml:"deny_network"`
	PolicyRules     []string `json:"policy_rules" yaml:"policy_rules"`
	PreflightRules  []string `json:"preflight_rules" yaml:"preflight_rules"`
	StepRules       []string `json:"step_rules" yaml:"step_rules"`
	InputCostPer1K  float64  `json:"input_cost_per_1k" yaml:"input_cost_per_1k"`
	OutputCostPer1K float64  `json:"output_cost_per_1k" yaml:"output_cost_per_1k"`
}

type ObservabilityConfig struct {
	OTLPEndpoint string  `json:"otlp_endpoint" yaml:"otlp_endpoint"`
	ServiceName  string  `json:"service_name" yaml:"service_name"`
	SampleRatio  float64 `json:"sample_ratio" yaml:"sample_ratio"`
}

func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		ListenAddr: ":8080",
		Database: DatabaseConfig{
			MaxConns:       10,
			MigrationsPath: "./migrations",
		},
		Runs: RunLimitsConfig{
			MaxParallelRuns:   2,
			DefaultTimeoutSec: 540,
			SuiteConcurrency:  4,
		},
		Resilience: ResilienceConfig{
			CallTimeoutSec:  60,
			MaxRetries:      2,
			BackoffBaseMS:   250,
			BackoffCapMS:    8000,
			Workers:         4,
			QueueDepth:      16,
			BreakerFails:    5,
			BreakerResetSec: 30,
		},
		Guardrails: GuardrailsConfig{
			CacheTTLSec: 3600,
			DefaultMode: "mixed",
		},
		MCP: MCPConfig{
			MaxSteps:       50,
			PreflightRules: []string{"jailbreak", "pii"},
			StepRules:      []string{"pii", "toxicity"},
		},
		Observer: ObservabilityConfig{
			ServiceName: "evalgate-api",
			SampleRatio: 1,
		},
	}
}

func LoadServerConfig(path string) (ServerConfig, error) {
	cfg := DefaultServerConfig()
	if strings.TrimSpace(path) == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse yaml config: %w", err)
		}
	case ".json":
		if err := json.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse json config: %w", err)
		}
	default:
		var yamlErr error
		if yamlErr = yaml.Unmarshal(data, &cfg); yamlErr == nil {
			break
		}
		if err := json.Unmarshal(data, &cfg); err != nil {
			return cfg, errors.New("config format not recognized (expected yaml/json)")
		}
	}
	normalizeConfig(&cfg)
	return cfg, nil
}

func normalizeConfig(cfg *ServerConfig) {
	if cfg == nil {
		return
	}
	if strings.TrimSpace(cfg.ListenAddr) == "" {
		cfg.ListenAddr = ":8080"
	}
	if cfg.Database.MaxConns <= 0 {
		cfg.Database.MaxConns = 10
	}
	if strings.TrimSpace(cfg.Database.MigrationsPath) == "" {
		cfg.Database.MigrationsPath = "./migrations"
	}
	if cfg.Runs.MaxParallelRuns <= 0 {
		cfg.Runs.MaxParallelRuns = 2
	}
	if cfg.Runs.DefaultTimeoutSec <= 0 {
		cfg.Runs.DefaultTimeoutSec = 540
	}
	if cfg.Runs.SuiteConcurrency <= 0 {
		cfg.Runs.SuiteConcurrency = 4
	}
	if cfg.Resilience.CallTimeoutSec <= 0 {
		cfg.Resilience.CallTimeoutSec = 60
	}
	if cfg.Resilience.MaxRetries < 0 {
		cfg.Resilience.MaxRetries = 0
	}
	if cfg.Resilience.BackoffBaseMS <= 0 {
		cfg.Resilience.BackoffBaseMS = 250
	}
	if cfg.Resilience.BackoffCapMS <= 0 {
		cfg.Resilience.BackoffCapMS = 8000
	}
	if cfg.Resilience.Workers <= 0 {
		cfg.Resilience.Workers = 4
	}
	if cfg.Resilience.QueueDepth <= 0 {
		cfg.Resilience.QueueDepth = 16
	}
	if cfg.Resilience.BreakerFails <= 0 {
		cfg.Resilience.BreakerFails = 5
	}
	if cfg.Resilience.BreakerResetSec <= 0 {
		cfg.Resilience.BreakerResetSec = 30
	}
	if cfg.Guardrails.CacheTTLSec <= 0 {
		cfg.Guardrails.CacheTTLSec = 3600
	}
	if strings.TrimSpace(cfg.Guardrails.DefaultMode) == "" {
		cfg.Guardrails.DefaultMode = "mixed"
	}
	if cfg.MCP.MaxSteps <= 0 {
		cfg.MCP.MaxSteps = 50
	}
	if cfg.Observer.SampleRatio <= 0 || cfg.Observer.SampleRatio > 1 {
		cfg.Observer.SampleRatio = 1
	}
	if strings.TrimSpace(cfg.Observer.ServiceName) == "" {
		cfg.Observer.ServiceName = "evalgate-api"
	}
}
