// Package config loads the flowd.yaml configuration: server and
// logging settings, the LLM model registry, flow bindings, execution
// tuning, and the access map location. Environment variables override
// the enumerated execution keys, and {{.VAR}} template references in
// the YAML expand from the environment.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"dario.cat/mergo"
	"gopkg.in/yaml.v3"

	"github.com/opgroeien/flowd/pkg/gateway"
	"github.com/opgroeien/flowd/pkg/llm"
	"github.com/opgroeien/flowd/pkg/models"
)

// ServerConfig holds the HTTP listener settings.
type ServerConfig struct {
	Host             string   `yaml:"host"`
	Port             int      `yaml:"port"`
	CORSAllowOrigins []string `yaml:"cors_allow_origins"`
}

// LogConfig selects log level and output format.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// AuthConfig locates the access map and names the org/project this
// deployment serves.
type AuthConfig struct {
	AccessMapPath string `yaml:"access_map"`
	Org           string `yaml:"org"`
	Project       string `yaml:"project"`
}

// ExecutionConfig tunes the graph runtime and the report flow.
type ExecutionConfig struct {
	MaxParallelWorkers          int `yaml:"max_parallel_workers"`
	ReportLLMConcurrency        int `yaml:"report_llm_concurrency"`
	ReportConsultLLMConcurrency int `yaml:"report_consult_llm_concurrency"`
	AnalystMaxRetries           int `yaml:"analyst_max_retries"`
	AnalystTimeoutSeconds       int `yaml:"analyst_timeout_seconds"`
	GraphRecursionLimit         int `yaml:"graph_recursion_limit"`
	SnapshotThrottleSeconds     int `yaml:"snapshot_throttle_interval"`
	LongRunningThresholdSeconds int `yaml:"long_running_task_threshold"`
	ReportKeepaliveSeconds      int `yaml:"report_keepalive_interval"`
}

// RetentionConfig tunes the background cleanup of stale threads. A
// zero thread_retention_days disables the sweep.
type RetentionConfig struct {
	ThreadRetentionDays    int `yaml:"thread_retention_days"`
	CleanupIntervalMinutes int `yaml:"cleanup_interval_minutes"`
}

// FlowConfig binds flows to logical model names from the registry.
type FlowConfig struct {
	ChatModel    string `yaml:"chat_model"`
	AnalystModel string `yaml:"analyst_model"`
	EditorModel  string `yaml:"editor_model"`
	ConsultModel string `yaml:"consult_model"`
}

// ModelConfig is one entry of the LLM model registry.
type ModelConfig struct {
	Provider      string   `yaml:"provider"`
	Model         string   `yaml:"model"`
	APIKey        string   `yaml:"api_key"`
	APIKeyEnv     string   `yaml:"api_key_env"`
	BaseURL       string   `yaml:"base_url"`
	Strict        bool     `yaml:"strict"`
	Pool          string   `yaml:"pool"`
	Temperature   *float32 `yaml:"temperature"`
	ThinkingLevel string   `yaml:"thinking_level"`
	MaxTokens     int      `yaml:"max_tokens"`
}

// Config is the resolved application configuration.
type Config struct {
	Server     ServerConfig           `yaml:"server"`
	Log        LogConfig              `yaml:"log"`
	Auth       AuthConfig             `yaml:"auth"`
	Prompts    string                 `yaml:"prompts"`
	Procedures string                 `yaml:"procedures"`
	Execution  ExecutionConfig        `yaml:"execution"`
	Retention  RetentionConfig        `yaml:"retention"`
	Flows      FlowConfig             `yaml:"flows"`
	Models     map[string]ModelConfig `yaml:"llm_models"`
}

// Default returns the built-in configuration; user YAML and the
// environment override it.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host: "0.0.0.0",
			Port: 8080,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Auth: AuthConfig{
			Org:     "opgroeien",
			Project: "poc",
		},
		Execution: ExecutionConfig{
			MaxParallelWorkers:          3,
			ReportLLMConcurrency:        1,
			ReportConsultLLMConcurrency: 2,
			AnalystMaxRetries:           1,
			AnalystTimeoutSeconds:       600,
			GraphRecursionLimit:         50,
			SnapshotThrottleSeconds:     12,
			LongRunningThresholdSeconds: 20,
			ReportKeepaliveSeconds:      30,
		},
		Retention: RetentionConfig{
			ThreadRetentionDays:    30,
			CleanupIntervalMinutes: 60,
		},
		Flows: FlowConfig{
			ChatModel:    "agent",
			AnalystModel: "analyst",
			EditorModel:  "analyst",
			ConsultModel: "consult",
		},
	}
}

// Load reads the YAML file at path (optional) and applies environment
// overrides on top of the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		var loaded Config
		if err := yaml.Unmarshal(ExpandEnv(data), &loaded); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
		if err := mergo.Merge(cfg, &loaded, mergo.WithOverride); err != nil {
			return nil, fmt.Errorf("merge config: %w", err)
		}
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnvOverrides maps the documented environment keys onto the
// configuration. Environment wins over YAML.
func applyEnvOverrides(cfg *Config) {
	intEnv("MAX_PARALLEL_WORKERS", &cfg.Execution.MaxParallelWorkers)
	intEnv("REPORT_LLM_CONCURRENCY", &cfg.Execution.ReportLLMConcurrency)
	intEnv("REPORT_CONSULT_LLM_CONCURRENCY", &cfg.Execution.ReportConsultLLMConcurrency)
	intEnv("ANALYST_MAX_RETRIES", &cfg.Execution.AnalystMaxRetries)
	intEnv("ANALYST_TIMEOUT_SECONDS", &cfg.Execution.AnalystTimeoutSeconds)
	intEnv("GRAPH_RECURSION_LIMIT", &cfg.Execution.GraphRecursionLimit)
	intEnv("SNAPSHOT_THROTTLE_INTERVAL", &cfg.Execution.SnapshotThrottleSeconds)
	intEnv("LONG_RUNNING_TASK_THRESHOLD", &cfg.Execution.LongRunningThresholdSeconds)
	intEnv("REPORT_KEEPALIVE_INTERVAL", &cfg.Execution.ReportKeepaliveSeconds)

	strEnv("LOG_LEVEL", &cfg.Log.Level)
	strEnv("LOG_FORMAT", &cfg.Log.Format)
	strEnv("ACCESS_MAP_PATH", &cfg.Auth.AccessMapPath)
	if origins := os.Getenv("CORS_ALLOW_ORIGINS"); origins != "" {
		cfg.Server.CORSAllowOrigins = splitCommaList(origins)
	}
}

// Validate checks internal consistency before the service boots.
func (c *Config) Validate() error {
	if len(c.Models) == 0 {
		return fmt.Errorf("config: no llm_models defined")
	}
	for name, model := range c.Models {
		switch llm.ProviderType(model.Provider) {
		case llm.ProviderOpenAI, llm.ProviderAnthropic:
		default:
			return fmt.Errorf("config: model %s has unknown provider %q", name, model.Provider)
		}
		if model.Model == "" {
			return fmt.Errorf("config: model %s has no provider model id", name)
		}
	}
	for _, bound := range []struct{ role, name string }{
		{"chat", c.Flows.ChatModel},
		{"analyst", c.Flows.AnalystModel},
		{"editor", c.Flows.EditorModel},
		{"consult", c.Flows.ConsultModel},
	} {
		if _, ok := c.Models[bound.name]; !ok {
			return fmt.Errorf("config: %s flow references undefined model %q", bound.role, bound.name)
		}
	}
	if c.Execution.MaxParallelWorkers < 1 {
		return fmt.Errorf("config: max_parallel_workers must be at least 1")
	}
	return nil
}

// ModelSpecs resolves the registry into gateway-ready model specs,
// reading api_key_env indirections from the environment.
func (c *Config) ModelSpecs() map[string]llm.ModelSpec {
	specs := make(map[string]llm.ModelSpec, len(c.Models))
	for name, m := range c.Models {
		apiKey := m.APIKey
		if m.APIKeyEnv != "" {
			apiKey = os.Getenv(m.APIKeyEnv)
		}
		specs[name] = llm.ModelSpec{
			Provider: llm.ProviderType(m.Provider),
			Model:    m.Model,
			APIKey:   apiKey,
			BaseURL:  m.BaseURL,
			Strict:   m.Strict,
			Pool:     m.Pool,
			Config: models.ModelConfig{
				Temperature:   m.Temperature,
				ThinkingLevel: m.ThinkingLevel,
			},
			MaxTokens: m.MaxTokens,
		}
	}
	return specs
}

// GatewayConfig derives the gateway policy from the execution settings.
func (c *Config) GatewayConfig() gateway.Config {
	gc := gateway.DefaultConfig()
	gc.Pools = map[string]int{
		"analyst": c.Execution.ReportLLMConcurrency,
		"consult": c.Execution.ReportConsultLLMConcurrency,
		"agent":   0,
	}
	return gc
}

// AnalystTimeout converts the configured seconds to a duration.
func (c *Config) AnalystTimeout() time.Duration {
	return time.Duration(c.Execution.AnalystTimeoutSeconds) * time.Second
}

// SnapshotThrottle converts the configured seconds to a duration.
func (c *Config) SnapshotThrottle() time.Duration {
	return time.Duration(c.Execution.SnapshotThrottleSeconds) * time.Second
}

// LongRunningThreshold converts the configured seconds to a duration.
func (c *Config) LongRunningThreshold() time.Duration {
	return time.Duration(c.Execution.LongRunningThresholdSeconds) * time.Second
}

// ReportKeepalive converts the configured seconds to a duration.
func (c *Config) ReportKeepalive() time.Duration {
	return time.Duration(c.Execution.ReportKeepaliveSeconds) * time.Second
}

// ThreadRetention converts the configured days to a duration.
func (c *Config) ThreadRetention() time.Duration {
	return time.Duration(c.Retention.ThreadRetentionDays) * 24 * time.Hour
}

// CleanupInterval converts the configured minutes to a duration.
func (c *Config) CleanupInterval() time.Duration {
	return time.Duration(c.Retention.CleanupIntervalMinutes) * time.Minute
}

func intEnv(key string, target *int) {
	if raw := os.Getenv(key); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			*target = v
		}
	}
}

func strEnv(key string, target *string) {
	if v := os.Getenv(key); v != "" {
		*target = v
	}
}

func splitCommaList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
