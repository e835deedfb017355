// Package config loads the engine's YAML configuration: which model
// backends answer root and helper calls, how the sandbox is launched,
// and the ambient server/logging settings every deployment needs.
package config

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config is the top-level configuration structure for the rlmctl
// binary and any long-running host embedding the engine.
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	LLM     LLMConfig     `yaml:"llm"`
	RLM     RLMConfig     `yaml:"rlm"`
	Logging LoggingConfig `yaml:"logging"`
}

type ServerConfig struct {
	Host        string `yaml:"host"`
	HTTPPort    int    `yaml:"http_port"`
	MetricsPort int    `yaml:"metrics_port"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Load reads and parses the configuration file, applying environment
// overrides and defaults the same way the teacher's loader does:
// expand env vars, decode strictly, then fill in zero-valued fields.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	expanded := os.ExpandEnv(string(data))

	var cfg Config
	decoder := yaml.NewDecoder(strings.NewReader(expanded))
	decoder.KnownFields(true)
	if err := decoder.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := decoder.Decode(&struct{}{}); err != io.EOF {
		return nil, fmt.Errorf("failed to parse config: expected single document")
	}

	applyEnvOverrides(&cfg)
	applyDefaults(&cfg)

	if err := validateConfig(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	applyServerDefaults(&cfg.Server)
	applyLLMDefaults(&cfg.LLM)
	applyRLMDefaults(&cfg.RLM)
	applyLoggingDefaults(&cfg.Logging)
}

func applyServerDefaults(cfg *ServerConfig) {
	if cfg.Host == "" {
		cfg.Host = "0.0.0.0"
	}
	if cfg.HTTPPort == 0 {
		cfg.HTTPPort = 8080
	}
	if cfg.MetricsPort == 0 {
		cfg.MetricsPort = 9090
	}
}

func applyLLMDefaults(cfg *LLMConfig) {
	if cfg.DefaultProvider == "" {
		cfg.DefaultProvider = "anthropic"
	}
}

func applyLoggingDefaults(cfg *LoggingConfig) {
	if cfg.Level == "" {
		cfg.Level = "info"
	}
	if cfg.Format == "" {
		cfg.Format = "json"
	}
}

func applyEnvOverrides(cfg *Config) {
	if cfg == nil {
		return
	}

	if value := strings.TrimSpace(os.Getenv("RLM_HOST")); value != "" {
		cfg.Server.Host = value
	}
	if value := strings.TrimSpace(os.Getenv("RLM_HTTP_PORT")); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			cfg.Server.HTTPPort = parsed
		}
	}
	if value := strings.TrimSpace(os.Getenv("RLM_METRICS_PORT")); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			cfg.Server.MetricsPort = parsed
		}
	}
	if value := strings.TrimSpace(os.Getenv("RLM_LOG_DIR")); value != "" {
		cfg.RLM.LogDir = value
	}
	if value := strings.TrimSpace(os.Getenv("ANTHROPIC_API_KEY")); value != "" {
		if p, ok := cfg.LLM.Providers["anthropic"]; ok && p.APIKey == "" {
			p.APIKey = value
			cfg.LLM.Providers["anthropic"] = p
		}
	}
	if value := strings.TrimSpace(os.Getenv("OPENAI_API_KEY")); value != "" {
		if p, ok := cfg.LLM.Providers["openai"]; ok && p.APIKey == "" {
			p.APIKey = value
			cfg.LLM.Providers["openai"] = p
		}
	}
}

type ConfigValidationError struct {
	Issues []string
}

func (e *ConfigValidationError) Error() string {
	return "config validation failed:\n- " + strings.Join(e.Issues, "\n- ")
}

func validateConfig(cfg *Config) error {
	if cfg == nil {
		return nil
	}

	var issues []string

	defaultProvider := strings.ToLower(strings.TrimSpace(cfg.LLM.DefaultProvider))
	if defaultProvider != "" {
		if _, ok := cfg.LLM.Providers[defaultProvider]; !ok {
			issues = append(issues, fmt.Sprintf("llm.providers missing entry for default_provider %q", cfg.LLM.DefaultProvider))
		}
	}
	for _, name := range cfg.RLM.DeeperModels {
		if _, ok := cfg.LLM.Providers[strings.ToLower(strings.TrimSpace(name))]; !ok {
			issues = append(issues, fmt.Sprintf("rlm.deeper_models references undefined llm.providers entry %q", name))
		}
	}
	if cfg.RLM.Budgets.MaxIterations < 0 {
		issues = append(issues, "rlm.budgets.max_iterations must be >= 0")
	}
	if cfg.RLM.Budgets.WallClock < 0 {
		issues = append(issues, "rlm.budgets.wall_clock must be >= 0")
	}
	switch strings.ToLower(strings.TrimSpace(cfg.RLM.Sandbox.Variant)) {
	case "", "local-subprocess", "container", "remote-function":
	default:
		issues = append(issues, "rlm.sandbox.variant must be \"local-subprocess\", \"container\", or \"remote-function\"")
	}

	if len(issues) > 0 {
		return &ConfigValidationError{Issues: issues}
	}
	return nil
}
