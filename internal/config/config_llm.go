package config

// LLMConfig names the providers a completion can run against: which one
// resolveProvider picks by default, and the per-provider settings
// (credentials, base URL, model) keyed by provider ID.
type LLMConfig struct {
	DefaultProvider string                       `yaml:"default_provider"`
	Providers       map[string]LLMProviderConfig `yaml:"providers"`

	// Bedrock configures AWS Bedrock model discovery.
	Bedrock BedrockConfig `yaml:"bedrock"`
}

type LLMProviderConfig struct {
	APIKey       string                              `yaml:"api_key"`
	DefaultModel string                              `yaml:"default_model"`
	BaseURL      string                              `yaml:"base_url"`
	APIVersion   string                              `yaml:"api_version"`
	Profiles     map[string]LLMProviderProfileConfig `yaml:"profiles"`
}

type LLMProviderProfileConfig struct {
	APIKey       string `yaml:"api_key"`
	DefaultModel string `yaml:"default_model"`
	BaseURL      string `yaml:"base_url"`
	APIVersion   string `yaml:"api_version"`
}

// BedrockConfig configures AWS Bedrock model discovery.
type BedrockConfig struct {
	// Enabled enables automatic discovery of Bedrock foundation models.
	Enabled bool `yaml:"enabled"`

	// Region is the AWS region to query for models. Default: us-east-1.
	Region string `yaml:"region"`

	// RefreshInterval is how often to refresh the model list (e.g., "1h", "30m").
	// Default: 1h. Set to "0" to disable caching.
	RefreshInterval string `yaml:"refresh_interval"`

	// ProviderFilter limits discovery to specific model providers.
	// Example: ["anthropic", "amazon", "meta"]
	// Empty means all providers.
	ProviderFilter []string `yaml:"provider_filter"`

	// DefaultContextWindow is used when the model doesn't report context size.
	// Default: 32000.
	DefaultContextWindow int `yaml:"default_context_window"`

	// DefaultMaxTokens is used when the model doesn't report max output.
	// Default: 4096.
	DefaultMaxTokens int `yaml:"default_max_tokens"`
}
