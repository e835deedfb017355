package config

import "time"

// RLMConfig configures one completion run: the payload binding name,
// the depth-indexed helper backend chain, budgets, and the sandbox
// variant to launch.
type RLMConfig struct {
	// PayloadBinding is the sandbox global the serialized payload is
	// assigned to. Defaults to "payload".
	PayloadBinding string `yaml:"payload_binding"`

	// DeeperModels names, in order, the llm.providers entries that
	// answer helper calls issued at depth 1, 2, 3, ... Its length is
	// the Helper Service's depth cap; calls at or beyond that depth
	// reuse the last entry and the sandbox stops exposing
	// llm_query/llm_query_batched.
	DeeperModels []string `yaml:"deeper_models"`

	Budgets  RLMBudgetsConfig  `yaml:"budgets"`
	Sandbox  RLMSandboxConfig  `yaml:"sandbox"`
	Truncate RLMTruncateConfig `yaml:"truncate"`

	// LogDir, when set, enables JSON Lines transcript logging (one
	// file per completion). Overridden by RLM_LOG_DIR at runtime.
	LogDir string `yaml:"log_dir"`

	// HelperConcurrency bounds how many llm_query_batched items run
	// concurrently per call.
	HelperConcurrency int `yaml:"helper_concurrency"`

	// HelperRetries is the per-item retry budget for helper calls.
	HelperRetries int `yaml:"helper_retries"`

	// FailureCooldown is how long an unhealthy backend is skipped
	// before being retried.
	FailureCooldown time.Duration `yaml:"failure_cooldown"`
}

// RLMBudgetsConfig caps one completion's iterations, wall clock, total
// token usage, and the serialized payload's byte size.
type RLMBudgetsConfig struct {
	MaxIterations   int           `yaml:"max_iterations"`
	WallClock       time.Duration `yaml:"wall_clock"`
	MaxTokens       int64         `yaml:"max_tokens"`
	MaxPayloadBytes int           `yaml:"max_payload_bytes"`
}

// RLMSandboxConfig selects and parameterizes the sandbox backend.
type RLMSandboxConfig struct {
	// Variant is one of "local-subprocess", "container", or
	// "remote-function".
	Variant string `yaml:"variant"`

	LocalSubprocess RLMLocalSubprocessConfig `yaml:"local_subprocess"`
	Container       RLMContainerConfig       `yaml:"container"`
	RemoteFunction  RLMRemoteFunctionConfig  `yaml:"remote_function"`
}

type RLMLocalSubprocessConfig struct {
	Interpreter string `yaml:"interpreter"`
}

type RLMContainerConfig struct {
	SocketPath string `yaml:"socket_path"`
	CID        uint32 `yaml:"cid"`
}

type RLMRemoteFunctionConfig struct {
	InvokeURL string `yaml:"invoke_url"`
}

// RLMTruncateConfig sets the Output Truncator's head/tail rune
// budgets.
type RLMTruncateConfig struct {
	Head int `yaml:"head"`
	Tail int `yaml:"tail"`
}

func applyRLMDefaults(cfg *RLMConfig) {
	if cfg.PayloadBinding == "" {
		cfg.PayloadBinding = "payload"
	}
	if cfg.Budgets.MaxIterations == 0 {
		cfg.Budgets.MaxIterations = 25
	}
	if cfg.Budgets.WallClock == 0 {
		cfg.Budgets.WallClock = 10 * time.Minute
	}
	if cfg.Budgets.MaxTokens == 0 {
		cfg.Budgets.MaxTokens = 1_000_000
	}
	if cfg.Budgets.MaxPayloadBytes == 0 {
		cfg.Budgets.MaxPayloadBytes = 10 << 20
	}
	if cfg.Sandbox.Variant == "" {
		cfg.Sandbox.Variant = "local-subprocess"
	}
	if cfg.Sandbox.LocalSubprocess.Interpreter == "" {
		cfg.Sandbox.LocalSubprocess.Interpreter = "python3"
	}
	if cfg.Truncate.Head == 0 {
		cfg.Truncate.Head = 4000
	}
	if cfg.Truncate.Tail == 0 {
		cfg.Truncate.Tail = 1000
	}
	if cfg.HelperConcurrency == 0 {
		cfg.HelperConcurrency = 4
	}
	if cfg.HelperRetries == 0 {
		cfg.HelperRetries = 2
	}
	if cfg.FailureCooldown == 0 {
		cfg.FailureCooldown = 30 * time.Second
	}
}
