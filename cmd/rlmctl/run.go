package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/haasonsaas/rlm/internal/config"
	"github.com/haasonsaas/rlm/internal/observability"
	"github.com/haasonsaas/rlm/internal/providers/bedrock"
	"github.com/haasonsaas/rlm/internal/rlm/orchestrator"
	"github.com/haasonsaas/rlm/internal/rlm/provider"
	"github.com/haasonsaas/rlm/internal/rlm/sandbox"
	"github.com/haasonsaas/rlm/internal/rlm/truncate"
	"github.com/haasonsaas/rlm/pkg/rlm"
)

type runOptions struct {
	configPath  string
	payloadPath string
	task        string
}

func runCompletion(ctx context.Context, opts runOptions) error {
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger := observability.MustNewLogger(observability.LogConfig{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	})
	metrics := observability.NewMetrics()

	if cfg.LLM.Bedrock.Enabled {
		logBedrockCatalog(ctx, logger, cfg.LLM.Bedrock)
	}

	payloadBytes, err := os.ReadFile(opts.payloadPath)
	if err != nil {
		return fmt.Errorf("read payload: %w", err)
	}
	var payload any
	if err := json.Unmarshal(payloadBytes, &payload); err != nil {
		return fmt.Errorf("parse payload: %w", err)
	}

	rootModel, err := resolveProvider(ctx, cfg.LLM.DefaultProvider, cfg.LLM)
	if err != nil {
		return fmt.Errorf("resolve default provider: %w", err)
	}

	var deeperModels []provider.Provider
	for _, name := range cfg.RLM.DeeperModels {
		p, err := resolveProvider(ctx, name, cfg.LLM)
		if err != nil {
			return fmt.Errorf("resolve deeper model %q: %w", name, err)
		}
		deeperModels = append(deeperModels, p)
	}

	sandboxCfg, err := resolveSandbox(cfg.RLM.Sandbox)
	if err != nil {
		return fmt.Errorf("resolve sandbox: %w", err)
	}

	runCfg := rlm.Config{
		Model:          rootModel,
		DeeperModels:   deeperModels,
		Sandbox:        sandboxCfg,
		PayloadBinding: cfg.RLM.PayloadBinding,
		Budgets: orchestrator.Budgets{
			MaxIterations:   cfg.RLM.Budgets.MaxIterations,
			WallClock:       cfg.RLM.Budgets.WallClock,
			MaxTokens:       cfg.RLM.Budgets.MaxTokens,
			MaxPayloadBytes: cfg.RLM.Budgets.MaxPayloadBytes,
		},
		TruncateBudgets: truncate.Budgets{
			Head: cfg.RLM.Truncate.Head,
			Tail: cfg.RLM.Truncate.Tail,
		},
		HelperConcurrency: cfg.RLM.HelperConcurrency,
		HelperRetries:     cfg.RLM.HelperRetries,
		FailureCooldown:   cfg.RLM.FailureCooldown,
		Metrics:           metrics,
		Logger:            logger,
		LogDir:            cfg.RLM.LogDir,
	}

	answer, usage, err := rlm.Complete(ctx, payload, opts.task, runCfg)
	if err != nil {
		return fmt.Errorf("completion failed: %w", err)
	}

	fmt.Println(answer)
	fmt.Fprintf(os.Stderr, "tokens: input=%d output=%d cache_read=%d cache_write=%d\n",
		usage.InputTokens, usage.OutputTokens, usage.CacheReadTokens, usage.CacheWriteTokens)
	return nil
}

// resolveProvider builds the named backend from its llm.providers entry.
// The provider name selects which SDK to construct; entries not named
// "anthropic", "openai", or "bedrock" are rejected, since those are the
// only Model Adapter backends the engine implements.
func resolveProvider(ctx context.Context, name string, cfg config.LLMConfig) (provider.Provider, error) {
	key := strings.ToLower(strings.TrimSpace(name))
	entry, ok := cfg.Providers[key]
	if !ok {
		return nil, fmt.Errorf("no llm.providers entry named %q", name)
	}

	switch key {
	case "anthropic":
		return provider.NewAnthropic(provider.AnthropicConfig{
			APIKey:       entry.APIKey,
			BaseURL:      entry.BaseURL,
			DefaultModel: entry.DefaultModel,
		})
	case "openai":
		return provider.NewOpenAI(provider.OpenAIConfig{
			APIKey:       entry.APIKey,
			BaseURL:      entry.BaseURL,
			DefaultModel: entry.DefaultModel,
		})
	case "bedrock":
		return provider.NewBedrock(ctx, provider.BedrockConfig{
			Region:       cfg.Bedrock.Region,
			DefaultModel: entry.DefaultModel,
		})
	default:
		return nil, fmt.Errorf("unsupported provider %q (want anthropic, openai, or bedrock)", name)
	}
}

func resolveSandbox(cfg config.RLMSandboxConfig) (sandbox.Config, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Variant)) {
	case "", "local-subprocess":
		return sandbox.Config{
			Variant: sandbox.VariantLocalSubprocess,
			LocalSubprocess: sandbox.LocalSubprocessOptions{
				Interpreter: cfg.LocalSubprocess.Interpreter,
			},
		}, nil
	case "container":
		return sandbox.Config{
			Variant: sandbox.VariantContainer,
			Firecracker: sandbox.FirecrackerOptions{
				SocketPath: cfg.Container.SocketPath,
				CID:        cfg.Container.CID,
			},
		}, nil
	case "remote-function":
		return sandbox.Config{
			Variant: sandbox.VariantRemoteFunction,
			Remote: sandbox.RemoteOptions{
				InvokeURL: cfg.RemoteFunction.InvokeURL,
			},
		}, nil
	default:
		return sandbox.Config{}, fmt.Errorf("unknown sandbox variant %q", cfg.Variant)
	}
}

// logBedrockCatalog discovers available Bedrock foundation models and
// logs a summary, so operators can see what DefaultModel values are
// valid for a "bedrock" llm.providers entry without leaving rlmctl.
func logBedrockCatalog(ctx context.Context, logger *observability.Logger, cfg config.BedrockConfig) {
	refresh := time.Hour
	if cfg.RefreshInterval != "" {
		if d, err := time.ParseDuration(cfg.RefreshInterval); err == nil {
			refresh = d
		}
	}

	models, err := bedrock.DiscoverModels(ctx, &bedrock.DiscoveryConfig{
		Region:               cfg.Region,
		RefreshInterval:      refresh,
		ProviderFilter:       cfg.ProviderFilter,
		DefaultContextWindow: cfg.DefaultContextWindow,
		DefaultMaxTokens:     cfg.DefaultMaxTokens,
	})
	if err != nil {
		logger.Warn(ctx, "bedrock model discovery failed", "error", err)
		return
	}
	logger.Info(ctx, "discovered bedrock models", "count", len(models))
}
