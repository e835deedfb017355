// Package rlm is the engine's public API surface (C10): Complete and
// AComplete wire a provider, an optional helper chain, a sandbox
// variant, and budgets into one Completion Orchestrator run, hiding the
// internal/rlm subpackages from embedding applications.
package rlm

import (
	"context"
	"fmt"
	"time"

	"github.com/haasonsaas/rlm/internal/observability"
	"github.com/haasonsaas/rlm/internal/rlm/helper"
	"github.com/haasonsaas/rlm/internal/rlm/orchestrator"
	"github.com/haasonsaas/rlm/internal/rlm/provider"
	"github.com/haasonsaas/rlm/internal/rlm/sandbox"
	"github.com/haasonsaas/rlm/internal/rlm/truncate"
	"github.com/haasonsaas/rlm/internal/rlm/usage"
)

// Config wires one completion's collaborators: the root model, the
// depth-indexed helper chain, the sandbox variant, and budgets. It is
// the caller-facing equivalent of orchestrator.Config, built fresh for
// every Complete/AComplete call so two concurrent completions never
// share a sandbox or transcript.
type Config struct {
	// Model answers the root (depth 0) completion loop.
	Model provider.Provider

	// DeeperModels answers llm_query/llm_query_batched calls issued
	// from inside the sandbox, indexed by depth-1. Nil or empty
	// disables helper calls entirely.
	DeeperModels []provider.Provider

	// Sandbox selects and parameterizes the Sandbox Session variant.
	Sandbox sandbox.Config

	// PayloadBinding names the sandbox global the payload is assigned
	// to. Defaults to "payload".
	PayloadBinding string
	// SetupCode, if non-empty, runs once after bootstrap and before the
	// first model turn.
	SetupCode string

	Budgets         orchestrator.Budgets
	TruncateBudgets truncate.Budgets

	HelperConcurrency int
	HelperRetries     int
	// FailureCooldown is how long an unhealthy helper backend is
	// skipped before being retried. Zero disables cooldown.
	FailureCooldown time.Duration

	// Metrics and Logger, when set, wire the ambient observability
	// stack into the completion loop and helper calls. Nil disables
	// either independently.
	Metrics *observability.Metrics
	Logger  *observability.Logger
	// LogDir enables JSON Lines transcript logging; RLM_LOG_DIR
	// overrides it at runtime when set.
	LogDir string
}

// Result is what AComplete delivers on its channel: the same
// (answer, usage, error) triple Complete returns directly.
type Result struct {
	Answer string
	Usage  usage.Usage
	Err    error
}

// Complete runs one completion synchronously: serializes payload,
// drives the model/sandbox loop to a final answer or an exhausted
// budget, and returns the answer alongside aggregate token usage.
func Complete(ctx context.Context, payload any, task string, cfg Config) (string, usage.Usage, error) {
	orch, err := build(cfg)
	if err != nil {
		return "", usage.Usage{}, err
	}
	return orch.Complete(ctx, payload, task)
}

// AComplete runs Complete in a goroutine and delivers its result on
// the returned channel exactly once, then closes it. Cancel ctx to
// abandon the completion early; the goroutine still sends its Result
// (possibly ctx.Err()) before the channel closes.
func AComplete(ctx context.Context, payload any, task string, cfg Config) (<-chan Result, error) {
	orch, err := build(cfg)
	if err != nil {
		return nil, err
	}

	out := make(chan Result, 1)
	go func() {
		defer close(out)
		answer, u, err := orch.Complete(ctx, payload, task)
		out <- Result{Answer: answer, Usage: u, Err: err}
	}()
	return out, nil
}

func build(cfg Config) (*orchestrator.Orchestrator, error) {
	if cfg.Model == nil {
		return nil, fmt.Errorf("rlm: Config.Model is required")
	}

	var router orchestrator.HelperRouter
	if len(cfg.DeeperModels) > 0 {
		router = helper.NewService(helper.Config{
			DeeperModels:          cfg.DeeperModels,
			MaxBatchedConcurrency: cfg.HelperConcurrency,
			RetryPerItem:          cfg.HelperRetries,
			FailureCooldown:       cfg.FailureCooldown,
			Metrics:               cfg.Metrics,
		})
	}

	return orchestrator.New(orchestrator.Config{
		Model:           cfg.Model,
		Helper:          router,
		Sandbox:         cfg.Sandbox,
		PayloadBinding:  cfg.PayloadBinding,
		SetupCode:       cfg.SetupCode,
		Budgets:         cfg.Budgets,
		TruncateBudgets: cfg.TruncateBudgets,
		Metrics:         cfg.Metrics,
		Logger:          cfg.Logger,
		LogDir:          cfg.LogDir,
	})
}
