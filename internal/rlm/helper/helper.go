// Package helper implements the Helper Service (C5): it answers
// llm_query/llm_query_batched calls issued from inside a running
// sandbox, selecting the backend for the call's depth, retrying
// transient per-item failures, and running batched calls concurrently
// with strict order preservation. Adapted from the teacher's
// routing.Router (health-cooldown candidate selection) and
// agent.ToolExecutor (bounded concurrent fan-out preserving input
// order).
package helper

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/haasonsaas/rlm/internal/observability"
	"github.com/haasonsaas/rlm/internal/retry"
	rlmerrors "github.com/haasonsaas/rlm/internal/rlm/errors"
	"github.com/haasonsaas/rlm/internal/rlm/provider"
	"github.com/haasonsaas/rlm/internal/rlm/sandbox"
	"github.com/haasonsaas/rlm/internal/rlm/usage"
)

// Config controls backend routing, concurrency, and retry for helper
// calls.
type Config struct {
	// DeeperModels is the ordered list of backends available to helper
	// calls, indexed by depth-1: a call at depth d uses
	// DeeperModels[d-1] when d-1 is in range, otherwise the last entry.
	// An empty list means no helper calls are permitted; proxies must
	// not be exposed to sandboxed code at a depth beyond len(DeeperModels).
	DeeperModels []provider.Provider

	// MaxBatchedConcurrency bounds how many prompts in a single
	// llm_query_batched call run at once. Default 4.
	MaxBatchedConcurrency int

	// RetryPerItem is the number of attempts (including the first) made
	// for each prompt before it is reported as a failed item. Default 2.
	RetryPerItem int

	// RetryDelay is the base linear backoff between per-item retries.
	RetryDelay time.Duration

	// FailureCooldown is how long a backend is skipped after a
	// non-retryable failure, mirroring the teacher's router health
	// tracking. Zero disables cooldown (a backend is always retried
	// immediately).
	FailureCooldown time.Duration

	// Metrics, when set, receives per-call latency, status, and token
	// observations labeled by depth. Nil disables metrics recording.
	Metrics *observability.Metrics
}

// Service answers HelperRequests routed from sandbox sessions.
type Service struct {
	cfg Config

	healthMu  sync.Mutex
	unhealthy map[int]time.Time // index into cfg.DeeperModels -> until
}

// NewService builds a Service, applying defaults for zero-valued
// concurrency/retry fields.
func NewService(cfg Config) *Service {
	if cfg.MaxBatchedConcurrency <= 0 {
		cfg.MaxBatchedConcurrency = 4
	}
	if cfg.RetryPerItem <= 0 {
		cfg.RetryPerItem = 2
	}
	return &Service{cfg: cfg, unhealthy: make(map[int]time.Time)}
}

// MaxDepth returns the deepest depth a helper call may run at. Zero
// means helper calls are never permitted.
func (s *Service) MaxDepth() int {
	return len(s.cfg.DeeperModels)
}

// Bind returns a sandbox.HelperHandler closed over ctx, for a sandbox
// Session's whole lifetime. Session's helper side-channel pumps call it
// synchronously with no context of their own, so the completion
// orchestrator supplies one bound to the completion's overall
// deadline/cancellation when it opens the session.
func (s *Service) Bind(ctx context.Context) sandbox.HelperHandler {
	return func(depth int, req sandbox.HelperRequest) sandbox.HelperResponse {
		return s.handle(ctx, depth, req)
	}
}

// handle answers one helper call. depth is the depth at which the call
// executes: depth 1 for a call issued inside a depth-0 sandbox, and so
// on. Calls at a depth beyond MaxDepth() reuse the deepest configured
// backend, per the engine's depth cap.
func (s *Service) handle(ctx context.Context, depth int, req sandbox.HelperRequest) sandbox.HelperResponse {
	backend := s.backendFor(depth)
	if backend == nil {
		return sandbox.HelperResponse{
			Correlator: req.Correlator,
			Texts:      errorMarkers(len(req.Prompts), "helper calls are not configured at this depth"),
		}
	}

	overrides := toOverrides(req.Overrides)
	agg := usage.NewAggregate()

	if !req.Batched || len(req.Prompts) <= 1 {
		text, _ := s.callOne(ctx, backend, req.Prompts, overrides, agg, depth)
		return sandbox.HelperResponse{Correlator: req.Correlator, Texts: []string{text}, Usage: agg.Total()}
	}

	texts := s.callBatched(ctx, backend, req.Prompts, overrides, agg, depth)
	return sandbox.HelperResponse{Correlator: req.Correlator, Texts: texts, Usage: agg.Total()}
}

// callOne runs a single-prompt llm_query call with per-item retry,
// delegating backoff scheduling to retry.Do: a non-retryable error (per
// errors.IsRetryable) is wrapped as retry.Permanent so Do stops
// immediately instead of exhausting the attempt budget.
func (s *Service) callOne(ctx context.Context, backend provider.Provider, prompts []string, overrides provider.Overrides, agg *usage.Aggregate, depth int) (string, bool) {
	if len(prompts) == 0 {
		return errorMarker("empty prompt"), false
	}
	messages := []provider.Message{{Role: provider.RoleUser, Content: prompts[0]}}

	var reply provider.Reply
	start := time.Now()
	rcfg := retry.Exponential(s.cfg.RetryPerItem, s.cfg.RetryDelay, s.cfg.RetryDelay*time.Duration(s.cfg.RetryPerItem))
	result := retry.Do(ctx, rcfg, func() error {
		var err error
		reply, err = backend.Chat(ctx, messages, overrides)
		if err != nil && !rlmerrors.IsRetryable(err) {
			return retry.Permanent(err)
		}
		return err
	})
	if s.cfg.Metrics != nil {
		status := "success"
		if result.Err != nil {
			status = "error"
		}
		depthLabel := strconv.Itoa(depth)
		s.cfg.Metrics.RecordLLMRequest(backend.Name(), backend.Name(), depthLabel, status, time.Since(start).Seconds(), int(reply.PromptTokens), int(reply.CompletionTokens))
	}
	if result.Err == nil {
		agg.RecordIteration(depth, usage.Usage{InputTokens: reply.PromptTokens, OutputTokens: reply.CompletionTokens})
		return reply.Text, true
	}
	s.markUnhealthy(depth)
	if s.cfg.Metrics != nil {
		s.cfg.Metrics.RecordError("helper", "transient")
	}
	return errorMarker(result.Err.Error()), false
}

// callBatched runs one goroutine per prompt, bounded by
// MaxBatchedConcurrency, and assembles the result slice in the
// original prompt order regardless of completion order.
func (s *Service) callBatched(ctx context.Context, backend provider.Provider, prompts []string, overrides provider.Overrides, agg *usage.Aggregate, depth int) []string {
	texts := make([]string, len(prompts))
	sem := make(chan struct{}, s.cfg.MaxBatchedConcurrency)
	var wg sync.WaitGroup

	for i, p := range prompts {
		wg.Add(1)
		go func(idx int, prompt string) {
			defer wg.Done()
			select {
			case sem <- struct{}{}:
				defer func() { <-sem }()
			case <-ctx.Done():
				texts[idx] = errorMarker(ctx.Err().Error())
				return
			}
			text, _ := s.callOne(ctx, backend, []string{prompt}, overrides, agg, depth)
			texts[idx] = text
		}(i, p)
	}
	wg.Wait()
	return texts
}

// backendFor resolves the backend for a helper call at the given
// depth, skipping a backend still inside its failure cooldown window
// in favor of the deepest configured one.
func (s *Service) backendFor(depth int) provider.Provider {
	n := len(s.cfg.DeeperModels)
	if n == 0 {
		return nil
	}
	idx := depth - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= n {
		idx = n - 1
	}
	if s.isHealthy(idx) {
		return s.cfg.DeeperModels[idx]
	}
	// Fall back to the deepest backend if the selected one is cooling
	// down; it is the engine's catch-all tier and always attempted.
	if idx != n-1 && s.isHealthy(n-1) {
		return s.cfg.DeeperModels[n-1]
	}
	return s.cfg.DeeperModels[idx]
}

func (s *Service) isHealthy(idx int) bool {
	if s.cfg.FailureCooldown <= 0 {
		return true
	}
	s.healthMu.Lock()
	defer s.healthMu.Unlock()
	until, ok := s.unhealthy[idx]
	if !ok {
		return true
	}
	if time.Now().After(until) {
		delete(s.unhealthy, idx)
		return true
	}
	return false
}

func (s *Service) markUnhealthy(depth int) {
	if s.cfg.FailureCooldown <= 0 {
		return
	}
	n := len(s.cfg.DeeperModels)
	if n == 0 {
		return
	}
	idx := depth - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= n {
		idx = n - 1
	}
	s.healthMu.Lock()
	s.unhealthy[idx] = time.Now().Add(s.cfg.FailureCooldown)
	s.healthMu.Unlock()
}

func toOverrides(raw map[string]string) provider.Overrides {
	var out provider.Overrides
	if raw == nil {
		return out
	}
	if v, ok := raw["max_tokens"]; ok {
		if n, err := strconv.Atoi(v); err == nil {
			out.MaxTokens = n
		}
	}
	if v, ok := raw["temperature"]; ok {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			out.Temperature = &f
		}
	}
	return out
}

// errorMarker formats a short, unambiguous per-item failure string, so
// a failed batch element never fails the whole batch.
func errorMarker(reason string) string {
	return fmt.Sprintf("[helper call failed: %s]", reason)
}

func errorMarkers(n int, reason string) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = errorMarker(reason)
	}
	return out
}
