// Package observability provides the engine's two ambient diagnostics
// surfaces: Prometheus metrics and structured logging.
//
// # Metrics
//
// Metrics tracks completion-loop iterations, model backend latency and
// token usage (root and helper calls alike, labeled by depth), and
// sandbox Execute() round-trip latency:
//
//	metrics := observability.NewMetrics()
//	metrics.RecordLLMRequest("anthropic", "claude-sonnet-4-20250514", "0", "success", elapsed, promptTokens, completionTokens)
//	metrics.RecordSandboxExecute("local-subprocess", elapsed)
//	metrics.RecordIteration("final")
//
// # Logging
//
// Logging is built on log/slog with per-completion correlation and
// automatic redaction of API keys, bearer tokens, and other secrets:
//
//	logger := observability.NewLogger(observability.LogConfig{Level: "info", Format: "json"})
//	ctx = observability.AddCompletionID(ctx, completionID)
//	logger.Error(ctx, "completion step failed", "component", "orchestrator", "error", err)
package observability
