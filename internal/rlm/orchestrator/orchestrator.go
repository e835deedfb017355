// Package orchestrator implements the Completion Orchestrator (C8): the
// main iteration loop driving a model and a sandbox through
// INIT -> READY -> AWAITING_MODEL -> AWAITING_SANDBOX -> FINALIZING ->
// TERMINATING, honoring iteration/wall-clock/token budgets and the
// empty-reply and missing-identifier corrective turns. Adapted in shape
// from the teacher's agent loop: call model, inspect the reply, act,
// append a turn, repeat — generalized here to drive a sandbox instead
// of tool calls.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/haasonsaas/rlm/internal/observability"
	rlmerrors "github.com/haasonsaas/rlm/internal/rlm/errors"
	"github.com/haasonsaas/rlm/internal/rlm/parser"
	"github.com/haasonsaas/rlm/internal/rlm/payload"
	"github.com/haasonsaas/rlm/internal/rlm/prompt"
	"github.com/haasonsaas/rlm/internal/rlm/provider"
	"github.com/haasonsaas/rlm/internal/rlm/sandbox"
	"github.com/haasonsaas/rlm/internal/rlm/truncate"
	"github.com/haasonsaas/rlm/internal/rlm/usage"
)

// state names the orchestrator's position in the loop, used only for
// internal bookkeeping and error messages — callers only ever see
// Complete's final (answer, usage, error) result.
type state string

const (
	stateInit            state = "init"
	stateReady           state = "ready"
	stateAwaitingModel   state = "awaiting_model"
	stateAwaitingSandbox state = "awaiting_sandbox"
	stateFinalizing      state = "finalizing"
	stateTerminating     state = "terminating"
)

// Budgets bounds one completion along the axes named in spec.md §4.8:
// iteration count, wall-clock deadline, aggregate token usage, and the
// serialized payload's byte size. Exhausting any one transitions to
// FAILED with a distinguishing error reason; partial state is discarded.
type Budgets struct {
	MaxIterations   int
	WallClock       time.Duration
	MaxTokens       int64
	MaxPayloadBytes int
}

// DefaultBudgets returns the core's defaults: a few dozen iterations, a
// ten-minute wall clock, a million-token ceiling, and a 10MB payload cap.
func DefaultBudgets() Budgets {
	return Budgets{MaxIterations: 25, WallClock: 10 * time.Minute, MaxTokens: 1_000_000, MaxPayloadBytes: 10 << 20}
}

// HelperRouter answers helper calls issued inside the sandbox and
// reports the deepest depth at which it still exposes llm_query/
// llm_query_batched, mirroring internal/rlm/helper.Service's exported
// surface without importing it directly (the orchestrator wires the
// concrete *helper.Service in at construction).
type HelperRouter interface {
	Bind(ctx context.Context) sandbox.HelperHandler
	MaxDepth() int
}

// Config wires every collaborator the orchestrator drives. Model is the
// depth-0 backend; Helper resolves calls at depth >= 1.
type Config struct {
	Model           provider.Provider
	Helper          HelperRouter
	Sandbox         sandbox.Config
	PayloadBinding  string
	SetupCode       string
	Budgets         Budgets
	TruncateBudgets truncate.Budgets

	// Metrics, when set, receives per-iteration and per-model-call
	// observations. Nil disables metrics recording.
	Metrics *observability.Metrics
	// Logger, when set, receives structured diagnostics for model and
	// sandbox failures. Nil disables logging.
	Logger *observability.Logger
	// LogDir, when non-empty, enables JSON Lines transcript logging:
	// one file per completion under LogDir, one line per turn appended
	// to the transcript. RLM_LOG_DIR overrides this at runtime when set.
	LogDir string
}

// Orchestrator drives one completion at a time; each call to Complete
// owns its own Conversation Transcript and Sandbox Session, discarded
// on exit per the Completion Request's independence invariant.
type Orchestrator struct {
	cfg Config
}

// New validates cfg and returns a ready Orchestrator.
func New(cfg Config) (*Orchestrator, error) {
	if cfg.Model == nil {
		return nil, fmt.Errorf("orchestrator: Model is required")
	}
	if cfg.Budgets.MaxIterations <= 0 {
		cfg.Budgets = DefaultBudgets()
	}
	if cfg.Budgets.MaxPayloadBytes <= 0 {
		cfg.Budgets.MaxPayloadBytes = DefaultBudgets().MaxPayloadBytes
	}
	if cfg.TruncateBudgets.Head <= 0 && cfg.TruncateBudgets.Tail <= 0 {
		cfg.TruncateBudgets = truncate.DefaultBudgets()
	}
	if cfg.PayloadBinding == "" {
		cfg.PayloadBinding = "payload"
	}
	if dir := os.Getenv("RLM_LOG_DIR"); dir != "" {
		cfg.LogDir = dir
	}
	return &Orchestrator{cfg: cfg}, nil
}

// transcriptEntry is one line of a completion's JSON Lines transcript
// log: a single model or sandbox turn, in the order it occurred.
type transcriptEntry struct {
	Iteration int    `json:"iteration"`
	Role      string `json:"role"`
	Content   string `json:"content"`
}

// transcriptLogger appends one JSON line per turn to a per-completion
// file under Config.LogDir, named by a uniquely generated completion ID
// that doubles as the correlation ID tagging this completion's log lines.
type transcriptLogger struct {
	f *os.File
	e *json.Encoder
}

func openTranscriptLogger(dir string) *transcriptLogger {
	if dir == "" {
		return nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil
	}
	f, err := os.CreateTemp(dir, "completion-*.jsonl")
	if err != nil {
		return nil
	}
	return &transcriptLogger{f: f, e: json.NewEncoder(f)}
}

// id returns the completion's correlation ID (its transcript file's base
// name), or "" if transcript logging is disabled.
func (t *transcriptLogger) id() string {
	if t == nil {
		return ""
	}
	return filepath.Base(t.f.Name())
}

func (t *transcriptLogger) append(iteration int, role, content string) {
	if t == nil {
		return
	}
	_ = t.e.Encode(transcriptEntry{Iteration: iteration, Role: role, Content: content})
}

func (t *transcriptLogger) close() {
	if t == nil {
		return
	}
	_ = t.f.Close()
}

// hardTruncateCap bounds a single execution result's length even after
// Output Truncator elision, per spec.md §4.8's edge policy: "Code
// snippet whose output alone would exceed the truncation threshold
// after elision is truncated again at a hard character cap."
const hardTruncateCap = 16_000

// Complete runs one completion end to end: serialize payload, start the
// sandbox, loop model<->sandbox turns until a final answer or a budget
// is exhausted, evaluate the named variable, terminate the sandbox, and
// return (answer, usage). It is the sole state-machine entry point;
// AComplete in pkg/rlm wraps this in a goroutine for the async surface.
func (o *Orchestrator) Complete(ctx context.Context, value any, task string) (string, usage.Usage, error) {
	agg := usage.NewAggregate()

	if o.cfg.Metrics != nil {
		o.cfg.Metrics.CompletionsInFlight.Inc()
		defer o.cfg.Metrics.CompletionsInFlight.Dec()
	}

	tlog := openTranscriptLogger(o.cfg.LogDir)
	defer tlog.close()
	tlog.append(0, "task", task)

	if id := tlog.id(); id != "" {
		ctx = observability.AddCompletionID(ctx, id)
	}

	deadline := time.Now().Add(o.cfg.Budgets.WallClock)
	if o.cfg.Budgets.WallClock > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithDeadline(ctx, deadline)
		defer cancel()
	}

	payloadJSON, descriptor, err := payload.Serialize(value, o.cfg.Budgets.MaxPayloadBytes)
	if err != nil {
		return "", agg.Total(), rlmerrors.New(rlmerrors.ReasonPermanent, "orchestrator", 0, "payload serialization failed", err)
	}

	exposeHelpers := o.cfg.Helper != nil && o.cfg.Helper.MaxDepth() >= 1
	var handler sandbox.HelperHandler
	if o.cfg.Helper != nil {
		handler = o.cfg.Helper.Bind(ctx)
	}

	sess, err := sandbox.Open(ctx, o.cfg.Sandbox, 0, handler)
	if err != nil {
		return "", agg.Total(), rlmerrors.New(rlmerrors.ReasonSandboxCrash, "orchestrator", 0, "sandbox open failed", err)
	}
	defer func() {
		_ = sess.Terminate(context.Background())
	}()

	if err := sess.Start(ctx, payloadJSON, o.cfg.SetupCode, exposeHelpers); err != nil {
		return "", agg.Total(), rlmerrors.New(rlmerrors.ReasonPermanent, "orchestrator", 0, "bootstrap failed", err)
	}

	transcript := []provider.Message{
		{Role: provider.RoleSystem, Content: prompt.SystemPrompt(prompt.Config{
			PayloadBinding: o.cfg.PayloadBinding,
			ExposeHelpers:  exposeHelpers,
			Budgets:        o.cfg.TruncateBudgets,
		})},
		{Role: provider.RoleUser, Content: prompt.UserTurn(task, descriptor)},
	}

	emptyReplySeen := false

	for iteration := 1; ; iteration++ {
		if o.cfg.Budgets.MaxIterations > 0 && iteration > o.cfg.Budgets.MaxIterations {
			return "", agg.Total(), rlmerrors.New(rlmerrors.ReasonBudget, "orchestrator", 0, "iteration budget exhausted", nil)
		}
		if o.cfg.Budgets.WallClock > 0 && time.Now().After(deadline) {
			return "", agg.Total(), rlmerrors.New(rlmerrors.ReasonTimeout, "orchestrator", 0, "wall-clock budget exhausted", nil)
		}
		if o.cfg.Budgets.MaxTokens > 0 && agg.Total().Total() > o.cfg.Budgets.MaxTokens {
			return "", agg.Total(), rlmerrors.New(rlmerrors.ReasonBudget, "orchestrator", 0, "token budget exhausted", nil)
		}

		reply, err := o.callModel(ctx, transcript)
		if err != nil {
			o.recordError(ctx, "orchestrator", err)
			return "", agg.Total(), err
		}
		agg.RecordIteration(0, usage.Usage{InputTokens: reply.PromptTokens, OutputTokens: reply.CompletionTokens})
		transcript = append(transcript, provider.Message{Role: provider.RoleAssistant, Content: reply.Text})
		tlog.append(iteration, "assistant", reply.Text)

		parsed := parser.Parse(reply.Text)

		if strings.TrimSpace(reply.Text) == "" {
			o.recordIteration("empty_reply")
			if emptyReplySeen {
				err := rlmerrors.New(rlmerrors.ReasonInvalidReply, "orchestrator", 0, "empty reply repeated", nil)
				o.recordError(ctx, "orchestrator", err)
				return "", agg.Total(), err
			}
			emptyReplySeen = true
			transcript = append(transcript, provider.Message{
				Role:    provider.RoleUser,
				Content: "your previous reply contained no code and no final directive",
			})
			continue
		}
		emptyReplySeen = false

		if len(parsed.Snippets) > 0 {
			o.recordIteration("code")
			outputs := make([]string, 0, len(parsed.Snippets))
			for _, snippet := range parsed.Snippets {
				start := time.Now()
				result, err := sess.Execute(ctx, snippet)
				o.recordSandboxExecute(time.Since(start))
				if err != nil {
					o.recordError(ctx, "sandbox", err)
					return "", agg.Total(), err
				}
				outputs = append(outputs, formatExecutionResult(result, o.cfg.TruncateBudgets))
			}
			joined := strings.Join(outputs, "\n\n")
			transcript = append(transcript, provider.Message{
				Role:    provider.RoleUser,
				Content: joined,
			})
			tlog.append(iteration, "sandbox", joined)
		}

		if !parsed.HasFinal {
			continue
		}

		answer, ok, err := o.finalize(ctx, sess, parsed.FinalVar)
		if err != nil {
			o.recordError(ctx, "orchestrator", err)
			return "", agg.Total(), err
		}
		if !ok {
			transcript = append(transcript, provider.Message{
				Role:    provider.RoleUser,
				Content: fmt.Sprintf("FINAL_VAR named %q, but no such identifier exists in the sandbox namespace. Define it, then reissue FINAL_VAR.", parsed.FinalVar),
			})
			continue
		}

		o.recordIteration("final")
		tlog.append(iteration, "final", answer)
		return answer, agg.Total(), nil
	}
}

func (o *Orchestrator) recordIteration(outcome string) {
	if o.cfg.Metrics != nil {
		o.cfg.Metrics.RecordIteration(outcome)
	}
}

func (o *Orchestrator) recordSandboxExecute(d time.Duration) {
	if o.cfg.Metrics != nil {
		o.cfg.Metrics.RecordSandboxExecute(string(o.cfg.Sandbox.Variant), d.Seconds())
	}
}

func (o *Orchestrator) recordError(ctx context.Context, component string, err error) {
	if o.cfg.Metrics != nil {
		reason := string(rlmerrors.ReasonUnknown)
		if rerr, ok := rlmerrors.As(err); ok {
			reason = string(rerr.Reason)
		}
		o.cfg.Metrics.RecordError(component, reason)
	}
	if o.cfg.Logger != nil {
		o.cfg.Logger.WithContext(ctx).WithFields("component", component).Error(ctx, "completion step failed", "error", err)
	}
}

// callModel invokes the Model Adapter once, honoring
// AWAITING_MODEL -> AWAITING_SANDBOX on success and FAILED on a
// permanent error, per §4.8. The adapter (C6) already retries its own
// transport call up to its configured attempt cap (provider.Base.Retry);
// callModel's job is only to convert an already-exhausted transient
// error into a fatal one, per spec.md's "retried with backoff up to the
// adapter's attempt cap" — a second retry loop here would silently
// multiply that cap.
func (o *Orchestrator) callModel(ctx context.Context, transcript []provider.Message) (provider.Reply, error) {
	start := time.Now()
	reply, err := o.cfg.Model.Chat(ctx, transcript, provider.Overrides{})
	const depth = "0"
	if o.cfg.Metrics != nil {
		status := "success"
		if err != nil {
			status = "error"
		}
		o.cfg.Metrics.RecordLLMRequest(o.cfg.Model.Name(), o.cfg.Model.Name(), depth, status, time.Since(start).Seconds(), int(reply.PromptTokens), int(reply.CompletionTokens))
	}
	if err == nil {
		return reply, nil
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return provider.Reply{}, rlmerrors.New(rlmerrors.ReasonTimeout, "orchestrator", 0, "context done before model call", err)
	}
	if !rlmerrors.IsRetryable(err) {
		return provider.Reply{}, rlmerrors.New(rlmerrors.ReasonPermanent, "provider:"+o.cfg.Model.Name(), 0, "model call failed", err)
	}
	return provider.Reply{}, rlmerrors.New(rlmerrors.ReasonTransient, "provider:"+o.cfg.Model.Name(), 0, "model call exhausted retries", err)
}

// finalize asks the sandbox to evaluate the named identifier and
// coerce it to the answer string: Python's str() for scalars, JSON for
// mappings/sequences, per spec.md §4.8. ok is false when the identifier
// does not exist, distinguishing a missing-variable corrective turn
// from a hard sandbox failure.
func (o *Orchestrator) finalize(ctx context.Context, sess *sandbox.Session, varName string) (answer string, ok bool, err error) {
	lookup := fmt.Sprintf(
		"import json as __rlm_json\n"+
			"if %q not in dir():\n"+
			"    print(\"__RLM_MISSING__\")\n"+
			"else:\n"+
			"    __rlm_v = %s\n"+
			"    if isinstance(__rlm_v, (dict, list, tuple)):\n"+
			"        print(__rlm_json.dumps(__rlm_v))\n"+
			"    else:\n"+
			"        print(str(__rlm_v))",
		varName, varName,
	)
	result, err := sess.Execute(ctx, lookup)
	if err != nil {
		return "", false, err
	}
	if !result.Clean {
		return "", false, rlmerrors.New(rlmerrors.ReasonSandboxCrash, "orchestrator", 0, "final variable evaluation raised: "+result.ErrDetail, nil)
	}
	out := strings.TrimRight(result.Stdout, "\n")
	if out == "__RLM_MISSING__" {
		return "", false, nil
	}
	return out, true, nil
}

// formatExecutionResult truncates stdout/stderr independently and
// joins them into one user-turn string, applying the hard
// re-truncation cap when elision alone is not enough.
func formatExecutionResult(result sandbox.ExecutionResult, budgets truncate.Budgets) string {
	var b strings.Builder
	if result.Stdout != "" {
		b.WriteString("stdout:\n")
		b.WriteString(hardCap(truncate.Apply(result.Stdout, budgets)))
	}
	if result.Stderr != "" {
		if b.Len() > 0 {
			b.WriteString("\n")
		}
		b.WriteString("stderr:\n")
		b.WriteString(hardCap(truncate.Apply(result.Stderr, budgets)))
	}
	if !result.Clean {
		if b.Len() > 0 {
			b.WriteString("\n")
		}
		fmt.Fprintf(&b, "execution raised:\n%s", hardCap(truncate.Apply(result.ErrDetail, budgets)))
	}
	if b.Len() == 0 {
		return "(no output)"
	}
	return b.String()
}

func hardCap(s string) string {
	runes := []rune(s)
	if len(runes) <= hardTruncateCap {
		return s
	}
	return string(runes[:hardTruncateCap])
}
