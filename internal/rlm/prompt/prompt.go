// Package prompt builds the two immutable strings the Completion
// Orchestrator opens a conversation with: the system prompt describing
// the REPL protocol, and the user turn carrying the task plus the
// Context Descriptor. Neither string changes once a completion starts;
// later turns are plain transcript appends built by the orchestrator
// itself.
package prompt

import (
	"fmt"
	"strings"

	"github.com/haasonsaas/rlm/internal/rlm/payload"
	"github.com/haasonsaas/rlm/internal/rlm/truncate"
)

// Config parameterizes the system prompt's description of the
// bindings, helpers, and truncation behavior actually configured for
// this completion, so the prose the model reads always matches what
// the sandbox will really do.
type Config struct {
	// PayloadBinding is the reserved sandbox global the deserialized
	// payload is assigned to, e.g. "payload".
	PayloadBinding string
	// ExposeHelpers is false when this completion's depth is at or
	// beyond the Helper Service's configured cap, in which case the
	// prompt omits the llm_query/llm_query_batched sections entirely —
	// matching the sandbox bootstrap, which installs no such proxies
	// either.
	ExposeHelpers bool
	// Budgets is the truncation policy applied to every execution
	// result, described so the model can anticipate the marker.
	Budgets truncate.Budgets
}

// SystemPrompt renders the fixed protocol description: how to submit
// code, the payload binding name, the available helpers (if any), the
// final-variable directive, and the truncation marker format.
func SystemPrompt(cfg Config) string {
	var b strings.Builder

	b.WriteString("You solve problems by writing and running Python code in a persistent REPL sandbox. ")
	b.WriteString("You do not answer directly from memory when the payload is large; you inspect it in the sandbox first.\n\n")

	b.WriteString("To run code, place it inside a fenced block tagged `repl`:\n\n")
	b.WriteString("```repl\nprint(\"example\")\n```\n\n")
	b.WriteString("(`python` is also accepted as the fence tag.) Code blocks execute in the order they appear in your reply, ")
	b.WriteString("against a namespace that persists across turns: variables, imports, and functions you define remain available in later turns. ")
	b.WriteString("If a block's last line is a bare expression (e.g. `df.head()` with nothing assigning its result), its repr is appended to the output, the same as in an interactive interpreter.\n\n")

	binding := cfg.PayloadBinding
	if binding == "" {
		binding = "payload"
	}
	b.WriteString(fmt.Sprintf("The task payload is already loaded into the sandbox as the variable `%s`. Do not reassign it unless you mean to shadow it.\n\n", binding))

	if cfg.ExposeHelpers {
		b.WriteString("Two helper functions are available for delegating sub-questions to another model:\n\n")
		b.WriteString("- `llm_query(prompt, **overrides) -> str` — sends one prompt, returns its answer text.\n")
		b.WriteString("- `llm_query_batched(prompts, **overrides) -> list[str]` — sends a list of prompts concurrently, returning a list of answers in the same order. ")
		b.WriteString("A failed item in the list is a short bracketed error string rather than a raised exception.\n\n")
		b.WriteString("`overrides` accepts `temperature` and `max_tokens` as keyword arguments.\n\n")
	}

	b.WriteString("When you have the final answer, end your reply with a line of the exact form:\n\n")
	b.WriteString("FINAL_VAR(name)\n\n")
	b.WriteString("where `name` is the identifier of a variable already defined in the sandbox namespace (bare or quoted, e.g. FINAL_VAR(answer) or FINAL_VAR(\"answer\")). ")
	b.WriteString("This line must start at the beginning of a line and must not appear inside a fenced code block. It is the only way to end the session; ")
	b.WriteString("writing a Python call to a function named FINAL_VAR inside your code has no effect. If the named variable does not exist yet, you will be told so and may try again.\n\n")

	head, tail := cfg.Budgets.Head, cfg.Budgets.Tail
	if head <= 0 && tail <= 0 {
		head, tail = truncate.DefaultBudgets().Head, truncate.DefaultBudgets().Tail
	}
	b.WriteString(fmt.Sprintf(
		"Output from your code (stdout and stderr) is shown to you truncated: if it is longer than %d characters, "+
			"you will see the first %d characters, a line reading `... [elided N characters] ...` naming exactly how many characters were cut, and the last %d characters.\n",
		head+tail, head, tail,
	))

	return b.String()
}

// UserTurn renders the initial user turn: the task statement followed
// by the Context Descriptor summary, so the model can plan its first
// fetch before reading any payload bytes.
func UserTurn(task string, descriptor payload.Descriptor) string {
	var b strings.Builder
	b.WriteString(task)
	b.WriteString("\n\nPayload summary: ")
	b.WriteString(payload.Summary(descriptor))
	return b.String()
}
