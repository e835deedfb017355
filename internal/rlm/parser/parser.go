// Package parser scans a model reply for fenced REPL code blocks and the
// line-anchored FINAL_VAR(<name>) termination directive. It never
// evaluates anything in the reply; it only locates text.
package parser

import (
	"regexp"
	"strings"
)

// fenceRE matches a fenced block whose language tag is the literal
// "repl" or its accepted alias "python". Content is captured verbatim,
// including leading/trailing whitespace, between the fence lines.
var fenceRE = regexp.MustCompile("(?s)```(?:repl|python)[ \t]*\r?\n(.*?)```")

// finalVarRE matches FINAL_VAR(<name>) anchored at the start of a line,
// with the identifier optionally wrapped in matching quotes.
var finalVarRE = regexp.MustCompile(`(?m)^FINAL_VAR\((?:'([A-Za-z_][A-Za-z0-9_]*)'|"([A-Za-z_][A-Za-z0-9_]*)"|([A-Za-z_][A-Za-z0-9_]*))\)`)

// Reply is the result of scanning one model turn.
type Reply struct {
	// Snippets holds fenced repl/python block contents in textual order,
	// fences stripped.
	Snippets []string
	// FinalVar is the identifier named by the first FINAL_VAR directive
	// found outside any fenced block. Empty when HasFinal is false.
	FinalVar string
	// HasFinal reports whether a FINAL_VAR directive was found.
	HasFinal bool
	// Remainder is the reply text with fenced blocks removed, kept for
	// the orchestrator's transcript logging.
	Remainder string
}

// Parse scans reply for repl code blocks and the FINAL_VAR directive.
// FINAL_VAR occurrences inside fenced blocks are ignored: the directive
// is only honored when it appears in the assistant's own prose, never
// inside code the assistant asks the sandbox to run.
func Parse(reply string) Reply {
	var snippets []string
	fenceSpans := fenceRE.FindAllStringSubmatchIndex(reply, -1)
	for _, span := range fenceSpans {
		snippets = append(snippets, reply[span[2]:span[3]])
	}

	outside := stripFences(reply, fenceSpans)

	r := Reply{Snippets: snippets, Remainder: outside}

	m := finalVarRE.FindStringSubmatch(outside)
	if m == nil {
		return r
	}
	for _, g := range m[1:] {
		if g != "" {
			r.FinalVar = g
			r.HasFinal = true
			break
		}
	}
	return r
}

// stripFences removes fenced block text (including the fences themselves)
// from reply so FINAL_VAR scanning never sees text inside a code block.
func stripFences(reply string, spans [][]int) string {
	if len(spans) == 0 {
		return reply
	}
	var b strings.Builder
	prev := 0
	for _, span := range spans {
		b.WriteString(reply[prev:span[0]])
		prev = span[1]
	}
	b.WriteString(reply[prev:])
	return b.String()
}
