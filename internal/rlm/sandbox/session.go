package sandbox

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"

	rlmerrors "github.com/haasonsaas/rlm/internal/rlm/errors"
)

// Variant selects where the interpreter process backing a Session runs.
// All variants speak the identical frame protocol in protocol.go; only
// the transport differs, per the engine's sandbox configuration key.
type Variant string

const (
	VariantLocalSubprocess Variant = "local-subprocess"
	VariantContainer       Variant = "container"
	VariantRemoteFunction  Variant = "remote-function"
)

// ExecutionResult is the outcome of running one snippet, mirroring the
// Execution Result entity: captured stdout/stderr, a clean-completion
// flag, and an optional error description when not clean.
type ExecutionResult struct {
	Stdout    string
	Stderr    string
	Clean     bool
	ErrDetail string
}

// Channel is the transport a Session drives: something that can send a
// framed Request and receive its matching framed Response, plus be torn
// down. Each concrete variant (local subprocess, Firecracker vsock,
// remote HTTP function) implements Channel differently but the Session
// logic above it — bootstrap, serialization of execute() calls, shutdown
// — is identical across variants.
type Channel interface {
	// Send transmits req and blocks until the matching Response arrives
	// or ctx is done.
	Send(ctx context.Context, req Request) (Response, error)
	// Close releases the channel's resources. Idempotent.
	Close() error
}

// Session implements the start → execute (repeatable) → terminate
// lifecycle over a Channel. Execute calls are serialized: the Sandbox
// Session has exactly one running state at a time.
type Session struct {
	channel    Channel
	correlator uint32

	mu      sync.Mutex
	started bool
	closed  bool
}

// New wraps an already-connected Channel in a Session. The concrete
// variant constructors (NewLocalSubprocess, NewFirecracker, NewRemote)
// build the Channel and call this.
func New(ch Channel) *Session {
	return &Session{channel: ch}
}

// Start runs the bootstrap snippet: deserialize payload into the
// payload binding, install the FINAL_VAR no-op and (when exposeHelpers
// is true) the llm_query/llm_query_batched proxies, then run the
// caller's setup code. exposeHelpers is false for a session opened at
// or beyond the Helper Service's depth cap, per §4.5. Bootstrap output
// is discarded; a failure here is fatal to the completion per the
// Sandbox Session failure taxonomy (bootstrap failure).
func (s *Session) Start(ctx context.Context, payloadJSON []byte, setupCode string, exposeHelpers bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return rlmerrors.New(rlmerrors.ReasonProtocol, "sandbox", 0, "Start called twice", nil)
	}

	encoded, err := json.Marshal(string(payloadJSON))
	if err != nil {
		return rlmerrors.New(rlmerrors.ReasonProtocol, "sandbox", 0, "bootstrap payload encoding failed", err)
	}

	bootstrap := bootstrapScript(string(encoded), setupCode, exposeHelpers)
	resp, err := s.send(ctx, bootstrap)
	if err != nil {
		return rlmerrors.New(rlmerrors.ReasonSandboxCrash, "sandbox", 0, "bootstrap channel failure", err)
	}
	if !resp.Clean() {
		return rlmerrors.New(rlmerrors.ReasonPermanent, "sandbox", 0, "bootstrap snippet raised: "+resp.Stderr, nil)
	}

	s.started = true
	return nil
}

// Execute runs code as a single module body against the session's
// persistent namespace. Calls are serialized by Session.mu: the caller
// may run local concurrency inside one execute() (e.g. batched helper
// fan-out), but two execute() calls never overlap.
func (s *Session) Execute(ctx context.Context, code string) (ExecutionResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ExecutionResult{}, rlmerrors.New(rlmerrors.ReasonSandboxCrash, "sandbox", 0, "execute after terminate", nil)
	}

	resp, err := s.send(ctx, code)
	if err != nil {
		return ExecutionResult{}, rlmerrors.New(rlmerrors.ReasonSandboxCrash, "sandbox", 0, "channel failure during execute", err)
	}

	result := ExecutionResult{Stdout: resp.Stdout, Stderr: resp.Stderr, Clean: resp.Clean()}
	if !result.Clean {
		result.ErrDetail = resp.Stderr
	}
	return result, nil
}

// Terminate releases the channel. Idempotent: a second call is a no-op.
func (s *Session) Terminate(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.channel.Close()
}

func (s *Session) send(ctx context.Context, code string) (Response, error) {
	corr := atomic.AddUint32(&s.correlator, 1)
	return s.channel.Send(ctx, Request{Correlator: corr, Code: code})
}

// bootstrapScript renders the Python bootstrap snippet described by
// §4.4: deserialize the payload, optionally install the llm_query/
// llm_query_batched proxies, then run setupCode.
func bootstrapScript(payloadJSONLiteral, setupCode string, exposeHelpers bool) string {
	proxies := ""
	if exposeHelpers {
		proxies = helperProxiesSnippet
	}
	return fmt.Sprintf(bootstrapTemplate, proxies, payloadJSONLiteral, setupCode)
}
