package sandbox

import "github.com/haasonsaas/rlm/internal/rlm/usage"

// HelperRequest is a proxy call issued inside the sandbox, crossing back
// to the Helper Service over the side-channel multiplexed with the
// execute frames. Depth is injected by the channel, never by the
// sandboxed code, per the Helper Call entity in §3.
type HelperRequest struct {
	Correlator uint32
	Depth      int
	Batched    bool
	Prompts    []string          // len==1 for a single llm_query call
	Overrides  map[string]string // model/temperature/max_tokens, stringly-typed across the wire
}

// HelperResponse answers a HelperRequest. Texts has the same length and
// order as the request's Prompts; a per-item failure is represented as
// a short error marker string rather than failing the whole response.
type HelperResponse struct {
	Correlator uint32
	Texts      []string
	Usage      usage.Usage
}

// HelperHandler answers helper calls originating inside a running
// sandbox. The Completion Orchestrator supplies one backed by
// internal/rlm/helper.Service when it starts a Session; Session never
// imports the helper package directly, avoiding a dependency cycle
// between the sandbox and the component that drives it.
type HelperHandler func(depth int, req HelperRequest) HelperResponse
