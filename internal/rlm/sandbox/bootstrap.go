package sandbox

// bootstrapTemplate is the Python bootstrap snippet run once per session
// before the first caller-issued execute(). It deserializes the payload
// into the payload binding, installs the llm_query/llm_query_batched/
// FINAL_VAR proxies bound to the helper side-channel (fd 3 write, fd 4
// read — the "same channel... multiplexed by message type" of §6,
// realized here as a dedicated pair of framed pipes alongside the main
// execute channel), and finally runs the caller's setup code. Its
// output is discarded by Session.Start; only clean/error status matters.
//
// The two %s verbs are, in order: the JSON-encoded payload string
// literal, and the caller-supplied setup code (run verbatim, last).
// helperProxies is interpolated between them, either heloProxiesSnippet
// or empty — a session opened at or beyond the Helper Service's
// configured depth cap omits llm_query/llm_query_batched entirely, per
// §4.5: "the proxies installed at that level no longer expose
// llm_query/llm_query_batched".
const bootstrapTemplate = `
import json, os, struct, sys

%s
def FINAL_VAR(name):
    # Installed for namespace parity with the assistant-authored
    # directive's name; calling it from sandboxed code has no effect on
    # loop termination. Only the line-anchored FINAL_VAR(<name>) pattern
    # in the assistant's own reply (outside any fenced block, parsed by
    # the Response Parser) terminates the completion and selects an
    # answer via identifier lookup in this namespace.
    pass

payload = json.loads(%s)

%s
`

// helperProxiesSnippet defines llm_query/llm_query_batched over the
// fd 3/4 side-channel shared by every transport variant's Start
// bootstrap (local pipes, a dedicated vsock port, or an HTTP callback
// URL — see local.go/firecracker.go/remote.go for how each variant
// realizes fds 3/4 in the guest).
const helperProxiesSnippet = `def __rlm_send_helper(batched, prompts, overrides):
    body = json.dumps({"batched": batched, "prompts": prompts, "overrides": overrides or {}}).encode("utf-8")
    os.write(3, struct.pack("<I", len(body)))
    os.write(3, body)
    hdr = b""
    while len(hdr) < 4:
        chunk = os.read(4, 4 - len(hdr))
        if not chunk:
            raise RuntimeError("helper channel closed")
        hdr += chunk
    (length,) = struct.unpack("<I", hdr)
    buf = b""
    while len(buf) < length:
        chunk = os.read(4, length - len(buf))
        if not chunk:
            raise RuntimeError("helper channel closed")
        buf += chunk
    return json.loads(buf.decode("utf-8"))

def llm_query(prompt, **overrides):
    resp = __rlm_send_helper(False, [prompt], overrides)
    return resp["texts"][0]

def llm_query_batched(prompts, **overrides):
    resp = __rlm_send_helper(True, list(prompts), overrides)
    return resp["texts"]
`
