package sandbox

import (
	"bufio"
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"

	"github.com/haasonsaas/rlm/internal/rlm/usage"
)

// localChannel runs the interpreter as a child process on the same
// host, connected over its stdin/stdout for execute frames and a pair
// of extra file descriptors (3 write, 4 read, from the child's
// perspective) for the helper side-channel. This is the simplest of the
// three sandbox variants and the default for local development.
type localChannel struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout *bufio.Reader

	helperW *os.File // host writes helper responses, child reads as fd 4
	helperR *os.File // host reads helper requests, child writes as fd 3

	helper HelperHandler
	depth  int

	closeOnce sync.Once
}

// LocalSubprocessOptions configures NewLocalSubprocess.
type LocalSubprocessOptions struct {
	// Interpreter is the executable to run, e.g. "python3". Defaults to
	// "python3" when empty.
	Interpreter string
	// Depth is injected into every HelperRequest issued by this
	// session; sandboxed code cannot override it.
	Depth int
	// Helper answers llm_query/llm_query_batched calls from the
	// sandboxed code.
	Helper HelperHandler
}

// NewLocalSubprocess spawns a persistent interpreter process that reads
// framed execute requests from stdin and writes framed responses to
// stdout, plus a helper side-channel on fds 3/4. The returned Session is
// ready for Start.
func NewLocalSubprocess(ctx context.Context, opts LocalSubprocessOptions) (*Session, error) {
	interpreter := opts.Interpreter
	if interpreter == "" {
		interpreter = "python3"
	}

	lc := &localChannel{helper: opts.Helper, depth: opts.Depth}

	cmd := exec.CommandContext(ctx, interpreter, "-u", "-c", guestAgentScript)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("sandbox: stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("sandbox: stdout pipe: %w", err)
	}
	cmd.Stderr = os.Stderr

	// Fd 3 (child writes helper requests) and fd 4 (child reads helper
	// responses) are wired as ExtraFiles so the guest agent can reach
	// them at the fixed descriptor numbers the bootstrap script assumes.
	helperReqR, helperReqW, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("sandbox: helper request pipe: %w", err)
	}
	helperRespR, helperRespW, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("sandbox: helper response pipe: %w", err)
	}
	cmd.ExtraFiles = []*os.File{helperReqW, helperRespR} // fd 3, fd 4 in the child

	lc.cmd = cmd
	lc.stdin = stdin
	lc.stdout = bufio.NewReader(stdout)
	lc.helperR = helperReqR  // host end: read child's requests
	lc.helperW = helperRespW // host end: write responses back to child

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("sandbox: start interpreter: %w", err)
	}
	// These fds now live in the child; the parent's copies (used only
	// to hand off during Start) must be closed so EOF propagates
	// correctly on shutdown.
	helperReqW.Close()
	helperRespR.Close()

	go lc.pumpHelperRequests()

	return New(lc), nil
}

// pumpHelperRequests services the helper side-channel for the lifetime
// of the process: read a length-prefixed JSON HelperRequest, dispatch
// to the configured HelperHandler with the session's fixed depth, write
// the length-prefixed JSON HelperResponse back.
func (lc *localChannel) pumpHelperRequests() {
	r := bufio.NewReader(lc.helperR)
	for {
		var lenBuf [4]byte
		if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
			return
		}
		n := binary.LittleEndian.Uint32(lenBuf[:])
		body := make([]byte, n)
		if _, err := io.ReadFull(r, body); err != nil {
			return
		}

		var wire struct {
			Batched   bool              `json:"batched"`
			Prompts   []string          `json:"prompts"`
			Overrides map[string]string `json:"overrides"`
		}
		if err := json.Unmarshal(body, &wire); err != nil {
			continue
		}

		resp := lc.helper(lc.depth, HelperRequest{
			Depth:     lc.depth,
			Batched:   wire.Batched,
			Prompts:   wire.Prompts,
			Overrides: wire.Overrides,
		})

		out, err := json.Marshal(struct {
			Texts []string    `json:"texts"`
			Usage usage.Usage `json:"usage"`
		}{Texts: resp.Texts, Usage: resp.Usage})
		if err != nil {
			continue
		}

		var outLen [4]byte
		binary.LittleEndian.PutUint32(outLen[:], uint32(len(out)))
		if _, err := lc.helperW.Write(outLen[:]); err != nil {
			return
		}
		if _, err := lc.helperW.Write(out); err != nil {
			return
		}
	}
}

func (lc *localChannel) Send(ctx context.Context, req Request) (Response, error) {
	if err := WriteRequest(lc.stdin, req); err != nil {
		return Response{}, err
	}

	type result struct {
		resp Response
		err  error
	}
	done := make(chan result, 1)
	go func() {
		resp, err := ReadResponse(lc.stdout)
		done <- result{resp, err}
	}()

	select {
	case <-ctx.Done():
		return Response{}, ctx.Err()
	case r := <-done:
		return r.resp, r.err
	}
}

func (lc *localChannel) Close() error {
	var err error
	lc.closeOnce.Do(func() {
		lc.stdin.Close()
		lc.helperR.Close()
		lc.helperW.Close()
		if lc.cmd.Process != nil {
			_ = lc.cmd.Process.Kill()
		}
		err = lc.cmd.Wait()
	})
	return err
}

// guestAgentScript is the entry point passed to `python3 -u -c`: it
// reads framed execute requests from stdin, runs the bootstrap and each
// subsequent execute() request against one persistent module namespace,
// and writes framed responses to stdout, exactly as the protocol in
// protocol.go specifies byte-for-byte on the Go side. A snippet whose
// last statement is a bare expression has its repr appended to stdout,
// mirroring the interactive interpreter's displayhook.
const guestAgentScript = `
import ast, io, json, struct, sys, traceback

__rlm_ns = {"__name__": "__rlm_sandbox__"}

def __rlm_run(code):
    out, err = io.StringIO(), io.StringIO()
    real_out, real_err = sys.stdout, sys.stderr
    sys.stdout, sys.stderr = out, err
    status = 0
    try:
        tree = ast.parse(code, "<repl>", "exec")
        trailer = None
        if tree.body and isinstance(tree.body[-1], ast.Expr):
            trailer = ast.Expression(tree.body.pop().value)
            ast.fix_missing_locations(trailer)
        exec(compile(tree, "<repl>", "exec"), __rlm_ns)
        if trailer is not None:
            result = eval(compile(trailer, "<repl>", "eval"), __rlm_ns)
            if result is not None:
                print(repr(result))
    except Exception:
        status = 1
        traceback.print_exc(file=err)
    finally:
        sys.stdout, sys.stderr = real_out, real_err
    return status, out.getvalue(), err.getvalue()

def __rlm_read_exact(n):
    buf = b""
    while len(buf) < n:
        chunk = sys.stdin.buffer.read(n - len(buf))
        if not chunk:
            raise EOFError
        buf += chunk
    return buf

while True:
    try:
        hdr = __rlm_read_exact(8)
    except EOFError:
        break
    correlator, length = struct.unpack("<II", hdr)
    code = __rlm_read_exact(length).decode("utf-8")
    status, out, err = __rlm_run(code)
    out_b, err_b = out.encode("utf-8"), err.encode("utf-8")
    resp = struct.pack("<IBI", correlator, status, len(out_b)) + out_b + struct.pack("<I", len(err_b)) + err_b
    sys.stdout.buffer.write(resp)
    sys.stdout.buffer.flush()
`
