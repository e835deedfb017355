package sandbox

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/haasonsaas/rlm/internal/rlm/usage"
)

// GuestAgentPort is the vsock port the microVM's guest agent listens on
// for execute frames, mirroring the teacher sandbox's Firecracker guest
// agent port convention.
const GuestAgentPort = 52

// HelperAgentPort is a second vsock port dedicated to the helper
// side-channel, so an in-flight execute() and any helper call it
// triggers never contend for the same stream.
const HelperAgentPort = 53

// firecrackerChannel drives an interpreter running inside a Firecracker
// microVM over two vsock connections: one carrying the protocol.go
// Request/Response byte frames for execute(), one carrying JSON
// HelperRequest/HelperResponse frames for llm_query proxies. This
// container variant provides process and kernel isolation beyond what a
// bare local subprocess gives.
type firecrackerChannel struct {
	socketPath string
	cid        uint32

	mu        sync.Mutex
	execConn  net.Conn
	helperConn net.Conn
	closed    bool

	pendingMu sync.Mutex
	pending   map[uint32]chan Response

	helper HelperHandler
	depth  int
}

// FirecrackerOptions configures NewFirecracker.
type FirecrackerOptions struct {
	// SocketPath is the Firecracker API socket path; the vsock Unix
	// socket is derived from it the same way the teacher's vsock dialer
	// does (socketPath + "_vsock" or ".vsock").
	SocketPath string
	// CID is the guest's vsock context ID.
	CID   uint32
	Depth int
	Helper HelperHandler
}

// NewFirecracker dials the guest agent's execute and helper vsock ports
// and returns a ready-to-Start Session. The microVM itself (its kernel,
// rootfs, and guest agent process) is provisioned out of band by the
// caller, the same division of responsibility the teacher's Firecracker
// backend uses (this package only speaks the wire protocol once the
// VM is up).
func NewFirecracker(ctx context.Context, opts FirecrackerOptions) (*Session, error) {
	fc := &firecrackerChannel{
		socketPath: opts.SocketPath,
		cid:        opts.CID,
		pending:    make(map[uint32]chan Response),
		helper:     opts.Helper,
		depth:      opts.Depth,
	}

	execConn, err := dialVsock(ctx, opts.SocketPath, opts.CID, GuestAgentPort)
	if err != nil {
		return nil, fmt.Errorf("sandbox: dial execute vsock: %w", err)
	}
	helperConn, err := dialVsock(ctx, opts.SocketPath, opts.CID, HelperAgentPort)
	if err != nil {
		execConn.Close()
		return nil, fmt.Errorf("sandbox: dial helper vsock: %w", err)
	}

	fc.execConn = execConn
	fc.helperConn = helperConn

	go fc.readResponses()
	go fc.pumpHelperRequests()

	return New(fc), nil
}

// dialVsock connects to a Firecracker vsock Unix socket and sends the
// guest connect header [CID:4 LE][Port:4 LE], exactly as the host side
// of the Firecracker vsock protocol requires.
func dialVsock(ctx context.Context, socketPath string, cid, port uint32) (net.Conn, error) {
	dialer := net.Dialer{Timeout: 10 * time.Second}
	conn, err := dialer.DialContext(ctx, "unix", socketPath)
	if err != nil {
		return nil, fmt.Errorf("dial vsock socket: %w", err)
	}

	header := make([]byte, 8)
	binary.LittleEndian.PutUint32(header[0:4], cid)
	binary.LittleEndian.PutUint32(header[4:8], port)
	if _, err := conn.Write(header); err != nil {
		conn.Close()
		return nil, fmt.Errorf("send vsock connect header: %w", err)
	}
	return conn, nil
}

func (fc *firecrackerChannel) readResponses() {
	for {
		resp, err := ReadResponse(fc.execConn)
		if err != nil {
			fc.failPending()
			return
		}
		fc.pendingMu.Lock()
		ch, ok := fc.pending[resp.Correlator]
		if ok {
			delete(fc.pending, resp.Correlator)
		}
		fc.pendingMu.Unlock()
		if ok {
			ch <- resp
		}
	}
}

func (fc *firecrackerChannel) failPending() {
	fc.pendingMu.Lock()
	defer fc.pendingMu.Unlock()
	for corr, ch := range fc.pending {
		close(ch)
		delete(fc.pending, corr)
	}
}

func (fc *firecrackerChannel) Send(ctx context.Context, req Request) (Response, error) {
	respCh := make(chan Response, 1)
	fc.pendingMu.Lock()
	fc.pending[req.Correlator] = respCh
	fc.pendingMu.Unlock()

	if err := WriteRequest(fc.execConn, req); err != nil {
		fc.pendingMu.Lock()
		delete(fc.pending, req.Correlator)
		fc.pendingMu.Unlock()
		return Response{}, err
	}

	select {
	case <-ctx.Done():
		return Response{}, ctx.Err()
	case resp, ok := <-respCh:
		if !ok {
			return Response{}, fmt.Errorf("sandbox: vsock channel closed while awaiting response")
		}
		return resp, nil
	}
}

func (fc *firecrackerChannel) pumpHelperRequests() {
	for {
		var lenBuf [4]byte
		if _, err := io.ReadFull(fc.helperConn, lenBuf[:]); err != nil {
			return
		}
		n := binary.LittleEndian.Uint32(lenBuf[:])
		body := make([]byte, n)
		if _, err := io.ReadFull(fc.helperConn, body); err != nil {
			return
		}

		var wire struct {
			Correlator uint32            `json:"correlator"`
			Batched    bool              `json:"batched"`
			Prompts    []string          `json:"prompts"`
			Overrides  map[string]string `json:"overrides"`
		}
		if err := json.Unmarshal(body, &wire); err != nil {
			continue
		}

		resp := fc.helper(fc.depth, HelperRequest{
			Correlator: wire.Correlator,
			Depth:      fc.depth,
			Batched:    wire.Batched,
			Prompts:    wire.Prompts,
			Overrides:  wire.Overrides,
		})

		out, err := json.Marshal(struct {
			Correlator uint32      `json:"correlator"`
			Texts      []string    `json:"texts"`
			Usage      usage.Usage `json:"usage"`
		}{Correlator: wire.Correlator, Texts: resp.Texts, Usage: resp.Usage})
		if err != nil {
			continue
		}

		var outLen [4]byte
		binary.LittleEndian.PutUint32(outLen[:], uint32(len(out)))
		if _, err := fc.helperConn.Write(outLen[:]); err != nil {
			return
		}
		if _, err := fc.helperConn.Write(out); err != nil {
			return
		}
	}
}

func (fc *firecrackerChannel) Close() error {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	if fc.closed {
		return nil
	}
	fc.closed = true
	fc.failPending()
	var firstErr error
	if err := fc.execConn.Close(); err != nil {
		firstErr = err
	}
	if err := fc.helperConn.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}
