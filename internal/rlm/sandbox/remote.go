package sandbox

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"

	"github.com/haasonsaas/rlm/internal/rlm/usage"
)

// remoteChannel drives an interpreter running as a remote ephemeral
// function: each execute() is one synchronous HTTP call to the
// function's invocation URL. Because the function has no standing
// connection back to this process, the helper side-channel runs as a
// small local HTTP server whose URL is passed to the function on every
// invocation; the function calls back into it for llm_query proxies
// before returning its execute response. This keeps the remote
// variant's namespace persistence entirely server-side (the function
// implementation is responsible for keeping one interpreter warm across
// invocations keyed by SessionID), matching the "remote ephemeral
// function" option named in the engine's sandbox variant list.
type remoteChannel struct {
	invokeURL string
	sessionID string
	client    *http.Client

	helperSrv *httptest.Server
	helper    HelperHandler
	depth     int
}

// RemoteOptions configures NewRemote.
type RemoteOptions struct {
	// InvokeURL is the HTTPS endpoint of the remote execute function.
	InvokeURL string
	// SessionID lets the remote function key its warm interpreter pool
	// entry; generated by the caller (e.g. via google/uuid).
	SessionID string
	Depth     int
	Helper    HelperHandler
	Client    *http.Client
}

// NewRemote starts a local helper callback server and returns a Session
// whose execute() calls hit InvokeURL over HTTP.
func NewRemote(_ context.Context, opts RemoteOptions) (*Session, error) {
	client := opts.Client
	if client == nil {
		client = http.DefaultClient
	}

	rc := &remoteChannel{
		invokeURL: opts.InvokeURL,
		sessionID: opts.SessionID,
		client:    client,
		helper:    opts.Helper,
		depth:     opts.Depth,
	}
	rc.helperSrv = httptest.NewServer(http.HandlerFunc(rc.serveHelperCallback))

	return New(rc), nil
}

type remoteExecuteRequest struct {
	SessionID  string `json:"session_id"`
	Correlator uint32 `json:"correlator"`
	Code       string `json:"code"`
	HelperURL  string `json:"helper_callback_url"`
}

type remoteExecuteResponse struct {
	Correlator uint32 `json:"correlator"`
	Status     uint8  `json:"status"`
	Stdout     string `json:"stdout"`
	Stderr     string `json:"stderr"`
}

func (rc *remoteChannel) Send(ctx context.Context, req Request) (Response, error) {
	body, err := json.Marshal(remoteExecuteRequest{
		SessionID:  rc.sessionID,
		Correlator: req.Correlator,
		Code:       req.Code,
		HelperURL:  rc.helperSrv.URL,
	})
	if err != nil {
		return Response{}, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, rc.invokeURL, bytes.NewReader(body))
	if err != nil {
		return Response{}, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	httpResp, err := rc.client.Do(httpReq)
	if err != nil {
		return Response{}, err
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode != http.StatusOK {
		buf, _ := io.ReadAll(httpResp.Body)
		return Response{}, fmt.Errorf("sandbox: remote function returned %d: %s", httpResp.StatusCode, buf)
	}

	var wire remoteExecuteResponse
	if err := json.NewDecoder(httpResp.Body).Decode(&wire); err != nil {
		return Response{}, err
	}

	return Response{Correlator: wire.Correlator, Status: Status(wire.Status), Stdout: wire.Stdout, Stderr: wire.Stderr}, nil
}

// serveHelperCallback answers llm_query/llm_query_batched calls that
// the remote function makes back to this process while an execute()
// invocation is in flight.
func (rc *remoteChannel) serveHelperCallback(w http.ResponseWriter, r *http.Request) {
	var wire struct {
		Batched   bool              `json:"batched"`
		Prompts   []string          `json:"prompts"`
		Overrides map[string]string `json:"overrides"`
	}
	if err := json.NewDecoder(r.Body).Decode(&wire); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	resp := rc.helper(rc.depth, HelperRequest{
		Depth:     rc.depth,
		Batched:   wire.Batched,
		Prompts:   wire.Prompts,
		Overrides: wire.Overrides,
	})

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(struct {
		Texts []string    `json:"texts"`
		Usage usage.Usage `json:"usage"`
	}{Texts: resp.Texts, Usage: resp.Usage})
}

func (rc *remoteChannel) Close() error {
	rc.helperSrv.Close()
	return nil
}
