package helper

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/haasonsaas/rlm/internal/rlm/provider"
	"github.com/haasonsaas/rlm/internal/rlm/sandbox"
)

type fakeProvider struct {
	name    string
	reply   func(call int, messages []provider.Message) (provider.Reply, error)
	calls   int32
	sleep   time.Duration
	current int32
	peak    int32
}

func (f *fakeProvider) Name() string { return f.name }

func (f *fakeProvider) Chat(ctx context.Context, messages []provider.Message, overrides provider.Overrides) (provider.Reply, error) {
	cur := atomic.AddInt32(&f.current, 1)
	defer atomic.AddInt32(&f.current, -1)
	for {
		p := atomic.LoadInt32(&f.peak)
		if cur <= p || atomic.CompareAndSwapInt32(&f.peak, p, cur) {
			break
		}
	}
	n := int(atomic.AddInt32(&f.calls, 1))
	if f.sleep > 0 {
		time.Sleep(f.sleep)
	}
	return f.reply(n, messages)
}

func TestHandle_SingleCallUsesDepthBackend(t *testing.T) {
	p1 := &fakeProvider{name: "tier1", reply: func(int, []provider.Message) (provider.Reply, error) {
		return provider.Reply{Text: "hi from tier1", PromptTokens: 5, CompletionTokens: 2}, nil
	}}
	svc := NewService(Config{DeeperModels: []provider.Provider{p1}})

	resp := svc.Bind(context.Background())(1, sandbox.HelperRequest{
		Correlator: 7,
		Prompts:    []string{"hello"},
	})

	if len(resp.Texts) != 1 || resp.Texts[0] != "hi from tier1" {
		t.Fatalf("Texts = %+v", resp.Texts)
	}
	if resp.Correlator != 7 {
		t.Errorf("Correlator = %d, want 7", resp.Correlator)
	}
	if resp.Usage.InputTokens != 5 || resp.Usage.OutputTokens != 2 {
		t.Errorf("Usage = %+v", resp.Usage)
	}
}

func TestHandle_DepthBeyondCapReusesDeepestBackend(t *testing.T) {
	p1 := &fakeProvider{name: "tier1", reply: func(int, []provider.Message) (provider.Reply, error) {
		return provider.Reply{Text: "tier1"}, nil
	}}
	p2 := &fakeProvider{name: "tier2", reply: func(int, []provider.Message) (provider.Reply, error) {
		return provider.Reply{Text: "tier2"}, nil
	}}
	svc := NewService(Config{DeeperModels: []provider.Provider{p1, p2}})

	resp := svc.Bind(context.Background())(9, sandbox.HelperRequest{Prompts: []string{"x"}})

	if resp.Texts[0] != "tier2" {
		t.Errorf("Texts[0] = %q, want tier2 (deepest backend reused beyond cap)", resp.Texts[0])
	}
}

func TestHandle_NoBackendsConfiguredReturnsErrorMarker(t *testing.T) {
	svc := NewService(Config{})
	resp := svc.Bind(context.Background())(1, sandbox.HelperRequest{Prompts: []string{"x"}})
	if !strings.Contains(resp.Texts[0], "not configured") {
		t.Errorf("Texts[0] = %q, want an error marker", resp.Texts[0])
	}
}

func TestHandle_BatchedPreservesOrderUnderConcurrencyLimit(t *testing.T) {
	p1 := &fakeProvider{
		name:  "tier1",
		sleep: 20 * time.Millisecond,
		reply: func(n int, messages []provider.Message) (provider.Reply, error) {
			return provider.Reply{Text: messages[0].Content + "-done"}, nil
		},
	}
	svc := NewService(Config{DeeperModels: []provider.Provider{p1}, MaxBatchedConcurrency: 2})

	prompts := []string{"a", "b", "c", "d", "e"}
	resp := svc.Bind(context.Background())(1, sandbox.HelperRequest{
		Batched: true,
		Prompts: prompts,
	})

	if len(resp.Texts) != len(prompts) {
		t.Fatalf("len(Texts) = %d, want %d", len(resp.Texts), len(prompts))
	}
	for i, p := range prompts {
		if resp.Texts[i] != p+"-done" {
			t.Errorf("Texts[%d] = %q, want %q", i, resp.Texts[i], p+"-done")
		}
	}
	if peak := atomic.LoadInt32(&p1.peak); peak > 2 {
		t.Errorf("peak concurrency = %d, want <= 2", peak)
	}
}

func TestHandle_BatchedPerItemFailureDoesNotFailBatch(t *testing.T) {
	p1 := &fakeProvider{
		name: "tier1",
		reply: func(n int, messages []provider.Message) (provider.Reply, error) {
			if messages[0].Content == "bad" {
				return provider.Reply{}, errors.New("permanent: invalid prompt")
			}
			return provider.Reply{Text: "ok:" + messages[0].Content}, nil
		},
	}
	svc := NewService(Config{DeeperModels: []provider.Provider{p1}, RetryPerItem: 1})

	resp := svc.Bind(context.Background())(1, sandbox.HelperRequest{
		Batched: true,
		Prompts: []string{"good1", "bad", "good2"},
	})

	if len(resp.Texts) != 3 {
		t.Fatalf("len(Texts) = %d, want 3", len(resp.Texts))
	}
	if resp.Texts[0] != "ok:good1" || resp.Texts[2] != "ok:good2" {
		t.Errorf("Texts = %+v", resp.Texts)
	}
	if !strings.Contains(resp.Texts[1], "helper call failed") {
		t.Errorf("Texts[1] = %q, want an error marker", resp.Texts[1])
	}
}

func TestCallOne_RetriesTransientFailure(t *testing.T) {
	attempts := int32(0)
	p1 := &fakeProvider{
		name: "tier1",
		reply: func(n int, messages []provider.Message) (provider.Reply, error) {
			a := atomic.AddInt32(&attempts, 1)
			if a < 2 {
				return provider.Reply{}, errors.New("rate limit exceeded")
			}
			return provider.Reply{Text: "ok"}, nil
		},
	}
	svc := NewService(Config{DeeperModels: []provider.Provider{p1}, RetryPerItem: 3, RetryDelay: time.Millisecond})

	resp := svc.Bind(context.Background())(1, sandbox.HelperRequest{Prompts: []string{"x"}})

	if resp.Texts[0] != "ok" {
		t.Errorf("Texts[0] = %q, want ok", resp.Texts[0])
	}
	if attempts != 2 {
		t.Errorf("attempts = %d, want 2", attempts)
	}
}

func TestBackendFor_FailureCooldownSkipsUnhealthyTier(t *testing.T) {
	failing := &fakeProvider{name: "failing", reply: func(int, []provider.Message) (provider.Reply, error) {
		return provider.Reply{}, errors.New("rate limit exceeded")
	}}
	deepest := &fakeProvider{name: "deepest", reply: func(int, []provider.Message) (provider.Reply, error) {
		return provider.Reply{Text: "from deepest"}, nil
	}}
	svc := NewService(Config{
		DeeperModels:    []provider.Provider{failing, deepest},
		RetryPerItem:    1,
		FailureCooldown: time.Hour,
	})
	handler := svc.Bind(context.Background())

	first := handler(1, sandbox.HelperRequest{Prompts: []string{"x"}})
	if !strings.Contains(first.Texts[0], "helper call failed") {
		t.Fatalf("first call Texts[0] = %q, want failure marker", first.Texts[0])
	}

	second := handler(1, sandbox.HelperRequest{Prompts: []string{"y"}})
	if second.Texts[0] != "from deepest" {
		t.Errorf("second call Texts[0] = %q, want fallback to deepest backend", second.Texts[0])
	}
}
