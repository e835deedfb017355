package sandbox

import (
	"context"
	"strings"
	"testing"
)

// fakeChannel is an in-memory Channel for exercising Session without a
// real interpreter process.
type fakeChannel struct {
	responses []Response
	calls     int
	closed    bool
}

func (f *fakeChannel) Send(ctx context.Context, req Request) (Response, error) {
	if f.calls >= len(f.responses) {
		return Response{Correlator: req.Correlator, Status: StatusClean}, nil
	}
	r := f.responses[f.calls]
	r.Correlator = req.Correlator
	f.calls++
	return r, nil
}

func (f *fakeChannel) Close() error {
	f.closed = true
	return nil
}

func TestSession_StartThenExecute(t *testing.T) {
	fc := &fakeChannel{responses: []Response{
		{Status: StatusClean}, // bootstrap
		{Status: StatusClean, Stdout: "2\n"},
	}}
	s := New(fc)

	if err := s.Start(context.Background(), []byte(`{"x":1}`), "", true); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	result, err := s.Execute(context.Background(), "print(1+1)")
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if !result.Clean || result.Stdout != "2\n" {
		t.Errorf("result = %+v", result)
	}
}

func TestSession_BootstrapFailureIsFatal(t *testing.T) {
	fc := &fakeChannel{responses: []Response{{Status: StatusError, Stderr: "boom"}}}
	s := New(fc)

	err := s.Start(context.Background(), []byte(`{}`), "", true)
	if err == nil {
		t.Fatal("Start() error = nil, want error on bootstrap failure")
	}
}

func TestSession_ExecuteAfterTerminateFails(t *testing.T) {
	fc := &fakeChannel{responses: []Response{{Status: StatusClean}}}
	s := New(fc)
	_ = s.Start(context.Background(), []byte(`{}`), "", true)
	if err := s.Terminate(context.Background()); err != nil {
		t.Fatalf("Terminate() error = %v", err)
	}
	if !fc.closed {
		t.Errorf("channel not closed after Terminate")
	}

	_, err := s.Execute(context.Background(), "1")
	if err == nil {
		t.Fatal("Execute() after Terminate should error")
	}
}

func TestSession_TerminateIdempotent(t *testing.T) {
	fc := &fakeChannel{}
	s := New(fc)
	if err := s.Terminate(context.Background()); err != nil {
		t.Fatalf("first Terminate() error = %v", err)
	}
	if err := s.Terminate(context.Background()); err != nil {
		t.Fatalf("second Terminate() error = %v", err)
	}
}

func TestBootstrapScript_OmitsHelperProxiesWhenNotExposed(t *testing.T) {
	withHelpers := bootstrapScript(`"{}"`, "", true)
	withoutHelpers := bootstrapScript(`"{}"`, "", false)

	if !containsAll(withHelpers, "def llm_query(", "def llm_query_batched(") {
		t.Errorf("exposeHelpers=true script missing proxy definitions:\n%s", withHelpers)
	}
	if containsAll(withoutHelpers, "def llm_query(") {
		t.Errorf("exposeHelpers=false script should omit llm_query, got:\n%s", withoutHelpers)
	}
	if !containsAll(withoutHelpers, "def FINAL_VAR(") {
		t.Errorf("FINAL_VAR no-op must always be installed, missing in:\n%s", withoutHelpers)
	}
}

func containsAll(s string, subs ...string) bool {
	for _, sub := range subs {
		if !strings.Contains(s, sub) {
			return false
		}
	}
	return true
}

func TestSession_UncleanExecuteReportsErrDetail(t *testing.T) {
	fc := &fakeChannel{responses: []Response{
		{Status: StatusClean},
		{Status: StatusError, Stderr: "Traceback: ValueError"},
	}}
	s := New(fc)
	_ = s.Start(context.Background(), []byte(`{}`), "", true)

	result, err := s.Execute(context.Background(), "raise ValueError()")
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if result.Clean {
		t.Errorf("Clean = true, want false")
	}
	if result.ErrDetail != "Traceback: ValueError" {
		t.Errorf("ErrDetail = %q", result.ErrDetail)
	}
}
