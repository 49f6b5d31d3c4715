package jsonrpc

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
)

type wireRequest struct {
	JSONRPC string         `json:"jsonrpc"`
	Method  string         `json:"method"`
	Params  map[string]any `json:"params"`
	ID      int64          `json:"id"`
}

type wireError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type wireResponse struct {
	JSONRPC string     `json:"jsonrpc"`
	Result  any        `json:"result,omitempty"`
	Error   *wireError `json:"error,omitempty"`
	ID      int64      `json:"id"`
}

// newTestServer answers every batch, faulting the methods named in faults.
// requestCount observes how many HTTP requests actually went out.
func newTestServer(t *testing.T, faults map[string]wireError, requestCount *atomic.Int64) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if requestCount != nil {
			requestCount.Add(1)
		}
		var reqs []wireRequest
		if err := json.NewDecoder(r.Body).Decode(&reqs); err != nil {
			t.Errorf("decoding batch request: %v", err)
			return
		}
		replies := make([]wireResponse, 0, len(reqs))
		for _, req := range reqs {
			reply := wireResponse{JSONRPC: "2.0", ID: req.ID}
			if fault, ok := faults[req.Method]; ok {
				reply.Error = &fault
			} else {
				reply.Result = "ok"
			}
			replies = append(replies, reply)
		}
		json.NewEncoder(w).Encode(replies)
	}))
}

func TestBatch_DuplicateName(t *testing.T) {
	c := New("http://localhost:0/")
	batch := c.Batch()

	if err := batch.Call("a", "device.check_auth", nil); err != nil {
		t.Fatalf("first call: %v", err)
	}
	err := batch.Call("a", "device.set_uname", nil)
	var dup *DuplicateCallError
	if !errors.As(err, &dup) {
		t.Fatalf("expected DuplicateCallError, got %v", err)
	}
	if dup.Name != "a" {
		t.Errorf("duplicate name: got %q, want a", dup.Name)
	}
}

func TestBatch_GetResultBeforeSend(t *testing.T) {
	c := New("http://localhost:0/")
	batch := c.Batch()
	if err := batch.Call("a", "device.check_auth", nil); err != nil {
		t.Fatalf("call: %v", err)
	}

	_, err := batch.GetResult("a")
	if !errors.Is(err, ErrNotSent) {
		t.Fatalf("expected ErrNotSent, got %v", err)
	}
}

func TestBatch_AbandonSuppressesSend(t *testing.T) {
	var count atomic.Int64
	srv := newTestServer(t, nil, &count)
	defer srv.Close()

	c := New(srv.URL)
	batch := c.Batch()
	if err := batch.Call("a", "device.check_auth", nil); err != nil {
		t.Fatalf("call: %v", err)
	}
	if err := batch.Call("b", "device.set_uname", nil); err != nil {
		t.Fatalf("call: %v", err)
	}
	batch.Abandon()
	batch.Abandon() // idempotent

	if err := batch.Send(context.Background()); err != nil {
		t.Fatalf("send on abandoned batch: %v", err)
	}
	if got := count.Load(); got != 0 {
		t.Errorf("request count: got %d, want 0", got)
	}
	if batch.Sent() {
		t.Error("abandoned batch reports sent")
	}
	if _, err := batch.GetResult("a"); !errors.Is(err, ErrNotSent) {
		t.Errorf("expected ErrNotSent after abandon, got %v", err)
	}
}

func TestBatch_SendAndResults(t *testing.T) {
	srv := newTestServer(t, nil, nil)
	defer srv.Close()

	c := New(srv.URL)
	batch := c.Batch()
	if err := batch.Call("auth", "device.check_auth", map[string]any{"serial": "s1"}); err != nil {
		t.Fatalf("call: %v", err)
	}
	if err := batch.Call("uname", "device.set_uname", map[string]any{"uname": "linux"}); err != nil {
		t.Fatalf("call: %v", err)
	}

	if err := batch.Send(context.Background()); err != nil {
		t.Fatalf("send: %v", err)
	}
	if !batch.Sent() {
		t.Fatal("batch not marked sent")
	}

	for _, name := range []string{"auth", "uname"} {
		raw, err := batch.GetResult(name)
		if err != nil {
			t.Errorf("result %q: %v", name, err)
		}
		var val string
		if err := json.Unmarshal(raw, &val); err != nil || val != "ok" {
			t.Errorf("result %q: got %s, want ok", name, raw)
		}
	}
	if err := batch.Check("auth", "uname"); err != nil {
		t.Errorf("check: %v", err)
	}
}

func TestBatch_WireOrder(t *testing.T) {
	var methods []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var reqs []wireRequest
		if err := json.NewDecoder(r.Body).Decode(&reqs); err != nil {
			t.Errorf("decoding batch: %v", err)
			return
		}
		replies := make([]wireResponse, 0, len(reqs))
		for _, req := range reqs {
			methods = append(methods, req.Method)
			replies = append(replies, wireResponse{JSONRPC: "2.0", Result: "ok", ID: req.ID})
		}
		json.NewEncoder(w).Encode(replies)
	}))
	defer srv.Close()

	c := New(srv.URL)
	batch := c.Batch()
	for _, m := range []string{"device.check_auth", "device.set_agent_version", "device.set_disk_space"} {
		if err := batch.Call(m, m, nil); err != nil {
			t.Fatalf("call %s: %v", m, err)
		}
	}
	if err := batch.Send(context.Background()); err != nil {
		t.Fatalf("send: %v", err)
	}

	want := []string{"device.check_auth", "device.set_agent_version", "device.set_disk_space"}
	if len(methods) != len(want) {
		t.Fatalf("methods on wire: got %d, want %d", len(methods), len(want))
	}
	for i := range want {
		if methods[i] != want[i] {
			t.Errorf("wire order[%d]: got %s, want %s", i, methods[i], want[i])
		}
	}
}

func TestBatch_PerCallFault(t *testing.T) {
	faults := map[string]wireError{
		"device.report_b": {Code: 110, Message: "report rejected"},
	}
	srv := newTestServer(t, faults, nil)
	defer srv.Close()

	c := New(srv.URL)
	batch := c.Batch()
	for name, method := range map[string]string{
		"authenticate": "device.check_auth",
		"report_a":     "device.report_a",
		"report_b":     "device.report_b",
	} {
		if err := batch.Call(name, method, nil); err != nil {
			t.Fatalf("call %s: %v", name, err)
		}
	}
	if err := batch.Send(context.Background()); err != nil {
		t.Fatalf("send: %v", err)
	}

	if _, err := batch.GetResult("authenticate"); err != nil {
		t.Errorf("authenticate: %v", err)
	}
	if _, err := batch.GetResult("report_a"); err != nil {
		t.Errorf("report_a: %v", err)
	}

	_, err := batch.GetResult("report_b")
	var remoteErr *RemoteCallError
	if !errors.As(err, &remoteErr) {
		t.Fatalf("expected RemoteCallError, got %v", err)
	}
	if remoteErr.Method != "device.report_b" || remoteErr.Code != 110 || remoteErr.Message != "report rejected" {
		t.Errorf("fault details: got %+v", remoteErr)
	}

	// Check surfaces the first fault encountered.
	if err := batch.Check("authenticate", "report_b", "report_a"); !errors.As(err, &remoteErr) {
		t.Errorf("check: expected RemoteCallError, got %v", err)
	}
}

func TestBatch_TransportFaultFailsAllSlots(t *testing.T) {
	srv := newTestServer(t, nil, nil)
	srv.Close() // unreachable from here on

	c := New(srv.URL)
	batch := c.Batch()
	for _, name := range []string{"authenticate", "report_a", "report_b"} {
		if err := batch.Call(name, "device."+name, nil); err != nil {
			t.Fatalf("call %s: %v", name, err)
		}
	}

	err := batch.Send(context.Background())
	var unreachable *ServerUnreachableError
	if !errors.As(err, &unreachable) {
		t.Fatalf("expected ServerUnreachableError from send, got %v", err)
	}
	if batch.Sent() {
		t.Error("failed batch reports sent")
	}

	for _, name := range []string{"authenticate", "report_a", "report_b"} {
		_, err := batch.GetResult(name)
		if !errors.As(err, &unreachable) {
			t.Errorf("%s: expected ServerUnreachableError, got %v", name, err)
		}
	}
}

func TestBatch_HTTPErrorStatusIsUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad gateway", http.StatusBadGateway)
	}))
	defer srv.Close()

	c := New(srv.URL)
	batch := c.Batch()
	if err := batch.Call("a", "device.check_auth", nil); err != nil {
		t.Fatalf("call: %v", err)
	}

	err := batch.Send(context.Background())
	var unreachable *ServerUnreachableError
	if !errors.As(err, &unreachable) {
		t.Fatalf("expected ServerUnreachableError, got %v", err)
	}
}

func TestBatch_UnknownResultName(t *testing.T) {
	srv := newTestServer(t, nil, nil)
	defer srv.Close()

	c := New(srv.URL)
	batch := c.Batch()
	if err := batch.Call("a", "device.check_auth", nil); err != nil {
		t.Fatalf("call: %v", err)
	}
	if err := batch.Send(context.Background()); err != nil {
		t.Fatalf("send: %v", err)
	}

	_, err := batch.GetResult("never-added")
	var unknown *UnknownResultError
	if !errors.As(err, &unknown) {
		t.Fatalf("expected UnknownResultError, got %v", err)
	}
}

func TestBatch_SendIsOneShot(t *testing.T) {
	var count atomic.Int64
	srv := newTestServer(t, nil, &count)
	defer srv.Close()

	c := New(srv.URL)
	batch := c.Batch()
	if err := batch.Call("a", "device.check_auth", nil); err != nil {
		t.Fatalf("call: %v", err)
	}
	if err := batch.Send(context.Background()); err != nil {
		t.Fatalf("first send: %v", err)
	}
	if err := batch.Send(context.Background()); err != nil {
		t.Fatalf("second send: %v", err)
	}
	if got := count.Load(); got != 1 {
		t.Errorf("request count: got %d, want 1", got)
	}
}
