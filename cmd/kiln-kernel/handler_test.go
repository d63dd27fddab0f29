package main

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
)

// stubHarness scripts invoke replies per mode.
type stubHarness struct {
	mu      sync.Mutex
	replies map[string][]byte
	errs    map[string]error
	calls   []string
	block   chan struct{} // when set, invoke waits until closed
}

func (s *stubHarness) invoke(ctx context.Context, mode string, req any) ([]byte, error) {
	s.mu.Lock()
	s.calls = append(s.calls, mode)
	block := s.block
	s.mu.Unlock()
	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err := s.errs[mode]; err != nil {
		return nil, err
	}
	return s.replies[mode], nil
}

func newTestServer(t *testing.T, h *stubHarness) *httptest.Server {
	t.Helper()
	if h.replies == nil {
		h.replies = map[string][]byte{}
	}
	if h.errs == nil {
		h.errs = map[string]error{}
	}
	srv := httptest.NewServer(newServer(h, 1).routes())
	t.Cleanup(srv.Close)
	return srv
}

func TestExecPassthrough(t *testing.T) {
	h := &stubHarness{replies: map[string][]byte{
		"exec": []byte(`{"output":"42\n","stderr":"","vars":["x"]}`),
	}}
	srv := newTestServer(t, h)

	resp, err := http.Post(srv.URL+"/exec", "application/json",
		strings.NewReader(`{"code":"print(x)"}`))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var out struct {
		Output string   `json:"output"`
		Vars   []string `json:"vars"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatal(err)
	}
	if out.Output != "42\n" || len(out.Vars) != 1 {
		t.Errorf("out = %+v", out)
	}
}

func TestExecRequiresCode(t *testing.T) {
	srv := newTestServer(t, &stubHarness{})
	resp, err := http.Post(srv.URL+"/exec", "application/json", strings.NewReader(`{}`))
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d", resp.StatusCode)
	}
}

func TestExecMethodNotAllowed(t *testing.T) {
	srv := newTestServer(t, &stubHarness{})
	resp, err := http.Get(srv.URL + "/exec")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Errorf("status = %d", resp.StatusCode)
	}
}

func TestExecTimeoutClampAndSynthesizedReply(t *testing.T) {
	h := &stubHarness{block: make(chan struct{})}
	srv := newTestServer(t, h)

	// Timeout of 0 falls back to the default; the blocked harness makes the
	// context deadline fire. Use a 1-second override to keep the test fast.
	resp, err := http.Post(srv.URL+"/exec", "application/json",
		strings.NewReader(`{"code":"while True: pass","timeout":1}`))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), "TimeoutError") {
		t.Errorf("body = %s", body)
	}
	close(h.block)
}

func TestBusyFailsFast(t *testing.T) {
	h := &stubHarness{block: make(chan struct{}), replies: map[string][]byte{
		"exec": []byte(`{"output":"","stderr":"","vars":[]}`),
	}}
	srv := newTestServer(t, h)

	started := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		close(started)
		resp, err := http.Post(srv.URL+"/exec", "application/json",
			strings.NewReader(`{"code":"slow()","timeout":30}`))
		if err == nil {
			resp.Body.Close()
		}
	}()
	<-started

	// Wait for the first request to hold the slot.
	for {
		h.mu.Lock()
		held := len(h.calls) > 0
		h.mu.Unlock()
		if held {
			break
		}
	}

	resp, err := http.Post(srv.URL+"/exec", "application/json",
		strings.NewReader(`{"code":"1+1"}`))
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", resp.StatusCode)
	}

	close(h.block)
	<-done
}

func TestGetVarMissing(t *testing.T) {
	h := &stubHarness{replies: map[string][]byte{
		"get": []byte(`{"missing":true}`),
	}}
	srv := newTestServer(t, h)
	resp, err := http.Get(srv.URL + "/var/nope")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d", resp.StatusCode)
	}
}

func TestGetVarValue(t *testing.T) {
	h := &stubHarness{replies: map[string][]byte{
		"get": []byte(`{"missing":false,"value":{"rows":3}}`),
	}}
	srv := newTestServer(t, h)
	resp, err := http.Get(srv.URL + "/var/df")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK || string(body) != `{"rows":3}` {
		t.Errorf("status %d body %s", resp.StatusCode, body)
	}
}

func TestSnapshotSaveBinary(t *testing.T) {
	blob := []byte{0x80, 0x04, 0x95, 0x00}
	h := &stubHarness{replies: map[string][]byte{
		"save": []byte(`{"data":"` + base64.StdEncoding.EncodeToString(blob) + `"}`),
	}}
	srv := newTestServer(t, h)
	resp, err := http.Post(srv.URL+"/snapshot/save", "", nil)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if !bytes.Equal(body, blob) {
		t.Errorf("body = %x", body)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "application/octet-stream" {
		t.Errorf("content-type = %q", ct)
	}
}

func TestSnapshotRestoreRequiresBody(t *testing.T) {
	srv := newTestServer(t, &stubHarness{})
	resp, err := http.Post(srv.URL+"/snapshot/restore", "application/octet-stream", nil)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d", resp.StatusCode)
	}
}

func TestSnapshotRestore(t *testing.T) {
	h := &stubHarness{replies: map[string][]byte{
		"restore": []byte(`{"restored":["df","x"],"skipped":[]}`),
	}}
	srv := newTestServer(t, h)
	resp, err := http.Post(srv.URL+"/snapshot/restore", "application/octet-stream",
		bytes.NewReader([]byte{0x80, 0x04}))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var out struct {
		Restored []string `json:"restored"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatal(err)
	}
	if len(out.Restored) != 2 {
		t.Errorf("restored = %v", out.Restored)
	}
}

func TestHealth(t *testing.T) {
	srv := newTestServer(t, &stubHarness{})
	resp, err := http.Get(srv.URL + "/health")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d", resp.StatusCode)
	}
}
