package http

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"

	"lsmrepl/pkg/metrics"
	"lsmrepl/pkg/replication"
	"lsmrepl/pkg/rpc"
	"lsmrepl/pkg/types"
)

const testAuthKey = "secret"

// fakeControl implements iControlService for handler tests
type fakeControl struct {
	mu        sync.Mutex
	latest    types.SequenceNumber
	calls     int
	downloads int
	payload   string
	failWith  error
}

func (f *fakeControl) RegisterSession(last types.SequenceNumber) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if last > f.latest {
		return "", fmt.Errorf("%w: batch %d not found", replication.ErrStartUnavailable, last)
	}
	return fmt.Sprintf("key-%d", last), nil
}

func (f *fakeControl) DownloadSnapshot(ctx context.Context, w io.Writer) (int64, error) {
	f.mu.Lock()
	f.downloads++
	f.mu.Unlock()

	if f.failWith != nil {
		return 0, f.failWith
	}
	n, err := io.WriteString(w, f.payload)
	return int64(n), err
}

func newTestServer(t *testing.T, svc iControlService) *httptest.Server {
	t.Helper()
	reg := prometheus.NewRegistry()
	metrics.New(reg)
	ts := httptest.NewServer(NewServer(svc, testAuthKey, "", reg).Handler())
	t.Cleanup(ts.Close)
	return ts
}

func doRequest(t *testing.T, method, url, authKey string, body io.Reader) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, url, body)
	if err != nil {
		t.Fatalf("NewRequest failed: %v", err)
	}
	if authKey != "" {
		req.Header.Set(rpc.AuthHeader, authKey)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestServer_Health(t *testing.T) {
	ts := newTestServer(t, &fakeControl{})

	resp := doRequest(t, http.MethodGet, ts.URL+"/health", "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected 200, got %d", resp.StatusCode)
	}

	var out Response
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if out.Status != StatusOK {
		t.Fatalf("Expected status OK, got %q", out.Status)
	}
}

func TestServer_AuthRequired(t *testing.T) {
	svc := &fakeControl{latest: 10, payload: "archive"}
	ts := newTestServer(t, svc)

	tests := []struct {
		name    string
		method  string
		path    string
		authKey string
	}{
		{name: "register without key", method: http.MethodPost, path: rpc.RegisterPath},
		{name: "register with wrong key", method: http.MethodPost, path: rpc.RegisterPath, authKey: "wrong"},
		{name: "download without key", method: http.MethodGet, path: rpc.DownloadPath},
		{name: "download with wrong key", method: http.MethodGet, path: rpc.DownloadPath, authKey: "secre"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := doRequest(t, tt.method, ts.URL+tt.path, tt.authKey, strings.NewReader(`{"lastSequenceNumber":1}`))
			if resp.StatusCode != http.StatusForbidden {
				t.Fatalf("Expected 403, got %d", resp.StatusCode)
			}
			body, _ := io.ReadAll(resp.Body)
			if len(body) != 0 {
				t.Fatalf("Expected empty body, got %q", body)
			}
		})
	}

	if svc.calls != 0 || svc.downloads != 0 {
		t.Fatalf("service reached without auth: %d registrations, %d downloads", svc.calls, svc.downloads)
	}
}

func TestServer_Register(t *testing.T) {
	ts := newTestServer(t, &fakeControl{latest: 10})

	tests := []struct {
		name       string
		body       string
		wantStatus int
		wantOK     bool
		wantKey    string
	}{
		{name: "accepted", body: `{"lastSequenceNumber":7}`, wantStatus: http.StatusOK, wantOK: true, wantKey: "key-7"},
		{name: "rejected start", body: `{"lastSequenceNumber":11}`, wantStatus: http.StatusOK},
		{name: "bad body", body: `{"lastSequenceNumber":`, wantStatus: http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := doRequest(t, http.MethodPost, ts.URL+rpc.RegisterPath, testAuthKey, strings.NewReader(tt.body))
			if resp.StatusCode != tt.wantStatus {
				t.Fatalf("Expected %d, got %d", tt.wantStatus, resp.StatusCode)
			}

			var out rpc.RegisterResponse
			if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
				t.Fatalf("decode failed: %v", err)
			}
			if out.Success != tt.wantOK || out.SessionKey != tt.wantKey {
				t.Fatalf("unexpected response %+v", out)
			}
			if !tt.wantOK && out.Error == "" {
				t.Fatal("Expected an error message")
			}
			if out.Info.Version != rpc.ProtocolVersion {
				t.Fatalf("Expected version %q, got %q", rpc.ProtocolVersion, out.Info.Version)
			}
		})
	}
}

func TestServer_Download(t *testing.T) {
	ts := newTestServer(t, &fakeControl{payload: "zstd bytes"})

	resp := doRequest(t, http.MethodGet, ts.URL+rpc.DownloadPath, testAuthKey, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected 200, got %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "application/zstd" {
		t.Fatalf("Expected application/zstd, got %q", ct)
	}
	body, _ := io.ReadAll(resp.Body)
	if string(body) != "zstd bytes" {
		t.Fatalf("unexpected body %q", body)
	}
}

func TestServer_DownloadFailsBeforeStreaming(t *testing.T) {
	ts := newTestServer(t, &fakeControl{failWith: errors.New("checkpoint failed")})

	resp := doRequest(t, http.MethodGet, ts.URL+rpc.DownloadPath, testAuthKey, nil)
	if resp.StatusCode != http.StatusInternalServerError {
		t.Fatalf("Expected 500, got %d", resp.StatusCode)
	}
}

func TestServer_Metrics(t *testing.T) {
	ts := newTestServer(t, &fakeControl{})

	resp := doRequest(t, http.MethodGet, ts.URL+"/metrics", "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected 200, got %d", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	if !bytes.Contains(body, []byte("lsmrepl_master_sessions_active")) {
		t.Fatalf("metrics output misses replication gauges:\n%s", body)
	}
}

func TestServer_RunStopsOnCancel(t *testing.T) {
	srv := NewServer(&fakeControl{}, testAuthKey, "127.0.0.1:0", nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Run(ctx) }()

	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Run returned %v", err)
	}
}
