package main

import (
	"bytes"
	"context"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	controlhttp "lsmrepl/internal/http"
	"lsmrepl/pkg/config"
	"lsmrepl/pkg/replication"
	"lsmrepl/pkg/store"
)

func TestSummarize(t *testing.T) {
	latencies := []time.Duration{3 * time.Millisecond, time.Millisecond, 2 * time.Millisecond}
	res := summarize(4, 1, time.Second, latencies)

	if res.SuccessfulOps != 3 || res.FailedOps != 1 {
		t.Fatalf("counts = %+v", res)
	}
	if res.MinLatency != time.Millisecond || res.MaxLatency != 3*time.Millisecond {
		t.Fatalf("min/max = %v/%v", res.MinLatency, res.MaxLatency)
	}
	if res.AvgLatency != 2*time.Millisecond {
		t.Fatalf("avg = %v", res.AvgLatency)
	}
	if res.OpsPerSec != 3 {
		t.Fatalf("ops/sec = %v", res.OpsPerSec)
	}

	if empty := summarize(2, 2, time.Second, nil); empty.OpsPerSec != 0 || empty.FailedOps != 2 {
		t.Fatalf("empty = %+v", empty)
	}
}

func TestRunBench(t *testing.T) {
	st, err := store.Open(config.Default().WithPath(filepath.Join(t.TempDir(), "primary")))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	svc := replication.NewControlService(st, replication.NewRegistry(0), t.TempDir(), nil)
	ts := httptest.NewServer(controlhttp.NewServer(svc, "secret", "", nil).ServeKV(st).Handler())
	t.Cleanup(ts.Close)

	var out bytes.Buffer
	err = runBench(context.Background(), &out, benchOptions{
		primaryURL:  ts.URL,
		replicaURL:  ts.URL,
		authKey:     "secret",
		ops:         50,
		concurrency: 5,
		lagTimeout:  5 * time.Second,
	})
	if err != nil {
		t.Fatalf("bench: %v\n%s", err, out.String())
	}
	if st.LatestSequenceNumber() != 50 {
		t.Fatalf("store seq = %d, want 50", st.LatestSequenceNumber())
	}
	if !strings.Contains(out.String(), "Successful: 50") {
		t.Fatalf("unexpected output:\n%s", out.String())
	}
}

func TestRunBenchWrongKey(t *testing.T) {
	st, err := store.Open(config.Default().WithPath(filepath.Join(t.TempDir(), "primary")))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	svc := replication.NewControlService(st, replication.NewRegistry(0), t.TempDir(), nil)
	ts := httptest.NewServer(controlhttp.NewServer(svc, "secret", "", nil).ServeKV(st).Handler())
	t.Cleanup(ts.Close)

	var out bytes.Buffer
	err = runBench(context.Background(), &out, benchOptions{
		primaryURL:  ts.URL,
		authKey:     "wrong",
		ops:         3,
		concurrency: 1,
	})
	if err == nil {
		t.Fatalf("expected bench to fail with a bad auth key")
	}
}
