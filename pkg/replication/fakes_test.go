package replication

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"lsmrepl/pkg/types"
)

var errFakeHistoryPurged = errors.New("fake: history purged")

// fakeEngine is an in-memory engine: batch i is stored at batches[i-1].
type fakeEngine struct {
	mu       sync.Mutex
	batches  [][]byte
	first    types.SequenceNumber
	missing  map[types.SequenceNumber]bool
	applyErr error
	closed   bool
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{first: 1, missing: make(map[types.SequenceNumber]bool)}
}

func (f *fakeEngine) write(payloads ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, p := range payloads {
		f.batches = append(f.batches, []byte(p))
	}
}

func (f *fakeEngine) writeN(n int) {
	for i := 0; i < n; i++ {
		f.write(fmt.Sprintf("batch-%d", f.LatestSequenceNumber().Next()))
	}
}

func (f *fakeEngine) purgeBefore(seq types.SequenceNumber) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.first = seq
}

func (f *fakeEngine) dropFromHistory(seq types.SequenceNumber) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.missing[seq] = true
}

func (f *fakeEngine) LatestSequenceNumber() types.SequenceNumber {
	f.mu.Lock()
	defer f.mu.Unlock()
	return types.SequenceNumber(len(f.batches))
}

func (f *fakeEngine) OpenHistoryCursor(after types.SequenceNumber) (types.HistoryCursor, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if after.Next() < f.first {
		return nil, errFakeHistoryPurged
	}
	return &fakeCursor{engine: f, next: after.Next()}, nil
}

func (f *fakeEngine) Checkpoint(dir string) (types.SequenceNumber, error) {
	if err := os.MkdirAll(dir, 0750); err != nil {
		return 0, err
	}
	seq := f.LatestSequenceNumber()
	return seq, os.WriteFile(filepath.Join(dir, "STATE"), []byte(fmt.Sprint(seq)), 0600)
}

func (f *fakeEngine) ApplyBatch(data []byte) error {
	if f.applyErr != nil {
		return f.applyErr
	}
	f.write(string(data))
	return nil
}

func (f *fakeEngine) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeEngine) payloads() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.batches))
	for i, b := range f.batches {
		out[i] = string(b)
	}
	return out
}

type fakeCursor struct {
	engine *fakeEngine
	next   types.SequenceNumber
	closed bool
}

func (c *fakeCursor) Next() (types.Update, bool) {
	c.engine.mu.Lock()
	defer c.engine.mu.Unlock()

	for c.engine.missing[c.next] {
		c.next++
	}
	if c.closed || c.next > types.SequenceNumber(len(c.engine.batches)) {
		return types.Update{}, false
	}

	upd := types.Update{SeqNum: c.next, Data: c.engine.batches[c.next-1]}
	c.next++
	return upd, true
}

func (c *fakeCursor) Err() error {
	return nil
}

func (c *fakeCursor) Close() error {
	c.closed = true
	return nil
}
