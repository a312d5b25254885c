package memtable

import (
	"bytes"
	"errors"
	"sync/atomic"

	"github.com/zhangyunhao116/skipmap"

	"lsmrepl/pkg/types"
)

var (
	ErrTooLargeEntry = errors.New("entry is too large")
)

const maxEntrySize = 64 << 20

type concurrentSet = skipmap.FuncMap[[]byte, Entry]

// Entry is the live value of a key and the batch that last wrote it.
type Entry struct {
	Key   []byte
	Value []byte
	Seq   types.SequenceNumber
}

// Memtable holds the live key space of the store ordered by key.
// Deletes remove the key; history lives in the WAL, not here.
type Memtable struct {
	size       atomic.Int64
	underlying atomic.Pointer[concurrentSet]
}

func New() *Memtable {
	var mt Memtable
	mt.underlying.Store(newSet())
	return &mt
}

func newSet() *concurrentSet {
	return skipmap.NewFunc[[]byte, Entry](func(a, b []byte) bool {
		return bytes.Compare(a, b) < 0
	})
}

func (mt *Memtable) Get(k []byte) (Entry, bool) {
	return mt.underlying.Load().Load(k)
}

func (mt *Memtable) Upsert(k, value []byte, seqN types.SequenceNumber) error {
	if len(k)+len(value) > maxEntrySize {
		return ErrTooLargeEntry
	}

	key := append([]byte(nil), k...)
	active := mt.underlying.Load()
	if old, ok := active.Load(key); ok {
		mt.size.Add(-int64(len(old.Key) + len(old.Value)))
	}
	active.Store(key, Entry{
		Key:   key,
		Value: append([]byte(nil), value...),
		Seq:   seqN,
	})
	mt.size.Add(int64(len(key) + len(value)))

	return nil
}

func (mt *Memtable) Delete(k []byte) {
	active := mt.underlying.Load()
	if old, ok := active.Load(k); ok {
		if active.Delete(k) {
			mt.size.Add(-int64(len(old.Key) + len(old.Value)))
		}
	}
}

// Snapshot returns every entry ordered by key. Callers must hold off
// writers if they need a view consistent with a sequence number.
func (mt *Memtable) Snapshot() []Entry {
	set := mt.underlying.Load()
	entries := make([]Entry, 0, set.Len())
	set.Range(func(_ []byte, e Entry) bool {
		entries = append(entries, e)
		return true
	})
	return entries
}

// Reset drops every key.
func (mt *Memtable) Reset() {
	mt.underlying.Store(newSet())
	mt.size.Store(0)
}

func (mt *Memtable) Len() int {
	return mt.underlying.Load().Len()
}

// ApproximateSize is the sum of key and value bytes.
func (mt *Memtable) ApproximateSize() int64 {
	return mt.size.Load()
}
