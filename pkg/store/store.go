package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"lsmrepl/pkg/batch"
	"lsmrepl/pkg/clock"
	"lsmrepl/pkg/config"
	"lsmrepl/pkg/listener"
	"lsmrepl/pkg/memtable"
	"lsmrepl/pkg/types"
	"lsmrepl/pkg/wal"
)

const walDir = "wal"

type iJournal interface {
	Append(rec wal.Record) error
	Read(seq types.SequenceNumber) (wal.Record, error)
	Replay(start types.SequenceNumber, callback func(wal.Record) error) error
	Bounds() (first, last types.SequenceNumber)
	Purge(before types.SequenceNumber) (int, error)
	Close() error
}

type iClock interface {
	Val() types.SequenceNumber
	Set(t types.SequenceNumber)
}

// Store is a small embedded key-value engine. Every write batch gets the
// next sequence number and is kept in the WAL until retention drops it, so
// the batch history can be read back through a cursor.
type Store struct {
	cfg config.StoreConfig

	// mu serializes writers against each other and against checkpoints.
	mu     sync.RWMutex
	jr     iJournal
	seqN   iClock
	mt     *memtable.Memtable
	md     manifest
	closed bool

	retention *listener.Listener[time.Time]
}

func Open(cfg config.StoreConfig) (*Store, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("empty store path")
	}
	if err := os.MkdirAll(cfg.Path, 0750); err != nil {
		return nil, fmt.Errorf("failed to create store directory: %w", err)
	}

	md, found, err := loadManifest(cfg.Path)
	if err != nil {
		return nil, err
	}

	mt := memtable.New()
	if found {
		wb, err := readTable(filepath.Join(cfg.Path, md.Table))
		if err != nil {
			return nil, err
		}
		if err := applyOps(mt, wb, md.Sequence); err != nil {
			return nil, err
		}
	}

	journal, err := wal.Open(filepath.Join(cfg.Path, walDir), md.Sequence, wal.Options{
		SegmentBytes: cfg.WALSegmentBytes,
		Sync:         cfg.SyncWrites,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open WAL: %w", err)
	}

	s := &Store{
		cfg:  cfg,
		jr:   journal,
		seqN: clock.NewAtomic(md.Sequence),
		mt:   mt,
		md:   md,
	}

	if err := s.restoreFromJournal(); err != nil {
		_ = journal.Close()
		return nil, err
	}

	if cfg.RetainBatches > 0 && cfg.RetentionInterval > 0 {
		s.retention = listener.Every("store-retention", cfg.RetentionInterval, func(time.Time) error {
			return s.enforceRetention()
		})
		s.retention.Start(context.Background())
	}

	slog.Info("store opened",
		"path", cfg.Path,
		"table_seq", md.Sequence,
		"latest_seq", s.seqN.Val(),
	)

	return s, nil
}

func (s *Store) restoreFromJournal() error {
	return s.jr.Replay(s.md.Sequence+1, func(rec wal.Record) error {
		wb, err := batch.Decode(rec.Data)
		if err != nil {
			return fmt.Errorf("batch %d: %w", rec.SeqNum, err)
		}
		if err := applyOps(s.mt, wb, rec.SeqNum); err != nil {
			return err
		}
		s.seqN.Set(rec.SeqNum)
		return nil
	})
}

func applyOps(mt *memtable.Memtable, wb *batch.WriteBatch, seq types.SequenceNumber) error {
	for _, op := range wb.Ops() {
		switch op.Kind {
		case batch.KindPut:
			if err := mt.Upsert(op.Key, op.Value, seq); err != nil {
				return fmt.Errorf("failed to apply put: %w", err)
			}
		case batch.KindDelete:
			mt.Delete(op.Key)
		}
	}
	return nil
}

func (s *Store) Path() string {
	return s.cfg.Path
}

// Write applies wb atomically and returns its sequence number.
func (s *Store) Write(wb *batch.WriteBatch) (types.SequenceNumber, error) {
	return s.write(wb, wb.Bytes())
}

// ApplyBatch applies a batch in its serialized form, exactly as it was
// written on another store.
func (s *Store) ApplyBatch(data []byte) error {
	wb, err := batch.Decode(data)
	if err != nil {
		return err
	}
	_, err = s.write(wb, data)
	return err
}

func (s *Store) write(wb *batch.WriteBatch, data []byte) (types.SequenceNumber, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return 0, ErrClosed
	}

	seq := s.seqN.Val().Next()
	if err := s.jr.Append(wal.Record{SeqNum: seq, Data: data}); err != nil {
		return 0, fmt.Errorf("failed to append to WAL: %w", err)
	}
	if err := applyOps(s.mt, wb, seq); err != nil {
		return 0, err
	}
	s.seqN.Set(seq)

	return seq, nil
}

func (s *Store) Put(key types.Key, value types.Value) error {
	wb := batch.New()
	wb.Put(key, value)
	_, err := s.Write(wb)
	return err
}

func (s *Store) PutString(key, value string) error {
	return s.Put([]byte(key), []byte(value))
}

func (s *Store) Delete(key string) error {
	wb := batch.New()
	wb.Delete([]byte(key))
	_, err := s.Write(wb)
	return err
}

func (s *Store) Get(key types.Key) (types.Value, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, false, ErrClosed
	}

	item, ok := s.mt.Get(key)
	if !ok {
		return nil, false, nil
	}
	return append([]byte(nil), item.Value...), true, nil
}

func (s *Store) GetString(key string) (string, bool, error) {
	value, found, err := s.Get([]byte(key))
	if err != nil || !found {
		return "", found, err
	}
	return string(value), true, nil
}

// LatestSequenceNumber is the sequence number of the last applied batch,
// zero for an empty store.
func (s *Store) LatestSequenceNumber() types.SequenceNumber {
	return s.seqN.Val()
}

// OpenHistoryCursor returns a cursor whose first update is the batch right
// after `after`. It fails with ErrHistoryUnavailable when that batch has
// already been dropped by retention.
func (s *Store) OpenHistoryCursor(after types.SequenceNumber) (types.HistoryCursor, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrClosed
	}

	first, _ := s.jr.Bounds()
	if after.Next() < first {
		return nil, fmt.Errorf("%w: batch %d requested, history starts at %d",
			ErrHistoryUnavailable, after.Next(), first)
	}

	return &cursor{jr: s.jr, next: after.Next()}, nil
}

// Checkpoint writes an openable copy of the current state into dir and
// returns the sequence number it reflects. Writers are held off while the
// table is written.
func (s *Store) Checkpoint(dir string) (types.SequenceNumber, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return 0, ErrClosed
	}
	if err := os.MkdirAll(dir, 0750); err != nil {
		return 0, fmt.Errorf("failed to create checkpoint directory: %w", err)
	}

	seq := s.seqN.Val()
	md := manifest{Sequence: seq, Table: tableName(seq)}
	if err := writeTable(filepath.Join(dir, md.Table), s.mt.Snapshot()); err != nil {
		return 0, err
	}
	if err := md.save(dir); err != nil {
		return 0, err
	}

	slog.Debug("checkpoint created", "dir", dir, "seq", seq)
	return seq, nil
}

// Flush persists the current state as the store table. Batches up to the
// table sequence number become eligible for PurgeHistoryBefore.
func (s *Store) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}

	seq := s.seqN.Val()
	if seq == s.md.Sequence && s.md.Table != "" {
		return nil
	}

	md := manifest{Sequence: seq, Table: tableName(seq)}
	if err := writeTable(filepath.Join(s.cfg.Path, md.Table), s.mt.Snapshot()); err != nil {
		return err
	}
	if err := md.save(s.cfg.Path); err != nil {
		return err
	}

	if old := s.md.Table; old != "" && old != md.Table {
		if err := os.Remove(filepath.Join(s.cfg.Path, old)); err != nil && !errors.Is(err, os.ErrNotExist) {
			slog.Warn("failed to remove old table", "table", old, "error", err)
		}
	}
	s.md = md

	slog.Debug("store flushed", "seq", seq)
	return nil
}

// PurgeHistoryBefore drops WAL segments that only hold batches below seq.
// Batches newer than the last flushed table are never dropped.
func (s *Store) PurgeHistoryBefore(seq types.SequenceNumber) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}

	if limit := s.md.Sequence.Next(); seq > limit {
		seq = limit
	}

	removed, err := s.jr.Purge(seq)
	if err != nil {
		return fmt.Errorf("failed to purge WAL: %w", err)
	}
	if removed > 0 {
		first, _ := s.jr.Bounds()
		slog.Info("WAL history purged", "segments", removed, "first_retained", first)
	}
	return nil
}

// HistoryBounds returns the first retained batch and the latest batch.
func (s *Store) HistoryBounds() (first, last types.SequenceNumber) {
	return s.jr.Bounds()
}

func (s *Store) enforceRetention() error {
	latest := s.LatestSequenceNumber()
	if latest <= types.SequenceNumber(s.cfg.RetainBatches) {
		return nil
	}

	if err := s.Flush(); err != nil {
		return err
	}
	return s.PurgeHistoryBefore(latest - types.SequenceNumber(s.cfg.RetainBatches) + 1)
}

func (s *Store) Close() error {
	if s.retention != nil {
		s.retention.Stop()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true

	if err := s.jr.Close(); err != nil {
		return fmt.Errorf("failed to close WAL: %w", err)
	}
	return nil
}
