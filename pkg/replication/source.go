package replication

import (
	"fmt"
	"iter"
	"os"
	"path/filepath"

	"github.com/google/uuid"

	"lsmrepl/pkg/snapshot"
	"lsmrepl/pkg/types"
)

// iHistory is the part of the primary engine the data plane reads.
type iHistory interface {
	LatestSequenceNumber() types.SequenceNumber
	OpenHistoryCursor(after types.SequenceNumber) (types.HistoryCursor, error)
}

// iEngine is the primary engine as seen by the replication source and the
// control service.
type iEngine interface {
	iHistory
	Checkpoint(dir string) (types.SequenceNumber, error)
}

// Source exposes the primary engine to replication: a bootstrap snapshot
// and the batch history after it.
type Source struct {
	engine iEngine
	tmpDir string
}

// NewSource creates a source whose snapshots are written under tmpDir.
// An empty tmpDir means os.TempDir().
func NewSource(engine iEngine, tmpDir string) *Source {
	if tmpDir == "" {
		tmpDir = os.TempDir()
	}
	return &Source{engine: engine, tmpDir: tmpDir}
}

// InitialState checkpoints the engine into a fresh directory. The caller
// owns the snapshot and must Close it.
func (s *Source) InitialState() (*snapshot.Snapshot, error) {
	if err := os.MkdirAll(s.tmpDir, 0750); err != nil {
		return nil, fmt.Errorf("failed to create snapshot root: %w", err)
	}

	dir := filepath.Join(s.tmpDir, "checkpoint-"+uuid.NewString())
	seq, err := s.engine.Checkpoint(dir)
	if err != nil {
		_ = os.RemoveAll(dir)
		return nil, fmt.Errorf("failed to checkpoint primary: %w", err)
	}

	return snapshot.New(dir, seq), nil
}

// UpdatesSince yields the history starting with batch seq. Every range
// opens a new cursor. Iteration stops when the cursor has nothing more; a
// cursor failure is yielded as the last element.
func (s *Source) UpdatesSince(seq types.SequenceNumber) iter.Seq2[types.Update, error] {
	return func(yield func(types.Update, error) bool) {
		cur, err := s.engine.OpenHistoryCursor(seq.Prev())
		if err != nil {
			yield(types.Update{}, err)
			return
		}
		defer cur.Close()

		for {
			upd, ok := cur.Next()
			if !ok {
				break
			}
			if !yield(upd, nil) {
				return
			}
		}

		if err := cur.Err(); err != nil {
			yield(types.Update{}, err)
		}
	}
}

func (s *Source) LatestSequenceNumber() types.SequenceNumber {
	return s.engine.LatestSequenceNumber()
}

func (s *Source) OpenHistoryCursor(after types.SequenceNumber) (types.HistoryCursor, error) {
	return s.engine.OpenHistoryCursor(after)
}
