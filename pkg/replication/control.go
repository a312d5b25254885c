package replication

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/google/uuid"

	"lsmrepl/pkg/archive"
	"lsmrepl/pkg/backup"
	"lsmrepl/pkg/metrics"
	"lsmrepl/pkg/types"
)

// ControlService answers the control-plane requests of replicas. It does
// not know about transports; internal/http puts it behind HTTP.
type ControlService struct {
	engine   iEngine
	registry *Registry
	tmpDir   string
	metrics  *metrics.Metrics
}

// NewControlService creates the service. Ephemeral backups are written
// under tmpDir, os.TempDir() when empty.
func NewControlService(engine iEngine, registry *Registry, tmpDir string, m *metrics.Metrics) *ControlService {
	if tmpDir == "" {
		tmpDir = os.TempDir()
	}
	return &ControlService{
		engine:   engine,
		registry: registry,
		tmpDir:   tmpDir,
		metrics:  m,
	}
}

// RegisterSession registers a streaming session that starts right after
// batch last, the latest batch the replica holds. It fails with
// ErrStartUnavailable when batch last is not in the primary history; the
// replica then has to bootstrap from a snapshot.
func (c *ControlService) RegisterSession(last types.SequenceNumber) (string, error) {
	if err := c.checkStart(last); err != nil {
		c.metrics.Registration(false)
		slog.Info("session registration rejected", "last", last, "error", err)
		return "", err
	}

	key := c.registry.Register(last)
	c.metrics.Registration(true)
	slog.Info("session registered", "last", last)

	return key, nil
}

func (c *ControlService) checkStart(last types.SequenceNumber) error {
	if last == 0 && c.engine.LatestSequenceNumber() == 0 {
		return nil
	}

	cur, err := c.engine.OpenHistoryCursor(last.Prev())
	if err != nil {
		if last != 0 && last == c.engine.LatestSequenceNumber() && historyStartsAfter(c.engine, last) {
			return nil
		}
		return fmt.Errorf("%w: %w", ErrStartUnavailable, err)
	}
	defer cur.Close()

	upd, ok := cur.Next()
	if !ok {
		if err := cur.Err(); err != nil {
			return fmt.Errorf("%w: %w", ErrStartUnavailable, err)
		}
		return fmt.Errorf("%w: batch %d not found", ErrStartUnavailable, last)
	}
	if upd.SeqNum != last {
		return fmt.Errorf("%w: history continues at %d, not %d", ErrStartUnavailable, upd.SeqNum, last)
	}

	return nil
}

// historyStartsAfter reports whether the retained history begins exactly at
// seq+1. A primary opened from a checkpoint or a backup at seq is in this
// state until it takes its first write.
func historyStartsAfter(h iHistory, seq types.SequenceNumber) bool {
	cur, err := h.OpenHistoryCursor(seq)
	if err != nil {
		return false
	}
	_ = cur.Close()
	return true
}

// DownloadSnapshot writes a fresh backup of the engine to w as a zstd
// compressed tar and returns the number of bytes written. The backup
// directory is removed on every path.
func (c *ControlService) DownloadSnapshot(ctx context.Context, w io.Writer) (int64, error) {
	dir := filepath.Join(c.tmpDir, "backup-"+uuid.NewString())
	defer func() {
		if err := os.RemoveAll(dir); err != nil {
			slog.Warn("failed to remove ephemeral backup", "dir", dir, "error", err)
		}
	}()

	engine, err := backup.Open(dir, backup.Options{})
	if err != nil {
		return 0, err
	}

	info, err := engine.CreateBackup(c.engine)
	if err != nil {
		return 0, fmt.Errorf("failed to create backup: %w", err)
	}

	if err := ctx.Err(); err != nil {
		return 0, err
	}

	n, err := archive.WriteDir(w, dir)
	if err != nil {
		return n, fmt.Errorf("failed to stream backup: %w", err)
	}

	c.metrics.SnapshotServed(n)
	slog.Info("snapshot served", "seq", info.Sequence, "bytes", n)

	return n, nil
}
