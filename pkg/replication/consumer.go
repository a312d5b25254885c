package replication

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"lsmrepl/pkg/metrics"
	"lsmrepl/pkg/snapshot"
	"lsmrepl/pkg/types"
)

// iApplier is the replica engine as seen by the consumer.
type iApplier interface {
	ApplyBatch(data []byte) error
	LatestSequenceNumber() types.SequenceNumber
}

// Consumer writes replicated data into the replica: snapshot files into a
// directory before the engine is opened, batches into the open engine.
type Consumer struct {
	dir     string
	engine  iApplier
	metrics *metrics.Metrics
}

func NewConsumer(dir string, engine iApplier, m *metrics.Metrics) *Consumer {
	return &Consumer{dir: dir, engine: engine, metrics: m}
}

// SetEngine attaches the engine opened over the ingested files.
func (c *Consumer) SetEngine(engine iApplier) {
	c.engine = engine
}

// IngestFile copies one snapshot file into the consumer directory.
func (c *Consumer) IngestFile(f snapshot.File) error {
	if filepath.Base(f.Name) != f.Name {
		return fmt.Errorf("refusing snapshot file name %q", f.Name)
	}
	if err := os.MkdirAll(c.dir, 0750); err != nil {
		return fmt.Errorf("failed to create replica directory: %w", err)
	}

	src, err := f.Open()
	if err != nil {
		return fmt.Errorf("failed to open snapshot file %s: %w", f.Name, err)
	}
	defer src.Close()

	dst, err := os.OpenFile(filepath.Join(c.dir, f.Name), os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0600)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", f.Name, err)
	}

	if _, err := io.Copy(dst, src); err != nil {
		_ = dst.Close()
		return fmt.Errorf("failed to copy %s: %w", f.Name, err)
	}
	return dst.Close()
}

// IngestBatch applies one update. The replica engine numbers batches
// itself, so the update must be the next one it expects.
func (c *Consumer) IngestBatch(u types.Update) error {
	if c.engine == nil {
		return fmt.Errorf("%w: no engine attached", ErrApplyFailed)
	}
	if want := c.engine.LatestSequenceNumber().Next(); u.SeqNum != want {
		return fmt.Errorf("%w: got batch %d, expected %d", ErrContinuityViolation, u.SeqNum, want)
	}
	return c.Apply(u.Data)
}

// Apply hands a serialized batch to the engine.
func (c *Consumer) Apply(payload []byte) error {
	if c.engine == nil {
		return fmt.Errorf("%w: no engine attached", ErrApplyFailed)
	}
	if err := c.engine.ApplyBatch(payload); err != nil {
		return fmt.Errorf("%w: %w", ErrApplyFailed, err)
	}

	c.metrics.FrameApplied(c.engine.LatestSequenceNumber())
	return nil
}
