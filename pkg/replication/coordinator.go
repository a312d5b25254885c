package replication

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"

	"lsmrepl/pkg/backup"
	"lsmrepl/pkg/metrics"
	"lsmrepl/pkg/types"
)

// ReplicaEngine is the local store a Coordinator keeps in sync.
type ReplicaEngine interface {
	ApplyBatch(data []byte) error
	LatestSequenceNumber() types.SequenceNumber
	Close() error
}

type iControlClient interface {
	// RegisterSession fails with an error wrapping ErrStartUnavailable when
	// the primary cannot stream from last.
	RegisterSession(ctx context.Context, last types.SequenceNumber) (string, error)
	// DownloadSnapshot extracts a fresh primary backup into destDir.
	DownloadSnapshot(ctx context.Context, destDir string) error
}

type CoordinatorConfig struct {
	Slave SlaveConfig
	// WorkDir holds downloaded snapshots while they are restored. It must
	// not be inside the replica data directory.
	WorkDir          string
	RestoreRateLimit int64
	Retry            RetryConfig
}

// Coordinator drives a replica: it registers with the primary, bootstraps
// from a snapshot when the primary rejects the local start point, then
// streams. Ended sessions are retried per cfg.Retry; apply errors are
// fatal.
type Coordinator[E ReplicaEngine] struct {
	cfg     CoordinatorConfig
	path    string
	open    func(path string) (E, error)
	client  iControlClient
	metrics *metrics.Metrics

	mu     sync.RWMutex
	engine E
	closed bool
}

// NewCoordinator opens the replica engine at path with open.
func NewCoordinator[E ReplicaEngine](
	cfg CoordinatorConfig,
	path string,
	open func(path string) (E, error),
	client iControlClient,
	m *metrics.Metrics,
) (*Coordinator[E], error) {
	if cfg.WorkDir == "" {
		cfg.WorkDir = os.TempDir()
	}

	engine, err := open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open replica engine: %w", err)
	}
	m.AppliedSequence(engine.LatestSequenceNumber())

	return &Coordinator[E]{
		cfg:     cfg,
		path:    path,
		open:    open,
		client:  client,
		metrics: m,
		engine:  engine,
	}, nil
}

// Engine returns the current replica engine. Bootstrap replaces it, so
// callers should not keep the value across a Run.
func (c *Coordinator[E]) Engine() E {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.engine
}

// Run keeps the replica streaming until ctx is done or a fatal error.
func (c *Coordinator[E]) Run(ctx context.Context) error {
	var r *Retryer
	r = NewRetryer(func(ctx context.Context) error {
		return c.runOnce(ctx, r.Reset)
	}, c.cfg.Retry)

	return r.Run(ctx)
}

// RunOnce performs a single registration and streaming attempt.
func (c *Coordinator[E]) RunOnce(ctx context.Context) error {
	return c.runOnce(ctx, func() {})
}

func (c *Coordinator[E]) runOnce(ctx context.Context, progress func()) error {
	key, err := c.register(ctx)
	if err != nil {
		return err
	}

	engine := c.Engine()
	before := engine.LatestSequenceNumber()

	consumer := NewConsumer(c.path, engine, c.metrics)
	session := NewSlaveSession(c.cfg.Slave, key, consumer)
	err = session.Run(ctx)

	if engine.LatestSequenceNumber() > before {
		progress()
	}

	switch {
	case ctx.Err() != nil:
		return ctx.Err()
	case errors.Is(err, ErrApplyFailed):
		slog.Error("replica failed to apply a batch", "seq", engine.LatestSequenceNumber().Next(), "error", err)
		return err
	default:
		c.metrics.Reconnect()
		return retryable(err)
	}
}

// register returns a session key for the local start point, bootstrapping
// first when the primary rejects it.
func (c *Coordinator[E]) register(ctx context.Context) (string, error) {
	last := c.Engine().LatestSequenceNumber()

	key, err := c.client.RegisterSession(ctx, last)
	if err == nil {
		slog.Info("replication session registered", "last", last)
		return key, nil
	}
	if errors.Is(err, ErrUnauthorized) {
		return "", err
	}
	if !errors.Is(err, ErrStartUnavailable) {
		return "", retryable(fmt.Errorf("failed to register session: %w", err))
	}

	slog.Info("primary rejected the start point, bootstrapping", "last", last, "reason", err)
	if err := c.bootstrap(ctx); err != nil {
		return "", err
	}

	last = c.Engine().LatestSequenceNumber()
	key, err = c.client.RegisterSession(ctx, last)
	if err != nil {
		return "", retryable(fmt.Errorf("failed to register session after bootstrap: %w", err))
	}

	slog.Info("replication session registered after bootstrap", "last", last)
	return key, nil
}

// bootstrap replaces the local data with the latest primary backup.
func (c *Coordinator[E]) bootstrap(ctx context.Context) error {
	if err := os.MkdirAll(c.cfg.WorkDir, 0750); err != nil {
		return fmt.Errorf("failed to create work directory: %w", err)
	}
	tmp, err := os.MkdirTemp(c.cfg.WorkDir, "bootstrap-")
	if err != nil {
		return fmt.Errorf("failed to create bootstrap directory: %w", err)
	}
	defer os.RemoveAll(tmp)

	if err := c.client.DownloadSnapshot(ctx, tmp); err != nil {
		if errors.Is(err, ErrUnauthorized) {
			return err
		}
		return retryable(fmt.Errorf("failed to download snapshot: %w", err))
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return context.Canceled
	}

	if err := c.engine.Close(); err != nil {
		return fmt.Errorf("failed to close replica engine: %w", err)
	}
	if err := os.RemoveAll(c.path); err != nil {
		return fmt.Errorf("failed to clear replica directory: %w", err)
	}

	info, restoreErr := backup.RestoreLatest(ctx, tmp, c.path, backup.Options{RateLimit: c.cfg.RestoreRateLimit})
	if restoreErr != nil {
		// reopen empty rather than over a partial restore
		_ = os.RemoveAll(c.path)
	}

	engine, err := c.open(c.path)
	if err != nil {
		return fmt.Errorf("failed to reopen replica engine: %w", err)
	}
	c.engine = engine

	if restoreErr != nil {
		return retryable(fmt.Errorf("failed to restore snapshot: %w", restoreErr))
	}

	c.metrics.Bootstrap()
	c.metrics.AppliedSequence(engine.LatestSequenceNumber())
	slog.Info("replica bootstrapped", "seq", engine.LatestSequenceNumber(), "backup_seq", info.Sequence)

	return nil
}

func (c *Coordinator[E]) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}
	c.closed = true
	return c.engine.Close()
}

func retryable(err error) error {
	return fmt.Errorf("%w: %w", ErrRetryable, err)
}
