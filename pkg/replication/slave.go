package replication

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"
)

const DefaultDialTimeout = 5 * time.Second

type SlaveConfig struct {
	Addr          string
	DialTimeout   time.Duration
	MaxFrameBytes uint32
}

// SlaveSession connects to the primary data plane with a registered key
// and applies every received batch through the consumer.
type SlaveSession struct {
	cfg      SlaveConfig
	key      string
	consumer *Consumer
}

func NewSlaveSession(cfg SlaveConfig, key string, consumer *Consumer) *SlaveSession {
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = DefaultDialTimeout
	}
	if cfg.MaxFrameBytes == 0 {
		cfg.MaxFrameBytes = DefaultMaxFrameBytes
	}
	return &SlaveSession{cfg: cfg, key: key, consumer: consumer}
}

// Run streams until the connection fails, a frame is malformed, a batch
// cannot be applied or ctx is done. It never returns nil.
func (s *SlaveSession) Run(ctx context.Context) error {
	dialer := net.Dialer{Timeout: s.cfg.DialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("failed to connect to %s: %w", s.cfg.Addr, err)
	}
	defer conn.Close()

	stop := context.AfterFunc(ctx, func() {
		_ = conn.Close()
	})
	defer stop()

	log := slog.With("primary", s.cfg.Addr)

	if err := WriteSessionKey(conn, s.key); err != nil {
		return s.failure(ctx, fmt.Errorf("failed to send session key: %w", err))
	}
	log.Info("replication stream opened")

	for {
		payload, err := ReadFrame(conn, s.cfg.MaxFrameBytes)
		if err != nil {
			if errors.Is(err, ErrProtocolViolation) {
				log.Error("malformed frame from primary", "error", err)
			}
			return s.failure(ctx, fmt.Errorf("replication stream ended: %w", err))
		}

		if err := s.consumer.Apply(payload); err != nil {
			return err
		}
	}
}

func (s *SlaveSession) failure(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}
