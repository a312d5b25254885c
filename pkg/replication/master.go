package replication

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	"lsmrepl/pkg/metrics"
	"lsmrepl/pkg/types"
)

const (
	DefaultPollInterval = time.Millisecond
	DefaultKeyTimeout   = 10 * time.Second
)

type sessionState int

const (
	stateAwaitingKey sessionState = iota
	stateStreaming
	stateClosed
)

func (s sessionState) String() string {
	switch s {
	case stateAwaitingKey:
		return "awaiting_key"
	case stateStreaming:
		return "streaming"
	case stateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

type sessionConfig struct {
	pollInterval time.Duration
	writeTimeout time.Duration
	keyTimeout   time.Duration
}

// MasterSession serves one replica connection: it reads the session key,
// then streams every batch after the registered start point in order.
// Closed is terminal; the master never retries a session.
type MasterSession struct {
	conn     net.Conn
	history  iHistory
	registry *Registry
	cfg      sessionConfig
	metrics  *metrics.Metrics
	log      *slog.Logger

	state   sessionState
	prevSeq types.SequenceNumber
}

func newMasterSession(
	conn net.Conn,
	history iHistory,
	registry *Registry,
	cfg sessionConfig,
	m *metrics.Metrics,
) *MasterSession {
	return &MasterSession{
		conn:     conn,
		history:  history,
		registry: registry,
		cfg:      cfg,
		metrics:  m,
		log:      slog.With("replica", conn.RemoteAddr().String()),
		state:    stateAwaitingKey,
	}
}

// Run drives the session until it is closed. The connection is closed on
// return.
func (s *MasterSession) Run(ctx context.Context) error {
	defer s.close()

	ps, err := s.awaitKey()
	if err != nil {
		s.metrics.SessionRejected()
		s.log.Warn("session rejected", "error", err)
		return err
	}

	s.state = stateStreaming
	s.metrics.SessionStarted()
	defer s.metrics.SessionEnded()

	s.log.Info("streaming started", "start", ps.Start)
	err = s.stream(ctx, ps.Start)

	switch {
	case errors.Is(err, ErrContinuityViolation):
		s.metrics.ContinuityViolation()
		s.log.Error("session closed", "seq", s.prevSeq, "error", err)
	case ctx.Err() != nil:
		s.log.Info("session closed on shutdown", "seq", s.prevSeq)
		return nil
	default:
		s.log.Info("session closed", "seq", s.prevSeq, "error", err)
	}
	return err
}

func (s *MasterSession) awaitKey() (PendingSession, error) {
	if s.cfg.keyTimeout > 0 {
		if err := s.conn.SetReadDeadline(time.Now().Add(s.cfg.keyTimeout)); err != nil {
			return PendingSession{}, err
		}
	}

	key, err := ReadSessionKey(s.conn)
	if err != nil {
		return PendingSession{}, err
	}

	ps, ok := s.registry.Claim(key)
	if !ok {
		return PendingSession{}, ErrSessionRejected
	}

	if err := s.conn.SetReadDeadline(time.Time{}); err != nil {
		return PendingSession{}, err
	}
	return ps, nil
}

func (s *MasterSession) stream(ctx context.Context, start types.SequenceNumber) error {
	cur, err := s.position(start)
	if err != nil {
		return err
	}
	defer cur.Close()

	timer := time.NewTimer(s.cfg.pollInterval)
	defer timer.Stop()

	wait := func() error {
		timer.Reset(s.cfg.pollInterval)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
			return nil
		}
	}

	for {
		for s.history.LatestSequenceNumber() <= s.prevSeq {
			if err := wait(); err != nil {
				return err
			}
		}

		upd, ok := cur.Next()
		if !ok {
			if err := cur.Err(); err != nil {
				return fmt.Errorf("history cursor failed: %w", err)
			}
			if err := wait(); err != nil {
				return err
			}
			continue
		}

		if upd.SeqNum != s.prevSeq.Next() {
			return fmt.Errorf("%w: expected batch %d, got %d", ErrContinuityViolation, s.prevSeq.Next(), upd.SeqNum)
		}

		if err := s.send(upd.Data); err != nil {
			return err
		}
		s.prevSeq = upd.SeqNum
	}
}

// position opens the cursor so that the next update is the one after
// start. For a non-zero start the batch at start is read and checked
// first, it is already on the replica, unless the history begins at
// start+1.
func (s *MasterSession) position(start types.SequenceNumber) (types.HistoryCursor, error) {
	if start == 0 {
		cur, err := s.history.OpenHistoryCursor(0)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrContinuityViolation, err)
		}
		s.prevSeq = 0
		return cur, nil
	}

	cur, err := s.history.OpenHistoryCursor(start.Prev())
	if err != nil {
		if !historyStartsAfter(s.history, start) {
			return nil, fmt.Errorf("%w: %w", ErrContinuityViolation, err)
		}
		// History begins right after start, there is nothing to check.
		if cur, err = s.history.OpenHistoryCursor(start); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrContinuityViolation, err)
		}
		s.prevSeq = start
		return cur, nil
	}

	upd, ok := cur.Next()
	if !ok || upd.SeqNum != start {
		_ = cur.Close()
		if err := cur.Err(); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrContinuityViolation, err)
		}
		return nil, fmt.Errorf("%w: start batch %d not in history (got %d)", ErrContinuityViolation, start, upd.SeqNum)
	}

	s.prevSeq = start
	return cur, nil
}

func (s *MasterSession) send(payload []byte) error {
	if s.cfg.writeTimeout > 0 {
		if err := s.conn.SetWriteDeadline(time.Now().Add(s.cfg.writeTimeout)); err != nil {
			return err
		}
	}
	if err := WriteFrame(s.conn, payload); err != nil {
		return fmt.Errorf("failed to send batch %d: %w", s.prevSeq.Next(), err)
	}

	s.metrics.FrameSent(len(payload))
	return nil
}

func (s *MasterSession) close() {
	s.log.Debug("closing connection", "state", s.state, "seq", s.prevSeq)
	s.state = stateClosed
	if err := s.conn.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
		s.log.Debug("failed to close connection", "error", err)
	}
}
