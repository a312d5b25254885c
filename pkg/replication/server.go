package replication

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"lsmrepl/pkg/metrics"
)

const DefaultMaxSessions = 64

type ServerConfig struct {
	Addr         string
	PollInterval time.Duration
	WriteTimeout time.Duration
	KeyTimeout   time.Duration
	MaxSessions  int64
}

func (c ServerConfig) withDefaults() ServerConfig {
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.KeyTimeout <= 0 {
		c.KeyTimeout = DefaultKeyTimeout
	}
	if c.MaxSessions <= 0 {
		c.MaxSessions = DefaultMaxSessions
	}
	return c
}

// Server is the data-plane listener of the primary. Every accepted
// connection runs its own MasterSession.
type Server struct {
	cfg      ServerConfig
	history  iHistory
	registry *Registry
	metrics  *metrics.Metrics
	sem      *semaphore.Weighted

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	listener net.Listener
	conns    map[net.Conn]struct{}
	closed   bool
}

func NewServer(cfg ServerConfig, history iHistory, registry *Registry, m *metrics.Metrics) *Server {
	cfg = cfg.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())

	return &Server{
		cfg:      cfg,
		history:  history,
		registry: registry,
		metrics:  m,
		sem:      semaphore.NewWeighted(cfg.MaxSessions),
		ctx:      ctx,
		cancel:   cancel,
		conns:    make(map[net.Conn]struct{}),
	}
}

func (s *Server) ListenAndServe() error {
	l, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.cfg.Addr, err)
	}
	return s.Serve(l)
}

// Serve accepts connections on l until Shutdown. It always returns a
// non-nil error, ErrServerClosed after Shutdown.
func (s *Server) Serve(l net.Listener) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		_ = l.Close()
		return ErrServerClosed
	}
	s.listener = l
	s.mu.Unlock()

	slog.Info("replication server started", "addr", l.Addr().String())

	for {
		conn, err := l.Accept()
		if err != nil {
			if s.isClosed() {
				return ErrServerClosed
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				slog.Warn("accept timeout", "error", err)
				continue
			}
			return fmt.Errorf("accept failed: %w", err)
		}

		if !s.sem.TryAcquire(1) {
			slog.Warn("too many replication sessions, dropping connection",
				"replica", conn.RemoteAddr().String(),
				"max_sessions", s.cfg.MaxSessions,
			)
			s.metrics.SessionRejected()
			_ = conn.Close()
			continue
		}

		if !s.track(conn) {
			s.sem.Release(1)
			_ = conn.Close()
			return ErrServerClosed
		}
		go s.handle(conn)
	}
}

func (s *Server) handle(conn net.Conn) {
	defer s.wg.Done()
	defer s.sem.Release(1)
	defer s.untrack(conn)

	session := newMasterSession(conn, s.history, s.registry, sessionConfig{
		pollInterval: s.cfg.PollInterval,
		writeTimeout: s.cfg.WriteTimeout,
		keyTimeout:   s.cfg.KeyTimeout,
	}, s.metrics)

	_ = session.Run(s.ctx)
}

func (s *Server) track(conn net.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return false
	}
	s.conns[conn] = struct{}{}
	// under mu so Shutdown cannot Wait before the session is counted
	s.wg.Add(1)
	return true
}

func (s *Server) untrack(conn net.Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.conns, conn)
}

func (s *Server) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Addr returns the listening address, nil before Serve.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Shutdown stops accepting, cancels every session and closes their
// connections, then waits for the session goroutines or ctx.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true

	var err error
	if s.listener != nil {
		err = s.listener.Close()
	}
	s.cancel()
	for conn := range s.conns {
		_ = conn.Close()
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		return fmt.Errorf("replication server shutdown: %w", ctx.Err())
	}

	slog.Info("replication server stopped")
	if err != nil && !errors.Is(err, net.ErrClosed) {
		return fmt.Errorf("failed to close listener: %w", err)
	}
	return nil
}
