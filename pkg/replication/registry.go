package replication

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"lsmrepl/pkg/listener"
	"lsmrepl/pkg/types"
)

const DefaultSessionTTL = 30 * time.Second

type iTimeProvider interface {
	Now() time.Time
}

type systemTime struct{}

func (systemTime) Now() time.Time {
	return time.Now()
}

// PendingSession is a registered start point waiting for the replica to
// connect to the data plane.
type PendingSession struct {
	Key       string
	Start     types.SequenceNumber
	ExpiresAt time.Time
}

// Registry maps single-use session keys to pending sessions. It is the only
// state shared between the control plane and the data plane.
type Registry struct {
	mu       sync.Mutex
	sessions map[string]PendingSession
	ttl      time.Duration
	tp       iTimeProvider

	sweeper *listener.Listener[time.Time]
}

func NewRegistry(ttl time.Duration) *Registry {
	if ttl <= 0 {
		ttl = DefaultSessionTTL
	}
	return &Registry{
		sessions: make(map[string]PendingSession),
		ttl:      ttl,
		tp:       systemTime{},
	}
}

// StartSweeper drops expired sessions every interval until Close.
func (r *Registry) StartSweeper(ctx context.Context, interval time.Duration) {
	r.sweeper = listener.Every("session-sweeper", interval, func(now time.Time) error {
		if n := r.Sweep(now); n > 0 {
			slog.Debug("expired sessions dropped", "count", n)
		}
		return nil
	})
	r.sweeper.Start(ctx)
}

// Register stores a new pending session starting at start and returns its key.
func (r *Registry) Register(start types.SequenceNumber) string {
	key := uuid.NewString() + "." + uuid.NewString()

	r.mu.Lock()
	defer r.mu.Unlock()

	r.sessions[key] = PendingSession{
		Key:       key,
		Start:     start,
		ExpiresAt: r.tp.Now().Add(r.ttl),
	}
	return key
}

// Claim removes the session and returns it. Only one caller can claim a
// key; an expired session is removed and reported as missing.
func (r *Registry) Claim(key string) (PendingSession, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	ps, ok := r.sessions[key]
	if !ok {
		return PendingSession{}, false
	}
	delete(r.sessions, key)

	if !r.tp.Now().Before(ps.ExpiresAt) {
		return PendingSession{}, false
	}
	return ps, true
}

// Sweep drops sessions expired at now and reports how many were dropped.
func (r *Registry) Sweep(now time.Time) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	dropped := 0
	for key, ps := range r.sessions {
		if !now.Before(ps.ExpiresAt) {
			delete(r.sessions, key)
			dropped++
		}
	}
	return dropped
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

func (r *Registry) Close() {
	if r.sweeper != nil {
		r.sweeper.Stop()
	}
}
