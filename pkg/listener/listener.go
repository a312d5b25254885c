package listener

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

var (
	errListenerStopped = errors.New("listener stopped")
)

type Job interface {
	Start(ctx context.Context)
	Stop()
}

// Listener drains a channel on a background goroutine and hands every
// value to handler. Handler errors are logged and do not stop the loop.
type Listener[T any] struct {
	name        string
	handler     func(input T) error
	stopHandler func()

	in       <-chan T
	wg       sync.WaitGroup
	cancel   func()
	stopOnce sync.Once
}

func New[T any](
	name string,
	in <-chan T,
	handler func(T) error,
	stopHandler ...func(),
) *Listener[T] {
	if len(stopHandler) == 0 {
		stopHandler = []func(){func() {}}
	}

	return &Listener[T]{
		name:        name,
		in:          in,
		handler:     handler,
		cancel:      func() {},
		stopHandler: stopHandler[0],
	}
}

// Every runs fn on a ticker until the listener is stopped.
func Every(name string, interval time.Duration, fn func(now time.Time) error) *Listener[time.Time] {
	ticker := time.NewTicker(interval)
	return New(name, ticker.C, fn, ticker.Stop)
}

func (l *Listener[T]) Start(ctx context.Context) {
	ctx, l.cancel = context.WithCancel(ctx)
	l.wg.Add(1)

	go func() {
		defer l.wg.Done()
		for {
			err := l.run(ctx)
			switch {
			case errors.Is(err, errListenerStopped):
				return
			case err != nil:
				slog.Warn("listener handler failed", "listener", l.name, "error", err)
			}
		}
	}()
}

func (l *Listener[T]) run(ctx context.Context) error {
	select {
	case inp, ok := <-l.in:
		if !ok {
			return errListenerStopped
		}
		return l.handler(inp)
	case <-ctx.Done():
		return errListenerStopped
	}
}

// Stop cancels the loop, waits for the in-flight handler and runs the stop
// handler. It is safe to call more than once.
func (l *Listener[T]) Stop() {
	l.stopOnce.Do(func() {
		l.cancel()
		l.wg.Wait()
		l.stopHandler()
	})
}
