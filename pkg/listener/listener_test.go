package listener

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func TestListener_HandlesInputInOrder(t *testing.T) {
	in := make(chan int, 3)
	got := make(chan int, 3)

	l := New("test", in, func(v int) error {
		got <- v
		return nil
	})
	l.Start(context.Background())
	defer l.Stop()

	for i := 1; i <= 3; i++ {
		in <- i
	}

	for want := 1; want <= 3; want++ {
		select {
		case v := <-got:
			if v != want {
				t.Fatalf("expected %d, got %d", want, v)
			}
		case <-time.After(time.Second):
			t.Fatalf("timeout waiting for %d", want)
		}
	}
}

func TestListener_HandlerErrorDoesNotStopLoop(t *testing.T) {
	in := make(chan int, 2)
	var handled atomic.Int32

	l := New("failing", in, func(v int) error {
		handled.Add(1)
		if v == 1 {
			return errors.New("boom")
		}
		return nil
	})
	l.Start(context.Background())
	defer l.Stop()

	in <- 1
	in <- 2

	deadline := time.Now().Add(time.Second)
	for handled.Load() < 2 {
		if time.Now().After(deadline) {
			t.Fatalf("expected 2 handled inputs, got %d", handled.Load())
		}
		time.Sleep(time.Millisecond)
	}
}

func TestEvery_StopRunsStopHandlerOnce(t *testing.T) {
	var ticks atomic.Int32
	l := Every("ticker", time.Millisecond, func(time.Time) error {
		ticks.Add(1)
		return nil
	})
	l.Start(context.Background())

	deadline := time.Now().Add(time.Second)
	for ticks.Load() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("ticker never fired")
		}
		time.Sleep(time.Millisecond)
	}

	l.Stop()
	l.Stop()
}
