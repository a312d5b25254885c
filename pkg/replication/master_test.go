package replication

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"lsmrepl/pkg/types"
)

type sessionHarness struct {
	engine   *fakeEngine
	registry *Registry
	client   net.Conn
	session  *MasterSession
	cancel   context.CancelFunc
	done     chan error
}

func startSession(t *testing.T, engine *fakeEngine, registry *Registry) *sessionHarness {
	t.Helper()

	serverConn, clientConn := net.Pipe()
	if registry == nil {
		registry = NewRegistry(time.Minute)
	}
	session := newMasterSession(serverConn, engine, registry, sessionConfig{
		pollInterval: time.Millisecond,
		keyTimeout:   time.Second,
		writeTimeout: time.Second,
	}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	h := &sessionHarness{
		engine:   engine,
		registry: registry,
		client:   clientConn,
		session:  session,
		cancel:   cancel,
		done:     make(chan error, 1),
	}
	go func() { h.done <- session.Run(ctx) }()

	t.Cleanup(func() {
		cancel()
		clientConn.Close()
	})
	return h
}

func (h *sessionHarness) readFrame(t *testing.T) string {
	t.Helper()
	require.NoError(t, h.client.SetReadDeadline(time.Now().Add(2*time.Second)))
	payload, err := ReadFrame(h.client, DefaultMaxFrameBytes)
	require.NoError(t, err)
	return string(payload)
}

func (h *sessionHarness) result(t *testing.T) error {
	t.Helper()
	select {
	case err := <-h.done:
		return err
	case <-time.After(2 * time.Second):
		t.Fatal("session did not finish")
		return nil
	}
}

func TestMasterSession_StreamsAfterStart(t *testing.T) {
	engine := newFakeEngine()
	engine.writeN(3)
	h := startSession(t, engine, nil)

	key := h.registry.Register(1)
	require.NoError(t, WriteSessionKey(h.client, key))

	require.Equal(t, "batch-2", h.readFrame(t))
	require.Equal(t, "batch-3", h.readFrame(t))

	// nothing new until the primary writes
	engine.write("batch-4")
	require.Equal(t, "batch-4", h.readFrame(t))

	h.cancel()
	require.NoError(t, h.result(t))
	require.Equal(t, stateClosed, h.session.state)
}

func TestMasterSession_StartFromEmpty(t *testing.T) {
	engine := newFakeEngine()
	h := startSession(t, engine, nil)

	key := h.registry.Register(0)
	require.NoError(t, WriteSessionKey(h.client, key))

	time.Sleep(10 * time.Millisecond)
	engine.write("first")
	engine.write("second")

	require.Equal(t, "first", h.readFrame(t))
	require.Equal(t, "second", h.readFrame(t))
}

func TestMasterSession_Monotonic(t *testing.T) {
	engine := newFakeEngine()
	h := startSession(t, engine, nil)

	require.NoError(t, WriteSessionKey(h.client, h.registry.Register(0)))

	go func() {
		for i := 1; i <= 50; i++ {
			engine.write(fmt.Sprintf("batch-%d", i))
		}
	}()

	for i := 1; i <= 50; i++ {
		require.Equal(t, fmt.Sprintf("batch-%d", i), h.readFrame(t))
	}
}

func TestMasterSession_RejectsUnknownKey(t *testing.T) {
	engine := newFakeEngine()
	h := startSession(t, engine, nil)

	require.NoError(t, WriteSessionKey(h.client, "no-such-key"))
	require.ErrorIs(t, h.result(t), ErrSessionRejected)

	_, err := ReadFrame(h.client, DefaultMaxFrameBytes)
	require.Error(t, err)
}

func TestMasterSession_KeyIsSingleUse(t *testing.T) {
	engine := newFakeEngine()
	first := startSession(t, engine, nil)
	key := first.registry.Register(0)

	require.NoError(t, WriteSessionKey(first.client, key))

	second := startSession(t, engine, first.registry)
	require.NoError(t, WriteSessionKey(second.client, key))
	require.ErrorIs(t, second.result(t), ErrSessionRejected)
}

func TestMasterSession_OversizedKey(t *testing.T) {
	h := startSession(t, newFakeEngine(), nil)

	header := []byte{0, 0, 0x04, 0x01} // 1025
	_, err := h.client.Write(header)
	require.NoError(t, err)

	require.ErrorIs(t, h.result(t), ErrProtocolViolation)
}

func TestMasterSession_ContinuityViolation(t *testing.T) {
	engine := newFakeEngine()
	engine.writeN(2)
	engine.dropFromHistory(4)
	engine.writeN(3) // batches 3, 4, 5 with 4 missing from the history
	h := startSession(t, engine, nil)

	require.NoError(t, WriteSessionKey(h.client, h.registry.Register(2)))
	require.Equal(t, "batch-3", h.readFrame(t))

	err := h.result(t)
	require.ErrorIs(t, err, ErrContinuityViolation)

	// the connection is closed, batch 5 is never sent
	_, err = ReadFrame(h.client, DefaultMaxFrameBytes)
	require.True(t, errors.Is(err, io.EOF) || errors.Is(err, io.ErrClosedPipe), "unexpected error %v", err)
}

func TestMasterSession_StartMissingFromHistory(t *testing.T) {
	engine := newFakeEngine()
	engine.writeN(5)
	h := startSession(t, engine, nil)

	// registered while 3 was retained, purged before the replica connected
	key := h.registry.Register(3)
	engine.purgeBefore(5)

	require.NoError(t, WriteSessionKey(h.client, key))
	require.ErrorIs(t, h.result(t), ErrContinuityViolation)
}

func TestMasterSession_HistoryStartsAfterStart(t *testing.T) {
	engine := newFakeEngine()
	engine.writeN(5)
	// opened from a checkpoint at 5: nothing retained yet
	engine.purgeBefore(6)
	h := startSession(t, engine, nil)

	require.NoError(t, WriteSessionKey(h.client, h.registry.Register(5)))

	time.Sleep(10 * time.Millisecond)
	engine.write("batch-6")
	require.Equal(t, "batch-6", h.readFrame(t))
}

func TestMasterSession_LogsStateOnClose(t *testing.T) {
	var buf bytes.Buffer
	prev := slog.Default()
	slog.SetDefault(slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})))
	t.Cleanup(func() { slog.SetDefault(prev) })

	h := startSession(t, newFakeEngine(), nil)
	require.NoError(t, WriteSessionKey(h.client, "no-such-key"))
	require.ErrorIs(t, h.result(t), ErrSessionRejected)

	require.Contains(t, buf.String(), `msg="closing connection"`)
	require.Contains(t, buf.String(), "state=awaiting_key")
}

func TestSessionStateString(t *testing.T) {
	got := []string{stateAwaitingKey.String(), stateStreaming.String(), stateClosed.String()}
	require.Equal(t, "awaiting_key streaming closed", strings.Join(got, " "))
}

var _ iHistory = (*fakeEngine)(nil)
var _ types.HistoryCursor = (*fakeCursor)(nil)
