package replication

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"lsmrepl/pkg/snapshot"
	"lsmrepl/pkg/types"
)

func TestConsumer_IngestFile(t *testing.T) {
	srcDir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(srcDir, "MANIFEST"), []byte("manifest"), 0600))

	files, err := snapshot.New(srcDir, 1).Files()
	require.NoError(t, err)

	dest := filepath.Join(t.TempDir(), "replica")
	c := NewConsumer(dest, nil, nil)
	require.NoError(t, c.IngestFile(files[0]))

	data, err := os.ReadFile(filepath.Join(dest, "MANIFEST"))
	require.NoError(t, err)
	require.Equal(t, "manifest", string(data))

	require.Error(t, c.IngestFile(snapshot.File{Name: "../escape"}))
}

func TestConsumer_IngestBatch(t *testing.T) {
	engine := newFakeEngine()
	c := NewConsumer(t.TempDir(), nil, nil)

	require.ErrorIs(t, c.IngestBatch(types.Update{SeqNum: 1, Data: []byte("a")}), ErrApplyFailed)

	c.SetEngine(engine)
	require.NoError(t, c.IngestBatch(types.Update{SeqNum: 1, Data: []byte("a")}))
	require.NoError(t, c.IngestBatch(types.Update{SeqNum: 2, Data: []byte("b")}))
	require.ErrorIs(t, c.IngestBatch(types.Update{SeqNum: 4, Data: []byte("d")}), ErrContinuityViolation)

	require.Equal(t, []string{"a", "b"}, engine.payloads())
}

func TestConsumer_ApplyWrapsEngineErrors(t *testing.T) {
	engine := newFakeEngine()
	engine.applyErr = errors.New("disk full")
	c := NewConsumer(t.TempDir(), engine, nil)

	err := c.Apply([]byte("x"))
	require.ErrorIs(t, err, ErrApplyFailed)
	require.ErrorContains(t, err, "disk full")
}
