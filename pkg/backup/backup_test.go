package backup

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"lsmrepl/pkg/types"
)

type dirCheckpointer map[string]string

func (d dirCheckpointer) Checkpoint(dir string) (types.SequenceNumber, error) {
	if err := os.MkdirAll(dir, 0750); err != nil {
		return 0, err
	}
	for name, content := range d {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0600); err != nil {
			return 0, err
		}
	}
	return types.SequenceNumber(len(d)), nil
}

func TestCreateAndRestoreLatest(t *testing.T) {
	e, err := Open(t.TempDir(), Options{})
	require.NoError(t, err)

	first, err := e.CreateBackup(dirCheckpointer{"MANIFEST": "one"})
	require.NoError(t, err)
	require.Equal(t, uint64(1), first.ID)

	second, err := e.CreateBackup(dirCheckpointer{"MANIFEST": "two", "table.dat": "data"})
	require.NoError(t, err)
	require.Equal(t, uint64(2), second.ID)
	require.Len(t, second.Files, 2)
	require.Equal(t, types.SequenceNumber(2), second.Sequence)

	backups, err := e.Backups()
	require.NoError(t, err)
	require.Len(t, backups, 2)

	into := filepath.Join(t.TempDir(), "restored")
	info, err := e.RestoreLatest(context.Background(), into)
	require.NoError(t, err)
	require.Equal(t, uint64(2), info.ID)

	content, err := os.ReadFile(filepath.Join(into, "MANIFEST"))
	require.NoError(t, err)
	require.Equal(t, "two", string(content))

	_, err = os.Stat(filepath.Join(into, metaFile))
	require.True(t, errors.Is(err, os.ErrNotExist), "backup metadata must not be restored")
}

func TestRestoreDetectsCorruption(t *testing.T) {
	dir := t.TempDir()
	e, err := Open(dir, Options{})
	require.NoError(t, err)

	info, err := e.CreateBackup(dirCheckpointer{"table.dat": "original"})
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(e.backupDir(info.ID), "table.dat"), []byte("tampered"), 0600))

	_, err = RestoreLatest(context.Background(), dir, t.TempDir(), Options{})
	require.ErrorIs(t, err, ErrChecksumMismatch)
}

func TestRestoreWithoutBackups(t *testing.T) {
	_, err := RestoreLatest(context.Background(), t.TempDir(), t.TempDir(), Options{})
	require.ErrorIs(t, err, ErrNoBackups)
}

func TestRestoreIsThrottled(t *testing.T) {
	e, err := Open(t.TempDir(), Options{RateLimit: 1 << 20})
	require.NoError(t, err)

	payload := make([]byte, chunkSize+chunkSize/2)
	_, err = e.CreateBackup(dirCheckpointer{"big.dat": string(payload)})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err = e.RestoreLatest(ctx, t.TempDir())
	require.Error(t, err)

	start := time.Now()
	_, err = e.RestoreLatest(context.Background(), t.TempDir())
	require.NoError(t, err)
	require.Less(t, time.Since(start), 5*time.Second)
}

func TestFailedCheckpointLeavesNoBackup(t *testing.T) {
	dir := t.TempDir()
	e, err := Open(dir, Options{})
	require.NoError(t, err)

	_, err = e.CreateBackup(failingCheckpointer{})
	require.Error(t, err)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Empty(t, entries)
}

type failingCheckpointer struct{}

func (failingCheckpointer) Checkpoint(dir string) (types.SequenceNumber, error) {
	_ = os.MkdirAll(dir, 0750)
	return 0, errors.New("disk full")
}
