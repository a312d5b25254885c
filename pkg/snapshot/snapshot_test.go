package snapshot

import (
	"io"
	"os"
	"path/filepath"
	"testing"
)

func TestSnapshotFilesAndClose(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "snap")
	if err := os.MkdirAll(filepath.Join(dir, "wal"), 0750); err != nil {
		t.Fatal(err)
	}
	os.WriteFile(filepath.Join(dir, "b.dat"), []byte("bbbb"), 0600)
	os.WriteFile(filepath.Join(dir, "MANIFEST"), []byte("m"), 0600)

	snap := New(dir, 7)
	if snap.Sequence() != 7 {
		t.Fatalf("Sequence() = %d", snap.Sequence())
	}

	files, err := snap.Files()
	if err != nil {
		t.Fatalf("Files failed: %v", err)
	}
	if len(files) != 2 || files[0].Name != "MANIFEST" || files[1].Name != "b.dat" {
		t.Fatalf("unexpected files: %+v", files)
	}
	if files[1].Size != 4 {
		t.Fatalf("size = %d, want 4", files[1].Size)
	}

	rc, err := files[1].Open()
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	data, _ := io.ReadAll(rc)
	rc.Close()
	if string(data) != "bbbb" {
		t.Fatalf("content = %q", data)
	}

	if err := snap.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if _, err := os.Stat(dir); !os.IsNotExist(err) {
		t.Fatalf("snapshot directory still exists: %v", err)
	}
	if err := snap.Close(); err != nil {
		t.Fatalf("second Close failed: %v", err)
	}
}
