package archive

import (
	"archive/tar"
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"lsmrepl/pkg/compression"
)

func TestWriteDirExtract(t *testing.T) {
	src := t.TempDir()
	files := map[string]string{
		"MANIFEST":         `{"sequence":3}`,
		"table-3.dat":      "table bytes",
		"nested/extra.txt": "extra",
	}
	for name, content := range files {
		path := filepath.Join(src, name)
		if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(path, []byte(content), 0600); err != nil {
			t.Fatal(err)
		}
	}

	var buf bytes.Buffer
	n, err := WriteDir(&buf, src)
	if err != nil {
		t.Fatalf("WriteDir failed: %v", err)
	}
	if n != int64(buf.Len()) {
		t.Fatalf("WriteDir reported %d bytes, wrote %d", n, buf.Len())
	}

	dst := filepath.Join(t.TempDir(), "out")
	if err := Extract(&buf, dst); err != nil {
		t.Fatalf("Extract failed: %v", err)
	}

	for name, content := range files {
		got, err := os.ReadFile(filepath.Join(dst, name))
		if err != nil {
			t.Fatalf("missing %s: %v", name, err)
		}
		if string(got) != content {
			t.Fatalf("%s = %q, want %q", name, got, content)
		}
	}
}

func TestExtractRejectsTraversal(t *testing.T) {
	var buf bytes.Buffer
	zw, err := compression.NewWriter(&buf)
	if err != nil {
		t.Fatal(err)
	}
	tw := tar.NewWriter(zw)
	body := []byte("evil")
	if err := tw.WriteHeader(&tar.Header{Name: "../evil", Mode: 0600, Size: int64(len(body)), Typeflag: tar.TypeReg}); err != nil {
		t.Fatal(err)
	}
	tw.Write(body)
	tw.Close()
	zw.Close()

	if err := Extract(&buf, t.TempDir()); err == nil {
		t.Fatal("expected traversal to be rejected")
	}
}
