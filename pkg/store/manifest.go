package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"lsmrepl/pkg/types"
)

const manifestFile = "MANIFEST"

// manifest names the table that holds the state up to Sequence.
// Batches after Sequence live only in the WAL.
type manifest struct {
	Sequence types.SequenceNumber `json:"sequence"`
	Table    string               `json:"table"`
}

func tableName(seq types.SequenceNumber) string {
	return fmt.Sprintf("table-%020d.dat", seq)
}

func loadManifest(dir string) (manifest, bool, error) {
	data, err := os.ReadFile(filepath.Join(dir, manifestFile))
	if errors.Is(err, os.ErrNotExist) {
		return manifest{}, false, nil
	}
	if err != nil {
		return manifest{}, false, fmt.Errorf("failed to read manifest: %w", err)
	}

	var md manifest
	if err := json.Unmarshal(data, &md); err != nil {
		return manifest{}, false, fmt.Errorf("failed to parse manifest: %w", err)
	}
	if md.Table == "" || filepath.Base(md.Table) != md.Table {
		return manifest{}, false, fmt.Errorf("manifest names bad table %q", md.Table)
	}

	return md, true, nil
}

// save replaces the manifest through a rename so readers never see a
// partial file.
func (md manifest) save(dir string) error {
	data, err := json.Marshal(md)
	if err != nil {
		return fmt.Errorf("failed to encode manifest: %w", err)
	}

	tmp := filepath.Join(dir, manifestFile+".tmp")
	if err := writeFileSync(tmp, data); err != nil {
		return fmt.Errorf("failed to write manifest: %w", err)
	}
	if err := os.Rename(tmp, filepath.Join(dir, manifestFile)); err != nil {
		return fmt.Errorf("failed to install manifest: %w", err)
	}

	return nil
}

func writeFileSync(path string, data []byte) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}
