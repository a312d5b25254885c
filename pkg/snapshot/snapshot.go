package snapshot

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"lsmrepl/pkg/types"
)

// File is one file of a snapshot. Its content is only read on Open.
type File struct {
	Name string
	Size int64
	path string
}

func (f File) Open() (io.ReadCloser, error) {
	return os.Open(f.path)
}

// Snapshot is a point-in-time copy of a store kept in a temporary directory
// that it owns. Close removes the directory.
type Snapshot struct {
	dir string
	seq types.SequenceNumber

	once  sync.Once
	files []File
	err   error

	closeOnce sync.Once
}

func New(dir string, seq types.SequenceNumber) *Snapshot {
	return &Snapshot{dir: dir, seq: seq}
}

// Sequence returns the sequence number the snapshot was taken at.
func (s *Snapshot) Sequence() types.SequenceNumber {
	return s.seq
}

func (s *Snapshot) Dir() string {
	return s.dir
}

// Files lists the snapshot files ordered by name.
func (s *Snapshot) Files() ([]File, error) {
	s.once.Do(func() {
		entries, err := os.ReadDir(s.dir)
		if err != nil {
			s.err = fmt.Errorf("failed to list snapshot: %w", err)
			return
		}

		for _, e := range entries {
			if !e.Type().IsRegular() {
				continue
			}
			info, err := e.Info()
			if err != nil {
				s.err = fmt.Errorf("failed to stat snapshot file: %w", err)
				return
			}
			s.files = append(s.files, File{
				Name: e.Name(),
				Size: info.Size(),
				path: filepath.Join(s.dir, e.Name()),
			})
		}
		sort.Slice(s.files, func(i, j int) bool { return s.files[i].Name < s.files[j].Name })
	})

	return s.files, s.err
}

// Close deletes the backing directory. Opened files stay readable on
// systems that allow unlinking open files.
func (s *Snapshot) Close() error {
	var err error
	s.closeOnce.Do(func() {
		err = os.RemoveAll(s.dir)
	})
	return err
}
