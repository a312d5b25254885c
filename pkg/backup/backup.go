package backup

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"lsmrepl/pkg/types"
)

const (
	metaFile  = "BACKUP.json"
	chunkSize = 256 << 10
	dirPrefix = "backup-"
	tmpPrefix = ".tmp-"
)

var (
	ErrNoBackups        = errors.New("no backups found")
	ErrChecksumMismatch = errors.New("backup checksum mismatch")
)

type iCheckpointer interface {
	Checkpoint(dir string) (types.SequenceNumber, error)
}

type Options struct {
	// RateLimit caps restore throughput in bytes per second. Zero means
	// unlimited.
	RateLimit int64
}

// FileInfo describes one file of a backup.
type FileInfo struct {
	Name   string `json:"name"`
	Size   int64  `json:"size"`
	SHA256 string `json:"sha256"`
}

// Info is the metadata stored next to the backup files.
type Info struct {
	ID        uint64               `json:"id"`
	Sequence  types.SequenceNumber `json:"sequence"`
	CreatedAt time.Time            `json:"created_at"`
	Files     []FileInfo           `json:"files"`
}

// Engine keeps numbered backups of a store under one directory:
// <dir>/backup-<id>/{files..., BACKUP.json}.
type Engine struct {
	mu   sync.Mutex
	dir  string
	opts Options
}

func Open(dir string, opts Options) (*Engine, error) {
	if err := os.MkdirAll(dir, 0750); err != nil {
		return nil, fmt.Errorf("failed to create backup directory: %w", err)
	}
	return &Engine{dir: dir, opts: opts}, nil
}

func (e *Engine) Dir() string {
	return e.dir
}

// CreateBackup checkpoints src into a new backup and records checksums of
// every file.
func (e *Engine) CreateBackup(src iCheckpointer) (Info, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	infos, err := e.list()
	if err != nil {
		return Info{}, err
	}

	info := Info{ID: 1, CreatedAt: time.Now().UTC()}
	if len(infos) > 0 {
		info.ID = infos[len(infos)-1].ID + 1
	}

	tmp := filepath.Join(e.dir, tmpPrefix+uuid.NewString())
	defer os.RemoveAll(tmp)

	if info.Sequence, err = src.Checkpoint(tmp); err != nil {
		return Info{}, fmt.Errorf("failed to checkpoint: %w", err)
	}

	if info.Files, err = describeFiles(tmp); err != nil {
		return Info{}, err
	}

	data, err := json.MarshalIndent(info, "", "  ")
	if err != nil {
		return Info{}, fmt.Errorf("failed to encode backup info: %w", err)
	}
	if err := os.WriteFile(filepath.Join(tmp, metaFile), data, 0600); err != nil {
		return Info{}, fmt.Errorf("failed to write backup info: %w", err)
	}

	if err := os.Rename(tmp, e.backupDir(info.ID)); err != nil {
		return Info{}, fmt.Errorf("failed to install backup: %w", err)
	}

	slog.Info("backup created", "dir", e.dir, "id", info.ID, "seq", info.Sequence, "files", len(info.Files))
	return info, nil
}

// Backups lists complete backups ordered by id.
func (e *Engine) Backups() ([]Info, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.list()
}

func (e *Engine) list() ([]Info, error) {
	entries, err := os.ReadDir(e.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to list backups: %w", err)
	}

	var infos []Info
	for _, entry := range entries {
		if !entry.IsDir() || !strings.HasPrefix(entry.Name(), dirPrefix) {
			continue
		}
		if _, err := strconv.ParseUint(strings.TrimPrefix(entry.Name(), dirPrefix), 10, 64); err != nil {
			continue
		}

		info, err := readInfo(filepath.Join(e.dir, entry.Name()))
		if err != nil {
			slog.Warn("skipping unreadable backup", "backup", entry.Name(), "error", err)
			continue
		}
		infos = append(infos, info)
	}

	sort.Slice(infos, func(i, j int) bool { return infos[i].ID < infos[j].ID })
	return infos, nil
}

// RestoreLatest copies the newest backup into dir after verifying it.
// dir must not hold another store.
func (e *Engine) RestoreLatest(ctx context.Context, into string) (Info, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	infos, err := e.list()
	if err != nil {
		return Info{}, err
	}
	if len(infos) == 0 {
		return Info{}, fmt.Errorf("%w in %s", ErrNoBackups, e.dir)
	}
	info := infos[len(infos)-1]

	if err := os.MkdirAll(into, 0750); err != nil {
		return Info{}, fmt.Errorf("failed to create restore directory: %w", err)
	}

	var limiter *rate.Limiter
	if e.opts.RateLimit > 0 {
		limiter = rate.NewLimiter(rate.Limit(e.opts.RateLimit), chunkSize)
	}

	src := e.backupDir(info.ID)
	for _, f := range info.Files {
		sum, err := copyThrottled(ctx, filepath.Join(src, f.Name), filepath.Join(into, f.Name), limiter)
		if err != nil {
			return Info{}, fmt.Errorf("failed to restore %s: %w", f.Name, err)
		}
		if sum != f.SHA256 {
			return Info{}, fmt.Errorf("%w: %s", ErrChecksumMismatch, f.Name)
		}
	}

	slog.Info("backup restored", "id", info.ID, "seq", info.Sequence, "into", into)
	return info, nil
}

// RestoreLatest restores the newest backup found under from into dir.
func RestoreLatest(ctx context.Context, from, into string, opts Options) (Info, error) {
	e, err := Open(from, opts)
	if err != nil {
		return Info{}, err
	}
	return e.RestoreLatest(ctx, into)
}

func (e *Engine) backupDir(id uint64) string {
	return filepath.Join(e.dir, dirPrefix+strconv.FormatUint(id, 10))
}

func readInfo(dir string) (Info, error) {
	data, err := os.ReadFile(filepath.Join(dir, metaFile))
	if err != nil {
		return Info{}, err
	}
	var info Info
	if err := json.Unmarshal(data, &info); err != nil {
		return Info{}, err
	}
	for _, f := range info.Files {
		if filepath.Base(f.Name) != f.Name {
			return Info{}, fmt.Errorf("bad file name %q", f.Name)
		}
	}
	return info, nil
}

func describeFiles(dir string) ([]FileInfo, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to list checkpoint: %w", err)
	}

	var files []FileInfo
	for _, entry := range entries {
		if !entry.Type().IsRegular() {
			continue
		}

		sum, size, err := hashFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			return nil, err
		}
		files = append(files, FileInfo{Name: entry.Name(), Size: size, SHA256: sum})
	}

	return files, nil
}

func hashFile(path string) (string, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", 0, fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer f.Close()

	hash := sha256.New()
	n, err := io.Copy(hash, f)
	if err != nil {
		return "", 0, fmt.Errorf("failed to hash %s: %w", path, err)
	}
	return hex.EncodeToString(hash.Sum(nil)), n, nil
}

// copyThrottled copies src to dst chunk by chunk, waiting on limiter before
// each write, and returns the sha256 of the copied bytes.
func copyThrottled(ctx context.Context, srcPath, dstPath string, limiter *rate.Limiter) (string, error) {
	src, err := os.Open(srcPath)
	if err != nil {
		return "", fmt.Errorf("open src: %w", err)
	}
	defer src.Close()

	dst, err := os.OpenFile(dstPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0600)
	if err != nil {
		return "", fmt.Errorf("open dst: %w", err)
	}
	defer dst.Close()

	hash := sha256.New()
	buf := make([]byte, chunkSize)
	for {
		n, rerr := src.Read(buf)
		if n > 0 {
			if limiter != nil {
				if err := limiter.WaitN(ctx, n); err != nil {
					return "", fmt.Errorf("rate limiter error: %w", err)
				}
			}
			if _, err := dst.Write(buf[:n]); err != nil {
				return "", fmt.Errorf("write dst: %w", err)
			}
			hash.Write(buf[:n])
		}
		if errors.Is(rerr, io.EOF) {
			break
		}
		if rerr != nil {
			return "", fmt.Errorf("read src: %w", rerr)
		}
	}

	if err := dst.Sync(); err != nil {
		return "", fmt.Errorf("sync dst: %w", err)
	}
	return hex.EncodeToString(hash.Sum(nil)), nil
}
