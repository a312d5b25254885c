package wal

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	"lsmrepl/pkg/types"
)

const (
	segmentExt = ".wal"
	headerSize = 16

	defaultSegmentBytes = 4 << 20
	maxRecordBytes      = 256 << 20
)

var (
	ErrClosed     = errors.New("wal: closed")
	ErrOutOfOrder = errors.New("wal: out of order append")
	ErrPurged     = errors.New("wal: record purged")
	ErrNotFound   = errors.New("wal: record not written yet")
	ErrCorrupted  = errors.New("wal: corrupted record")
)

// Record is one write batch as stored in the log.
type Record struct {
	SeqNum types.SequenceNumber
	Data   []byte
}

type Options struct {
	// SegmentBytes is the size after which the active segment is sealed.
	SegmentBytes int64
	// Sync fsyncs the segment after every append.
	Sync bool
}

type segment struct {
	first types.SequenceNumber
	last  types.SequenceNumber
	path  string
	file  *os.File
	size  int64
}

type position struct {
	seg    *segment
	offset int64
}

// WAL is a segmented, append-only log of write batches. Record i of the
// index has sequence number first+i; sequence numbers have no gaps.
type WAL struct {
	mu   sync.RWMutex
	dir  string
	opts Options

	segments []*segment
	index    []position
	first    types.SequenceNumber

	writer *bufio.Writer
	closed bool
}

// Open loads every segment in dir. floor is the sequence number already
// persisted elsewhere: an empty log starts at floor+1 and a log that ends
// before floor is discarded.
func Open(dir string, floor types.SequenceNumber, opts Options) (*WAL, error) {
	if dir == "" {
		return nil, fmt.Errorf("empty WAL dir")
	}
	if opts.SegmentBytes <= 0 {
		opts.SegmentBytes = defaultSegmentBytes
	}
	dir = filepath.Clean(dir)
	if err := os.MkdirAll(dir, 0750); err != nil {
		return nil, fmt.Errorf("failed to create WAL directory: %w", err)
	}

	w := &WAL{
		dir:   dir,
		opts:  opts,
		first: floor + 1,
	}

	if err := w.load(floor); err != nil {
		w.closeFiles()
		return nil, err
	}

	return w, nil
}

func (w *WAL) load(floor types.SequenceNumber) error {
	names, err := w.segmentNames()
	if err != nil {
		return err
	}

	for i, name := range names {
		seg, positions, err := w.scanSegment(name, i == len(names)-1)
		if err != nil {
			return err
		}
		if len(positions) == 0 {
			if err := seg.file.Close(); err != nil {
				return fmt.Errorf("failed to close empty segment: %w", err)
			}
			if err := os.Remove(seg.path); err != nil {
				return fmt.Errorf("failed to remove empty segment: %w", err)
			}
			continue
		}
		if len(w.index) > 0 && seg.first != w.last()+1 {
			return fmt.Errorf("%w: segment %s starts at %d, previous ends at %d",
				ErrCorrupted, name, seg.first, w.last())
		}
		if len(w.index) == 0 {
			w.first = seg.first
		}
		w.segments = append(w.segments, seg)
		w.index = append(w.index, positions...)
	}

	switch {
	case len(w.index) == 0:
		w.first = floor + 1
	case w.last() < floor:
		// everything here is already covered by the persisted state
		slog.Info("discarding obsolete WAL segments", "dir", w.dir, "last", w.last(), "floor", floor)
		if err := w.dropAll(); err != nil {
			return err
		}
		w.first = floor + 1
	case w.first > floor+1:
		return fmt.Errorf("%w: log starts at %d but persisted state ends at %d", ErrCorrupted, w.first, floor)
	}

	if seg := w.active(); seg != nil {
		w.writer = bufio.NewWriter(seg.file)
	}

	return nil
}

func (w *WAL) segmentNames() ([]string, error) {
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to list WAL directory: %w", err)
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), segmentExt) {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)

	return names, nil
}

// scanSegment reads every record of a segment. A torn record at the end of
// the last segment is truncated away.
func (w *WAL) scanSegment(name string, isLast bool) (*segment, []position, error) {
	first, err := strconv.ParseUint(strings.TrimSuffix(name, segmentExt), 10, 64)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: bad segment name %q", ErrCorrupted, name)
	}

	path := filepath.Join(w.dir, name)
	file, err := os.OpenFile(path, os.O_RDWR|os.O_APPEND, 0600)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open WAL segment: %w", err)
	}

	seg := &segment{first: types.SequenceNumber(first), path: path, file: file}
	reader := bufio.NewReader(file)

	var (
		positions []position
		offset    int64
		expect    = seg.first
	)
	for {
		rec, n, err := readRecord(reader)
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			if isLast && (errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, ErrCorrupted)) {
				slog.Warn("truncating torn WAL tail", "segment", path, "offset", offset, "error", err)
				if terr := file.Truncate(offset); terr != nil {
					_ = file.Close()
					return nil, nil, fmt.Errorf("failed to truncate WAL segment: %w", terr)
				}
				break
			}
			_ = file.Close()
			return nil, nil, fmt.Errorf("failed to read WAL segment %s: %w", name, err)
		}
		if rec.SeqNum != expect {
			_ = file.Close()
			return nil, nil, fmt.Errorf("%w: segment %s has %d where %d was expected",
				ErrCorrupted, name, rec.SeqNum, expect)
		}

		positions = append(positions, position{seg: seg, offset: offset})
		offset += n
		seg.last = rec.SeqNum
		expect++
	}
	seg.size = offset

	return seg, positions, nil
}

func (w *WAL) last() types.SequenceNumber {
	return w.first + types.SequenceNumber(len(w.index)) - 1
}

func (w *WAL) active() *segment {
	if len(w.segments) == 0 {
		return nil
	}
	return w.segments[len(w.segments)-1]
}

// Append writes rec to the active segment. rec.SeqNum must be Last()+1.
func (w *WAL) Append(rec Record) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return ErrClosed
	}
	if rec.SeqNum != w.last()+1 {
		return fmt.Errorf("%w: got %d, expected %d", ErrOutOfOrder, rec.SeqNum, w.last()+1)
	}
	if uint64(len(rec.Data)) > math.MaxUint32 {
		return fmt.Errorf("record too large: %d", len(rec.Data))
	}

	seg := w.active()
	if seg == nil || seg.size >= w.opts.SegmentBytes {
		var err error
		if seg, err = w.roll(rec.SeqNum); err != nil {
			return err
		}
	}

	if err := writeRecord(w.writer, rec); err != nil {
		return fmt.Errorf("failed to write WAL record: %w", err)
	}
	if err := w.writer.Flush(); err != nil {
		return fmt.Errorf("failed to flush WAL: %w", err)
	}
	if w.opts.Sync {
		if err := seg.file.Sync(); err != nil {
			return fmt.Errorf("failed to sync WAL: %w", err)
		}
	}

	if len(w.index) == 0 {
		w.first = rec.SeqNum
	}
	w.index = append(w.index, position{seg: seg, offset: seg.size})
	seg.size += int64(headerSize + len(rec.Data))
	seg.last = rec.SeqNum

	return nil
}

func (w *WAL) roll(first types.SequenceNumber) (*segment, error) {
	if cur := w.active(); cur != nil && w.opts.Sync {
		if err := cur.file.Sync(); err != nil {
			return nil, fmt.Errorf("failed to sync sealed segment: %w", err)
		}
	}

	path := filepath.Join(w.dir, fmt.Sprintf("%020d%s", first, segmentExt))
	file, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_APPEND|os.O_TRUNC, 0600)
	if err != nil {
		return nil, fmt.Errorf("failed to create WAL segment: %w", err)
	}

	seg := &segment{first: first, last: first - 1, path: path, file: file}
	w.segments = append(w.segments, seg)
	w.writer = bufio.NewWriter(file)

	return seg, nil
}

// Read returns the record with the given sequence number.
func (w *WAL) Read(seq types.SequenceNumber) (Record, error) {
	w.mu.RLock()
	defer w.mu.RUnlock()

	if w.closed {
		return Record{}, ErrClosed
	}
	if seq < w.first {
		return Record{}, fmt.Errorf("%w: %d < first retained %d", ErrPurged, seq, w.first)
	}
	if seq > w.last() {
		return Record{}, fmt.Errorf("%w: %d > last %d", ErrNotFound, seq, w.last())
	}

	pos := w.index[seq-w.first]
	rec, _, err := readRecord(io.NewSectionReader(pos.seg.file, pos.offset, pos.seg.size-pos.offset))
	if err != nil {
		return Record{}, fmt.Errorf("failed to read WAL record %d: %w", seq, err)
	}
	if rec.SeqNum != seq {
		return Record{}, fmt.Errorf("%w: index points %d at %d", ErrCorrupted, seq, rec.SeqNum)
	}

	return rec, nil
}

// Replay calls callback for every retained record with SeqNum >= start.
func (w *WAL) Replay(start types.SequenceNumber, callback func(Record) error) error {
	first, last := w.Bounds()
	if start < first {
		start = first
	}

	for seq := start; seq <= last; seq++ {
		rec, err := w.Read(seq)
		if err != nil {
			return err
		}
		if err := callback(rec); err != nil {
			return fmt.Errorf("WAL replay callback failed: %w", err)
		}
	}

	return nil
}

// Bounds returns the first retained and the last written sequence numbers.
// For an empty log last == first-1.
func (w *WAL) Bounds() (first, last types.SequenceNumber) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.first, w.last()
}

// Purge removes sealed segments whose records all precede before.
// The active segment is never removed.
func (w *WAL) Purge(before types.SequenceNumber) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return 0, ErrClosed
	}

	removed := 0
	for len(w.segments) > 1 && w.segments[0].last < before {
		seg := w.segments[0]
		count := int(seg.last - seg.first + 1)

		if err := seg.file.Close(); err != nil {
			return removed, fmt.Errorf("failed to close purged segment: %w", err)
		}
		if err := os.Remove(seg.path); err != nil {
			return removed, fmt.Errorf("failed to remove purged segment: %w", err)
		}

		w.segments = w.segments[1:]
		w.index = w.index[count:]
		w.first += types.SequenceNumber(count)
		removed++
	}

	return removed, nil
}

// Size is the total byte size of retained segments.
func (w *WAL) Size() int64 {
	w.mu.RLock()
	defer w.mu.RUnlock()

	var total int64
	for _, seg := range w.segments {
		total += seg.size
	}
	return total
}

func (w *WAL) dropAll() error {
	for _, seg := range w.segments {
		if err := seg.file.Close(); err != nil {
			return fmt.Errorf("failed to close WAL segment: %w", err)
		}
		if err := os.Remove(seg.path); err != nil {
			return fmt.Errorf("failed to remove WAL segment: %w", err)
		}
	}
	w.segments = nil
	w.index = nil
	w.writer = nil
	return nil
}

func (w *WAL) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return nil
	}
	w.closed = true

	if w.writer != nil {
		if err := w.writer.Flush(); err != nil {
			return fmt.Errorf("failed to flush WAL on close: %w", err)
		}
		w.writer = nil
	}

	return w.closeFiles()
}

func (w *WAL) closeFiles() error {
	var errs []error
	for _, seg := range w.segments {
		if err := seg.file.Close(); err != nil && !errors.Is(err, os.ErrClosed) {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("failed to close WAL file: %w", errors.Join(errs...))
	}
	return nil
}

// writeRecord writes seq (8) | len (4) | crc32 (4) | data.
func writeRecord(writer io.Writer, rec Record) error {
	var header [headerSize]byte
	binary.LittleEndian.PutUint64(header[0:8], uint64(rec.SeqNum))
	binary.LittleEndian.PutUint32(header[8:12], uint32(len(rec.Data)))
	binary.LittleEndian.PutUint32(header[12:16], crc32.ChecksumIEEE(rec.Data))

	if _, err := writer.Write(header[:]); err != nil {
		return err
	}
	if _, err := writer.Write(rec.Data); err != nil {
		return err
	}
	return nil
}

// readRecord reads a single record and reports how many bytes it used.
func readRecord(reader io.Reader) (Record, int64, error) {
	var header [headerSize]byte
	if _, err := io.ReadFull(reader, header[:]); err != nil {
		return Record{}, 0, err
	}

	rec := Record{SeqNum: types.SequenceNumber(binary.LittleEndian.Uint64(header[0:8]))}
	size := binary.LittleEndian.Uint32(header[8:12])
	sum := binary.LittleEndian.Uint32(header[12:16])

	if size > maxRecordBytes {
		return Record{}, 0, fmt.Errorf("%w: record length %d", ErrCorrupted, size)
	}

	rec.Data = make([]byte, size)
	if _, err := io.ReadFull(reader, rec.Data); err != nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return Record{}, 0, err
	}
	if crc32.ChecksumIEEE(rec.Data) != sum {
		return Record{}, 0, fmt.Errorf("%w: checksum mismatch at seq %d", ErrCorrupted, rec.SeqNum)
	}

	return rec, int64(headerSize) + int64(size), nil
}
