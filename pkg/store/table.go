package store

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"os"

	"lsmrepl/pkg/batch"
	"lsmrepl/pkg/memtable"
)

// A table file is a crc32 (4 bytes, little endian) followed by one write
// batch that puts every live key.

func writeTable(path string, entries []memtable.Entry) error {
	wb := batch.New()
	for _, e := range entries {
		wb.Put(e.Key, e.Value)
	}

	body := wb.Bytes()
	data := make([]byte, 4, 4+len(body))
	binary.LittleEndian.PutUint32(data, crc32.ChecksumIEEE(body))
	data = append(data, body...)

	if err := writeFileSync(path, data); err != nil {
		return fmt.Errorf("failed to write table: %w", err)
	}
	return nil
}

func readTable(path string) (*batch.WriteBatch, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read table: %w", err)
	}
	if len(data) < 4 {
		return nil, fmt.Errorf("%w: %s is %d bytes", ErrCorruptedTable, path, len(data))
	}

	body := data[4:]
	if crc32.ChecksumIEEE(body) != binary.LittleEndian.Uint32(data[:4]) {
		return nil, fmt.Errorf("%w: checksum mismatch in %s", ErrCorruptedTable, path)
	}

	wb, err := batch.Decode(body)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCorruptedTable, err)
	}
	return wb, nil
}
