package batch

import (
	"errors"
	"fmt"

	"github.com/tchajed/marshal"

	"lsmrepl/pkg/types"
)

// Kind tags a single mutation inside a batch.
type Kind byte

const (
	KindPut Kind = iota + 1
	KindDelete
)

const intSize = 8

var (
	ErrCorrupted = errors.New("batch: corrupted encoding")
	ErrEmpty     = errors.New("batch: empty encoding")
)

// Op is one mutation of a batch.
type Op struct {
	Kind  Kind
	Key   types.Key
	Value types.Value
}

// WriteBatch groups multiple mutations atomically.
//
// Encoding: count | (kind byte | keyLen | key | [valLen | value])*, integers
// written with marshal.WriteInt.
type WriteBatch struct {
	ops  []Op
	size int
}

func New() *WriteBatch {
	return &WriteBatch{}
}

func (wb *WriteBatch) Put(key types.Key, value types.Value) {
	wb.ops = append(wb.ops, Op{
		Kind:  KindPut,
		Key:   append([]byte(nil), key...),
		Value: append([]byte(nil), value...),
	})
	wb.size += 1 + 2*intSize + len(key) + len(value)
}

func (wb *WriteBatch) Delete(key types.Key) {
	wb.ops = append(wb.ops, Op{
		Kind: KindDelete,
		Key:  append([]byte(nil), key...),
	})
	wb.size += 1 + intSize + len(key)
}

func (wb *WriteBatch) Clear() {
	wb.ops = wb.ops[:0]
	wb.size = 0
}

func (wb *WriteBatch) Count() int {
	return len(wb.ops)
}

// Ops returns the mutations in insertion order. The slice must not be modified.
func (wb *WriteBatch) Ops() []Op {
	return wb.ops
}

func (wb *WriteBatch) Bytes() []byte {
	enc := make([]byte, 0, intSize+wb.size)
	enc = marshal.WriteInt(enc, uint64(len(wb.ops)))
	for _, op := range wb.ops {
		enc = append(enc, byte(op.Kind))
		enc = marshal.WriteInt(enc, uint64(len(op.Key)))
		enc = marshal.WriteBytes(enc, op.Key)
		if op.Kind == KindPut {
			enc = marshal.WriteInt(enc, uint64(len(op.Value)))
			enc = marshal.WriteBytes(enc, op.Value)
		}
	}
	return enc
}

// Decode parses a batch produced by Bytes. The returned batch does not alias data.
func Decode(data []byte) (*WriteBatch, error) {
	if len(data) == 0 {
		return nil, ErrEmpty
	}

	dec := data
	count, dec, err := readInt(dec)
	if err != nil {
		return nil, err
	}
	// every op needs at least a kind byte and a key length
	if count > uint64(len(dec))/(1+intSize) {
		return nil, fmt.Errorf("%w: %d ops in %d bytes", ErrCorrupted, count, len(dec))
	}

	wb := &WriteBatch{ops: make([]Op, 0, count)}
	for i := uint64(0); i < count; i++ {
		if len(dec) < 1 {
			return nil, fmt.Errorf("%w: truncated op %d", ErrCorrupted, i)
		}
		kind := Kind(dec[0])
		dec = dec[1:]

		var key []byte
		key, dec, err = readBytes(dec)
		if err != nil {
			return nil, err
		}

		switch kind {
		case KindPut:
			var value []byte
			value, dec, err = readBytes(dec)
			if err != nil {
				return nil, err
			}
			wb.Put(key, value)
		case KindDelete:
			wb.Delete(key)
		default:
			return nil, fmt.Errorf("%w: unknown op kind %d", ErrCorrupted, kind)
		}
	}

	if len(dec) != 0 {
		return nil, fmt.Errorf("%w: %d trailing bytes", ErrCorrupted, len(dec))
	}

	return wb, nil
}

func readInt(dec []byte) (uint64, []byte, error) {
	if len(dec) < intSize {
		return 0, nil, fmt.Errorf("%w: truncated integer", ErrCorrupted)
	}
	v, rest := marshal.ReadInt(dec)
	return v, rest, nil
}

func readBytes(dec []byte) ([]byte, []byte, error) {
	n, dec, err := readInt(dec)
	if err != nil {
		return nil, nil, err
	}
	if n > uint64(len(dec)) {
		return nil, nil, fmt.Errorf("%w: field of %d bytes, %d left", ErrCorrupted, n, len(dec))
	}
	b, rest := marshal.ReadBytes(dec, n)
	return b, rest, nil
}
