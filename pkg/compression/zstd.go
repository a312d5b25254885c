package compression

import (
	"fmt"
	"io"

	"github.com/klauspost/compress/zstd"
)

// ContentType is the media type of a zstd stream.
const ContentType = "application/zstd"

type countingWriter struct {
	w io.Writer
	n int64
}

func (cw *countingWriter) Write(p []byte) (int, error) {
	n, err := cw.w.Write(p)
	cw.n += int64(n)
	return n, err
}

// Writer compresses into the wrapped writer and counts compressed bytes.
type Writer struct {
	enc *zstd.Encoder
	out *countingWriter
}

func NewWriter(w io.Writer) (*Writer, error) {
	out := &countingWriter{w: w}
	enc, err := zstd.NewWriter(out, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("failed to create zstd encoder: %w", err)
	}
	return &Writer{enc: enc, out: out}, nil
}

func (w *Writer) Write(p []byte) (int, error) {
	return w.enc.Write(p)
}

// Close flushes the final frame. It does not close the wrapped writer.
func (w *Writer) Close() error {
	return w.enc.Close()
}

// Written is the number of compressed bytes handed to the wrapped writer.
func (w *Writer) Written() int64 {
	return w.out.n
}

// Reader decompresses a zstd stream.
type Reader struct {
	dec *zstd.Decoder
}

func NewReader(r io.Reader) (*Reader, error) {
	dec, err := zstd.NewReader(r, zstd.WithDecoderConcurrency(1))
	if err != nil {
		return nil, fmt.Errorf("failed to create zstd decoder: %w", err)
	}
	return &Reader{dec: dec}, nil
}

func (r *Reader) Read(p []byte) (int, error) {
	return r.dec.Read(p)
}

func (r *Reader) Close() {
	r.dec.Close()
}
