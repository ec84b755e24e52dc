package parcel

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
)

// Compression names a whole-stream compression format for row files such
// as JSON Lines. Parquet compresses pages internally and ignores it.
type Compression string

// Supported stream compressions.
const (
	CompressionNone Compression = ""
	CompressionGzip Compression = "gzip"
	CompressionZstd Compression = "zstd"
)

var (
	gzipMagic = []byte{0x1f, 0x8b}
	zstdMagic = []byte{0x28, 0xb5, 0x2f, 0xfd}
)

// ParseCompression returns the Compression with the given name. "none"
// and "" both mean no compression.
func ParseCompression(name string) (Compression, error) {
	switch c := Compression(strings.ToLower(name)); c {
	case CompressionNone, "none":
		return CompressionNone, nil
	case CompressionGzip, CompressionZstd:
		return c, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownCompression, name)
}

// CompressionForPath picks a compression from the file extension of p.
func CompressionForPath(p string) Compression {
	switch {
	case strings.HasSuffix(p, ".gz"):
		return CompressionGzip
	case strings.HasSuffix(p, ".zst"):
		return CompressionZstd
	}
	return CompressionNone
}

// String implements fmt.Stringer.
func (c Compression) String() string {
	if c == CompressionNone {
		return "none"
	}
	return string(c)
}

// Extension returns the conventional file suffix, "" for none.
func (c Compression) Extension() string {
	switch c {
	case CompressionGzip:
		return ".gz"
	case CompressionZstd:
		return ".zst"
	}
	return ""
}

// NewWriter wraps w so that bytes written are compressed. Close flushes
// the compressed stream but does not close w.
func (c Compression) NewWriter(w io.Writer) (io.WriteCloser, error) {
	switch c {
	case CompressionNone:
		return nopWriteCloser{w}, nil
	case CompressionGzip:
		return gzip.NewWriterLevel(w, gzip.DefaultCompression)
	case CompressionZstd:
		return zstd.NewWriter(w, zstd.WithEncoderLevel(zstd.SpeedDefault))
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownCompression, string(c))
}

// NewReader wraps r so that reads return decompressed bytes.
func (c Compression) NewReader(r io.Reader) (io.ReadCloser, error) {
	switch c {
	case CompressionNone:
		return io.NopCloser(r), nil
	case CompressionGzip:
		zr, err := gzip.NewReader(r)
		if err != nil {
			return nil, fmt.Errorf("%w: gzip: %w", ErrInvalidFormat, err)
		}
		return zr, nil
	case CompressionZstd:
		zr, err := zstd.NewReader(r)
		if err != nil {
			return nil, fmt.Errorf("%w: zstd: %w", ErrInvalidFormat, err)
		}
		return zr.IOReadCloser(), nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownCompression, string(c))
}

// Decompress sniffs the leading bytes of r and returns a reader over its
// decompressed content together with the detected compression. Streams
// without a known magic number pass through unchanged.
func Decompress(r io.Reader) (io.ReadCloser, Compression, error) {
	br := bufio.NewReader(r)
	head, err := br.Peek(len(zstdMagic))
	if err != nil && err != io.EOF && err != bufio.ErrBufferFull {
		return nil, "", err
	}

	c := CompressionNone
	switch {
	case bytes.HasPrefix(head, gzipMagic):
		c = CompressionGzip
	case bytes.HasPrefix(head, zstdMagic):
		c = CompressionZstd
	}
	rc, err := c.NewReader(br)
	if err != nil {
		return nil, "", err
	}
	return rc, c, nil
}

type nopWriteCloser struct {
	io.Writer
}

func (nopWriteCloser) Close() error { return nil }
