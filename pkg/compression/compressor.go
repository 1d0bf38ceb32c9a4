// Package compression wraps byte streams with the compression codecs used for
// Arrow IPC files written and read by the coalesce CLI.
//
// # Algorithm Selection
//
//   - LZ4: fastest, moderate ratio
//   - S2/Snappy: fast, moderate ratio
//   - Zstd: best ratio at good speed
//   - Gzip: widest compatibility
//
// # Basic Usage
//
//	w, err := compression.NewWriter(file, compression.Zstd, compression.Default)
//	if err != nil {
//	    return err
//	}
//	defer w.Close()
package compression

import (
	"fmt"
	"io"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/s2"
	"github.com/klauspost/compress/snappy"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Algorithm represents a compression algorithm.
type Algorithm string

const (
	// None leaves the stream untouched
	None Algorithm = "none"
	// Gzip represents gzip compression
	Gzip Algorithm = "gzip"
	// Snappy represents framed snappy compression
	Snappy Algorithm = "snappy"
	// LZ4 represents lz4 frame compression
	LZ4 Algorithm = "lz4"
	// Zstd represents zstandard compression
	Zstd Algorithm = "zstd"
	// S2 represents s2 compression (Snappy compatible)
	S2 Algorithm = "s2"
)

// Level represents compression level, trading speed for ratio.
type Level int

const (
	// Fastest prioritizes speed over compression ratio.
	Fastest Level = 1
	// Default balances speed and compression.
	Default Level = 5
	// Better improves compression at cost of speed.
	Better Level = 7
	// Best maximizes compression ratio.
	Best Level = 9
)

// Algorithms lists every supported algorithm.
func Algorithms() []Algorithm {
	return []Algorithm{None, Gzip, Snappy, LZ4, Zstd, S2}
}

// ParseAlgorithm converts a name such as "zstd" into an Algorithm. The empty
// string means None.
func ParseAlgorithm(name string) (Algorithm, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "" {
		return None, nil
	}
	for _, a := range Algorithms() {
		if string(a) == name {
			return a, nil
		}
	}
	return "", fmt.Errorf("unsupported compression algorithm %q", name)
}

// FileExtension returns the suffix conventionally appended to compressed files.
func (a Algorithm) FileExtension() string {
	switch a {
	case Gzip:
		return ".gz"
	case Snappy:
		return ".sz"
	case LZ4:
		return ".lz4"
	case Zstd:
		return ".zst"
	case S2:
		return ".s2"
	default:
		return ""
	}
}

// NewWriter returns a writer compressing into dst. Close flushes the codec
// but does not close dst.
func NewWriter(dst io.Writer, algo Algorithm, level Level) (io.WriteCloser, error) {
	switch algo {
	case None, "":
		return nopWriteCloser{dst}, nil
	case Gzip:
		w, err := gzip.NewWriterLevel(dst, mapGzipLevel(level))
		if err != nil {
			return nil, fmt.Errorf("failed to create gzip writer: %w", err)
		}
		return w, nil
	case Snappy:
		return snappy.NewBufferedWriter(dst), nil
	case S2:
		return s2.NewWriter(dst), nil
	case LZ4:
		w := lz4.NewWriter(dst)
		if err := w.Apply(lz4.CompressionLevelOption(mapLZ4Level(level))); err != nil {
			return nil, fmt.Errorf("failed to configure lz4 writer: %w", err)
		}
		return w, nil
	case Zstd:
		enc, err := zstd.NewWriter(dst, zstd.WithEncoderLevel(mapZstdLevel(level)))
		if err != nil {
			return nil, fmt.Errorf("failed to create zstd writer: %w", err)
		}
		return enc, nil
	default:
		return nil, fmt.Errorf("unsupported compression algorithm %q", algo)
	}
}

// NewReader returns a reader decompressing src. Close releases codec state
// but does not close src.
func NewReader(src io.Reader, algo Algorithm) (io.ReadCloser, error) {
	switch algo {
	case None, "":
		return io.NopCloser(src), nil
	case Gzip:
		r, err := gzip.NewReader(src)
		if err != nil {
			return nil, fmt.Errorf("failed to create gzip reader: %w", err)
		}
		return r, nil
	case Snappy:
		return io.NopCloser(snappy.NewReader(src)), nil
	case S2:
		return io.NopCloser(s2.NewReader(src)), nil
	case LZ4:
		return io.NopCloser(lz4.NewReader(src)), nil
	case Zstd:
		dec, err := zstd.NewReader(src)
		if err != nil {
			return nil, fmt.Errorf("failed to create zstd reader: %w", err)
		}
		return zstdReadCloser{dec}, nil
	default:
		return nil, fmt.Errorf("unsupported compression algorithm %q", algo)
	}
}

type nopWriteCloser struct{ io.Writer }

func (nopWriteCloser) Close() error { return nil }

// zstd.Decoder.Close returns nothing, so it does not satisfy io.Closer.
type zstdReadCloser struct{ *zstd.Decoder }

func (z zstdReadCloser) Close() error {
	z.Decoder.Close()
	return nil
}

func mapGzipLevel(level Level) int {
	switch level {
	case Fastest:
		return gzip.BestSpeed
	case Best:
		return gzip.BestCompression
	default:
		return gzip.DefaultCompression
	}
}

func mapLZ4Level(level Level) lz4.CompressionLevel {
	switch level {
	case Fastest:
		return lz4.Fast
	case Best:
		return lz4.Level9
	default:
		return lz4.Level5
	}
}

func mapZstdLevel(level Level) zstd.EncoderLevel {
	switch level {
	case Fastest:
		return zstd.SpeedFastest
	case Better:
		return zstd.SpeedBetterCompression
	case Best:
		return zstd.SpeedBestCompression
	default:
		return zstd.SpeedDefault
	}
}
