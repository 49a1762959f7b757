// Package compression provides block compression for target container
// writing, with multiple algorithms and configurable levels. The algorithm
// is a per-block parameter of the container format: every compressed block
// records which algorithm produced it, so a reader never depends on global
// settings.
//
// Speed (fastest to slowest): LZ4 > Snappy/S2 > Zstd > Gzip
// Compression ratio (best to worst): Zstd > Gzip > Snappy/S2 > LZ4
package compression

import (
	"bytes"
	"compress/gzip"
	"fmt"
	"io"
	"sync"

	"github.com/klauspost/compress/s2"
	"github.com/klauspost/compress/snappy"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Algorithm identifies a block compression algorithm.
type Algorithm string

const (
	// None stores blocks uncompressed
	None Algorithm = "none"
	// Gzip is stdlib gzip
	Gzip Algorithm = "gzip"
	// Snappy is fast with moderate compression
	Snappy Algorithm = "snappy"
	// S2 is Snappy-compatible with better ratios
	S2 Algorithm = "s2"
	// LZ4 is the fastest option
	LZ4 Algorithm = "lz4"
	// Zstd has the best compression ratio at good speed
	Zstd Algorithm = "zstd"
)

// ParseAlgorithm converts a configuration string into an Algorithm.
func ParseAlgorithm(s string) (Algorithm, error) {
	switch Algorithm(s) {
	case None, Gzip, Snappy, S2, LZ4, Zstd:
		return Algorithm(s), nil
	}
	return "", fmt.Errorf("unsupported compression algorithm: %q", s)
}

// Level controls the speed/ratio trade-off. Zero selects the algorithm's
// default; 1 is fastest, 9 compresses hardest.
type Level int

const (
	// LevelDefault lets the algorithm pick
	LevelDefault Level = 0
	// LevelFastest prioritizes throughput
	LevelFastest Level = 1
	// LevelBest prioritizes ratio
	LevelBest Level = 9
)

// Compressor compresses and decompresses in-memory blocks. Implementations
// are safe for concurrent use.
type Compressor interface {
	// Compress returns the compressed form of data; data is not modified.
	Compress(data []byte) ([]byte, error)

	// Decompress returns the original bytes of a compressed block.
	Decompress(data []byte) ([]byte, error)

	// Algorithm returns the algorithm this compressor implements.
	Algorithm() Algorithm
}

// New creates a compressor for the given algorithm and level.
func New(alg Algorithm, level Level) (Compressor, error) {
	switch alg {
	case None:
		return noneCompressor{}, nil
	case Gzip:
		return newGzipCompressor(level), nil
	case Snappy:
		return snappyCompressor{}, nil
	case S2:
		return s2Compressor{level: level}, nil
	case LZ4:
		return newLZ4Compressor(level), nil
	case Zstd:
		return newZstdCompressor(level)
	default:
		return nil, fmt.Errorf("unsupported compression algorithm: %s", alg)
	}
}

type noneCompressor struct{}

func (noneCompressor) Compress(data []byte) ([]byte, error)   { return data, nil }
func (noneCompressor) Decompress(data []byte) ([]byte, error) { return data, nil }
func (noneCompressor) Algorithm() Algorithm                   { return None }

type gzipCompressor struct {
	writerPool sync.Pool
	readerPool sync.Pool
}

func newGzipCompressor(level Level) *gzipCompressor {
	gzLevel := gzip.DefaultCompression
	switch {
	case level == LevelDefault:
	case level <= 3:
		gzLevel = gzip.BestSpeed
	case level >= 7:
		gzLevel = gzip.BestCompression
	default:
		gzLevel = int(level)
	}

	gc := &gzipCompressor{}
	gc.writerPool.New = func() interface{} {
		w, _ := gzip.NewWriterLevel(nil, gzLevel)
		return w
	}
	gc.readerPool.New = func() interface{} {
		return new(gzip.Reader)
	}
	return gc
}

func (gc *gzipCompressor) Compress(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	w := gc.writerPool.Get().(*gzip.Writer)
	defer gc.writerPool.Put(w)

	w.Reset(&buf)
	if _, err := w.Write(data); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (gc *gzipCompressor) Decompress(data []byte) ([]byte, error) {
	r := gc.readerPool.Get().(*gzip.Reader)
	defer gc.readerPool.Put(r)

	if err := r.Reset(bytes.NewReader(data)); err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	if _, err := io.Copy(&buf, r); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (gc *gzipCompressor) Algorithm() Algorithm { return Gzip }

type snappyCompressor struct{}

func (snappyCompressor) Compress(data []byte) ([]byte, error) {
	return snappy.Encode(nil, data), nil
}

func (snappyCompressor) Decompress(data []byte) ([]byte, error) {
	return snappy.Decode(nil, data)
}

func (snappyCompressor) Algorithm() Algorithm { return Snappy }

type s2Compressor struct {
	level Level
}

func (c s2Compressor) Compress(data []byte) ([]byte, error) {
	if c.level >= 7 {
		return s2.EncodeBest(nil, data), nil
	}
	return s2.Encode(nil, data), nil
}

func (c s2Compressor) Decompress(data []byte) ([]byte, error) {
	return s2.Decode(nil, data)
}

func (c s2Compressor) Algorithm() Algorithm { return S2 }

type lz4Compressor struct {
	level lz4.CompressionLevel
}

func newLZ4Compressor(level Level) *lz4Compressor {
	lvl := lz4.Fast
	switch {
	case level >= 9:
		lvl = lz4.Level9
	case level >= 7:
		lvl = lz4.Level6
	case level >= 4:
		lvl = lz4.Level3
	}
	return &lz4Compressor{level: lvl}
}

func (c *lz4Compressor) Compress(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	w := lz4.NewWriter(&buf)
	if err := w.Apply(lz4.CompressionLevelOption(c.level)); err != nil {
		return nil, err
	}
	if _, err := w.Write(data); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (c *lz4Compressor) Decompress(data []byte) ([]byte, error) {
	r := lz4.NewReader(bytes.NewReader(data))
	var buf bytes.Buffer
	if _, err := io.Copy(&buf, r); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (c *lz4Compressor) Algorithm() Algorithm { return LZ4 }

type zstdCompressor struct {
	encoder *zstd.Encoder
	decoder *zstd.Decoder
}

func newZstdCompressor(level Level) (*zstdCompressor, error) {
	zLevel := zstd.SpeedDefault
	switch {
	case level == LevelDefault:
	case level <= 3:
		zLevel = zstd.SpeedFastest
	case level >= 7:
		zLevel = zstd.SpeedBestCompression
	default:
		zLevel = zstd.SpeedBetterCompression
	}

	encoder, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zLevel))
	if err != nil {
		return nil, err
	}
	decoder, err := zstd.NewReader(nil)
	if err != nil {
		return nil, err
	}
	return &zstdCompressor{encoder: encoder, decoder: decoder}, nil
}

func (c *zstdCompressor) Compress(data []byte) ([]byte, error) {
	return c.encoder.EncodeAll(data, nil), nil
}

func (c *zstdCompressor) Decompress(data []byte) ([]byte, error) {
	return c.decoder.DecodeAll(data, nil)
}

func (c *zstdCompressor) Algorithm() Algorithm { return Zstd }
