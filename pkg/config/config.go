// Package config defines the immutable configuration value consumed by the
// conversion engine. Loading configuration from files or flags is the job of
// an external collaborator; this package only defines the value, its defaults
// and its validation rules.
//
// The configuration is organized into logical sections:
//   - Chunking: chunk size bounding resident memory per open stream
//   - Compression: per-block algorithm and level for the target container
//   - Alignment: gap/drift thresholds for the timing validator
//   - Writer: flush thresholds bounding buffered data in the target writer
//   - Batch: parallelism and failure policy for multi-session runs
//
// Example usage:
//
//	cfg := config.Default()
//	cfg.Batch.Parallelism = 8
//	cfg.Compression.Algorithm = "lz4"
//
//	if err := cfg.Validate(); err != nil {
//	    log.Fatal(err)
//	}
package config

import (
	"runtime"

	"github.com/aopylab/nwbconv/pkg/errors"
)

// Config is the single configuration value passed into the batch orchestrator
// and each conversion pipeline. It is constructed once and never mutated
// after Validate; there is no global configuration state.
type Config struct {
	// ChunkSizeMB bounds the size of a single raw chunk read from a source
	// dataset. Resident memory is bounded by chunk size times the number of
	// concurrently open streams, independent of total session size.
	ChunkSizeMB int `yaml:"chunk_size_mb" json:"chunk_size_mb"`

	// Compression configures target container block compression
	Compression CompressionConfig `yaml:"compression" json:"compression"`

	// Alignment configures the timing consistency validator
	Alignment AlignmentConfig `yaml:"alignment" json:"alignment"`

	// Writer configures target writer flush behavior
	Writer WriterConfig `yaml:"writer" json:"writer"`

	// Batch configures multi-session orchestration
	Batch BatchConfig `yaml:"batch" json:"batch"`

	// MaxInvalidFraction is the tolerated fraction of invalidated samples per
	// stream. Above it the session escalates to a data error.
	MaxInvalidFraction float64 `yaml:"max_invalid_fraction" json:"max_invalid_fraction"`
}

// CompressionConfig selects the block compression applied by the target
// writer. The algorithm is a per-block parameter of the container format, so
// different sessions or even different blocks may legitimately differ.
type CompressionConfig struct {
	// Algorithm is one of: none, gzip, snappy, s2, lz4, zstd
	Algorithm string `yaml:"algorithm" json:"algorithm"`
	// Level is 1 (fastest) through 9 (best); 0 selects the default
	Level int `yaml:"level" json:"level"`
}

// AlignmentConfig holds thresholds for the cross-stream timing validator.
// All thresholds are in milliseconds on the session's nominal common clock.
type AlignmentConfig struct {
	// GapThresholdMS flags inter-sample intervals exceeding it as findings
	GapThresholdMS float64 `yaml:"gap_threshold_ms" json:"gap_threshold_ms"`
	// DriftThresholdMS flags end-time divergence from the reference stream
	DriftThresholdMS float64 `yaml:"drift_threshold_ms" json:"drift_threshold_ms"`
	// StrictFactor escalates a finding from WARNING to ERROR once the
	// measured gap or drift exceeds threshold * StrictFactor
	StrictFactor float64 `yaml:"strict_factor" json:"strict_factor"`
	// ReferenceStream names the stream drift is measured against; empty
	// selects the first stream in name order
	ReferenceStream string `yaml:"reference_stream" json:"reference_stream"`
}

// WriterConfig bounds the target writer's internal buffering. A flush is
// triggered by whichever threshold is crossed first.
type WriterConfig struct {
	// FlushBytes flushes a stream buffer once it holds this many raw bytes
	FlushBytes int `yaml:"flush_bytes" json:"flush_bytes"`
	// FlushSamples flushes a stream buffer once it holds this many samples
	FlushSamples int `yaml:"flush_samples" json:"flush_samples"`
}

// BatchConfig controls multi-session orchestration.
type BatchConfig struct {
	// Parallelism is the worker pool size; each worker owns one session
	// pipeline end-to-end
	Parallelism int `yaml:"parallelism" json:"parallelism"`
	// SkipErrors, when true, runs every session regardless of individual
	// failures; when false, the first failed session halts submission of
	// further sessions (in-flight sessions are allowed to complete)
	SkipErrors bool `yaml:"skip_errors" json:"skip_errors"`
}

// Default returns the engine defaults. Chunking and compression defaults
// follow the original conversion tooling: compression on, bounded chunks.
func Default() *Config {
	return &Config{
		ChunkSizeMB: 16,
		Compression: CompressionConfig{
			Algorithm: "zstd",
			Level:     0,
		},
		Alignment: AlignmentConfig{
			GapThresholdMS:   20,
			DriftThresholdMS: 50,
			StrictFactor:     5,
		},
		Writer: WriterConfig{
			FlushBytes:   4 << 20,
			FlushSamples: 100_000,
		},
		Batch: BatchConfig{
			Parallelism: runtime.NumCPU(),
			SkipErrors:  true,
		},
		MaxInvalidFraction: 0.05,
	}
}

// Validate checks the configuration for internal consistency. It must be
// called once before the value is handed to the orchestrator.
func (c *Config) Validate() error {
	if c.ChunkSizeMB <= 0 {
		return errors.Newf(errors.ErrorTypeConfig, "chunk_size_mb must be positive, got %d", c.ChunkSizeMB)
	}
	switch c.Compression.Algorithm {
	case "none", "gzip", "snappy", "s2", "lz4", "zstd":
	default:
		return errors.Newf(errors.ErrorTypeConfig, "unknown compression algorithm %q", c.Compression.Algorithm)
	}
	if c.Compression.Level < 0 || c.Compression.Level > 9 {
		return errors.Newf(errors.ErrorTypeConfig, "compression level must be 0-9, got %d", c.Compression.Level)
	}
	if c.Alignment.GapThresholdMS <= 0 {
		return errors.Newf(errors.ErrorTypeConfig, "gap_threshold_ms must be positive, got %v", c.Alignment.GapThresholdMS)
	}
	if c.Alignment.DriftThresholdMS <= 0 {
		return errors.Newf(errors.ErrorTypeConfig, "drift_threshold_ms must be positive, got %v", c.Alignment.DriftThresholdMS)
	}
	if c.Alignment.StrictFactor < 1 {
		return errors.Newf(errors.ErrorTypeConfig, "strict_factor must be >= 1, got %v", c.Alignment.StrictFactor)
	}
	if c.Writer.FlushBytes <= 0 || c.Writer.FlushSamples <= 0 {
		return errors.New(errors.ErrorTypeConfig, "writer flush thresholds must be positive")
	}
	if c.Batch.Parallelism <= 0 {
		return errors.Newf(errors.ErrorTypeConfig, "batch parallelism must be positive, got %d", c.Batch.Parallelism)
	}
	if c.MaxInvalidFraction < 0 || c.MaxInvalidFraction > 1 {
		return errors.Newf(errors.ErrorTypeConfig, "max_invalid_fraction must be in [0,1], got %v", c.MaxInvalidFraction)
	}
	return nil
}

// ChunkSizeBytes returns the configured chunk size in bytes.
func (c *Config) ChunkSizeBytes() int {
	return c.ChunkSizeMB << 20
}
