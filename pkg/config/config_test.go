package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aopylab/nwbconv/pkg/errors"
)

func TestDefaultValidates(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, 16<<20, cfg.ChunkSizeBytes())
	assert.Equal(t, "zstd", cfg.Compression.Algorithm)
	assert.True(t, cfg.Batch.SkipErrors)
}

func TestValidateRejectsBadValues(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero chunk size", func(c *Config) { c.ChunkSizeMB = 0 }},
		{"unknown algorithm", func(c *Config) { c.Compression.Algorithm = "brotli" }},
		{"level out of range", func(c *Config) { c.Compression.Level = 12 }},
		{"zero gap threshold", func(c *Config) { c.Alignment.GapThresholdMS = 0 }},
		{"negative drift threshold", func(c *Config) { c.Alignment.DriftThresholdMS = -1 }},
		{"strict factor below one", func(c *Config) { c.Alignment.StrictFactor = 0.5 }},
		{"zero flush bytes", func(c *Config) { c.Writer.FlushBytes = 0 }},
		{"zero flush samples", func(c *Config) { c.Writer.FlushSamples = 0 }},
		{"zero parallelism", func(c *Config) { c.Batch.Parallelism = 0 }},
		{"invalid fraction above one", func(c *Config) { c.MaxInvalidFraction = 1.5 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.True(t, errors.IsType(err, errors.ErrorTypeConfig))
		})
	}
}
