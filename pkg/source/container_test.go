package source

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aopylab/nwbconv/pkg/errors"
)

func writeTestContainer(t *testing.T, datasets []DatasetSpec) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "session.aodc")
	require.NoError(t, WriteContainer(path, datasets))
	return path
}

func TestOpenAndEnumerate(t *testing.T) {
	path := writeTestContainer(t, []DatasetSpec{
		{Path: "acquisition/lfp", FrameBytes: 2, Data: make([]byte, 200)},
		{Path: "events/trials", FrameBytes: 16, Data: make([]byte, 160)},
	})

	c, err := Open(path)
	require.NoError(t, err)

	assert.Equal(t, []string{"acquisition/lfp", "events/trials"}, c.Datasets())

	info, ok := c.Info("acquisition/lfp")
	require.True(t, ok)
	assert.Equal(t, int64(100), info.Frames())
}

func TestChunkIteration(t *testing.T) {
	data := make([]byte, 100)
	for i := range data {
		data[i] = byte(i)
	}
	path := writeTestContainer(t, []DatasetSpec{
		{Path: "d", FrameBytes: 4, Data: data},
	})

	c, err := Open(path)
	require.NoError(t, err)

	// chunk of 40 bytes = 10 frames; 25 frames total -> 10, 10, 5
	r, err := c.OpenDataset("d", 40)
	require.NoError(t, err)
	defer r.Close()

	var got []byte
	var frames []int64
	for {
		chunk, err := r.Next()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		got = append(got, chunk.Data...)
		frames = append(frames, chunk.StartFrame)
	}
	assert.Equal(t, data, got)
	assert.Equal(t, []int64{0, 10, 20}, frames)
}

func TestSeekAndReset(t *testing.T) {
	data := make([]byte, 64)
	for i := range data {
		data[i] = byte(i)
	}
	path := writeTestContainer(t, []DatasetSpec{{Path: "d", FrameBytes: 4, Data: data}})

	c, err := Open(path)
	require.NoError(t, err)
	r, err := c.OpenDataset("d", 16)
	require.NoError(t, err)
	defer r.Close()

	require.NoError(t, r.Seek(12))
	chunk, err := r.Next()
	require.NoError(t, err)
	assert.Equal(t, int64(12), chunk.StartFrame)
	assert.Equal(t, 4, chunk.Frames)
	assert.True(t, bytes.Equal(data[48:], chunk.Data))

	// past the end is terminal, not an error
	_, err = r.Next()
	assert.Equal(t, io.EOF, err)

	r.Reset()
	chunk, err = r.Next()
	require.NoError(t, err)
	assert.Equal(t, int64(0), chunk.StartFrame)
}

func TestRereadIsIdentical(t *testing.T) {
	data := make([]byte, 128)
	for i := range data {
		data[i] = byte(i * 3)
	}
	path := writeTestContainer(t, []DatasetSpec{{Path: "d", FrameBytes: 2, Data: data}})

	c, err := Open(path)
	require.NoError(t, err)
	r, err := c.OpenDataset("d", 32)
	require.NoError(t, err)
	defer r.Close()

	first, err := r.Next()
	require.NoError(t, err)
	snapshot := append([]byte(nil), first.Data...)

	require.NoError(t, r.Seek(0))
	again, err := r.Next()
	require.NoError(t, err)
	assert.Equal(t, snapshot, again.Data)
}

func TestMissingFileIsSourceUnavailable(t *testing.T) {
	_, err := Open(filepath.Join(t.TempDir(), "nope.aodc"))
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeSourceUnavailable))
}

func TestBadMagicIsSchemaMismatch(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.aodc")
	require.NoError(t, os.WriteFile(path, append([]byte("XXXXX"), make([]byte, 32)...), 0o644))

	_, err := Open(path)
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeSchemaMismatch))
}

func TestTruncatedFileIsSourceUnavailable(t *testing.T) {
	path := filepath.Join(t.TempDir(), "trunc.aodc")
	require.NoError(t, os.WriteFile(path, []byte("AOD"), 0o644))

	_, err := Open(path)
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeSourceUnavailable))
}

func TestUnknownDataset(t *testing.T) {
	path := writeTestContainer(t, []DatasetSpec{{Path: "d", FrameBytes: 2, Data: make([]byte, 8)}})
	c, err := Open(path)
	require.NoError(t, err)

	_, err = c.OpenDataset("missing", 64)
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeSchemaMismatch))
}

func TestChunkSmallerThanFrame(t *testing.T) {
	path := writeTestContainer(t, []DatasetSpec{{Path: "d", FrameBytes: 16, Data: make([]byte, 64)}})
	c, err := Open(path)
	require.NoError(t, err)

	_, err = c.OpenDataset("d", 8)
	require.Error(t, err)
}
