package source

import (
	"io"
	"os"

	"github.com/aopylab/nwbconv/pkg/errors"
)

// Chunk is one bounded unit of raw data read from a dataset. Data is valid
// only until the next call to Next on the owning reader; consumers that need
// the bytes past that point must copy.
type Chunk struct {
	// Data holds Frames * FrameBytes raw bytes
	Data []byte
	// StartFrame is the absolute frame index of the first frame
	StartFrame int64
	// Frames is the number of whole frames in the chunk
	Frames int
}

// ChunkReader is a lazy, finite, restartable cursor over one dataset. Chunk
// size is fixed at open time and bounds memory use independent of dataset
// size. End of data surfaces as io.EOF, a terminal marker rather than an
// error condition.
type ChunkReader struct {
	f           *os.File
	section     *io.SectionReader
	info        DatasetInfo
	chunkFrames int64
	cursor      int64 // next frame to read
	buf         []byte
	closed      bool
}

func newChunkReader(path string, info DatasetInfo, chunkBytes int) (*ChunkReader, error) {
	if chunkBytes < info.FrameBytes {
		return nil, errors.Newf(errors.ErrorTypeConfig, "chunk size %d below frame size %d", chunkBytes, info.FrameBytes)
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeSourceUnavailable, "cannot acquire dataset handle")
	}

	chunkFrames := int64(chunkBytes / info.FrameBytes)
	return &ChunkReader{
		f:           f,
		section:     io.NewSectionReader(f, info.Offset, info.Length),
		info:        info,
		chunkFrames: chunkFrames,
		buf:         make([]byte, chunkFrames*int64(info.FrameBytes)),
	}, nil
}

// Info returns the dataset descriptor this reader iterates.
func (r *ChunkReader) Info() DatasetInfo {
	return r.info
}

// Frames returns the total number of frames in the dataset.
func (r *ChunkReader) Frames() int64 {
	return r.info.Frames()
}

// Next reads the next chunk. It returns io.EOF once the cursor has passed
// the final frame; any other error means the source became unreadable.
func (r *ChunkReader) Next() (*Chunk, error) {
	if r.closed {
		return nil, errors.New(errors.ErrorTypeInternal, "read on closed chunk reader")
	}
	total := r.info.Frames()
	if r.cursor >= total {
		return nil, io.EOF
	}

	frames := r.chunkFrames
	if remaining := total - r.cursor; remaining < frames {
		frames = remaining
	}
	n := frames * int64(r.info.FrameBytes)

	if _, err := r.section.ReadAt(r.buf[:n], r.cursor*int64(r.info.FrameBytes)); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeSourceUnavailable, "chunk read failed").
			WithDetail("dataset", r.info.Path).
			WithDetail("frame", r.cursor)
	}

	chunk := &Chunk{
		Data:       r.buf[:n],
		StartFrame: r.cursor,
		Frames:     int(frames),
	}
	r.cursor += frames
	return chunk, nil
}

// Seek positions the cursor at an absolute frame offset. Seeking past the
// end is allowed; the next read reports io.EOF.
func (r *ChunkReader) Seek(frame int64) error {
	if frame < 0 {
		return errors.Newf(errors.ErrorTypeInternal, "negative seek target %d", frame)
	}
	r.cursor = frame
	return nil
}

// Reset restarts iteration from the first frame.
func (r *ChunkReader) Reset() {
	r.cursor = 0
}

// Close releases the dataset handle. It is safe to call more than once.
func (r *ChunkReader) Close() error {
	if r.closed {
		return nil
	}
	r.closed = true
	return r.f.Close()
}
