// Package source provides lazy, chunked access to session source containers.
// A source container is an opaque keyed byte file: named datasets addressed
// by path, each a flat sequence of fixed-size frames, with a JSON index at
// the tail. The engine never interprets source files beyond this shape;
// format-specific parsing belongs to upstream tooling.
//
// Container layout:
//
//	[5]byte  magic "AODC1"
//	...      raw dataset payloads, back to back
//	[]byte   JSON index (path -> offset/length/frame size)
//	[8]byte  index offset, little endian
//	[4]byte  index length, little endian
package source

import (
	"encoding/binary"
	"io"
	"os"
	"sort"

	json "github.com/goccy/go-json"

	"github.com/aopylab/nwbconv/pkg/errors"
)

const containerMagic = "AODC1"

// footer is index offset (8 bytes) plus index length (4 bytes)
const footerSize = 12

// DatasetInfo describes one named dataset inside a container.
type DatasetInfo struct {
	// Path is the dataset's address inside the container
	Path string `json:"path"`
	// Offset is the payload start relative to the file start
	Offset int64 `json:"offset"`
	// Length is the payload size in bytes
	Length int64 `json:"length"`
	// FrameBytes is the size of one sample frame; chunk boundaries are
	// always frame-aligned
	FrameBytes int `json:"frame_bytes"`
}

// Frames returns the number of whole frames in the dataset.
func (d DatasetInfo) Frames() int64 {
	if d.FrameBytes <= 0 {
		return 0
	}
	return d.Length / int64(d.FrameBytes)
}

// Container is an open source container. It validates the file's structure
// once at open time; per-dataset read handles are acquired separately so
// concurrent stream readers never share a file cursor.
type Container struct {
	path  string
	index map[string]DatasetInfo
}

// Open opens and validates a source container. A missing or truncated file
// yields a SourceUnavailable error; a present file with unexpected structure
// yields SchemaMismatch.
func Open(path string) (*Container, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeSourceUnavailable, "cannot open source container")
	}
	defer f.Close()

	st, err := f.Stat()
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeSourceUnavailable, "cannot stat source container")
	}
	if st.Size() < int64(len(containerMagic)+footerSize) {
		return nil, errors.Newf(errors.ErrorTypeSourceUnavailable, "source container truncated: %d bytes", st.Size())
	}

	magic := make([]byte, len(containerMagic))
	if _, err := io.ReadFull(f, magic); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeSourceUnavailable, "cannot read container header")
	}
	if string(magic) != containerMagic {
		return nil, errors.Newf(errors.ErrorTypeSchemaMismatch, "bad container magic %q", magic)
	}

	footer := make([]byte, footerSize)
	if _, err := f.ReadAt(footer, st.Size()-footerSize); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeSourceUnavailable, "cannot read container footer")
	}
	idxOffset := int64(binary.LittleEndian.Uint64(footer[0:8]))
	idxLen := int64(binary.LittleEndian.Uint32(footer[8:12]))
	if idxOffset < int64(len(containerMagic)) || idxOffset+idxLen > st.Size()-footerSize {
		return nil, errors.Newf(errors.ErrorTypeSchemaMismatch, "container index out of bounds: offset=%d len=%d size=%d", idxOffset, idxLen, st.Size())
	}

	raw := make([]byte, idxLen)
	if _, err := f.ReadAt(raw, idxOffset); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeSourceUnavailable, "cannot read container index")
	}

	var entries []DatasetInfo
	if err := json.Unmarshal(raw, &entries); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeSchemaMismatch, "cannot decode container index")
	}

	index := make(map[string]DatasetInfo, len(entries))
	for _, e := range entries {
		if e.FrameBytes <= 0 {
			return nil, errors.Newf(errors.ErrorTypeSchemaMismatch, "dataset %q has invalid frame size %d", e.Path, e.FrameBytes)
		}
		if e.Offset < int64(len(containerMagic)) || e.Offset+e.Length > idxOffset {
			return nil, errors.Newf(errors.ErrorTypeSchemaMismatch, "dataset %q extends outside payload region", e.Path)
		}
		index[e.Path] = e
	}

	return &Container{path: path, index: index}, nil
}

// Datasets returns the dataset paths in the container, sorted.
func (c *Container) Datasets() []string {
	paths := make([]string, 0, len(c.index))
	for p := range c.index {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths
}

// Info returns the descriptor for a dataset path.
func (c *Container) Info(path string) (DatasetInfo, bool) {
	info, ok := c.index[path]
	return info, ok
}

// OpenDataset acquires a chunked read handle over one dataset. Each call
// opens its own file handle so concurrent readers stay independent; the
// caller must Close the reader on every exit path.
func (c *Container) OpenDataset(path string, chunkBytes int) (*ChunkReader, error) {
	info, ok := c.index[path]
	if !ok {
		return nil, errors.Newf(errors.ErrorTypeSchemaMismatch, "dataset %q not present in container", path)
	}
	return newChunkReader(c.path, info, chunkBytes)
}

// DatasetSpec describes one dataset to place into a new container.
type DatasetSpec struct {
	Path       string
	FrameBytes int
	Data       []byte
}

// WriteContainer builds a source container at path from the given datasets.
// It exists for tests and for upstream acquisition tooling that stages data
// into the engine's input shape.
func WriteContainer(path string, datasets []DatasetSpec) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	if _, err := f.WriteString(containerMagic); err != nil {
		return err
	}

	offset := int64(len(containerMagic))
	entries := make([]DatasetInfo, 0, len(datasets))
	for _, d := range datasets {
		if _, err := f.Write(d.Data); err != nil {
			return err
		}
		entries = append(entries, DatasetInfo{
			Path:       d.Path,
			Offset:     offset,
			Length:     int64(len(d.Data)),
			FrameBytes: d.FrameBytes,
		})
		offset += int64(len(d.Data))
	}

	raw, err := json.Marshal(entries)
	if err != nil {
		return err
	}
	if _, err := f.Write(raw); err != nil {
		return err
	}

	footer := make([]byte, footerSize)
	binary.LittleEndian.PutUint64(footer[0:8], uint64(offset))
	binary.LittleEndian.PutUint32(footer[8:12], uint32(len(raw)))
	if _, err := f.Write(footer); err != nil {
		return err
	}
	return f.Sync()
}
