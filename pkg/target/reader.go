package target

import (
	"bufio"
	"encoding/binary"
	"io"
	"os"

	json "github.com/goccy/go-json"

	"github.com/aopylab/nwbconv/pkg/compression"
	"github.com/aopylab/nwbconv/pkg/errors"
	"github.com/aopylab/nwbconv/pkg/model"
)

// Reader opens a target container for inspection and round-trip reads. It
// reports whether the container was finalized; pending containers can still
// be enumerated so tooling can tell how much data made it to storage.
type Reader struct {
	f        *os.File
	complete bool
	entries  []CatalogEntry
}

// OpenContainer opens a container and its catalog.
func OpenContainer(path string) (*Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeSourceUnavailable, "cannot open target container")
	}

	header := make([]byte, headerSize)
	if _, err := io.ReadFull(f, header); err != nil {
		f.Close()
		return nil, errors.Wrap(err, errors.ErrorTypeSourceUnavailable, "cannot read container header")
	}
	if string(header[:len(targetMagic)]) != targetMagic {
		f.Close()
		return nil, errors.Newf(errors.ErrorTypeSchemaMismatch, "bad container magic %q", header[:len(targetMagic)])
	}

	entries, err := readCatalog(CatalogPath(path))
	if err != nil {
		f.Close()
		return nil, err
	}

	return &Reader{
		f:        f,
		complete: header[len(targetMagic)] == flagFinalized,
		entries:  entries,
	}, nil
}

func readCatalog(path string) ([]CatalogEntry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeSourceUnavailable, "cannot open container catalog")
	}
	defer f.Close()

	var entries []CatalogEntry
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var e CatalogEntry
		if err := json.Unmarshal(line, &e); err != nil {
			// a torn final line means the process died mid-append; every
			// prior entry is still trustworthy
			break
		}
		entries = append(entries, e)
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeSourceUnavailable, "catalog read failed")
	}
	return entries, nil
}

// Complete reports whether the container was finalized.
func (r *Reader) Complete() bool {
	return r.complete
}

// Blocks returns the catalog entries in write order.
func (r *Reader) Blocks() []CatalogEntry {
	return r.entries
}

// StreamBlocks returns the catalog entries of one section and stream, in
// write order.
func (r *Reader) StreamBlocks(section Section, stream string) []CatalogEntry {
	var out []CatalogEntry
	for _, e := range r.entries {
		if e.Section == section && e.Stream == stream {
			out = append(out, e)
		}
	}
	return out
}

// ReadPayload returns the decompressed payload of one block.
func (r *Reader) ReadPayload(e CatalogEntry) ([]byte, error) {
	var lenBuf [4]byte
	if _, err := r.f.ReadAt(lenBuf[:], e.Offset); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeSourceUnavailable, "cannot read block header length")
	}
	headerLen := int64(binary.LittleEndian.Uint32(lenBuf[:]))

	compressed := make([]byte, e.CompressedLen)
	if _, err := r.f.ReadAt(compressed, e.Offset+4+headerLen); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeSourceUnavailable, "cannot read block payload")
	}

	comp, err := compression.New(e.Algorithm, compression.LevelDefault)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeSchemaMismatch, "unknown block algorithm")
	}
	payload, err := comp.Decompress(compressed)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeSchemaMismatch, "block decompression failed")
	}
	if len(payload) != e.RawLen {
		return nil, errors.Newf(errors.ErrorTypeSchemaMismatch,
			"block payload is %d bytes, catalog says %d", len(payload), e.RawLen)
	}
	return payload, nil
}

// ReadRecord decodes one processing-section block back into a canonical
// record window.
func (r *Reader) ReadRecord(e CatalogEntry) (*model.CanonicalRecord, error) {
	if e.Section != SectionProcessing {
		return nil, errors.Newf(errors.ErrorTypeSchemaMismatch, "block in section %q is not a record block", e.Section)
	}
	payload, err := r.ReadPayload(e)
	if err != nil {
		return nil, err
	}
	return decodeRecord(e.BlockHeader, payload)
}

// Metadata returns the session metadata written by Finalize. Pending
// containers have none.
func (r *Reader) Metadata() (*SessionMetadata, error) {
	for i := len(r.entries) - 1; i >= 0; i-- {
		if r.entries[i].Section != SectionGeneral {
			continue
		}
		payload, err := r.ReadPayload(r.entries[i])
		if err != nil {
			return nil, err
		}
		var meta SessionMetadata
		if err := json.Unmarshal(payload, &meta); err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeSchemaMismatch, "cannot decode session metadata")
		}
		return &meta, nil
	}
	return nil, errors.New(errors.ErrorTypeSchemaMismatch, "container has no metadata block")
}

// Close releases the container handle.
func (r *Reader) Close() error {
	return r.f.Close()
}
