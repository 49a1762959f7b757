package target

import (
	"encoding/binary"
	"os"
	"sync"

	json "github.com/goccy/go-json"
	"go.uber.org/zap"

	"github.com/aopylab/nwbconv/pkg/compression"
	"github.com/aopylab/nwbconv/pkg/config"
	"github.com/aopylab/nwbconv/pkg/errors"
	"github.com/aopylab/nwbconv/pkg/model"
)

// Writer incrementally builds one target container. Canonical record windows
// are buffered per stream up to the configured flush thresholds, then written
// as one compressed block; raw acquisition chunks are written straight
// through since the chunk size already bounds them.
//
// The container stays flagged pending until Finalize succeeds. Abort closes
// the resources and deliberately leaves the pending flag set so downstream
// tools refuse the partial container.
type Writer struct {
	mu sync.Mutex

	f       *os.File
	catalog *os.File
	comp    compression.Compressor
	logger  *zap.Logger

	flushBytes   int
	flushSamples int

	offset       int64
	bytesWritten int64
	pending      map[string]*pendingStream

	finalized bool
	closed    bool
}

type pendingStream struct {
	rec      *model.CanonicalRecord
	rawBytes int
}

// syncFile is indirect so tests can exercise durability failure paths.
var syncFile = func(f *os.File) error { return f.Sync() }

// CatalogPath returns the catalog sidecar path for a container path.
func CatalogPath(containerPath string) string {
	return containerPath + ".catalog"
}

// NewWriter creates the container and its catalog sidecar, writing the
// pending header. The caller must end the writer's life with exactly one of
// Finalize or Abort.
func NewWriter(path string, comp config.CompressionConfig, flush config.WriterConfig, logger *zap.Logger) (*Writer, error) {
	alg, err := compression.ParseAlgorithm(comp.Algorithm)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConfig, "invalid target compression")
	}
	compressor, err := compression.New(alg, compression.Level(comp.Level))
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConfig, "cannot build compressor")
	}

	f, err := os.Create(path)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeWriteFailure, "cannot create target container")
	}

	header := make([]byte, headerSize)
	copy(header, targetMagic)
	header[len(targetMagic)] = flagPending
	if _, err := f.Write(header); err != nil {
		f.Close()
		return nil, errors.Wrap(err, errors.ErrorTypeWriteFailure, "cannot write container header")
	}

	catalog, err := os.Create(CatalogPath(path))
	if err != nil {
		f.Close()
		return nil, errors.Wrap(err, errors.ErrorTypeWriteFailure, "cannot create container catalog")
	}

	return &Writer{
		f:            f,
		catalog:      catalog,
		comp:         compressor,
		logger:       logger,
		flushBytes:   flush.FlushBytes,
		flushSamples: flush.FlushSamples,
		offset:       headerSize,
		pending:      make(map[string]*pendingStream),
	}, nil
}

// AppendRaw mirrors one raw source chunk into the acquisition section.
func (w *Writer) AppendRaw(stream string, modality model.ModalityType, data []byte, startFrame int64, frames int) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.usable(); err != nil {
		return err
	}
	return w.writeBlock(BlockHeader{
		Section:    SectionAcquisition,
		Stream:     stream,
		Modality:   modality,
		StartIndex: startFrame,
		Samples:    frames,
	}, data)
}

// AppendRecord buffers one canonical record window into the processing
// section, flushing the stream's buffer once either threshold is crossed.
func (w *Writer) AppendRecord(rec *model.CanonicalRecord) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.usable(); err != nil {
		return err
	}

	ps, ok := w.pending[rec.Stream]
	if !ok {
		ps = &pendingStream{rec: &model.CanonicalRecord{
			Stream:     rec.Stream,
			Modality:   rec.Modality,
			Unit:       rec.Unit,
			StartIndex: rec.StartIndex,
		}}
		w.pending[rec.Stream] = ps
	}

	ps.rec.Timestamps = append(ps.rec.Timestamps, rec.Timestamps...)
	ps.rec.Values = append(ps.rec.Values, rec.Values...)
	ps.rec.Valid = append(ps.rec.Valid, rec.Valid...)
	ps.rawBytes += rec.Len() * 17

	if ps.rawBytes >= w.flushBytes || ps.rec.Len() >= w.flushSamples {
		return w.flushStream(rec.Stream, ps)
	}
	return nil
}

// Flush writes out every buffered stream.
func (w *Writer) Flush() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.usable(); err != nil {
		return err
	}
	return w.flushAll()
}

// Finalize flushes all buffers, writes the session metadata block, flips the
// completeness flag and closes the container. Only after Finalize returns nil
// is the container valid for downstream use.
func (w *Writer) Finalize(meta SessionMetadata) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.usable(); err != nil {
		return err
	}

	if err := w.flushAll(); err != nil {
		return err
	}

	payload, err := json.Marshal(meta)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeWriteFailure, "cannot encode session metadata")
	}
	if err := w.writeBlock(BlockHeader{Section: SectionGeneral}, payload); err != nil {
		return err
	}

	if err := syncFile(w.f); err != nil {
		return errors.Wrap(err, errors.ErrorTypeWriteFailure, "cannot sync container")
	}
	// data is durable; only now flip the completeness flag
	if _, err := w.f.WriteAt([]byte{flagFinalized}, int64(len(targetMagic))); err != nil {
		return errors.Wrap(err, errors.ErrorTypeWriteFailure, "cannot mark container complete")
	}
	if err := syncFile(w.f); err != nil {
		// the flag write may already be durable; put the pending flag back
		// so a failed Finalize can never leave a readable-complete container
		w.f.WriteAt([]byte{flagPending}, int64(len(targetMagic)))
		w.f.Sync()
		return errors.Wrap(err, errors.ErrorTypeWriteFailure, "cannot sync container flag")
	}

	w.finalized = true
	w.closeLocked()
	w.logger.Info("target container finalized",
		zap.String("path", w.f.Name()),
		zap.Int64("bytes_written", w.bytesWritten))
	return nil
}

// Abort closes the container leaving its pending flag set. It is safe to
// call on any exit path, including after a failed Finalize.
func (w *Writer) Abort() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return
	}
	w.closeLocked()
	w.logger.Warn("target container left incomplete", zap.String("path", w.f.Name()))
}

// BytesWritten returns the number of compressed payload bytes written so far.
func (w *Writer) BytesWritten() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.bytesWritten
}

func (w *Writer) usable() error {
	if w.closed {
		return errors.New(errors.ErrorTypeWriteFailure, "write on closed container")
	}
	return nil
}

func (w *Writer) closeLocked() {
	w.closed = true
	w.catalog.Close()
	w.f.Close()
}

func (w *Writer) flushAll() error {
	// deterministic flush order is not required, but every stream must drain
	for name, ps := range w.pending {
		if ps.rec.Len() == 0 {
			continue
		}
		if err := w.flushStream(name, ps); err != nil {
			return err
		}
	}
	return nil
}

// flushStream writes the stream's buffered window as one block and resets
// the buffer. Caller holds w.mu.
func (w *Writer) flushStream(name string, ps *pendingStream) error {
	rec := ps.rec
	if rec.Len() == 0 {
		return nil
	}
	err := w.writeBlock(BlockHeader{
		Section:    SectionProcessing,
		Stream:     rec.Stream,
		Modality:   rec.Modality,
		Unit:       rec.Unit,
		StartIndex: rec.StartIndex,
		Samples:    rec.Len(),
	}, encodeRecord(rec))
	if err != nil {
		return err
	}
	// reset, keeping identity; next window starts where this one ended
	w.pending[name] = &pendingStream{rec: &model.CanonicalRecord{
		Stream:     rec.Stream,
		Modality:   rec.Modality,
		Unit:       rec.Unit,
		StartIndex: rec.StartIndex + int64(rec.Len()),
	}}
	return nil
}

// writeBlock compresses and appends one block, then records it in the
// catalog. Caller holds w.mu.
func (w *Writer) writeBlock(h BlockHeader, payload []byte) error {
	compressed, err := w.comp.Compress(payload)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeWriteFailure, "block compression failed")
	}
	h.Algorithm = w.comp.Algorithm()
	h.RawLen = len(payload)
	h.CompressedLen = len(compressed)

	headerJSON, err := json.Marshal(h)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeWriteFailure, "cannot encode block header")
	}

	blockOffset := w.offset
	var lenBuf [4]byte
	binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(headerJSON)))

	for _, part := range [][]byte{lenBuf[:], headerJSON, compressed} {
		n, err := w.f.Write(part)
		if err != nil {
			return errors.Wrap(err, errors.ErrorTypeWriteFailure, "block write failed").
				WithDetail("offset", w.offset)
		}
		w.offset += int64(n)
	}
	w.bytesWritten += int64(len(compressed))

	entry, err := json.Marshal(CatalogEntry{Offset: blockOffset, BlockHeader: h})
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeWriteFailure, "cannot encode catalog entry")
	}
	entry = append(entry, '\n')
	if _, err := w.catalog.Write(entry); err != nil {
		return errors.Wrap(err, errors.ErrorTypeWriteFailure, "catalog write failed")
	}
	return nil
}
