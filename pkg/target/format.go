// Package target writes and reads the engine's output containers. A target
// container holds three logical sections: a raw-acquisition mirror, the
// processed canonical series, and session-level descriptive metadata. Data
// is appended as independently compressed blocks; a JSON-lines catalog grows
// alongside the container so a reader can tell how much of it is
// structurally present even before finalize.
//
// Container layout:
//
//	[5]byte  magic "NWBC1"
//	[1]byte  completeness flag: 0 pending, 1 finalized
//	[2]byte  reserved
//	blocks   4-byte little-endian header length, JSON block header,
//	         compressed payload
//
// The completeness flag is written as pending at creation and flipped only
// by a successful Finalize. Downstream tools must refuse pending containers.
package target

import (
	"encoding/binary"
	"math"

	"github.com/aopylab/nwbconv/pkg/compression"
	"github.com/aopylab/nwbconv/pkg/errors"
	"github.com/aopylab/nwbconv/pkg/model"
)

const (
	targetMagic = "NWBC1"
	headerSize  = 8

	flagPending   = 0
	flagFinalized = 1
)

// Section names the logical region a block belongs to.
type Section string

const (
	// SectionAcquisition mirrors the raw source chunks
	SectionAcquisition Section = "acquisition"
	// SectionProcessing holds the mapped canonical series
	SectionProcessing Section = "processing"
	// SectionGeneral holds session-level descriptive metadata
	SectionGeneral Section = "general"
)

// BlockHeader describes one block. It is stored as JSON in front of the
// block payload and duplicated into the catalog with the block's offset.
type BlockHeader struct {
	Section       Section               `json:"section"`
	Stream        string                `json:"stream,omitempty"`
	Modality      model.ModalityType    `json:"modality,omitempty"`
	Unit          string                `json:"unit,omitempty"`
	StartIndex    int64                 `json:"start_index"`
	Samples       int                   `json:"samples"`
	Algorithm     compression.Algorithm `json:"algorithm"`
	RawLen        int                   `json:"raw_len"`
	CompressedLen int                   `json:"compressed_len"`
}

// CatalogEntry is one JSON line of the running catalog: a block header plus
// where the block starts in the container file.
type CatalogEntry struct {
	Offset int64 `json:"offset"`
	BlockHeader
}

// StreamSummary is the per-stream roll-up stored in the session metadata.
type StreamSummary struct {
	Name     string             `json:"name"`
	Modality model.ModalityType `json:"modality"`
	Unit     string             `json:"unit"`
	Samples  int64              `json:"samples"`
	Valid    int64              `json:"valid"`
}

// SessionMetadata is the top-level descriptive payload written by Finalize
// into the general section.
type SessionMetadata struct {
	Session   model.SessionID       `json:"session"`
	Streams   []StreamSummary       `json:"streams"`
	Alignment model.AlignmentReport `json:"alignment"`
}

// encodeRecord serializes a canonical record window: timestamps, then
// values, both little-endian float64, then one validity byte per sample.
// The layout is fixed so that re-encoding an unchanged record is
// bit-identical.
func encodeRecord(rec *model.CanonicalRecord) []byte {
	n := rec.Len()
	out := make([]byte, n*8+n*8+n)
	for i, ts := range rec.Timestamps {
		binary.LittleEndian.PutUint64(out[i*8:], math.Float64bits(ts))
	}
	off := n * 8
	for i, v := range rec.Values {
		binary.LittleEndian.PutUint64(out[off+i*8:], math.Float64bits(v))
	}
	off = n * 16
	for i, ok := range rec.Valid {
		if ok {
			out[off+i] = 1
		}
	}
	return out
}

// decodeRecord reverses encodeRecord using the block header's identity
// fields.
func decodeRecord(h BlockHeader, payload []byte) (*model.CanonicalRecord, error) {
	n := h.Samples
	if len(payload) != n*17 {
		return nil, errors.Newf(errors.ErrorTypeSchemaMismatch,
			"record block payload is %d bytes, want %d for %d samples", len(payload), n*17, n)
	}
	rec := &model.CanonicalRecord{
		Stream:     h.Stream,
		Modality:   h.Modality,
		Unit:       h.Unit,
		StartIndex: h.StartIndex,
		Timestamps: make([]float64, n),
		Values:     make([]float64, n),
		Valid:      make([]bool, n),
	}
	for i := 0; i < n; i++ {
		rec.Timestamps[i] = math.Float64frombits(binary.LittleEndian.Uint64(payload[i*8:]))
	}
	off := n * 8
	for i := 0; i < n; i++ {
		rec.Values[i] = math.Float64frombits(binary.LittleEndian.Uint64(payload[off+i*8:]))
	}
	off = n * 16
	for i := 0; i < n; i++ {
		rec.Valid[i] = payload[off+i] == 1
	}
	return rec, nil
}
