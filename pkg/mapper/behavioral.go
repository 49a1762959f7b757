package mapper

import (
	"encoding/binary"
	"math"

	"github.com/aopylab/nwbconv/pkg/model"
)

// behavioralMapper converts discrete task events. Unlike the regularly
// sampled modalities, events carry explicit timestamps: each 16-byte frame
// is a little-endian float64 timestamp in seconds followed by a float64
// event code. A negative code or a non-finite timestamp marks the event
// invalid.
type behavioralMapper struct {
	stream string
	unit   string
}

func newBehavioralMapper(desc model.StreamDescriptor) (*behavioralMapper, error) {
	unit := desc.Calibration.Unit
	if unit == "" {
		unit = "code"
	}
	return &behavioralMapper{stream: desc.Name, unit: unit}, nil
}

func (m *behavioralMapper) Modality() model.ModalityType { return model.Behavioral }

func (m *behavioralMapper) FrameBytes() int { return 16 }

func (m *behavioralMapper) MapChunk(data []byte, startFrame int64) (*model.CanonicalRecord, MapStats, error) {
	n, err := checkAligned(data, m.FrameBytes(), m.stream)
	if err != nil {
		return nil, MapStats{}, err
	}

	rec := &model.CanonicalRecord{
		Stream:     m.stream,
		Modality:   model.Behavioral,
		Unit:       m.unit,
		StartIndex: startFrame,
		Timestamps: make([]float64, n),
		Values:     make([]float64, n),
		Valid:      make([]bool, n),
	}

	stats := MapStats{Mapped: n}
	for i := 0; i < n; i++ {
		ts := math.Float64frombits(binary.LittleEndian.Uint64(data[i*16:]))
		code := math.Float64frombits(binary.LittleEndian.Uint64(data[i*16+8:]))
		rec.Timestamps[i] = ts
		if math.IsNaN(ts) || math.IsInf(ts, 0) || code < 0 {
			// keep the slot so counts line up with the raw events
			if math.IsNaN(ts) || math.IsInf(ts, 0) {
				rec.Timestamps[i] = 0
			}
			stats.Invalidated++
			continue
		}
		rec.Values[i] = code
		rec.Valid[i] = true
	}
	return rec, stats, nil
}
