package mapper

import (
	"encoding/binary"
	"math"

	"github.com/aopylab/nwbconv/pkg/model"
)

// eyeTrackingMapper converts gaze position data: little-endian float32 pixel
// coordinates mapped into degrees of visual angle. Calibration semantics:
// Offset is the screen-center pixel, Scale is degrees per pixel, so
// degrees = (pixel - Offset) * Scale. Blink dropouts arrive as NaN and are
// marked invalid.
type eyeTrackingMapper struct {
	stream string
	cal    model.Calibration
	unit   string
}

func newEyeTrackingMapper(desc model.StreamDescriptor) (*eyeTrackingMapper, error) {
	if err := requireRate(desc); err != nil {
		return nil, err
	}
	unit := desc.Calibration.Unit
	if unit == "" {
		unit = "degrees"
	}
	return &eyeTrackingMapper{stream: desc.Name, cal: desc.Calibration, unit: unit}, nil
}

func (m *eyeTrackingMapper) Modality() model.ModalityType { return model.EyeTracking }

func (m *eyeTrackingMapper) FrameBytes() int { return 4 }

func (m *eyeTrackingMapper) MapChunk(data []byte, startFrame int64) (*model.CanonicalRecord, MapStats, error) {
	n, err := checkAligned(data, m.FrameBytes(), m.stream)
	if err != nil {
		return nil, MapStats{}, err
	}

	rec := &model.CanonicalRecord{
		Stream:     m.stream,
		Modality:   model.EyeTracking,
		Unit:       m.unit,
		StartIndex: startFrame,
		Timestamps: make([]float64, n),
		Values:     make([]float64, n),
		Valid:      make([]bool, n),
	}

	stats := MapStats{Mapped: n}
	for i := 0; i < n; i++ {
		px := math.Float32frombits(binary.LittleEndian.Uint32(data[i*4:]))
		rec.Timestamps[i] = float64(startFrame+int64(i)) / m.cal.SampleRate
		if math.IsNaN(float64(px)) || math.IsInf(float64(px), 0) {
			stats.Invalidated++
			continue
		}
		rec.Values[i] = (float64(px) - m.cal.Offset) * m.cal.Scale
		rec.Valid[i] = true
	}
	return rec, stats, nil
}
