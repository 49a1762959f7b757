package mapper

import (
	"encoding/binary"
	"math"

	"github.com/aopylab/nwbconv/pkg/model"
)

// kinematicsMapper converts marker/limb position data: little-endian float32
// sensor readings scaled into meters. Tracking dropouts arrive as NaN or Inf
// and are marked invalid.
type kinematicsMapper struct {
	stream string
	cal    model.Calibration
	unit   string
}

func newKinematicsMapper(desc model.StreamDescriptor) (*kinematicsMapper, error) {
	if err := requireRate(desc); err != nil {
		return nil, err
	}
	unit := desc.Calibration.Unit
	if unit == "" {
		unit = "meters"
	}
	return &kinematicsMapper{stream: desc.Name, cal: desc.Calibration, unit: unit}, nil
}

func (m *kinematicsMapper) Modality() model.ModalityType { return model.Kinematics }

func (m *kinematicsMapper) FrameBytes() int { return 4 }

func (m *kinematicsMapper) MapChunk(data []byte, startFrame int64) (*model.CanonicalRecord, MapStats, error) {
	n, err := checkAligned(data, m.FrameBytes(), m.stream)
	if err != nil {
		return nil, MapStats{}, err
	}

	rec := &model.CanonicalRecord{
		Stream:     m.stream,
		Modality:   model.Kinematics,
		Unit:       m.unit,
		StartIndex: startFrame,
		Timestamps: make([]float64, n),
		Values:     make([]float64, n),
		Valid:      make([]bool, n),
	}

	stats := MapStats{Mapped: n}
	for i := 0; i < n; i++ {
		raw := math.Float32frombits(binary.LittleEndian.Uint32(data[i*4:]))
		rec.Timestamps[i] = float64(startFrame+int64(i)) / m.cal.SampleRate
		if math.IsNaN(float64(raw)) || math.IsInf(float64(raw), 0) {
			stats.Invalidated++
			continue
		}
		rec.Values[i] = float64(raw)*m.cal.Scale + m.cal.Offset
		rec.Valid[i] = true
	}
	return rec, stats, nil
}
