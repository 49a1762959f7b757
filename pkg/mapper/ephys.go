package mapper

import (
	"encoding/binary"

	"github.com/aopylab/nwbconv/pkg/model"
)

// ephysSentinel is the acquisition system's marker for a dropped sample.
const ephysSentinel = -32768

// ephysMapper converts broadband electrophysiology data: little-endian int16
// ADC codes scaled into volts.
type ephysMapper struct {
	stream string
	cal    model.Calibration
	unit   string
}

func newEphysMapper(desc model.StreamDescriptor) (*ephysMapper, error) {
	if err := requireRate(desc); err != nil {
		return nil, err
	}
	unit := desc.Calibration.Unit
	if unit == "" {
		unit = "volts"
	}
	return &ephysMapper{stream: desc.Name, cal: desc.Calibration, unit: unit}, nil
}

func (m *ephysMapper) Modality() model.ModalityType { return model.Electrophysiology }

func (m *ephysMapper) FrameBytes() int { return 2 }

func (m *ephysMapper) MapChunk(data []byte, startFrame int64) (*model.CanonicalRecord, MapStats, error) {
	n, err := checkAligned(data, m.FrameBytes(), m.stream)
	if err != nil {
		return nil, MapStats{}, err
	}

	rec := &model.CanonicalRecord{
		Stream:     m.stream,
		Modality:   model.Electrophysiology,
		Unit:       m.unit,
		StartIndex: startFrame,
		Timestamps: make([]float64, n),
		Values:     make([]float64, n),
		Valid:      make([]bool, n),
	}

	stats := MapStats{Mapped: n}
	for i := 0; i < n; i++ {
		code := int16(binary.LittleEndian.Uint16(data[i*2:]))
		rec.Timestamps[i] = float64(startFrame+int64(i)) / m.cal.SampleRate
		if code == ephysSentinel {
			stats.Invalidated++
			continue
		}
		rec.Values[i] = float64(code)*m.cal.Scale + m.cal.Offset
		rec.Valid[i] = true
	}
	return rec, stats, nil
}
