// Package testutil builds synthetic sessions for engine tests: raw dataset
// payloads in each modality's wire encoding and source containers wrapping
// them.
package testutil

import (
	"encoding/binary"
	"math"
	"path/filepath"
	"testing"

	"github.com/aopylab/nwbconv/pkg/model"
	"github.com/aopylab/nwbconv/pkg/source"
)

// EphysData encodes n little-endian int16 ADC codes.
func EphysData(n int, code func(i int) int16) []byte {
	out := make([]byte, n*2)
	for i := 0; i < n; i++ {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(code(i)))
	}
	return out
}

// Float32Data encodes n little-endian float32 samples (kinematics and eye
// tracking share this layout).
func Float32Data(n int, value func(i int) float32) []byte {
	out := make([]byte, n*4)
	for i := 0; i < n; i++ {
		binary.LittleEndian.PutUint32(out[i*4:], math.Float32bits(value(i)))
	}
	return out
}

// EventData encodes behavioral events as (timestamp, code) float64 pairs.
func EventData(events [][2]float64) []byte {
	out := make([]byte, len(events)*16)
	for i, ev := range events {
		binary.LittleEndian.PutUint64(out[i*16:], math.Float64bits(ev[0]))
		binary.LittleEndian.PutUint64(out[i*16+8:], math.Float64bits(ev[1]))
	}
	return out
}

// StreamFixture pairs a stream descriptor with its raw dataset payload.
type StreamFixture struct {
	Desc       model.StreamDescriptor
	FrameBytes int
	Data       []byte
}

// EphysStream builds a fixture for a regular electrophysiology stream.
func EphysStream(name string, rate, scale float64, data []byte) StreamFixture {
	return StreamFixture{
		Desc: model.StreamDescriptor{
			Name:     name,
			Modality: model.Electrophysiology,
			Dataset:  "acquisition/" + name,
			Calibration: model.Calibration{
				SampleRate: rate,
				Scale:      scale,
				Unit:       "volts",
			},
		},
		FrameBytes: 2,
		Data:       data,
	}
}

// BehavioralStream builds a fixture for an event stream.
func BehavioralStream(name string, data []byte) StreamFixture {
	return StreamFixture{
		Desc: model.StreamDescriptor{
			Name:     name,
			Modality: model.Behavioral,
			Dataset:  "events/" + name,
			Calibration: model.Calibration{Unit: "code"},
		},
		FrameBytes: 16,
		Data:       data,
	}
}

// WriteSession stages a source container in dir and returns the session
// descriptor pointing at it, with the target path set next to it.
func WriteSession(t testing.TB, dir string, id model.SessionID, fixtures []StreamFixture) model.Session {
	t.Helper()

	srcPath := filepath.Join(dir, id.Subject+"_"+id.Date+".aodc")
	specs := make([]source.DatasetSpec, 0, len(fixtures))
	streams := make([]model.StreamDescriptor, 0, len(fixtures))
	for _, fx := range fixtures {
		specs = append(specs, source.DatasetSpec{
			Path:       fx.Desc.Dataset,
			FrameBytes: fx.FrameBytes,
			Data:       fx.Data,
		})
		streams = append(streams, fx.Desc)
	}
	if err := source.WriteContainer(srcPath, specs); err != nil {
		t.Fatalf("write source container: %v", err)
	}

	return model.Session{
		ID:         id,
		SourcePath: srcPath,
		TargetPath: filepath.Join(dir, id.Subject+"_"+id.Date+".nwbc"),
		Streams:    streams,
	}
}
