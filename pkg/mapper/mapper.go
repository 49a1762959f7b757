// Package mapper transforms raw dataset chunks into canonical, unit-resolved
// time-series records. One mapper variant exists per modality; the variant is
// selected once per stream from its declared type and applied to every chunk
// of that stream.
//
// Mapping is pure and deterministic: the same chunk with the same calibration
// always yields a bit-identical record. Malformed samples are marked invalid
// in place rather than aborting the stream, so sample counts always match the
// raw data.
package mapper

import (
	"github.com/aopylab/nwbconv/pkg/errors"
	"github.com/aopylab/nwbconv/pkg/model"
)

// MapStats reports the outcome of one chunk mapping. The pipeline feeds
// these into the session's conversion result and the metrics path.
type MapStats struct {
	// Mapped is the number of samples in the chunk
	Mapped int
	// Invalidated is how many of them were marked invalid
	Invalidated int
}

// Mapper converts raw chunks of one stream into canonical records.
// Implementations hold the stream's calibration and are stateless beyond it.
type Mapper interface {
	// Modality returns the variant's modality
	Modality() model.ModalityType

	// FrameBytes returns the raw size of one sample frame
	FrameBytes() int

	// MapChunk transforms one frame-aligned raw chunk into a canonical
	// record window. startFrame is the absolute index of the chunk's first
	// frame within the stream.
	MapChunk(data []byte, startFrame int64) (*model.CanonicalRecord, MapStats, error)
}

// ForStream selects and constructs the mapper variant for a stream from its
// declared modality type.
func ForStream(desc model.StreamDescriptor) (Mapper, error) {
	switch desc.Modality {
	case model.Electrophysiology:
		return newEphysMapper(desc)
	case model.Kinematics:
		return newKinematicsMapper(desc)
	case model.EyeTracking:
		return newEyeTrackingMapper(desc)
	case model.Behavioral:
		return newBehavioralMapper(desc)
	default:
		return nil, errors.Newf(errors.ErrorTypeSchemaMismatch, "unknown modality %q for stream %q", desc.Modality, desc.Name)
	}
}

// checkAligned validates that a chunk is a whole number of frames.
func checkAligned(data []byte, frameBytes int, stream string) (int, error) {
	if len(data)%frameBytes != 0 {
		return 0, errors.Newf(errors.ErrorTypeSchemaMismatch,
			"chunk of %d bytes not aligned to %d-byte frames", len(data), frameBytes).
			WithStream(stream)
	}
	return len(data) / frameBytes, nil
}

// requireRate validates the declared sample rate of a regularly-sampled
// stream at mapper construction time.
func requireRate(desc model.StreamDescriptor) error {
	if desc.Calibration.SampleRate <= 0 {
		return errors.Newf(errors.ErrorTypeSchemaMismatch,
			"stream %q declares no sample rate", desc.Name).WithStream(desc.Name)
	}
	return nil
}
