// Package model defines the data model shared across the conversion engine:
// session descriptors, canonical time-series records, alignment findings and
// conversion outcomes.
package model

import "fmt"

// ModalityType identifies the category of a recorded signal. The concrete
// mapper variant is selected once per stream from this declared type, never
// inferred from the data.
type ModalityType string

const (
	// Electrophysiology is broadband neural voltage data
	Electrophysiology ModalityType = "electrophysiology"
	// Kinematics is limb/marker position data
	Kinematics ModalityType = "kinematics"
	// EyeTracking is gaze position data
	EyeTracking ModalityType = "eye_tracking"
	// Behavioral is discrete task event data
	Behavioral ModalityType = "behavioral"
)

// Valid reports whether t is one of the supported modalities.
func (t ModalityType) Valid() bool {
	switch t {
	case Electrophysiology, Kinematics, EyeTracking, Behavioral:
		return true
	}
	return false
}

// Calibration carries the per-stream metadata needed to map raw samples into
// physical units. It is supplied by the external locator alongside the
// dataset handle.
type Calibration struct {
	// SampleRate is the declared sampling rate in Hz. Zero for event
	// streams that carry explicit per-sample timestamps.
	SampleRate float64 `json:"sample_rate"`
	// Scale multiplies the raw value during unit conversion
	Scale float64 `json:"scale"`
	// Offset is added after scaling
	Offset float64 `json:"offset"`
	// Unit is the physical unit of the mapped values (e.g. "volts")
	Unit string `json:"unit"`
}

// StreamDescriptor names one modality dataset within a session's source
// container and carries its calibration. The descriptor is what the external
// locator hands the engine; the raw handle only exists while reading.
type StreamDescriptor struct {
	// Name is the stream's identity in reports and target output
	Name string `json:"name"`
	// Modality selects the mapper variant
	Modality ModalityType `json:"modality"`
	// Dataset is the dataset path inside the source container
	Dataset string `json:"dataset"`
	// Calibration holds unit conversion metadata
	Calibration Calibration `json:"calibration"`
}

// SessionID identifies one recording instance.
type SessionID struct {
	Subject string `json:"subject"`
	Date    string `json:"date"`
	Index   int    `json:"index"`
}

// String renders the id in subject/date/index form.
func (id SessionID) String() string {
	return fmt.Sprintf("%s/%s/%02d", id.Subject, id.Date, id.Index)
}

// Session describes one recording instance to convert: its identity, the
// path to its source container, the destination path of its target container
// and the modality streams to convert. A session is owned exclusively by one
// conversion pipeline for that pipeline's lifetime.
type Session struct {
	ID         SessionID          `json:"id"`
	SourcePath string             `json:"source_path"`
	TargetPath string             `json:"target_path"`
	Streams    []StreamDescriptor `json:"streams"`
}
