package model

// CanonicalRecord is a mapped, unit-resolved window of one modality stream:
// parallel slices of timestamps, values and validity flags produced from one
// raw chunk. Timestamps are seconds on the session's nominal common clock and
// are monotonic non-decreasing within a stream. Records are transient; they
// are consumed immediately by the validator and writer, never retained.
type CanonicalRecord struct {
	// Stream is the owning stream's name
	Stream string
	// Modality is the owning stream's declared modality
	Modality ModalityType
	// Unit is the physical unit of Values; never a raw scale
	Unit string
	// StartIndex is the absolute index of the first sample in the stream
	StartIndex int64
	// Timestamps holds one entry per sample, seconds, monotonic
	Timestamps []float64
	// Values holds the unit-converted sample values
	Values []float64
	// Valid marks samples that survived mapping; invalidated samples keep
	// their slot so counts stay aligned with the raw data
	Valid []bool
}

// Len returns the number of samples in the window.
func (r *CanonicalRecord) Len() int {
	return len(r.Values)
}

// ValidCount returns the number of samples not marked invalid.
func (r *CanonicalRecord) ValidCount() int {
	n := 0
	for _, v := range r.Valid {
		if v {
			n++
		}
	}
	return n
}
