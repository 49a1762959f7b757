package model

import (
	"time"

	"github.com/google/uuid"
)

// Severity classifies an alignment finding.
type Severity string

const (
	// SeverityWarning findings are recorded; conversion proceeds
	SeverityWarning Severity = "WARNING"
	// SeverityError findings abort the session's pipeline
	SeverityError Severity = "ERROR"
)

// FindingKind names the timing property a finding is about.
type FindingKind string

const (
	// FindingGap is an inter-sample interval above the gap threshold
	FindingGap FindingKind = "gap"
	// FindingDrift is end-time divergence from the reference stream
	FindingDrift FindingKind = "drift"
	// FindingRate is effective-rate disagreement with the declared rate
	FindingRate FindingKind = "rate"
	// FindingMonotonicity is a decreasing timestamp
	FindingMonotonicity FindingKind = "monotonicity"
	// FindingInvalidRate is an invalid-sample fraction above the ceiling
	FindingInvalidRate FindingKind = "invalid_rate"
)

// Finding is one structured timing observation about a stream.
type Finding struct {
	Stream        string      `json:"stream"`
	Kind          FindingKind `json:"kind"`
	Severity      Severity    `json:"severity"`
	IntervalStart float64     `json:"interval_start"`
	IntervalEnd   float64     `json:"interval_end"`
	Description   string      `json:"description"`
}

// AlignmentReport is the ordered collection of findings for one session,
// sorted by stream name then interval start for reproducible output.
type AlignmentReport struct {
	Findings []Finding `json:"findings"`
}

// HasErrors reports whether any finding is ERROR severity.
func (r *AlignmentReport) HasErrors() bool {
	for _, f := range r.Findings {
		if f.Severity == SeverityError {
			return true
		}
	}
	return false
}

// HasWarnings reports whether any finding is WARNING severity.
func (r *AlignmentReport) HasWarnings() bool {
	for _, f := range r.Findings {
		if f.Severity == SeverityWarning {
			return true
		}
	}
	return false
}

// Status is the terminal outcome of one session conversion.
type Status string

const (
	// StatusSuccess means a finalized container with a clean report
	StatusSuccess Status = "SUCCESS"
	// StatusWarning means a finalized container with WARNING findings
	StatusWarning Status = "WARNING"
	// StatusFailed means the pipeline aborted; the container is incomplete
	StatusFailed Status = "FAILED"
)

// ConversionResult is the immutable per-session outcome recorded when the
// pipeline reaches a terminal state.
type ConversionResult struct {
	Session        SessionID       `json:"session"`
	Status         Status          `json:"status"`
	BytesProcessed int64           `json:"bytes_processed"`
	SamplesMapped  int64           `json:"samples_mapped"`
	SamplesInvalid int64           `json:"samples_invalid"`
	WallTime       time.Duration   `json:"wall_time"`
	Alignment      AlignmentReport `json:"alignment"`
	// Err carries the failure detail for FAILED results
	Err string `json:"error,omitempty"`
}

// BatchReport aggregates the ordered conversion results of one batch run.
// It is built incrementally under a single-writer discipline and finalized
// after the last session completes or is skipped.
type BatchReport struct {
	// RunID uniquely identifies the batch invocation
	RunID string `json:"run_id"`
	// Results is ordered to match the submitted session order
	Results []ConversionResult `json:"results"`

	Succeeded int `json:"succeeded"`
	Warned    int `json:"warned"`
	Failed    int `json:"failed"`
	Skipped   int `json:"skipped"`

	TotalBytes int64         `json:"total_bytes"`
	WallTime   time.Duration `json:"wall_time"`
}

// NewBatchReport creates an empty report with a fresh run id.
func NewBatchReport() *BatchReport {
	return &BatchReport{RunID: uuid.NewString()}
}

// Add appends one result and updates the aggregate counters. Callers must
// serialize Add; the orchestrator holds its aggregation lock around it.
func (b *BatchReport) Add(res ConversionResult) {
	b.Results = append(b.Results, res)
	switch res.Status {
	case StatusSuccess:
		b.Succeeded++
	case StatusWarning:
		b.Warned++
	case StatusFailed:
		b.Failed++
	}
	b.TotalBytes += res.BytesProcessed
}
