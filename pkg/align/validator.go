// Package align checks timing consistency across the modality streams of one
// session. All streams are assumed to share a nominal common clock; the
// validator watches each stream's canonical record windows as they flow
// through the pipeline and produces an ordered report of findings.
//
// Classification: a gap or drift above its configured threshold is a
// WARNING; above threshold times the strict factor, or any monotonicity
// violation, it is an ERROR and the owning pipeline must abort.
package align

import (
	"fmt"
	"sort"
	"sync"

	"github.com/aopylab/nwbconv/pkg/config"
	"github.com/aopylab/nwbconv/pkg/errors"
	"github.com/aopylab/nwbconv/pkg/model"
)

// Validator accumulates per-stream timing state from record windows and
// computes cross-stream drift once every stream has finished. It is safe for
// concurrent use; windows of the same stream must still arrive in source
// order, which the pipeline's per-stream workers guarantee.
type Validator struct {
	cfg                config.AlignmentConfig
	maxInvalidFraction float64

	mu      sync.Mutex
	streams map[string]*streamState
}

type streamState struct {
	name         string
	declaredRate float64

	haveFirst bool
	first     float64 // timestamp of first valid sample
	last      float64 // timestamp of last valid sample

	validCount   int64
	totalCount   int64
	invalidCount int64

	findings []model.Finding
}

// New creates a validator for one session.
func New(cfg config.AlignmentConfig, maxInvalidFraction float64) *Validator {
	return &Validator{
		cfg:                cfg,
		maxInvalidFraction: maxInvalidFraction,
		streams:            make(map[string]*streamState),
	}
}

// Track registers a stream before its first window so that streams whose
// data never arrives still appear in the report.
func (v *Validator) Track(name string, declaredRate float64) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if _, ok := v.streams[name]; !ok {
		v.streams[name] = &streamState{name: name, declaredRate: declaredRate}
	}
}

// Observe folds one record window into the stream's timing state. It returns
// an alignment error on a monotonicity violation or a gap beyond the strict
// threshold; the finding is recorded before the error is returned so it still
// appears in the final report.
func (v *Validator) Observe(rec *model.CanonicalRecord) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	st, ok := v.streams[rec.Stream]
	if !ok {
		st = &streamState{name: rec.Stream}
		v.streams[rec.Stream] = st
	}

	gapSec := v.cfg.GapThresholdMS / 1000
	strictSec := gapSec * v.cfg.StrictFactor

	for i := 0; i < rec.Len(); i++ {
		st.totalCount++
		if !rec.Valid[i] {
			st.invalidCount++
			continue
		}
		ts := rec.Timestamps[i]

		if !st.haveFirst {
			st.haveFirst = true
			st.first = ts
			st.last = ts
			st.validCount++
			continue
		}

		if ts < st.last {
			f := model.Finding{
				Stream:        st.name,
				Kind:          model.FindingMonotonicity,
				Severity:      model.SeverityError,
				IntervalStart: st.last,
				IntervalEnd:   ts,
				Description:   fmt.Sprintf("timestamp decreased from %.6fs to %.6fs", st.last, ts),
			}
			st.findings = append(st.findings, f)
			return errors.Newf(errors.ErrorTypeAlignment,
				"monotonicity violation at %.6fs", ts).WithStream(st.name)
		}

		if dt := ts - st.last; dt > gapSec {
			sev := model.SeverityWarning
			if dt > strictSec {
				sev = model.SeverityError
			}
			f := model.Finding{
				Stream:        st.name,
				Kind:          model.FindingGap,
				Severity:      sev,
				IntervalStart: st.last,
				IntervalEnd:   ts,
				Description:   fmt.Sprintf("gap of %.1fms exceeds %.1fms threshold", dt*1000, v.cfg.GapThresholdMS),
			}
			st.findings = append(st.findings, f)
			if sev == model.SeverityError {
				return errors.Newf(errors.ErrorTypeAlignment,
					"gap of %.1fms beyond strict threshold", dt*1000).WithStream(st.name)
			}
		}

		st.last = ts
		st.validCount++
	}
	return nil
}

// Finish computes end-of-session findings (rate consistency, cross-stream
// drift, invalid-sample fraction) and returns the ordered report. A non-nil
// error means an ERROR-severity finding was produced and the session must
// abort; the report is valid either way.
func (v *Validator) Finish() (model.AlignmentReport, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	driftSec := v.cfg.DriftThresholdMS / 1000
	strictDriftSec := driftSec * v.cfg.StrictFactor

	names := make([]string, 0, len(v.streams))
	for name := range v.streams {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		st := v.streams[name]

		// effective rate against declared rate
		if st.declaredRate > 0 && st.validCount > 1 {
			expected := float64(st.validCount-1) / st.declaredRate
			actual := st.last - st.first
			if diff := abs(actual - expected); diff > driftSec {
				sev := model.SeverityWarning
				if diff > strictDriftSec {
					sev = model.SeverityError
				}
				st.findings = append(st.findings, model.Finding{
					Stream:        st.name,
					Kind:          model.FindingRate,
					Severity:      sev,
					IntervalStart: st.first,
					IntervalEnd:   st.last,
					Description: fmt.Sprintf("span %.3fs deviates %.1fms from declared %.1fHz",
						actual, diff*1000, st.declaredRate),
				})
			}
		}

		// invalid-sample fraction
		if st.totalCount > 0 {
			frac := float64(st.invalidCount) / float64(st.totalCount)
			if frac > v.maxInvalidFraction {
				st.findings = append(st.findings, model.Finding{
					Stream:        st.name,
					Kind:          model.FindingInvalidRate,
					Severity:      model.SeverityError,
					IntervalStart: st.first,
					IntervalEnd:   st.last,
					Description: fmt.Sprintf("%.1f%% of samples invalid, ceiling %.1f%%",
						frac*100, v.maxInvalidFraction*100),
				})
			}
		}
	}

	// cross-stream drift against the reference stream's end time
	if ref := v.referenceStream(names); ref != nil && ref.haveFirst {
		for _, name := range names {
			st := v.streams[name]
			if st == ref || !st.haveFirst {
				continue
			}
			if drift := abs(st.last - ref.last); drift > driftSec {
				sev := model.SeverityWarning
				if drift > strictDriftSec {
					sev = model.SeverityError
				}
				st.findings = append(st.findings, model.Finding{
					Stream:        st.name,
					Kind:          model.FindingDrift,
					Severity:      sev,
					IntervalStart: min(st.last, ref.last),
					IntervalEnd:   max(st.last, ref.last),
					Description: fmt.Sprintf("end time drifts %.1fms from reference stream %q",
						drift*1000, ref.name),
				})
			}
		}
	}

	report := model.AlignmentReport{}
	for _, name := range names {
		st := v.streams[name]
		sort.SliceStable(st.findings, func(i, j int) bool {
			return st.findings[i].IntervalStart < st.findings[j].IntervalStart
		})
		report.Findings = append(report.Findings, st.findings...)
	}

	if report.HasErrors() {
		return report, errors.New(errors.ErrorTypeAlignment, "alignment errors detected")
	}
	return report, nil
}

// referenceStream picks the configured reference, falling back to the first
// stream in name order.
func (v *Validator) referenceStream(sortedNames []string) *streamState {
	if v.cfg.ReferenceStream != "" {
		if st, ok := v.streams[v.cfg.ReferenceStream]; ok {
			return st
		}
	}
	if len(sortedNames) == 0 {
		return nil
	}
	return v.streams[sortedNames[0]]
}

func abs(x float64) float64 {
	if x < 0 {
		return -x
	}
	return x
}

func min(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}

func max(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}
