package align

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aopylab/nwbconv/pkg/config"
	"github.com/aopylab/nwbconv/pkg/errors"
	"github.com/aopylab/nwbconv/pkg/model"
)

func testAlignConfig() config.AlignmentConfig {
	return config.AlignmentConfig{
		GapThresholdMS:   20,
		DriftThresholdMS: 50,
		StrictFactor:     5,
	}
}

func record(stream string, timestamps []float64) *model.CanonicalRecord {
	n := len(timestamps)
	rec := &model.CanonicalRecord{
		Stream:     stream,
		Modality:   model.Electrophysiology,
		Unit:       "volts",
		Timestamps: timestamps,
		Values:     make([]float64, n),
		Valid:      make([]bool, n),
	}
	for i := range rec.Valid {
		rec.Valid[i] = true
	}
	return rec
}

// regular builds monotonic timestamps at the given rate.
func regular(start float64, rate float64, n int) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = start + float64(i)/rate
	}
	return out
}

func TestInjectedGapReportsOneWarning(t *testing.T) {
	v := New(testAlignConfig(), 1)
	v.Track("lfp", 1000)

	// 1kHz stream with a single 50ms gap; threshold 20ms, strict cutoff
	// 100ms, so exactly one WARNING spanning the gap interval
	ts := regular(0, 1000, 10)
	ts = append(ts, regular(ts[9]+0.050, 1000, 10)...)
	require.NoError(t, v.Observe(record("lfp", ts)))

	report, err := v.Finish()
	require.NoError(t, err)

	require.Len(t, report.Findings, 1)
	f := report.Findings[0]
	assert.Equal(t, model.FindingGap, f.Kind)
	assert.Equal(t, model.SeverityWarning, f.Severity)
	assert.Equal(t, "lfp", f.Stream)
	assert.InDelta(t, 0.009, f.IntervalStart, 1e-9)
	assert.InDelta(t, 0.059, f.IntervalEnd, 1e-9)
}

func TestGapBeyondStrictThresholdAborts(t *testing.T) {
	v := New(testAlignConfig(), 1)
	v.Track("lfp", 1000)

	// 150ms gap is beyond 20ms * 5
	ts := regular(0, 1000, 5)
	ts = append(ts, regular(ts[4]+0.150, 1000, 5)...)

	err := v.Observe(record("lfp", ts))
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeAlignment))

	report, _ := v.Finish()
	require.NotEmpty(t, report.Findings)
	assert.Equal(t, model.SeverityError, report.Findings[0].Severity)
}

func TestMonotonicityViolationAborts(t *testing.T) {
	v := New(testAlignConfig(), 1)
	v.Track("lfp", 1000)

	err := v.Observe(record("lfp", []float64{0, 0.001, 0.0005}))
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeAlignment))

	report, _ := v.Finish()
	require.Len(t, report.Findings, 1)
	assert.Equal(t, model.FindingMonotonicity, report.Findings[0].Kind)
	assert.Equal(t, model.SeverityError, report.Findings[0].Severity)
}

func TestInvalidSamplesDoNotTriggerGaps(t *testing.T) {
	v := New(testAlignConfig(), 1)
	v.Track("lfp", 1000)

	// the middle stretch is invalidated; its timestamps must not be
	// interpreted as gaps
	rec := record("lfp", regular(0, 1000, 100))
	for i := 40; i < 55; i++ {
		rec.Valid[i] = false
	}
	require.NoError(t, v.Observe(rec))

	report, err := v.Finish()
	require.NoError(t, err)
	assert.Empty(t, report.Findings)
}

func TestCrossStreamDrift(t *testing.T) {
	v := New(testAlignConfig(), 1)
	v.Track("a_ref", 1000)
	v.Track("b_eye", 1000)

	require.NoError(t, v.Observe(record("a_ref", regular(0, 1000, 1000))))
	// ends 80ms later than the reference: above 50ms, below 250ms strict
	require.NoError(t, v.Observe(record("b_eye", regular(0.080, 1000, 1000))))

	report, err := v.Finish()
	require.NoError(t, err)

	require.Len(t, report.Findings, 1)
	f := report.Findings[0]
	assert.Equal(t, model.FindingDrift, f.Kind)
	assert.Equal(t, model.SeverityWarning, f.Severity)
	assert.Equal(t, "b_eye", f.Stream)
}

func TestDriftBeyondStrictIsError(t *testing.T) {
	v := New(testAlignConfig(), 1)
	v.Track("a_ref", 1000)
	v.Track("b_eye", 1000)

	require.NoError(t, v.Observe(record("a_ref", regular(0, 1000, 100))))
	require.NoError(t, v.Observe(record("b_eye", regular(0.400, 1000, 100))))

	report, err := v.Finish()
	require.Error(t, err)
	assert.True(t, report.HasErrors())
}

func TestRateDeviation(t *testing.T) {
	v := New(testAlignConfig(), 1)
	// declared 1kHz but actually sampled at 900Hz: 1000 samples span
	// 1.11s instead of 1.0s
	v.Track("lfp", 1000)
	require.NoError(t, v.Observe(record("lfp", regular(0, 900, 1000))))

	report, _ := v.Finish()
	found := false
	for _, f := range report.Findings {
		if f.Kind == model.FindingRate {
			found = true
		}
	}
	assert.True(t, found, "expected a rate finding")
}

func TestInvalidFractionEscalates(t *testing.T) {
	v := New(testAlignConfig(), 0.05)
	v.Track("lfp", 1000)

	rec := record("lfp", regular(0, 1000, 100))
	for i := 0; i < 20; i++ {
		rec.Valid[i] = false
	}
	require.NoError(t, v.Observe(rec))

	report, err := v.Finish()
	require.Error(t, err)
	require.NotEmpty(t, report.Findings)
	assert.Equal(t, model.FindingInvalidRate, report.Findings[0].Kind)
}

func TestFindingsOrderedByStreamThenInterval(t *testing.T) {
	cfg := testAlignConfig()
	// keep the rate check quiet; this test is about ordering of gap findings
	cfg.DriftThresholdMS = 500
	v := New(cfg, 1)
	v.Track("b", 1000)
	v.Track("a", 1000)

	// two warning gaps per stream, delivered out of name order
	mk := func() []float64 {
		ts := regular(0, 1000, 5)
		ts = append(ts, regular(ts[len(ts)-1]+0.030, 1000, 5)...)
		ts = append(ts, regular(ts[len(ts)-1]+0.040, 1000, 5)...)
		return ts
	}
	require.NoError(t, v.Observe(record("b", mk())))
	require.NoError(t, v.Observe(record("a", mk())))

	report, err := v.Finish()
	require.NoError(t, err)
	require.Len(t, report.Findings, 4)

	assert.Equal(t, "a", report.Findings[0].Stream)
	assert.Equal(t, "a", report.Findings[1].Stream)
	assert.Equal(t, "b", report.Findings[2].Stream)
	assert.Equal(t, "b", report.Findings[3].Stream)
	assert.Less(t, report.Findings[0].IntervalStart, report.Findings[1].IntervalStart)
	assert.Less(t, report.Findings[2].IntervalStart, report.Findings[3].IntervalStart)
}
