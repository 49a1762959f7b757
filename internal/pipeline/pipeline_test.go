package pipeline

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shirou/gopsutil/v3/process"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/aopylab/nwbconv/pkg/config"
	"github.com/aopylab/nwbconv/pkg/model"
	"github.com/aopylab/nwbconv/pkg/observability"
	"github.com/aopylab/nwbconv/pkg/target"
	"github.com/aopylab/nwbconv/pkg/testutil"
)

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.ChunkSizeMB = 1
	cfg.Batch.Parallelism = 2
	return cfg
}

func testSessionID(idx int) model.SessionID {
	return model.SessionID{Subject: "beignet", Date: "2025-03-14", Index: idx}
}

// cleanSession stages a two-stream session with well-aligned data: 5s of
// 1kHz ephys and a dense 200Hz event train ending alongside it.
func cleanSession(t *testing.T, dir string, idx int) model.Session {
	const n = 5000
	ephys := testutil.EphysData(n, func(i int) int16 {
		if i%500 == 0 {
			return -32768 // sporadic dropped samples
		}
		return int16(i % 1000)
	})
	events := make([][2]float64, 1000)
	for i := range events {
		events[i] = [2]float64{float64(i) * 0.005, float64(i % 32)}
	}
	return testutil.WriteSession(t, dir, testSessionID(idx), []testutil.StreamFixture{
		testutil.EphysStream("lfp", 1000, 0.001, ephys),
		testutil.BehavioralStream("trials", testutil.EventData(events)),
	})
}

func TestSuccessfulConversion(t *testing.T) {
	dir := t.TempDir()
	session := cleanSession(t, dir, 1)

	p := New(session, testConfig(), zap.NewNop())
	res := p.Run(context.Background())

	require.Equal(t, model.StatusSuccess, res.Status, "error: %s", res.Err)
	assert.Equal(t, StateFinalized, p.State())
	assert.Equal(t, int64(6000), res.SamplesMapped)
	assert.Equal(t, int64(10), res.SamplesInvalid) // one sentinel every 500 frames
	assert.Equal(t, int64(5000*2+1000*16), res.BytesProcessed)
	assert.Empty(t, res.Alignment.Findings)

	r, err := target.OpenContainer(session.TargetPath)
	require.NoError(t, err)
	defer r.Close()
	require.True(t, r.Complete())

	// valid samples written must equal raw samples minus those invalidated
	meta, err := r.Metadata()
	require.NoError(t, err)
	var total, valid int64
	for _, s := range meta.Streams {
		total += s.Samples
		valid += s.Valid
	}
	assert.Equal(t, int64(6000), total)
	assert.Equal(t, int64(6000-10), valid)
}

func TestRoundTripThroughContainer(t *testing.T) {
	dir := t.TempDir()
	const n = 2048
	session := testutil.WriteSession(t, dir, testSessionID(1), []testutil.StreamFixture{
		testutil.EphysStream("lfp", 1000, 0.001, testutil.EphysData(n, func(i int) int16 { return int16(i) })),
	})

	res := New(session, testConfig(), zap.NewNop()).Run(context.Background())
	require.Equal(t, model.StatusSuccess, res.Status, "error: %s", res.Err)

	r, err := target.OpenContainer(session.TargetPath)
	require.NoError(t, err)
	defer r.Close()

	var count int
	var lastTS float64
	for _, b := range r.StreamBlocks(target.SectionProcessing, "lfp") {
		rec, err := r.ReadRecord(b)
		require.NoError(t, err)
		assert.Equal(t, "volts", rec.Unit)
		for i := 0; i < rec.Len(); i++ {
			expectedTS := float64(rec.StartIndex+int64(i)) / 1000
			assert.Equal(t, expectedTS, rec.Timestamps[i])
			assert.Equal(t, float64(int16(rec.StartIndex+int64(i)))*0.001, rec.Values[i])
			lastTS = rec.Timestamps[i]
			count++
		}
	}
	assert.Equal(t, n, count)
	assert.InDelta(t, float64(n-1)/1000, lastTS, 1e-12)

	// the acquisition mirror carries the raw bytes unchanged
	var rawLen int
	for _, b := range r.StreamBlocks(target.SectionAcquisition, "lfp") {
		payload, err := r.ReadPayload(b)
		require.NoError(t, err)
		rawLen += len(payload)
	}
	assert.Equal(t, n*2, rawLen)
}

func TestMissingSourceFails(t *testing.T) {
	dir := t.TempDir()
	session := model.Session{
		ID:         testSessionID(1),
		SourcePath: filepath.Join(dir, "missing.aodc"),
		TargetPath: filepath.Join(dir, "out.nwbc"),
	}

	p := New(session, testConfig(), zap.NewNop())
	res := p.Run(context.Background())

	assert.Equal(t, model.StatusFailed, res.Status)
	assert.Equal(t, StateAborted, p.State())
	assert.NotEmpty(t, res.Err)

	// no target container may exist for a session that never located
	_, err := os.Stat(session.TargetPath)
	assert.True(t, os.IsNotExist(err))
}

func TestAlignmentErrorLeavesContainerIncomplete(t *testing.T) {
	dir := t.TempDir()
	// events with a decreasing timestamp
	events := testutil.EventData([][2]float64{
		{0.000, 1}, {0.010, 2}, {0.005, 3},
	})
	session := testutil.WriteSession(t, dir, testSessionID(1), []testutil.StreamFixture{
		testutil.BehavioralStream("trials", events),
	})

	p := New(session, testConfig(), zap.NewNop())
	res := p.Run(context.Background())

	require.Equal(t, model.StatusFailed, res.Status)
	assert.Equal(t, StateAborted, p.State())

	r, err := target.OpenContainer(session.TargetPath)
	require.NoError(t, err)
	defer r.Close()
	assert.False(t, r.Complete(), "aborted session must leave its container pending")

	// the monotonicity finding survives into the failed result
	found := false
	for _, f := range res.Alignment.Findings {
		if f.Kind == model.FindingMonotonicity {
			found = true
		}
	}
	assert.True(t, found)
}

func TestExcessInvalidSamplesFail(t *testing.T) {
	dir := t.TempDir()
	// every second sample is the dropout sentinel
	ephys := testutil.EphysData(1000, func(i int) int16 {
		if i%2 == 0 {
			return -32768
		}
		return 1
	})
	session := testutil.WriteSession(t, dir, testSessionID(1), []testutil.StreamFixture{
		testutil.EphysStream("lfp", 1000, 0.001, ephys),
	})

	res := New(session, testConfig(), zap.NewNop()).Run(context.Background())
	assert.Equal(t, model.StatusFailed, res.Status)
}

func TestCancellationAborts(t *testing.T) {
	dir := t.TempDir()
	session := cleanSession(t, dir, 1)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	p := New(session, testConfig(), zap.NewNop())
	res := p.Run(ctx)

	assert.Equal(t, model.StatusFailed, res.Status)
	assert.Equal(t, StateAborted, p.State())

	r, err := target.OpenContainer(session.TargetPath)
	require.NoError(t, err)
	defer r.Close()
	assert.False(t, r.Complete())
}

func TestWarningStatusOnGap(t *testing.T) {
	dir := t.TempDir()
	// a 30ms hole between events: above the 20ms threshold, below strict
	events := testutil.EventData([][2]float64{
		{0.000, 1}, {0.005, 2}, {0.010, 3}, {0.040, 4}, {0.045, 5},
	})
	session := testutil.WriteSession(t, dir, testSessionID(1), []testutil.StreamFixture{
		testutil.BehavioralStream("trials", events),
	})

	res := New(session, testConfig(), zap.NewNop()).Run(context.Background())
	require.Equal(t, model.StatusWarning, res.Status, "error: %s", res.Err)
	require.Len(t, res.Alignment.Findings, 1)
	assert.Equal(t, model.FindingGap, res.Alignment.Findings[0].Kind)

	r, err := target.OpenContainer(session.TargetPath)
	require.NoError(t, err)
	defer r.Close()
	assert.True(t, r.Complete(), "warnings still finalize the container")
}

func TestStateStrings(t *testing.T) {
	states := []State{StateInit, StateLocating, StateReading, StateMapping, StateValidating, StateWriting, StateFinalized, StateAborted}
	names := []string{"INIT", "LOCATING", "READING", "MAPPING", "VALIDATING", "WRITING", "FINALIZED", "ABORTED"}
	for i, s := range states {
		assert.Equal(t, names[i], s.String())
	}
}

func TestLargeSessionBoundedChunks(t *testing.T) {
	if testing.Short() {
		t.Skip("large synthetic session")
	}
	dir := t.TempDir()
	cfg := testConfig()

	// 32MB of ephys against a 1MB chunk budget: the conversion must stream
	// through in bounded chunks and still account for every sample
	const n = 16 << 20
	session := testutil.WriteSession(t, dir, testSessionID(1), []testutil.StreamFixture{
		testutil.EphysStream("lfp", 30000, 0.001, testutil.EphysData(n, func(i int) int16 { return int16(i) })),
	})

	proc, err := process.NewProcess(int32(os.Getpid()))
	require.NoError(t, err)
	info, err := proc.MemoryInfo()
	require.NoError(t, err)
	baseline := info.RSS

	monitor := observability.NewMemoryMonitor(time.Millisecond, zap.NewNop())
	monitor.Start(context.Background())

	start := time.Now()
	res := New(session, cfg, zap.NewNop()).Run(context.Background())
	monitor.Stop()

	require.Equal(t, model.StatusSuccess, res.Status, "error: %s", res.Err)
	assert.Equal(t, int64(n), res.SamplesMapped)
	t.Logf("converted %d samples in %v", n, time.Since(start))

	// resident growth must track the chunk budget, not the session size:
	// at most one chunk resident per stream, two queued and one in the
	// writer, each carrying its raw mirror plus the canonical window at
	// 17 bytes per two-byte sample
	chunk := int64(cfg.ChunkSizeBytes())
	perChunk := uint64(chunk + chunk/2*17)
	budget := 4 * perChunk
	const slack = 128 << 20 // runtime, collector and compressor overhead
	peak := monitor.PeakRSS()
	require.NotZero(t, peak)
	assert.Less(t, peak, baseline+budget+slack,
		"peak RSS %dMB over baseline %dMB exceeds the chunk budget", peak>>20, baseline>>20)
}
