package batch

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/aopylab/nwbconv/pkg/config"
	"github.com/aopylab/nwbconv/pkg/model"
	"github.com/aopylab/nwbconv/pkg/target"
	"github.com/aopylab/nwbconv/pkg/testutil"
)

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.ChunkSizeMB = 1
	cfg.Batch.Parallelism = 3
	return cfg
}

func goodSession(t *testing.T, dir string, idx int) model.Session {
	const n = 2000
	require.NoError(t, os.MkdirAll(dir, 0o755))
	return testutil.WriteSession(t, dir,
		model.SessionID{Subject: "affi", Date: "2025-06-02", Index: idx},
		[]testutil.StreamFixture{
			testutil.EphysStream("lfp", 1000, 0.001,
				testutil.EphysData(n, func(i int) int16 { return int16(i % 512) })),
		})
}

func corruptSession(t *testing.T, dir string, idx int) model.Session {
	id := model.SessionID{Subject: "affi", Date: "2025-06-02", Index: idx}
	srcPath := filepath.Join(dir, "corrupt.aodc")
	require.NoError(t, os.WriteFile(srcPath, []byte("not a container at all"), 0o644))
	return model.Session{
		ID:         id,
		SourcePath: srcPath,
		TargetPath: filepath.Join(dir, "corrupt.nwbc"),
		Streams: []model.StreamDescriptor{{
			Name:        "lfp",
			Modality:    model.Electrophysiology,
			Dataset:     "acquisition/lfp",
			Calibration: model.Calibration{SampleRate: 1000, Scale: 0.001},
		}},
	}
}

func TestBatchIsolation(t *testing.T) {
	dir := t.TempDir()

	// five sessions, the middle one corrupted
	sessions := []model.Session{
		goodSession(t, filepath.Join(dir, "s0"), 0),
		goodSession(t, filepath.Join(dir, "s1"), 1),
		corruptSession(t, dir, 2),
		goodSession(t, filepath.Join(dir, "s3"), 3),
		goodSession(t, filepath.Join(dir, "s4"), 4),
	}
	cfg := testConfig()
	cfg.Batch.SkipErrors = true
	report := New(cfg, zap.NewNop()).Run(context.Background(), sessions)

	assert.Equal(t, 4, report.Succeeded+report.Warned)
	assert.Equal(t, 1, report.Failed)
	assert.Equal(t, 0, report.Skipped)
	require.Len(t, report.Results, 5)
	assert.NotEmpty(t, report.RunID)

	// exactly the four good sessions have complete containers
	complete := 0
	for i, s := range sessions {
		r, err := target.OpenContainer(s.TargetPath)
		if err != nil {
			// the corrupted session never created a target
			assert.Equal(t, 2, i)
			continue
		}
		if r.Complete() {
			complete++
		}
		r.Close()
	}
	assert.Equal(t, 4, complete)
}

func TestResultsPreserveSubmissionOrder(t *testing.T) {
	dir := t.TempDir()
	var sessions []model.Session
	for i := 0; i < 4; i++ {
		sessions = append(sessions, goodSession(t, filepath.Join(dir, "s", string(rune('a'+i))), i))
	}

	cfg := testConfig()
	report := New(cfg, zap.NewNop()).Run(context.Background(), sessions)

	require.Len(t, report.Results, 4)
	for i, res := range report.Results {
		assert.Equal(t, i, res.Session.Index)
	}
}

func TestHaltOnFirstFailure(t *testing.T) {
	dir := t.TempDir()
	sessions := []model.Session{
		corruptSession(t, dir, 0),
		goodSession(t, filepath.Join(dir, "s1"), 1),
		goodSession(t, filepath.Join(dir, "s2"), 2),
	}

	cfg := testConfig()
	cfg.Batch.Parallelism = 1 // serialize so the failure is seen before later submissions
	cfg.Batch.SkipErrors = false
	report := New(cfg, zap.NewNop()).Run(context.Background(), sessions)

	assert.Equal(t, 1, report.Failed)
	assert.Equal(t, 0, report.Succeeded)
	assert.Equal(t, 2, report.Skipped)

	// only the failed session ever ran
	require.Len(t, report.Results, 1)
	assert.Equal(t, 0, report.Results[0].Session.Index)
	assert.NoFileExists(t, sessions[1].TargetPath)
	assert.NoFileExists(t, sessions[2].TargetPath)
}

func TestSkipErrorsRunsEverything(t *testing.T) {
	dir := t.TempDir()
	sessions := []model.Session{
		corruptSession(t, dir, 0),
		goodSession(t, filepath.Join(dir, "s1"), 1),
	}

	cfg := testConfig()
	cfg.Batch.Parallelism = 1
	cfg.Batch.SkipErrors = true
	report := New(cfg, zap.NewNop()).Run(context.Background(), sessions)

	assert.Equal(t, 1, report.Failed)
	assert.Equal(t, 1, report.Succeeded)
	assert.Equal(t, 0, report.Skipped)
}

func TestCancellationStopsSubmission(t *testing.T) {
	dir := t.TempDir()
	var sessions []model.Session
	for i := 0; i < 3; i++ {
		sessions = append(sessions, goodSession(t, filepath.Join(dir, "s", string(rune('a'+i))), i))
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	report := New(testConfig(), zap.NewNop()).Run(ctx, sessions)
	assert.Equal(t, 3, report.Failed+report.Skipped)
	assert.Equal(t, 0, report.Succeeded)
}

func TestAggregateCounters(t *testing.T) {
	dir := t.TempDir()
	sessions := []model.Session{
		goodSession(t, filepath.Join(dir, "s0"), 0),
		goodSession(t, filepath.Join(dir, "s1"), 1),
	}

	report := New(testConfig(), zap.NewNop(), WithMemorySampling(10*time.Millisecond)).
		Run(context.Background(), sessions)

	assert.Equal(t, 2, report.Succeeded)
	assert.Equal(t, int64(2*2000*2), report.TotalBytes)
	assert.Greater(t, report.WallTime, time.Duration(0))
}
