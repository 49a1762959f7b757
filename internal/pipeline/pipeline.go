// Package pipeline implements the per-session conversion state machine. One
// pipeline instance owns one session end to end: it opens the source
// container, fans out one reader+mapper worker per modality stream, funnels
// mapped windows through the timing validator into a single writer goroutine
// over a bounded channel, and finalizes the target container only after
// every stream has completed and drift validation passed.
//
// Resident memory is bounded by chunk size times the number of open streams
// plus the writer queue: readers reuse one chunk buffer each and block on the
// writer channel when the writer lags, so unwritten chunks can never pile up.
package pipeline

import (
	"context"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/aopylab/nwbconv/pkg/align"
	"github.com/aopylab/nwbconv/pkg/config"
	"github.com/aopylab/nwbconv/pkg/errors"
	"github.com/aopylab/nwbconv/pkg/mapper"
	"github.com/aopylab/nwbconv/pkg/model"
	"github.com/aopylab/nwbconv/pkg/observability"
	"github.com/aopylab/nwbconv/pkg/source"
	"github.com/aopylab/nwbconv/pkg/target"
)

// State is a pipeline lifecycle phase. Transitions are one-directional:
// the streaming phases only ever advance, and the terminal states are
// FINALIZED and ABORTED.
type State int32

const (
	// StateInit is the freshly constructed pipeline
	StateInit State = iota
	// StateLocating opens the source container and resolves datasets
	StateLocating
	// StateReading streams raw chunks from source datasets
	StateReading
	// StateMapping converts chunks into canonical records
	StateMapping
	// StateValidating checks timing consistency of mapped windows
	StateValidating
	// StateWriting appends records to the target container
	StateWriting
	// StateFinalized is the successful terminal state
	StateFinalized
	// StateAborted is the failed terminal state
	StateAborted
)

// String renders the state name.
func (s State) String() string {
	switch s {
	case StateInit:
		return "INIT"
	case StateLocating:
		return "LOCATING"
	case StateReading:
		return "READING"
	case StateMapping:
		return "MAPPING"
	case StateValidating:
		return "VALIDATING"
	case StateWriting:
		return "WRITING"
	case StateFinalized:
		return "FINALIZED"
	case StateAborted:
		return "ABORTED"
	default:
		return "UNKNOWN"
	}
}

// writeItem carries one chunk's output to the writer goroutine: the raw
// bytes for the acquisition mirror and the mapped record for the processing
// section.
type writeItem struct {
	stream     string
	modality   model.ModalityType
	raw        []byte
	startFrame int64
	frames     int
	rec        *model.CanonicalRecord
}

// streamTally is written only by the owning stream worker.
type streamTally struct {
	samples int64
	valid   int64
}

// Pipeline converts one session. A pipeline is single-use: construct, Run
// once, read the result.
type Pipeline struct {
	session model.Session
	cfg     *config.Config
	logger  *zap.Logger

	state atomic.Int32

	failOnce sync.Once
	failErr  error
	cancel   context.CancelFunc
}

// New creates a pipeline for one session. The session is owned exclusively
// by this pipeline until Run returns.
func New(session model.Session, cfg *config.Config, logger *zap.Logger) *Pipeline {
	return &Pipeline{
		session: session,
		cfg:     cfg,
		logger:  observability.SessionLogger(logger, session.ID.String()),
	}
}

// State returns the current lifecycle phase.
func (p *Pipeline) State() State {
	return State(p.state.Load())
}

// advance moves the state forward. Concurrent stream workers may race to
// announce the same phase; the state only ever increases and never leaves a
// terminal state.
func (p *Pipeline) advance(to State) {
	for {
		cur := State(p.state.Load())
		if cur >= to || cur == StateFinalized || cur == StateAborted {
			return
		}
		if p.state.CompareAndSwap(int32(cur), int32(to)) {
			p.logger.Debug("pipeline state", zap.String("from", cur.String()), zap.String("to", to.String()))
			return
		}
	}
}

// fail records the first session-fatal error and cancels all stream workers.
func (p *Pipeline) fail(err error) {
	p.failOnce.Do(func() {
		p.failErr = err
		if p.cancel != nil {
			p.cancel()
		}
	})
}

// Run executes the conversion and returns the terminal result. It never
// panics the process: every failure becomes a FAILED result with the target
// container left marked incomplete.
func (p *Pipeline) Run(ctx context.Context) model.ConversionResult {
	start := time.Now()
	ctx, span := observability.StartSpan(ctx, "pipeline.run")
	defer span.End()

	ctx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	defer cancel()

	var bytesProcessed, samplesMapped, samplesInvalid atomic.Int64

	result := func(status model.Status, report model.AlignmentReport, err error) model.ConversionResult {
		res := model.ConversionResult{
			Session:        p.session.ID,
			Status:         status,
			BytesProcessed: bytesProcessed.Load(),
			SamplesMapped:  samplesMapped.Load(),
			SamplesInvalid: samplesInvalid.Load(),
			WallTime:       time.Since(start),
			Alignment:      report,
		}
		if err != nil {
			res.Err = err.Error()
		}
		observability.RecordSession(string(status), res.WallTime.Seconds(), res.BytesProcessed)
		return res
	}

	// LOCATING: open the source container and resolve every stream
	p.advance(StateLocating)
	container, err := source.Open(p.session.SourcePath)
	if err != nil {
		p.state.Store(int32(StateAborted))
		err = errors.Wrap(err, errors.TypeOf(err), "session source unavailable").WithSession(p.session.ID.String())
		p.logger.Error("locating failed", zap.Error(err))
		return result(model.StatusFailed, model.AlignmentReport{}, err)
	}

	type streamWork struct {
		desc   model.StreamDescriptor
		m      mapper.Mapper
		reader *source.ChunkReader
	}

	works := make([]*streamWork, 0, len(p.session.Streams))
	closeReaders := func() {
		for _, w := range works {
			if w.reader != nil {
				w.reader.Close()
			}
		}
	}

	for _, desc := range p.session.Streams {
		m, err := mapper.ForStream(desc)
		if err != nil {
			closeReaders()
			p.state.Store(int32(StateAborted))
			return result(model.StatusFailed, model.AlignmentReport{}, err)
		}
		reader, err := container.OpenDataset(desc.Dataset, p.cfg.ChunkSizeBytes())
		if err != nil {
			closeReaders()
			p.state.Store(int32(StateAborted))
			err = errors.Wrap(err, errors.TypeOf(err), "cannot open stream dataset").WithStream(desc.Name)
			p.logger.Error("locating failed", zap.Error(err))
			return result(model.StatusFailed, model.AlignmentReport{}, err)
		}
		works = append(works, &streamWork{desc: desc, m: m, reader: reader})
	}
	defer closeReaders()

	writer, err := target.NewWriter(p.session.TargetPath, p.cfg.Compression, p.cfg.Writer, p.logger)
	if err != nil {
		p.state.Store(int32(StateAborted))
		return result(model.StatusFailed, model.AlignmentReport{}, err)
	}

	validator := align.New(p.cfg.Alignment, p.cfg.MaxInvalidFraction)
	for _, w := range works {
		validator.Track(w.desc.Name, w.desc.Calibration.SampleRate)
	}

	// Streaming phase. The writer channel is deliberately small: its
	// capacity plus one in-flight chunk per stream is the whole resident
	// data budget.
	writeCh := make(chan writeItem, 2)
	tallies := make([]streamTally, len(works))

	var writerWG sync.WaitGroup
	writerWG.Add(1)
	go func() {
		defer writerWG.Done()
		for item := range writeCh {
			if err := writer.AppendRaw(item.stream, item.modality, item.raw, item.startFrame, item.frames); err != nil {
				p.fail(err)
				continue
			}
			observability.RecordBlock(string(target.SectionAcquisition))
			if err := writer.AppendRecord(item.rec); err != nil {
				p.fail(err)
			}
		}
	}()

	var streamWG sync.WaitGroup
	p.advance(StateReading)
	for i, w := range works {
		streamWG.Add(1)
		go func(idx int, w *streamWork) {
			defer streamWG.Done()
			p.runStream(ctx, w.desc, w.m, w.reader, validator, writeCh, &tallies[idx],
				&bytesProcessed, &samplesMapped, &samplesInvalid)
		}(i, w)
	}

	streamWG.Wait()
	close(writeCh)
	writerWG.Wait()

	if p.failErr != nil {
		report, _ := validator.Finish()
		writer.Abort()
		p.state.Store(int32(StateAborted))
		p.logger.Error("pipeline aborted",
			zap.String("error_type", string(errors.TypeOf(p.failErr))),
			zap.Error(p.failErr))
		return result(model.StatusFailed, report, p.failErr)
	}

	// end-of-session validation: rate consistency, invalid fraction and
	// cross-stream drift need every stream's final state
	report, err := validator.Finish()
	for _, f := range report.Findings {
		observability.RecordFinding(string(f.Kind), string(f.Severity))
	}
	if err != nil {
		writer.Abort()
		p.state.Store(int32(StateAborted))
		p.logger.Error("alignment validation failed", zap.Int("findings", len(report.Findings)))
		return result(model.StatusFailed, report, err)
	}

	meta := target.SessionMetadata{
		Session:   p.session.ID,
		Alignment: report,
	}
	for i, w := range works {
		meta.Streams = append(meta.Streams, target.StreamSummary{
			Name:     w.desc.Name,
			Modality: w.desc.Modality,
			Unit:     unitFor(w.desc),
			Samples:  tallies[i].samples,
			Valid:    tallies[i].valid,
		})
	}

	if err := writer.Finalize(meta); err != nil {
		writer.Abort()
		p.state.Store(int32(StateAborted))
		p.logger.Error("finalize failed", zap.Error(err))
		return result(model.StatusFailed, report, err)
	}

	p.state.Store(int32(StateFinalized))
	status := model.StatusSuccess
	if report.HasWarnings() {
		status = model.StatusWarning
	}
	p.logger.Info("session converted",
		zap.String("status", string(status)),
		zap.Int64("bytes", bytesProcessed.Load()),
		zap.Int64("samples", samplesMapped.Load()),
		zap.Duration("wall_time", time.Since(start)))
	return result(status, report, nil)
}

// runStream drives one modality stream: read, map, validate, hand off to the
// writer. Chunks of one stream flow strictly in source order; streams of the
// same session run independently of each other.
func (p *Pipeline) runStream(
	ctx context.Context,
	desc model.StreamDescriptor,
	m mapper.Mapper,
	reader *source.ChunkReader,
	validator *align.Validator,
	writeCh chan<- writeItem,
	tally *streamTally,
	bytesProcessed, samplesMapped, samplesInvalid *atomic.Int64,
) {
	ctx, span := observability.StartSpan(ctx, "pipeline.stream")
	defer span.End()
	defer reader.Close()

	for {
		select {
		case <-ctx.Done():
			p.fail(errors.Wrap(ctx.Err(), errors.ErrorTypeCancelled, "conversion cancelled").WithStream(desc.Name))
			return
		default:
		}

		chunk, err := reader.Next()
		if err == io.EOF {
			return
		}
		if err != nil {
			p.fail(err)
			return
		}

		p.advance(StateMapping)
		rec, stats, err := m.MapChunk(chunk.Data, chunk.StartFrame)
		if err != nil {
			p.fail(err)
			return
		}
		bytesProcessed.Add(int64(len(chunk.Data)))
		samplesMapped.Add(int64(stats.Mapped))
		samplesInvalid.Add(int64(stats.Invalidated))
		tally.samples += int64(stats.Mapped)
		tally.valid += int64(stats.Mapped - stats.Invalidated)
		observability.RecordMapping(string(desc.Modality), stats.Mapped, stats.Invalidated)

		p.advance(StateValidating)
		if err := validator.Observe(rec); err != nil {
			p.fail(err)
			return
		}

		p.advance(StateWriting)
		// the reader reuses its chunk buffer; the mirror copy must survive
		// until the writer consumes it
		raw := make([]byte, len(chunk.Data))
		copy(raw, chunk.Data)

		select {
		case writeCh <- writeItem{
			stream:     desc.Name,
			modality:   desc.Modality,
			raw:        raw,
			startFrame: chunk.StartFrame,
			frames:     chunk.Frames,
			rec:        rec,
		}:
		case <-ctx.Done():
			p.fail(errors.Wrap(ctx.Err(), errors.ErrorTypeCancelled, "conversion cancelled").WithStream(desc.Name))
			return
		}
	}
}

func unitFor(desc model.StreamDescriptor) string {
	if desc.Calibration.Unit != "" {
		return desc.Calibration.Unit
	}
	switch desc.Modality {
	case model.Electrophysiology:
		return "volts"
	case model.Kinematics:
		return "meters"
	case model.EyeTracking:
		return "degrees"
	default:
		return "code"
	}
}
