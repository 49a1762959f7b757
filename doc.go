// Package nwbconv is a streaming conversion engine for large multi-modality
// scientific recordings. It converts session source containers into
// standardized target containers while keeping resident memory bounded
// regardless of input size; inputs beyond 100GB convert in fixed-size chunks.
//
// # Architecture
//
// The engine is built from five layers, composed per session by a pipeline
// state machine and across sessions by a batch orchestrator:
//
//  1. Source access (pkg/source): lazy, chunked, restartable reads over
//     named datasets in a keyed source container.
//
//  2. Modality mapping (pkg/mapper): per-modality transforms from raw chunks
//     into canonical, unit-resolved time-series records. One variant each
//     for electrophysiology, kinematics, eye tracking and behavioral events.
//
//  3. Timing validation (pkg/align): streaming cross-stream consistency
//     checks with WARNING/ERROR classification of gaps, drift, rate
//     deviation and monotonicity violations.
//
//  4. Target writing (pkg/target): incremental, crash-safe container
//     writing with per-block compression and a running catalog; a container
//     is valid only once finalized.
//
//  5. Orchestration (internal/pipeline, internal/batch): one pipeline owns
//     one session end to end; a bounded worker pool runs many sessions with
//     full failure isolation.
//
// # Quick Start
//
// The orchestration layer lives under internal/, so the batch entry point is
// importable only from within this module. A driver inside the module runs a
// batch as follows:
//
//	import (
//	    "context"
//
//	    "github.com/aopylab/nwbconv/internal/batch"
//	    "github.com/aopylab/nwbconv/pkg/config"
//	    "github.com/aopylab/nwbconv/pkg/observability"
//	)
//
//	cfg := config.Default()
//	cfg.Batch.Parallelism = 4
//	if err := cfg.Validate(); err != nil {
//	    log.Fatal(err)
//	}
//
//	logger, _ := observability.NewLogger(observability.LoggingConfig{Level: "info"})
//	report := batch.New(cfg, logger).Run(context.Background(), sessions)
//
// Session discovery, configuration loading and CLI surfaces are external
// collaborators; the engine consumes session descriptors and configuration
// values and produces conversion reports.
package nwbconv
