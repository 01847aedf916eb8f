// Package orchestrator drives sources through extract → stage with bounded
// parallelism, per-source timeouts, and cancellation propagation (spec
// §4.7), grounded on the teacher's worker-pool patterns in
// internal/netpolicy and apibridge.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/1kimnet/ETL-pipeline/internal/handlers"
	"github.com/1kimnet/ETL-pipeline/internal/logging"
	"github.com/1kimnet/ETL-pipeline/internal/model"
	"github.com/1kimnet/ETL-pipeline/internal/staging"
	"github.com/1kimnet/ETL-pipeline/internal/summary"
)

// ErrFailureBudgetExceeded is returned when more sources failed than
// maxPipelineFailures allows (spec §4.7, exit code 3).
var ErrFailureBudgetExceeded = errors.New("orchestrator: failure budget exceeded")

// Config tunes the orchestrator's scheduling behavior.
type Config struct {
	Workers             int
	SourceTimeout       time.Duration
	MaxPipelineFailures int
	StagingRoot         string
}

// Orchestrator runs a fixed inventory of sources to completion.
type Orchestrator struct {
	cfg       Config
	handlerOf func(model.SourceKind) handlers.Handler
	mat       *staging.Materializer
	log       logging.Logger
	summary   *summary.Summary

	// RunID is a correlation id set once in New and attached as run_id to
	// the orchestrator's own error events. Handler, retry and staging
	// events do not carry it.
	RunID string
}

// New builds an Orchestrator. handlerOf resolves the Handler for a source's
// kind (normally handlers.ForKind bound to shared Deps).
func New(cfg Config, handlerOf func(model.SourceKind) handlers.Handler, mat *staging.Materializer, log logging.Logger, sum *summary.Summary) *Orchestrator {
	if log == nil {
		log = logging.Nop{}
	}
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	if cfg.MaxPipelineFailures < 0 {
		cfg.MaxPipelineFailures = 5
	}
	return &Orchestrator{
		cfg: cfg, handlerOf: handlerOf, mat: mat, log: log, summary: sum,
		RunID: uuid.NewString(),
	}
}

// Run drives every enabled source in sources to completion. Ordering is
// guaranteed to match inventory order only when cfg.Workers == 1 (spec
// §4.7).
func (o *Orchestrator) Run(ctx context.Context, sources []model.SourceDescriptor) error {
	enabled := make([]model.SourceDescriptor, 0, len(sources))
	for _, s := range sources {
		if s.Enabled {
			enabled = append(enabled, s)
		}
	}
	if len(enabled) == 0 {
		return nil
	}

	workers := o.cfg.Workers
	if workers > len(enabled) {
		workers = len(enabled)
	}

	runCtx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()

	g, groupCtx := errgroup.WithContext(runCtx)
	g.SetLimit(workers)

	var failedMu sync.Mutex
	failedCount := 0
	budgetExceeded := false

	for _, source := range enabled {
		source := source
		g.Go(func() error {
			outcome := o.runSource(groupCtx, source)
			if outcome != summary.StatusFailed {
				return nil
			}
			failedMu.Lock()
			failedCount++
			exceeded := failedCount > o.cfg.MaxPipelineFailures
			if exceeded {
				budgetExceeded = true
			}
			failedMu.Unlock()
			if exceeded {
				cancelRun()
			}
			return nil
		})
	}

	_ = g.Wait()

	if budgetExceeded {
		return ErrFailureBudgetExceeded
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return nil
}

// runSource runs one source's handler then stages every artifact it
// produces, recording outcomes to the run summary, and returns the
// source-level terminal status. A panic inside the source is recovered and
// recorded as a failed outcome.
func (o *Orchestrator) runSource(ctx context.Context, source model.SourceDescriptor) (status summary.Status) {
	defer func() {
		if r := recover(); r != nil {
			o.summary.Record(source.ID, summary.PhaseDownload, summary.StatusFailed, fmt.Sprintf("recovered panic: %v", r))
			status = summary.StatusFailed
		}
	}()

	sourceCtx, cancel := context.WithTimeout(ctx, o.sourceTimeout())
	defer cancel()

	h := o.handlerOf(source.Kind)
	if h == nil {
		o.summary.Record(source.ID, summary.PhaseDownload, summary.StatusFailed, "no handler registered for kind "+string(source.Kind))
		return summary.StatusFailed
	}

	artifacts, fetchFailures, fetchErr := h.Fetch(sourceCtx, source, o.cfg.StagingRoot)

	if sourceCtx.Err() != nil && len(artifacts) == 0 {
		o.summary.Record(source.ID, summary.PhaseDownload, summary.StatusSkippedCancelled, "cancelled before any artifact was produced")
		return summary.StatusSkippedCancelled
	}

	if fetchErr != nil && len(artifacts) == 0 {
		o.summary.Record(source.ID, summary.PhaseDownload, summary.StatusFailed, fetchErr.Error())
		return summary.StatusFailed
	}

	if len(artifacts) == 0 && len(fetchFailures) == 0 {
		o.summary.Record(source.ID, summary.PhaseDownload, summary.StatusSkipped, "no matching sub-resources")
		return summary.StatusSkipped
	}

	for _, f := range fetchFailures {
		o.log.Log(logging.With(logging.With(logging.With(logging.Event("orchestrator", "error", f.Err.Error()), "run_id", o.RunID), "source_id", source.ID), "sub_resource_id", f.SubResourceID))
	}

	if len(fetchFailures) > 0 {
		o.summary.Record(source.ID, summary.PhaseDownload, summary.StatusPartial, fmt.Sprintf("%d of %d sub-resource(s) failed to fetch", len(fetchFailures), len(artifacts)+len(fetchFailures)))
	} else {
		o.summary.Record(source.ID, summary.PhaseDownload, summary.StatusOK, "downloaded")
	}

	staged := 0
	failed := 0
	skippedUnmapped := 0
	for _, artifact := range artifacts {
		entries, err := o.mat.Stage(source, artifact)
		if err != nil {
			failed++
			o.log.Log(logging.With(logging.With(logging.Event("orchestrator", "error", err.Error()), "run_id", o.RunID), "source_id", source.ID))
			continue
		}
		// A successful Stage with no entries means every candidate entry
		// was dropped by skip_unmappable_sources (spec §9), not a failure.
		if len(entries) == 0 {
			skippedUnmapped++
			continue
		}
		staged++
	}

	// A source with ≥1 staged artifact and ≥1 artifact that failed — whether
	// the failure happened at fetch or at staging — is partial, not ok (spec
	// §4.7, §9: per-artifact outcomes must not collapse into one boolean).
	switch {
	case staged > 0 && (failed > 0 || len(fetchFailures) > 0):
		o.summary.Record(source.ID, summary.PhaseStage, summary.StatusPartial, "some sub-resources failed")
		return summary.StatusPartial
	case staged > 0:
		o.summary.Record(source.ID, summary.PhaseStage, summary.StatusOK, "staged")
		return summary.StatusOK
	case failed > 0:
		o.summary.Record(source.ID, summary.PhaseStage, summary.StatusFailed, "every artifact failed staging")
		return summary.StatusFailed
	default:
		o.summary.Record(source.ID, summary.PhaseStage, summary.StatusSkipped, "no name mapping")
		return summary.StatusSkipped
	}
}

func (o *Orchestrator) sourceTimeout() time.Duration {
	if o.cfg.SourceTimeout <= 0 {
		return 15 * time.Minute
	}
	return o.cfg.SourceTimeout
}

// CleanupBeforeRun removes downloadsRoot and/or stagingRoot, each root
// directory itself together with everything under it, before the pool
// starts, when the corresponding global settings are enabled; handlers and
// the materializer recreate the directories they write to. Handlers
// download under the staging root, so a staging cleanup means DirectFile's
// "already exists" short-circuit never triggers on that run; a downloads
// cleanup does not touch the directory the short-circuit checks (spec
// §4.5.1, §9).
func CleanupBeforeRun(downloadsRoot, stagingRoot string, cleanupDownloads, cleanupStaging bool) error {
	if cleanupDownloads {
		if err := os.RemoveAll(downloadsRoot); err != nil {
			return err
		}
	}
	if cleanupStaging {
		if err := os.RemoveAll(stagingRoot); err != nil {
			return err
		}
	}
	return nil
}
