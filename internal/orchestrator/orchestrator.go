// Package orchestrator implements the Daily Orchestrator: a T-0 load pass
// followed by a T-1 reconciliation pass over the same tables, with
// per-table failure aggregation into a single run-history record. It never
// short-circuits on the first failing table — every configured table gets
// both passes — mirroring the teacher's Runner.run discipline of always
// reaching a terminal run-history write regardless of per-job outcome.
package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/jfoltran/posreplicator/internal/driver"
	"github.com/jfoltran/posreplicator/internal/extract"
	"github.com/jfoltran/posreplicator/internal/obslog"
	"github.com/jfoltran/posreplicator/internal/progress"
)

// Pass identifies which of the two daily reconciliation passes a result
// belongs to.
type Pass string

const (
	PassT0 Pass = "T0"
	PassT1 Pass = "T1"
)

// TableResult is the outcome of one (table, pass) run.
type TableResult struct {
	Table   string
	Pass    Pass
	Outcome driver.Outcome
	Err     error
}

// Options controls one orchestrator invocation.
type Options struct {
	Date         time.Time // business date D; T-0 is [D, D+1), T-1 is [D-1, D)
	Tables       []string
	SkipT1       bool
	SkipExisting bool
	DateColumns  map[string]string // table -> date-filter column
}

// Result is the full outcome of one Run call.
type Result struct {
	RunID   string
	Results []TableResult
	Success bool
}

// Orchestrator runs the daily two-pass reconciliation across a fixed table
// list, using one shared Driver (extract/load/progress are table-agnostic;
// only the catalog lookup inside Driver.Run varies per call).
type Orchestrator struct {
	drv    *driver.Driver
	store  *progress.Store
	logger zerolog.Logger
}

// New builds an Orchestrator.
func New(drv *driver.Driver, store *progress.Store, logger zerolog.Logger) *Orchestrator {
	return &Orchestrator{drv: drv, store: store, logger: obslog.Component(logger, "orchestrator")}
}

// Run executes the T-0 pass over every configured table, then the T-1 pass
// (unless SkipT1), writes one run-history row covering both, and returns
// Success=false if any table failed in either pass. The caller (the CLI)
// is responsible for translating Success=false into a non-zero exit code.
func (o *Orchestrator) Run(ctx context.Context, opts Options) (Result, error) {
	runID := uuid.NewString()
	startTS := time.Now()

	t0Start, t0End, t1Start, t1End := PassWindows(opts.Date)

	rangeStart, rangeEnd := t0Start, t0End
	if !opts.SkipT1 {
		rangeStart = t1Start
	}

	runHistoryID, err := o.store.CreateRun(ctx, progress.RunHistory{
		RunID:      runID,
		RunType:    progress.RunTypeT0,
		StartTS:    startTS,
		RangeStart: rangeStart,
		RangeEnd:   rangeEnd,
	})
	if err != nil {
		return Result{}, fmt.Errorf("create run history: %w", err)
	}

	var results []TableResult
	results = append(results, o.runPass(ctx, PassT0, t0Start, t0End, opts)...)
	if !opts.SkipT1 {
		results = append(results, o.runPass(ctx, PassT1, t1Start, t1End, opts)...)
	}

	success, errMsg := aggregateResults(results)
	if err := o.store.FinishRun(ctx, runHistoryID, opts.Tables, success, errMsg); err != nil {
		o.logger.Error().Err(err).Msg("failed to finish run history record")
	}

	return Result{RunID: runID, Results: results, Success: success}, nil
}

// PassWindows computes the T-0 ([date, date+1)) and T-1 ([date-1, date))
// half-open windows for a business date, the exact boundaries Run uses for
// both passes.
func PassWindows(date time.Time) (t0Start, t0End, t1Start, t1End time.Time) {
	t0Start = date
	t0End = date.AddDate(0, 0, 1)
	t1Start = date.AddDate(0, 0, -1)
	t1End = date
	return
}

// aggregateResults folds per-(table, pass) results into the overall
// success flag and the error message Run persists to run history: false
// and the first failure's message as soon as any result failed.
func aggregateResults(results []TableResult) (success bool, errMsg string) {
	success = true
	var firstErr error
	for _, r := range results {
		if r.Err != nil {
			success = false
			if firstErr == nil {
				firstErr = fmt.Errorf("table %s (%s): %w", r.Table, r.Pass, r.Err)
			}
		}
	}
	if firstErr != nil {
		errMsg = firstErr.Error()
	}
	return success, errMsg
}

func (o *Orchestrator) runPass(ctx context.Context, pass Pass, start, end time.Time, opts Options) []TableResult {
	results := make([]TableResult, 0, len(opts.Tables))
	for _, table := range opts.Tables {
		log := o.logger.With().Str("table", table).Str("pass", string(pass)).Logger()
		log.Info().Time("window_start", start).Time("window_end", end).Msg("starting pass")

		win := extract.Window{Start: start, End: end, DateColumn: opts.DateColumns[table]}
		outcome, err := o.drv.Run(ctx, start, table, win, driver.Options{SkipExisting: opts.SkipExisting})
		if err != nil {
			log.Error().Err(err).Msg("pass failed")
		} else {
			log.Info().Msg("pass complete")
		}
		results = append(results, TableResult{Table: table, Pass: pass, Outcome: outcome, Err: err})
	}
	return results
}
