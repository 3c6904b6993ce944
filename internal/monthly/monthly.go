// Package monthly implements the Monthly Parallel Streamer: it shards a
// wide date range into month-aligned windows and dispatches them across a
// bounded worker pool, each worker running a full Replication Driver
// cycle. The bounded-concurrency shape is grounded on the teacher's
// internal/migration/snapshot.Copier.CopyAll (parallel workers draining a
// shared work queue, results collected under a mutex), with the worker
// pool itself expressed as a weighted semaphore gating one goroutine per
// window rather than a fixed pool of drainer goroutines.
package monthly

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"

	"github.com/jfoltran/posreplicator/internal/driver"
	"github.com/jfoltran/posreplicator/internal/extract"
	"github.com/jfoltran/posreplicator/internal/obslog"
	"github.com/jfoltran/posreplicator/internal/progress"
)

// DefaultMaxWorkers is the deadlock-avoidance ceiling: above this, the
// table-locked bulk insert of one worker starts to conflict with another
// worker's delete against the same target table. Callers may override it
// explicitly; Streamer.Run warns when they do.
const DefaultMaxWorkers = 2

// WindowResult is the outcome of running one month window.
type WindowResult struct {
	Start   time.Time
	End     time.Time
	Outcome driver.Outcome
	Err     error
}

// Streamer runs a table's Replication Driver cycle over a set of
// month-aligned windows, in parallel, bounded by MaxWorkers.
type Streamer struct {
	drv    *driver.Driver
	store  *progress.Store
	logger zerolog.Logger
}

// NewStreamer builds a Streamer around a Driver shared by all workers. The
// Driver's extractor/loader must be safe for concurrent use across
// disjoint windows — true here because extract.Extractor and load.Loader
// hold no per-call mutable state of their own.
func NewStreamer(drv *driver.Driver, store *progress.Store, logger zerolog.Logger) *Streamer {
	return &Streamer{drv: drv, store: store, logger: obslog.Component(logger, "monthly")}
}

// MonthWindows partitions [start, end) into half-open, month-aligned
// windows: [YYYY-MM-01, next-month-01). start and end need not themselves
// fall on month boundaries; the first and last windows are clipped to them.
func MonthWindows(start, end time.Time) []extract.Window {
	if !end.After(start) {
		return nil
	}
	var windows []extract.Window
	cursor := time.Date(start.Year(), start.Month(), 1, 0, 0, 0, 0, start.Location())
	for cursor.Before(end) {
		next := cursor.AddDate(0, 1, 0)
		winStart := cursor
		if winStart.Before(start) {
			winStart = start
		}
		winEnd := next
		if winEnd.After(end) {
			winEnd = end
		}
		windows = append(windows, extract.Window{Start: winStart, End: winEnd})
		cursor = next
	}
	return windows
}

// Options controls one Run call.
type Options struct {
	MaxWorkers int // 0 means DefaultMaxWorkers
	Resume     bool
	DateColumn string
}

// Run dispatches one Driver.Run call per window, at most workers in
// flight at a time. Each window gets exactly one goroutine — windows are
// partitioned up front into disjoint ranges, so there is no contention
// over who processes which window.
func (s *Streamer) Run(ctx context.Context, table string, windows []extract.Window, opts Options) []WindowResult {
	workers := opts.MaxWorkers
	if workers <= 0 {
		workers = DefaultMaxWorkers
	}
	if workers > DefaultMaxWorkers {
		s.logger.Warn().Int("workers", workers).Int("recommended_max", DefaultMaxWorkers).
			Msg("worker count above the deadlock-avoidance ceiling; proceeding at operator's request")
	}

	pending := windows
	if opts.Resume {
		pending = s.filterCompleted(ctx, table, windows)
	}

	sem := semaphore.NewWeighted(int64(workers))
	var (
		mu      sync.Mutex
		results []WindowResult
		wg      sync.WaitGroup
	)

	for _, w := range pending {
		if err := sem.Acquire(ctx, 1); err != nil {
			mu.Lock()
			results = append(results, WindowResult{Start: w.Start, End: w.End, Err: err})
			mu.Unlock()
			continue
		}
		wg.Add(1)
		go func(w extract.Window) {
			defer wg.Done()
			defer sem.Release(1)

			w.DateColumn = opts.DateColumn
			log := s.logger.With().Time("window_start", w.Start).Time("window_end", w.End).Logger()
			log.Info().Msg("starting month window")

			outcome, err := s.drv.Run(ctx, w.Start, table, w, driver.Options{SkipExisting: opts.Resume})
			if err != nil {
				log.Error().Err(err).Msg("month window failed")
			} else {
				log.Info().Msg("month window complete")
			}

			mu.Lock()
			results = append(results, WindowResult{Start: w.Start, End: w.End, Outcome: outcome, Err: err})
			mu.Unlock()
		}(w)
	}

	wg.Wait()
	return results
}

func (s *Streamer) filterCompleted(ctx context.Context, table string, windows []extract.Window) []extract.Window {
	var pending []extract.Window
	for _, w := range windows {
		key := progress.WindowKey{Table: table, JobDate: w.Start, WindowStart: w.Start, WindowEnd: w.End}
		rec, ok, err := s.store.Latest(ctx, key)
		if err != nil {
			s.logger.Warn().Err(err).Msg("failed to check existing progress, re-queuing window")
			pending = append(pending, w)
			continue
		}
		if ok && rec.Status == progress.StatusCompleted {
			s.logger.Info().Time("window_start", w.Start).Msg("skipping already-completed window")
			continue
		}
		pending = append(pending, w)
	}
	return pending
}

// Summarize builds a one-line report and the total failure count for the
// replicate-monthly-parallel command.
func Summarize(results []WindowResult) (report string, failures int) {
	for _, r := range results {
		if r.Err != nil {
			failures++
		}
	}
	return fmt.Sprintf("%d windows, %d failed", len(results), failures), failures
}
