// Package driver implements the Replication Driver: it glues the Extractor
// and Loader for a single (table, window) unit of work, with progress
// accounting at every transition. The claim/run/terminal-status shape is
// grounded on the teacher's internal/migrationstore.Runner — the same
// claim-before-run, always-reach-a-terminal-state discipline, adapted from
// a long-lived background job runner to a synchronous one-shot state
// machine since a replication window has no switchover or follow phase.
package driver

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/jfoltran/posreplicator/internal/apperrors"
	"github.com/jfoltran/posreplicator/internal/catalog"
	"github.com/jfoltran/posreplicator/internal/extract"
	"github.com/jfoltran/posreplicator/internal/load"
	"github.com/jfoltran/posreplicator/internal/obslog"
	"github.com/jfoltran/posreplicator/internal/progress"
)

// Options controls one Run call.
type Options struct {
	// SkipExisting makes Run a no-op when the work unit already has a
	// COMPLETED progress record, instead of re-running it.
	SkipExisting bool
}

// Outcome reports what Run did.
type Outcome struct {
	Record  progress.Record
	Skipped bool
}

// Driver runs one (table, window) unit of work end to end.
type Driver struct {
	extractor      *extract.Extractor
	loader         *load.Loader
	progress       *progress.Store
	catalog        *catalog.Catalog
	logger         zerolog.Logger
	chunkSize      int
	commitInterval int
}

// New builds a Driver from its collaborators.
func New(ex *extract.Extractor, ld *load.Loader, store *progress.Store, cat *catalog.Catalog, chunkSize, commitInterval int, logger zerolog.Logger) *Driver {
	return &Driver{
		extractor:      ex,
		loader:         ld,
		progress:       store,
		catalog:        cat,
		chunkSize:      chunkSize,
		commitInterval: commitInterval,
		logger:         obslog.Component(logger, "driver"),
	}
}

// Run drives one (table, window) unit through
// INIT -> CLAIMED -> DELETING -> LOADING -> INDEXING -> COMPLETED, or to a
// terminal FAILED/INTERRUPTED state on error. Every path except WorkUnitBusy
// and the SkipExisting no-op reaches a terminal progress row before Run
// returns, so a crash between transitions is the only way to leave a
// RUNNING row behind. Such a row keeps later claims of the same work unit
// failing with WorkUnitBusy until progress.Store.RecoverStale marks it
// INTERRUPTED; no command in this module calls RecoverStale.
func (d *Driver) Run(ctx context.Context, jobDate time.Time, table string, win extract.Window, opts Options) (Outcome, error) {
	log := d.logger.With().Str("table", table).Time("job_date", jobDate).Logger()

	td, err := d.catalog.Describe(table)
	if err != nil {
		return Outcome{}, err
	}

	key := progress.WindowKey{
		Table:       table,
		JobDate:     jobDate,
		WindowStart: win.Start,
		WindowEnd:   win.End,
		FullTable:   win.FullTable,
	}

	rec, skipped, err := d.progress.Claim(ctx, key, opts.SkipExisting)
	if err != nil {
		return Outcome{}, err
	}
	if skipped {
		log.Info().Msg("work unit already completed, skipping")
		return Outcome{Record: rec, Skipped: true}, nil
	}
	log.Info().Int64("progress_id", rec.ID).Msg("claimed work unit")

	targetTable := d.catalog.TargetTableName(table)

	loadWindow := load.Window{
		DateColumn: win.DateColumn,
		Start:      win.Start,
		End:        win.End,
		FullTable:  win.FullTable,
	}

	stream, err := d.extractor.Stream(ctx, td, win, d.chunkSize, nil)
	if err != nil {
		return d.fail(ctx, rec, 0, 0, err)
	}
	defer stream.Close()

	result, loadErr := d.loader.Load(ctx, targetTable, loadWindow, stream, d.commitInterval)
	rowsExtracted := stream.RowsSeen()

	if loadErr != nil {
		if errors.Is(ctx.Err(), context.Canceled) {
			if ierr := d.progress.Interrupt(context.Background(), rec.ID, rowsExtracted, result.RowsLoaded); ierr != nil {
				log.Error().Err(ierr).Msg("failed to record interruption")
			}
			return Outcome{Record: rec}, fmt.Errorf("%w: %v", apperrors.ErrCancelled, loadErr)
		}
		return d.fail(ctx, rec, rowsExtracted, result.RowsLoaded, loadErr)
	}

	if err := d.progress.Complete(ctx, rec.ID, rowsExtracted, result.RowsLoaded); err != nil {
		return Outcome{Record: rec}, err
	}

	rec.Status = progress.StatusCompleted
	rec.RowsExtracted = rowsExtracted
	rec.RowsLoaded = result.RowsLoaded
	log.Info().Int64("rows_extracted", rowsExtracted).Int64("rows_loaded", result.RowsLoaded).Msg("work unit completed")
	return Outcome{Record: rec}, nil
}

func (d *Driver) fail(ctx context.Context, rec progress.Record, rowsExtracted, rowsLoaded int64, cause error) (Outcome, error) {
	bgCtx := context.Background()
	d.logger.Error().Err(cause).Int64("progress_id", rec.ID).Str("table", rec.Key.Table).Msg("work unit failed")
	if err := d.progress.Fail(bgCtx, rec.ID, rowsExtracted, rowsLoaded, cause.Error()); err != nil {
		d.logger.Error().Err(err).Int64("progress_id", rec.ID).Msg("failed to record failure")
	}
	rec.Status = progress.StatusFailed
	return Outcome{Record: rec}, cause
}
