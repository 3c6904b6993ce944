// Package progress implements the Progress & Audit Store: two metadata
// tables in the target (etl_replica_progress, replica_run_history) plus
// UpdateChunk for last-completed-chunk bookkeeping (not called by the
// Driver or Loader in this module). All writers go through this store's methods — nobody else
// issues raw writes to these tables, per the "progress records are
// shared-write" ownership rule.
package progress

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/jfoltran/posreplicator/internal/apperrors"
)

// Status is the lifecycle state of one progress record.
type Status string

const (
	StatusRunning     Status = "RUNNING"
	StatusCompleted   Status = "COMPLETED"
	StatusFailed      Status = "FAILED"
	StatusInterrupted Status = "INTERRUPTED"
)

// WindowKey identifies one work unit: a table and a half-open date window,
// or the sentinel full-table window (WindowStart/WindowEnd left zero).
type WindowKey struct {
	Table       string
	JobDate     time.Time
	WindowStart time.Time
	WindowEnd   time.Time
	FullTable   bool
}

// Record is one row of etl_replica_progress.
type Record struct {
	ID             int64
	Key            WindowKey
	BatchStart     time.Time
	BatchEnd       time.Time
	RowsExtracted  int64
	RowsLoaded     int64
	Status         Status
	LastChunkID    int64
	CheckpointData string
	Message        string
}

// RunType classifies one orchestrator invocation.
type RunType string

const (
	RunTypeT0       RunType = "T0"
	RunTypeT1       RunType = "T1"
	RunTypeBackfill RunType = "backfill"
	RunTypeManual   RunType = "manual"
)

// RunHistory is one row of replica_run_history.
type RunHistory struct {
	ID              int64
	RunID           string
	RunType         RunType
	StartTS         time.Time
	EndTS           time.Time
	RangeStart      time.Time
	RangeEnd        time.Time
	ProcessedTables []string
	Success         bool
	ErrorMessage    string
}

// Store is the Progress & Audit Store backed by a target connection pool.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore wraps a target pool as a Store.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Claim attempts the INIT -> CLAIMED transition for one work unit: it
// inserts a new RUNNING record unless a RUNNING record already exists (in
// which case it fails with ErrWorkUnitBusy, unless skipExisting is set and
// there's a COMPLETED record — then it reports a no-op instead of an error).
//
// Per spec: if a FAILED/INTERRUPTED row exists, the driver re-runs from
// scratch because delete-before-insert makes partial state safe to
// overwrite; Claim does not special-case those statuses beyond allowing
// a fresh claim.
func (s *Store) Claim(ctx context.Context, key WindowKey, skipExisting bool) (rec Record, skipped bool, err error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, status FROM etl_replica_progress
		WHERE table_name = $1 AND job_date = $2 AND window_start = $3 AND window_end = $4
		ORDER BY id DESC`,
		key.Table, key.JobDate, key.WindowStart, key.WindowEnd)
	if err != nil {
		return Record{}, false, fmt.Errorf("%w: query existing progress: %v", apperrors.ErrTargetUnavailable, err)
	}

	var latestStatus Status
	var latestID int64
	haveLatest := false
	for rows.Next() {
		var id int64
		var status string
		if err := rows.Scan(&id, &status); err != nil {
			rows.Close()
			return Record{}, false, fmt.Errorf("scan progress row: %w", err)
		}
		if !haveLatest {
			latestID, latestStatus, haveLatest = id, Status(status), true
		}
		if Status(status) == StatusRunning {
			rows.Close()
			return Record{}, false, fmt.Errorf("%w: table=%s window=[%s,%s)",
				apperrors.ErrWorkUnitBusy, key.Table, key.WindowStart, key.WindowEnd)
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return Record{}, false, fmt.Errorf("%w: %v", apperrors.ErrTargetUnavailable, err)
	}

	if skipExisting && haveLatest && latestStatus == StatusCompleted {
		return Record{ID: latestID, Key: key, Status: StatusCompleted}, true, nil
	}

	now := time.Now()
	var id int64
	err = s.pool.QueryRow(ctx, `
		INSERT INTO etl_replica_progress
			(table_name, job_date, window_start, window_end, batch_start, status)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id`,
		key.Table, key.JobDate, key.WindowStart, key.WindowEnd, now, StatusRunning).Scan(&id)
	if err != nil {
		return Record{}, false, fmt.Errorf("%w: claim work unit: %v", apperrors.ErrTargetUnavailable, err)
	}

	return Record{ID: id, Key: key, BatchStart: now, Status: StatusRunning}, false, nil
}

// UpdateChunk records the last-completed chunk id and an optional resume
// checkpoint blob, without changing status. The Driver and Loader do not
// call it, so their progress rows keep last_chunk_id 0 and no checkpoint.
func (s *Store) UpdateChunk(ctx context.Context, id int64, chunkID int64, checkpoint any) error {
	blob, err := json.Marshal(checkpoint)
	if err != nil {
		return fmt.Errorf("marshal checkpoint: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		UPDATE etl_replica_progress SET last_chunk_id = $2, checkpoint_data = $3 WHERE id = $1`,
		id, chunkID, string(blob))
	if err != nil {
		return fmt.Errorf("%w: update chunk: %v", apperrors.ErrTargetUnavailable, err)
	}
	return nil
}

// Complete writes the terminal COMPLETED row. rowsExtracted must equal
// rowsLoaded, per the progress-monotonicity invariant.
func (s *Store) Complete(ctx context.Context, id int64, rowsExtracted, rowsLoaded int64) error {
	return s.terminate(ctx, id, StatusCompleted, rowsExtracted, rowsLoaded, "")
}

// Fail writes the terminal FAILED row with the given message.
func (s *Store) Fail(ctx context.Context, id int64, rowsExtracted, rowsLoaded int64, message string) error {
	return s.terminate(ctx, id, StatusFailed, rowsExtracted, rowsLoaded, message)
}

// Interrupt writes the terminal INTERRUPTED row (cooperative cancellation observed).
func (s *Store) Interrupt(ctx context.Context, id int64, rowsExtracted, rowsLoaded int64) error {
	return s.terminate(ctx, id, StatusInterrupted, rowsExtracted, rowsLoaded, "cancelled")
}

func (s *Store) terminate(ctx context.Context, id int64, status Status, rowsExtracted, rowsLoaded int64, message string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE etl_replica_progress SET
			status = $2, rows_extracted = $3, rows_loaded = $4, message = $5, batch_end = now()
		WHERE id = $1`,
		id, status, rowsExtracted, rowsLoaded, message)
	if err != nil {
		return fmt.Errorf("%w: terminate progress record: %v", apperrors.ErrTargetUnavailable, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("progress record %d not found", id)
	}
	return nil
}

// RecoverStale scans for RUNNING rows left behind by a process crash and
// marks them INTERRUPTED, making them eligible for re-claim on the next run.
func (s *Store) RecoverStale(ctx context.Context) (int, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE etl_replica_progress SET status = $1, message = 'process was interrupted', batch_end = now()
		WHERE status = $2`, StatusInterrupted, StatusRunning)
	if err != nil {
		return 0, fmt.Errorf("%w: recover stale progress: %v", apperrors.ErrTargetUnavailable, err)
	}
	return int(tag.RowsAffected()), nil
}

// Latest returns the most recent progress record for the given work unit, if any.
func (s *Store) Latest(ctx context.Context, key WindowKey) (Record, bool, error) {
	var rec Record
	var status string
	err := s.pool.QueryRow(ctx, `
		SELECT id, status, rows_extracted, rows_loaded, message
		FROM etl_replica_progress
		WHERE table_name = $1 AND job_date = $2 AND window_start = $3 AND window_end = $4
		ORDER BY id DESC LIMIT 1`,
		key.Table, key.JobDate, key.WindowStart, key.WindowEnd,
	).Scan(&rec.ID, &status, &rec.RowsExtracted, &rec.RowsLoaded, &rec.Message)
	if errors.Is(err, pgx.ErrNoRows) {
		return Record{}, false, nil
	}
	if err != nil {
		return Record{}, false, fmt.Errorf("%w: %v", apperrors.ErrTargetUnavailable, err)
	}
	rec.Key = key
	rec.Status = Status(status)
	return rec, true, nil
}

// CreateRun inserts a new run-history record in progress (EndTS zero until Finish).
func (s *Store) CreateRun(ctx context.Context, rh RunHistory) (int64, error) {
	var id int64
	err := s.pool.QueryRow(ctx, `
		INSERT INTO replica_run_history
			(run_id, run_type, start_ts, range_start, range_end, success)
		VALUES ($1, $2, $3, $4, $5, false)
		RETURNING id`,
		rh.RunID, rh.RunType, rh.StartTS, rh.RangeStart, rh.RangeEnd).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("%w: create run history: %v", apperrors.ErrTargetUnavailable, err)
	}
	return id, nil
}

// FinishRun writes the terminal fields of a run-history record.
func (s *Store) FinishRun(ctx context.Context, id int64, processedTables []string, success bool, errMsg string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE replica_run_history SET
			end_ts = now(), processed_tables = $2, success = $3, error_message = $4
		WHERE id = $1`,
		id, processedTables, success, errMsg)
	if err != nil {
		return fmt.Errorf("%w: finish run history: %v", apperrors.ErrTargetUnavailable, err)
	}
	return nil
}
