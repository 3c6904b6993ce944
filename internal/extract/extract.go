// Package extract implements the Extractor: given a table, column list,
// optional date predicate, and optional row-cursor checkpoint, it produces
// a lazy sequence of fixed-size row batches from the source, with network
// retry/backoff. The iterator it returns is consumed exactly once, in
// order, and is not restartable — restart semantics are a property of the
// (table, window) work unit, handled one layer up by the Replication
// Driver, not by the iterator itself.
package extract

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/jfoltran/posreplicator/internal/apperrors"
	"github.com/jfoltran/posreplicator/internal/catalog"
	"github.com/jfoltran/posreplicator/internal/obslog"
)

// Window describes one (table, window) extraction predicate. FullTable
// windows carry no date bounds; a DateColumn set on one only chooses the
// ORDER BY column and adds no WHERE clause.
type Window struct {
	DateColumn string
	Start      time.Time
	End        time.Time
	FullTable  bool
}

// Cursor is the resume checkpoint: the ordering key of the last row
// successfully emitted before a mid-stream failure.
type Cursor struct {
	LastKey any
}

// Batch is an ordered group of rows of a single table, all columns present
// in catalog order, of length at most the configured chunk size.
type Batch struct {
	Columns []string
	Rows    [][]any
}

// Extractor streams batches from one source connection pool.
type Extractor struct {
	source *pgxpool.Pool
	logger zerolog.Logger
}

// NewExtractor creates an Extractor bound to the source pool.
func NewExtractor(source *pgxpool.Pool, logger zerolog.Logger) *Extractor {
	return &Extractor{
		source: source,
		logger: obslog.Component(logger, "extract"),
	}
}

// retryPolicy implements the spec's backoff schedule: base 2s, factor 2,
// cap 32s, up to 5 attempts, with full jitter.
var retryPolicy = struct {
	base       time.Duration
	factor     float64
	cap        time.Duration
	maxAttempt int
}{base: 2 * time.Second, factor: 2, cap: 32 * time.Second, maxAttempt: 5}

// jitter is overridable in tests so backoff delays are deterministic.
var jitter = func(d time.Duration) time.Duration { return time.Duration(rand.Int63n(int64(d) + 1)) }

func backoffDelay(attempt int) time.Duration {
	d := retryPolicy.base
	for i := 1; i < attempt; i++ {
		d = time.Duration(float64(d) * retryPolicy.factor)
		if d > retryPolicy.cap {
			d = retryPolicy.cap
			break
		}
	}
	return jitter(d)
}

// isTransient classifies connection reset, incomplete read, and protocol
// errors as retryable; authentication and schema errors are not.
func isTransient(err error) bool {
	if err == nil {
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return false
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "28000", "28P01", "3D000", "42703", "42P01": // auth / missing db / missing column or relation
			return false
		}
		return true
	}
	msg := err.Error()
	for _, s := range []string{"connection reset", "broken pipe", "EOF", "i/o timeout", "connection refused"} {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return false
}

func withRetry(ctx context.Context, logger zerolog.Logger, op string, fn func() error) error {
	var lastErr error
	for attempt := 1; attempt <= retryPolicy.maxAttempt; attempt++ {
		lastErr = fn()
		if lastErr == nil {
			return nil
		}
		if !isTransient(lastErr) {
			if errors.Is(lastErr, apperrors.ErrSchemaMismatch) {
				return lastErr
			}
			return fmt.Errorf("%w: %s: %v", apperrors.ErrSourceUnavailable, op, lastErr)
		}
		if attempt == retryPolicy.maxAttempt {
			break
		}
		delay := backoffDelay(attempt)
		logger.Warn().Err(lastErr).Str("op", op).Int("attempt", attempt).Dur("backoff", delay).Msg("transient source fault, retrying")
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return fmt.Errorf("%w: %s: exhausted %d attempts: %v", apperrors.ErrSourceUnavailable, op, retryPolicy.maxAttempt, lastErr)
}

// BatchStream is the explicit, single-consumption batch iterator.
type BatchStream struct {
	ex        *Extractor
	td        catalog.TableDescriptor
	window    Window
	chunkSize int
	orderCol  string

	rows     pgx.Rows
	lastKey  any
	rowsSeen int64
}

// Stream opens a streaming cursor over the table and window, ordered by the
// date-filter column (if the window has one) or the primary key otherwise,
// and returns a BatchStream ready for repeated Next calls. If resume is
// non-nil the stream starts after the given cursor key instead of from the
// beginning — only valid when the table is Resumable.
func (e *Extractor) Stream(ctx context.Context, td catalog.TableDescriptor, w Window, chunkSize int, resume *Cursor) (*BatchStream, error) {
	if resume != nil && !td.Resumable {
		return nil, fmt.Errorf("%w: table %s has neither a date-filter column nor a primary key, not resumable mid-stream",
			apperrors.ErrSchemaMismatch, td.Name)
	}

	orderCol := w.DateColumn
	if orderCol == "" {
		orderCol = td.PrimaryKey
	}

	query, args := buildSelect(td, w, orderCol, resume)

	bs := &BatchStream{ex: e, td: td, window: w, chunkSize: chunkSize, orderCol: orderCol}
	if resume != nil {
		bs.lastKey = resume.LastKey
	}

	err := withRetry(ctx, e.logger, "open cursor", func() error {
		rows, err := e.source.Query(ctx, query, args...)
		if err != nil {
			return err
		}
		bs.rows = rows
		return verifyColumns(rows, td)
	})
	if err != nil {
		return nil, err
	}
	return bs, nil
}

func verifyColumns(rows pgx.Rows, td catalog.TableDescriptor) error {
	fields := rows.FieldDescriptions()
	want := td.ColumnNames()
	if len(fields) != len(want) {
		return fmt.Errorf("%w: table %s expected %d columns, source returned %d",
			apperrors.ErrSchemaMismatch, td.Name, len(want), len(fields))
	}
	for i, f := range fields {
		if f.Name != want[i] {
			return fmt.Errorf("%w: table %s column %d expected %q, source returned %q",
				apperrors.ErrSchemaMismatch, td.Name, i, want[i], f.Name)
		}
	}
	return nil
}

func buildSelect(td catalog.TableDescriptor, w Window, orderCol string, resume *Cursor) (string, []any) {
	cols := strings.Join(quoteIdents(td.ColumnNames()), ", ")
	qn := quoteIdent(td.Name)

	var sb strings.Builder
	fmt.Fprintf(&sb, "SELECT %s FROM %s", cols, qn)

	var args []any
	argN := 0
	nextArg := func(v any) string {
		argN++
		args = append(args, v)
		return fmt.Sprintf("$%d", argN)
	}

	var clauses []string
	if !w.FullTable && w.DateColumn != "" {
		clauses = append(clauses, fmt.Sprintf("%s >= %s", quoteIdent(w.DateColumn), nextArg(w.Start)))
		clauses = append(clauses, fmt.Sprintf("%s < %s", quoteIdent(w.DateColumn), nextArg(w.End)))
	}
	if resume != nil && orderCol != "" {
		clauses = append(clauses, fmt.Sprintf("%s > %s", quoteIdent(orderCol), nextArg(resume.LastKey)))
	}
	if len(clauses) > 0 {
		sb.WriteString(" WHERE ")
		sb.WriteString(strings.Join(clauses, " AND "))
	}
	if orderCol != "" {
		fmt.Fprintf(&sb, " ORDER BY %s", quoteIdent(orderCol))
	}
	return sb.String(), args
}

// Next returns the next batch of at most chunkSize rows, or ok=false once
// the cursor is exhausted. Cancellation is checked between batches, not
// mid-batch: an in-flight database call is not interrupted.
func (bs *BatchStream) Next(ctx context.Context) (Batch, bool, error) {
	if ctx.Err() != nil {
		return Batch{}, false, fmt.Errorf("%w", apperrors.ErrCancelled)
	}

	cols := bs.td.ColumnNames()
	batch := Batch{Columns: cols}

	for len(batch.Rows) < bs.chunkSize {
		if !bs.rows.Next() {
			if err := bs.rows.Err(); err != nil {
				return batch, len(batch.Rows) > 0, fmt.Errorf("%w: read rows: %v", apperrors.ErrSourceUnavailable, err)
			}
			bs.rows.Close()
			if len(batch.Rows) == 0 {
				return Batch{}, false, nil
			}
			return batch, true, nil
		}
		vals, err := bs.rows.Values()
		if err != nil {
			return batch, len(batch.Rows) > 0, fmt.Errorf("%w: scan row: %v", apperrors.ErrSourceUnavailable, err)
		}
		batch.Rows = append(batch.Rows, vals)
		bs.rowsSeen++
		if bs.orderCol != "" {
			if idx := indexOf(cols, bs.orderCol); idx >= 0 {
				bs.lastKey = vals[idx]
			}
		}
	}
	return batch, true, nil
}

// Cursor returns the resume checkpoint as of the last row emitted.
func (bs *BatchStream) Cursor() Cursor {
	return Cursor{LastKey: bs.lastKey}
}

// RowsSeen returns the count of rows emitted so far.
func (bs *BatchStream) RowsSeen() int64 {
	return bs.rowsSeen
}

// Close releases the underlying cursor. Safe to call multiple times.
func (bs *BatchStream) Close() {
	if bs.rows != nil {
		bs.rows.Close()
	}
}

func indexOf(ss []string, s string) int {
	for i, v := range ss {
		if v == s {
			return i
		}
	}
	return -1
}

func quoteIdent(s string) string {
	return `"` + strings.ReplaceAll(s, `"`, `""`) + `"`
}

func quoteIdents(ss []string) []string {
	out := make([]string, len(ss))
	for i, s := range ss {
		out[i] = quoteIdent(s)
	}
	return out
}
