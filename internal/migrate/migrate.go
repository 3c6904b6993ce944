// Package migrate applies ordered SQL migration files to the target to
// (re)create replica tables, metadata tables, audit views, and indexes.
// Each file is treated as individually idempotent — it is the migration
// author's responsibility to use existence guards (CREATE TABLE IF NOT
// EXISTS, CREATE OR REPLACE VIEW) — and on failure the applier aborts
// without rolling back files that already succeeded, since migrations
// are append-only.
package migrate

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/jfoltran/posreplicator/internal/obslog"
)

// Applier executes ordered SQL migration files against the target.
type Applier struct {
	target *pgxpool.Pool
	logger zerolog.Logger
}

// NewApplier creates an Applier bound to the target pool.
func NewApplier(target *pgxpool.Pool, logger zerolog.Logger) *Applier {
	return &Applier{
		target: target,
		logger: obslog.Component(logger, "migrate"),
	}
}

// Result summarizes one Apply run.
type Result struct {
	FilesApplied      int
	StatementsApplied int
}

// Apply reads every *.sql file under dir, sorted lexically by filename (the
// numeric prefix convention, e.g. 001_replica_tables.sql, 002_progress.sql),
// and executes each file's statements in order.
func (a *Applier) Apply(ctx context.Context, dir string) (Result, error) {
	files, err := listMigrationFiles(dir)
	if err != nil {
		return Result{}, err
	}

	var res Result
	for _, path := range files {
		a.logger.Info().Str("file", filepath.Base(path)).Msg("applying migration")
		raw, err := os.ReadFile(path)
		if err != nil {
			return res, fmt.Errorf("read migration %s: %w", path, err)
		}

		stmts := splitStatements(string(raw))
		for i, stmt := range stmts {
			stmtCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
			_, err := a.target.Exec(stmtCtx, stmt)
			cancel()
			if err != nil {
				if isDuplicateObjectErr(err) {
					a.logger.Debug().Str("file", filepath.Base(path)).Int("stmt", i).Msg("skipping (already exists)")
					continue
				}
				a.logger.Warn().Str("file", filepath.Base(path)).Str("statement", truncate(stmt, 200)).Err(err).Msg("migration statement failed")
				return res, fmt.Errorf("apply %s statement %d: %w", filepath.Base(path), i, err)
			}
			res.StatementsApplied++
		}
		res.FilesApplied++
	}

	a.logger.Info().Int("files", res.FilesApplied).Int("statements", res.StatementsApplied).Msg("migrations applied")
	return res, nil
}

func listMigrationFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("list migrations dir %s: %w", dir, err)
	}
	var files []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".sql") {
			continue
		}
		files = append(files, filepath.Join(dir, e.Name()))
	}
	sort.Strings(files)
	return files, nil
}

// splitStatements parses a migration file into individual SQL statements,
// stripping blank lines, line comments, and psql meta-commands, while
// correctly handling dollar-quoted strings (e.g. $$ or $tag$) so semicolons
// inside PL/pgSQL function bodies are not treated as statement terminators.
func splitStatements(sqlText string) []string {
	var stmts []string
	var current strings.Builder
	inDollarQuote := false
	dollarTag := ""

	for _, line := range strings.Split(sqlText, "\n") {
		trimmed := strings.TrimSpace(line)

		if trimmed == "" || strings.HasPrefix(trimmed, "--") {
			continue
		}
		if strings.HasPrefix(trimmed, "\\") {
			continue
		}

		current.WriteString(line)
		current.WriteByte('\n')

		inDollarQuote, dollarTag = trackDollarQuoting(line, inDollarQuote, dollarTag)

		if !inDollarQuote && strings.HasSuffix(trimmed, ";") {
			if stmt := strings.TrimSpace(current.String()); stmt != "" {
				stmts = append(stmts, stmt)
			}
			current.Reset()
		}
	}

	if trailing := strings.TrimSpace(current.String()); trailing != "" {
		stmts = append(stmts, trailing)
	}

	return stmts
}

func trackDollarQuoting(line string, inQuote bool, currentTag string) (bool, string) {
	i := 0
	for i < len(line) {
		if line[i] != '$' {
			i++
			continue
		}
		tag, end := parseDollarTag(line, i)
		if tag == "" {
			i++
			continue
		}
		if !inQuote {
			inQuote = true
			currentTag = tag
		} else if tag == currentTag {
			inQuote = false
			currentTag = ""
		}
		i = end
	}
	return inQuote, currentTag
}

func parseDollarTag(line string, pos int) (string, int) {
	if pos >= len(line) || line[pos] != '$' {
		return "", pos
	}
	j := pos + 1
	if j < len(line) && line[j] == '$' {
		return "$$", j + 1
	}
	for j < len(line) && isDollarTagChar(line[j]) {
		j++
	}
	if j > pos+1 && j < len(line) && line[j] == '$' {
		return line[pos : j+1], j + 1
	}
	return "", pos
}

func isDollarTagChar(c byte) bool {
	return (c >= 'A' && c <= 'Z') || (c >= 'a' && c <= 'z') || (c >= '0' && c <= '9') || c == '_'
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

func isDuplicateObjectErr(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "42P07", "42P16", "42710":
			return true
		}
	}
	return false
}
