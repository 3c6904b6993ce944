//go:build integration

package driver_test

import (
	"context"
	"fmt"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/jfoltran/posreplicator/internal/catalog"
	"github.com/jfoltran/posreplicator/internal/driver"
	"github.com/jfoltran/posreplicator/internal/extract"
	"github.com/jfoltran/posreplicator/internal/load"
	"github.com/jfoltran/posreplicator/internal/progress"
	"github.com/jfoltran/posreplicator/internal/testutil"
)

func TestMain(m *testing.M) {
	rt := testutil.ContainerRuntime()
	if rt == "" {
		fmt.Fprintln(os.Stderr, "SKIP: no container runtime found (docker or podman)")
		os.Exit(0)
	}

	alreadyRunning := testutil.TryPing(testutil.SourceDSN()) && testutil.TryPing(testutil.TargetDSN())
	if !alreadyRunning {
		fmt.Fprintf(os.Stderr, "starting test containers with %s...\n", rt)
		if err := testutil.RunCompose("up", "-d", "--wait"); err != nil {
			if err2 := testutil.RunCompose("up", "-d"); err2 != nil {
				fmt.Fprintf(os.Stderr, "compose up failed: %v\n", err2)
				os.Exit(1)
			}
		}
	}

	code := m.Run()

	if !alreadyRunning {
		_ = testutil.RunCompose("down", "-v")
	}
	os.Exit(code)
}

func TestDriver_Run_DeleteBeforeInsertIdempotence(t *testing.T) {
	ctx := context.Background()
	source := testutil.MustConnectPool(t, testutil.SourceDSN())
	target := testutil.MustConnectPool(t, testutil.TargetDSN())

	const table = "APP_4_SALES_DRIVER_TEST"
	from := time.Date(2026, 7, 1, 0, 0, 0, 0, time.UTC)
	to := time.Date(2026, 7, 2, 0, 0, 0, 0, time.UTC)
	testutil.CreateSourcePOSTable(t, source, table, "sale_ts", 25, from, to)
	t.Cleanup(func() { testutil.DropTestTable(t, source, table) })

	_, err := target.Exec(ctx, fmt.Sprintf(`DROP TABLE IF EXISTS %s CASCADE`, quoteIdent(table)))
	require.NoError(t, err)
	_, err = target.Exec(ctx, fmt.Sprintf(`
		CREATE TABLE %s (id INT PRIMARY KEY, sale_ts TIMESTAMP NOT NULL, amount NUMERIC(12,2) NOT NULL)`,
		quoteIdent(table)))
	require.NoError(t, err)
	t.Cleanup(func() { testutil.DropTestTable(t, target, table) })

	_, err = target.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS etl_replica_progress (
			id BIGSERIAL PRIMARY KEY, table_name TEXT NOT NULL, job_date DATE NOT NULL,
			window_start TIMESTAMP NOT NULL, window_end TIMESTAMP NOT NULL,
			batch_start TIMESTAMP, batch_end TIMESTAMP,
			rows_extracted BIGINT NOT NULL DEFAULT 0, rows_loaded BIGINT NOT NULL DEFAULT 0,
			status TEXT NOT NULL DEFAULT 'RUNNING', last_chunk_id BIGINT NOT NULL DEFAULT 0,
			checkpoint_data TEXT, message TEXT)`)
	require.NoError(t, err)

	cat, err := catalog.LoadFrom(strings.NewReader(fmt.Sprintf(`{
		"tables": {
			%q: {
				"columns": [
					{"name": "id", "native_type": "int4"},
					{"name": "sale_ts", "native_type": "timestamp"},
					{"name": "amount", "native_type": "numeric"}
				],
				"primary_key": "id"
			}
		}
	}`, table)), catalog.DateFilterColumns{table: "sale_ts"}, "")
	require.NoError(t, err)

	logger := zerolog.Nop()
	ex := extract.NewExtractor(source, logger)
	ld := load.NewLoader(target, logger)
	store := progress.NewStore(target)
	d := driver.New(ex, ld, store, cat, 5, 10, logger)

	win := extract.Window{DateColumn: "sale_ts", Start: from, End: to}
	outcome, err := d.Run(ctx, from, table, win, driver.Options{})
	require.NoError(t, err)
	require.Equal(t, progress.StatusCompleted, outcome.Record.Status)
	require.EqualValues(t, 25, outcome.Record.RowsLoaded)
	require.EqualValues(t, 25, testutil.TableRowCount(t, target, table))

	// Re-running the same window must leave the target with exactly the
	// same rows, not duplicates: delete-before-insert idempotence.
	outcome2, err := d.Run(ctx, from, table, win, driver.Options{})
	require.NoError(t, err)
	require.EqualValues(t, 25, outcome2.Record.RowsLoaded)
	require.EqualValues(t, 25, testutil.TableRowCount(t, target, table))
}

func TestDriver_Run_SkipExistingNoOpsOnCompleted(t *testing.T) {
	ctx := context.Background()
	source := testutil.MustConnectPool(t, testutil.SourceDSN())
	target := testutil.MustConnectPool(t, testutil.TargetDSN())

	const table = "APP_4_SALES_SKIP_TEST"
	from := time.Date(2026, 7, 3, 0, 0, 0, 0, time.UTC)
	to := time.Date(2026, 7, 4, 0, 0, 0, 0, time.UTC)
	testutil.CreateSourcePOSTable(t, source, table, "sale_ts", 5, from, to)
	t.Cleanup(func() { testutil.DropTestTable(t, source, table) })

	_, err := target.Exec(ctx, fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (id INT PRIMARY KEY, sale_ts TIMESTAMP NOT NULL, amount NUMERIC(12,2) NOT NULL)`,
		quoteIdent(table)))
	require.NoError(t, err)
	t.Cleanup(func() { testutil.DropTestTable(t, target, table) })

	cat, err := catalog.LoadFrom(strings.NewReader(fmt.Sprintf(`{
		"tables": {%q: {"columns": [
			{"name": "id", "native_type": "int4"},
			{"name": "sale_ts", "native_type": "timestamp"},
			{"name": "amount", "native_type": "numeric"}], "primary_key": "id"}}}`, table)),
		catalog.DateFilterColumns{table: "sale_ts"}, "")
	require.NoError(t, err)

	logger := zerolog.Nop()
	d := driver.New(extract.NewExtractor(source, logger), load.NewLoader(target, logger), progress.NewStore(target), cat, 10, 100, logger)

	win := extract.Window{DateColumn: "sale_ts", Start: from, End: to}
	_, err = d.Run(ctx, from, table, win, driver.Options{})
	require.NoError(t, err)

	outcome, err := d.Run(ctx, from, table, win, driver.Options{SkipExisting: true})
	require.NoError(t, err)
	require.True(t, outcome.Skipped)
}

func quoteIdent(s string) string {
	return `"` + s + `"`
}
