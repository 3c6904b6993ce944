//go:build integration

package orchestrator_test

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
	"github.com/jfoltran/posreplicator/internal/orchestrator"
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

func TestOrchestrator_Run_T0AndT1BothRunPerTable(t *testing.T) {
	ctx := context.Background()
	source := testutil.MustConnectPool(t, testutil.SourceDSN())
	target := testutil.MustConnectPool(t, testutil.TargetDSN())

	const table = "APP_4_SALES_ORCH_TEST"
	d := time.Date(2026, 7, 30, 0, 0, 0, 0, time.UTC)
	yesterday := d.AddDate(0, 0, -1)
	testutil.CreateSourcePOSTable(t, source, table, "sale_ts", 10, yesterday, d.AddDate(0, 0, 1))
	t.Cleanup(func() { testutil.DropTestTable(t, source, table) })

	_, err := target.Exec(ctx, fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (id INT PRIMARY KEY, sale_ts TIMESTAMP NOT NULL, amount NUMERIC(12,2) NOT NULL)`,
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
	_, err = target.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS replica_run_history (
			id BIGSERIAL PRIMARY KEY, run_id TEXT NOT NULL, run_type TEXT NOT NULL,
			start_ts TIMESTAMP NOT NULL, end_ts TIMESTAMP, range_start TIMESTAMP, range_end TIMESTAMP,
			processed_tables TEXT[] NOT NULL DEFAULT '{}', success BOOLEAN NOT NULL DEFAULT false, error_message TEXT)`)
	require.NoError(t, err)

	cat, err := catalog.LoadFrom(strings.NewReader(fmt.Sprintf(`{
		"tables": {%q: {"columns": [
			{"name": "id", "native_type": "int4"},
			{"name": "sale_ts", "native_type": "timestamp"},
			{"name": "amount", "native_type": "numeric"}], "primary_key": "id"}}}`, table)),
		catalog.DateFilterColumns{table: "sale_ts"}, "")
	require.NoError(t, err)

	logger := zerolog.Nop()
	drv := driver.New(extract.NewExtractor(source, logger), load.NewLoader(target, logger), progress.NewStore(target), cat, 5, 50, logger)
	orch := orchestrator.New(drv, progress.NewStore(target), logger)

	result, err := orch.Run(ctx, orchestrator.Options{
		Date:        d,
		Tables:      []string{table},
		DateColumns: map[string]string{table: "sale_ts"},
	})
	require.NoError(t, err)
	require.True(t, result.Success)
	require.Len(t, result.Results, 2, "both T0 and T1 passes must run")

	passes := map[orchestrator.Pass]bool{}
	for _, r := range result.Results {
		passes[r.Pass] = true
	}
	require.True(t, passes[orchestrator.PassT0])
	require.True(t, passes[orchestrator.PassT1])
}

func quoteIdent(s string) string {
	return `"` + s + `"`
}
