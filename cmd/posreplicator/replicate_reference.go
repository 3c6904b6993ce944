package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/jfoltran/posreplicator/internal/catalog"
	"github.com/jfoltran/posreplicator/internal/driver"
	"github.com/jfoltran/posreplicator/internal/endpoint"
	"github.com/jfoltran/posreplicator/internal/exportfmt"
	"github.com/jfoltran/posreplicator/internal/extract"
	"github.com/jfoltran/posreplicator/internal/load"
	"github.com/jfoltran/posreplicator/internal/progress"
)

var (
	refFullTable     bool
	refFullTableMode string
	refTables        []string
	refStartDate     string
	refEndDate       string
	refSkipExisting  bool
	refSkipLoad      bool
	refOutputDir     string
)

var replicateReferenceCmd = &cobra.Command{
	Use:   "replicate-reference",
	Short: "Replicate one or more reference/full tables",
	Long: `replicate-reference runs the Replication Driver over a fixed set of
tables, either as a single full-table window or a windowed date range.
With --full-table-mode parquet, rows are written to Parquet files under
--output-dir instead of being loaded into the target database.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := cfg.Validate(); err != nil {
			return err
		}
		if len(refTables) == 0 {
			return fmt.Errorf("at least one --table is required")
		}
		if refFullTableMode != "stream" && refFullTableMode != "parquet" {
			return fmt.Errorf("--full-table-mode must be \"stream\" or \"parquet\", got %q", refFullTableMode)
		}

		cat, err := loadCatalog()
		if err != nil {
			return err
		}

		ctx := cmd.Context()
		sourcePool, err := endpoint.NewFactory(cfg.Source).Connect(ctx)
		if err != nil {
			return err
		}
		defer sourcePool.Close()

		var targetPool endpoint.Pool
		var store *progress.Store
		var ld *load.Loader
		if !refSkipLoad && refFullTableMode == "stream" {
			targetPool, err = endpoint.NewFactory(cfg.Target).Connect(ctx)
			if err != nil {
				return err
			}
			defer targetPool.Close()
			store = progress.NewStore(targetPool)
			ld = load.NewLoader(targetPool, logger)
		}

		ex := extract.NewExtractor(sourcePool, logger)

		win, err := referenceWindow(cmd)
		if err != nil {
			return err
		}

		if refFullTableMode == "parquet" {
			return runParquetExport(ctx, cat, ex, win)
		}

		if store == nil || ld == nil {
			return fmt.Errorf("stream mode requires a target connection; pass --skip-load only with --full-table-mode parquet")
		}
		drv := driver.New(ex, ld, store, cat, cfg.ChunkSize, cfg.CommitInterval, logger)

		jobDate := time.Now()
		var failures int
		for _, table := range refTables {
			tableWin := win
			tableWin.DateColumn, _ = cat.DateFilterColumn(table)
			outcome, err := drv.Run(ctx, jobDate, table, tableWin, driver.Options{SkipExisting: refSkipExisting})
			if err != nil {
				logger.Error().Err(err).Str("table", table).Msg("replicate-reference failed")
				failures++
				continue
			}
			if outcome.Skipped {
				logger.Info().Str("table", table).Msg("already completed, skipped")
			} else {
				logger.Info().Str("table", table).
					Int64("rows_extracted", outcome.Record.RowsExtracted).
					Int64("rows_loaded", outcome.Record.RowsLoaded).
					Msg("replicate-reference complete")
			}
		}
		if failures > 0 {
			return fmt.Errorf("%d/%d tables failed", failures, len(refTables))
		}
		return nil
	},
}

func referenceWindow(cmd *cobra.Command) (extract.Window, error) {
	if refFullTable {
		return extract.Window{FullTable: true}, nil
	}
	if refStartDate == "" || refEndDate == "" {
		return extract.Window{}, fmt.Errorf("--start-date and --end-date are required unless --full-table is set")
	}
	start, err := time.Parse("2006-01-02", refStartDate)
	if err != nil {
		return extract.Window{}, fmt.Errorf("invalid --start-date: %w", err)
	}
	end, err := time.Parse("2006-01-02", refEndDate)
	if err != nil {
		return extract.Window{}, fmt.Errorf("invalid --end-date: %w", err)
	}
	return extract.Window{Start: start, End: end}, nil
}

func runParquetExport(ctx context.Context, cat *catalog.Catalog, ex *extract.Extractor, win extract.Window) error {
	outDir := refOutputDir
	if outDir == "" {
		outDir = cfg.OutputDir
	}
	wr := exportfmt.NewWriter(outDir)

	var failures int
	for _, table := range refTables {
		td, err := cat.Describe(table)
		if err != nil {
			logger.Error().Err(err).Str("table", table).Msg("unknown table")
			failures++
			continue
		}
		tableWin := win
		tableWin.DateColumn, _ = cat.DateFilterColumn(table)

		stream, err := ex.Stream(ctx, td, tableWin, cfg.ChunkSize, nil)
		if err != nil {
			logger.Error().Err(err).Str("table", table).Msg("failed to open extract stream")
			failures++
			continue
		}

		manifest, err := wr.WriteTable(ctx, table, td.ColumnNames(), tableWin, stream)
		stream.Close()
		if err != nil {
			logger.Error().Err(err).Str("table", table).Msg("parquet export failed")
			failures++
			continue
		}
		logger.Info().Str("table", table).Int64("rows", manifest.RowCount).Msg("parquet export complete")
	}
	if failures > 0 {
		return fmt.Errorf("%d/%d tables failed parquet export", failures, len(refTables))
	}
	return nil
}

func init() {
	f := replicateReferenceCmd.Flags()
	f.BoolVar(&refFullTable, "full-table", false, "Replicate the entire table instead of a date window")
	f.StringVar(&refFullTableMode, "full-table-mode", "stream", "Full-table delivery mode: stream (load into target) or parquet (export files)")
	f.StringArrayVar(&refTables, "table", nil, "Source table name (repeatable)")
	f.StringVar(&refStartDate, "start-date", "", "Window start date (YYYY-MM-DD)")
	f.StringVar(&refEndDate, "end-date", "", "Window end date (YYYY-MM-DD, exclusive)")
	f.BoolVar(&refSkipExisting, "skip-existing", false, "Skip windows with an existing COMPLETED progress record")
	f.BoolVar(&refSkipLoad, "skip-load", false, "Do not connect to the target database (valid only with --full-table-mode parquet)")
	f.StringVar(&refOutputDir, "output-dir", "", "Parquet export directory (default: config output-dir)")
	rootCmd.AddCommand(replicateReferenceCmd)
}
