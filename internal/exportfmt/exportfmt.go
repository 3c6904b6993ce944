// Package exportfmt implements the optional Parquet export mode for
// full-table replication: one Parquet file per table per window under
// <output-dir>/<table>/<window-tag>.parquet, Snappy-compressed, plus a
// sidecar JSON manifest. Column order always equals catalog order.
//
// parquet-go requires a schema known at compile time for its ergonomic
// struct-tag API; the Extractor's columns are only known at runtime, so
// the schema is built with reflect.StructOf — every column becomes a
// string field tagged with its real column name, preserving catalog
// order (reflect.StructOf fields are positional, unlike a map-based
// parquet.Group whose field order is not guaranteed). Values are
// stringified on the way in: this file is an export convenience for
// downstream tools, not a typed replica, so round-tripping exact native
// types is out of scope.
package exportfmt

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"time"

	"github.com/parquet-go/parquet-go"
	"github.com/parquet-go/parquet-go/compress/snappy"

	"github.com/jfoltran/posreplicator/internal/extract"
)

// Manifest is the sidecar JSON written alongside each Parquet file.
type Manifest struct {
	Table         string    `json:"table"`
	WindowStart   time.Time `json:"window_start"`
	WindowEnd     time.Time `json:"window_end"`
	RowCount      int64     `json:"row_count"`
	WrittenAt     time.Time `json:"written_at"`
	SourceColumns []string  `json:"source_columns"`
}

// Writer writes one table's window batches to a Parquet file plus manifest.
type Writer struct {
	outputDir string
}

// NewWriter creates a Writer rooted at outputDir.
func NewWriter(outputDir string) *Writer {
	return &Writer{outputDir: outputDir}
}

// WindowTag formats a window into the file-name-safe tag the spec uses for
// Parquet output paths: full-table exports use "full", dated windows use
// their start date.
func WindowTag(w extract.Window) string {
	if w.FullTable {
		return "full"
	}
	return w.Start.Format("2006-01-02")
}

// WriteTable drains batches and writes them to
// <output-dir>/<table>/<window-tag>.parquet plus a sidecar manifest.
func (wr *Writer) WriteTable(ctx context.Context, table string, columns []string, w extract.Window, batches *extract.BatchStream) (Manifest, error) {
	dir := filepath.Join(wr.outputDir, table)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return Manifest{}, fmt.Errorf("create export dir %s: %w", dir, err)
	}
	path := filepath.Join(dir, WindowTag(w)+".parquet")

	f, err := os.Create(path)
	if err != nil {
		return Manifest{}, fmt.Errorf("create parquet file %s: %w", path, err)
	}
	defer f.Close()

	rowType := buildRowType(columns)
	schema := parquet.SchemaOf(reflect.New(rowType).Interface())
	pw := parquet.NewWriter(f, schema, parquet.Compression(&snappy.Codec{}))

	var rowCount int64
	for {
		batch, ok, err := batches.Next(ctx)
		if err != nil {
			pw.Close()
			return Manifest{}, fmt.Errorf("read batch for %s: %w", table, err)
		}
		if !ok {
			break
		}
		for _, rawRow := range batch.Rows {
			rowVal := reflect.New(rowType).Elem()
			for i, v := range rawRow {
				rowVal.Field(i).SetString(stringify(v))
			}
			if _, err := pw.Write(rowVal.Addr().Interface()); err != nil {
				pw.Close()
				return Manifest{}, fmt.Errorf("write row to %s: %w", path, err)
			}
			rowCount++
		}
	}

	if err := pw.Close(); err != nil {
		return Manifest{}, fmt.Errorf("close parquet file %s: %w", path, err)
	}

	manifest := Manifest{
		Table:         table,
		WindowStart:   w.Start,
		WindowEnd:     w.End,
		RowCount:      rowCount,
		WrittenAt:     time.Now(),
		SourceColumns: columns,
	}
	if err := writeManifest(dir, WindowTag(w), manifest); err != nil {
		return manifest, err
	}
	return manifest, nil
}

func writeManifest(dir, tag string, m Manifest) error {
	path := filepath.Join(dir, tag+".manifest.json")
	blob, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal manifest: %w", err)
	}
	if err := os.WriteFile(path, blob, 0o644); err != nil {
		return fmt.Errorf("write manifest %s: %w", path, err)
	}
	return nil
}

func buildRowType(columns []string) reflect.Type {
	fields := make([]reflect.StructField, len(columns))
	for i, col := range columns {
		fields[i] = reflect.StructField{
			Name: fmt.Sprintf("Col%d", i),
			Type: reflect.TypeOf(""),
			Tag:  reflect.StructTag(fmt.Sprintf(`parquet:"%s,optional"`, col)),
		}
	}
	return reflect.StructOf(fields)
}

func stringify(v any) string {
	if v == nil {
		return ""
	}
	switch t := v.(type) {
	case time.Time:
		return t.Format(time.RFC3339)
	case fmt.Stringer:
		return t.String()
	default:
		return fmt.Sprint(v)
	}
}
