package exportfmt

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jfoltran/posreplicator/internal/extract"
)

func TestWindowTag_FullTable(t *testing.T) {
	assert.Equal(t, "full", WindowTag(extract.Window{FullTable: true}))
}

func TestWindowTag_DatedWindow(t *testing.T) {
	w := extract.Window{Start: time.Date(2026, 7, 30, 0, 0, 0, 0, time.UTC)}
	assert.Equal(t, "2026-07-30", WindowTag(w))
}

func TestBuildRowType_PreservesColumnOrderAndNames(t *testing.T) {
	rowType := buildRowType([]string{"LOCATION_ID", "LOCATION_NAME", "REGION"})
	require.Equal(t, 3, rowType.NumField())

	assert.Equal(t, "Col0", rowType.Field(0).Name)
	assert.Equal(t, `parquet:"LOCATION_ID,optional"`, string(rowType.Field(0).Tag))
	assert.Equal(t, `parquet:"LOCATION_NAME,optional"`, string(rowType.Field(1).Tag))
	assert.Equal(t, `parquet:"REGION,optional"`, string(rowType.Field(2).Tag))
}

func TestStringify(t *testing.T) {
	assert.Equal(t, "", stringify(nil))
	assert.Equal(t, "42", stringify(42))
	assert.Equal(t, "hello", stringify("hello"))
	ts := time.Date(2026, 7, 30, 12, 0, 0, 0, time.UTC)
	assert.Equal(t, ts.Format(time.RFC3339), stringify(ts))
}

func TestWriteManifest_RoundTrips(t *testing.T) {
	dir := t.TempDir()
	m := Manifest{
		Table:         "APP_4_SALES",
		WindowStart:   time.Date(2026, 7, 1, 0, 0, 0, 0, time.UTC),
		WindowEnd:     time.Date(2026, 7, 2, 0, 0, 0, 0, time.UTC),
		RowCount:      10,
		WrittenAt:     time.Date(2026, 7, 30, 0, 0, 0, 0, time.UTC),
		SourceColumns: []string{"SALES_ID", "TOTAL_AMOUNT"},
	}
	require.NoError(t, writeManifest(dir, "2026-07-01", m))

	blob, err := os.ReadFile(filepath.Join(dir, "2026-07-01.manifest.json"))
	require.NoError(t, err)

	var got Manifest
	require.NoError(t, json.Unmarshal(blob, &got))
	assert.Equal(t, m.Table, got.Table)
	assert.Equal(t, m.RowCount, got.RowCount)
	assert.Equal(t, m.SourceColumns, got.SourceColumns)
}
