package catalog

import (
	"errors"
	"strings"
	"testing"

	"github.com/jfoltran/posreplicator/internal/apperrors"
)

const sampleDump = `{
  "tables": {
    "LOCATION_DETAIL": {
      "primary_key": "LOCATION_ID",
      "columns": [
        {"name": "LOCATION_ID", "native_type": "int", "max_length": 0, "nullable": false},
        {"name": "LOCATION_NAME", "native_type": "varchar", "max_length": 100, "nullable": false}
      ]
    },
    "APP_4_SALES": {
      "columns": [
        {"name": "SALES_ID", "native_type": "bigint", "max_length": 0, "nullable": false},
        {"name": "DATETIME__SALES_DATE", "native_type": "datetime", "max_length": 0, "nullable": false}
      ]
    },
    "NO_KEY_NO_DATE": {
      "columns": [
        {"name": "A", "native_type": "int", "max_length": 0, "nullable": true}
      ]
    }
  }
}`

func testCatalog(t *testing.T) *Catalog {
	t.Helper()
	dateCols := DateFilterColumns{"APP_4_SALES": "DATETIME__SALES_DATE"}
	c, err := LoadFrom(strings.NewReader(sampleDump), dateCols, "com_5013_")
	if err != nil {
		t.Fatalf("LoadFrom() error: %v", err)
	}
	return c
}

func TestColumns_StableOrder(t *testing.T) {
	c := testCatalog(t)
	cols, err := c.Columns("LOCATION_DETAIL")
	if err != nil {
		t.Fatalf("Columns() error: %v", err)
	}
	if len(cols) != 2 || cols[0].Name != "LOCATION_ID" || cols[1].Name != "LOCATION_NAME" {
		t.Errorf("Columns() = %+v, unexpected order", cols)
	}
}

func TestColumns_UnknownTable(t *testing.T) {
	c := testCatalog(t)
	_, err := c.Columns("NOT_A_TABLE")
	if !errors.Is(err, apperrors.ErrUnknownTable) {
		t.Errorf("Columns() error = %v, want ErrUnknownTable", err)
	}
}

func TestDateFilterColumn(t *testing.T) {
	c := testCatalog(t)

	col, ok := c.DateFilterColumn("APP_4_SALES")
	if !ok || col != "DATETIME__SALES_DATE" {
		t.Errorf("DateFilterColumn(APP_4_SALES) = (%q, %v), want (DATETIME__SALES_DATE, true)", col, ok)
	}

	_, ok = c.DateFilterColumn("LOCATION_DETAIL")
	if ok {
		t.Errorf("DateFilterColumn(LOCATION_DETAIL) expected full-table only")
	}
}

func TestTargetTableName(t *testing.T) {
	c := testCatalog(t)
	if got := c.TargetTableName("LOCATION_DETAIL"); got != "com_5013_LOCATION_DETAIL" {
		t.Errorf("TargetTableName() = %q, want com_5013_LOCATION_DETAIL", got)
	}
}

func TestUnresumableTables(t *testing.T) {
	c := testCatalog(t)
	tables := c.UnresumableTables()
	if len(tables) != 1 || tables[0] != "NO_KEY_NO_DATE" {
		t.Errorf("UnresumableTables() = %v, want [NO_KEY_NO_DATE]", tables)
	}
}

func TestLoadFrom_RejectsMissingDateColumn(t *testing.T) {
	badDump := `{"tables": {"T": {"columns": [{"name": "A"}]}}}`
	_, err := LoadFrom(strings.NewReader(badDump), DateFilterColumns{"T": "MISSING"}, "p_")
	if !errors.Is(err, apperrors.ErrSchemaMismatch) {
		t.Errorf("LoadFrom() error = %v, want ErrSchemaMismatch", err)
	}
}
