// Package catalog loads the cached full-schema dump (table -> ordered
// column list with native types) once at process start and exposes it as
// an immutable, process-wide shared value. Every SELECT and INSERT code
// path in the Extractor and Loader consumes the same ordered column list
// from here; no path constructs column lists by iterating a row at
// runtime, which eliminates the class of bugs where extract and load
// disagree on column order.
package catalog

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"

	"github.com/jfoltran/posreplicator/internal/apperrors"
)

// Column describes one source column in catalog order.
type Column struct {
	Name      string `json:"name"`
	NativeType string `json:"native_type"`
	MaxLength int    `json:"max_length"`
	Nullable  bool   `json:"nullable"`
}

// dumpTable is the on-disk shape of one table entry in the schema dump.
type dumpTable struct {
	Columns    []Column `json:"columns"`
	PrimaryKey string   `json:"primary_key"`
}

// dumpFile is the on-disk shape of the whole cached schema dump.
type dumpFile struct {
	Tables map[string]dumpTable `json:"tables"`
}

// TableDescriptor is the catalog's resolved view of one source table.
type TableDescriptor struct {
	Name             string
	Columns          []Column
	PrimaryKey       string
	DateFilterColumn string // "" if this table is full-table only
	// Resumable is false for tables with neither a date-filter column nor a
	// primary key: the spec marks these full-table only, not restartable
	// mid-stream, and the engine must detect and report them rather than guess.
	Resumable bool
}

// ColumnNames returns the table's columns in catalog order.
func (t TableDescriptor) ColumnNames() []string {
	names := make([]string, len(t.Columns))
	for i, c := range t.Columns {
		names[i] = c.Name
	}
	return names
}

// Catalog is the immutable, process-wide shared schema catalog.
type Catalog struct {
	tables            map[string]TableDescriptor
	replicaPrefix     string
	unresumableWarned []string
}

// DateFilterColumns is the small static mapping from table name to its
// date-filter column, keyed outside the schema dump because the dump only
// records column existence, not which column windows a table's extracts.
// Tables absent from this map are "full-table" only.
type DateFilterColumns map[string]string

// Load reads the cached schema dump at path and builds a Catalog, applying
// dateFilterColumns as the windowing policy and prefix as the deterministic
// replica-table-name transform.
func Load(path string, dateFilterColumns DateFilterColumns, prefix string) (*Catalog, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open schema dump %s: %w", path, err)
	}
	defer f.Close()
	return LoadFrom(f, dateFilterColumns, prefix)
}

// LoadFrom builds a Catalog from an already-open reader, so tests and
// embedders are not tied to the filesystem.
func LoadFrom(r io.Reader, dateFilterColumns DateFilterColumns, prefix string) (*Catalog, error) {
	var df dumpFile
	dec := json.NewDecoder(r)
	if err := dec.Decode(&df); err != nil {
		return nil, fmt.Errorf("decode schema dump: %w", err)
	}

	c := &Catalog{
		tables:        make(map[string]TableDescriptor, len(df.Tables)),
		replicaPrefix: prefix,
	}

	for name, dt := range df.Tables {
		dateCol := dateFilterColumns[name]
		if dateCol != "" {
			found := false
			for _, col := range dt.Columns {
				if col.Name == dateCol {
					found = true
					break
				}
			}
			if !found {
				return nil, fmt.Errorf("%w: table %s date-filter column %q not present in schema dump",
					apperrors.ErrSchemaMismatch, name, dateCol)
			}
		}

		resumable := dateCol != "" || dt.PrimaryKey != ""
		td := TableDescriptor{
			Name:             name,
			Columns:          dt.Columns,
			PrimaryKey:       dt.PrimaryKey,
			DateFilterColumn: dateCol,
			Resumable:        resumable,
		}
		c.tables[name] = td
		if !resumable {
			c.unresumableWarned = append(c.unresumableWarned, name)
		}
	}
	sort.Strings(c.unresumableWarned)

	return c, nil
}

// Columns returns the ordered column list for table, failing with
// ErrUnknownTable if the table is absent from the schema dump.
func (c *Catalog) Columns(table string) ([]Column, error) {
	t, ok := c.tables[table]
	if !ok {
		return nil, fmt.Errorf("%w: %s", apperrors.ErrUnknownTable, table)
	}
	return t.Columns, nil
}

// Describe returns the full resolved descriptor for table.
func (c *Catalog) Describe(table string) (TableDescriptor, error) {
	t, ok := c.tables[table]
	if !ok {
		return TableDescriptor{}, fmt.Errorf("%w: %s", apperrors.ErrUnknownTable, table)
	}
	return t, nil
}

// DateFilterColumn returns the table's date-filter column and whether one exists.
func (c *Catalog) DateFilterColumn(table string) (string, bool) {
	t, ok := c.tables[table]
	if !ok || t.DateFilterColumn == "" {
		return "", false
	}
	return t.DateFilterColumn, true
}

// TargetTableName deterministically derives the replica table name from the
// source table name by applying the configured fixed prefix.
func (c *Catalog) TargetTableName(sourceTable string) string {
	return c.replicaPrefix + sourceTable
}

// Tables returns all table names known to the catalog, sorted for stable iteration.
func (c *Catalog) Tables() []string {
	names := make([]string, 0, len(c.tables))
	for name := range c.tables {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// UnresumableTables returns the sorted list of tables with neither a
// date-filter column nor a primary key — full-table only, not restartable
// mid-stream. Callers log this list at process start rather than guessing.
func (c *Catalog) UnresumableTables() []string {
	return c.unresumableWarned
}
