package migrate

import (
	"os"
	"path/filepath"
	"testing"
)

func TestSplitStatements_Basic(t *testing.T) {
	sql := "CREATE TABLE a (id int);\nCREATE TABLE b (id int);\n"
	stmts := splitStatements(sql)
	if len(stmts) != 2 {
		t.Fatalf("splitStatements() = %d statements, want 2", len(stmts))
	}
}

func TestSplitStatements_SkipsCommentsAndMetaCommands(t *testing.T) {
	sql := "-- a comment\n\\connect mydb\nCREATE TABLE a (id int);\n"
	stmts := splitStatements(sql)
	if len(stmts) != 1 {
		t.Fatalf("splitStatements() = %d statements, want 1", len(stmts))
	}
}

func TestSplitStatements_DollarQuotedBody(t *testing.T) {
	sql := `CREATE OR REPLACE FUNCTION f() RETURNS void AS $$
BEGIN
  PERFORM 1;
END;
$$ LANGUAGE plpgsql;
CREATE TABLE t (id int);
`
	stmts := splitStatements(sql)
	if len(stmts) != 2 {
		t.Fatalf("splitStatements() = %d statements, want 2: %v", len(stmts), stmts)
	}
}

func TestSplitStatements_TrailingWithoutSemicolon(t *testing.T) {
	sql := "CREATE TABLE a (id int)"
	stmts := splitStatements(sql)
	if len(stmts) != 1 {
		t.Fatalf("splitStatements() = %d statements, want 1", len(stmts))
	}
}

func TestListMigrationFiles_SortedLexically(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"002_b.sql", "001_a.sql", "readme.txt", "010_c.sql"} {
		if err := os.WriteFile(filepath.Join(dir, name), []byte("-- noop\n"), 0o644); err != nil {
			t.Fatalf("write %s: %v", name, err)
		}
	}
	files, err := listMigrationFiles(dir)
	if err != nil {
		t.Fatalf("listMigrationFiles() error: %v", err)
	}
	if len(files) != 3 {
		t.Fatalf("listMigrationFiles() = %d files, want 3 (non-sql excluded): %v", len(files), files)
	}
	want := []string{"001_a.sql", "002_b.sql", "010_c.sql"}
	for i, f := range files {
		if got := filepath.Base(f); got != want[i] {
			t.Errorf("files[%d] = %q, want %q", i, got, want[i])
		}
	}
}
