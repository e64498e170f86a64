package migrations

import (
	"io/fs"
	"testing"
)

func sqlFiles(t *testing.T, driver string) []string {
	t.Helper()
	fsys, err := ForDriver(driver)
	if err != nil {
		t.Fatalf("ForDriver(%s): %v", driver, err)
	}
	names, err := fs.Glob(fsys, "*.sql")
	if err != nil {
		t.Fatal(err)
	}
	return names
}

func TestForDriver_DialectsInStep(t *testing.T) {
	sqlite := sqlFiles(t, "sqlite3")
	postgres := sqlFiles(t, "postgres")
	if len(sqlite) == 0 {
		t.Fatal("no sqlite migrations embedded")
	}
	if len(sqlite) != len(postgres) {
		t.Fatalf("sqlite has %d migrations, postgres %d", len(sqlite), len(postgres))
	}
	for i := range sqlite {
		if sqlite[i] != postgres[i] {
			t.Errorf("migration %d: sqlite %s, postgres %s", i, sqlite[i], postgres[i])
		}
	}
}

func TestForDriver_Unknown(t *testing.T) {
	if _, err := ForDriver("mysql"); err == nil {
		t.Error("ForDriver(mysql) error = nil, want unsupported driver")
	}
}
