package db

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io/fs"
	"path"
	"slices"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	embeddedmigrations "github.com/solatis/pointsflow/migrations"
)

// MigrationStatus represents the state of a single migration.
type MigrationStatus struct {
	ID          string
	Checksum    string
	Applied     bool
	AppliedAt   *time.Time
	ExecutionMs int64
}

// migration is one embedded .sql file. ID is the file name; files apply in
// lexical order.
type migration struct {
	ID       string
	Checksum string
	SQL      string
}

type migrationRecord struct {
	ID          string `db:"migration_id"`
	Checksum    string `db:"checksum"`
	AppliedAt   string `db:"applied_at"`
	ExecutionMs int64  `db:"execution_ms"`
}

// The tracking table is created before the first migration runs, so its
// definition here and in 001_initial_schema.sql must agree.
var trackingTable = map[string]string{
	"sqlite3": `CREATE TABLE IF NOT EXISTS migrations (
		migration_id TEXT PRIMARY KEY,
		checksum TEXT NOT NULL,
		applied_at TEXT NOT NULL,
		execution_ms INTEGER NOT NULL,
		CHECK (applied_at LIKE '____-__-__T__:__:__Z')
	)`,
	"postgres": `CREATE TABLE IF NOT EXISTS migrations (
		migration_id TEXT PRIMARY KEY,
		checksum TEXT NOT NULL,
		applied_at TIMESTAMP WITHOUT TIME ZONE NOT NULL,
		execution_ms INTEGER NOT NULL
	)`,
}

// migrator binds the embedded migrations of one dialect to a database.
type migrator struct {
	db       *sqlx.DB
	embedded []migration
	recorded map[string]migrationRecord
}

func newMigrator(ctx context.Context, db *sqlx.DB) (*migrator, error) {
	ddl, ok := trackingTable[db.DriverName()]
	if !ok {
		return nil, fmt.Errorf("no migrations for driver %q", db.DriverName())
	}
	fsys, err := embeddedmigrations.ForDriver(db.DriverName())
	if err != nil {
		return nil, err
	}
	embedded, err := readMigrations(fsys)
	if err != nil {
		return nil, fmt.Errorf("failed to parse migrations: %w", err)
	}
	if _, err := db.ExecContext(ctx, ddl); err != nil {
		return nil, fmt.Errorf("failed to create migrations table: %w", err)
	}

	var rows []migrationRecord
	if err := db.SelectContext(ctx, &rows,
		"SELECT migration_id, checksum, applied_at, execution_ms FROM migrations"); err != nil {
		return nil, fmt.Errorf("failed to query applied migrations: %w", err)
	}
	recorded := make(map[string]migrationRecord, len(rows))
	for _, r := range rows {
		recorded[r.ID] = r
	}
	return &migrator{db: db, embedded: embedded, recorded: recorded}, nil
}

// MigrateUp applies pending migrations in order, each in its own
// transaction. Applied migrations whose file changed or disappeared abort
// the run before anything is executed.
func MigrateUp(ctx context.Context, db *sqlx.DB) error {
	m, err := newMigrator(ctx, db)
	if err != nil {
		return err
	}
	if err := m.verify(); err != nil {
		return fmt.Errorf("migration checksum validation failed: %w", err)
	}
	for _, mig := range m.embedded {
		if _, done := m.recorded[mig.ID]; done {
			continue
		}
		if err := m.apply(ctx, mig); err != nil {
			return err
		}
	}
	return nil
}

// MigrateStatus returns every embedded migration with its applied state.
func MigrateStatus(ctx context.Context, db *sqlx.DB) ([]MigrationStatus, error) {
	m, err := newMigrator(ctx, db)
	if err != nil {
		return nil, err
	}

	statuses := make([]MigrationStatus, 0, len(m.embedded))
	for _, mig := range m.embedded {
		st := MigrationStatus{ID: mig.ID, Checksum: mig.Checksum}
		if rec, ok := m.recorded[mig.ID]; ok {
			st.Applied = true
			st.Checksum = rec.Checksum
			st.ExecutionMs = rec.ExecutionMs
			if t, err := parseAppliedAt(rec.AppliedAt); err == nil {
				st.AppliedAt = &t
			}
		}
		statuses = append(statuses, st)
	}
	return statuses, nil
}

func (m *migrator) verify() error {
	sums := make(map[string]string, len(m.embedded))
	for _, mig := range m.embedded {
		sums[mig.ID] = mig.Checksum
	}
	for id, rec := range m.recorded {
		want, ok := sums[id]
		if !ok {
			return fmt.Errorf("migration %s exists in database but not in embedded files", id)
		}
		if rec.Checksum != want {
			return fmt.Errorf("checksum mismatch for migration %s: expected %s, got %s", id, want, rec.Checksum)
		}
	}
	return nil
}

func (m *migrator) apply(ctx context.Context, mig migration) (err error) {
	start := time.Now()
	tx, err := m.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction for migration %s: %w", mig.ID, err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	// lib/pq rejects several statements in one Exec
	for _, stmt := range splitStatements(mig.SQL) {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to apply migration %s: %w", mig.ID, err)
		}
	}

	now := time.Now().UTC()
	var appliedAt any = now
	if m.db.DriverName() == "sqlite3" {
		appliedAt = now.Format(time.RFC3339)
	}
	if _, err := tx.ExecContext(ctx,
		tx.Rebind("INSERT INTO migrations (migration_id, checksum, applied_at, execution_ms) VALUES (?, ?, ?, ?)"),
		mig.ID, mig.Checksum, appliedAt, time.Since(start).Milliseconds(),
	); err != nil {
		return fmt.Errorf("failed to record migration %s: %w", mig.ID, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit migration %s: %w", mig.ID, err)
	}
	return nil
}

// readMigrations loads every .sql file in fsys with its SHA-256 checksum.
func readMigrations(fsys fs.FS) ([]migration, error) {
	var out []migration
	err := fs.WalkDir(fsys, ".", func(name string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || path.Ext(name) != ".sql" {
			return nil
		}
		content, err := fs.ReadFile(fsys, name)
		if err != nil {
			return fmt.Errorf("failed to read %s: %w", name, err)
		}
		sum := sha256.Sum256(content)
		out = append(out, migration{
			ID:       path.Base(name),
			Checksum: hex.EncodeToString(sum[:]),
			SQL:      string(content),
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	slices.SortFunc(out, func(a, b migration) int { return strings.Compare(a.ID, b.ID) })
	return out, nil
}

// splitStatements splits a migration on semicolons and drops whole-line
// "--" comments. Migrations must not contain semicolons inside literals.
func splitStatements(sql string) []string {
	var stmts []string
	for _, chunk := range strings.Split(sql, ";") {
		var b strings.Builder
		for _, line := range strings.Split(chunk, "\n") {
			if strings.HasPrefix(strings.TrimSpace(line), "--") {
				continue
			}
			b.WriteString(line)
			b.WriteByte('\n')
		}
		if stmt := strings.TrimSpace(b.String()); stmt != "" {
			stmts = append(stmts, stmt)
		}
	}
	return stmts
}

// parseAppliedAt accepts both encodings of applied_at: RFC 3339 text on
// SQLite, and the driver's timestamp rendering on PostgreSQL.
func parseAppliedAt(s string) (time.Time, error) {
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02 15:04:05.999999", "2006-01-02 15:04:05"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognised applied_at %q", s)
}
