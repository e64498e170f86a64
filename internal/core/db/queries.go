package db

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"path/filepath"

	"github.com/jmoiron/sqlx"
	"github.com/qustavo/dotsql"
)

//go:embed queries/*.sql
var queriesFS embed.FS

// Queries provides access to named SQL queries loaded from embedded .sql files.
// Uses dotsql for named query management and sqlx for database operations.
// A Queries returned by InTx runs every statement on the transaction.
type Queries struct {
	dot *dotsql.DotSql
	db  *sqlx.DB
	ext sqlx.ExtContext
}

// LoadQueries loads all .sql files from embedded filesystem and returns Queries instance.
// Named queries accessible by name (e.g., "get-rule", "insert-execution").
func LoadQueries(db *sqlx.DB) (*Queries, error) {
	var combinedSQL string

	err := fs.WalkDir(queriesFS, "queries", func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || filepath.Ext(path) != ".sql" {
			return nil
		}

		content, err := queriesFS.ReadFile(path)
		if err != nil {
			return fmt.Errorf("failed to read %s: %w", path, err)
		}

		combinedSQL += string(content) + "\n"
		return nil
	})

	if err != nil {
		return nil, fmt.Errorf("failed to load query files: %w", err)
	}

	dot, err := dotsql.LoadFromString(combinedSQL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse queries: %w", err)
	}

	return &Queries{dot: dot, db: db, ext: db}, nil
}

// DB returns the underlying connection pool.
func (q *Queries) DB() *sqlx.DB {
	return q.db
}

// raw returns the named query rebound for the active driver.
// sqlx Rebind converts ? placeholders to $1, $2 for PostgreSQL.
func (q *Queries) raw(name string) (string, error) {
	query, err := q.dot.Raw(name)
	if err != nil {
		return "", fmt.Errorf("query not found: %s", name)
	}
	return q.ext.Rebind(query), nil
}

// Exec executes a named query.
func (q *Queries) Exec(ctx context.Context, name string, args ...any) (sql.Result, error) {
	query, err := q.raw(name)
	if err != nil {
		return nil, err
	}
	return q.ext.ExecContext(ctx, query, args...)
}

// Get retrieves a single row into dest struct using named query.
func (q *Queries) Get(ctx context.Context, name string, dest any, args ...any) error {
	query, err := q.raw(name)
	if err != nil {
		return err
	}
	return sqlx.GetContext(ctx, q.ext, dest, query, args...)
}

// Select retrieves multiple rows into dest slice using named query.
func (q *Queries) Select(ctx context.Context, name string, dest any, args ...any) error {
	query, err := q.raw(name)
	if err != nil {
		return err
	}
	return sqlx.SelectContext(ctx, q.ext, dest, query, args...)
}

// InTx runs fn in a transaction. fn's error (or a panic) rolls back; nil
// commits. Nested calls reuse the outer transaction.
func (q *Queries) InTx(ctx context.Context, fn func(tx *Queries) error) (err error) {
	if _, nested := q.ext.(*sqlx.Tx); nested {
		return fn(q)
	}

	tx, err := q.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if p := recover(); p != nil {
			tx.Rollback()
			panic(p)
		}
		if err != nil {
			tx.Rollback()
		}
	}()

	if err = fn(&Queries{dot: q.dot, db: q.db, ext: tx}); err != nil {
		return err
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}
