// Package migrations embeds the schema migrations of every supported dialect.
package migrations

import (
	"embed"
	"fmt"
	"io/fs"
)

//go:embed sqlite/*.sql postgres/*.sql
var files embed.FS

// dialects maps a database/sql driver name to its migration directory.
var dialects = map[string]string{
	"sqlite3":  "sqlite",
	"postgres": "postgres",
}

// ForDriver returns the migrations for driver, rooted at the dialect
// directory.
func ForDriver(driver string) (fs.FS, error) {
	dir, ok := dialects[driver]
	if !ok {
		return nil, fmt.Errorf("unsupported database driver: %s", driver)
	}
	return fs.Sub(files, dir)
}
