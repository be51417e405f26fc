// Package migrate brings the provider directory database up to the newest
// embedded schema.
package migrate

import (
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"sort"
	"strconv"
	"strings"
)

//go:embed sql/*.sql
var schemaFS embed.FS

// Migrate applies any embedded schema steps newer than the recorded version.
// Each step commits in its own transaction, so a failing step leaves the
// database at the last good version.
func Migrate(db *sql.DB) error {
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS schema_version(version INTEGER NOT NULL)`); err != nil {
		return fmt.Errorf("directory schema: %w", err)
	}
	current, err := currentVersion(db)
	if err != nil {
		return fmt.Errorf("directory schema: %w", err)
	}

	names, err := fs.Glob(schemaFS, "sql/*.sql")
	if err != nil {
		return err
	}
	sort.Strings(names)

	for _, name := range names {
		version, err := stepVersion(name)
		if err != nil {
			return err
		}
		if version <= current {
			continue
		}
		if err := applyStep(db, name, version); err != nil {
			return fmt.Errorf("directory schema step %s: %w", name, err)
		}
		current = version
	}
	return nil
}

func currentVersion(db *sql.DB) (int, error) {
	var v int
	err := db.QueryRow(`SELECT COALESCE(MAX(version), 0) FROM schema_version`).Scan(&v)
	return v, err
}

// stepVersion parses the numeric prefix of sql/NNN_name.sql.
func stepVersion(name string) (int, error) {
	base := strings.TrimPrefix(name, "sql/")
	prefix, _, ok := strings.Cut(base, "_")
	if !ok {
		return 0, fmt.Errorf("schema file %s missing version prefix", name)
	}
	version, err := strconv.Atoi(prefix)
	if err != nil {
		return 0, fmt.Errorf("schema file %s: %w", name, err)
	}
	return version, nil
}

func applyStep(db *sql.DB, name string, version int) error {
	stmt, err := schemaFS.ReadFile(name)
	if err != nil {
		return err
	}
	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if _, err := tx.Exec(string(stmt)); err != nil {
		return err
	}
	if _, err := tx.Exec(`INSERT INTO schema_version(version) VALUES (?)`, version); err != nil {
		return err
	}
	return tx.Commit()
}
