// Package db opens the per-workspace SQLite database backing the provider
// directory.
package db

import (
	"database/sql"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

const (
	workspaceDir = ".agentrelay"
	fileName     = "agentrelay.db"
)

// EnsureWorkspace creates the .agentrelay directory under root if missing
// and returns its path.
func EnsureWorkspace(root string) (string, error) {
	dir := filepath.Join(rootOrDot(root), workspaceDir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	return dir, nil
}

// Open ensures the workspace exists and opens its database with foreign
// keys enabled.
func Open(root string) (*sql.DB, error) {
	if _, err := EnsureWorkspace(root); err != nil {
		return nil, err
	}
	return sql.Open("sqlite", "file:"+Path(root)+"?cache=shared&_pragma=foreign_keys(1)")
}

// Path returns the database location for a workspace root.
func Path(root string) string {
	return filepath.Join(rootOrDot(root), workspaceDir, fileName)
}

func rootOrDot(root string) string {
	if root == "" {
		return "."
	}
	return root
}
