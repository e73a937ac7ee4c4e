package db

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

const (
	DefaultDirectory = "artifacts/trajectory"
	DefaultName      = "trajectory-monitor.sqlite3"

	workspaceDir = ".guardline"
)

// EnsureWorkspace creates the workspace state directory if missing.
func EnsureWorkspace(workspace string) (string, error) {
	if workspace == "" {
		workspace = "."
	}
	path := filepath.Join(workspace, workspaceDir)
	if err := os.MkdirAll(path, 0o755); err != nil {
		return "", err
	}
	return path, nil
}

// StatePath returns a file path inside the workspace state directory.
func StatePath(workspace, name string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, workspaceDir, name)
}

// Path joins a trajectory database directory and file name, applying the
// defaults for empty parts.
func Path(dir, name string) string {
	if dir == "" {
		dir = DefaultDirectory
	}
	if name == "" {
		name = DefaultName
	}
	return filepath.Join(dir, name)
}

// Open opens the SQLite database at path in WAL mode with foreign keys on.
// The pool is limited to one connection so the monitor is the only writer.
func Open(path string) (*sql.DB, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}
	dsn := fmt.Sprintf("file:%s?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)", path)
	conn, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	conn.SetMaxOpenConns(1)
	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	return conn, nil
}
