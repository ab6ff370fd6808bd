// Package store provides the persistent tool-metadata store (C2): an
// embedded relational table mapping (server, tool) to its output schema
// and provenance, surviving process restarts.
package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// Row is a persisted tool row. (ServerName, ToolName) is the unique key.
type Row struct {
	ServerName           string
	ToolName             string
	OutputSchema         string // serialized JSON Schema, empty if none yet
	OriginalOutputSchema bool
	LastUpdated          int64 // unix seconds, monotonic for ordering purposes only
}

// Stats summarizes the store's contents for operator-facing introspection.
// Not part of the upstream wire surface.
type Stats struct {
	RowCount             int
	ServerCount          int
	OriginalSchemaCount  int
	InferredSchemaCount  int
}

// Store is the singleton tool-metadata store. It is opened once at
// startup and closed at shutdown; access is routed through this handle,
// never through a package-level global.
type Store struct {
	db *sql.DB
}

// Open creates (if absent) and opens the embedded database at path,
// migrating the schema if needed.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("store: create directory %q: %w", dir, err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("store: open %q: %w", path, err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("store: ping %q: %w", path, err)
	}
	// All writes are single-threaded from the orchestrator and C7's
	// post-run drain, but the sqlite driver itself does not support
	// concurrent writers from multiple connections.
	db.SetMaxOpenConns(1)

	const schema = `
CREATE TABLE IF NOT EXISTS tools (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	serverName TEXT NOT NULL,
	toolName TEXT NOT NULL,
	outputSchema TEXT NOT NULL DEFAULT '',
	originalOutputSchema INTEGER NOT NULL DEFAULT 0,
	lastUpdated INTEGER NOT NULL DEFAULT 0,
	UNIQUE(serverName, toolName)
);`
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("store: migrate schema: %w", err)
	}

	return &Store{db: db}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// SaveOrUpdate is idempotent on (server, tool). Per invariant I4, a write
// with OriginalOutputSchema=false (an inferred schema) is rejected — a
// no-op — if the existing row already has OriginalOutputSchema=true. An
// original-from-server write (OriginalOutputSchema=true) always wins over
// an existing inferred row. Returns true if the row was written, false if
// it was rejected as unchanged.
func (s *Store) SaveOrUpdate(row Row) (bool, error) {
	existing, err := s.GetTool(row.ServerName, row.ToolName)
	if err != nil {
		return false, err
	}
	if existing != nil && existing.OriginalOutputSchema && !row.OriginalOutputSchema {
		return false, nil // I4: never overwrite an original schema with an inferred one
	}

	now := row.LastUpdated
	if now == 0 {
		now = time.Now().Unix()
	}
	_, err = s.db.Exec(`
INSERT INTO tools (serverName, toolName, outputSchema, originalOutputSchema, lastUpdated)
VALUES (?, ?, ?, ?, ?)
ON CONFLICT(serverName, toolName) DO UPDATE SET
	outputSchema = excluded.outputSchema,
	originalOutputSchema = excluded.originalOutputSchema,
	lastUpdated = excluded.lastUpdated`,
		row.ServerName, row.ToolName, row.OutputSchema, boolToInt(row.OriginalOutputSchema), now)
	if err != nil {
		return false, fmt.Errorf("store: save %s/%s: %w", row.ServerName, row.ToolName, err)
	}
	return true, nil
}

// GetTool returns the persisted row for (server, tool), or nil if absent.
func (s *Store) GetTool(server, tool string) (*Row, error) {
	row := s.db.QueryRow(`
SELECT serverName, toolName, outputSchema, originalOutputSchema, lastUpdated
FROM tools WHERE serverName = ? AND toolName = ?`, server, tool)

	var r Row
	var orig int
	err := row.Scan(&r.ServerName, &r.ToolName, &r.OutputSchema, &orig, &r.LastUpdated)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: get %s/%s: %w", server, tool, err)
	}
	r.OriginalOutputSchema = orig != 0
	return &r, nil
}

// GetServerTools returns every persisted row for the given server.
func (s *Store) GetServerTools(server string) ([]Row, error) {
	rows, err := s.db.Query(`
SELECT serverName, toolName, outputSchema, originalOutputSchema, lastUpdated
FROM tools WHERE serverName = ?`, server)
	if err != nil {
		return nil, fmt.Errorf("store: get server tools %q: %w", server, err)
	}
	defer rows.Close()

	var out []Row
	for rows.Next() {
		var r Row
		var orig int
		if err := rows.Scan(&r.ServerName, &r.ToolName, &r.OutputSchema, &orig, &r.LastUpdated); err != nil {
			return nil, fmt.Errorf("store: scan row: %w", err)
		}
		r.OriginalOutputSchema = orig != 0
		out = append(out, r)
	}
	return out, rows.Err()
}

// DeleteServerTools removes every row belonging to server. Used by orphan
// reconciliation (invariant I3).
func (s *Store) DeleteServerTools(server string) error {
	_, err := s.db.Exec(`DELETE FROM tools WHERE serverName = ?`, server)
	if err != nil {
		return fmt.Errorf("store: delete server tools %q: %w", server, err)
	}
	return nil
}

// ListAllServers returns the distinct set of server names with at least
// one persisted row.
func (s *Store) ListAllServers() ([]string, error) {
	rows, err := s.db.Query(`SELECT DISTINCT serverName FROM tools`)
	if err != nil {
		return nil, fmt.Errorf("store: list servers: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("store: scan server name: %w", err)
		}
		out = append(out, name)
	}
	return out, rows.Err()
}

// Stats summarizes the current contents of the store.
func (s *Store) Stats() (Stats, error) {
	var st Stats
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM tools`).Scan(&st.RowCount); err != nil {
		return Stats{}, fmt.Errorf("store: stats row count: %w", err)
	}
	if err := s.db.QueryRow(`SELECT COUNT(DISTINCT serverName) FROM tools`).Scan(&st.ServerCount); err != nil {
		return Stats{}, fmt.Errorf("store: stats server count: %w", err)
	}
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM tools WHERE originalOutputSchema = 1`).Scan(&st.OriginalSchemaCount); err != nil {
		return Stats{}, fmt.Errorf("store: stats original schema count: %w", err)
	}
	st.InferredSchemaCount = st.RowCount - st.OriginalSchemaCount
	return st, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
