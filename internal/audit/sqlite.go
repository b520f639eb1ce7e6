package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements the Store interface using SQLite. It backs the lite server.
type SQLiteStore struct {
	db     *sql.DB
	dbPath string
}

// NewSQLiteStore creates a new SQLite audit store.
// It creates the database file and schema if they don't exist.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	// Ensure directory exists
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Enable WAL mode for better concurrency
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to set WAL mode: %w", err)
	}

	if err := createSchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}

	return &SQLiteStore{db: db, dbPath: dbPath}, nil
}

// createSchema creates the audit table and indexes.
func createSchema(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS audit_entries (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		tenant_id TEXT NOT NULL,
		entity_type TEXT NOT NULL,
		entity_id TEXT NOT NULL,
		sample_id TEXT DEFAULT '',
		action TEXT NOT NULL,
		actor_id TEXT DEFAULT '',
		actor_role TEXT DEFAULT '',
		from_state TEXT DEFAULT '',
		to_state TEXT DEFAULT '',
		detail TEXT DEFAULT '',
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_audit_tenant_entity ON audit_entries(tenant_id, entity_id);
	CREATE INDEX IF NOT EXISTS idx_audit_tenant_sample ON audit_entries(tenant_id, sample_id);
	CREATE INDEX IF NOT EXISTS idx_audit_created_at ON audit_entries(created_at);
	`

	_, err := db.Exec(schema)
	return err
}

// Record appends an audit entry.
func (s *SQLiteStore) Record(ctx context.Context, entry *Entry) error {
	if err := validate(entry); err != nil {
		return err
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}

	result, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_entries (
			tenant_id, entity_type, entity_id, sample_id, action,
			actor_id, actor_role, from_state, to_state, detail, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		entry.TenantID,
		entry.EntityType,
		entry.EntityID,
		entry.SampleID,
		string(entry.Action),
		entry.ActorID,
		entry.ActorRole,
		entry.FromState,
		entry.ToState,
		entry.Detail,
		entry.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get insert ID: %w", err)
	}
	entry.ID = id
	return nil
}

// List returns matching entries, oldest first.
func (s *SQLiteStore) List(ctx context.Context, filter Filter) ([]*Entry, error) {
	where, args := whereClause(filter, func(int) string { return "?" })
	args = append(args, limitOf(filter), filter.Offset)

	rows, err := s.db.QueryContext(ctx,
		"SELECT "+selectColumns+" FROM audit_entries "+where+" ORDER BY created_at ASC, id ASC LIMIT ? OFFSET ?",
		args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query: %w", err)
	}
	defer rows.Close()

	var result []*Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		result = append(result, e)
	}
	return result, rows.Err()
}

// Count returns the number of entries of a tenant.
func (s *SQLiteStore) Count(ctx context.Context, tenantID string) (int64, error) {
	var count int64
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM audit_entries WHERE tenant_id = ?", tenantID).Scan(&count)
	return count, err
}

// ExportJSON exports all entries of a tenant to a JSON writer.
func (s *SQLiteStore) ExportJSON(ctx context.Context, tenantID string, writer io.Writer) error {
	all, err := s.List(ctx, Filter{TenantID: tenantID, Limit: maxExportLimit})
	if err != nil {
		return fmt.Errorf("failed to list audit entries: %w", err)
	}
	return writeExport(writer, tenantID, all)
}

// Close closes the store and releases resources.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func writeExport(writer io.Writer, tenantID string, entries []*Entry) error {
	export := &Export{
		Version:    "1.0",
		TenantID:   tenantID,
		ExportedAt: time.Now().UTC(),
		Count:      len(entries),
		Entries:    entries,
	}

	encoder := json.NewEncoder(writer)
	encoder.SetIndent("", "  ")
	return encoder.Encode(export)
}
