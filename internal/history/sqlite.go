package history

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite" // Pure-Go SQLite driver
)

// schemaVersion is the current version of the upload_history schema.
const schemaVersion = 1

// SQLiteStore implements Store on a local SQLite database. It is the default
// engine for single-user installs.
type SQLiteStore struct {
	db *sql.DB
}

var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore opens the database at dsn and initializes the schema.
func NewSQLiteStore(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening SQLite database: %w", err)
	}

	s := &SQLiteStore{db: db}
	if err := s.initDB(); err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing SQLite database: %w", err)
	}
	return s, nil
}

// initDB applies PRAGMAs and creates the table and indexes. It is idempotent.
func (s *SQLiteStore) initDB() error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA foreign_keys = ON",
		"PRAGMA busy_timeout = 5000",
	}
	for _, p := range pragmas {
		if _, err := s.db.Exec(p); err != nil {
			return fmt.Errorf("executing %q: %w", p, err)
		}
	}

	if _, err := s.db.Exec(schemaDDL); err != nil {
		return fmt.Errorf("creating schema: %w", err)
	}

	_, err := s.db.Exec(
		"INSERT OR IGNORE INTO schema_version (version, applied_at) VALUES (?, ?)",
		schemaVersion, time.Now().UTC().Format(timeFormat),
	)
	if err != nil {
		return fmt.Errorf("recording schema version: %w", err)
	}
	return nil
}

const schemaDDL = `
	CREATE TABLE IF NOT EXISTS schema_version (
		version    INTEGER PRIMARY KEY,
		applied_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS upload_history (
		id            TEXT PRIMARY KEY,
		provider_id   TEXT NOT NULL,
		bucket        TEXT NOT NULL,
		key           TEXT NOT NULL,
		name          TEXT NOT NULL DEFAULT '',
		type          TEXT NOT NULL DEFAULT '',
		size          INTEGER NOT NULL DEFAULT 0,
		mime_type     TEXT NOT NULL DEFAULT 'application/octet-stream',
		status        TEXT NOT NULL DEFAULT 'pending',
		error_message TEXT,
		created_at    TEXT NOT NULL,
		updated_at    TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_history_created ON upload_history(created_at);
	CREATE INDEX IF NOT EXISTS idx_history_provider_bucket ON upload_history(provider_id, bucket);
`

// historyColumns is the column order used by every query and by export/import.
var historyColumns = []string{
	"id", "provider_id", "bucket", "key", "name", "type", "size",
	"mime_type", "status", "error_message", "created_at", "updated_at",
}

func (s *SQLiteStore) Create(ctx context.Context, rec Record) (Record, error) {
	if err := validate(rec); err != nil {
		return Record{}, err
	}
	prepare(&rec)
	if rec.MimeType == "" {
		rec.MimeType = "application/octet-stream"
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO upload_history (`+strings.Join(historyColumns, ", ")+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.ProviderID, rec.Bucket, rec.Key, rec.Name, rec.Type, rec.Size,
		rec.MimeType, string(rec.Status), nullString(rec.ErrorMessage),
		rec.CreatedAt.Format(timeFormat), rec.UpdatedAt.Format(timeFormat),
	)
	if err != nil {
		return Record{}, fmt.Errorf("inserting history record: %w", err)
	}
	return rec, nil
}

func (s *SQLiteStore) UpdateStatus(ctx context.Context, id string, status Status, errMsg string) error {
	if err := checkStatus(status); err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx,
		"UPDATE upload_history SET status = ?, error_message = ?, updated_at = ? WHERE id = ?",
		string(status), nullString(errMsg), nowUTC().Format(timeFormat), id,
	)
	if err != nil {
		return fmt.Errorf("updating history record: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return notFound("history.update", id)
	}
	return nil
}

func (s *SQLiteStore) Get(ctx context.Context, id string) (Record, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT "+strings.Join(historyColumns, ", ")+" FROM upload_history WHERE id = ?", id)
	rec, err := scanRecord(row)
	if err == sql.ErrNoRows {
		return Record{}, notFound("history.get", id)
	}
	if err != nil {
		return Record{}, fmt.Errorf("getting history record: %w", err)
	}
	return rec, nil
}

func (s *SQLiteStore) List(ctx context.Context, f Filter) ([]Record, error) {
	var (
		where []string
		args  []any
	)
	if f.ProviderID != "" {
		where = append(where, "provider_id = ?")
		args = append(args, f.ProviderID)
	}
	if f.Bucket != "" {
		where = append(where, "bucket = ?")
		args = append(args, f.Bucket)
	}
	if f.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(f.Status))
	}

	query := "SELECT " + strings.Join(historyColumns, ", ") + " FROM upload_history"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC, id ASC"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing history: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning history row: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) Delete(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM upload_history WHERE id = ?", id); err != nil {
		return fmt.Errorf("deleting history record: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(sc scanner) (Record, error) {
	var (
		rec                  Record
		status               string
		errMsg               sql.NullString
		createdAt, updatedAt string
	)
	err := sc.Scan(&rec.ID, &rec.ProviderID, &rec.Bucket, &rec.Key, &rec.Name, &rec.Type,
		&rec.Size, &rec.MimeType, &status, &errMsg, &createdAt, &updatedAt)
	if err != nil {
		return Record{}, err
	}
	rec.Status = Status(status)
	rec.ErrorMessage = errMsg.String
	rec.CreatedAt, _ = time.Parse(timeFormat, createdAt)
	rec.UpdatedAt, _ = time.Parse(timeFormat, updatedAt)
	return rec, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
