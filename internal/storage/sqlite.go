package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite" // Pure-Go SQLite driver
)

// journalTimeFormat is the layout of created_at values.
const journalTimeFormat = "2006-01-02T15:04:05.000Z"

// SQLiteJournal implements Journal in a SQLite file so that relocations
// interrupted by a crash can be resumed by the next process.
type SQLiteJournal struct {
	db *sql.DB
}

var _ Journal = (*SQLiteJournal)(nil)

// NewSQLiteJournal opens (or creates) the journal database at dbPath.
func NewSQLiteJournal(dbPath string) (*SQLiteJournal, error) {
	if dir := filepath.Dir(dbPath); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("creating journal directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening relocation journal: %w", err)
	}

	j := &SQLiteJournal{db: db}
	if err := j.initDB(); err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing relocation journal: %w", err)
	}
	return j, nil
}

// initDB applies PRAGMAs and creates the units table.
func (j *SQLiteJournal) initDB() error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, p := range pragmas {
		if _, err := j.db.Exec(p); err != nil {
			return fmt.Errorf("executing %q: %w", p, err)
		}
	}

	schema := `
		CREATE TABLE IF NOT EXISTS relocation_units (
			id          TEXT PRIMARY KEY,
			op          TEXT NOT NULL,
			provider_id TEXT NOT NULL,
			bucket      TEXT NOT NULL,
			source      TEXT NOT NULL,
			target      TEXT NOT NULL,
			pairs       TEXT NOT NULL,
			copied      INTEGER NOT NULL DEFAULT 0,
			deleted     TEXT NOT NULL DEFAULT '{}',
			created_at  TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_relocation_units_provider
			ON relocation_units(provider_id, created_at);
	`
	if _, err := j.db.Exec(schema); err != nil {
		return fmt.Errorf("creating journal schema: %w", err)
	}
	return nil
}

// Close closes the underlying SQLite database connection.
func (j *SQLiteJournal) Close() error {
	if j.db != nil {
		return j.db.Close()
	}
	return nil
}

// Begin implements Journal.
func (j *SQLiteJournal) Begin(ctx context.Context, u Unit) error {
	pairs, err := json.Marshal(u.Pairs)
	if err != nil {
		return fmt.Errorf("encoding pairs: %w", err)
	}
	deleted, err := encodeDeleted(u.Deleted)
	if err != nil {
		return err
	}
	_, err = j.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO relocation_units
		 (id, op, provider_id, bucket, source, target, pairs, copied, deleted, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		u.ID, u.Op, u.ProviderID, u.Bucket, u.Source, u.Target, string(pairs),
		boolToInt(u.Copied), deleted, u.CreatedAt.UTC().Format(journalTimeFormat),
	)
	if err != nil {
		return fmt.Errorf("recording unit %s: %w", u.ID, err)
	}
	return nil
}

// MarkCopied implements Journal.
func (j *SQLiteJournal) MarkCopied(ctx context.Context, unitID string) error {
	if _, err := j.db.ExecContext(ctx, `UPDATE relocation_units SET copied = 1 WHERE id = ?`, unitID); err != nil {
		return fmt.Errorf("marking unit %s copied: %w", unitID, err)
	}
	return nil
}

// MarkDeleted implements Journal. The read-modify-write runs in one
// transaction.
func (j *SQLiteJournal) MarkDeleted(ctx context.Context, unitID string, keys []string) error {
	tx, err := j.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	var raw string
	err = tx.QueryRowContext(ctx, `SELECT deleted FROM relocation_units WHERE id = ?`, unitID).Scan(&raw)
	if err == sql.ErrNoRows {
		return nil
	}
	if err != nil {
		return fmt.Errorf("reading unit %s: %w", unitID, err)
	}
	deleted, err := decodeDeleted(raw)
	if err != nil {
		return err
	}
	for _, k := range keys {
		deleted[k] = true
	}
	encoded, err := encodeDeleted(deleted)
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `UPDATE relocation_units SET deleted = ? WHERE id = ?`, encoded, unitID); err != nil {
		return fmt.Errorf("marking keys deleted in unit %s: %w", unitID, err)
	}
	return tx.Commit()
}

// Finish implements Journal.
func (j *SQLiteJournal) Finish(ctx context.Context, unitID string) error {
	if _, err := j.db.ExecContext(ctx, `DELETE FROM relocation_units WHERE id = ?`, unitID); err != nil {
		return fmt.Errorf("finishing unit %s: %w", unitID, err)
	}
	return nil
}

// Pending implements Journal.
func (j *SQLiteJournal) Pending(ctx context.Context, providerID string) ([]Unit, error) {
	rows, err := j.db.QueryContext(ctx,
		`SELECT id, op, provider_id, bucket, source, target, pairs, copied, deleted, created_at
		 FROM relocation_units WHERE provider_id = ? ORDER BY created_at ASC, id ASC`,
		providerID,
	)
	if err != nil {
		return nil, fmt.Errorf("querying pending units: %w", err)
	}
	defer rows.Close()

	var out []Unit
	for rows.Next() {
		var (
			u                         Unit
			pairs, deleted, createdAt string
			copied                    int
		)
		if err := rows.Scan(&u.ID, &u.Op, &u.ProviderID, &u.Bucket, &u.Source, &u.Target,
			&pairs, &copied, &deleted, &createdAt); err != nil {
			return nil, fmt.Errorf("scanning unit: %w", err)
		}
		if err := json.Unmarshal([]byte(pairs), &u.Pairs); err != nil {
			return nil, fmt.Errorf("decoding pairs of unit %s: %w", u.ID, err)
		}
		if u.Deleted, err = decodeDeleted(deleted); err != nil {
			return nil, err
		}
		if len(u.Deleted) == 0 {
			u.Deleted = nil
		}
		u.Copied = copied != 0
		if u.CreatedAt, err = time.Parse(journalTimeFormat, createdAt); err != nil {
			return nil, fmt.Errorf("parsing created_at of unit %s: %w", u.ID, err)
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

func encodeDeleted(m map[string]bool) (string, error) {
	if m == nil {
		m = map[string]bool{}
	}
	raw, err := json.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("encoding deleted keys: %w", err)
	}
	return string(raw), nil
}

func decodeDeleted(raw string) (map[string]bool, error) {
	m := make(map[string]bool)
	if raw == "" {
		return m, nil
	}
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		return nil, fmt.Errorf("decoding deleted keys: %w", err)
	}
	return m, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
