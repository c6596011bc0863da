package evidence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/ashureev/proctor-engine/internal/domain"
	"github.com/ashureev/proctor-engine/internal/shared"
)

// SQLiteBackend stores sealed evidence in its own SQLite database file.
type SQLiteBackend struct {
	db    *sql.DB
	retry shared.RetryConfig
}

// NewSQLiteBackend opens (or creates) the evidence database at dbPath.
func NewSQLiteBackend(dbPath string) (*SQLiteBackend, error) {
	db, err := shared.OpenSQLite(dbPath)
	if err != nil {
		return nil, err
	}

	b := &SQLiteBackend{db: db, retry: shared.DefaultRetryConfig()}
	if err := b.initSchema(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initialize evidence schema: %w", err)
	}
	return b, nil
}

func (b *SQLiteBackend) initSchema() error {
	query := `
	CREATE TABLE IF NOT EXISTS evidence (
		reference    TEXT PRIMARY KEY,
		session_id   TEXT NOT NULL,
		kind         TEXT NOT NULL,
		content_hash TEXT NOT NULL,
		nonce        BLOB NOT NULL,
		ciphertext   BLOB NOT NULL,
		tag          BLOB NOT NULL,
		created_at   INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_evidence_session ON evidence(session_id);
	`
	if _, err := b.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Put inserts a record. References are unique; a duplicate insert is an error.
func (b *SQLiteBackend) Put(ctx context.Context, rec *Record) error {
	query := `
	INSERT INTO evidence (reference, session_id, kind, content_hash, nonce, ciphertext, tag, created_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?)`

	return shared.RetryOnConflict(ctx, b.retry, "insert evidence", func() error {
		_, err := b.db.ExecContext(ctx, query,
			rec.Reference, rec.SessionID, string(rec.Kind), rec.ContentHash,
			rec.Sealed.Nonce, rec.Sealed.Ciphertext, rec.Sealed.Tag,
			rec.CreatedAt.UnixNano(),
		)
		return err
	})
}

// Get loads a record by reference.
func (b *SQLiteBackend) Get(ctx context.Context, reference string) (*Record, error) {
	query := `
	SELECT reference, session_id, kind, content_hash, nonce, ciphertext, tag, created_at
	FROM evidence WHERE reference = ?`

	var rec Record
	var kind string
	var createdAt int64
	err := b.db.QueryRowContext(ctx, query, reference).Scan(
		&rec.Reference, &rec.SessionID, &kind, &rec.ContentHash,
		&rec.Sealed.Nonce, &rec.Sealed.Ciphertext, &rec.Sealed.Tag,
		&createdAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("evidence %s: %w", reference, domain.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("scan evidence row: %w", err)
	}

	rec.Kind = domain.EvidenceKind(kind)
	rec.CreatedAt = time.Unix(0, createdAt).UTC()
	return &rec, nil
}

// Ping verifies database connectivity.
func (b *SQLiteBackend) Ping(ctx context.Context) error {
	return b.db.PingContext(ctx)
}

// Close closes the database connection.
func (b *SQLiteBackend) Close() error {
	if err := b.db.Close(); err != nil {
		return fmt.Errorf("close evidence database: %w", err)
	}
	return nil
}
