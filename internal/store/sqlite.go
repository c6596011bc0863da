package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ashureev/proctor-engine/internal/domain"
	"github.com/ashureev/proctor-engine/internal/shared"
)

// SQLiteStore implements Repository using SQLite.
type SQLiteStore struct {
	db    *sql.DB
	retry shared.RetryConfig
}

// NewSQLite creates a new SQLite-backed repository.
func NewSQLite(dbPath string) (*SQLiteStore, error) {
	db, err := shared.OpenSQLite(dbPath)
	if err != nil {
		return nil, err
	}

	store := &SQLiteStore{db: db, retry: shared.DefaultRetryConfig()}
	if err := store.initSchema(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return store, nil
}

// The partial unique index is what enforces one non-terminated session per
// exam and participant; CreateSession relies on it as a compare-and-set.
func (s *SQLiteStore) initSchema() error {
	query := `
	CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		exam_id TEXT NOT NULL,
		participant_id TEXT NOT NULL,
		state TEXT NOT NULL,
		started_at INTEGER NOT NULL,
		ended_at INTEGER,
		termination_reason TEXT,
		terminated_by TEXT,
		last_sequence_number INTEGER NOT NULL DEFAULT 0,
		settings_json TEXT NOT NULL
	);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_sessions_open_pair
		ON sessions(exam_id, participant_id) WHERE state != 'TERMINATED';

	CREATE TABLE IF NOT EXISTS violations (
		id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL REFERENCES sessions(id),
		sequence_number INTEGER NOT NULL,
		type TEXT NOT NULL,
		severity TEXT NOT NULL,
		action TEXT NOT NULL,
		detected_at INTEGER NOT NULL,
		evidence_ref TEXT,
		details TEXT NOT NULL DEFAULT '',
		UNIQUE(session_id, sequence_number)
	);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Ping verifies database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}

// CreateSession inserts a session, translating a hit on the open-pair index
// into a ConflictError naming the blocking session.
func (s *SQLiteStore) CreateSession(ctx context.Context, sess *domain.Session) error {
	settings, err := json.Marshal(sess.Settings)
	if err != nil {
		return fmt.Errorf("encode settings: %w", err)
	}

	query := `
	INSERT INTO sessions (id, exam_id, participant_id, state, started_at, last_sequence_number, settings_json)
	VALUES (?, ?, ?, ?, ?, ?, ?)`

	// The blocking session may terminate between the failed insert and the
	// lookup; in that case the insert is attempted once more.
	for attempt := 0; attempt < 2; attempt++ {
		err = shared.RetryOnConflict(ctx, s.retry, "insert session", func() error {
			_, execErr := s.db.ExecContext(ctx, query,
				sess.ID, sess.ExamID, sess.ParticipantID, string(sess.State),
				sess.StartedAt.UnixNano(), sess.LastSequenceNumber, string(settings),
			)
			return execErr
		})
		if err == nil {
			return nil
		}
		if !shared.IsUniqueConstraintError(err) {
			return err
		}

		existing, findErr := s.FindActive(ctx, sess.ExamID, sess.ParticipantID)
		if findErr == nil {
			return &domain.ConflictError{ExistingID: existing.ID}
		}
		if !errors.Is(findErr, domain.ErrNotFound) {
			return findErr
		}
	}
	return &domain.ConflictError{}
}

const sessionColumns = `id, exam_id, participant_id, state, started_at, ended_at,
	termination_reason, terminated_by, last_sequence_number, settings_json`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*domain.Session, error) {
	var sess domain.Session
	var state, settingsJSON string
	var startedAt int64
	var endedAt sql.NullInt64
	var reason, actor sql.NullString

	if err := row.Scan(
		&sess.ID, &sess.ExamID, &sess.ParticipantID, &state, &startedAt, &endedAt,
		&reason, &actor, &sess.LastSequenceNumber, &settingsJSON,
	); err != nil {
		return nil, err
	}

	sess.State = domain.State(state)
	sess.StartedAt = time.Unix(0, startedAt).UTC()
	if endedAt.Valid {
		t := time.Unix(0, endedAt.Int64).UTC()
		sess.EndedAt = &t
	}
	sess.TerminationReason = reason.String
	sess.TerminatedBy = actor.String
	if err := json.Unmarshal([]byte(settingsJSON), &sess.Settings); err != nil {
		return nil, fmt.Errorf("decode settings: %w", err)
	}
	return &sess, nil
}

// GetSession retrieves a session and its violation log.
func (s *SQLiteStore) GetSession(ctx context.Context, id string) (*domain.Session, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE id = ?`, id)
	sess, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("session %s: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("scan session row: %w", err)
	}

	sess.Violations, err = s.ListViolations(ctx, id)
	if err != nil {
		return nil, err
	}
	return sess, nil
}

// FindActive returns the open session for an exam and participant.
func (s *SQLiteStore) FindActive(ctx context.Context, examID, participantID string) (*domain.Session, error) {
	query := `SELECT ` + sessionColumns + ` FROM sessions
		WHERE exam_id = ? AND participant_id = ? AND state != 'TERMINATED'`

	sess, err := scanSession(s.db.QueryRowContext(ctx, query, examID, participantID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("active session for %s/%s: %w", examID, participantID, domain.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("scan session row: %w", err)
	}

	sess.Violations, err = s.ListViolations(ctx, sess.ID)
	if err != nil {
		return nil, err
	}
	return sess, nil
}

// CommitIngest writes the state change and violation in one transaction.
func (s *SQLiteStore) CommitIngest(ctx context.Context, c IngestCommit) error {
	return shared.RetryOnConflict(ctx, s.retry, "commit ingest", func() error {
		return s.commitIngestOnce(ctx, c)
	})
}

func (s *SQLiteStore) commitIngestOnce(ctx context.Context, c IngestCommit) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var endedAt any
	if c.EndedAt != nil {
		endedAt = c.EndedAt.UnixNano()
	}

	update := `
	UPDATE sessions
	SET state = ?, last_sequence_number = ?, ended_at = COALESCE(?, ended_at),
		termination_reason = COALESCE(?, termination_reason),
		terminated_by = COALESCE(?, terminated_by)
	WHERE id = ? AND last_sequence_number = ? AND state != 'TERMINATED'`

	result, err := tx.ExecContext(ctx, update,
		string(c.State), c.SequenceNumber, endedAt,
		nullString(c.TerminationReason), nullString(c.TerminatedBy),
		c.SessionID, c.PrevSequence,
	)
	if err != nil {
		return fmt.Errorf("update session: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}
	if rows == 0 {
		slog.Warn("CommitIngest affected 0 rows", "session_id", c.SessionID, "prev_seq", c.PrevSequence)
		return fmt.Errorf("session %s: %w: sequence or state changed concurrently", c.SessionID, domain.ErrConflict)
	}

	if v := c.Violation; v != nil {
		insert := `
		INSERT INTO violations (id, session_id, sequence_number, type, severity, action, detected_at, evidence_ref, details)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`

		var ref any
		if v.EvidenceRef != nil {
			ref = *v.EvidenceRef
		}
		if _, err := tx.ExecContext(ctx, insert,
			v.ID, v.SessionID, v.SequenceNumber, string(v.Type), string(v.Severity),
			string(v.Action), v.DetectedAt.UnixNano(), ref, v.Details,
		); err != nil {
			return fmt.Errorf("insert violation: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit ingest: %w", err)
	}
	return nil
}

// Terminate closes a session.
func (s *SQLiteStore) Terminate(ctx context.Context, id, reason, actor string, at time.Time) error {
	query := `
	UPDATE sessions
	SET state = 'TERMINATED', ended_at = ?, termination_reason = ?, terminated_by = ?
	WHERE id = ? AND state != 'TERMINATED'`

	var rows int64
	err := shared.RetryOnConflict(ctx, s.retry, "terminate session", func() error {
		result, execErr := s.db.ExecContext(ctx, query, at.UnixNano(), nullString(reason), nullString(actor), id)
		if execErr != nil {
			return execErr
		}
		rows, execErr = result.RowsAffected()
		return execErr
	})
	if err != nil {
		return err
	}
	if rows > 0 {
		return nil
	}

	var state string
	err = s.db.QueryRowContext(ctx, `SELECT state FROM sessions WHERE id = ?`, id).Scan(&state)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("session %s: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("read session state: %w", err)
	}
	return fmt.Errorf("session %s: %w", id, domain.ErrSessionClosed)
}

// AttachEvidence sets the evidence reference of a violation exactly once.
func (s *SQLiteStore) AttachEvidence(ctx context.Context, violationID, reference string) error {
	query := `UPDATE violations SET evidence_ref = ? WHERE id = ? AND evidence_ref IS NULL`

	var rows int64
	err := shared.RetryOnConflict(ctx, s.retry, "attach evidence", func() error {
		result, execErr := s.db.ExecContext(ctx, query, reference, violationID)
		if execErr != nil {
			return execErr
		}
		rows, execErr = result.RowsAffected()
		return execErr
	})
	if err != nil {
		return err
	}
	if rows > 0 {
		return nil
	}

	var exists int
	err = s.db.QueryRowContext(ctx, `SELECT 1 FROM violations WHERE id = ?`, violationID).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("violation %s: %w", violationID, domain.ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("read violation: %w", err)
	}
	return fmt.Errorf("violation %s: %w: evidence already attached", violationID, domain.ErrConflict)
}

// ListViolations returns the violation log of a session.
func (s *SQLiteStore) ListViolations(ctx context.Context, sessionID string) ([]domain.Violation, error) {
	query := `
		SELECT id, session_id, sequence_number, type, severity, action, detected_at, evidence_ref, details
		FROM violations WHERE session_id = ? ORDER BY sequence_number`

	rows, err := s.db.QueryContext(ctx, query, sessionID)
	if err != nil {
		return nil, fmt.Errorf("query violations: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close violation rows", "error", closeErr)
		}
	}()

	violations := []domain.Violation{}
	for rows.Next() {
		var v domain.Violation
		var typ, severity, action string
		var detectedAt int64
		var ref sql.NullString

		if err := rows.Scan(
			&v.ID, &v.SessionID, &v.SequenceNumber, &typ, &severity, &action,
			&detectedAt, &ref, &v.Details,
		); err != nil {
			return nil, fmt.Errorf("scan violation row: %w", err)
		}

		v.Type = domain.ViolationType(typ)
		v.Severity = domain.Severity(severity)
		v.Action = domain.Action(action)
		v.DetectedAt = time.Unix(0, detectedAt).UTC()
		if ref.Valid {
			r := ref.String
			v.EvidenceRef = &r
		}
		violations = append(violations, v)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate violations: %w", err)
	}
	return violations, nil
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
