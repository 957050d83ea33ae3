package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/ashureev/stepflow/internal/domain"
	"github.com/ashureev/stepflow/internal/retry"
	"github.com/ashureev/stepflow/internal/shared"
	_ "modernc.org/sqlite"
)

const (
	writeAttempts   = 3
	writeRetryDelay = 100 * time.Millisecond
)

// SQLiteStore implements Repository using SQLite.
type SQLiteStore struct {
	db    *sql.DB
	retry *retry.Transport
}

// NewSQLite creates a new SQLite-backed repository.
func NewSQLite(dbPath string) (Repository, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	// Write transactions take the lock up front so concurrent group
	// assignments serialize instead of failing on upgrade.
	dsn := dbPath + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_txlock=immediate"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	store := &SQLiteStore{
		db:    db,
		retry: retry.New(writeRetryDelay, retry.WithRetryIf(shared.IsSQLiteConflictError)),
	}
	if err := store.initSchema(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	query := `
	CREATE TABLE IF NOT EXISTS participants (
		participant_id TEXT PRIMARY KEY,
		treatment_group INTEGER NOT NULL,
		last_seen_at INTEGER NOT NULL,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_participants_group ON participants(treatment_group);

	CREATE TABLE IF NOT EXISTS submissions (
		submission_id TEXT PRIMARY KEY,
		participant_id TEXT NOT NULL UNIQUE,
		treatment_group INTEGER NOT NULL,
		conversation_log TEXT,
		fields TEXT,
		created_at INTEGER NOT NULL
	);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

const selectParticipant = `
	SELECT participant_id, treatment_group, last_seen_at, created_at, updated_at
	FROM participants WHERE participant_id = ?`

func scanParticipant(row rowScanner) (*domain.Participant, error) {
	var p domain.Participant
	var lastSeen, createdAt, updatedAt int64
	err := row.Scan(&p.ParticipantID, &p.TreatmentGroup, &lastSeen, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan participant row: %w", err)
	}
	p.LastSeenAt = time.Unix(lastSeen, 0)
	p.CreatedAt = time.Unix(createdAt, 0)
	p.UpdatedAt = time.Unix(updatedAt, 0)
	return &p, nil
}

// Ping verifies database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// GetParticipant retrieves a participant by id.
func (s *SQLiteStore) GetParticipant(ctx context.Context, participantID string) (*domain.Participant, error) {
	return scanParticipant(s.db.QueryRowContext(ctx, selectParticipant, participantID))
}

type assignment struct {
	participant *domain.Participant
	created     bool
}

// AssignParticipant returns the existing participant or inserts a new one.
// Group counting and the insert share one transaction.
func (s *SQLiteStore) AssignParticipant(ctx context.Context, participantID string, choose GroupChooser) (*domain.Participant, bool, error) {
	res, err := retry.Execute(ctx, s.retry, writeAttempts, func(ctx context.Context) (assignment, error) {
		return s.assignOnce(ctx, participantID, choose)
	})
	if err != nil {
		return nil, false, fmt.Errorf("assign participant: %w", err)
	}
	return res.participant, res.created, nil
}

func (s *SQLiteStore) assignOnce(ctx context.Context, participantID string, choose GroupChooser) (assignment, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return assignment{}, fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now()
	p, err := scanParticipant(tx.QueryRowContext(ctx, selectParticipant, participantID))
	switch {
	case err == nil:
		if _, err := tx.ExecContext(ctx,
			`UPDATE participants SET last_seen_at = ?, updated_at = ? WHERE participant_id = ?`,
			now.Unix(), now.Unix(), participantID); err != nil {
			return assignment{}, fmt.Errorf("touch participant: %w", err)
		}
		if err := tx.Commit(); err != nil {
			return assignment{}, fmt.Errorf("commit: %w", err)
		}
		p.LastSeenAt = time.Unix(now.Unix(), 0)
		p.UpdatedAt = p.LastSeenAt
		return assignment{participant: p}, nil
	case !errors.Is(err, ErrNotFound):
		return assignment{}, err
	}

	control, agent, err := countGroups(ctx, tx)
	if err != nil {
		return assignment{}, err
	}
	group := choose(control, agent)
	if !group.Valid() {
		return assignment{}, fmt.Errorf("invalid treatment group %d", group)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO participants (participant_id, treatment_group, last_seen_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)`,
		participantID, int(group), now.Unix(), now.Unix(), now.Unix()); err != nil {
		return assignment{}, fmt.Errorf("insert participant: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return assignment{}, fmt.Errorf("commit: %w", err)
	}

	ts := time.Unix(now.Unix(), 0)
	return assignment{
		participant: &domain.Participant{
			ParticipantID:  participantID,
			TreatmentGroup: group,
			LastSeenAt:     ts,
			CreatedAt:      ts,
			UpdatedAt:      ts,
		},
		created: true,
	}, nil
}

// UpdateLastSeen updates the last_seen_at timestamp for a participant.
func (s *SQLiteStore) UpdateLastSeen(ctx context.Context, participantID string, lastSeen time.Time) error {
	return s.retry.Do(ctx, writeAttempts, func(ctx context.Context) error {
		result, err := s.db.ExecContext(ctx,
			`UPDATE participants SET last_seen_at = ?, updated_at = ? WHERE participant_id = ?`,
			lastSeen.Unix(), time.Now().Unix(), participantID)
		if err != nil {
			return fmt.Errorf("update last_seen: %w", err)
		}
		rows, err := result.RowsAffected()
		if err != nil {
			return fmt.Errorf("get rows affected: %w", err)
		}
		if rows == 0 {
			return ErrNotFound
		}
		return nil
	})
}

// CountGroups returns the number of participants in each group.
func (s *SQLiteStore) CountGroups(ctx context.Context) (int, int, error) {
	return countGroups(ctx, s.db)
}

func countGroups(ctx context.Context, q queryer) (control, agent int, err error) {
	rows, err := q.QueryContext(ctx, `SELECT treatment_group, COUNT(*) FROM participants GROUP BY treatment_group`)
	if err != nil {
		return 0, 0, fmt.Errorf("count groups: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close group count rows", "error", closeErr)
		}
	}()

	for rows.Next() {
		var group domain.TreatmentGroup
		var n int
		if err := rows.Scan(&group, &n); err != nil {
			return 0, 0, fmt.Errorf("scan group count: %w", err)
		}
		switch group {
		case domain.GroupControl:
			control = n
		case domain.GroupAgent:
			agent = n
		}
	}
	if err := rows.Err(); err != nil {
		return 0, 0, fmt.Errorf("iterate group counts: %w", err)
	}
	return control, agent, nil
}

// SaveSubmission stores sub once per participant.
func (s *SQLiteStore) SaveSubmission(ctx context.Context, sub *domain.Submission) (*domain.Submission, bool, error) {
	if sub.CreatedAt.IsZero() {
		sub.CreatedAt = time.Now()
	}

	var inserted int64
	err := s.retry.Do(ctx, writeAttempts, func(ctx context.Context) error {
		result, err := s.db.ExecContext(ctx, `
			INSERT INTO submissions (submission_id, participant_id, treatment_group, conversation_log, fields, created_at)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT(participant_id) DO NOTHING`,
			sub.SubmissionID, sub.ParticipantID, int(sub.TreatmentGroup),
			nullableJSON(sub.ConversationLog), nullableJSON(sub.Fields),
			sub.CreatedAt.Unix(),
		)
		if err != nil {
			return fmt.Errorf("insert submission: %w", err)
		}
		inserted, err = result.RowsAffected()
		if err != nil {
			return fmt.Errorf("get rows affected: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, false, err
	}

	if inserted == 1 {
		stored := *sub
		stored.CreatedAt = time.Unix(sub.CreatedAt.Unix(), 0)
		return &stored, true, nil
	}

	slog.Info("Submission already stored, returning original", "participant_id", sub.ParticipantID)
	existing, err := s.GetSubmission(ctx, sub.ParticipantID)
	if err != nil {
		return nil, false, err
	}
	return existing, false, nil
}

// GetSubmission retrieves the submission of a participant.
func (s *SQLiteStore) GetSubmission(ctx context.Context, participantID string) (*domain.Submission, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT submission_id, participant_id, treatment_group, conversation_log, fields, created_at
		FROM submissions WHERE participant_id = ?`, participantID)

	var sub domain.Submission
	var conversationLog, fields sql.NullString
	var createdAt int64
	err := row.Scan(&sub.SubmissionID, &sub.ParticipantID, &sub.TreatmentGroup, &conversationLog, &fields, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan submission row: %w", err)
	}
	if conversationLog.Valid {
		sub.ConversationLog = []byte(conversationLog.String)
	}
	if fields.Valid {
		sub.Fields = []byte(fields.String)
	}
	sub.CreatedAt = time.Unix(createdAt, 0)
	return &sub, nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}

func nullableJSON(raw []byte) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}
