package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"coedit/api/internal/textbuf"
)

const uniqueViolation = "23505"

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) CreateSession(ctx context.Context, session Session) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO collab_sessions (id, document_id, status, version, buffer, initial_content, created_by, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $8)
	`, session.ID, session.DocumentID, session.Status, session.Version, session.Buffer, session.InitialContent, session.CreatedBy, session.CreatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return ErrActiveSessionExists
		}
		return fmt.Errorf("create session: %w", err)
	}
	return nil
}

const sessionColumns = `id, document_id, status, version, buffer, initial_content, created_by, created_at, updated_at, closed_at`

func scanSession(row interface{ Scan(...any) error }) (Session, error) {
	var item Session
	var closedAt sql.NullTime
	err := row.Scan(
		&item.ID,
		&item.DocumentID,
		&item.Status,
		&item.Version,
		&item.Buffer,
		&item.InitialContent,
		&item.CreatedBy,
		&item.CreatedAt,
		&item.UpdatedAt,
		&closedAt,
	)
	if err != nil {
		return Session{}, err
	}
	if closedAt.Valid {
		item.ClosedAt = &closedAt.Time
	}
	return item, nil
}

func (s *PostgresStore) GetSession(ctx context.Context, sessionID string) (Session, error) {
	item, err := scanSession(s.db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM collab_sessions WHERE id=$1`, sessionID))
	if errors.Is(err, sql.ErrNoRows) {
		return Session{}, ErrNotFound
	}
	if err != nil {
		return Session{}, fmt.Errorf("get session: %w", err)
	}
	return item, nil
}

func (s *PostgresStore) GetActiveSession(ctx context.Context, documentID string) (*Session, error) {
	item, err := scanSession(s.db.QueryRowContext(ctx, `
		SELECT `+sessionColumns+`
		FROM collab_sessions
		WHERE document_id=$1 AND status='active'
	`, documentID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get active session: %w", err)
	}
	return &item, nil
}

// CommitOperations appends ops and advances the session in one transaction.
// The row lock plus the version comparison make it a compare-and-swap, so two
// processes sharing the database cannot both commit against the same base.
func (s *PostgresStore) CommitOperations(ctx context.Context, sessionID string, baseVersion int64, buffer string, ops []Operation) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin commit tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var status string
	var version int64
	err = tx.QueryRowContext(ctx, `SELECT status, version FROM collab_sessions WHERE id=$1 FOR UPDATE`, sessionID).Scan(&status, &version)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("lock session: %w", err)
	}
	if status != SessionActive {
		return ErrSessionNotActive
	}
	if version != baseVersion {
		return ErrVersionConflict
	}

	updatedAt := time.Now().UTC()
	for _, op := range ops {
		attributes, err := marshalAttributes(op.Attributes)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO session_operations (session_id, version, user_id, op_type, position, content, length, attributes, applied_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		`, sessionID, op.Version, op.UserID, string(op.Type), op.Position, op.Content, op.Length, attributes, op.AppliedAt); err != nil {
			return fmt.Errorf("append operation %d: %w", op.Version, err)
		}
		updatedAt = op.AppliedAt
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE collab_sessions
		SET version=$2, buffer=$3, updated_at=$4
		WHERE id=$1
	`, sessionID, baseVersion+int64(len(ops)), buffer, updatedAt); err != nil {
		return fmt.Errorf("advance session version: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit operations: %w", err)
	}
	return nil
}

func (s *PostgresStore) CloseSession(ctx context.Context, sessionID string, closedAt time.Time) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE collab_sessions
		SET status='closed', closed_at=$2, updated_at=$2
		WHERE id=$1 AND status='active'
	`, sessionID, closedAt)
	if err != nil {
		return fmt.Errorf("close session: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("close session rows: %w", err)
	}
	if affected > 0 {
		return nil
	}
	if _, err := s.GetSession(ctx, sessionID); err != nil {
		return err
	}
	return ErrSessionNotActive
}

func (s *PostgresStore) ListOperations(ctx context.Context, sessionID string, sinceVersion int64) ([]Operation, error) {
	if _, err := s.GetSession(ctx, sessionID); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT session_id, version, user_id, op_type, position, content, length, COALESCE(attributes::text, ''), applied_at
		FROM session_operations
		WHERE session_id=$1 AND version > $2
		ORDER BY version ASC
	`, sessionID, sinceVersion)
	if err != nil {
		return nil, fmt.Errorf("list operations: %w", err)
	}
	defer rows.Close()

	items := make([]Operation, 0)
	for rows.Next() {
		var item Operation
		var opType, attributes string
		if err := rows.Scan(
			&item.SessionID,
			&item.Version,
			&item.UserID,
			&opType,
			&item.Position,
			&item.Content,
			&item.Length,
			&attributes,
			&item.AppliedAt,
		); err != nil {
			return nil, fmt.Errorf("scan operation: %w", err)
		}
		item.Type = textbuf.OpType(opType)
		if attributes != "" {
			if err := json.Unmarshal([]byte(attributes), &item.Attributes); err != nil {
				return nil, fmt.Errorf("decode operation attributes: %w", err)
			}
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate operations: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) InsertComment(ctx context.Context, comment Comment) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO session_comments (id, session_id, user_id, content, position, parent_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, comment.ID, comment.SessionID, comment.UserID, comment.Content, comment.Position, comment.ParentID, comment.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert comment: %w", err)
	}
	return nil
}

const commentColumns = `id, session_id, user_id, content, position, parent_id, resolved, COALESCE(resolved_by, ''), resolved_at, created_at, edited_at`

func scanComment(row interface{ Scan(...any) error }) (Comment, error) {
	var item Comment
	var parentID sql.NullString
	var resolvedAt, editedAt sql.NullTime
	err := row.Scan(
		&item.ID,
		&item.SessionID,
		&item.UserID,
		&item.Content,
		&item.Position,
		&parentID,
		&item.Resolved,
		&item.ResolvedBy,
		&resolvedAt,
		&item.CreatedAt,
		&editedAt,
	)
	if err != nil {
		return Comment{}, err
	}
	if parentID.Valid {
		item.ParentID = &parentID.String
	}
	if resolvedAt.Valid {
		item.ResolvedAt = &resolvedAt.Time
	}
	if editedAt.Valid {
		item.EditedAt = &editedAt.Time
	}
	return item, nil
}

func (s *PostgresStore) GetComment(ctx context.Context, commentID string) (Comment, error) {
	item, err := scanComment(s.db.QueryRowContext(ctx, `SELECT `+commentColumns+` FROM session_comments WHERE id=$1`, commentID))
	if errors.Is(err, sql.ErrNoRows) {
		return Comment{}, ErrNotFound
	}
	if err != nil {
		return Comment{}, fmt.Errorf("get comment: %w", err)
	}
	return item, nil
}

func (s *PostgresStore) ListComments(ctx context.Context, sessionID string) ([]Comment, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+commentColumns+`
		FROM session_comments
		WHERE session_id=$1
		ORDER BY created_at ASC, id ASC
	`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list comments: %w", err)
	}
	defer rows.Close()

	items := make([]Comment, 0)
	for rows.Next() {
		item, err := scanComment(rows)
		if err != nil {
			return nil, fmt.Errorf("scan comment: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate comments: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) UpdateCommentContent(ctx context.Context, commentID, content string, editedAt time.Time) (Comment, error) {
	item, err := scanComment(s.db.QueryRowContext(ctx, `
		UPDATE session_comments
		SET content=$2, edited_at=$3
		WHERE id=$1
		RETURNING `+commentColumns, commentID, content, editedAt))
	if errors.Is(err, sql.ErrNoRows) {
		return Comment{}, ErrNotFound
	}
	if err != nil {
		return Comment{}, fmt.Errorf("update comment: %w", err)
	}
	return item, nil
}

func (s *PostgresStore) ResolveComment(ctx context.Context, commentID, resolvedBy string, resolvedAt time.Time) (Comment, error) {
	if _, err := s.db.ExecContext(ctx, `
		UPDATE session_comments
		SET resolved=TRUE, resolved_by=$2, resolved_at=$3
		WHERE id=$1 AND resolved=FALSE
	`, commentID, resolvedBy, resolvedAt); err != nil {
		return Comment{}, fmt.Errorf("resolve comment: %w", err)
	}
	return s.GetComment(ctx, commentID)
}

func (s *PostgresStore) ReopenComment(ctx context.Context, commentID string) (Comment, error) {
	item, err := scanComment(s.db.QueryRowContext(ctx, `
		UPDATE session_comments
		SET resolved=FALSE, resolved_by=NULL, resolved_at=NULL
		WHERE id=$1
		RETURNING `+commentColumns, commentID))
	if errors.Is(err, sql.ErrNoRows) {
		return Comment{}, ErrNotFound
	}
	if err != nil {
		return Comment{}, fmt.Errorf("reopen comment: %w", err)
	}
	return item, nil
}

func (s *PostgresStore) UpsertApproval(ctx context.Context, approval Approval) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO session_approvals (session_id, user_id, status, comment, submitted_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (session_id, user_id) DO UPDATE
		SET status=EXCLUDED.status, comment=EXCLUDED.comment, submitted_at=EXCLUDED.submitted_at
	`, approval.SessionID, approval.UserID, approval.Status, approval.Comment, approval.SubmittedAt)
	if err != nil {
		return fmt.Errorf("upsert approval: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListApprovals(ctx context.Context, sessionID string) ([]Approval, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT session_id, user_id, status, comment, submitted_at
		FROM session_approvals
		WHERE session_id=$1
		ORDER BY submitted_at ASC, user_id ASC
	`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list approvals: %w", err)
	}
	defer rows.Close()

	items := make([]Approval, 0)
	for rows.Next() {
		var item Approval
		if err := rows.Scan(&item.SessionID, &item.UserID, &item.Status, &item.Comment, &item.SubmittedAt); err != nil {
			return nil, fmt.Errorf("scan approval: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate approvals: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) SetReviewers(ctx context.Context, sessionID string, userIDs []string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin reviewers tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM session_reviewers WHERE session_id=$1`, sessionID); err != nil {
		return fmt.Errorf("clear reviewers: %w", err)
	}
	for _, userID := range userIDs {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO session_reviewers (session_id, user_id)
			VALUES ($1, $2)
			ON CONFLICT (session_id, user_id) DO NOTHING
		`, sessionID, userID); err != nil {
			return fmt.Errorf("insert reviewer: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit reviewers: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListReviewers(ctx context.Context, sessionID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT user_id FROM session_reviewers WHERE session_id=$1 ORDER BY user_id ASC`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list reviewers: %w", err)
	}
	defer rows.Close()

	items := make([]string, 0)
	for rows.Next() {
		var userID string
		if err := rows.Scan(&userID); err != nil {
			return nil, fmt.Errorf("scan reviewer: %w", err)
		}
		items = append(items, userID)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate reviewers: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func marshalAttributes(attributes map[string]any) (any, error) {
	if len(attributes) == 0 {
		return nil, nil
	}
	payload, err := json.Marshal(attributes)
	if err != nil {
		return nil, fmt.Errorf("encode operation attributes: %w", err)
	}
	return string(payload), nil
}
