package store

import (
	"context"
	"errors"
	"time"
)

var (
	ErrNotFound            = errors.New("record not found")
	ErrVersionConflict     = errors.New("session version changed")
	ErrActiveSessionExists = errors.New("document already has an active session")
	ErrSessionNotActive    = errors.New("session is not active")
)

// Store is the full persistence surface. Both PostgresStore and MemoryStore
// satisfy it; consumers depend on narrower interfaces of their own.
type Store interface {
	CreateSession(ctx context.Context, session Session) error
	GetSession(ctx context.Context, sessionID string) (Session, error)
	GetActiveSession(ctx context.Context, documentID string) (*Session, error)
	CommitOperations(ctx context.Context, sessionID string, baseVersion int64, buffer string, ops []Operation) error
	CloseSession(ctx context.Context, sessionID string, closedAt time.Time) error
	ListOperations(ctx context.Context, sessionID string, sinceVersion int64) ([]Operation, error)

	InsertComment(ctx context.Context, comment Comment) error
	GetComment(ctx context.Context, commentID string) (Comment, error)
	ListComments(ctx context.Context, sessionID string) ([]Comment, error)
	UpdateCommentContent(ctx context.Context, commentID, content string, editedAt time.Time) (Comment, error)
	ResolveComment(ctx context.Context, commentID, resolvedBy string, resolvedAt time.Time) (Comment, error)
	ReopenComment(ctx context.Context, commentID string) (Comment, error)

	UpsertApproval(ctx context.Context, approval Approval) error
	ListApprovals(ctx context.Context, sessionID string) ([]Approval, error)
	SetReviewers(ctx context.Context, sessionID string, userIDs []string) error
	ListReviewers(ctx context.Context, sessionID string) ([]string, error)

	Ping(ctx context.Context) error
}
