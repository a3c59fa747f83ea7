// Package collab owns the versioned operation log of a collaborative editing
// session and the registry that keeps at most one active session per
// document.
package collab

import (
	"context"
	"time"

	"go.uber.org/zap"

	"coedit/api/internal/events"
	"coedit/api/internal/presence"
	"coedit/api/internal/store"
	"coedit/api/internal/util"
)

// Server-pushed message types.
const (
	MessageOperations    = "operations"
	MessagePresence      = "presence"
	MessageCursor        = "cursor"
	MessageSessionClosed = "session_closed"
)

type sessionStore interface {
	CreateSession(ctx context.Context, session store.Session) error
	GetSession(ctx context.Context, sessionID string) (store.Session, error)
	GetActiveSession(ctx context.Context, documentID string) (*store.Session, error)
	CommitOperations(ctx context.Context, sessionID string, baseVersion int64, buffer string, ops []store.Operation) error
	CloseSession(ctx context.Context, sessionID string, closedAt time.Time) error
	ListOperations(ctx context.Context, sessionID string, sinceVersion int64) ([]store.Operation, error)
}

// Broadcaster fans a message out to every connection attached to a session.
// Implementations must not block.
type Broadcaster interface {
	Broadcast(sessionID, messageType string, payload any)
}

// Archiver persists a closed session somewhere outside the live store.
type Archiver interface {
	Archive(ctx context.Context, session store.Session, ops []store.Operation) error
}

type Options struct {
	Broadcaster Broadcaster
	Publisher   events.Publisher
	Archiver    Archiver
	Logger      *zap.Logger
	Now         func() time.Time
}

type Engine struct {
	store       sessionStore
	presence    presence.Tracker
	broadcaster Broadcaster
	publisher   events.Publisher
	archiver    Archiver
	log         *zap.Logger
	now         func() time.Time

	sessionLocks  *util.KeyedMutex
	documentLocks *util.KeyedMutex
}

func NewEngine(sessions sessionStore, tracker presence.Tracker, opts Options) *Engine {
	e := &Engine{
		store:         sessions,
		presence:      tracker,
		broadcaster:   opts.Broadcaster,
		publisher:     opts.Publisher,
		archiver:      opts.Archiver,
		log:           opts.Logger,
		now:           opts.Now,
		sessionLocks:  util.NewKeyedMutex(),
		documentLocks: util.NewKeyedMutex(),
	}
	if e.broadcaster == nil {
		e.broadcaster = nopBroadcaster{}
	}
	if e.publisher == nil {
		e.publisher = events.Nop{}
	}
	if e.log == nil {
		e.log = zap.NewNop()
	}
	if e.now == nil {
		e.now = func() time.Time { return time.Now().UTC() }
	}
	e.log = e.log.Named("collab")
	return e
}

// publish never fails the caller; the state change has already committed.
func (e *Engine) publish(ctx context.Context, event events.Event) {
	event.OccurredAt = e.now()
	if err := e.publisher.Publish(ctx, event); err != nil {
		e.log.Warn("publish event failed",
			zap.String("type", event.Type),
			zap.String("session_id", event.SessionID),
			zap.Error(err),
		)
	}
}

type nopBroadcaster struct{}

func (nopBroadcaster) Broadcast(string, string, any) {}

func newSessionID() string {
	return util.NewID("ses")
}

// SessionView renders a session for JSON responses and pushed messages.
func SessionView(s store.Session) map[string]any {
	view := map[string]any{
		"id":         s.ID,
		"documentId": s.DocumentID,
		"status":     s.Status,
		"version":    s.Version,
		"content":    s.Buffer,
		"createdBy":  s.CreatedBy,
		"createdAt":  s.CreatedAt,
		"updatedAt":  s.UpdatedAt,
	}
	if s.ClosedAt != nil {
		view["closedAt"] = *s.ClosedAt
	}
	return view
}

func OperationView(op store.Operation) map[string]any {
	view := map[string]any{
		"type":      string(op.Type),
		"position":  op.Position,
		"version":   op.Version,
		"userId":    op.UserID,
		"appliedAt": op.AppliedAt,
	}
	if op.Content != "" {
		view["content"] = op.Content
	}
	if op.Length > 0 {
		view["length"] = op.Length
	}
	if len(op.Attributes) > 0 {
		view["attributes"] = op.Attributes
	}
	return view
}

func OperationViews(ops []store.Operation) []map[string]any {
	out := make([]map[string]any, 0, len(ops))
	for _, op := range ops {
		out = append(out, OperationView(op))
	}
	return out
}
