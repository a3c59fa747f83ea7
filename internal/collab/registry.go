package collab

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"coedit/api/internal/apperr"
	"coedit/api/internal/events"
	"coedit/api/internal/presence"
	"coedit/api/internal/store"
)

type JoinResult struct {
	Session     store.Session
	Created     bool
	Participant presence.Participant
}

// GetOrCreate joins the active session of documentID, creating it from
// initialContent when none exists. Calls for the same document are
// serialized; the store's unique index covers other processes.
func (e *Engine) GetOrCreate(ctx context.Context, documentID, userID, initialContent string) (JoinResult, error) {
	if documentID == "" {
		return JoinResult{}, apperr.Invalid("documentId", "is required")
	}
	if userID == "" {
		return JoinResult{}, apperr.Invalid("userId", "is required")
	}

	unlock := e.documentLocks.Lock(documentID)
	defer unlock()

	active, err := e.store.GetActiveSession(ctx, documentID)
	if err != nil {
		return JoinResult{}, fmt.Errorf("load active session: %w", err)
	}
	if active != nil {
		return e.joinExisting(ctx, *active, userID)
	}

	now := e.now()
	session := store.Session{
		ID:             newSessionID(),
		DocumentID:     documentID,
		Status:         store.SessionActive,
		Version:        1,
		Buffer:         initialContent,
		InitialContent: initialContent,
		CreatedBy:      userID,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := e.store.CreateSession(ctx, session); err != nil {
		if !errors.Is(err, store.ErrActiveSessionExists) {
			return JoinResult{}, fmt.Errorf("create session: %w", err)
		}
		active, err = e.store.GetActiveSession(ctx, documentID)
		if err != nil {
			return JoinResult{}, fmt.Errorf("load active session: %w", err)
		}
		if active == nil {
			return JoinResult{}, fmt.Errorf("create session: %w", store.ErrActiveSessionExists)
		}
		return e.joinExisting(ctx, *active, userID)
	}

	e.log.Info("session created",
		zap.String("session_id", session.ID),
		zap.String("document_id", documentID),
		zap.String("user_id", userID),
	)
	e.publish(ctx, events.Event{
		Type:       events.SessionCreated,
		SessionID:  session.ID,
		DocumentID: documentID,
		UserID:     userID,
	})

	participant, err := e.joinPresence(ctx, session.ID, userID)
	if err != nil {
		return JoinResult{}, err
	}
	return JoinResult{Session: session, Created: true, Participant: participant}, nil
}

func (e *Engine) joinExisting(ctx context.Context, session store.Session, userID string) (JoinResult, error) {
	participant, err := e.joinPresence(ctx, session.ID, userID)
	if err != nil {
		return JoinResult{}, err
	}
	return JoinResult{Session: session, Participant: participant}, nil
}

// Join attaches userID to an active session's presence set.
func (e *Engine) Join(ctx context.Context, sessionID, userID string) (presence.Participant, error) {
	session, err := e.loadSession(ctx, sessionID)
	if err != nil {
		return presence.Participant{}, err
	}
	if !session.Active() {
		return presence.Participant{}, &apperr.SessionClosedError{SessionID: sessionID}
	}
	return e.joinPresence(ctx, sessionID, userID)
}

func (e *Engine) joinPresence(ctx context.Context, sessionID, userID string) (presence.Participant, error) {
	participant, err := e.presence.Join(ctx, sessionID, userID)
	if err != nil {
		return presence.Participant{}, err
	}
	e.broadcaster.Broadcast(sessionID, MessagePresence, map[string]any{
		"event":       "joined",
		"participant": participant,
	})
	return participant, nil
}

func (e *Engine) Leave(ctx context.Context, sessionID, userID string) (presence.Participant, error) {
	participant, err := e.presence.Leave(ctx, sessionID, userID)
	if err != nil {
		return presence.Participant{}, err
	}
	e.broadcaster.Broadcast(sessionID, MessagePresence, map[string]any{
		"event":       "left",
		"participant": participant,
	})
	return participant, nil
}

func (e *Engine) UpdateCursor(ctx context.Context, sessionID, userID string, position int) (presence.Participant, error) {
	participant, err := e.presence.UpdateCursor(ctx, sessionID, userID, position)
	if err != nil {
		return presence.Participant{}, err
	}
	e.broadcaster.Broadcast(sessionID, MessageCursor, map[string]any{
		"userId":   userID,
		"position": position,
		"color":    participant.Color,
	})
	return participant, nil
}

// Heartbeat keeps userID's presence alive while its connection is open. A
// record that expired in the meantime is restored by joining again.
func (e *Engine) Heartbeat(ctx context.Context, sessionID, userID string) error {
	err := e.presence.Touch(ctx, sessionID, userID)
	if !errors.Is(err, apperr.ErrNotFound) {
		return err
	}
	_, err = e.Join(ctx, sessionID, userID)
	return err
}

func (e *Engine) Participants(ctx context.Context, sessionID string) ([]presence.Participant, error) {
	if _, err := e.loadSession(ctx, sessionID); err != nil {
		return nil, err
	}
	return e.presence.ListActive(ctx, sessionID)
}

// Session returns a snapshot of the session row.
func (e *Engine) Session(ctx context.Context, sessionID string) (store.Session, error) {
	return e.loadSession(ctx, sessionID)
}

// Close moves an active session to closed. Closing is terminal: a second
// close and any later submit fail with SessionClosedError.
func (e *Engine) Close(ctx context.Context, sessionID, userID string) (store.Session, error) {
	unlock := e.sessionLocks.Lock(sessionID)
	defer unlock()

	session, err := e.loadSession(ctx, sessionID)
	if err != nil {
		return store.Session{}, err
	}
	if !session.Active() {
		return store.Session{}, &apperr.SessionClosedError{SessionID: sessionID}
	}

	closedAt := e.now()
	if err := e.store.CloseSession(ctx, sessionID, closedAt); err != nil {
		if errors.Is(err, store.ErrSessionNotActive) {
			return store.Session{}, &apperr.SessionClosedError{SessionID: sessionID}
		}
		return store.Session{}, fmt.Errorf("close session: %w", err)
	}
	session.Status = store.SessionClosed
	session.ClosedAt = &closedAt
	session.UpdatedAt = closedAt

	e.log.Info("session closed",
		zap.String("session_id", sessionID),
		zap.String("document_id", session.DocumentID),
		zap.String("user_id", userID),
		zap.Int64("version", session.Version),
	)
	e.broadcaster.Broadcast(sessionID, MessageSessionClosed, map[string]any{
		"sessionId": sessionID,
		"closedBy":  userID,
		"version":   session.Version,
	})
	e.publish(ctx, events.Event{
		Type:       events.SessionClosed,
		SessionID:  sessionID,
		DocumentID: session.DocumentID,
		UserID:     userID,
		Data:       map[string]any{"version": session.Version},
	})
	e.archive(ctx, session)
	if err := e.presence.Drop(ctx, sessionID); err != nil {
		e.log.Warn("drop presence failed", zap.String("session_id", sessionID), zap.Error(err))
	}
	return session, nil
}

// CloseDocument closes the active session of a document that was archived
// upstream.
func (e *Engine) CloseDocument(ctx context.Context, documentID, userID string) (store.Session, error) {
	active, err := e.store.GetActiveSession(ctx, documentID)
	if err != nil {
		return store.Session{}, fmt.Errorf("load active session: %w", err)
	}
	if active == nil {
		return store.Session{}, apperr.NotFound("active session for document", documentID)
	}
	return e.Close(ctx, active.ID, userID)
}

func (e *Engine) archive(ctx context.Context, session store.Session) {
	if e.archiver == nil {
		return
	}
	ops, err := e.store.ListOperations(ctx, session.ID, 0)
	if err != nil {
		e.log.Error("load operations for archive failed", zap.String("session_id", session.ID), zap.Error(err))
		return
	}
	archiveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancel()
	if err := e.archiver.Archive(archiveCtx, session, ops); err != nil {
		e.log.Error("archive session failed", zap.String("session_id", session.ID), zap.Error(err))
	}
}
