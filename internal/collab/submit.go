package collab

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"coedit/api/internal/apperr"
	"coedit/api/internal/events"
	"coedit/api/internal/store"
	"coedit/api/internal/textbuf"
)

type SubmitResult struct {
	NewVersion   int64
	AppliedCount int
	Operations   []store.Operation
}

// Submit validates a batch built against baseVersion, applies it to the
// session buffer and commits every operation with consecutive versions.
// The batch is all-or-nothing.
func (e *Engine) Submit(ctx context.Context, sessionID, userID string, baseVersion int64, edits []textbuf.Edit) (SubmitResult, error) {
	if err := validateBatch(userID, edits); err != nil {
		return SubmitResult{}, err
	}

	unlock := e.sessionLocks.Lock(sessionID)
	defer unlock()

	session, err := e.loadSession(ctx, sessionID)
	if err != nil {
		return SubmitResult{}, err
	}
	if !session.Active() {
		return SubmitResult{}, &apperr.SessionClosedError{SessionID: sessionID}
	}
	if baseVersion != session.Version {
		return SubmitResult{}, &apperr.ConflictError{ExpectedVersion: session.Version}
	}

	buffer, err := textbuf.ApplyBatch(session.Buffer, edits)
	if err != nil {
		return SubmitResult{}, err
	}

	appliedAt := e.now()
	ops := make([]store.Operation, len(edits))
	for i, edit := range edits {
		ops[i] = store.Operation{
			SessionID:  sessionID,
			UserID:     userID,
			Type:       edit.Type,
			Position:   edit.Position,
			Content:    edit.Content,
			Length:     edit.Length,
			Attributes: edit.Attributes,
			Version:    baseVersion + int64(i) + 1,
			AppliedAt:  appliedAt,
		}
	}

	if err := e.store.CommitOperations(ctx, sessionID, baseVersion, buffer, ops); err != nil {
		switch {
		case errors.Is(err, store.ErrVersionConflict):
			latest, readErr := e.store.GetSession(ctx, sessionID)
			if readErr != nil {
				return SubmitResult{}, fmt.Errorf("reload session after conflict: %w", readErr)
			}
			return SubmitResult{}, &apperr.ConflictError{ExpectedVersion: latest.Version}
		case errors.Is(err, store.ErrSessionNotActive):
			return SubmitResult{}, &apperr.SessionClosedError{SessionID: sessionID}
		default:
			return SubmitResult{}, fmt.Errorf("commit operations: %w", err)
		}
	}

	newVersion := baseVersion + int64(len(ops))
	e.log.Debug("operations applied",
		zap.String("session_id", sessionID),
		zap.String("user_id", userID),
		zap.Int64("base_version", baseVersion),
		zap.Int64("version", newVersion),
		zap.Int("count", len(ops)),
	)

	e.broadcaster.Broadcast(sessionID, MessageOperations, map[string]any{
		"sessionId":   sessionID,
		"userId":      userID,
		"baseVersion": baseVersion,
		"version":     newVersion,
		"operations":  OperationViews(ops),
	})
	e.publish(ctx, events.Event{
		Type:       events.OperationsApplied,
		SessionID:  sessionID,
		DocumentID: session.DocumentID,
		UserID:     userID,
		Data: map[string]any{
			"baseVersion": baseVersion,
			"version":     newVersion,
			"count":       len(ops),
		},
	})

	return SubmitResult{NewVersion: newVersion, AppliedCount: len(ops), Operations: ops}, nil
}

// OperationsSince returns the operations with a version greater than since,
// in ascending version order.
func (e *Engine) OperationsSince(ctx context.Context, sessionID string, since int64) ([]store.Operation, error) {
	if since < 0 {
		return nil, apperr.Invalid("since", "must be >= 0")
	}
	ops, err := e.store.ListOperations(ctx, sessionID, since)
	if errors.Is(err, store.ErrNotFound) {
		return nil, apperr.NotFound("session", sessionID)
	}
	if err != nil {
		return nil, fmt.Errorf("list operations: %w", err)
	}
	return ops, nil
}

// Replay rebuilds the buffer as it stood at version from the initial content
// and the operation log.
func (e *Engine) Replay(ctx context.Context, sessionID string, version int64) (string, error) {
	session, err := e.loadSession(ctx, sessionID)
	if err != nil {
		return "", err
	}
	if version < 1 || version > session.Version {
		return "", apperr.Invalid("version", fmt.Sprintf("must be between 1 and %d", session.Version))
	}
	ops, err := e.OperationsSince(ctx, sessionID, 0)
	if err != nil {
		return "", err
	}
	edits := make([]textbuf.Edit, 0, len(ops))
	for _, op := range ops {
		if op.Version > version {
			break
		}
		edits = append(edits, op.Edit())
	}
	buffer, err := textbuf.ApplyBatch(session.InitialContent, edits)
	if err != nil {
		return "", fmt.Errorf("replay session %s: %w", sessionID, err)
	}
	return buffer, nil
}

func (e *Engine) loadSession(ctx context.Context, sessionID string) (store.Session, error) {
	session, err := e.store.GetSession(ctx, sessionID)
	if errors.Is(err, store.ErrNotFound) {
		return store.Session{}, apperr.NotFound("session", sessionID)
	}
	if err != nil {
		return store.Session{}, fmt.Errorf("load session: %w", err)
	}
	return session, nil
}

func validateBatch(userID string, edits []textbuf.Edit) error {
	if userID == "" {
		return apperr.Invalid("userId", "is required")
	}
	if len(edits) == 0 {
		return apperr.Invalid("operations", "must not be empty")
	}
	for i, edit := range edits {
		field := fmt.Sprintf("operations[%d]", i)
		if !edit.Type.Valid() {
			return apperr.Invalid(field+".type", fmt.Sprintf("unknown operation type %q", edit.Type))
		}
		if edit.Position < 0 {
			return apperr.Invalid(field+".position", "must be >= 0")
		}
		switch edit.Type {
		case textbuf.OpInsert:
			if edit.Content == "" {
				return apperr.Invalid(field+".content", "insert requires content")
			}
		case textbuf.OpDelete, textbuf.OpFormat:
			if edit.Length < 1 {
				return apperr.Invalid(field+".length", "must be >= 1")
			}
		}
	}
	return nil
}
