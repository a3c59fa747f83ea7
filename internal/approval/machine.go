// Package approval records per-reviewer verdicts on a session and derives
// the session-level approval state from them.
package approval

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"coedit/api/internal/apperr"
	"coedit/api/internal/events"
	"coedit/api/internal/store"
	"coedit/api/internal/util"
)

type Verdict string

const (
	VerdictPending          Verdict = "pending"
	VerdictInReview         Verdict = "in_review"
	VerdictChangesRequested Verdict = "changes_requested"
	VerdictApproved         Verdict = "approved"
)

type approvalStore interface {
	GetSession(ctx context.Context, sessionID string) (store.Session, error)
	UpsertApproval(ctx context.Context, approval store.Approval) error
	ListApprovals(ctx context.Context, sessionID string) ([]store.Approval, error)
	SetReviewers(ctx context.Context, sessionID string, userIDs []string) error
	ListReviewers(ctx context.Context, sessionID string) ([]string, error)
}

type Result struct {
	Approval store.Approval
	Verdict  Verdict
}

type Status struct {
	SessionID string
	Approvals []store.Approval
	Reviewers []string
	Verdict   Verdict
}

type Machine struct {
	store     approvalStore
	publisher events.Publisher
	log       *zap.Logger
	now       func() time.Time
	locks     *util.KeyedMutex
}

func NewMachine(s approvalStore, publisher events.Publisher, log *zap.Logger) *Machine {
	if publisher == nil {
		publisher = events.Nop{}
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Machine{
		store:     s,
		publisher: publisher,
		log:       log.Named("approval"),
		now:       func() time.Time { return time.Now().UTC() },
		locks:     util.NewKeyedMutex(),
	}
}

// Derive computes the session verdict. Any request for changes wins; the
// session is approved only when every expected reviewer has approved.
func Derive(approvals []store.Approval, expected []string) Verdict {
	if len(approvals) == 0 {
		return VerdictPending
	}
	approvedBy := make(map[string]bool, len(approvals))
	for _, a := range approvals {
		if a.Status == store.ApprovalRequestChanges {
			return VerdictChangesRequested
		}
		approvedBy[a.UserID] = true
	}
	if len(expected) == 0 {
		return VerdictInReview
	}
	for _, reviewer := range expected {
		if !approvedBy[reviewer] {
			return VerdictInReview
		}
	}
	return VerdictApproved
}

// Submit records or overwrites userID's verdict and returns the recomputed
// session verdict.
func (m *Machine) Submit(ctx context.Context, sessionID, userID, status, comment string) (Result, error) {
	if userID == "" {
		return Result{}, apperr.Invalid("userId", "is required")
	}
	if status != store.ApprovalApproved && status != store.ApprovalRequestChanges {
		return Result{}, apperr.Invalid("status", "must be approved or request_changes")
	}
	if err := m.requireSession(ctx, sessionID); err != nil {
		return Result{}, err
	}

	unlock := m.locks.Lock(sessionID)
	defer unlock()

	before, err := m.status(ctx, sessionID)
	if err != nil {
		return Result{}, err
	}

	approval := store.Approval{
		SessionID:   sessionID,
		UserID:      userID,
		Status:      status,
		Comment:     strings.TrimSpace(comment),
		SubmittedAt: m.now(),
	}
	if err := m.store.UpsertApproval(ctx, approval); err != nil {
		return Result{}, fmt.Errorf("upsert approval: %w", err)
	}

	after, err := m.status(ctx, sessionID)
	if err != nil {
		return Result{}, err
	}

	m.publish(ctx, events.Event{
		Type:      events.ApprovalSubmitted,
		SessionID: sessionID,
		UserID:    userID,
		Data:      map[string]any{"status": status},
	})
	if before.Verdict != after.Verdict {
		m.log.Info("verdict changed",
			zap.String("session_id", sessionID),
			zap.String("from", string(before.Verdict)),
			zap.String("to", string(after.Verdict)),
		)
		m.publish(ctx, events.Event{
			Type:      events.ApprovalVerdictChange,
			SessionID: sessionID,
			UserID:    userID,
			Data:      map[string]any{"from": string(before.Verdict), "to": string(after.Verdict)},
		})
	}
	return Result{Approval: approval, Verdict: after.Verdict}, nil
}

func (m *Machine) Status(ctx context.Context, sessionID string) (Status, error) {
	if err := m.requireSession(ctx, sessionID); err != nil {
		return Status{}, err
	}
	return m.status(ctx, sessionID)
}

// SetReviewers replaces the expected reviewer set. It is the boundary used
// by the external assignment mechanism.
func (m *Machine) SetReviewers(ctx context.Context, sessionID string, userIDs []string) (Status, error) {
	seen := make(map[string]bool, len(userIDs))
	reviewers := make([]string, 0, len(userIDs))
	for _, id := range userIDs {
		id = strings.TrimSpace(id)
		if id == "" {
			return Status{}, apperr.Invalid("reviewers", "must not contain empty ids")
		}
		if !seen[id] {
			seen[id] = true
			reviewers = append(reviewers, id)
		}
	}
	sort.Strings(reviewers)
	if err := m.requireSession(ctx, sessionID); err != nil {
		return Status{}, err
	}

	unlock := m.locks.Lock(sessionID)
	defer unlock()

	before, err := m.status(ctx, sessionID)
	if err != nil {
		return Status{}, err
	}
	if err := m.store.SetReviewers(ctx, sessionID, reviewers); err != nil {
		return Status{}, fmt.Errorf("set reviewers: %w", err)
	}
	after, err := m.status(ctx, sessionID)
	if err != nil {
		return Status{}, err
	}
	if before.Verdict != after.Verdict {
		m.publish(ctx, events.Event{
			Type:      events.ApprovalVerdictChange,
			SessionID: sessionID,
			Data:      map[string]any{"from": string(before.Verdict), "to": string(after.Verdict)},
		})
	}
	return after, nil
}

func (m *Machine) status(ctx context.Context, sessionID string) (Status, error) {
	approvals, err := m.store.ListApprovals(ctx, sessionID)
	if err != nil {
		return Status{}, fmt.Errorf("list approvals: %w", err)
	}
	reviewers, err := m.store.ListReviewers(ctx, sessionID)
	if err != nil {
		return Status{}, fmt.Errorf("list reviewers: %w", err)
	}
	return Status{
		SessionID: sessionID,
		Approvals: approvals,
		Reviewers: reviewers,
		Verdict:   Derive(approvals, reviewers),
	}, nil
}

func (m *Machine) requireSession(ctx context.Context, sessionID string) error {
	_, err := m.store.GetSession(ctx, sessionID)
	if errors.Is(err, store.ErrNotFound) {
		return apperr.NotFound("session", sessionID)
	}
	if err != nil {
		return fmt.Errorf("load session: %w", err)
	}
	return nil
}

func (m *Machine) publish(ctx context.Context, event events.Event) {
	event.OccurredAt = m.now()
	if err := m.publisher.Publish(ctx, event); err != nil {
		m.log.Warn("publish event failed", zap.String("type", event.Type), zap.Error(err))
	}
}

func StatusView(s Status) map[string]any {
	approvals := make([]map[string]any, 0, len(s.Approvals))
	for _, a := range s.Approvals {
		approvals = append(approvals, ApprovalView(a))
	}
	return map[string]any{
		"sessionId": s.SessionID,
		"verdict":   string(s.Verdict),
		"reviewers": s.Reviewers,
		"approvals": approvals,
	}
}

func ApprovalView(a store.Approval) map[string]any {
	return map[string]any{
		"userId":      a.UserID,
		"status":      a.Status,
		"comment":     a.Comment,
		"submittedAt": a.SubmittedAt,
	}
}
