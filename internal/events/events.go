// Package events publishes session lifecycle notifications to a message bus.
// Consumers such as notification delivery live outside this service.
package events

import (
	"context"
	"errors"
	"sync"
	"time"
)

const (
	OperationsApplied     = "operations.applied"
	SessionCreated        = "session.created"
	SessionClosed         = "session.closed"
	CommentAdded          = "comment.added"
	CommentResolved       = "comment.resolved"
	ApprovalSubmitted     = "approval.submitted"
	ApprovalVerdictChange = "approval.verdict_changed"
	SuggestionForwarded   = "suggestion.forwarded"
)

type Event struct {
	Type       string         `json:"type"`
	SessionID  string         `json:"sessionId"`
	DocumentID string         `json:"documentId,omitempty"`
	UserID     string         `json:"userId,omitempty"`
	Data       map[string]any `json:"data,omitempty"`
	OccurredAt time.Time      `json:"occurredAt"`
}

type Publisher interface {
	Publish(ctx context.Context, event Event) error
}

type Nop struct{}

func (Nop) Publish(context.Context, Event) error { return nil }

// Multi delivers each event to every publisher and joins their errors.
type Multi []Publisher

func (m Multi) Publish(ctx context.Context, event Event) error {
	var errs []error
	for _, p := range m {
		if err := p.Publish(ctx, event); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Recorder keeps published events in memory.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) Publish(_ context.Context, event Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
	return nil
}

func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

func (r *Recorder) OfType(eventType string) []Event {
	var out []Event
	for _, e := range r.Events() {
		if e.Type == eventType {
			out = append(out, e)
		}
	}
	return out
}
