// Package suggest relays externally generated text suggestions to the
// participants of a session. It never produces suggestion content itself.
package suggest

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/patrickmn/go-cache"
	"go.uber.org/zap"

	"coedit/api/internal/apperr"
	"coedit/api/internal/events"
	"coedit/api/internal/presence"
	"coedit/api/internal/store"
	"coedit/api/internal/util"
)

const MessageSuggestion = "suggestion"

const (
	TypeInsert  = "insert"
	TypeReplace = "replace"
)

type Suggestion struct {
	ID        string    `json:"id"`
	SessionID string    `json:"sessionId"`
	Text      string    `json:"text"`
	Position  int       `json:"position"`
	Type      string    `json:"type"`
	Length    int       `json:"length,omitempty"`
	Reason    string    `json:"reason,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
	ExpiresAt time.Time `json:"expiresAt"`
}

type ForwardResult struct {
	Suggestion Suggestion
	Recipients []string
}

type sessionReader interface {
	GetSession(ctx context.Context, sessionID string) (store.Session, error)
}

type participantLister interface {
	ListActive(ctx context.Context, sessionID string) ([]presence.Participant, error)
}

type sender interface {
	Broadcast(sessionID, messageType string, payload any)
	Members(sessionID string) []string
}

type Relay struct {
	sessions  sessionReader
	presence  participantLister
	sender    sender
	publisher events.Publisher
	pending   *cache.Cache
	ttl       time.Duration
	log       *zap.Logger
	now       func() time.Time
}

func NewRelay(sessions sessionReader, tracker participantLister, out sender, publisher events.Publisher, ttl time.Duration, log *zap.Logger) *Relay {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	if publisher == nil {
		publisher = events.Nop{}
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Relay{
		sessions:  sessions,
		presence:  tracker,
		sender:    out,
		publisher: publisher,
		pending:   cache.New(ttl, 2*ttl),
		ttl:       ttl,
		log:       log.Named("suggest"),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Forward validates s, keeps it for late joiners until it expires and pushes
// it to the session. Recipients are the active participants with a live
// connection in the session room; everyone else sees it through Pending.
func (r *Relay) Forward(ctx context.Context, sessionID string, s Suggestion) (ForwardResult, error) {
	if err := validate(s); err != nil {
		return ForwardResult{}, err
	}
	session, err := r.sessions.GetSession(ctx, sessionID)
	if errors.Is(err, store.ErrNotFound) {
		return ForwardResult{}, apperr.NotFound("session", sessionID)
	}
	if err != nil {
		return ForwardResult{}, fmt.Errorf("load session: %w", err)
	}
	if !session.Active() {
		return ForwardResult{}, &apperr.SessionClosedError{SessionID: sessionID}
	}

	participants, err := r.presence.ListActive(ctx, sessionID)
	if err != nil {
		return ForwardResult{}, fmt.Errorf("list participants: %w", err)
	}

	now := r.now()
	s.ID = util.NewID("sug")
	s.SessionID = sessionID
	s.CreatedAt = now
	s.ExpiresAt = now.Add(r.ttl)
	if s.Type == TypeInsert {
		s.Length = 0
	}
	r.pending.Set(cacheKey(sessionID, s.ID), s, r.ttl)

	recipients := make([]string, 0, len(participants))
	if r.sender != nil {
		connected := make(map[string]bool)
		for _, userID := range r.sender.Members(sessionID) {
			connected[userID] = true
		}
		for _, p := range participants {
			if connected[p.UserID] {
				recipients = append(recipients, p.UserID)
			}
		}
		r.sender.Broadcast(sessionID, MessageSuggestion, s)
	}

	if err := r.publisher.Publish(ctx, events.Event{
		Type:       events.SuggestionForwarded,
		SessionID:  sessionID,
		DocumentID: session.DocumentID,
		Data:       map[string]any{"suggestionId": s.ID, "recipients": len(recipients)},
		OccurredAt: now,
	}); err != nil {
		r.log.Warn("publish event failed", zap.String("suggestion_id", s.ID), zap.Error(err))
	}
	return ForwardResult{Suggestion: s, Recipients: recipients}, nil
}

// Pending lists the unexpired suggestions of a session, oldest first.
func (r *Relay) Pending(sessionID string) []Suggestion {
	prefix := sessionID + ":"
	items := make([]Suggestion, 0)
	for key, item := range r.pending.Items() {
		if !strings.HasPrefix(key, prefix) {
			continue
		}
		if s, ok := item.Object.(Suggestion); ok {
			items = append(items, s)
		}
	}
	sort.Slice(items, func(i, j int) bool {
		if items[i].CreatedAt.Equal(items[j].CreatedAt) {
			return items[i].ID < items[j].ID
		}
		return items[i].CreatedAt.Before(items[j].CreatedAt)
	})
	return items
}

// Dismiss drops a pending suggestion once a client accepted or rejected it.
// It reports false when the suggestion is unknown or already expired.
func (r *Relay) Dismiss(sessionID, suggestionID string) bool {
	key := cacheKey(sessionID, suggestionID)
	if _, ok := r.pending.Get(key); !ok {
		return false
	}
	r.pending.Delete(key)
	return true
}

func cacheKey(sessionID, suggestionID string) string {
	return sessionID + ":" + suggestionID
}

func validate(s Suggestion) error {
	if strings.TrimSpace(s.Text) == "" && s.Type != TypeReplace {
		return apperr.Invalid("text", "must not be empty")
	}
	if s.Position < 0 {
		return apperr.Invalid("position", "must be >= 0")
	}
	switch s.Type {
	case TypeInsert:
	case TypeReplace:
		if s.Length < 1 {
			return apperr.Invalid("length", "replace requires length >= 1")
		}
	default:
		return apperr.Invalid("type", "must be insert or replace")
	}
	return nil
}
