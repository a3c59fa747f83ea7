package presence

import (
	"context"
	"sync"
	"time"

	"coedit/api/internal/apperr"
)

type room struct {
	nextOrder    int
	participants map[string]*Participant
}

// MemoryTracker keeps presence in process memory. State is lost on restart
// and rebuilt as clients reconnect.
type MemoryTracker struct {
	mu    sync.Mutex
	rooms map[string]*room
	now   func() time.Time
}

func NewMemoryTracker() *MemoryTracker {
	return &MemoryTracker{
		rooms: make(map[string]*room),
		now:   func() time.Time { return time.Now().UTC() },
	}
}

func (t *MemoryTracker) Join(_ context.Context, sessionID, userID string) (Participant, error) {
	if err := validateIDs(sessionID, userID); err != nil {
		return Participant{}, err
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	r := t.rooms[sessionID]
	if r == nil {
		r = &room{participants: make(map[string]*Participant)}
		t.rooms[sessionID] = r
	}
	now := t.now()
	p, ok := r.participants[userID]
	if !ok {
		p = &Participant{
			SessionID: sessionID,
			UserID:    userID,
			JoinOrder: r.nextOrder,
			Color:     ColorFor(r.nextOrder),
		}
		r.nextOrder++
		r.participants[userID] = p
	}
	p.JoinedAt = now
	p.LeftAt = nil
	return copyParticipant(p), nil
}

func (t *MemoryTracker) Leave(_ context.Context, sessionID, userID string) (Participant, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	p := t.lookup(sessionID, userID)
	if p == nil {
		return Participant{}, notFound(sessionID, userID)
	}
	if p.LeftAt == nil {
		left := t.now()
		p.LeftAt = &left
	}
	return copyParticipant(p), nil
}

func (t *MemoryTracker) UpdateCursor(_ context.Context, sessionID, userID string, position int) (Participant, error) {
	if position < 0 {
		return Participant{}, apperr.Invalid("position", "must be >= 0")
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	p := t.lookup(sessionID, userID)
	if p == nil || !p.Connected() {
		return Participant{}, notFound(sessionID, userID)
	}
	pos := position
	p.CursorPosition = &pos
	return copyParticipant(p), nil
}

func (t *MemoryTracker) Get(_ context.Context, sessionID, userID string) (Participant, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	p := t.lookup(sessionID, userID)
	if p == nil {
		return Participant{}, notFound(sessionID, userID)
	}
	return copyParticipant(p), nil
}

func (t *MemoryTracker) ListActive(_ context.Context, sessionID string) ([]Participant, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	items := make([]Participant, 0)
	if r := t.rooms[sessionID]; r != nil {
		for _, p := range r.participants {
			if p.Connected() {
				items = append(items, copyParticipant(p))
			}
		}
	}
	sortByJoinedAt(items)
	return items, nil
}

func (t *MemoryTracker) Touch(_ context.Context, sessionID, userID string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.lookup(sessionID, userID) == nil {
		return notFound(sessionID, userID)
	}
	return nil
}

func (t *MemoryTracker) Drop(_ context.Context, sessionID string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.rooms, sessionID)
	return nil
}

func (t *MemoryTracker) lookup(sessionID, userID string) *Participant {
	r := t.rooms[sessionID]
	if r == nil {
		return nil
	}
	return r.participants[userID]
}

func copyParticipant(p *Participant) Participant {
	out := *p
	if p.LeftAt != nil {
		left := *p.LeftAt
		out.LeftAt = &left
	}
	if p.CursorPosition != nil {
		pos := *p.CursorPosition
		out.CursorPosition = &pos
	}
	return out
}
