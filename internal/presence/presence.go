// Package presence tracks who is connected to a collaborative session, where
// their cursor sits and which highlight color they were assigned.
package presence

import (
	"context"
	"sort"
	"time"

	"coedit/api/internal/apperr"
)

// Palette is indexed by join order, so a participant keeps the same color for
// the lifetime of the session.
var Palette = []string{
	"#E57373",
	"#64B5F6",
	"#81C784",
	"#FFB74D",
	"#BA68C8",
	"#4DB6AC",
	"#F06292",
	"#A1887F",
}

func ColorFor(joinOrder int) string {
	if joinOrder < 0 {
		joinOrder = -joinOrder
	}
	return Palette[joinOrder%len(Palette)]
}

type Participant struct {
	SessionID      string     `json:"sessionId"`
	UserID         string     `json:"userId"`
	JoinedAt       time.Time  `json:"joinedAt"`
	LeftAt         *time.Time `json:"leftAt,omitempty"`
	CursorPosition *int       `json:"cursorPosition,omitempty"`
	Color          string     `json:"color"`
	JoinOrder      int        `json:"joinOrder"`
}

func (p Participant) Connected() bool {
	return p.LeftAt == nil
}

// Tracker is implemented by MemoryTracker and RedisTracker.
type Tracker interface {
	Join(ctx context.Context, sessionID, userID string) (Participant, error)
	Leave(ctx context.Context, sessionID, userID string) (Participant, error)
	UpdateCursor(ctx context.Context, sessionID, userID string, position int) (Participant, error)
	Get(ctx context.Context, sessionID, userID string) (Participant, error)
	ListActive(ctx context.Context, sessionID string) ([]Participant, error)
	// Touch marks userID as still connected without changing its record.
	Touch(ctx context.Context, sessionID, userID string) error
	// Drop forgets every participant of a session that has ended.
	Drop(ctx context.Context, sessionID string) error
}

func validateIDs(sessionID, userID string) error {
	if sessionID == "" {
		return apperr.Invalid("sessionId", "is required")
	}
	if userID == "" {
		return apperr.Invalid("userId", "is required")
	}
	return nil
}

func notFound(sessionID, userID string) error {
	return apperr.NotFound("participant", sessionID+"/"+userID)
}

func sortByJoinedAt(items []Participant) {
	sort.Slice(items, func(i, j int) bool {
		if items[i].JoinedAt.Equal(items[j].JoinedAt) {
			return items[i].JoinOrder < items[j].JoinOrder
		}
		return items[i].JoinedAt.Before(items[j].JoinedAt)
	})
}
