package store

import (
	"time"

	"coedit/api/internal/textbuf"
)

const (
	SessionActive = "active"
	SessionClosed = "closed"
)

const (
	ApprovalApproved       = "approved"
	ApprovalRequestChanges = "request_changes"
)

type Session struct {
	ID             string
	DocumentID     string
	Status         string
	Version        int64
	Buffer         string
	InitialContent string
	CreatedBy      string
	CreatedAt      time.Time
	UpdatedAt      time.Time
	ClosedAt       *time.Time
}

func (s Session) Active() bool {
	return s.Status == SessionActive
}

// Operation is one applied edit. Version is the session version it produced.
type Operation struct {
	SessionID  string
	UserID     string
	Type       textbuf.OpType
	Position   int
	Content    string
	Length     int
	Attributes map[string]any
	Version    int64
	AppliedAt  time.Time
}

func (o Operation) Edit() textbuf.Edit {
	return textbuf.Edit{
		Type:       o.Type,
		Position:   o.Position,
		Content:    o.Content,
		Length:     o.Length,
		Attributes: o.Attributes,
	}
}

type Comment struct {
	ID         string
	SessionID  string
	UserID     string
	Content    string
	Position   int
	ParentID   *string
	Resolved   bool
	ResolvedBy string
	ResolvedAt *time.Time
	CreatedAt  time.Time
	EditedAt   *time.Time
	Replies    []Comment
}

func (c Comment) IsReply() bool {
	return c.ParentID != nil
}

type Approval struct {
	SessionID   string
	UserID      string
	Status      string
	Comment     string
	SubmittedAt time.Time
}
