package store

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore keeps every record in process memory. It mirrors the
// PostgresStore contract, including the compare-and-swap on session version
// and the one-active-session-per-document constraint.
type MemoryStore struct {
	mu         sync.RWMutex
	sessions   map[string]Session
	activeDocs map[string]string
	operations map[string][]Operation
	comments   map[string]Comment
	order      []string
	approvals  map[string]map[string]Approval
	reviewers  map[string][]string
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions:   make(map[string]Session),
		activeDocs: make(map[string]string),
		operations: make(map[string][]Operation),
		comments:   make(map[string]Comment),
		approvals:  make(map[string]map[string]Approval),
		reviewers:  make(map[string][]string),
	}
}

func (s *MemoryStore) CreateSession(_ context.Context, session Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if session.Status == SessionActive {
		if _, exists := s.activeDocs[session.DocumentID]; exists {
			return ErrActiveSessionExists
		}
		s.activeDocs[session.DocumentID] = session.ID
	}
	s.sessions[session.ID] = session
	return nil
}

func (s *MemoryStore) GetSession(_ context.Context, sessionID string) (Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	session, ok := s.sessions[sessionID]
	if !ok {
		return Session{}, ErrNotFound
	}
	return session, nil
}

func (s *MemoryStore) GetActiveSession(_ context.Context, documentID string) (*Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sessionID, ok := s.activeDocs[documentID]
	if !ok {
		return nil, nil
	}
	session := s.sessions[sessionID]
	return &session, nil
}

func (s *MemoryStore) CommitOperations(_ context.Context, sessionID string, baseVersion int64, buffer string, ops []Operation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	session, ok := s.sessions[sessionID]
	if !ok {
		return ErrNotFound
	}
	if !session.Active() {
		return ErrSessionNotActive
	}
	if session.Version != baseVersion {
		return ErrVersionConflict
	}
	for _, op := range ops {
		op.Attributes = cloneAttributes(op.Attributes)
		s.operations[sessionID] = append(s.operations[sessionID], op)
	}
	session.Version = baseVersion + int64(len(ops))
	session.Buffer = buffer
	if len(ops) > 0 {
		session.UpdatedAt = ops[len(ops)-1].AppliedAt
	}
	s.sessions[sessionID] = session
	return nil
}

func (s *MemoryStore) CloseSession(_ context.Context, sessionID string, closedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	session, ok := s.sessions[sessionID]
	if !ok {
		return ErrNotFound
	}
	if !session.Active() {
		return ErrSessionNotActive
	}
	session.Status = SessionClosed
	session.ClosedAt = &closedAt
	session.UpdatedAt = closedAt
	s.sessions[sessionID] = session
	delete(s.activeDocs, session.DocumentID)
	return nil
}

func (s *MemoryStore) ListOperations(_ context.Context, sessionID string, sinceVersion int64) ([]Operation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.sessions[sessionID]; !ok {
		return nil, ErrNotFound
	}
	items := make([]Operation, 0)
	for _, op := range s.operations[sessionID] {
		if op.Version > sinceVersion {
			op.Attributes = cloneAttributes(op.Attributes)
			items = append(items, op)
		}
	}
	return items, nil
}

func (s *MemoryStore) InsertComment(_ context.Context, comment Comment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[comment.SessionID]; !ok {
		return ErrNotFound
	}
	comment.Replies = nil
	s.comments[comment.ID] = comment
	s.order = append(s.order, comment.ID)
	return nil
}

func (s *MemoryStore) GetComment(_ context.Context, commentID string) (Comment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	comment, ok := s.comments[commentID]
	if !ok {
		return Comment{}, ErrNotFound
	}
	return comment, nil
}

// ListComments returns every comment of the session in insertion order.
func (s *MemoryStore) ListComments(_ context.Context, sessionID string) ([]Comment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	items := make([]Comment, 0)
	for _, id := range s.order {
		comment := s.comments[id]
		if comment.SessionID == sessionID {
			items = append(items, comment)
		}
	}
	return items, nil
}

func (s *MemoryStore) UpdateCommentContent(_ context.Context, commentID, content string, editedAt time.Time) (Comment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	comment, ok := s.comments[commentID]
	if !ok {
		return Comment{}, ErrNotFound
	}
	comment.Content = content
	comment.EditedAt = &editedAt
	s.comments[commentID] = comment
	return comment, nil
}

func (s *MemoryStore) ResolveComment(_ context.Context, commentID, resolvedBy string, resolvedAt time.Time) (Comment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	comment, ok := s.comments[commentID]
	if !ok {
		return Comment{}, ErrNotFound
	}
	if comment.Resolved {
		return comment, nil
	}
	comment.Resolved = true
	comment.ResolvedBy = resolvedBy
	comment.ResolvedAt = &resolvedAt
	s.comments[commentID] = comment
	return comment, nil
}

func (s *MemoryStore) ReopenComment(_ context.Context, commentID string) (Comment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	comment, ok := s.comments[commentID]
	if !ok {
		return Comment{}, ErrNotFound
	}
	comment.Resolved = false
	comment.ResolvedBy = ""
	comment.ResolvedAt = nil
	s.comments[commentID] = comment
	return comment, nil
}

func (s *MemoryStore) UpsertApproval(_ context.Context, approval Approval) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[approval.SessionID]; !ok {
		return ErrNotFound
	}
	bySession := s.approvals[approval.SessionID]
	if bySession == nil {
		bySession = make(map[string]Approval)
		s.approvals[approval.SessionID] = bySession
	}
	bySession[approval.UserID] = approval
	return nil
}

func (s *MemoryStore) ListApprovals(_ context.Context, sessionID string) ([]Approval, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	items := make([]Approval, 0, len(s.approvals[sessionID]))
	for _, approval := range s.approvals[sessionID] {
		items = append(items, approval)
	}
	sort.Slice(items, func(i, j int) bool {
		if items[i].SubmittedAt.Equal(items[j].SubmittedAt) {
			return items[i].UserID < items[j].UserID
		}
		return items[i].SubmittedAt.Before(items[j].SubmittedAt)
	})
	return items, nil
}

func (s *MemoryStore) SetReviewers(_ context.Context, sessionID string, userIDs []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[sessionID]; !ok {
		return ErrNotFound
	}
	s.reviewers[sessionID] = append([]string(nil), userIDs...)
	return nil
}

func (s *MemoryStore) ListReviewers(_ context.Context, sessionID string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	items := append([]string{}, s.reviewers[sessionID]...)
	sort.Strings(items)
	return items, nil
}

func (s *MemoryStore) Ping(context.Context) error {
	return nil
}

func cloneAttributes(input map[string]any) map[string]any {
	if input == nil {
		return nil
	}
	out := make(map[string]any, len(input))
	for k, v := range input {
		out[k] = v
	}
	return out
}
