// Package comments manages position-anchored comment threads on a session.
// Threads are one level deep: a reply never has replies of its own.
package comments

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
	"coedit/api/internal/search"
	"coedit/api/internal/store"
	"coedit/api/internal/util"
)

type commentStore interface {
	GetSession(ctx context.Context, sessionID string) (store.Session, error)
	InsertComment(ctx context.Context, comment store.Comment) error
	GetComment(ctx context.Context, commentID string) (store.Comment, error)
	ListComments(ctx context.Context, sessionID string) ([]store.Comment, error)
	UpdateCommentContent(ctx context.Context, commentID, content string, editedAt time.Time) (store.Comment, error)
	ResolveComment(ctx context.Context, commentID, resolvedBy string, resolvedAt time.Time) (store.Comment, error)
	ReopenComment(ctx context.Context, commentID string) (store.Comment, error)
}

type searcher interface {
	Search(ctx context.Context, q search.Query) search.Response
	IndexComment(record search.CommentRecord)
}

type Manager struct {
	store     commentStore
	search    searcher
	publisher events.Publisher
	log       *zap.Logger
	now       func() time.Time
}

func NewManager(s commentStore, searchService searcher, publisher events.Publisher, log *zap.Logger) *Manager {
	if publisher == nil {
		publisher = events.Nop{}
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Manager{
		store:     s,
		search:    searchService,
		publisher: publisher,
		log:       log.Named("comments"),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Add creates a top-level comment, or a reply when parentID is set. A reply
// takes the anchor position of its parent.
func (m *Manager) Add(ctx context.Context, sessionID, userID, content string, position int, parentID string) (store.Comment, error) {
	content = strings.TrimSpace(content)
	if userID == "" {
		return store.Comment{}, apperr.Invalid("userId", "is required")
	}
	if content == "" {
		return store.Comment{}, apperr.Invalid("content", "must not be empty")
	}
	if position < 0 {
		return store.Comment{}, apperr.Invalid("position", "must be >= 0")
	}
	if err := m.requireSession(ctx, sessionID); err != nil {
		return store.Comment{}, err
	}

	comment := store.Comment{
		ID:        util.NewID("cmt"),
		SessionID: sessionID,
		UserID:    userID,
		Content:   content,
		Position:  position,
		CreatedAt: m.now(),
	}
	if parentID != "" {
		parent, err := m.store.GetComment(ctx, parentID)
		if errors.Is(err, store.ErrNotFound) {
			return store.Comment{}, apperr.Invalid("parentId", "parent comment does not exist")
		}
		if err != nil {
			return store.Comment{}, fmt.Errorf("load parent comment: %w", err)
		}
		if parent.SessionID != sessionID {
			return store.Comment{}, apperr.Invalid("parentId", "parent belongs to another session")
		}
		if parent.IsReply() {
			return store.Comment{}, apperr.Invalid("parentId", "replies cannot be replied to")
		}
		comment.ParentID = &parent.ID
		comment.Position = parent.Position
	}

	if err := m.store.InsertComment(ctx, comment); err != nil {
		return store.Comment{}, fmt.Errorf("insert comment: %w", err)
	}
	m.index(comment)
	m.publish(ctx, events.CommentAdded, comment, userID)
	return comment, nil
}

// List returns top-level comments ordered by position then creation time,
// each with its replies attached in creation order. Resolved threads are
// omitted unless includeResolved is set.
func (m *Manager) List(ctx context.Context, sessionID string, includeResolved bool) ([]store.Comment, error) {
	if err := m.requireSession(ctx, sessionID); err != nil {
		return nil, err
	}
	all, err := m.store.ListComments(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list comments: %w", err)
	}
	return buildThreads(all, includeResolved), nil
}

func buildThreads(all []store.Comment, includeResolved bool) []store.Comment {
	replies := make(map[string][]store.Comment)
	tops := make([]store.Comment, 0)
	for _, c := range all {
		if c.IsReply() {
			replies[*c.ParentID] = append(replies[*c.ParentID], c)
			continue
		}
		if c.Resolved && !includeResolved {
			continue
		}
		tops = append(tops, c)
	}

	sort.SliceStable(tops, func(i, j int) bool {
		if tops[i].Position != tops[j].Position {
			return tops[i].Position < tops[j].Position
		}
		return tops[i].CreatedAt.Before(tops[j].CreatedAt)
	})
	for i := range tops {
		thread := replies[tops[i].ID]
		sort.SliceStable(thread, func(a, b int) bool {
			return thread[a].CreatedAt.Before(thread[b].CreatedAt)
		})
		tops[i].Replies = append([]store.Comment{}, thread...)
	}
	return tops
}

func (m *Manager) Get(ctx context.Context, commentID string) (store.Comment, error) {
	comment, err := m.store.GetComment(ctx, commentID)
	if errors.Is(err, store.ErrNotFound) {
		return store.Comment{}, apperr.NotFound("comment", commentID)
	}
	if err != nil {
		return store.Comment{}, fmt.Errorf("load comment: %w", err)
	}
	return comment, nil
}

// Resolve marks a top-level comment resolved. Resolving twice keeps the
// first resolution.
func (m *Manager) Resolve(ctx context.Context, commentID, userID string) (store.Comment, error) {
	if userID == "" {
		return store.Comment{}, apperr.Invalid("userId", "is required")
	}
	comment, err := m.Get(ctx, commentID)
	if err != nil {
		return store.Comment{}, err
	}
	if comment.IsReply() {
		return store.Comment{}, apperr.Invalid("commentId", "replies cannot be resolved")
	}
	if comment.Resolved {
		return comment, nil
	}
	resolved, err := m.store.ResolveComment(ctx, commentID, userID, m.now())
	if err != nil {
		return store.Comment{}, fmt.Errorf("resolve comment: %w", err)
	}
	m.index(resolved)
	m.publish(ctx, events.CommentResolved, resolved, userID)
	return resolved, nil
}

func (m *Manager) Reopen(ctx context.Context, commentID string) (store.Comment, error) {
	comment, err := m.Get(ctx, commentID)
	if err != nil {
		return store.Comment{}, err
	}
	if comment.IsReply() {
		return store.Comment{}, apperr.Invalid("commentId", "replies cannot be reopened")
	}
	if !comment.Resolved {
		return comment, nil
	}
	reopened, err := m.store.ReopenComment(ctx, commentID)
	if err != nil {
		return store.Comment{}, fmt.Errorf("reopen comment: %w", err)
	}
	m.index(reopened)
	return reopened, nil
}

// Edit replaces the content only; resolution state is untouched.
func (m *Manager) Edit(ctx context.Context, commentID, content string) (store.Comment, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return store.Comment{}, apperr.Invalid("content", "must not be empty")
	}
	if _, err := m.Get(ctx, commentID); err != nil {
		return store.Comment{}, err
	}
	edited, err := m.store.UpdateCommentContent(ctx, commentID, content, m.now())
	if err != nil {
		return store.Comment{}, fmt.Errorf("edit comment: %w", err)
	}
	m.index(edited)
	return edited, nil
}

func (m *Manager) Search(ctx context.Context, sessionID, text string, limit, offset int) (search.Response, error) {
	if strings.TrimSpace(text) == "" {
		return search.Response{}, apperr.Invalid("q", "must not be empty")
	}
	if err := m.requireSession(ctx, sessionID); err != nil {
		return search.Response{}, err
	}
	if m.search == nil {
		return search.Response{Results: []search.Result{}, Query: text}, nil
	}
	return m.search.Search(ctx, search.Query{SessionID: sessionID, Text: text, Limit: limit, Offset: offset}), nil
}

func (m *Manager) requireSession(ctx context.Context, sessionID string) error {
	_, err := m.store.GetSession(ctx, sessionID)
	if errors.Is(err, store.ErrNotFound) {
		return apperr.NotFound("session", sessionID)
	}
	if err != nil {
		return fmt.Errorf("load session: %w", err)
	}
	return nil
}

func (m *Manager) index(c store.Comment) {
	if m.search == nil {
		return
	}
	m.search.IndexComment(search.CommentRecord{
		ID:        c.ID,
		SessionID: c.SessionID,
		UserID:    c.UserID,
		Content:   c.Content,
		Position:  c.Position,
		Resolved:  c.Resolved,
	})
}

func (m *Manager) publish(ctx context.Context, eventType string, c store.Comment, userID string) {
	err := m.publisher.Publish(ctx, events.Event{
		Type:       eventType,
		SessionID:  c.SessionID,
		UserID:     userID,
		Data:       map[string]any{"commentId": c.ID, "reply": c.IsReply()},
		OccurredAt: m.now(),
	})
	if err != nil {
		m.log.Warn("publish event failed", zap.String("type", eventType), zap.String("comment_id", c.ID), zap.Error(err))
	}
}

// View renders a comment and its replies for JSON responses.
func View(c store.Comment) map[string]any {
	view := map[string]any{
		"id":        c.ID,
		"sessionId": c.SessionID,
		"userId":    c.UserID,
		"content":   c.Content,
		"position":  c.Position,
		"resolved":  c.Resolved,
		"createdAt": c.CreatedAt,
	}
	if c.ParentID != nil {
		view["parentId"] = *c.ParentID
	}
	if c.Resolved {
		view["resolvedBy"] = c.ResolvedBy
		view["resolvedAt"] = c.ResolvedAt
	}
	if c.EditedAt != nil {
		view["editedAt"] = *c.EditedAt
	}
	if !c.IsReply() {
		replies := make([]map[string]any, 0, len(c.Replies))
		for _, r := range c.Replies {
			replies = append(replies, View(r))
		}
		view["replies"] = replies
	}
	return view
}
