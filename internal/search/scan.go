package search

import (
	"context"
	"fmt"
	"strings"

	"coedit/api/internal/store"
)

type commentLister interface {
	ListComments(ctx context.Context, sessionID string) ([]store.Comment, error)
}

// Scan is a case-insensitive substring backend for the in-memory store.
// Every query term must appear in the comment.
type Scan struct {
	comments commentLister
}

func NewScan(comments commentLister) *Scan {
	return &Scan{comments: comments}
}

func (s *Scan) Healthy() bool {
	return true
}

func (s *Scan) Search(ctx context.Context, q Query) ([]Result, int, error) {
	terms := strings.Fields(strings.ToLower(q.Text))
	if len(terms) == 0 {
		return nil, 0, nil
	}
	comments, err := s.comments.ListComments(ctx, q.SessionID)
	if err != nil {
		return nil, 0, fmt.Errorf("scan comments: %w", err)
	}

	matches := make([]Result, 0)
	for _, c := range comments {
		if !containsAll(strings.ToLower(c.Content), terms) {
			continue
		}
		matches = append(matches, Result{
			CommentID: c.ID,
			SessionID: c.SessionID,
			UserID:    c.UserID,
			Snippet:   c.Content,
			Position:  c.Position,
			Resolved:  c.Resolved,
		})
	}

	total := len(matches)
	start := min(q.offset(), total)
	end := min(start+q.limit(), total)
	return matches[start:end], total, nil
}

func containsAll(haystack string, terms []string) bool {
	for _, term := range terms {
		if !strings.Contains(haystack, term) {
			return false
		}
	}
	return true
}
