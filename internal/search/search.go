package search

import "context"

// Result is a single comment hit.
type Result struct {
	CommentID string `json:"commentId"`
	SessionID string `json:"sessionId"`
	UserID    string `json:"userId"`
	Snippet   string `json:"snippet"`
	Position  int    `json:"position"`
	Resolved  bool   `json:"resolved"`
}

// Query describes a search request scoped to one session.
type Query struct {
	SessionID string
	Text      string
	Limit     int
	Offset    int
}

// Response is the envelope returned by the search endpoint.
type Response struct {
	Results []Result `json:"results"`
	Total   int      `json:"total"`
	Query   string   `json:"query"`
}

// Backend can execute a full-text search.
type Backend interface {
	Search(ctx context.Context, q Query) ([]Result, int, error)
	Healthy() bool
}

// CommentRecord is the data we index for a comment.
type CommentRecord struct {
	ID        string `json:"id"`
	SessionID string `json:"sessionId"`
	UserID    string `json:"userId"`
	Content   string `json:"content"`
	Position  int    `json:"position"`
	Resolved  bool   `json:"resolved"`
}

func (q Query) limit() int {
	if q.Limit <= 0 {
		return 20
	}
	return q.Limit
}

func (q Query) offset() int {
	if q.Offset < 0 {
		return 0
	}
	return q.Offset
}
