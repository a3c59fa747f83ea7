package search

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	meili "github.com/meilisearch/meilisearch-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"coedit/api/internal/store"
)

func seededStore(t *testing.T) *store.MemoryStore {
	t.Helper()
	ctx := context.Background()
	s := store.NewMemoryStore()
	require.NoError(t, s.CreateSession(ctx, store.Session{ID: "ses_1", DocumentID: "doc-1", Status: store.SessionActive, Version: 1}))
	require.NoError(t, s.CreateSession(ctx, store.Session{ID: "ses_2", DocumentID: "doc-2", Status: store.SessionActive, Version: 1}))
	for i, c := range []store.Comment{
		{ID: "c1", SessionID: "ses_1", UserID: "alice", Content: "Fix the Typo in the intro"},
		{ID: "c2", SessionID: "ses_1", UserID: "bob", Content: "intro reads well", Position: 4},
		{ID: "c3", SessionID: "ses_2", UserID: "carol", Content: "typo here too"},
	} {
		c.CreatedAt = time.Unix(int64(i), 0)
		require.NoError(t, s.InsertComment(ctx, c))
	}
	return s
}

func TestScanMatchesAllTermsWithinSession(t *testing.T) {
	backend := NewScan(seededStore(t))

	results, total, err := backend.Search(context.Background(), Query{SessionID: "ses_1", Text: "typo INTRO"})
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	require.Len(t, results, 1)
	assert.Equal(t, "c1", results[0].CommentID)

	results, total, err = backend.Search(context.Background(), Query{SessionID: "ses_1", Text: "intro", Limit: 1, Offset: 1})
	require.NoError(t, err)
	assert.Equal(t, 2, total)
	require.Len(t, results, 1)
	assert.Equal(t, "c2", results[0].CommentID)

	results, total, err = backend.Search(context.Background(), Query{SessionID: "ses_1", Text: "   "})
	require.NoError(t, err)
	assert.Zero(t, total)
	assert.Empty(t, results)
}

type brokenBackend struct{}

func (brokenBackend) Search(context.Context, Query) ([]Result, int, error) {
	return nil, 0, errors.New("boom")
}

func (brokenBackend) Healthy() bool { return true }

func TestServiceFallsBackAndNeverReturnsNil(t *testing.T) {
	svc := NewService(nil, NewScan(seededStore(t)), zap.NewNop())
	resp := svc.Search(context.Background(), Query{SessionID: "ses_2", Text: "typo"})
	assert.Equal(t, 1, resp.Total)
	assert.Equal(t, "typo", resp.Query)

	broken := NewService(nil, brokenBackend{}, zap.NewNop())
	resp = broken.Search(context.Background(), Query{SessionID: "ses_1", Text: "x"})
	assert.NotNil(t, resp.Results)
	assert.Zero(t, resp.Total)

	// no Meilisearch configured: indexing is a no-op
	svc.IndexComment(CommentRecord{ID: "c9"})
}

func TestHitToResultPrefersHighlightedContent(t *testing.T) {
	hit := meili.Hit{
		"id":         json.RawMessage(`"c1"`),
		"sessionId":  json.RawMessage(`"ses_1"`),
		"content":    json.RawMessage(`"fix typo"`),
		"position":   json.RawMessage(`7`),
		"resolved":   json.RawMessage(`true`),
		"_formatted": json.RawMessage(`{"content":"fix <mark>typo</mark>","position":"7"}`),
	}
	r := hitToResult(hit)
	assert.Equal(t, "c1", r.CommentID)
	assert.Equal(t, "fix <mark>typo</mark>", r.Snippet)
	assert.Equal(t, 7, r.Position)
	assert.True(t, r.Resolved)
}
