package comments

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"coedit/api/internal/apperr"
	"coedit/api/internal/events"
	"coedit/api/internal/search"
	"coedit/api/internal/store"
)

func newManager(t *testing.T) (*Manager, *events.Recorder) {
	t.Helper()
	s := store.NewMemoryStore()
	for _, id := range []string{"ses_1", "ses_2"} {
		require.NoError(t, s.CreateSession(context.Background(), store.Session{ID: id, DocumentID: "doc-" + id, Status: store.SessionActive, Version: 1}))
	}
	recorder := &events.Recorder{}
	searchService := search.NewService(nil, search.NewScan(s), zap.NewNop())
	m := NewManager(s, searchService, recorder, zap.NewNop())

	current := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	m.now = func() time.Time {
		current = current.Add(time.Second)
		return current
	}
	return m, recorder
}

func TestAddValidation(t *testing.T) {
	ctx := context.Background()
	m, _ := newManager(t)

	top, err := m.Add(ctx, "ses_1", "alice", "top", 3, "")
	require.NoError(t, err)
	reply, err := m.Add(ctx, "ses_1", "bob", "reply", 0, top.ID)
	require.NoError(t, err)
	require.NotNil(t, reply.ParentID)
	assert.Equal(t, top.ID, *reply.ParentID)
	assert.Equal(t, 3, reply.Position)

	other, err := m.Add(ctx, "ses_2", "carol", "elsewhere", 0, "")
	require.NoError(t, err)

	cases := []struct {
		name      string
		sessionID string
		content   string
		position  int
		parentID  string
		want      error
	}{
		{"empty content", "ses_1", "   ", 0, "", apperr.ErrValidation},
		{"negative position", "ses_1", "x", -1, "", apperr.ErrValidation},
		{"reply to reply", "ses_1", "x", 0, reply.ID, apperr.ErrValidation},
		{"missing parent", "ses_1", "x", 0, "cmt_missing", apperr.ErrValidation},
		{"parent in other session", "ses_1", "x", 0, other.ID, apperr.ErrValidation},
		{"unknown session", "ses_missing", "x", 0, "", apperr.ErrNotFound},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := m.Add(ctx, tc.sessionID, "alice", tc.content, tc.position, tc.parentID)
			assert.ErrorIs(t, err, tc.want)
		})
	}
}

func TestListOrdersThreadsAndHidesResolved(t *testing.T) {
	ctx := context.Background()
	m, _ := newManager(t)

	late, err := m.Add(ctx, "ses_1", "alice", "at ten", 10, "")
	require.NoError(t, err)
	early, err := m.Add(ctx, "ses_1", "alice", "at two", 2, "")
	require.NoError(t, err)
	sameSpot, err := m.Add(ctx, "ses_1", "bob", "also at two", 2, "")
	require.NoError(t, err)
	firstReply, err := m.Add(ctx, "ses_1", "bob", "first", 0, early.ID)
	require.NoError(t, err)
	secondReply, err := m.Add(ctx, "ses_1", "carol", "second", 0, early.ID)
	require.NoError(t, err)

	threads, err := m.List(ctx, "ses_1", false)
	require.NoError(t, err)
	require.Len(t, threads, 3)
	assert.Equal(t, []string{early.ID, sameSpot.ID, late.ID}, []string{threads[0].ID, threads[1].ID, threads[2].ID})
	require.Len(t, threads[0].Replies, 2)
	assert.Equal(t, firstReply.ID, threads[0].Replies[0].ID)
	assert.Equal(t, secondReply.ID, threads[0].Replies[1].ID)

	_, err = m.Resolve(ctx, late.ID, "alice")
	require.NoError(t, err)
	threads, err = m.List(ctx, "ses_1", false)
	require.NoError(t, err)
	assert.Len(t, threads, 2)
	threads, err = m.List(ctx, "ses_1", true)
	require.NoError(t, err)
	assert.Len(t, threads, 3)
}

func TestResolveIsIdempotentAndRejectsReplies(t *testing.T) {
	ctx := context.Background()
	m, recorder := newManager(t)

	top, err := m.Add(ctx, "ses_1", "alice", "typo", 0, "")
	require.NoError(t, err)
	reply, err := m.Add(ctx, "ses_1", "bob", "fixed", 0, top.ID)
	require.NoError(t, err)

	first, err := m.Resolve(ctx, top.ID, "bob")
	require.NoError(t, err)
	assert.True(t, first.Resolved)
	assert.Equal(t, "bob", first.ResolvedBy)

	second, err := m.Resolve(ctx, top.ID, "carol")
	require.NoError(t, err)
	assert.Equal(t, "bob", second.ResolvedBy)
	assert.Equal(t, *first.ResolvedAt, *second.ResolvedAt)
	assert.Len(t, recorder.OfType(events.CommentResolved), 1)

	_, err = m.Resolve(ctx, reply.ID, "bob")
	assert.ErrorIs(t, err, apperr.ErrValidation)
	_, err = m.Resolve(ctx, "cmt_missing", "bob")
	assert.ErrorIs(t, err, apperr.ErrNotFound)

	reopened, err := m.Reopen(ctx, top.ID)
	require.NoError(t, err)
	assert.False(t, reopened.Resolved)
	assert.Nil(t, reopened.ResolvedAt)
}

func TestEditAndResolveCommute(t *testing.T) {
	ctx := context.Background()
	m, _ := newManager(t)

	a, err := m.Add(ctx, "ses_1", "alice", "draft", 0, "")
	require.NoError(t, err)
	b, err := m.Add(ctx, "ses_1", "alice", "draft", 0, "")
	require.NoError(t, err)

	_, err = m.Resolve(ctx, a.ID, "bob")
	require.NoError(t, err)
	_, err = m.Edit(ctx, a.ID, "final")
	require.NoError(t, err)

	_, err = m.Edit(ctx, b.ID, "final")
	require.NoError(t, err)
	_, err = m.Resolve(ctx, b.ID, "bob")
	require.NoError(t, err)

	gotA, err := m.Get(ctx, a.ID)
	require.NoError(t, err)
	gotB, err := m.Get(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, gotA.Content, gotB.Content)
	assert.Equal(t, gotA.Resolved, gotB.Resolved)
	assert.Equal(t, gotA.ResolvedBy, gotB.ResolvedBy)

	_, err = m.Edit(ctx, a.ID, "")
	assert.ErrorIs(t, err, apperr.ErrValidation)
}

func TestSearchScopesToSession(t *testing.T) {
	ctx := context.Background()
	m, _ := newManager(t)

	_, err := m.Add(ctx, "ses_1", "alice", "Rename this heading", 0, "")
	require.NoError(t, err)
	_, err = m.Add(ctx, "ses_2", "alice", "heading too long", 0, "")
	require.NoError(t, err)

	resp, err := m.Search(ctx, "ses_1", "heading", 0, 0)
	require.NoError(t, err)
	require.Equal(t, 1, resp.Total)
	assert.Equal(t, "ses_1", resp.Results[0].SessionID)

	_, err = m.Search(ctx, "ses_1", "", 0, 0)
	assert.ErrorIs(t, err, apperr.ErrValidation)
}

func TestViewIncludesReplies(t *testing.T) {
	ctx := context.Background()
	m, _ := newManager(t)
	top, err := m.Add(ctx, "ses_1", "alice", "top", 0, "")
	require.NoError(t, err)
	_, err = m.Add(ctx, "ses_1", "bob", "reply", 0, top.ID)
	require.NoError(t, err)

	threads, err := m.List(ctx, "ses_1", true)
	require.NoError(t, err)
	view := View(threads[0])
	assert.Equal(t, top.ID, view["id"])
	assert.Len(t, view["replies"], 1)
	_, hasParent := view["parentId"]
	assert.False(t, hasParent)
}
