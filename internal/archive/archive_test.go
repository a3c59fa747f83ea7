package archive

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"coedit/api/internal/store"
	"coedit/api/internal/textbuf"
)

func closedSession(id, documentID, buffer string, version int64) store.Session {
	closedAt := time.Date(2026, 4, 2, 15, 0, 0, 0, time.UTC)
	return store.Session{
		ID:             id,
		DocumentID:     documentID,
		Status:         store.SessionClosed,
		Version:        version,
		Buffer:         buffer,
		InitialContent: "Hello world",
		CreatedBy:      "Avery Quinn",
		CreatedAt:      closedAt.Add(-time.Hour),
		ClosedAt:       &closedAt,
	}
}

func TestGitArchiveRecordsOneRevisionPerSession(t *testing.T) {
	g := NewGitArchive(t.TempDir())
	ctx := context.Background()

	history, err := g.History("doc-1", 10)
	if err != nil {
		t.Fatalf("History() on empty archive error = %v", err)
	}
	if len(history) != 0 {
		t.Fatalf("expected empty history, got %d entries", len(history))
	}

	first := closedSession("ses_1", "doc-1", "Hello, world", 2)
	if err := g.Archive(ctx, first, []store.Operation{{Version: 2, Type: textbuf.OpInsert, Position: 5, Content: ","}}); err != nil {
		t.Fatalf("Archive(first) error = %v", err)
	}
	second := closedSession("ses_2", "doc-1", "Hello, world!", 2)
	if err := g.Archive(ctx, second, nil); err != nil {
		t.Fatalf("Archive(second) error = %v", err)
	}

	history, err = g.History("doc-1", 10)
	if err != nil {
		t.Fatalf("History() error = %v", err)
	}
	if len(history) != 2 {
		t.Fatalf("expected 2 revisions, got %d", len(history))
	}
	if history[0].SessionID != "ses_2" || history[1].SessionID != "ses_1" {
		t.Fatalf("unexpected revision order: %+v", history)
	}
	if history[0].Author != "Avery Quinn" {
		t.Fatalf("unexpected author %q", history[0].Author)
	}

	content, err := g.ContentAt("doc-1", history[1].Hash)
	if err != nil {
		t.Fatalf("ContentAt() error = %v", err)
	}
	if content != "Hello, world" {
		t.Fatalf("unexpected archived content %q", content)
	}

	limited, err := g.History("doc-1", 1)
	if err != nil || len(limited) != 1 {
		t.Fatalf("expected 1 limited revision, got %d err=%v", len(limited), err)
	}
}

func TestGitArchiveConcurrentSessionsSameDocument(t *testing.T) {
	g := NewGitArchive(t.TempDir())
	const writers = 8

	var wg sync.WaitGroup
	errCh := make(chan error, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			s := closedSession(fmt.Sprintf("ses_%02d", idx), "doc-1", fmt.Sprintf("text-%02d", idx), 1)
			if err := g.Archive(context.Background(), s, nil); err != nil {
				errCh <- err
			}
		}(i)
	}
	wg.Wait()
	close(errCh)
	for err := range errCh {
		t.Fatalf("Archive() concurrent error = %v", err)
	}

	history, err := g.History("doc-1", 0)
	if err != nil {
		t.Fatalf("History() error = %v", err)
	}
	if len(history) != writers {
		t.Fatalf("expected %d revisions, got %d", writers, len(history))
	}
}

func TestNewRecordCarriesOperationLog(t *testing.T) {
	s := closedSession("ses_1", "doc-1", "Hello, world", 2)
	ops := []store.Operation{{Version: 2, UserID: "alice", Type: textbuf.OpInsert, Position: 5, Content: ","}}

	payload, err := encodeRecord(NewRecord(s, ops))
	if err != nil {
		t.Fatalf("encodeRecord() error = %v", err)
	}
	var decoded Record
	if err := json.Unmarshal(payload, &decoded); err != nil {
		t.Fatalf("decode record: %v", err)
	}
	if decoded.FinalContent != "Hello, world" || decoded.InitialContent != "Hello world" {
		t.Fatalf("unexpected contents: %+v", decoded)
	}
	if len(decoded.Operations) != 1 || decoded.Operations[0].Type != "insert" {
		t.Fatalf("unexpected operations: %+v", decoded.Operations)
	}
	if got := ObjectKey(s); got != "sessions/doc-1/ses_1.json" {
		t.Fatalf("unexpected object key %q", got)
	}
}

type countingSink struct {
	calls atomic.Int32
	err   error
}

func (c *countingSink) Archive(context.Context, store.Session, []store.Operation) error {
	c.calls.Add(1)
	return c.err
}

func TestMultiRunsEverySink(t *testing.T) {
	ok := &countingSink{}
	boom := errors.New("bucket unavailable")
	failing := &countingSink{err: boom}

	err := Multi{ok, failing}.Archive(context.Background(), closedSession("ses_1", "doc-1", "x", 1), nil)
	if !errors.Is(err, boom) {
		t.Fatalf("expected sink error, got %v", err)
	}
	if ok.calls.Load() != 1 || failing.calls.Load() != 1 {
		t.Fatalf("expected each sink called once, got %d and %d", ok.calls.Load(), failing.calls.Load())
	}
}

func TestGitArchiveRejectsPathLikeDocumentIDs(t *testing.T) {
	g := NewGitArchive(t.TempDir())
	for _, id := range []string{"", "..", "a/b", `a\b`} {
		if _, err := g.History(id, 1); err == nil {
			t.Fatalf("expected error for document id %q", id)
		}
	}
}
