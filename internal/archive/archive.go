// Package archive stores closed sessions outside the live database: the
// final text as a git revision per document and the full operation log as
// a JSON object in S3-compatible storage.
package archive

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"coedit/api/internal/store"
)

type Sink interface {
	Archive(ctx context.Context, session store.Session, ops []store.Operation) error
}

// Multi runs every sink concurrently and returns the first failure.
type Multi []Sink

func (m Multi) Archive(ctx context.Context, session store.Session, ops []store.Operation) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, sink := range m {
		sink := sink
		g.Go(func() error {
			return sink.Archive(gctx, session, ops)
		})
	}
	return g.Wait()
}

type Record struct {
	SessionID      string            `json:"sessionId"`
	DocumentID     string            `json:"documentId"`
	CreatedBy      string            `json:"createdBy"`
	CreatedAt      time.Time         `json:"createdAt"`
	ClosedAt       *time.Time        `json:"closedAt,omitempty"`
	Version        int64             `json:"version"`
	InitialContent string            `json:"initialContent"`
	FinalContent   string            `json:"finalContent"`
	Operations     []OperationRecord `json:"operations"`
}

type OperationRecord struct {
	Version    int64          `json:"version"`
	UserID     string         `json:"userId"`
	Type       string         `json:"type"`
	Position   int            `json:"position"`
	Content    string         `json:"content,omitempty"`
	Length     int            `json:"length,omitempty"`
	Attributes map[string]any `json:"attributes,omitempty"`
	AppliedAt  time.Time      `json:"appliedAt"`
}

func NewRecord(session store.Session, ops []store.Operation) Record {
	record := Record{
		SessionID:      session.ID,
		DocumentID:     session.DocumentID,
		CreatedBy:      session.CreatedBy,
		CreatedAt:      session.CreatedAt,
		ClosedAt:       session.ClosedAt,
		Version:        session.Version,
		InitialContent: session.InitialContent,
		FinalContent:   session.Buffer,
		Operations:     make([]OperationRecord, 0, len(ops)),
	}
	for _, op := range ops {
		record.Operations = append(record.Operations, OperationRecord{
			Version:    op.Version,
			UserID:     op.UserID,
			Type:       string(op.Type),
			Position:   op.Position,
			Content:    op.Content,
			Length:     op.Length,
			Attributes: op.Attributes,
			AppliedAt:  op.AppliedAt,
		})
	}
	return record
}

func encodeRecord(record Record) ([]byte, error) {
	payload, err := json.MarshalIndent(record, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal archive record: %w", err)
	}
	return append(payload, '\n'), nil
}
