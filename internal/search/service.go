package search

import (
	"context"

	"go.uber.org/zap"
)

// Service tries Meilisearch first and falls back to the local backend
// (Postgres FTS or an in-memory scan).
type Service struct {
	meili    *Meili
	fallback Backend
	log      *zap.Logger
}

// NewService creates a search service. meili may be nil if Meilisearch is not configured.
func NewService(meili *Meili, fallback Backend, log *zap.Logger) *Service {
	return &Service{meili: meili, fallback: fallback, log: log.Named("search")}
}

func (s *Service) Search(ctx context.Context, q Query) Response {
	if s.meili != nil && s.meili.Healthy() {
		results, total, err := s.meili.Search(ctx, q)
		if err == nil {
			return Response{Results: nonNil(results), Total: total, Query: q.Text}
		}
		s.log.Warn("meilisearch error, falling back", zap.Error(err))
	}

	results, total, err := s.fallback.Search(ctx, q)
	if err != nil {
		s.log.Error("fallback search failed", zap.String("session_id", q.SessionID), zap.Error(err))
		return Response{Results: []Result{}, Total: 0, Query: q.Text}
	}
	return Response{Results: nonNil(results), Total: total, Query: q.Text}
}

// IndexComment pushes a comment to Meilisearch without blocking the caller.
func (s *Service) IndexComment(record CommentRecord) {
	if s.meili == nil || !s.meili.Healthy() {
		return
	}
	go func() {
		if err := s.meili.IndexComments([]CommentRecord{record}); err != nil {
			s.log.Warn("index comment failed", zap.String("comment_id", record.ID), zap.Error(err))
		}
	}()
}

// ReindexAllFromPG reloads every comment from Postgres into Meilisearch.
func (s *Service) ReindexAllFromPG(ctx context.Context) {
	pg, ok := s.fallback.(*PgFTS)
	if s.meili == nil || !s.meili.Healthy() || !ok {
		return
	}
	records, err := pg.LoadAllRecords(ctx)
	if err != nil {
		s.log.Warn("reindex load failed", zap.Error(err))
		return
	}
	if err := s.meili.IndexComments(records); err != nil {
		s.log.Warn("reindex comments failed", zap.Int("count", len(records)), zap.Error(err))
	}
}

func nonNil(r []Result) []Result {
	if r == nil {
		return []Result{}
	}
	return r
}
