package app

import (
	"context"
	"strings"
	"time"

	"go.uber.org/zap"

	"coedit/api/internal/apperr"
	"coedit/api/internal/approval"
	"coedit/api/internal/archive"
	"coedit/api/internal/collab"
	"coedit/api/internal/comments"
	"coedit/api/internal/events"
	"coedit/api/internal/hub"
	"coedit/api/internal/presence"
	"coedit/api/internal/search"
	"coedit/api/internal/store"
	"coedit/api/internal/suggest"
	"coedit/api/internal/textbuf"
)

type OperationInput struct {
	Type       string         `json:"type"`
	Position   int            `json:"position"`
	Content    string         `json:"content"`
	Length     int            `json:"length"`
	Attributes map[string]any `json:"attributes"`
}

type SubmitOperationsInput struct {
	BaseVersion *int64           `json:"baseVersion"`
	Operations  []OperationInput `json:"operations"`
}

type CreateCommentInput struct {
	Content  string `json:"content"`
	Position int    `json:"position"`
	ParentID string `json:"parentId"`
}

type SubmitApprovalInput struct {
	Status  string `json:"status"`
	Comment string `json:"comment"`
}

type ForwardSuggestionInput struct {
	Text     string `json:"text"`
	Position int    `json:"position"`
	Type     string `json:"type"`
	Length   int    `json:"length"`
	Reason   string `json:"reason"`
}

// revisionSource reads archived revisions of a document.
type revisionSource interface {
	History(documentID string, limit int) ([]archive.Revision, error)
	ContentAt(documentID, hash string) (string, error)
}

// Deps are the collaborators of a Service. Store is required; the rest fall
// back to in-process implementations.
type Deps struct {
	Store         store.Store
	Tracker       presence.Tracker
	Hub           *hub.Hub
	Publisher     events.Publisher
	Search        *search.Service
	Archiver      collab.Archiver
	Revisions     revisionSource
	SuggestionTTL time.Duration
	Logger        *zap.Logger
}

type Service struct {
	store       store.Store
	hub         *hub.Hub
	engine      *collab.Engine
	comments    *comments.Manager
	approvals   *approval.Machine
	suggestions *suggest.Relay
	revisions   revisionSource
	log         *zap.Logger
}

func New(deps Deps) *Service {
	log := deps.Logger
	if log == nil {
		log = zap.NewNop()
	}
	tracker := deps.Tracker
	if tracker == nil {
		tracker = presence.NewMemoryTracker()
	}
	rooms := deps.Hub
	if rooms == nil {
		rooms = hub.New(log)
	}
	publisher := deps.Publisher
	if publisher == nil {
		publisher = events.Nop{}
	}
	searchService := deps.Search
	if searchService == nil {
		searchService = search.NewService(nil, search.NewScan(deps.Store), log)
	}

	engine := collab.NewEngine(deps.Store, tracker, collab.Options{
		Broadcaster: rooms,
		Publisher:   publisher,
		Archiver:    deps.Archiver,
		Logger:      log,
	})
	return &Service{
		store:       deps.Store,
		hub:         rooms,
		engine:      engine,
		comments:    comments.NewManager(deps.Store, searchService, publisher, log),
		approvals:   approval.NewMachine(deps.Store, publisher, log),
		suggestions: suggest.NewRelay(deps.Store, tracker, rooms, publisher, deps.SuggestionTTL, log),
		revisions:   deps.Revisions,
		log:         log.Named("app"),
	}
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

func (s *Service) SubmitOperations(ctx context.Context, sessionID, userID string, input SubmitOperationsInput) (collab.SubmitResult, error) {
	if input.BaseVersion == nil {
		return collab.SubmitResult{}, apperr.Invalid("baseVersion", "is required")
	}
	edits := make([]textbuf.Edit, 0, len(input.Operations))
	for _, op := range input.Operations {
		edits = append(edits, textbuf.Edit{
			Type:       textbuf.OpType(strings.ToLower(strings.TrimSpace(op.Type))),
			Position:   op.Position,
			Content:    op.Content,
			Length:     op.Length,
			Attributes: op.Attributes,
		})
	}
	return s.engine.Submit(ctx, sessionID, userID, *input.BaseVersion, edits)
}

// SessionState is the snapshot returned when a client opens or inspects a
// session: the session row, who is connected and suggestions still pending.
func (s *Service) SessionState(ctx context.Context, sessionID string) (map[string]any, error) {
	session, err := s.engine.Session(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	participants, err := s.engine.Participants(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"session":      collab.SessionView(session),
		"participants": participants,
		"suggestions":  s.suggestions.Pending(sessionID),
	}, nil
}

// Comment loads a comment and checks it belongs to sessionID.
func (s *Service) Comment(ctx context.Context, sessionID, commentID string) (store.Comment, error) {
	comment, err := s.comments.Get(ctx, commentID)
	if err != nil {
		return store.Comment{}, err
	}
	if comment.SessionID != sessionID {
		return store.Comment{}, apperr.NotFound("comment", commentID)
	}
	return comment, nil
}

func (s *Service) ForwardSuggestion(ctx context.Context, sessionID string, input ForwardSuggestionInput) (suggest.ForwardResult, error) {
	kind := strings.ToLower(strings.TrimSpace(input.Type))
	if kind == "" {
		kind = suggest.TypeInsert
	}
	return s.suggestions.Forward(ctx, sessionID, suggest.Suggestion{
		Text:     input.Text,
		Position: input.Position,
		Type:     kind,
		Length:   input.Length,
		Reason:   input.Reason,
	})
}

func (s *Service) Revisions(documentID string, limit int) ([]archive.Revision, error) {
	if strings.TrimSpace(documentID) == "" {
		return nil, apperr.Invalid("documentId", "is required")
	}
	if s.revisions == nil {
		return []archive.Revision{}, nil
	}
	return s.revisions.History(documentID, limit)
}

func (s *Service) RevisionContent(documentID, hash string) (string, error) {
	if s.revisions == nil {
		return "", apperr.NotFound("revision", hash)
	}
	content, err := s.revisions.ContentAt(documentID, hash)
	if err != nil {
		s.log.Debug("revision lookup failed",
			zap.String("document_id", documentID),
			zap.String("hash", hash),
			zap.Error(err),
		)
		return "", apperr.NotFound("revision", hash)
	}
	return content, nil
}
