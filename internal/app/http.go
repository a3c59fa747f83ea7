package app

import (
	"bufio"
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"coedit/api/internal/apperr"
	"coedit/api/internal/approval"
	"coedit/api/internal/collab"
	"coedit/api/internal/comments"
	"coedit/api/internal/store"
)

// UserHeader carries the caller identity set by the upstream authorization
// layer.
const UserHeader = "X-User-ID"

type HTTPServer struct {
	service    *Service
	corsOrigin string
	log        *zap.Logger
}

func NewHTTPServer(service *Service, corsOrigin string, log *zap.Logger) *HTTPServer {
	if log == nil {
		log = zap.NewNop()
	}
	return &HTTPServer{service: service, corsOrigin: corsOrigin, log: log.Named("http")}
}

func (s *HTTPServer) Handler() http.Handler {
	return s.withMiddleware(http.HandlerFunc(s.handle))
}

func (s *HTTPServer) handle(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions {
		writeJSON(w, http.StatusNoContent, map[string]any{})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/health" {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/ready" {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		status := "ready"
		statusCode := http.StatusOK
		checks := map[string]any{
			"database": map[string]any{"status": "ok"},
		}
		if err := s.service.Ping(ctx); err != nil {
			status = "not_ready"
			statusCode = http.StatusServiceUnavailable
			checks["database"] = map[string]any{
				"status": "error",
				"error":  err.Error(),
			}
		}
		writeJSON(w, statusCode, map[string]any{
			"ok":     status == "ready",
			"status": status,
			"checks": checks,
		})
		return
	}

	parts := splitPath(r.URL.Path)
	if len(parts) < 3 || parts[0] != "api" {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Route not found", nil)
		return
	}

	// Browsers cannot set headers on a WebSocket handshake, so the socket
	// route also accepts the identity as a query parameter.
	if len(parts) == 4 && parts[1] == "sessions" && parts[3] == "ws" && r.Method == http.MethodGet {
		userID := strings.TrimSpace(r.Header.Get(UserHeader))
		if userID == "" {
			userID = strings.TrimSpace(r.URL.Query().Get("userId"))
		}
		if userID == "" {
			writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Missing caller identity", nil)
			return
		}
		s.handleWebSocket(w, r, parts[2], userID)
		return
	}

	userID, ok := requireUser(w, r)
	if !ok {
		return
	}

	switch parts[1] {
	case "documents":
		s.handleDocuments(w, r, userID, parts[2], parts)
	case "sessions":
		s.handleSessions(w, r, userID, parts[2], parts)
	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Route not found", nil)
	}
}

func (s *HTTPServer) handleDocuments(w http.ResponseWriter, r *http.Request, userID, documentID string, parts []string) {
	if len(parts) == 4 && parts[3] == "session" && r.Method == http.MethodPost {
		var body struct {
			InitialContent string `json:"initialContent"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		result, err := s.service.engine.GetOrCreate(r.Context(), documentID, userID, body.InitialContent)
		if err != nil {
			s.respondError(w, r, err)
			return
		}
		status := http.StatusOK
		if result.Created {
			status = http.StatusCreated
		}
		writeJSON(w, status, map[string]any{
			"session":     collab.SessionView(result.Session),
			"created":     result.Created,
			"participant": result.Participant,
		})
		return
	}

	if len(parts) == 4 && parts[3] == "archive" && r.Method == http.MethodPost {
		session, err := s.service.engine.CloseDocument(r.Context(), documentID, userID)
		if err != nil {
			s.respondError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"session": collab.SessionView(session)})
		return
	}

	if len(parts) == 4 && parts[3] == "revisions" && r.Method == http.MethodGet {
		limit := 50
		if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
			if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
				limit = parsed
			}
		}
		revisions, err := s.service.Revisions(documentID, limit)
		if err != nil {
			s.respondError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"documentId": documentID, "revisions": revisions})
		return
	}

	if len(parts) == 5 && parts[3] == "revisions" && r.Method == http.MethodGet {
		content, err := s.service.RevisionContent(documentID, parts[4])
		if err != nil {
			s.respondError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"documentId": documentID, "hash": parts[4], "content": content})
		return
	}

	writeError(w, http.StatusNotFound, "NOT_FOUND", "Route not found", nil)
}

func (s *HTTPServer) handleSessions(w http.ResponseWriter, r *http.Request, userID, sessionID string, parts []string) {
	ctx := r.Context()
	engine := s.service.engine

	if len(parts) == 3 && r.Method == http.MethodGet {
		state, err := s.service.SessionState(ctx, sessionID)
		if err != nil {
			s.respondError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, state)
		return
	}
	if len(parts) < 4 {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Route not found", nil)
		return
	}

	switch {
	case parts[3] == "close" && len(parts) == 4 && r.Method == http.MethodPost:
		session, err := engine.Close(ctx, sessionID, userID)
		if err != nil {
			s.respondError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"session": collab.SessionView(session)})

	case parts[3] == "operations" && len(parts) == 4 && r.Method == http.MethodPost:
		var body SubmitOperationsInput
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		result, err := s.service.SubmitOperations(ctx, sessionID, userID, body)
		if err != nil {
			s.respondError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, submitView(result))

	case parts[3] == "operations" && len(parts) == 4 && r.Method == http.MethodGet:
		since, err := queryInt64(r, "since", 0)
		if err != nil {
			s.respondError(w, r, err)
			return
		}
		ops, err := engine.OperationsSince(ctx, sessionID, since)
		if err != nil {
			s.respondError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"operations": collab.OperationViews(ops)})

	case parts[3] == "replay" && len(parts) == 4 && r.Method == http.MethodGet:
		if strings.TrimSpace(r.URL.Query().Get("version")) == "" {
			writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "version is required", nil)
			return
		}
		version, err := queryInt64(r, "version", 0)
		if err != nil {
			s.respondError(w, r, err)
			return
		}
		content, err := engine.Replay(ctx, sessionID, version)
		if err != nil {
			s.respondError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"version": version, "content": content})

	case parts[3] == "join" && len(parts) == 4 && r.Method == http.MethodPost:
		participant, err := engine.Join(ctx, sessionID, userID)
		if err != nil {
			s.respondError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"participant": participant})

	case parts[3] == "leave" && len(parts) == 4 && r.Method == http.MethodPost:
		participant, err := engine.Leave(ctx, sessionID, userID)
		if err != nil {
			s.respondError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"participant": participant})

	case parts[3] == "participants" && len(parts) == 4 && r.Method == http.MethodGet:
		participants, err := engine.Participants(ctx, sessionID)
		if err != nil {
			s.respondError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"participants": participants})

	case parts[3] == "cursor" && len(parts) == 4 && r.Method == http.MethodPut:
		var body struct {
			Position *int `json:"position"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		if body.Position == nil {
			writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "position is required", nil)
			return
		}
		participant, err := engine.UpdateCursor(ctx, sessionID, userID, *body.Position)
		if err != nil {
			s.respondError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"participant": participant})

	case parts[3] == "comments":
		s.handleComments(w, r, userID, sessionID, parts)

	case parts[3] == "approvals" && len(parts) == 4:
		s.handleApprovals(w, r, userID, sessionID)

	case parts[3] == "reviewers" && len(parts) == 4 && r.Method == http.MethodPut:
		var body struct {
			Reviewers []string `json:"reviewers"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		status, err := s.service.approvals.SetReviewers(ctx, sessionID, body.Reviewers)
		if err != nil {
			s.respondError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, approval.StatusView(status))

	case parts[3] == "suggestions":
		s.handleSuggestions(w, r, sessionID, parts)

	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Route not found", nil)
	}
}

func (s *HTTPServer) handleComments(w http.ResponseWriter, r *http.Request, userID, sessionID string, parts []string) {
	ctx := r.Context()
	manager := s.service.comments

	if len(parts) == 4 && r.Method == http.MethodGet {
		includeResolved, _ := strconv.ParseBool(r.URL.Query().Get("includeResolved"))
		threads, err := manager.List(ctx, sessionID, includeResolved)
		if err != nil {
			s.respondError(w, r, err)
			return
		}
		items := make([]map[string]any, 0, len(threads))
		for _, c := range threads {
			items = append(items, comments.View(c))
		}
		writeJSON(w, http.StatusOK, map[string]any{"comments": items})
		return
	}

	if len(parts) == 4 && r.Method == http.MethodPost {
		var body CreateCommentInput
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		comment, err := manager.Add(ctx, sessionID, userID, body.Content, body.Position, strings.TrimSpace(body.ParentID))
		if err != nil {
			s.respondError(w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]any{"comment": comments.View(comment)})
		return
	}

	if len(parts) == 5 && parts[4] == "search" && r.Method == http.MethodGet {
		query := r.URL.Query()
		limit, _ := strconv.Atoi(query.Get("limit"))
		offset, _ := strconv.Atoi(query.Get("offset"))
		response, err := manager.Search(ctx, sessionID, query.Get("q"), limit, offset)
		if err != nil {
			s.respondError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, response)
		return
	}

	if len(parts) < 5 {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Route not found", nil)
		return
	}
	commentID := parts[4]
	if _, err := s.service.Comment(ctx, sessionID, commentID); err != nil {
		s.respondError(w, r, err)
		return
	}

	if len(parts) == 5 && r.Method == http.MethodGet {
		comment, err := manager.Get(ctx, commentID)
		if err != nil {
			s.respondError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"comment": comments.View(comment)})
		return
	}

	if len(parts) == 5 && r.Method == http.MethodPut {
		var body struct {
			Content string `json:"content"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		comment, err := manager.Edit(ctx, commentID, body.Content)
		if err != nil {
			s.respondError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"comment": comments.View(comment)})
		return
	}

	if len(parts) == 6 && r.Method == http.MethodPost && (parts[5] == "resolve" || parts[5] == "reopen") {
		var (
			comment store.Comment
			err     error
		)
		if parts[5] == "resolve" {
			comment, err = manager.Resolve(ctx, commentID, userID)
		} else {
			comment, err = manager.Reopen(ctx, commentID)
		}
		if err != nil {
			s.respondError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"comment": comments.View(comment)})
		return
	}

	writeError(w, http.StatusNotFound, "NOT_FOUND", "Route not found", nil)
}

func (s *HTTPServer) handleApprovals(w http.ResponseWriter, r *http.Request, userID, sessionID string) {
	machine := s.service.approvals
	switch r.Method {
	case http.MethodGet:
		status, err := machine.Status(r.Context(), sessionID)
		if err != nil {
			s.respondError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, approval.StatusView(status))
	case http.MethodPost:
		var body SubmitApprovalInput
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		result, err := machine.Submit(r.Context(), sessionID, userID, strings.TrimSpace(body.Status), body.Comment)
		if err != nil {
			s.respondError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"approval": approval.ApprovalView(result.Approval),
			"verdict":  string(result.Verdict),
		})
	default:
		writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
	}
}

func (s *HTTPServer) handleSuggestions(w http.ResponseWriter, r *http.Request, sessionID string, parts []string) {
	relay := s.service.suggestions

	if len(parts) == 4 && r.Method == http.MethodGet {
		if _, err := s.service.engine.Session(r.Context(), sessionID); err != nil {
			s.respondError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"suggestions": relay.Pending(sessionID)})
		return
	}

	if len(parts) == 4 && r.Method == http.MethodPost {
		var body ForwardSuggestionInput
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		result, err := s.service.ForwardSuggestion(r.Context(), sessionID, body)
		if err != nil {
			s.respondError(w, r, err)
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]any{
			"suggestion": result.Suggestion,
			"recipients": result.Recipients,
		})
		return
	}

	if len(parts) == 5 && r.Method == http.MethodDelete {
		if _, err := s.service.engine.Session(r.Context(), sessionID); err != nil {
			s.respondError(w, r, err)
			return
		}
		if !relay.Dismiss(sessionID, parts[4]) {
			s.respondError(w, r, apperr.NotFound("suggestion", parts[4]))
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	writeError(w, http.StatusNotFound, "NOT_FOUND", "Route not found", nil)
}

func submitView(result collab.SubmitResult) map[string]any {
	return map[string]any{
		"version":      result.NewVersion,
		"appliedCount": result.AppliedCount,
		"operations":   collab.OperationViews(result.Operations),
	}
}

func requireUser(w http.ResponseWriter, r *http.Request) (string, bool) {
	userID := strings.TrimSpace(r.Header.Get(UserHeader))
	if userID == "" {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Missing caller identity", nil)
		return "", false
	}
	return userID, true
}

func queryInt64(r *http.Request, key string, fallback int64) (int64, error) {
	raw := strings.TrimSpace(r.URL.Query().Get(key))
	if raw == "" {
		return fallback, nil
	}
	parsed, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, apperr.Invalid(key, "must be an integer")
	}
	return parsed, nil
}

func (s *HTTPServer) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = randomRequestID()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, requestID)
		r = r.WithContext(ctx)

		started := time.Now()
		writer := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		setCORSHeaders(writer.Header(), s.corsOrigin)
		writer.Header().Set("X-Request-ID", requestID)

		next.ServeHTTP(writer, r)

		s.log.Info("request",
			zap.String("request_id", requestID),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", writer.status),
			zap.Int64("duration_ms", time.Since(started).Milliseconds()),
		)
	})
}

type requestIDKey struct{}

func requestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

// Hijack hands the connection to the WebSocket upgrader.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hijacker, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("response writer does not support hijacking")
	}
	r.status = http.StatusSwitchingProtocols
	return hijacker.Hijack()
}

func randomRequestID() string {
	buf := make([]byte, 8)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}

func setCORSHeaders(header http.Header, corsOrigin string) {
	header.Set("Access-Control-Allow-Origin", corsOrigin)
	header.Set("Access-Control-Allow-Headers", "Content-Type, X-User-ID, X-Request-ID")
	header.Set("Access-Control-Allow-Methods", "GET,POST,PUT,DELETE,OPTIONS")
	header.Set("Cache-Control", "no-store")
	header.Set("Content-Type", "application/json")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string, details any) {
	response := map[string]any{
		"code":  code,
		"error": message,
	}
	if details != nil {
		response["details"] = details
	}
	writeJSON(w, status, response)
}

func (s *HTTPServer) respondError(w http.ResponseWriter, r *http.Request, err error) {
	status, code, message, details := mapError(err)
	if status >= http.StatusInternalServerError {
		s.log.Error("request failed",
			zap.String("request_id", requestID(r.Context())),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Error(err),
		)
	}
	writeError(w, status, code, message, details)
}

func decodeBody(r *http.Request, target any) error {
	if r.Body == nil {
		return nil
	}
	defer r.Body.Close()
	decoder := json.NewDecoder(r.Body)
	if err := decoder.Decode(target); err != nil {
		if errors.Is(err, http.ErrBodyReadAfterClose) || errors.Is(err, io.EOF) {
			return nil
		}
		return fmt.Errorf("invalid JSON body")
	}
	return nil
}

func splitPath(path string) []string {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "/")
}

func mapError(err error) (status int, code, message string, details any) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	}
	var conflict *apperr.ConflictError
	if errors.As(err, &conflict) {
		return http.StatusConflict, "VERSION_CONFLICT", err.Error(), map[string]any{"expectedVersion": conflict.ExpectedVersion}
	}
	var outOfRange *apperr.OutOfRangeError
	if errors.As(err, &outOfRange) {
		return http.StatusUnprocessableEntity, "OUT_OF_RANGE", err.Error(), map[string]any{
			"index":        outOfRange.Index,
			"position":     outOfRange.Position,
			"length":       outOfRange.Length,
			"bufferLength": outOfRange.BufferLen,
		}
	}
	switch {
	case errors.Is(err, apperr.ErrValidation):
		return http.StatusUnprocessableEntity, "VALIDATION_ERROR", err.Error(), nil
	case errors.Is(err, apperr.ErrSessionClosed):
		return http.StatusGone, "SESSION_CLOSED", err.Error(), nil
	case errors.Is(err, apperr.ErrNotFound):
		return http.StatusNotFound, "NOT_FOUND", err.Error(), nil
	}
	return http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil
}
