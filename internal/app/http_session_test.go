package app

import (
	"net/http"
	"testing"

	"coedit/api/internal/archive"
)

func TestRoutesRequireCallerIdentity(t *testing.T) {
	env := newTestEnv(t, nil)

	status, payload := env.do(t, http.MethodPost, "/api/documents/doc-1/session", "", map[string]any{"initialContent": "x"})
	if status != http.StatusUnauthorized || payload["code"] != "UNAUTHORIZED" {
		t.Fatalf("expected 401 without %s, got %d %v", UserHeader, status, payload)
	}

	status, _ = env.do(t, http.MethodGet, "/api/sessions/ses_missing", "alice", nil)
	if status != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown session, got %d", status)
	}

	status, _ = env.do(t, http.MethodGet, "/api/nothing/here", "alice", nil)
	if status != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown route, got %d", status)
	}
}

func TestHelloWorldSessionOverHTTP(t *testing.T) {
	env := newTestEnv(t, nil)

	status, payload := env.do(t, http.MethodPost, "/api/documents/doc-1/session", "alice", map[string]any{"initialContent": "Hello world"})
	if status != http.StatusCreated || payload["created"] != true {
		t.Fatalf("expected created session, got %d %v", status, payload)
	}
	session := payload["session"].(map[string]any)
	sessionID := session["id"].(string)
	if session["version"] != float64(1) {
		t.Fatalf("expected version 1, got %v", session["version"])
	}

	status, payload = env.do(t, http.MethodPost, "/api/documents/doc-1/session", "bob", nil)
	if status != http.StatusOK || payload["created"] != false {
		t.Fatalf("expected bob to join existing session, got %d %v", status, payload)
	}

	status, payload = env.do(t, http.MethodPost, "/api/sessions/"+sessionID+"/operations", "alice", map[string]any{
		"baseVersion": 1,
		"operations":  []map[string]any{{"type": "insert", "position": 5, "content": ","}},
	})
	if status != http.StatusOK || payload["version"] != float64(2) {
		t.Fatalf("expected version 2, got %d %v", status, payload)
	}

	status, payload = env.do(t, http.MethodPost, "/api/sessions/"+sessionID+"/operations", "bob", map[string]any{
		"baseVersion": 1,
		"operations":  []map[string]any{{"type": "insert", "position": 11, "content": "!"}},
	})
	if status != http.StatusConflict || payload["code"] != "VERSION_CONFLICT" {
		t.Fatalf("expected conflict for stale base, got %d %v", status, payload)
	}
	details := payload["details"].(map[string]any)
	if details["expectedVersion"] != float64(2) {
		t.Fatalf("expected expectedVersion 2, got %v", details)
	}

	status, payload = env.do(t, http.MethodPost, "/api/sessions/"+sessionID+"/operations", "bob", map[string]any{
		"baseVersion": 2,
		"operations":  []map[string]any{{"type": "delete", "position": 10, "length": 5}},
	})
	if status != http.StatusUnprocessableEntity || payload["code"] != "OUT_OF_RANGE" {
		t.Fatalf("expected out of range, got %d %v", status, payload)
	}

	status, payload = env.do(t, http.MethodPost, "/api/sessions/"+sessionID+"/operations", "bob", map[string]any{
		"baseVersion": 2,
		"operations":  []map[string]any{{"type": "insert", "position": 12, "content": "!"}},
	})
	if status != http.StatusOK || payload["version"] != float64(3) {
		t.Fatalf("expected version 3, got %d %v", status, payload)
	}

	status, payload = env.do(t, http.MethodGet, "/api/sessions/"+sessionID, "alice", nil)
	if status != http.StatusOK {
		t.Fatalf("get session: %d %v", status, payload)
	}
	if content := payload["session"].(map[string]any)["content"]; content != "Hello, world!" {
		t.Fatalf("unexpected content %v", content)
	}
	if participants := payload["participants"].([]any); len(participants) != 2 {
		t.Fatalf("expected 2 participants, got %d", len(participants))
	}

	status, payload = env.do(t, http.MethodGet, "/api/sessions/"+sessionID+"/operations?since=2", "alice", nil)
	if ops := payload["operations"].([]any); status != http.StatusOK || len(ops) != 1 {
		t.Fatalf("expected one operation since 2, got %d %v", status, payload)
	}

	status, payload = env.do(t, http.MethodGet, "/api/sessions/"+sessionID+"/operations?since=abc", "alice", nil)
	if status != http.StatusUnprocessableEntity {
		t.Fatalf("expected validation error for bad since, got %d %v", status, payload)
	}

	status, payload = env.do(t, http.MethodGet, "/api/sessions/"+sessionID+"/replay?version=2", "alice", nil)
	if status != http.StatusOK || payload["content"] != "Hello, world" {
		t.Fatalf("unexpected replay: %d %v", status, payload)
	}

	status, _ = env.do(t, http.MethodPost, "/api/sessions/"+sessionID+"/close", "alice", nil)
	if status != http.StatusOK {
		t.Fatalf("close: %d", status)
	}
	status, payload = env.do(t, http.MethodPost, "/api/sessions/"+sessionID+"/operations", "bob", map[string]any{
		"baseVersion": 3,
		"operations":  []map[string]any{{"type": "insert", "position": 0, "content": "x"}},
	})
	if status != http.StatusGone || payload["code"] != "SESSION_CLOSED" {
		t.Fatalf("expected 410 after close, got %d %v", status, payload)
	}
	status, _ = env.do(t, http.MethodPost, "/api/sessions/"+sessionID+"/close", "alice", nil)
	if status != http.StatusGone {
		t.Fatalf("expected second close to be rejected, got %d", status)
	}
}

func TestPresenceRoutes(t *testing.T) {
	env := newTestEnv(t, nil)
	sessionID := env.openSession(t, "doc-1", "alice", "Hello")

	status, payload := env.do(t, http.MethodPost, "/api/sessions/"+sessionID+"/join", "bob", nil)
	if status != http.StatusOK {
		t.Fatalf("join: %d %v", status, payload)
	}
	participant := payload["participant"].(map[string]any)
	if participant["joinOrder"] != float64(1) || participant["color"] == "" {
		t.Fatalf("unexpected participant %v", participant)
	}

	status, payload = env.do(t, http.MethodPut, "/api/sessions/"+sessionID+"/cursor", "bob", map[string]any{"position": 3})
	if status != http.StatusOK || payload["participant"].(map[string]any)["cursorPosition"] != float64(3) {
		t.Fatalf("cursor: %d %v", status, payload)
	}
	status, _ = env.do(t, http.MethodPut, "/api/sessions/"+sessionID+"/cursor", "bob", map[string]any{"position": -1})
	if status != http.StatusUnprocessableEntity {
		t.Fatalf("expected negative cursor rejected, got %d", status)
	}

	status, _ = env.do(t, http.MethodPost, "/api/sessions/"+sessionID+"/leave", "bob", nil)
	if status != http.StatusOK {
		t.Fatalf("leave: %d", status)
	}
	_, payload = env.do(t, http.MethodGet, "/api/sessions/"+sessionID+"/participants", "alice", nil)
	if participants := payload["participants"].([]any); len(participants) != 1 {
		t.Fatalf("expected only alice active, got %v", participants)
	}

	status, _ = env.do(t, http.MethodPost, "/api/sessions/"+sessionID+"/leave", "carol", nil)
	if status != http.StatusNotFound {
		t.Fatalf("expected unknown participant leave to 404, got %d", status)
	}
}

func TestCommentRoutes(t *testing.T) {
	env := newTestEnv(t, nil)
	sessionID := env.openSession(t, "doc-1", "alice", "Hello world")
	other := env.openSession(t, "doc-2", "alice", "Other")
	base := "/api/sessions/" + sessionID + "/comments"

	status, payload := env.do(t, http.MethodPost, base, "alice", map[string]any{"content": "Consider a comma here", "position": 5})
	if status != http.StatusCreated {
		t.Fatalf("add comment: %d %v", status, payload)
	}
	commentID := payload["comment"].(map[string]any)["id"].(string)

	status, payload = env.do(t, http.MethodPost, base, "bob", map[string]any{"content": "Agreed", "parentId": commentID})
	if status != http.StatusCreated || payload["comment"].(map[string]any)["position"] != float64(5) {
		t.Fatalf("reply should inherit parent position: %d %v", status, payload)
	}
	replyID := payload["comment"].(map[string]any)["id"].(string)

	status, _ = env.do(t, http.MethodPost, base+"/"+replyID+"/resolve", "alice", nil)
	if status != http.StatusUnprocessableEntity {
		t.Fatalf("expected reply resolve rejected, got %d", status)
	}

	status, payload = env.do(t, http.MethodPut, base+"/"+commentID, "alice", map[string]any{"content": "Consider a comma after Hello"})
	if status != http.StatusOK || payload["comment"].(map[string]any)["editedAt"] == nil {
		t.Fatalf("edit: %d %v", status, payload)
	}

	status, payload = env.do(t, http.MethodGet, base+"/search?q=comma", "alice", nil)
	if status != http.StatusOK || payload["total"] != float64(1) {
		t.Fatalf("search: %d %v", status, payload)
	}

	status, payload = env.do(t, http.MethodPost, base+"/"+commentID+"/resolve", "bob", nil)
	if status != http.StatusOK || payload["comment"].(map[string]any)["resolvedBy"] != "bob" {
		t.Fatalf("resolve: %d %v", status, payload)
	}

	_, payload = env.do(t, http.MethodGet, base, "alice", nil)
	if items := payload["comments"].([]any); len(items) != 0 {
		t.Fatalf("resolved thread should be hidden, got %v", items)
	}
	_, payload = env.do(t, http.MethodGet, base+"?includeResolved=true", "alice", nil)
	items := payload["comments"].([]any)
	if len(items) != 1 || len(items[0].(map[string]any)["replies"].([]any)) != 1 {
		t.Fatalf("expected resolved thread with one reply, got %v", items)
	}

	status, payload = env.do(t, http.MethodPost, base+"/"+commentID+"/reopen", "alice", nil)
	if status != http.StatusOK || payload["comment"].(map[string]any)["resolved"] != false {
		t.Fatalf("reopen: %d %v", status, payload)
	}

	status, _ = env.do(t, http.MethodGet, "/api/sessions/"+other+"/comments/"+commentID, "alice", nil)
	if status != http.StatusNotFound {
		t.Fatalf("expected comment lookup through another session to 404, got %d", status)
	}
}

func TestApprovalRoutes(t *testing.T) {
	env := newTestEnv(t, nil)
	sessionID := env.openSession(t, "doc-1", "alice", "Hello")
	base := "/api/sessions/" + sessionID

	status, payload := env.do(t, http.MethodGet, base+"/approvals", "alice", nil)
	if status != http.StatusOK || payload["verdict"] != "pending" {
		t.Fatalf("initial status: %d %v", status, payload)
	}

	status, payload = env.do(t, http.MethodPut, base+"/reviewers", "alice", map[string]any{"reviewers": []string{"bob", "carol"}})
	if status != http.StatusOK || len(payload["reviewers"].([]any)) != 2 {
		t.Fatalf("set reviewers: %d %v", status, payload)
	}

	steps := []struct {
		user    string
		status  string
		verdict string
	}{
		{"bob", "approved", "in_review"},
		{"carol", "request_changes", "changes_requested"},
		{"carol", "approved", "approved"},
	}
	for _, step := range steps {
		status, payload = env.do(t, http.MethodPost, base+"/approvals", step.user, map[string]any{"status": step.status})
		if status != http.StatusOK || payload["verdict"] != step.verdict {
			t.Fatalf("%s %s: expected %s, got %d %v", step.user, step.status, step.verdict, status, payload)
		}
	}

	status, _ = env.do(t, http.MethodPost, base+"/approvals", "bob", map[string]any{"status": "maybe"})
	if status != http.StatusUnprocessableEntity {
		t.Fatalf("expected invalid status rejected, got %d", status)
	}
}

func TestSuggestionRoutes(t *testing.T) {
	env := newTestEnv(t, nil)
	sessionID := env.openSession(t, "doc-1", "alice", "Hello world")
	base := "/api/sessions/" + sessionID + "/suggestions"

	status, payload := env.do(t, http.MethodPost, base, "assistant", map[string]any{
		"text": "there", "position": 6, "type": "replace", "length": 5, "reason": "friendlier",
	})
	if status != http.StatusAccepted {
		t.Fatalf("forward: %d %v", status, payload)
	}
	suggestionID := payload["suggestion"].(map[string]any)["id"].(string)
	if recipients := payload["recipients"].([]any); len(recipients) != 0 {
		t.Fatalf("expected no socket recipients, got %v", recipients)
	}

	_, payload = env.do(t, http.MethodGet, base, "alice", nil)
	if pending := payload["suggestions"].([]any); len(pending) != 1 {
		t.Fatalf("expected one pending suggestion, got %v", pending)
	}

	status, _ = env.do(t, http.MethodDelete, base+"/"+suggestionID, "alice", nil)
	if status != http.StatusOK {
		t.Fatalf("dismiss: %d", status)
	}
	status, _ = env.do(t, http.MethodDelete, base+"/"+suggestionID, "alice", nil)
	if status != http.StatusNotFound {
		t.Fatalf("expected 404 for a dismissed suggestion, got %d", status)
	}
	status, _ = env.do(t, http.MethodDelete, "/api/sessions/ses_missing/suggestions/"+suggestionID, "alice", nil)
	if status != http.StatusNotFound {
		t.Fatalf("expected 404 for an unknown session, got %d", status)
	}
	_, payload = env.do(t, http.MethodGet, base, "alice", nil)
	if pending := payload["suggestions"].([]any); len(pending) != 0 {
		t.Fatalf("expected no pending suggestions, got %v", pending)
	}

	status, _ = env.do(t, http.MethodPost, base, "assistant", map[string]any{"text": "x", "position": 0, "type": "rewrite"})
	if status != http.StatusUnprocessableEntity {
		t.Fatalf("expected unknown type rejected, got %d", status)
	}
}

func TestDocumentArchiveRecordsRevision(t *testing.T) {
	git := archive.NewGitArchive(t.TempDir())
	env := newTestEnv(t, func(d *Deps) {
		d.Archiver = git
		d.Revisions = git
	})
	sessionID := env.openSession(t, "doc-1", "alice", "Hello world")

	status, _ := env.do(t, http.MethodPost, "/api/sessions/"+sessionID+"/operations", "alice", map[string]any{
		"baseVersion": 1,
		"operations":  []map[string]any{{"type": "insert", "position": 11, "content": "!"}},
	})
	if status != http.StatusOK {
		t.Fatalf("submit: %d", status)
	}

	status, payload := env.do(t, http.MethodPost, "/api/documents/doc-1/archive", "alice", nil)
	if status != http.StatusOK || payload["session"].(map[string]any)["status"] != "closed" {
		t.Fatalf("archive document: %d %v", status, payload)
	}
	status, _ = env.do(t, http.MethodPost, "/api/documents/doc-1/archive", "alice", nil)
	if status != http.StatusNotFound {
		t.Fatalf("expected no active session left, got %d", status)
	}

	status, payload = env.do(t, http.MethodGet, "/api/documents/doc-1/revisions", "alice", nil)
	revisions := payload["revisions"].([]any)
	if status != http.StatusOK || len(revisions) != 1 {
		t.Fatalf("expected one revision, got %d %v", status, payload)
	}
	revision := revisions[0].(map[string]any)
	if revision["sessionId"] != sessionID {
		t.Fatalf("unexpected revision %v", revision)
	}

	status, payload = env.do(t, http.MethodGet, "/api/documents/doc-1/revisions/"+revision["hash"].(string), "alice", nil)
	if status != http.StatusOK || payload["content"] != "Hello world!" {
		t.Fatalf("revision content: %d %v", status, payload)
	}

	// A new session for the archived document starts from scratch.
	status, payload = env.do(t, http.MethodPost, "/api/documents/doc-1/session", "alice", map[string]any{"initialContent": "Hello world!"})
	if status != http.StatusCreated || payload["session"].(map[string]any)["id"] == sessionID {
		t.Fatalf("expected a fresh session, got %d %v", status, payload)
	}
}
