package app

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"coedit/api/internal/hub"
	"coedit/api/internal/presence"
)

func dialSession(t *testing.T, srv *httptest.Server, sessionID, userID string) (*websocket.Conn, *http.Response, error) {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/sessions/" + sessionID + "/ws?userId=" + userID
	return websocket.DefaultDialer.Dial(url, nil)
}

// readUntil returns the first frame of the wanted type, skipping others.
func readUntil(t *testing.T, conn *websocket.Conn, wanted string) hub.Envelope {
	t.Helper()
	for i := 0; i < 10; i++ {
		_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		var env hub.Envelope
		if err := conn.ReadJSON(&env); err != nil {
			t.Fatalf("read %s frame: %v", wanted, err)
		}
		if env.Type == wanted {
			return env
		}
	}
	t.Fatalf("no %s frame received", wanted)
	return hub.Envelope{}
}

func TestWebSocketSubmitAndCursor(t *testing.T) {
	env := newTestEnv(t, nil)
	srv := httptest.NewServer(env.handler)
	t.Cleanup(srv.Close)
	sessionID := env.openSession(t, "doc-1", "alice", "Hello world")

	conn, _, err := dialSession(t, srv, sessionID, "bob")
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	snapshot := readUntil(t, conn, socketSnapshot)
	state := snapshot.Payload.(map[string]any)
	if state["session"].(map[string]any)["content"] != "Hello world" {
		t.Fatalf("unexpected snapshot %v", state)
	}

	err = conn.WriteJSON(map[string]any{
		"type":      socketSubmit,
		"requestId": "req-1",
		"payload": map[string]any{
			"baseVersion": 1,
			"operations":  []map[string]any{{"type": "insert", "position": 5, "content": ","}},
		},
	})
	if err != nil {
		t.Fatalf("write submit: %v", err)
	}
	pushed := readUntil(t, conn, "operations")
	if pushed.Payload.(map[string]any)["version"] != float64(2) {
		t.Fatalf("unexpected operations push %v", pushed.Payload)
	}
	ack := readUntil(t, conn, socketAck)
	if ack.RequestID != "req-1" || ack.Payload.(map[string]any)["version"] != float64(2) {
		t.Fatalf("unexpected ack %+v", ack)
	}

	err = conn.WriteJSON(map[string]any{
		"type":      socketSubmit,
		"requestId": "req-2",
		"payload": map[string]any{
			"baseVersion": 1,
			"operations":  []map[string]any{{"type": "insert", "position": 0, "content": "x"}},
		},
	})
	if err != nil {
		t.Fatalf("write stale submit: %v", err)
	}
	failure := readUntil(t, conn, socketError)
	body := failure.Payload.(map[string]any)
	if failure.RequestID != "req-2" || body["code"] != "VERSION_CONFLICT" {
		t.Fatalf("unexpected error frame %+v", failure)
	}

	if err := conn.WriteJSON(map[string]any{"type": socketCursor, "requestId": "req-3", "payload": map[string]any{"position": 4}}); err != nil {
		t.Fatalf("write cursor: %v", err)
	}
	if ack := readUntil(t, conn, socketAck); ack.RequestID != "req-3" {
		t.Fatalf("unexpected cursor ack %+v", ack)
	}

	_ = conn.Close()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		participants, err := env.service.engine.Participants(context.Background(), sessionID)
		if err != nil {
			t.Fatalf("participants: %v", err)
		}
		if len(participants) == 1 && participants[0].UserID == "alice" {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("bob still present after disconnect")
}

func TestWebSocketRejectsUnknownSession(t *testing.T) {
	env := newTestEnv(t, nil)
	srv := httptest.NewServer(env.handler)
	t.Cleanup(srv.Close)

	_, resp, err := dialSession(t, srv, "ses_missing", "bob")
	if err == nil {
		t.Fatalf("expected handshake failure")
	}
	if resp == nil || resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 handshake response, got %+v", resp)
	}
}

func activeUsers(t *testing.T, env *testEnv, sessionID string) map[string]bool {
	t.Helper()
	participants, err := env.service.engine.Participants(context.Background(), sessionID)
	if err != nil {
		t.Fatalf("participants: %v", err)
	}
	users := map[string]bool{}
	for _, p := range participants {
		users[p.UserID] = true
	}
	return users
}

func TestWebSocketLeaveWaitsForLastConnection(t *testing.T) {
	env := newTestEnv(t, nil)
	srv := httptest.NewServer(env.handler)
	t.Cleanup(srv.Close)
	sessionID := env.openSession(t, "doc-1", "alice", "Hello world")

	firstTab, _, err := dialSession(t, srv, sessionID, "bob")
	if err != nil {
		t.Fatalf("dial first tab: %v", err)
	}
	defer firstTab.Close()
	readUntil(t, firstTab, socketSnapshot)
	secondTab, _, err := dialSession(t, srv, sessionID, "bob")
	if err != nil {
		t.Fatalf("dial second tab: %v", err)
	}
	readUntil(t, secondTab, socketSnapshot)

	_ = secondTab.Close()
	deadline := time.Now().Add(2 * time.Second)
	for env.service.hub.RoomSize(sessionID) != 1 {
		if time.Now().After(deadline) {
			t.Fatalf("second tab still registered")
		}
		time.Sleep(10 * time.Millisecond)
	}
	time.Sleep(50 * time.Millisecond)
	if !activeUsers(t, env, sessionID)["bob"] {
		t.Fatalf("bob left while a socket is still open")
	}

	if err := firstTab.WriteJSON(map[string]any{"type": socketCursor, "requestId": "c-1", "payload": map[string]any{"position": 2}}); err != nil {
		t.Fatalf("write cursor: %v", err)
	}
	if ack := readUntil(t, firstTab, socketAck); ack.RequestID != "c-1" {
		t.Fatalf("unexpected cursor ack %+v", ack)
	}

	_ = firstTab.Close()
	deadline = time.Now().Add(2 * time.Second)
	for activeUsers(t, env, sessionID)["bob"] {
		if time.Now().After(deadline) {
			t.Fatalf("bob still present after closing every socket")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestWebSocketPingRestoresLostPresence(t *testing.T) {
	tracker := presence.NewMemoryTracker()
	env := newTestEnv(t, func(d *Deps) { d.Tracker = tracker })
	srv := httptest.NewServer(env.handler)
	t.Cleanup(srv.Close)
	sessionID := env.openSession(t, "doc-1", "alice", "Hello world")

	conn, _, err := dialSession(t, srv, sessionID, "bob")
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	readUntil(t, conn, socketSnapshot)

	if err := tracker.Drop(context.Background(), sessionID); err != nil {
		t.Fatalf("drop: %v", err)
	}
	if err := conn.WriteJSON(map[string]any{"type": socketPing, "requestId": "p-1"}); err != nil {
		t.Fatalf("write ping: %v", err)
	}
	if ack := readUntil(t, conn, socketAck); ack.RequestID != "p-1" {
		t.Fatalf("unexpected ping ack %+v", ack)
	}
	if !activeUsers(t, env, sessionID)["bob"] {
		t.Fatalf("ping did not restore bob's presence")
	}
}

func TestSuggestionRecipientsAreConnectedSockets(t *testing.T) {
	env := newTestEnv(t, nil)
	srv := httptest.NewServer(env.handler)
	t.Cleanup(srv.Close)
	sessionID := env.openSession(t, "doc-1", "alice", "Hello world")

	conn, _, err := dialSession(t, srv, sessionID, "bob")
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	readUntil(t, conn, socketSnapshot)

	result, err := env.service.ForwardSuggestion(context.Background(), sessionID, ForwardSuggestionInput{Text: ", dear", Position: 5})
	if err != nil {
		t.Fatalf("forward: %v", err)
	}
	if len(result.Recipients) != 1 || result.Recipients[0] != "bob" {
		t.Fatalf("expected bob as the only recipient, got %v", result.Recipients)
	}
	pushed := readUntil(t, conn, "suggestion")
	if pushed.Payload.(map[string]any)["id"] != result.Suggestion.ID {
		t.Fatalf("unexpected suggestion push %v", pushed.Payload)
	}
}
