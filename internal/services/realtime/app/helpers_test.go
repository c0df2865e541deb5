package app

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"golang.org/x/net/websocket"

	"github.com/ralph0830/trpg/internal/services/realtime/coordinator"
	"github.com/ralph0830/trpg/internal/services/realtime/storage"
	"github.com/ralph0830/trpg/internal/test/mock/realtimefakes"
)

type wsTestFrame struct {
	Type      string          `json:"type"`
	RequestID string          `json:"request_id,omitempty"`
	Payload   json.RawMessage `json:"payload"`
}

type testEnv struct {
	store       *realtimefakes.Store
	coordinator *coordinator.Coordinator
	handler     http.Handler
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	store := realtimefakes.NewStore()
	coord, err := coordinator.New(store)
	if err != nil {
		t.Fatalf("new coordinator: %v", err)
	}
	return testEnv{store: store, coordinator: coord, handler: newHandler(coord, store, nil, nil)}
}

func seedSession(store *realtimefakes.Store, id string, maxPlayers int) {
	store.PutSession(storage.Session{
		ID:         id,
		Name:       "Session " + id,
		Status:     storage.SessionWaiting,
		MaxPlayers: maxPlayers,
	})
}

func dialWS(t *testing.T, srv *httptest.Server, path string) *websocket.Conn {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + path
	conn, err := websocket.Dial(wsURL, "", srv.URL)
	if err != nil {
		t.Fatalf("dial websocket: %v", err)
	}
	t.Cleanup(func() {
		_ = conn.Close()
	})
	return conn
}

func sendFrame(t *testing.T, conn *websocket.Conn, frameType, requestID string, payload any) {
	t.Helper()
	raw, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("encode payload: %v", err)
	}
	if err := websocket.JSON.Send(conn, wsTestFrame{Type: frameType, RequestID: requestID, Payload: raw}); err != nil {
		t.Fatalf("send %s: %v", frameType, err)
	}
}

func readFrame(t *testing.T, conn *websocket.Conn) wsTestFrame {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var frame wsTestFrame
	if err := websocket.JSON.Receive(conn, &frame); err != nil {
		t.Fatalf("read frame: %v", err)
	}
	return frame
}

// readUntil skips frames until one of frameType arrives.
func readUntil(t *testing.T, conn *websocket.Conn, frameType string) wsTestFrame {
	t.Helper()
	for range 20 {
		frame := readFrame(t, conn)
		if frame.Type == frameType {
			return frame
		}
	}
	t.Fatalf("no %s frame received", frameType)
	return wsTestFrame{}
}

func decodePayload[T any](t *testing.T, frame wsTestFrame) T {
	t.Helper()
	var out T
	if err := json.Unmarshal(frame.Payload, &out); err != nil {
		t.Fatalf("decode %s payload: %v", frame.Type, err)
	}
	return out
}

func joinWS(t *testing.T, conn *websocket.Conn, sessionID, player string) coordinator.JoinedSessionPayload {
	t.Helper()
	sendFrame(t, conn, frameJoinSession, "join-"+player, coordinator.JoinRequest{
		SessionID:     sessionID,
		PlayerName:    player,
		CharacterName: player + " the Bold",
	})
	joined := decodePayload[coordinator.JoinedSessionPayload](t, readUntil(t, conn, coordinator.EventJoinedSession))
	readUntil(t, conn, coordinator.EventGameHistory)
	return joined
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}
