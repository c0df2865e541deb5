package app

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/ralph0830/trpg/internal/services/realtime/coordinator"
	"github.com/ralph0830/trpg/internal/services/realtime/storage"
)

func doJSON(t *testing.T, handler http.Handler, method, path, body string, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	return rr
}

func decodeBody[T any](t *testing.T, rr *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	if err := json.Unmarshal(rr.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode body %q: %v", rr.Body.String(), err)
	}
	return out
}

func wantError(t *testing.T, rr *httptest.ResponseRecorder, status int, code string) errorEnvelope {
	t.Helper()
	if rr.Code != status {
		t.Fatalf("status = %d, want %d (body %s)", rr.Code, status, rr.Body.String())
	}
	body := decodeBody[errorEnvelope](t, rr)
	if body.Error.Code != code {
		t.Fatalf("code = %s, want %s", body.Error.Code, code)
	}
	return body
}

func TestCreateSessionRecordsWelcome(t *testing.T) {
	env := newTestEnv(t)

	rr := doJSON(t, env.handler, http.MethodPost, "/api/sessions", `{"sessionName":"Dragon Keep"}`)
	if rr.Code != http.StatusCreated {
		t.Fatalf("status = %d, body %s", rr.Code, rr.Body.String())
	}
	session := decodeBody[storage.Session](t, rr)
	if session.Name != "Dragon Keep" || session.MaxPlayers != storage.DefaultMaxPlayers ||
		session.StorySummary != storage.DefaultStorySummary || session.Status != storage.SessionWaiting {
		t.Fatalf("session = %+v", session)
	}

	events, err := env.store.ListEvents(context.Background(), session.ID, 10)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	if len(events) != 1 || events[0].Kind != storage.EventAIResponse || !strings.Contains(events[0].Message, "Dragon Keep") {
		t.Fatalf("events = %+v", events)
	}

	rr = doJSON(t, env.handler, http.MethodGet, "/api/sessions", "")
	if sessions := decodeBody[[]storage.Session](t, rr); len(sessions) != 1 {
		t.Fatalf("sessions = %+v", sessions)
	}
}

func TestCreateSessionValidation(t *testing.T) {
	env := newTestEnv(t)

	wantError(t, doJSON(t, env.handler, http.MethodPost, "/api/sessions", `{"sessionName":"  "}`), http.StatusBadRequest, "VALIDATION_FAILED")
	wantError(t, doJSON(t, env.handler, http.MethodPost, "/api/sessions", `{"sessionName":"x","maxPlayers":0}`), http.StatusBadRequest, "VALIDATION_FAILED")
	wantError(t, doJSON(t, env.handler, http.MethodPost, "/api/sessions", `not json`), http.StatusBadRequest, "VALIDATION_FAILED")

	body := wantError(t,
		doJSON(t, env.handler, http.MethodPost, "/api/sessions", `{}`, "Accept-Language", "ko-KR"),
		http.StatusBadRequest, "VALIDATION_FAILED")
	if body.Error.Message != "잘못된 요청입니다: sessionName is required" {
		t.Fatalf("message = %q", body.Error.Message)
	}
}

func TestGetAndDeleteSession(t *testing.T) {
	env := newTestEnv(t)
	seedSession(env.store, "s1", 4)
	if _, err := env.store.CreateCharacter(context.Background(), storage.Character{SessionID: "s1", PlayerName: "alice", Name: "Alice"}); err != nil {
		t.Fatalf("create character: %v", err)
	}

	rr := doJSON(t, env.handler, http.MethodGet, "/api/sessions/s1", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	detail := decodeBody[sessionDetail](t, rr)
	if detail.ID != "s1" || len(detail.Characters) != 1 || detail.Characters[0].Name != "Alice" {
		t.Fatalf("detail = %+v", detail)
	}

	wantError(t, doJSON(t, env.handler, http.MethodGet, "/api/sessions/missing", ""), http.StatusNotFound, "SESSION_NOT_FOUND")

	if rr := doJSON(t, env.handler, http.MethodDelete, "/api/sessions/s1", ""); rr.Code != http.StatusOK {
		t.Fatalf("delete status = %d", rr.Code)
	}
	wantError(t, doJSON(t, env.handler, http.MethodGet, "/api/sessions/s1", ""), http.StatusNotFound, "SESSION_NOT_FOUND")
	wantError(t, doJSON(t, env.handler, http.MethodDelete, "/api/sessions/s1", ""), http.StatusNotFound, "SESSION_NOT_FOUND")
}

type recordingCleaner struct {
	dropped []string
	err     error
}

func (c *recordingCleaner) Cleanup(_ context.Context, sessionID string) error {
	c.dropped = append(c.dropped, sessionID)
	return c.err
}

func TestDeleteSessionDropsEventStream(t *testing.T) {
	env := newTestEnv(t)
	seedSession(env.store, "s1", 4)
	seedSession(env.store, "s2", 4)
	cleaner := &recordingCleaner{}
	handler := newHandler(env.coordinator, env.store, cleaner, nil)

	if rr := doJSON(t, handler, http.MethodDelete, "/api/sessions/s1", ""); rr.Code != http.StatusOK {
		t.Fatalf("delete status = %d", rr.Code)
	}
	wantError(t, doJSON(t, handler, http.MethodDelete, "/api/sessions/missing", ""), http.StatusNotFound, "SESSION_NOT_FOUND")
	if len(cleaner.dropped) != 1 || cleaner.dropped[0] != "s1" {
		t.Fatalf("dropped streams = %v, want [s1]", cleaner.dropped)
	}

	// A feed outage does not fail a delete that already committed.
	cleaner.err = errors.New("redis down")
	if rr := doJSON(t, handler, http.MethodDelete, "/api/sessions/s2", ""); rr.Code != http.StatusOK {
		t.Fatalf("delete with feed failure status = %d", rr.Code)
	}
	if _, err := env.store.FindSession(context.Background(), "s2"); err == nil {
		t.Fatal("session s2 still stored")
	}
}

func TestUpdateSessionStatus(t *testing.T) {
	env := newTestEnv(t)
	env.store.PutSession(storage.Session{ID: "s1", Name: "Keep", Status: storage.SessionWaiting, MaxPlayers: 4, CurrentPlayers: 2})

	rr := doJSON(t, env.handler, http.MethodPatch, "/api/sessions/s1/status", `{"status":"active"}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rr.Code, rr.Body.String())
	}
	session := decodeBody[storage.Session](t, rr)
	if session.Status != storage.SessionActive || session.StartedAt == nil || session.EndedAt != nil {
		t.Fatalf("active session = %+v", session)
	}
	if session.CurrentPlayers != 2 {
		t.Fatalf("occupancy = %d, want 2", session.CurrentPlayers)
	}

	rr = doJSON(t, env.handler, http.MethodPatch, "/api/sessions/s1/status", `{"status":"completed"}`)
	session = decodeBody[storage.Session](t, rr)
	if session.Status != storage.SessionCompleted || session.EndedAt == nil || session.StartedAt == nil {
		t.Fatalf("completed session = %+v", session)
	}

	wantError(t, doJSON(t, env.handler, http.MethodPatch, "/api/sessions/s1/status", `{"status":"exploded"}`), http.StatusBadRequest, "VALIDATION_FAILED")
	wantError(t, doJSON(t, env.handler, http.MethodPatch, "/api/sessions/nope/status", `{"status":"paused"}`), http.StatusNotFound, "SESSION_NOT_FOUND")
}

func TestUpdateSessionContext(t *testing.T) {
	env := newTestEnv(t)
	seedSession(env.store, "s1", 4)

	rr := doJSON(t, env.handler, http.MethodPut, "/api/sessions/s1/context", `{"aiContext":"cave","storySummary":"They entered the cave."}`)
	session := decodeBody[storage.Session](t, rr)
	if rr.Code != http.StatusOK || session.AIContext != "cave" || session.StorySummary != "They entered the cave." {
		t.Fatalf("status %d session %+v", rr.Code, session)
	}
}

func TestListEventsFilters(t *testing.T) {
	env := newTestEnv(t)
	seedSession(env.store, "s1", 4)
	ctx := context.Background()
	for _, event := range []storage.GameEvent{
		{SessionID: "s1", Kind: storage.EventChat, Message: "one"},
		{SessionID: "s1", Kind: storage.EventAIResponse, Message: "two"},
		{SessionID: "s1", Kind: storage.EventChat, Message: "three"},
	} {
		if _, err := env.store.AppendEvent(ctx, event); err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	events := decodeBody[[]storage.GameEvent](t, doJSON(t, env.handler, http.MethodGet, "/api/sessions/s1/events?limit=2", ""))
	if len(events) != 2 || events[0].Message != "two" || events[1].Message != "three" {
		t.Fatalf("limited events = %+v", events)
	}
	events = decodeBody[[]storage.GameEvent](t, doJSON(t, env.handler, http.MethodGet, "/api/sessions/s1/events?type=chat", ""))
	if len(events) != 2 || events[0].Message != "one" || events[1].Message != "three" {
		t.Fatalf("chat events = %+v", events)
	}

	wantError(t, doJSON(t, env.handler, http.MethodGet, "/api/sessions/s1/events?limit=abc", ""), http.StatusBadRequest, "VALIDATION_FAILED")
	wantError(t, doJSON(t, env.handler, http.MethodGet, "/api/sessions/s1/events?type=dance", ""), http.StatusBadRequest, "VALIDATION_FAILED")
	wantError(t, doJSON(t, env.handler, http.MethodGet, "/api/sessions/none/events", ""), http.StatusNotFound, "SESSION_NOT_FOUND")
}

func TestNarrationEndpoint(t *testing.T) {
	env := newTestEnv(t)
	seedSession(env.store, "s1", 4)

	rr := doJSON(t, env.handler, http.MethodPost, "/api/sessions/s1/narration", `{"response":"A door creaks.","context":"hall"}`)
	if rr.Code != http.StatusCreated {
		t.Fatalf("status = %d, body %s", rr.Code, rr.Body.String())
	}
	if event := decodeBody[storage.GameEvent](t, rr); event.Kind != storage.EventAIResponse || event.Message != "A door creaks." {
		t.Fatalf("event = %+v", event)
	}

	wantError(t, doJSON(t, env.handler, http.MethodPost, "/api/sessions/none/narration", `{"response":"x"}`), http.StatusNotFound, "SESSION_NOT_FOUND")
	wantError(t, doJSON(t, env.handler, http.MethodPost, "/api/sessions/s1/narration", `{"response":""}`), http.StatusBadRequest, "VALIDATION_FAILED")
}

func TestCharacterEndpoints(t *testing.T) {
	env := newTestEnv(t)
	seedSession(env.store, "s1", 4)
	character, err := env.store.CreateCharacter(context.Background(), storage.Character{SessionID: "s1", PlayerName: "alice", Name: "Alice"})
	if err != nil {
		t.Fatalf("create character: %v", err)
	}
	base := "/api/characters/" + character.ID

	if got := decodeBody[storage.Character](t, doJSON(t, env.handler, http.MethodGet, base, "")); got.ID != character.ID {
		t.Fatalf("character = %+v", got)
	}
	wantError(t, doJSON(t, env.handler, http.MethodGet, "/api/characters/nope", ""), http.StatusNotFound, "CHARACTER_NOT_FOUND")

	rr := doJSON(t, env.handler, http.MethodPatch, base+"/stats", `{"currentHp":40,"maxMp":80}`)
	stats := decodeBody[storage.Character](t, rr)
	if rr.Code != http.StatusOK || stats.HP != 40 || stats.MaxMP != 80 || stats.MaxHP != storage.DefaultHP {
		t.Fatalf("stats status %d character %+v", rr.Code, stats)
	}
	wantError(t, doJSON(t, env.handler, http.MethodPatch, base+"/stats", `{"strength":18}`), http.StatusBadRequest, "VALIDATION_FAILED")
	wantError(t, doJSON(t, env.handler, http.MethodPatch, base+"/stats", `{}`), http.StatusBadRequest, "VALIDATION_FAILED")
	wantError(t, doJSON(t, env.handler, http.MethodPatch, base+"/stats", `{"currentHp":500}`), http.StatusBadRequest, "VALIDATION_FAILED")
	wantError(t, doJSON(t, env.handler, http.MethodPatch, "/api/characters/nope/stats", `{"currentHp":1}`), http.StatusNotFound, "CHARACTER_NOT_FOUND")

	wantError(t, doJSON(t, env.handler, http.MethodPatch, base+"/position", `{"x":1}`), http.StatusBadRequest, "VALIDATION_FAILED")

	rr = doJSON(t, env.handler, http.MethodPatch, base+"/status", `{"isActive":false,"isAiControlled":false}`)
	status := decodeBody[storage.Character](t, rr)
	if rr.Code != http.StatusOK || status.Active || status.AIControlled {
		t.Fatalf("status %d character %+v", rr.Code, status)
	}
	rr = doJSON(t, env.handler, http.MethodPatch, base+"/status", `{}`)
	status = decodeBody[storage.Character](t, rr)
	if status.Active || !status.AIControlled {
		t.Fatalf("default status without a connection = %+v", status)
	}
	wantError(t, doJSON(t, env.handler, http.MethodPatch, base+"/status", `{"isActive":true}`), http.StatusBadRequest, "VALIDATION_FAILED")
	wantError(t, doJSON(t, env.handler, http.MethodPatch, "/api/characters/nope/status", `{}`), http.StatusNotFound, "CHARACTER_NOT_FOUND")
	wantError(t, doJSON(t, env.handler, http.MethodPatch, "/api/characters/nope/position", `{"x":1,"y":1}`), http.StatusNotFound, "CHARACTER_NOT_FOUND")
}

func TestStatusOverrideFollowsLiveConnection(t *testing.T) {
	env := newTestEnv(t)
	seedSession(env.store, "s1", 4)
	srv := httptest.NewServer(env.handler)
	t.Cleanup(srv.Close)

	conn := dialWS(t, srv, "/ws")
	joined := joinWS(t, conn, "s1", "alice")
	base := "/api/characters/" + joined.Character.ID + "/status"

	rr := doJSON(t, env.handler, http.MethodPatch, base, `{"isAiControlled":true}`)
	status := decodeBody[storage.Character](t, rr)
	if rr.Code != http.StatusOK || !status.Active || !status.AIControlled {
		t.Fatalf("assist status %d character %+v", rr.Code, status)
	}
	wantError(t, doJSON(t, env.handler, http.MethodPatch, base, `{"isActive":false}`), http.StatusBadRequest, "VALIDATION_FAILED")

	character, err := env.store.FindCharacter(context.Background(), joined.Character.ID)
	if err != nil {
		t.Fatalf("find character: %v", err)
	}
	if !character.Active {
		t.Fatal("refused override cleared the active flag of a played character")
	}
}

func TestPositionUpdateIsBroadcast(t *testing.T) {
	env := newTestEnv(t)
	seedSession(env.store, "s1", 4)
	srv := httptest.NewServer(env.handler)
	t.Cleanup(srv.Close)

	conn := dialWS(t, srv, "/ws")
	joined := joinWS(t, conn, "s1", "alice")

	rr := doJSON(t, env.handler, http.MethodPatch, "/api/characters/"+joined.Character.ID+"/position", `{"x":7,"y":2}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rr.Code, rr.Body.String())
	}
	moved := decodePayload[coordinator.CharacterMovedPayload](t, readUntil(t, conn, coordinator.EventCharacterMoved))
	if moved.CharacterID != joined.Character.ID || moved.Position != (storage.Position{X: 7, Y: 2}) {
		t.Fatalf("characterMoved = %+v", moved)
	}
}

func TestStoreFailureMapsToServiceUnavailable(t *testing.T) {
	env := newTestEnv(t)
	env.store.SetErr(&env.store.ListSessionsErr, context.DeadlineExceeded)

	wantError(t, doJSON(t, env.handler, http.MethodGet, "/api/sessions", ""), http.StatusServiceUnavailable, "STORE_FAILURE")
}
