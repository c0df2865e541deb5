package app

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"unicode/utf8"

	"go.uber.org/zap"

	apperrors "github.com/ralph0830/trpg/internal/platform/errors"
	"github.com/ralph0830/trpg/internal/platform/i18n"
	"github.com/ralph0830/trpg/internal/services/realtime/coordinator"
	"github.com/ralph0830/trpg/internal/services/realtime/storage"
)

const (
	maxAdminBodyBytes    = 64 * 1024
	maxSessionNameRunes  = 100
	defaultEventsLimit   = 50
	maxEventsLimit       = 500
	welcomeNarrationText = "A new adventure begins! Welcome to the %q session."
)

type createSessionRequest struct {
	SessionName string `json:"sessionName"`
	MaxPlayers  *int   `json:"maxPlayers"`
}

type sessionStatusRequest struct {
	Status string `json:"status"`
}

type sessionContextRequest struct {
	AIContext    string `json:"aiContext"`
	StorySummary string `json:"storySummary"`
}

type positionRequest struct {
	X *int `json:"x"`
	Y *int `json:"y"`
}

type characterStatusRequest struct {
	IsActive       *bool `json:"isActive"`
	IsAIControlled *bool `json:"isAiControlled"`
}

type sessionDetail struct {
	storage.Session
	Characters []storage.Character `json:"characters"`
}

type errorEnvelope struct {
	Error wsError `json:"error"`
}

func (h *handler) registerAdmin(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/sessions", h.listSessions)
	mux.HandleFunc("POST /api/sessions", h.createSession)
	mux.HandleFunc("GET /api/sessions/{id}", h.getSession)
	mux.HandleFunc("DELETE /api/sessions/{id}", h.deleteSession)
	mux.HandleFunc("PATCH /api/sessions/{id}/status", h.updateSessionStatus)
	mux.HandleFunc("PUT /api/sessions/{id}/context", h.updateSessionContext)
	mux.HandleFunc("GET /api/sessions/{id}/events", h.listEvents)
	mux.HandleFunc("POST /api/sessions/{id}/narration", h.narrate)
	mux.HandleFunc("GET /api/characters/{id}", h.getCharacter)
	mux.HandleFunc("PATCH /api/characters/{id}/stats", h.updateStats)
	mux.HandleFunc("PATCH /api/characters/{id}/position", h.updatePosition)
	mux.HandleFunc("PATCH /api/characters/{id}/status", h.updateCharacterStatus)
}

func (h *handler) listSessions(w http.ResponseWriter, r *http.Request) {
	sessions, err := h.store.ListSessions(r.Context())
	if err != nil {
		h.writeError(w, r, storeError(err, apperrors.CodeSessionNotFound))
		return
	}
	if sessions == nil {
		sessions = []storage.Session{}
	}
	writeJSON(w, http.StatusOK, sessions)
}

func (h *handler) createSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if err := decodeJSON(w, r, &req, false); err != nil {
		h.writeError(w, r, err)
		return
	}
	name := strings.TrimSpace(req.SessionName)
	if name == "" {
		h.writeError(w, r, invalidFrame("sessionName is required"))
		return
	}
	if utf8.RuneCountInString(name) > maxSessionNameRunes {
		h.writeError(w, r, invalidFrame("sessionName is too long"))
		return
	}
	maxPlayers := storage.DefaultMaxPlayers
	if req.MaxPlayers != nil {
		maxPlayers = *req.MaxPlayers
	}
	if maxPlayers < 1 {
		h.writeError(w, r, invalidFrame("maxPlayers must be at least 1"))
		return
	}

	session, err := h.store.CreateSession(r.Context(), storage.Session{
		Name:         name,
		Status:       storage.SessionWaiting,
		MaxPlayers:   maxPlayers,
		StorySummary: storage.DefaultStorySummary,
	})
	if err != nil {
		h.writeError(w, r, storeError(err, apperrors.CodeSessionNotFound))
		return
	}
	if _, err := h.coordinator.Narrate(r.Context(), session.ID, coordinator.Narration{
		Response: fmt.Sprintf(welcomeNarrationText, name),
	}); err != nil {
		h.logger.Warn("welcome narration", zap.String("session_id", session.ID), zap.Error(err))
	}
	writeJSON(w, http.StatusCreated, session)
}

func (h *handler) getSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	session, err := h.store.FindSession(r.Context(), id)
	if err != nil {
		h.writeError(w, r, storeError(err, apperrors.CodeSessionNotFound))
		return
	}
	characters, err := h.store.ListCharacters(r.Context(), id)
	if err != nil {
		h.writeError(w, r, storeError(err, apperrors.CodeSessionNotFound))
		return
	}
	if characters == nil {
		characters = []storage.Character{}
	}
	writeJSON(w, http.StatusOK, sessionDetail{Session: session, Characters: characters})
}

func (h *handler) deleteSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	session, err := h.store.FindSession(r.Context(), id)
	if err != nil {
		h.writeError(w, r, storeError(err, apperrors.CodeSessionNotFound))
		return
	}
	if err := h.store.DeleteSession(r.Context(), id); err != nil {
		h.writeError(w, r, storeError(err, apperrors.CodeSessionNotFound))
		return
	}
	if h.streams != nil {
		if err := h.streams.Cleanup(r.Context(), id); err != nil {
			h.logger.Warn("drop session event stream", zap.String("session_id", id), zap.Error(err))
		}
	}
	h.logger.Info("session deleted", zap.String("session_id", id))
	writeJSON(w, http.StatusOK, map[string]any{"message": "session deleted", "session": session})
}

func (h *handler) updateSessionStatus(w http.ResponseWriter, r *http.Request) {
	var req sessionStatusRequest
	if err := decodeJSON(w, r, &req, false); err != nil {
		h.writeError(w, r, err)
		return
	}
	status, err := storage.ParseSessionStatus(req.Status)
	if err != nil {
		h.writeError(w, r, invalidFrame("unknown status"))
		return
	}
	update := storage.SessionStatusUpdate{Status: status}
	now := h.now().UTC()
	switch status {
	case storage.SessionActive:
		update.StartedAt = &now
	case storage.SessionCompleted:
		update.EndedAt = &now
	}
	session, err := h.store.UpdateSessionStatus(r.Context(), r.PathValue("id"), update)
	if err != nil {
		h.writeError(w, r, storeError(err, apperrors.CodeSessionNotFound))
		return
	}
	writeJSON(w, http.StatusOK, session)
}

func (h *handler) updateSessionContext(w http.ResponseWriter, r *http.Request) {
	var req sessionContextRequest
	if err := decodeJSON(w, r, &req, false); err != nil {
		h.writeError(w, r, err)
		return
	}
	session, err := h.store.UpdateSessionContext(r.Context(), r.PathValue("id"), req.AIContext, req.StorySummary)
	if err != nil {
		h.writeError(w, r, storeError(err, apperrors.CodeSessionNotFound))
		return
	}
	writeJSON(w, http.StatusOK, session)
}

func (h *handler) listEvents(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	limit := defaultEventsLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 {
			h.writeError(w, r, invalidFrame("limit must be a positive integer"))
			return
		}
		limit = min(parsed, maxEventsLimit)
	}
	if _, err := h.store.FindSession(r.Context(), id); err != nil {
		h.writeError(w, r, storeError(err, apperrors.CodeSessionNotFound))
		return
	}

	var (
		events []storage.GameEvent
		err    error
	)
	if raw := r.URL.Query().Get("type"); raw != "" {
		kind, parseErr := storage.ParseEventKind(raw)
		if parseErr != nil {
			h.writeError(w, r, invalidFrame("unknown event type"))
			return
		}
		events, err = h.store.ListEventsByKind(r.Context(), id, kind, limit)
	} else {
		events, err = h.store.ListEvents(r.Context(), id, limit)
	}
	if err != nil {
		h.writeError(w, r, storeError(err, apperrors.CodeSessionNotFound))
		return
	}
	if events == nil {
		events = []storage.GameEvent{}
	}
	writeJSON(w, http.StatusOK, events)
}

func (h *handler) narrate(w http.ResponseWriter, r *http.Request) {
	var req coordinator.Narration
	if err := decodeJSON(w, r, &req, false); err != nil {
		h.writeError(w, r, err)
		return
	}
	event, err := h.coordinator.Narrate(r.Context(), r.PathValue("id"), req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, event)
}

func (h *handler) getCharacter(w http.ResponseWriter, r *http.Request) {
	character, err := h.store.FindCharacter(r.Context(), r.PathValue("id"))
	if err != nil {
		h.writeError(w, r, storeError(err, apperrors.CodeCharacterNotFound))
		return
	}
	writeJSON(w, http.StatusOK, character)
}

func (h *handler) updateStats(w http.ResponseWriter, r *http.Request) {
	var update storage.StatsUpdate
	if err := decodeJSON(w, r, &update, true); err != nil {
		h.writeError(w, r, err)
		return
	}
	if update.Empty() {
		h.writeError(w, r, invalidFrame("no stats to update"))
		return
	}
	id := r.PathValue("id")
	current, err := h.store.FindCharacter(r.Context(), id)
	if err != nil {
		h.writeError(w, r, storeError(err, apperrors.CodeCharacterNotFound))
		return
	}
	if _, err := update.Apply(current); err != nil {
		h.writeError(w, r, invalidFrame(err.Error()))
		return
	}
	character, err := h.store.UpdateStats(r.Context(), id, update)
	if err != nil {
		h.writeError(w, r, storeError(err, apperrors.CodeCharacterNotFound))
		return
	}
	writeJSON(w, http.StatusOK, character)
}

func (h *handler) updatePosition(w http.ResponseWriter, r *http.Request) {
	var req positionRequest
	if err := decodeJSON(w, r, &req, false); err != nil {
		h.writeError(w, r, err)
		return
	}
	if req.X == nil || req.Y == nil {
		h.writeError(w, r, invalidFrame("x and y are required"))
		return
	}
	character, err := h.coordinator.PlaceCharacter(r.Context(), r.PathValue("id"), storage.Position{X: *req.X, Y: *req.Y})
	if err != nil {
		h.writeError(w, r, storeError(err, apperrors.CodeCharacterNotFound))
		return
	}
	writeJSON(w, http.StatusOK, character)
}

func (h *handler) updateCharacterStatus(w http.ResponseWriter, r *http.Request) {
	var req characterStatusRequest
	if err := decodeJSON(w, r, &req, false); err != nil {
		h.writeError(w, r, err)
		return
	}
	character, err := h.coordinator.SetCharacterControl(r.Context(), r.PathValue("id"), coordinator.ControlUpdate{
		Active:       req.IsActive,
		AIControlled: req.IsAIControlled,
	})
	if err != nil {
		h.writeError(w, r, storeError(err, apperrors.CodeCharacterNotFound))
		return
	}
	writeJSON(w, http.StatusOK, character)
}

// storeError maps a store error onto the domain taxonomy. Missing rows become
// notFound; errors that already carry a code pass through.
func storeError(err error, notFound apperrors.Code) error {
	if errors.Is(err, storage.ErrNotFound) {
		return apperrors.Wrap(notFound, "not found", err)
	}
	if apperrors.CodeOf(err) != apperrors.CodeUnknown {
		return err
	}
	return apperrors.Wrap(apperrors.CodeStoreFailure, "store failure", err)
}

func decodeJSON(w http.ResponseWriter, r *http.Request, target any, strict bool) error {
	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxAdminBodyBytes))
	if strict {
		decoder.DisallowUnknownFields()
	}
	if err := decoder.Decode(target); err != nil {
		return invalidFrame("invalid request body")
	}
	return nil
}

func (h *handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	code := apperrors.CodeOf(err)
	status := code.HTTPStatus()
	if status >= http.StatusInternalServerError {
		h.logger.Error("admin request failed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Error(err),
		)
	}
	writeJSON(w, status, errorEnvelope{Error: wsError{
		Code:    string(code),
		Message: apperrors.Localize(i18n.ResolveTag(r), err),
	}})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
