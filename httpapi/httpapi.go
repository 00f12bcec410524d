// Package httpapi provides the HTTP boundary for Headstart. It validates
// input and delegates all business logic to the engine.
package httpapi

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/an-siuu-man/headstart/engine"
	"github.com/an-siuu-man/headstart/model"
	"github.com/an-siuu-man/headstart/runtime"
	"github.com/an-siuu-man/headstart/store"
	"github.com/an-siuu-man/headstart/upstream"
)

// maxChatChars is the follow-up message length ceiling.
const maxChatChars = 8000

// Handler provides the HTTP API for Headstart.
type Handler struct {
	engine *engine.Engine
	router chi.Router
}

// New creates a new HTTP API handler.
func New(eng *engine.Engine) *Handler {
	h := &Handler{engine: eng}
	h.router = h.buildRouter()
	return h
}

// Router returns the HTTP router.
func (h *Handler) Router() chi.Router {
	return h.router
}

func (h *Handler) buildRouter() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	r.Route("/api", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(30 * time.Second))
			r.Post("/sessions", h.handleCreateSession)
			r.Get("/sessions", h.handleListSessions)
			r.Get("/sessions/{id}", h.handleGetSession)
			r.Get("/sessions/{id}/messages", h.handleGetMessages)
			r.Post("/sessions/{id}/messages", h.handleSendMessage)
		})
		r.Get("/sessions/{id}/events", h.handleSessionEvents)
		r.Get("/sessions/{id}/ws", h.handleSessionWS)
	})

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	})

	return r
}

// --- Request/Response types ---

type createSessionRequest struct {
	UserID         string                  `json:"userId"`
	AssignmentUUID string                  `json:"assignmentUuid,omitempty"`
	Payload        model.AssignmentPayload `json:"payload"`
	PDFText        string                  `json:"pdfText,omitempty"`
	PDFFiles       []upstream.PDFFile      `json:"pdfFiles,omitempty"`
}

type sendMessageRequest struct {
	UserID  string `json:"userId"`
	Content string `json:"content"`
}

type sendMessageResponse struct {
	MessageID    int64  `json:"message_id"`
	MessageIndex int    `json:"message_index"`
	SessionID    string `json:"session_id"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// --- Handlers ---

func (h *Handler) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, 32<<20)
	var req createSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	req.UserID = strings.TrimSpace(req.UserID)
	if req.UserID == "" {
		writeError(w, http.StatusBadRequest, "userId is required")
		return
	}
	if strings.TrimSpace(req.Payload.Title) == "" {
		writeError(w, http.StatusBadRequest, "payload.title is required")
		return
	}

	sess, err := h.engine.CreateSession(req.UserID, req.AssignmentUUID, req.Payload, req.PDFText, req.PDFFiles)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to create session")
		log.Printf("Error creating session: %v", err)
		return
	}
	writeJSON(w, http.StatusCreated, h.mergedView(sess))
}

func (h *Handler) handleListSessions(w http.ResponseWriter, r *http.Request) {
	sessions, err := h.engine.Store().ListSessions()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list sessions")
		log.Printf("Error listing sessions: %v", err)
		return
	}
	if sessions == nil {
		sessions = []*model.Session{}
	}
	writeJSON(w, http.StatusOK, sessions)
}

func (h *Handler) handleGetSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	sess, err := h.engine.Store().GetSession(id)
	if err != nil {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	writeJSON(w, http.StatusOK, h.mergedView(sess))
}

func (h *Handler) handleGetMessages(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := h.engine.Store().GetSession(id); err != nil {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	msgs, err := h.engine.Store().GetMessages(id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to get messages")
		return
	}
	if msgs == nil {
		msgs = []*model.ChatMessage{}
	}
	writeJSON(w, http.StatusOK, msgs)
}

func (h *Handler) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	var req sendMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	req.UserID = strings.TrimSpace(req.UserID)
	req.Content = strings.TrimSpace(req.Content)
	if req.UserID == "" {
		writeError(w, http.StatusBadRequest, "userId is required")
		return
	}
	if req.Content == "" {
		writeError(w, http.StatusBadRequest, "content is required")
		return
	}
	if len([]rune(req.Content)) > maxChatChars {
		writeError(w, http.StatusBadRequest, "content exceeds 8000 characters")
		return
	}

	sess, err := h.engine.Store().GetSession(id)
	if err != nil {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	if sess.UserID != req.UserID {
		writeError(w, http.StatusForbidden, "session belongs to another user")
		return
	}

	msg, err := h.engine.SendChatMessage(id, req.Content)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "session not found")
			return
		}
		writeError(w, http.StatusConflict, err.Error())
		return
	}

	writeJSON(w, http.StatusAccepted, sendMessageResponse{
		MessageID:    msg.ID,
		MessageIndex: msg.MessageIndex,
		SessionID:    id,
	})
}

// mergedView builds the externally visible DTO for a persisted session.
func (h *Handler) mergedView(sess *model.Session) *model.SessionView {
	msgs, err := h.engine.Store().GetMessages(sess.ID)
	if err != nil {
		log.Printf("loading messages for session %s: %v", sess.ID, err)
	}
	var st *runtime.State
	if rs, ok := h.engine.Runtime().Get(sess.ID); ok {
		st = &rs
	}
	return runtime.MergeView(sess, msgs, st)
}

// --- Helpers ---

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("writeJSON encode error: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}
