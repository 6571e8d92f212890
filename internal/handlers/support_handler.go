package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/tirgus/backend/internal/services"
)

// SupportHandler is the HTTP surface of the support chat. Voice messages are
// transcribed first and then follow the same path as typed text.
type SupportHandler struct {
	support   *services.SupportService
	voice     *services.VoiceService
	validator *services.ValidationHelper
}

type postMessageRequest struct {
	Content  string `json:"content" validate:"required,max=4000"`
	Language string `json:"language" validate:"omitempty,oneof=en lv"`
}

type voiceMessageRequest struct {
	services.VoiceMessage
	Language string `json:"language" validate:"omitempty,oneof=en lv"`
}

type adminReplyRequest struct {
	Content string `json:"content" validate:"required,max=4000"`
}

func NewSupportHandler(support *services.SupportService, voice *services.VoiceService) *SupportHandler {
	return &SupportHandler{
		support:   support,
		voice:     voice,
		validator: services.NewValidationHelper(),
	}
}

// StartSession opens a support chat session
// @Summary Start support session
// @Description Open a new support chat session for the authenticated user
// @Tags support
// @Produce json
// @Security BearerAuth
// @Success 201 {object} models.SupportSession
// @Failure 401 {object} services.ErrorResponse
// @Router /support/sessions [post]
func (h *SupportHandler) StartSession(w http.ResponseWriter, r *http.Request) {
	userID, ok := r.Context().Value("userID").(string)
	if !ok || userID == "" {
		services.SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	session, err := h.support.StartSession(r.Context(), userID)
	if err != nil {
		log.Printf("[SUPPORT] Failed to start session for %s: %v", userID, err)
		services.SendErrorResponse(w, "Failed to start session", http.StatusInternalServerError, nil)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(session)
}

// PostMessage posts a chat message and returns the automated reply
// @Summary Post chat message
// @Description Append a message to the session; the automated reply (and any escalation notice) is returned
// @Tags support
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param sessionId path string true "Session ID"
// @Param request body postMessageRequest true "Message"
// @Success 200 {object} object{messages=[]models.ChatMessage}
// @Failure 404 {object} services.ErrorResponse
// @Failure 409 {object} services.ErrorResponse
// @Router /support/sessions/{sessionId}/messages [post]
func (h *SupportHandler) PostMessage(w http.ResponseWriter, r *http.Request) {
	userID, ok := r.Context().Value("userID").(string)
	if !ok || userID == "" {
		services.SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	var req postMessageRequest
	if !h.decodeBody(w, r, &req) {
		return
	}

	sessionID := chi.URLParam(r, "sessionId")
	messages, err := h.support.PostMessage(r.Context(), sessionID, userID, req.Content, defaultLanguage(req.Language))
	if err != nil {
		h.writeSupportError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{"messages": messages})
}

// PostVoiceMessage transcribes a voice message and posts it to the session
// @Summary Post voice message
// @Description Transcribe a recorded message and append it to the session like typed text
// @Tags support
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param sessionId path string true "Session ID"
// @Param request body voiceMessageRequest true "Recorded audio"
// @Success 200 {object} object{transcript=string,messages=[]models.ChatMessage}
// @Failure 400 {object} services.ErrorResponse
// @Router /support/sessions/{sessionId}/voice [post]
func (h *SupportHandler) PostVoiceMessage(w http.ResponseWriter, r *http.Request) {
	userID, ok := r.Context().Value("userID").(string)
	if !ok || userID == "" {
		services.SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	var req voiceMessageRequest
	if !h.decodeVoiceBody(w, r, &req) {
		return
	}

	language := defaultLanguage(req.Language)
	transcript, confidence, err := h.voice.Transcribe(r.Context(), req.VoiceMessage, language)
	if err != nil {
		log.Printf("[VOICE] Transcription failed for user %s: %v", userID, err)
		services.SendErrorResponse(w, "Failed to transcribe audio", http.StatusBadRequest, nil)
		return
	}
	log.Printf("[VOICE] Transcribed message for user %s, confidence: %.2f", userID, confidence)

	sessionID := chi.URLParam(r, "sessionId")
	messages, err := h.support.PostMessage(r.Context(), sessionID, userID, transcript, language)
	if err != nil {
		h.writeSupportError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"transcript": transcript,
		"messages":   messages,
	})
}

// Escalate requests human takeover
// @Summary Escalate session
// @Description Escalate the session to the support team; a ticket is created and an agent is notified
// @Tags support
// @Produce json
// @Security BearerAuth
// @Param sessionId path string true "Session ID"
// @Success 200 {object} models.SupportTicket
// @Failure 404 {object} services.ErrorResponse
// @Failure 409 {object} services.ErrorResponse
// @Router /support/sessions/{sessionId}/escalate [post]
func (h *SupportHandler) Escalate(w http.ResponseWriter, r *http.Request) {
	userID, ok := r.Context().Value("userID").(string)
	if !ok || userID == "" {
		services.SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	sessionID := chi.URLParam(r, "sessionId")
	ticket, err := h.support.Escalate(r.Context(), sessionID, userID)
	if err != nil {
		h.writeSupportError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(ticket)
}

// GetSession returns a single session
// @Summary Get session
// @Description Retrieve a support session; non-admins can only see their own
// @Tags support
// @Produce json
// @Security BearerAuth
// @Param sessionId path string true "Session ID"
// @Success 200 {object} models.SupportSession
// @Failure 404 {object} services.ErrorResponse
// @Router /support/sessions/{sessionId} [get]
func (h *SupportHandler) GetSession(w http.ResponseWriter, r *http.Request) {
	userID, ok := r.Context().Value("userID").(string)
	if !ok || userID == "" {
		services.SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	sessionID := chi.URLParam(r, "sessionId")
	session, err := h.support.GetSession(r.Context(), sessionID, userID, isAdmin(r))
	if err != nil {
		h.writeSupportError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(session)
}

// GetMessages returns the session transcript
// @Summary Get session messages
// @Description Retrieve the session transcript in chronological order
// @Tags support
// @Produce json
// @Security BearerAuth
// @Param sessionId path string true "Session ID"
// @Success 200 {object} object{messages=[]models.ChatMessage}
// @Failure 404 {object} services.ErrorResponse
// @Router /support/sessions/{sessionId}/messages [get]
func (h *SupportHandler) GetMessages(w http.ResponseWriter, r *http.Request) {
	userID, ok := r.Context().Value("userID").(string)
	if !ok || userID == "" {
		services.SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	sessionID := chi.URLParam(r, "sessionId")
	messages, err := h.support.GetMessages(r.Context(), sessionID, userID, isAdmin(r))
	if err != nil {
		h.writeSupportError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{"messages": messages})
}

// CloseSession closes a support session
// @Summary Close session
// @Description Close the session; closed sessions reject further messages
// @Tags support
// @Produce json
// @Security BearerAuth
// @Param sessionId path string true "Session ID"
// @Success 200 {object} object{success=bool}
// @Failure 404 {object} services.ErrorResponse
// @Router /support/sessions/{sessionId}/close [post]
func (h *SupportHandler) CloseSession(w http.ResponseWriter, r *http.Request) {
	userID, ok := r.Context().Value("userID").(string)
	if !ok || userID == "" {
		services.SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	sessionID := chi.URLParam(r, "sessionId")
	if err := h.support.CloseSession(r.Context(), sessionID, userID, isAdmin(r)); err != nil {
		h.writeSupportError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{"success": true})
}

// ListSessions returns sessions for the admin dashboard
// @Summary List support sessions
// @Description Retrieve support sessions, optionally filtered by status (admin only)
// @Tags support
// @Produce json
// @Security BearerAuth
// @Param status query string false "Filter by status (active, escalated, closed)"
// @Param limit query int false "Page size (default 50, max 100)"
// @Success 200 {object} object{sessions=[]models.SupportSession,count=int}
// @Failure 403 {object} services.ErrorResponse
// @Router /admin/support/sessions [get]
func (h *SupportHandler) ListSessions(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	sessions, err := h.support.ListSessions(r.Context(), r.URL.Query().Get("status"), limit)
	if err != nil {
		log.Printf("[SUPPORT] Failed to list sessions: %v", err)
		services.SendErrorResponse(w, "Failed to fetch sessions", http.StatusInternalServerError, nil)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"sessions": sessions,
		"count":    len(sessions),
	})
}

// AdminReply posts an admin reply, taking the session over on first contact
// @Summary Reply as admin
// @Description Post an admin reply; the first reply assigns the session to the admin
// @Tags support
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param sessionId path string true "Session ID"
// @Param request body adminReplyRequest true "Reply"
// @Success 200 {object} models.ChatMessage
// @Failure 404 {object} services.ErrorResponse
// @Failure 409 {object} services.ErrorResponse
// @Router /admin/support/sessions/{sessionId}/reply [post]
func (h *SupportHandler) AdminReply(w http.ResponseWriter, r *http.Request) {
	adminID, ok := r.Context().Value("userID").(string)
	if !ok || adminID == "" {
		services.SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	var req adminReplyRequest
	if !h.decodeBody(w, r, &req) {
		return
	}

	sessionID := chi.URLParam(r, "sessionId")
	msg, err := h.support.AdminReply(r.Context(), sessionID, adminID, req.Content)
	if err != nil {
		h.writeSupportError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(msg)
}

func (h *SupportHandler) decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, 1_048_576)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()

	if err := dec.Decode(dst); err != nil {
		services.SendErrorResponse(w, "Invalid request body", http.StatusBadRequest, nil)
		return false
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		services.SendErrorResponse(w, "Request body must only contain a single JSON object", http.StatusBadRequest, nil)
		return false
	}
	if err := h.validator.ValidateStruct(dst); err != nil {
		services.SendErrorResponse(w, "Validation failed", http.StatusBadRequest, err)
		return false
	}
	return true
}

// Voice uploads carry base64 audio; allow a larger body than text messages.
func (h *SupportHandler) decodeVoiceBody(w http.ResponseWriter, r *http.Request, dst *voiceMessageRequest) bool {
	r.Body = http.MaxBytesReader(w, r.Body, 10*1024*1024)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()

	if err := dec.Decode(dst); err != nil {
		services.SendErrorResponse(w, "Invalid request body", http.StatusBadRequest, nil)
		return false
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		services.SendErrorResponse(w, "Request body must only contain a single JSON object", http.StatusBadRequest, nil)
		return false
	}
	if err := h.validator.ValidateStruct(dst); err != nil {
		services.SendErrorResponse(w, "Validation failed", http.StatusBadRequest, err)
		return false
	}
	return true
}

func (h *SupportHandler) writeSupportError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, services.ErrSessionNotFound):
		services.SendErrorResponse(w, err.Error(), http.StatusNotFound, nil)
	case errors.Is(err, services.ErrSessionClosed), errors.Is(err, services.ErrSessionAssigned):
		services.SendErrorResponse(w, err.Error(), http.StatusConflict, nil)
	case errors.Is(err, services.ErrEscalationFailed):
		services.SendErrorResponse(w, err.Error(), http.StatusInternalServerError, nil)
	default:
		services.SendErrorResponse(w, "Failed to process request", http.StatusInternalServerError, nil)
	}
}

func defaultLanguage(language string) string {
	if language == "" {
		return "en"
	}
	return language
}

func isAdmin(r *http.Request) bool {
	role, _ := r.Context().Value("userRole").(string)
	return role == "admin"
}
