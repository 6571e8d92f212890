package services

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/tirgus/backend/internal/models"
)

// ConversationService is the buyer-seller messaging surface. Each product a
// buyer enquires about gets its own thread; messages are append-only and
// marked read when the counterpart opens the thread.
type ConversationService struct {
	db        *sql.DB
	validator *ValidationHelper
}

type StartConversationRequest struct {
	ProductID string `json:"productId" validate:"required"`
	Content   string `json:"content" validate:"required,max=4000"`
}

type ConversationMessageRequest struct {
	Content string `json:"content" validate:"required,max=4000"`
}

func NewConversationService(db *sql.DB) *ConversationService {
	return &ConversationService{
		db:        db,
		validator: NewValidationHelper(),
	}
}

// StartConversation opens a thread with a product's seller
// @Summary Message a seller
// @Description Start (or continue) the caller's thread about a product and post the first message
// @Tags messages
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param request body StartConversationRequest true "Product and message"
// @Success 201 {object} object{conversation=models.Conversation,message=models.Message}
// @Failure 404 {object} ErrorResponse
// @Failure 409 {object} ErrorResponse
// @Router /conversations [post]
func (s *ConversationService) StartConversation(w http.ResponseWriter, r *http.Request) {
	buyerID, ok := r.Context().Value("userID").(string)
	if !ok || buyerID == "" {
		SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, 1_048_576)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()

	var req StartConversationRequest
	if err := dec.Decode(&req); err != nil {
		SendErrorResponse(w, "Invalid request body", http.StatusBadRequest, nil)
		return
	}

	if err := dec.Decode(&struct{}{}); err != io.EOF {
		SendErrorResponse(w, "Request body must only contain a single JSON object", http.StatusBadRequest, nil)
		return
	}

	if err := s.validator.ValidateStruct(&req); err != nil {
		SendErrorResponse(w, "Validation failed", http.StatusBadRequest, err)
		return
	}

	conversation, message, err := s.startConversation(r.Context(), buyerID, req.ProductID, req.Content)
	if err != nil {
		log.Printf("[MESSAGES] Starting thread on product %s by %s failed: %v", req.ProductID, buyerID, err)
		writeConversationError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(map[string]any{
		"conversation": conversation,
		"message":      message,
	})
}

// SendMessage posts into an existing thread
// @Summary Send a message
// @Description Post a message into a conversation the caller participates in
// @Tags messages
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param conversationId path string true "Conversation ID"
// @Param request body ConversationMessageRequest true "Message"
// @Success 200 {object} models.Message
// @Failure 404 {object} ErrorResponse
// @Router /conversations/{conversationId}/messages [post]
func (s *ConversationService) SendMessage(w http.ResponseWriter, r *http.Request) {
	senderID, ok := r.Context().Value("userID").(string)
	if !ok || senderID == "" {
		SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, 1_048_576)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()

	var req ConversationMessageRequest
	if err := dec.Decode(&req); err != nil {
		SendErrorResponse(w, "Invalid request body", http.StatusBadRequest, nil)
		return
	}

	if err := dec.Decode(&struct{}{}); err != io.EOF {
		SendErrorResponse(w, "Request body must only contain a single JSON object", http.StatusBadRequest, nil)
		return
	}

	if err := s.validator.ValidateStruct(&req); err != nil {
		SendErrorResponse(w, "Validation failed", http.StatusBadRequest, err)
		return
	}

	conversationID := chi.URLParam(r, "conversationId")
	message, err := s.sendMessage(r.Context(), conversationID, senderID, req.Content)
	if err != nil {
		log.Printf("[MESSAGES] Posting to thread %s by %s failed: %v", conversationID, senderID, err)
		writeConversationError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(message)
}

// ListConversations returns the caller's threads
// @Summary List conversations
// @Description Retrieve the caller's conversations, most recent activity first, with unread counts
// @Tags messages
// @Produce json
// @Security BearerAuth
// @Param limit query int false "Page size (default 50, max 100)"
// @Success 200 {object} object{conversations=[]models.Conversation,count=int}
// @Router /conversations [get]
func (s *ConversationService) ListConversations(w http.ResponseWriter, r *http.Request) {
	userID, ok := r.Context().Value("userID").(string)
	if !ok || userID == "" {
		SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	limit := 50
	if l, err := strconv.Atoi(r.URL.Query().Get("limit")); err == nil && l > 0 && l <= 100 {
		limit = l
	}

	rows, err := s.db.QueryContext(r.Context(), `
		SELECT c.id, c.product_id, c.buyer_id, c.seller_id, c.status,
		       c.last_message_at, c.created_at, c.updated_at,
		       (SELECT COUNT(*) FROM messages m
		        WHERE m.conversation_id = c.id AND m.sender_id <> $1 AND m.is_read = FALSE) AS unread_count
		FROM conversations c
		WHERE c.buyer_id = $1 OR c.seller_id = $1
		ORDER BY c.last_message_at DESC
		LIMIT $2`, userID, limit)
	if err != nil {
		log.Printf("[MESSAGES] Thread listing failed for %s: %v", userID, err)
		SendErrorResponse(w, "Failed to fetch conversations", http.StatusInternalServerError, nil)
		return
	}
	defer rows.Close()

	conversations := []models.Conversation{}
	for rows.Next() {
		var c models.Conversation
		if err := rows.Scan(&c.ID, &c.ProductID, &c.BuyerID, &c.SellerID, &c.Status,
			&c.LastMessageAt, &c.CreatedAt, &c.UpdatedAt, &c.UnreadCount); err != nil {
			SendErrorResponse(w, "Failed to fetch conversations", http.StatusInternalServerError, nil)
			return
		}
		conversations = append(conversations, c)
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"conversations": conversations,
		"count":         len(conversations),
	})
}

// GetMessages returns a thread's messages
// @Summary Get conversation messages
// @Description Retrieve a conversation's messages oldest first; the counterpart's messages are marked read
// @Tags messages
// @Produce json
// @Security BearerAuth
// @Param conversationId path string true "Conversation ID"
// @Success 200 {object} object{messages=[]models.Message,count=int}
// @Failure 404 {object} ErrorResponse
// @Router /conversations/{conversationId}/messages [get]
func (s *ConversationService) GetMessages(w http.ResponseWriter, r *http.Request) {
	userID, ok := r.Context().Value("userID").(string)
	if !ok || userID == "" {
		SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	conversationID := chi.URLParam(r, "conversationId")
	if err := s.checkParticipant(r.Context(), conversationID, userID); err != nil {
		writeConversationError(w, err)
		return
	}

	rows, err := s.db.QueryContext(r.Context(), `
		SELECT id, conversation_id, sender_id, content, is_read, created_at
		FROM messages
		WHERE conversation_id = $1
		ORDER BY created_at ASC, id ASC`, conversationID)
	if err != nil {
		log.Printf("[MESSAGES] Message fetch failed for thread %s: %v", conversationID, err)
		SendErrorResponse(w, "Failed to fetch messages", http.StatusInternalServerError, nil)
		return
	}
	defer rows.Close()

	messages := []models.Message{}
	for rows.Next() {
		var m models.Message
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.SenderID, &m.Content, &m.IsRead, &m.CreatedAt); err != nil {
			SendErrorResponse(w, "Failed to fetch messages", http.StatusInternalServerError, nil)
			return
		}
		messages = append(messages, m)
	}

	// Opening the thread counts as reading the counterpart's messages.
	if _, err := s.db.ExecContext(r.Context(), `
		UPDATE messages SET is_read = TRUE
		WHERE conversation_id = $1 AND sender_id <> $2 AND is_read = FALSE`,
		conversationID, userID); err != nil {
		log.Printf("[MESSAGES] Marking thread %s read failed: %v", conversationID, err)
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"messages": messages,
		"count":    len(messages),
	})
}

func (s *ConversationService) startConversation(ctx context.Context, buyerID, productID, content string) (*models.Conversation, *models.Message, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, nil, err
	}
	defer tx.Rollback()

	var sellerID string
	err = tx.QueryRow(`SELECT seller_id FROM products WHERE id = $1`, productID).Scan(&sellerID)
	if err == sql.ErrNoRows {
		return nil, nil, ErrProductNotFound
	}
	if err != nil {
		return nil, nil, err
	}
	if sellerID == buyerID {
		return nil, nil, ErrSelfConversation
	}

	now := time.Now()
	conversation := &models.Conversation{
		ProductID:     productID,
		BuyerID:       buyerID,
		SellerID:      sellerID,
		LastMessageAt: now,
		UpdatedAt:     now,
	}

	// One thread per (product, buyer); a second enquiry lands in the same one.
	err = tx.QueryRow(`
		SELECT id, status, created_at FROM conversations
		WHERE product_id = $1 AND buyer_id = $2
		FOR UPDATE`, productID, buyerID).Scan(&conversation.ID, &conversation.Status, &conversation.CreatedAt)
	switch {
	case err == sql.ErrNoRows:
		conversation.ID = uuid.New().String()
		conversation.Status = models.ConversationActive
		conversation.CreatedAt = now
		if _, err := tx.Exec(`
			INSERT INTO conversations (id, product_id, buyer_id, seller_id, status, last_message_at, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $6, $6)`,
			conversation.ID, productID, buyerID, sellerID, conversation.Status, now); err != nil {
			return nil, nil, err
		}
	case err != nil:
		return nil, nil, err
	}

	message, err := insertThreadMessage(tx, conversation.ID, buyerID, content, now)
	if err != nil {
		return nil, nil, err
	}

	if _, err := tx.Exec(`
		UPDATE conversations SET last_message_at = $1, updated_at = $1 WHERE id = $2`,
		now, conversation.ID); err != nil {
		return nil, nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, nil, err
	}
	return conversation, message, nil
}

func (s *ConversationService) sendMessage(ctx context.Context, conversationID, senderID, content string) (*models.Message, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	var buyerID, sellerID string
	err = tx.QueryRow(`
		SELECT buyer_id, seller_id FROM conversations
		WHERE id = $1
		FOR UPDATE`, conversationID).Scan(&buyerID, &sellerID)
	if err == sql.ErrNoRows {
		return nil, ErrConversationNotFound
	}
	if err != nil {
		return nil, err
	}
	// Outsiders get the same answer as a missing thread.
	if senderID != buyerID && senderID != sellerID {
		return nil, ErrConversationNotFound
	}

	now := time.Now()
	message, err := insertThreadMessage(tx, conversationID, senderID, content, now)
	if err != nil {
		return nil, err
	}

	if _, err := tx.Exec(`
		UPDATE conversations SET last_message_at = $1, updated_at = $1 WHERE id = $2`,
		now, conversationID); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return message, nil
}

func (s *ConversationService) checkParticipant(ctx context.Context, conversationID, userID string) error {
	var buyerID, sellerID string
	err := s.db.QueryRowContext(ctx, `
		SELECT buyer_id, seller_id FROM conversations WHERE id = $1`,
		conversationID).Scan(&buyerID, &sellerID)
	if err == sql.ErrNoRows {
		return ErrConversationNotFound
	}
	if err != nil {
		return err
	}
	if userID != buyerID && userID != sellerID {
		return ErrConversationNotFound
	}
	return nil
}

func insertThreadMessage(tx *sql.Tx, conversationID, senderID, content string, now time.Time) (*models.Message, error) {
	message := &models.Message{
		ConversationID: conversationID,
		SenderID:       senderID,
		Content:        content,
		CreatedAt:      now,
	}
	err := tx.QueryRow(`
		INSERT INTO messages (conversation_id, sender_id, content, message_type, is_read, created_at)
		VALUES ($1, $2, $3, 'text', FALSE, $4)
		RETURNING id`,
		conversationID, senderID, content, now).Scan(&message.ID)
	if err != nil {
		return nil, err
	}
	return message, nil
}

func writeConversationError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrConversationNotFound), errors.Is(err, ErrProductNotFound):
		SendErrorResponse(w, err.Error(), http.StatusNotFound, nil)
	case errors.Is(err, ErrSelfConversation):
		SendErrorResponse(w, err.Error(), http.StatusConflict, nil)
	default:
		SendErrorResponse(w, "Failed to process request", http.StatusInternalServerError, nil)
	}
}
