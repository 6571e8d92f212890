package services

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/tirgus/backend/internal/models"
)

func TestConversationService_StartConversation(t *testing.T) {
	t.Run("creates a thread and stores the first message", func(t *testing.T) {
		db, mock, err := sqlmock.New()
		assert.NoError(t, err)
		defer db.Close()

		service := NewConversationService(db)

		mock.ExpectBegin()
		mock.ExpectQuery("SELECT seller_id FROM products WHERE id = \\$1").
			WithArgs("prod1").
			WillReturnRows(sqlmock.NewRows([]string{"seller_id"}).AddRow("seller1"))
		mock.ExpectQuery("SELECT id, status, created_at FROM conversations WHERE product_id = \\$1 AND buyer_id = \\$2 FOR UPDATE").
			WithArgs("prod1", "buyer1").
			WillReturnRows(sqlmock.NewRows([]string{"id", "status", "created_at"}))
		mock.ExpectExec("INSERT INTO conversations").
			WithArgs(sqlmock.AnyArg(), "prod1", "buyer1", "seller1", models.ConversationActive, sqlmock.AnyArg()).
			WillReturnResult(sqlmock.NewResult(1, 1))
		mock.ExpectQuery("INSERT INTO messages").
			WithArgs(sqlmock.AnyArg(), "buyer1", "Is this still available?", sqlmock.AnyArg()).
			WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(1))
		mock.ExpectExec("UPDATE conversations SET last_message_at = \\$1, updated_at = \\$1 WHERE id = \\$2").
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectCommit()

		body := `{"productId":"prod1","content":"Is this still available?"}`
		w := httptest.NewRecorder()
		service.StartConversation(w, authedRequest(http.MethodPost, "/conversations", body, "buyer1"))

		assert.Equal(t, http.StatusCreated, w.Code)

		var resp struct {
			Conversation models.Conversation `json:"conversation"`
			Message      models.Message      `json:"message"`
		}
		assert.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
		assert.Equal(t, "seller1", resp.Conversation.SellerID)
		assert.Equal(t, models.ConversationActive, resp.Conversation.Status)
		assert.Equal(t, "Is this still available?", resp.Message.Content)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("second enquiry lands in the existing thread", func(t *testing.T) {
		db, mock, err := sqlmock.New()
		assert.NoError(t, err)
		defer db.Close()

		service := NewConversationService(db)

		mock.ExpectBegin()
		mock.ExpectQuery("SELECT seller_id FROM products WHERE id = \\$1").
			WithArgs("prod1").
			WillReturnRows(sqlmock.NewRows([]string{"seller_id"}).AddRow("seller1"))
		mock.ExpectQuery("SELECT id, status, created_at FROM conversations WHERE product_id = \\$1 AND buyer_id = \\$2 FOR UPDATE").
			WithArgs("prod1", "buyer1").
			WillReturnRows(sqlmock.NewRows([]string{"id", "status", "created_at"}).
				AddRow("conv1", models.ConversationActive, time.Now()))
		mock.ExpectQuery("INSERT INTO messages").
			WithArgs("conv1", "buyer1", "Could you ship it?", sqlmock.AnyArg()).
			WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(2))
		mock.ExpectExec("UPDATE conversations SET last_message_at = \\$1, updated_at = \\$1 WHERE id = \\$2").
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectCommit()

		body := `{"productId":"prod1","content":"Could you ship it?"}`
		w := httptest.NewRecorder()
		service.StartConversation(w, authedRequest(http.MethodPost, "/conversations", body, "buyer1"))

		assert.Equal(t, http.StatusCreated, w.Code)

		var resp struct {
			Conversation models.Conversation `json:"conversation"`
		}
		assert.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
		assert.Equal(t, "conv1", resp.Conversation.ID)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("seller cannot message own listing", func(t *testing.T) {
		db, mock, err := sqlmock.New()
		assert.NoError(t, err)
		defer db.Close()

		service := NewConversationService(db)

		mock.ExpectBegin()
		mock.ExpectQuery("SELECT seller_id FROM products WHERE id = \\$1").
			WithArgs("prod1").
			WillReturnRows(sqlmock.NewRows([]string{"seller_id"}).AddRow("seller1"))
		mock.ExpectRollback()

		body := `{"productId":"prod1","content":"Hello me"}`
		w := httptest.NewRecorder()
		service.StartConversation(w, authedRequest(http.MethodPost, "/conversations", body, "seller1"))

		assert.Equal(t, http.StatusConflict, w.Code)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("unknown product", func(t *testing.T) {
		db, mock, err := sqlmock.New()
		assert.NoError(t, err)
		defer db.Close()

		service := NewConversationService(db)

		mock.ExpectBegin()
		mock.ExpectQuery("SELECT seller_id FROM products WHERE id = \\$1").
			WithArgs("ghost").
			WillReturnRows(sqlmock.NewRows([]string{"seller_id"}))
		mock.ExpectRollback()

		body := `{"productId":"ghost","content":"Anyone there?"}`
		w := httptest.NewRecorder()
		service.StartConversation(w, authedRequest(http.MethodPost, "/conversations", body, "buyer1"))

		assert.Equal(t, http.StatusNotFound, w.Code)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestConversationService_SendMessage(t *testing.T) {
	router := func(service *ConversationService) *chi.Mux {
		r := chi.NewRouter()
		r.Post("/conversations/{conversationId}/messages", service.SendMessage)
		return r
	}

	t.Run("seller replies in the thread", func(t *testing.T) {
		db, mock, err := sqlmock.New()
		assert.NoError(t, err)
		defer db.Close()

		service := NewConversationService(db)

		mock.ExpectBegin()
		mock.ExpectQuery("SELECT buyer_id, seller_id FROM conversations WHERE id = \\$1 FOR UPDATE").
			WithArgs("conv1").
			WillReturnRows(sqlmock.NewRows([]string{"buyer_id", "seller_id"}).AddRow("buyer1", "seller1"))
		mock.ExpectQuery("INSERT INTO messages").
			WithArgs("conv1", "seller1", "Yes, still for sale.", sqlmock.AnyArg()).
			WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(3))
		mock.ExpectExec("UPDATE conversations SET last_message_at = \\$1, updated_at = \\$1 WHERE id = \\$2").
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectCommit()

		body := `{"content":"Yes, still for sale."}`
		w := httptest.NewRecorder()
		router(service).ServeHTTP(w, authedRequest(http.MethodPost, "/conversations/conv1/messages", body, "seller1"))

		assert.Equal(t, http.StatusOK, w.Code)

		var message models.Message
		assert.NoError(t, json.Unmarshal(w.Body.Bytes(), &message))
		assert.Equal(t, "seller1", message.SenderID)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("stranger cannot post", func(t *testing.T) {
		db, mock, err := sqlmock.New()
		assert.NoError(t, err)
		defer db.Close()

		service := NewConversationService(db)

		mock.ExpectBegin()
		mock.ExpectQuery("SELECT buyer_id, seller_id FROM conversations WHERE id = \\$1 FOR UPDATE").
			WithArgs("conv1").
			WillReturnRows(sqlmock.NewRows([]string{"buyer_id", "seller_id"}).AddRow("buyer1", "seller1"))
		mock.ExpectRollback()

		body := `{"content":"Let me in"}`
		w := httptest.NewRecorder()
		router(service).ServeHTTP(w, authedRequest(http.MethodPost, "/conversations/conv1/messages", body, "intruder"))

		assert.Equal(t, http.StatusNotFound, w.Code)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("unknown conversation", func(t *testing.T) {
		db, mock, err := sqlmock.New()
		assert.NoError(t, err)
		defer db.Close()

		service := NewConversationService(db)

		mock.ExpectBegin()
		mock.ExpectQuery("SELECT buyer_id, seller_id FROM conversations WHERE id = \\$1 FOR UPDATE").
			WithArgs("ghost").
			WillReturnRows(sqlmock.NewRows([]string{"buyer_id", "seller_id"}))
		mock.ExpectRollback()

		body := `{"content":"Hello?"}`
		w := httptest.NewRecorder()
		router(service).ServeHTTP(w, authedRequest(http.MethodPost, "/conversations/ghost/messages", body, "buyer1"))

		assert.Equal(t, http.StatusNotFound, w.Code)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestConversationService_ListConversations(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	service := NewConversationService(db)
	now := time.Now()

	columns := []string{"id", "product_id", "buyer_id", "seller_id", "status",
		"last_message_at", "created_at", "updated_at", "unread_count"}

	mock.ExpectQuery("FROM conversations c WHERE c.buyer_id = \\$1 OR c.seller_id = \\$1 ORDER BY c.last_message_at DESC LIMIT \\$2").
		WithArgs("user1", 50).
		WillReturnRows(sqlmock.NewRows(columns).
			AddRow("conv2", "prod2", "user1", "seller2", models.ConversationActive, now, now, now, 2).
			AddRow("conv1", "prod1", "buyer9", "user1", models.ConversationActive, now.Add(-time.Hour), now, now, 0))

	w := httptest.NewRecorder()
	service.ListConversations(w, authedRequest(http.MethodGet, "/conversations", "", "user1"))

	assert.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Conversations []models.Conversation `json:"conversations"`
		Count         int                   `json:"count"`
	}
	assert.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, 2, resp.Count)
	assert.Equal(t, "conv2", resp.Conversations[0].ID)
	assert.Equal(t, 2, resp.Conversations[0].UnreadCount)
	assert.Equal(t, 0, resp.Conversations[1].UnreadCount)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestConversationService_GetMessages(t *testing.T) {
	router := func(service *ConversationService) *chi.Mux {
		r := chi.NewRouter()
		r.Get("/conversations/{conversationId}/messages", service.GetMessages)
		return r
	}

	t.Run("returns the thread and marks counterpart messages read", func(t *testing.T) {
		db, mock, err := sqlmock.New()
		assert.NoError(t, err)
		defer db.Close()

		service := NewConversationService(db)
		now := time.Now()

		mock.ExpectQuery("SELECT buyer_id, seller_id FROM conversations WHERE id = \\$1").
			WithArgs("conv1").
			WillReturnRows(sqlmock.NewRows([]string{"buyer_id", "seller_id"}).AddRow("buyer1", "seller1"))
		mock.ExpectQuery("SELECT id, conversation_id, sender_id, content, is_read, created_at FROM messages WHERE conversation_id = \\$1 ORDER BY created_at ASC, id ASC").
			WithArgs("conv1").
			WillReturnRows(sqlmock.NewRows([]string{"id", "conversation_id", "sender_id", "content", "is_read", "created_at"}).
				AddRow(1, "conv1", "buyer1", "Is this still available?", true, now.Add(-time.Minute)).
				AddRow(2, "conv1", "seller1", "Yes, still for sale.", false, now))
		mock.ExpectExec("UPDATE messages SET is_read = TRUE WHERE conversation_id = \\$1 AND sender_id <> \\$2 AND is_read = FALSE").
			WithArgs("conv1", "buyer1").
			WillReturnResult(sqlmock.NewResult(0, 1))

		w := httptest.NewRecorder()
		router(service).ServeHTTP(w, authedRequest(http.MethodGet, "/conversations/conv1/messages", "", "buyer1"))

		assert.Equal(t, http.StatusOK, w.Code)

		var resp struct {
			Messages []models.Message `json:"messages"`
			Count    int              `json:"count"`
		}
		assert.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
		assert.Equal(t, 2, resp.Count)
		assert.Equal(t, "buyer1", resp.Messages[0].SenderID)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("stranger cannot read the thread", func(t *testing.T) {
		db, mock, err := sqlmock.New()
		assert.NoError(t, err)
		defer db.Close()

		service := NewConversationService(db)

		mock.ExpectQuery("SELECT buyer_id, seller_id FROM conversations WHERE id = \\$1").
			WithArgs("conv1").
			WillReturnRows(sqlmock.NewRows([]string{"buyer_id", "seller_id"}).AddRow("buyer1", "seller1"))

		w := httptest.NewRecorder()
		router(service).ServeHTTP(w, authedRequest(http.MethodGet, "/conversations/conv1/messages", "", "intruder"))

		assert.Equal(t, http.StatusNotFound, w.Code)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}
