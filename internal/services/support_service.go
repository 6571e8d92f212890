package services

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/tirgus/backend/internal/audit"
	"github.com/tirgus/backend/internal/models"
)

// Queue consumed by the admin notification worker.
const escalationQueue = "support:escalations"

// SupportService runs the support chat state machine: active -> escalated ->
// closed. Escalation creates a ticket in the same transaction that flips the
// session status, so the two can never diverge.
type SupportService struct {
	db        *sql.DB
	redis     *redis.Client
	responder Responder
	audit     *audit.Logger
}

type escalationNotice struct {
	SessionID string    `json:"session_id"`
	TicketID  string    `json:"ticket_id"`
	UserID    string    `json:"user_id"`
	Trigger   string    `json:"trigger"`
	Timestamp time.Time `json:"timestamp"`
}

func NewSupportService(db *sql.DB, redisClient *redis.Client, responder Responder) *SupportService {
	return &SupportService{
		db:        db,
		redis:     redisClient,
		responder: responder,
		audit:     audit.NewLogger(),
	}
}

// StartSession opens a new active chat session for the user.
func (s *SupportService) StartSession(ctx context.Context, userID string) (*models.SupportSession, error) {
	session := &models.SupportSession{
		ID:        uuid.New().String(),
		UserID:    userID,
		Status:    models.SessionActive,
		CreatedAt: time.Now(),
		UpdatedAt: time.Now(),
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO support_sessions (id, user_id, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5)`,
		session.ID, session.UserID, session.Status, session.CreatedAt, session.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}

	log.Printf("[SUPPORT] Session %s started for user %s", session.ID, userID)
	return session, nil
}

// PostMessage appends a user message and the automated reply. When the
// responder flags the message, the session is escalated in the same
// transaction; a failed ticket insert rolls everything back and the session
// stays active.
func (s *SupportService) PostMessage(ctx context.Context, sessionID, userID, content, language string) ([]models.ChatMessage, error) {
	session, err := s.getSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if session.UserID != userID {
		return nil, ErrSessionNotFound
	}
	if session.Status == models.SessionClosed {
		return nil, ErrSessionClosed
	}

	// The responder may call out to a remote model; keep it outside the
	// transaction so the session row is not locked for the duration.
	reply, needsEscalation, err := s.responder.Respond(ctx, content, language)
	if err != nil {
		return nil, fmt.Errorf("responder failed: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	locked, err := s.lockSession(ctx, tx, sessionID)
	if err != nil {
		return nil, err
	}
	if locked.Status == models.SessionClosed {
		return nil, ErrSessionClosed
	}

	now := time.Now()
	messages := []models.ChatMessage{
		{SessionID: sessionID, SenderType: models.SenderUser, MessageType: models.MessageText, Content: content, CreatedAt: now},
		{SessionID: sessionID, SenderType: models.SenderBot, MessageType: models.MessageText, Content: reply, CreatedAt: now},
	}

	var ticket *models.SupportTicket
	var notice *escalationNotice
	if needsEscalation && locked.Status == models.SessionActive {
		ticket, err = s.escalateInTx(ctx, tx, locked, "keyword")
		if err != nil {
			return nil, ErrEscalationFailed
		}
		messages = append(messages, models.ChatMessage{
			SessionID:   sessionID,
			SenderType:  models.SenderBot,
			MessageType: models.MessageEscalation,
			Content:     "Your conversation has been escalated to our support team. An agent will join shortly.",
			CreatedAt:   now,
		})
		notice = &escalationNotice{
			SessionID: sessionID,
			TicketID:  ticket.ID,
			UserID:    locked.UserID,
			Trigger:   "keyword",
			Timestamp: now,
		}
	}

	for i := range messages {
		if err := s.insertMessage(ctx, tx, &messages[i]); err != nil {
			if notice != nil {
				return nil, ErrEscalationFailed
			}
			return nil, fmt.Errorf("failed to store message: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		if notice != nil {
			return nil, ErrEscalationFailed
		}
		return nil, fmt.Errorf("failed to commit: %w", err)
	}

	if notice != nil {
		s.audit.LogEscalation(sessionID, locked.UserID, "keyword")
		s.publishEscalation(ctx, notice)
	}

	return messages, nil
}

// Escalate flags the session for human takeover on explicit user request.
// Escalating an already escalated session returns the existing open ticket.
func (s *SupportService) Escalate(ctx context.Context, sessionID, userID string) (*models.SupportTicket, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	session, err := s.lockSession(ctx, tx, sessionID)
	if err != nil {
		return nil, err
	}
	if session.UserID != userID {
		return nil, ErrSessionNotFound
	}
	if session.Status == models.SessionClosed {
		return nil, ErrSessionClosed
	}
	if session.Status == models.SessionEscalated {
		return s.findOpenTicket(ctx, sessionID)
	}

	ticket, err := s.escalateInTx(ctx, tx, session, "manual")
	if err != nil {
		return nil, ErrEscalationFailed
	}

	msg := models.ChatMessage{
		SessionID:   sessionID,
		SenderType:  models.SenderBot,
		MessageType: models.MessageEscalation,
		Content:     "Your conversation has been escalated to our support team. An agent will join shortly.",
		CreatedAt:   time.Now(),
	}
	if err := s.insertMessage(ctx, tx, &msg); err != nil {
		return nil, ErrEscalationFailed
	}

	if err := tx.Commit(); err != nil {
		return nil, ErrEscalationFailed
	}

	s.audit.LogEscalation(sessionID, userID, "manual")
	s.publishEscalation(ctx, &escalationNotice{
		SessionID: sessionID,
		TicketID:  ticket.ID,
		UserID:    userID,
		Trigger:   "manual",
		Timestamp: time.Now(),
	})

	return ticket, nil
}

// AdminReply posts an admin message. The first reply takes the session over,
// setting admin_id and admin_joined_at together; later replies from a
// different admin are rejected.
func (s *SupportService) AdminReply(ctx context.Context, sessionID, adminID, content string) (*models.ChatMessage, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	session, err := s.lockSession(ctx, tx, sessionID)
	if err != nil {
		return nil, err
	}
	if session.Status == models.SessionClosed {
		return nil, ErrSessionClosed
	}

	now := time.Now()
	if session.AdminID == nil {
		_, err := tx.ExecContext(ctx, `
			UPDATE support_sessions
			SET admin_id = $1, admin_joined_at = $2, updated_at = $2
			WHERE id = $3`, adminID, now, sessionID)
		if err != nil {
			return nil, fmt.Errorf("failed to assign admin: %w", err)
		}

		joined := models.ChatMessage{
			SessionID:   sessionID,
			SenderType:  models.SenderAdmin,
			MessageType: models.MessageSystem,
			Content:     "A support agent has joined the conversation.",
			CreatedAt:   now,
		}
		if err := s.insertMessage(ctx, tx, &joined); err != nil {
			return nil, fmt.Errorf("failed to store message: %w", err)
		}
	} else if *session.AdminID != adminID {
		return nil, ErrSessionAssigned
	}

	msg := models.ChatMessage{
		SessionID:   sessionID,
		SenderType:  models.SenderAdmin,
		MessageType: models.MessageText,
		Content:     content,
		CreatedAt:   now,
	}
	if err := s.insertMessage(ctx, tx, &msg); err != nil {
		return nil, fmt.Errorf("failed to store message: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit: %w", err)
	}

	log.Printf("[SUPPORT] Admin %s replied in session %s", adminID, sessionID)
	return &msg, nil
}

// CloseSession transitions the session to closed. Closing an already closed
// session is a no-op. Non-admin callers can only close their own sessions.
func (s *SupportService) CloseSession(ctx context.Context, sessionID, actorID string, isAdmin bool) error {
	session, err := s.getSession(ctx, sessionID)
	if err != nil {
		return err
	}
	if !isAdmin && session.UserID != actorID {
		return ErrSessionNotFound
	}
	if session.Status == models.SessionClosed {
		return nil
	}

	_, err = s.db.ExecContext(ctx, `
		UPDATE support_sessions SET status = $1, updated_at = $2
		WHERE id = $3 AND status <> $1`,
		models.SessionClosed, time.Now(), sessionID)
	if err != nil {
		return fmt.Errorf("failed to close session: %w", err)
	}

	log.Printf("[SUPPORT] Session %s closed by %s", sessionID, actorID)
	return nil
}

// GetMessages returns the session transcript in chronological order.
func (s *SupportService) GetMessages(ctx context.Context, sessionID, actorID string, isAdmin bool) ([]models.ChatMessage, error) {
	session, err := s.getSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if !isAdmin && session.UserID != actorID {
		return nil, ErrSessionNotFound
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session_id, sender_type, message_type, content, created_at
		FROM chat_messages WHERE session_id = $1
		ORDER BY created_at ASC, id ASC`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch messages: %w", err)
	}
	defer rows.Close()

	messages := []models.ChatMessage{}
	for rows.Next() {
		var m models.ChatMessage
		if err := rows.Scan(&m.ID, &m.SessionID, &m.SenderType, &m.MessageType, &m.Content, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		messages = append(messages, m)
	}
	return messages, rows.Err()
}

// ListSessions returns sessions for the admin dashboard, optionally filtered
// by status, newest activity first.
func (s *SupportService) ListSessions(ctx context.Context, status string, limit int) ([]models.SupportSession, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}

	query := `
		SELECT id, user_id, admin_id, status, admin_joined_at, created_at, updated_at
		FROM support_sessions`
	args := []any{}
	if status != "" {
		query += " WHERE status = $1"
		args = append(args, status)
	}
	query += fmt.Sprintf(" ORDER BY updated_at DESC LIMIT $%d", len(args)+1)
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch sessions: %w", err)
	}
	defer rows.Close()

	sessions := []models.SupportSession{}
	for rows.Next() {
		session, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, *session)
	}
	return sessions, rows.Err()
}

// GetSession returns one session, enforcing ownership for non-admins.
func (s *SupportService) GetSession(ctx context.Context, sessionID, actorID string, isAdmin bool) (*models.SupportSession, error) {
	session, err := s.getSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if !isAdmin && session.UserID != actorID {
		return nil, ErrSessionNotFound
	}
	return session, nil
}

// escalateInTx flips the session to escalated and creates the ticket. Both
// writes share the caller's transaction.
func (s *SupportService) escalateInTx(ctx context.Context, tx *sql.Tx, session *models.SupportSession, trigger string) (*models.SupportTicket, error) {
	now := time.Now()
	_, err := tx.ExecContext(ctx, `
		UPDATE support_sessions SET status = $1, updated_at = $2 WHERE id = $3`,
		models.SessionEscalated, now, session.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to escalate session: %w", err)
	}

	ticket := &models.SupportTicket{
		ID:        uuid.New().String(),
		UserID:    session.UserID,
		SessionID: session.ID,
		Title:     fmt.Sprintf("Support chat escalation (%s)", trigger),
		Status:    models.TicketOpen,
		Priority:  "medium",
		CreatedAt: now,
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO support_tickets (id, user_id, session_id, title, status, priority, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		ticket.ID, ticket.UserID, ticket.SessionID, ticket.Title, ticket.Status, ticket.Priority, ticket.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to create ticket: %w", err)
	}

	log.Printf("[SUPPORT] Session %s escalated (trigger=%s), ticket %s", session.ID, trigger, ticket.ID)
	return ticket, nil
}

// publishEscalation notifies the admin queue. Redis being down must not fail
// the escalation itself; the ticket is already durable.
func (s *SupportService) publishEscalation(ctx context.Context, notice *escalationNotice) {
	if s.redis == nil {
		return
	}
	data, err := json.Marshal(notice)
	if err != nil {
		return
	}
	if err := s.redis.RPush(ctx, escalationQueue, string(data)).Err(); err != nil {
		log.Printf("[SUPPORT] Failed to queue escalation notice for session %s: %v", notice.SessionID, err)
	}
}

func (s *SupportService) insertMessage(ctx context.Context, tx *sql.Tx, msg *models.ChatMessage) error {
	return tx.QueryRowContext(ctx, `
		INSERT INTO chat_messages (session_id, sender_type, message_type, content, created_at)
		VALUES ($1, $2, $3, $4, $5) RETURNING id`,
		msg.SessionID, msg.SenderType, msg.MessageType, msg.Content, msg.CreatedAt).Scan(&msg.ID)
}

func (s *SupportService) getSession(ctx context.Context, sessionID string) (*models.SupportSession, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, user_id, admin_id, status, admin_joined_at, created_at, updated_at
		FROM support_sessions WHERE id = $1`, sessionID)
	return scanSessionRow(row)
}

func (s *SupportService) lockSession(ctx context.Context, tx *sql.Tx, sessionID string) (*models.SupportSession, error) {
	row := tx.QueryRowContext(ctx, `
		SELECT id, user_id, admin_id, status, admin_joined_at, created_at, updated_at
		FROM support_sessions WHERE id = $1 FOR UPDATE`, sessionID)
	return scanSessionRow(row)
}

func (s *SupportService) findOpenTicket(ctx context.Context, sessionID string) (*models.SupportTicket, error) {
	var t models.SupportTicket
	err := s.db.QueryRowContext(ctx, `
		SELECT id, user_id, session_id, title, status, priority, created_at
		FROM support_tickets WHERE session_id = $1 AND status = $2
		ORDER BY created_at DESC LIMIT 1`,
		sessionID, models.TicketOpen).
		Scan(&t.ID, &t.UserID, &t.SessionID, &t.Title, &t.Status, &t.Priority, &t.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrEscalationFailed
	}
	if err != nil {
		return nil, fmt.Errorf("failed to fetch ticket: %w", err)
	}
	return &t, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSessionRow(row rowScanner) (*models.SupportSession, error) {
	session, err := scanSession(row)
	if err == sql.ErrNoRows {
		return nil, ErrSessionNotFound
	}
	return session, err
}

func scanSession(row rowScanner) (*models.SupportSession, error) {
	var s models.SupportSession
	var adminID sql.NullString
	var adminJoinedAt sql.NullTime
	if err := row.Scan(&s.ID, &s.UserID, &adminID, &s.Status, &adminJoinedAt, &s.CreatedAt, &s.UpdatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan session: %w", err)
	}
	if adminID.Valid {
		s.AdminID = &adminID.String
	}
	if adminJoinedAt.Valid {
		s.AdminJoinedAt = &adminJoinedAt.Time
	}
	return &s, nil
}
