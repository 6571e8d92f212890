package models

import "time"

// Support session statuses.
const (
	SessionActive    = "active"
	SessionEscalated = "escalated"
	SessionClosed    = "closed"
)

// Chat message sender types.
const (
	SenderUser  = "user"
	SenderBot   = "bot"
	SenderAdmin = "admin"
)

// Chat message types.
const (
	MessageText       = "text"
	MessageSystem     = "system"
	MessageEscalation = "escalation"
)

// Support ticket statuses.
const (
	TicketOpen       = "open"
	TicketInProgress = "in_progress"
	TicketResolved   = "resolved"
	TicketClosed     = "closed"
)

// SupportSession tracks one support chat. AdminID and AdminJoinedAt are set
// together by the first admin reply and never cleared.
type SupportSession struct {
	ID            string     `json:"id" db:"id"`
	UserID        string     `json:"user_id" db:"user_id"`
	AdminID       *string    `json:"admin_id,omitempty" db:"admin_id"`
	Status        string     `json:"status" db:"status"` // active, escalated, closed
	AdminJoinedAt *time.Time `json:"admin_joined_at,omitempty" db:"admin_joined_at"`
	CreatedAt     time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at" db:"updated_at"`
}

// ChatMessage is append-only, ordered by CreatedAt ascending within a session.
type ChatMessage struct {
	ID          int       `json:"id" db:"id"`
	SessionID   string    `json:"session_id" db:"session_id"`
	SenderType  string    `json:"sender_type" db:"sender_type"`   // user, bot, admin
	MessageType string    `json:"message_type" db:"message_type"` // text, system, escalation
	Content     string    `json:"content" db:"content"`
	CreatedAt   time.Time `json:"created_at" db:"created_at"`
}

// SupportTicket is the durable follow-up record created on escalation. It
// outlives the chat session data.
type SupportTicket struct {
	ID        string    `json:"id" db:"id"`
	UserID    string    `json:"user_id" db:"user_id"`
	SessionID string    `json:"session_id" db:"session_id"`
	Title     string    `json:"title" db:"title"`
	Status    string    `json:"status" db:"status"` // open, in_progress, resolved, closed
	Priority  string    `json:"priority" db:"priority"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}
