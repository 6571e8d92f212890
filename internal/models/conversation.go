package models

import "time"

// Conversation statuses.
const (
	ConversationActive   = "active"
	ConversationArchived = "archived"
)

// Conversation is one buyer-seller thread about a single product. A buyer
// gets at most one thread per product; the seller sees it from the other
// side.
type Conversation struct {
	ID            string    `json:"id" db:"id"`
	ProductID     string    `json:"product_id" db:"product_id"`
	BuyerID       string    `json:"buyer_id" db:"buyer_id"`
	SellerID      string    `json:"seller_id" db:"seller_id"`
	Status        string    `json:"status" db:"status"` // active, archived
	UnreadCount   int       `json:"unread_count"`       // derived per caller, not stored
	LastMessageAt time.Time `json:"last_message_at" db:"last_message_at"`
	CreatedAt     time.Time `json:"created_at" db:"created_at"`
	UpdatedAt     time.Time `json:"updated_at" db:"updated_at"`
}

// Message is append-only, ordered by CreatedAt ascending within a
// conversation. IsRead flips when the counterpart opens the thread.
type Message struct {
	ID             int       `json:"id" db:"id"`
	ConversationID string    `json:"conversation_id" db:"conversation_id"`
	SenderID       string    `json:"sender_id" db:"sender_id"`
	Content        string    `json:"content" db:"content"`
	IsRead         bool      `json:"is_read" db:"is_read"`
	CreatedAt      time.Time `json:"created_at" db:"created_at"`
}
