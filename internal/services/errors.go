package services

import (
	"errors"
	"fmt"
)

// Sentinel errors returned by the ledger and support services. Handlers map
// these to HTTP statuses; none of them is retried automatically except
// ErrConcurrencyConflict, which is safe to retry.
var (
	ErrInvalidAmount        = errors.New("amount must be positive")
	ErrInvalidProduct       = errors.New("invalid product")
	ErrProductNotFound      = errors.New("product not found")
	ErrAlreadyReserved      = errors.New("product already reserved")
	ErrSelfReservation      = errors.New("cannot reserve own product")
	ErrAccountNotFound      = errors.New("account not found")
	ErrSessionNotFound      = errors.New("session not found")
	ErrConversationNotFound = errors.New("conversation not found")
	ErrSelfConversation     = errors.New("cannot message own listing")
	ErrSessionClosed        = errors.New("session is closed")
	ErrSessionAssigned      = errors.New("session is handled by another admin")
	ErrEscalationFailed     = errors.New("escalation failed")
	ErrConcurrencyConflict  = errors.New("concurrent update conflict")
)

// InsufficientBalanceError reports the fee that was required so the caller
// can prompt a top-up.
type InsufficientBalanceError struct {
	Required  int64 // in cents
	Available int64 // in cents
}

func (e *InsufficientBalanceError) Error() string {
	return fmt.Sprintf("insufficient balance: need %d, have %d", e.Required, e.Available)
}

// Shortfall is the missing amount in cents.
func (e *InsufficientBalanceError) Shortfall() int64 {
	return e.Required - e.Available
}
