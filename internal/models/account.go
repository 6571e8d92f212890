package models

import (
	"time"
)

// Transaction kinds recorded in the ledger.
const (
	TxKindDeposit    = "deposit"
	TxKindListingFee = "listing_fee"
	TxKindReserveFee = "reserve_fee"
)

// Account holds a user's wallet balance. Balance is euro cents and is
// mutated only inside a database transaction together with a matching
// Transaction row, guarded by the version column.
type Account struct {
	ID        string    `json:"id" db:"id"`
	Balance   int64     `json:"balance" db:"balance"` // in cents
	Version   int       `json:"version" db:"version"` // for optimistic locking
	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// Transaction is one append-only ledger entry. Negative amounts are debits.
type Transaction struct {
	ID             int       `json:"id" db:"id"`
	TransactionID  string    `json:"transaction_id" db:"transaction_id"`
	AccountID      string    `json:"account_id" db:"account_id"`
	Amount         int64     `json:"amount" db:"amount"` // in cents, signed
	Kind           string    `json:"kind" db:"kind"`     // deposit, listing_fee, reserve_fee
	Description    string    `json:"description" db:"description"`
	ReferenceID    string    `json:"reference_id,omitempty" db:"reference_id"` // product that caused the fee
	IdempotencyKey string    `json:"-" db:"idempotency_key"`
	CreatedAt      time.Time `json:"created_at" db:"created_at"`
}
