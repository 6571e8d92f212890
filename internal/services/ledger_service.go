package services

import (
	"context"
	"database/sql"
	"errors"
	"math/rand"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/spf13/viper"
	"github.com/tirgus/backend/internal/audit"
	"github.com/tirgus/backend/internal/models"
)

// Default fee schedule, in euro cents. The listing fee is 0.5% of the price
// with a 0.50 floor; the reserve fee is a flat 0.20.
const (
	defaultListingFeeRate  = 0.005
	defaultListingFeeFloor = int64(50)
	defaultReserveFee      = int64(20)

	maxConflictRetries = 3
)

// LedgerService owns every balance-affecting operation. Balances never go
// negative: every debit is checked and applied under a row lock, in the same
// database transaction as the action it pays for.
type LedgerService struct {
	db              *sql.DB
	audit           *audit.Logger
	listingFeeRate  float64
	listingFeeFloor int64
	reserveFee      int64
}

func NewLedgerService(db *sql.DB) *LedgerService {
	viper.SetDefault("fees.listing_rate", defaultListingFeeRate)
	viper.SetDefault("fees.listing_floor", defaultListingFeeFloor)
	viper.SetDefault("fees.reserve", defaultReserveFee)

	return &LedgerService{
		db:              db,
		audit:           audit.NewLogger(),
		listingFeeRate:  viper.GetFloat64("fees.listing_rate"),
		listingFeeFloor: viper.GetInt64("fees.listing_floor"),
		reserveFee:      viper.GetInt64("fees.reserve"),
	}
}

// ReserveFee returns the flat reservation fee in cents.
func (s *LedgerService) ReserveFee() int64 {
	return s.reserveFee
}

// ListingFeeRate returns the fraction of the price charged as listing fee.
func (s *LedgerService) ListingFeeRate() float64 {
	return s.listingFeeRate
}

// ListingFeeFloor returns the minimum listing fee in cents.
func (s *LedgerService) ListingFeeFloor() int64 {
	return s.listingFeeFloor
}

// ComputeListingFee returns the fee in cents charged for listing a product
// at the given price (cents): 0.5% of the price, floored at 0.50.
func (s *LedgerService) ComputeListingFee(price int64) int64 {
	fee := int64(float64(price)*s.listingFeeRate + 0.5)
	if fee < s.listingFeeFloor {
		fee = s.listingFeeFloor
	}
	return fee
}

// Deposit credits an account and records a deposit transaction. Returns the
// new balance. A non-empty idempotencyKey makes client retries safe: a replay
// returns the current balance without crediting again.
func (s *LedgerService) Deposit(ctx context.Context, accountID string, amount int64, description, idempotencyKey string) (int64, error) {
	if amount <= 0 {
		return 0, ErrInvalidAmount
	}

	if idempotencyKey != "" {
		if balance, replayed, err := s.depositReplayBalance(ctx, accountID, idempotencyKey); err != nil {
			return 0, err
		} else if replayed {
			return balance, nil
		}
	}

	txID := uuid.New().String()
	var newBalance int64
	err := s.withConflictRetry(ctx, func(tx *sql.Tx) error {
		account, err := s.lockAccount(tx, accountID)
		if err != nil {
			return err
		}

		if err := s.insertTransaction(tx, txID, accountID, amount, models.TxKindDeposit, description, "", idempotencyKey); err != nil {
			return err
		}

		newBalance = account.Balance + amount
		return s.updateAccountBalance(tx, accountID, newBalance, account.Version)
	})
	if err != nil {
		// Same race as ListProduct: the unique key makes the losing replay
		// read the committed balance instead of crediting twice.
		if isUniqueViolation(err) && idempotencyKey != "" {
			if balance, replayed, ferr := s.depositReplayBalance(ctx, accountID, idempotencyKey); ferr == nil && replayed {
				return balance, nil
			}
		}
		s.audit.LogError(txID, accountID, err)
		return 0, err
	}

	s.audit.LogDeposit(txID, accountID, amount)
	return newBalance, nil
}

// ListProduct charges the listing fee and creates the product as one atomic
// unit. A non-empty idempotencyKey makes client retries safe: a replay
// returns the already created product without charging again.
func (s *LedgerService) ListProduct(ctx context.Context, sellerID string, draft models.ProductDraft, idempotencyKey string) (*models.Product, error) {
	if draft.Name == "" || draft.Category == "" || draft.Price <= 0 {
		return nil, ErrInvalidProduct
	}

	if idempotencyKey != "" {
		if product, err := s.findByIdempotencyKey(ctx, sellerID, idempotencyKey); err != nil {
			return nil, err
		} else if product != nil {
			return product, nil
		}
	}

	fee := s.ComputeListingFee(draft.Price)
	txID := uuid.New().String()
	productID := uuid.New().String()

	var product *models.Product
	err := s.withConflictRetry(ctx, func(tx *sql.Tx) error {
		account, err := s.lockAccount(tx, sellerID)
		if err != nil {
			return err
		}

		if account.Balance < fee {
			return &InsufficientBalanceError{Required: fee, Available: account.Balance}
		}

		if err := s.insertTransaction(tx, txID, sellerID, -fee, models.TxKindListingFee,
			"Listing fee for "+draft.Name, productID, idempotencyKey); err != nil {
			return err
		}

		product, err = s.insertProduct(tx, productID, sellerID, draft, fee)
		if err != nil {
			return err
		}

		return s.updateAccountBalance(tx, sellerID, account.Balance-fee, account.Version)
	})
	if err != nil {
		// A replay can race its original request; the unique idempotency key
		// makes the loser read the winner's product instead of double-charging.
		if isUniqueViolation(err) && idempotencyKey != "" {
			if product, ferr := s.findByIdempotencyKey(ctx, sellerID, idempotencyKey); ferr == nil && product != nil {
				return product, nil
			}
		}
		s.audit.LogError(txID, sellerID, err)
		return nil, err
	}

	s.audit.LogCharge(txID, sellerID, models.TxKindListingFee, fee)
	return product, nil
}

// ReserveProduct charges the reserve fee and flags the product reserved in
// one atomic unit. Exactly one of two concurrent attempts wins; the loser
// gets ErrAlreadyReserved.
func (s *LedgerService) ReserveProduct(ctx context.Context, accountID, productID string) (*models.Product, error) {
	txID := uuid.New().String()

	var product *models.Product
	err := s.withConflictRetry(ctx, func(tx *sql.Tx) error {
		p, err := s.lockProduct(tx, productID)
		if err != nil {
			return err
		}

		if p.SellerID == accountID {
			return ErrSelfReservation
		}
		if p.IsReserved {
			return ErrAlreadyReserved
		}

		account, err := s.lockAccount(tx, accountID)
		if err != nil {
			return err
		}
		if account.Balance < s.reserveFee {
			return &InsufficientBalanceError{Required: s.reserveFee, Available: account.Balance}
		}

		if err := s.insertTransaction(tx, txID, accountID, -s.reserveFee, models.TxKindReserveFee,
			"Reserve fee for "+p.Name, productID, ""); err != nil {
			return err
		}

		reservedAt, err := s.markReserved(tx, productID, accountID)
		if err != nil {
			return err
		}

		if err := s.updateAccountBalance(tx, accountID, account.Balance-s.reserveFee, account.Version); err != nil {
			return err
		}

		p.IsReserved = true
		p.ReservedBy = &accountID
		p.ReservedAt = &reservedAt
		product = p
		return nil
	})
	if err != nil {
		s.audit.LogError(txID, accountID, err)
		return nil, err
	}

	s.audit.LogCharge(txID, accountID, models.TxKindReserveFee, s.reserveFee)
	return product, nil
}

// GetBalance returns the current balance in cents.
func (s *LedgerService) GetBalance(ctx context.Context, accountID string) (int64, error) {
	var balance int64
	err := s.db.QueryRowContext(ctx, `
		SELECT balance FROM accounts WHERE id = $1`, accountID).Scan(&balance)
	if err == sql.ErrNoRows {
		return 0, ErrAccountNotFound
	}
	if err != nil {
		return 0, err
	}
	return balance, nil
}

// GetTransactionHistory returns transactions newest first, restartable via
// offset.
func (s *LedgerService) GetTransactionHistory(ctx context.Context, accountID string, limit, offset int) ([]models.Transaction, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, transaction_id, account_id, amount, kind, description,
		       COALESCE(reference_id, '') AS reference_id, created_at
		FROM transactions
		WHERE account_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2 OFFSET $3`, accountID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	transactions := []models.Transaction{}
	for rows.Next() {
		var t models.Transaction
		if err := rows.Scan(&t.ID, &t.TransactionID, &t.AccountID, &t.Amount,
			&t.Kind, &t.Description, &t.ReferenceID, &t.CreatedAt); err != nil {
			return nil, err
		}
		transactions = append(transactions, t)
	}
	return transactions, rows.Err()
}

// CreateAccount inserts a zero-balance account row for a new user. Called
// once at registration by the auth collaborator.
func (s *LedgerService) CreateAccount(ctx context.Context, accountID string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO accounts (id, balance, version, created_at, updated_at)
		VALUES ($1, 0, 1, NOW(), NOW())
		ON CONFLICT (id) DO NOTHING`, accountID)
	return err
}

// withConflictRetry runs fn inside a database transaction, retrying version
// conflicts with jitter before surfacing ErrConcurrencyConflict.
func (s *LedgerService) withConflictRetry(ctx context.Context, fn func(tx *sql.Tx) error) error {
	var err error
	for attempt := 0; attempt < maxConflictRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(time.Duration(10+rand.Intn(40)) * time.Millisecond):
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		err = s.runTx(ctx, fn)
		if !errors.Is(err, ErrConcurrencyConflict) {
			return err
		}
	}
	return err
}

func (s *LedgerService) runTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *LedgerService) lockAccount(tx *sql.Tx, accountID string) (*models.Account, error) {
	var account models.Account
	err := tx.QueryRow(`
		SELECT id, balance, version
		FROM accounts
		WHERE id = $1
		FOR UPDATE`, accountID).Scan(&account.ID, &account.Balance, &account.Version)
	if err == sql.ErrNoRows {
		return nil, ErrAccountNotFound
	}
	if err != nil {
		return nil, err
	}
	return &account, nil
}

func (s *LedgerService) lockProduct(tx *sql.Tx, productID string) (*models.Product, error) {
	var p models.Product
	var reservedBy sql.NullString
	var reservedAt sql.NullTime
	err := tx.QueryRow(`
		SELECT id, seller_id, name, price, listing_fee, is_reserved, reserved_by, reserved_at
		FROM products
		WHERE id = $1
		FOR UPDATE`, productID).Scan(&p.ID, &p.SellerID, &p.Name, &p.Price,
		&p.ListingFee, &p.IsReserved, &reservedBy, &reservedAt)
	if err == sql.ErrNoRows {
		return nil, ErrProductNotFound
	}
	if err != nil {
		return nil, err
	}
	if reservedBy.Valid {
		p.ReservedBy = &reservedBy.String
	}
	if reservedAt.Valid {
		p.ReservedAt = &reservedAt.Time
	}
	return &p, nil
}

func (s *LedgerService) insertTransaction(tx *sql.Tx, txID, accountID string, amount int64, kind, description, referenceID, idempotencyKey string) error {
	_, err := tx.Exec(`
		INSERT INTO transactions (transaction_id, account_id, amount, kind, description, reference_id, idempotency_key, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		txID, accountID, amount, kind, description,
		nullableString(referenceID), nullableString(idempotencyKey), time.Now())
	return err
}

func (s *LedgerService) insertProduct(tx *sql.Tx, productID, sellerID string, draft models.ProductDraft, fee int64) (*models.Product, error) {
	now := time.Now()
	_, err := tx.Exec(`
		INSERT INTO products (id, seller_id, name, description, category, price, stock, image_url, listing_fee, is_reserved, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, FALSE, $10, $10)`,
		productID, sellerID, draft.Name, draft.Description, draft.Category,
		draft.Price, draft.Stock, draft.ImageURL, fee, now)
	if err != nil {
		return nil, err
	}

	return &models.Product{
		ID:          productID,
		SellerID:    sellerID,
		Name:        draft.Name,
		Description: draft.Description,
		Category:    draft.Category,
		Price:       draft.Price,
		Stock:       draft.Stock,
		ImageURL:    draft.ImageURL,
		ListingFee:  fee,
		CreatedAt:   now,
		UpdatedAt:   now,
	}, nil
}

func (s *LedgerService) markReserved(tx *sql.Tx, productID, accountID string) (time.Time, error) {
	now := time.Now()
	result, err := tx.Exec(`
		UPDATE products
		SET is_reserved = TRUE, reserved_by = $1, reserved_at = $2, updated_at = $2
		WHERE id = $3 AND is_reserved = FALSE`,
		accountID, now, productID)
	if err != nil {
		return time.Time{}, err
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return time.Time{}, err
	}
	if rowsAffected == 0 {
		return time.Time{}, ErrAlreadyReserved
	}
	return now, nil
}

func (s *LedgerService) updateAccountBalance(tx *sql.Tx, accountID string, newBalance int64, version int) error {
	result, err := tx.Exec(`
		UPDATE accounts
		SET balance = $1, version = version + 1, updated_at = $2
		WHERE id = $3 AND version = $4`,
		newBalance, time.Now(), accountID, version)
	if err != nil {
		return err
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rowsAffected == 0 {
		return ErrConcurrencyConflict
	}
	return nil
}

func (s *LedgerService) findByIdempotencyKey(ctx context.Context, accountID, key string) (*models.Product, error) {
	var productID string
	err := s.db.QueryRowContext(ctx, `
		SELECT reference_id FROM transactions
		WHERE account_id = $1 AND idempotency_key = $2 AND kind = $3`,
		accountID, key, models.TxKindListingFee).Scan(&productID)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return s.getProduct(ctx, productID)
}

// depositReplayBalance reports whether a deposit with this key already
// committed, returning the account's current balance when it did.
func (s *LedgerService) depositReplayBalance(ctx context.Context, accountID, key string) (int64, bool, error) {
	var id int64
	err := s.db.QueryRowContext(ctx, `
		SELECT id FROM transactions
		WHERE account_id = $1 AND idempotency_key = $2 AND kind = $3`,
		accountID, key, models.TxKindDeposit).Scan(&id)
	if err == sql.ErrNoRows {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	balance, err := s.GetBalance(ctx, accountID)
	if err != nil {
		return 0, false, err
	}
	return balance, true, nil
}

func (s *LedgerService) getProduct(ctx context.Context, productID string) (*models.Product, error) {
	var p models.Product
	var reservedBy sql.NullString
	var reservedAt sql.NullTime
	err := s.db.QueryRowContext(ctx, `
		SELECT id, seller_id, name, description, category, price, stock,
		       COALESCE(image_url, '') AS image_url, listing_fee, is_reserved,
		       reserved_by, reserved_at, created_at, updated_at
		FROM products
		WHERE id = $1`, productID).Scan(&p.ID, &p.SellerID, &p.Name, &p.Description,
		&p.Category, &p.Price, &p.Stock, &p.ImageURL, &p.ListingFee, &p.IsReserved,
		&reservedBy, &reservedAt, &p.CreatedAt, &p.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrProductNotFound
	}
	if err != nil {
		return nil, err
	}
	if reservedBy.Valid {
		p.ReservedBy = &reservedBy.String
	}
	if reservedAt.Valid {
		p.ReservedAt = &reservedAt.Time
	}
	return &p, nil
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}
