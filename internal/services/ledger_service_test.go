package services

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/tirgus/backend/internal/models"
)

func TestLedgerService_ComputeListingFee(t *testing.T) {
	service := NewLedgerService(nil)

	tests := []struct {
		name  string
		price int64 // cents
		fee   int64 // cents
	}{
		{"floor applies below 100 euro", 5000, 50},    // 0.5% of 50.00 = 0.25, floored to 0.50
		{"exactly at floor boundary", 10000, 50},      // 0.5% of 100.00 = 0.50
		{"percentage above floor", 50000, 250},        // 0.5% of 500.00 = 2.50
		{"large price", 100000, 500},                  // 0.5% of 1000.00 = 5.00
		{"tiny price still pays the floor", 100, 50},  // 0.5% of 1.00 = 0.005
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.fee, service.ComputeListingFee(tt.price))
		})
	}
}

func TestLedgerService_Deposit(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	service := NewLedgerService(db)
	ctx := context.Background()

	t.Run("successful deposit", func(t *testing.T) {
		accountID := "acct1"

		mock.ExpectBegin()
		mock.ExpectQuery("SELECT id, balance, version FROM accounts WHERE id = \\$1 FOR UPDATE").
			WithArgs(accountID).
			WillReturnRows(sqlmock.NewRows([]string{"id", "balance", "version"}).
				AddRow(accountID, 500, 1))
		mock.ExpectExec("INSERT INTO transactions").
			WithArgs(sqlmock.AnyArg(), accountID, int64(1000), models.TxKindDeposit, "Deposited 10.00", nil, nil, sqlmock.AnyArg()).
			WillReturnResult(sqlmock.NewResult(1, 1))
		mock.ExpectExec("UPDATE accounts SET balance = \\$1, version = version \\+ 1, updated_at = \\$2 WHERE id = \\$3 AND version = \\$4").
			WithArgs(int64(1500), sqlmock.AnyArg(), accountID, 1).
			WillReturnResult(sqlmock.NewResult(1, 1))
		mock.ExpectCommit()

		balance, err := service.Deposit(ctx, accountID, 1000, "Deposited 10.00", "")
		assert.NoError(t, err)
		assert.Equal(t, int64(1500), balance)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("replay with same idempotency key does not credit again", func(t *testing.T) {
		accountID := "acct1"

		mock.ExpectQuery("SELECT id FROM transactions WHERE account_id = \\$1 AND idempotency_key = \\$2 AND kind = \\$3").
			WithArgs(accountID, "retry-1", models.TxKindDeposit).
			WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(7))
		mock.ExpectQuery("SELECT balance FROM accounts WHERE id = \\$1").
			WithArgs(accountID).
			WillReturnRows(sqlmock.NewRows([]string{"balance"}).AddRow(1500))

		balance, err := service.Deposit(ctx, accountID, 1000, "Deposited 10.00", "retry-1")
		assert.NoError(t, err)
		assert.Equal(t, int64(1500), balance)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("first use of an idempotency key records it", func(t *testing.T) {
		accountID := "acct1"

		mock.ExpectQuery("SELECT id FROM transactions WHERE account_id = \\$1 AND idempotency_key = \\$2 AND kind = \\$3").
			WithArgs(accountID, "retry-2", models.TxKindDeposit).
			WillReturnRows(sqlmock.NewRows([]string{"id"}))
		mock.ExpectBegin()
		mock.ExpectQuery("SELECT id, balance, version FROM accounts WHERE id = \\$1 FOR UPDATE").
			WithArgs(accountID).
			WillReturnRows(sqlmock.NewRows([]string{"id", "balance", "version"}).
				AddRow(accountID, 500, 1))
		mock.ExpectExec("INSERT INTO transactions").
			WithArgs(sqlmock.AnyArg(), accountID, int64(1000), models.TxKindDeposit, "Deposited 10.00", nil, "retry-2", sqlmock.AnyArg()).
			WillReturnResult(sqlmock.NewResult(1, 1))
		mock.ExpectExec("UPDATE accounts SET balance = \\$1, version = version \\+ 1, updated_at = \\$2 WHERE id = \\$3 AND version = \\$4").
			WithArgs(int64(1500), sqlmock.AnyArg(), accountID, 1).
			WillReturnResult(sqlmock.NewResult(1, 1))
		mock.ExpectCommit()

		balance, err := service.Deposit(ctx, accountID, 1000, "Deposited 10.00", "retry-2")
		assert.NoError(t, err)
		assert.Equal(t, int64(1500), balance)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("rejects non-positive amount", func(t *testing.T) {
		_, err := service.Deposit(ctx, "acct1", 0, "", "")
		assert.ErrorIs(t, err, ErrInvalidAmount)

		_, err = service.Deposit(ctx, "acct1", -500, "", "")
		assert.ErrorIs(t, err, ErrInvalidAmount)
	})

	t.Run("unknown account", func(t *testing.T) {
		mock.ExpectBegin()
		mock.ExpectQuery("SELECT id, balance, version FROM accounts WHERE id = \\$1 FOR UPDATE").
			WithArgs("ghost").
			WillReturnError(sql.ErrNoRows)
		mock.ExpectRollback()

		_, err := service.Deposit(ctx, "ghost", 1000, "", "")
		assert.ErrorIs(t, err, ErrAccountNotFound)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("version conflict exhausts retries", func(t *testing.T) {
		accountID := "acct1"

		for i := 0; i < maxConflictRetries; i++ {
			mock.ExpectBegin()
			mock.ExpectQuery("SELECT id, balance, version FROM accounts WHERE id = \\$1 FOR UPDATE").
				WithArgs(accountID).
				WillReturnRows(sqlmock.NewRows([]string{"id", "balance", "version"}).
					AddRow(accountID, 500, 1))
			mock.ExpectExec("INSERT INTO transactions").
				WillReturnResult(sqlmock.NewResult(1, 1))
			mock.ExpectExec("UPDATE accounts SET balance = \\$1, version = version \\+ 1, updated_at = \\$2 WHERE id = \\$3 AND version = \\$4").
				WillReturnResult(sqlmock.NewResult(0, 0)) // someone else won the race
			mock.ExpectRollback()
		}

		_, err := service.Deposit(ctx, accountID, 1000, "", "")
		assert.ErrorIs(t, err, ErrConcurrencyConflict)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestLedgerService_ListProduct(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	service := NewLedgerService(db)
	ctx := context.Background()

	draft := models.ProductDraft{
		Name:     "Vintage bicycle",
		Category: "sports",
		Price:    100000, // 1000.00 -> fee 5.00
		Stock:    1,
	}

	t.Run("charges fee and creates product atomically", func(t *testing.T) {
		sellerID := "seller1"

		mock.ExpectBegin()
		mock.ExpectQuery("SELECT id, balance, version FROM accounts WHERE id = \\$1 FOR UPDATE").
			WithArgs(sellerID).
			WillReturnRows(sqlmock.NewRows([]string{"id", "balance", "version"}).
				AddRow(sellerID, 10000, 3))
		mock.ExpectExec("INSERT INTO transactions").
			WithArgs(sqlmock.AnyArg(), sellerID, int64(-500), models.TxKindListingFee,
				"Listing fee for Vintage bicycle", sqlmock.AnyArg(), nil, sqlmock.AnyArg()).
			WillReturnResult(sqlmock.NewResult(1, 1))
		mock.ExpectExec("INSERT INTO products").
			WithArgs(sqlmock.AnyArg(), sellerID, draft.Name, draft.Description, draft.Category,
				draft.Price, draft.Stock, draft.ImageURL, int64(500), sqlmock.AnyArg()).
			WillReturnResult(sqlmock.NewResult(1, 1))
		mock.ExpectExec("UPDATE accounts SET balance = \\$1, version = version \\+ 1, updated_at = \\$2 WHERE id = \\$3 AND version = \\$4").
			WithArgs(int64(9500), sqlmock.AnyArg(), sellerID, 3).
			WillReturnResult(sqlmock.NewResult(1, 1))
		mock.ExpectCommit()

		product, err := service.ListProduct(ctx, sellerID, draft, "")
		assert.NoError(t, err)
		assert.Equal(t, int64(500), product.ListingFee)
		assert.Equal(t, sellerID, product.SellerID)
		assert.False(t, product.IsReserved)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("insufficient balance reports shortfall", func(t *testing.T) {
		sellerID := "seller1"

		mock.ExpectBegin()
		mock.ExpectQuery("SELECT id, balance, version FROM accounts WHERE id = \\$1 FOR UPDATE").
			WithArgs(sellerID).
			WillReturnRows(sqlmock.NewRows([]string{"id", "balance", "version"}).
				AddRow(sellerID, 100, 1)) // 1.00 against a 5.00 fee
		mock.ExpectRollback()

		product, err := service.ListProduct(ctx, sellerID, draft, "")
		assert.Nil(t, product)

		var insufficient *InsufficientBalanceError
		assert.ErrorAs(t, err, &insufficient)
		assert.Equal(t, int64(500), insufficient.Required)
		assert.Equal(t, int64(400), insufficient.Shortfall())
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("product insert failure rolls back the fee debit", func(t *testing.T) {
		sellerID := "seller1"

		mock.ExpectBegin()
		mock.ExpectQuery("SELECT id, balance, version FROM accounts WHERE id = \\$1 FOR UPDATE").
			WithArgs(sellerID).
			WillReturnRows(sqlmock.NewRows([]string{"id", "balance", "version"}).
				AddRow(sellerID, 10000, 1))
		mock.ExpectExec("INSERT INTO transactions").
			WillReturnResult(sqlmock.NewResult(1, 1))
		mock.ExpectExec("INSERT INTO products").
			WillReturnError(errors.New("connection reset"))
		mock.ExpectRollback()

		product, err := service.ListProduct(ctx, sellerID, draft, "")
		assert.Error(t, err)
		assert.Nil(t, product)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("replay with same idempotency key does not charge again", func(t *testing.T) {
		sellerID := "seller1"
		productID := "prod-abc"
		now := time.Now()

		mock.ExpectQuery("SELECT reference_id FROM transactions WHERE account_id = \\$1 AND idempotency_key = \\$2 AND kind = \\$3").
			WithArgs(sellerID, "attempt-7", models.TxKindListingFee).
			WillReturnRows(sqlmock.NewRows([]string{"reference_id"}).AddRow(productID))
		mock.ExpectQuery("SELECT id, seller_id, name, description, category, price, stock").
			WithArgs(productID).
			WillReturnRows(sqlmock.NewRows([]string{
				"id", "seller_id", "name", "description", "category", "price", "stock",
				"image_url", "listing_fee", "is_reserved", "reserved_by", "reserved_at",
				"created_at", "updated_at"}).
				AddRow(productID, sellerID, draft.Name, "", draft.Category, draft.Price,
					draft.Stock, "", 500, false, nil, nil, now, now))

		product, err := service.ListProduct(ctx, sellerID, draft, "attempt-7")
		assert.NoError(t, err)
		assert.Equal(t, productID, product.ID)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("rejects incomplete draft", func(t *testing.T) {
		_, err := service.ListProduct(ctx, "seller1", models.ProductDraft{Name: "x"}, "")
		assert.ErrorIs(t, err, ErrInvalidProduct)
	})
}

func TestLedgerService_ReserveProduct(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	service := NewLedgerService(db)
	ctx := context.Background()

	productID := "prod1"
	sellerID := "seller1"
	buyerID := "buyer1"

	lockProductPattern := "SELECT id, seller_id, name, price, listing_fee, is_reserved, reserved_by, reserved_at FROM products WHERE id = \\$1 FOR UPDATE"

	t.Run("successful reservation at minimal balance", func(t *testing.T) {
		mock.ExpectBegin()
		mock.ExpectQuery(lockProductPattern).
			WithArgs(productID).
			WillReturnRows(sqlmock.NewRows([]string{
				"id", "seller_id", "name", "price", "listing_fee", "is_reserved", "reserved_by", "reserved_at"}).
				AddRow(productID, sellerID, "Vintage bicycle", 100000, 500, false, nil, nil))
		mock.ExpectQuery("SELECT id, balance, version FROM accounts WHERE id = \\$1 FOR UPDATE").
			WithArgs(buyerID).
			WillReturnRows(sqlmock.NewRows([]string{"id", "balance", "version"}).
				AddRow(buyerID, 30, 1)) // 0.30, reserve fee is 0.20
		mock.ExpectExec("INSERT INTO transactions").
			WithArgs(sqlmock.AnyArg(), buyerID, int64(-20), models.TxKindReserveFee,
				"Reserve fee for Vintage bicycle", productID, nil, sqlmock.AnyArg()).
			WillReturnResult(sqlmock.NewResult(1, 1))
		mock.ExpectExec("UPDATE products SET is_reserved = TRUE, reserved_by = \\$1, reserved_at = \\$2, updated_at = \\$2 WHERE id = \\$3 AND is_reserved = FALSE").
			WithArgs(buyerID, sqlmock.AnyArg(), productID).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectExec("UPDATE accounts SET balance = \\$1, version = version \\+ 1, updated_at = \\$2 WHERE id = \\$3 AND version = \\$4").
			WithArgs(int64(10), sqlmock.AnyArg(), buyerID, 1).
			WillReturnResult(sqlmock.NewResult(1, 1))
		mock.ExpectCommit()

		product, err := service.ReserveProduct(ctx, buyerID, productID)
		assert.NoError(t, err)
		assert.True(t, product.IsReserved)
		assert.Equal(t, buyerID, *product.ReservedBy)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("already reserved", func(t *testing.T) {
		mock.ExpectBegin()
		mock.ExpectQuery(lockProductPattern).
			WithArgs(productID).
			WillReturnRows(sqlmock.NewRows([]string{
				"id", "seller_id", "name", "price", "listing_fee", "is_reserved", "reserved_by", "reserved_at"}).
				AddRow(productID, sellerID, "Vintage bicycle", 100000, 500, true, "buyer2", time.Now()))
		mock.ExpectRollback()

		_, err := service.ReserveProduct(ctx, buyerID, productID)
		assert.ErrorIs(t, err, ErrAlreadyReserved)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("concurrent winner detected by conditional update", func(t *testing.T) {
		// The row lock read saw the product free, but the flip matched zero
		// rows; the loser must come back with ErrAlreadyReserved.
		mock.ExpectBegin()
		mock.ExpectQuery(lockProductPattern).
			WithArgs(productID).
			WillReturnRows(sqlmock.NewRows([]string{
				"id", "seller_id", "name", "price", "listing_fee", "is_reserved", "reserved_by", "reserved_at"}).
				AddRow(productID, sellerID, "Vintage bicycle", 100000, 500, false, nil, nil))
		mock.ExpectQuery("SELECT id, balance, version FROM accounts WHERE id = \\$1 FOR UPDATE").
			WithArgs(buyerID).
			WillReturnRows(sqlmock.NewRows([]string{"id", "balance", "version"}).
				AddRow(buyerID, 1000, 1))
		mock.ExpectExec("INSERT INTO transactions").
			WillReturnResult(sqlmock.NewResult(1, 1))
		mock.ExpectExec("UPDATE products SET is_reserved = TRUE").
			WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectRollback()

		_, err := service.ReserveProduct(ctx, buyerID, productID)
		assert.ErrorIs(t, err, ErrAlreadyReserved)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("seller cannot reserve own product", func(t *testing.T) {
		mock.ExpectBegin()
		mock.ExpectQuery(lockProductPattern).
			WithArgs(productID).
			WillReturnRows(sqlmock.NewRows([]string{
				"id", "seller_id", "name", "price", "listing_fee", "is_reserved", "reserved_by", "reserved_at"}).
				AddRow(productID, sellerID, "Vintage bicycle", 100000, 500, false, nil, nil))
		mock.ExpectRollback()

		_, err := service.ReserveProduct(ctx, sellerID, productID)
		assert.ErrorIs(t, err, ErrSelfReservation)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("unknown product", func(t *testing.T) {
		mock.ExpectBegin()
		mock.ExpectQuery(lockProductPattern).
			WithArgs("ghost").
			WillReturnError(sql.ErrNoRows)
		mock.ExpectRollback()

		_, err := service.ReserveProduct(ctx, buyerID, "ghost")
		assert.ErrorIs(t, err, ErrProductNotFound)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("insufficient balance for reserve fee", func(t *testing.T) {
		mock.ExpectBegin()
		mock.ExpectQuery(lockProductPattern).
			WithArgs(productID).
			WillReturnRows(sqlmock.NewRows([]string{
				"id", "seller_id", "name", "price", "listing_fee", "is_reserved", "reserved_by", "reserved_at"}).
				AddRow(productID, sellerID, "Vintage bicycle", 100000, 500, false, nil, nil))
		mock.ExpectQuery("SELECT id, balance, version FROM accounts WHERE id = \\$1 FOR UPDATE").
			WithArgs(buyerID).
			WillReturnRows(sqlmock.NewRows([]string{"id", "balance", "version"}).
				AddRow(buyerID, 10, 1))
		mock.ExpectRollback()

		_, err := service.ReserveProduct(ctx, buyerID, productID)
		var insufficient *InsufficientBalanceError
		assert.ErrorAs(t, err, &insufficient)
		assert.Equal(t, int64(10), insufficient.Shortfall())
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestLedgerService_GetTransactionHistory(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	service := NewLedgerService(db)
	ctx := context.Background()

	t.Run("returns newest first with clamped limit", func(t *testing.T) {
		accountID := "acct1"
		now := time.Now()

		mock.ExpectQuery("SELECT id, transaction_id, account_id, amount, kind, description").
			WithArgs(accountID, 50, 0).
			WillReturnRows(sqlmock.NewRows([]string{
				"id", "transaction_id", "account_id", "amount", "kind", "description", "reference_id", "created_at"}).
				AddRow(2, "tx2", accountID, -50, models.TxKindListingFee, "Listing fee for Lamp", "prod2", now).
				AddRow(1, "tx1", accountID, 1000, models.TxKindDeposit, "Deposited 10.00", "", now.Add(-time.Hour)))

		history, err := service.GetTransactionHistory(ctx, accountID, 0, -5)
		assert.NoError(t, err)
		assert.Len(t, history, 2)
		assert.Equal(t, "tx2", history[0].TransactionID)
		assert.Equal(t, int64(-50), history[0].Amount)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestLedgerService_CreateAccount(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	service := NewLedgerService(db)

	t.Run("creates a zero-balance account", func(t *testing.T) {
		mock.ExpectExec("INSERT INTO accounts").
			WithArgs("acct1").
			WillReturnResult(sqlmock.NewResult(1, 1))

		assert.NoError(t, service.CreateAccount(context.Background(), "acct1"))
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("repeat registration is a no-op", func(t *testing.T) {
		mock.ExpectExec("INSERT INTO accounts").
			WithArgs("acct1").
			WillReturnResult(sqlmock.NewResult(0, 0)) // ON CONFLICT DO NOTHING

		assert.NoError(t, service.CreateAccount(context.Background(), "acct1"))
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestLedgerService_GetBalance(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	service := NewLedgerService(db)

	t.Run("existing account", func(t *testing.T) {
		mock.ExpectQuery("SELECT balance FROM accounts WHERE id = \\$1").
			WithArgs("acct1").
			WillReturnRows(sqlmock.NewRows([]string{"balance"}).AddRow(1234))

		balance, err := service.GetBalance(context.Background(), "acct1")
		assert.NoError(t, err)
		assert.Equal(t, int64(1234), balance)
	})

	t.Run("missing account", func(t *testing.T) {
		mock.ExpectQuery("SELECT balance FROM accounts WHERE id = \\$1").
			WithArgs("ghost").
			WillReturnError(sql.ErrNoRows)

		_, err := service.GetBalance(context.Background(), "ghost")
		assert.ErrorIs(t, err, ErrAccountNotFound)
	})
}
