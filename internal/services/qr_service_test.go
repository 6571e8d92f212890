package services

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/go-redis/redismock/v8"
	"github.com/stretchr/testify/assert"
	"github.com/tirgus/backend/internal/models"
)

func TestQRService_GenerateTopUpCode(t *testing.T) {
	ctx := context.Background()

	t.Run("stores a single-use payload and renders an image", func(t *testing.T) {
		rdb, rmock := redismock.NewClientMock()
		service := NewQRService(rdb, NewLedgerService(nil))

		rmock.Regexp().ExpectSet(`topup:.*`, `.*`, topUpTTL).SetVal("OK")

		code, qrImage, err := service.GenerateTopUpCode(ctx, "user1", 2500)
		assert.NoError(t, err)
		assert.NotEmpty(t, qrImage)

		raw, err := base64.URLEncoding.DecodeString(code)
		assert.NoError(t, err)

		var payload topUpPayload
		assert.NoError(t, json.Unmarshal(raw, &payload))
		assert.Equal(t, "user1", payload.AccountID)
		assert.Equal(t, int64(2500), payload.Amount)
		assert.NotEmpty(t, payload.Nonce)
		assert.NoError(t, rmock.ExpectationsWereMet())
	})

	t.Run("rejects non-positive amount", func(t *testing.T) {
		rdb, _ := redismock.NewClientMock()
		service := NewQRService(rdb, NewLedgerService(nil))

		_, _, err := service.GenerateTopUpCode(ctx, "user1", 0)
		assert.ErrorIs(t, err, ErrInvalidAmount)
	})
}

func TestQRService_RedeemTopUpCode(t *testing.T) {
	ctx := context.Background()

	payload, _ := json.Marshal(topUpPayload{
		AccountID: "user1",
		Amount:    500,
		IssuedAt:  1700000000,
		Nonce:     "n",
	})

	t.Run("credits the wallet once", func(t *testing.T) {
		db, mock, err := sqlmock.New()
		assert.NoError(t, err)
		defer db.Close()

		rdb, rmock := redismock.NewClientMock()
		service := NewQRService(rdb, NewLedgerService(db))

		rmock.ExpectGet("topup:code1").SetVal(string(payload))
		rmock.ExpectDel("topup:code1").SetVal(1)

		mock.ExpectQuery("SELECT id FROM transactions WHERE account_id = \\$1 AND idempotency_key = \\$2 AND kind = \\$3").
			WithArgs("user1", "n", models.TxKindDeposit).
			WillReturnRows(sqlmock.NewRows([]string{"id"}))
		mock.ExpectBegin()
		mock.ExpectQuery("SELECT id, balance, version FROM accounts WHERE id = \\$1 FOR UPDATE").
			WithArgs("user1").
			WillReturnRows(sqlmock.NewRows([]string{"id", "balance", "version"}).
				AddRow("user1", 100, 1))
		mock.ExpectExec("INSERT INTO transactions").
			WillReturnResult(sqlmock.NewResult(1, 1))
		mock.ExpectExec("UPDATE accounts SET balance = \\$1, version = version \\+ 1, updated_at = \\$2 WHERE id = \\$3 AND version = \\$4").
			WithArgs(int64(600), sqlmock.AnyArg(), "user1", 1).
			WillReturnResult(sqlmock.NewResult(1, 1))
		mock.ExpectCommit()

		accountID, balance, err := service.RedeemTopUpCode(ctx, "code1")
		assert.NoError(t, err)
		assert.Equal(t, "user1", accountID)
		assert.Equal(t, int64(600), balance)
		assert.NoError(t, mock.ExpectationsWereMet())
		assert.NoError(t, rmock.ExpectationsWereMet())
	})

	t.Run("expired or unknown code", func(t *testing.T) {
		rdb, rmock := redismock.NewClientMock()
		service := NewQRService(rdb, NewLedgerService(nil))

		rmock.ExpectGet("topup:gone").RedisNil()

		_, _, err := service.RedeemTopUpCode(ctx, "gone")
		assert.ErrorIs(t, err, ErrInvalidTopUpCode)
		assert.NoError(t, rmock.ExpectationsWereMet())
	})

	t.Run("concurrent scan loses the delete and is rejected", func(t *testing.T) {
		rdb, rmock := redismock.NewClientMock()
		service := NewQRService(rdb, NewLedgerService(nil))

		rmock.ExpectGet("topup:code1").SetVal(string(payload))
		rmock.ExpectDel("topup:code1").SetVal(0)

		_, _, err := service.RedeemTopUpCode(ctx, "code1")
		assert.ErrorIs(t, err, ErrInvalidTopUpCode)
		assert.NoError(t, rmock.ExpectationsWereMet())
	})
}
