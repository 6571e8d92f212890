package services

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"image/png"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/skip2/go-qrcode"
)

// Top-up codes expire after 15 minutes and are single use; Del after Get
// makes replaying a scanned code a no-op.
const topUpTTL = 15 * time.Minute

var ErrInvalidTopUpCode = errors.New("invalid or expired top-up code")

// QRService issues one-time top-up codes. A kiosk or cashier generates the
// code for a cash amount; scanning it credits the wallet through the ledger.
type QRService struct {
	redis  *redis.Client
	ledger *LedgerService
}

type topUpPayload struct {
	AccountID string `json:"accountId"`
	Amount    int64  `json:"amount"` // cents
	IssuedAt  int64  `json:"issuedAt"`
	Nonce     string `json:"nonce"`
}

func NewQRService(redisClient *redis.Client, ledger *LedgerService) *QRService {
	return &QRService{
		redis:  redisClient,
		ledger: ledger,
	}
}

// GenerateTopUpCode creates a one-time code worth the given amount for the
// account. Returns the opaque code and a base64 PNG of the QR image.
func (s *QRService) GenerateTopUpCode(ctx context.Context, accountID string, amount int64) (string, string, error) {
	if amount <= 0 {
		return "", "", ErrInvalidAmount
	}
	if s.redis == nil {
		return "", "", errors.New("top-up codes unavailable")
	}

	payload := topUpPayload{
		AccountID: accountID,
		Amount:    amount,
		IssuedAt:  time.Now().Unix(),
		Nonce:     generateNonce(),
	}
	jsonData, err := json.Marshal(payload)
	if err != nil {
		return "", "", err
	}

	code := base64.URLEncoding.EncodeToString(jsonData)
	key := fmt.Sprintf("topup:%s", code)
	if err := s.redis.Set(ctx, key, string(jsonData), topUpTTL).Err(); err != nil {
		return "", "", err
	}

	qr, err := qrcode.New(code, qrcode.Medium)
	if err != nil {
		return "", "", err
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, qr.Image(256)); err != nil {
		return "", "", err
	}

	return code, base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}

// RedeemTopUpCode consumes the code and credits the wallet. The code is
// deleted before the deposit so a concurrent scan cannot double-credit.
func (s *QRService) RedeemTopUpCode(ctx context.Context, code string) (string, int64, error) {
	if s.redis == nil {
		return "", 0, errors.New("top-up codes unavailable")
	}

	key := fmt.Sprintf("topup:%s", code)
	data, err := s.redis.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return "", 0, ErrInvalidTopUpCode
	}
	if err != nil {
		return "", 0, err
	}

	deleted, err := s.redis.Del(ctx, key).Result()
	if err != nil {
		return "", 0, err
	}
	if deleted == 0 {
		return "", 0, ErrInvalidTopUpCode
	}

	var payload topUpPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		return "", 0, ErrInvalidTopUpCode
	}

	// The nonce doubles as the idempotency key so a retried redeem that lost
	// its response cannot credit twice.
	description := fmt.Sprintf("Top-up code redeemed (%.2f)", float64(payload.Amount)/100)
	balance, err := s.ledger.Deposit(ctx, payload.AccountID, payload.Amount, description, payload.Nonce)
	if err != nil {
		return "", 0, err
	}

	return payload.AccountID, balance, nil
}

func generateNonce() string {
	b := make([]byte, 16)
	rand.Read(b)
	return base64.URLEncoding.EncodeToString(b)
}
