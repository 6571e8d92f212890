package services

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strconv"
)

// Minimum deposit is 1.00 euro.
const minDepositCents = int64(100)

// WalletService is the HTTP surface over the ledger.
type WalletService struct {
	ledger    *LedgerService
	validator *ValidationHelper
}

type DepositRequest struct {
	Amount         int64  `json:"amount" validate:"required,gt=0"` // in cents
	IdempotencyKey string `json:"idempotencyKey" validate:"omitempty,max=80"`
}

func NewWalletService(ledger *LedgerService) *WalletService {
	return &WalletService{
		ledger:    ledger,
		validator: NewValidationHelper(),
	}
}

// CreateAccount provisions the caller's wallet row
// @Summary Create wallet account
// @Description Create a zero-balance wallet for the authenticated user; repeat calls are no-ops
// @Tags wallet
// @Produce json
// @Security BearerAuth
// @Success 201 {object} object{success=bool}
// @Failure 401 {object} ErrorResponse
// @Router /wallet/accounts [post]
func (s *WalletService) CreateAccount(w http.ResponseWriter, r *http.Request) {
	accountID, ok := r.Context().Value("userID").(string)
	if !ok || accountID == "" {
		SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	if err := s.ledger.CreateAccount(r.Context(), accountID); err != nil {
		log.Printf("[WALLET] Account provisioning failed for %s: %v", accountID, err)
		SendErrorResponse(w, "Failed to create account", http.StatusInternalServerError, nil)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(map[string]any{"success": true})
}

// Deposit credits the caller's wallet
// @Summary Deposit funds
// @Description Add funds to the authenticated user's wallet balance
// @Tags wallet
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param request body DepositRequest true "Deposit request"
// @Success 200 {object} object{success=bool,balance=int64}
// @Failure 400 {object} ErrorResponse
// @Failure 401 {object} ErrorResponse
// @Router /wallet/deposit [post]
func (s *WalletService) Deposit(w http.ResponseWriter, r *http.Request) {
	accountID, ok := r.Context().Value("userID").(string)
	if !ok || accountID == "" {
		SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, 1_048_576)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()

	var req DepositRequest
	if err := dec.Decode(&req); err != nil {
		SendErrorResponse(w, "Invalid request body", http.StatusBadRequest, nil)
		return
	}

	if err := dec.Decode(&struct{}{}); err != io.EOF {
		SendErrorResponse(w, "Request body must only contain a single JSON object", http.StatusBadRequest, nil)
		return
	}

	if err := s.validator.ValidateStruct(&req); err != nil {
		SendErrorResponse(w, "Validation failed", http.StatusBadRequest, err)
		return
	}

	if req.Amount < minDepositCents {
		SendErrorResponse(w, "Minimum deposit is 1.00", http.StatusBadRequest, nil)
		return
	}

	description := fmt.Sprintf("Deposited %.2f", float64(req.Amount)/100)
	balance, err := s.ledger.Deposit(r.Context(), accountID, req.Amount, description, req.IdempotencyKey)
	if err != nil {
		log.Printf("[WALLET] Deposit failed for account %s: %v", accountID, err)
		writeLedgerError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"success": true,
		"balance": balance,
	})
}

// GetBalance returns the caller's wallet balance
// @Summary Get balance
// @Description Retrieve the authenticated user's current wallet balance in cents
// @Tags wallet
// @Produce json
// @Security BearerAuth
// @Success 200 {object} object{balance=int64}
// @Failure 401 {object} ErrorResponse
// @Failure 404 {object} ErrorResponse
// @Router /wallet/balance [get]
func (s *WalletService) GetBalance(w http.ResponseWriter, r *http.Request) {
	accountID, ok := r.Context().Value("userID").(string)
	if !ok || accountID == "" {
		SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	balance, err := s.ledger.GetBalance(r.Context(), accountID)
	if err != nil {
		log.Printf("[WALLET] Balance lookup failed for account %s: %v", accountID, err)
		writeLedgerError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"balance": balance,
	})
}

// GetTransactions returns the caller's transaction history
// @Summary List transactions
// @Description Retrieve the authenticated user's transaction history, newest first
// @Tags wallet
// @Produce json
// @Security BearerAuth
// @Param limit query int false "Page size (default 50, max 100)"
// @Param offset query int false "Offset for pagination"
// @Success 200 {object} object{transactions=[]models.Transaction,count=int}
// @Failure 401 {object} ErrorResponse
// @Router /wallet/transactions [get]
func (s *WalletService) GetTransactions(w http.ResponseWriter, r *http.Request) {
	accountID, ok := r.Context().Value("userID").(string)
	if !ok || accountID == "" {
		SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))

	transactions, err := s.ledger.GetTransactionHistory(r.Context(), accountID, limit, offset)
	if err != nil {
		log.Printf("[WALLET] History lookup failed for account %s: %v", accountID, err)
		SendErrorResponse(w, "Failed to fetch transactions", http.StatusInternalServerError, nil)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"transactions": transactions,
		"count":        len(transactions),
	})
}

// writeLedgerError maps ledger errors onto HTTP statuses. The shortfall is
// included for insufficient-balance rejections so the client can prompt a
// top-up.
func writeLedgerError(w http.ResponseWriter, err error) {
	var insufficient *InsufficientBalanceError
	switch {
	case errors.As(err, &insufficient):
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusPaymentRequired)
		json.NewEncoder(w).Encode(map[string]any{
			"error":     "Insufficient balance",
			"required":  insufficient.Required,
			"shortfall": insufficient.Shortfall(),
		})
	case errors.Is(err, ErrInvalidAmount), errors.Is(err, ErrInvalidProduct):
		SendErrorResponse(w, err.Error(), http.StatusBadRequest, nil)
	case errors.Is(err, ErrProductNotFound), errors.Is(err, ErrAccountNotFound):
		SendErrorResponse(w, err.Error(), http.StatusNotFound, nil)
	case errors.Is(err, ErrAlreadyReserved), errors.Is(err, ErrSelfReservation):
		SendErrorResponse(w, err.Error(), http.StatusConflict, nil)
	case errors.Is(err, ErrConcurrencyConflict):
		SendErrorResponse(w, "Temporary conflict, please retry", http.StatusServiceUnavailable, nil)
	default:
		SendErrorResponse(w, "Failed to process request", http.StatusInternalServerError, nil)
	}
}
