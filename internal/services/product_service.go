package services

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/tirgus/backend/internal/models"
)

// ProductService is the HTTP surface of the marketplace catalog. Every
// balance-affecting action (listing, reservation) goes through the ledger.
type ProductService struct {
	db        *sql.DB
	ledger    *LedgerService
	validator *ValidationHelper
}

type CreateProductRequest struct {
	models.ProductDraft
	IdempotencyKey string `json:"idempotencyKey" validate:"omitempty,max=80"`
}

func NewProductService(db *sql.DB, ledger *LedgerService) *ProductService {
	return &ProductService{
		db:        db,
		ledger:    ledger,
		validator: NewValidationHelper(),
	}
}

// CreateProduct lists a new product, charging the listing fee
// @Summary List a product
// @Description Create a marketplace listing; the listing fee (0.5%% of price, min 0.50) is charged atomically
// @Tags products
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param request body CreateProductRequest true "Product draft"
// @Success 201 {object} models.Product
// @Failure 400 {object} ErrorResponse
// @Failure 402 {object} object{error=string,required=int64,shortfall=int64}
// @Router /products [post]
func (s *ProductService) CreateProduct(w http.ResponseWriter, r *http.Request) {
	sellerID, ok := r.Context().Value("userID").(string)
	if !ok || sellerID == "" {
		SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, 1_048_576)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()

	var req CreateProductRequest
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

	product, err := s.ledger.ListProduct(r.Context(), sellerID, req.ProductDraft, req.IdempotencyKey)
	if err != nil {
		log.Printf("[PRODUCT] Listing failed for seller %s: %v", sellerID, err)
		writeLedgerError(w, err)
		return
	}

	log.Printf("[PRODUCT] Listed product %s for seller %s, fee %d", product.ID, sellerID, product.ListingFee)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(product)
}

// ReserveProduct reserves a product for the caller
// @Summary Reserve a product
// @Description Reserve a product for the authenticated user; the flat reserve fee is charged atomically
// @Tags products
// @Produce json
// @Security BearerAuth
// @Param productId path string true "Product ID"
// @Success 200 {object} models.Product
// @Failure 402 {object} object{error=string,required=int64,shortfall=int64}
// @Failure 404 {object} ErrorResponse
// @Failure 409 {object} ErrorResponse
// @Router /products/{productId}/reserve [post]
func (s *ProductService) ReserveProduct(w http.ResponseWriter, r *http.Request) {
	accountID, ok := r.Context().Value("userID").(string)
	if !ok || accountID == "" {
		SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	productID := chi.URLParam(r, "productId")
	product, err := s.ledger.ReserveProduct(r.Context(), accountID, productID)
	if err != nil {
		log.Printf("[PRODUCT] Reservation failed for product %s by %s: %v", productID, accountID, err)
		writeLedgerError(w, err)
		return
	}

	log.Printf("[PRODUCT] Product %s reserved by %s", productID, accountID)
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(product)
}

// GetProduct retrieves a single product
// @Summary Get product
// @Description Retrieve a product by ID
// @Tags products
// @Produce json
// @Param productId path string true "Product ID"
// @Success 200 {object} models.Product
// @Failure 404 {object} ErrorResponse
// @Router /products/{productId} [get]
func (s *ProductService) GetProduct(w http.ResponseWriter, r *http.Request) {
	productID := chi.URLParam(r, "productId")

	product, err := s.ledger.getProduct(r.Context(), productID)
	if err != nil {
		writeLedgerError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(product)
}

// ListProducts returns the catalog
// @Summary List products
// @Description Retrieve marketplace listings, newest first, with optional category and seller filters
// @Tags products
// @Produce json
// @Param category query string false "Filter by category"
// @Param sellerId query string false "Filter by seller"
// @Param limit query int false "Page size (default 50, max 100)"
// @Success 200 {object} object{products=[]models.Product,count=int}
// @Failure 500 {object} ErrorResponse
// @Router /products [get]
func (s *ProductService) ListProducts(w http.ResponseWriter, r *http.Request) {
	category := strings.TrimSpace(r.URL.Query().Get("category"))
	sellerID := strings.TrimSpace(r.URL.Query().Get("sellerId"))
	limit := 50
	if l, err := strconv.Atoi(r.URL.Query().Get("limit")); err == nil && l > 0 && l <= 100 {
		limit = l
	}

	var conditions []string
	var args []any
	argIndex := 1

	if category != "" {
		conditions = append(conditions, fmt.Sprintf("category = $%d", argIndex))
		args = append(args, category)
		argIndex++
	}
	if sellerID != "" {
		conditions = append(conditions, fmt.Sprintf("seller_id = $%d", argIndex))
		args = append(args, sellerID)
		argIndex++
	}

	query := `
		SELECT id, seller_id, name, description, category, price, stock,
		       COALESCE(image_url, '') AS image_url, listing_fee, is_reserved,
		       reserved_by, reserved_at, created_at, updated_at
		FROM products`
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	query += " ORDER BY created_at DESC"
	query += fmt.Sprintf(" LIMIT $%d", argIndex)
	args = append(args, limit)

	rows, err := s.db.QueryContext(r.Context(), query, args...)
	if err != nil {
		log.Printf("[PRODUCT] Catalog query failed: %v", err)
		SendErrorResponse(w, "Failed to fetch products", http.StatusInternalServerError, nil)
		return
	}
	defer rows.Close()

	products := []models.Product{}
	for rows.Next() {
		var p models.Product
		var reservedBy sql.NullString
		var reservedAt sql.NullTime
		if err := rows.Scan(&p.ID, &p.SellerID, &p.Name, &p.Description, &p.Category,
			&p.Price, &p.Stock, &p.ImageURL, &p.ListingFee, &p.IsReserved,
			&reservedBy, &reservedAt, &p.CreatedAt, &p.UpdatedAt); err != nil {
			SendErrorResponse(w, "Failed to fetch products", http.StatusInternalServerError, nil)
			return
		}
		if reservedBy.Valid {
			p.ReservedBy = &reservedBy.String
		}
		if reservedAt.Valid {
			p.ReservedAt = &reservedAt.Time
		}
		products = append(products, p)
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"products": products,
		"count":    len(products),
	})
}

// GetFees returns the current fee schedule
// @Summary Fee schedule
// @Description Retrieve the listing and reservation fees, in cents, so clients can show them before charging
// @Tags products
// @Produce json
// @Success 200 {object} object{reserve_fee=int64,listing_fee_rate=number,listing_fee_floor=int64}
// @Router /fees [get]
func (s *ProductService) GetFees(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"reserve_fee":       s.ledger.ReserveFee(),
		"listing_fee_rate":  s.ledger.ListingFeeRate(),
		"listing_fee_floor": s.ledger.ListingFeeFloor(),
	})
}

// DeleteProduct removes a listing owned by the caller
// @Summary Delete product
// @Description Delete a product owned by the authenticated seller; listing fees are not refunded
// @Tags products
// @Produce json
// @Security BearerAuth
// @Param productId path string true "Product ID"
// @Success 200 {object} object{success=bool}
// @Failure 404 {object} ErrorResponse
// @Router /products/{productId} [delete]
func (s *ProductService) DeleteProduct(w http.ResponseWriter, r *http.Request) {
	sellerID, ok := r.Context().Value("userID").(string)
	if !ok || sellerID == "" {
		SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	productID := chi.URLParam(r, "productId")
	result, err := s.db.ExecContext(r.Context(), `
		DELETE FROM products WHERE id = $1 AND seller_id = $2`, productID, sellerID)
	if err != nil {
		log.Printf("[PRODUCT] Delete failed for product %s: %v", productID, err)
		SendErrorResponse(w, "Failed to delete product", http.StatusInternalServerError, nil)
		return
	}

	rowsAffected, _ := result.RowsAffected()
	if rowsAffected == 0 {
		SendErrorResponse(w, "Product not found", http.StatusNotFound, nil)
		return
	}

	log.Printf("[PRODUCT] Product %s deleted by seller %s", productID, sellerID)
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{"success": true})
}
