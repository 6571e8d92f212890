package models

import "time"

// ProductDraft is the seller-supplied payload for a new listing.
// Price is euro cents.
type ProductDraft struct {
	Name        string `json:"name" validate:"required,min=2,max=120"`
	Description string `json:"description" validate:"max=2000"`
	Category    string `json:"category" validate:"required,min=2,max=60"`
	Price       int64  `json:"price" validate:"required,gt=0"`
	Stock       int    `json:"stock" validate:"gte=0"`
	ImageURL    string `json:"image_url" validate:"omitempty,url"`
}

// Product is a marketplace listing. ListingFee is snapshotted at creation
// time so later fee-schedule changes do not rewrite history.
type Product struct {
	ID          string     `json:"id" db:"id"`
	SellerID    string     `json:"seller_id" db:"seller_id"`
	Name        string     `json:"name" db:"name"`
	Description string     `json:"description" db:"description"`
	Category    string     `json:"category" db:"category"`
	Price       int64      `json:"price" db:"price"` // in cents
	Stock       int        `json:"stock" db:"stock"`
	ImageURL    string     `json:"image_url,omitempty" db:"image_url"`
	ListingFee  int64      `json:"listing_fee" db:"listing_fee"` // in cents
	IsReserved  bool       `json:"is_reserved" db:"is_reserved"`
	ReservedBy  *string    `json:"reserved_by,omitempty" db:"reserved_by"`
	ReservedAt  *time.Time `json:"reserved_at,omitempty" db:"reserved_at"`
	CreatedAt   time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at" db:"updated_at"`
}
