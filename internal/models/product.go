package models

import (
	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/shopspring/decimal"
)

type Product struct {
	BaseModel
	Slug        string           `gorm:"uniqueIndex" json:"slug"`
	Name        string           `json:"name"`
	Description string           `json:"description"`
	Price       decimal.Decimal  `gorm:"type:numeric(12,2)" json:"price"`
	Images      pq.StringArray   `gorm:"type:text[]" json:"images"`
	IsActive    bool             `json:"is_active"`
	Variants    []ProductVariant `json:"variants,omitempty"`
}

// ProductVariant is a purchasable color or size of a product. A zero Price
// means the product price applies.
type ProductVariant struct {
	BaseModel
	ProductID uuid.UUID       `gorm:"type:uuid;index" json:"product_id"`
	Label     string          `json:"label"`
	Price     decimal.Decimal `gorm:"type:numeric(12,2)" json:"price"`
	IsActive  bool            `json:"is_active"`
}

// PriceFor returns the effective unit price for the given variant label.
func (p *Product) PriceFor(variant string) decimal.Decimal {
	for _, v := range p.Variants {
		if v.Label == variant && v.Price.IsPositive() {
			return v.Price
		}
	}
	return p.Price
}

// HasVariant reports whether label names an active variant. An empty label
// is always accepted.
func (p *Product) HasVariant(label string) bool {
	if label == "" {
		return true
	}
	for _, v := range p.Variants {
		if v.Label == label && v.IsActive {
			return true
		}
	}
	return false
}
