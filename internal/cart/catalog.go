package cart

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/example/storefront/internal/models"
)

// Catalog resolves the current name and price of a product variant.
type Catalog interface {
	Lookup(ctx context.Context, productID, variant string) (Line, error)
}

// ProductCatalog looks products up in the products table.
type ProductCatalog struct {
	db *gorm.DB
}

func NewProductCatalog(db *gorm.DB) *ProductCatalog {
	return &ProductCatalog{db: db}
}

func (c *ProductCatalog) Lookup(ctx context.Context, productID, variant string) (Line, error) {
	id, err := uuid.Parse(productID)
	if err != nil {
		return Line{}, ErrProductNotFound
	}

	var product models.Product
	err = c.db.WithContext(ctx).
		Preload("Variants").
		First(&product, "id = ? AND is_active = ?", id, true).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Line{}, ErrProductNotFound
	}
	if err != nil {
		return Line{}, err
	}

	if !product.HasVariant(variant) {
		return Line{}, ErrProductNotFound
	}

	return Line{
		ProductID: product.ID.String(),
		Name:      product.Name,
		UnitPrice: product.PriceFor(variant),
		Variant:   VariantPtr(variant),
	}, nil
}
