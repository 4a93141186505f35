package cart

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/example/storefront/internal/models"
)

// UserStore keeps signed-in users' carts in the cart_items table.
type UserStore struct {
	db *gorm.DB
}

func NewUserStore(db *gorm.DB) *UserStore {
	return &UserStore{db: db}
}

func (s *UserStore) Lines(ctx context.Context, userID uuid.UUID) ([]Line, error) {
	var items []models.CartItem
	if err := s.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at asc").
		Find(&items).Error; err != nil {
		return nil, fmt.Errorf("load cart: %w", err)
	}

	lines := make([]Line, 0, len(items))
	for _, item := range items {
		lines = append(lines, Line{
			ProductID: item.ProductID,
			Name:      item.Name,
			UnitPrice: item.UnitPrice,
			Quantity:  item.Quantity,
			Variant:   VariantPtr(item.Variant),
		})
	}
	return lines, nil
}

// Add inserts the line or increases the quantity of an existing line with the
// same key. Name and price are refreshed from line.
func (s *UserStore) Add(ctx context.Context, userID uuid.UUID, line Line) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var item models.CartItem
		err := tx.Where("user_id = ? AND product_id = ? AND variant = ?", userID, line.ProductID, line.VariantLabel()).
			First(&item).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return tx.Create(&models.CartItem{
				UserID:    userID,
				ProductID: line.ProductID,
				Variant:   line.VariantLabel(),
				Name:      line.Name,
				UnitPrice: line.UnitPrice,
				Quantity:  line.Quantity,
			}).Error
		}
		if err != nil {
			return err
		}

		return tx.Model(&item).Updates(map[string]any{
			"quantity":   item.Quantity + line.Quantity,
			"name":       line.Name,
			"unit_price": line.UnitPrice,
		}).Error
	})
}

func (s *UserStore) SetQuantity(ctx context.Context, userID uuid.UUID, productID, variant string, quantity int) error {
	res := s.db.WithContext(ctx).
		Model(&models.CartItem{}).
		Where("user_id = ? AND product_id = ? AND variant = ?", userID, productID, variant).
		Update("quantity", quantity)
	if res.Error != nil {
		return fmt.Errorf("update cart quantity: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrLineNotFound
	}
	return nil
}

func (s *UserStore) Remove(ctx context.Context, userID uuid.UUID, productID, variant string) error {
	res := s.db.WithContext(ctx).
		Where("user_id = ? AND product_id = ? AND variant = ?", userID, productID, variant).
		Delete(&models.CartItem{})
	if res.Error != nil {
		return fmt.Errorf("remove cart line: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrLineNotFound
	}
	return nil
}

func (s *UserStore) Clear(ctx context.Context, userID uuid.UUID) error {
	if err := s.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Delete(&models.CartItem{}).Error; err != nil {
		return fmt.Errorf("clear cart: %w", err)
	}
	return nil
}
