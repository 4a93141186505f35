package cart

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
)

const mergedMarkerTTL = 30 * 24 * time.Hour

// Service routes cart operations to the guest or user store depending on the
// owner, and performs the one-time guest-to-user merge at sign-in.
type Service struct {
	guests  *GuestStore
	users   *UserStore
	catalog Catalog
	redis   *redis.Client
}

func NewService(client *redis.Client, users *UserStore, catalog Catalog) *Service {
	return &Service{
		guests:  NewGuestStore(client),
		users:   users,
		catalog: catalog,
		redis:   client,
	}
}

func (s *Service) Items(ctx context.Context, owner Owner) ([]Line, error) {
	if err := owner.validate(); err != nil {
		return nil, err
	}
	if owner.IsUser() {
		return s.users.Lines(ctx, owner.UserID)
	}
	return s.guests.Load(ctx, owner.GuestID)
}

func (s *Service) Subtotal(ctx context.Context, owner Owner) (decimal.Decimal, error) {
	lines, err := s.Items(ctx, owner)
	if err != nil {
		return decimal.Zero, err
	}
	return Subtotal(lines), nil
}

// Add puts a product in the cart at the catalog's current price.
func (s *Service) Add(ctx context.Context, owner Owner, req AddRequest) ([]Line, error) {
	if err := owner.validate(); err != nil {
		return nil, err
	}
	if req.Quantity < 1 {
		return nil, ErrInvalidQuantity
	}

	line, err := s.catalog.Lookup(ctx, req.ProductID, req.Variant)
	if err != nil {
		return nil, err
	}
	line.Quantity = req.Quantity

	if owner.IsUser() {
		if err := s.users.Add(ctx, owner.UserID, line); err != nil {
			log.Printf("[Cart] add item for user %s failed: %v", owner.UserID, err)
			return nil, err
		}
		return s.users.Lines(ctx, owner.UserID)
	}

	lines, err := s.guests.Load(ctx, owner.GuestID)
	if err != nil {
		return nil, err
	}
	lines = mergeLine(lines, line)
	if err := s.guests.Save(ctx, owner.GuestID, lines); err != nil {
		return nil, err
	}
	return lines, nil
}

// UpdateQuantity sets the quantity of a line; anything below 1 removes it.
func (s *Service) UpdateQuantity(ctx context.Context, owner Owner, productID, variant string, quantity int) ([]Line, error) {
	if quantity < 1 {
		return s.Remove(ctx, owner, productID, variant)
	}
	if err := owner.validate(); err != nil {
		return nil, err
	}

	if owner.IsUser() {
		if err := s.users.SetQuantity(ctx, owner.UserID, productID, variant, quantity); err != nil {
			return nil, err
		}
		return s.users.Lines(ctx, owner.UserID)
	}

	lines, err := s.guests.Load(ctx, owner.GuestID)
	if err != nil {
		return nil, err
	}
	found := false
	for i := range lines {
		if lines[i].Matches(productID, variant) {
			lines[i].Quantity = quantity
			found = true
		}
	}
	if !found {
		return nil, ErrLineNotFound
	}
	if err := s.guests.Save(ctx, owner.GuestID, lines); err != nil {
		return nil, err
	}
	return lines, nil
}

func (s *Service) Remove(ctx context.Context, owner Owner, productID, variant string) ([]Line, error) {
	if err := owner.validate(); err != nil {
		return nil, err
	}

	if owner.IsUser() {
		if err := s.users.Remove(ctx, owner.UserID, productID, variant); err != nil {
			return nil, err
		}
		return s.users.Lines(ctx, owner.UserID)
	}

	lines, err := s.guests.Load(ctx, owner.GuestID)
	if err != nil {
		return nil, err
	}
	kept := lines[:0]
	for _, l := range lines {
		if !l.Matches(productID, variant) {
			kept = append(kept, l)
		}
	}
	if len(kept) == len(lines) {
		return nil, ErrLineNotFound
	}
	if err := s.guests.Save(ctx, owner.GuestID, kept); err != nil {
		return nil, err
	}
	return kept, nil
}

// Clear empties the cart. Clearing an empty cart is not an error.
func (s *Service) Clear(ctx context.Context, owner Owner) error {
	if err := owner.validate(); err != nil {
		return err
	}
	if owner.IsUser() {
		return s.users.Clear(ctx, owner.UserID)
	}
	return s.guests.Delete(ctx, owner.GuestID)
}

// MergeGuest moves a guest cart into a user cart. A guest id is merged at most
// once; later calls return 0 without touching either cart.
func (s *Service) MergeGuest(ctx context.Context, guestID string, userID uuid.UUID) (int, error) {
	if guestID == "" || userID == uuid.Nil {
		return 0, nil
	}

	first, err := s.redis.SetNX(ctx, mergedKey(guestID), userID.String(), mergedMarkerTTL).Result()
	if err != nil {
		return 0, fmt.Errorf("redis merge marker: %w", err)
	}
	if !first {
		return 0, nil
	}

	lines, err := s.guests.Take(ctx, guestID)
	if err != nil {
		s.redis.Del(ctx, mergedKey(guestID))
		return 0, err
	}

	for i, line := range lines {
		if err := s.users.Add(ctx, userID, line); err != nil {
			// Put back what was not merged so the shopper can retry.
			if restoreErr := s.guests.Save(ctx, guestID, lines[i:]); restoreErr != nil {
				log.Printf("[Cart] restoring guest cart %s failed: %v", guestID, restoreErr)
			}
			s.redis.Del(ctx, mergedKey(guestID))
			return i, fmt.Errorf("merge guest cart: %w", err)
		}
	}

	if len(lines) > 0 {
		log.Printf("[Cart] merged %d guest lines into user %s", len(lines), userID)
	}
	return len(lines), nil
}

func mergeLine(lines []Line, line Line) []Line {
	for i := range lines {
		if lines[i].Matches(line.ProductID, line.VariantLabel()) {
			lines[i].Quantity += line.Quantity
			lines[i].Name = line.Name
			lines[i].UnitPrice = line.UnitPrice
			return lines
		}
	}
	return append(lines, line)
}
