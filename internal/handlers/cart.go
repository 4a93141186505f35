package handlers

import (
	"errors"

	"github.com/gofiber/fiber/v2"

	"github.com/example/storefront/internal/cart"
	"github.com/example/storefront/internal/middleware"
)

// CartHandler serves the cart of a signed-in user or of a guest identified by
// the X-Guest-ID header.
type CartHandler struct {
	carts *cart.Service
}

// NewCartHandler constructs CartHandler.
func NewCartHandler(carts *cart.Service) *CartHandler {
	return &CartHandler{carts: carts}
}

func cartOwner(c *fiber.Ctx) (cart.Owner, error) {
	if userID, ok := middleware.GetCurrentUserID(c); ok {
		return cart.Owner{UserID: userID}, nil
	}
	if guestID, ok := middleware.GetGuestID(c); ok {
		return cart.Owner{GuestID: guestID}, nil
	}
	return cart.Owner{}, fiber.NewError(fiber.StatusBadRequest, "sign in or send a "+middleware.GuestHeader+" header")
}

func cartError(err error) error {
	switch {
	case errors.Is(err, cart.ErrInvalidQuantity), errors.Is(err, cart.ErrInvalidOwner):
		return fiber.NewError(fiber.StatusBadRequest, err.Error())
	case errors.Is(err, cart.ErrLineNotFound), errors.Is(err, cart.ErrProductNotFound):
		return fiber.NewError(fiber.StatusNotFound, err.Error())
	}
	return err
}

func cartResponse(c *fiber.Ctx, lines []cart.Line) error {
	if lines == nil {
		lines = []cart.Line{}
	}
	count := 0
	for _, l := range lines {
		count += l.Quantity
	}
	return c.JSON(fiber.Map{
		"success": true,
		"data": fiber.Map{
			"items":    lines,
			"count":    count,
			"subtotal": cart.Subtotal(lines),
		},
	})
}

// GetCart returns the caller's cart.
func (h *CartHandler) GetCart(c *fiber.Ctx) error {
	owner, err := cartOwner(c)
	if err != nil {
		return err
	}
	lines, err := h.carts.Items(c.UserContext(), owner)
	if err != nil {
		return cartError(err)
	}
	return cartResponse(c, lines)
}

// AddItem puts a product in the cart or raises its quantity.
func (h *CartHandler) AddItem(c *fiber.Ctx) error {
	owner, err := cartOwner(c)
	if err != nil {
		return err
	}
	var req cart.AddRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid request body")
	}
	if req.Quantity == 0 {
		req.Quantity = 1
	}
	lines, err := h.carts.Add(c.UserContext(), owner, req)
	if err != nil {
		return cartError(err)
	}
	return cartResponse(c, lines)
}

type updateCartItemRequest struct {
	Variant  string `json:"variant"`
	Quantity int    `json:"quantity"`
}

// UpdateItem sets the quantity of one line.
func (h *CartHandler) UpdateItem(c *fiber.Ctx) error {
	owner, err := cartOwner(c)
	if err != nil {
		return err
	}
	var req updateCartItemRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid request body")
	}
	lines, err := h.carts.UpdateQuantity(c.UserContext(), owner, c.Params("productId"), req.Variant, req.Quantity)
	if err != nil {
		return cartError(err)
	}
	return cartResponse(c, lines)
}

// RemoveItem drops one line. The variant comes from the query string.
func (h *CartHandler) RemoveItem(c *fiber.Ctx) error {
	owner, err := cartOwner(c)
	if err != nil {
		return err
	}
	lines, err := h.carts.Remove(c.UserContext(), owner, c.Params("productId"), c.Query("variant"))
	if err != nil {
		return cartError(err)
	}
	return cartResponse(c, lines)
}

// ClearCart empties the cart.
func (h *CartHandler) ClearCart(c *fiber.Ctx) error {
	owner, err := cartOwner(c)
	if err != nil {
		return err
	}
	if err := h.carts.Clear(c.UserContext(), owner); err != nil {
		return cartError(err)
	}
	return cartResponse(c, nil)
}
