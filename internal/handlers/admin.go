package handlers

import (
	"errors"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"

	"github.com/example/storefront/internal/services"
	"github.com/example/storefront/internal/settings"
	"github.com/example/storefront/internal/utils"
)

// AdminHandler manages admin-only endpoints.
type AdminHandler struct {
	orders   *services.OrderService
	users    *services.UserService
	settings *settings.FileProvider
}

// NewAdminHandler constructs AdminHandler.
func NewAdminHandler(orders *services.OrderService, users *services.UserService, store *settings.FileProvider) *AdminHandler {
	return &AdminHandler{orders: orders, users: users, settings: store}
}

// DashboardStats returns aggregate statistics for the admin dashboard.
func (h *AdminHandler) DashboardStats(c *fiber.Ctx) error {
	stats, err := h.orders.Stats(c.UserContext())
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"success": true, "data": stats})
}

// ListOrders returns all orders, filtered by status or a search term.
func (h *AdminHandler) ListOrders(c *fiber.Ctx) error {
	pg := utils.ParsePagination(c)
	orders, total, err := h.orders.List(c.UserContext(), services.OrderFilter{
		Status: c.Query("status"),
		Search: c.Query("search"),
		Limit:  pg.Limit,
		Offset: pg.Offset,
	})
	if err != nil {
		return err
	}

	return c.JSON(fiber.Map{
		"success":    true,
		"data":       orders,
		"pagination": pg.Meta(total),
	})
}

type updateOrderStatusRequest struct {
	Status string `json:"status"`
}

// UpdateOrderStatus moves an order along the fulfillment lifecycle.
func (h *AdminHandler) UpdateOrderStatus(c *fiber.Ctx) error {
	id, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid id")
	}

	var req updateOrderStatusRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid request body")
	}

	order, err := h.orders.UpdateStatus(c.UserContext(), id, req.Status)
	switch {
	case errors.Is(err, services.ErrUnknownStatus):
		return fiber.NewError(fiber.StatusBadRequest, err.Error())
	case errors.Is(err, services.ErrOrderNotFound):
		return fiber.NewError(fiber.StatusNotFound, "order not found")
	case errors.Is(err, services.ErrInvalidTransition):
		return fiber.NewError(fiber.StatusConflict, err.Error())
	case err != nil:
		return err
	}

	return c.JSON(fiber.Map{"success": true, "data": order})
}

// ListUsers returns customer accounts.
func (h *AdminHandler) ListUsers(c *fiber.Ctx) error {
	pg := utils.ParsePagination(c)
	users, total, err := h.users.ListUsers(c.UserContext(), c.Query("search"), pg.Limit, pg.Offset)
	if err != nil {
		return err
	}

	data := make([]fiber.Map, 0, len(users))
	for i := range users {
		data = append(data, profileResponse(&users[i]))
	}

	return c.JSON(fiber.Map{
		"success":    true,
		"data":       data,
		"pagination": pg.Meta(total),
	})
}

// GetSettings returns the store settings.
func (h *AdminHandler) GetSettings(c *fiber.Ctx) error {
	current, err := h.settings.Get(c.UserContext())
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"success": true, "data": current})
}

// UpdateSettings merges the posted fields into the store settings.
func (h *AdminHandler) UpdateSettings(c *fiber.Ctx) error {
	var patch settings.Patch
	if err := c.BodyParser(&patch); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid request body")
	}
	if err := validateSettingsPatch(patch); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, err.Error())
	}

	updated, err := h.settings.Update(c.UserContext(), patch)
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"success": true, "data": updated})
}

func validateSettingsPatch(p settings.Patch) error {
	if p.FreeShippingThreshold != nil && p.FreeShippingThreshold.IsNegative() {
		return errors.New("free_shipping_threshold must not be negative")
	}
	if p.StandardShippingRate != nil && p.StandardShippingRate.IsNegative() {
		return errors.New("standard_shipping_rate must not be negative")
	}
	if p.CODLimit != nil && p.CODLimit.IsNegative() {
		return errors.New("cod_limit must not be negative")
	}
	return nil
}
