package handlers

import (
	"errors"
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/shopspring/decimal"

	"github.com/example/storefront/internal/services"
)

// PaymentHandler exposes the gateway's create and verify calls. The key
// secret stays on the server.
type PaymentHandler struct {
	gateway *services.RazorpayService
}

// NewPaymentHandler constructs PaymentHandler.
func NewPaymentHandler(gateway *services.RazorpayService) *PaymentHandler {
	return &PaymentHandler{gateway: gateway}
}

type createPaymentRequest struct {
	AmountMajorUnits decimal.Decimal `json:"amountMajorUnits"`
	Currency         string          `json:"currency"`
	Receipt          string          `json:"receipt"`
}

// Create opens a gateway order for the given amount.
func (h *PaymentHandler) Create(c *fiber.Ctx) error {
	var req createPaymentRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid request body")
	}
	if !req.AmountMajorUnits.IsPositive() {
		return fiber.NewError(fiber.StatusBadRequest, "amount must be positive")
	}
	if strings.TrimSpace(req.Receipt) == "" {
		return fiber.NewError(fiber.StatusBadRequest, "receipt is required")
	}

	order, err := h.gateway.CreateOrder(c.UserContext(), req.AmountMajorUnits, req.Currency, req.Receipt, nil)
	if err != nil {
		return writePaymentError(c, err)
	}

	return c.JSON(fiber.Map{
		"success":          true,
		"gatewayOrderId":   order.ID,
		"amountMinorUnits": order.Amount,
		"currency":         order.Currency,
		"keyId":            order.KeyID,
	})
}

type verifyPaymentRequest struct {
	GatewayOrderID   string `json:"gatewayOrderId"`
	GatewayPaymentID string `json:"gatewayPaymentId"`
	Signature        string `json:"signature"`
}

// Verify checks a payment signature.
func (h *PaymentHandler) Verify(c *fiber.Ctx) error {
	var req verifyPaymentRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid request body")
	}
	if req.GatewayOrderID == "" || req.GatewayPaymentID == "" || req.Signature == "" {
		return fiber.NewError(fiber.StatusBadRequest, "gatewayOrderId, gatewayPaymentId and signature are required")
	}

	ok, err := h.gateway.VerifyPayment(req.GatewayOrderID, req.GatewayPaymentID, req.Signature)
	if err != nil {
		return writePaymentError(c, err)
	}
	if !ok {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"success": false,
			"error":   fiber.Map{"message": "payment signature mismatch"},
		})
	}

	return c.JSON(fiber.Map{"success": true})
}

func writePaymentError(c *fiber.Ctx, err error) error {
	var payErr *services.PaymentError
	if !errors.As(err, &payErr) {
		return err
	}
	return c.Status(paymentStatus(payErr.Kind)).JSON(fiber.Map{
		"success": false,
		"error": fiber.Map{
			"kind":    payErr.Kind,
			"message": payErr.Message,
		},
	})
}
