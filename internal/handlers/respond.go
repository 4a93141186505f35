package handlers

import (
	"errors"
	"log"

	"github.com/gofiber/fiber/v2"

	"github.com/example/storefront/internal/checkout"
	"github.com/example/storefront/internal/services"
)

// ErrorHandler renders every unhandled error as the JSON error envelope.
func ErrorHandler(c *fiber.Ctx, err error) error {
	var ce *checkout.Error
	if errors.As(err, &ce) {
		return writeCheckoutError(c, ce)
	}

	code := fiber.StatusInternalServerError
	message := "internal server error"
	var fe *fiber.Error
	if errors.As(err, &fe) {
		code = fe.Code
		message = fe.Message
	} else {
		log.Printf("[HTTP] %s %s: %v", c.Method(), c.Path(), err)
	}

	return c.Status(code).JSON(fiber.Map{
		"success": false,
		"error":   fiber.Map{"message": message},
	})
}

func checkoutStatus(kind checkout.Kind) int {
	switch kind {
	case checkout.KindValidation:
		return fiber.StatusBadRequest
	case checkout.KindAuthentication:
		return fiber.StatusUnauthorized
	case checkout.KindVerification:
		return fiber.StatusUnprocessableEntity
	case checkout.KindPaymentCreate, checkout.KindPaymentVerify:
		return fiber.StatusPaymentRequired
	case checkout.KindState:
		return fiber.StatusConflict
	case checkout.KindConfiguration:
		return fiber.StatusServiceUnavailable
	default:
		return fiber.StatusInternalServerError
	}
}

func writeCheckoutError(c *fiber.Ctx, ce *checkout.Error) error {
	return c.Status(checkoutStatus(ce.Kind)).JSON(fiber.Map{
		"success": false,
		"error":   ce,
	})
}

// writeCheckoutResult answers with the view and, when err is a checkout
// error, the error next to it so the client can re-render the step.
func writeCheckoutResult(c *fiber.Ctx, view *checkout.View, err error) error {
	if err == nil {
		return c.JSON(fiber.Map{"success": true, "data": view})
	}
	var ce *checkout.Error
	if !errors.As(err, &ce) {
		return err
	}
	body := fiber.Map{"success": false, "error": ce}
	if view != nil {
		body["data"] = view
	}
	return c.Status(checkoutStatus(ce.Kind)).JSON(body)
}

func otpStatus(kind services.OTPErrorKind) int {
	switch kind {
	case services.OTPConfigurationMissing:
		return fiber.StatusServiceUnavailable
	case services.OTPProviderUnreachable:
		return fiber.StatusBadGateway
	case services.OTPInvalidCode:
		return fiber.StatusBadRequest
	default:
		return fiber.StatusUnprocessableEntity
	}
}

func paymentStatus(kind services.PaymentErrorKind) int {
	switch kind {
	case services.PaymentConfigurationMissing:
		return fiber.StatusServiceUnavailable
	case services.PaymentTimeout:
		return fiber.StatusGatewayTimeout
	default:
		return fiber.StatusBadGateway
	}
}
