package handlers

import (
	"errors"
	"strings"

	"github.com/gofiber/fiber/v2"

	"github.com/example/storefront/internal/services"
	"github.com/example/storefront/internal/validation"
)

// OTPHandler proxies the OTP provider so its key never reaches the browser.
type OTPHandler struct {
	otp         *services.OTPService
	countryCode string
}

// NewOTPHandler constructs OTPHandler.
func NewOTPHandler(otp *services.OTPService, countryCode string) *OTPHandler {
	return &OTPHandler{otp: otp, countryCode: countryCode}
}

type otpSendRequest struct {
	Phone string `json:"phone"`
}

// Send asks the provider for a code and returns the provider's request token.
func (h *OTPHandler) Send(c *fiber.Ctx) error {
	var req otpSendRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid request body")
	}
	phone := validation.NormalizePhone(req.Phone)
	if err := validation.ValidatePhone(phone); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, err.Error())
	}

	token, err := h.otp.SendOTP(c.UserContext(), validation.PhoneIdentifier(h.countryCode, phone))
	if err != nil {
		return writeOTPError(c, err)
	}

	return c.JSON(fiber.Map{"success": true, "requestToken": token})
}

type otpVerifyRequest struct {
	RequestToken string `json:"requestToken"`
	Code         string `json:"code"`
}

// Verify checks a code against the provider.
func (h *OTPHandler) Verify(c *fiber.Ctx) error {
	var req otpVerifyRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid request body")
	}
	if strings.TrimSpace(req.RequestToken) == "" {
		return fiber.NewError(fiber.StatusBadRequest, "requestToken is required")
	}
	if strings.TrimSpace(req.Code) == "" {
		return fiber.NewError(fiber.StatusBadRequest, validation.ErrOTPCodeRequired.Error())
	}

	if err := h.otp.VerifyOTP(c.UserContext(), req.RequestToken, strings.TrimSpace(req.Code)); err != nil {
		return writeOTPError(c, err)
	}

	return c.JSON(fiber.Map{"success": true})
}

func writeOTPError(c *fiber.Ctx, err error) error {
	var otpErr *services.OTPError
	if !errors.As(err, &otpErr) {
		return err
	}
	return c.Status(otpStatus(otpErr.Kind)).JSON(fiber.Map{
		"success": false,
		"error": fiber.Map{
			"kind":             otpErr.Kind,
			"message":          otpErr.Message,
			"hint":             otpErr.Hint(),
			"captcha_required": otpErr.CaptchaRequired,
		},
	})
}
