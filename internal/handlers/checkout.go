package handlers

import (
	"errors"

	"github.com/gofiber/fiber/v2"

	"github.com/example/storefront/internal/checkout"
	"github.com/example/storefront/internal/middleware"
	"github.com/example/storefront/internal/services"
)

// CheckoutHandler exposes the three-step checkout. Every call carries the
// session built from the bearer token; the state itself lives on the server.
type CheckoutHandler struct {
	checkout *checkout.Service
	users    *services.UserService
}

// NewCheckoutHandler constructs CheckoutHandler.
func NewCheckoutHandler(svc *checkout.Service, users *services.UserService) *CheckoutHandler {
	return &CheckoutHandler{checkout: svc, users: users}
}

func (h *CheckoutHandler) session(c *fiber.Ctx) (checkout.Session, error) {
	userID, ok := middleware.GetCurrentUserID(c)
	if !ok {
		return checkout.Session{}, &checkout.Error{Kind: checkout.KindAuthentication, Message: "sign in to continue"}
	}
	user, err := h.users.Get(c.UserContext(), userID)
	if errors.Is(err, services.ErrUserNotFound) {
		return checkout.Session{}, fiber.NewError(fiber.StatusUnauthorized, "unauthorized")
	}
	if err != nil {
		return checkout.Session{}, err
	}
	return checkout.Session{
		UserID: user.ID,
		Email:  user.Email,
		Phone:  user.Phone,
		Name:   user.Name,
	}, nil
}

// run resolves the session, hands it to fn and renders the resulting view.
func (h *CheckoutHandler) run(c *fiber.Ctx, fn func(checkout.Session) (*checkout.View, error)) error {
	sess, err := h.session(c)
	if err != nil {
		return err
	}
	view, err := fn(sess)
	return writeCheckoutResult(c, view, err)
}

func bind(c *fiber.Ctx, dst any) error {
	if len(c.Body()) == 0 {
		return nil
	}
	if err := c.BodyParser(dst); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid request body")
	}
	return nil
}

type startRequest struct {
	DraftToken string `json:"draft_token"`
}

// Start opens a fresh checkout, optionally restoring a saved draft.
func (h *CheckoutHandler) Start(c *fiber.Ctx) error {
	var req startRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	return h.run(c, func(sess checkout.Session) (*checkout.View, error) {
		return h.checkout.Start(c.UserContext(), sess, req.DraftToken)
	})
}

// Get returns the current checkout.
func (h *CheckoutHandler) Get(c *fiber.Ctx) error {
	return h.run(c, func(sess checkout.Session) (*checkout.View, error) {
		return h.checkout.Get(c.UserContext(), sess)
	})
}

// Summary returns the priced cart and the payment options on offer.
func (h *CheckoutHandler) Summary(c *fiber.Ctx) error {
	sess, err := h.session(c)
	if err != nil {
		return err
	}
	summary, err := h.checkout.Summary(c.UserContext(), sess)
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"success": true, "data": summary})
}

// UpdateContact stores the email and phone of step one.
func (h *CheckoutHandler) UpdateContact(c *fiber.Ctx) error {
	var req checkout.Contact
	if err := bind(c, &req); err != nil {
		return err
	}
	return h.run(c, func(sess checkout.Session) (*checkout.View, error) {
		return h.checkout.UpdateContact(c.UserContext(), sess, req)
	})
}

// SendOTP sends a verification code to the contact phone.
func (h *CheckoutHandler) SendOTP(c *fiber.Ctx) error {
	return h.run(c, func(sess checkout.Session) (*checkout.View, error) {
		return h.checkout.SendOTP(c.UserContext(), sess)
	})
}

type verifyCodeRequest struct {
	Code string `json:"code"`
}

// VerifyOTP checks the code the shopper received.
func (h *CheckoutHandler) VerifyOTP(c *fiber.Ctx) error {
	var req verifyCodeRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	return h.run(c, func(sess checkout.Session) (*checkout.View, error) {
		return h.checkout.VerifyOTP(c.UserContext(), sess, req.Code)
	})
}

// AdvanceToShipping moves from contact to shipping.
func (h *CheckoutHandler) AdvanceToShipping(c *fiber.Ctx) error {
	return h.run(c, func(sess checkout.Session) (*checkout.View, error) {
		return h.checkout.AdvanceToShipping(c.UserContext(), sess)
	})
}

// UpdateShipping stores the delivery address.
func (h *CheckoutHandler) UpdateShipping(c *fiber.Ctx) error {
	var req checkout.Shipping
	if err := bind(c, &req); err != nil {
		return err
	}
	return h.run(c, func(sess checkout.Session) (*checkout.View, error) {
		return h.checkout.UpdateShipping(c.UserContext(), sess, req)
	})
}

// AdvanceToPayment moves from shipping to payment.
func (h *CheckoutHandler) AdvanceToPayment(c *fiber.Ctx) error {
	return h.run(c, func(sess checkout.Session) (*checkout.View, error) {
		return h.checkout.AdvanceToPayment(c.UserContext(), sess)
	})
}

type paymentMethodRequest struct {
	Method string `json:"method"`
}

// SelectPaymentMethod picks COD or online payment.
func (h *CheckoutHandler) SelectPaymentMethod(c *fiber.Ctx) error {
	var req paymentMethodRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	return h.run(c, func(sess checkout.Session) (*checkout.View, error) {
		return h.checkout.SelectPaymentMethod(c.UserContext(), sess, req.Method)
	})
}

// Submit places a COD order or opens a gateway order for online payment.
func (h *CheckoutHandler) Submit(c *fiber.Ctx) error {
	return h.run(c, func(sess checkout.Session) (*checkout.View, error) {
		return h.checkout.Submit(c.UserContext(), sess)
	})
}

// ConfirmPayment receives the gateway's success callback.
func (h *CheckoutHandler) ConfirmPayment(c *fiber.Ctx) error {
	var req checkout.PaymentCallback
	if err := bind(c, &req); err != nil {
		return err
	}
	return h.run(c, func(sess checkout.Session) (*checkout.View, error) {
		return h.checkout.ConfirmPayment(c.UserContext(), sess, req)
	})
}

// DismissPayment records that the shopper closed the payment window.
func (h *CheckoutHandler) DismissPayment(c *fiber.Ctx) error {
	return h.run(c, func(sess checkout.Session) (*checkout.View, error) {
		return h.checkout.DismissPayment(c.UserContext(), sess)
	})
}

type paymentFailureRequest struct {
	Description string `json:"description"`
}

// FailPayment records a failure reported by the gateway widget.
func (h *CheckoutHandler) FailPayment(c *fiber.Ctx) error {
	var req paymentFailureRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	return h.run(c, func(sess checkout.Session) (*checkout.View, error) {
		return h.checkout.FailPayment(c.UserContext(), sess, req.Description)
	})
}

type backRequest struct {
	Step checkout.Step `json:"step"`
}

// Back returns to an earlier step.
func (h *CheckoutHandler) Back(c *fiber.Ctx) error {
	var req backRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	return h.run(c, func(sess checkout.Session) (*checkout.View, error) {
		return h.checkout.Back(c.UserContext(), sess, req.Step)
	})
}

// SaveDraft stores the form before a sign-in redirect. No session is needed.
func (h *CheckoutHandler) SaveDraft(c *fiber.Ctx) error {
	var req checkout.CheckoutDraft
	if err := bind(c, &req); err != nil {
		return err
	}
	token, draft, err := h.checkout.SaveDraft(c.UserContext(), req)
	if err != nil {
		return err
	}
	return c.Status(fiber.StatusCreated).JSON(fiber.Map{
		"success": true,
		"data": fiber.Map{
			"token":       token,
			"return_path": draft.ReturnPath,
		},
	})
}

// RestoreDraft returns a saved draft once.
func (h *CheckoutHandler) RestoreDraft(c *fiber.Ctx) error {
	draft, err := h.checkout.RestoreDraft(c.UserContext(), c.Params("token"))
	if errors.Is(err, checkout.ErrDraftNotFound) {
		return fiber.NewError(fiber.StatusNotFound, "draft not found or expired")
	}
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"success": true, "data": draft})
}
