package checkout

import (
	"errors"
	"net/mail"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/example/storefront/internal/cart"
	"github.com/example/storefront/internal/models"
	"github.com/example/storefront/internal/validation"
)

// Step is the position of a checkout in the three-step flow.
type Step int

const (
	StepContact Step = iota + 1
	StepShipping
	StepPayment
	StepCompleted
)

func (s Step) String() string {
	switch s {
	case StepContact:
		return "contact"
	case StepShipping:
		return "shipping"
	case StepPayment:
		return "payment"
	case StepCompleted:
		return "completed"
	}
	return "unknown"
}

// Session is the signed-in identity a checkout runs for. Handlers build it
// from the auth token and the users table and pass it into every call.
type Session struct {
	UserID uuid.UUID
	Email  string
	Phone  string
	Name   string
}

func (s Session) Authenticated() bool {
	return s.UserID != uuid.Nil
}

func (s Session) cartOwner() cart.Owner {
	return cart.Owner{UserID: s.UserID}
}

type Contact struct {
	Email string `json:"email"`
	Phone string `json:"phone"`
}

type Shipping struct {
	Name    string `json:"name"`
	Address string `json:"address"`
	City    string `json:"city"`
	State   string `json:"state"`
	Pincode string `json:"pincode"`
}

// PhoneVerification tracks the OTP challenge for the current attempt only.
// It is never restored from a draft or an earlier checkout.
type PhoneVerification struct {
	RequestToken string    `json:"request_token,omitempty"`
	Phone        string    `json:"phone,omitempty"`
	Verified     bool      `json:"verified"`
	SentAt       time.Time `json:"sent_at,omitempty"`
}

// PendingPayment is the gateway order opened by Submit together with the cart
// snapshot it was priced from. PaymentID is set once a verified payment could
// not be saved as an order; from then on the checkout can only be confirmed.
type PendingPayment struct {
	GatewayOrderID string          `json:"gateway_order_id"`
	KeyID          string          `json:"key_id,omitempty"`
	PaymentID      string          `json:"payment_id,omitempty"`
	Receipt        string          `json:"receipt"`
	AmountMinor    int64           `json:"amount_minor"`
	Currency       string          `json:"currency"`
	Lines          []cart.Line     `json:"lines"`
	Subtotal       decimal.Decimal `json:"subtotal"`
	ShippingFee    decimal.Decimal `json:"shipping_fee"`
	Total          decimal.Decimal `json:"total"`
}

// State is the server-held checkout of one user.
type State struct {
	UserID        uuid.UUID         `json:"user_id"`
	Step          Step              `json:"step"`
	Contact       Contact           `json:"contact"`
	Shipping      Shipping          `json:"shipping"`
	Verification  PhoneVerification `json:"verification"`
	PaymentMethod string            `json:"payment_method,omitempty"`
	Processing    bool              `json:"processing"`
	Pending       *PendingPayment   `json:"pending,omitempty"`
	OrderID       string            `json:"order_id,omitempty"`
	OrderNumber   string            `json:"order_number,omitempty"`
	UpdatedAt     time.Time         `json:"updated_at"`
}

// resetVerification drops any OTP challenge and its outcome.
func (s *State) resetVerification() {
	s.Verification = PhoneVerification{}
}

// phoneVerified is true only when the verified number is the one on the form.
func (s *State) phoneVerified() bool {
	return s.Verification.Verified &&
		s.Verification.Phone != "" &&
		s.Verification.Phone == validation.NormalizePhone(s.Contact.Phone)
}

// paymentCaptured is true while a verified payment still has no order.
func (s *State) paymentCaptured() bool {
	return s.Pending != nil && s.Pending.PaymentID != ""
}

func (s *State) clearPayment() {
	s.Processing = false
	s.Pending = nil
}

var (
	errEmailRequired = errors.New("email is required")
	errEmailInvalid  = errors.New("enter a valid email address")
	errPhoneNotYet   = errors.New("verify your phone number to continue")
)

func validateEmail(raw string) error {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return errEmailRequired
	}
	addr, err := mail.ParseAddress(raw)
	if err != nil || addr.Address != raw {
		return errEmailInvalid
	}
	return nil
}

func validateContact(c Contact) error {
	var fe fieldErrors
	fe.add("email", validateEmail(c.Email))
	fe.add("phone", validation.ValidatePhone(c.Phone))
	return fe.err()
}

func validateShipping(s Shipping) error {
	var fe fieldErrors
	fe.add("name", validation.Required(s.Name))
	fe.add("address", validation.Required(s.Address))
	fe.add("city", validation.Required(s.City))
	fe.add("state", validation.Required(s.State))
	fe.add("pincode", validation.ValidatePincode(s.Pincode))
	return fe.err()
}

// contactGuard decides whether a checkout may leave the contact step. It
// reads only its arguments, so repeated calls on the same state agree.
func contactGuard(sess Session, st *State) error {
	if !sess.Authenticated() {
		return &Error{Kind: KindAuthentication, Message: "sign in to continue", Hint: "Sign in and you will be brought back to checkout."}
	}
	if err := validateContact(st.Contact); err != nil {
		return err
	}
	if !st.phoneVerified() {
		return &Error{
			Kind:    KindVerification,
			Field:   "phone",
			Message: errPhoneNotYet.Error(),
			Hint:    "Request a code and enter it to verify this number.",
		}
	}
	return nil
}

// shippingGuard decides whether a checkout may leave the shipping step.
func shippingGuard(st *State) error {
	return validateShipping(st.Shipping)
}

func validPaymentMethod(method string) bool {
	return method == models.PaymentMethodOnline || method == models.PaymentMethodCOD
}
