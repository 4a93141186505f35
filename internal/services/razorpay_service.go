package services

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log"
	"time"

	razorpay "github.com/razorpay/razorpay-go"
	"github.com/shopspring/decimal"
)

// PaymentErrorKind classifies payment adapter failures.
type PaymentErrorKind string

const (
	PaymentProviderError        PaymentErrorKind = "provider_error"
	PaymentConfigurationMissing PaymentErrorKind = "configuration_missing"
	PaymentTimeout              PaymentErrorKind = "timeout"
	PaymentSignatureMismatch    PaymentErrorKind = "signature_mismatch"
)

// PaymentError is returned by CreateOrder and VerifyPayment.
type PaymentError struct {
	Kind    PaymentErrorKind
	Message string
	Err     error
}

func (e *PaymentError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("payment %s: %s", e.Kind, e.Message)
	}
	return fmt.Sprintf("payment %s", e.Kind)
}

func (e *PaymentError) Unwrap() error {
	return e.Err
}

// IsPaymentKind reports whether err is a PaymentError of the given kind.
func IsPaymentKind(err error, kind PaymentErrorKind) bool {
	var payErr *PaymentError
	return errors.As(err, &payErr) && payErr.Kind == kind
}

// RazorpayConfig holds the gateway credentials.
type RazorpayConfig struct {
	KeyID     string
	KeySecret string
	Currency  string
	Timeout   time.Duration
}

// orderCreator is the subset of the razorpay-go order resource in use.
type orderCreator interface {
	Create(data map[string]interface{}, extraHeaders map[string]string) (map[string]interface{}, error)
}

// GatewayOrder is the gateway-side order a client payment widget is opened
// against. Amount is in minor units.
type GatewayOrder struct {
	ID       string `json:"id"`
	Amount   int64  `json:"amount"`
	Currency string `json:"currency"`
	Receipt  string `json:"receipt"`
	KeyID    string `json:"keyId"`
}

// RazorpayService creates gateway orders and verifies payment signatures.
type RazorpayService struct {
	cfg    RazorpayConfig
	orders orderCreator
}

func NewRazorpayService(cfg RazorpayConfig) *RazorpayService {
	if cfg.Currency == "" {
		cfg.Currency = "INR"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 20 * time.Second
	}
	s := &RazorpayService{cfg: cfg}
	if cfg.KeyID != "" && cfg.KeySecret != "" {
		s.orders = razorpay.NewClient(cfg.KeyID, cfg.KeySecret).Order
	}
	return s
}

// Configured reports whether both key id and secret are present.
func (s *RazorpayService) Configured() bool {
	return s.cfg.KeyID != "" && s.cfg.KeySecret != "" && s.orders != nil
}

func (s *RazorpayService) KeyID() string {
	return s.cfg.KeyID
}

func (s *RazorpayService) Currency() string {
	return s.cfg.Currency
}

// ToMinorUnits converts a major-unit amount to the smallest currency unit,
// rounding half away from zero.
func ToMinorUnits(amount decimal.Decimal) int64 {
	return amount.Mul(decimal.NewFromInt(100)).Round(0).IntPart()
}

// CreateOrder registers an order of amount (major units) with the gateway.
func (s *RazorpayService) CreateOrder(ctx context.Context, amount decimal.Decimal, currency, receipt string, notes map[string]string) (*GatewayOrder, error) {
	if !s.Configured() {
		return nil, &PaymentError{Kind: PaymentConfigurationMissing, Message: "payment gateway credentials are not set"}
	}
	if !amount.IsPositive() {
		return nil, &PaymentError{Kind: PaymentProviderError, Message: "amount must be positive"}
	}
	if currency == "" {
		currency = s.cfg.Currency
	}

	minor := ToMinorUnits(amount)
	data := map[string]interface{}{
		"amount":   minor,
		"currency": currency,
		"receipt":  receipt,
	}
	if len(notes) > 0 {
		n := make(map[string]interface{}, len(notes))
		for k, v := range notes {
			n[k] = v
		}
		data["notes"] = n
	}

	ctx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()

	type result struct {
		body map[string]interface{}
		err  error
	}
	done := make(chan result, 1)
	go func() {
		body, err := s.orders.Create(data, nil)
		done <- result{body: body, err: err}
	}()

	var res result
	select {
	case <-ctx.Done():
		log.Printf("[Razorpay] order create for %s timed out", receipt)
		return nil, &PaymentError{Kind: PaymentTimeout, Message: "the payment gateway did not respond in time", Err: ctx.Err()}
	case res = <-done:
	}

	if res.err != nil {
		log.Printf("[Razorpay] order create for %s failed: %v", receipt, res.err)
		return nil, &PaymentError{Kind: PaymentProviderError, Message: res.err.Error(), Err: res.err}
	}

	id, _ := res.body["id"].(string)
	if id == "" {
		return nil, &PaymentError{Kind: PaymentProviderError, Message: "gateway response has no order id"}
	}

	order := &GatewayOrder{
		ID:       id,
		Amount:   minor,
		Currency: currency,
		Receipt:  receipt,
		KeyID:    s.cfg.KeyID,
	}
	if v, ok := res.body["amount"].(float64); ok {
		order.Amount = int64(v)
	}
	if v, ok := res.body["currency"].(string); ok && v != "" {
		order.Currency = v
	}
	log.Printf("[Razorpay] created order %s for %s (%d %s)", order.ID, receipt, order.Amount, order.Currency)
	return order, nil
}

// SignPayment computes the hex HMAC-SHA256 of "orderID|paymentID".
func SignPayment(secret, orderID, paymentID string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(orderID + "|" + paymentID))
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifyPayment checks the signature the gateway handed the client after
// payment. It does no I/O.
func (s *RazorpayService) VerifyPayment(orderID, paymentID, signature string) (bool, error) {
	if s.cfg.KeySecret == "" {
		return false, &PaymentError{Kind: PaymentConfigurationMissing, Message: "payment gateway secret is not set"}
	}
	if orderID == "" || paymentID == "" || signature == "" {
		return false, nil
	}
	expected := SignPayment(s.cfg.KeySecret, orderID, paymentID)
	return hmac.Equal([]byte(expected), []byte(signature)), nil
}

// VerifiedPayment is proof that a gateway payment passed signature
// verification. Only Verify can produce a non-nil value.
type VerifiedPayment struct {
	gatewayOrderID string
	paymentID      string
}

func (v *VerifiedPayment) GatewayOrderID() string {
	return v.gatewayOrderID
}

func (v *VerifiedPayment) PaymentID() string {
	return v.paymentID
}

// Verify is VerifyPayment returning a proof on success and a
// PaymentSignatureMismatch error otherwise.
func (s *RazorpayService) Verify(orderID, paymentID, signature string) (*VerifiedPayment, error) {
	ok, err := s.VerifyPayment(orderID, paymentID, signature)
	if err != nil {
		return nil, err
	}
	if !ok {
		log.Printf("[Razorpay] signature mismatch for order %s payment %s", orderID, paymentID)
		return nil, &PaymentError{Kind: PaymentSignatureMismatch, Message: "payment signature could not be verified"}
	}
	return &VerifiedPayment{gatewayOrderID: orderID, paymentID: paymentID}, nil
}
