package checkout

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/example/storefront/internal/cart"
	"github.com/example/storefront/internal/models"
	"github.com/example/storefront/internal/services"
	"github.com/example/storefront/internal/settings"
	"github.com/example/storefront/internal/validation"
)

// Cart is the slice of the cart store checkout needs.
type Cart interface {
	Items(ctx context.Context, owner cart.Owner) ([]cart.Line, error)
	Clear(ctx context.Context, owner cart.Owner) error
}

// OTP sends and checks phone verification codes.
type OTP interface {
	SendOTP(ctx context.Context, identifier string) (string, error)
	VerifyOTP(ctx context.Context, requestToken, code string) error
}

// Gateway opens gateway orders and verifies their payment signatures.
type Gateway interface {
	Configured() bool
	CreateOrder(ctx context.Context, amount decimal.Decimal, currency, receipt string, notes map[string]string) (*services.GatewayOrder, error)
	Verify(orderID, paymentID, signature string) (*services.VerifiedPayment, error)
}

// Orders persists finalized checkouts.
type Orders interface {
	Create(ctx context.Context, draft services.OrderDraft) (*models.Order, error)
}

// Profiles records a freshly verified phone on the user profile.
type Profiles interface {
	MarkPhoneVerified(ctx context.Context, userID uuid.UUID, phone string) error
}

// Notifier is told about every placed order. Failures are only logged.
type Notifier interface {
	NotifyNewOrder(order *models.Order) error
}

// Options tune timing and the phone country code.
type Options struct {
	CountryCode    string
	GatewayTimeout time.Duration
	CODDelay       time.Duration
	Now            func() time.Time
}

// Deps are the collaborators of a Service. Profiles and Notifier may be nil.
type Deps struct {
	States   *StateStore
	Drafts   *DraftStore
	Cart     Cart
	Settings settings.Provider
	OTP      OTP
	Gateway  Gateway
	Orders   Orders
	Profiles Profiles
	Notifier Notifier
}

// Service runs the server-held checkout. Calls for one user are serialized.
type Service struct {
	deps  Deps
	opts  Options
	locks *keyedMutex
}

func NewService(deps Deps, opts Options) *Service {
	if opts.CountryCode == "" {
		opts.CountryCode = validation.DefaultCountryCode
	}
	if opts.GatewayTimeout <= 0 {
		opts.GatewayTimeout = 15 * time.Second
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Service{deps: deps, opts: opts, locks: newKeyedMutex()}
}

// Summary is the priced view of the cart at this moment.
type Summary struct {
	Items          []cart.Line             `json:"items"`
	Subtotal       decimal.Decimal         `json:"subtotal"`
	ShippingFee    decimal.Decimal         `json:"shipping_fee"`
	Total          decimal.Decimal         `json:"total"`
	Currency       string                  `json:"currency"`
	PaymentOptions settings.PaymentOptions `json:"payment_options"`
	TaxIncluded    bool                    `json:"tax_included"`
}

// PaymentLaunch is what the client needs to open the hosted payment UI.
type PaymentLaunch struct {
	KeyID          string            `json:"key_id"`
	GatewayOrderID string            `json:"gateway_order_id"`
	Amount         int64             `json:"amount"`
	Currency       string            `json:"currency"`
	Receipt        string            `json:"receipt"`
	Prefill        map[string]string `json:"prefill"`
	Notes          map[string]string `json:"notes"`
}

// View is the client-facing checkout state.
type View struct {
	Step          Step           `json:"step"`
	StepName      string         `json:"step_name"`
	Contact       Contact        `json:"contact"`
	Shipping      Shipping       `json:"shipping"`
	PhoneVerified bool           `json:"phone_verified"`
	OTPRequested  bool           `json:"otp_requested"`
	PaymentMethod string         `json:"payment_method,omitempty"`
	Processing    bool           `json:"processing"`
	Payment       *PaymentLaunch `json:"payment,omitempty"`
	OrderID       string         `json:"order_id,omitempty"`
	OrderNumber   string         `json:"order_number,omitempty"`
	Summary       *Summary       `json:"summary,omitempty"`
}

// Start opens a fresh checkout at the contact step, prefilled from the
// profile and, when draftToken is set, from a saved draft. Verification
// always starts over.
func (s *Service) Start(ctx context.Context, sess Session, draftToken string) (*View, error) {
	if !sess.Authenticated() {
		return nil, &Error{Kind: KindAuthentication, Message: "sign in to continue", Hint: "Save your progress as a draft and sign in."}
	}
	unlock := s.locks.Lock(sess.UserID.String())
	defer unlock()

	if prev, err := s.deps.States.Load(ctx, sess.UserID); err == nil && prev.Processing {
		if prev.paymentCaptured() {
			log.Printf("[Checkout] user %s tried to restart with payment %s for gateway order %s unsaved", sess.UserID, prev.Pending.PaymentID, prev.Pending.GatewayOrderID)
			return nil, errPaymentUnsaved()
		}
		log.Printf("[Checkout] user %s restarted with gateway order pending", sess.UserID)
	}

	st := &State{
		UserID:  sess.UserID,
		Step:    StepContact,
		Contact: Contact{Email: sess.Email, Phone: sess.Phone},
	}
	if draftToken != "" {
		draft, err := s.deps.Drafts.Take(ctx, draftToken)
		switch {
		case errors.Is(err, ErrDraftNotFound):
			log.Printf("[Checkout] draft for user %s not found, starting clean", sess.UserID)
		case err != nil:
			return nil, s.persistenceError("could not restore your saved checkout", err)
		default:
			draft.normalized().applyTo(st)
		}
	}
	st.resetVerification()

	if err := s.save(ctx, st); err != nil {
		return nil, err
	}
	return s.view(ctx, st, nil)
}

// Get returns the current checkout.
func (s *Service) Get(ctx context.Context, sess Session) (*View, error) {
	st, err := s.load(ctx, sess)
	if err != nil {
		return nil, err
	}
	return s.view(ctx, st, nil)
}

// Summary prices the user's cart without touching checkout state.
func (s *Service) Summary(ctx context.Context, sess Session) (*Summary, error) {
	if !sess.Authenticated() {
		return nil, &Error{Kind: KindAuthentication, Message: "sign in to continue"}
	}
	lines, err := s.deps.Cart.Items(ctx, sess.cartOwner())
	if err != nil {
		return nil, s.persistenceError("could not load your cart", err)
	}
	return s.summarize(ctx, lines)
}

// UpdateContact stores the contact fields. Changing the phone after it was
// verified discards the verification.
func (s *Service) UpdateContact(ctx context.Context, sess Session, contact Contact) (*View, error) {
	return s.mutate(ctx, sess, func(st *State) error {
		if st.Step != StepContact {
			return stateError("contact details can only be changed on the contact step", "Go back to the contact step first.")
		}
		contact.Email = strings.TrimSpace(contact.Email)
		contact.Phone = strings.TrimSpace(contact.Phone)

		if validation.NormalizePhone(contact.Phone) != validation.NormalizePhone(st.Contact.Phone) {
			st.resetVerification()
		}
		st.Contact = contact
		return nil
	}, func(st *State) error {
		return validateContact(st.Contact)
	})
}

// SendOTP asks the provider to text a code to the contact phone.
func (s *Service) SendOTP(ctx context.Context, sess Session) (*View, error) {
	return s.mutate(ctx, sess, func(st *State) error {
		if st.Step != StepContact {
			return stateError("the phone can only be verified on the contact step", "")
		}
		if err := validation.ValidatePhone(st.Contact.Phone); err != nil {
			return fieldError("phone", err)
		}

		phone := validation.NormalizePhone(st.Contact.Phone)
		callCtx, cancel := context.WithTimeout(ctx, s.opts.GatewayTimeout)
		defer cancel()

		token, err := s.deps.OTP.SendOTP(callCtx, validation.PhoneIdentifier(s.opts.CountryCode, phone))
		if err != nil {
			st.resetVerification()
			return otpError(err)
		}

		st.Verification = PhoneVerification{
			RequestToken: token,
			Phone:        phone,
			SentAt:       s.opts.Now(),
		}
		log.Printf("[Checkout] OTP sent for user %s", sess.UserID)
		return nil
	}, nil)
}

// VerifyOTP checks code against the outstanding challenge.
func (s *Service) VerifyOTP(ctx context.Context, sess Session, code string) (*View, error) {
	var verifiedPhone string
	view, err := s.mutate(ctx, sess, func(st *State) error {
		if st.Step != StepContact {
			return stateError("the phone can only be verified on the contact step", "")
		}
		code = strings.TrimSpace(code)
		if code == "" {
			return fieldError("code", validation.ErrOTPCodeRequired)
		}
		if st.Verification.RequestToken == "" {
			return &Error{Kind: KindVerification, Field: "code", Message: "no code has been requested", Hint: "Request a code first."}
		}
		if st.Verification.Phone != validation.NormalizePhone(st.Contact.Phone) {
			st.resetVerification()
			return &Error{Kind: KindVerification, Field: "phone", Message: "the phone number changed after the code was sent", Hint: "Request a new code."}
		}

		callCtx, cancel := context.WithTimeout(ctx, s.opts.GatewayTimeout)
		defer cancel()

		if err := s.deps.OTP.VerifyOTP(callCtx, st.Verification.RequestToken, code); err != nil {
			st.Verification.Verified = false
			return otpError(err)
		}
		st.Verification.Verified = true
		verifiedPhone = st.Verification.Phone
		return nil
	}, nil)
	if err != nil {
		return view, err
	}

	if s.deps.Profiles != nil && verifiedPhone != "" {
		if err := s.deps.Profiles.MarkPhoneVerified(ctx, sess.UserID, verifiedPhone); err != nil {
			log.Printf("[Checkout] failed to store verified phone for user %s: %v", sess.UserID, err)
		}
	}
	return view, nil
}

// AdvanceToShipping moves from contact to shipping when the contact is valid
// and the phone verified.
func (s *Service) AdvanceToShipping(ctx context.Context, sess Session) (*View, error) {
	return s.mutate(ctx, sess, func(st *State) error {
		switch st.Step {
		case StepShipping:
			return nil
		case StepContact:
		default:
			return stateError(fmt.Sprintf("cannot move to shipping from the %s step", st.Step), "")
		}
		if err := contactGuard(sess, st); err != nil {
			return err
		}
		st.Step = StepShipping
		return nil
	}, nil)
}

// UpdateShipping stores the shipping address.
func (s *Service) UpdateShipping(ctx context.Context, sess Session, shipping Shipping) (*View, error) {
	return s.mutate(ctx, sess, func(st *State) error {
		if st.Step != StepShipping {
			return stateError("the address can only be changed on the shipping step", "Go back to the shipping step first.")
		}
		st.Shipping = Shipping{
			Name:    strings.TrimSpace(shipping.Name),
			Address: strings.TrimSpace(shipping.Address),
			City:    strings.TrimSpace(shipping.City),
			State:   strings.TrimSpace(shipping.State),
			Pincode: validation.Digits(shipping.Pincode),
		}
		if st.Shipping.Pincode == "" {
			st.Shipping.Pincode = strings.TrimSpace(shipping.Pincode)
		}
		return nil
	}, func(st *State) error {
		return validateShipping(st.Shipping)
	})
}

// AdvanceToPayment moves from shipping to payment. The phone verification is
// checked again; a checkout that lost it goes back to the contact step.
func (s *Service) AdvanceToPayment(ctx context.Context, sess Session) (*View, error) {
	return s.mutate(ctx, sess, func(st *State) error {
		switch st.Step {
		case StepPayment:
			return nil
		case StepShipping:
		default:
			return stateError(fmt.Sprintf("cannot move to payment from the %s step", st.Step), "")
		}
		if err := shippingGuard(st); err != nil {
			return err
		}
		if err := contactGuard(sess, st); err != nil {
			log.Printf("[Checkout] user %s reached shipping without a verified phone, returning to contact", sess.UserID)
			st.Step = StepContact
			st.resetVerification()
			return &Error{
				Kind:    KindVerification,
				Field:   "phone",
				Message: errPhoneNotYet.Error(),
				Hint:    "Your phone verification expired. Verify it again to continue.",
				Err:     err,
			}
		}

		lines, err := s.deps.Cart.Items(ctx, sess.cartOwner())
		if err != nil {
			return s.persistenceError("could not load your cart", err)
		}
		if len(lines) == 0 {
			return stateError("your cart is empty", "Add something to your cart first.")
		}
		summary, err := s.summarize(ctx, lines)
		if err != nil {
			return err
		}
		if !summary.PaymentOptions.Any() {
			return &Error{Kind: KindConfiguration, Message: "no payment method is available", Hint: "The store has no payment method configured. Contact the store operator."}
		}
		if !methodOffered(st.PaymentMethod, summary.PaymentOptions) {
			st.PaymentMethod = defaultMethod(summary.PaymentOptions)
		}
		st.Step = StepPayment
		return nil
	}, nil)
}

// SelectPaymentMethod picks online or cash on delivery.
func (s *Service) SelectPaymentMethod(ctx context.Context, sess Session, method string) (*View, error) {
	return s.mutate(ctx, sess, func(st *State) error {
		if st.Step != StepPayment {
			return stateError("a payment method can only be chosen on the payment step", "")
		}
		if st.Processing {
			return stateError("a payment is already in progress", "Finish or cancel the open payment first.")
		}
		method = strings.ToLower(strings.TrimSpace(method))
		if !validPaymentMethod(method) {
			return fieldError("payment_method", errors.New("choose online payment or cash on delivery"))
		}

		summary, err := s.Summary(ctx, sess)
		if err != nil {
			return err
		}
		if !methodOffered(method, summary.PaymentOptions) {
			return fieldError("payment_method", errors.New("this payment method is not available for this order"))
		}
		st.PaymentMethod = method
		return nil
	}, nil)
}

// Submit places the order. Cash on delivery is finalized right away; online
// payment opens a gateway order that ConfirmPayment completes. A second
// submit while one is processing is refused.
func (s *Service) Submit(ctx context.Context, sess Session) (*View, error) {
	if !sess.Authenticated() {
		return nil, &Error{Kind: KindAuthentication, Message: "sign in to continue"}
	}
	unlock := s.locks.Lock(sess.UserID.String())
	defer unlock()

	st, err := s.deps.States.Load(ctx, sess.UserID)
	if err != nil {
		return nil, s.loadError(err)
	}
	switch {
	case st.Step == StepCompleted:
		return nil, stateError("this checkout is already complete", "Start a new checkout.")
	case st.Step != StepPayment:
		return nil, stateError("complete the contact and shipping steps first", "")
	case st.Processing:
		return nil, stateError("a payment is already in progress", "Finish or cancel the open payment first.")
	}
	if err := contactGuard(sess, st); err != nil {
		st.Step = StepContact
		st.resetVerification()
		_ = s.save(ctx, st)
		return nil, err
	}

	lines, err := s.deps.Cart.Items(ctx, sess.cartOwner())
	if err != nil {
		return nil, s.persistenceError("could not load your cart", err)
	}
	if len(lines) == 0 {
		return nil, stateError("your cart is empty", "Add something to your cart first.")
	}
	summary, err := s.summarize(ctx, lines)
	if err != nil {
		return nil, err
	}
	if !methodOffered(st.PaymentMethod, summary.PaymentOptions) {
		return nil, fieldError("payment_method", errors.New("this payment method is not available for this order"))
	}

	st.Processing = true
	if err := s.save(ctx, st); err != nil {
		return nil, err
	}

	if st.PaymentMethod == models.PaymentMethodCOD {
		return s.submitCOD(ctx, sess, st, summary)
	}
	return s.submitOnline(ctx, sess, st, summary)
}

func (s *Service) submitCOD(ctx context.Context, sess Session, st *State, summary *Summary) (*View, error) {
	if s.opts.CODDelay > 0 {
		timer := time.NewTimer(s.opts.CODDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			st.clearPayment()
			_ = s.save(context.WithoutCancel(ctx), st)
			return nil, &Error{Kind: KindPersistence, Message: "the order was not placed", Retryable: true, Err: ctx.Err()}
		case <-timer.C:
		}
	}

	snapshot := &PendingPayment{
		Lines:       summary.Items,
		Subtotal:    summary.Subtotal,
		ShippingFee: summary.ShippingFee,
		Total:       summary.Total,
		Currency:    summary.Currency,
	}
	if err := s.finalize(ctx, sess, st, snapshot, nil); err != nil {
		st.clearPayment()
		_ = s.save(ctx, st)
		return nil, err
	}
	return s.view(ctx, st, nil)
}

func (s *Service) submitOnline(ctx context.Context, sess Session, st *State, summary *Summary) (*View, error) {
	receipt := newReceipt()
	notes := shippingNotes(st.Shipping)

	callCtx, cancel := context.WithTimeout(ctx, s.opts.GatewayTimeout)
	defer cancel()

	gatewayOrder, err := s.deps.Gateway.CreateOrder(callCtx, summary.Total, summary.Currency, receipt, notes)
	if err != nil {
		st.clearPayment()
		if saveErr := s.save(ctx, st); saveErr != nil {
			log.Printf("[Checkout] failed to reset processing for user %s: %v", sess.UserID, saveErr)
		}
		return nil, paymentCreateError(err)
	}

	st.Pending = &PendingPayment{
		GatewayOrderID: gatewayOrder.ID,
		KeyID:          gatewayOrder.KeyID,
		Receipt:        receipt,
		AmountMinor:    gatewayOrder.Amount,
		Currency:       gatewayOrder.Currency,
		Lines:          summary.Items,
		Subtotal:       summary.Subtotal,
		ShippingFee:    summary.ShippingFee,
		Total:          summary.Total,
	}
	if err := s.save(ctx, st); err != nil {
		return nil, err
	}

	log.Printf("[Checkout] gateway order %s opened for user %s", gatewayOrder.ID, sess.UserID)
	return s.view(ctx, st, paymentLaunch(st))
}

// paymentLaunch rebuilds the hosted payment parameters of the open gateway
// order, so a reload while processing can reopen the same order.
func paymentLaunch(st *State) *PaymentLaunch {
	p := st.Pending
	return &PaymentLaunch{
		KeyID:          p.KeyID,
		GatewayOrderID: p.GatewayOrderID,
		Amount:         p.AmountMinor,
		Currency:       p.Currency,
		Receipt:        p.Receipt,
		Prefill: map[string]string{
			"name":    st.Shipping.Name,
			"email":   st.Contact.Email,
			"contact": validation.NormalizePhone(st.Contact.Phone),
		},
		Notes: shippingNotes(st.Shipping),
	}
}

func shippingNotes(sh Shipping) map[string]string {
	return map[string]string{
		"name":    sh.Name,
		"address": sh.Address,
		"city":    sh.City,
		"state":   sh.State,
		"pincode": sh.Pincode,
	}
}

// PaymentCallback carries the values the gateway hands the client after a
// successful payment.
type PaymentCallback struct {
	GatewayOrderID string `json:"gateway_order_id"`
	PaymentID      string `json:"gateway_payment_id"`
	Signature      string `json:"signature"`
}

// ConfirmPayment verifies the gateway callback and finalizes the order as
// paid. A failed verification leaves the checkout on the payment step with
// nothing created.
func (s *Service) ConfirmPayment(ctx context.Context, sess Session, cb PaymentCallback) (*View, error) {
	if !sess.Authenticated() {
		return nil, &Error{Kind: KindAuthentication, Message: "sign in to continue"}
	}
	unlock := s.locks.Lock(sess.UserID.String())
	defer unlock()

	st, err := s.deps.States.Load(ctx, sess.UserID)
	if err != nil {
		return nil, s.loadError(err)
	}
	if st.Step == StepCompleted {
		return nil, stateError("this checkout is already complete", "")
	}
	if st.Step != StepPayment || !st.Processing || st.Pending == nil || st.Pending.GatewayOrderID == "" {
		return nil, stateError("there is no payment awaiting confirmation", "Submit the order first.")
	}

	captured := st.paymentCaptured()
	if captured && (cb.GatewayOrderID != st.Pending.GatewayOrderID || cb.PaymentID != st.Pending.PaymentID) {
		log.Printf("[Checkout] callback %s/%s does not match received payment %s/%s for user %s", cb.GatewayOrderID, cb.PaymentID, st.Pending.GatewayOrderID, st.Pending.PaymentID, sess.UserID)
		return nil, &Error{Kind: KindPaymentVerify, Message: "a different payment was already received for this checkout", Hint: "Confirm the received payment again.", Retryable: true}
	}

	if cb.GatewayOrderID != st.Pending.GatewayOrderID {
		log.Printf("[Checkout] callback order %q does not match pending %q for user %s", cb.GatewayOrderID, st.Pending.GatewayOrderID, sess.UserID)
		st.clearPayment()
		_ = s.save(ctx, st)
		return nil, &Error{Kind: KindPaymentVerify, Message: "the payment does not belong to this checkout", Hint: "Submit the order again.", Retryable: true}
	}

	proof, err := s.deps.Gateway.Verify(cb.GatewayOrderID, cb.PaymentID, cb.Signature)
	if err != nil {
		if !captured {
			st.clearPayment()
			_ = s.save(ctx, st)
		}
		if services.IsPaymentKind(err, services.PaymentConfigurationMissing) {
			return nil, configurationError("online payments are not configured", err)
		}
		return nil, &Error{Kind: KindPaymentVerify, Message: "payment verification failed", Hint: "No order was placed. You can try the payment again.", Retryable: true, Err: err}
	}

	if err := s.finalize(ctx, sess, st, st.Pending, proof); err != nil {
		st.Pending.PaymentID = proof.PaymentID()
		if saveErr := s.save(ctx, st); saveErr != nil {
			log.Printf("[Checkout] payment %s for gateway order %s not recorded for user %s: %v", proof.PaymentID(), proof.GatewayOrderID(), sess.UserID, saveErr)
		}
		return nil, err
	}
	return s.view(ctx, st, nil)
}

// DismissPayment records that the shopper closed the payment UI. It is not an
// error.
func (s *Service) DismissPayment(ctx context.Context, sess Session) (*View, error) {
	return s.mutate(ctx, sess, func(st *State) error {
		if st.Step != StepPayment {
			return nil
		}
		if st.paymentCaptured() {
			return errPaymentUnsaved()
		}
		if st.Pending != nil {
			log.Printf("[Checkout] user %s dismissed gateway order %s", sess.UserID, st.Pending.GatewayOrderID)
		}
		st.clearPayment()
		return nil
	}, nil)
}

// FailPayment records a failure reported by the gateway and surfaces its
// description.
func (s *Service) FailPayment(ctx context.Context, sess Session, description string) (*View, error) {
	view, err := s.mutate(ctx, sess, func(st *State) error {
		if st.paymentCaptured() {
			return errPaymentUnsaved()
		}
		if st.Step == StepPayment {
			st.clearPayment()
		}
		return nil
	}, nil)
	if err != nil {
		return view, err
	}
	description = strings.TrimSpace(description)
	if description == "" {
		description = "the payment failed"
	}
	return view, &Error{Kind: KindPaymentVerify, Message: description, Hint: "No order was placed. You can try the payment again.", Retryable: true}
}

// Back returns to an earlier step. Verification survives going back; only a
// phone change discards it.
func (s *Service) Back(ctx context.Context, sess Session, to Step) (*View, error) {
	return s.mutate(ctx, sess, func(st *State) error {
		if st.Step == StepCompleted {
			return stateError("this checkout is already complete", "")
		}
		if st.Processing {
			return stateError("a payment is in progress", "Finish or cancel the open payment first.")
		}
		if to < StepContact || to >= st.Step {
			return stateError(fmt.Sprintf("cannot go back to step %d from the %s step", to, st.Step), "")
		}
		st.Step = to
		return nil
	}, nil)
}

// SaveDraft stores the resumable fields before a sign-in redirect.
func (s *Service) SaveDraft(ctx context.Context, draft CheckoutDraft) (string, CheckoutDraft, error) {
	draft = draft.normalized()
	token, err := s.deps.Drafts.Put(ctx, draft)
	if err != nil {
		return "", draft, s.persistenceError("could not save your checkout", err)
	}
	return token, draft, nil
}

// RestoreDraft returns a saved draft once.
func (s *Service) RestoreDraft(ctx context.Context, token string) (*CheckoutDraft, error) {
	draft, err := s.deps.Drafts.Take(ctx, token)
	if err != nil {
		return nil, err
	}
	restored := draft.normalized()
	return &restored, nil
}

// finalize persists the order and clears the cart. A persistence failure
// leaves the cart untouched and the checkout on the payment step.
func (s *Service) finalize(ctx context.Context, sess Session, st *State, snapshot *PendingPayment, proof *services.VerifiedPayment) error {
	draft := services.OrderDraft{
		UserID:        sess.UserID,
		OrderNumber:   services.GenerateOrderNumber(s.opts.Now()),
		Subtotal:      snapshot.Subtotal,
		ShippingFee:   snapshot.ShippingFee,
		Total:         snapshot.Total,
		Currency:      snapshot.Currency,
		ContactEmail:  st.Contact.Email,
		ContactPhone:  validation.NormalizePhone(st.Contact.Phone),
		ShippingName:  st.Shipping.Name,
		Address:       st.Shipping.Address,
		City:          st.Shipping.City,
		State:         st.Shipping.State,
		Pincode:       st.Shipping.Pincode,
		PaymentMethod: st.PaymentMethod,
		Payment:       proof,
	}
	for _, line := range snapshot.Lines {
		draft.Items = append(draft.Items, services.OrderLineDraft{
			ProductID: line.ProductID,
			Name:      line.Name,
			Variant:   line.Variant,
			UnitPrice: line.UnitPrice,
			Quantity:  line.Quantity,
		})
	}

	order, err := s.deps.Orders.Create(ctx, draft)
	if err != nil {
		if proof != nil {
			log.Printf("[Checkout] order persistence failed for user %s after payment %s on gateway order %s: %v", sess.UserID, proof.PaymentID(), proof.GatewayOrderID(), err)
			return &Error{
				Kind:      KindPersistence,
				Message:   "your payment was received but the order could not be saved",
				Hint:      "Confirm the payment again to place the order.",
				Retryable: true,
				Err:       err,
			}
		}
		log.Printf("[Checkout] order persistence failed for user %s: %v", sess.UserID, err)
		return &Error{
			Kind:      KindPersistence,
			Message:   "your order could not be saved",
			Hint:      "Your cart is unchanged. Try again.",
			Retryable: true,
			Err:       err,
		}
	}

	if err := s.deps.Cart.Clear(ctx, sess.cartOwner()); err != nil {
		log.Printf("[Checkout] order %s placed but cart clear failed for user %s: %v", order.OrderNumber, sess.UserID, err)
	}

	st.Step = StepCompleted
	st.clearPayment()
	st.OrderID = order.ID.String()
	st.OrderNumber = order.OrderNumber
	if err := s.save(ctx, st); err != nil {
		log.Printf("[Checkout] order %s placed but checkout state not saved: %v", order.OrderNumber, err)
	}
	log.Printf("[Checkout] order %s placed for user %s (%s, %s)", order.OrderNumber, sess.UserID, order.PaymentMethod, order.PaymentStatus)

	if s.deps.Notifier != nil {
		go func(o *models.Order) {
			if err := s.deps.Notifier.NotifyNewOrder(o); err != nil {
				log.Printf("[Checkout] order notification failed for %s: %v", o.OrderNumber, err)
			}
		}(order)
	}
	return nil
}

// mutate loads the user's checkout under the user lock, applies fn and saves.
// validate runs after saving so field values are kept even when invalid.
func (s *Service) mutate(ctx context.Context, sess Session, fn func(*State) error, validate func(*State) error) (*View, error) {
	if !sess.Authenticated() {
		return nil, &Error{Kind: KindAuthentication, Message: "sign in to continue"}
	}
	unlock := s.locks.Lock(sess.UserID.String())
	defer unlock()

	st, err := s.deps.States.Load(ctx, sess.UserID)
	if err != nil {
		return nil, s.loadError(err)
	}

	fnErr := fn(st)
	var ce *Error
	if fnErr != nil && !errors.As(fnErr, &ce) {
		return nil, fnErr
	}
	if err := s.save(ctx, st); err != nil {
		return nil, err
	}

	view, err := s.view(ctx, st, nil)
	if err != nil {
		return nil, err
	}
	if fnErr != nil {
		return view, fnErr
	}
	if validate != nil {
		if err := validate(st); err != nil {
			return view, err
		}
	}
	return view, nil
}

func (s *Service) load(ctx context.Context, sess Session) (*State, error) {
	if !sess.Authenticated() {
		return nil, &Error{Kind: KindAuthentication, Message: "sign in to continue"}
	}
	st, err := s.deps.States.Load(ctx, sess.UserID)
	if err != nil {
		return nil, s.loadError(err)
	}
	return st, nil
}

func (s *Service) save(ctx context.Context, st *State) error {
	st.UpdatedAt = s.opts.Now()
	if err := s.deps.States.Save(ctx, st); err != nil {
		return s.persistenceError("could not save checkout progress", err)
	}
	return nil
}

func (s *Service) loadError(err error) error {
	if errors.Is(err, ErrNoCheckout) {
		return &Error{Kind: KindState, Message: ErrNoCheckout.Error(), Hint: "Start checkout again.", Err: err}
	}
	return s.persistenceError("could not load checkout progress", err)
}

func (s *Service) persistenceError(msg string, err error) *Error {
	log.Printf("[Checkout] %s: %v", msg, err)
	return &Error{Kind: KindPersistence, Message: msg, Hint: "Try again in a moment.", Retryable: true, Err: err}
}

func (s *Service) summarize(ctx context.Context, lines []cart.Line) (*Summary, error) {
	conf, err := s.deps.Settings.Get(ctx)
	if err != nil {
		return nil, s.persistenceError("could not load store settings", err)
	}
	subtotal := cart.Subtotal(lines)
	fee := conf.ShippingFee(subtotal)
	total := subtotal.Add(fee)
	if lines == nil {
		lines = []cart.Line{}
	}
	return &Summary{
		Items:          lines,
		Subtotal:       subtotal,
		ShippingFee:    fee,
		Total:          total,
		Currency:       conf.Currency,
		PaymentOptions: conf.PaymentOptions(total, s.deps.Gateway.Configured()),
		TaxIncluded:    conf.TaxIncluded,
	}, nil
}

func (s *Service) view(ctx context.Context, st *State, launch *PaymentLaunch) (*View, error) {
	v := &View{
		Step:          st.Step,
		StepName:      st.Step.String(),
		Contact:       st.Contact,
		Shipping:      st.Shipping,
		PhoneVerified: st.phoneVerified(),
		OTPRequested:  st.Verification.RequestToken != "",
		PaymentMethod: st.PaymentMethod,
		Processing:    st.Processing,
		Payment:       launch,
		OrderID:       st.OrderID,
		OrderNumber:   st.OrderNumber,
	}
	if st.Step == StepCompleted {
		return v, nil
	}
	if st.Pending != nil {
		if v.Payment == nil && st.Processing && !st.paymentCaptured() && st.Pending.GatewayOrderID != "" {
			v.Payment = paymentLaunch(st)
		}
		v.Summary = &Summary{
			Items:       st.Pending.Lines,
			Subtotal:    st.Pending.Subtotal,
			ShippingFee: st.Pending.ShippingFee,
			Total:       st.Pending.Total,
			Currency:    st.Pending.Currency,
		}
		return v, nil
	}
	lines, err := s.deps.Cart.Items(ctx, cart.Owner{UserID: st.UserID})
	if err != nil {
		return nil, s.persistenceError("could not load your cart", err)
	}
	summary, err := s.summarize(ctx, lines)
	if err != nil {
		return nil, err
	}
	v.Summary = summary
	return v, nil
}

func methodOffered(method string, opts settings.PaymentOptions) bool {
	switch method {
	case models.PaymentMethodOnline:
		return opts.Online
	case models.PaymentMethodCOD:
		return opts.COD
	}
	return false
}

func defaultMethod(opts settings.PaymentOptions) string {
	if opts.Online {
		return models.PaymentMethodOnline
	}
	if opts.COD {
		return models.PaymentMethodCOD
	}
	return ""
}

func newReceipt() string {
	return "rcpt_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:20]
}

func otpError(err error) *Error {
	var otpErr *services.OTPError
	if !errors.As(err, &otpErr) {
		return &Error{Kind: KindVerification, Message: err.Error(), Retryable: true, Err: err}
	}
	if otpErr.Kind == services.OTPConfigurationMissing {
		return configurationError("phone verification is not configured", err)
	}
	return &Error{
		Kind:      KindVerification,
		Field:     "phone",
		Message:   otpErr.Message,
		Hint:      otpErr.Hint(),
		Retryable: true,
		Err:       err,
	}
}

func paymentCreateError(err error) *Error {
	var payErr *services.PaymentError
	if errors.As(err, &payErr) {
		switch payErr.Kind {
		case services.PaymentConfigurationMissing:
			return configurationError("online payments are not configured", err)
		case services.PaymentTimeout:
			return &Error{Kind: KindPaymentCreate, Message: "the payment gateway did not respond in time", Hint: "Nothing was charged. Submit again to retry.", Retryable: true, Err: err}
		}
		return &Error{Kind: KindPaymentCreate, Message: payErr.Message, Hint: "Nothing was charged. Submit again to retry.", Retryable: true, Err: err}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &Error{Kind: KindPaymentCreate, Message: "the payment gateway did not respond in time", Hint: "Nothing was charged. Submit again to retry.", Retryable: true, Err: err}
	}
	return &Error{Kind: KindPaymentCreate, Message: err.Error(), Hint: "Nothing was charged. Submit again to retry.", Retryable: true, Err: err}
}

func configurationError(msg string, err error) *Error {
	log.Printf("[Checkout] configuration: %s: %v", msg, err)
	return &Error{Kind: KindConfiguration, Message: msg, Hint: "Contact the store operator to finish setting up the store.", Err: err}
}
