package checkout

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/storefront/internal/cart"
	"github.com/example/storefront/internal/models"
	"github.com/example/storefront/internal/services"
	"github.com/example/storefront/internal/settings"
	"github.com/example/storefront/internal/testutil"
)

const testSecret = "rzp_test_secret"

type fakeCart struct {
	mu       sync.Mutex
	lines    map[uuid.UUID][]cart.Line
	clearErr error
}

func (f *fakeCart) Items(_ context.Context, owner cart.Owner) ([]cart.Line, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]cart.Line(nil), f.lines[owner.UserID]...), nil
}

func (f *fakeCart) Clear(_ context.Context, owner cart.Owner) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.clearErr != nil {
		return f.clearErr
	}
	delete(f.lines, owner.UserID)
	return nil
}

type fakeOTP struct {
	token      string
	sendErr    error
	verifyErr  error
	identifier string
	sends      int
}

func (f *fakeOTP) SendOTP(_ context.Context, identifier string) (string, error) {
	f.sends++
	f.identifier = identifier
	if f.sendErr != nil {
		return "", f.sendErr
	}
	return f.token, nil
}

func (f *fakeOTP) VerifyOTP(_ context.Context, requestToken, code string) error {
	if f.verifyErr != nil {
		return f.verifyErr
	}
	if requestToken != f.token || code != "123456" {
		return &services.OTPError{Kind: services.OTPInvalidCode, Message: "OTP not match"}
	}
	return nil
}

type fakeGateway struct {
	*services.RazorpayService
	configured bool
	orderID    string
	createErr  error
	block      bool
	calls      atomic.Int32
}

func (f *fakeGateway) Configured() bool {
	return f.configured
}

func (f *fakeGateway) CreateOrder(ctx context.Context, amount decimal.Decimal, currency, receipt string, _ map[string]string) (*services.GatewayOrder, error) {
	f.calls.Add(1)
	if f.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if f.createErr != nil {
		return nil, f.createErr
	}
	return &services.GatewayOrder{
		ID:       f.orderID,
		Amount:   services.ToMinorUnits(amount),
		Currency: currency,
		Receipt:  receipt,
		KeyID:    "rzp_test_key",
	}, nil
}

type failingOrders struct {
	err   error
	inner *services.OrderService
}

func (f *failingOrders) Create(ctx context.Context, draft services.OrderDraft) (*models.Order, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.inner.Create(ctx, draft)
}

type staticSettings struct {
	conf settings.Settings
}

func (s staticSettings) Get(context.Context) (settings.Settings, error) {
	return s.conf, nil
}

type fakeProfiles struct {
	mu     sync.Mutex
	phones map[uuid.UUID]string
}

func (f *fakeProfiles) MarkPhoneVerified(_ context.Context, id uuid.UUID, phone string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.phones[id] = phone
	return nil
}

type chanNotifier chan *models.Order

func (c chanNotifier) NotifyNewOrder(o *models.Order) error {
	c <- o
	return nil
}

type testEnv struct {
	svc      *Service
	sess     Session
	cart     *fakeCart
	otp      *fakeOTP
	gateway  *fakeGateway
	orders   *failingOrders
	store    *services.OrderService
	profiles *fakeProfiles
	notified chanNotifier
	states   *StateStore
	conf     *staticSettings
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	client, _ := testutil.NewRedis(t)
	db := testutil.NewDB(t)

	sess := Session{UserID: uuid.New(), Email: "asha@example.com", Name: "Asha"}
	env := &testEnv{
		sess: sess,
		cart: &fakeCart{lines: map[uuid.UUID][]cart.Line{
			sess.UserID: {{ProductID: "p1", Name: "Saffron Soap", UnitPrice: decimal.NewFromInt(220), Quantity: 2}},
		}},
		otp: &fakeOTP{token: "req-token-1"},
		gateway: &fakeGateway{
			RazorpayService: services.NewRazorpayService(services.RazorpayConfig{KeyID: "rzp_test_key", KeySecret: testSecret}),
			configured:      true,
			orderID:         "order_abc",
		},
		store:    services.NewOrderService(db),
		profiles: &fakeProfiles{phones: map[uuid.UUID]string{}},
		notified: make(chanNotifier, 4),
		states:   NewStateStore(client, time.Hour),
		conf:     &staticSettings{conf: settings.Defaults()},
	}
	env.orders = &failingOrders{inner: env.store}

	env.svc = NewService(Deps{
		States:   env.states,
		Drafts:   NewDraftStore(client, time.Hour),
		Cart:     env.cart,
		Settings: env.conf,
		OTP:      env.otp,
		Gateway:  env.gateway,
		Orders:   env.orders,
		Profiles: env.profiles,
		Notifier: env.notified,
	}, Options{GatewayTimeout: time.Second})
	return env
}

func (e *testEnv) toPayment(t *testing.T) *View {
	t.Helper()
	ctx := context.Background()

	_, err := e.svc.Start(ctx, e.sess, "")
	require.NoError(t, err)
	_, err = e.svc.UpdateContact(ctx, e.sess, Contact{Email: "asha@example.com", Phone: "98765 43210"})
	require.NoError(t, err)
	_, err = e.svc.SendOTP(ctx, e.sess)
	require.NoError(t, err)
	_, err = e.svc.VerifyOTP(ctx, e.sess, "123456")
	require.NoError(t, err)
	_, err = e.svc.AdvanceToShipping(ctx, e.sess)
	require.NoError(t, err)
	_, err = e.svc.UpdateShipping(ctx, e.sess, Shipping{
		Name: "Asha Rao", Address: "12 MG Road", City: "Bengaluru", State: "Karnataka", Pincode: "560 001",
	})
	require.NoError(t, err)
	view, err := e.svc.AdvanceToPayment(ctx, e.sess)
	require.NoError(t, err)
	require.Equal(t, StepPayment, view.Step)
	return view
}

func (e *testEnv) orderCount(t *testing.T) int {
	t.Helper()
	_, total, err := e.store.ListForUser(context.Background(), e.sess.UserID, 10, 0)
	require.NoError(t, err)
	return int(total)
}

func requireKind(t *testing.T, err error, kind Kind) *Error {
	t.Helper()
	require.Error(t, err)
	var ce *Error
	require.ErrorAs(t, err, &ce)
	require.Equal(t, kind, ce.Kind, ce.Error())
	return ce
}

func TestCheckout_CashOnDelivery(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	view := env.toPayment(t)
	assert.Equal(t, models.PaymentMethodOnline, view.PaymentMethod, "online is the default when available")
	assert.True(t, view.Summary.ShippingFee.Equal(decimal.NewFromInt(99)))

	_, err := env.svc.SelectPaymentMethod(ctx, env.sess, "cod")
	require.NoError(t, err)

	view, err = env.svc.Submit(ctx, env.sess)
	require.NoError(t, err)
	assert.Equal(t, StepCompleted, view.Step)
	assert.NotEmpty(t, view.OrderNumber)
	assert.Zero(t, env.gateway.calls.Load())

	orders, _, err := env.store.ListForUser(ctx, env.sess.UserID, 10, 0)
	require.NoError(t, err)
	require.Len(t, orders, 1)
	order := orders[0]
	assert.True(t, order.Total.Equal(decimal.NewFromInt(440+99)), order.Total.String())
	assert.Equal(t, models.PaymentStatusPending, order.PaymentStatus)
	assert.Equal(t, models.PaymentMethodCOD, order.PaymentMethod)
	assert.Equal(t, "560001", order.ShippingPincode)
	assert.Equal(t, "9876543210", order.ContactPhone)
	require.Len(t, order.Items, 1)
	assert.Equal(t, 2, order.Items[0].Quantity)

	lines, _ := env.cart.Items(ctx, cart.Owner{UserID: env.sess.UserID})
	assert.Empty(t, lines)

	select {
	case notified := <-env.notified:
		assert.Equal(t, view.OrderNumber, notified.OrderNumber)
	case <-time.After(time.Second):
		t.Fatal("order notification not sent")
	}
}

func TestCheckout_OnlinePaymentVerified(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.toPayment(t)

	view, err := env.svc.Submit(ctx, env.sess)
	require.NoError(t, err)
	require.NotNil(t, view.Payment)
	assert.True(t, view.Processing)
	assert.Equal(t, "order_abc", view.Payment.GatewayOrderID)
	assert.Equal(t, int64(53900), view.Payment.Amount)
	assert.Equal(t, "9876543210", view.Payment.Prefill["contact"])
	assert.Equal(t, "560001", view.Payment.Notes["pincode"])
	assert.Contains(t, view.Payment.Receipt, "rcpt_")

	view, err = env.svc.ConfirmPayment(ctx, env.sess, PaymentCallback{
		GatewayOrderID: "order_abc",
		PaymentID:      "pay_xyz",
		Signature:      services.SignPayment(testSecret, "order_abc", "pay_xyz"),
	})
	require.NoError(t, err)
	assert.Equal(t, StepCompleted, view.Step)

	orders, _, err := env.store.ListForUser(ctx, env.sess.UserID, 10, 0)
	require.NoError(t, err)
	require.Len(t, orders, 1)
	assert.Equal(t, models.PaymentStatusPaid, orders[0].PaymentStatus)
	require.NotNil(t, orders[0].PaymentReference)
	assert.Equal(t, "pay_xyz", *orders[0].PaymentReference)

	lines, _ := env.cart.Items(ctx, cart.Owner{UserID: env.sess.UserID})
	assert.Empty(t, lines)
}

func TestCheckout_TamperedSignature(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.toPayment(t)

	_, err := env.svc.Submit(ctx, env.sess)
	require.NoError(t, err)

	signature := []byte(services.SignPayment(testSecret, "order_abc", "pay_xyz"))
	if signature[0] == 'a' {
		signature[0] = 'b'
	} else {
		signature[0] = 'a'
	}

	_, err = env.svc.ConfirmPayment(ctx, env.sess, PaymentCallback{
		GatewayOrderID: "order_abc",
		PaymentID:      "pay_xyz",
		Signature:      string(signature),
	})
	ce := requireKind(t, err, KindPaymentVerify)
	assert.True(t, ce.Retryable)

	assert.Zero(t, env.orderCount(t))
	lines, _ := env.cart.Items(ctx, cart.Owner{UserID: env.sess.UserID})
	assert.Len(t, lines, 1)

	view, err := env.svc.Get(ctx, env.sess)
	require.NoError(t, err)
	assert.Equal(t, StepPayment, view.Step)
	assert.False(t, view.Processing)
}

func TestCheckout_UnverifiedPhoneCannotAdvance(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, err := env.svc.Start(ctx, env.sess, "")
	require.NoError(t, err)
	_, err = env.svc.UpdateContact(ctx, env.sess, Contact{Email: "asha@example.com", Phone: "9876543210"})
	require.NoError(t, err)

	view, err := env.svc.AdvanceToShipping(ctx, env.sess)
	ce := requireKind(t, err, KindVerification)
	assert.Equal(t, "phone", ce.Field)
	assert.Equal(t, StepContact, view.Step)

	_, err = env.svc.AdvanceToShipping(ctx, env.sess)
	requireKind(t, err, KindVerification)

	view, err = env.svc.Get(ctx, env.sess)
	require.NoError(t, err)
	assert.Equal(t, StepContact, view.Step)
}

func TestContactGuardIsIdempotent(t *testing.T) {
	sess := Session{UserID: uuid.New()}
	st := &State{
		UserID:  sess.UserID,
		Step:    StepContact,
		Contact: Contact{Email: "asha@example.com", Phone: "9876543210"},
	}
	before := *st

	first := contactGuard(sess, st)
	second := contactGuard(sess, st)
	assert.Equal(t, KindOf(first), KindOf(second))
	assert.Equal(t, before, *st)

	st.Verification = PhoneVerification{Verified: true, Phone: "9876543210", RequestToken: "t"}
	assert.NoError(t, contactGuard(sess, st))
	assert.NoError(t, contactGuard(sess, st))

	assert.Equal(t, KindAuthentication, KindOf(contactGuard(Session{}, st)))
}

func TestCheckout_PhoneChangeDropsVerification(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, err := env.svc.Start(ctx, env.sess, "")
	require.NoError(t, err)
	_, err = env.svc.UpdateContact(ctx, env.sess, Contact{Email: "asha@example.com", Phone: "9876543210"})
	require.NoError(t, err)
	_, err = env.svc.SendOTP(ctx, env.sess)
	require.NoError(t, err)
	assert.Equal(t, "919876543210", env.otp.identifier)

	view, err := env.svc.VerifyOTP(ctx, env.sess, "123456")
	require.NoError(t, err)
	assert.True(t, view.PhoneVerified)
	assert.Equal(t, "9876543210", env.profiles.phones[env.sess.UserID])

	view, err = env.svc.UpdateContact(ctx, env.sess, Contact{Email: "asha@example.com", Phone: "98765-43210"})
	require.NoError(t, err)
	assert.True(t, view.PhoneVerified, "reformatting the same number keeps verification")

	view, err = env.svc.UpdateContact(ctx, env.sess, Contact{Email: "asha@example.com", Phone: "9123456780"})
	require.NoError(t, err)
	assert.False(t, view.PhoneVerified)
	assert.False(t, view.OTPRequested)

	_, err = env.svc.AdvanceToShipping(ctx, env.sess)
	requireKind(t, err, KindVerification)
}

func TestCheckout_StartAlwaysResetsVerification(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.toPayment(t)

	view, err := env.svc.Start(ctx, env.sess, "")
	require.NoError(t, err)
	assert.Equal(t, StepContact, view.Step)
	assert.False(t, view.PhoneVerified)
}

func TestCheckout_ContactValidation(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, err := env.svc.Start(ctx, env.sess, "")
	require.NoError(t, err)

	view, err := env.svc.UpdateContact(ctx, env.sess, Contact{Email: "not-an-email", Phone: "+91 98765 43210"})
	ce := requireKind(t, err, KindValidation)
	assert.Contains(t, ce.Fields, "email")
	assert.Contains(t, ce.Fields["phone"], "country code")
	assert.Equal(t, "+91 98765 43210", view.Contact.Phone, "invalid input is kept for correction")

	_, err = env.svc.SendOTP(ctx, env.sess)
	requireKind(t, err, KindValidation)
	assert.Zero(t, env.otp.sends)

	_, err = env.svc.UpdateContact(ctx, env.sess, Contact{Email: "asha@example.com", Phone: "9876543210"})
	require.NoError(t, err)
	_, err = env.svc.VerifyOTP(ctx, env.sess, "")
	ce = requireKind(t, err, KindValidation)
	assert.Equal(t, "code", ce.Field)

	_, err = env.svc.VerifyOTP(ctx, env.sess, "123456")
	requireKind(t, err, KindVerification)
}

func TestCheckout_OTPErrors(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, err := env.svc.Start(ctx, env.sess, "")
	require.NoError(t, err)
	_, err = env.svc.UpdateContact(ctx, env.sess, Contact{Email: "asha@example.com", Phone: "9876543210"})
	require.NoError(t, err)

	env.otp.sendErr = &services.OTPError{Kind: services.OTPProviderFailure, Message: "Captcha verification required", CaptchaRequired: true}
	_, err = env.svc.SendOTP(ctx, env.sess)
	ce := requireKind(t, err, KindVerification)
	assert.Equal(t, "Captcha verification required", ce.Message)
	assert.Contains(t, ce.Hint, "captcha")

	env.otp.sendErr = &services.OTPError{Kind: services.OTPConfigurationMissing}
	_, err = env.svc.SendOTP(ctx, env.sess)
	requireKind(t, err, KindConfiguration)

	env.otp.sendErr = nil
	_, err = env.svc.SendOTP(ctx, env.sess)
	require.NoError(t, err)

	view, err := env.svc.VerifyOTP(ctx, env.sess, "000000")
	ce = requireKind(t, err, KindVerification)
	assert.Equal(t, "OTP not match", ce.Message)
	assert.False(t, view.PhoneVerified)
}

func TestCheckout_DefensiveRecheckReturnsToContact(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.toPayment(t)

	_, err := env.svc.Back(ctx, env.sess, StepShipping)
	require.NoError(t, err)

	st, err := env.states.Load(ctx, env.sess.UserID)
	require.NoError(t, err)
	st.Verification.Verified = false
	require.NoError(t, env.states.Save(ctx, st))

	view, err := env.svc.AdvanceToPayment(ctx, env.sess)
	requireKind(t, err, KindVerification)
	assert.Equal(t, StepContact, view.Step)
}

func TestCheckout_ShippingValidation(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.toPayment(t)

	_, err := env.svc.Back(ctx, env.sess, StepShipping)
	require.NoError(t, err)

	_, err = env.svc.UpdateShipping(ctx, env.sess, Shipping{Name: "Asha", Pincode: "5600"})
	ce := requireKind(t, err, KindValidation)
	assert.Contains(t, ce.Fields, "address")
	assert.Contains(t, ce.Fields, "city")
	assert.Contains(t, ce.Fields, "state")
	assert.Contains(t, ce.Fields, "pincode")
	assert.NotContains(t, ce.Fields, "name")

	view, err := env.svc.AdvanceToPayment(ctx, env.sess)
	requireKind(t, err, KindValidation)
	assert.Equal(t, StepShipping, view.Step)
}

func TestCheckout_EmptyCartCannotReachPayment(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	delete(env.cart.lines, env.sess.UserID)

	_, err := env.svc.Start(ctx, env.sess, "")
	require.NoError(t, err)
	_, err = env.svc.UpdateContact(ctx, env.sess, Contact{Email: "asha@example.com", Phone: "9876543210"})
	require.NoError(t, err)
	_, err = env.svc.SendOTP(ctx, env.sess)
	require.NoError(t, err)
	_, err = env.svc.VerifyOTP(ctx, env.sess, "123456")
	require.NoError(t, err)
	_, err = env.svc.AdvanceToShipping(ctx, env.sess)
	require.NoError(t, err)
	_, err = env.svc.UpdateShipping(ctx, env.sess, Shipping{Name: "A", Address: "B", City: "C", State: "D", Pincode: "560001"})
	require.NoError(t, err)

	_, err = env.svc.AdvanceToPayment(ctx, env.sess)
	requireKind(t, err, KindState)
}

func TestCheckout_DoubleSubmitCreatesOneGatewayOrder(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.toPayment(t)

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = env.svc.Submit(ctx, env.sess)
		}(i)
	}
	wg.Wait()

	failures := 0
	for _, err := range errs {
		if err != nil {
			failures++
			assert.Equal(t, KindState, KindOf(err))
		}
	}
	assert.Equal(t, 1, failures)
	assert.Equal(t, int32(1), env.gateway.calls.Load())

	_, err := env.svc.SelectPaymentMethod(ctx, env.sess, "cod")
	requireKind(t, err, KindState)
}

func TestCheckout_DismissAndRetry(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.toPayment(t)

	_, err := env.svc.Submit(ctx, env.sess)
	require.NoError(t, err)

	view, err := env.svc.DismissPayment(ctx, env.sess)
	require.NoError(t, err)
	assert.False(t, view.Processing)
	assert.Equal(t, StepPayment, view.Step)
	assert.Zero(t, env.orderCount(t))

	env.gateway.orderID = "order_def"
	view, err = env.svc.Submit(ctx, env.sess)
	require.NoError(t, err)
	assert.Equal(t, "order_def", view.Payment.GatewayOrderID)
	assert.Equal(t, int32(2), env.gateway.calls.Load())

	_, err = env.svc.ConfirmPayment(ctx, env.sess, PaymentCallback{
		GatewayOrderID: "order_abc",
		PaymentID:      "pay_xyz",
		Signature:      services.SignPayment(testSecret, "order_abc", "pay_xyz"),
	})
	requireKind(t, err, KindPaymentVerify)
	assert.Zero(t, env.orderCount(t), "a callback for an abandoned gateway order is refused")
}

func TestCheckout_GatewayReportedFailure(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.toPayment(t)

	_, err := env.svc.Submit(ctx, env.sess)
	require.NoError(t, err)

	view, err := env.svc.FailPayment(ctx, env.sess, "Your card was declined")
	ce := requireKind(t, err, KindPaymentVerify)
	assert.Equal(t, "Your card was declined", ce.Message)
	assert.False(t, view.Processing)
	assert.Zero(t, env.orderCount(t))
}

func TestCheckout_GatewayTimeout(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.svc.opts.GatewayTimeout = 20 * time.Millisecond
	env.gateway.block = true
	env.toPayment(t)

	_, err := env.svc.Submit(ctx, env.sess)
	ce := requireKind(t, err, KindPaymentCreate)
	assert.True(t, ce.Retryable)

	view, err := env.svc.Get(ctx, env.sess)
	require.NoError(t, err)
	assert.False(t, view.Processing)
	assert.Equal(t, StepPayment, view.Step)
}

func TestCheckout_GatewayErrors(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.toPayment(t)

	env.gateway.createErr = &services.PaymentError{Kind: services.PaymentProviderError, Message: "BAD_REQUEST_ERROR"}
	_, err := env.svc.Submit(ctx, env.sess)
	ce := requireKind(t, err, KindPaymentCreate)
	assert.Equal(t, "BAD_REQUEST_ERROR", ce.Message)

	env.gateway.createErr = &services.PaymentError{Kind: services.PaymentConfigurationMissing}
	_, err = env.svc.Submit(ctx, env.sess)
	requireKind(t, err, KindConfiguration)
}

func TestCheckout_PersistenceFailureKeepsCart(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.toPayment(t)
	_, err := env.svc.SelectPaymentMethod(ctx, env.sess, "cod")
	require.NoError(t, err)

	env.orders.err = errors.New("connection reset")
	_, err = env.svc.Submit(ctx, env.sess)
	ce := requireKind(t, err, KindPersistence)
	assert.True(t, ce.Retryable)

	lines, _ := env.cart.Items(ctx, cart.Owner{UserID: env.sess.UserID})
	assert.Len(t, lines, 1)
	view, err := env.svc.Get(ctx, env.sess)
	require.NoError(t, err)
	assert.Equal(t, StepPayment, view.Step)
	assert.False(t, view.Processing)

	env.orders.err = nil
	view, err = env.svc.Submit(ctx, env.sess)
	require.NoError(t, err)
	assert.Equal(t, StepCompleted, view.Step)
}

func TestCheckout_ConfirmRetriesAfterPersistenceFailure(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.toPayment(t)

	_, err := env.svc.Submit(ctx, env.sess)
	require.NoError(t, err)
	cb := PaymentCallback{
		GatewayOrderID: "order_abc",
		PaymentID:      "pay_xyz",
		Signature:      services.SignPayment(testSecret, "order_abc", "pay_xyz"),
	}

	env.orders.err = errors.New("connection reset")
	_, err = env.svc.ConfirmPayment(ctx, env.sess, cb)
	requireKind(t, err, KindPersistence)

	env.orders.err = nil
	view, err := env.svc.ConfirmPayment(ctx, env.sess, cb)
	require.NoError(t, err)
	assert.Equal(t, StepCompleted, view.Step)
	assert.Equal(t, 1, env.orderCount(t))
}

func TestCheckout_ReceivedPaymentCannotBeDiscarded(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.toPayment(t)

	_, err := env.svc.Submit(ctx, env.sess)
	require.NoError(t, err)
	cb := PaymentCallback{
		GatewayOrderID: "order_abc",
		PaymentID:      "pay_xyz",
		Signature:      services.SignPayment(testSecret, "order_abc", "pay_xyz"),
	}

	env.orders.err = errors.New("connection reset")
	_, err = env.svc.ConfirmPayment(ctx, env.sess, cb)
	ce := requireKind(t, err, KindPersistence)
	assert.Contains(t, ce.Message, "payment was received")

	st, err := env.states.Load(ctx, env.sess.UserID)
	require.NoError(t, err)
	require.NotNil(t, st.Pending)
	assert.Equal(t, "pay_xyz", st.Pending.PaymentID)

	_, err = env.svc.DismissPayment(ctx, env.sess)
	requireKind(t, err, KindState)
	_, err = env.svc.FailPayment(ctx, env.sess, "closed")
	requireKind(t, err, KindState)
	_, err = env.svc.Start(ctx, env.sess, "")
	requireKind(t, err, KindState)
	_, err = env.svc.Back(ctx, env.sess, StepShipping)
	requireKind(t, err, KindState)

	_, err = env.svc.ConfirmPayment(ctx, env.sess, PaymentCallback{
		GatewayOrderID: "order_abc",
		PaymentID:      "pay_other",
		Signature:      services.SignPayment(testSecret, "order_abc", "pay_other"),
	})
	requireKind(t, err, KindPaymentVerify)

	view, err := env.svc.Get(ctx, env.sess)
	require.NoError(t, err)
	assert.True(t, view.Processing)
	assert.Nil(t, view.Payment, "a received payment is not offered again")

	env.orders.err = nil
	view, err = env.svc.ConfirmPayment(ctx, env.sess, cb)
	require.NoError(t, err)
	assert.Equal(t, StepCompleted, view.Step)

	orders, _, err := env.store.ListForUser(ctx, env.sess.UserID, 10, 0)
	require.NoError(t, err)
	require.Len(t, orders, 1)
	assert.Equal(t, models.PaymentStatusPaid, orders[0].PaymentStatus)
	require.NotNil(t, orders[0].PaymentReference)
	assert.Equal(t, "pay_xyz", *orders[0].PaymentReference)
}

func TestCheckout_ReloadWhileProcessingReopensGatewayOrder(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.toPayment(t)

	submitted, err := env.svc.Submit(ctx, env.sess)
	require.NoError(t, err)
	require.NotNil(t, submitted.Payment)

	view, err := env.svc.Get(ctx, env.sess)
	require.NoError(t, err)
	assert.True(t, view.Processing)
	require.NotNil(t, view.Payment)
	assert.Equal(t, submitted.Payment, view.Payment)
	assert.Equal(t, "rzp_test_key", view.Payment.KeyID)
	assert.Equal(t, int32(1), env.gateway.calls.Load())

	view, err = env.svc.DismissPayment(ctx, env.sess)
	require.NoError(t, err)
	assert.Nil(t, view.Payment)
}

func TestCheckout_CartClearFailureStillCompletes(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.toPayment(t)
	_, err := env.svc.SelectPaymentMethod(ctx, env.sess, "cod")
	require.NoError(t, err)

	env.cart.clearErr = errors.New("redis down")
	view, err := env.svc.Submit(ctx, env.sess)
	require.NoError(t, err)
	assert.Equal(t, StepCompleted, view.Step)
	assert.Equal(t, 1, env.orderCount(t))

	_, err = env.svc.Submit(ctx, env.sess)
	requireKind(t, err, KindState)
}

func TestCheckout_PaymentOptions(t *testing.T) {
	t.Run("cod hidden above limit when online exists", func(t *testing.T) {
		env := newTestEnv(t)
		env.conf.conf.CODLimit = decimal.NewFromInt(500)
		env.toPayment(t)

		_, err := env.svc.SelectPaymentMethod(context.Background(), env.sess, "cod")
		ce := requireKind(t, err, KindValidation)
		assert.Equal(t, "payment_method", ce.Field)
	})

	t.Run("cod kept above limit without online", func(t *testing.T) {
		env := newTestEnv(t)
		env.conf.conf.CODLimit = decimal.NewFromInt(500)
		env.gateway.configured = false

		view := env.toPayment(t)
		assert.Equal(t, models.PaymentMethodCOD, view.PaymentMethod)
		assert.False(t, view.Summary.PaymentOptions.Online)
		assert.True(t, view.Summary.PaymentOptions.COD)
	})

	t.Run("free shipping at threshold", func(t *testing.T) {
		env := newTestEnv(t)
		env.cart.lines[env.sess.UserID] = []cart.Line{{ProductID: "p1", Name: "Soap", UnitPrice: decimal.NewFromInt(800), Quantity: 2}}

		summary, err := env.svc.Summary(context.Background(), env.sess)
		require.NoError(t, err)
		assert.True(t, summary.ShippingFee.IsZero())
		assert.True(t, summary.Total.Equal(decimal.NewFromInt(1600)))
	})

	t.Run("no method available", func(t *testing.T) {
		env := newTestEnv(t)
		env.conf.conf.CODEnabled = false
		env.gateway.configured = false
		ctx := context.Background()

		_, err := env.svc.Start(ctx, env.sess, "")
		require.NoError(t, err)
		_, err = env.svc.UpdateContact(ctx, env.sess, Contact{Email: "asha@example.com", Phone: "9876543210"})
		require.NoError(t, err)
		_, err = env.svc.SendOTP(ctx, env.sess)
		require.NoError(t, err)
		_, err = env.svc.VerifyOTP(ctx, env.sess, "123456")
		require.NoError(t, err)
		_, err = env.svc.AdvanceToShipping(ctx, env.sess)
		require.NoError(t, err)
		_, err = env.svc.UpdateShipping(ctx, env.sess, Shipping{Name: "A", Address: "B", City: "C", State: "D", Pincode: "560001"})
		require.NoError(t, err)
		_, err = env.svc.AdvanceToPayment(ctx, env.sess)
		requireKind(t, err, KindConfiguration)
	})
}

func TestCheckout_Back(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.toPayment(t)

	view, err := env.svc.Back(ctx, env.sess, StepContact)
	require.NoError(t, err)
	assert.Equal(t, StepContact, view.Step)
	assert.True(t, view.PhoneVerified, "going back keeps verification")

	_, err = env.svc.Back(ctx, env.sess, StepPayment)
	requireKind(t, err, KindState)

	view, err = env.svc.AdvanceToShipping(ctx, env.sess)
	require.NoError(t, err)
	assert.Equal(t, StepShipping, view.Step)
}

func TestCheckout_RequiresSignIn(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, err := env.svc.Start(ctx, Session{}, "")
	requireKind(t, err, KindAuthentication)
	_, err = env.svc.Submit(ctx, Session{})
	requireKind(t, err, KindAuthentication)

	_, err = env.svc.Get(ctx, env.sess)
	requireKind(t, err, KindState)
}

func TestCheckout_DraftRestore(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	token, saved, err := env.svc.SaveDraft(ctx, CheckoutDraft{
		Contact:       Contact{Email: "asha@example.com", Phone: "9876543210"},
		Shipping:      Shipping{Name: "Asha Rao", City: "Bengaluru"},
		PaymentMethod: "bitcoin",
		ReturnPath:    "https://evil.example/phish",
	})
	require.NoError(t, err)
	assert.Equal(t, DefaultReturnPath, saved.ReturnPath)
	assert.Empty(t, saved.PaymentMethod)

	view, err := env.svc.Start(ctx, env.sess, token)
	require.NoError(t, err)
	assert.Equal(t, StepContact, view.Step)
	assert.Equal(t, "9876543210", view.Contact.Phone)
	assert.Equal(t, "Bengaluru", view.Shipping.City)
	assert.False(t, view.PhoneVerified)
	assert.False(t, view.OTPRequested)

	_, err = env.svc.RestoreDraft(ctx, token)
	assert.ErrorIs(t, err, ErrDraftNotFound)

	view, err = env.svc.Start(ctx, env.sess, token)
	require.NoError(t, err, "a spent token starts a clean checkout")
	assert.Equal(t, "asha@example.com", view.Contact.Email)
	assert.Empty(t, view.Shipping.City)
}

func TestSanitizeReturnPath(t *testing.T) {
	cases := map[string]string{
		"":                     DefaultReturnPath,
		"/checkout?step=2":     "/checkout?step=2",
		"/account/orders":      "/account/orders",
		"//evil.example":       DefaultReturnPath,
		"https://evil.example": DefaultReturnPath,
		`/\evil.example`:       DefaultReturnPath,
		"checkout":             DefaultReturnPath,
		"javascript:alert(1)":  DefaultReturnPath,
	}
	for in, want := range cases {
		assert.Equal(t, want, SanitizeReturnPath(in), in)
	}
}
