package routes

import (
	"github.com/gofiber/fiber/v2"
	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"

	"github.com/example/storefront/internal/cart"
	"github.com/example/storefront/internal/checkout"
	"github.com/example/storefront/internal/config"
	"github.com/example/storefront/internal/handlers"
	"github.com/example/storefront/internal/middleware"
	"github.com/example/storefront/internal/services"
	"github.com/example/storefront/internal/settings"
)

// Register wires up all HTTP routes.
func Register(app *fiber.App, db *gorm.DB, rdb *redis.Client, cfg *config.Config) {
	telegramService := services.NewTelegramService(cfg.TelegramBotToken, cfg.TelegramAdminChat)
	userService := services.NewUserService(db)
	orderService := services.NewOrderService(db)
	otpService := services.NewOTPService(services.OTPConfig{
		BaseURL:    cfg.OTPBaseURL,
		AuthKey:    cfg.OTPAuthKey,
		TemplateID: cfg.OTPTemplateID,
		Timeout:    cfg.GatewayTimeout,
	})
	razorpayService := services.NewRazorpayService(services.RazorpayConfig{
		KeyID:     cfg.RazorpayKeyID,
		KeySecret: cfg.RazorpayKeySecret,
		Currency:  cfg.RazorpayCurrency,
		Timeout:   cfg.GatewayTimeout,
	})
	settingsProvider := settings.NewFileProvider(cfg.SettingsPath)
	cartService := cart.NewService(rdb, cart.NewUserStore(db), cart.NewProductCatalog(db))

	checkoutService := checkout.NewService(checkout.Deps{
		States:   checkout.NewStateStore(rdb, cfg.CheckoutSessionTTL),
		Drafts:   checkout.NewDraftStore(rdb, cfg.CheckoutDraftTTL),
		Cart:     cartService,
		Settings: settingsProvider,
		OTP:      otpService,
		Gateway:  razorpayService,
		Orders:   orderService,
		Profiles: userService,
		Notifier: telegramService,
	}, checkout.Options{
		CountryCode:    cfg.OTPCountryCode,
		GatewayTimeout: cfg.GatewayTimeout,
		CODDelay:       cfg.CODDelay,
	})

	authHandler := handlers.NewAuthHandler(userService, cartService, cfg)
	profileHandler := handlers.NewProfileHandler(userService)
	productHandler := handlers.NewProductHandler(db)
	cartHandler := handlers.NewCartHandler(cartService)
	otpHandler := handlers.NewOTPHandler(otpService, cfg.OTPCountryCode)
	paymentHandler := handlers.NewPaymentHandler(razorpayService)
	checkoutHandler := handlers.NewCheckoutHandler(checkoutService, userService)
	orderHandler := handlers.NewOrderHandler(orderService)
	adminHandler := handlers.NewAdminHandler(orderService, userService, settingsProvider)

	requireAuth := middleware.AuthMiddleware(cfg.JWTSecret)
	requireAdmin := middleware.AdminOnly(userService)

	api := app.Group("/api")

	// Auth routes
	auth := api.Group("/auth", middleware.GuestID())
	auth.Post("/register", authHandler.Register)
	auth.Post("/login", authHandler.Login)

	// Products
	products := api.Group("/products")
	productHandler.RegisterProductRoutes(products, requireAuth, requireAdmin)

	// Cart works for guests and signed-in users alike
	carts := api.Group("/cart", middleware.OptionalAuth(cfg.JWTSecret), middleware.GuestID())
	carts.Get("/", cartHandler.GetCart)
	carts.Delete("/", cartHandler.ClearCart)
	carts.Post("/items", cartHandler.AddItem)
	carts.Patch("/items/:productId", cartHandler.UpdateItem)
	carts.Delete("/items/:productId", cartHandler.RemoveItem)

	// Checkout drafts survive the sign-in redirect, so no token is needed
	drafts := api.Group("/checkout/draft")
	drafts.Post("/", checkoutHandler.SaveDraft)
	drafts.Get("/:token", checkoutHandler.RestoreDraft)

	// Protected routes
	protected := api.Group("", requireAuth)

	protected.Get("/profile", profileHandler.GetProfile)
	protected.Put("/profile", profileHandler.UpdateProfile)

	protected.Post("/otp/send", otpHandler.Send)
	protected.Post("/otp/verify", otpHandler.Verify)

	protected.Post("/payments/create", paymentHandler.Create)
	protected.Post("/payments/verify", paymentHandler.Verify)

	protected.Post("/checkout/start", checkoutHandler.Start)
	protected.Get("/checkout", checkoutHandler.Get)
	protected.Get("/checkout/summary", checkoutHandler.Summary)
	protected.Put("/checkout/contact", checkoutHandler.UpdateContact)
	protected.Post("/checkout/otp/send", checkoutHandler.SendOTP)
	protected.Post("/checkout/otp/verify", checkoutHandler.VerifyOTP)
	protected.Post("/checkout/contact/next", checkoutHandler.AdvanceToShipping)
	protected.Put("/checkout/shipping", checkoutHandler.UpdateShipping)
	protected.Post("/checkout/shipping/next", checkoutHandler.AdvanceToPayment)
	protected.Put("/checkout/payment-method", checkoutHandler.SelectPaymentMethod)
	protected.Post("/checkout/submit", checkoutHandler.Submit)
	protected.Post("/checkout/payment/confirm", checkoutHandler.ConfirmPayment)
	protected.Post("/checkout/payment/dismiss", checkoutHandler.DismissPayment)
	protected.Post("/checkout/payment/failure", checkoutHandler.FailPayment)
	protected.Post("/checkout/back", checkoutHandler.Back)

	protected.Get("/orders", orderHandler.ListOrders)
	protected.Get("/orders/:id", orderHandler.GetOrder)

	// Admin routes
	admin := api.Group("/admin", requireAuth, requireAdmin)
	admin.Get("/stats", adminHandler.DashboardStats)
	admin.Get("/orders", adminHandler.ListOrders)
	admin.Patch("/orders/:id/status", adminHandler.UpdateOrderStatus)
	admin.Get("/users", adminHandler.ListUsers)
	admin.Get("/settings", adminHandler.GetSettings)
	admin.Put("/settings", adminHandler.UpdateSettings)
}
