package handlers

import (
	"errors"
	"log"

	"github.com/gofiber/fiber/v2"

	"github.com/example/storefront/internal/cart"
	"github.com/example/storefront/internal/config"
	"github.com/example/storefront/internal/middleware"
	"github.com/example/storefront/internal/models"
	"github.com/example/storefront/internal/services"
	"github.com/example/storefront/internal/utils"
	"github.com/example/storefront/internal/validation"
)

// AuthHandler bundles dependencies for authentication endpoints.
type AuthHandler struct {
	users *services.UserService
	carts *cart.Service
	cfg   *config.Config
}

// NewAuthHandler constructs an AuthHandler.
func NewAuthHandler(users *services.UserService, carts *cart.Service, cfg *config.Config) *AuthHandler {
	return &AuthHandler{users: users, carts: carts, cfg: cfg}
}

type registerRequest struct {
	Email    string `json:"email"`
	Name     string `json:"name"`
	Password string `json:"password"`
}

// Register creates a new user account.
func (h *AuthHandler) Register(c *fiber.Ctx) error {
	var req registerRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid request body")
	}

	user, err := h.users.Register(c.UserContext(), services.RegisterInput{
		Email:    req.Email,
		Name:     req.Name,
		Password: req.Password,
	})
	switch {
	case errors.Is(err, services.ErrEmailTaken):
		return fiber.NewError(fiber.StatusConflict, "user already exists")
	case errors.Is(err, validation.ErrRequired):
		return fiber.NewError(fiber.StatusBadRequest, "missing required fields")
	case errors.Is(err, services.ErrWeakPassword):
		return fiber.NewError(fiber.StatusBadRequest, err.Error())
	case err != nil:
		return err
	}

	return h.issueSession(c, user, fiber.StatusCreated)
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// Login authenticates an existing user.
func (h *AuthHandler) Login(c *fiber.Ctx) error {
	var req loginRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid request body")
	}

	user, err := h.users.Authenticate(c.UserContext(), req.Email, req.Password)
	if errors.Is(err, services.ErrInvalidCredentials) {
		return fiber.NewError(fiber.StatusUnauthorized, "invalid credentials")
	}
	if err != nil {
		return err
	}

	return h.issueSession(c, user, fiber.StatusOK)
}

// issueSession signs a token and folds the visitor's guest cart into the
// account cart.
func (h *AuthHandler) issueSession(c *fiber.Ctx, user *models.User, status int) error {
	token, err := utils.GenerateToken(h.cfg.JWTSecret, user.ID, h.cfg.TokenExpires)
	if err != nil {
		return fiber.NewError(fiber.StatusInternalServerError, "failed to generate token")
	}

	merged := 0
	if guestID, ok := middleware.GetGuestID(c); ok && h.carts != nil {
		merged, err = h.carts.MergeGuest(c.UserContext(), guestID, user.ID)
		if err != nil {
			log.Printf("[Auth] guest cart merge failed for user %s: %v", user.ID, err)
		}
	}

	return c.Status(status).JSON(fiber.Map{
		"success":      true,
		"user":         profileResponse(user),
		"token":        token,
		"merged_lines": merged,
	})
}

func profileResponse(user *models.User) fiber.Map {
	return fiber.Map{
		"id":                user.ID,
		"email":             user.Email,
		"name":              user.Name,
		"phone":             user.Phone,
		"phone_display":     validation.FormatPhoneDisplay(user.Phone),
		"phone_verified_at": user.PhoneVerifiedAt,
		"is_admin":          user.IsAdmin,
		"created_at":        user.CreatedAt,
	}
}
