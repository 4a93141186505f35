package middleware

import (
	"context"
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"

	"github.com/example/storefront/internal/models"
	"github.com/example/storefront/internal/utils"
)

const (
	userContextKey  = "currentUserID"
	guestContextKey = "guestID"

	// GuestHeader carries the anonymous cart id of a visitor.
	GuestHeader = "X-Guest-ID"
)

// UserLookup loads the account behind a token for admin checks.
type UserLookup interface {
	Get(ctx context.Context, id uuid.UUID) (*models.User, error)
}

// AuthMiddleware validates JWT tokens and loads the authenticated user ID into context.
func AuthMiddleware(secret string) fiber.Handler {
	return func(c *fiber.Ctx) error {
		authHeader := c.Get("Authorization")
		if authHeader == "" {
			return fiber.NewError(fiber.StatusUnauthorized, "missing authorization header")
		}

		userID, err := parseBearer(secret, authHeader)
		if err != nil {
			return err
		}

		c.Locals(userContextKey, userID)
		return c.Next()
	}
}

// OptionalAuth loads the user when a valid token is present and lets
// anonymous requests through. A malformed or expired token is still refused.
func OptionalAuth(secret string) fiber.Handler {
	return func(c *fiber.Ctx) error {
		authHeader := c.Get("Authorization")
		if authHeader == "" {
			return c.Next()
		}

		userID, err := parseBearer(secret, authHeader)
		if err != nil {
			return err
		}

		c.Locals(userContextKey, userID)
		return c.Next()
	}
}

// AdminOnly requires an authenticated user with the admin flag. It must run
// after AuthMiddleware.
func AdminOnly(users UserLookup) fiber.Handler {
	return func(c *fiber.Ctx) error {
		userID, ok := GetCurrentUserID(c)
		if !ok {
			return fiber.NewError(fiber.StatusUnauthorized, "unauthorized")
		}
		user, err := users.Get(c.UserContext(), userID)
		if err != nil || !user.IsAdmin {
			return fiber.NewError(fiber.StatusForbidden, "admin access required")
		}
		return c.Next()
	}
}

// GuestID reads the X-Guest-ID header. Only uuid values are accepted.
func GuestID() fiber.Handler {
	return func(c *fiber.Ctx) error {
		raw := strings.TrimSpace(c.Get(GuestHeader))
		if raw == "" {
			return c.Next()
		}
		id, err := uuid.Parse(raw)
		if err != nil {
			return fiber.NewError(fiber.StatusBadRequest, "invalid guest id")
		}
		c.Locals(guestContextKey, id.String())
		return c.Next()
	}
}

// GetCurrentUserID extracts the authenticated user ID from context.
func GetCurrentUserID(c *fiber.Ctx) (uuid.UUID, bool) {
	value := c.Locals(userContextKey)
	if value == nil {
		return uuid.Nil, false
	}

	if id, ok := value.(uuid.UUID); ok {
		return id, true
	}

	return uuid.Nil, false
}

// GetGuestID returns the visitor's guest id, if any.
func GetGuestID(c *fiber.Ctx) (string, bool) {
	id, ok := c.Locals(guestContextKey).(string)
	return id, ok && id != ""
}

func parseBearer(secret, header string) (uuid.UUID, error) {
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return uuid.Nil, fiber.NewError(fiber.StatusUnauthorized, "invalid authorization header")
	}

	userID, err := utils.ParseToken(secret, strings.TrimSpace(parts[1]))
	if err != nil {
		return uuid.Nil, fiber.NewError(fiber.StatusUnauthorized, "invalid token")
	}
	return userID, nil
}
