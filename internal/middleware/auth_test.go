package middleware

import (
	"context"
	"errors"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/storefront/internal/models"
	"github.com/example/storefront/internal/utils"
)

type fakeUsers map[uuid.UUID]*models.User

func (f fakeUsers) Get(_ context.Context, id uuid.UUID) (*models.User, error) {
	if u, ok := f[id]; ok {
		return u, nil
	}
	return nil, errors.New("not found")
}

func bearer(t *testing.T, id uuid.UUID) string {
	t.Helper()
	token, err := utils.GenerateToken("secret", id, time.Hour)
	require.NoError(t, err)
	return "Bearer " + token
}

func TestAuthMiddleware(t *testing.T) {
	app := fiber.New()
	app.Get("/me", AuthMiddleware("secret"), func(c *fiber.Ctx) error {
		id, ok := GetCurrentUserID(c)
		require.True(t, ok)
		return c.SendString(id.String())
	})

	id := uuid.New()
	req := httptest.NewRequest("GET", "/me", nil)
	req.Header.Set("Authorization", bearer(t, id))
	resp, err := app.Test(req)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)

	for _, header := range []string{"", "Token abc", "Bearer not-a-jwt"} {
		req := httptest.NewRequest("GET", "/me", nil)
		if header != "" {
			req.Header.Set("Authorization", header)
		}
		resp, err := app.Test(req)
		require.NoError(t, err)
		assert.Equal(t, fiber.StatusUnauthorized, resp.StatusCode, header)
	}
}

func TestOptionalAuthAndGuestID(t *testing.T) {
	app := fiber.New()
	app.Get("/cart", OptionalAuth("secret"), GuestID(), func(c *fiber.Ctx) error {
		_, isUser := GetCurrentUserID(c)
		guest, isGuest := GetGuestID(c)
		return c.JSON(fiber.Map{"user": isUser, "guest": guest, "is_guest": isGuest})
	})

	resp, err := app.Test(httptest.NewRequest("GET", "/cart", nil))
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)

	req := httptest.NewRequest("GET", "/cart", nil)
	req.Header.Set(GuestHeader, "not-a-uuid")
	resp, err = app.Test(req)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusBadRequest, resp.StatusCode)

	req = httptest.NewRequest("GET", "/cart", nil)
	req.Header.Set("Authorization", "Bearer broken")
	resp, err = app.Test(req)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusUnauthorized, resp.StatusCode)
}

func TestAdminOnly(t *testing.T) {
	admin, shopper := uuid.New(), uuid.New()
	users := fakeUsers{
		admin:   {IsAdmin: true},
		shopper: {},
	}

	app := fiber.New()
	app.Get("/admin", AuthMiddleware("secret"), AdminOnly(users), func(c *fiber.Ctx) error {
		return c.SendStatus(fiber.StatusNoContent)
	})

	cases := map[uuid.UUID]int{
		admin:      fiber.StatusNoContent,
		shopper:    fiber.StatusForbidden,
		uuid.New(): fiber.StatusForbidden,
	}
	for id, want := range cases {
		req := httptest.NewRequest("GET", "/admin", nil)
		req.Header.Set("Authorization", bearer(t, id))
		resp, err := app.Test(req)
		require.NoError(t, err)
		assert.Equal(t, want, resp.StatusCode)
	}
}
