package services

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/storefront/internal/testutil"
	"github.com/example/storefront/internal/validation"
)

func TestUserService_RegisterAndAuthenticate(t *testing.T) {
	svc := NewUserService(testutil.NewDB(t))
	ctx := context.Background()

	user, err := svc.Register(ctx, RegisterInput{Email: " Asha@Example.com ", Name: "Asha", Password: "correct-horse"})
	require.NoError(t, err)
	assert.Equal(t, "asha@example.com", user.Email)
	assert.NotEqual(t, "correct-horse", user.PasswordHash)

	_, err = svc.Register(ctx, RegisterInput{Email: "asha@example.com", Name: "Asha", Password: "correct-horse"})
	assert.ErrorIs(t, err, ErrEmailTaken)

	_, err = svc.Register(ctx, RegisterInput{Email: "b@example.com", Name: "B", Password: "short"})
	assert.ErrorIs(t, err, ErrWeakPassword)

	got, err := svc.Authenticate(ctx, "ASHA@example.com", "correct-horse")
	require.NoError(t, err)
	assert.Equal(t, user.ID, got.ID)

	_, err = svc.Authenticate(ctx, "asha@example.com", "wrong-password")
	assert.ErrorIs(t, err, ErrInvalidCredentials)

	_, err = svc.Authenticate(ctx, "nobody@example.com", "correct-horse")
	assert.ErrorIs(t, err, ErrInvalidCredentials)
}

func TestUserService_PhoneVerification(t *testing.T) {
	svc := NewUserService(testutil.NewDB(t))
	ctx := context.Background()

	user, err := svc.Register(ctx, RegisterInput{Email: "asha@example.com", Name: "Asha", Password: "correct-horse"})
	require.NoError(t, err)

	require.NoError(t, svc.MarkPhoneVerified(ctx, user.ID, "98765 43210"))
	got, err := svc.Get(ctx, user.ID)
	require.NoError(t, err)
	assert.Equal(t, "9876543210", got.Phone)
	assert.NotNil(t, got.PhoneVerifiedAt)

	same := "9876543210"
	got, err = svc.UpdateProfile(ctx, user.ID, ProfilePatch{Phone: &same})
	require.NoError(t, err)
	assert.NotNil(t, got.PhoneVerifiedAt, "unchanged phone keeps verification")

	other := "9123456780"
	got, err = svc.UpdateProfile(ctx, user.ID, ProfilePatch{Phone: &other})
	require.NoError(t, err)
	assert.Equal(t, "9123456780", got.Phone)
	assert.Nil(t, got.PhoneVerifiedAt)

	bad := "+91 91234 56780"
	_, err = svc.UpdateProfile(ctx, user.ID, ProfilePatch{Phone: &bad})
	assert.ErrorIs(t, err, validation.ErrPhoneCountryCode)

	assert.ErrorIs(t, svc.MarkPhoneVerified(ctx, uuid.New(), "9876543210"), ErrUserNotFound)
}

func TestUserService_ListUsers(t *testing.T) {
	svc := NewUserService(testutil.NewDB(t))
	ctx := context.Background()

	for _, email := range []string{"a@example.com", "b@example.com", "c@shop.in"} {
		_, err := svc.Register(ctx, RegisterInput{Email: email, Name: "User", Password: "password1"})
		require.NoError(t, err)
	}

	users, total, err := svc.ListUsers(ctx, "example", 10, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(2), total)
	assert.Len(t, users, 2)
}
