package middleware

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"tournament-engine/services"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func echoLocals(c *fiber.Ctx) error {
	roles, _ := c.Locals(LocalUserRoles).([]string)
	return c.JSON(fiber.Map{
		"user_id": c.Locals(LocalUserID),
		"roles":   roles,
		"otp":     c.Locals(LocalOTPNotRequired),
	})
}

func do(t *testing.T, app *fiber.App, req *http.Request) (int, string) {
	t.Helper()
	resp, err := app.Test(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, string(body)
}

func TestUserContextMiddleware(t *testing.T) {
	app := fiber.New()
	app.Get("/me", UserContextMiddleware(), echoLocals)

	status, body := do(t, app, httptest.NewRequest(http.MethodGet, "/me", nil))
	assert.Equal(t, fiber.StatusUnauthorized, status)
	assert.Contains(t, body, "missing X-User-ID")

	req := httptest.NewRequest(http.MethodGet, "/me", nil)
	req.Header.Set("X-User-ID", " alice ")
	req.Header.Set("X-User-Roles", "player, admin,,")
	req.Header.Set("X-Otp-Not-Required", "TRUE")
	status, body = do(t, app, req)
	assert.Equal(t, fiber.StatusOK, status)
	assert.JSONEq(t, `{"user_id":"alice","roles":["player","admin"],"otp":true}`, body)
}

func TestRequireRole(t *testing.T) {
	app := fiber.New()
	app.Get("/admin", UserContextMiddleware(), RequireRole(RoleAdmin), func(c *fiber.Ctx) error {
		return c.SendString("ok")
	})

	req := httptest.NewRequest(http.MethodGet, "/admin", nil)
	req.Header.Set("X-User-ID", "bob")
	req.Header.Set("X-User-Roles", "player")
	status, body := do(t, app, req)
	assert.Equal(t, fiber.StatusForbidden, status)
	assert.Contains(t, body, "admin role required")

	req = httptest.NewRequest(http.MethodGet, "/admin", nil)
	req.Header.Set("X-User-ID", "bob")
	req.Header.Set("X-User-Roles", "player,admin")
	status, body = do(t, app, req)
	assert.Equal(t, fiber.StatusOK, status)
	assert.Equal(t, "ok", body)
}

func TestGatewayAuthMiddleware(t *testing.T) {
	app := fiber.New()
	app.Use(GatewayAuthMiddleware("s3cret"))
	app.Get("/ping", func(c *fiber.Ctx) error { return c.SendString("pong") })

	cases := []struct {
		name   string
		header string
		want   int
	}{
		{"missing", "", fiber.StatusUnauthorized},
		{"wrong", "Bearer nope", fiber.StatusUnauthorized},
		{"bearer", "Bearer s3cret", fiber.StatusOK},
		{"raw", "s3cret", fiber.StatusOK},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/ping", nil)
			if tc.header != "" {
				req.Header.Set("Authorization", tc.header)
			}
			status, _ := do(t, app, req)
			assert.Equal(t, tc.want, status)
		})
	}
}

type fakeValidator struct {
	gotToken, gotDevice string
}

func (v *fakeValidator) ValidateToken(ctx context.Context, accessToken, deviceID string) (*services.ValidateResponse, error) {
	v.gotToken, v.gotDevice = accessToken, deviceID
	if accessToken != "good" {
		return nil, errors.New("token expired")
	}
	return &services.ValidateResponse{
		UserID:                  "carol",
		DeviceID:                deviceID,
		OTPNotRequiredForDevice: true,
		Roles:                   []string{"player"},
	}, nil
}

func TestSSEAuthMiddleware(t *testing.T) {
	validator := &fakeValidator{}
	app := fiber.New()
	app.Get("/stream", SSEAuthMiddleware(validator), echoLocals)

	status, _ := do(t, app, httptest.NewRequest(http.MethodGet, "/stream?token=good", nil))
	assert.Equal(t, fiber.StatusBadRequest, status)
	assert.Empty(t, validator.gotToken)

	status, body := do(t, app, httptest.NewRequest(http.MethodGet, "/stream?token=stale&device_id=d1", nil))
	assert.Equal(t, fiber.StatusUnauthorized, status)
	assert.Contains(t, body, "unauthorized")
	assert.Equal(t, "d1", validator.gotDevice)

	status, body = do(t, app, httptest.NewRequest(http.MethodGet, "/stream?token=good&device_id=d2", nil))
	assert.Equal(t, fiber.StatusOK, status)
	assert.JSONEq(t, `{"user_id":"carol","roles":["player"],"otp":true}`, body)
}
