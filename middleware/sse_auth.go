// middleware/sse_auth.go
package middleware

import (
	"context"
	"strings"

	"tournament-engine/services"

	"github.com/gofiber/fiber/v2"
	"github.com/sirupsen/logrus"
)

// TokenValidator validates a player access token bound to a device.
type TokenValidator interface {
	ValidateToken(ctx context.Context, accessToken, deviceID string) (*services.ValidateResponse, error)
}

// SSEAuthMiddleware validates `token` and `device_id` query params for
// EventSource clients that cannot send headers.
func SSEAuthMiddleware(validator TokenValidator) fiber.Handler {
	return func(c *fiber.Ctx) error {
		accessToken := strings.TrimSpace(c.Query("token"))
		deviceID := strings.TrimSpace(c.Query("device_id"))

		if accessToken == "" || deviceID == "" {
			logrus.WithField("path", c.Path()).Warn("[SSEAuth] missing token or device_id")
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"ok":    false,
				"error": "missing token or device_id in query",
			})
		}

		resp, err := validator.ValidateToken(c.UserContext(), accessToken, deviceID)
		if err != nil {
			logrus.WithError(err).WithField("device_id", deviceID).Warn("[SSEAuth] validation failed")
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
				"ok":    false,
				"error": "unauthorized",
			})
		}

		c.Locals(LocalUserID, resp.UserID)
		c.Locals(LocalUserRoles, resp.Roles)
		c.Locals(LocalOTPNotRequired, resp.OTPNotRequiredForDevice)

		logrus.WithFields(logrus.Fields{
			"user_id":   resp.UserID,
			"device_id": resp.DeviceID,
		}).Debug("[SSEAuth] authenticated")
		return c.Next()
	}
}
