// middleware/auth.go
package middleware

import (
	"strings"

	"github.com/elliotchance/pie/v2"
	"github.com/gofiber/fiber/v2"
	"github.com/sirupsen/logrus"
)

const (
	LocalUserID         = "user_id"
	LocalUserRoles      = "user_roles"
	LocalOTPNotRequired = "otp_not_required"

	RoleAdmin = "admin"
)

// UserContextMiddleware extracts user identity and roles set by the Gateway.
// Routes mounted behind it require X-User-ID.
func UserContextMiddleware() fiber.Handler {
	return func(c *fiber.Ctx) error {
		userID := strings.TrimSpace(c.Get("X-User-ID"))
		if userID == "" {
			logrus.WithField("path", c.Path()).Warn("[USER_CTX] X-User-ID required but missing")
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
				"ok":    false,
				"error": "missing X-User-ID, request must come through gateway with auth context",
			})
		}

		roles := parseRoles(c.Get("X-User-Roles"))
		otpNotRequired := strings.EqualFold(c.Get("X-Otp-Not-Required"), "true")

		c.Locals(LocalUserID, userID)
		c.Locals(LocalUserRoles, roles)
		c.Locals(LocalOTPNotRequired, otpNotRequired)

		logrus.WithFields(logrus.Fields{
			"user_id": userID,
			"roles":   roles,
			"path":    c.Path(),
		}).Debug("[USER_CTX] user context attached")
		return c.Next()
	}
}

// RequireRole rejects requests whose user context lacks role.
func RequireRole(role string) fiber.Handler {
	return func(c *fiber.Ctx) error {
		roles, _ := c.Locals(LocalUserRoles).([]string)
		if !pie.Contains(roles, role) {
			logrus.WithFields(logrus.Fields{
				"user_id": c.Locals(LocalUserID),
				"role":    role,
				"path":    c.Path(),
			}).Warn("[USER_CTX] role required")
			return c.Status(fiber.StatusForbidden).JSON(fiber.Map{
				"ok":    false,
				"error": role + " role required",
			})
		}
		return c.Next()
	}
}

func parseRoles(raw string) []string {
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	return pie.Filter(pie.Map(parts, strings.TrimSpace), func(r string) bool { return r != "" })
}
