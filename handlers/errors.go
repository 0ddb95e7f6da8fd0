package handlers

import (
	"strconv"

	"tournament-engine/middleware"
	"tournament-engine/services"

	"github.com/gofiber/fiber/v2"
	"github.com/sirupsen/logrus"
)

// writeError maps the service error taxonomy onto an HTTP status and a
// structured body.
func writeError(c *fiber.Ctx, err error) error {
	kind := services.ErrorKind(err)
	status := fiber.StatusInternalServerError
	switch kind {
	case "not_found":
		status = fiber.StatusNotFound
	case "invalid_state":
		status = fiber.StatusConflict
	case "upstream_failure":
		status = fiber.StatusBadGateway
	case "validation":
		status = fiber.StatusBadRequest
	}

	entry := logrus.WithError(err).WithFields(logrus.Fields{
		"path":   c.Path(),
		"method": c.Method(),
		"kind":   kind,
	})
	if status >= fiber.StatusInternalServerError {
		entry.Error("request failed")
	} else {
		entry.Debug("request rejected")
	}

	msg := err.Error()
	if kind == "internal" {
		msg = "internal error"
	}
	return c.Status(status).JSON(fiber.Map{
		"ok":    false,
		"error": msg,
		"kind":  kind,
	})
}

func badRequest(c *fiber.Ctx, msg string) error {
	return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
		"ok":    false,
		"error": msg,
		"kind":  "validation",
	})
}

func currentUser(c *fiber.Ctx) string {
	id, _ := c.Locals(middleware.LocalUserID).(string)
	return id
}

func queryInt(c *fiber.Ctx, key string, def int) (int, error) {
	raw := c.Query(key)
	if raw == "" {
		return def, nil
	}
	return strconv.Atoi(raw)
}
