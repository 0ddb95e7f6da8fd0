package handlers

import (
	"tournament-engine/services"

	"github.com/gofiber/fiber/v2"
)

// SetupTournamentRoutes mounts tournament reads on router and management on admin.
func SetupTournamentRoutes(router, admin fiber.Router, tournaments *services.TournamentService) {
	router.Get("/tournaments", func(c *fiber.Ctx) error {
		list, err := tournaments.List(c.UserContext(), c.Query("status"))
		if err != nil {
			return writeError(c, err)
		}
		return c.JSON(fiber.Map{"ok": true, "tournaments": list})
	})

	router.Get("/tournaments/:id", func(c *fiber.Ctx) error {
		t, err := tournaments.Get(c.UserContext(), c.Params("id"))
		if err != nil {
			return writeError(c, err)
		}
		return c.JSON(t)
	})

	admin.Post("/tournaments", func(c *fiber.Ctx) error {
		var req services.CreateTournamentRequest
		if err := c.BodyParser(&req); err != nil {
			return badRequest(c, "invalid JSON")
		}
		t, err := tournaments.Create(c.UserContext(), req)
		if err != nil {
			return writeError(c, err)
		}
		return c.Status(fiber.StatusCreated).JSON(t)
	})

	admin.Patch("/tournaments/:id/status", func(c *fiber.Ctx) error {
		var req struct {
			Status string `json:"status"`
		}
		if err := c.BodyParser(&req); err != nil {
			return badRequest(c, "invalid JSON")
		}
		t, err := tournaments.UpdateStatus(c.UserContext(), c.Params("id"), req.Status)
		if err != nil {
			return writeError(c, err)
		}
		return c.JSON(t)
	})
}
