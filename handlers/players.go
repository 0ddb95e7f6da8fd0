package handlers

import (
	"tournament-engine/models"
	"tournament-engine/services"

	"github.com/gofiber/fiber/v2"
)

type registerPlayerRequest struct {
	Username    string `json:"username"`
	SkillRating int    `json:"skill_rating"`
	Elo         int    `json:"elo"`
	IsBanned    bool   `json:"is_banned"`
}

// SetupPlayerRoutes exposes the local player snapshot to other services.
func SetupPlayerRoutes(router fiber.Router, players *services.PlayerService) {
	router.Get("/players/:id", func(c *fiber.Ctx) error {
		p, err := players.Get(c.UserContext(), c.Params("id"))
		if err != nil {
			return writeError(c, err)
		}
		return c.JSON(p)
	})

	router.Put("/players/:id", func(c *fiber.Ctx) error {
		var req registerPlayerRequest
		if err := c.BodyParser(&req); err != nil {
			return badRequest(c, "invalid JSON")
		}
		p, err := players.Register(c.UserContext(), models.Player{
			ID:          c.Params("id"),
			Username:    req.Username,
			SkillRating: req.SkillRating,
			Elo:         req.Elo,
			IsBanned:    req.IsBanned,
		})
		if err != nil {
			return writeError(c, err)
		}
		return c.JSON(p)
	})
}
