package handlers

import (
	"tournament-engine/services"

	"github.com/gofiber/fiber/v2"
)

// SetupSettlementRoutes mounts the game-module facing settlement endpoints.
// They sit behind gateway auth only; the caller is a service, not a player.
func SetupSettlementRoutes(router fiber.Router, settlement *services.SettlementService, rewards *services.RewardService) {
	router.Post("/games/:id/settle", func(c *fiber.Ctx) error {
		res, err := settlement.SettleGame(c.UserContext(), c.Params("id"))
		if err != nil {
			return writeError(c, err)
		}
		return c.JSON(res)
	})

	router.Get("/games/:id/rewards", func(c *fiber.Ctx) error {
		var (
			grants interface{}
			err    error
		)
		if c.Query("status") == "failed" {
			grants, err = rewards.FailedGameRewards(c.UserContext(), c.Params("id"))
		} else {
			grants, err = rewards.GameRewards(c.UserContext(), c.Params("id"))
		}
		if err != nil {
			return writeError(c, err)
		}
		return c.JSON(fiber.Map{"ok": true, "grants": grants})
	})
}
