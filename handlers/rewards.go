package handlers

import (
	"time"

	"tournament-engine/middleware"
	"tournament-engine/services"

	"github.com/gofiber/fiber/v2"
)

// SetupRewardRoutes mounts the player reward ledger views. The stream route
// authenticates from query params because EventSource cannot send headers.
func SetupRewardRoutes(app *fiber.App, secured fiber.Router, rewards *services.RewardService, validator middleware.TokenValidator) {
	secured.Get("/user/rewards", func(c *fiber.Ctx) error {
		var since time.Time
		if raw := c.Query("since"); raw != "" {
			t, err := time.Parse(time.RFC3339, raw)
			if err != nil {
				return badRequest(c, "since must be RFC3339")
			}
			since = t
		}
		limit, err := queryInt(c, "limit", 0)
		if err != nil {
			return badRequest(c, "limit must be an integer")
		}
		grants, err := rewards.ListPlayerRewards(c.UserContext(), currentUser(c), since, limit)
		if err != nil {
			return writeError(c, err)
		}
		return c.JSON(fiber.Map{"ok": true, "grants": grants})
	})

	secured.Get("/user/rewards/summary", func(c *fiber.Ctx) error {
		summary, err := rewards.Summarize(c.UserContext(), currentUser(c))
		if err != nil {
			return writeError(c, err)
		}
		return c.JSON(summary)
	})

	if validator != nil {
		app.Get("/rewards/stream", middleware.SSEAuthMiddleware(validator), rewards.StreamPlayerRewardsSSE)
	}
}
