package handlers

import (
	"tournament-engine/services"

	"github.com/gofiber/fiber/v2"
)

type joinQueueRequest struct {
	TournamentID string `json:"tournament_id"`
	GameType     string `json:"game_type"`
	Tier         string `json:"tier"`
}

type leaveQueueRequest struct {
	TournamentID string `json:"tournament_id"`
	GameType     string `json:"game_type"`
}

// SetupQueueRoutes mounts the player queue endpoints on a router that already
// carries the user context.
func SetupQueueRoutes(secured fiber.Router, matchmaking *services.MatchmakingService) {
	secured.Post("/queue/join", func(c *fiber.Ctx) error {
		var req joinQueueRequest
		if err := c.BodyParser(&req); err != nil {
			return badRequest(c, "invalid JSON")
		}
		res, err := matchmaking.JoinQueue(c.UserContext(), services.JoinRequest{
			PlayerID:     currentUser(c),
			TournamentID: req.TournamentID,
			GameType:     req.GameType,
			Tier:         req.Tier,
		})
		if err != nil {
			return writeError(c, err)
		}
		return c.JSON(res)
	})

	secured.Get("/queue/status", func(c *fiber.Ctx) error {
		tournamentID := c.Query("tournament_id")
		if tournamentID == "" {
			return badRequest(c, "tournament_id is required")
		}
		res, err := matchmaking.GetQueueStatus(c.UserContext(), currentUser(c), tournamentID)
		if err != nil {
			return writeError(c, err)
		}
		return c.JSON(res)
	})

	secured.Post("/queue/leave", func(c *fiber.Ctx) error {
		var req leaveQueueRequest
		if err := c.BodyParser(&req); err != nil {
			return badRequest(c, "invalid JSON")
		}
		if err := matchmaking.LeaveMatch(c.UserContext(), currentUser(c), req.TournamentID, req.GameType); err != nil {
			return writeError(c, err)
		}
		return c.JSON(fiber.Map{"ok": true})
	})

	secured.Get("/queue/stats", func(c *fiber.Ctx) error {
		stats, err := matchmaking.GetQueueStats(c.UserContext(), c.Query("tournament_id"))
		if err != nil {
			return writeError(c, err)
		}
		return c.JSON(stats)
	})
}
