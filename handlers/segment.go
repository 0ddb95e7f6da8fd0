// handlers/segment.go
package handlers

import (
	"tournament-engine/config"
	"tournament-engine/services"

	"github.com/gofiber/fiber/v2"
)

type updateScoreRequest struct {
	PlayerID   string                `json:"player_id"`
	GameType   string                `json:"game_type"`
	ScoreDelta int64                 `json:"score_delta"`
	Context    services.ScoreContext `json:"context"`
}

// SetupSegmentRoutes mounts the progression endpoints. Score updates and the
// public reads hang off router; player views need the user context.
func SetupSegmentRoutes(router, secured fiber.Router, segments *services.SegmentService, tables *config.Tables) {
	router.Post("/segments/score", func(c *fiber.Ctx) error {
		var req updateScoreRequest
		if err := c.BodyParser(&req); err != nil {
			return badRequest(c, "invalid JSON")
		}
		if req.Context.Source == "" {
			req.Context.Source = "api"
		}
		res, err := segments.UpdateSegmentScore(c.UserContext(), req.PlayerID, req.GameType, req.ScoreDelta, req.Context)
		if err != nil {
			return writeError(c, err)
		}
		return c.JSON(res)
	})

	router.Get("/segments/leaderboard", func(c *fiber.Ctx) error {
		limit, err := queryInt(c, "limit", 0)
		if err != nil {
			return badRequest(c, "limit must be an integer")
		}
		entries, err := segments.GetSegmentLeaderboard(c.UserContext(), c.Query("game_type"), c.Query("segment"), limit)
		if err != nil {
			return writeError(c, err)
		}
		return c.JSON(fiber.Map{"ok": true, "entries": entries})
	})

	router.Get("/segments/category-points", func(c *fiber.Ctx) error {
		rank, err := queryInt(c, "rank", 0)
		if err != nil || rank < 1 {
			return badRequest(c, "rank must be a positive integer")
		}
		points, err := services.CategoryRewardPoints(tables, c.Query("category"), rank)
		if err != nil {
			return writeError(c, err)
		}
		return c.JSON(fiber.Map{"ok": true, "category": c.Query("category"), "rank": rank, "points": points})
	})

	router.Get("/segments", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"ok": true, "segments": tables.Segments()})
	})

	secured.Get("/user/segment", func(c *fiber.Ctx) error {
		view, err := segments.GetPlayerSegment(c.UserContext(), currentUser(c), c.Query("game_type"))
		if err != nil {
			return writeError(c, err)
		}
		return c.JSON(view)
	})

	secured.Get("/user/segment/history", func(c *fiber.Ctx) error {
		limit, err := queryInt(c, "limit", 0)
		if err != nil {
			return badRequest(c, "limit must be an integer")
		}
		changes, err := segments.GetSegmentHistory(c.UserContext(), currentUser(c), c.Query("game_type"), limit)
		if err != nil {
			return writeError(c, err)
		}
		return c.JSON(fiber.Map{"ok": true, "history": changes})
	})
}
