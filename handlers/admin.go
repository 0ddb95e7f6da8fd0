package handlers

import (
	"time"

	"tournament-engine/services"

	"github.com/gofiber/fiber/v2"
)

type sweepRequest struct {
	BatchSize           *int  `json:"batch_size"`
	MaxProcessingTimeMs int64 `json:"max_processing_time_ms"`
}

// SetupAdminRoutes mounts operator controls for the scheduler and seasons.
func SetupAdminRoutes(admin fiber.Router, scheduler *services.SchedulerService, segments *services.SegmentService, cfg services.SchedulerConfig) {
	admin.Post("/matching/sweep", func(c *fiber.Ctx) error {
		req := sweepRequest{}
		if len(c.Body()) > 0 {
			if err := c.BodyParser(&req); err != nil {
				return badRequest(c, "invalid JSON")
			}
		}
		batch := cfg.SweepBatchSize
		if req.BatchSize != nil {
			batch = *req.BatchSize
		}
		budget := cfg.SweepMaxProcessingTime
		if req.MaxProcessingTimeMs > 0 {
			budget = time.Duration(req.MaxProcessingTimeMs) * time.Millisecond
		}
		res, err := scheduler.RunMatchingSweep(c.UserContext(), batch, budget)
		if err != nil {
			return writeError(c, err)
		}
		return c.JSON(res)
	})

	admin.Post("/matching/cleanup", func(c *fiber.Ctx) error {
		res, err := scheduler.RunCleanup(c.UserContext())
		if err != nil {
			return writeError(c, err)
		}
		return c.JSON(res)
	})

	admin.Get("/matching/tasks", func(c *fiber.Ctx) error {
		limit, err := queryInt(c, "limit", 0)
		if err != nil {
			return badRequest(c, "limit must be an integer")
		}
		tasks, err := scheduler.GetRecentTasks(c.UserContext(), c.Query("type"), limit)
		if err != nil {
			return writeError(c, err)
		}
		return c.JSON(fiber.Map{"ok": true, "tasks": tasks})
	})

	admin.Get("/matching/stats", func(c *fiber.Ctx) error {
		window := 24 * time.Hour
		if raw := c.Query("window"); raw != "" {
			d, err := time.ParseDuration(raw)
			if err != nil {
				return badRequest(c, "window must be a duration such as 1h")
			}
			window = d
		}
		stats, err := scheduler.GetTaskStats(c.UserContext(), window)
		if err != nil {
			return writeError(c, err)
		}
		return c.JSON(stats)
	})

	admin.Post("/segments/season-reset", func(c *fiber.Ctx) error {
		var req struct {
			GameType string `json:"game_type"`
		}
		if err := c.BodyParser(&req); err != nil {
			return badRequest(c, "invalid JSON")
		}
		res, err := segments.ResetSeason(c.UserContext(), req.GameType)
		if err != nil {
			return writeError(c, err)
		}
		return c.JSON(res)
	})

	admin.Post("/segments/leaderboards/rebuild", func(c *fiber.Ctx) error {
		boards, err := segments.RebuildLeaderboards(c.UserContext())
		if err != nil {
			return writeError(c, err)
		}
		return c.JSON(fiber.Map{"ok": true, "boards": boards})
	})
}
