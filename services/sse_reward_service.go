package services

import (
	"bufio"
	"context"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/gofiber/fiber/v2"
	"github.com/sirupsen/logrus"
)

// StreamPlayerRewardsSSE streams new ledger rows of the authenticated player.
func (s *RewardService) StreamPlayerRewardsSSE(c *fiber.Ctx) error {
	playerID, _ := c.Locals("user_id").(string)
	if playerID == "" {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"ok": false, "error": "missing user context"})
	}

	c.Set("Content-Type", "text/event-stream")
	c.Set("Cache-Control", "no-cache")
	c.Set("Connection", "keep-alive")
	c.Set("X-Accel-Buffering", "no") // nginx

	// start the cursor at now so the stream carries only new grants
	cursor := time.Now()
	done := c.Context().Done()

	c.Context().SetBodyStreamWriter(func(w *bufio.Writer) {
		ticker := time.NewTicker(s.pollInterval)
		defer ticker.Stop()

		w.WriteString(":\n\n")
		if err := w.Flush(); err != nil {
			return
		}

		for {
			select {
			case <-ticker.C:
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				grants, err := s.ledger.ListGrants(ctx, playerID, cursor, maxRewardListLimit)
				cancel()
				if err != nil {
					logrus.WithError(err).WithField("player_id", playerID).Warn("reward stream query failed")
					continue
				}
				if len(grants) == 0 {
					// keepalive; a failed flush means the client went away
					w.WriteString(":\n\n")
					if err := w.Flush(); err != nil {
						return
					}
					continue
				}
				cursor = grants[len(grants)-1].CreatedAt
				for _, g := range grants {
					payload, _ := json.Marshal(g)
					fmt.Fprintf(w, "event: reward\ndata: %s\n\n", payload)
				}
				if err := w.Flush(); err != nil {
					return
				}
			case <-done:
				return
			}
		}
	})
	return nil
}
