// services/reward_service.go
package services

import (
	"context"
	"time"

	"tournament-engine/models"

	"github.com/elliotchance/pie/v2"
	"github.com/rotisserie/eris"
)

const (
	defaultRewardListLimit = 50
	maxRewardListLimit     = 200
)

// RewardService exposes the reward ledger to players and operators.
type RewardService struct {
	ledger       RewardLedger
	pollInterval time.Duration
}

func NewRewardService(ledger RewardLedger, pollInterval time.Duration) *RewardService {
	if pollInterval <= 0 {
		pollInterval = 2 * time.Second
	}
	return &RewardService{ledger: ledger, pollInterval: pollInterval}
}

type RewardSummary struct {
	Granted map[models.RewardType]int64 `json:"granted"`
	Failed  int                         `json:"failed"`
}

// ListPlayerRewards returns grants created after since, oldest first.
func (s *RewardService) ListPlayerRewards(ctx context.Context, playerID string, since time.Time, limit int) ([]models.RewardGrant, error) {
	if playerID == "" {
		return nil, eris.Wrap(ErrValidation, "player id is required")
	}
	return s.ledger.ListGrants(ctx, playerID, since, clampLimit(limit, defaultRewardListLimit, maxRewardListLimit))
}

// GameRewards lists every grant attempt made while settling a game.
func (s *RewardService) GameRewards(ctx context.Context, gameID string) ([]models.RewardGrant, error) {
	if gameID == "" {
		return nil, eris.Wrap(ErrValidation, "game id is required")
	}
	return s.ledger.ListGameGrants(ctx, gameID)
}

// FailedGameRewards lists the grants of a game that never reached the downstream service.
func (s *RewardService) FailedGameRewards(ctx context.Context, gameID string) ([]models.RewardGrant, error) {
	grants, err := s.GameRewards(ctx, gameID)
	if err != nil {
		return nil, err
	}
	return pie.Filter(grants, func(g models.RewardGrant) bool {
		return g.Status == models.RewardStatusFailed
	}), nil
}

// Summarize totals a player's granted amounts per reward type.
func (s *RewardService) Summarize(ctx context.Context, playerID string) (*RewardSummary, error) {
	grants, err := s.ledger.ListGrants(ctx, playerID, time.Time{}, 0)
	if err != nil {
		return nil, err
	}
	out := &RewardSummary{Granted: map[models.RewardType]int64{}}
	pie.Each(grants, func(g models.RewardGrant) {
		if g.Status == models.RewardStatusFailed {
			out.Failed++
			return
		}
		out.Granted[g.Type] += g.Amount
	})
	return out, nil
}
