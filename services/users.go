// services/users.go
package services

import (
	"context"
	"strings"

	"tournament-engine/models"

	"github.com/rotisserie/eris"
)

// PlayerService reads the local player snapshot kept by the player sync worker.
type PlayerService struct {
	players PlayerRepository
}

func NewPlayerService(players PlayerRepository) *PlayerService {
	return &PlayerService{players: players}
}

// PlayerSummary is the matchmaking-relevant view of a player.
type PlayerSummary struct {
	ID          string `json:"id"`
	Username    string `json:"username"`
	SkillRating int    `json:"skill_rating"`
	Elo         int    `json:"elo"`
	IsBanned    bool   `json:"is_banned"`
}

func (s *PlayerService) Get(ctx context.Context, id string) (*PlayerSummary, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, eris.Wrap(ErrValidation, "player id is required")
	}
	p, err := s.players.GetPlayer(ctx, id)
	if err != nil {
		return nil, err
	}
	return summarize(p), nil
}

// Register stores a player snapshot directly, for deployments without a
// profile service feed.
func (s *PlayerService) Register(ctx context.Context, p models.Player) (*PlayerSummary, error) {
	p.ID = strings.TrimSpace(p.ID)
	if p.ID == "" {
		return nil, eris.Wrap(ErrValidation, "player id is required")
	}
	if p.SkillRating <= 0 {
		p.SkillRating = 1000
	}
	if p.Elo <= 0 {
		p.Elo = 1200
	}
	if err := s.players.UpsertPlayers(ctx, []models.Player{p}); err != nil {
		return nil, err
	}
	return summarize(&p), nil
}

func summarize(p *models.Player) *PlayerSummary {
	return &PlayerSummary{
		ID:          p.ID,
		Username:    p.Username,
		SkillRating: p.SkillRating,
		Elo:         p.Elo,
		IsBanned:    p.IsBanned,
	}
}
