package services

import (
	"context"
	"strings"
	"time"

	"tournament-engine/config"
	"tournament-engine/models"

	"github.com/elliotchance/pie/v2"
	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"github.com/sirupsen/logrus"
)

type CreateTournamentRequest struct {
	Name        string            `json:"name"`
	Description string            `json:"description"`
	GameType    string            `json:"game_type"`
	Category    string            `json:"category"`
	DefaultTier string            `json:"default_tier"`
	Status      string            `json:"status"`
	MatchRules  models.MatchRules `json:"match_rules"`
	StartTime   *time.Time        `json:"start_time"`
	EndTime     *time.Time        `json:"end_time"`
}

type TournamentService struct {
	repo   TournamentRepository
	tables *config.Tables
	now    Clock
}

func NewTournamentService(repo TournamentRepository, tables *config.Tables, now Clock) *TournamentService {
	if now == nil {
		now = time.Now
	}
	return &TournamentService{repo: repo, tables: tables, now: now}
}

var (
	validCategories = []string{config.CategorySingleMatch, config.CategoryDaily, config.CategoryWeekly, config.CategorySeasonal}
	validAlgorithms = []string{models.AlgorithmSkill, models.AlgorithmSegment, models.AlgorithmElo, models.AlgorithmRandom}
	validStatuses   = []models.TournamentStatus{models.TournamentDraft, models.TournamentOpen, models.TournamentClosed}
)

func (s *TournamentService) List(ctx context.Context, status string) ([]models.Tournament, error) {
	if status != "" && !pie.Contains(validStatuses, models.TournamentStatus(status)) {
		return nil, eris.Wrapf(ErrValidation, "unknown tournament status %q", status)
	}
	return s.repo.ListTournaments(ctx, models.TournamentStatus(status))
}

func (s *TournamentService) Get(ctx context.Context, id string) (*models.Tournament, error) {
	if id == "" {
		return nil, eris.Wrap(ErrValidation, "tournament id is required")
	}
	return s.repo.GetTournament(ctx, id)
}

// Create validates the definition and stores it with default match rules filled in.
func (s *TournamentService) Create(ctx context.Context, req CreateTournamentRequest) (*models.Tournament, error) {
	req.Name = strings.TrimSpace(req.Name)
	req.GameType = strings.TrimSpace(req.GameType)
	if req.Name == "" || req.GameType == "" {
		return nil, eris.Wrap(ErrValidation, "name and game_type are required")
	}
	if req.Category == "" {
		req.Category = config.CategorySingleMatch
	}
	if !pie.Contains(validCategories, req.Category) {
		return nil, eris.Wrapf(ErrValidation, "unknown category %q", req.Category)
	}
	if req.DefaultTier == "" {
		req.DefaultTier = "bronze"
	}
	if _, err := s.tables.TierMultiplier(req.DefaultTier); err != nil {
		return nil, eris.Wrapf(ErrValidation, "unknown tier %q", req.DefaultTier)
	}
	status := models.TournamentDraft
	if req.Status != "" {
		status = models.TournamentStatus(req.Status)
		if !pie.Contains(validStatuses, status) {
			return nil, eris.Wrapf(ErrValidation, "unknown tournament status %q", req.Status)
		}
	}

	rules := req.MatchRules.WithDefaults()
	if !pie.Contains(validAlgorithms, rules.Algorithm) {
		return nil, eris.Wrapf(ErrValidation, "unknown algorithm %q", rules.Algorithm)
	}
	if rules.SkillRange < 0 || rules.SkillRange > 1 {
		return nil, eris.Wrap(ErrValidation, "skill_range must be within [0, 1]")
	}
	if req.StartTime != nil && req.EndTime != nil && !req.EndTime.After(*req.StartTime) {
		return nil, eris.Wrap(ErrValidation, "end_time must be after start_time")
	}

	t := &models.Tournament{
		ID:          uuid.NewString(),
		Name:        req.Name,
		Description: req.Description,
		GameType:    req.GameType,
		Category:    req.Category,
		Status:      status,
		DefaultTier: req.DefaultTier,
		MatchRules:  rules,
		StartTime:   req.StartTime,
		EndTime:     req.EndTime,
		CreatedAt:   s.now(),
		UpdatedAt:   s.now(),
	}
	if err := s.repo.CreateTournament(ctx, t); err != nil {
		return nil, err
	}
	logrus.WithFields(logrus.Fields{
		"tournament_id": t.ID,
		"game_type":     t.GameType,
		"category":      t.Category,
	}).Info("tournament created")
	return t, nil
}

// UpdateStatus opens or closes a tournament for queueing.
func (s *TournamentService) UpdateStatus(ctx context.Context, id, status string) (*models.Tournament, error) {
	next := models.TournamentStatus(status)
	if !pie.Contains(validStatuses, next) {
		return nil, eris.Wrapf(ErrValidation, "unknown tournament status %q", status)
	}
	if err := s.repo.UpdateTournamentStatus(ctx, id, next); err != nil {
		return nil, err
	}
	return s.repo.GetTournament(ctx, id)
}
