package services

import (
	"context"
	"math"
	"time"

	"tournament-engine/config"
	"tournament-engine/events"
	"tournament-engine/metrics"
	"tournament-engine/models"

	"github.com/elliotchance/pie/v2"
	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"github.com/sirupsen/logrus"
)

const (
	defaultHistoryLimit     = 20
	maxHistoryLimit         = 100
	defaultLeaderboardLimit = 50
	maxLeaderboardLimit     = 500
)

// ScoreContext identifies what produced a score delta.
type ScoreContext struct {
	Source  string `json:"source"`
	GameID  string `json:"game_id,omitempty"`
	MatchID string `json:"match_id,omitempty"`
}

type SegmentUpdate struct {
	PlayerID       string `json:"player_id"`
	GameType       string `json:"game_type"`
	OldSegment     string `json:"old_segment"`
	NewSegment     string `json:"new_segment"`
	OldPoints      int64  `json:"old_points"`
	NewPoints      int64  `json:"new_points"`
	SegmentChanged bool   `json:"segment_changed"`
	IsPromotion    bool   `json:"is_promotion"`
	IsDemotion     bool   `json:"is_demotion"`
}

type PlayerSegmentView struct {
	models.PlayerSegment
	SegmentIndex int    `json:"segment_index"`
	NextSegment  string `json:"next_segment,omitempty"`
	PointsToNext int64  `json:"points_to_next,omitempty"`
}

type SeasonResetResult struct {
	GameType  string `json:"game_type"`
	Processed int    `json:"processed"`
	Changed   int    `json:"changed"`
}

// ScoreUpdater is the progression entry point settlement submits points to.
type ScoreUpdater interface {
	UpdateSegmentScore(ctx context.Context, playerID, gameType string, delta int64, sc ScoreContext) (*SegmentUpdate, error)
}

// SegmentService owns player segments and their audit history.
type SegmentService struct {
	store     Store
	tables    *config.Tables
	rewards   *PromotionRewards
	cache     *LeaderboardCache
	publisher events.Publisher
	metrics   *metrics.Collection
	now       Clock
}

func NewSegmentService(store Store, tables *config.Tables, rewards *PromotionRewards, cache *LeaderboardCache, publisher events.Publisher, m *metrics.Collection, now Clock) *SegmentService {
	if publisher == nil {
		publisher = events.LogPublisher{}
	}
	if now == nil {
		now = time.Now
	}
	return &SegmentService{
		store:     store,
		tables:    tables,
		rewards:   rewards,
		cache:     cache,
		publisher: publisher,
		metrics:   m,
		now:       now,
	}
}

// ensureSegment loads and locks a player's segment, creating it at the lowest
// band with zero points on first use.
func (s *SegmentService) ensureSegment(ctx context.Context, tx Store, playerID, gameType string, now time.Time) (*models.PlayerSegment, error) {
	seg, err := tx.GetSegmentForUpdate(ctx, playerID, gameType)
	if err == nil {
		return seg, nil
	}
	if !eris.Is(err, ErrNotFound) {
		return nil, err
	}
	seg = &models.PlayerSegment{
		ID:             uuid.NewString(),
		PlayerID:       playerID,
		GameType:       gameType,
		SegmentName:    s.tables.LowestSegment().Name,
		LastActivityAt: now,
	}
	if err := tx.SaveSegment(ctx, seg); err != nil {
		return nil, err
	}
	return seg, nil
}

// UpdateSegmentScore applies a score delta, clamping points at zero, and moves
// the player between bands. Promotion rewards fire only on promotion.
func (s *SegmentService) UpdateSegmentScore(ctx context.Context, playerID, gameType string, delta int64, sc ScoreContext) (*SegmentUpdate, error) {
	if playerID == "" || gameType == "" {
		return nil, eris.Wrap(ErrValidation, "player_id and game_type are required")
	}
	var update *SegmentUpdate
	err := s.store.WithinTx(ctx, func(tx Store) error {
		now := s.now()
		seg, err := s.ensureSegment(ctx, tx, playerID, gameType, now)
		if err != nil {
			return err
		}

		oldPoints, oldSegment := seg.CurrentPoints, seg.SegmentName
		newPoints := oldPoints + delta
		if newPoints < 0 {
			newPoints = 0
		}
		newSegment := s.tables.SegmentFor(newPoints).Name
		direction, err := ClassifySegmentChange(s.tables, oldSegment, newSegment)
		if err != nil {
			return err
		}

		seg.CurrentPoints = newPoints
		seg.SegmentName = newSegment
		seg.LastActivityAt = now
		switch direction {
		case SegmentPromotion:
			seg.LastPromotedAt = &now
			if newPoints > seg.HighestPoints {
				seg.HighestPoints = newPoints
			}
		case SegmentDemotion:
			seg.LastDemotedAt = &now
		}
		if err := tx.SaveSegment(ctx, seg); err != nil {
			return err
		}

		if oldSegment != newSegment {
			reason := models.SegmentChangePromotion
			if direction == SegmentDemotion {
				reason = models.SegmentChangeDemotion
			}
			if err := tx.AppendChange(ctx, &models.SegmentChange{
				ID:         uuid.NewString(),
				PlayerID:   playerID,
				GameType:   gameType,
				OldSegment: oldSegment,
				NewSegment: newSegment,
				Delta:      delta,
				OldPoints:  oldPoints,
				NewPoints:  newPoints,
				Reason:     reason,
				Source:     sc.Source,
				CreatedAt:  now,
			}); err != nil {
				return err
			}
		}

		update = &SegmentUpdate{
			PlayerID:       playerID,
			GameType:       gameType,
			OldSegment:     oldSegment,
			NewSegment:     newSegment,
			OldPoints:      oldPoints,
			NewPoints:      newPoints,
			SegmentChanged: oldSegment != newSegment,
			IsPromotion:    direction == SegmentPromotion,
			IsDemotion:     direction == SegmentDemotion,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.afterUpdate(ctx, update, sc)
	return update, nil
}

func (s *SegmentService) afterUpdate(ctx context.Context, u *SegmentUpdate, sc ScoreContext) {
	if u.IsPromotion && s.rewards != nil {
		if band, err := s.tables.Segment(u.NewSegment); err == nil {
			s.rewards.Award(ctx, u.PlayerID, u.GameType, band)
		}
	}
	if s.cache != nil {
		if err := s.cache.Upsert(ctx, u.GameType, u.OldSegment, u.NewSegment, u.PlayerID, u.NewPoints); err != nil {
			logrus.WithError(err).WithField("player_id", u.PlayerID).Warn("[Segment] leaderboard cache update failed")
		}
	}
	if !u.SegmentChanged {
		return
	}
	direction := "demotion"
	if u.IsPromotion {
		direction = "promotion"
	}
	s.metrics.SegmentChange(direction)
	logrus.WithFields(logrus.Fields{
		"player_id": u.PlayerID,
		"game_type": u.GameType,
		"from":      u.OldSegment,
		"to":        u.NewSegment,
		"points":    u.NewPoints,
		"source":    sc.Source,
	}).Infof("[Segment] %s", direction)
	if err := s.publisher.Publish(ctx, events.SegmentChanged, u); err != nil {
		logrus.WithError(err).Warn("[Segment] failed to publish segment change")
	}
}

// GetPlayerSegment returns the player's segment, or the default starting
// segment when the player has never scored.
func (s *SegmentService) GetPlayerSegment(ctx context.Context, playerID, gameType string) (*PlayerSegmentView, error) {
	seg, err := s.store.GetSegment(ctx, playerID, gameType)
	if eris.Is(err, ErrNotFound) {
		seg = &models.PlayerSegment{
			PlayerID:    playerID,
			GameType:    gameType,
			SegmentName: s.tables.LowestSegment().Name,
		}
	} else if err != nil {
		return nil, err
	}

	band, err := s.tables.Segment(seg.SegmentName)
	if err != nil {
		return nil, err
	}
	view := &PlayerSegmentView{PlayerSegment: *seg, SegmentIndex: band.Index}
	bands := s.tables.Segments()
	if band.Index+1 < len(bands) {
		next := bands[band.Index+1]
		view.NextSegment = next.Name
		view.PointsToNext = next.MinPoints - seg.CurrentPoints
	}
	return view, nil
}

func clampLimit(limit, def, max int) int {
	if limit <= 0 {
		return def
	}
	if limit > max {
		return max
	}
	return limit
}

// GetSegmentHistory lists a player's segment changes, newest first.
func (s *SegmentService) GetSegmentHistory(ctx context.Context, playerID, gameType string, limit int) ([]models.SegmentChange, error) {
	return s.store.ListChanges(ctx, playerID, gameType, clampLimit(limit, defaultHistoryLimit, maxHistoryLimit))
}

// GetSegmentLeaderboard ranks players of a game type, optionally within one segment.
// The Redis cache serves per-segment boards when it has them.
func (s *SegmentService) GetSegmentLeaderboard(ctx context.Context, gameType, segmentName string, limit int) ([]LeaderboardEntry, error) {
	if gameType == "" {
		return nil, eris.Wrap(ErrValidation, "game_type is required")
	}
	if segmentName != "" {
		if _, err := s.tables.SegmentIndex(segmentName); err != nil {
			return nil, err
		}
	}
	limit = clampLimit(limit, defaultLeaderboardLimit, maxLeaderboardLimit)

	if s.cache != nil && segmentName != "" {
		entries, err := s.cache.Top(ctx, gameType, segmentName, limit)
		if err == nil && len(entries) > 0 {
			return entries, nil
		}
		if err != nil {
			logrus.WithError(err).Warn("[Segment] leaderboard cache read failed, using store")
		}
	}

	rows, err := s.store.Leaderboard(ctx, gameType, segmentName, limit)
	if err != nil {
		return nil, err
	}
	out := make([]LeaderboardEntry, 0, len(rows))
	for i, r := range rows {
		out = append(out, LeaderboardEntry{
			Rank:        i + 1,
			PlayerID:    r.PlayerID,
			SegmentName: r.SegmentName,
			Points:      r.CurrentPoints,
		})
	}
	return out, nil
}

// RebuildLeaderboards replaces every cached segment board with store contents.
func (s *SegmentService) RebuildLeaderboards(ctx context.Context) (int, error) {
	if s.cache == nil {
		return 0, nil
	}
	rows, err := s.store.ListSegments(ctx, "")
	if err != nil {
		return 0, err
	}
	byGame := groupSegments(rows, func(r models.PlayerSegment) string { return r.GameType })
	boards := 0
	for gameType, gameRows := range byGame {
		n, err := s.rebuildGame(ctx, gameType, gameRows)
		boards += n
		if err != nil {
			return boards, err
		}
	}
	return boards, nil
}

func groupSegments(rows []models.PlayerSegment, key func(models.PlayerSegment) string) map[string][]models.PlayerSegment {
	out := map[string][]models.PlayerSegment{}
	pie.Each(rows, func(r models.PlayerSegment) {
		out[key(r)] = append(out[key(r)], r)
	})
	return out
}

func (s *SegmentService) rebuildGame(ctx context.Context, gameType string, rows []models.PlayerSegment) (int, error) {
	bySegment := groupSegments(rows, func(r models.PlayerSegment) string { return r.SegmentName })
	boards := 0
	for _, band := range s.tables.Segments() {
		if err := s.cache.Replace(ctx, gameType, band.Name, bySegment[band.Name]); err != nil {
			return boards, err
		}
		boards++
	}
	return boards, nil
}

// ResetSeason scales every player's points of a game type by the retain ratio
// and re-bands them. No promotion rewards are granted by a reset.
func (s *SegmentService) ResetSeason(ctx context.Context, gameType string) (*SeasonResetResult, error) {
	if gameType == "" {
		return nil, eris.Wrap(ErrValidation, "game_type is required")
	}
	rows, err := s.store.ListSegments(ctx, gameType)
	if err != nil {
		return nil, err
	}
	ratio := s.tables.SeasonRetainRatio()
	result := &SeasonResetResult{GameType: gameType}

	for _, row := range rows {
		err := s.store.WithinTx(ctx, func(tx Store) error {
			now := s.now()
			seg, err := tx.GetSegmentForUpdate(ctx, row.PlayerID, gameType)
			if err != nil {
				return err
			}
			oldPoints, oldSegment := seg.CurrentPoints, seg.SegmentName
			seg.CurrentPoints = int64(math.Floor(float64(oldPoints) * ratio))
			seg.SegmentName = s.tables.SegmentFor(seg.CurrentPoints).Name
			seg.LastActivityAt = now
			if err := tx.SaveSegment(ctx, seg); err != nil {
				return err
			}
			if seg.SegmentName == oldSegment {
				return nil
			}
			result.Changed++
			return tx.AppendChange(ctx, &models.SegmentChange{
				ID:         uuid.NewString(),
				PlayerID:   seg.PlayerID,
				GameType:   gameType,
				OldSegment: oldSegment,
				NewSegment: seg.SegmentName,
				Delta:      seg.CurrentPoints - oldPoints,
				OldPoints:  oldPoints,
				NewPoints:  seg.CurrentPoints,
				Reason:     models.SegmentChangeSeasonReset,
				Source:     "season_reset",
				CreatedAt:  now,
			})
		})
		if err != nil {
			return result, eris.Wrapf(err, "season reset stopped at player %s", row.PlayerID)
		}
		result.Processed++
	}

	if s.cache != nil {
		fresh, err := s.store.ListSegments(ctx, gameType)
		if err == nil {
			_, err = s.rebuildGame(ctx, gameType, fresh)
		}
		if err != nil {
			logrus.WithError(err).Warn("[Segment] leaderboard rebuild after season reset failed")
		}
	}
	logrus.WithFields(logrus.Fields{
		"game_type": gameType,
		"processed": result.Processed,
		"changed":   result.Changed,
	}).Info("[Segment] season reset")
	if err := s.publisher.Publish(ctx, events.SeasonReset, result); err != nil {
		logrus.WithError(err).Warn("[Segment] failed to publish season reset")
	}
	return result, nil
}
