package services

import (
	"context"
	"time"

	"tournament-engine/config"
	"tournament-engine/events"
	"tournament-engine/metrics"
	"tournament-engine/models"

	"github.com/elliotchance/pie/v2"
	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/stat"
)

type JoinRequest struct {
	PlayerID     string `json:"player_id"`
	TournamentID string `json:"tournament_id"`
	GameType     string `json:"game_type"`
	Tier         string `json:"tier,omitempty"`
}

type JoinResult struct {
	OK            bool                       `json:"ok"`
	MatchID       string                     `json:"match_id,omitempty"`
	QueueID       string                     `json:"queue_id,omitempty"`
	InQueue       bool                       `json:"in_queue"`
	Started       bool                       `json:"started"`
	Match         *models.Match              `json:"match,omitempty"`
	Participation *models.MatchParticipation `json:"participation,omitempty"`
}

type QueueStatusResult struct {
	InQueue      bool     `json:"in_queue"`
	Status       string   `json:"status"`
	WaitTime     int64    `json:"wait_time"` // seconds
	QueueID      string   `json:"queue_id,omitempty"`
	MatchID      string   `json:"match_id,omitempty"`
	OtherPlayers []string `json:"other_players,omitempty"`
}

type QueueStats struct {
	TournamentID          string         `json:"tournament_id,omitempty"`
	TotalWaiting          int            `json:"total_waiting"`
	TotalMatched          int            `json:"total_matched"`
	AverageWaitSeconds    float64        `json:"average_wait_seconds"`
	OldestWaitSeconds     float64        `json:"oldest_wait_seconds"`
	PendingMatches        int            `json:"pending_matches"`
	AlgorithmDistribution map[string]int `json:"algorithm_distribution"`
}

// MatchmakingService places queued players into forming matches.
type MatchmakingService struct {
	store       Store
	tournaments TournamentRepository
	tables      *config.Tables
	lifecycle   *LifecycleController
	metrics     *metrics.Collection
	now         Clock
}

func NewMatchmakingService(store Store, tournaments TournamentRepository, tables *config.Tables, lifecycle *LifecycleController, m *metrics.Collection, now Clock) *MatchmakingService {
	if tournaments == nil {
		tournaments = store
	}
	if now == nil {
		now = time.Now
	}
	return &MatchmakingService{
		store:       store,
		tournaments: tournaments,
		tables:      tables,
		lifecycle:   lifecycle,
		metrics:     m,
		now:         now,
	}
}

// placement is the outcome of one formation pass.
type placement struct {
	match         *models.Match
	participation *models.MatchParticipation
	started       bool
}

func isFatalJoinError(err error) bool {
	return eris.Is(err, ErrNotFound) || eris.Is(err, ErrInvalidState) ||
		eris.Is(err, ErrValidation) || eris.Is(err, ErrConfiguration)
}

func (s *MatchmakingService) openTournament(ctx context.Context, id string) (*models.Tournament, error) {
	t, err := s.tournaments.GetTournament(ctx, id)
	if err != nil {
		return nil, err
	}
	if !t.IsOpen(s.now()) {
		return nil, eris.Wrapf(ErrInvalidState, "tournament %s is not open", id)
	}
	return t, nil
}

func (s *MatchmakingService) eligiblePlayer(ctx context.Context, id string) (*models.Player, error) {
	p, err := s.store.GetPlayer(ctx, id)
	if err != nil {
		return nil, err
	}
	if p.IsBanned {
		return nil, eris.Wrapf(ErrInvalidState, "player %s is banned", id)
	}
	return p, nil
}

// JoinQueue queues a player for a tournament and immediately tries to place
// them. Repeated joins return the existing entry and match.
func (s *MatchmakingService) JoinQueue(ctx context.Context, req JoinRequest) (*JoinResult, error) {
	if req.PlayerID == "" || req.TournamentID == "" {
		return nil, eris.Wrap(ErrValidation, "player_id and tournament_id are required")
	}
	t, err := s.openTournament(ctx, req.TournamentID)
	if err != nil {
		s.metrics.Join("rejected")
		return nil, err
	}
	if req.GameType != "" && req.GameType != t.GameType {
		s.metrics.Join("rejected")
		return nil, eris.Wrapf(ErrValidation, "tournament %s is for %s, not %s", t.ID, t.GameType, req.GameType)
	}
	if err := s.checkTier(t, req.Tier); err != nil {
		s.metrics.Join("rejected")
		return nil, err
	}
	player, err := s.eligiblePlayer(ctx, req.PlayerID)
	if err != nil {
		s.metrics.Join("rejected")
		return nil, err
	}

	entry, err := s.store.FindActiveEntry(ctx, player.ID, t.ID)
	switch {
	case err == nil && entry.MatchID != nil:
		s.metrics.Join("duplicate")
		return s.currentPlacement(ctx, entry)
	case err == nil:
		// waiting entry from an earlier join: place it now
	case eris.Is(err, ErrNotFound):
		entry = &models.QueueEntry{
			ID:           uuid.NewString(),
			PlayerID:     player.ID,
			TournamentID: t.ID,
			GameType:     t.GameType,
			Tier:         t.DefaultTier,
			Status:       models.QueueWaiting,
			JoinedAt:     s.now(),
		}
		if err := s.store.CreateEntry(ctx, entry); err != nil {
			if !eris.Is(err, ErrDuplicate) {
				return nil, err
			}
			// a concurrent join for the same player created the entry first
			existing, ferr := s.store.FindActiveEntry(ctx, player.ID, t.ID)
			if ferr != nil {
				return nil, ferr
			}
			s.metrics.Join("duplicate")
			if existing.MatchID != nil {
				return s.currentPlacement(ctx, existing)
			}
			return &JoinResult{OK: true, QueueID: existing.ID, InQueue: true}, nil
		}
	default:
		return nil, err
	}

	p, err := s.formMatch(ctx, t, player, entry)
	if err != nil {
		if isFatalJoinError(err) {
			s.metrics.Join("rejected")
			return nil, err
		}
		logrus.WithError(err).WithFields(logrus.Fields{
			"player_id":     player.ID,
			"tournament_id": t.ID,
		}).Warn("[Matchmaking] formation failed, entry left for the sweep")
		s.metrics.Join("queued")
		return &JoinResult{OK: true, QueueID: entry.ID, InQueue: true}, nil
	}
	if p.started {
		s.metrics.Join("started")
	} else {
		s.metrics.Join("matched")
	}
	return &JoinResult{
		OK:            true,
		MatchID:       p.match.ID,
		QueueID:       entry.ID,
		InQueue:       !p.started,
		Started:       p.started,
		Match:         p.match,
		Participation: p.participation,
	}, nil
}

// checkTier accepts an empty tier or the tournament's own. Rewards follow the
// tournament tier, never the client's.
func (s *MatchmakingService) checkTier(t *models.Tournament, tier string) error {
	if tier == "" {
		return nil
	}
	if _, err := s.tables.TierReward(tier); err != nil {
		return eris.Wrapf(ErrValidation, "unknown tier %q", tier)
	}
	if tier != t.DefaultTier {
		return eris.Wrapf(ErrValidation, "tournament %s plays tier %s, not %s", t.ID, t.DefaultTier, tier)
	}
	return nil
}

func (s *MatchmakingService) currentPlacement(ctx context.Context, entry *models.QueueEntry) (*JoinResult, error) {
	m, err := s.store.GetMatch(ctx, *entry.MatchID)
	if err != nil {
		return nil, err
	}
	res := &JoinResult{
		OK:      true,
		MatchID: m.ID,
		QueueID: entry.ID,
		InQueue: entry.Status.IsActive(),
		Started: m.Status == models.MatchStarted,
		Match:   m,
	}
	if part, err := s.store.FindParticipation(ctx, m.ID, entry.PlayerID); err == nil {
		res.Participation = part
	}
	return res, nil
}

// EvaluateEntry runs one formation pass for a waiting entry. Entries whose
// tournament closed or whose player vanished are cancelled.
func (s *MatchmakingService) EvaluateEntry(ctx context.Context, entry models.QueueEntry) (*JoinResult, error) {
	if entry.Status != models.QueueWaiting {
		return nil, eris.Wrapf(ErrInvalidState, "queue entry %s is %s", entry.ID, entry.Status)
	}
	t, err := s.openTournament(ctx, entry.TournamentID)
	if err == nil {
		var player *models.Player
		player, err = s.eligiblePlayer(ctx, entry.PlayerID)
		if err == nil {
			p, err := s.formMatch(ctx, t, player, &entry)
			if err != nil {
				return nil, err
			}
			return &JoinResult{
				OK:            true,
				MatchID:       p.match.ID,
				QueueID:       entry.ID,
				InQueue:       !p.started,
				Started:       p.started,
				Match:         p.match,
				Participation: p.participation,
			}, nil
		}
	}
	if eris.Is(err, ErrNotFound) || eris.Is(err, ErrInvalidState) {
		now := s.now()
		entry.Status = models.QueueCancelled
		entry.ClosedAt = &now
		if uerr := s.store.UpdateEntry(ctx, &entry); uerr != nil {
			logrus.WithError(uerr).WithField("queue_id", entry.ID).Warn("[Matchmaking] failed to cancel queue entry")
		}
	}
	return nil, err
}

func (s *MatchmakingService) playerRating(ctx context.Context, tx Store, player *models.Player, gameType string) (PlayerRating, string) {
	segment := s.tables.LowestSegment().Name
	if seg, err := tx.GetSegment(ctx, player.ID, gameType); err == nil {
		segment = seg.SegmentName
	}
	idx, err := s.tables.SegmentIndex(segment)
	if err != nil {
		idx = 0
	}
	return PlayerRating{
		PlayerID:     player.ID,
		SkillRating:  player.SkillRating,
		Elo:          player.Elo,
		SegmentIndex: idx,
	}, segment
}

// formMatch scores the tournament's pending matches against the player, joins
// the best eligible one or opens a new match, then evaluates the start rule.
func (s *MatchmakingService) formMatch(ctx context.Context, t *models.Tournament, player *models.Player, entry *models.QueueEntry) (*placement, error) {
	rules := t.MatchRules.WithDefaults()
	var out *placement
	err := s.store.WithinTx(ctx, func(tx Store) error {
		now := s.now()
		rating, segment := s.playerRating(ctx, tx, player, t.GameType)

		pending, err := tx.ListPendingMatches(ctx, t.ID)
		if err != nil {
			return err
		}
		var chosen *models.Match
		candidates := make([]Candidate, 0, len(pending))
		for _, m := range pending {
			if m.PlayerCount >= m.MaxPlayers {
				continue
			}
			parts, err := tx.ListParticipations(ctx, m.ID)
			if err != nil {
				return err
			}
			if pie.Any(parts, func(p models.MatchParticipation) bool {
				return p.PlayerID == player.ID && !p.Completed
			}) {
				m := m
				chosen = &m
				break
			}
			ratings := pie.Map(parts, func(p models.MatchParticipation) PlayerRating {
				return ratingFromParticipation(s.tables, p)
			})
			algorithm := m.Algorithm
			if algorithm == "" {
				algorithm = rules.Algorithm
			}
			score, err := CompatibilityScore(algorithm, rating, ratings)
			if err != nil {
				return err
			}
			candidates = append(candidates, Candidate{Match: m, Score: score, Priority: MatchPriority(m, score, now)})
		}

		if chosen == nil {
			for _, c := range RankCandidates(candidates, rules.SkillRange) {
				locked, err := tx.GetMatchForUpdate(ctx, c.Match.ID)
				if err != nil {
					return err
				}
				if locked.Status == models.MatchPending && locked.PlayerCount < locked.MaxPlayers {
					chosen = locked
					break
				}
			}
		} else if chosen, err = tx.GetMatchForUpdate(ctx, chosen.ID); err != nil {
			return err
		}

		if chosen == nil {
			chosen = &models.Match{
				ID:           uuid.NewString(),
				TournamentID: t.ID,
				GameType:     t.GameType,
				Status:       models.MatchPending,
				Algorithm:    rules.Algorithm,
				Tier:         t.DefaultTier,
				MinPlayers:   rules.MinPlayers,
				MaxPlayers:   rules.MaxPlayers,
				Timestamps:   models.Timestamps{CreatedAt: now, UpdatedAt: now},
			}
			if err := tx.CreateMatch(ctx, chosen); err != nil {
				return err
			}
			if err := recordEvent(ctx, tx, models.EventMatchCreated, chosen, player.ID, now, map[string]interface{}{
				"algorithm":   chosen.Algorithm,
				"min_players": chosen.MinPlayers,
				"max_players": chosen.MaxPlayers,
			}); err != nil {
				return err
			}
		}

		part, err := tx.FindParticipation(ctx, chosen.ID, player.ID)
		switch {
		case err == nil:
			// already placed in this match
		case eris.Is(err, ErrNotFound):
			part = &models.MatchParticipation{
				ID:           uuid.NewString(),
				MatchID:      chosen.ID,
				PlayerID:     player.ID,
				TournamentID: t.ID,
				SkillRating:  player.SkillRating,
				Elo:          player.Elo,
				Segment:      segment,
				JoinedAt:     now,
			}
			if err := tx.CreateParticipation(ctx, part); err != nil {
				return err
			}
			chosen.PlayerCount++
			if err := tx.UpdateMatch(ctx, chosen); err != nil {
				return err
			}
			if err := recordEvent(ctx, tx, models.EventPlayerJoined, chosen, player.ID, now, map[string]interface{}{
				"player_count": chosen.PlayerCount,
			}); err != nil {
				return err
			}
		default:
			return err
		}

		entry.Status = models.QueueMatched
		entry.MatchID = &chosen.ID
		entry.MatchedAt = &now
		if err := tx.UpdateEntry(ctx, entry); err != nil {
			return err
		}

		p := &placement{match: chosen, participation: part}
		if ok, reason := ShouldStart(*chosen, rules, now); ok {
			if err := s.lifecycle.startInTx(ctx, tx, chosen, reason); err != nil {
				return err
			}
			entry.Status = models.QueueStarted
			entry.ClosedAt = &now
			p.started = true
		}
		out = p
		return nil
	})
	if err != nil {
		return nil, err
	}
	if out.started {
		s.lifecycle.afterStart(ctx, out.match)
	}
	logrus.WithFields(logrus.Fields{
		"player_id":     player.ID,
		"tournament_id": t.ID,
		"match_id":      out.match.ID,
		"player_count":  out.match.PlayerCount,
		"started":       out.started,
	}).Debug("[Matchmaking] player placed")
	return out, nil
}

// GetQueueStatus reports the player's latest queue entry for a tournament.
func (s *MatchmakingService) GetQueueStatus(ctx context.Context, playerID, tournamentID string) (*QueueStatusResult, error) {
	entry, err := s.store.FindActiveEntry(ctx, playerID, tournamentID)
	if eris.Is(err, ErrNotFound) {
		entry, err = s.store.FindLatestEntry(ctx, playerID, tournamentID)
	}
	if eris.Is(err, ErrNotFound) {
		return &QueueStatusResult{InQueue: false, Status: "not_in_queue"}, nil
	}
	if err != nil {
		return nil, err
	}

	end := s.now()
	if !entry.Status.IsActive() && entry.ClosedAt != nil {
		end = *entry.ClosedAt
	}
	res := &QueueStatusResult{
		InQueue:  entry.Status.IsActive(),
		Status:   string(entry.Status),
		WaitTime: int64(end.Sub(entry.JoinedAt).Seconds()),
		QueueID:  entry.ID,
	}
	if entry.MatchID != nil {
		res.MatchID = *entry.MatchID
		parts, err := s.store.ListParticipations(ctx, *entry.MatchID)
		if err != nil {
			return nil, err
		}
		res.OtherPlayers = pie.Map(
			pie.Filter(parts, func(p models.MatchParticipation) bool { return p.PlayerID != playerID }),
			func(p models.MatchParticipation) string { return p.PlayerID },
		)
	}
	return res, nil
}

// LeaveMatch takes a player out of the queue and out of their forming match.
// A started match cannot be left.
func (s *MatchmakingService) LeaveMatch(ctx context.Context, playerID, tournamentID, gameType string) error {
	var cancelled *models.Match
	err := s.store.WithinTx(ctx, func(tx Store) error {
		now := s.now()
		entry, err := tx.FindActiveEntry(ctx, playerID, tournamentID)
		if err != nil {
			return err
		}
		if gameType != "" && entry.GameType != gameType {
			return eris.Wrapf(ErrValidation, "queue entry is for %s, not %s", entry.GameType, gameType)
		}
		entry.Status = models.QueueCancelled
		entry.ClosedAt = &now
		if entry.MatchID == nil {
			return tx.UpdateEntry(ctx, entry)
		}

		m, err := tx.GetMatchForUpdate(ctx, *entry.MatchID)
		if err != nil {
			return err
		}
		if m.Status != models.MatchPending {
			return eris.Wrapf(ErrInvalidState, "match %s already %s", m.ID, m.Status)
		}
		part, err := tx.FindParticipation(ctx, m.ID, playerID)
		if err == nil {
			if err := tx.DeleteParticipation(ctx, part.ID); err != nil {
				return err
			}
			if m.PlayerCount > 0 {
				m.PlayerCount--
			}
		} else if !eris.Is(err, ErrNotFound) {
			return err
		}
		if err := tx.UpdateEntry(ctx, entry); err != nil {
			return err
		}
		if err := recordEvent(ctx, tx, models.EventPlayerLeft, m, playerID, now, map[string]interface{}{
			"player_count": m.PlayerCount,
		}); err != nil {
			return err
		}
		if m.PlayerCount == 0 {
			m.Status = models.MatchCancelled
			m.CompletedAt = &now
			cancelled = m
			if err := recordEvent(ctx, tx, models.EventMatchCancelled, m, playerID, now, nil); err != nil {
				return err
			}
		}
		return tx.UpdateMatch(ctx, m)
	})
	if err != nil {
		return err
	}
	logrus.WithFields(logrus.Fields{
		"player_id":     playerID,
		"tournament_id": tournamentID,
	}).Info("[Matchmaking] player left queue")
	if cancelled != nil {
		s.lifecycle.publish(ctx, events.MatchCancelled, cancelled)
	}
	return nil
}

// GetQueueStats summarises the active queue; an empty tournament id covers all.
func (s *MatchmakingService) GetQueueStats(ctx context.Context, tournamentID string) (*QueueStats, error) {
	entries, err := s.store.ListActiveEntries(ctx, tournamentID)
	if err != nil {
		return nil, err
	}
	pending, err := s.store.ListPendingMatches(ctx, tournamentID)
	if err != nil {
		return nil, err
	}

	now := s.now()
	stats := &QueueStats{
		TournamentID:          tournamentID,
		PendingMatches:        len(pending),
		AlgorithmDistribution: map[string]int{},
	}
	var waits []float64
	for _, e := range entries {
		if e.Status == models.QueueMatched {
			stats.TotalMatched++
		} else {
			stats.TotalWaiting++
		}
		waits = append(waits, now.Sub(e.JoinedAt).Seconds())
	}
	if len(waits) > 0 {
		stats.AverageWaitSeconds = stat.Mean(waits, nil)
		stats.OldestWaitSeconds = pie.Max(waits)
	}
	for _, m := range pending {
		stats.AlgorithmDistribution[m.Algorithm]++
	}
	return stats, nil
}
