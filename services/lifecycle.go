package services

import (
	"context"
	"time"

	"tournament-engine/events"
	"tournament-engine/metrics"
	"tournament-engine/models"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"github.com/sirupsen/logrus"
)

// Clock returns the current time. Tests substitute a fixed clock.
type Clock func() time.Time

// Reasons a match leaves the pending state.
const (
	StartReasonFull       = "full"
	StartReasonMaxWait    = "max_wait"
	StartReasonAIFallback = "ai_fallback"
)

// ShouldStart evaluates the start predicate of a pending match. The capacity
// bounds come from the match, the timing rules from its tournament.
func ShouldStart(m models.Match, rules models.MatchRules, now time.Time) (bool, string) {
	if m.Status != models.MatchPending || m.PlayerCount == 0 {
		return false, ""
	}
	elapsed := m.WaitTime(now)
	maxWait := rules.MaxWait()
	switch {
	case m.PlayerCount >= m.MaxPlayers:
		return true, StartReasonFull
	case m.PlayerCount >= m.MinPlayers && elapsed > maxWait:
		return true, StartReasonMaxWait
	case rules.FallbackToAI && elapsed > maxWait/2:
		return true, StartReasonAIFallback
	}
	return false, ""
}

// LifecycleController moves matches out of the pending state.
type LifecycleController struct {
	store       Store
	tournaments TournamentRepository
	sessions    SessionOpener
	publisher   events.Publisher
	metrics     *metrics.Collection
	now         Clock
}

func NewLifecycleController(store Store, tournaments TournamentRepository, sessions SessionOpener, publisher events.Publisher, m *metrics.Collection, now Clock) *LifecycleController {
	if tournaments == nil {
		tournaments = store
	}
	if publisher == nil {
		publisher = events.LogPublisher{}
	}
	if now == nil {
		now = time.Now
	}
	return &LifecycleController{
		store:       store,
		tournaments: tournaments,
		sessions:    sessions,
		publisher:   publisher,
		metrics:     m,
		now:         now,
	}
}

func eventData(fields map[string]interface{}) string {
	if len(fields) == 0 {
		return "{}"
	}
	raw, err := json.Marshal(fields)
	if err != nil {
		return "{}"
	}
	return string(raw)
}

func recordEvent(ctx context.Context, tx Store, eventType string, m *models.Match, playerID string, at time.Time, data map[string]interface{}) error {
	e := &models.MatchEvent{
		ID:        uuid.NewString(),
		PlayerID:  playerID,
		EventType: eventType,
		Data:      eventData(data),
		CreatedAt: at,
	}
	if m != nil {
		e.MatchID = m.ID
		e.TournamentID = m.TournamentID
	}
	return tx.RecordEvent(ctx, e)
}

// startInTx starts a locked pending match: it opens the game session, moves the
// participants' queue entries out of the queue and records match_started.
func (c *LifecycleController) startInTx(ctx context.Context, tx Store, m *models.Match, reason string) error {
	if m.Status != models.MatchPending {
		return eris.Wrapf(ErrInvalidState, "match %s is %s", m.ID, m.Status)
	}
	if m.PlayerCount < 1 {
		return eris.Wrapf(ErrInvalidState, "match %s has no players", m.ID)
	}
	parts, err := tx.ListParticipations(ctx, m.ID)
	if err != nil {
		return err
	}
	gameID, err := c.sessions.OpenSession(ctx, tx, *m, parts)
	if err != nil {
		return eris.Wrapf(err, "failed to open game session for match %s", m.ID)
	}

	now := c.now()
	m.Status = models.MatchStarted
	m.StartedAt = &now
	m.StartReason = reason
	m.GameID = &gameID
	if err := tx.UpdateMatch(ctx, m); err != nil {
		return err
	}
	if _, err := tx.CloseEntriesForMatch(ctx, m.ID, models.QueueStarted, now); err != nil {
		return err
	}
	return recordEvent(ctx, tx, models.EventMatchStarted, m, "", now, map[string]interface{}{
		"reason":       reason,
		"game_id":      gameID,
		"player_count": m.PlayerCount,
	})
}

// afterStart runs the non-transactional side effects of a committed start.
func (c *LifecycleController) afterStart(ctx context.Context, m *models.Match) {
	c.metrics.MatchStarted(m.StartReason)
	logrus.WithFields(logrus.Fields{
		"match_id":      m.ID,
		"tournament_id": m.TournamentID,
		"players":       m.PlayerCount,
		"reason":        m.StartReason,
	}).Info("[Matchmaking] match started")
	c.publish(ctx, events.MatchStarted, m)
}

func (c *LifecycleController) publish(ctx context.Context, name string, m *models.Match) {
	payload := map[string]interface{}{
		"match_id":      m.ID,
		"tournament_id": m.TournamentID,
		"game_type":     m.GameType,
		"status":        m.Status,
		"player_count":  m.PlayerCount,
	}
	if m.GameID != nil {
		payload["game_id"] = *m.GameID
	}
	if err := c.publisher.Publish(ctx, name, payload); err != nil {
		logrus.WithError(err).WithField("match_id", m.ID).Warnf("failed to publish %s", name)
	}
}

// StartMatch starts a pending match that reached its minimum size.
func (c *LifecycleController) StartMatch(ctx context.Context, matchID, reason string) (*models.Match, error) {
	var started *models.Match
	err := c.store.WithinTx(ctx, func(tx Store) error {
		m, err := tx.GetMatchForUpdate(ctx, matchID)
		if err != nil {
			return err
		}
		if m.PlayerCount < m.MinPlayers && reason != StartReasonAIFallback {
			return eris.Wrapf(ErrInvalidState, "match %s has %d of %d required players", m.ID, m.PlayerCount, m.MinPlayers)
		}
		if err := c.startInTx(ctx, tx, m, reason); err != nil {
			return err
		}
		started = m
		return nil
	})
	if err != nil {
		return nil, err
	}
	c.afterStart(ctx, started)
	return started, nil
}

// EvaluatePendingMatches applies the time-based start rules to every pending
// match, covering matches that received no join since they became eligible.
func (c *LifecycleController) EvaluatePendingMatches(ctx context.Context) (started int, errs int) {
	pending, err := c.store.ListPendingMatches(ctx, "")
	if err != nil {
		logrus.WithError(err).Error("[Matchmaking] failed to list pending matches")
		return 0, 1
	}
	now := c.now()
	rulesCache := map[string]models.MatchRules{}
	for _, m := range pending {
		if ctx.Err() != nil {
			break
		}
		rules, ok := rulesCache[m.TournamentID]
		if !ok {
			t, err := c.tournaments.GetTournament(ctx, m.TournamentID)
			if err != nil {
				logrus.WithError(err).WithField("match_id", m.ID).Warn("[Matchmaking] tournament of pending match not found")
				errs++
				continue
			}
			rules = t.MatchRules.WithDefaults()
			rulesCache[m.TournamentID] = rules
		}
		ok, reason := ShouldStart(m, rules, now)
		if !ok {
			continue
		}
		if _, err := c.StartMatch(ctx, m.ID, reason); err != nil {
			if eris.Is(err, ErrInvalidState) {
				continue
			}
			logrus.WithError(err).WithField("match_id", m.ID).Error("[Matchmaking] failed to start match")
			errs++
			continue
		}
		started++
	}
	return started, errs
}

// ExpireStaleMatches expires pending matches created before now-olderThan that
// never reached their minimum size.
func (c *LifecycleController) ExpireStaleMatches(ctx context.Context, olderThan time.Duration) (int, error) {
	now := c.now()
	stale, err := c.store.ListPendingCreatedBefore(ctx, now.Add(-olderThan))
	if err != nil {
		return 0, err
	}
	expired := 0
	for _, candidate := range stale {
		if candidate.PlayerCount >= candidate.MinPlayers {
			continue
		}
		var m *models.Match
		err := c.store.WithinTx(ctx, func(tx Store) error {
			locked, err := tx.GetMatchForUpdate(ctx, candidate.ID)
			if err != nil {
				return err
			}
			if locked.Status != models.MatchPending || locked.PlayerCount >= locked.MinPlayers {
				return nil
			}
			locked.Status = models.MatchExpired
			locked.CompletedAt = &now
			if err := tx.UpdateMatch(ctx, locked); err != nil {
				return err
			}
			if _, err := tx.CloseEntriesForMatch(ctx, locked.ID, models.QueueExpired, now); err != nil {
				return err
			}
			m = locked
			return recordEvent(ctx, tx, models.EventMatchExpired, locked, "", now, map[string]interface{}{
				"player_count": locked.PlayerCount,
				"min_players":  locked.MinPlayers,
			})
		})
		if err != nil {
			logrus.WithError(err).WithField("match_id", candidate.ID).Error("[Matchmaking] failed to expire match")
			continue
		}
		if m != nil {
			expired++
			c.publish(ctx, events.MatchExpired, m)
		}
	}
	return expired, nil
}
