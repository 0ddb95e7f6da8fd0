package services

import (
	"context"
	"time"

	"tournament-engine/config"
	"tournament-engine/events"
	"tournament-engine/metrics"
	"tournament-engine/models"
	"tournament-engine/workers"

	"github.com/cenkalti/backoff/v4"
	"github.com/elliotchance/pie/v2"
	"github.com/goccy/go-json"
	"github.com/rotisserie/eris"
	"github.com/sirupsen/logrus"
)

type SettlementRewards struct {
	Coins  map[string]int64 `json:"coins"`
	Chests map[string]Chest `json:"chests"`
}

// FailedGrant describes a best-effort grant that did not go through.
type FailedGrant struct {
	PlayerID string `json:"player_id"`
	Kind     string `json:"kind"`
	Error    string `json:"error"`
}

type SettlementResult struct {
	OK            bool              `json:"ok"`
	AlreadyEnded  bool              `json:"already_ended,omitempty"`
	GameID        string            `json:"game_id"`
	FinalRankings []RankingEntry    `json:"final_rankings"`
	Rewards       SettlementRewards `json:"rewards"`
	RewardType    string            `json:"reward_type,omitempty"`
	FailedGrants  []FailedGrant     `json:"failed_grants,omitempty"`
}

// SettlementDeps are the collaborators settlement is built from.
type SettlementDeps struct {
	Store     Store
	Tables    *config.Tables
	Authority RewardAuthority
	Granter   ResourceGranter
	Chests    ChestGenerator
	Scores    ScoreUpdater
	Pool      *workers.Pool
	Publisher events.Publisher
	Metrics   *metrics.Collection
	Now       Clock
	// Lease bounds how long a game may sit in settling before another call
	// resumes it.
	Lease time.Duration
}

const (
	defaultSettlementLease = 2 * time.Minute
	finishRetries          = 3
)

// SettlementService finalizes finished games exactly once.
type SettlementService struct {
	SettlementDeps
	recorder grantRecorder
}

func NewSettlementService(deps SettlementDeps) *SettlementService {
	if deps.Publisher == nil {
		deps.Publisher = events.LogPublisher{}
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.Lease <= 0 {
		deps.Lease = defaultSettlementLease
	}
	return &SettlementService{
		SettlementDeps: deps,
		recorder:       grantRecorder{ledger: deps.Store, metrics: deps.Metrics, now: deps.Now},
	}
}

// rankPlayers orders by score descending; equal scores go to the earlier
// finisher, then the lower seat, then the lower player id.
func rankPlayers(players []models.GamePlayer) []models.GamePlayer {
	ranked := pie.SortUsing(players, func(a, b models.GamePlayer) bool {
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		switch {
		case a.FinishedAt != nil && b.FinishedAt != nil && !a.FinishedAt.Equal(*b.FinishedAt):
			return a.FinishedAt.Before(*b.FinishedAt)
		case a.FinishedAt != nil && b.FinishedAt == nil:
			return true
		case a.FinishedAt == nil && b.FinishedAt != nil:
			return false
		}
		if a.Seat != b.Seat {
			return a.Seat < b.Seat
		}
		return a.PlayerID < b.PlayerID
	})
	for i := range ranked {
		ranked[i].Rank = i + 1
	}
	return ranked
}

func (s *SettlementService) endedResult(ctx context.Context, g *models.GameInstance) (*SettlementResult, error) {
	players, err := s.Store.ListGamePlayers(ctx, g.ID)
	if err != nil {
		return nil, err
	}
	ranked := pie.Filter(players, func(p models.GamePlayer) bool { return p.Rank > 0 })
	ranked = pie.SortUsing(ranked, func(a, b models.GamePlayer) bool { return a.Rank < b.Rank })
	return &SettlementResult{
		OK:           true,
		AlreadyEnded: true,
		GameID:       g.ID,
		FinalRankings: pie.Map(ranked, func(p models.GamePlayer) RankingEntry {
			return RankingEntry{PlayerID: p.PlayerID, Rank: p.Rank, Score: p.Score}
		}),
		Rewards:    SettlementRewards{Coins: map[string]int64{}, Chests: map[string]Chest{}},
		RewardType: g.RewardType,
	}, nil
}

// SettleGame ranks a finished game, obtains the reward decision and applies
// grants. A repeated call on an ended game returns AlreadyEnded without side
// effects. Only a failed reward decision aborts settlement; the game then
// returns to playing so the call can be retried. A game stuck in settling past
// its lease is resumed, skipping grants the ledger already holds.
func (s *SettlementService) SettleGame(ctx context.Context, gameID string) (*SettlementResult, error) {
	started := time.Now()
	log := logrus.WithField("game_id", gameID)

	g, err := s.Store.GetGame(ctx, gameID)
	if err != nil {
		return nil, err
	}
	if g.Status == models.GameEnded {
		s.Metrics.Settlement("already_ended", time.Since(started))
		return s.endedResult(ctx, g)
	}

	previous := g.Status
	claimedAt := s.Now()
	g, err = s.Store.TransitionGame(ctx, gameID, []models.GameStatus{models.GameWaiting, models.GamePlaying}, models.GameSettling,
		func(gi *models.GameInstance) { gi.SettlingAt = &claimedAt })
	if err != nil {
		if !eris.Is(err, ErrInvalidState) {
			return nil, err
		}
		current, gerr := s.Store.GetGame(ctx, gameID)
		if gerr != nil {
			return nil, gerr
		}
		if current.Status == models.GameEnded {
			return s.endedResult(ctx, current)
		}
		g, err = s.Store.ReclaimSettlement(ctx, gameID, claimedAt.Add(-s.Lease), claimedAt)
		if err != nil {
			if eris.Is(err, ErrInvalidState) {
				return nil, eris.Wrapf(ErrInvalidState, "game %s is already being settled", gameID)
			}
			return nil, err
		}
		previous = models.GamePlaying
		log.WithField("claimed_at", current.SettlingAt).Warn("[Settlement] resuming stale settlement")
	}

	prior, err := s.priorGrants(ctx, g.ID)
	if err != nil {
		s.revert(ctx, gameID, previous)
		return nil, err
	}

	ranked, err := s.finalizePlayers(ctx, g)
	if err != nil {
		s.revert(ctx, gameID, previous)
		return nil, err
	}
	rankings := pie.Map(ranked, func(p models.GamePlayer) RankingEntry {
		return RankingEntry{PlayerID: p.PlayerID, Rank: p.Rank, Score: p.Score}
	})

	decision, err := s.Authority.GetRewardDecision(ctx, g.Tier, rankings, g.ID)
	if err != nil {
		s.revert(ctx, gameID, previous)
		s.Metrics.Settlement("failed", time.Since(started))
		log.WithError(err).Error("[Settlement] reward decision failed")
		if eris.Is(err, ErrConfiguration) || eris.Is(err, ErrUpstream) {
			return nil, err
		}
		return nil, eris.Wrapf(ErrUpstream, "reward decision for game %s: %v", gameID, err)
	}

	result := &SettlementResult{
		OK:            true,
		GameID:        g.ID,
		FinalRankings: rankings,
		Rewards:       SettlementRewards{Coins: map[string]int64{}, Chests: map[string]Chest{}},
		RewardType:    decision.RewardType,
	}
	s.grantCoins(ctx, g, rankings, decision, prior, result)
	s.grantChests(ctx, g, rankings, decision, prior, result)
	s.submitPoints(ctx, g, rankings, prior, result)

	if err := s.finish(ctx, g, ranked, decision.RewardType); err != nil {
		s.Metrics.Settlement("failed", time.Since(started))
		log.WithError(err).WithField("lease", s.Lease).Error("[Settlement] could not end game, left settling until the lease runs out")
		return nil, err
	}

	outcome := "settled"
	if len(result.FailedGrants) > 0 {
		outcome = "partial"
		log.WithField("failed_grants", len(result.FailedGrants)).Warn("[Settlement] settled with failed grants")
	}
	s.Metrics.Settlement(outcome, time.Since(started))
	log.WithFields(logrus.Fields{
		"players":     len(rankings),
		"reward_type": decision.RewardType,
	}).Info("[Settlement] game settled")
	if err := s.Publisher.Publish(ctx, events.GameSettled, result); err != nil {
		log.WithError(err).Warn("[Settlement] failed to publish game_settled")
	}
	return result, nil
}

func (s *SettlementService) revert(ctx context.Context, gameID string, to models.GameStatus) {
	if _, err := s.Store.TransitionGame(ctx, gameID, []models.GameStatus{models.GameSettling}, to, nil); err != nil {
		logrus.WithError(err).WithField("game_id", gameID).Error("[Settlement] failed to release settling game")
	}
}

type grantKey struct {
	playerID string
	kind     models.RewardType
}

// priorGrants indexes the settlement grants of a game that already went
// through, so a resumed settlement does not pay twice.
func (s *SettlementService) priorGrants(ctx context.Context, gameID string) (map[grantKey]models.RewardGrant, error) {
	grants, err := s.Store.ListGameGrants(ctx, gameID)
	if err != nil {
		return nil, err
	}
	out := map[grantKey]models.RewardGrant{}
	for _, g := range grants {
		if g.Source == models.RewardSourceSettlement && g.Status == models.RewardStatusGranted {
			out[grantKey{g.PlayerID, g.Type}] = g
		}
	}
	return out, nil
}

// finalizePlayers force-finishes stragglers and ranks everyone who finished.
func (s *SettlementService) finalizePlayers(ctx context.Context, g *models.GameInstance) ([]models.GamePlayer, error) {
	players, err := s.Store.ListGamePlayers(ctx, g.ID)
	if err != nil {
		return nil, err
	}
	now := s.Now()
	for i := range players {
		if players[i].Status != models.GamePlayerPlaying {
			continue
		}
		players[i].Status = models.GamePlayerFinished
		players[i].FinishedAt = &now
		if err := s.Store.UpdateGamePlayer(ctx, &players[i]); err != nil {
			return nil, err
		}
		logrus.WithFields(logrus.Fields{
			"game_id":   g.ID,
			"player_id": players[i].PlayerID,
			"score":     players[i].Score,
		}).Info("[Settlement] force-finished player")
	}

	finished := pie.Filter(players, func(p models.GamePlayer) bool {
		return p.Status == models.GamePlayerFinished
	})
	ranked := rankPlayers(finished)
	for i := range ranked {
		if err := s.Store.UpdateGamePlayer(ctx, &ranked[i]); err != nil {
			return nil, err
		}
	}
	return ranked, nil
}

func (s *SettlementService) grantCoins(ctx context.Context, g *models.GameInstance, rankings []RankingEntry, decision *RewardDecision, prior map[grantKey]models.RewardGrant, result *SettlementResult) {
	for _, r := range rankings {
		if done, ok := prior[grantKey{r.PlayerID, models.RewardTypeCoins}]; ok {
			result.Rewards.Coins[r.PlayerID] = done.Amount
			continue
		}
		amount := decision.CoinRewards[r.PlayerID]
		if amount <= 0 {
			continue
		}
		err := s.Granter.GrantCoins(ctx, r.PlayerID, amount, g.ID)
		s.recorder.record(ctx, models.RewardGrant{
			PlayerID: r.PlayerID,
			GameID:   g.ID,
			GameType: g.GameType,
			Source:   models.RewardSourceSettlement,
			Type:     models.RewardTypeCoins,
			Amount:   amount,
			Details:  details(map[string]interface{}{"rank": r.Rank, "tier": g.Tier}),
		}, err)
		if err != nil {
			logrus.WithError(err).WithFields(logrus.Fields{
				"game_id":   g.ID,
				"player_id": r.PlayerID,
			}).Warn("[Settlement] coin grant failed")
			result.FailedGrants = append(result.FailedGrants, FailedGrant{PlayerID: r.PlayerID, Kind: string(models.RewardTypeCoins), Error: err.Error()})
			continue
		}
		result.Rewards.Coins[r.PlayerID] = amount
	}
}

func (s *SettlementService) grantChests(ctx context.Context, g *models.GameInstance, rankings []RankingEntry, decision *RewardDecision, prior map[grantKey]models.RewardGrant, result *SettlementResult) {
	triggered := map[string]bool{}
	for _, r := range rankings {
		if !decision.ChestTriggered[r.PlayerID] {
			continue
		}
		if done, ok := prior[grantKey{r.PlayerID, models.RewardTypeChest}]; ok {
			var chest Chest
			if err := json.Unmarshal([]byte(done.Details), &chest); err == nil {
				result.Rewards.Chests[r.PlayerID] = chest
			}
			continue
		}
		triggered[r.PlayerID] = true
	}
	if len(triggered) == 0 {
		return
	}
	chests, err := s.Chests.GenerateChests(ctx, g.ID, g.Tier, triggered)
	if err != nil {
		logrus.WithError(err).WithField("game_id", g.ID).Warn("[Settlement] chest generation failed")
	}
	for _, r := range rankings {
		if !triggered[r.PlayerID] {
			continue
		}
		chest, ok := chests[r.PlayerID]
		grantErr := err
		if !ok && grantErr == nil {
			grantErr = eris.Errorf("no chest returned for player %s", r.PlayerID)
		}
		if ok {
			grantErr = nil
		}
		s.recorder.record(ctx, models.RewardGrant{
			PlayerID: r.PlayerID,
			GameID:   g.ID,
			GameType: g.GameType,
			Source:   models.RewardSourceSettlement,
			Type:     models.RewardTypeChest,
			Amount:   1,
			Details:  details(chest),
		}, grantErr)
		if grantErr != nil {
			result.FailedGrants = append(result.FailedGrants, FailedGrant{PlayerID: r.PlayerID, Kind: string(models.RewardTypeChest), Error: grantErr.Error()})
			continue
		}
		result.Rewards.Chests[r.PlayerID] = chest
	}
}

// submitPoints hands progression points to the best-effort pool. The outcome
// of each submission is written to the reward ledger.
func (s *SettlementService) submitPoints(ctx context.Context, g *models.GameInstance, rankings []RankingEntry, prior map[grantKey]models.RewardGrant, result *SettlementResult) {
	source := "settlement:" + g.ID
	for _, r := range rankings {
		if _, ok := prior[grantKey{r.PlayerID, models.RewardTypeSeasonPoints}]; ok {
			continue
		}
		points, err := SettlementPoints(s.Tables, r.Rank, r.Score, g.Tier)
		grant := models.RewardGrant{
			PlayerID: r.PlayerID,
			GameID:   g.ID,
			GameType: g.GameType,
			Source:   models.RewardSourceSettlement,
			Type:     models.RewardTypeSeasonPoints,
			Amount:   points,
			Details:  details(map[string]interface{}{"rank": r.Rank, "score": r.Score, "tier": g.Tier}),
		}
		if err != nil {
			s.recorder.record(ctx, grant, err)
			result.FailedGrants = append(result.FailedGrants, FailedGrant{PlayerID: r.PlayerID, Kind: string(models.RewardTypeSeasonPoints), Error: err.Error()})
			continue
		}

		playerID := r.PlayerID
		sc := ScoreContext{Source: source, GameID: g.ID, MatchID: g.MatchID}
		gameType := g.GameType
		accepted := s.Pool.Submit(workers.Task{
			Name: "segment_points",
			Run: func(taskCtx context.Context) error {
				_, err := s.Scores.UpdateSegmentScore(taskCtx, playerID, gameType, points, sc)
				s.recorder.record(taskCtx, grant, err)
				return err
			},
		})
		if !accepted {
			s.recorder.record(ctx, grant, workers.ErrQueueFull)
		}
	}
}

// finish marks the ranked players rewarded, ends the game and completes the
// match it was played for. Transient failures are retried a few times.
func (s *SettlementService) finish(ctx context.Context, g *models.GameInstance, ranked []models.GamePlayer, rewardType string) error {
	now := s.Now()
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = 50 * time.Millisecond
	b := backoff.WithContext(backoff.WithMaxRetries(eb, finishRetries), ctx)
	return backoff.Retry(func() error {
		err := s.finishTx(ctx, g, ranked, rewardType, now)
		if eris.Is(err, ErrInvalidState) || eris.Is(err, ErrNotFound) {
			return backoff.Permanent(err)
		}
		return err
	}, b)
}

func (s *SettlementService) finishTx(ctx context.Context, g *models.GameInstance, ranked []models.GamePlayer, rewardType string, now time.Time) error {
	return s.Store.WithinTx(ctx, func(tx Store) error {
		ids := pie.Map(ranked, func(p models.GamePlayer) string { return p.PlayerID })
		if err := tx.MarkPlayersRewarded(ctx, g.ID, ids); err != nil {
			return err
		}
		if _, err := tx.TransitionGame(ctx, g.ID, []models.GameStatus{models.GameSettling}, models.GameEnded, func(gi *models.GameInstance) {
			gi.EndedAt = &now
			gi.RewardType = rewardType
		}); err != nil {
			return err
		}
		if g.MatchID == "" {
			return nil
		}
		return s.completeMatch(ctx, tx, g.MatchID, ranked, now)
	})
}

func (s *SettlementService) completeMatch(ctx context.Context, tx Store, matchID string, ranked []models.GamePlayer, now time.Time) error {
	m, err := tx.GetMatchForUpdate(ctx, matchID)
	if eris.Is(err, ErrNotFound) {
		logrus.WithField("match_id", matchID).Warn("[Settlement] settled game has no local match")
		return nil
	}
	if err != nil {
		return err
	}
	byPlayer := map[string]models.GamePlayer{}
	for _, p := range ranked {
		byPlayer[p.PlayerID] = p
	}
	parts, err := tx.ListParticipations(ctx, matchID)
	if err != nil {
		return err
	}
	for i := range parts {
		gp, ok := byPlayer[parts[i].PlayerID]
		if !ok {
			continue
		}
		parts[i].Score = gp.Score
		parts[i].Rank = gp.Rank
		parts[i].Completed = true
		if err := tx.UpdateParticipation(ctx, &parts[i]); err != nil {
			return err
		}
	}
	m.Status = models.MatchCompleted
	m.CompletedAt = &now
	if err := tx.UpdateMatch(ctx, m); err != nil {
		return err
	}
	return recordEvent(ctx, tx, models.EventMatchCompleted, m, "", now, map[string]interface{}{
		"players": len(ranked),
	})
}
