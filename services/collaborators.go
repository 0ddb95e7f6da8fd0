package services

import (
	"context"
	"time"

	"tournament-engine/config"
	"tournament-engine/models"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"github.com/sirupsen/logrus"
)

// RankingEntry is one ranked participant handed to the reward authority.
type RankingEntry struct {
	PlayerID string `json:"player_id"`
	Rank     int    `json:"rank"`
	Score    int64  `json:"score"`
}

// RewardDecision is the authority's verdict for a settled game.
type RewardDecision struct {
	CoinRewards    map[string]int64 `json:"coin_rewards"`
	ChestTriggered map[string]bool  `json:"chest_triggered"`
	RewardType     string           `json:"reward_type"`
}

// Chest is a generated bonus container.
type Chest struct {
	ID     string `json:"id"`
	Tier   string `json:"tier"`
	Rarity string `json:"rarity"`
}

// RewardAuthority decides coins and chest triggers. Its failure aborts settlement.
type RewardAuthority interface {
	GetRewardDecision(ctx context.Context, tier string, rankings []RankingEntry, gameID string) (*RewardDecision, error)
}

// ResourceGranter credits coins to a player.
type ResourceGranter interface {
	GrantCoins(ctx context.Context, playerID string, amount int64, gameID string) error
}

// ChestGenerator creates chests for triggered players. On error the returned map
// holds the chests that were created before the failure.
type ChestGenerator interface {
	GenerateChests(ctx context.Context, gameID, tier string, triggered map[string]bool) (map[string]Chest, error)
}

// GameSessionCreator opens the external game session for a started match.
type GameSessionCreator interface {
	CreateSession(ctx context.Context, match models.Match, participants []models.MatchParticipation) (string, error)
}

// SessionOpener opens the game session for a match being started. Local rows
// are written through games, the start transaction's store.
type SessionOpener interface {
	OpenSession(ctx context.Context, games GameRepository, match models.Match, participants []models.MatchParticipation) (string, error)
}

// PromotionRewarder grants the destination band's promotion reward.
type PromotionRewarder interface {
	GrantPromotionReward(ctx context.Context, playerID, gameType string, band config.SegmentBand) error
}

// --- in-process implementations ---

// TableRewardAuthority decides rewards from the static tier reward tables.
type TableRewardAuthority struct {
	tables *config.Tables
}

func NewTableRewardAuthority(tables *config.Tables) *TableRewardAuthority {
	return &TableRewardAuthority{tables: tables}
}

func (a *TableRewardAuthority) GetRewardDecision(ctx context.Context, tier string, rankings []RankingEntry, gameID string) (*RewardDecision, error) {
	table, err := a.tables.TierReward(tier)
	if err != nil {
		return nil, err
	}
	decision := &RewardDecision{
		CoinRewards:    make(map[string]int64, len(rankings)),
		ChestTriggered: make(map[string]bool, len(rankings)),
		RewardType:     "tier_" + tier,
	}
	for _, r := range rankings {
		decision.CoinRewards[r.PlayerID] = table.CoinsFor(r.Rank)
		decision.ChestTriggered[r.PlayerID] = r.Rank <= table.ChestMaxRank
	}
	return decision, nil
}

// LocalGranter accepts grants in-process. The reward ledger written by the
// caller is the record of the grant.
type LocalGranter struct{}

func (LocalGranter) GrantCoins(ctx context.Context, playerID string, amount int64, gameID string) error {
	if amount < 0 {
		return eris.Wrapf(ErrValidation, "negative coin grant %d", amount)
	}
	logrus.WithFields(logrus.Fields{
		"player_id": playerID,
		"amount":    amount,
		"game_id":   gameID,
	}).Debug("coins granted")
	return nil
}

func (LocalGranter) GrantPromotionReward(ctx context.Context, playerID, gameType string, band config.SegmentBand) error {
	logrus.WithFields(logrus.Fields{
		"player_id": playerID,
		"game_type": gameType,
		"segment":   band.Name,
		"coins":     band.PromotionReward.Coins,
	}).Debug("promotion reward granted")
	return nil
}

// LocalChestGenerator creates chests whose rarity follows the game tier.
type LocalChestGenerator struct {
	tables *config.Tables
}

func NewLocalChestGenerator(tables *config.Tables) *LocalChestGenerator {
	return &LocalChestGenerator{tables: tables}
}

var chestRarities = []string{"common", "common", "rare", "rare", "epic", "epic", "legendary"}

func (g *LocalChestGenerator) GenerateChests(ctx context.Context, gameID, tier string, triggered map[string]bool) (map[string]Chest, error) {
	idx, err := g.tables.SegmentIndex(tier)
	if err != nil {
		return map[string]Chest{}, err
	}
	if idx >= len(chestRarities) {
		idx = len(chestRarities) - 1
	}
	out := make(map[string]Chest)
	for playerID, ok := range triggered {
		if !ok {
			continue
		}
		out[playerID] = Chest{ID: uuid.NewString(), Tier: tier, Rarity: chestRarities[idx]}
	}
	return out, nil
}

// LocalGameSessions creates the game session rows in the service's own store.
// When remote is set the game module allocates the session id first; the local
// row stays the settlement guard either way.
type LocalGameSessions struct {
	remote GameSessionCreator
	now    Clock
}

func NewLocalGameSessions(remote GameSessionCreator, now Clock) *LocalGameSessions {
	if now == nil {
		now = time.Now
	}
	return &LocalGameSessions{remote: remote, now: now}
}

func (l *LocalGameSessions) OpenSession(ctx context.Context, games GameRepository, match models.Match, participants []models.MatchParticipation) (string, error) {
	gameID := uuid.NewString()
	if l.remote != nil {
		id, err := l.remote.CreateSession(ctx, match, participants)
		if err != nil {
			return "", err
		}
		gameID = id
	}
	game := &models.GameInstance{
		ID:           gameID,
		MatchID:      match.ID,
		TournamentID: match.TournamentID,
		GameType:     match.GameType,
		Tier:         match.Tier,
		Status:       models.GamePlaying,
		Timestamps:   models.Timestamps{CreatedAt: l.now()},
	}
	players := make([]models.GamePlayer, 0, len(participants))
	for i, p := range participants {
		players = append(players, models.GamePlayer{
			ID:       uuid.NewString(),
			GameID:   game.ID,
			PlayerID: p.PlayerID,
			Seat:     i + 1,
			Status:   models.GamePlayerPlaying,
		})
	}
	if err := games.CreateGame(ctx, game, players); err != nil {
		return "", eris.Wrapf(err, "failed to create game session for match %s", match.ID)
	}
	return game.ID, nil
}
