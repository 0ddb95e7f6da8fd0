package services

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"tournament-engine/config"
	"tournament-engine/models"
	"tournament-engine/utils"

	"github.com/rotisserie/eris"
)

// GameModuleClient talks to the surrounding game module over HTTP. It implements
// every external collaborator of matchmaking, settlement and progression.
type GameModuleClient struct {
	BaseURL string
	Token   string
	Client  *http.Client
}

func NewGameModuleClient(baseURL, token string, timeout time.Duration) *GameModuleClient {
	return &GameModuleClient{
		BaseURL: baseURL,
		Token:   token,
		Client:  utils.NewHTTPClient(timeout),
	}
}

func (c *GameModuleClient) post(ctx context.Context, path string, in, out interface{}) error {
	url := fmt.Sprintf("%s%s", c.BaseURL, path)
	if err := utils.DoJSON(ctx, c.Client, http.MethodPost, url, c.Token, in, out); err != nil {
		return eris.Wrap(ErrUpstream, err.Error())
	}
	return nil
}

type rewardDecisionRequest struct {
	Tier     string         `json:"tier"`
	Rankings []RankingEntry `json:"rankings"`
	GameID   string         `json:"game_id"`
}

type rewardDecisionResponse struct {
	OK bool `json:"ok"`
	RewardDecision
}

func (c *GameModuleClient) GetRewardDecision(ctx context.Context, tier string, rankings []RankingEntry, gameID string) (*RewardDecision, error) {
	var out rewardDecisionResponse
	if err := c.post(ctx, "/rewards/decision", rewardDecisionRequest{Tier: tier, Rankings: rankings, GameID: gameID}, &out); err != nil {
		return nil, err
	}
	if !out.OK {
		return nil, eris.Wrapf(ErrUpstream, "reward authority declined game %s", gameID)
	}
	if out.CoinRewards == nil {
		out.CoinRewards = map[string]int64{}
	}
	if out.ChestTriggered == nil {
		out.ChestTriggered = map[string]bool{}
	}
	return &out.RewardDecision, nil
}

func (c *GameModuleClient) GrantCoins(ctx context.Context, playerID string, amount int64, gameID string) error {
	return c.post(ctx, "/resources/coins", map[string]interface{}{
		"player_id": playerID,
		"amount":    amount,
		"source":    "settlement",
		"game_id":   gameID,
	}, nil)
}

type chestResponse struct {
	Chests map[string]Chest `json:"chests"`
}

func (c *GameModuleClient) GenerateChests(ctx context.Context, gameID, tier string, triggered map[string]bool) (map[string]Chest, error) {
	var out chestResponse
	err := c.post(ctx, "/chests/generate", map[string]interface{}{
		"game_id":         gameID,
		"tier":            tier,
		"chest_triggered": triggered,
	}, &out)
	if out.Chests == nil {
		out.Chests = map[string]Chest{}
	}
	return out.Chests, err
}

type sessionResponse struct {
	GameID string `json:"game_id"`
}

func (c *GameModuleClient) CreateSession(ctx context.Context, match models.Match, participants []models.MatchParticipation) (string, error) {
	players := make([]string, 0, len(participants))
	for _, p := range participants {
		players = append(players, p.PlayerID)
	}
	var out sessionResponse
	err := c.post(ctx, "/games", map[string]interface{}{
		"match_id":      match.ID,
		"tournament_id": match.TournamentID,
		"game_type":     match.GameType,
		"tier":          match.Tier,
		"players":       players,
	}, &out)
	if err != nil {
		return "", err
	}
	if out.GameID == "" {
		return "", eris.Wrapf(ErrUpstream, "game module returned no game id for match %s", match.ID)
	}
	return out.GameID, nil
}

func (c *GameModuleClient) GrantPromotionReward(ctx context.Context, playerID, gameType string, band config.SegmentBand) error {
	return c.post(ctx, "/resources/promotion", map[string]interface{}{
		"player_id": playerID,
		"game_type": gameType,
		"segment":   band.Name,
		"reward":    band.PromotionReward,
	}, nil)
}
