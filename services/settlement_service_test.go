package services

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"tournament-engine/models"
	"tournament-engine/workers"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type mockAuthority struct{ mock.Mock }

func (m *mockAuthority) GetRewardDecision(ctx context.Context, tier string, rankings []RankingEntry, gameID string) (*RewardDecision, error) {
	args := m.Called(ctx, tier, rankings, gameID)
	decision, _ := args.Get(0).(*RewardDecision)
	return decision, args.Error(1)
}

type mockGranter struct{ mock.Mock }

func (m *mockGranter) GrantCoins(ctx context.Context, playerID string, amount int64, gameID string) error {
	return m.Called(ctx, playerID, amount, gameID).Error(0)
}

type mockChests struct{ mock.Mock }

func (m *mockChests) GenerateChests(ctx context.Context, gameID, tier string, triggered map[string]bool) (map[string]Chest, error) {
	args := m.Called(ctx, gameID, tier, triggered)
	chests, _ := args.Get(0).(map[string]Chest)
	return chests, args.Error(1)
}

type mockScores struct{ mock.Mock }

func (m *mockScores) UpdateSegmentScore(ctx context.Context, playerID, gameType string, delta int64, sc ScoreContext) (*SegmentUpdate, error) {
	args := m.Called(ctx, playerID, gameType, delta, sc)
	update, _ := args.Get(0).(*SegmentUpdate)
	return update, args.Error(1)
}

type settlementHarness struct {
	*fixture
	authority *mockAuthority
	granter   *mockGranter
	chests    *mockChests
	scores    *mockScores
	pool      *workers.Pool
	service   *SettlementService
}

func newSettlementHarness(t *testing.T, pool *workers.Pool) *settlementHarness {
	t.Helper()
	return newSettlementHarnessWithRules(t, pool, defaultRules())
}

func newSettlementHarnessWithRules(t *testing.T, pool *workers.Pool, rules models.MatchRules) *settlementHarness {
	t.Helper()
	h := &settlementHarness{
		fixture:   newFixture(t, rules),
		authority: &mockAuthority{},
		granter:   &mockGranter{},
		chests:    &mockChests{},
		scores:    &mockScores{},
		pool:      pool,
	}
	h.service = NewSettlementService(SettlementDeps{
		Store:     h.store,
		Tables:    h.tables,
		Authority: h.authority,
		Granter:   h.granter,
		Chests:    h.chests,
		Scores:    h.scores,
		Pool:      pool,
		Now:       h.clock.Now,
	})
	return h
}

func startedPool(t *testing.T) *workers.Pool {
	t.Helper()
	pool := workers.NewPool(workers.PoolConfig{Workers: 2, QueueSize: 16, TaskTimeout: time.Second})
	pool.Start(context.Background())
	return pool
}

// seedGame stores a playing game whose players already reported scores.
func (h *settlementHarness) seedGame(t *testing.T, id string, scores map[string]int64, order ...string) {
	t.Helper()
	finished := h.clock.Now()
	players := make([]models.GamePlayer, 0, len(order))
	for i, playerID := range order {
		players = append(players, models.GamePlayer{
			ID:         id + "-" + playerID,
			PlayerID:   playerID,
			Seat:       i + 1,
			Status:     models.GamePlayerFinished,
			Score:      scores[playerID],
			FinishedAt: &finished,
		})
	}
	require.NoError(t, h.store.CreateGame(h.ctx, &models.GameInstance{
		ID:       id,
		GameType: testGameType,
		Tier:     "bronze",
		Status:   models.GamePlaying,
	}, players))
}

func (h *settlementHarness) grantsByStatus(t *testing.T, gameID string, typ models.RewardType, status models.RewardStatus) []models.RewardGrant {
	t.Helper()
	grants, err := h.store.ListGameGrants(h.ctx, gameID)
	require.NoError(t, err)
	var out []models.RewardGrant
	for _, g := range grants {
		if g.Type == typ && g.Status == status {
			out = append(out, g)
		}
	}
	return out
}

func bronzeDecision() *RewardDecision {
	return &RewardDecision{
		CoinRewards:    map[string]int64{"A": 100, "B": 60, "C": 30},
		ChestTriggered: map[string]bool{"A": true},
		RewardType:     "tier_bronze",
	}
}

func TestSettleGameRanksAndGrants(t *testing.T) {
	h := newSettlementHarness(t, startedPool(t))
	h.seedGame(t, "g1", map[string]int64{"A": 1000, "B": 950, "C": 900}, "C", "A", "B")

	h.authority.On("GetRewardDecision", mock.Anything, "bronze", mock.Anything, "g1").Return(bronzeDecision(), nil).Once()
	h.granter.On("GrantCoins", mock.Anything, mock.Anything, mock.Anything, "g1").Return(nil)
	h.chests.On("GenerateChests", mock.Anything, "g1", "bronze", map[string]bool{"A": true}).
		Return(map[string]Chest{"A": {ID: "chest-1", Tier: "bronze", Rarity: "common"}}, nil).Once()
	h.scores.On("UpdateSegmentScore", mock.Anything, mock.Anything, testGameType, mock.Anything, mock.Anything).Return(&SegmentUpdate{}, nil)

	res, err := h.service.SettleGame(h.ctx, "g1")
	require.NoError(t, err)
	h.pool.Stop()

	assert.True(t, res.OK)
	assert.False(t, res.AlreadyEnded)
	assert.Equal(t, []RankingEntry{
		{PlayerID: "A", Rank: 1, Score: 1000},
		{PlayerID: "B", Rank: 2, Score: 950},
		{PlayerID: "C", Rank: 3, Score: 900},
	}, res.FinalRankings)
	assert.Equal(t, map[string]int64{"A": 100, "B": 60, "C": 30}, res.Rewards.Coins)
	assert.Contains(t, res.Rewards.Chests, "A")
	assert.Empty(t, res.FailedGrants)
	assert.Equal(t, "tier_bronze", res.RewardType)

	game, err := h.store.GetGame(h.ctx, "g1")
	require.NoError(t, err)
	assert.Equal(t, models.GameEnded, game.Status)
	require.NotNil(t, game.EndedAt)

	players, err := h.store.ListGamePlayers(h.ctx, "g1")
	require.NoError(t, err)
	for _, p := range players {
		assert.Equal(t, models.GamePlayerRewarded, p.Status)
	}

	// rank base times tier multiplier plus one point per hundred score
	h.scores.AssertCalled(t, "UpdateSegmentScore", mock.Anything, "A", testGameType, int64(110), mock.Anything)
	h.scores.AssertCalled(t, "UpdateSegmentScore", mock.Anything, "B", testGameType, int64(69), mock.Anything)
	h.scores.AssertCalled(t, "UpdateSegmentScore", mock.Anything, "C", testGameType, int64(39), mock.Anything)

	assert.Len(t, h.grantsByStatus(t, "g1", models.RewardTypeCoins, models.RewardStatusGranted), 3)
	assert.Len(t, h.grantsByStatus(t, "g1", models.RewardTypeChest, models.RewardStatusGranted), 1)
	assert.Len(t, h.grantsByStatus(t, "g1", models.RewardTypeSeasonPoints, models.RewardStatusGranted), 3)
}

func TestSettleGameTwiceReturnsAlreadyEnded(t *testing.T) {
	h := newSettlementHarness(t, startedPool(t))
	h.seedGame(t, "g1", map[string]int64{"A": 1000, "B": 950, "C": 900}, "A", "B", "C")

	h.authority.On("GetRewardDecision", mock.Anything, "bronze", mock.Anything, "g1").Return(bronzeDecision(), nil).Once()
	h.granter.On("GrantCoins", mock.Anything, mock.Anything, mock.Anything, "g1").Return(nil)
	h.chests.On("GenerateChests", mock.Anything, "g1", "bronze", mock.Anything).
		Return(map[string]Chest{"A": {ID: "chest-1"}}, nil).Once()
	h.scores.On("UpdateSegmentScore", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(&SegmentUpdate{}, nil)

	first, err := h.service.SettleGame(h.ctx, "g1")
	require.NoError(t, err)
	second, err := h.service.SettleGame(h.ctx, "g1")
	require.NoError(t, err)
	h.pool.Stop()

	assert.True(t, second.OK)
	assert.True(t, second.AlreadyEnded)
	assert.Equal(t, first.FinalRankings, second.FinalRankings)
	assert.Equal(t, "tier_bronze", second.RewardType)
	assert.Empty(t, second.Rewards.Coins)

	h.authority.AssertNumberOfCalls(t, "GetRewardDecision", 1)
	h.granter.AssertNumberOfCalls(t, "GrantCoins", 3)
	h.scores.AssertNumberOfCalls(t, "UpdateSegmentScore", 3)
}

func TestSettleGameUpstreamFailureReverts(t *testing.T) {
	h := newSettlementHarness(t, startedPool(t))
	h.seedGame(t, "g1", map[string]int64{"A": 1000, "B": 950, "C": 900}, "A", "B", "C")

	h.authority.On("GetRewardDecision", mock.Anything, "bronze", mock.Anything, "g1").Return(nil, errors.New("authority unavailable")).Once()

	_, err := h.service.SettleGame(h.ctx, "g1")
	require.Error(t, err)
	assert.True(t, eris.Is(err, ErrUpstream))

	game, err := h.store.GetGame(h.ctx, "g1")
	require.NoError(t, err)
	assert.Equal(t, models.GamePlaying, game.Status)
	h.granter.AssertNotCalled(t, "GrantCoins", mock.Anything, mock.Anything, mock.Anything, mock.Anything)

	grants, err := h.store.ListGameGrants(h.ctx, "g1")
	require.NoError(t, err)
	assert.Empty(t, grants)

	// a retry after the authority recovers settles normally
	h.authority.On("GetRewardDecision", mock.Anything, "bronze", mock.Anything, "g1").Return(bronzeDecision(), nil).Once()
	h.granter.On("GrantCoins", mock.Anything, mock.Anything, mock.Anything, "g1").Return(nil)
	h.chests.On("GenerateChests", mock.Anything, "g1", "bronze", mock.Anything).Return(map[string]Chest{"A": {ID: "chest-1"}}, nil)
	h.scores.On("UpdateSegmentScore", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(&SegmentUpdate{}, nil)

	res, err := h.service.SettleGame(h.ctx, "g1")
	require.NoError(t, err)
	h.pool.Stop()
	assert.False(t, res.AlreadyEnded)
	assert.Equal(t, "A", res.FinalRankings[0].PlayerID)
}

// flakyTxStore fails every transaction while down is set.
type flakyTxStore struct {
	*MemoryStore
	down atomic.Bool
}

func (s *flakyTxStore) WithinTx(ctx context.Context, fn func(tx Store) error) error {
	if s.down.Load() {
		return errors.New("connection reset by peer")
	}
	return s.MemoryStore.WithinTx(ctx, fn)
}

func TestSettleGameResumesAfterLeaseWithoutRegranting(t *testing.T) {
	h := newSettlementHarness(t, startedPool(t))
	h.seedGame(t, "g1", map[string]int64{"A": 1000, "B": 950, "C": 900}, "A", "B", "C")

	flaky := &flakyTxStore{MemoryStore: h.store}
	flaky.down.Store(true)
	service := NewSettlementService(SettlementDeps{
		Store:     flaky,
		Tables:    h.tables,
		Authority: h.authority,
		Granter:   h.granter,
		Chests:    h.chests,
		Scores:    h.scores,
		Pool:      h.pool,
		Now:       h.clock.Now,
	})

	h.authority.On("GetRewardDecision", mock.Anything, "bronze", mock.Anything, "g1").Return(bronzeDecision(), nil)
	h.granter.On("GrantCoins", mock.Anything, mock.Anything, mock.Anything, "g1").Return(nil)
	h.chests.On("GenerateChests", mock.Anything, "g1", "bronze", mock.Anything).
		Return(map[string]Chest{"A": {ID: "chest-1", Tier: "bronze"}}, nil).Once()
	h.scores.On("UpdateSegmentScore", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(&SegmentUpdate{}, nil)

	_, err := service.SettleGame(h.ctx, "g1")
	require.Error(t, err)
	game, err := h.store.GetGame(h.ctx, "g1")
	require.NoError(t, err)
	assert.Equal(t, models.GameSettling, game.Status)
	require.NotNil(t, game.SettlingAt)

	require.Eventually(t, func() bool {
		return len(h.grantsByStatus(t, "g1", models.RewardTypeSeasonPoints, models.RewardStatusGranted)) == 3
	}, time.Second, 10*time.Millisecond)

	// the claim is still live
	flaky.down.Store(false)
	_, err = service.SettleGame(h.ctx, "g1")
	require.Error(t, err)
	assert.True(t, eris.Is(err, ErrInvalidState))

	h.clock.Advance(3 * time.Minute)
	res, err := service.SettleGame(h.ctx, "g1")
	require.NoError(t, err)
	h.pool.Stop()

	assert.False(t, res.AlreadyEnded)
	assert.Equal(t, map[string]int64{"A": 100, "B": 60, "C": 30}, res.Rewards.Coins)
	assert.Equal(t, "chest-1", res.Rewards.Chests["A"].ID)

	game, err = h.store.GetGame(h.ctx, "g1")
	require.NoError(t, err)
	assert.Equal(t, models.GameEnded, game.Status)

	h.granter.AssertNumberOfCalls(t, "GrantCoins", 3)
	h.chests.AssertNumberOfCalls(t, "GenerateChests", 1)
	h.scores.AssertNumberOfCalls(t, "UpdateSegmentScore", 3)
	assert.Len(t, h.grantsByStatus(t, "g1", models.RewardTypeCoins, models.RewardStatusGranted), 3)
	assert.Len(t, h.grantsByStatus(t, "g1", models.RewardTypeSeasonPoints, models.RewardStatusGranted), 3)
}

func TestSettleGamePartialGrantFailure(t *testing.T) {
	h := newSettlementHarness(t, startedPool(t))
	h.seedGame(t, "g1", map[string]int64{"A": 1000, "B": 950, "C": 900}, "A", "B", "C")

	h.authority.On("GetRewardDecision", mock.Anything, "bronze", mock.Anything, "g1").Return(bronzeDecision(), nil)
	h.granter.On("GrantCoins", mock.Anything, "B", int64(60), "g1").Return(errors.New("wallet offline"))
	h.granter.On("GrantCoins", mock.Anything, mock.Anything, mock.Anything, "g1").Return(nil)
	h.chests.On("GenerateChests", mock.Anything, "g1", "bronze", mock.Anything).Return(map[string]Chest{}, errors.New("chest service down"))
	h.scores.On("UpdateSegmentScore", mock.Anything, "C", mock.Anything, mock.Anything, mock.Anything).Return(nil, errors.New("segment store busy"))
	h.scores.On("UpdateSegmentScore", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(&SegmentUpdate{}, nil)

	res, err := h.service.SettleGame(h.ctx, "g1")
	require.NoError(t, err)
	h.pool.Stop()

	assert.True(t, res.OK)
	assert.Equal(t, map[string]int64{"A": 100, "C": 30}, res.Rewards.Coins)
	assert.Empty(t, res.Rewards.Chests)
	assert.ElementsMatch(t, []FailedGrant{
		{PlayerID: "B", Kind: "coins", Error: "wallet offline"},
		{PlayerID: "A", Kind: "chest", Error: "chest service down"},
	}, res.FailedGrants)

	failedCoins := h.grantsByStatus(t, "g1", models.RewardTypeCoins, models.RewardStatusFailed)
	require.Len(t, failedCoins, 1)
	assert.Equal(t, "B", failedCoins[0].PlayerID)
	assert.Len(t, h.grantsByStatus(t, "g1", models.RewardTypeChest, models.RewardStatusFailed), 1)

	failedPoints := h.grantsByStatus(t, "g1", models.RewardTypeSeasonPoints, models.RewardStatusFailed)
	require.Len(t, failedPoints, 1)
	assert.Equal(t, "C", failedPoints[0].PlayerID)

	game, err := h.store.GetGame(h.ctx, "g1")
	require.NoError(t, err)
	assert.Equal(t, models.GameEnded, game.Status)
}

func TestSettleGameRecordsDroppedPointSubmissions(t *testing.T) {
	// never started, so only one task fits in the queue
	pool := workers.NewPool(workers.PoolConfig{Workers: 1, QueueSize: 1})
	h := newSettlementHarness(t, pool)
	h.seedGame(t, "g1", map[string]int64{"A": 1000, "B": 950, "C": 900}, "A", "B", "C")

	h.authority.On("GetRewardDecision", mock.Anything, "bronze", mock.Anything, "g1").Return(&RewardDecision{RewardType: "tier_bronze"}, nil)

	res, err := h.service.SettleGame(h.ctx, "g1")
	require.NoError(t, err)
	assert.True(t, res.OK)

	dropped := h.grantsByStatus(t, "g1", models.RewardTypeSeasonPoints, models.RewardStatusFailed)
	require.Len(t, dropped, 2)
	for _, g := range dropped {
		assert.True(t, strings.Contains(g.Error, "queue full"), g.Error)
	}
	h.granter.AssertNotCalled(t, "GrantCoins", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	h.chests.AssertNotCalled(t, "GenerateChests", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestSettleGameForceFinishesStragglers(t *testing.T) {
	rules := defaultRules()
	rules.MaxPlayers = 2
	h := newSettlementHarnessWithRules(t, startedPool(t), rules)

	h.addPlayer(t, "alice", 1000)
	h.addPlayer(t, "bob", 1000)
	h.join(t, "alice")
	res := h.join(t, "bob")
	require.True(t, res.Started)
	m := h.match(t, res.MatchID)
	require.NotNil(t, m.GameID)
	gameID := *m.GameID

	// bob finished with a score; alice is still playing
	players, err := h.store.ListGamePlayers(h.ctx, gameID)
	require.NoError(t, err)
	for i := range players {
		if players[i].PlayerID == "bob" {
			finished := h.clock.Now()
			players[i].Score = 500
			players[i].Status = models.GamePlayerFinished
			players[i].FinishedAt = &finished
			require.NoError(t, h.store.UpdateGamePlayer(h.ctx, &players[i]))
		}
	}

	h.authority.On("GetRewardDecision", mock.Anything, "bronze", mock.Anything, gameID).Return(&RewardDecision{
		CoinRewards: map[string]int64{"bob": 100, "alice": 0},
		RewardType:  "tier_bronze",
	}, nil)
	h.granter.On("GrantCoins", mock.Anything, "bob", int64(100), gameID).Return(nil)
	h.scores.On("UpdateSegmentScore", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(&SegmentUpdate{}, nil)

	settled, err := h.service.SettleGame(h.ctx, gameID)
	require.NoError(t, err)
	h.pool.Stop()

	require.Len(t, settled.FinalRankings, 2)
	assert.Equal(t, "bob", settled.FinalRankings[0].PlayerID)
	assert.Equal(t, "alice", settled.FinalRankings[1].PlayerID)
	h.granter.AssertNumberOfCalls(t, "GrantCoins", 1)

	completed := h.match(t, m.ID)
	assert.Equal(t, models.MatchCompleted, completed.Status)
	parts, err := h.store.ListParticipations(h.ctx, m.ID)
	require.NoError(t, err)
	for _, p := range parts {
		assert.True(t, p.Completed)
		assert.NotZero(t, p.Rank)
	}
}

func TestSettleGameUnknownGame(t *testing.T) {
	h := newSettlementHarness(t, startedPool(t))
	defer h.pool.Stop()

	_, err := h.service.SettleGame(h.ctx, "missing")
	assert.True(t, eris.Is(err, ErrNotFound))
}

func TestRankPlayersTieBreak(t *testing.T) {
	early := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	late := early.Add(time.Minute)

	ranked := rankPlayers([]models.GamePlayer{
		{PlayerID: "no-finish", Seat: 1, Score: 500},
		{PlayerID: "late", Seat: 2, Score: 500, FinishedAt: &late},
		{PlayerID: "top", Seat: 6, Score: 900, FinishedAt: &late},
		{PlayerID: "early", Seat: 5, Score: 500, FinishedAt: &early},
		{PlayerID: "seat-b", Seat: 4, Score: 100, FinishedAt: &early},
		{PlayerID: "seat-a", Seat: 3, Score: 100, FinishedAt: &early},
		{PlayerID: "id-b", Seat: 7, Score: 50},
		{PlayerID: "id-a", Seat: 7, Score: 50},
	})

	want := []string{"top", "early", "late", "no-finish", "seat-a", "seat-b", "id-a", "id-b"}
	for i, p := range ranked {
		assert.Equal(t, want[i], p.PlayerID)
		assert.Equal(t, i+1, p.Rank)
	}
}
