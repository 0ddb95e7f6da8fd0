package services

import (
	"context"
	"errors"
	"testing"

	"tournament-engine/config"
	"tournament-engine/models"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type mockPromotionRewarder struct{ mock.Mock }

func (m *mockPromotionRewarder) GrantPromotionReward(ctx context.Context, playerID, gameType string, band config.SegmentBand) error {
	return m.Called(ctx, playerID, gameType, band.Name).Error(0)
}

type segmentHarness struct {
	ctx      context.Context
	store    *MemoryStore
	clock    *testClock
	rewarder *mockPromotionRewarder
	service  *SegmentService
}

func newSegmentHarness(t *testing.T, cache *LeaderboardCache) *segmentHarness {
	t.Helper()
	h := &segmentHarness{
		ctx:      context.Background(),
		store:    NewMemoryStore(),
		clock:    newTestClock(),
		rewarder: &mockPromotionRewarder{},
	}
	rewards := NewPromotionRewards(h.rewarder, h.store, nil, h.clock.Now)
	h.service = NewSegmentService(h.store, config.DefaultTables(), rewards, cache, nil, nil, h.clock.Now)
	return h
}

func (h *segmentHarness) score(t *testing.T, playerID string, delta int64) *SegmentUpdate {
	t.Helper()
	u, err := h.service.UpdateSegmentScore(h.ctx, playerID, testGameType, delta, ScoreContext{Source: "test"})
	require.NoError(t, err)
	return u
}

func newTestRedis(t *testing.T) *redis.Client {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func TestUpdateSegmentScoreFloorsAtZero(t *testing.T) {
	h := newSegmentHarness(t, nil)

	u := h.score(t, "alice", -50)
	assert.Equal(t, int64(0), u.OldPoints)
	assert.Equal(t, int64(0), u.NewPoints)
	assert.Equal(t, "bronze", u.NewSegment)
	assert.False(t, u.SegmentChanged)

	h.score(t, "alice", 300)
	u = h.score(t, "alice", -1000)
	assert.Equal(t, int64(300), u.OldPoints)
	assert.Equal(t, int64(0), u.NewPoints)

	seg, err := h.store.GetSegment(h.ctx, "alice", testGameType)
	require.NoError(t, err)
	assert.Equal(t, int64(0), seg.CurrentPoints)
	// gains inside a band do not move the high-water mark
	assert.Zero(t, seg.HighestPoints)
	h.rewarder.AssertNotCalled(t, "GrantPromotionReward", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestUpdateSegmentScorePromotionRewardsOnlyOnPromotion(t *testing.T) {
	h := newSegmentHarness(t, nil)
	h.rewarder.On("GrantPromotionReward", mock.Anything, "alice", testGameType, "silver").Return(nil).Once()

	u := h.score(t, "alice", 1200)
	assert.True(t, u.IsPromotion)
	assert.Equal(t, "bronze", u.OldSegment)
	assert.Equal(t, "silver", u.NewSegment)

	// staying inside silver pays nothing more
	u = h.score(t, "alice", 100)
	assert.False(t, u.SegmentChanged)

	u = h.score(t, "alice", -500)
	assert.True(t, u.IsDemotion)
	assert.Equal(t, "bronze", u.NewSegment)
	assert.Equal(t, int64(800), u.NewPoints)

	h.rewarder.AssertNumberOfCalls(t, "GrantPromotionReward", 1)

	grants, err := h.store.ListGrants(h.ctx, "alice", h.clock.Now().AddDate(-1, 0, 0), 0)
	require.NoError(t, err)
	byType := map[models.RewardType]int64{}
	for _, g := range grants {
		assert.Equal(t, models.RewardSourcePromotion, g.Source)
		assert.Equal(t, models.RewardStatusGranted, g.Status)
		byType[g.Type] += g.Amount
	}
	assert.Equal(t, map[models.RewardType]int64{
		models.RewardTypeCoins:        100,
		models.RewardTypeSeasonPoints: 50,
		models.RewardTypeTickets:      2,
	}, byType)

	history, err := h.service.GetSegmentHistory(h.ctx, "alice", testGameType, 0)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, models.SegmentChangeDemotion, history[0].Reason)
	assert.Equal(t, models.SegmentChangePromotion, history[1].Reason)
	assert.Equal(t, "test", history[1].Source)

	seg, err := h.store.GetSegment(h.ctx, "alice", testGameType)
	require.NoError(t, err)
	assert.Equal(t, int64(1200), seg.HighestPoints)
	assert.NotNil(t, seg.LastPromotedAt)
	assert.NotNil(t, seg.LastDemotedAt)
}

func TestUpdateSegmentScorePromotionRewardFailureIsRecorded(t *testing.T) {
	h := newSegmentHarness(t, nil)
	h.rewarder.On("GrantPromotionReward", mock.Anything, "bob", testGameType, "gold").Return(errors.New("wallet offline"))

	u := h.score(t, "bob", 2100)
	assert.Equal(t, "gold", u.NewSegment)

	grants, err := h.store.ListGrants(h.ctx, "bob", h.clock.Now().AddDate(-1, 0, 0), 0)
	require.NoError(t, err)
	require.NotEmpty(t, grants)
	for _, g := range grants {
		assert.Equal(t, models.RewardStatusFailed, g.Status)
		assert.Equal(t, "wallet offline", g.Error)
	}
}

func TestUpdateSegmentScoreValidation(t *testing.T) {
	h := newSegmentHarness(t, nil)
	_, err := h.service.UpdateSegmentScore(h.ctx, "", testGameType, 10, ScoreContext{})
	assert.True(t, eris.Is(err, ErrValidation))
}

func TestGetPlayerSegmentDefaults(t *testing.T) {
	h := newSegmentHarness(t, nil)

	view, err := h.service.GetPlayerSegment(h.ctx, "newcomer", testGameType)
	require.NoError(t, err)
	assert.Equal(t, "bronze", view.SegmentName)
	assert.Equal(t, 0, view.SegmentIndex)
	assert.Equal(t, "silver", view.NextSegment)
	assert.Equal(t, int64(1000), view.PointsToNext)

	h.rewarder.On("GrantPromotionReward", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(nil)
	h.score(t, "newcomer", 7000)
	view, err = h.service.GetPlayerSegment(h.ctx, "newcomer", testGameType)
	require.NoError(t, err)
	assert.Equal(t, "grandmaster", view.SegmentName)
	assert.Empty(t, view.NextSegment)
}

func TestResetSeason(t *testing.T) {
	h := newSegmentHarness(t, nil)
	h.rewarder.On("GrantPromotionReward", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(nil)
	h.score(t, "high", 3001)
	h.score(t, "low", 800)
	h.rewarder.AssertNumberOfCalls(t, "GrantPromotionReward", 1)

	res, err := h.service.ResetSeason(h.ctx, testGameType)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Processed)
	assert.Equal(t, 1, res.Changed)

	high, err := h.store.GetSegment(h.ctx, "high", testGameType)
	require.NoError(t, err)
	assert.Equal(t, int64(1500), high.CurrentPoints)
	assert.Equal(t, "silver", high.SegmentName)

	low, err := h.store.GetSegment(h.ctx, "low", testGameType)
	require.NoError(t, err)
	assert.Equal(t, int64(400), low.CurrentPoints)
	assert.Equal(t, "bronze", low.SegmentName)

	history, err := h.service.GetSegmentHistory(h.ctx, "high", testGameType, 1)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, models.SegmentChangeSeasonReset, history[0].Reason)

	// a reset never grants promotion rewards
	h.rewarder.AssertNumberOfCalls(t, "GrantPromotionReward", 1)

	_, err = h.service.ResetSeason(h.ctx, "")
	assert.True(t, eris.Is(err, ErrValidation))
}

func TestSegmentLeaderboardFromStore(t *testing.T) {
	h := newSegmentHarness(t, nil)
	h.rewarder.On("GrantPromotionReward", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(nil)
	h.score(t, "a", 100)
	h.score(t, "b", 1500)
	h.score(t, "c", 900)

	all, err := h.service.GetSegmentLeaderboard(h.ctx, testGameType, "", 0)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "b", all[0].PlayerID)
	assert.Equal(t, 1, all[0].Rank)
	assert.Equal(t, "a", all[2].PlayerID)

	bronze, err := h.service.GetSegmentLeaderboard(h.ctx, testGameType, "bronze", 10)
	require.NoError(t, err)
	require.Len(t, bronze, 2)
	assert.Equal(t, "c", bronze[0].PlayerID)

	_, err = h.service.GetSegmentLeaderboard(h.ctx, testGameType, "legend", 10)
	assert.True(t, eris.Is(err, ErrConfiguration))
	_, err = h.service.GetSegmentLeaderboard(h.ctx, "", "", 10)
	assert.True(t, eris.Is(err, ErrValidation))
}

func TestSegmentLeaderboardUsesRedisCache(t *testing.T) {
	client := newTestRedis(t)
	cache := NewLeaderboardCache(client, 0)
	h := newSegmentHarness(t, cache)
	h.rewarder.On("GrantPromotionReward", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(nil)

	h.score(t, "a", 500)
	h.score(t, "b", 700)
	h.score(t, "b", 600)

	bronze, err := cache.Top(h.ctx, testGameType, "bronze", 10)
	require.NoError(t, err)
	require.Len(t, bronze, 1)
	assert.Equal(t, "a", bronze[0].PlayerID)

	silver, err := h.service.GetSegmentLeaderboard(h.ctx, testGameType, "silver", 10)
	require.NoError(t, err)
	require.Len(t, silver, 1)
	assert.Equal(t, LeaderboardEntry{Rank: 1, PlayerID: "b", SegmentName: "silver", Points: 1300}, silver[0])

	// drop the cache and rebuild from the store
	require.NoError(t, client.FlushAll(h.ctx).Err())
	boards, err := h.service.RebuildLeaderboards(h.ctx)
	require.NoError(t, err)
	assert.Equal(t, len(config.DefaultTables().Segments()), boards)

	silver, err = cache.Top(h.ctx, testGameType, "silver", 10)
	require.NoError(t, err)
	require.Len(t, silver, 1)
	assert.Equal(t, int64(1300), silver[0].Points)
}

func TestLeaderboardCacheReplaceAndUpsert(t *testing.T) {
	ctx := context.Background()
	cache := NewLeaderboardCache(newTestRedis(t), 0)

	require.NoError(t, cache.Replace(ctx, testGameType, "gold", []models.PlayerSegment{
		{PlayerID: "p1", CurrentPoints: 2100},
		{PlayerID: "p2", CurrentPoints: 2900},
		{PlayerID: "p3", CurrentPoints: 2500},
	}))
	top, err := cache.Top(ctx, testGameType, "gold", 2)
	require.NoError(t, err)
	require.Len(t, top, 2)
	assert.Equal(t, "p2", top[0].PlayerID)
	assert.Equal(t, "p3", top[1].PlayerID)
	assert.Equal(t, 2, top[1].Rank)

	// p2 moves up a band
	require.NoError(t, cache.Upsert(ctx, testGameType, "gold", "platinum", "p2", 3100))
	top, err = cache.Top(ctx, testGameType, "gold", 10)
	require.NoError(t, err)
	assert.Len(t, top, 2)
	plat, err := cache.Top(ctx, testGameType, "platinum", 10)
	require.NoError(t, err)
	require.Len(t, plat, 1)
	assert.Equal(t, int64(3100), plat[0].Points)

	require.NoError(t, cache.Replace(ctx, testGameType, "gold", nil))
	top, err = cache.Top(ctx, testGameType, "gold", 10)
	require.NoError(t, err)
	assert.Empty(t, top)
}
