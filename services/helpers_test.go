package services

import (
	"context"
	"sync"
	"testing"
	"time"

	"tournament-engine/config"
	"tournament-engine/models"

	"github.com/stretchr/testify/require"
)

const (
	testTournamentID = "t-arena"
	testGameType     = "tactical_monster"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fixture struct {
	ctx         context.Context
	store       *MemoryStore
	tables      *config.Tables
	clock       *testClock
	lifecycle   *LifecycleController
	matchmaking *MatchmakingService
}

func defaultRules() models.MatchRules {
	return models.MatchRules{
		MinPlayers:     2,
		MaxPlayers:     4,
		MaxWaitSeconds: 300,
		Algorithm:      models.AlgorithmSkill,
		SkillRange:     0.3,
	}
}

func newFixture(t *testing.T, rules models.MatchRules) *fixture {
	t.Helper()
	f := &fixture{
		ctx:    context.Background(),
		store:  NewMemoryStore(),
		tables: config.DefaultTables(),
		clock:  newTestClock(),
	}
	sessions := NewLocalGameSessions(nil, f.clock.Now)
	f.lifecycle = NewLifecycleController(f.store, nil, sessions, nil, nil, f.clock.Now)
	f.matchmaking = NewMatchmakingService(f.store, nil, f.tables, f.lifecycle, nil, f.clock.Now)

	require.NoError(t, f.store.CreateTournament(f.ctx, &models.Tournament{
		ID:          testTournamentID,
		Name:        "Arena",
		GameType:    testGameType,
		Category:    config.CategorySingleMatch,
		Status:      models.TournamentOpen,
		DefaultTier: "bronze",
		MatchRules:  rules,
	}))
	return f
}

func (f *fixture) addPlayer(t *testing.T, id string, skill int) {
	t.Helper()
	require.NoError(t, f.store.UpsertPlayers(f.ctx, []models.Player{{
		ID:          id,
		Username:    id,
		SkillRating: skill,
		Elo:         1200,
	}}))
}

func (f *fixture) join(t *testing.T, playerID string) *JoinResult {
	t.Helper()
	res, err := f.matchmaking.JoinQueue(f.ctx, JoinRequest{PlayerID: playerID, TournamentID: testTournamentID})
	require.NoError(t, err)
	return res
}

func (f *fixture) match(t *testing.T, id string) *models.Match {
	t.Helper()
	m, err := f.store.GetMatch(f.ctx, id)
	require.NoError(t, err)
	return m
}
