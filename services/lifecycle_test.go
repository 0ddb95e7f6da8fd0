package services

import (
	"context"
	"errors"
	"testing"
	"time"

	"tournament-engine/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestShouldStart(t *testing.T) {
	created := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	rules := defaultRules().WithDefaults()
	pending := func(count int) models.Match {
		return models.Match{
			Status:      models.MatchPending,
			MinPlayers:  2,
			MaxPlayers:  4,
			PlayerCount: count,
			Timestamps:  models.Timestamps{CreatedAt: created},
		}
	}

	cases := []struct {
		name    string
		match   models.Match
		rules   models.MatchRules
		elapsed time.Duration
		want    bool
		reason  string
	}{
		{"empty match never starts", pending(0), rules, time.Hour, false, ""},
		{"single player waits forever", pending(1), rules, time.Hour, false, ""},
		{"full starts immediately", pending(4), rules, 0, true, StartReasonFull},
		{"two players before max wait", pending(2), rules, 300 * time.Second, false, ""},
		{"two players after max wait", pending(2), rules, 301 * time.Second, true, StartReasonMaxWait},
		{"three players after max wait", pending(3), rules, 10 * time.Minute, true, StartReasonMaxWait},
		{"ai fallback after half the wait", pending(1), models.MatchRules{MinPlayers: 2, MaxPlayers: 4, MaxWaitSeconds: 300, FallbackToAI: true}, 151 * time.Second, true, StartReasonAIFallback},
		{"ai fallback too early", pending(1), models.MatchRules{MinPlayers: 2, MaxPlayers: 4, MaxWaitSeconds: 300, FallbackToAI: true}, 150 * time.Second, false, ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ok, reason := ShouldStart(tc.match, tc.rules, created.Add(tc.elapsed))
			assert.Equal(t, tc.want, ok)
			assert.Equal(t, tc.reason, reason)
		})
	}

	started := pending(4)
	started.Status = models.MatchStarted
	ok, _ := ShouldStart(started, rules, created)
	assert.False(t, ok)
}

func TestEvaluatePendingMatchesStartsAfterMaxWait(t *testing.T) {
	f := newFixture(t, defaultRules())
	f.addPlayer(t, "alice", 1000)
	f.addPlayer(t, "bob", 1000)
	res := f.join(t, "alice")
	f.join(t, "bob")

	started, errs := f.lifecycle.EvaluatePendingMatches(f.ctx)
	assert.Zero(t, started)
	assert.Zero(t, errs)

	f.clock.Advance(301 * time.Second)
	started, errs = f.lifecycle.EvaluatePendingMatches(f.ctx)
	assert.Equal(t, 1, started)
	assert.Zero(t, errs)

	m := f.match(t, res.MatchID)
	assert.Equal(t, models.MatchStarted, m.Status)
	assert.Equal(t, StartReasonMaxWait, m.StartReason)
	require.NotNil(t, m.GameID)

	game, err := f.store.GetGame(f.ctx, *m.GameID)
	require.NoError(t, err)
	assert.Equal(t, models.GamePlaying, game.Status)
	assert.Equal(t, m.ID, game.MatchID)
}

func TestEvaluatePendingMatchesAIFallback(t *testing.T) {
	rules := defaultRules()
	rules.FallbackToAI = true
	f := newFixture(t, rules)
	f.addPlayer(t, "solo", 1000)
	res := f.join(t, "solo")

	f.clock.Advance(151 * time.Second)
	started, errs := f.lifecycle.EvaluatePendingMatches(f.ctx)
	assert.Equal(t, 1, started)
	assert.Zero(t, errs)
	assert.Equal(t, StartReasonAIFallback, f.match(t, res.MatchID).StartReason)
}

func TestStartMatchBelowMinimum(t *testing.T) {
	f := newFixture(t, defaultRules())
	f.addPlayer(t, "solo", 1000)
	res := f.join(t, "solo")

	_, err := f.lifecycle.StartMatch(f.ctx, res.MatchID, StartReasonMaxWait)
	require.Error(t, err)
	assert.Equal(t, "invalid_state", ErrorKind(err))
	assert.Equal(t, models.MatchPending, f.match(t, res.MatchID).Status)
}

// commitFailStore runs each transaction and then fails it, as a lost commit would.
type commitFailStore struct{ *MemoryStore }

func (s commitFailStore) WithinTx(ctx context.Context, fn func(tx Store) error) error {
	return s.MemoryStore.WithinTx(ctx, func(tx Store) error {
		if err := fn(tx); err != nil {
			return err
		}
		return errors.New("commit failed")
	})
}

func (f *fixture) gameCount() int {
	f.store.mu.RLock()
	defer f.store.mu.RUnlock()
	return len(f.store.data.games)
}

func TestStartMatchRollbackDropsLocalGame(t *testing.T) {
	f := newFixture(t, defaultRules())
	f.addPlayer(t, "alice", 1000)
	f.addPlayer(t, "bob", 1000)
	res := f.join(t, "alice")
	f.join(t, "bob")

	failing := NewLifecycleController(commitFailStore{f.store}, nil, NewLocalGameSessions(nil, f.clock.Now), nil, nil, f.clock.Now)
	_, err := failing.StartMatch(f.ctx, res.MatchID, StartReasonMaxWait)
	require.Error(t, err)

	m := f.match(t, res.MatchID)
	assert.Equal(t, models.MatchPending, m.Status)
	assert.Nil(t, m.GameID)
	assert.Zero(t, f.gameCount())

	started, err := f.lifecycle.StartMatch(f.ctx, res.MatchID, StartReasonMaxWait)
	require.NoError(t, err)
	require.NotNil(t, started.GameID)
	assert.Equal(t, 1, f.gameCount())
}

func TestExpireStaleMatches(t *testing.T) {
	f := newFixture(t, defaultRules())
	f.addPlayer(t, "solo", 1000)
	res := f.join(t, "solo")

	expired, err := f.lifecycle.ExpireStaleMatches(f.ctx, time.Hour)
	require.NoError(t, err)
	assert.Zero(t, expired)

	f.clock.Advance(2 * time.Hour)
	expired, err = f.lifecycle.ExpireStaleMatches(f.ctx, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, expired)
	assert.Equal(t, models.MatchExpired, f.match(t, res.MatchID).Status)

	status, err := f.matchmaking.GetQueueStatus(f.ctx, "solo", testTournamentID)
	require.NoError(t, err)
	assert.False(t, status.InQueue)
	assert.Equal(t, string(models.QueueExpired), status.Status)

	events, err := f.store.ListEvents(f.ctx, res.MatchID)
	require.NoError(t, err)
	types := make([]string, 0, len(events))
	for _, e := range events {
		types = append(types, e.EventType)
	}
	assert.Contains(t, types, models.EventMatchExpired)
}
