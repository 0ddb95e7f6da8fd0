package services

import (
	"testing"
	"time"

	"tournament-engine/models"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestScheduler(f *fixture) *SchedulerService {
	return NewSchedulerService(f.store, f.matchmaking, f.lifecycle, SchedulerConfig{
		SweepInterval:          10 * time.Second,
		SweepBatchSize:         100,
		SweepMaxProcessingTime: 30 * time.Second,
		CleanupInterval:        time.Minute,
		QueueEntryTTL:          time.Hour,
	}, nil, f.clock.Now)
}

func (f *fixture) waitingEntry(t *testing.T, playerID string) models.QueueEntry {
	t.Helper()
	e := models.QueueEntry{
		ID:           uuid.NewString(),
		PlayerID:     playerID,
		TournamentID: testTournamentID,
		GameType:     testGameType,
		Tier:         "bronze",
		Status:       models.QueueWaiting,
		JoinedAt:     f.clock.Now(),
	}
	require.NoError(t, f.store.CreateEntry(f.ctx, &e))
	return e
}

func TestRunMatchingSweepZeroBatchIsNoop(t *testing.T) {
	f := newFixture(t, defaultRules())
	s := newTestScheduler(f)
	f.addPlayer(t, "alice", 1000)
	f.waitingEntry(t, "alice")

	res, err := s.RunMatchingSweep(f.ctx, 0, time.Second)
	require.NoError(t, err)
	assert.Equal(t, &SweepResult{Success: true}, res)

	tasks, err := s.GetRecentTasks(f.ctx, "", 0)
	require.NoError(t, err)
	assert.Empty(t, tasks)

	waiting, err := f.store.ListWaitingEntries(f.ctx, 10)
	require.NoError(t, err)
	assert.Len(t, waiting, 1)
}

func TestRunMatchingSweepPlacesWaitingEntries(t *testing.T) {
	f := newFixture(t, defaultRules())
	s := newTestScheduler(f)
	for _, id := range []string{"alice", "bob", "carol"} {
		f.addPlayer(t, id, 1000)
		f.waitingEntry(t, id)
		f.clock.Advance(time.Second)
	}

	res, err := s.RunMatchingSweep(f.ctx, 2, time.Minute)
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.NotEmpty(t, res.TaskID)
	assert.Equal(t, 2, res.ProcessedCount)
	assert.Equal(t, 2, res.MatchedCount)
	assert.Zero(t, res.StartedCount)
	assert.Zero(t, res.ErrorCount)

	alice, err := f.matchmaking.GetQueueStatus(f.ctx, "alice", testTournamentID)
	require.NoError(t, err)
	bob, err := f.matchmaking.GetQueueStatus(f.ctx, "bob", testTournamentID)
	require.NoError(t, err)
	assert.Equal(t, alice.MatchID, bob.MatchID)

	carol, err := f.matchmaking.GetQueueStatus(f.ctx, "carol", testTournamentID)
	require.NoError(t, err)
	assert.Equal(t, string(models.QueueWaiting), carol.Status)

	tasks, err := s.GetRecentTasks(f.ctx, models.TaskTypeMatching, 0)
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, res.TaskID, tasks[0].ID)
	assert.Equal(t, models.TaskCompleted, tasks[0].Status)
	assert.Equal(t, 2, tasks[0].MatchedCount)
	assert.Equal(t, 2, tasks[0].BatchSize)
}

func TestRunMatchingSweepStartsTimedOutMatches(t *testing.T) {
	f := newFixture(t, defaultRules())
	s := newTestScheduler(f)
	f.addPlayer(t, "alice", 1000)
	f.addPlayer(t, "bob", 1000)
	res := f.join(t, "alice")
	f.join(t, "bob")

	f.clock.Advance(6 * time.Minute)
	sweep, err := s.RunMatchingSweep(f.ctx, 10, time.Minute)
	require.NoError(t, err)
	assert.Zero(t, sweep.ProcessedCount)
	assert.Equal(t, 1, sweep.StartedCount)
	assert.Equal(t, models.MatchStarted, f.match(t, res.MatchID).Status)
}

func TestRunMatchingSweepCountsErrors(t *testing.T) {
	f := newFixture(t, defaultRules())
	s := newTestScheduler(f)
	// no player record behind this entry
	f.waitingEntry(t, "ghost")

	res, err := s.RunMatchingSweep(f.ctx, 10, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 1, res.ProcessedCount)
	assert.Equal(t, 1, res.ErrorCount)

	latest, err := f.store.FindLatestEntry(f.ctx, "ghost", testTournamentID)
	require.NoError(t, err)
	assert.Equal(t, models.QueueCancelled, latest.Status)
}

func TestRunCleanup(t *testing.T) {
	f := newFixture(t, defaultRules())
	s := newTestScheduler(f)
	f.addPlayer(t, "alice", 1000)
	f.addPlayer(t, "bob", 1000)
	joined := f.join(t, "alice")
	f.waitingEntry(t, "bob")

	f.clock.Advance(2 * time.Hour)
	f.addPlayer(t, "carol", 1000)
	f.waitingEntry(t, "carol")

	res, err := s.RunCleanup(f.ctx)
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, 1, res.CleanedCount)
	assert.Equal(t, 1, res.ExpiredMatches)

	bob, err := f.store.FindLatestEntry(f.ctx, "bob", testTournamentID)
	require.NoError(t, err)
	assert.Equal(t, models.QueueExpired, bob.Status)
	carol, err := f.store.FindLatestEntry(f.ctx, "carol", testTournamentID)
	require.NoError(t, err)
	assert.Equal(t, models.QueueWaiting, carol.Status)
	assert.Equal(t, models.MatchExpired, f.match(t, joined.MatchID).Status)

	events, err := f.store.ListEvents(f.ctx, "")
	require.NoError(t, err)
	expiredPlayers := 0
	for _, e := range events {
		if e.EventType == models.EventPlayerExpired {
			expiredPlayers++
			assert.Equal(t, "bob", e.PlayerID)
		}
	}
	assert.Equal(t, 1, expiredPlayers)

	tasks, err := s.GetRecentTasks(f.ctx, models.TaskTypeCleanup, 5)
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, 2, tasks[0].CleanedCount)
}

func TestGetTaskStats(t *testing.T) {
	f := newFixture(t, defaultRules())
	s := newTestScheduler(f)
	f.addPlayer(t, "alice", 1000)
	f.waitingEntry(t, "alice")

	_, err := s.RunMatchingSweep(f.ctx, 10, time.Minute)
	require.NoError(t, err)
	_, err = s.RunCleanup(f.ctx)
	require.NoError(t, err)
	require.NoError(t, f.store.CreateTask(f.ctx, &models.MatchingTask{
		ID:        "01HFAILED000000000000000000",
		TaskType:  models.TaskTypeMatching,
		Status:    models.TaskFailed,
		StartedAt: f.clock.Now(),
	}))
	require.NoError(t, f.store.CreateTask(f.ctx, &models.MatchingTask{
		ID:        "01HOLD00000000000000000000",
		TaskType:  models.TaskTypeMatching,
		Status:    models.TaskCompleted,
		StartedAt: f.clock.Now().Add(-48 * time.Hour),
	}))

	stats, err := s.GetTaskStats(f.ctx, 0)
	require.NoError(t, err)
	assert.EqualValues(t, 86400, stats.WindowSeconds)
	assert.Equal(t, 3, stats.Total)
	assert.Equal(t, 2, stats.Completed)
	assert.Equal(t, 1, stats.Failed)
	assert.InDelta(t, 66.67, stats.SuccessRate, 0.01)
	assert.GreaterOrEqual(t, stats.AverageProcessingMs, 0.0)
}
