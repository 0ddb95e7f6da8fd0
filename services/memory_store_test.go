package services

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"tournament-engine/models"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func grantFor(player, game string) *models.RewardGrant {
	return &models.RewardGrant{
		ID:       player + "-" + game,
		PlayerID: player,
		GameID:   game,
		Source:   models.RewardSourceSettlement,
		Type:     models.RewardTypeCoins,
		Amount:   10,
		Status:   models.RewardStatusGranted,
	}
}

func TestMemoryStoreRollbackKeepsOutsideWrites(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	var wg sync.WaitGroup
	err := store.WithinTx(ctx, func(tx Store) error {
		require.NoError(t, tx.RecordGrant(ctx, grantFor("alice", "game-x")))

		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, store.RecordGrant(ctx, grantFor("bob", "game-x")))
		}()
		// give the outside writer time to reach the store
		time.Sleep(20 * time.Millisecond)
		return errors.New("abort")
	})
	require.Error(t, err)
	wg.Wait()

	grants, err := store.ListGameGrants(ctx, "game-x")
	require.NoError(t, err)
	require.Len(t, grants, 1)
	assert.Equal(t, "bob", grants[0].PlayerID)
}

func TestMemoryStoreNestedTxSharesHandle(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	err := store.WithinTx(ctx, func(tx Store) error {
		return tx.WithinTx(ctx, func(inner Store) error {
			return inner.RecordGrant(ctx, grantFor("alice", "game-y"))
		})
	})
	require.NoError(t, err)

	grants, err := store.ListGameGrants(ctx, "game-y")
	require.NoError(t, err)
	assert.Len(t, grants, 1)
}

func TestMemoryStoreSingleActiveEntry(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	entry := func(id string) *models.QueueEntry {
		return &models.QueueEntry{ID: id, PlayerID: "alice", TournamentID: testTournamentID,
			GameType: testGameType, Status: models.QueueWaiting, JoinedAt: time.Now()}
	}
	first := entry("q-1")
	require.NoError(t, store.CreateEntry(ctx, first))

	err := store.CreateEntry(ctx, entry("q-2"))
	require.Error(t, err)
	assert.True(t, eris.Is(err, ErrDuplicate))
	assert.Equal(t, "invalid_state", ErrorKind(err))

	first.Status = models.QueueCancelled
	require.NoError(t, store.UpdateEntry(ctx, first))
	require.NoError(t, store.CreateEntry(ctx, entry("q-3")))
}
