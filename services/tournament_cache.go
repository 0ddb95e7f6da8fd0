package services

import (
	"context"
	"errors"

	"tournament-engine/models"

	"github.com/coocood/freecache"
	"github.com/goccy/go-json"
	"github.com/sirupsen/logrus"
)

const (
	tournamentCacheTTLSeconds = 60
	bytesPerMB                = 1024 * 1024
)

// CachedTournaments serves tournament lookups from an in-process cache.
// Every join reads its tournament, so this keeps the hot path off the database.
type CachedTournaments struct {
	TournamentRepository
	cache *freecache.Cache
}

func NewCachedTournaments(repo TournamentRepository, sizeMB int) *CachedTournaments {
	if sizeMB < 1 {
		sizeMB = 1
	}
	return &CachedTournaments{
		TournamentRepository: repo,
		cache:                freecache.NewCache(sizeMB * bytesPerMB),
	}
}

func (c *CachedTournaments) GetTournament(ctx context.Context, id string) (*models.Tournament, error) {
	key := []byte(id)
	if raw, err := c.cache.Get(key); err == nil {
		var t models.Tournament
		if err := json.Unmarshal(raw, &t); err == nil {
			return &t, nil
		}
		c.cache.Del(key)
	} else if !errors.Is(err, freecache.ErrNotFound) {
		logrus.WithError(err).Warn("tournament cache read failed")
	}

	t, err := c.TournamentRepository.GetTournament(ctx, id)
	if err != nil {
		return nil, err
	}
	if raw, err := json.Marshal(t); err == nil {
		if err := c.cache.Set(key, raw, tournamentCacheTTLSeconds); err != nil {
			logrus.WithError(err).WithField("tournament_id", id).Debug("tournament not cached")
		}
	}
	return t, nil
}

func (c *CachedTournaments) CreateTournament(ctx context.Context, t *models.Tournament) error {
	c.cache.Del([]byte(t.ID))
	return c.TournamentRepository.CreateTournament(ctx, t)
}

func (c *CachedTournaments) UpdateTournamentStatus(ctx context.Context, id string, status models.TournamentStatus) error {
	defer c.cache.Del([]byte(id))
	return c.TournamentRepository.UpdateTournamentStatus(ctx, id, status)
}
