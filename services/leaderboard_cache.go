package services

import (
	"context"
	"fmt"
	"time"

	"tournament-engine/models"

	"github.com/redis/go-redis/v9"
	"github.com/rotisserie/eris"
)

// LeaderboardEntry is one ranked row of a segment leaderboard.
type LeaderboardEntry struct {
	Rank        int    `json:"rank"`
	PlayerID    string `json:"player_id"`
	SegmentName string `json:"segment_name"`
	Points      int64  `json:"points"`
}

// LeaderboardCache keeps one sorted set per (game type, segment) scored by points.
// Players with equal points come back in descending id order, as ZREVRANGE returns them.
type LeaderboardCache struct {
	client *redis.Client
	ttl    time.Duration
}

func NewLeaderboardCache(client *redis.Client, ttl time.Duration) *LeaderboardCache {
	return &LeaderboardCache{client: client, ttl: ttl}
}

func LeaderboardKey(gameType, segment string) string {
	return fmt.Sprintf("segment:lb:%s:%s", gameType, segment)
}

// Upsert moves a player's entry to their current segment set.
func (c *LeaderboardCache) Upsert(ctx context.Context, gameType, oldSegment, newSegment, playerID string, points int64) error {
	key := LeaderboardKey(gameType, newSegment)
	_, err := c.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		if oldSegment != "" && oldSegment != newSegment {
			pipe.ZRem(ctx, LeaderboardKey(gameType, oldSegment), playerID)
		}
		pipe.ZAdd(ctx, key, redis.Z{Score: float64(points), Member: playerID})
		if c.ttl > 0 {
			pipe.Expire(ctx, key, c.ttl)
		}
		return nil
	})
	if err != nil {
		return eris.Wrapf(err, "failed to update leaderboard %s", key)
	}
	return nil
}

// Top returns the highest entries of a segment set. A missing set yields no rows.
func (c *LeaderboardCache) Top(ctx context.Context, gameType, segment string, limit int) ([]LeaderboardEntry, error) {
	key := LeaderboardKey(gameType, segment)
	zs, err := c.client.ZRevRangeWithScores(ctx, key, 0, int64(limit-1)).Result()
	if err != nil {
		return nil, eris.Wrapf(err, "failed to read leaderboard %s", key)
	}
	out := make([]LeaderboardEntry, 0, len(zs))
	for i, z := range zs {
		member, _ := z.Member.(string)
		out = append(out, LeaderboardEntry{
			Rank:        i + 1,
			PlayerID:    member,
			SegmentName: segment,
			Points:      int64(z.Score),
		})
	}
	return out, nil
}

// Replace rebuilds a segment set from authoritative rows.
func (c *LeaderboardCache) Replace(ctx context.Context, gameType, segment string, rows []models.PlayerSegment) error {
	key := LeaderboardKey(gameType, segment)
	_, err := c.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, key)
		if len(rows) == 0 {
			return nil
		}
		members := make([]redis.Z, 0, len(rows))
		for _, r := range rows {
			members = append(members, redis.Z{Score: float64(r.CurrentPoints), Member: r.PlayerID})
		}
		pipe.ZAdd(ctx, key, members...)
		if c.ttl > 0 {
			pipe.Expire(ctx, key, c.ttl)
		}
		return nil
	})
	if err != nil {
		return eris.Wrapf(err, "failed to rebuild leaderboard %s", key)
	}
	return nil
}
