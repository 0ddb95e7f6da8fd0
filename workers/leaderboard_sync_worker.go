package workers

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
)

// LeaderboardRebuilder rewrites the cached segment boards from the store.
type LeaderboardRebuilder interface {
	RebuildLeaderboards(ctx context.Context) (int, error)
}

// PollLeaderboards rebuilds the leaderboard cache on every tick until ctx ends,
// so entries missed by best-effort cache writes converge.
func PollLeaderboards(ctx context.Context, rebuilder LeaderboardRebuilder, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	logrus.WithField("interval", interval.String()).Info("starting leaderboard cache sync")

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logrus.Info("leaderboard cache sync stopped")
			return
		case <-ticker.C:
			started := time.Now()
			boards, err := rebuilder.RebuildLeaderboards(ctx)
			if err != nil {
				// keep serving the previous boards; next tick retries
				logrus.WithError(err).Error("leaderboard rebuild failed")
				continue
			}
			logrus.WithFields(logrus.Fields{
				"boards": boards,
				"ms":     time.Since(started).Milliseconds(),
			}).Info("leaderboard cache rebuilt")
		}
	}
}
