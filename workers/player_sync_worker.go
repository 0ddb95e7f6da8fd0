// workers/player_sync_worker.go
package workers

import (
	"context"
	"net/http"
	"net/url"
	"time"

	"tournament-engine/models"

	"github.com/goccy/go-json"
	"github.com/rotisserie/eris"
	"github.com/sirupsen/logrus"
)

// PlayerStore is the local player snapshot the sync writes into.
type PlayerStore interface {
	UpsertPlayers(ctx context.Context, players []models.Player) error
	LastPlayerUpdate(ctx context.Context) (time.Time, error)
}

// RemotePlayer matches the JSON rows of the profile service changes feed.
type RemotePlayer struct {
	ExternalID    string     `json:"external_id"`
	Username      string     `json:"username"`
	SkillRating   *int       `json:"skill_rating,omitempty"`
	Elo           *int       `json:"elo,omitempty"`
	AccountStatus string     `json:"account_status"`
	LastSeenAt    *time.Time `json:"last_seen_at,omitempty"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

type playerChangesResponse struct {
	Users []RemotePlayer `json:"users"`
}

type PlayerSyncWorker struct {
	store        PlayerStore
	interval     time.Duration
	baseURL      string
	endpointPath string
	serviceToken string
	httpClient   *http.Client
}

func NewPlayerSyncWorker(store PlayerStore, baseURL, endpointPath, serviceToken string, interval time.Duration) *PlayerSyncWorker {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	return &PlayerSyncWorker{
		store:        store,
		interval:     interval,
		baseURL:      baseURL,
		endpointPath: endpointPath,
		serviceToken: serviceToken,
		httpClient:   &http.Client{Timeout: 30 * time.Second},
	}
}

func (w *PlayerSyncWorker) Start(ctx context.Context) {
	logrus.WithField("interval", w.interval.String()).Info("[SYNC] starting player sync worker")
	go w.run(ctx)
}

func (w *PlayerSyncWorker) run(ctx context.Context) {
	// initial backfill from the beginning of time
	if _, err := w.SyncOnce(ctx, time.Time{}); err != nil {
		logrus.WithError(err).Warn("[SYNC] initial player sync failed")
	}

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			since, err := w.store.LastPlayerUpdate(ctx)
			if err != nil {
				logrus.WithError(err).Warn("[SYNC] failed to read last player update")
				since = time.Unix(0, 0)
			}
			if _, err := w.SyncOnce(ctx, since); err != nil {
				logrus.WithError(err).Error("[SYNC] player sync batch failed")
			}
		case <-ctx.Done():
			logrus.Info("[SYNC] player sync worker stopped")
			return
		}
	}
}

// SyncOnce pulls player changes since the given time and upserts them. It
// returns how many players were written.
func (w *PlayerSyncWorker) SyncOnce(ctx context.Context, since time.Time) (int, error) {
	base, err := url.Parse(w.baseURL)
	if err != nil {
		return 0, eris.Wrapf(err, "invalid profile service URL %q", w.baseURL)
	}
	endpoint := base.JoinPath(w.endpointPath)
	q := endpoint.Query()
	q.Set("since", since.UTC().Format(time.RFC3339))
	endpoint.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint.String(), nil)
	if err != nil {
		return 0, eris.Wrap(err, "failed to build player sync request")
	}
	req.Header.Set("X-Service-Token", w.serviceToken)

	resp, err := w.httpClient.Do(req)
	if err != nil {
		return 0, eris.Wrap(err, "player sync request failed")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return 0, eris.Errorf("profile service returned status %d", resp.StatusCode)
	}

	var body playerChangesResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return 0, eris.Wrap(err, "failed to decode player changes")
	}
	if len(body.Users) == 0 {
		logrus.WithField("since", since.UTC().Format(time.RFC3339)).Debug("[SYNC] no player changes")
		return 0, nil
	}

	players := make([]models.Player, 0, len(body.Users))
	for _, u := range body.Users {
		if u.ExternalID == "" {
			continue
		}
		players = append(players, toPlayer(u))
	}
	if err := w.store.UpsertPlayers(ctx, players); err != nil {
		return 0, eris.Wrapf(err, "failed to upsert %d player(s)", len(players))
	}

	logrus.WithField("count", len(players)).Info("[SYNC] players synced")
	return len(players), nil
}

func toPlayer(u RemotePlayer) models.Player {
	p := models.Player{
		ID:          u.ExternalID,
		Username:    u.Username,
		SkillRating: 1000,
		Elo:         1200,
		IsBanned:    u.AccountStatus == "banned" || u.AccountStatus == "suspended",
		LastSeen:    u.LastSeenAt,
		UpdatedAt:   u.UpdatedAt,
	}
	if u.SkillRating != nil {
		p.SkillRating = *u.SkillRating
	}
	if u.Elo != nil {
		p.Elo = *u.Elo
	}
	return p
}
