package services

import (
	"context"
	"errors"
	"time"

	"tournament-engine/models"

	"github.com/rotisserie/eris"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// GormStore implements Store on postgres through gorm.
type GormStore struct {
	db *gorm.DB
}

func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{db: db}
}

// AllModels lists every table the service owns, in migration order.
func AllModels() []interface{} {
	return []interface{}{
		&models.Tournament{},
		&models.Player{},
		&models.QueueEntry{},
		&models.Match{},
		&models.MatchParticipation{},
		&models.MatchEvent{},
		&models.GameInstance{},
		&models.GamePlayer{},
		&models.PlayerSegment{},
		&models.SegmentChange{},
		&models.MatchingTask{},
		&models.RewardGrant{},
	}
}

// Migrate creates or updates the schema.
func (s *GormStore) Migrate() error {
	if err := s.db.AutoMigrate(AllModels()...); err != nil {
		return eris.Wrap(err, "auto-migrate failed")
	}
	return nil
}

func (s *GormStore) WithinTx(ctx context.Context, fn func(tx Store) error) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&GormStore{db: tx})
	})
}

func (s *GormStore) conn(ctx context.Context) *gorm.DB {
	return s.db.WithContext(ctx)
}

// wrapDB maps gorm's not-found into the service taxonomy.
func wrapDB(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return eris.Wrapf(ErrNotFound, format, args...)
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return eris.Wrapf(ErrDuplicate, format, args...)
	}
	return eris.Wrapf(err, format, args...)
}

// --- tournaments ---

func (s *GormStore) GetTournament(ctx context.Context, id string) (*models.Tournament, error) {
	var t models.Tournament
	if err := s.conn(ctx).First(&t, "id = ?", id).Error; err != nil {
		return nil, wrapDB(err, "tournament %s", id)
	}
	return &t, nil
}

func (s *GormStore) ListTournaments(ctx context.Context, status models.TournamentStatus) ([]models.Tournament, error) {
	var out []models.Tournament
	q := s.conn(ctx).Order("id ASC")
	if status != "" {
		q = q.Where("status = ?", status)
	}
	if err := q.Find(&out).Error; err != nil {
		return nil, wrapDB(err, "list tournaments")
	}
	return out, nil
}

func (s *GormStore) CreateTournament(ctx context.Context, t *models.Tournament) error {
	return wrapDB(s.conn(ctx).Create(t).Error, "create tournament %s", t.ID)
}

func (s *GormStore) UpdateTournamentStatus(ctx context.Context, id string, status models.TournamentStatus) error {
	res := s.conn(ctx).Model(&models.Tournament{}).Where("id = ?", id).Update("status", status)
	if res.Error != nil {
		return wrapDB(res.Error, "update tournament %s", id)
	}
	if res.RowsAffected == 0 {
		return eris.Wrapf(ErrNotFound, "tournament %s", id)
	}
	return nil
}

// --- players ---

func (s *GormStore) GetPlayer(ctx context.Context, id string) (*models.Player, error) {
	var p models.Player
	if err := s.conn(ctx).First(&p, "id = ?", id).Error; err != nil {
		return nil, wrapDB(err, "player %s", id)
	}
	return &p, nil
}

func (s *GormStore) UpsertPlayers(ctx context.Context, players []models.Player) error {
	if len(players) == 0 {
		return nil
	}
	err := s.conn(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"username", "skill_rating", "elo", "is_banned", "last_seen", "updated_at",
		}),
	}).CreateInBatches(players, 200).Error
	return wrapDB(err, "upsert %d players", len(players))
}

func (s *GormStore) LastPlayerUpdate(ctx context.Context) (time.Time, error) {
	var last *time.Time
	if err := s.conn(ctx).Model(&models.Player{}).Select("MAX(updated_at)").Scan(&last).Error; err != nil {
		return time.Time{}, wrapDB(err, "last player update")
	}
	if last == nil {
		return time.Time{}, nil
	}
	return *last, nil
}

// --- queue ---

var activeQueueStatuses = []models.QueueStatus{models.QueueWaiting, models.QueueMatched}

func (s *GormStore) FindActiveEntry(ctx context.Context, playerID, tournamentID string) (*models.QueueEntry, error) {
	var e models.QueueEntry
	err := s.conn(ctx).
		Where("player_id = ? AND tournament_id = ? AND status IN ?", playerID, tournamentID, activeQueueStatuses).
		Order("joined_at DESC").
		First(&e).Error
	if err != nil {
		return nil, wrapDB(err, "queue entry for player %s", playerID)
	}
	return &e, nil
}

func (s *GormStore) FindLatestEntry(ctx context.Context, playerID, tournamentID string) (*models.QueueEntry, error) {
	var e models.QueueEntry
	err := s.conn(ctx).
		Where("player_id = ? AND tournament_id = ?", playerID, tournamentID).
		Order("joined_at DESC").
		First(&e).Error
	if err != nil {
		return nil, wrapDB(err, "queue entry for player %s", playerID)
	}
	return &e, nil
}

func (s *GormStore) CreateEntry(ctx context.Context, e *models.QueueEntry) error {
	return wrapDB(s.conn(ctx).Create(e).Error, "create queue entry")
}

func (s *GormStore) UpdateEntry(ctx context.Context, e *models.QueueEntry) error {
	return wrapDB(s.conn(ctx).Save(e).Error, "update queue entry %s", e.ID)
}

func (s *GormStore) ListWaitingEntries(ctx context.Context, limit int) ([]models.QueueEntry, error) {
	var out []models.QueueEntry
	q := s.conn(ctx).Where("status = ?", models.QueueWaiting).Order("joined_at ASC, id ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&out).Error; err != nil {
		return nil, wrapDB(err, "list waiting entries")
	}
	return out, nil
}

func (s *GormStore) ListActiveEntries(ctx context.Context, tournamentID string) ([]models.QueueEntry, error) {
	var out []models.QueueEntry
	q := s.conn(ctx).Where("status IN ?", activeQueueStatuses).Order("joined_at ASC, id ASC")
	if tournamentID != "" {
		q = q.Where("tournament_id = ?", tournamentID)
	}
	if err := q.Find(&out).Error; err != nil {
		return nil, wrapDB(err, "list active entries")
	}
	return out, nil
}

func (s *GormStore) ListWaitingBefore(ctx context.Context, cutoff time.Time) ([]models.QueueEntry, error) {
	var out []models.QueueEntry
	err := s.conn(ctx).
		Where("status = ? AND joined_at < ?", models.QueueWaiting, cutoff).
		Order("joined_at ASC, id ASC").
		Find(&out).Error
	if err != nil {
		return nil, wrapDB(err, "list stale entries")
	}
	return out, nil
}

func (s *GormStore) CloseEntriesForMatch(ctx context.Context, matchID string, status models.QueueStatus, at time.Time) (int, error) {
	res := s.conn(ctx).Model(&models.QueueEntry{}).
		Where("match_id = ? AND status IN ?", matchID, activeQueueStatuses).
		Updates(map[string]interface{}{"status": status, "closed_at": at})
	if res.Error != nil {
		return 0, wrapDB(res.Error, "close entries of match %s", matchID)
	}
	return int(res.RowsAffected), nil
}

// --- matches ---

func (s *GormStore) GetMatch(ctx context.Context, id string) (*models.Match, error) {
	var m models.Match
	if err := s.conn(ctx).First(&m, "id = ?", id).Error; err != nil {
		return nil, wrapDB(err, "match %s", id)
	}
	return &m, nil
}

func (s *GormStore) GetMatchForUpdate(ctx context.Context, id string) (*models.Match, error) {
	var m models.Match
	err := s.conn(ctx).Clauses(clause.Locking{Strength: "UPDATE"}).First(&m, "id = ?", id).Error
	if err != nil {
		return nil, wrapDB(err, "match %s", id)
	}
	return &m, nil
}

func (s *GormStore) CreateMatch(ctx context.Context, m *models.Match) error {
	return wrapDB(s.conn(ctx).Create(m).Error, "create match")
}

func (s *GormStore) UpdateMatch(ctx context.Context, m *models.Match) error {
	return wrapDB(s.conn(ctx).Save(m).Error, "update match %s", m.ID)
}

func (s *GormStore) ListPendingMatches(ctx context.Context, tournamentID string) ([]models.Match, error) {
	var out []models.Match
	q := s.conn(ctx).Where("status = ?", models.MatchPending).Order("created_at ASC, id ASC")
	if tournamentID != "" {
		q = q.Where("tournament_id = ?", tournamentID)
	}
	if err := q.Find(&out).Error; err != nil {
		return nil, wrapDB(err, "list pending matches")
	}
	return out, nil
}

func (s *GormStore) ListPendingCreatedBefore(ctx context.Context, cutoff time.Time) ([]models.Match, error) {
	var out []models.Match
	err := s.conn(ctx).
		Where("status = ? AND created_at < ?", models.MatchPending, cutoff).
		Order("created_at ASC, id ASC").
		Find(&out).Error
	if err != nil {
		return nil, wrapDB(err, "list stale matches")
	}
	return out, nil
}

func (s *GormStore) ListParticipations(ctx context.Context, matchID string) ([]models.MatchParticipation, error) {
	var out []models.MatchParticipation
	err := s.conn(ctx).Where("match_id = ?", matchID).Order("joined_at ASC, id ASC").Find(&out).Error
	if err != nil {
		return nil, wrapDB(err, "list participations of match %s", matchID)
	}
	return out, nil
}

func (s *GormStore) FindParticipation(ctx context.Context, matchID, playerID string) (*models.MatchParticipation, error) {
	var p models.MatchParticipation
	err := s.conn(ctx).
		Where("match_id = ? AND player_id = ? AND completed = ?", matchID, playerID, false).
		First(&p).Error
	if err != nil {
		return nil, wrapDB(err, "participation of player %s", playerID)
	}
	return &p, nil
}

func (s *GormStore) CreateParticipation(ctx context.Context, p *models.MatchParticipation) error {
	return wrapDB(s.conn(ctx).Create(p).Error, "create participation")
}

func (s *GormStore) UpdateParticipation(ctx context.Context, p *models.MatchParticipation) error {
	return wrapDB(s.conn(ctx).Save(p).Error, "update participation %s", p.ID)
}

func (s *GormStore) DeleteParticipation(ctx context.Context, id string) error {
	res := s.conn(ctx).Delete(&models.MatchParticipation{}, "id = ?", id)
	if res.Error != nil {
		return wrapDB(res.Error, "delete participation %s", id)
	}
	if res.RowsAffected == 0 {
		return eris.Wrapf(ErrNotFound, "participation %s", id)
	}
	return nil
}

func (s *GormStore) RecordEvent(ctx context.Context, e *models.MatchEvent) error {
	if e.Data == "" {
		e.Data = "{}"
	}
	return wrapDB(s.conn(ctx).Create(e).Error, "record %s event", e.EventType)
}

func (s *GormStore) ListEvents(ctx context.Context, matchID string) ([]models.MatchEvent, error) {
	var out []models.MatchEvent
	q := s.conn(ctx).Order("created_at ASC")
	if matchID != "" {
		q = q.Where("match_id = ?", matchID)
	}
	if err := q.Find(&out).Error; err != nil {
		return nil, wrapDB(err, "list events")
	}
	return out, nil
}

// --- games ---

func (s *GormStore) GetGame(ctx context.Context, id string) (*models.GameInstance, error) {
	var g models.GameInstance
	if err := s.conn(ctx).First(&g, "id = ?", id).Error; err != nil {
		return nil, wrapDB(err, "game %s", id)
	}
	return &g, nil
}

func (s *GormStore) CreateGame(ctx context.Context, g *models.GameInstance, players []models.GamePlayer) error {
	return s.conn(ctx).Transaction(func(tx *gorm.DB) error {
		row := *g
		row.Players = nil
		if err := tx.Create(&row).Error; err != nil {
			return wrapDB(err, "create game")
		}
		g.CreatedAt, g.UpdatedAt = row.CreatedAt, row.UpdatedAt
		for i := range players {
			players[i].GameID = g.ID
		}
		if len(players) > 0 {
			if err := tx.Create(&players).Error; err != nil {
				return wrapDB(err, "create game players")
			}
		}
		return nil
	})
}

func (s *GormStore) TransitionGame(ctx context.Context, id string, from []models.GameStatus, to models.GameStatus, apply func(*models.GameInstance)) (*models.GameInstance, error) {
	var out *models.GameInstance
	err := s.conn(ctx).Transaction(func(tx *gorm.DB) error {
		var g models.GameInstance
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&g, "id = ?", id).Error; err != nil {
			return wrapDB(err, "game %s", id)
		}
		if !containsStatus(from, g.Status) {
			return eris.Wrapf(ErrInvalidState, "game %s is %s", id, g.Status)
		}
		g.Status = to
		if apply != nil {
			apply(&g)
		}
		if err := tx.Omit(clause.Associations).Save(&g).Error; err != nil {
			return wrapDB(err, "update game %s", id)
		}
		out = &g
		return nil
	})
	return out, err
}

func (s *GormStore) ReclaimSettlement(ctx context.Context, id string, staleBefore, now time.Time) (*models.GameInstance, error) {
	var out *models.GameInstance
	err := s.conn(ctx).Transaction(func(tx *gorm.DB) error {
		var g models.GameInstance
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&g, "id = ?", id).Error; err != nil {
			return wrapDB(err, "game %s", id)
		}
		if !g.SettlementStale(staleBefore) {
			return eris.Wrapf(ErrInvalidState, "game %s is %s with a live claim", id, g.Status)
		}
		g.SettlingAt = &now
		if err := tx.Omit(clause.Associations).Save(&g).Error; err != nil {
			return wrapDB(err, "reclaim game %s", id)
		}
		out = &g
		return nil
	})
	return out, err
}

func (s *GormStore) ListGamePlayers(ctx context.Context, gameID string) ([]models.GamePlayer, error) {
	var out []models.GamePlayer
	err := s.conn(ctx).Where("game_id = ?", gameID).Order("seat ASC, player_id ASC").Find(&out).Error
	if err != nil {
		return nil, wrapDB(err, "list players of game %s", gameID)
	}
	return out, nil
}

func (s *GormStore) UpdateGamePlayer(ctx context.Context, p *models.GamePlayer) error {
	return wrapDB(s.conn(ctx).Save(p).Error, "update game player %s", p.ID)
}

func (s *GormStore) MarkPlayersRewarded(ctx context.Context, gameID string, playerIDs []string) error {
	if len(playerIDs) == 0 {
		return nil
	}
	err := s.conn(ctx).Model(&models.GamePlayer{}).
		Where("game_id = ? AND player_id IN ?", gameID, playerIDs).
		Update("status", models.GamePlayerRewarded).Error
	return wrapDB(err, "mark players of game %s rewarded", gameID)
}

// --- segments ---

func (s *GormStore) GetSegment(ctx context.Context, playerID, gameType string) (*models.PlayerSegment, error) {
	var seg models.PlayerSegment
	err := s.conn(ctx).Where("player_id = ? AND game_type = ?", playerID, gameType).First(&seg).Error
	if err != nil {
		return nil, wrapDB(err, "segment of player %s", playerID)
	}
	return &seg, nil
}

func (s *GormStore) GetSegmentForUpdate(ctx context.Context, playerID, gameType string) (*models.PlayerSegment, error) {
	var seg models.PlayerSegment
	err := s.conn(ctx).Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("player_id = ? AND game_type = ?", playerID, gameType).
		First(&seg).Error
	if err != nil {
		return nil, wrapDB(err, "segment of player %s", playerID)
	}
	return &seg, nil
}

func (s *GormStore) SaveSegment(ctx context.Context, seg *models.PlayerSegment) error {
	return wrapDB(s.conn(ctx).Save(seg).Error, "save segment of player %s", seg.PlayerID)
}

func (s *GormStore) ListSegments(ctx context.Context, gameType string) ([]models.PlayerSegment, error) {
	var out []models.PlayerSegment
	q := s.conn(ctx).Order("current_points DESC, last_activity_at ASC, player_id ASC")
	if gameType != "" {
		q = q.Where("game_type = ?", gameType)
	}
	if err := q.Find(&out).Error; err != nil {
		return nil, wrapDB(err, "list segments")
	}
	return out, nil
}

func (s *GormStore) Leaderboard(ctx context.Context, gameType, segmentName string, limit int) ([]models.PlayerSegment, error) {
	var out []models.PlayerSegment
	q := s.conn(ctx).Where("game_type = ?", gameType).
		Order("current_points DESC, last_activity_at ASC, player_id ASC")
	if segmentName != "" {
		q = q.Where("segment_name = ?", segmentName)
	}
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&out).Error; err != nil {
		return nil, wrapDB(err, "leaderboard %s", gameType)
	}
	return out, nil
}

func (s *GormStore) AppendChange(ctx context.Context, c *models.SegmentChange) error {
	return wrapDB(s.conn(ctx).Create(c).Error, "append segment change")
}

func (s *GormStore) ListChanges(ctx context.Context, playerID, gameType string, limit int) ([]models.SegmentChange, error) {
	var out []models.SegmentChange
	q := s.conn(ctx).Where("player_id = ?", playerID).Order("created_at DESC")
	if gameType != "" {
		q = q.Where("game_type = ?", gameType)
	}
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&out).Error; err != nil {
		return nil, wrapDB(err, "segment history of player %s", playerID)
	}
	return out, nil
}

// --- tasks ---

func (s *GormStore) CreateTask(ctx context.Context, t *models.MatchingTask) error {
	return wrapDB(s.conn(ctx).Create(t).Error, "create task")
}

func (s *GormStore) UpdateTask(ctx context.Context, t *models.MatchingTask) error {
	return wrapDB(s.conn(ctx).Save(t).Error, "update task %s", t.ID)
}

func (s *GormStore) ListRecentTasks(ctx context.Context, taskType string, limit int) ([]models.MatchingTask, error) {
	var out []models.MatchingTask
	q := s.conn(ctx).Order("started_at DESC, id DESC")
	if taskType != "" {
		q = q.Where("task_type = ?", taskType)
	}
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&out).Error; err != nil {
		return nil, wrapDB(err, "list tasks")
	}
	return out, nil
}

func (s *GormStore) ListTasksSince(ctx context.Context, since time.Time) ([]models.MatchingTask, error) {
	var out []models.MatchingTask
	err := s.conn(ctx).Where("started_at >= ?", since).Order("started_at DESC, id DESC").Find(&out).Error
	if err != nil {
		return nil, wrapDB(err, "list tasks since %s", since)
	}
	return out, nil
}

// --- reward ledger ---

func (s *GormStore) RecordGrant(ctx context.Context, g *models.RewardGrant) error {
	if g.Details == "" {
		g.Details = "{}"
	}
	return wrapDB(s.conn(ctx).Create(g).Error, "record %s grant", g.Type)
}

func (s *GormStore) ListGrants(ctx context.Context, playerID string, after time.Time, limit int) ([]models.RewardGrant, error) {
	var out []models.RewardGrant
	q := s.conn(ctx).Where("player_id = ? AND created_at > ?", playerID, after).Order("created_at ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&out).Error; err != nil {
		return nil, wrapDB(err, "list grants of player %s", playerID)
	}
	return out, nil
}

func (s *GormStore) ListGameGrants(ctx context.Context, gameID string) ([]models.RewardGrant, error) {
	var out []models.RewardGrant
	if err := s.conn(ctx).Where("game_id = ?", gameID).Order("created_at ASC").Find(&out).Error; err != nil {
		return nil, wrapDB(err, "list grants of game %s", gameID)
	}
	return out, nil
}
