package services

import (
	"context"
	"time"

	"tournament-engine/models"
)

// TournamentRepository reads and manages tournament definitions.
type TournamentRepository interface {
	GetTournament(ctx context.Context, id string) (*models.Tournament, error)
	ListTournaments(ctx context.Context, status models.TournamentStatus) ([]models.Tournament, error)
	CreateTournament(ctx context.Context, t *models.Tournament) error
	UpdateTournamentStatus(ctx context.Context, id string, status models.TournamentStatus) error
}

// PlayerRepository reads the local player snapshot.
type PlayerRepository interface {
	GetPlayer(ctx context.Context, id string) (*models.Player, error)
	UpsertPlayers(ctx context.Context, players []models.Player) error
	LastPlayerUpdate(ctx context.Context) (time.Time, error)
}

// QueueRepository manages queue entries.
type QueueRepository interface {
	// FindActiveEntry returns the waiting or matched entry of a player, or ErrNotFound.
	FindActiveEntry(ctx context.Context, playerID, tournamentID string) (*models.QueueEntry, error)
	// FindLatestEntry returns the most recent entry in any status, or ErrNotFound.
	FindLatestEntry(ctx context.Context, playerID, tournamentID string) (*models.QueueEntry, error)
	CreateEntry(ctx context.Context, e *models.QueueEntry) error
	UpdateEntry(ctx context.Context, e *models.QueueEntry) error
	// ListWaitingEntries returns up to limit waiting entries, oldest first.
	ListWaitingEntries(ctx context.Context, limit int) ([]models.QueueEntry, error)
	ListActiveEntries(ctx context.Context, tournamentID string) ([]models.QueueEntry, error)
	// ListWaitingBefore returns waiting entries that joined before cutoff.
	ListWaitingBefore(ctx context.Context, cutoff time.Time) ([]models.QueueEntry, error)
	// CloseEntriesForMatch moves the active entries of a match to status and returns how many changed.
	CloseEntriesForMatch(ctx context.Context, matchID string, status models.QueueStatus, at time.Time) (int, error)
}

// MatchRepository manages matches, their participations and audit events.
type MatchRepository interface {
	GetMatch(ctx context.Context, id string) (*models.Match, error)
	// GetMatchForUpdate loads a match and locks it for the surrounding transaction.
	GetMatchForUpdate(ctx context.Context, id string) (*models.Match, error)
	CreateMatch(ctx context.Context, m *models.Match) error
	UpdateMatch(ctx context.Context, m *models.Match) error
	// ListPendingMatches lists pending matches of a tournament; an empty id lists all.
	ListPendingMatches(ctx context.Context, tournamentID string) ([]models.Match, error)
	ListPendingCreatedBefore(ctx context.Context, cutoff time.Time) ([]models.Match, error)

	ListParticipations(ctx context.Context, matchID string) ([]models.MatchParticipation, error)
	// FindParticipation returns the non-completed participation of a player in a match, or ErrNotFound.
	FindParticipation(ctx context.Context, matchID, playerID string) (*models.MatchParticipation, error)
	CreateParticipation(ctx context.Context, p *models.MatchParticipation) error
	UpdateParticipation(ctx context.Context, p *models.MatchParticipation) error
	DeleteParticipation(ctx context.Context, id string) error

	RecordEvent(ctx context.Context, e *models.MatchEvent) error
	ListEvents(ctx context.Context, matchID string) ([]models.MatchEvent, error)
}

// GameRepository manages game sessions. The session status is the settlement guard.
type GameRepository interface {
	GetGame(ctx context.Context, id string) (*models.GameInstance, error)
	CreateGame(ctx context.Context, g *models.GameInstance, players []models.GamePlayer) error
	// TransitionGame moves a game from one of the allowed statuses to another and applies
	// apply to the locked row. It returns ErrInvalidState when the current status is not allowed.
	TransitionGame(ctx context.Context, id string, from []models.GameStatus, to models.GameStatus, apply func(*models.GameInstance)) (*models.GameInstance, error)
	// ReclaimSettlement restamps the claim of a game left settling since before
	// staleBefore. It returns ErrInvalidState when the claim is still live.
	ReclaimSettlement(ctx context.Context, id string, staleBefore, now time.Time) (*models.GameInstance, error)
	ListGamePlayers(ctx context.Context, gameID string) ([]models.GamePlayer, error)
	UpdateGamePlayer(ctx context.Context, p *models.GamePlayer) error
	MarkPlayersRewarded(ctx context.Context, gameID string, playerIDs []string) error
}

// SegmentRepository is owned by the progression engine.
type SegmentRepository interface {
	// GetSegmentForUpdate loads and locks a player's segment, or returns ErrNotFound.
	GetSegmentForUpdate(ctx context.Context, playerID, gameType string) (*models.PlayerSegment, error)
	GetSegment(ctx context.Context, playerID, gameType string) (*models.PlayerSegment, error)
	SaveSegment(ctx context.Context, s *models.PlayerSegment) error
	ListSegments(ctx context.Context, gameType string) ([]models.PlayerSegment, error)
	// Leaderboard orders by points desc then last activity asc; an empty segment lists all.
	Leaderboard(ctx context.Context, gameType, segmentName string, limit int) ([]models.PlayerSegment, error)
	AppendChange(ctx context.Context, c *models.SegmentChange) error
	ListChanges(ctx context.Context, playerID, gameType string, limit int) ([]models.SegmentChange, error)
}

// TaskRepository stores scheduler run records.
type TaskRepository interface {
	CreateTask(ctx context.Context, t *models.MatchingTask) error
	UpdateTask(ctx context.Context, t *models.MatchingTask) error
	ListRecentTasks(ctx context.Context, taskType string, limit int) ([]models.MatchingTask, error)
	ListTasksSince(ctx context.Context, since time.Time) ([]models.MatchingTask, error)
}

// RewardLedger records every grant attempt.
type RewardLedger interface {
	RecordGrant(ctx context.Context, g *models.RewardGrant) error
	ListGrants(ctx context.Context, playerID string, after time.Time, limit int) ([]models.RewardGrant, error)
	ListGameGrants(ctx context.Context, gameID string) ([]models.RewardGrant, error)
}

// Store bundles the repositories behind one transactional boundary.
type Store interface {
	TournamentRepository
	PlayerRepository
	QueueRepository
	MatchRepository
	GameRepository
	SegmentRepository
	TaskRepository
	RewardLedger

	// WithinTx runs fn atomically. The Store passed to fn must be used for all work inside it.
	WithinTx(ctx context.Context, fn func(tx Store) error) error
}
