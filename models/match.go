package models

import "time"

// MatchStatus is the lifecycle state of a forming or played match.
type MatchStatus string

const (
	MatchPending   MatchStatus = "pending"
	MatchStarted   MatchStatus = "started"
	MatchCompleted MatchStatus = "completed"
	MatchCancelled MatchStatus = "cancelled"
	MatchExpired   MatchStatus = "expired"
)

// Match is one instance of gameplay formed from queued players.
type Match struct {
	ID           string      `gorm:"primaryKey;type:uuid" json:"id"`
	TournamentID string      `gorm:"index:idx_match_tournament_status;not null" json:"tournament_id"`
	GameType     string      `gorm:"not null" json:"game_type"`
	Status       MatchStatus `gorm:"index:idx_match_tournament_status;type:varchar(16);not null;default:'pending'" json:"status"`
	Algorithm    string      `gorm:"type:varchar(16)" json:"algorithm"`
	Tier         string      `json:"tier"`

	MinPlayers  int `gorm:"not null" json:"min_players"`
	MaxPlayers  int `gorm:"not null" json:"max_players"`
	PlayerCount int `gorm:"not null;default:0;check:player_count >= 0" json:"player_count"`

	// External game session created when the match starts
	GameID *string `gorm:"index" json:"game_id,omitempty"`

	StartReason string     `json:"start_reason,omitempty"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`

	Timestamps
}

// IsFull reports whether the match reached capacity.
func (m *Match) IsFull() bool {
	return m.PlayerCount >= m.MaxPlayers
}

// WaitTime is how long the match has been forming.
func (m *Match) WaitTime(now time.Time) time.Duration {
	return now.Sub(m.CreatedAt)
}

// MatchParticipation links a player to a match.
type MatchParticipation struct {
	ID           string `gorm:"primaryKey;type:uuid" json:"id"`
	MatchID      string `gorm:"index;not null" json:"match_id"`
	PlayerID     string `gorm:"index;not null" json:"player_id"`
	TournamentID string `gorm:"index;not null" json:"tournament_id"`

	// Snapshot of the player's ratings at join time, used for compatibility scoring
	SkillRating int    `json:"skill_rating"`
	Elo         int    `json:"elo"`
	Segment     string `json:"segment"`

	JoinedAt  time.Time `json:"joined_at"`
	Completed bool      `gorm:"default:false" json:"completed"`
	Score     int64     `gorm:"default:0" json:"score"`
	Rank      int       `gorm:"default:0" json:"rank"` // 0 = not ranked

	Timestamps
}

// MatchEvent is an audit record of a lifecycle or queue transition.
type MatchEvent struct {
	ID           string    `gorm:"primaryKey;type:uuid" json:"id"`
	MatchID      string    `gorm:"index" json:"match_id,omitempty"`
	TournamentID string    `gorm:"index" json:"tournament_id,omitempty"`
	PlayerID     string    `gorm:"index" json:"player_id,omitempty"`
	EventType    string    `gorm:"type:varchar(32);not null" json:"event_type"`
	Data         string    `gorm:"type:jsonb" json:"data,omitempty"`
	CreatedAt    time.Time `gorm:"index" json:"created_at"`
}

const (
	EventMatchCreated   = "match_created"
	EventPlayerJoined   = "player_joined"
	EventMatchStarted   = "match_started"
	EventPlayerLeft     = "player_left"
	EventMatchCancelled = "match_cancelled"
	EventMatchExpired   = "match_expired"
	EventPlayerExpired  = "player_expired"
	EventMatchCompleted = "match_completed"
)
