package models

import "time"

// QueueStatus is the state of a player's queue entry.
type QueueStatus string

const (
	QueueWaiting   QueueStatus = "waiting"
	QueueMatched   QueueStatus = "matched"
	QueueStarted   QueueStatus = "started"
	QueueCancelled QueueStatus = "cancelled"
	QueueExpired   QueueStatus = "expired"
)

// IsActive reports whether the entry still holds the player's place.
func (s QueueStatus) IsActive() bool {
	return s == QueueWaiting || s == QueueMatched
}

// QueueEntry is a player's join request for a tournament.
// At most one active entry exists per (player, tournament); the partial unique
// index enforces it.
type QueueEntry struct {
	ID           string      `gorm:"primaryKey;type:uuid" json:"id"`
	PlayerID     string      `gorm:"index:idx_queue_player_tournament;uniqueIndex:idx_queue_active_entry,where:status = 'waiting' OR status = 'matched';not null" json:"player_id"`
	TournamentID string      `gorm:"index:idx_queue_player_tournament;uniqueIndex:idx_queue_active_entry,where:status = 'waiting' OR status = 'matched';index;not null" json:"tournament_id"`
	GameType     string      `gorm:"not null" json:"game_type"`
	Tier         string      `json:"tier,omitempty"`
	Status       QueueStatus `gorm:"index;type:varchar(16);not null;default:'waiting'" json:"status"`
	MatchID      *string     `gorm:"index" json:"match_id,omitempty"`

	JoinedAt  time.Time  `gorm:"index" json:"joined_at"`
	MatchedAt *time.Time `json:"matched_at,omitempty"`
	ClosedAt  *time.Time `json:"closed_at,omitempty"`

	Timestamps
}
