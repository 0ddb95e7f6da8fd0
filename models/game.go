// models/game.go
package models

import "time"

// GameStatus drives at-most-once settlement.
type GameStatus string

const (
	GameWaiting  GameStatus = "waiting"
	GamePlaying  GameStatus = "playing"
	GameSettling GameStatus = "settling"
	GameEnded    GameStatus = "ended"
)

// GamePlayerStatus tracks a participant inside a game session.
type GamePlayerStatus string

const (
	GamePlayerPlaying  GamePlayerStatus = "playing"
	GamePlayerFinished GamePlayerStatus = "finished"
	GamePlayerRewarded GamePlayerStatus = "rewarded"
)

// GameInstance is the external game session created when a match starts.
type GameInstance struct {
	ID           string     `json:"id" gorm:"primaryKey;type:uuid"`
	MatchID      string     `json:"match_id" gorm:"index"`
	TournamentID string     `json:"tournament_id" gorm:"index"`
	GameType     string     `json:"game_type"`
	Tier         string     `json:"tier" gorm:"not null"`
	Status       GameStatus `json:"status" gorm:"type:varchar(16);not null;default:'waiting'"`

	// Rewards decided at settlement, kept so a repeated settle can report them
	RewardType string     `json:"reward_type,omitempty"`
	EndedAt    *time.Time `json:"ended_at,omitempty"`
	// SettlingAt is when the current settlement claimed the game.
	SettlingAt *time.Time `json:"settling_at,omitempty"`

	Players []GamePlayer `json:"players,omitempty" gorm:"foreignKey:GameID"`

	Timestamps
}

// SettlementStale reports whether a settling game's claim is older than
// staleBefore and may be taken over.
func (g GameInstance) SettlementStale(staleBefore time.Time) bool {
	return g.Status == GameSettling && (g.SettlingAt == nil || g.SettlingAt.Before(staleBefore))
}

// GamePlayer is one participant's state and score in a game session.
type GamePlayer struct {
	ID         string           `json:"id" gorm:"primaryKey;type:uuid"`
	GameID     string           `json:"game_id" gorm:"index;not null"`
	PlayerID   string           `json:"player_id" gorm:"index;not null"`
	Seat       int              `json:"seat"` // join order inside the match
	Status     GamePlayerStatus `json:"status" gorm:"type:varchar(16);not null;default:'playing'"`
	Score      int64            `json:"score" gorm:"default:0"`
	Rank       int              `json:"rank" gorm:"default:0"`
	FinishedAt *time.Time       `json:"finished_at,omitempty"`
	CreatedAt  time.Time        `json:"created_at" gorm:"autoCreateTime"`
	UpdatedAt  time.Time        `json:"updated_at" gorm:"autoUpdateTime"`
}
