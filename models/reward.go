package models

import (
	"time"
)

// RewardType is what a grant hands out.
type RewardType string

const (
	RewardTypeCoins        RewardType = "coins"
	RewardTypeChest        RewardType = "chest"
	RewardTypeSeasonPoints RewardType = "season_points"
	RewardTypeTickets      RewardType = "tickets"
	RewardTypeProps        RewardType = "props"
)

// RewardSource identifies which pipeline produced a grant.
type RewardSource string

const (
	RewardSourceSettlement RewardSource = "settlement"
	RewardSourcePromotion  RewardSource = "promotion"
)

// RewardStatus records whether the grant reached the downstream service.
type RewardStatus string

const (
	RewardStatusGranted RewardStatus = "granted"
	RewardStatusFailed  RewardStatus = "failed"
)

// RewardGrant is the inspectable ledger of every grant attempt, including failures
// of best-effort grants that are never retried automatically.
type RewardGrant struct {
	ID        string       `gorm:"primaryKey;type:uuid" json:"id"`
	PlayerID  string       `gorm:"index;not null" json:"player_id"`
	GameID    string       `gorm:"index" json:"game_id,omitempty"`
	GameType  string       `json:"game_type,omitempty"`
	Source    RewardSource `gorm:"type:varchar(16);not null" json:"source"`
	Type      RewardType   `gorm:"type:varchar(16);not null" json:"type"`
	Amount    int64        `json:"amount"`
	Details   string       `gorm:"type:jsonb" json:"details,omitempty"`
	Status    RewardStatus `gorm:"type:varchar(16);not null;index" json:"status"`
	Error     string       `gorm:"type:text" json:"error,omitempty"`
	CreatedAt time.Time    `gorm:"index" json:"created_at"`
}
