package models

import (
	"time"

	"gorm.io/gorm"
)

// SegmentChangeReason classifies a SegmentChange audit record.
type SegmentChangeReason string

const (
	SegmentChangePromotion    SegmentChangeReason = "promotion"
	SegmentChangeDemotion     SegmentChangeReason = "demotion"
	SegmentChangePointsChange SegmentChangeReason = "points_change"
	SegmentChangeSeasonReset  SegmentChangeReason = "season_reset"
)

// PlayerSegment is a player's persistent tier for one game type. Created lazily, never deleted.
type PlayerSegment struct {
	ID          string `gorm:"primaryKey;type:uuid" json:"id"`
	PlayerID    string `gorm:"uniqueIndex:idx_player_segment_game;not null" json:"player_id"`
	GameType    string `gorm:"uniqueIndex:idx_player_segment_game;index;not null" json:"game_type"`
	SegmentName string `gorm:"index;not null" json:"segment_name"`

	CurrentPoints int64 `gorm:"not null;default:0;check:current_points >= 0" json:"current_points"`
	HighestPoints int64 `gorm:"not null;default:0" json:"highest_points"`

	LastActivityAt time.Time  `json:"last_activity_at"`
	LastPromotedAt *time.Time `json:"last_promoted_at,omitempty"`
	LastDemotedAt  *time.Time `json:"last_demoted_at,omitempty"`

	Timestamps
}

// SegmentChange is an append-only audit record of a segment transition.
type SegmentChange struct {
	ID         string              `gorm:"primaryKey;type:uuid" json:"id"`
	PlayerID   string              `gorm:"index:idx_segment_change_player;not null" json:"player_id"`
	GameType   string              `gorm:"index:idx_segment_change_player;not null" json:"game_type"`
	OldSegment string              `gorm:"not null" json:"old_segment"`
	NewSegment string              `gorm:"not null" json:"new_segment"`
	Delta      int64               `json:"delta"`
	OldPoints  int64               `json:"old_points"`
	NewPoints  int64               `json:"new_points"`
	Reason     SegmentChangeReason `gorm:"type:varchar(16);not null" json:"reason"`
	Source     string              `json:"source,omitempty"` // e.g. settlement:<game id>
	CreatedAt  time.Time           `gorm:"index" json:"created_at"`
}

// Timestamps adds GORM auto-times
type Timestamps struct {
	CreatedAt time.Time      `json:"created_at" gorm:"autoCreateTime"`
	UpdatedAt time.Time      `json:"updated_at" gorm:"autoUpdateTime"`
	DeletedAt gorm.DeletedAt `json:"deleted_at,omitempty" gorm:"index"`
}
