package models

import (
	"time"
)

// Player is a local snapshot of the profile data matchmaking needs.
// Populated by the player sync worker from the profile service.
type Player struct {
	ID          string `gorm:"primaryKey" json:"id"` // the profile service's external id
	Username    string `gorm:"index" json:"username"`
	SkillRating int    `gorm:"default:1000" json:"skill_rating"`
	Elo         int    `gorm:"default:1200" json:"elo"`
	IsBanned    bool   `gorm:"default:false" json:"is_banned"`

	LastSeen  *time.Time `json:"last_seen,omitempty"`
	CreatedAt time.Time  `json:"created_at" gorm:"autoCreateTime"`
	UpdatedAt time.Time  `json:"updated_at" gorm:"autoUpdateTime"`
}
