package models

import (
	"time"
)

// TournamentStatus gates whether players may queue.
type TournamentStatus string

const (
	TournamentDraft  TournamentStatus = "draft"
	TournamentOpen   TournamentStatus = "open"
	TournamentClosed TournamentStatus = "closed"
)

// Compatibility algorithms used to score a joining player against a forming match.
const (
	AlgorithmSkill   = "skill"
	AlgorithmSegment = "segment"
	AlgorithmElo     = "elo"
	AlgorithmRandom  = "random"
)

// Tournament is a configured competitive event type with match and reward rules.
type Tournament struct {
	ID          string           `json:"id" gorm:"primaryKey"`
	Name        string           `json:"name" gorm:"not null"`
	Description string           `json:"description"`
	GameType    string           `json:"game_type" gorm:"index;not null"`
	Category    string           `json:"category" gorm:"type:varchar(16);not null;default:'single_match'"` // single_match | daily | weekly | seasonal
	Status      TournamentStatus `json:"status" gorm:"type:varchar(16);default:'draft'"`
	DefaultTier string           `json:"default_tier" gorm:"default:'bronze'"`

	MatchRules MatchRules `json:"match_rules" gorm:"embedded;embeddedPrefix:match_"`

	StartTime *time.Time `json:"start_time,omitempty"`
	EndTime   *time.Time `json:"end_time,omitempty"`
	CreatedAt time.Time  `json:"created_at" gorm:"autoCreateTime"`
	UpdatedAt time.Time  `json:"updated_at" gorm:"autoUpdateTime"`
}

// IsOpen reports whether players may join at the given time.
func (t *Tournament) IsOpen(now time.Time) bool {
	if t.Status != TournamentOpen {
		return false
	}
	if t.StartTime != nil && now.Before(*t.StartTime) {
		return false
	}
	if t.EndTime != nil && now.After(*t.EndTime) {
		return false
	}
	return true
}

// MatchRules bound match capacity, waiting time and compatibility.
type MatchRules struct {
	MinPlayers     int     `json:"min_players" gorm:"default:2"`
	MaxPlayers     int     `json:"max_players" gorm:"default:4"`
	MaxWaitSeconds int     `json:"max_wait_seconds" gorm:"default:300"`
	Algorithm      string  `json:"algorithm" gorm:"type:varchar(16);default:'skill'"`
	SkillRange     float64 `json:"skill_range" gorm:"default:0.3"` // 0..1 compatibility cutoff
	FallbackToAI   bool    `json:"fallback_to_ai" gorm:"default:false"`
}

// MaxWait is MaxWaitSeconds as a duration.
func (r MatchRules) MaxWait() time.Duration {
	return time.Duration(r.MaxWaitSeconds) * time.Second
}

// WithDefaults fills zero values with the standard rules.
func (r MatchRules) WithDefaults() MatchRules {
	if r.MinPlayers <= 0 {
		r.MinPlayers = 2
	}
	if r.MaxPlayers <= 0 {
		r.MaxPlayers = 4
	}
	if r.MaxPlayers < r.MinPlayers {
		r.MaxPlayers = r.MinPlayers
	}
	if r.MaxWaitSeconds <= 0 {
		r.MaxWaitSeconds = 300
	}
	if r.Algorithm == "" {
		r.Algorithm = AlgorithmSkill
	}
	return r
}
