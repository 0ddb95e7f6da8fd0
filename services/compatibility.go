package services

import (
	"math"
	"time"

	"tournament-engine/config"
	"tournament-engine/models"

	"github.com/elliotchance/pie/v2"
	"github.com/rotisserie/eris"
	"gonum.org/v1/gonum/stat"
)

// Distance spans per algorithm: a difference of one full span scores zero.
const (
	skillSpan   = 2000.0
	segmentSpan = 4.0
	eloSpan     = 400.0

	randomCompatibility = 0.5

	maxTimePriority = 10.0
	balanceCeiling  = 10.0
	compatWeight    = 10.0
)

// PlayerRating is the snapshot of a player used for compatibility scoring.
type PlayerRating struct {
	PlayerID     string
	SkillRating  int
	Elo          int
	SegmentIndex int
}

// Candidate is a pending match scored against a joining player.
type Candidate struct {
	Match    models.Match
	Score    float64
	Priority float64
}

func spanScore(a, b, span float64) float64 {
	return math.Max(0, 1-math.Abs(a-b)/span)
}

// PairScore returns the 0..1 compatibility between two players under an algorithm.
func PairScore(algorithm string, a, b PlayerRating) (float64, error) {
	switch algorithm {
	case models.AlgorithmSkill:
		return spanScore(float64(a.SkillRating), float64(b.SkillRating), skillSpan), nil
	case models.AlgorithmSegment:
		return spanScore(float64(a.SegmentIndex), float64(b.SegmentIndex), segmentSpan), nil
	case models.AlgorithmElo:
		return spanScore(float64(a.Elo), float64(b.Elo), eloSpan), nil
	case models.AlgorithmRandom:
		return randomCompatibility, nil
	default:
		return 0, eris.Wrapf(ErrConfiguration, "unknown matching algorithm %q", algorithm)
	}
}

// CompatibilityScore averages the pair scores of a player against every participant.
// An empty match is perfectly compatible.
func CompatibilityScore(algorithm string, player PlayerRating, participants []PlayerRating) (float64, error) {
	if len(participants) == 0 {
		if _, err := PairScore(algorithm, player, player); err != nil {
			return 0, err
		}
		return 1.0, nil
	}
	scores := make([]float64, 0, len(participants))
	for _, p := range participants {
		s, err := PairScore(algorithm, player, p)
		if err != nil {
			return 0, err
		}
		scores = append(scores, s)
	}
	return stat.Mean(scores, nil), nil
}

// MatchPriority ranks an eligible candidate: older, better balanced and more
// compatible matches come first.
func MatchPriority(m models.Match, score float64, now time.Time) float64 {
	waitMinutes := m.WaitTime(now).Minutes()
	if waitMinutes < 0 {
		waitMinutes = 0
	}
	timePriority := math.Min(waitMinutes, maxTimePriority)
	balancePriority := balanceCeiling - math.Abs(float64(m.MaxPlayers)/2-float64(m.PlayerCount))
	return timePriority + balancePriority + score*compatWeight
}

// RankCandidates drops ineligible candidates and orders the rest by priority,
// oldest match first on ties.
func RankCandidates(candidates []Candidate, threshold float64) []Candidate {
	eligible := pie.Filter(candidates, func(c Candidate) bool {
		return c.Score >= threshold
	})
	return pie.SortUsing(eligible, func(a, b Candidate) bool {
		if a.Priority != b.Priority {
			return a.Priority > b.Priority
		}
		if !a.Match.CreatedAt.Equal(b.Match.CreatedAt) {
			return a.Match.CreatedAt.Before(b.Match.CreatedAt)
		}
		return a.Match.ID < b.Match.ID
	})
}

// ratingFromParticipation rebuilds the rating snapshot stored at join time.
func ratingFromParticipation(tables *config.Tables, p models.MatchParticipation) PlayerRating {
	idx, err := tables.SegmentIndex(p.Segment)
	if err != nil {
		idx = 0
	}
	return PlayerRating{
		PlayerID:     p.PlayerID,
		SkillRating:  p.SkillRating,
		Elo:          p.Elo,
		SegmentIndex: idx,
	}
}
