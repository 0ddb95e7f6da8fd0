package services

import (
	"testing"
	"time"

	"tournament-engine/models"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPairScore(t *testing.T) {
	cases := []struct {
		name      string
		algorithm string
		a, b      PlayerRating
		want      float64
	}{
		{"skill identical", models.AlgorithmSkill, PlayerRating{SkillRating: 1200}, PlayerRating{SkillRating: 1200}, 1.0},
		{"skill half span", models.AlgorithmSkill, PlayerRating{SkillRating: 1000}, PlayerRating{SkillRating: 2000}, 0.5},
		{"skill beyond span", models.AlgorithmSkill, PlayerRating{SkillRating: 0}, PlayerRating{SkillRating: 3000}, 0},
		{"segment one apart", models.AlgorithmSegment, PlayerRating{SegmentIndex: 1}, PlayerRating{SegmentIndex: 2}, 0.75},
		{"elo quarter span", models.AlgorithmElo, PlayerRating{Elo: 1200}, PlayerRating{Elo: 1300}, 0.75},
		{"random", models.AlgorithmRandom, PlayerRating{SkillRating: 1}, PlayerRating{SkillRating: 9999}, 0.5},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := PairScore(tc.algorithm, tc.a, tc.b)
			require.NoError(t, err)
			assert.InDelta(t, tc.want, got, 1e-9)
		})
	}
}

func TestPairScoreUnknownAlgorithm(t *testing.T) {
	_, err := PairScore("astrology", PlayerRating{}, PlayerRating{})
	require.Error(t, err)
	assert.True(t, eris.Is(err, ErrConfiguration))
	assert.Equal(t, "configuration", ErrorKind(err))
}

func TestCompatibilityScore(t *testing.T) {
	player := PlayerRating{SkillRating: 1000}

	score, err := CompatibilityScore(models.AlgorithmSkill, player, nil)
	require.NoError(t, err)
	assert.Equal(t, 1.0, score)

	score, err = CompatibilityScore(models.AlgorithmSkill, player, []PlayerRating{
		{SkillRating: 1000},
		{SkillRating: 2000},
	})
	require.NoError(t, err)
	assert.InDelta(t, 0.75, score, 1e-9)

	_, err = CompatibilityScore("unknown", player, nil)
	assert.True(t, eris.Is(err, ErrConfiguration))
}

func TestMatchPriority(t *testing.T) {
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	fresh := models.Match{MaxPlayers: 4, PlayerCount: 2, Timestamps: models.Timestamps{CreatedAt: now}}
	old := models.Match{MaxPlayers: 4, PlayerCount: 2, Timestamps: models.Timestamps{CreatedAt: now.Add(-30 * time.Minute)}}

	assert.InDelta(t, 20.0, MatchPriority(fresh, 1.0, now), 1e-9)
	// wait contribution is capped
	assert.InDelta(t, 30.0, MatchPriority(old, 1.0, now), 1e-9)
}

func TestRankCandidates(t *testing.T) {
	base := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	candidate := func(id string, score, priority float64, age time.Duration) Candidate {
		return Candidate{
			Match:    models.Match{ID: id, Timestamps: models.Timestamps{CreatedAt: base.Add(-age)}},
			Score:    score,
			Priority: priority,
		}
	}

	ranked := RankCandidates([]Candidate{
		candidate("low-score", 0.1, 50, time.Hour),
		candidate("mid", 0.8, 15, time.Minute),
		candidate("best", 0.9, 20, time.Minute),
		candidate("tie-newer", 0.8, 15, 0),
		candidate("tie-older", 0.8, 15, 2*time.Minute),
	}, 0.3)

	ids := make([]string, 0, len(ranked))
	for _, c := range ranked {
		ids = append(ids, c.Match.ID)
	}
	assert.Equal(t, []string{"best", "tie-older", "mid", "tie-newer"}, ids)
}
