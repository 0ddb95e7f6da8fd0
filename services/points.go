package services

import (
	"math"

	"tournament-engine/config"
)

// SegmentDirection classifies a band transition by tier rank.
type SegmentDirection int

const (
	SegmentUnchanged SegmentDirection = iota
	SegmentPromotion
	SegmentDemotion
)

func (d SegmentDirection) String() string {
	switch d {
	case SegmentPromotion:
		return "promotion"
	case SegmentDemotion:
		return "demotion"
	default:
		return "none"
	}
}

// ClassifySegmentChange compares the tier rank of two segment names.
func ClassifySegmentChange(tables *config.Tables, oldSegment, newSegment string) (SegmentDirection, error) {
	oldIdx, err := tables.SegmentIndex(oldSegment)
	if err != nil {
		return SegmentUnchanged, err
	}
	newIdx, err := tables.SegmentIndex(newSegment)
	if err != nil {
		return SegmentUnchanged, err
	}
	switch {
	case newIdx > oldIdx:
		return SegmentPromotion, nil
	case newIdx < oldIdx:
		return SegmentDemotion, nil
	default:
		return SegmentUnchanged, nil
	}
}

// CategoryRewardPoints is the reward magnitude of a finishing rank in a tournament category.
func CategoryRewardPoints(tables *config.Tables, category string, rank int) (int64, error) {
	return tables.CategoryPoints(category, rank)
}

// SettlementPoints converts a settled result into progression points:
// the rank base scaled by the tier multiplier, plus one point per hundred score.
func SettlementPoints(tables *config.Tables, rank int, score int64, tier string) (int64, error) {
	multiplier, err := tables.TierMultiplier(tier)
	if err != nil {
		return 0, err
	}
	if score < 0 {
		score = 0
	}
	base := float64(tables.SettlementBase(rank))
	return int64(math.Round(base*multiplier)) + score/100, nil
}
