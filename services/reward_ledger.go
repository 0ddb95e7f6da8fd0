package services

import (
	"context"
	"time"

	"tournament-engine/config"
	"tournament-engine/metrics"
	"tournament-engine/models"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// grantRecorder writes grant attempts to the reward ledger. Ledger failures are
// logged only; the grant itself already happened or failed.
type grantRecorder struct {
	ledger  RewardLedger
	metrics *metrics.Collection
	now     Clock
}

func (r grantRecorder) record(ctx context.Context, g models.RewardGrant, grantErr error) {
	g.ID = uuid.NewString()
	g.CreatedAt = r.now()
	g.Status = models.RewardStatusGranted
	if grantErr != nil {
		g.Status = models.RewardStatusFailed
		g.Error = grantErr.Error()
		r.metrics.BestEffortFailure(string(g.Source) + "_" + string(g.Type))
	}
	if err := r.ledger.RecordGrant(ctx, &g); err != nil {
		logrus.WithError(err).WithFields(logrus.Fields{
			"player_id": g.PlayerID,
			"type":      g.Type,
			"status":    g.Status,
		}).Error("failed to write reward ledger")
	}
}

func details(v interface{}) string {
	raw, err := json.Marshal(v)
	if err != nil {
		return "{}"
	}
	return string(raw)
}

// PromotionRewards grants a band's promotion reward and records each component.
type PromotionRewards struct {
	rewarder PromotionRewarder
	recorder grantRecorder
}

func NewPromotionRewards(rewarder PromotionRewarder, ledger RewardLedger, m *metrics.Collection, now Clock) *PromotionRewards {
	if now == nil {
		now = time.Now
	}
	return &PromotionRewards{
		rewarder: rewarder,
		recorder: grantRecorder{ledger: ledger, metrics: m, now: now},
	}
}

// Award never returns the collaborator's error: the outcome lands in the ledger.
func (p *PromotionRewards) Award(ctx context.Context, playerID, gameType string, band config.SegmentBand) {
	reward := band.PromotionReward
	if reward.IsEmpty() {
		return
	}
	err := p.rewarder.GrantPromotionReward(ctx, playerID, gameType, band)
	if err != nil {
		logrus.WithError(err).WithFields(logrus.Fields{
			"player_id": playerID,
			"segment":   band.Name,
		}).Warn("[Segment] promotion reward failed")
	} else {
		logrus.WithFields(logrus.Fields{
			"player_id": playerID,
			"game_type": gameType,
			"segment":   band.Name,
		}).Info("[Segment] promotion reward granted")
	}

	base := models.RewardGrant{
		PlayerID: playerID,
		GameType: gameType,
		Source:   models.RewardSourcePromotion,
	}
	segment := map[string]interface{}{"segment": band.Name}
	if reward.Coins > 0 {
		g := base
		g.Type, g.Amount, g.Details = models.RewardTypeCoins, reward.Coins, details(segment)
		p.recorder.record(ctx, g, err)
	}
	if reward.SeasonPoints > 0 {
		g := base
		g.Type, g.Amount, g.Details = models.RewardTypeSeasonPoints, reward.SeasonPoints, details(segment)
		p.recorder.record(ctx, g, err)
	}
	if len(reward.Tickets) > 0 {
		var n int64
		for _, t := range reward.Tickets {
			n += int64(t.Quantity)
		}
		g := base
		g.Type, g.Amount = models.RewardTypeTickets, n
		g.Details = details(map[string]interface{}{"segment": band.Name, "tickets": reward.Tickets})
		p.recorder.record(ctx, g, err)
	}
	if len(reward.Props) > 0 {
		var n int64
		for _, pr := range reward.Props {
			n += int64(pr.Quantity)
		}
		g := base
		g.Type, g.Amount = models.RewardTypeProps, n
		g.Details = details(map[string]interface{}{"segment": band.Name, "props": reward.Props})
		p.recorder.record(ctx, g, err)
	}
}
