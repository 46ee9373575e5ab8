// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides the read-only aggregate query that backs
// the dashboard stats endpoint. Each function is context-aware and safe to
// call from services or handlers.
package repo

import (
	"context"

	"gorm.io/gorm"

	"github.com/lifecyclehq/go-journey-backend/internal/domain"
)

// StageBucket is one row of the stage distribution.
type StageBucket struct {
	Stage int   `json:"stage"`
	Count int64 `json:"count"`
}

// MessageBucket is one row of the message breakdown.
type MessageBucket struct {
	Status  domain.MessageStatus `json:"status"`
	Channel domain.Channel       `json:"channel"`
	Count   int64                `json:"count"`
}

// JourneyStats is the aggregate shape consumed by dashboards.
type JourneyStats struct {
	TotalJourneys     int64           `json:"total_journeys"`
	ActiveJourneys    int64           `json:"active_journeys"`
	StageDistribution []StageBucket   `json:"stage_distribution"`
	MessageStats      []MessageBucket `json:"message_stats"`
}

// GetJourneyStats returns journey and message aggregates, optionally scoped
// to a single operator (empty operatorID = all operators).
//
// "Active" means the journey has not been stopped. Message buckets are
// grouped by (status, channel) and scoped through the owning state when an
// operator filter is present.
func GetJourneyStats(ctx context.Context, db *gorm.DB, operatorID string) (*JourneyStats, error) {
	stats := &JourneyStats{
		StageDistribution: []StageBucket{},
		MessageStats:      []MessageBucket{},
	}

	states := db.WithContext(ctx).Model(&domain.JourneyState{})
	if operatorID != "" {
		states = states.Where("operator_id = ?", operatorID)
	}

	if err := states.Session(&gorm.Session{}).Count(&stats.TotalJourneys).Error; err != nil {
		return nil, err
	}
	if err := states.Session(&gorm.Session{}).
		Where("current_journey <> ?", domain.JourneyStopped).
		Count(&stats.ActiveJourneys).Error; err != nil {
		return nil, err
	}
	if err := states.Session(&gorm.Session{}).
		Select("stage, COUNT(*) AS count").
		Group("stage").
		Order("stage ASC").
		Scan(&stats.StageDistribution).Error; err != nil {
		return nil, err
	}

	msgs := db.WithContext(ctx).Model(&domain.JourneyMessage{})
	if operatorID != "" {
		msgs = msgs.
			Joins("JOIN journey_states ON journey_states.id = journey_messages.journey_state_id").
			Where("journey_states.operator_id = ?", operatorID)
	}
	if err := msgs.
		Select("journey_messages.status AS status, journey_messages.channel AS channel, COUNT(*) AS count").
		Group("journey_messages.status, journey_messages.channel").
		Order("journey_messages.status ASC, journey_messages.channel ASC").
		Scan(&stats.MessageStats).Error; err != nil {
		return nil, err
	}

	return stats, nil
}
