// Package services – Scheduler
//
// This file implements the scheduler, the single creation path for journey
// messages. Every schedule call is gated by the eligibility engine against
// the caller's current state snapshot. That check is deliberately evaluated
// at schedule time: a far-future step is judged against today's counters,
// which is conservative, and the dispatcher re-validates immediately before
// the actual send.
package services

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"

	"github.com/lifecyclehq/go-journey-backend/internal/domain"
	"github.com/lifecyclehq/go-journey-backend/internal/repo"
)

// IsNotEligible reports whether err is any eligibility denial, letting the
// template runner skip one step instead of aborting the whole template.
func IsNotEligible(err error) bool {
	return errors.Is(err, ErrNotEligible)
}

// ScheduleRequest describes one message to persist. Subject and Content must
// be fully rendered; nothing is templated at send time.
type ScheduleRequest struct {
	JourneyType  domain.JourneyType
	Channel      domain.Channel
	DayNumber    int
	StepNumber   int
	Kind         string
	Subject      string
	Content      string
	ScheduledFor time.Time
}

// Scheduler persists eligibility-checked journey messages.
type Scheduler struct {
	// DB is the GORM handle used for persistence.
	DB *gorm.DB
}

// Schedule validates req against the customer and the current state, then
// creates the message record in SCHEDULED status.
//
// Errors:
//   - ErrInvalidChannel when req.Channel is not EMAIL or SMS.
//   - ErrNoDestination when cust has no address for req.Channel; a message
//     without a destination is never persisted.
//   - An ErrNotEligible-wrapping denial when the eligibility engine refuses;
//     this is a distinguishable, skip-one-step error for the template
//     runner, not an abort.
//   - The underlying DB error for unexpected persistence failures.
func (s *Scheduler) Schedule(ctx context.Context, cust *domain.Customer, st *domain.JourneyState, req ScheduleRequest) (*domain.JourneyMessage, error) {
	if !req.Channel.Valid() {
		return nil, ErrInvalidChannel
	}
	if cust == nil || cust.DestinationFor(req.Channel) == "" {
		return nil, ErrNoDestination
	}

	if d := CanSend(st, req.Channel, time.Now().UTC()); !d.Allowed {
		return nil, d.Err()
	}

	m := &domain.JourneyMessage{
		JourneyStateID: st.ID,
		Channel:        req.Channel,
		JourneyType:    req.JourneyType,
		DayNumber:      req.DayNumber,
		StepNumber:     req.StepNumber,
		MessageKind:    req.Kind,
		ScheduledFor:   req.ScheduledFor.UTC(),
		Subject:        req.Subject,
		Content:        req.Content,
	}
	if err := repo.CreateJourneyMessage(ctx, s.DB, m); err != nil {
		return nil, err
	}
	return m, nil
}
