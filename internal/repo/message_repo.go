// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides repository functions for the
// JourneyMessage model, including the exclusive-claim protocol the dispatcher
// relies on.
package repo

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/lifecyclehq/go-journey-backend/internal/domain"
)

// nonTerminalStatuses are the statuses a cancellation sweep must cover.
var nonTerminalStatuses = []domain.MessageStatus{domain.StatusScheduled, domain.StatusSending}

// CreateJourneyMessage inserts a new message row in SCHEDULED state. The ID
// and CreatedAt are assigned here; all content fields must already be fully
// rendered by the caller.
func CreateJourneyMessage(ctx context.Context, db *gorm.DB, m *domain.JourneyMessage) error {
	m.ID = uuid.NewString()
	m.Status = domain.StatusScheduled
	m.CreatedAt = time.Now().UTC()
	return db.WithContext(ctx).Create(m).Error
}

// GetJourneyMessage fetches a message by ID, or ErrNotFound.
func GetJourneyMessage(ctx context.Context, db *gorm.DB, id string) (*domain.JourneyMessage, error) {
	var m domain.JourneyMessage
	if err := db.WithContext(ctx).Where("id = ?", id).First(&m).Error; err != nil {
		return nil, err
	}
	return &m, nil
}

// ListMessagesForState returns all messages owned by stateID ordered
// deterministically (ScheduledFor ASC, StepNumber ASC).
func ListMessagesForState(ctx context.Context, db *gorm.DB, stateID string) ([]domain.JourneyMessage, error) {
	var out []domain.JourneyMessage
	err := db.WithContext(ctx).
		Where("journey_state_id = ?", stateID).
		Order("scheduled_for ASC, step_number ASC").
		Find(&out).Error
	return out, err
}

// CountActiveMessages returns the number of non-terminal (SCHEDULED or
// SENDING) messages of the given journey type owned by stateID. Used as the
// duplicate-journey guard when starting a template.
func CountActiveMessages(ctx context.Context, db *gorm.DB, stateID string, jt domain.JourneyType) (int64, error) {
	var n int64
	err := db.WithContext(ctx).
		Model(&domain.JourneyMessage{}).
		Where("journey_state_id = ? AND journey_type = ? AND status IN ?", stateID, jt, nonTerminalStatuses).
		Count(&n).Error
	return n, err
}

// DueMessages returns up to limit messages that are SCHEDULED with
// scheduled_for <= now, ordered by scheduled_for ascending.
func DueMessages(ctx context.Context, db *gorm.DB, now time.Time, limit int) ([]domain.JourneyMessage, error) {
	var out []domain.JourneyMessage
	q := db.WithContext(ctx).
		Where("status = ? AND scheduled_for <= ?", domain.StatusScheduled, now).
		Order("scheduled_for ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	err := q.Find(&out).Error
	return out, err
}

// ClaimMessage attempts to move a message from SCHEDULED to SENDING. The
// compare-and-swap on status makes the claim exclusive: of any number of
// dispatcher workers racing for the same row, exactly one sees a non-zero
// RowsAffected and owns the send.
func ClaimMessage(ctx context.Context, db *gorm.DB, id string, now time.Time) (bool, error) {
	res := db.WithContext(ctx).
		Model(&domain.JourneyMessage{}).
		Where("id = ? AND status = ?", id, domain.StatusScheduled).
		Updates(map[string]any{
			"status":     domain.StatusSending,
			"claimed_at": now,
		})
	return res.RowsAffected > 0, res.Error
}

// MarkSent transitions a claimed (SENDING) message to SENT, recording the
// provider outcome. Returns ErrNotFound when the message is no longer in
// SENDING, which means the claim was lost to a lease expiry.
func MarkSent(ctx context.Context, tx *gorm.DB, id, providerID, providerName string, at time.Time) error {
	res := tx.WithContext(ctx).
		Model(&domain.JourneyMessage{}).
		Where("id = ? AND status = ?", id, domain.StatusSending).
		Updates(map[string]any{
			"status":        domain.StatusSent,
			"sent_at":       at,
			"provider_id":   providerID,
			"provider_name": providerName,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// MarkFailed transitions a claimed (SENDING) message to FAILED with the
// given error text.
func MarkFailed(ctx context.Context, db *gorm.DB, id, errMsg string) error {
	res := db.WithContext(ctx).
		Model(&domain.JourneyMessage{}).
		Where("id = ? AND status = ?", id, domain.StatusSending).
		Updates(map[string]any{
			"status":        domain.StatusFailed,
			"error_message": errMsg,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// CancelMessage transitions a single claimed (SENDING) message to CANCELLED.
// Used by the dispatcher when the pre-send eligibility re-check denies a
// message it already claimed.
func CancelMessage(ctx context.Context, db *gorm.DB, id, reason string) error {
	res := db.WithContext(ctx).
		Model(&domain.JourneyMessage{}).
		Where("id = ? AND status = ?", id, domain.StatusSending).
		Updates(map[string]any{
			"status":        domain.StatusCancelled,
			"error_message": reason,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// DeferMessage releases a claimed (SENDING) message back to SCHEDULED with a
// new earliest-attempt time. Used when the daily frequency window denies a
// send that will become valid once the window rolls over.
func DeferMessage(ctx context.Context, db *gorm.DB, id string, until time.Time) error {
	res := db.WithContext(ctx).
		Model(&domain.JourneyMessage{}).
		Where("id = ? AND status = ?", id, domain.StatusSending).
		Updates(map[string]any{
			"status":        domain.StatusScheduled,
			"scheduled_for": until,
			"claimed_at":    nil,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// CancelPendingForState transitions every non-terminal message owned by
// stateID to CANCELLED with the given reason, optionally restricted to a set
// of channels (no channels = all). Returns the number of rows cancelled.
//
// Run inside the same transaction as the stage or unsubscribe write so a
// message can be neither sent after the stop nor left SCHEDULED forever.
func CancelPendingForState(ctx context.Context, tx *gorm.DB, stateID, reason string, channels ...domain.Channel) (int64, error) {
	q := tx.WithContext(ctx).
		Model(&domain.JourneyMessage{}).
		Where("journey_state_id = ? AND status IN ?", stateID, nonTerminalStatuses)
	if len(channels) > 0 {
		q = q.Where("channel IN ?", channels)
	}
	res := q.Updates(map[string]any{
		"status":        domain.StatusCancelled,
		"error_message": reason,
	})
	return res.RowsAffected, res.Error
}

// RequeueStaleSending returns SENDING messages claimed before the cutoff to
// SCHEDULED. A worker that crashed mid-send holds its claim only until the
// lease cutoff; after that another pass may retry the message.
func RequeueStaleSending(ctx context.Context, db *gorm.DB, cutoff time.Time) (int64, error) {
	res := db.WithContext(ctx).
		Model(&domain.JourneyMessage{}).
		Where("status = ? AND claimed_at < ?", domain.StatusSending, cutoff).
		Updates(map[string]any{
			"status":     domain.StatusScheduled,
			"claimed_at": nil,
		})
	return res.RowsAffected, res.Error
}
