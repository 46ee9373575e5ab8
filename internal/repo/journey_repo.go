// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides repository functions for the
// JourneyState model.
//
// All functions are context-aware and accept a *gorm.DB handle, making them
// safe for use within transactions or connection-scoped operations.
// They follow the "thin repository" approach: no business logic, only CRUD
// persistence and query composition.
//
// Error semantics:
//   - When a state is not found, functions return gorm.ErrRecordNotFound
//     (also exported here as ErrNotFound for convenience).
//   - On DB errors (constraint violations, connectivity issues, etc.),
//     the raw gorm error is propagated.
package repo

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/lifecyclehq/go-journey-backend/internal/domain"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = gorm.ErrRecordNotFound

// GetOrCreateJourneyState returns the JourneyState for (customerID,
// operatorID), creating it when absent. This is the only creation path for
// journey states.
//
// Creation uses INSERT ... ON CONFLICT DO NOTHING against the unique
// (customer_id, operator_id) index followed by a re-fetch, so concurrent
// creators for the same pair converge on a single row instead of producing
// duplicate journeys that would double-send.
//
// New states start at stage -1 (unregistered) in the acquisition journey with
// journey_started_at = now.
func GetOrCreateJourneyState(ctx context.Context, db *gorm.DB, customerID, operatorID string) (*domain.JourneyState, error) {
	st := &domain.JourneyState{
		ID:               uuid.NewString(),
		CustomerID:       customerID,
		OperatorID:       operatorID,
		Stage:            domain.StageUnregistered,
		CurrentJourney:   domain.JourneyAcquisition,
		JourneyStartedAt: time.Now().UTC(),
	}
	err := db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "customer_id"}, {Name: "operator_id"}},
			DoNothing: true,
		}).
		Create(st).Error
	if err != nil {
		return nil, err
	}
	// Re-fetch: either our insert or the row a concurrent creator won with.
	return GetJourneyState(ctx, db, customerID, operatorID)
}

// GetJourneyState fetches the state for (customerID, operatorID), or
// ErrNotFound if missing.
func GetJourneyState(ctx context.Context, db *gorm.DB, customerID, operatorID string) (*domain.JourneyState, error) {
	var st domain.JourneyState
	err := db.WithContext(ctx).
		Where("customer_id = ? AND operator_id = ?", customerID, operatorID).
		First(&st).Error
	if err != nil {
		return nil, err
	}
	return &st, nil
}

// GetJourneyStateByID fetches a state by primary key, or ErrNotFound.
func GetJourneyStateByID(ctx context.Context, db *gorm.DB, id string) (*domain.JourneyState, error) {
	var st domain.JourneyState
	if err := db.WithContext(ctx).Where("id = ?", id).First(&st).Error; err != nil {
		return nil, err
	}
	return &st, nil
}

// GetJourneyStateForUpdate fetches the state for (customerID, operatorID)
// with a row-level write lock, or ErrNotFound. Callers must hold an open
// transaction; on SQLite the lock clause is a no-op because the transaction
// itself serializes writers, but the intent carries to server databases.
func GetJourneyStateForUpdate(ctx context.Context, tx *gorm.DB, customerID, operatorID string) (*domain.JourneyState, error) {
	var st domain.JourneyState
	err := tx.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("customer_id = ? AND operator_id = ?", customerID, operatorID).
		First(&st).Error
	if err != nil {
		return nil, err
	}
	return &st, nil
}

// SaveJourneyState persists all fields of st. Intended for use inside the
// transaction that loaded st via GetJourneyStateForUpdate.
func SaveJourneyState(ctx context.Context, tx *gorm.DB, st *domain.JourneyState) error {
	return tx.WithContext(ctx).Save(st).Error
}

// IncrementSendCounter atomically bumps the per-channel send counter and
// last-send timestamp for stateID with a single SQL expression
// (count = count + 1). The increment never goes through application memory,
// so concurrent dispatcher workers cannot lose updates.
func IncrementSendCounter(ctx context.Context, db *gorm.DB, stateID string, ch domain.Channel, at time.Time) error {
	cols := map[string]any{}
	switch ch {
	case domain.ChannelEmail:
		cols["email_count"] = gorm.Expr("email_count + 1")
		cols["last_email_at"] = at
	case domain.ChannelSMS:
		cols["sms_count"] = gorm.Expr("sms_count + 1")
		cols["last_sms_at"] = at
	default:
		return errors.New("unknown channel")
	}
	res := db.WithContext(ctx).
		Model(&domain.JourneyState{}).
		Where("id = ?", stateID).
		Updates(cols)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// SetUnsubscribeFlags sets the given opt-out flags to true for stateID.
// Flags are write-once-true: already-set flags stay set, so repeated calls
// are idempotent.
func SetUnsubscribeFlags(ctx context.Context, tx *gorm.DB, stateID string, email, sms, global bool) error {
	cols := map[string]any{}
	if email {
		cols["unsub_email"] = true
	}
	if sms {
		cols["unsub_sms"] = true
	}
	if global {
		cols["unsub_global"] = true
	}
	if len(cols) == 0 {
		return nil
	}
	return tx.WithContext(ctx).
		Model(&domain.JourneyState{}).
		Where("id = ?", stateID).
		Updates(cols).Error
}
