package repo

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite" // pure-Go SQLite
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/lifecyclehq/go-journey-backend/internal/domain"
)

func newJourneyRepoDB(t *testing.T, migrate ...any) *gorm.DB {
	t.Helper()

	dsn := filepath.Join(t.TempDir(), fmt.Sprintf("journey_repo_test_%d.db", time.Now().UnixNano()))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}

	// Ensure the file handle is released before TempDir cleanup (Windows needs this).
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})

	if len(migrate) > 0 {
		if err := db.AutoMigrate(migrate...); err != nil {
			t.Fatalf("automigrate: %v", err)
		}
	}
	return db
}

func TestGetOrCreateJourneyState_Error_NoTable(t *testing.T) {
	db := newJourneyRepoDB(t /* no migrations */)
	st, err := GetOrCreateJourneyState(context.Background(), db, "c1", "op1")
	if err == nil || st != nil {
		t.Fatalf("expected error without table, got st=%v err=%v", st, err)
	}
}

func TestGetOrCreateJourneyState_CreatesWithDefaults(t *testing.T) {
	db := newJourneyRepoDB(t, &domain.JourneyState{})

	start := time.Now().UTC().Add(-time.Minute)
	st, err := GetOrCreateJourneyState(context.Background(), db, "c1", "op1")
	if err != nil {
		t.Fatalf("GetOrCreateJourneyState: %v", err)
	}
	if st.ID == "" || st.CustomerID != "c1" || st.OperatorID != "op1" {
		t.Fatalf("unexpected identity fields: %+v", st)
	}
	if st.Stage != domain.StageUnregistered {
		t.Fatalf("initial stage = %d, want %d", st.Stage, domain.StageUnregistered)
	}
	if st.CurrentJourney != domain.JourneyAcquisition {
		t.Fatalf("initial journey = %q", st.CurrentJourney)
	}
	if st.JourneyStartedAt.Before(start) {
		t.Fatalf("JourneyStartedAt seems unset: %v", st.JourneyStartedAt)
	}
}

func TestGetOrCreateJourneyState_ConvergesOnOneRow(t *testing.T) {
	db := newJourneyRepoDB(t, &domain.JourneyState{})

	first, err := GetOrCreateJourneyState(context.Background(), db, "c1", "op1")
	if err != nil {
		t.Fatalf("first create: %v", err)
	}
	// A second creator for the same pair must land on the same row, not a
	// duplicate journey.
	second, err := GetOrCreateJourneyState(context.Background(), db, "c1", "op1")
	if err != nil {
		t.Fatalf("second create: %v", err)
	}
	if first.ID != second.ID {
		t.Fatalf("expected one row, got %s and %s", first.ID, second.ID)
	}

	var n int64
	if err := db.Model(&domain.JourneyState{}).Count(&n).Error; err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 state row, got %d", n)
	}

	// A different operator is a separate relationship.
	other, err := GetOrCreateJourneyState(context.Background(), db, "c1", "op2")
	if err != nil {
		t.Fatalf("other operator: %v", err)
	}
	if other.ID == first.ID {
		t.Fatalf("expected distinct state per operator")
	}
}

func TestGetJourneyState_NotFound(t *testing.T) {
	db := newJourneyRepoDB(t, &domain.JourneyState{})
	if _, err := GetJourneyState(context.Background(), db, "nope", "op"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if _, err := GetJourneyStateByID(context.Background(), db, "nope"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound by id, got %v", err)
	}
}

func TestSaveJourneyState_InsideTransaction(t *testing.T) {
	db := newJourneyRepoDB(t, &domain.JourneyState{})
	ctx := context.Background()

	if _, err := GetOrCreateJourneyState(ctx, db, "c1", "op1"); err != nil {
		t.Fatalf("create: %v", err)
	}

	err := db.Transaction(func(tx *gorm.DB) error {
		st, err := GetJourneyStateForUpdate(ctx, tx, "c1", "op1")
		if err != nil {
			return err
		}
		st.Stage = 2
		st.CurrentJourney = domain.JourneyRetention
		return SaveJourneyState(ctx, tx, st)
	})
	if err != nil {
		t.Fatalf("transaction: %v", err)
	}

	got, err := GetJourneyState(ctx, db, "c1", "op1")
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if got.Stage != 2 || got.CurrentJourney != domain.JourneyRetention {
		t.Fatalf("save lost fields: %+v", got)
	}
}

func TestIncrementSendCounter_AtomicPerChannel(t *testing.T) {
	db := newJourneyRepoDB(t, &domain.JourneyState{})
	ctx := context.Background()

	st, err := GetOrCreateJourneyState(ctx, db, "c1", "op1")
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	at := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	if err := IncrementSendCounter(ctx, db, st.ID, domain.ChannelEmail, at); err != nil {
		t.Fatalf("first email increment: %v", err)
	}
	if err := IncrementSendCounter(ctx, db, st.ID, domain.ChannelEmail, at.Add(time.Hour)); err != nil {
		t.Fatalf("second email increment: %v", err)
	}
	if err := IncrementSendCounter(ctx, db, st.ID, domain.ChannelSMS, at); err != nil {
		t.Fatalf("sms increment: %v", err)
	}

	got, err := GetJourneyStateByID(ctx, db, st.ID)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if got.EmailCount != 2 || got.SmsCount != 1 {
		t.Fatalf("counters: email=%d sms=%d", got.EmailCount, got.SmsCount)
	}
	if got.LastEmailAt == nil || got.LastSmsAt == nil {
		t.Fatalf("timestamps not stamped: %+v", got)
	}
}

func TestIncrementSendCounter_UnknownStateAndChannel(t *testing.T) {
	db := newJourneyRepoDB(t, &domain.JourneyState{})
	ctx := context.Background()

	if err := IncrementSendCounter(ctx, db, "missing", domain.ChannelEmail, time.Now()); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for missing state, got %v", err)
	}
	if err := IncrementSendCounter(ctx, db, "any", domain.Channel("FAX"), time.Now()); err == nil {
		t.Fatalf("expected error for unknown channel")
	}
}

func TestSetUnsubscribeFlags_WriteOnceTrue(t *testing.T) {
	db := newJourneyRepoDB(t, &domain.JourneyState{})
	ctx := context.Background()

	st, err := GetOrCreateJourneyState(ctx, db, "c1", "op1")
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	if err := SetUnsubscribeFlags(ctx, db, st.ID, true, false, false); err != nil {
		t.Fatalf("set email flag: %v", err)
	}
	// Repeat plus a second flag: the first stays set.
	if err := SetUnsubscribeFlags(ctx, db, st.ID, true, true, false); err != nil {
		t.Fatalf("set both flags: %v", err)
	}
	// No flags requested is a no-op, not an error.
	if err := SetUnsubscribeFlags(ctx, db, st.ID, false, false, false); err != nil {
		t.Fatalf("noop: %v", err)
	}

	got, err := GetJourneyStateByID(ctx, db, st.ID)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if !got.UnsubEmail || !got.UnsubSms || got.UnsubGlobal {
		t.Fatalf("unexpected flags: %+v", got)
	}
}
