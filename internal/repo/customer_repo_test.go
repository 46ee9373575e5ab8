package repo

import (
	"context"
	"errors"
	"testing"

	"github.com/lifecyclehq/go-journey-backend/internal/domain"
)

func TestGetCustomer_NotFound(t *testing.T) {
	db := newJourneyRepoDB(t, &domain.Customer{})
	if _, err := GetCustomer(context.Background(), db, "ghost"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestUpsertCustomer_InsertThenUpdate(t *testing.T) {
	db := newJourneyRepoDB(t, &domain.Customer{})
	ctx := context.Background()

	if err := UpsertCustomer(ctx, db, &domain.Customer{ID: "c1", Email: "a@example.com"}); err != nil {
		t.Fatalf("insert: %v", err)
	}
	got, err := GetCustomer(ctx, db, "c1")
	if err != nil {
		t.Fatalf("get after insert: %v", err)
	}
	if got.Email != "a@example.com" || got.Phone != "" {
		t.Fatalf("inserted row: %+v", got)
	}

	// Upsert replaces both destinations, including clearing one.
	if err := UpsertCustomer(ctx, db, &domain.Customer{ID: "c1", Email: "", Phone: "+15550100"}); err != nil {
		t.Fatalf("update: %v", err)
	}
	got, err = GetCustomer(ctx, db, "c1")
	if err != nil {
		t.Fatalf("get after update: %v", err)
	}
	if got.Email != "" || got.Phone != "+15550100" {
		t.Fatalf("updated row: %+v", got)
	}

	var n int64
	if err := db.Model(&domain.Customer{}).Count(&n).Error; err != nil || n != 1 {
		t.Fatalf("expected single row, n=%d err=%v", n, err)
	}
}
