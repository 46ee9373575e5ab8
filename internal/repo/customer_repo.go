// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides repository functions for the Customer
// model. The engine only reads destinations from this table; full customer
// management belongs to the dashboard.
package repo

import (
	"context"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/lifecyclehq/go-journey-backend/internal/domain"
)

// GetCustomer fetches a customer by ID, or ErrNotFound.
func GetCustomer(ctx context.Context, db *gorm.DB, id string) (*domain.Customer, error) {
	var c domain.Customer
	if err := db.WithContext(ctx).Where("id = ?", id).First(&c).Error; err != nil {
		return nil, err
	}
	return &c, nil
}

// UpsertCustomer inserts or replaces the destinations for a customer.
func UpsertCustomer(ctx context.Context, db *gorm.DB, c *domain.Customer) error {
	c.UpdatedAt = time.Now().UTC()
	return db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "id"}},
			DoUpdates: clause.AssignmentColumns([]string{"email", "phone", "updated_at"}),
		}).
		Create(c).Error
}
