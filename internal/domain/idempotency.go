// Package domain defines the core persistence models for the application.
// These types are used by GORM for database schema mapping and are shared
// across the repository and service layers.
package domain

import "time"

// Idempotency represents a recorded result of a previously processed postback,
// keyed by (customer_id, operator_id, key). Operators retry registration and
// deposit postbacks aggressively; recording the first outcome lets repeats be
// replayed without re-executing side effects.
type Idempotency struct {
	ID         string    `gorm:"type:TEXT NOT NULL;primaryKey"`
	CustomerID string    `gorm:"type:TEXT NOT NULL;uniqueIndex:ux_customer_operator_key,priority:1"`
	OperatorID string    `gorm:"type:TEXT NOT NULL;uniqueIndex:ux_customer_operator_key,priority:2"`
	Key        string    `gorm:"type:TEXT NOT NULL;uniqueIndex:ux_customer_operator_key,priority:3"`
	EventType  string    `gorm:"type:TEXT NOT NULL"`
	Status     int       `gorm:"type:INTEGER NOT NULL"`
	CreatedAt  time.Time `gorm:"type:DATETIME NOT NULL;autoCreateTime"`
	ExpiresAt  time.Time `gorm:"type:DATETIME NOT NULL;index"`
}

// TableName implements the GORM tabler interface.
func (Idempotency) TableName() string { return "idempotency" }
