// Package models provides data model definitions for the companion core.
package models

import (
	"encoding/json"
	"time"
)

// Operation is the kind of mutation a pending change carries.
type Operation string

const (
	OperationInsert Operation = "insert"
	OperationUpdate Operation = "update"
	OperationDelete Operation = "delete"
)

// Valid reports whether op is a known operation.
func (op Operation) Valid() bool {
	switch op {
	case OperationInsert, OperationUpdate, OperationDelete:
		return true
	}
	return false
}

// ChangeStatus is the lifecycle state of a pending change.
type ChangeStatus string

const (
	ChangeQueued   ChangeStatus = "queued"
	ChangeInFlight ChangeStatus = "in_flight"
	ChangeFailed   ChangeStatus = "failed"
)

// PendingChange is a locally recorded mutation awaiting remote application.
// It is the only entity persisted durably on the device.
type PendingChange struct {
	ID             int64           `db:"id" json:"id"`
	TableName      string          `db:"table_name" json:"table_name"`
	Operation      Operation       `db:"operation" json:"operation"`
	Payload        json.RawMessage `db:"payload" json:"payload"`
	IdempotencyKey string          `db:"idempotency_key" json:"idempotency_key"`
	Status         ChangeStatus    `db:"status" json:"status"`
	Attempts       int             `db:"attempts" json:"attempts"`
	CreatedAt      int64           `db:"created_at" json:"created_at"`
	LastAttemptAt  int64           `db:"last_attempt_at" json:"last_attempt_at,omitempty"`
	LastError      string          `db:"last_error" json:"last_error,omitempty"`
}

// CreatedAtTime returns CreatedAt as time.Time.
func (c *PendingChange) CreatedAtTime() time.Time {
	return time.UnixMilli(c.CreatedAt)
}

// Row decodes the payload into a generic column map.
func (c *PendingChange) Row() (map[string]interface{}, error) {
	row := make(map[string]interface{})
	if len(c.Payload) == 0 {
		return row, nil
	}
	if err := json.Unmarshal(c.Payload, &row); err != nil {
		return nil, err
	}
	if row == nil {
		row = make(map[string]interface{})
	}
	return row, nil
}

// CacheEntry is a cached query result.
type CacheEntry struct {
	Key       string          `db:"key" json:"key"`
	Data      json.RawMessage `db:"data" json:"data"`
	UpdatedAt int64           `db:"updated_at" json:"updated_at"`
	ExpiresAt int64           `db:"expires_at" json:"expires_at"`
}

// Expired reports whether the entry is past its expiry at now.
func (e *CacheEntry) Expired(now time.Time) bool {
	return e.ExpiresAt > 0 && now.UnixMilli() > e.ExpiresAt
}
