package storage

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// ErrConflict is returned when creating a record whose id already exists.
var ErrConflict = errors.New("already exists")

// Event is one persisted record mutation, consumed by the long-poll feed.
type Event struct {
	Seq        int64
	RecordType string
	RecordID   string
	Action     string
	CreatedAt  time.Time
}

// Subscription is a registered change-event subscription.
type Subscription struct {
	ID         string
	RecordType string
	Device     string
	CreatedAt  time.Time
}
