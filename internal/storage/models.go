package storage

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// DeadLetter is a change record that exhausted its embedding attempts.
type DeadLetter struct {
	ID           string
	EntityID     int64
	Operation    string
	SourceOffset string
	Payload      string // original change record as JSON
	Reason       string
	Attempts     int
	CreatedAt    time.Time
}

type SentimentRecord struct {
	ID          string
	ContextID   string
	Country     string
	WindowStart int64
	WindowEnd   int64
	Severity    string
	Themes      string // JSON array stored as text
	Summary     string
	CreatedAt   time.Time
}
