// Package vault is the local store of real ↔ fake mappings and the audit
// log. Real values never leave it except through explicit lookups.
package vault

import (
	"errors"
	"time"
)

var (
	// ErrNotFound is returned by point lookups that match no row.
	ErrNotFound = errors.New("vault: not found")
	// ErrEmptySession is returned when a write names no session.
	ErrEmptySession = errors.New("vault: empty session id")
)

// EventType classifies an audit log entry.
type EventType string

const (
	EventIntercept    EventType = "INTERCEPT"
	EventRestore      EventType = "RESTORE"
	EventReveal       EventType = "REVEAL"
	EventRehydrate    EventType = "REHYDRATE"
	EventStoreFailure EventType = "STORE_FAILURE"
)

// Entry is one real → fake pair to be stored for a session.
type Entry struct {
	Real string
	Fake string
	Kind string
}

// Mapping is a stored pair. RealValue is only filled by lookups that are
// allowed to return it and is never serialized.
type Mapping struct {
	ID        int64     `json:"id"`
	SessionID string    `json:"session_id"`
	RealValue string    `json:"-"`
	FakeValue string    `json:"fake_val"`
	Kind      string    `json:"type"`
	CreatedAt time.Time `json:"created_at"`
}

// LogEvent is one audit log entry.
type LogEvent struct {
	ID        int64     `json:"id"`
	EventType EventType `json:"event_type"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// Stats is derived entirely from stored rows.
type Stats struct {
	ThreatsNeutralized int            `json:"threats_neutralized"`
	PIIMasked          int            `json:"pii_masked"`
	Sessions           int            `json:"sessions"`
	Events             map[string]int `json:"events"`
	ByKind             map[string]int `json:"by_kind"`
}
