// Package recovery holds the last known state of each player so a session can
// be rebuilt after an ungraceful disconnect or a process restart.
package recovery

import (
	"context"
	"encoding/json"
	"time"
)

// Position is a point in zone coordinates.
type Position struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
}

// Action is a server-side action queued for a player while their session has
// no live connection.
type Action struct {
	ID         string          `json:"id"`
	Type       string          `json:"type"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	EnqueuedAt time.Time       `json:"enqueued_at"`
}

// State is the part of a session worth restoring.
type State struct {
	Zone          string   `json:"zone"`
	Position      Position `json:"position"`
	ClientVersion string   `json:"client_version"`
}

// Record is the durable snapshot of a player's session, keyed by PlayerID.
type Record struct {
	SessionID      string    `json:"session_id"`
	PlayerID       string    `json:"player_id"`
	LastKnownState State     `json:"last_known_state"`
	PendingChanges []Action  `json:"pending_changes"`
	Timestamp      time.Time `json:"timestamp"`
}

// Clone returns a deep copy of r.
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	out := *r
	if r.PendingChanges != nil {
		out.PendingChanges = make([]Action, len(r.PendingChanges))
		copy(out.PendingChanges, r.PendingChanges)
	}
	return &out
}

// Store persists recovery records. Implementations must be safe for
// concurrent use, including from several gateway replicas when the backing
// storage is shared.
type Store interface {
	// Persist upserts the record for r.PlayerID. The latest write wins.
	Persist(ctx context.Context, r *Record) error
	// Load returns the record for playerID, or nil when there is none.
	// Loading never removes the record.
	Load(ctx context.Context, playerID string) (*Record, error)
	// DeleteOlderThan removes records whose Timestamp is before cutoff and
	// reports how many were removed.
	DeleteOlderThan(ctx context.Context, cutoff time.Time) (int, error)
}
