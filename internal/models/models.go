// Package models provides data model definitions for the offline data layer.
package models

import "encoding/json"

// Operation is the kind of write a mutation performs against a collection.
type Operation string

const (
	OpInsert Operation = "insert"
	OpUpdate Operation = "update"
	OpDelete Operation = "delete"
)

// Valid reports whether the operation is one of the known kinds.
func (o Operation) Valid() bool {
	switch o {
	case OpInsert, OpUpdate, OpDelete:
		return true
	}
	return false
}

// MutationStatus is the delivery state of a queued mutation.
type MutationStatus string

const (
	StatusPending  MutationStatus = "pending"
	StatusInFlight MutationStatus = "in_flight"
	StatusFailed   MutationStatus = "failed"
)

// CacheEntry is the last known-good result of a logical query.
// Staleness is advisory: a stale entry keeps serving its data until a
// refetch replaces it.
type CacheEntry struct {
	Key       string          `db:"key" json:"key"`
	Data      json.RawMessage `db:"data" json:"data"`
	FetchedAt int64           `db:"fetched_at" json:"fetched_at"`
	Stale     bool            `db:"stale" json:"stale"`
}

// QueuedMutation is a write that could not be delivered when issued and is
// persisted for replay. Mutations for a given match key must apply in
// creation order; IDs are time-ordered so the persisted queue sorts FIFO.
type QueuedMutation struct {
	ID                string          `db:"id" json:"id"`
	Table             string          `db:"table_name" json:"table"`
	Operation         Operation       `db:"operation" json:"operation"`
	Payload           json.RawMessage `db:"payload" json:"payload,omitempty"`
	MatchKey          string          `db:"match_key" json:"match_key,omitempty"`
	AffectedCacheKeys []string        `db:"affected_cache_keys" json:"affected_cache_keys,omitempty"`
	Status            MutationStatus  `db:"status" json:"status"`
	Attempts          int             `db:"attempts" json:"attempts"`
	LastError         string          `db:"last_error" json:"last_error,omitempty"`
	CreatedAt         int64           `db:"created_at" json:"created_at"`
}

// Clone returns a deep copy so queue snapshots handed to readers cannot be
// mutated behind the queue's back.
func (m QueuedMutation) Clone() QueuedMutation {
	out := m
	if m.Payload != nil {
		out.Payload = append(json.RawMessage(nil), m.Payload...)
	}
	if m.AffectedCacheKeys != nil {
		out.AffectedCacheKeys = append([]string(nil), m.AffectedCacheKeys...)
	}
	return out
}
