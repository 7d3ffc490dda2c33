package domain

import "time"

// Subscription is one session's interest in a connection's change stream
// (spec.md §3 "a session may subscribe to many connections").
type Subscription struct {
	Session      string    `json:"session"`
	ConnectionID string    `json:"connection_id"`
	SubscribedAt time.Time `json:"subscribed_at"`
}

// DiscoverySummary is the payload of a "schema:discovered" event — the
// cheap subset of a DatabaseSchema worth pushing to every subscriber
// without re-sending the full object list.
type DiscoverySummary struct {
	ConnectionID string        `json:"connection_id"`
	VersionHash  string        `json:"version_hash"`
	Counts       ObjectCounts  `json:"counts"`
	Duration     time.Duration `json:"duration"`
}
