package eventbus

import "time"

// EventType identifies an event flowing through the bus.
type EventType string

const (
	// Entity mutation events, published by the CRUD engine after the
	// strategy commits.
	EventEntityCreated EventType = "entity.created"
	EventEntityUpdated EventType = "entity.updated"
	EventEntityDeleted EventType = "entity.deleted"

	// Background replication outcomes, published by the eventual strategy.
	EventReplicated        EventType = "replication.completed"
	EventReplicationFailed EventType = "replication.failed"
)

// Event is one mutation notice. Fields carries the projected document:
// sensitive values are masked before the event is built, so handlers may
// forward it anywhere.
type Event struct {
	Type     EventType      `json:"type"`
	Model    string         `json:"model"`
	EntityID string         `json:"entity_id"`
	Binding  string         `json:"binding,omitempty"`
	Actor    string         `json:"actor,omitempty"`
	At       time.Time      `json:"at"`
	Fields   map[string]any `json:"fields,omitempty"`
	Err      string         `json:"error,omitempty"`
}
