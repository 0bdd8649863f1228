package types

import "time"

// OpStatus is the outcome of one per-backend attempt.
type OpStatus string

const (
	OpPending OpStatus = "pending"
	OpSuccess OpStatus = "success"
	OpFailed  OpStatus = "failed"
)

// StorageOperation records one per-backend attempt in the engine's
// operations log. Data holds the projected (sensitive-masked) document the
// operation carried; raw sensitive values never enter the log.
type StorageOperation struct {
	StorageName string         `json:"storage_name"`
	Operation   string         `json:"operation"`
	Data        map[string]any `json:"data,omitempty"`
	Status      OpStatus       `json:"status"`
	Error       string         `json:"error,omitempty"`
	Result      any            `json:"result,omitempty"`
	At          time.Time      `json:"at"`
}
