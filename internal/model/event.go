// internal/model/event.go
package model

import (
	"time"

	json "github.com/goccy/go-json"
)

// Level is the severity a client attaches to an event.
type Level string

const (
	LevelDebug Level = "debug"
	LevelInfo  Level = "info"
	LevelWarn  Level = "warn"
	LevelError Level = "error"
)

// Valid reports whether l is one of the four wire levels.
func (l Level) Valid() bool {
	switch l {
	case LevelDebug, LevelInfo, LevelWarn, LevelError:
		return true
	}
	return false
}

// IncomingEvent
// ------------------------------------------------------------
// A single event as a client sends it. RunID / DeviceID / Seq are
// optional; App and Context are optional JSON objects.
type IncomingEvent struct {
	TS       Time            `json:"ts"`
	Level    Level           `json:"level"`
	Event    string          `json:"event"`
	RunID    *string         `json:"run_id,omitempty"`
	DeviceID *string         `json:"device_id,omitempty"`
	Seq      *int64          `json:"seq,omitempty"`
	Payload  json.RawMessage `json:"payload"`
	App      json.RawMessage `json:"app,omitempty"`
	Context  json.RawMessage `json:"context,omitempty"`
}

// IngestBatch carries batch-level id defaults plus the ordered events.
// A bare event on the wire is wrapped into a batch of one.
type IngestBatch struct {
	RunID    *string         `json:"run_id,omitempty"`
	DeviceID *string         `json:"device_id,omitempty"`
	Events   []IncomingEvent `json:"events"`
}

// StoredEvent
// ------------------------------------------------------------
// The only form ever persisted: one JSON line in
// <root>/<run_id>/<device_id>.ndjson. RunID and DeviceID are always
// resolved (non-empty) once written by the store.
//
// Fields are declared in key order so encoded lines keep the sorted-key
// layout of existing log files.
type StoredEvent struct {
	App      json.RawMessage `json:"app,omitempty"`
	Context  json.RawMessage `json:"context,omitempty"`
	DeviceID string          `json:"device_id"`
	Event    string          `json:"event"`
	ID       string          `json:"id"`
	Level    Level           `json:"level"`
	Payload  json.RawMessage `json:"payload"`
	RecvTS   Time            `json:"recv_ts"`
	RunID    string          `json:"run_id"`
	Seq      *int64          `json:"seq,omitempty"`
	TS       Time            `json:"ts"`
}

// Receipt is the ingest response body.
type Receipt struct {
	OK       bool   `json:"ok"`
	Stored   int    `json:"stored"`
	RunID    string `json:"run_id"`
	DeviceID string `json:"device_id"`
}

type RunSummary struct {
	RunID       string `json:"run_id"`
	CreatedAt   Time   `json:"created_at"`
	UpdatedAt   Time   `json:"updated_at"`
	DeviceCount int    `json:"device_count"`
	EventCount  int    `json:"event_count"`
	ErrorCount  int    `json:"error_count"`
}

type DeviceSummary struct {
	DeviceID   string `json:"device_id"`
	LastSeenAt Time   `json:"last_seen_at"`
	EventCount int    `json:"event_count"`
}

// HealthResponse is the GET /healthz body.
type HealthResponse struct {
	OK      bool    `json:"ok"`
	Version string  `json:"version"`
	UptimeS float64 `json:"uptime_s"`
}

// ErrorResponse is the body of every non-2xx JSON response.
type ErrorResponse struct {
	OK      bool   `json:"ok"`
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

// ServerState is the lifecycle controller state.
type ServerState string

const (
	StateStopped ServerState = "stopped"
	StateRunning ServerState = "running"
)

// ServerStatus is a snapshot of the lifecycle controller.
type ServerStatus struct {
	State     ServerState `json:"state"`
	Port      int         `json:"port,omitempty"`
	StartedAt *time.Time  `json:"started_at,omitempty"`
}

func (s ServerStatus) Running() bool { return s.State == StateRunning }
