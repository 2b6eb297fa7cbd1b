package stores

import (
	"context"
	"time"
)

// RunStatus represents the status of a provisioning transition
type RunStatus string

const (
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
)

// EventLevel represents the severity level of an event
type EventLevel string

const (
	EventLevelDebug   EventLevel = "debug"
	EventLevelInfo    EventLevel = "info"
	EventLevelWarning EventLevel = "warning"
	EventLevelError   EventLevel = "error"
)

// Run records one state machine transition against one entity
type Run struct {
	ID          string     `json:"id"`
	EntityID    string     `json:"entity_id"`
	Operation   string     `json:"operation"` // install, customize, launch, stop, exec-sql
	Status      RunStatus  `json:"status"`
	FromState   string     `json:"from_state"`
	ToState     string     `json:"to_state"`
	StartedAt   time.Time  `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	Error       *string    `json:"error,omitempty"`
	Metadata    string     `json:"metadata"` // JSON blob
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// Event is an append-only log line attached to a run
type Event struct {
	ID        int64      `json:"id"`
	RunID     string     `json:"run_id"`
	Level     EventLevel `json:"level"`
	Message   string     `json:"message"`
	Details   *string    `json:"details,omitempty"` // JSON blob
	Timestamp time.Time  `json:"timestamp"`
}

// Sensor is a value discovered or generated for an entity and kept across
// runs: resolved credentials, relocated paths, probed OS facts and the
// current lifecycle state.
type Sensor struct {
	EntityID  string    `json:"entity_id"`
	Key       string    `json:"key"`
	Value     string    `json:"value"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Store defines the interface for the persistence layer
type Store interface {
	// Lifecycle
	Init(ctx context.Context) error
	Close() error
	Migrate(ctx context.Context) error

	// Run operations
	CreateRun(ctx context.Context, run *Run) error
	GetRun(ctx context.Context, id string) (*Run, error)
	FinishRun(ctx context.Context, id string, status RunStatus, toState string, errMsg *string) error
	ListRuns(ctx context.Context, entityID *string, limit, offset int) ([]*Run, error)

	// Event operations
	AppendEvent(ctx context.Context, event *Event) error
	GetEvents(ctx context.Context, runID string) ([]*Event, error)

	// Sensor operations
	GetSensor(ctx context.Context, entityID, key string) (*Sensor, error)
	SetSensor(ctx context.Context, entityID, key, value string) error
	GetOrSetSensor(ctx context.Context, entityID, key, def string) (string, error)
	ListSensors(ctx context.Context, entityID string) ([]*Sensor, error)
	DeleteSensor(ctx context.Context, entityID, key string) error

	// Utility
	HealthCheck(ctx context.Context) error
}
