package domain

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/rs/zerolog"
)

// ErrInvalidTaskDefinition is returned by the registry for definitions that
// are missing required fields or carry an unparseable schedule.
var ErrInvalidTaskDefinition = errors.New("invalid task definition")

type ExecutionMode string

const (
	ModeInline   ExecutionMode = "inline"
	ModeIsolated ExecutionMode = "isolated"
)

type ExecutionStatus string

const (
	StatusRunning ExecutionStatus = "running"
	StatusSuccess ExecutionStatus = "success"
	StatusFailed  ExecutionStatus = "failed"
)

// Env is the capability set handed to a task handler: a task-scoped logger
// and read access to the shared database. Handlers must not hold onto it
// past the call.
type Env struct {
	Log zerolog.Logger
	DB  *sql.DB
}

// Handler is a task body. The payload is the definition's serialized options;
// handlers used with isolated execution must depend only on ctx, env, and
// payload (no closed-over connections), since the payload crosses a process
// boundary.
type Handler interface {
	Execute(ctx context.Context, env Env, payload json.RawMessage) (json.RawMessage, error)
}

// HandlerFunc adapts a plain function to Handler.
type HandlerFunc func(ctx context.Context, env Env, payload json.RawMessage) (json.RawMessage, error)

func (f HandlerFunc) Execute(ctx context.Context, env Env, payload json.RawMessage) (json.RawMessage, error) {
	return f(ctx, env, payload)
}

// TaskDefinition is immutable after registration.
type TaskDefinition struct {
	Name     string
	Schedule string // standard 5-field cron expression
	Handler  Handler
	Payload  json.RawMessage
	Mode     ExecutionMode
	Timeout  time.Duration
}

type Lock struct {
	TaskName   string    `json:"task_name"`
	HolderID   string    `json:"holder_id"`
	AcquiredAt time.Time `json:"acquired_at"`
	ExpiresAt  time.Time `json:"expires_at"`
}

type ExecutionLogEntry struct {
	ID         int64           `json:"id"`
	TaskName   string          `json:"task_name"`
	Status     ExecutionStatus `json:"status"`
	StartedAt  time.Time       `json:"started_at"`
	FinishedAt *time.Time      `json:"finished_at,omitempty"`
	DurationMs *int64          `json:"duration_ms,omitempty"`
	Result     *string         `json:"result,omitempty"`
	Error      *string         `json:"error,omitempty"`
}

type TaskStats struct {
	TotalRuns         int64   `json:"total_runs"`
	SuccessCount      int64   `json:"success_count"`
	FailedCount       int64   `json:"failed_count"`
	AverageDurationMs float64 `json:"average_duration_ms"`
}
