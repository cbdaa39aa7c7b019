package shipit

import (
	"context"
	"database/sql"

	"github.com/redis/go-redis/v9"

	"github.com/petrijr/shipit/internal/engine"
	"github.com/petrijr/shipit/pkg/api"
)

// Re-export key types so users don't need to dig into pkg/api.

type (
	Engine              = api.Engine
	AsyncSender         = api.AsyncSender
	Future              = api.Future
	WorkflowDefinition  = api.WorkflowDefinition
	WorkflowInstance    = api.WorkflowInstance
	WorkflowContext     = api.WorkflowContext
	WorkflowEvent       = api.WorkflowEvent
	HandlerFunc         = api.HandlerFunc
	MainFunc            = api.MainFunc
	Target              = api.Target
	Event               = api.Event
	ScheduleOptions     = api.ScheduleOptions
	InstanceListOptions = api.InstanceListOptions
	Status              = api.Status
	RetryPolicy         = api.RetryPolicy
	StepOption          = api.StepOption
	StepOptions         = api.StepOptions
	Observer            = api.Observer
	LoggingObserver     = api.LoggingObserver
	CompositeObserver   = api.CompositeObserver
	NoopObserver        = api.NoopObserver
)

var (
	NewEvent             = api.NewEvent
	NewLoggingObserver   = api.NewLoggingObserver
	NewCompositeObserver = api.NewCompositeObserver
	WithRetry            = api.WithRetry
	WithTimeout          = api.WithTimeout
)

const (
	StatusScheduled  = api.StatusScheduled
	StatusRunning    = api.StatusRunning
	StatusTerminated = api.StatusTerminated
)

// Engine constructors
// These wrap the internal/engine package so external callers
// never need to import internal packages.

// NewInMemoryEngine returns an Engine backed entirely by in-memory stores.
func NewInMemoryEngine() Engine {
	return engine.NewInMemoryEngine()
}

// NewSQLiteEngine returns an Engine that persists instances, inboxes and
// history in a SQLite database. Workflow definitions are kept in memory.
func NewSQLiteEngine(db *sql.DB) (Engine, error) {
	return engine.NewSQLiteEngine(db)
}

// NewPostgresEngine returns an Engine that persists to PostgreSQL.
func NewPostgresEngine(db *sql.DB) (Engine, error) {
	return engine.NewPostgresEngine(db)
}

// NewRedisEngine returns an Engine that persists to Redis.
func NewRedisEngine(client *redis.Client) Engine {
	return engine.NewRedisEngine(client)
}

// Convenience helpers that forward to the underlying Engine.

// Send encodes payload as the body of event name and delivers it to the
// active run of workflowID, waiting for the handler's result.
func Send(ctx context.Context, eng Engine, workflowID, name string, payload any) (any, error) {
	ev, err := api.NewEvent(name, payload)
	if err != nil {
		return nil, err
	}
	return eng.SendEvent(ctx, Target{WorkflowID: workflowID}, ev)
}

// GetInstance fetches the active run of workflowID.
func GetInstance(ctx context.Context, eng Engine, workflowID string) (*WorkflowInstance, error) {
	return eng.GetInstance(ctx, Target{WorkflowID: workflowID})
}

// ListInstances lists workflow instances according to the given options.
func ListInstances(ctx context.Context, eng Engine, opts InstanceListOptions) ([]*WorkflowInstance, error) {
	return eng.ListInstances(ctx, opts)
}
