package engine

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/petrijr/shipit/internal/persistence"
	"github.com/petrijr/shipit/internal/taskqueue"
	"github.com/petrijr/shipit/pkg/api"
	"github.com/petrijr/shipit/pkg/worker"
)

// engineImpl is the in-process, event-driven engine. Instance state is
// kept in memory while a run is live and mirrored to the configured stores.
type engineImpl struct {
	registry *workflowRegistry
	store    persistence.Persistence
	observer api.Observer
	logger   *slog.Logger

	mu     sync.Mutex
	queues map[string]*taskQueue
	live   map[api.Target]*instance
	active map[string]*instance // workflow ID -> current run
	closed bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

var _ api.AsyncSender = (*engineImpl)(nil)

type taskQueue struct {
	capability any
	pool       *worker.Pool
}

// Config describes how to construct an engineImpl.
// Only used inside this package; external callers use the helper functions.
type Config struct {
	Persistence persistence.Persistence
	Observer    api.Observer
	Logger      *slog.Logger
}

func NewInMemoryEngine() api.Engine {
	return NewEngine(persistence.NewInMemoryStore().Persistence())
}

func NewSQLiteEngine(db *sql.DB) (api.Engine, error) {
	p, err := persistence.NewSQLitePersistence(db)
	if err != nil {
		return nil, err
	}
	return NewEngine(p), nil
}

func NewPostgresEngine(db *sql.DB) (api.Engine, error) {
	store, err := persistence.NewPostgresStore(db)
	if err != nil {
		return nil, err
	}
	return NewEngine(store.Persistence()), nil
}

// NewRedisEngine creates an engine that keeps instances, inboxes and
// history in Redis under the "shipit:" prefix.
func NewRedisEngine(client *redis.Client) api.Engine {
	return NewEngine(persistence.NewRedisStore(client, "shipit:").Persistence())
}

// NewEngineWithConfig creates a new Engine using the given configuration.
// Missing stores fall back to persistence.Persistence.WithDefaults.
func NewEngineWithConfig(cfg Config) api.Engine {
	obs := cfg.Observer
	if obs == nil {
		obs = api.NoopObserver{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	p := cfg.Persistence.WithDefaults()

	ctx, cancel := context.WithCancel(context.Background())
	return &engineImpl{
		registry: newWorkflowRegistry(),
		store:    p,
		observer: obs,
		logger:   logger,
		queues:   make(map[string]*taskQueue),
		live:     make(map[api.Target]*instance),
		active:   make(map[string]*instance),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// NewEngine returns an Engine backed by the given persistence.
func NewEngine(p persistence.Persistence) api.Engine {
	return NewEngineWithConfig(Config{
		Persistence: p,
	})
}

func (e *engineImpl) RegisterWorkflow(def api.WorkflowDefinition) error {
	return e.registry.Register(def)
}

func (e *engineImpl) RegisterTaskQueue(name string, capability any, concurrency int) error {
	if name == "" {
		return errors.New("task queue name is required")
	}
	if capability == nil {
		return fmt.Errorf("task queue %q: capability is required", name)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return api.ErrEngineClosed
	}
	if _, exists := e.queues[name]; exists {
		return fmt.Errorf("task queue already registered: %s", name)
	}

	pool := worker.NewPool(name, taskqueue.NewInMemoryQueue(0), concurrency, e.logger)
	if err := pool.Start(e.ctx); err != nil {
		return err
	}
	e.queues[name] = &taskQueue{capability: capability, pool: pool}
	return nil
}

func (e *engineImpl) taskQueue(name string) (*taskQueue, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	q, ok := e.queues[name]
	return q, ok
}

func (e *engineImpl) ScheduleWorkflow(ctx context.Context, name, workflowID string, opts api.ScheduleOptions) (string, error) {
	def, ok := e.registry.Get(name)
	if !ok {
		return "", &api.SchedulingError{Workflow: name, WorkflowID: workflowID, Reason: "unknown workflow definition"}
	}
	if workflowID == "" {
		return "", &api.SchedulingError{Workflow: name, Reason: "workflow id is required"}
	}

	now := time.Now()
	rec := &api.WorkflowInstance{
		WorkflowID: workflowID,
		RunID:      uuid.NewString(),
		Name:       name,
		Status:     api.StatusScheduled,
		Vars:       make(map[string]json.RawMessage),
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	inst := e.newInstance(def, rec)

	// Reserve the run before touching the store so two exclusive schedules
	// cannot both succeed.
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return "", api.ErrEngineClosed
	}
	if opts.Exclusive {
		if cur, ok := e.active[workflowID]; ok && !cur.isTerminated() {
			e.mu.Unlock()
			return "", &api.SchedulingError{Workflow: name, WorkflowID: workflowID, Reason: "a run is already active"}
		}
	}
	e.attachLocked(inst)
	e.mu.Unlock()

	if err := e.store.Instances.SaveInstance(ctx, rec.Clone()); err != nil {
		e.detach(inst)
		return "", err
	}
	e.record(ctx, inst, api.EventWorkflowScheduled, "", "", "")

	e.start(inst)
	return rec.RunID, nil
}

func (e *engineImpl) SendEvent(ctx context.Context, target api.Target, ev api.Event) (any, error) {
	f, err := e.SendEventAsync(ctx, target, ev)
	if err != nil {
		return nil, err
	}
	return f.Wait(ctx)
}

func (e *engineImpl) SendEventAsync(ctx context.Context, target api.Target, ev api.Event) (api.Future, error) {
	inst, err := e.resolve(ctx, target)
	if err != nil {
		return nil, err
	}
	d, err := inst.submit(ctx, ev)
	if err != nil {
		return nil, err
	}
	if d == nil {
		return nil, fmt.Errorf("%w: %s", api.ErrDuplicateEvent, ev.ID)
	}
	return d, nil
}

func (e *engineImpl) Post(ctx context.Context, target api.Target, ev api.Event) error {
	inst, err := e.resolve(ctx, target)
	if err != nil {
		return err
	}
	_, err = inst.submit(ctx, ev)
	return err
}

func (e *engineImpl) GetInstance(ctx context.Context, target api.Target) (*api.WorkflowInstance, error) {
	if inst := e.lookup(target); inst != nil {
		return inst.snapshot(), nil
	}
	return e.loadRecord(ctx, target)
}

func (e *engineImpl) ListInstances(ctx context.Context, opts api.InstanceListOptions) ([]*api.WorkflowInstance, error) {
	return e.store.Instances.ListInstances(ctx, persistence.InstanceFilter{
		WorkflowName: opts.WorkflowName,
		WorkflowID:   opts.WorkflowID,
		Status:       opts.Status,
	})
}

func (e *engineImpl) ListHistory(ctx context.Context, target api.Target) ([]api.WorkflowEvent, error) {
	rec, err := e.GetInstance(ctx, target)
	if err != nil {
		return nil, err
	}
	return e.store.Events.ListEvents(ctx, rec.WorkflowID, rec.RunID)
}

// Terminate is idempotent for runs that already terminated.
func (e *engineImpl) Terminate(ctx context.Context, target api.Target, reason string) error {
	inst := e.lookup(target)
	if inst == nil {
		rec, err := e.loadRecord(ctx, target)
		if err != nil {
			return err
		}
		if rec.Status == api.StatusTerminated {
			return nil
		}
		return &api.UnknownWorkflowError{Target: target}
	}

	inst.terminate(ctx, reason)

	select {
	case <-inst.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *engineImpl) Recover(ctx context.Context) (int, error) {
	recs, err := e.store.Instances.ListInstances(ctx, persistence.InstanceFilter{})
	if err != nil {
		return 0, err
	}

	recovered := 0
	for _, rec := range recs {
		if rec.Status == api.StatusTerminated {
			continue
		}
		if e.lookup(rec.Target()) != nil {
			continue
		}
		def, ok := e.registry.Get(rec.Name)
		if !ok {
			e.logger.WarnContext(ctx, "skipping recovery of unregistered workflow",
				slog.String("workflow", rec.Name),
				slog.String("workflow_id", rec.WorkflowID),
				slog.String("run_id", rec.RunID),
			)
			continue
		}

		pending, err := e.store.Inbox.Pending(ctx, rec.WorkflowID, rec.RunID)
		if err != nil {
			return recovered, fmt.Errorf("load inbox of %s: %w", rec.Target(), err)
		}

		if rec.Vars == nil {
			rec.Vars = make(map[string]json.RawMessage)
		}
		inst := e.newInstance(def, rec)

		// Sends that reach the run once it is attached queue behind its
		// pending events.
		inst.submitMu.Lock()
		e.mu.Lock()
		if e.closed {
			e.mu.Unlock()
			inst.submitMu.Unlock()
			return recovered, api.ErrEngineClosed
		}
		if _, ok := e.live[inst.target]; ok {
			e.mu.Unlock()
			inst.submitMu.Unlock()
			continue
		}
		e.attachLocked(inst)
		e.mu.Unlock()
		for _, entry := range pending {
			inst.redeliver(entry)
		}
		inst.submitMu.Unlock()

		e.record(ctx, inst, api.EventWorkflowRecovered, "", "", fmt.Sprintf("pending=%d", len(pending)))
		e.start(inst)
		recovered++
	}
	return recovered, nil
}

func (e *engineImpl) Close() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	queues := make([]*taskQueue, 0, len(e.queues))
	for _, q := range e.queues {
		queues = append(queues, q)
	}
	e.mu.Unlock()

	e.cancel()
	e.wg.Wait()

	for _, q := range queues {
		q.pool.Stop()
	}
}

// attachLocked makes inst addressable. The newest run of a workflow ID
// becomes its active run. Caller must hold e.mu.
func (e *engineImpl) attachLocked(inst *instance) {
	target := inst.target
	e.live[target] = inst
	cur, ok := e.active[target.WorkflowID]
	if !ok || !cur.createdAt.After(inst.createdAt) {
		e.active[target.WorkflowID] = inst
	}
}

func (e *engineImpl) detach(inst *instance) {
	e.mu.Lock()
	defer e.mu.Unlock()

	delete(e.live, inst.target)
	if e.active[inst.target.WorkflowID] == inst {
		delete(e.active, inst.target.WorkflowID)
	}
}

func (e *engineImpl) lookup(target api.Target) *instance {
	e.mu.Lock()
	defer e.mu.Unlock()

	if target.RunID == "" {
		return e.active[target.WorkflowID]
	}
	return e.live[target]
}

// resolve returns the live instance addressed by target, or the error that
// describes why no event can be delivered to it.
func (e *engineImpl) resolve(ctx context.Context, target api.Target) (*instance, error) {
	if inst := e.lookup(target); inst != nil {
		if inst.isTerminated() {
			return nil, &api.WorkflowTerminatedError{Target: inst.target}
		}
		return inst, nil
	}

	rec, err := e.loadRecord(ctx, target)
	if err != nil {
		return nil, err
	}
	if rec.Status == api.StatusTerminated {
		return nil, &api.WorkflowTerminatedError{Target: rec.Target()}
	}
	// Persisted but not attached to this process; Recover has not run.
	return nil, &api.UnknownWorkflowError{Target: target}
}

// loadRecord reads the addressed run from the instance store. An empty
// RunID selects the most recently created run of the workflow ID.
func (e *engineImpl) loadRecord(ctx context.Context, target api.Target) (*api.WorkflowInstance, error) {
	if target.RunID != "" {
		rec, err := e.store.Instances.GetInstance(ctx, target.WorkflowID, target.RunID)
		if err != nil {
			if errors.Is(err, persistence.ErrInstanceNotFound) {
				return nil, &api.UnknownWorkflowError{Target: target}
			}
			return nil, err
		}
		return rec, nil
	}

	recs, err := e.store.Instances.ListInstances(ctx, persistence.InstanceFilter{WorkflowID: target.WorkflowID})
	if err != nil {
		return nil, err
	}
	if len(recs) == 0 {
		return nil, &api.UnknownWorkflowError{Target: target}
	}
	return recs[len(recs)-1], nil
}

// record appends a history entry. History is best-effort.
func (e *engineImpl) record(ctx context.Context, inst *instance, typ api.EventType, event, step, detail string) {
	err := e.store.Events.AppendEvent(context.WithoutCancel(ctx), api.WorkflowEvent{
		WorkflowID:   inst.target.WorkflowID,
		RunID:        inst.target.RunID,
		At:           time.Now(),
		Type:         typ,
		WorkflowName: inst.def.Name,
		Event:        event,
		Step:         step,
		Detail:       detail,
	})
	if err != nil {
		inst.logger.Warn("append history failed", slog.String("type", string(typ)), slog.Any("error", err))
	}
}
