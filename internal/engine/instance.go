package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/petrijr/shipit/internal/persistence"
	"github.com/petrijr/shipit/pkg/api"
)

// instance is the live state of one workflow run.
//
// Events are dispatched on lanes, one per event name. A lane runs at most
// one handler at a time and drains its queue in FIFO order; lanes of the
// same instance run concurrently.
type instance struct {
	engine    *engineImpl
	def       api.WorkflowDefinition
	target    api.Target
	createdAt time.Time
	logger    *slog.Logger

	// submitMu keeps inbox sequence order and lane order identical.
	submitMu sync.Mutex
	// persistMu serializes store writes; the snapshot is taken under it so
	// the last write always carries the newest state.
	persistMu sync.Mutex

	mu         sync.Mutex
	rec        *api.WorkflowInstance
	lanes      map[string]*lane
	changed    chan struct{}
	terminated bool

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{} // closed when the main function has exited
}

type lane struct {
	queue   []*delivery
	running bool
}

// delivery is one queued event. It doubles as the api.Future handed to
// the sender.
type delivery struct {
	seq  int64
	ev   api.Event
	done chan struct{}

	value any
	err   error
}

func newDelivery(seq int64, ev api.Event) *delivery {
	return &delivery{seq: seq, ev: ev, done: make(chan struct{})}
}

func (d *delivery) finish(value any, err error) {
	d.value, d.err = value, err
	close(d.done)
}

func (d *delivery) Done() <-chan struct{} { return d.done }

func (d *delivery) Wait(ctx context.Context) (any, error) {
	select {
	case <-d.done:
		return d.value, d.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (e *engineImpl) newInstance(def api.WorkflowDefinition, rec *api.WorkflowInstance) *instance {
	ctx, cancel := context.WithCancel(e.ctx)
	return &instance{
		engine:    e,
		def:       def,
		target:    rec.Target(),
		createdAt: rec.CreatedAt,
		logger: e.logger.With(
			slog.String("workflow", def.Name),
			slog.String("workflow_id", rec.WorkflowID),
			slog.String("run_id", rec.RunID),
		),
		rec:     rec,
		lanes:   make(map[string]*lane),
		changed: make(chan struct{}),
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
}

// start moves the instance to RUNNING and launches its main function.
func (e *engineImpl) start(inst *instance) {
	inst.mu.Lock()
	if !inst.terminated {
		inst.rec.Status = api.StatusRunning
		inst.rec.UpdatedAt = time.Now()
	}
	inst.mu.Unlock()

	if err := inst.persist(inst.ctx); err != nil {
		inst.logger.Warn("persist instance failed", slog.Any("error", err))
	}
	e.observer.OnWorkflowStart(inst.ctx, inst.snapshot())

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		err := inst.runMain()
		e.finish(inst, err)
	}()
}

func (i *instance) runMain() (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic in workflow %s: %v", i.def.Name, r)
		}
	}()
	if i.def.Run == nil {
		<-i.ctx.Done()
		return nil
	}
	return i.def.Run(i.ctx, i)
}

// finish runs after the main function returned. When the engine is
// shutting down the run is left untouched in the store so Recover can
// resume it.
func (e *engineImpl) finish(inst *instance, mainErr error) {
	defer close(inst.done)

	inst.mu.Lock()
	already := inst.terminated
	shutdown := !already && e.ctx.Err() != nil
	var drained []*delivery
	if !shutdown {
		if !already {
			inst.terminated = true
			inst.rec.Status = api.StatusTerminated
			inst.rec.Err = mainErr
			inst.rec.UpdatedAt = time.Now()
		}
		drained = inst.drainLocked()
		inst.notifyLocked()
	}
	inst.mu.Unlock()
	inst.cancel()

	if shutdown {
		e.detach(inst)
		return
	}

	inst.failDeliveries(drained, &api.WorkflowTerminatedError{Target: inst.target}, true)

	ctx := context.WithoutCancel(inst.ctx)
	if err := inst.persist(ctx); err != nil {
		inst.logger.Warn("persist instance failed", slog.Any("error", err))
	}
	if !already {
		e.record(ctx, inst, api.EventWorkflowTerminated, "", "", errorDetail(mainErr))
	}
	e.detach(inst)

	snap := inst.snapshot()
	e.observer.OnWorkflowTerminated(ctx, snap, snap.Err)
}

// terminate retires the instance. Queued deliveries fail immediately; a
// handler that is already running sees its context cancelled.
func (i *instance) terminate(ctx context.Context, reason string) {
	i.mu.Lock()
	if i.terminated {
		i.mu.Unlock()
		return
	}
	i.terminated = true
	i.rec.Status = api.StatusTerminated
	i.rec.Err = fmt.Errorf("terminated: %s", reason)
	i.rec.UpdatedAt = time.Now()
	drained := i.drainLocked()
	i.notifyLocked()
	i.mu.Unlock()

	wctx := context.WithoutCancel(ctx)
	if err := i.persist(wctx); err != nil {
		i.logger.Warn("persist instance failed", slog.Any("error", err))
	}
	i.engine.record(wctx, i, api.EventWorkflowTerminated, "", "", reason)

	i.cancel()
	i.failDeliveries(drained, &api.WorkflowTerminatedError{Target: i.target}, true)
}

func (i *instance) isTerminated() bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.terminated
}

func (i *instance) snapshot() *api.WorkflowInstance {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.rec.Clone()
}

func (i *instance) persist(ctx context.Context) error {
	i.persistMu.Lock()
	defer i.persistMu.Unlock()

	snap := i.snapshot()
	return i.engine.store.Instances.UpdateInstance(ctx, snap)
}

// notifyLocked wakes every pending Condition. Caller must hold i.mu.
func (i *instance) notifyLocked() {
	close(i.changed)
	i.changed = make(chan struct{})
}

func (i *instance) notify() {
	i.mu.Lock()
	i.notifyLocked()
	i.mu.Unlock()
}

// submit accepts ev into the inbox and queues it on its lane. It returns a
// nil delivery when ev is a duplicate.
func (i *instance) submit(ctx context.Context, ev api.Event) (*delivery, error) {
	if _, ok := i.def.Handlers[ev.Name]; !ok {
		return nil, fmt.Errorf("%w: %q on workflow %s", api.ErrNoHandler, ev.Name, i.def.Name)
	}

	i.submitMu.Lock()
	defer i.submitMu.Unlock()

	if i.isTerminated() {
		return nil, &api.WorkflowTerminatedError{Target: i.target}
	}
	if i.ctx.Err() != nil {
		return nil, api.ErrEngineClosed
	}

	seq, dup, err := i.engine.store.Inbox.Push(ctx, i.target.WorkflowID, i.target.RunID, ev)
	if err != nil {
		return nil, fmt.Errorf("enqueue event %s: %w", ev.Name, err)
	}
	if dup {
		i.engine.record(ctx, i, api.EventDuplicate, ev.Name, "", ev.ID)
		i.logger.DebugContext(ctx, "duplicate event dropped",
			slog.String("event", ev.Name),
			slog.String("event_id", ev.ID),
		)
		return nil, nil
	}
	i.engine.record(ctx, i, api.EventReceived, ev.Name, "", ev.ID)

	d := newDelivery(seq, ev)
	if !i.enqueue(d) {
		i.ack(d.seq)
		return nil, &api.WorkflowTerminatedError{Target: i.target}
	}
	return d, nil
}

// redeliver queues an inbox entry recovered from the store.
func (i *instance) redeliver(entry persistence.InboxEntry) {
	i.enqueue(newDelivery(entry.Seq, entry.Event))
}

// enqueue appends d to its lane and starts the lane if it was idle. It
// reports false when the instance terminated in the meantime.
func (i *instance) enqueue(d *delivery) bool {
	i.mu.Lock()
	defer i.mu.Unlock()

	if i.terminated {
		return false
	}
	l := i.lanes[d.ev.Name]
	if l == nil {
		l = &lane{}
		i.lanes[d.ev.Name] = l
	}
	l.queue = append(l.queue, d)
	i.notifyLocked()

	if !l.running {
		l.running = true
		i.engine.wg.Add(1)
		go i.runLane(d.ev.Name)
	}
	return true
}

func (i *instance) runLane(name string) {
	defer i.engine.wg.Done()

	for {
		i.mu.Lock()
		l := i.lanes[name]
		if len(l.queue) == 0 {
			l.running = false
			i.mu.Unlock()
			return
		}
		if i.ctx.Err() != nil && !i.terminated {
			// Engine shutdown: leave the entries unacknowledged.
			drained := l.queue
			l.queue = nil
			l.running = false
			i.mu.Unlock()
			i.failDeliveries(drained, api.ErrEngineClosed, false)
			return
		}
		d := l.queue[0]
		l.queue = l.queue[1:]
		i.mu.Unlock()

		i.handle(d)
	}
}

// drainLocked empties every lane queue. Caller must hold i.mu.
func (i *instance) drainLocked() []*delivery {
	var out []*delivery
	for _, l := range i.lanes {
		out = append(out, l.queue...)
		l.queue = nil
	}
	return out
}

func (i *instance) failDeliveries(ds []*delivery, err error, ack bool) {
	for _, d := range ds {
		if ack {
			i.ack(d.seq)
		}
		d.finish(nil, err)
	}
}

func (i *instance) ack(seq int64) {
	ctx := context.WithoutCancel(i.ctx)
	if err := i.engine.store.Inbox.Ack(ctx, i.target.WorkflowID, i.target.RunID, seq); err != nil {
		i.logger.Warn("ack event failed", slog.Int64("seq", seq), slog.Any("error", err))
	}
}

func (i *instance) handle(d *delivery) {
	e := i.engine
	name := d.ev.Name

	start := time.Now()
	e.observer.OnEventStart(i.ctx, i.snapshot(), name)

	value, err := i.invoke(d)

	duration := time.Since(start)
	wctx := context.WithoutCancel(i.ctx)

	shutdown := err != nil && e.ctx.Err() != nil && !i.isTerminated()
	if !shutdown {
		i.ack(d.seq)
	}
	if err != nil {
		e.record(wctx, i, api.EventFailed, name, "", err.Error())
	} else {
		e.record(wctx, i, api.EventCompleted, name, "", "")
	}
	e.observer.OnEventCompleted(wctx, i.snapshot(), name, err, duration)

	i.notify()
	d.finish(value, err)
}

func (i *instance) invoke(d *delivery) (value any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic in handler %s: %v", d.ev.Name, r)
		}
	}()
	h, ok := i.def.Handlers[d.ev.Name]
	if !ok {
		return nil, fmt.Errorf("%w: %q on workflow %s", api.ErrNoHandler, d.ev.Name, i.def.Name)
	}
	return h(i.ctx, i, d.ev.Payload)
}

func errorDetail(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

var _ api.WorkflowContext = (*instance)(nil)

func (i *instance) Target() api.Target { return i.target }

func (i *instance) WorkflowName() string { return i.def.Name }

func (i *instance) Logger() *slog.Logger { return i.logger }

func (i *instance) Var(name string, dst any) (bool, error) {
	i.mu.Lock()
	raw, ok := i.rec.Vars[name]
	i.mu.Unlock()
	if !ok {
		return false, nil
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return true, fmt.Errorf("decode variable %s: %w", name, err)
	}
	return true, nil
}

func (i *instance) SetVar(ctx context.Context, name string, value any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode variable %s: %w", name, err)
	}

	i.mu.Lock()
	if i.terminated {
		i.mu.Unlock()
		return &api.WorkflowTerminatedError{Target: i.target}
	}
	if i.rec.Vars == nil {
		i.rec.Vars = make(map[string]json.RawMessage)
	}
	i.rec.Vars[name] = raw
	i.rec.UpdatedAt = time.Now()
	i.notifyLocked()
	i.mu.Unlock()

	return i.persist(ctx)
}

func (i *instance) Condition(ctx context.Context, pred func() bool) error {
	for {
		i.mu.Lock()
		ch := i.changed
		terminated := i.terminated
		i.mu.Unlock()

		if pred() {
			return nil
		}
		if terminated {
			return &api.WorkflowTerminatedError{Target: i.target}
		}

		select {
		case <-ch:
		case <-ctx.Done():
			if i.isTerminated() {
				return &api.WorkflowTerminatedError{Target: i.target}
			}
			return ctx.Err()
		}
	}
}
