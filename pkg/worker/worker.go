package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/petrijr/shipit/internal/taskqueue"
)

// ErrNotRunning is returned by Submit when the pool has not been started or
// has already been stopped.
var ErrNotRunning = errors.New("worker pool not running")

// Pool runs the tasks of one task queue on a fixed number of goroutines.
type Pool struct {
	name        string
	queue       taskqueue.Queue
	concurrency int
	logger      *slog.Logger

	mu      sync.Mutex
	cancel  context.CancelFunc
	ctx     context.Context
	wg      sync.WaitGroup
	running bool
}

// NewPool creates a pool for the task queue name. It does not start any
// goroutines until Start is called.
func NewPool(name string, q taskqueue.Queue, concurrency int, logger *slog.Logger) *Pool {
	if concurrency <= 0 {
		concurrency = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Pool{
		name:        name,
		queue:       q,
		concurrency: concurrency,
		logger:      logger.With(slog.String("task_queue", name)),
	}
}

// Name returns the task queue name served by the pool.
func (p *Pool) Name() string { return p.name }

// Concurrency returns the number of worker goroutines.
func (p *Pool) Concurrency() int { return p.concurrency }

// Start launches the worker goroutines. They run until ctx is cancelled or
// Stop is called.
func (p *Pool) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.running {
		return fmt.Errorf("worker pool %q already started", p.name)
	}

	ctx, cancel := context.WithCancel(ctx)
	p.ctx = ctx
	p.cancel = cancel
	p.running = true

	p.wg.Add(p.concurrency)
	for i := 0; i < p.concurrency; i++ {
		go func() {
			defer p.wg.Done()
			for {
				processed, err := p.ProcessOne(ctx)
				if err != nil {
					if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
						return
					}
					p.logger.Warn("worker error", slog.Any("error", err))
					continue
				}
				if !processed {
					continue
				}
			}
		}()
	}
	return nil
}

// Stop cancels the workers and waits for in-flight tasks to finish.
func (p *Pool) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	cancel := p.cancel
	p.running = false
	p.mu.Unlock()

	cancel()
	p.wg.Wait()
}

// Submit enqueues run and waits for its result. Cancelling ctx abandons the
// wait; the task still runs if a worker already picked it up.
func (p *Pool) Submit(ctx context.Context, operation string, run func() (any, error)) (any, error) {
	p.mu.Lock()
	running, poolCtx := p.running, p.ctx
	p.mu.Unlock()
	if !running {
		return nil, ErrNotRunning
	}

	result := make(chan taskqueue.Result, 1)
	task := taskqueue.Task{
		ID:         uuid.NewString(),
		Queue:      p.name,
		Operation:  operation,
		Run:        run,
		Result:     result,
		EnqueuedAt: time.Now(),
	}
	if err := p.queue.Enqueue(ctx, task); err != nil {
		return nil, err
	}

	select {
	case r := <-result:
		return r.Value, r.Err
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-poolCtx.Done():
		return nil, ErrNotRunning
	}
}

// ProcessOne pulls a single task from the queue and runs it.
// Returns (processed, error):
//   - processed == false: no task was obtained; err is the dequeue error.
//   - processed == true: a task ran and its outcome was delivered on the
//     task's Result channel; err is nil.
func (p *Pool) ProcessOne(ctx context.Context) (bool, error) {
	task, err := p.queue.Dequeue(ctx)
	if err != nil {
		return false, err
	}
	if task == nil {
		return false, nil
	}

	value, runErr := runTask(task)
	if task.Result != nil {
		task.Result <- taskqueue.Result{Value: value, Err: runErr}
	}
	return true, nil
}

func runTask(task *taskqueue.Task) (value any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic in %s/%s: %v", task.Queue, task.Operation, r)
		}
	}()
	if task.Run == nil {
		return nil, fmt.Errorf("task %s has no function", task.ID)
	}
	return task.Run()
}
