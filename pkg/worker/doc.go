// Package worker runs capability calls on bounded goroutine pools.
//
// Each task queue registered with the engine gets its own Pool. A step
// submits a closure to the pool and waits for the result, so the number of
// concurrent calls against one provider never exceeds the pool's
// concurrency.
//
//	q := taskqueue.NewInMemoryQueue(0)
//	p := worker.NewPool("github", q, 4, logger)
//	_ = p.Start(ctx)
//	defer p.Stop()
//
//	v, err := p.Submit(ctx, "getLatestRelease", func() (any, error) {
//	    return gh.GetLatestRelease(ctx, owner, repo)
//	})
//
// Panics raised by a task are recovered and returned as errors.
package worker
