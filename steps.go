package shipit

import (
	"context"

	"github.com/petrijr/shipit/pkg/api"
)

// Step runs call against the capability of type C registered for queue.
// It is api.Step re-exported for callers that only import this package.
//
//	rel, err := shipit.Step(ctx, wc, "github", "createRelease",
//	    func(ctx context.Context, gh capability.ReleaseManager) (*capability.Release, error) { ... },
//	    shipit.Retry(3).Backoff(time.Second, 10*time.Second).Option())
func Step[C, R any](
	ctx context.Context,
	wc WorkflowContext,
	queue, operation string,
	call func(ctx context.Context, c C) (R, error),
	opts ...StepOption,
) (R, error) {
	return api.Step(ctx, wc, queue, operation, call, opts...)
}
