package shipit

import (
	"context"
	"fmt"

	"github.com/petrijr/shipit/pkg/api"
)

// WorkflowBuilder provides a fluent API for defining workflows:
//
//	flow := shipit.NewWorkflow("greeter").
//	    On("hello", shipit.Typed(sayHello)).
//	    On("bye", sayBye)
//
//	if err := flow.Register(engine); err != nil {
//	    log.Fatal(err)
//	}
//
//	runID, err := engine.ScheduleWorkflow(ctx, flow.Name(), "greeter-1", shipit.ScheduleOptions{})
type WorkflowBuilder struct {
	def api.WorkflowDefinition
}

// NewWorkflow creates a new workflow builder with the given name.
func NewWorkflow(name string) *WorkflowBuilder {
	return &WorkflowBuilder{
		def: api.WorkflowDefinition{
			Name:     name,
			Handlers: make(map[string]HandlerFunc),
		},
	}
}

// Name returns the workflow name.
func (b *WorkflowBuilder) Name() string {
	return b.def.Name
}

// Definition returns the underlying WorkflowDefinition.
// Typically used when interacting with lower-level APIs.
func (b *WorkflowBuilder) Definition() WorkflowDefinition {
	return b.def
}

// On sets the handler for event. A later call for the same event replaces
// the earlier handler.
func (b *WorkflowBuilder) On(event string, fn HandlerFunc) *WorkflowBuilder {
	if event == "" {
		panic("shipit: event name must not be empty")
	}
	if fn == nil {
		panic(fmt.Sprintf("shipit: event %q has nil handler", event))
	}
	b.def.Handlers[event] = fn
	return b
}

// Run sets the main function. Without one the instance stays alive until
// it is terminated.
func (b *WorkflowBuilder) Run(fn MainFunc) *WorkflowBuilder {
	b.def.Run = fn
	return b
}

// Register registers the built workflow with the given engine.
func (b *WorkflowBuilder) Register(eng Engine) error {
	return eng.RegisterWorkflow(b.def)
}

// MustRegister is like Register but panics on error.
// Useful for initialization in main().
func (b *WorkflowBuilder) MustRegister(eng Engine) {
	if err := b.Register(eng); err != nil {
		panic(err)
	}
}

// Typed adapts a handler with a JSON-decoded payload to a HandlerFunc.
//
//	shipit.Typed(func(ctx context.Context, wc shipit.WorkflowContext, in Order) (*Receipt, error) { ... })
func Typed[T, R any](fn func(ctx context.Context, wc WorkflowContext, in T) (R, error)) HandlerFunc {
	return api.On(fn)
}
