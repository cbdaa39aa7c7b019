package engine

import (
	"errors"
	"fmt"
	"sync"

	"github.com/petrijr/shipit/pkg/api"
)

type workflowRegistry struct {
	mu     sync.RWMutex
	byName map[string]api.WorkflowDefinition
}

func newWorkflowRegistry() *workflowRegistry {
	return &workflowRegistry{
		byName: make(map[string]api.WorkflowDefinition),
	}
}

func (r *workflowRegistry) Register(def api.WorkflowDefinition) error {
	if def.Name == "" {
		return errors.New("workflow name is required")
	}
	for event, h := range def.Handlers {
		if event == "" {
			return fmt.Errorf("workflow %q: event name is required", def.Name)
		}
		if h == nil {
			return fmt.Errorf("workflow %q: nil handler for event %q", def.Name, event)
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.byName[def.Name]; exists {
		return fmt.Errorf("workflow already registered: %s", def.Name)
	}

	// Copy the handler map so later mutation by the caller has no effect.
	handlers := make(map[string]api.HandlerFunc, len(def.Handlers))
	for k, v := range def.Handlers {
		handlers[k] = v
	}
	def.Handlers = handlers

	r.byName[def.Name] = def
	return nil
}

func (r *workflowRegistry) Get(name string) (api.WorkflowDefinition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	def, ok := r.byName[name]
	return def, ok
}
