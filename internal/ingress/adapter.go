// Package ingress translates inbound webhook calls and observer messages
// into workflow events, and serves them over HTTP.
package ingress

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/petrijr/shipit/internal/broadcast"
	"github.com/petrijr/shipit/internal/release"
	"github.com/petrijr/shipit/pkg/api"
	"github.com/petrijr/shipit/pkg/capability"
)

// ErrInvalidPayload is returned for a push payload missing required fields.
var ErrInvalidPayload = errors.New("invalid push payload")

// PushPayload holds the fields of a push webhook the adapter relies on.
type PushPayload struct {
	Ref        string `json:"ref"`
	After      string `json:"after"`
	Repository struct {
		FullName      string `json:"full_name"`
		DefaultBranch string `json:"default_branch"`
	} `json:"repository"`
}

// ParsePush decodes and validates a push payload.
func ParsePush(raw []byte) (*PushPayload, error) {
	var p PushPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	var missing []string
	if p.Ref == "" {
		missing = append(missing, "ref")
	}
	if p.Repository.FullName == "" {
		missing = append(missing, "repository.full_name")
	}
	if p.Repository.DefaultBranch == "" {
		missing = append(missing, "repository.default_branch")
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("%w: missing %s", ErrInvalidPayload, strings.Join(missing, ", "))
	}
	return &p, nil
}

// Branch returns the branch name of the pushed ref, or "" for tags and
// other non-branch refs.
func (p *PushPayload) Branch() string {
	branch, ok := strings.CutPrefix(p.Ref, "refs/heads/")
	if !ok {
		return ""
	}
	return branch
}

// Adapter feeds the release workflow instance and reports outcomes to the
// hub.
type Adapter struct {
	engine api.AsyncSender
	hub    *broadcast.Hub
	target api.Target
	logger *slog.Logger

	// ctx bounds background waits for push results.
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewAdapter addresses the active run of workflowID.
func NewAdapter(engine api.AsyncSender, hub *broadcast.Hub, workflowID string, logger *slog.Logger) *Adapter {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Adapter{
		engine: engine,
		hub:    hub,
		target: api.Target{WorkflowID: workflowID},
		logger: logger.With(slog.String("workflow_id", workflowID)),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Engine returns the engine the adapter sends to.
func (a *Adapter) Engine() api.Engine {
	return a.engine
}

// Hub returns the hub the adapter broadcasts to.
func (a *Adapter) Hub() *broadcast.Hub {
	return a.hub
}

// HandlePush is HandlePushDelivery without a delivery ID.
func (a *Adapter) HandlePush(ctx context.Context, raw []byte) error {
	return a.HandlePushDelivery(ctx, "", raw)
}

// HandlePushDelivery validates a push, forwards it to observers and emits
// create-release. It returns once the event is queued; the outcome is
// broadcast when the handler finishes. A non-empty deliveryID makes
// redelivered webhooks idempotent.
func (a *Adapter) HandlePushDelivery(ctx context.Context, deliveryID string, raw []byte) error {
	push, err := ParsePush(raw)
	if err != nil {
		return err
	}

	msg, err := broadcast.PushCommit(raw)
	if err != nil {
		return err
	}

	ev, err := api.NewEvent(release.EventCreateRelease, release.CreateReleaseInput{
		Repository:    push.Repository.FullName,
		Branch:        push.Branch(),
		DefaultBranch: push.Repository.DefaultBranch,
	})
	if err != nil {
		return err
	}
	if deliveryID != "" {
		ev.ID = "push:" + deliveryID
	}

	f, err := a.engine.SendEventAsync(ctx, a.target, ev)
	if errors.Is(err, api.ErrDuplicateEvent) {
		a.logger.InfoContext(ctx, "duplicate push delivery ignored", slog.String("delivery", deliveryID))
		return nil
	}
	// Observers see every new push, including ones the workflow refused.
	a.hub.Broadcast(ctx, msg)
	if err != nil {
		return fmt.Errorf("send %s: %w", ev.Name, err)
	}

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		a.awaitRelease(ev.Name, f)
	}()
	return nil
}

func (a *Adapter) awaitRelease(event string, f api.Future) {
	out, err := f.Wait(a.ctx)
	if a.ctx.Err() != nil {
		return
	}
	if err != nil {
		a.hub.Broadcast(a.ctx, broadcast.Error(event, err))
		return
	}
	rel, ok := out.(*capability.Release)
	if !ok || rel == nil {
		return
	}
	msg, err := broadcast.ReleaseCreated(rel)
	if err != nil {
		a.logger.Error("encode release failed", slog.Any("error", err))
		return
	}
	a.hub.Broadcast(a.ctx, msg)
}

// HandleObserverMessage dispatches one inbound observer message. Unknown
// types are ignored; malformed messages are logged and ignored.
func (a *Adapter) HandleObserverMessage(ctx context.Context, raw []byte) {
	msg, err := broadcast.Decode(raw)
	switch {
	case errors.Is(err, broadcast.ErrUnknownType):
		a.logger.DebugContext(ctx, "ignoring observer message", slog.String("type", string(msg.Type)))
		return
	case err != nil:
		a.logger.WarnContext(ctx, "malformed observer message", slog.Any("error", err))
		return
	}

	switch msg.Type {
	case broadcast.TypeGreeting:
		a.greeting(ctx)
	case broadcast.TypePublishRelease:
		var req broadcast.PublishRequest
		if err := msg.DecodeData(&req); err != nil {
			a.logger.WarnContext(ctx, "malformed publish request", slog.Any("error", err))
			return
		}
		a.publish(ctx, req)
	default:
		a.logger.DebugContext(ctx, "ignoring observer message", slog.String("type", string(msg.Type)))
	}
}

func (a *Adapter) greeting(ctx context.Context) {
	out, err := a.engine.SendEvent(ctx, a.target, api.Event{Name: release.EventGreeting})
	if err != nil {
		a.fail(ctx, release.EventGreeting, err)
		return
	}
	g, ok := out.(*release.GreetingOutput)
	if !ok || g == nil {
		a.logger.WarnContext(ctx, "unexpected greeting result", slog.String("type", fmt.Sprintf("%T", out)))
		return
	}
	a.hub.Broadcast(ctx, broadcast.AssistantMessage(g.AssistantMessage))
}

func (a *Adapter) publish(ctx context.Context, req broadcast.PublishRequest) {
	ev, err := api.NewEvent(release.EventPublishRelease, release.PublishReleaseInput{
		ID:    req.ID,
		Owner: req.Owner,
		Repo:  req.Repo,
	})
	if err != nil {
		a.fail(ctx, release.EventPublishRelease, err)
		return
	}
	out, err := a.engine.SendEvent(ctx, a.target, ev)
	if err != nil {
		a.fail(ctx, release.EventPublishRelease, err)
		return
	}
	rel, _ := out.(*capability.Release)
	msg, err := broadcast.ReleasePublished(rel)
	if err != nil {
		a.fail(ctx, release.EventPublishRelease, err)
		return
	}
	a.hub.Broadcast(ctx, msg)
}

func (a *Adapter) fail(ctx context.Context, event string, err error) {
	if ctx.Err() != nil {
		return
	}
	a.logger.WarnContext(ctx, "observer request failed", slog.String("event", event), slog.Any("error", err))
	a.hub.Broadcast(ctx, broadcast.Error(event, err))
}

// Close abandons pending result waits and waits for their goroutines.
func (a *Adapter) Close() {
	a.cancel()
	a.wg.Wait()
}
