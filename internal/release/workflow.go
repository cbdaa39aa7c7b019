// Package release implements the release workflow: it reacts to pushes by
// deciding on a tag and creating a release, and answers greeting and
// publish requests from observers.
package release

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/petrijr/shipit/pkg/api"
	"github.com/petrijr/shipit/pkg/capability"
)

const (
	WorkflowName = "handleReleaseWorkflow"

	EventGreeting       = "greeting"
	EventPublishRelease = "publish-release"
	EventCreateRelease  = "create-release"

	QueueGitHub = "github"
	QueueOpenAI = "openai"

	// VarEndReleaseWorkflow is the termination flag the main function waits
	// on. The workflow never sets it itself.
	VarEndReleaseWorkflow = "endReleaseWorkflow"

	// VarLastTagName holds the tag of the last release this run created.
	VarLastTagName = "lastTagName"

	DefaultModel       = "gpt-4o-mini"
	DefaultStepTimeout = 60 * time.Second
)

const (
	greetingSystemPrompt = "You are a helpful assistant that will assist the user in creating github releases whenever a commit event is detected."
	greetingUserPrompt   = "Greet the user as this is the initial message. Let them know that whenever a new commit is detected you will ask them to confirm if they want to create a release based on the commits."
)

// CreateReleaseInput is the payload of EventCreateRelease.
type CreateReleaseInput struct {
	Repository    string `json:"repository"`
	Branch        string `json:"branch"`
	DefaultBranch string `json:"defaultBranch"`
}

// PublishReleaseInput is the payload of EventPublishRelease.
type PublishReleaseInput struct {
	ID    int64  `json:"id"`
	Owner string `json:"owner"`
	Repo  string `json:"repo"`
}

// GreetingOutput is the result of EventGreeting.
type GreetingOutput struct {
	AssistantMessage string `json:"assistantMessage"`
}

// DefaultRetryPolicy retries provider failures classified as retryable.
func DefaultRetryPolicy() api.RetryPolicy {
	return api.RetryPolicy{
		MaxAttempts:    3,
		InitialBackoff: 500 * time.Millisecond,
		MaxBackoff:     5 * time.Second,
		Retryable:      capability.IsRetryable,
	}
}

// Options configures the release workflow.
type Options struct {
	// AdmissionRule is an expr-lang expression over AdmissionEnv.
	// Empty means DefaultAdmissionRule.
	AdmissionRule string

	// StrictTagSuggestion fails create-release with a
	// *capability.SchemaViolationError instead of falling back to
	// InitialTag when the tag suggestion is empty or invalid.
	StrictTagSuggestion bool

	Model string

	// StepTimeout bounds each provider call attempt. Zero means
	// DefaultStepTimeout; a negative value disables the timeout.
	StepTimeout time.Duration

	// Retry overrides DefaultRetryPolicy.
	Retry *api.RetryPolicy

	Logger *slog.Logger
}

// Workflow holds the compiled configuration of the release workflow.
type Workflow struct {
	rule     *AdmissionRule
	strict   bool
	model    string
	stepOpts []api.StepOption
	logger   *slog.Logger
}

// New validates opts and returns a Workflow.
func New(opts Options) (*Workflow, error) {
	rule, err := NewAdmissionRule(opts.AdmissionRule)
	if err != nil {
		return nil, err
	}

	w := &Workflow{
		rule:   rule,
		strict: opts.StrictTagSuggestion,
		model:  opts.Model,
		logger: opts.Logger,
	}
	if w.model == "" {
		w.model = DefaultModel
	}
	if w.logger == nil {
		w.logger = slog.Default()
	}

	timeout := opts.StepTimeout
	if timeout == 0 {
		timeout = DefaultStepTimeout
	}
	if timeout > 0 {
		w.stepOpts = append(w.stepOpts, api.WithTimeout(timeout))
	}
	retry := DefaultRetryPolicy()
	if opts.Retry != nil {
		retry = *opts.Retry
	}
	w.stepOpts = append(w.stepOpts, api.WithRetry(retry))

	return w, nil
}

// Definition returns the workflow definition to register with an engine.
func (w *Workflow) Definition() api.WorkflowDefinition {
	return api.WorkflowDefinition{
		Name: WorkflowName,
		Handlers: map[string]api.HandlerFunc{
			EventGreeting:       api.On(w.greeting),
			EventPublishRelease: api.On(w.publishRelease),
			EventCreateRelease:  api.On(w.createRelease),
		},
		Run: w.run,
	}
}

// Register binds the providers to their task queues and registers the
// workflow with eng.
func Register(eng api.Engine, w *Workflow, releases capability.ReleaseManager, completer capability.Completer, concurrency int) error {
	if err := eng.RegisterTaskQueue(QueueGitHub, releases, concurrency); err != nil {
		return fmt.Errorf("register %s queue: %w", QueueGitHub, err)
	}
	if err := eng.RegisterTaskQueue(QueueOpenAI, completer, concurrency); err != nil {
		return fmt.Errorf("register %s queue: %w", QueueOpenAI, err)
	}
	return eng.RegisterWorkflow(w.Definition())
}

func (w *Workflow) run(ctx context.Context, wc api.WorkflowContext) error {
	return wc.Condition(ctx, func() bool {
		var end bool
		ok, err := wc.Var(VarEndReleaseWorkflow, &end)
		return ok && err == nil && end
	})
}

func (w *Workflow) greeting(ctx context.Context, wc api.WorkflowContext, _ struct{}) (*GreetingOutput, error) {
	wc.Logger().InfoContext(ctx, "Greeting event received")

	msg, err := api.Step(ctx, wc, QueueOpenAI, "greeting", func(ctx context.Context, ai capability.Completer) (string, error) {
		return ai.Complete(ctx, capability.CompletionRequest{
			SystemPrompt: greetingSystemPrompt,
			UserPrompt:   greetingUserPrompt,
			Model:        w.model,
		})
	}, w.stepOpts...)
	if err != nil {
		return nil, err
	}
	return &GreetingOutput{AssistantMessage: msg}, nil
}

func (w *Workflow) publishRelease(ctx context.Context, wc api.WorkflowContext, in PublishReleaseInput) (*capability.Release, error) {
	return api.Step(ctx, wc, QueueGitHub, "publishRelease", func(ctx context.Context, gh capability.ReleaseManager) (*capability.Release, error) {
		return gh.PublishRelease(ctx, in.Owner, in.Repo, in.ID)
	}, w.stepOpts...)
}

func (w *Workflow) createRelease(ctx context.Context, wc api.WorkflowContext, in CreateReleaseInput) (any, error) {
	logger := wc.Logger().With(
		slog.String("repository", in.Repository),
		slog.String("branch", in.Branch),
	)

	admitted, err := w.rule.Admit(AdmissionEnv{
		Repository:    in.Repository,
		Branch:        in.Branch,
		DefaultBranch: in.DefaultBranch,
	})
	if err != nil {
		return nil, err
	}

	owner, repo, ok := strings.Cut(in.Repository, "/")
	var latestTag, suggestion string
	if admitted {
		if !ok || owner == "" || repo == "" {
			return nil, fmt.Errorf("invalid repository %q: want owner/repo", in.Repository)
		}
		latestTag, suggestion, err = w.resolveTags(ctx, wc, logger, owner, repo)
		if err != nil {
			return nil, err
		}
	}

	decision := Decide(admitted, latestTag, suggestion)
	if !decision.ShouldRelease {
		logger.InfoContext(ctx, "No need to create release, push is not admitted",
			slog.String("rule", w.rule.String()))
		return nil, nil
	}

	rel, err := api.Step(ctx, wc, QueueGitHub, "createRelease", func(ctx context.Context, gh capability.ReleaseManager) (*capability.Release, error) {
		return gh.CreateRelease(ctx, capability.CreateReleaseInput{
			Owner:       owner,
			Repo:        repo,
			TagName:     decision.TagName,
			ReleaseName: "Release " + decision.TagName,
			Branch:      in.Branch,
			IsDraft:     false,
		})
	}, w.stepOpts...)
	if err != nil {
		return nil, err
	}

	logger.InfoContext(ctx, "Release created",
		slog.String("tag", decision.TagName),
		slog.Bool("suggested", decision.FromSuggestion),
		slog.String("release_url", rel.HTMLURL),
	)
	if err := wc.SetVar(ctx, VarLastTagName, decision.TagName); err != nil {
		logger.WarnContext(ctx, "failed to record last tag", slog.Any("error", err))
	}
	return rel, nil
}

// resolveTags looks up the latest release of owner/repo and, when there is
// one, asks for the tag that follows it.
func (w *Workflow) resolveTags(ctx context.Context, wc api.WorkflowContext, logger *slog.Logger, owner, repo string) (latestTag, suggestion string, err error) {
	latest, err := api.Step(ctx, wc, QueueGitHub, "getLatestRelease", func(ctx context.Context, gh capability.ReleaseManager) (*capability.Release, error) {
		return gh.GetLatestRelease(ctx, owner, repo)
	}, w.stepOpts...)
	switch {
	case err == nil:
	case ctx.Err() != nil:
		return "", "", ctx.Err()
	case errors.Is(err, capability.ErrNotFound):
		logger.InfoContext(ctx, "Latest release not found, this will be first release")
	default:
		logger.WarnContext(ctx, "Latest release lookup failed, treating as first release", slog.Any("error", err))
	}

	if latest == nil || latest.TagName == "" {
		return "", "", nil
	}
	suggestion, err = w.suggestTag(ctx, wc, logger, latest.TagName)
	if err != nil {
		return "", "", err
	}
	return latest.TagName, suggestion, nil
}

// suggestTag asks the model for the tag following current. It returns ""
// when the answer is unusable and strict mode is off.
func (w *Workflow) suggestTag(ctx context.Context, wc api.WorkflowContext, logger *slog.Logger, current string) (string, error) {
	content, err := api.Step(ctx, wc, QueueOpenAI, "suggestTagName", func(ctx context.Context, ai capability.Completer) (string, error) {
		schema := NextTagSchema
		return ai.Complete(ctx, capability.CompletionRequest{
			SystemPrompt: tagSystemPrompt,
			UserPrompt:   tagUserPrompt(current),
			Model:        w.model,
			Schema:       &schema,
		})
	}, w.stepOpts...)
	if err != nil {
		return "", err
	}

	tag, err := ParseSuggestion(content)
	if err != nil {
		if w.strict {
			return "", err
		}
		logger.WarnContext(ctx, "Unusable tag suggestion, falling back to initial tag",
			slog.String("fallback", InitialTag),
			slog.Any("error", err),
		)
		return "", nil
	}

	if !IsMinorBump(current, tag) {
		logger.WarnContext(ctx, "Suggested tag is not a minor bump",
			slog.String("current", current),
			slog.String("suggested", tag),
		)
	}
	return tag, nil
}
