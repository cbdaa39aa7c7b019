package release

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/petrijr/shipit/internal/engine"
	"github.com/petrijr/shipit/pkg/api"
	"github.com/petrijr/shipit/pkg/capability"
)

type fakeReleases struct {
	mu sync.Mutex

	latest     *capability.Release
	latestErrs []error // returned in order before latest
	created    []capability.CreateReleaseInput
	published  []int64
	calls      int
}

func (f *fakeReleases) GetLatestRelease(ctx context.Context, owner, repo string) (*capability.Release, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if len(f.latestErrs) > 0 {
		err := f.latestErrs[0]
		f.latestErrs = f.latestErrs[1:]
		return nil, err
	}
	if f.latest == nil {
		return nil, capability.ErrNotFound
	}
	return f.latest, nil
}

func (f *fakeReleases) CreateRelease(ctx context.Context, in capability.CreateReleaseInput) (*capability.Release, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.created = append(f.created, in)
	return &capability.Release{
		ID:      int64(len(f.created)),
		TagName: in.TagName,
		Name:    in.ReleaseName,
		Target:  in.Branch,
		Draft:   in.IsDraft,
		HTMLURL: "https://github.com/" + in.Owner + "/" + in.Repo + "/releases/tag/" + in.TagName,
	}, nil
}

func (f *fakeReleases) PublishRelease(ctx context.Context, owner, repo string, id int64) (*capability.Release, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.published = append(f.published, id)
	return &capability.Release{ID: id, TagName: "v2.0.0", Name: "Release v2.0.0", Body: "notes"}, nil
}

func (f *fakeReleases) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeCompleter struct {
	mu       sync.Mutex
	content  string
	err      error
	requests []capability.CompletionRequest
}

func (f *fakeCompleter) Complete(ctx context.Context, req capability.CompletionRequest) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, req)
	return f.content, f.err
}

func (f *fakeCompleter) requestCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.requests)
}

func fastRetry() *api.RetryPolicy {
	p := DefaultRetryPolicy()
	p.InitialBackoff = time.Millisecond
	p.MaxBackoff = 5 * time.Millisecond
	return &p
}

func startWorkflow(t *testing.T, opts Options, gh *fakeReleases, ai *fakeCompleter) (api.Engine, api.Target) {
	t.Helper()
	if opts.Retry == nil {
		opts.Retry = fastRetry()
	}
	w, err := New(opts)
	require.NoError(t, err)

	eng := engine.NewInMemoryEngine()
	t.Cleanup(eng.Close)
	require.NoError(t, Register(eng, w, gh, ai, 2))

	_, err = eng.ScheduleWorkflow(context.Background(), WorkflowName, "hello", api.ScheduleOptions{Exclusive: true})
	require.NoError(t, err)
	return eng, api.Target{WorkflowID: "hello"}
}

func sendCreate(t *testing.T, eng api.Engine, target api.Target, in CreateReleaseInput) (any, error) {
	t.Helper()
	ev, err := api.NewEvent(EventCreateRelease, in)
	require.NoError(t, err)
	return eng.SendEvent(context.Background(), target, ev)
}

func TestCreateRelease_NonDefaultBranchSkipsProviders(t *testing.T) {
	gh := &fakeReleases{}
	ai := &fakeCompleter{}
	eng, target := startWorkflow(t, Options{}, gh, ai)

	out, err := sendCreate(t, eng, target, CreateReleaseInput{
		Repository: "acme/widget", Branch: "feature/x", DefaultBranch: "main",
	})
	require.NoError(t, err)
	require.Nil(t, out)
	require.Zero(t, gh.callCount())
	require.Zero(t, ai.requestCount())
}

func TestCreateRelease_FirstRelease(t *testing.T) {
	gh := &fakeReleases{}
	ai := &fakeCompleter{}
	eng, target := startWorkflow(t, Options{}, gh, ai)

	out, err := sendCreate(t, eng, target, CreateReleaseInput{
		Repository: "acme/widget", Branch: "main", DefaultBranch: "main",
	})
	require.NoError(t, err)

	rel, ok := out.(*capability.Release)
	require.True(t, ok)
	require.Equal(t, "v1.0.0", rel.TagName)
	require.Zero(t, ai.requestCount())

	require.Equal(t, []capability.CreateReleaseInput{{
		Owner:       "acme",
		Repo:        "widget",
		TagName:     "v1.0.0",
		ReleaseName: "Release v1.0.0",
		Branch:      "main",
		IsDraft:     false,
	}}, gh.created)
}

func TestCreateRelease_UsesSuggestedTag(t *testing.T) {
	gh := &fakeReleases{latest: &capability.Release{TagName: "v1.2.0"}}
	ai := &fakeCompleter{content: `{"tagName":"v1.3.0"}`}
	eng, target := startWorkflow(t, Options{}, gh, ai)

	out, err := sendCreate(t, eng, target, CreateReleaseInput{
		Repository: "acme/widget", Branch: "main", DefaultBranch: "main",
	})
	require.NoError(t, err)

	rel := out.(*capability.Release)
	require.Equal(t, "v1.3.0", rel.TagName)
	require.Equal(t, "Release v1.3.0", rel.Name)
	require.False(t, rel.Draft)

	require.Len(t, ai.requests, 1)
	req := ai.requests[0]
	require.Equal(t, DefaultModel, req.Model)
	require.Contains(t, req.UserPrompt, "v1.2.0")
	require.NotNil(t, req.Schema)
	require.Equal(t, NextTagSchema.Name, req.Schema.Name)

	inst, err := eng.GetInstance(context.Background(), target)
	require.NoError(t, err)
	require.JSONEq(t, `"v1.3.0"`, string(inst.Vars[VarLastTagName]))
	require.Equal(t, api.StatusRunning, inst.Status)
}

func TestCreateRelease_UnusableSuggestionFallsBack(t *testing.T) {
	for name, content := range map[string]string{
		"empty":        "",
		"not json":     "v1.3.0",
		"wrong schema": `{"tag":"v1.3.0"}`,
		"empty tag":    `{"tagName":""}`,
	} {
		t.Run(name, func(t *testing.T) {
			gh := &fakeReleases{latest: &capability.Release{TagName: "v1.2.0"}}
			ai := &fakeCompleter{content: content}
			eng, target := startWorkflow(t, Options{}, gh, ai)

			out, err := sendCreate(t, eng, target, CreateReleaseInput{
				Repository: "acme/widget", Branch: "main", DefaultBranch: "main",
			})
			require.NoError(t, err)
			require.Equal(t, "v1.0.0", out.(*capability.Release).TagName)
		})
	}
}

func TestCreateRelease_StrictSuggestionFails(t *testing.T) {
	gh := &fakeReleases{latest: &capability.Release{TagName: "v1.2.0"}}
	ai := &fakeCompleter{content: `not json`}
	eng, target := startWorkflow(t, Options{StrictTagSuggestion: true}, gh, ai)

	_, err := sendCreate(t, eng, target, CreateReleaseInput{
		Repository: "acme/widget", Branch: "main", DefaultBranch: "main",
	})
	var sv *capability.SchemaViolationError
	require.ErrorAs(t, err, &sv)
	require.Empty(t, gh.created)
}

func TestCreateRelease_LatestLookupFailureIsAbsorbed(t *testing.T) {
	gh := &fakeReleases{
		latest:     &capability.Release{TagName: "v1.2.0"},
		latestErrs: []error{&capability.ProviderError{Provider: "github", Op: "getLatestRelease", StatusCode: 401, Err: errors.New("bad credentials")}},
	}
	ai := &fakeCompleter{content: `{"tagName":"v1.3.0"}`}
	eng, target := startWorkflow(t, Options{}, gh, ai)

	out, err := sendCreate(t, eng, target, CreateReleaseInput{
		Repository: "acme/widget", Branch: "main", DefaultBranch: "main",
	})
	require.NoError(t, err)
	require.Equal(t, "v1.0.0", out.(*capability.Release).TagName)
	require.Zero(t, ai.requestCount())
}

func TestCreateRelease_RetriesRetryableLookup(t *testing.T) {
	unavailable := &capability.ProviderError{Provider: "github", Op: "getLatestRelease", StatusCode: 503, Retryable: true, Err: errors.New("unavailable")}
	gh := &fakeReleases{
		latest:     &capability.Release{TagName: "v1.2.0"},
		latestErrs: []error{unavailable, unavailable},
	}
	ai := &fakeCompleter{content: `{"tagName":"v1.3.0"}`}
	eng, target := startWorkflow(t, Options{}, gh, ai)

	out, err := sendCreate(t, eng, target, CreateReleaseInput{
		Repository: "acme/widget", Branch: "main", DefaultBranch: "main",
	})
	require.NoError(t, err)
	require.Equal(t, "v1.3.0", out.(*capability.Release).TagName)
}

func TestCreateRelease_CompletionErrorPropagates(t *testing.T) {
	quota := &capability.ProviderError{Provider: "openai", Op: "complete", StatusCode: 402, Err: errors.New("quota exceeded")}
	gh := &fakeReleases{latest: &capability.Release{TagName: "v1.2.0"}}
	ai := &fakeCompleter{err: quota}
	eng, target := startWorkflow(t, Options{}, gh, ai)

	_, err := sendCreate(t, eng, target, CreateReleaseInput{
		Repository: "acme/widget", Branch: "main", DefaultBranch: "main",
	})
	require.ErrorIs(t, err, quota)
	require.Empty(t, gh.created)

	// The instance keeps serving events after a handler failure.
	ai.mu.Lock()
	ai.err = nil
	ai.content = `{"tagName":"v1.3.0"}`
	ai.mu.Unlock()
	out, err := sendCreate(t, eng, target, CreateReleaseInput{
		Repository: "acme/widget", Branch: "main", DefaultBranch: "main",
	})
	require.NoError(t, err)
	require.Equal(t, "v1.3.0", out.(*capability.Release).TagName)
}

func TestCreateRelease_CustomAdmissionRule(t *testing.T) {
	gh := &fakeReleases{}
	ai := &fakeCompleter{}
	eng, target := startWorkflow(t, Options{AdmissionRule: `branch startsWith "release/"`}, gh, ai)

	out, err := sendCreate(t, eng, target, CreateReleaseInput{
		Repository: "acme/widget", Branch: "main", DefaultBranch: "main",
	})
	require.NoError(t, err)
	require.Nil(t, out)

	out, err = sendCreate(t, eng, target, CreateReleaseInput{
		Repository: "acme/widget", Branch: "release/1.x", DefaultBranch: "main",
	})
	require.NoError(t, err)
	require.Equal(t, "release/1.x", gh.created[0].Branch)
	require.NotNil(t, out)
}

func TestCreateRelease_InvalidRepository(t *testing.T) {
	eng, target := startWorkflow(t, Options{}, &fakeReleases{}, &fakeCompleter{})

	_, err := sendCreate(t, eng, target, CreateReleaseInput{
		Repository: "widget", Branch: "main", DefaultBranch: "main",
	})
	require.ErrorContains(t, err, "invalid repository")
}

func TestCreateRelease_RejectedPushIgnoresRepository(t *testing.T) {
	gh := &fakeReleases{}
	eng, target := startWorkflow(t, Options{}, gh, &fakeCompleter{})

	out, err := sendCreate(t, eng, target, CreateReleaseInput{
		Repository: "widget", Branch: "feature/x", DefaultBranch: "main",
	})
	require.NoError(t, err)
	require.Nil(t, out)
	require.Zero(t, gh.callCount())

	inst, err := eng.GetInstance(context.Background(), target)
	require.NoError(t, err)
	require.NotContains(t, inst.Vars, VarLastTagName)
}

func TestGreeting(t *testing.T) {
	ai := &fakeCompleter{content: "Hi! I will watch your commits."}
	eng, target := startWorkflow(t, Options{Model: "gpt-4o"}, &fakeReleases{}, ai)

	out, err := eng.SendEvent(context.Background(), target, api.Event{Name: EventGreeting})
	require.NoError(t, err)
	require.Equal(t, &GreetingOutput{AssistantMessage: "Hi! I will watch your commits."}, out)

	require.Len(t, ai.requests, 1)
	require.Equal(t, "gpt-4o", ai.requests[0].Model)
	require.Nil(t, ai.requests[0].Schema)
	require.Equal(t, greetingSystemPrompt, ai.requests[0].SystemPrompt)
}

func TestGreeting_FailureIsSurfaced(t *testing.T) {
	boom := &capability.ProviderError{Provider: "openai", Op: "complete", StatusCode: 401, Err: errors.New("invalid key")}
	eng, target := startWorkflow(t, Options{}, &fakeReleases{}, &fakeCompleter{err: boom})

	out, err := eng.SendEvent(context.Background(), target, api.Event{Name: EventGreeting})
	require.ErrorIs(t, err, boom)
	require.Nil(t, out)
}

func TestPublishRelease(t *testing.T) {
	gh := &fakeReleases{}
	eng, target := startWorkflow(t, Options{}, gh, &fakeCompleter{})

	ev, err := api.NewEvent(EventPublishRelease, PublishReleaseInput{ID: 42, Owner: "acme", Repo: "widget"})
	require.NoError(t, err)
	out, err := eng.SendEvent(context.Background(), target, ev)
	require.NoError(t, err)

	require.Equal(t, &capability.Release{ID: 42, TagName: "v2.0.0", Name: "Release v2.0.0", Body: "notes"}, out)
	require.Equal(t, []int64{42}, gh.published)
}

func TestWorkflow_StaysAliveUntilTerminated(t *testing.T) {
	eng, target := startWorkflow(t, Options{}, &fakeReleases{}, &fakeCompleter{})
	ctx := context.Background()

	_, err := eng.ScheduleWorkflow(ctx, WorkflowName, "hello", api.ScheduleOptions{Exclusive: true})
	var schedErr *api.SchedulingError
	require.ErrorAs(t, err, &schedErr)

	require.NoError(t, eng.Terminate(ctx, target, "retired"))
	_, err = eng.SendEvent(ctx, target, api.Event{Name: EventGreeting})
	require.ErrorIs(t, err, api.ErrWorkflowTerminated)
}

func TestNew_RejectsInvalidRule(t *testing.T) {
	_, err := New(Options{AdmissionRule: "branch =="})
	require.Error(t, err)

	_, err = New(Options{AdmissionRule: `branch + "x"`})
	require.Error(t, err)
}
