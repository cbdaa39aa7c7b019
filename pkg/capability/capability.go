// Package capability declares the external effects a release workflow may
// perform. Concrete providers live under pkg/providers; tests supply fakes.
package capability

import (
	"context"
	"time"
)

// Release is a repository release as reported by the release host.
type Release struct {
	ID          int64     `json:"id"`
	TagName     string    `json:"tag_name"`
	Name        string    `json:"name"`
	Body        string    `json:"body,omitempty"`
	Target      string    `json:"target_commitish,omitempty"`
	HTMLURL     string    `json:"html_url"`
	Draft       bool      `json:"draft"`
	Prerelease  bool      `json:"prerelease"`
	CreatedAt   time.Time `json:"created_at,omitempty"`
	PublishedAt time.Time `json:"published_at,omitempty"`
}

// CreateReleaseInput describes a release to create.
type CreateReleaseInput struct {
	Owner       string
	Repo        string
	TagName     string
	ReleaseName string
	Branch      string
	IsDraft     bool
}

// ReleaseManager manages releases of a source repository.
type ReleaseManager interface {
	// GetLatestRelease returns the newest published release. It returns an
	// error matching ErrNotFound when the repository has none.
	GetLatestRelease(ctx context.Context, owner, repo string) (*Release, error)

	CreateRelease(ctx context.Context, in CreateReleaseInput) (*Release, error)

	// PublishRelease turns the draft release id into a published one.
	PublishRelease(ctx context.Context, owner, repo string, id int64) (*Release, error)
}

// JSONSchema is a named JSON schema used to constrain a completion.
type JSONSchema struct {
	Name   string
	Schema map[string]any
}

// CompletionRequest is one system/user prompt pair for a chat model.
type CompletionRequest struct {
	SystemPrompt string
	UserPrompt   string
	Model        string

	// Schema, when set, asks the model for JSON matching the schema.
	Schema *JSONSchema
}

// Completer produces text completions.
type Completer interface {
	// Complete returns the content of the first choice. The content may be
	// empty.
	Complete(ctx context.Context, req CompletionRequest) (string, error)
}
