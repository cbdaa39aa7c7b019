package github

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/petrijr/shipit/pkg/capability"
)

func newTestClient(t *testing.T, h http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return New("secret-token", WithBaseURL(srv.URL), WithHTTPClient(srv.Client()))
}

func TestGetLatestRelease(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodGet, r.Method)
		require.Equal(t, "/repos/acme/widget/releases/latest", r.URL.Path)
		require.Equal(t, "Bearer secret-token", r.Header.Get("Authorization"))
		require.Equal(t, APIVersion, r.Header.Get("X-GitHub-Api-Version"))
		_, _ = io.WriteString(w, `{"id": 7, "tag_name": "v1.2.0", "name": "Release v1.2.0", "html_url": "https://github.com/acme/widget/releases/tag/v1.2.0"}`)
	})

	rel, err := c.GetLatestRelease(context.Background(), "acme", "widget")
	require.NoError(t, err)
	require.Equal(t, int64(7), rel.ID)
	require.Equal(t, "v1.2.0", rel.TagName)
}

func TestGetLatestRelease_NotFound(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_, _ = io.WriteString(w, `{"message": "Not Found"}`)
	})

	_, err := c.GetLatestRelease(context.Background(), "acme", "widget")
	require.ErrorIs(t, err, capability.ErrNotFound)
	require.False(t, capability.IsRetryable(err))
}

func TestCreateRelease(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/repos/acme/widget/releases", r.URL.Path)

		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		require.Equal(t, "v1.3.0", body["tag_name"])
		require.Equal(t, "Release v1.3.0", body["name"])
		require.Equal(t, "main", body["target_commitish"])
		require.Equal(t, false, body["draft"])

		w.WriteHeader(http.StatusCreated)
		_, _ = io.WriteString(w, `{"id": 8, "tag_name": "v1.3.0", "name": "Release v1.3.0", "html_url": "https://example/v1.3.0"}`)
	})

	rel, err := c.CreateRelease(context.Background(), capability.CreateReleaseInput{
		Owner: "acme", Repo: "widget", TagName: "v1.3.0", ReleaseName: "Release v1.3.0", Branch: "main",
	})
	require.NoError(t, err)
	require.Equal(t, int64(8), rel.ID)
	require.Equal(t, "https://example/v1.3.0", rel.HTMLURL)
}

func TestPublishRelease(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPatch, r.Method)
		require.Equal(t, "/repos/acme/widget/releases/42", r.URL.Path)

		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		require.Equal(t, false, body["draft"])

		_, _ = io.WriteString(w, `{"id": 42, "tag_name": "v2.0.0", "draft": false}`)
	})

	rel, err := c.PublishRelease(context.Background(), "acme", "widget", 42)
	require.NoError(t, err)
	require.False(t, rel.Draft)
	require.Equal(t, int64(42), rel.ID)
}

func TestServerErrorsAreRetryable(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	})

	_, err := c.CreateRelease(context.Background(), capability.CreateReleaseInput{Owner: "acme", Repo: "widget", TagName: "v1.0.0"})
	var pe *capability.ProviderError
	require.ErrorAs(t, err, &pe)
	require.Equal(t, http.StatusBadGateway, pe.StatusCode)
	require.True(t, capability.IsRetryable(err))
}

func TestValidationErrorIsPermanent(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
		_, _ = io.WriteString(w, `{"message": "Validation Failed"}`)
	})

	_, err := c.CreateRelease(context.Background(), capability.CreateReleaseInput{Owner: "acme", Repo: "widget", TagName: "v1.0.0"})
	require.ErrorContains(t, err, "Validation Failed")
	require.False(t, capability.IsRetryable(err))
}
