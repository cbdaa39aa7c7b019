package release

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/Masterminds/semver/v3"
	"github.com/xeipuuv/gojsonschema"

	"github.com/petrijr/shipit/pkg/capability"
)

const nextTagSchemaName = "next_tag_name"

// NextTagSchema constrains the model's answer to {"tagName": string}.
var NextTagSchema = capability.JSONSchema{
	Name: nextTagSchemaName,
	Schema: map[string]any{
		"type": "object",
		"properties": map[string]any{
			"tagName": map[string]any{"type": "string"},
		},
		"required":             []any{"tagName"},
		"additionalProperties": false,
	},
}

// NextTagName is the structured answer of the tag suggestion.
type NextTagName struct {
	TagName string `json:"tagName"`
}

var nextTagValidator = sync.OnceValues(func() (*gojsonschema.Schema, error) {
	return gojsonschema.NewSchema(gojsonschema.NewGoLoader(NextTagSchema.Schema))
})

// ParseSuggestion validates content against NextTagSchema and returns the
// suggested tag. Empty content, invalid JSON and schema mismatches are all
// reported as *capability.SchemaViolationError.
func ParseSuggestion(content string) (string, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return "", &capability.SchemaViolationError{Schema: nextTagSchemaName, Errors: []string{"empty response"}}
	}
	if !json.Valid([]byte(content)) {
		return "", &capability.SchemaViolationError{Schema: nextTagSchemaName, Errors: []string{"response is not valid JSON"}}
	}

	schema, err := nextTagValidator()
	if err != nil {
		return "", fmt.Errorf("invalid schema %s: %w", nextTagSchemaName, err)
	}
	result, err := schema.Validate(gojsonschema.NewStringLoader(content))
	if err != nil {
		return "", fmt.Errorf("validate %s: %w", nextTagSchemaName, err)
	}
	if !result.Valid() {
		errs := make([]string, len(result.Errors()))
		for i, desc := range result.Errors() {
			errs[i] = desc.String()
		}
		return "", &capability.SchemaViolationError{Schema: nextTagSchemaName, Errors: errs}
	}

	var out NextTagName
	if err := json.Unmarshal([]byte(content), &out); err != nil {
		return "", &capability.SchemaViolationError{Schema: nextTagSchemaName, Errors: []string{err.Error()}}
	}
	if out.TagName == "" {
		return "", &capability.SchemaViolationError{Schema: nextTagSchemaName, Errors: []string{"tagName: must not be empty"}}
	}
	return out.TagName, nil
}

// IsMinorBump reports whether next is current with the minor version
// incremented, the patch reset and the same "v" prefix convention.
func IsMinorBump(current, next string) bool {
	if strings.HasPrefix(current, "v") != strings.HasPrefix(next, "v") {
		return false
	}
	cur, err := semver.NewVersion(current)
	if err != nil {
		return false
	}
	nv, err := semver.NewVersion(next)
	if err != nil {
		return false
	}
	want := cur.IncMinor()
	return nv.Equal(&want)
}

const tagSystemPrompt = `You are a helpful assistant that determines the next tag name for a github release. You will be given the current release tag name. You will need to return the next tag name. For now only suggest a minor version bump. If the tag provided has any prefix such as "v" your suggestion should also include the "v" prefix.`

func tagUserPrompt(currentTag string) string {
	return "Here is the current release tag name: " + currentTag
}
