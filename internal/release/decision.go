package release

// InitialTag is the tag of the first release of a repository. It is also
// used when a tag suggestion is empty or invalid.
const InitialTag = "v1.0.0"

// Decision is the outcome of evaluating one push.
type Decision struct {
	ShouldRelease bool
	TagName       string

	// FromSuggestion is true when TagName came from the model.
	FromSuggestion bool
}

// Decide computes the release decision for an admitted or rejected push.
// latestTag is empty when the repository has no prior release; suggestion
// is empty when no usable suggestion was produced.
func Decide(admitted bool, latestTag, suggestion string) Decision {
	if !admitted {
		return Decision{}
	}
	if latestTag == "" || suggestion == "" {
		return Decision{ShouldRelease: true, TagName: InitialTag}
	}
	return Decision{ShouldRelease: true, TagName: suggestion, FromSuggestion: true}
}
