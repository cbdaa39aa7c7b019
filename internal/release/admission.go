package release

import (
	"fmt"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
)

// DefaultAdmissionRule admits pushes to the repository's default branch only.
const DefaultAdmissionRule = "branch == defaultBranch"

// AdmissionEnv is the environment an admission rule is evaluated against.
type AdmissionEnv struct {
	Repository    string `expr:"repository"`
	Branch        string `expr:"branch"`
	DefaultBranch string `expr:"defaultBranch"`
}

// AdmissionRule decides whether a push may trigger a release.
type AdmissionRule struct {
	source  string
	program *vm.Program
}

// NewAdmissionRule compiles expression. An empty expression selects
// DefaultAdmissionRule. The expression must evaluate to a boolean.
func NewAdmissionRule(expression string) (*AdmissionRule, error) {
	if expression == "" {
		expression = DefaultAdmissionRule
	}
	program, err := expr.Compile(expression, expr.Env(AdmissionEnv{}), expr.AsBool())
	if err != nil {
		return nil, fmt.Errorf("compile admission rule %q: %w", expression, err)
	}
	return &AdmissionRule{source: expression, program: program}, nil
}

func (r *AdmissionRule) String() string {
	return r.source
}

// Admit evaluates the rule against env.
func (r *AdmissionRule) Admit(env AdmissionEnv) (bool, error) {
	out, err := expr.Run(r.program, env)
	if err != nil {
		return false, fmt.Errorf("evaluate admission rule %q: %w", r.source, err)
	}
	ok, isBool := out.(bool)
	if !isBool {
		return false, fmt.Errorf("admission rule %q did not evaluate to a boolean, got %T", r.source, out)
	}
	return ok, nil
}
