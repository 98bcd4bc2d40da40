package expr

import (
	"fmt"

	"github.com/expr-lang/expr"
)

// EvalBool runs a compiled rule against env.
func EvalBool(compiled *CompiledExpr, env Env) (bool, error) {
	if compiled == nil || compiled.program == nil {
		return false, fmt.Errorf("nil compiled expression")
	}
	if env.Labels == nil {
		env.Labels = map[string]string{}
	}
	result, err := expr.Run(compiled.program, env)
	if err != nil {
		return false, fmt.Errorf("expression eval error for %q: %w", compiled.Source, err)
	}
	b, ok := result.(bool)
	if !ok {
		return false, fmt.Errorf("expression %q returned %T, expected bool", compiled.Source, result)
	}
	return b, nil
}
