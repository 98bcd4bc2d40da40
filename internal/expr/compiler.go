// Package expr compiles and evaluates the boolean rule expressions used by
// sync policies.
package expr

import (
	"fmt"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
)

// Env holds the variables a rule can reference.
type Env struct {
	Group       string            `expr:"group"`
	Environment string            `expr:"environment"`
	Target      string            `expr:"target"`
	Cluster     string            `expr:"cluster"`
	Namespace   string            `expr:"namespace"`
	Labels      map[string]string `expr:"labels"`
}

// CompiledExpr is a compiled rule ready for evaluation.
type CompiledExpr struct {
	Source  string
	program *vm.Program
}

// Compile type-checks source against Env and requires a boolean result.
func Compile(source string) (*CompiledExpr, error) {
	if source == "" {
		return nil, fmt.Errorf("empty expression")
	}
	program, err := expr.Compile(source, expr.Env(Env{}), expr.AsBool())
	if err != nil {
		return nil, fmt.Errorf("expression compile error: %w", err)
	}
	return &CompiledExpr{Source: source, program: program}, nil
}

// ValidateSyntax reports whether source compiles as a rule.
func ValidateSyntax(source string) error {
	_, err := Compile(source)
	return err
}
