// Package expr compiles the CEL retry conditions operators attach to cache
// profiles. A condition sees the classified fetch failure and decides whether
// another attempt is worth making.
package expr

import (
	"fmt"
	"strings"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
	"github.com/google/cel-go/common/types/ref"

	"github.com/l0p7/requery"
)

// Environment builds and compiles CEL programs against fetch failure
// attributes.
type Environment struct {
	env *cel.Env
}

// NewEnvironment declares the CEL variables exposed to retry conditions:
// kind ("network", "server", "conflict" or "unknown"), status (the HTTP-like
// code, 0 when absent) and message (the error text).
func NewEnvironment() (*Environment, error) {
	env, err := cel.NewEnv(
		cel.Variable("kind", cel.StringType),
		cel.Variable("status", cel.IntType),
		cel.Variable("message", cel.StringType),
		cel.HomogeneousAggregateLiterals(),
	)
	if err != nil {
		return nil, fmt.Errorf("expr: build environment: %w", err)
	}
	return &Environment{env: env}, nil
}

// Rule wraps a compiled retry condition.
type Rule struct {
	source  string
	program cel.Program
}

// Compile prepares the condition for execution, ensuring the expression
// yields a boolean.
func (e *Environment) Compile(expression string) (Rule, error) {
	expr := strings.TrimSpace(expression)
	if expr == "" {
		return Rule{}, fmt.Errorf("expr: expression required")
	}
	ast, issues := e.env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return Rule{}, fmt.Errorf("expr: compile %q: %w", expr, issues.Err())
	}
	if t := ast.OutputType(); t != cel.BoolType && t != cel.DynType {
		return Rule{}, fmt.Errorf("expr: %q must return bool, got %s", expr, cel.FormatCELType(t))
	}
	program, err := e.env.Program(ast)
	if err != nil {
		return Rule{}, fmt.Errorf("expr: program %q: %w", expr, err)
	}
	return Rule{source: expr, program: program}, nil
}

// Source returns the original CEL expression for logging.
func (r Rule) Source() string { return r.source }

// Allow reports whether the failure described by err warrants another fetch
// attempt.
func (r Rule) Allow(err error) (bool, error) {
	if r.program == nil {
		return false, fmt.Errorf("expr: rule not initialized")
	}
	val, _, everr := r.program.Eval(activationFor(err))
	if everr != nil {
		return false, fmt.Errorf("expr: eval %q: %w", r.source, everr)
	}
	switch v := val.(type) {
	case types.Bool:
		return bool(v), nil
	case ref.Val:
		if v.Type() == types.BoolType {
			if b, ok := v.Value().(bool); ok {
				return b, nil
			}
		}
	}
	return false, fmt.Errorf("expr: %q yielded non-bool result %T", r.source, val)
}

func activationFor(err error) map[string]any {
	kind := "unknown"
	status := 0
	message := ""
	if err != nil {
		message = err.Error()
	}
	if remote, ok := requery.AsRemoteError(err); ok {
		kind = string(remote.Kind)
		status = remote.Status
		if remote.Message != "" {
			message = remote.Message
		}
	}
	return map[string]any{
		"kind":    kind,
		"status":  status,
		"message": message,
	}
}
