// Package expr compiles the CEL predicates used by the interception
// deny-list. Rules evaluate against a request snapshot and must yield a
// boolean; a true result means the request bypasses interception entirely.
package expr

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
	"github.com/google/cel-go/common/types/ref"
)

// Environment builds and compiles CEL programs against an intercepted
// request snapshot.
type Environment struct {
	env *cel.Env
}

// NewRequestEnvironment declares the CEL variables exposed to deny rules.
func NewRequestEnvironment() (*Environment, error) {
	env, err := cel.NewEnv(
		cel.Variable("request", cel.MapType(cel.StringType, cel.DynType)),
		cel.HomogeneousAggregateLiterals(),
	)
	if err != nil {
		return nil, fmt.Errorf("expr: build environment: %w", err)
	}
	return &Environment{env: env}, nil
}

// Program wraps a compiled CEL program that yields a boolean result.
type Program struct {
	source  string
	program cel.Program
}

// Compile prepares the program for execution, ensuring the expression yields
// a boolean.
func (e *Environment) Compile(expression string) (Program, error) {
	trimmed := strings.TrimSpace(expression)
	if trimmed == "" {
		return Program{}, fmt.Errorf("expr: empty expression")
	}
	ast, issues := e.env.Compile(trimmed)
	if issues != nil && issues.Err() != nil {
		return Program{}, fmt.Errorf("expr: compile %q: %w", trimmed, issues.Err())
	}
	if ast.OutputType() != cel.BoolType {
		return Program{}, fmt.Errorf("expr: %q must yield a boolean, got %s", trimmed, ast.OutputType())
	}
	program, err := e.env.Program(ast)
	if err != nil {
		return Program{}, fmt.Errorf("expr: program %q: %w", trimmed, err)
	}
	return Program{source: trimmed, program: program}, nil
}

// CompileAll compiles every expression, failing on the first invalid rule.
func (e *Environment) CompileAll(expressions []string) ([]Program, error) {
	programs := make([]Program, 0, len(expressions))
	for _, source := range expressions {
		program, err := e.Compile(source)
		if err != nil {
			return nil, err
		}
		programs = append(programs, program)
	}
	return programs, nil
}

// EvalBool executes the program against the provided activation and coerces
// the result to bool.
func (p Program) EvalBool(vars map[string]any) (bool, error) {
	if p.program == nil {
		return false, fmt.Errorf("expr: program not initialized")
	}
	val, _, err := p.program.Eval(vars)
	if err != nil {
		return false, fmt.Errorf("expr: eval %q: %w", p.source, err)
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
	return false, fmt.Errorf("expr: %q yielded non-bool result %T", p.source, val)
}

// Source returns the original CEL expression for logging.
func (p Program) Source() string { return p.source }

// RequestActivation converts an HTTP request into the activation map deny
// rules evaluate against.
func RequestActivation(r *http.Request, class string) map[string]any {
	snapshot := map[string]any{
		"method": r.Method,
		"path":   r.URL.Path,
		"query":  r.URL.RawQuery,
		"host":   r.Host,
		"class":  class,
	}
	return map[string]any{"request": snapshot}
}
