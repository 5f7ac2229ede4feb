// Package condition provides safe boolean expression evaluation for
// gating optional pipeline steps.
package condition

import (
	"fmt"
	"strings"
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/conveyorhq/conveyor/pkg/types"
)

// denylist holds substrings that may never appear in a stored
// condition. Conditions originate from persisted pipeline definitions,
// so anything that smells like code execution is rejected up front.
var denylist = []string{
	"import",
	"exec",
	"system",
	"eval",
	"spawn",
	"require",
	"process",
	"__",
}

// Evaluator compiles and caches condition expressions. Compiled
// programs are reused across runs of the same pipeline.
type Evaluator struct {
	compiled map[string]*vm.Program
	mu       sync.RWMutex

	// MaxExpressionLength limits expression size (default: 1024).
	MaxExpressionLength int
}

// New creates a condition evaluator.
func New() *Evaluator {
	return &Evaluator{
		compiled:            make(map[string]*vm.Program),
		MaxExpressionLength: 1024,
	}
}

// Check validates an expression at definition time. It enforces the
// length limit and the code-execution denylist; it does not require the
// expression to compile, since unparseable conditions degrade to
// truthiness lookups at run time.
func (e *Evaluator) Check(expression string) error {
	if len(expression) > e.MaxExpressionLength {
		return types.NewFailure(types.CodeValidation, false,
			"condition exceeds maximum length of %d characters", e.MaxExpressionLength)
	}
	lowered := strings.ToLower(expression)
	for _, banned := range denylist {
		if strings.Contains(lowered, banned) {
			return types.NewFailure(types.CodeValidation, false,
				"condition contains forbidden token %q", banned)
		}
	}
	return nil
}

// Eval evaluates a condition against the variable scope. It never
// panics and never returns an error: an unparseable or failing
// expression degrades to the truthiness of the expression treated as a
// dotted variable path, else false.
func (e *Evaluator) Eval(expression string, vars map[string]interface{}) bool {
	expression = strings.TrimSpace(expression)
	if expression == "" {
		return true
	}
	if e.Check(expression) != nil {
		return false
	}

	if result, err := e.run(expression, vars); err == nil {
		return truthy(result)
	}

	// Fallback: treat the whole expression as a variable lookup.
	if v, ok := Lookup(vars, expression); ok {
		return truthy(v)
	}
	return false
}

func (e *Evaluator) run(expression string, vars map[string]interface{}) (result interface{}, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("condition panic: %v", r)
		}
	}()

	e.mu.RLock()
	prog, ok := e.compiled[expression]
	e.mu.RUnlock()

	if !ok {
		prog, err = expr.Compile(expression, expr.AllowUndefinedVariables())
		if err != nil {
			return nil, fmt.Errorf("compile condition %q: %w", expression, err)
		}
		e.mu.Lock()
		e.compiled[expression] = prog
		e.mu.Unlock()
	}

	env := make(map[string]interface{}, len(vars))
	for k, v := range vars {
		env[k] = v
	}
	return expr.Run(prog, env)
}

// Lookup resolves a dotted path ("job.status") through nested maps.
func Lookup(vars map[string]interface{}, path string) (interface{}, bool) {
	if v, ok := vars[path]; ok {
		return v, true
	}
	parts := strings.Split(path, ".")
	var current interface{} = vars
	for _, part := range parts {
		m, ok := current.(map[string]interface{})
		if !ok {
			return nil, false
		}
		current, ok = m[part]
		if !ok {
			return nil, false
		}
	}
	return current, true
}

func truthy(v interface{}) bool {
	switch val := v.(type) {
	case bool:
		return val
	case int:
		return val != 0
	case int64:
		return val != 0
	case float64:
		return val != 0
	case string:
		return val != "" && val != "false" && val != "0"
	case nil:
		return false
	default:
		return true
	}
}
