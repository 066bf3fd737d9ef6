// Package expr provides the sandboxed condition/interpolation evaluator
// used by gateway decisions, script tasks, loop conditions, and
// correlation-key/send-task interpolation throughout engine. It is grounded on the mindersec-minder CEL selector
// evaluator (internal/engine/selectors/selectors.go): a single compiled
// environment, per-expression parse+check+cache, and sentinel errors for
// the caller to branch on.
package expr

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"sync"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
	"github.com/google/cel-go/common/types/ref"
	"github.com/google/cel-go/common/types/traits"
)

// ErrResultUnknown is returned when a condition evaluates to something
// other than a boolean (the expression compiled and ran, but did not
// produce a usable answer).
var ErrResultUnknown = errors.New("expr: result is not a boolean")

// ErrCheck is returned when an expression fails to parse or type-check.
var ErrCheck = errors.New("expr: failed to compile expression")

// Evaluator compiles and runs the §4.1 expression grammar: comparison
// operators, boolean and/or/not, numeric arithmetic, string literals,
// ${var} interpolation, and calls to the fixed safe function set
// (len, sum, all, any). It never executes arbitrary host code, satisfying
// the sandboxing non-goal.
type Evaluator struct {
	env *cel.Env

	mu    sync.Mutex
	cache map[string]cel.Program
}

// New builds an Evaluator with the fixed custom-function set bound into a
// single CEL environment, shared across all Evaluate/Interpolate calls.
func New() (*Evaluator, error) {
	env, err := cel.NewEnv(
		cel.Variable("ctx", cel.MapType(cel.StringType, cel.DynType)),
		cel.Function("len",
			cel.Overload("len_list", []*cel.Type{cel.ListType(cel.DynType)}, cel.IntType,
				cel.UnaryBinding(func(v ref.Val) ref.Val {
					l, ok := v.(traits.Lister)
					if !ok {
						return types.NewErr("len: not a list")
					}
					return l.Size()
				})),
		),
		cel.Function("sum",
			cel.Overload("sum_list", []*cel.Type{cel.ListType(cel.DynType)}, cel.DoubleType,
				cel.UnaryBinding(sumBinding)),
		),
		cel.Function("all",
			cel.Overload("all_list", []*cel.Type{cel.ListType(cel.DynType)}, cel.BoolType,
				cel.UnaryBinding(allBinding)),
		),
		cel.Function("any",
			cel.Overload("any_list", []*cel.Type{cel.ListType(cel.DynType)}, cel.BoolType,
				cel.UnaryBinding(anyBinding)),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("expr: building CEL environment: %w", err)
	}
	return &Evaluator{env: env, cache: make(map[string]cel.Program)}, nil
}

func (e *Evaluator) compile(expression string) (cel.Program, error) {
	e.mu.Lock()
	if p, ok := e.cache[expression]; ok {
		e.mu.Unlock()
		return p, nil
	}
	e.mu.Unlock()

	ast, issues := e.env.Compile(toCELSyntax(expression))
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("%w: %s: %s", ErrCheck, expression, issues.Err())
	}
	prg, err := e.env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %s", ErrCheck, expression, err)
	}

	e.mu.Lock()
	e.cache[expression] = prg
	e.mu.Unlock()
	return prg, nil
}

// toCELSyntax rewrites every ${path} reference in expression into the
// dotted ctx.path form CEL expects, so a condition written in the
// documented ${var} grammar (e.g. "${sum} > 10") compiles as valid CEL
// alongside the native "ctx.sum > 10" form. Expressions with no ${...}
// occurrences pass through unchanged.
func toCELSyntax(expression string) string {
	return interpPattern.ReplaceAllStringFunc(expression, func(m string) string {
		path := strings.TrimSuffix(strings.TrimPrefix(m, "${"), "}")
		return "ctx." + path
	})
}

// Evaluate runs a condition expression over ctx, returning its boolean
// result. A failing evaluation returns (false, err). GatewayEvaluator
// treats such a flow as not-taken; no expression.error event is emitted
// for it.
func (e *Evaluator) Evaluate(expression string, ctx map[string]any) (bool, error) {
	prg, err := e.compile(expression)
	if err != nil {
		return false, err
	}
	out, _, err := prg.Eval(map[string]any{"ctx": ctx})
	if err != nil {
		return false, fmt.Errorf("expr: evaluating %q: %w", expression, err)
	}
	b, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("%w: %q", ErrResultUnknown, expression)
	}
	return b, nil
}

var interpPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// Interpolate replaces every ${path} occurrence in tmpl with the value at
// the dotted path within ctx, stringified. A missing path yields an empty
// string, per §4.1.
func (e *Evaluator) Interpolate(tmpl string, ctx map[string]any) string {
	return interpPattern.ReplaceAllStringFunc(tmpl, func(m string) string {
		path := strings.TrimSuffix(strings.TrimPrefix(m, "${"), "}")
		v, ok := lookupPath(ctx, path)
		if !ok {
			return ""
		}
		return stringify(v)
	})
}

func lookupPath(ctx map[string]any, path string) (any, bool) {
	parts := strings.Split(path, ".")
	var cur any = ctx
	for _, p := range parts {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		v, ok := m[p]
		if !ok {
			return nil, false
		}
		cur = v
	}
	return cur, true
}

func stringify(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case fmt.Stringer:
		return t.String()
	case float64:
		return strconv.FormatFloat(t, 'g', -1, 64)
	case int:
		return strconv.Itoa(t)
	case bool:
		return strconv.FormatBool(t)
	default:
		return fmt.Sprintf("%v", t)
	}
}

// EvaluateScript runs the small assignment-only script extension named in
// §9's "dynamic scripts" re-architecture strategy: a sequence of
// `path = expression` statements (newline or ";" separated) executed over
// a mutable copy of ctx, finishing with the value of the last expression
// statement (one with no "="). A statement that is just a context path
// (e.g. "sum" after "sum = ...") yields the value at that path. Anything beyond assignment/expression
// statements is rejected at compile time, keeping the sandbox contract
// from §4.1 intact.
func (e *Evaluator) EvaluateScript(script string, ctx map[string]any) (any, error) {
	work := make(map[string]any, len(ctx))
	for k, v := range ctx {
		work[k] = v
	}
	var last any
	for _, stmt := range splitStatements(script) {
		stmt = strings.TrimSpace(stmt)
		if stmt == "" {
			continue
		}
		if idx := assignSplit(stmt); idx >= 0 {
			target := strings.TrimSpace(stmt[:idx])
			rhs := strings.TrimSpace(stmt[idx+1:])
			prg, err := e.compile(rhs)
			if err != nil {
				return nil, err
			}
			out, _, err := prg.Eval(map[string]any{"ctx": work})
			if err != nil {
				return nil, fmt.Errorf("expr: evaluating script statement %q: %w", stmt, err)
			}
			work[target] = out.Value()
			last = out.Value()
			continue
		}
		if v, ok := lookupPath(work, stmt); ok {
			last = v
			continue
		}
		prg, err := e.compile(stmt)
		if err != nil {
			return nil, err
		}
		out, _, err := prg.Eval(map[string]any{"ctx": work})
		if err != nil {
			return nil, fmt.Errorf("expr: evaluating script statement %q: %w", stmt, err)
		}
		last = out.Value()
	}
	return last, nil
}

func splitStatements(script string) []string {
	script = strings.ReplaceAll(script, ";", "\n")
	return strings.Split(script, "\n")
}

// assignSplit finds the position of a top-level "=" that is not part of
// "==", "!=", "<=", ">=". Returns -1 if this statement is a bare
// expression, not an assignment.
func assignSplit(stmt string) int {
	for i := 0; i < len(stmt); i++ {
		if stmt[i] != '=' {
			continue
		}
		if i+1 < len(stmt) && stmt[i+1] == '=' {
			i++
			continue
		}
		if i > 0 && (stmt[i-1] == '!' || stmt[i-1] == '<' || stmt[i-1] == '>') {
			continue
		}
		return i
	}
	return -1
}

func sumBinding(v ref.Val) ref.Val {
	l, ok := v.(traits.Lister)
	if !ok {
		return types.NewErr("sum: not a list")
	}
	var total float64
	it := l.Iterator()
	for it.HasNext() == types.True {
		elem := it.Next()
		switch n := elem.Value().(type) {
		case float64:
			total += n
		case int64:
			total += float64(n)
		default:
			return types.NewErr("sum: element %v is not numeric", elem)
		}
	}
	return types.Double(total)
}

func allBinding(v ref.Val) ref.Val {
	l, ok := v.(traits.Lister)
	if !ok {
		return types.NewErr("all: not a list")
	}
	it := l.Iterator()
	for it.HasNext() == types.True {
		elem := it.Next()
		b, ok := elem.Value().(bool)
		if !ok || !b {
			return types.False
		}
	}
	return types.True
}

func anyBinding(v ref.Val) ref.Val {
	l, ok := v.(traits.Lister)
	if !ok {
		return types.NewErr("any: not a list")
	}
	it := l.Iterator()
	for it.HasNext() == types.True {
		elem := it.Next()
		if b, ok := elem.Value().(bool); ok && b {
			return types.True
		}
	}
	return types.False
}
