// Package predicate evaluates filter predicates against stored entity rows
// using CEL. A row is the entity's JSON payload decoded into a map, with the
// id and owner_id columns merged in. Expressions see the row as e and the
// predicate arguments as args.
package predicate

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/cel-go/cel"

	"github.com/mesh-intelligence/larder/pkg/types"
)

var (
	envOnce = sync.OnceValues(func() (*cel.Env, error) {
		return cel.NewEnv(
			cel.Variable("e", cel.MapType(cel.StringType, cel.DynType)),
			cel.Variable("args", cel.MapType(cel.StringType, cel.DynType)),
			cel.CrossTypeNumericComparisons(true),
		)
	})
	programs sync.Map // expression -> cel.Program
)

// Matcher is a compiled predicate.
type Matcher struct {
	expr    string
	program cel.Program
	args    map[string]any
}

// Compile parses and type-checks p. Compiled programs are cached by
// expression; arguments are bound per matcher.
func Compile(p types.Predicate) (*Matcher, error) {
	m := &Matcher{expr: p.Expr, args: normalizeMap(p.Args)}
	if p.Expr == "" {
		return m, nil
	}
	if cached, ok := programs.Load(p.Expr); ok {
		m.program = cached.(cel.Program)
		return m, nil
	}

	env, err := envOnce()
	if err != nil {
		return nil, fmt.Errorf("creating CEL environment: %w", err)
	}
	ast, issues := env.Compile(p.Expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("%w: %q: %v", types.ErrInvalidPredicate, p.Expr, issues.Err())
	}
	if t := ast.OutputType(); !t.IsExactType(cel.BoolType) && !t.IsExactType(cel.DynType) {
		return nil, fmt.Errorf("%w: %q evaluates to %s, want bool", types.ErrInvalidPredicate, p.Expr, t)
	}
	prg, err := env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("%w: %q: %v", types.ErrInvalidPredicate, p.Expr, err)
	}
	actual, _ := programs.LoadOrStore(p.Expr, prg)
	m.program = actual.(cel.Program)
	return m, nil
}

// Match reports whether row satisfies the predicate. An empty expression
// matches every row.
func (m *Matcher) Match(row map[string]any) (bool, error) {
	if m.program == nil {
		return true, nil
	}
	args := m.args
	if args == nil {
		args = map[string]any{}
	}
	out, _, err := m.program.Eval(map[string]any{"e": row, "args": args})
	if err != nil {
		return false, fmt.Errorf("%w: evaluating %q: %v", types.ErrInvalidPredicate, m.expr, err)
	}
	b, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("%w: %q returned %T, want bool", types.ErrInvalidPredicate, m.expr, out.Value())
	}
	return b, nil
}

// DecodeRow decodes an entity payload into a row with normalized numbers:
// integral values become int64 and the rest float64.
func DecodeRow(payload []byte) (map[string]any, error) {
	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.UseNumber()
	var row map[string]any
	if err := dec.Decode(&row); err != nil {
		return nil, fmt.Errorf("decoding row: %w", err)
	}
	if row == nil {
		row = map[string]any{}
	}
	return normalizeMap(row), nil
}

// Normalize converts a Go value into the representation CEL compares
// consistently with decoded rows.
func Normalize(v any) any {
	switch x := v.(type) {
	case json.Number:
		if i, err := x.Int64(); err == nil {
			return i
		}
		f, _ := x.Float64()
		return f
	case int:
		return int64(x)
	case int8:
		return int64(x)
	case int16:
		return int64(x)
	case int32:
		return int64(x)
	case uint8:
		return int64(x)
	case uint16:
		return int64(x)
	case uint32:
		return int64(x)
	case uint:
		return int64(x)
	case uint64:
		return int64(x)
	case float32:
		return float64(x)
	case time.Time:
		return x.UTC().Format(time.RFC3339Nano)
	case map[string]any:
		return normalizeMap(x)
	case []any:
		out := make([]any, len(x))
		for i := range x {
			out[i] = Normalize(x[i])
		}
		return out
	case []string:
		out := make([]any, len(x))
		for i := range x {
			out[i] = x[i]
		}
		return out
	default:
		return v
	}
}

func normalizeMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = Normalize(v)
	}
	return out
}
