package types

import "fmt"

// byIDExpr is the expression produced by ByID. Backends recognize it and
// turn the query into a primary-key lookup.
const byIDExpr = "e.id == args.id"

// Predicate selects records of one kind. Expr is a CEL boolean expression
// evaluated against the stored record, exposed as the map `e` keyed by JSON
// field names, and the caller's arguments exposed as the map `args`.
// An empty Expr matches every record.
//
// Argument values are part of the predicate's shape: two predicates with
// the same expression and different arguments are different queries.
type Predicate struct {
	Expr string
	Args map[string]any
}

// All matches every record.
func All() Predicate {
	return Predicate{}
}

// ByID matches the record with the given identifier.
func ByID(id int64) Predicate {
	return Predicate{Expr: byIDExpr, Args: map[string]any{"id": id}}
}

// Where builds a predicate from an expression and alternating argument
// names and values: Where("e.name == args.name", "name", "Table 4").
// It panics on an odd or non-string key list; that is a programming error.
func Where(expr string, kv ...any) Predicate {
	if len(kv)%2 != 0 {
		panic(fmt.Sprintf("types.Where: odd argument list for %q", expr))
	}
	p := Predicate{Expr: expr}
	if len(kv) > 0 {
		p.Args = make(map[string]any, len(kv)/2)
	}
	for i := 0; i < len(kv); i += 2 {
		key, ok := kv[i].(string)
		if !ok {
			panic(fmt.Sprintf("types.Where: argument name %v is not a string", kv[i]))
		}
		p.Args[key] = kv[i+1]
	}
	return p
}

// LookupID reports whether the predicate is a primary-key lookup and
// returns the identifier.
func (p Predicate) LookupID() (int64, bool) {
	if p.Expr != byIDExpr {
		return 0, false
	}
	switch v := p.Args["id"].(type) {
	case int64:
		return v, true
	case int:
		return int64(v), true
	}
	return 0, false
}

// String returns the expression for logging.
func (p Predicate) String() string {
	if p.Expr == "" {
		return "true"
	}
	return p.Expr
}
