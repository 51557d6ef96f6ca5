package query

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/cespare/xxhash/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/mesh-intelligence/larder/internal/predicate"
	"github.com/mesh-intelligence/larder/pkg/types"
)

var memoLookups = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "larder",
	Subsystem: "query",
	Name:      "memo_lookups_total",
	Help:      "Predicate memo lookups by result (hit, miss).",
}, []string{"result"})

// memoEntry keeps the full shape next to the value so two shapes that hash
// alike never share an entry.
type memoEntry struct {
	shape string
	value types.Entity
}

// shape renders everything that distinguishes one query from another:
// kind, expression, normalized arguments and include paths.
func shape(kind string, p types.Predicate, includes []string) (string, error) {
	args := make(map[string]any, len(p.Args))
	for k, v := range p.Args {
		args[k] = predicate.Normalize(v)
	}
	encoded, err := json.Marshal(args)
	if err != nil {
		return "", fmt.Errorf("query: encoding arguments of %q: %w", p.Expr, err)
	}
	return kind + "\x00" + p.Expr + "\x00" + string(encoded) + "\x00" + strings.Join(includes, ","), nil
}

// SingleWithCache is Single with a process-lifetime memo keyed by the
// query's shape. Only found entities are remembered, so a record created
// later is still picked up. The returned entity is shared by every caller
// of the same shape and must be treated as read-only. ResetCache empties
// the memo.
func (f *Facade) SingleWithCache(ctx context.Context, kind string, p types.Predicate, includes ...string) (types.Entity, bool, error) {
	s, err := shape(kind, p, includes)
	if err != nil {
		return nil, false, err
	}
	h := xxhash.Sum64String(s)

	f.mu.RLock()
	entry, ok := f.memo[h]
	f.mu.RUnlock()
	if ok && entry.shape == s {
		memoLookups.WithLabelValues("hit").Inc()
		return entry.value, true, nil
	}
	memoLookups.WithLabelValues("miss").Inc()

	gen := f.gen.Load()
	type result struct {
		e     types.Entity
		found bool
	}
	v, err, _ := f.flight.Do(fmt.Sprintf("%d\x00%s", gen, s), func() (any, error) {
		e, found, err := f.Single(ctx, kind, p, includes...)
		if err != nil {
			return nil, err
		}
		if found {
			f.mu.Lock()
			if f.gen.Load() == gen {
				f.memo[h] = memoEntry{shape: s, value: e}
			}
			f.mu.Unlock()
		}
		return result{e, found}, nil
	})
	if err != nil {
		return nil, false, err
	}
	r := v.(result)
	return r.e, r.found, nil
}

// ResetCache empties the memo. Lookups already in flight finish but do not
// repopulate it.
func (f *Facade) ResetCache() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.gen.Add(1)
	f.memo = make(map[uint64]memoEntry)
	f.logger.Debug("query memo reset")
}

// MemoLen returns the number of memoized shapes.
func (f *Facade) MemoLen() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.memo)
}
