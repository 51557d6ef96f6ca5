// Package backend selects and opens the persistent store named by a
// connection descriptor. Selection happens once; everything above it sees
// only types.Backend.
package backend

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/mesh-intelligence/larder/internal/jsonl"
	"github.com/mesh-intelligence/larder/internal/sqlstore"
	"github.com/mesh-intelligence/larder/internal/store"
	"github.com/mesh-intelligence/larder/pkg/types"
)

// Option configures Open.
type Option func(*options)

type options struct {
	logger *slog.Logger
}

// WithLogger sets the logger used by the backend and its units of work.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// Open validates cfg, picks the implementation from the shape of
// cfg.Connection, and opens it. Relational stores get one table per kind
// in registry.
func Open(ctx context.Context, cfg types.Config, registry *types.Registry, opts ...Option) (types.Backend, error) {
	o := options{logger: slog.Default()}
	for _, opt := range opts {
		opt(&o)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	name, err := types.SelectBackend(cfg.Connection)
	if err != nil {
		return nil, err
	}

	var drv store.Driver
	switch name {
	case types.BackendSQLite:
		drv, err = sqlstore.OpenSQLite(ctx, cfg.Connection, registry.Kinds(), o.logger)
	case types.BackendPostgres:
		drv, err = sqlstore.OpenPostgres(ctx, cfg.Connection, registry.Kinds(), o.logger)
	case types.BackendJSONL:
		drv, err = jsonl.Open(cfg.Connection, o.logger)
	default:
		return nil, fmt.Errorf("%w: %s", types.ErrBackendUnknown, name)
	}
	if err != nil {
		return nil, &types.PersistenceError{Op: "open " + name, Err: err}
	}
	o.logger.Info("backend opened", "backend", name)
	return store.New(drv, registry, o.logger), nil
}
