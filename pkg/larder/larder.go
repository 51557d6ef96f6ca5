// Package larder wires the persistence layer together: one backend chosen
// from the configuration, the point-of-sale schemas and validators, the
// query façade, and the checkout cache.
package larder

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/mesh-intelligence/larder/pkg/backend"
	"github.com/mesh-intelligence/larder/pkg/checkout"
	"github.com/mesh-intelligence/larder/pkg/concurrency"
	"github.com/mesh-intelligence/larder/pkg/entities"
	"github.com/mesh-intelligence/larder/pkg/query"
	"github.com/mesh-intelligence/larder/pkg/types"
)

// Version is the release of the larder module.
const Version = "0.1.0"

// Larder is an open persistence layer.
type Larder struct {
	Registry   *types.Registry
	Backend    types.Backend
	Validators *concurrency.Registry
	Query      *query.Facade
	Checkout   *checkout.Cache

	logger  *slog.Logger
	numbers sync.Mutex
}

// Option configures Open.
type Option func(*options)

type options struct {
	logger *slog.Logger
	now    func() time.Time
}

// WithLogger sets the logger handed to every component.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithClock replaces time.Now for modification stamps.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// Open opens the backend named by cfg.Connection and builds the layer on
// top of it.
func Open(ctx context.Context, cfg types.Config, opts ...Option) (*Larder, error) {
	o := options{logger: slog.Default(), now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}

	registry := entities.NewRegistry()
	b, err := backend.Open(ctx, cfg, registry, backend.WithLogger(o.logger))
	if err != nil {
		return nil, err
	}

	validators := concurrency.NewRegistry()
	entities.RegisterValidators(validators)

	return &Larder{
		Registry:   registry,
		Backend:    b,
		Validators: validators,
		Query:      query.New(b, query.WithLogger(o.logger)),
		Checkout: checkout.New(b, registry,
			checkout.WithLogger(o.logger),
			checkout.WithClock(o.now),
			checkout.WithValidators(validators)),
		logger: o.logger,
	}, nil
}

// Close ends every checkout and closes the backend.
func (l *Larder) Close() error {
	l.Checkout.Close()
	return l.Backend.Close()
}

// maxNumberAttempts bounds NextNumber's reload-and-retry loop.
const maxNumberAttempts = 5

// NextNumber advances the named numerator and returns the number it handed
// out, creating the numerator on first use. Calls on one Larder are
// serialized; when another process takes a number concurrently the
// numerator is reloaded and the increment retried.
func (l *Larder) NextNumber(ctx context.Context, name string) (int64, error) {
	l.numbers.Lock()
	defer l.numbers.Unlock()

	for attempt := 1; attempt <= maxNumberAttempts; attempt++ {
		current, found, err := query.Single[*entities.Numerator](ctx, l.Query, types.Where("e.name == args.name", "name", name))
		if err != nil {
			return 0, err
		}
		if !found {
			n := &entities.Numerator{Name: name, Number: 1}
			if err := l.Checkout.Save(ctx, n, checkout.Detached()); err != nil {
				return 0, err
			}
			return n.Number, nil
		}

		n, err := checkout.Load[*entities.Numerator](ctx, l.Checkout, current.ID)
		if err != nil {
			return 0, err
		}
		next := n.Next()
		err = l.Checkout.Save(ctx, n)
		if errors.Is(err, types.ErrRefreshRequired) {
			l.logger.Debug("numerator moved, retrying", "name", name, "attempt", attempt)
			continue
		}
		if err != nil {
			l.Checkout.EvictEntity(n)
			return 0, err
		}
		return next, nil
	}
	return 0, fmt.Errorf("numerator %q: gave up after %d attempts", name, maxNumberAttempts)
}
