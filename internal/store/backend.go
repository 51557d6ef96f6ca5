package store

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/mesh-intelligence/larder/pkg/types"
)

// Backend adapts a Driver to types.Backend.
type Backend struct {
	driver   Driver
	registry *types.Registry
	logger   *slog.Logger
	closed   atomic.Bool
}

var _ types.Backend = (*Backend)(nil)

// New creates a backend over driver. Entities are hydrated through the
// schemas in registry. A nil logger uses slog.Default.
func New(driver Driver, registry *types.Registry, logger *slog.Logger) *Backend {
	if logger == nil {
		logger = slog.Default()
	}
	return &Backend{
		driver:   driver,
		registry: registry,
		logger:   logger.With("backend", driver.Name()),
	}
}

// Name returns the driver name.
func (b *Backend) Name() string {
	return b.driver.Name()
}

// Create opens a writable unit of work.
func (b *Backend) Create(ctx context.Context) (types.UnitOfWork, error) {
	return b.open(ctx, false)
}

// CreateReadOnly opens a read-only unit of work.
func (b *Backend) CreateReadOnly(ctx context.Context) (types.UnitOfWork, error) {
	return b.open(ctx, true)
}

func (b *Backend) open(ctx context.Context, readOnly bool) (*UnitOfWork, error) {
	if b.closed.Load() {
		return nil, types.ErrClosed
	}
	session, err := b.driver.Session(ctx, readOnly)
	if err != nil {
		return nil, &types.PersistenceError{Op: "open session", Err: err}
	}
	u := &UnitOfWork{
		id:       uuid.NewString(),
		backend:  b,
		session:  session,
		readOnly: readOnly,
		entries:  make(map[key]*tracked),
	}
	b.logger.Debug("unit of work opened", "uow", u.id, "read_only", readOnly)
	return u, nil
}

// Close closes the driver. Idempotent.
func (b *Backend) Close() error {
	if !b.closed.CompareAndSwap(false, true) {
		return nil
	}
	if err := b.driver.Close(); err != nil {
		return fmt.Errorf("close %s: %w", b.driver.Name(), err)
	}
	return nil
}
