package backend_test

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mesh-intelligence/larder/pkg/backend"
	"github.com/mesh-intelligence/larder/pkg/entities"
	"github.com/mesh-intelligence/larder/pkg/types"
)

var connections = map[string]string{
	types.BackendSQLite: "larder.db",
	types.BackendJSONL:  "larder.jsonl",
}

// forEachBackend runs fn against a fresh store of every file-based kind.
func forEachBackend(t *testing.T, fn func(t *testing.T, b types.Backend)) {
	for name, file := range connections {
		t.Run(name, func(t *testing.T) {
			cfg := types.Config{Connection: filepath.Join(t.TempDir(), file)}
			b, err := backend.Open(context.Background(), cfg, entities.NewRegistry())
			require.NoError(t, err)
			t.Cleanup(func() { b.Close() })
			assert.Equal(t, name, b.Name())
			fn(t, b)
		})
	}
}

func newTicket(number string) *entities.Ticket {
	t := &entities.Ticket{Number: number, Customer: &entities.Customer{Name: "Ann"}}
	t.AddOrder(&entities.Order{MenuItem: "tea", Quantity: 2, Price: 1.5,
		TagValues: []*entities.OrderTagValue{{Name: "sugar", Value: "none"}}})
	t.AddOrder(&entities.Order{MenuItem: "cake", Quantity: 1, Price: 4})
	return t
}

func insert(t *testing.T, b types.Backend, e types.Entity) {
	t.Helper()
	ctx := context.Background()
	u, err := b.Create(ctx)
	require.NoError(t, err)
	defer u.Close()
	require.NoError(t, u.Add(e))
	require.NoError(t, u.CommitChanges(ctx))
}

func TestOpenRejectsBadConfig(t *testing.T) {
	ctx := context.Background()
	_, err := backend.Open(ctx, types.Config{}, entities.NewRegistry())
	assert.ErrorIs(t, err, types.ErrBackendEmpty)

	_, err = backend.Open(ctx, types.Config{Connection: "/tmp/data.csv"}, entities.NewRegistry())
	assert.ErrorIs(t, err, types.ErrBackendUnknown)
}

func TestInsertAssignsIdentifiersAndOwners(t *testing.T) {
	forEachBackend(t, func(t *testing.T, b types.Backend) {
		tk := newTicket("T-1")
		insert(t, b, tk)

		require.NotZero(t, tk.ID)
		require.NotZero(t, tk.Customer.ID)
		assert.Equal(t, tk.Customer.ID, tk.CustomerID)
		for _, o := range tk.Orders {
			assert.NotZero(t, o.ID)
			assert.Equal(t, tk.ID, o.TicketID)
		}
		tv := tk.Orders[0].TagValues[0]
		assert.NotZero(t, tv.ID)
		assert.Equal(t, tk.Orders[0].ID, tv.OrderID)
	})
}

func TestQueryLoadsIncludesWithIdentity(t *testing.T) {
	forEachBackend(t, func(t *testing.T, b types.Backend) {
		ctx := context.Background()
		tk := newTicket("T-2")
		insert(t, b, tk)

		u, err := b.Create(ctx)
		require.NoError(t, err)
		defer u.Close()

		e, err := u.Single(ctx, entities.KindTicket, types.ByID(tk.ID), entities.NewRegistry().Includes(entities.KindTicket)...)
		require.NoError(t, err)
		got := e.(*entities.Ticket)
		assert.Equal(t, "T-2", got.Number)
		require.NotNil(t, got.Customer)
		assert.Equal(t, "Ann", got.Customer.Name)
		require.Len(t, got.Orders, 2)
		assert.Same(t, got, got.Orders[0].Ticket)
		require.Len(t, got.Orders[0].TagValues, 1)
		assert.Equal(t, "none", got.Orders[0].TagValues[0].Value)

		again, err := u.Single(ctx, entities.KindTicket, types.Where("e.number == args.n", "n", "T-2"))
		require.NoError(t, err)
		assert.Same(t, got, again, "one instance per key within a unit of work")

		_, err = u.Single(ctx, entities.KindTicket, types.ByID(tk.ID+100))
		assert.ErrorIs(t, err, types.ErrNotFound)
	})
}

func TestCommitWritesOnlyChanges(t *testing.T) {
	forEachBackend(t, func(t *testing.T, b types.Backend) {
		ctx := context.Background()
		tk := newTicket("T-3")
		insert(t, b, tk)

		u, err := b.Create(ctx)
		require.NoError(t, err)
		defer u.Close()
		e, err := u.Single(ctx, entities.KindTicket, types.ByID(tk.ID), "Orders")
		require.NoError(t, err)
		require.NoError(t, u.CommitChanges(ctx), "unchanged graph commits cleanly")

		got := e.(*entities.Ticket)
		got.Orders[1].Quantity = 3
		got.AddOrder(&entities.Order{MenuItem: "soup", Quantity: 1, Price: 6})
		require.NoError(t, u.CommitChanges(ctx))

		n, err := u.Count(ctx, entities.KindOrder, types.Where("e.ticket_id == args.t", "t", tk.ID))
		require.NoError(t, err)
		assert.Equal(t, 3, n)

		total, err := u.Sum(ctx, entities.KindOrder, "quantity", types.Where("e.owner_id == args.t", "t", tk.ID))
		require.NoError(t, err)
		assert.Equal(t, 6.0, total)
	})
}

func TestDeleteCascadesToOwnedChildren(t *testing.T) {
	forEachBackend(t, func(t *testing.T, b types.Backend) {
		ctx := context.Background()
		tk := newTicket("T-4")
		insert(t, b, tk)
		keep := newTicket("T-5")
		insert(t, b, keep)

		u, err := b.Create(ctx)
		require.NoError(t, err)
		defer u.Close()
		e, err := u.Single(ctx, entities.KindTicket, types.ByID(tk.ID))
		require.NoError(t, err)
		require.NoError(t, u.Delete(e))
		require.NoError(t, u.CommitChanges(ctx))

		for kind, want := range map[string]int{
			entities.KindTicket:        1,
			entities.KindOrder:         2,
			entities.KindOrderTagValue: 1,
			entities.KindCustomer:      2,
		} {
			n, err := u.Count(ctx, kind, types.All())
			require.NoError(t, err)
			assert.Equal(t, want, n, kind)
		}
	})
}

func TestFailedCommitRollsBack(t *testing.T) {
	forEachBackend(t, func(t *testing.T, b types.Backend) {
		ctx := context.Background()
		tk := &entities.Ticket{Number: "T-6"}
		insert(t, b, tk)

		stale, err := b.Create(ctx)
		require.NoError(t, err)
		defer stale.Close()
		e, err := stale.Single(ctx, entities.KindTicket, types.ByID(tk.ID))
		require.NoError(t, err)

		other, err := b.Create(ctx)
		require.NoError(t, err)
		gone, err := other.Single(ctx, entities.KindTicket, types.ByID(tk.ID))
		require.NoError(t, err)
		require.NoError(t, other.Delete(gone))
		require.NoError(t, other.CommitChanges(ctx))
		require.NoError(t, other.Close())

		edited := e.(*entities.Ticket)
		edited.Number = "T-6b"
		edited.Customer = &entities.Customer{Name: "Bea"}
		err = stale.CommitChanges(ctx)
		require.Error(t, err)
		assert.ErrorIs(t, err, types.ErrPersistence)
		assert.Zero(t, edited.Customer.ID, "identifiers assigned by a failed commit are reset")

		n, err := stale.Count(ctx, entities.KindCustomer, types.All())
		require.NoError(t, err)
		assert.Zero(t, n, "rolled back insert is not visible")
	})
}

func TestDuplicateInstancesAreRejected(t *testing.T) {
	forEachBackend(t, func(t *testing.T, b types.Backend) {
		ctx := context.Background()
		c := &entities.Customer{Name: "Cy"}
		insert(t, b, c)

		u, err := b.Create(ctx)
		require.NoError(t, err)
		defer u.Close()
		_, err = u.Single(ctx, entities.KindCustomer, types.ByID(c.ID))
		require.NoError(t, err)

		dup := &entities.Customer{Name: "Cy"}
		dup.ID = c.ID
		assert.ErrorIs(t, u.MarkUnchanged(dup), types.ErrDuplicateKey)
		assert.ErrorIs(t, u.MarkUnchanged(&entities.Customer{}), types.ErrInvalidID)
	})
}

func TestReadOnlyAndClosedUnits(t *testing.T) {
	forEachBackend(t, func(t *testing.T, b types.Backend) {
		ctx := context.Background()
		ro, err := b.CreateReadOnly(ctx)
		require.NoError(t, err)
		assert.True(t, ro.ReadOnly())
		assert.NotEmpty(t, ro.ID())
		assert.ErrorIs(t, ro.Add(&entities.Customer{}), types.ErrReadOnly)
		assert.ErrorIs(t, ro.CommitChanges(ctx), types.ErrReadOnly)

		require.NoError(t, ro.Close())
		require.NoError(t, ro.Close(), "close is idempotent")
		_, err = ro.Query(ctx, entities.KindCustomer, types.All())
		assert.ErrorIs(t, err, types.ErrClosed)

		u, err := b.Create(ctx)
		require.NoError(t, err)
		require.NoError(t, b.Close())
		_, err = u.Count(ctx, entities.KindCustomer, types.All())
		assert.ErrorIs(t, err, types.ErrClosed)
		_, err = b.Create(ctx)
		assert.ErrorIs(t, err, types.ErrClosed)
		require.NoError(t, u.Close())
	})
}

func TestAggregatesAndPredicates(t *testing.T) {
	forEachBackend(t, func(t *testing.T, b types.Backend) {
		ctx := context.Background()
		for _, n := range []string{"A-1", "A-2", "B-1"} {
			tk := &entities.Ticket{Number: n, TotalAmount: 10, Tags: []string{n[:1]}}
			insert(t, b, tk)
		}

		u, err := b.CreateReadOnly(ctx)
		require.NoError(t, err)
		defer u.Close()

		found, err := u.Query(ctx, entities.KindTicket, types.Where("e.number.startsWith(args.p)", "p", "A"))
		require.NoError(t, err)
		require.Len(t, found, 2)
		assert.Less(t, found[0].EntityID(), found[1].EntityID())

		sum, err := u.Sum(ctx, entities.KindTicket, "total_amount", types.All())
		require.NoError(t, err)
		assert.Equal(t, 30.0, sum)

		tags, err := u.Distinct(ctx, entities.KindTicket, "tags", types.All())
		require.NoError(t, err)
		assert.Len(t, tags, 2)

		_, err = u.Query(ctx, entities.KindTicket, types.Where("e.number +"))
		assert.ErrorIs(t, err, types.ErrInvalidPredicate)

		_, err = u.Query(ctx, "menu", types.All())
		assert.ErrorIs(t, err, types.ErrUnknownKind)

		_, err = u.Query(ctx, entities.KindTicket, types.All(), "Waiter")
		assert.Error(t, err)
	})
}

func TestRefreshDiscardsEdits(t *testing.T) {
	forEachBackend(t, func(t *testing.T, b types.Backend) {
		ctx := context.Background()
		c := &entities.Customer{Name: "Dee"}
		insert(t, b, c)

		u, err := b.Create(ctx)
		require.NoError(t, err)
		defer u.Close()
		e, err := u.Single(ctx, entities.KindCustomer, types.ByID(c.ID))
		require.NoError(t, err)
		e.(*entities.Customer).Name = "edited"
		require.NoError(t, u.Refresh(ctx, e))
		assert.Equal(t, "Dee", e.(*entities.Customer).Name)
		require.NoError(t, u.CommitChanges(ctx))
	})
}
