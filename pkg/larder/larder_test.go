package larder

import (
	"context"
	"path/filepath"
	"sort"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mesh-intelligence/larder/pkg/checkout"
	"github.com/mesh-intelligence/larder/pkg/entities"
	"github.com/mesh-intelligence/larder/pkg/query"
	"github.com/mesh-intelligence/larder/pkg/types"
)

func openTemp(t *testing.T, file string) *Larder {
	t.Helper()
	l, err := Open(context.Background(), types.Config{Connection: filepath.Join(t.TempDir(), file)})
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })
	return l
}

func TestOpenWiresComponents(t *testing.T) {
	for _, file := range []string{"larder.db", "larder.jsonl"} {
		t.Run(file, func(t *testing.T) {
			ctx := context.Background()
			l := openTemp(t, file)
			assert.True(t, l.Validators.Guarded(entities.KindTicket))

			tk := &entities.Ticket{Number: "T-1"}
			tk.AddOrder(&entities.Order{MenuItem: "tea", Quantity: 2, Price: 2.5})
			tk.Recalculate()
			require.NoError(t, l.Checkout.Save(ctx, tk))
			assert.Equal(t, 1, l.Checkout.Len())

			got, found, err := query.Single[*entities.Ticket](ctx, l.Query, types.ByID(tk.ID), "Orders")
			require.NoError(t, err)
			require.True(t, found)
			assert.Equal(t, 5.0, got.TotalAmount)

			require.NoError(t, l.Close())
			assert.Zero(t, l.Checkout.Len())
			_, err = checkout.Load[*entities.Ticket](ctx, l.Checkout, tk.ID)
			assert.ErrorIs(t, err, types.ErrClosed)
		})
	}
}

func TestOpenRejectsBadConnection(t *testing.T) {
	_, err := Open(context.Background(), types.Config{Connection: "nowhere"})
	assert.ErrorIs(t, err, types.ErrBackendUnknown)
}

func TestNextNumberSequential(t *testing.T) {
	ctx := context.Background()
	l := openTemp(t, "larder.db")
	for want := int64(1); want <= 3; want++ {
		got, err := l.NextNumber(ctx, "tickets")
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
	other, err := l.NextNumber(ctx, "orders")
	require.NoError(t, err)
	assert.Equal(t, int64(1), other)
	assert.Zero(t, l.Checkout.Len())
}

func TestNextNumberConcurrent(t *testing.T) {
	ctx := context.Background()
	l := openTemp(t, "larder.jsonl")
	_, err := l.NextNumber(ctx, "tickets")
	require.NoError(t, err)

	var mu sync.Mutex
	var got []int64
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			n, err := l.NextNumber(ctx, "tickets")
			if assert.NoError(t, err) {
				mu.Lock()
				got = append(got, n)
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	sort.Slice(got, func(i, j int) bool { return got[i] < got[j] })
	assert.Equal(t, []int64{2, 3, 4, 5}, got)
}

func TestNextNumberAcrossProcesses(t *testing.T) {
	ctx := context.Background()
	cfg := types.Config{Connection: filepath.Join(t.TempDir(), "larder.db")}
	a, err := Open(ctx, cfg)
	require.NoError(t, err)
	defer a.Close()
	b, err := Open(ctx, cfg)
	require.NoError(t, err)
	defer b.Close()

	var got []int64
	for _, l := range []*Larder{a, b, a, b} {
		n, err := l.NextNumber(ctx, "tickets")
		require.NoError(t, err)
		got = append(got, n)
	}
	assert.Equal(t, []int64{1, 2, 3, 4}, got)
}
