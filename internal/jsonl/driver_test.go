package jsonl

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mesh-intelligence/larder/internal/store"
)

func openTemp(t *testing.T) (*Driver, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "data", "larder.jsonl")
	d, err := Open(path, nil)
	require.NoError(t, err)
	return d, path
}

func TestOpenCreatesEmptyFile(t *testing.T) {
	_, path := openTemp(t)
	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Zero(t, info.Size())
}

func TestCommitPersistsAcrossReopen(t *testing.T) {
	ctx := context.Background()
	d, path := openTemp(t)

	s, err := d.Session(ctx, false)
	require.NoError(t, err)
	w, err := s.Begin(ctx)
	require.NoError(t, err)

	ts := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	parent, err := w.Insert(ctx, "ticket", store.Record{Modified: ts, Payload: []byte(`{"number":"A-1"}`)})
	require.NoError(t, err)
	child, err := w.Insert(ctx, "order", store.Record{OwnerID: parent, Payload: []byte(`{"menu_item":"tea"}`)})
	require.NoError(t, err)
	require.NoError(t, w.Commit())
	require.NoError(t, s.Close())
	assert.Equal(t, 0, d.OpenSessions())

	reopened, err := Open(path, nil)
	require.NoError(t, err)
	rs, err := reopened.Session(ctx, true)
	require.NoError(t, err)
	defer rs.Close()

	rec, err := rs.Get(ctx, "ticket", parent)
	require.NoError(t, err)
	assert.True(t, ts.Equal(rec.Modified))
	assert.JSONEq(t, `{"number":"A-1"}`, string(rec.Payload))

	owned, err := rs.ListOwned(ctx, "order", parent)
	require.NoError(t, err)
	require.Len(t, owned, 1)
	assert.Equal(t, child, owned[0].ID)

	// Sequences continue after reload.
	ws, err := reopened.Session(ctx, false)
	require.NoError(t, err)
	w2, err := ws.Begin(ctx)
	require.NoError(t, err)
	next, err := w2.Insert(ctx, "ticket", store.Record{Payload: []byte(`{}`)})
	require.NoError(t, err)
	assert.Equal(t, parent+1, next)
	require.NoError(t, w2.Rollback())
}

func TestRollbackWritesNothing(t *testing.T) {
	ctx := context.Background()
	d, _ := openTemp(t)
	s, err := d.Session(ctx, false)
	require.NoError(t, err)

	w, err := s.Begin(ctx)
	require.NoError(t, err)
	_, err = w.Insert(ctx, "ticket", store.Record{Payload: []byte(`{}`)})
	require.NoError(t, err)
	require.NoError(t, w.Rollback())

	recs, err := s.List(ctx, "ticket")
	require.NoError(t, err)
	assert.Empty(t, recs)
}

func TestUpdateAndDeleteMissingRowsFail(t *testing.T) {
	ctx := context.Background()
	d, _ := openTemp(t)
	s, err := d.Session(ctx, false)
	require.NoError(t, err)
	w, err := s.Begin(ctx)
	require.NoError(t, err)

	assert.ErrorIs(t, w.Update(ctx, "ticket", store.Record{ID: 9, Payload: []byte(`{}`)}), store.ErrNoRecord)
	assert.ErrorIs(t, w.Delete(ctx, "ticket", 9), store.ErrNoRecord)

	_, err = s.Get(ctx, "ticket", 9)
	assert.ErrorIs(t, err, store.ErrNoRecord)
}

func TestMalformedLinesAreSkipped(t *testing.T) {
	path := filepath.Join(t.TempDir(), "larder.jsonl")
	content := `{"kind":"ticket","id":1,"modified":"2026-01-01T00:00:00Z","payload":{"number":"A"}}
not json

{"kind":"","id":2,"payload":{}}
{"kind":"ticket","id":3,"modified":"2026-01-01T00:00:00Z","payload":{"number":"C"}}
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	d, err := Open(path, nil)
	require.NoError(t, err)
	s, err := d.Session(context.Background(), true)
	require.NoError(t, err)
	recs, err := s.List(context.Background(), "ticket")
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, int64(1), recs[0].ID)
	assert.Equal(t, int64(3), recs[1].ID)
}

func TestClosedDriverRejectsSessions(t *testing.T) {
	d, _ := openTemp(t)
	require.NoError(t, d.Close())
	_, err := d.Session(context.Background(), true)
	assert.ErrorIs(t, err, ErrClosed)
}
