// Package jsonl stores records in a single JSON Lines file. The whole file
// is loaded into memory at open and rewritten atomically on every commit.
// It suits single-terminal installs and tests; concurrent writers in one
// process are serialized, separate processes are not coordinated.
package jsonl

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/mesh-intelligence/larder/internal/store"
)

// ErrClosed is returned by sessions of a closed driver.
var ErrClosed = errors.New("jsonl: driver closed")

// Driver implements store.Driver over one file.
type Driver struct {
	path   string
	logger *slog.Logger

	mu     sync.RWMutex
	rows   map[string]map[int64]store.Record
	seq    map[string]int64
	closed bool

	sessions atomic.Int64
}

var _ store.Driver = (*Driver)(nil)

// Open loads path, creating the file and its directory when missing.
func Open(path string, logger *slog.Logger) (*Driver, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("creating data directory: %w", err)
	}
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		if err := os.WriteFile(path, nil, 0o644); err != nil {
			return nil, fmt.Errorf("creating %s: %w", path, err)
		}
	}

	lines, skipped, err := readLines(path)
	if err != nil {
		return nil, err
	}
	if skipped > 0 {
		logger.Warn("skipped malformed lines", "path", path, "count", skipped)
	}

	d := &Driver{
		path:   path,
		logger: logger,
		rows:   make(map[string]map[int64]store.Record),
		seq:    make(map[string]int64),
	}
	for _, l := range lines {
		if d.rows[l.Kind] == nil {
			d.rows[l.Kind] = make(map[int64]store.Record)
		}
		d.rows[l.Kind][l.ID] = store.Record{ID: l.ID, OwnerID: l.OwnerID, Modified: l.Modified, Payload: l.Payload}
		if l.ID > d.seq[l.Kind] {
			d.seq[l.Kind] = l.ID
		}
	}
	logger.Debug("jsonl store loaded", "path", path, "records", len(lines))
	return d, nil
}

func (d *Driver) Name() string { return "jsonl" }

// Path returns the backing file.
func (d *Driver) Path() string { return d.path }

// OpenSessions returns the number of sessions not yet closed.
func (d *Driver) OpenSessions() int { return int(d.sessions.Load()) }

func (d *Driver) Session(_ context.Context, _ bool) (store.Session, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return nil, ErrClosed
	}
	d.sessions.Add(1)
	return &session{d: d}, nil
}

// Close marks the driver closed. The file is already current.
func (d *Driver) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	return nil
}

type session struct {
	d      *Driver
	closed atomic.Bool
}

func (s *session) Get(_ context.Context, kind string, id int64) (store.Record, error) {
	s.d.mu.RLock()
	defer s.d.mu.RUnlock()
	if s.d.closed {
		return store.Record{}, ErrClosed
	}
	rec, ok := s.d.rows[kind][id]
	if !ok {
		return store.Record{}, store.ErrNoRecord
	}
	return rec, nil
}

func (s *session) List(_ context.Context, kind string) ([]store.Record, error) {
	s.d.mu.RLock()
	defer s.d.mu.RUnlock()
	if s.d.closed {
		return nil, ErrClosed
	}
	return sortedRecords(s.d.rows[kind]), nil
}

func (s *session) ListOwned(_ context.Context, kind string, ownerID int64) ([]store.Record, error) {
	s.d.mu.RLock()
	defer s.d.mu.RUnlock()
	if s.d.closed {
		return nil, ErrClosed
	}
	var out []store.Record
	for _, rec := range sortedRecords(s.d.rows[kind]) {
		if rec.OwnerID == ownerID {
			out = append(out, rec)
		}
	}
	return out, nil
}

func (s *session) Begin(context.Context) (store.Writer, error) {
	return &writer{d: s.d, inserted: make(map[string]map[int64]bool)}, nil
}

func (s *session) Close() error {
	if s.closed.CompareAndSwap(false, true) {
		s.d.sessions.Add(-1)
	}
	return nil
}

type opKind int

const (
	opInsert opKind = iota
	opUpdate
	opDelete
)

type op struct {
	kind opKind
	ent  string
	rec  store.Record
}

// writer buffers changes until Commit.
type writer struct {
	d        *Driver
	ops      []op
	inserted map[string]map[int64]bool
	done     bool
}

func (w *writer) Insert(_ context.Context, kind string, rec store.Record) (int64, error) {
	w.d.mu.Lock()
	if w.d.closed {
		w.d.mu.Unlock()
		return 0, ErrClosed
	}
	w.d.seq[kind]++
	id := w.d.seq[kind]
	w.d.mu.Unlock()

	rec.ID = id
	w.ops = append(w.ops, op{kind: opInsert, ent: kind, rec: rec})
	if w.inserted[kind] == nil {
		w.inserted[kind] = make(map[int64]bool)
	}
	w.inserted[kind][id] = true
	return id, nil
}

func (w *writer) exists(kind string, id int64) bool {
	if w.inserted[kind][id] {
		return true
	}
	w.d.mu.RLock()
	defer w.d.mu.RUnlock()
	_, ok := w.d.rows[kind][id]
	return ok
}

func (w *writer) Update(_ context.Context, kind string, rec store.Record) error {
	if !w.exists(kind, rec.ID) {
		return fmt.Errorf("update %s %d: %w", kind, rec.ID, store.ErrNoRecord)
	}
	w.ops = append(w.ops, op{kind: opUpdate, ent: kind, rec: rec})
	return nil
}

func (w *writer) Delete(_ context.Context, kind string, id int64) error {
	if !w.exists(kind, id) {
		return fmt.Errorf("delete %s %d: %w", kind, id, store.ErrNoRecord)
	}
	w.ops = append(w.ops, op{kind: opDelete, ent: kind, rec: store.Record{ID: id}})
	return nil
}

// Commit applies the buffered changes to a copy of the table, writes the
// file, and swaps the copy in only after the write succeeded.
func (w *writer) Commit() error {
	if w.done {
		return errors.New("jsonl: transaction already finished")
	}
	w.done = true
	if len(w.ops) == 0 {
		return nil
	}

	w.d.mu.Lock()
	defer w.d.mu.Unlock()
	if w.d.closed {
		return ErrClosed
	}

	next := make(map[string]map[int64]store.Record, len(w.d.rows))
	for kind, recs := range w.d.rows {
		next[kind] = recs
	}
	copied := make(map[string]bool)
	table := func(kind string) map[int64]store.Record {
		if !copied[kind] {
			next[kind] = maps.Clone(next[kind])
			if next[kind] == nil {
				next[kind] = make(map[int64]store.Record)
			}
			copied[kind] = true
		}
		return next[kind]
	}

	for _, o := range w.ops {
		t := table(o.ent)
		switch o.kind {
		case opInsert:
			t[o.rec.ID] = o.rec
		case opUpdate:
			if _, ok := t[o.rec.ID]; !ok {
				return fmt.Errorf("update %s %d: %w", o.ent, o.rec.ID, store.ErrNoRecord)
			}
			t[o.rec.ID] = o.rec
		case opDelete:
			if _, ok := t[o.rec.ID]; !ok {
				return fmt.Errorf("delete %s %d: %w", o.ent, o.rec.ID, store.ErrNoRecord)
			}
			delete(t, o.rec.ID)
		}
	}

	if err := writeLines(w.d.path, next); err != nil {
		return err
	}
	w.d.rows = next
	return nil
}

func (w *writer) Rollback() error {
	w.done = true
	w.ops = nil
	return nil
}
