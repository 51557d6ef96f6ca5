// Package sqlstore stores records in SQL tables, one table per entity kind,
// on SQLite (modernc.org/sqlite) or PostgreSQL (pgx). Each table holds the
// identifier, the owning entity's identifier, the modification stamp, and
// the JSON payload; filtering happens above the driver.
package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // registers "pgx" with database/sql
	_ "modernc.org/sqlite"             // registers "sqlite" with database/sql

	"github.com/mesh-intelligence/larder/internal/store"
)

// busyTimeout is how long SQLite waits on a locked database before failing.
const busyTimeout = 5 * time.Second

// Driver implements store.Driver over database/sql.
type Driver struct {
	db      *sql.DB
	dialect dialect
	kinds   map[string]bool
	logger  *slog.Logger
}

var _ store.Driver = (*Driver)(nil)

// OpenSQLite opens or creates the SQLite database at path and ensures a
// table exists for each kind. path may be a plain file path or a file: URI.
func OpenSQLite(ctx context.Context, path string, kinds []string, logger *slog.Logger) (*Driver, error) {
	dsn := path
	if !strings.HasPrefix(path, "file:") {
		if dir := filepath.Dir(path); dir != "" {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("creating data directory: %w", err)
			}
		}
		dsn = fmt.Sprintf("file:%s?_pragma=busy_timeout(%d)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)",
			path, busyTimeout.Milliseconds())
	}
	return open(ctx, sqliteDialect, dsn, kinds, logger)
}

// OpenPostgres connects to PostgreSQL and ensures a table exists for each
// kind. dsn is either a postgres:// URL or a key=value connection string.
func OpenPostgres(ctx context.Context, dsn string, kinds []string, logger *slog.Logger) (*Driver, error) {
	return open(ctx, postgresDialect, dsn, kinds, logger)
}

func open(ctx context.Context, d dialect, dsn string, kinds []string, logger *slog.Logger) (*Driver, error) {
	if logger == nil {
		logger = slog.Default()
	}
	db, err := sql.Open(d.driverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", d.name, err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping %s: %w", d.name, err)
	}

	drv := &Driver{db: db, dialect: d, kinds: make(map[string]bool), logger: logger}
	for _, kind := range kinds {
		for _, stmt := range d.schema(kind) {
			if _, err := db.ExecContext(ctx, stmt); err != nil {
				db.Close()
				return nil, fmt.Errorf("create table %s: %w", kind, err)
			}
		}
		drv.kinds[kind] = true
	}
	logger.Debug("sql store opened", "dialect", d.name, "tables", len(kinds))
	return drv, nil
}

func (d *Driver) Name() string { return d.dialect.name }

// DB exposes the pool for tests.
func (d *Driver) DB() *sql.DB { return d.db }

// Session opens a session. Writable sessions pin one connection so the
// write transaction and the reads around it see the same state; read-only
// sessions share the pool.
func (d *Driver) Session(ctx context.Context, readOnly bool) (store.Session, error) {
	if readOnly {
		return &session{d: d, q: d.db}, nil
	}
	conn, err := d.db.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire connection: %w", err)
	}
	return &session{d: d, q: conn, conn: conn}, nil
}

func (d *Driver) Close() error {
	return d.db.Close()
}

func (d *Driver) checkKind(kind string) error {
	if !d.kinds[kind] {
		return fmt.Errorf("no table for kind %q", kind)
	}
	return nil
}

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type session struct {
	d    *Driver
	q    querier
	conn *sql.Conn
}

const selectColumns = "SELECT id, owner_id, modified, payload FROM "

func (s *session) Get(ctx context.Context, kind string, id int64) (store.Record, error) {
	if err := s.d.checkKind(kind); err != nil {
		return store.Record{}, err
	}
	row := s.q.QueryRowContext(ctx, s.d.dialect.rebind(selectColumns+table(kind)+" WHERE id = ?"), id)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return store.Record{}, store.ErrNoRecord
	}
	return rec, err
}

func (s *session) List(ctx context.Context, kind string) ([]store.Record, error) {
	if err := s.d.checkKind(kind); err != nil {
		return nil, err
	}
	return s.query(ctx, selectColumns+table(kind)+" ORDER BY id")
}

func (s *session) ListOwned(ctx context.Context, kind string, ownerID int64) ([]store.Record, error) {
	if err := s.d.checkKind(kind); err != nil {
		return nil, err
	}
	return s.query(ctx, selectColumns+table(kind)+" WHERE owner_id = ? ORDER BY id", ownerID)
}

func (s *session) query(ctx context.Context, query string, args ...any) ([]store.Record, error) {
	rows, err := s.q.QueryContext(ctx, s.d.dialect.rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []store.Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(sc scanner) (store.Record, error) {
	var rec store.Record
	var modified, payload string
	if err := sc.Scan(&rec.ID, &rec.OwnerID, &modified, &payload); err != nil {
		return store.Record{}, err
	}
	ts, err := time.Parse(time.RFC3339Nano, modified)
	if err != nil {
		return store.Record{}, fmt.Errorf("parsing modified %q: %w", modified, err)
	}
	rec.Modified = ts
	rec.Payload = []byte(payload)
	return rec, nil
}

func (s *session) Begin(ctx context.Context) (store.Writer, error) {
	if s.conn == nil {
		return nil, errors.New("sqlstore: read-only session")
	}
	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	return &writer{d: s.d, tx: tx}, nil
}

func (s *session) Close() error {
	if s.conn == nil {
		return nil
	}
	err := s.conn.Close()
	if errors.Is(err, sql.ErrConnDone) {
		return nil
	}
	return err
}

type writer struct {
	d  *Driver
	tx *sql.Tx
}

func formatStamp(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func (w *writer) Insert(ctx context.Context, kind string, rec store.Record) (int64, error) {
	if err := w.d.checkKind(kind); err != nil {
		return 0, err
	}
	q := w.d.dialect.rebind("INSERT INTO " + table(kind) + " (owner_id, modified, payload) VALUES (?, ?, ?) RETURNING id")
	var id int64
	if err := w.tx.QueryRowContext(ctx, q, rec.OwnerID, formatStamp(rec.Modified), string(rec.Payload)).Scan(&id); err != nil {
		return 0, err
	}
	return id, nil
}

func (w *writer) Update(ctx context.Context, kind string, rec store.Record) error {
	if err := w.d.checkKind(kind); err != nil {
		return err
	}
	q := w.d.dialect.rebind("UPDATE " + table(kind) + " SET owner_id = ?, modified = ?, payload = ? WHERE id = ?")
	res, err := w.tx.ExecContext(ctx, q, rec.OwnerID, formatStamp(rec.Modified), string(rec.Payload), rec.ID)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func (w *writer) Delete(ctx context.Context, kind string, id int64) error {
	if err := w.d.checkKind(kind); err != nil {
		return err
	}
	res, err := w.tx.ExecContext(ctx, w.d.dialect.rebind("DELETE FROM "+table(kind)+" WHERE id = ?"), id)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return store.ErrNoRecord
	}
	return nil
}

func (w *writer) Commit() error { return w.tx.Commit() }

func (w *writer) Rollback() error {
	err := w.tx.Rollback()
	if errors.Is(err, sql.ErrTxDone) {
		return nil
	}
	return err
}
