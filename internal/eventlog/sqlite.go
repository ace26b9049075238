package eventlog

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "modernc.org/sqlite" // pure-Go SQLite driver
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// SQLiteStore persists events to a single SQLite database.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite opens (or creates) the database at path and applies pending
// migrations.
func OpenSQLite(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("eventlog: open %s: %w", path, err)
	}
	// Single writer.
	db.SetMaxOpenConns(1)

	for _, p := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("eventlog: exec %q on %s: %w", p, path, err)
		}
	}
	if err := migrateDB(db); err != nil {
		db.Close()
		return nil, err
	}
	return &SQLiteStore{db: db}, nil
}

func migrateDB(db *sql.DB) error {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("eventlog: migrate: init source: %w", err)
	}
	drv, err := migratesqlite.WithInstance(db, &migratesqlite.Config{MigrationsTable: "schema_migrations"})
	if err != nil {
		return fmt.Errorf("eventlog: migrate: init db driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite", drv)
	if err != nil {
		return fmt.Errorf("eventlog: migrate: init migrator: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("eventlog: migrate: up: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Record(ctx context.Context, e Event) error {
	_, err := s.RecordBatch(ctx, []Event{e})
	return err
}

func (s *SQLiteStore) RecordBatch(ctx context.Context, events []Event) (int, error) {
	if len(events) == 0 {
		return 0, nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("eventlog: begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	stmt, err := tx.PrepareContext(ctx, `INSERT OR IGNORE INTO events (
		id, ts_ns, kind, request_id, request_type, node_id, region,
		success, cache_hit, fallback, latency_ms, cost, error, detail, node_load
	) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`)
	if err != nil {
		return 0, fmt.Errorf("eventlog: prepare insert: %w", err)
	}
	defer stmt.Close()

	inserted := 0
	for i := range events {
		e := &events[i]
		res, err := stmt.ExecContext(ctx,
			e.ID, e.Timestamp.UnixNano(), string(e.Kind), e.RequestID, e.RequestType, e.NodeID, e.Region,
			boolToInt(e.Success), boolToInt(e.CacheHit), boolToInt(e.Fallback),
			e.LatencyMs, e.Cost, e.Error, e.Detail, e.NodeLoad,
		)
		if err != nil {
			return 0, fmt.Errorf("eventlog: insert %s: %w", e.ID, err)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			inserted++
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("eventlog: commit: %w", err)
	}
	return inserted, nil
}

func (s *SQLiteStore) Query(ctx context.Context, f Filter) ([]Event, error) {
	var (
		where []string
		args  []any
	)
	if f.Kind != "" {
		where = append(where, "kind = ?")
		args = append(args, string(f.Kind))
	}
	if f.NodeID != "" {
		where = append(where, "node_id = ?")
		args = append(args, f.NodeID)
	}
	if !f.Since.IsZero() {
		where = append(where, "ts_ns >= ?")
		args = append(args, f.Since.UnixNano())
	}
	if !f.Until.IsZero() {
		where = append(where, "ts_ns < ?")
		args = append(args, f.Until.UnixNano())
	}

	q := `SELECT id, ts_ns, kind, request_id, request_type, node_id, region,
		success, cache_hit, fallback, latency_ms, cost, error, detail, node_load FROM events`
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	// Newest first so LIMIT keeps the most recent rows; reversed below.
	q += " ORDER BY ts_ns DESC, rowid DESC"
	if f.Limit > 0 {
		q += " LIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("eventlog: query: %w", err)
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var (
			e                          Event
			tsNs                       int64
			kind                       string
			success, cacheHit, fallbck int
		)
		if err := rows.Scan(&e.ID, &tsNs, &kind, &e.RequestID, &e.RequestType, &e.NodeID, &e.Region,
			&success, &cacheHit, &fallbck, &e.LatencyMs, &e.Cost, &e.Error, &e.Detail, &e.NodeLoad); err != nil {
			return nil, fmt.Errorf("eventlog: scan: %w", err)
		}
		e.Timestamp = time.Unix(0, tsNs)
		e.Kind = Kind(kind)
		e.Success = success != 0
		e.CacheHit = cacheHit != 0
		e.Fallback = fallbck != 0
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("eventlog: rows: %w", err)
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

func (s *SQLiteStore) Clear(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM events`); err != nil {
		return fmt.Errorf("eventlog: clear: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
