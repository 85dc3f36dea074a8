package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
)

const dayLayout = "2006-01-02"

// dialect holds what differs between the supported drivers. Queries are
// written with ? placeholders and rewritten for drivers that number them.
type dialect struct {
	name     string
	numbered bool
	dayExpr  string
	schema   []string
}

var sqliteDialect = dialect{
	name:    "sqlite3",
	dayExpr: `date(accessed_at, 'unixepoch')`,
	schema: []string{
		`CREATE TABLE IF NOT EXISTS hit_counters (
			counter_key TEXT PRIMARY KEY,
			total INTEGER NOT NULL DEFAULT 0 CHECK (total >= 0),
			updated_at INTEGER NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS hit_countries (
			counter_key TEXT NOT NULL,
			bucket TEXT NOT NULL,
			hits INTEGER NOT NULL DEFAULT 0,
			PRIMARY KEY (counter_key, bucket)
		);`,
		`CREATE TABLE IF NOT EXISTS access_events (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			counter_key TEXT NOT NULL,
			accessed_at INTEGER NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_access_events_key_ts ON access_events(counter_key, accessed_at);`,
		`CREATE INDEX IF NOT EXISTS idx_access_events_ts ON access_events(accessed_at);`,
	},
}

var postgresDialect = dialect{
	name:     "postgres",
	numbered: true,
	dayExpr:  `to_char(to_timestamp(accessed_at) AT TIME ZONE 'UTC', 'YYYY-MM-DD')`,
	schema: []string{
		`CREATE TABLE IF NOT EXISTS hit_counters (
			counter_key TEXT PRIMARY KEY,
			total BIGINT NOT NULL DEFAULT 0 CHECK (total >= 0),
			updated_at BIGINT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS hit_countries (
			counter_key TEXT NOT NULL,
			bucket TEXT NOT NULL,
			hits BIGINT NOT NULL DEFAULT 0,
			PRIMARY KEY (counter_key, bucket)
		);`,
		`CREATE TABLE IF NOT EXISTS access_events (
			id BIGSERIAL PRIMARY KEY,
			counter_key TEXT NOT NULL,
			accessed_at BIGINT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_access_events_key_ts ON access_events(counter_key, accessed_at);`,
		`CREATE INDEX IF NOT EXISTS idx_access_events_ts ON access_events(accessed_at);`,
	},
}

func dialectFor(driver string) (dialect, error) {
	switch driver {
	case "sqlite3":
		return sqliteDialect, nil
	case "postgres":
		return postgresDialect, nil
	}
	return dialect{}, fmt.Errorf("unsupported driver %q", driver)
}

// SQL implements Store on database/sql for SQLite and Postgres.
type SQL struct {
	db *sql.DB
	d  dialect
}

var _ Store = (*SQL)(nil)

func New(db *sql.DB, driver string) (*SQL, error) {
	d, err := dialectFor(driver)
	if err != nil {
		return nil, err
	}
	return &SQL{db: db, d: d}, nil
}

// Open connects, tunes the pool for the driver and verifies the connection.
// SQLite gets a single connection so writers queue in the pool instead of
// failing with SQLITE_BUSY.
func Open(ctx context.Context, driver, dsn string, maxOpen int) (*SQL, error) {
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("opening %s connection: %w", driver, err)
	}
	s, err := New(db, driver)
	if err != nil {
		db.Close()
		return nil, err
	}

	if driver == "sqlite3" {
		s.db.SetMaxOpenConns(1)
		s.db.SetMaxIdleConns(1)
		s.db.SetConnMaxLifetime(0)
	} else {
		s.db.SetMaxOpenConns(maxOpen)
		s.db.SetMaxIdleConns(maxOpen)
		s.db.SetConnMaxLifetime(5 * time.Minute)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := s.db.PingContext(pingCtx); err != nil {
		s.db.Close()
		return nil, fmt.Errorf("pinging %s: %w", driver, err)
	}
	return s, nil
}

func (s *SQL) Close() error {
	return s.db.Close()
}

// Migrate ensures schema exists
func (s *SQL) Migrate(ctx context.Context) error {
	for _, stmt := range s.d.schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrating %s schema: %w", s.d.name, err)
		}
	}
	return nil
}

// q rewrites ? placeholders to $n for drivers that need numbered parameters.
func (s *SQL) q(query string) string {
	if !s.d.numbered {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *SQL) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("%w (rollback: %v)", err, rbErr)
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

func (s *SQL) RecordHit(ctx context.Context, h Hit) (int64, error) {
	ts := h.At.UTC().Unix()
	var total int64
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		err := tx.QueryRowContext(ctx, s.q(`
			INSERT INTO hit_counters(counter_key, total, updated_at) VALUES(?, 1, ?)
			ON CONFLICT(counter_key) DO UPDATE SET total = hit_counters.total + 1, updated_at = excluded.updated_at
			RETURNING total`), h.Key, ts).Scan(&total)
		if err != nil {
			return fmt.Errorf("incrementing counter: %w", err)
		}
		if h.Bucket != "" {
			_, err = tx.ExecContext(ctx, s.q(`
				INSERT INTO hit_countries(counter_key, bucket, hits) VALUES(?, ?, 1)
				ON CONFLICT(counter_key, bucket) DO UPDATE SET hits = hit_countries.hits + 1`), h.Key, h.Bucket)
			if err != nil {
				return fmt.Errorf("incrementing bucket %s: %w", h.Bucket, err)
			}
		}
		_, err = tx.ExecContext(ctx, s.q(`INSERT INTO access_events(counter_key, accessed_at) VALUES(?, ?)`), h.Key, ts)
		if err != nil {
			return fmt.Errorf("inserting access event: %w", err)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return total, nil
}

func (s *SQL) Count(ctx context.Context, key string) (int64, error) {
	var total int64
	err := s.db.QueryRowContext(ctx, s.q(`SELECT total FROM hit_counters WHERE counter_key = ?`), key).Scan(&total)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("reading count: %w", err)
	}
	return total, nil
}

func (s *SQL) Countries(ctx context.Context, key string) (map[string]int64, error) {
	rows, err := s.db.QueryContext(ctx, s.q(`SELECT bucket, hits FROM hit_countries WHERE counter_key = ?`), key)
	if err != nil {
		return nil, fmt.Errorf("querying buckets: %w", err)
	}
	defer rows.Close()
	out := make(map[string]int64)
	for rows.Next() {
		var bucket string
		var hits int64
		if err := rows.Scan(&bucket, &hits); err != nil {
			return nil, fmt.Errorf("scanning bucket row: %w", err)
		}
		out[bucket] = hits
	}
	return out, rows.Err()
}

func (s *SQL) DailyCounts(ctx context.Context, key string, from, to time.Time) ([]DailyCount, error) {
	query := fmt.Sprintf(`
		SELECT %s AS day, COUNT(*) FROM access_events
		WHERE counter_key = ? AND accessed_at >= ? AND accessed_at <= ?
		GROUP BY day ORDER BY day`, s.d.dayExpr)
	rows, err := s.db.QueryContext(ctx, s.q(query), key, from.UTC().Unix(), to.UTC().Unix())
	if err != nil {
		return nil, fmt.Errorf("querying daily counts: %w", err)
	}
	defer rows.Close()

	var res []DailyCount
	for rows.Next() {
		var day string
		var n int64
		if err := rows.Scan(&day, &n); err != nil {
			return nil, fmt.Errorf("scanning daily count: %w", err)
		}
		t, err := time.ParseInLocation(dayLayout, day, time.UTC)
		if err != nil {
			return nil, fmt.Errorf("parsing day %q: %w", day, err)
		}
		res = append(res, DailyCount{Day: t, Count: n})
	}
	return res, rows.Err()
}

func (s *SQL) SetCount(ctx context.Context, key string, n int64, at time.Time) error {
	_, err := s.db.ExecContext(ctx, s.q(`
		INSERT INTO hit_counters(counter_key, total, updated_at) VALUES(?, ?, ?)
		ON CONFLICT(counter_key) DO UPDATE SET total = excluded.total, updated_at = excluded.updated_at`),
		key, n, at.UTC().Unix())
	if err != nil {
		return fmt.Errorf("setting count: %w", err)
	}
	return nil
}

func (s *SQL) Remove(ctx context.Context, key string) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		for _, stmt := range []string{
			`DELETE FROM access_events WHERE counter_key = ?`,
			`DELETE FROM hit_countries WHERE counter_key = ?`,
			`DELETE FROM hit_counters WHERE counter_key = ?`,
		} {
			if _, err := tx.ExecContext(ctx, s.q(stmt), key); err != nil {
				return fmt.Errorf("removing %s: %w", key, err)
			}
		}
		return nil
	})
}

func (s *SQL) List(ctx context.Context, limit int) ([]Counter, error) {
	rows, err := s.db.QueryContext(ctx, s.q(`
		SELECT counter_key, total, updated_at FROM hit_counters
		ORDER BY total DESC, counter_key LIMIT ?`), limit)
	if err != nil {
		return nil, fmt.Errorf("listing counters: %w", err)
	}
	defer rows.Close()
	var res []Counter
	for rows.Next() {
		var c Counter
		var updated int64
		if err := rows.Scan(&c.Key, &c.Total, &updated); err != nil {
			return nil, fmt.Errorf("scanning counter: %w", err)
		}
		c.UpdatedAt = time.Unix(updated, 0).UTC()
		res = append(res, c)
	}
	return res, rows.Err()
}

func (s *SQL) Prune(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, s.q(`DELETE FROM access_events WHERE accessed_at < ?`), before.UTC().Unix())
	if err != nil {
		return 0, fmt.Errorf("pruning access events: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("pruning access events: %w", err)
	}
	return n, nil
}

func (s *SQL) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}
