package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
	_ "modernc.org/sqlite"
)

const (
	// DriverCgo is the mattn/go-sqlite3 driver. It's the default.
	DriverCgo = "sqlite3"
	// DriverPure is the modernc.org/sqlite driver, for builds without cgo.
	DriverPure = "sqlite"

	busyTimeoutMillis = 5000
)

var (
	// ErrInvalidTableName is returned when a table name has disallowed characters.
	ErrInvalidTableName = errors.New("storage: invalid table name")
	// ErrUnknownDriver is returned for a driver other than DriverCgo or DriverPure.
	ErrUnknownDriver = errors.New("storage: unknown sqlite driver")
	// ErrNotInitialized is returned when the storage is used before Init.
	ErrNotInitialized = errors.New("storage: not initialized")
)

// Storage provides durable persistence for outbox rows. Each outbox owns one
// table; all row lifecycle changes go through these methods.
type Storage interface {
	CreateTable(ctx context.Context, table string) error
	InsertRow(ctx context.Context, table string, payload []byte, createdAt time.Time) (Row, error)
	SelectOldestUnsent(ctx context.Context, table string) (*Row, error)
	UpdateSent(ctx context.Context, table string, id int64, sentAt time.Time) (bool, error)
	DeleteSentBefore(ctx context.Context, table string, cutoff time.Time) (int64, error)
	Count(ctx context.Context, table string, filter Filter) (int, error)
	Bounds(ctx context.Context, table string, filter Filter) (oldest, newest time.Time, err error)
	MarkSentBefore(ctx context.Context, table string, cutoff, sentAt time.Time) (int64, error)
	MarkUnsentAfter(ctx context.Context, table string, cutoff time.Time) (int64, error)
	ListRows(ctx context.Context, table string, filter Filter, limit int) ([]Row, error)
}

var _ Storage = (*SQLiteStorage)(nil)

// SQLiteStorage is a Storage on a local SQLite database file. The pool is
// capped at a single connection so every statement is serialized.
type SQLiteStorage struct {
	db     *sql.DB
	driver string
}

func NewSQLiteStorage(driver string) *SQLiteStorage {
	if driver == "" {
		driver = DriverCgo
	}
	return &SQLiteStorage{driver: driver}
}

func (s *SQLiteStorage) Init(path string) error {
	if path == "" {
		path = "attendq.db"
	}

	var dsn string
	switch s.driver {
	case DriverCgo:
		dsn = fmt.Sprintf("%s?_busy_timeout=%d", path, busyTimeoutMillis)
	case DriverPure:
		dsn = fmt.Sprintf("file:%s?_pragma=busy_timeout(%d)", path, busyTimeoutMillis)
	default:
		return fmt.Errorf("%w: %q", ErrUnknownDriver, s.driver)
	}

	db, err := sql.Open(s.driver, dsn)
	if err != nil {
		return err
	}
	db.SetMaxOpenConns(1)
	if err := db.Ping(); err != nil {
		db.Close()
		return fmt.Errorf("storage: open %s: %w", path, err)
	}
	s.db = db
	return nil
}

func (s *SQLiteStorage) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

func (s *SQLiteStorage) CreateTable(ctx context.Context, table string) error {
	if err := s.check(table); err != nil {
		return err
	}
	q := fmt.Sprintf(`
	CREATE TABLE IF NOT EXISTS %[1]s (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		uuid TEXT NOT NULL,
		payload BLOB,
		created_at INTEGER NOT NULL,
		sent INTEGER NOT NULL DEFAULT 0,
		sent_at INTEGER
	);
	CREATE INDEX IF NOT EXISTS %[1]s_sent_id ON %[1]s (sent, id);
	`, table)
	for _, stmt := range strings.Split(q, ";") {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("storage: create table %s: %w", table, err)
		}
	}
	return nil
}

func (s *SQLiteStorage) InsertRow(ctx context.Context, table string, payload []byte, createdAt time.Time) (Row, error) {
	if err := s.check(table); err != nil {
		return Row{}, err
	}
	row := Row{
		UUID:      uuid.New().String(),
		Payload:   payload,
		CreatedAt: createdAt.UTC(),
	}
	res, err := s.db.ExecContext(ctx,
		fmt.Sprintf(`INSERT INTO %s(uuid,payload,created_at,sent) VALUES(?,?,?,0)`, table),
		row.UUID, row.Payload, toNanos(row.CreatedAt))
	if err != nil {
		return Row{}, fmt.Errorf("storage: insert into %s: %w", table, err)
	}
	if row.ID, err = res.LastInsertId(); err != nil {
		return Row{}, err
	}
	return row, nil
}

func (s *SQLiteStorage) SelectOldestUnsent(ctx context.Context, table string) (*Row, error) {
	if err := s.check(table); err != nil {
		return nil, err
	}
	r := s.db.QueryRowContext(ctx,
		fmt.Sprintf(`SELECT id,uuid,payload,created_at,sent,sent_at FROM %s WHERE sent = 0 ORDER BY id LIMIT 1`, table))
	row, err := scanRow(r)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return row, nil
}

// UpdateSent flips a single row to sent. It reports false if the row was
// already sent (or no longer exists), which lets callers keep their counters
// exact when an operator override raced with delivery.
func (s *SQLiteStorage) UpdateSent(ctx context.Context, table string, id int64, sentAt time.Time) (bool, error) {
	if err := s.check(table); err != nil {
		return false, err
	}
	res, err := s.db.ExecContext(ctx,
		fmt.Sprintf(`UPDATE %s SET sent = 1, sent_at = ? WHERE id = ? AND sent = 0`, table),
		toNanos(sentAt), id)
	if err != nil {
		return false, fmt.Errorf("storage: update sent in %s: %w", table, err)
	}
	aff, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return aff == 1, nil
}

// DeleteSentBefore removes sent rows whose sent_at is older than cutoff.
// Unsent rows are never touched.
func (s *SQLiteStorage) DeleteSentBefore(ctx context.Context, table string, cutoff time.Time) (int64, error) {
	if err := s.check(table); err != nil {
		return 0, err
	}
	res, err := s.db.ExecContext(ctx,
		fmt.Sprintf(`DELETE FROM %s WHERE sent = 1 AND sent_at < ?`, table), toNanos(cutoff))
	if err != nil {
		return 0, fmt.Errorf("storage: prune %s: %w", table, err)
	}
	return res.RowsAffected()
}

func (s *SQLiteStorage) Count(ctx context.Context, table string, filter Filter) (int, error) {
	if err := s.check(table); err != nil {
		return 0, err
	}
	var n int
	err := s.db.QueryRowContext(ctx, fmt.Sprintf(`SELECT COUNT(*) FROM %s%s`, table, filter.where())).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("storage: count %s: %w", table, err)
	}
	return n, nil
}

// Bounds returns the oldest and newest created_at of the filtered rows. Both
// are zero when no row matches.
func (s *SQLiteStorage) Bounds(ctx context.Context, table string, filter Filter) (time.Time, time.Time, error) {
	if err := s.check(table); err != nil {
		return time.Time{}, time.Time{}, err
	}
	var oldest, newest sql.NullInt64
	err := s.db.QueryRowContext(ctx,
		fmt.Sprintf(`SELECT MIN(created_at), MAX(created_at) FROM %s%s`, table, filter.where())).Scan(&oldest, &newest)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("storage: bounds %s: %w", table, err)
	}
	var o, n time.Time
	if oldest.Valid {
		o = fromNanos(oldest.Int64)
	}
	if newest.Valid {
		n = fromNanos(newest.Int64)
	}
	return o, n, nil
}

// MarkSentBefore forces every unsent row created at or before cutoff to sent.
func (s *SQLiteStorage) MarkSentBefore(ctx context.Context, table string, cutoff, sentAt time.Time) (int64, error) {
	if err := s.check(table); err != nil {
		return 0, err
	}
	res, err := s.db.ExecContext(ctx,
		fmt.Sprintf(`UPDATE %s SET sent = 1, sent_at = ? WHERE sent = 0 AND created_at <= ?`, table),
		toNanos(sentAt), toNanos(cutoff))
	if err != nil {
		return 0, fmt.Errorf("storage: mark sent in %s: %w", table, err)
	}
	return res.RowsAffected()
}

// MarkUnsentAfter resets every sent row created at or after cutoff so it is
// delivered again.
func (s *SQLiteStorage) MarkUnsentAfter(ctx context.Context, table string, cutoff time.Time) (int64, error) {
	if err := s.check(table); err != nil {
		return 0, err
	}
	res, err := s.db.ExecContext(ctx,
		fmt.Sprintf(`UPDATE %s SET sent = 0, sent_at = NULL WHERE sent = 1 AND created_at >= ?`, table),
		toNanos(cutoff))
	if err != nil {
		return 0, fmt.Errorf("storage: mark unsent in %s: %w", table, err)
	}
	return res.RowsAffected()
}

func (s *SQLiteStorage) ListRows(ctx context.Context, table string, filter Filter, limit int) ([]Row, error) {
	if err := s.check(table); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		fmt.Sprintf(`SELECT id,uuid,payload,created_at,sent,sent_at FROM %s%s ORDER BY id LIMIT ?`, table, filter.where()),
		limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Row
	for rows.Next() {
		r, err := scanRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}

func (s *SQLiteStorage) check(table string) error {
	if s.db == nil {
		return ErrNotInitialized
	}
	return validateTableName(table)
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRow(sc scanner) (*Row, error) {
	r := &Row{}
	var createdAt int64
	var sent int
	var sentAt sql.NullInt64
	if err := sc.Scan(&r.ID, &r.UUID, &r.Payload, &createdAt, &sent, &sentAt); err != nil {
		return nil, err
	}
	r.CreatedAt = fromNanos(createdAt)
	r.Sent = sent != 0
	if sentAt.Valid {
		r.SentAt = fromNanos(sentAt.Int64)
	}
	return r, nil
}

func validateTableName(name string) error {
	if name == "" {
		return fmt.Errorf("%w: empty", ErrInvalidTableName)
	}
	for i, r := range name {
		switch {
		case r == '_', r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z':
		case r >= '0' && r <= '9' && i > 0:
		default:
			return fmt.Errorf("%w: %s", ErrInvalidTableName, name)
		}
	}
	return nil
}
