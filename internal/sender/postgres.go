package sender

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/CharanSaiVaddi/attendq/internal/storage"
)

// PostgresSender writes rows into an inbox table on the server's database.
// The row uuid is the inbox primary key, so a redelivered row is detected by
// its unique violation and treated as delivered.
type PostgresSender struct {
	pool   *pgxpool.Pool
	table  string
	source string
	logger *slog.Logger

	conn *pgxpool.Conn
}

// NewPostgresSender returns a sender writing to table through pool.
func NewPostgresSender(pool *pgxpool.Pool, table, source string, logger *slog.Logger) (*PostgresSender, error) {
	if pool == nil {
		return nil, fmt.Errorf("%w: postgres pool", ErrMissingDependency)
	}
	if table == "" {
		table = "attendq_inbox"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &PostgresSender{
		pool:   pool,
		table:  pgx.Identifier{table}.Sanitize(),
		source: source,
		logger: logger,
	}, nil
}

// EnsureTable creates the inbox table if it doesn't exist.
func (s *PostgresSender) EnsureTable(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `CREATE TABLE IF NOT EXISTS `+s.table+` (
		uuid uuid PRIMARY KEY,
		row_id bigint NOT NULL,
		source text NOT NULL,
		queued_at timestamptz NOT NULL,
		payload bytea,
		received_at timestamptz NOT NULL DEFAULT now()
	)`)
	if err != nil {
		return fmt.Errorf("sender: create inbox table: %w", err)
	}
	return nil
}

// Prepare acquires the connection the batch is sent over.
func (s *PostgresSender) Prepare(ctx context.Context) error {
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("sender: acquire connection: %w", err)
	}
	s.conn = conn
	return nil
}

// Send inserts row into the inbox table.
func (s *PostgresSender) Send(ctx context.Context, row storage.Row) error {
	if s.conn == nil {
		return ErrNotPrepared
	}
	_, err := s.conn.Exec(ctx,
		`INSERT INTO `+s.table+` (uuid, row_id, source, queued_at, payload) VALUES ($1, $2, $3, $4, $5)`,
		row.UUID, row.ID, s.source, row.CreatedAt, row.Payload,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation {
			s.logger.DebugContext(ctx, "sender.PostgresSender: row already delivered", slog.String("uuid", row.UUID))
			return nil
		}
		return fmt.Errorf("sender: insert row %d: %w", row.ID, err)
	}
	return nil
}

// PostSend returns the batch connection to the pool.
func (s *PostgresSender) PostSend(context.Context) error {
	if s.conn != nil {
		s.conn.Release()
		s.conn = nil
	}
	return nil
}
