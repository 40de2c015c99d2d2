//go:build integration

package sender

import (
	"context"
	"fmt"
	"log/slog"
	"testing"
	"time"

	"github.com/docker/go-connections/nat"
	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
	"github.com/tidwall/gjson"
)

func startContainer(t *testing.T, ctx context.Context, req testcontainers.ContainerRequest, port nat.Port) string {
	t.Helper()
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		t.Skipf("start %s container: %v", req.Image, err)
	}
	t.Cleanup(func() { _ = container.Terminate(ctx) })

	host, err := container.Host(ctx)
	require.NoError(t, err)
	mapped, err := container.MappedPort(ctx, port)
	require.NoError(t, err)
	return fmt.Sprintf("%s:%s", host, mapped.Port())
}

func TestPostgresSenderIntegration(t *testing.T) {
	if testing.Short() {
		t.Skip("integration test disabled in short mode")
	}
	ctx := context.Background()

	port := nat.Port("5432/tcp")
	addr := startContainer(t, ctx, testcontainers.ContainerRequest{
		Image:        "postgres:16-alpine",
		ExposedPorts: []string{string(port)},
		Env: map[string]string{
			"POSTGRES_PASSWORD": "secret",
			"POSTGRES_DB":       "attendq",
		},
		WaitingFor: wait.ForSQL(port, "pgx", func(host string, port nat.Port) string {
			return fmt.Sprintf("postgres://postgres:secret@%s:%s/attendq?sslmode=disable", host, port.Port())
		}).WithStartupTimeout(2 * time.Minute),
	}, port)

	pool, err := pgxpool.New(ctx, fmt.Sprintf("postgres://postgres:secret@%s/attendq?sslmode=disable", addr))
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	s, err := NewPostgresSender(pool, "inbox", "clockings", slog.New(slog.DiscardHandler))
	require.NoError(t, err)
	require.NoError(t, s.EnsureTable(ctx))

	row := testRow(`{"badge":"1234"}`)
	require.NoError(t, s.Prepare(ctx))
	require.NoError(t, s.Send(ctx, row))
	// redelivery after an ambiguous failure is a success
	require.NoError(t, s.Send(ctx, row))
	require.NoError(t, s.PostSend(ctx))

	var count int
	require.NoError(t, pool.QueryRow(ctx, `SELECT count(*) FROM inbox WHERE uuid = $1`, row.UUID).Scan(&count))
	require.Equal(t, 1, count)
}

func TestRedisSenderIntegration(t *testing.T) {
	if testing.Short() {
		t.Skip("integration test disabled in short mode")
	}
	ctx := context.Background()

	port := nat.Port("6379/tcp")
	addr := startContainer(t, ctx, testcontainers.ContainerRequest{
		Image:        "redis:7-alpine",
		ExposedPorts: []string{string(port)},
		WaitingFor:   wait.ForListeningPort(port).WithStartupTimeout(time.Minute),
	}, port)

	client := redis.NewClient(&redis.Options{Addr: addr})
	t.Cleanup(func() { _ = client.Close() })

	s, err := NewRedisSender(client, "", "clockings")
	require.NoError(t, err)
	require.Equal(t, "attendq:clockings", s.Key())

	require.NoError(t, s.Prepare(ctx))
	for i := 1; i <= 3; i++ {
		row := testRow(fmt.Sprintf(`{"seq":%d}`, i))
		row.ID = int64(i)
		require.NoError(t, s.Send(ctx, row))
	}
	require.NoError(t, s.PostSend(ctx))

	for i := 1; i <= 3; i++ {
		body, err := client.RPop(ctx, s.Key()).Bytes()
		require.NoError(t, err)
		require.EqualValues(t, i, gjson.GetBytes(body, "payload.seq").Int())
	}
}
