package sender

import (
	"fmt"
	"log/slog"
	"net/http"
	"sort"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/CharanSaiVaddi/attendq/internal/outbox"
)

const (
	TransportHTTP     = "http"
	TransportPostgres = "postgres"
	TransportRedis    = "redis"
)

// Target describes where one outbox delivers.
type Target struct {
	Transport string
	// Source names the outbox in envelopes.
	Source string
	// URL is the endpoint for the http transport.
	URL string
	// Table is the inbox table for the postgres transport.
	Table string
	// Key is the list key for the redis transport.
	Key string
}

// Deps are the shared clients transports are built from. A transport whose
// client is nil can't be built.
type Deps struct {
	HTTPClient *http.Client
	Postgres   *pgxpool.Pool
	Redis      redis.UniversalClient
	Logger     *slog.Logger
}

// Factory builds a Sender for target.
type Factory func(deps Deps, target Target) (outbox.Sender, error)

// Registry maps transport names to factories. It's populated at startup and
// read-only afterwards.
type Registry struct {
	factories map[string]Factory
}

// NewRegistry returns a registry with the http, postgres and redis
// transports.
func NewRegistry() *Registry {
	r := &Registry{factories: make(map[string]Factory)}
	r.Register(TransportHTTP, newHTTPFromDeps)
	r.Register(TransportPostgres, newPostgresFromDeps)
	r.Register(TransportRedis, newRedisFromDeps)
	return r
}

// Register adds or replaces the factory for name.
func (r *Registry) Register(name string, factory Factory) {
	r.factories[name] = factory
}

// Names returns the registered transport names, sorted.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Build returns the Sender for target.
func (r *Registry) Build(deps Deps, target Target) (outbox.Sender, error) {
	factory, ok := r.factories[target.Transport]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownTransport, target.Transport)
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	return factory(deps, target)
}

func newHTTPFromDeps(deps Deps, target Target) (outbox.Sender, error) {
	opts := []HTTPOption{WithHTTPLogger(deps.Logger)}
	if deps.HTTPClient != nil {
		opts = append(opts, WithHTTPClient(deps.HTTPClient))
	}
	return NewHTTPSender(target.URL, target.Source, opts...)
}

func newPostgresFromDeps(deps Deps, target Target) (outbox.Sender, error) {
	return NewPostgresSender(deps.Postgres, target.Table, target.Source, deps.Logger)
}

func newRedisFromDeps(deps Deps, target Target) (outbox.Sender, error) {
	return NewRedisSender(deps.Redis, target.Key, target.Source)
}
