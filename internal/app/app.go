// Package app wires the terminal's queues together: one interactive job
// queue and the clocking, employee-update and enquiry outboxes, each bound
// to the sender its config names. An App is built once at startup and
// handed to whatever needs the queues.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/CharanSaiVaddi/attendq/internal/config"
	"github.com/CharanSaiVaddi/attendq/internal/health"
	"github.com/CharanSaiVaddi/attendq/internal/job"
	"github.com/CharanSaiVaddi/attendq/internal/outbox"
	"github.com/CharanSaiVaddi/attendq/internal/sender"
	"github.com/CharanSaiVaddi/attendq/internal/statusapi"
	"github.com/CharanSaiVaddi/attendq/internal/storage"
)

type App struct {
	Config *config.Config
	Logger *slog.Logger

	Store           *storage.SQLiteStorage
	Jobs            *job.Queue
	Clockings       *outbox.Outbox
	EmployeeUpdates *outbox.Outbox
	Enquiries       *outbox.Outbox

	Health   *health.Registry
	Reporter *health.Reporter
	Status   *statusapi.Server

	senders            map[*outbox.Outbox]outbox.Sender
	enquiry            *sender.HTTPSender
	interactiveTimeout time.Duration
	clock              outbox.Clock
	pg                 *pgxpool.Pool
	redis              *redis.Client
}

type options struct {
	registry           *sender.Registry
	sink               health.Sink
	clock              outbox.Clock
	httpClient         *http.Client
	interactiveTimeout time.Duration
	pollInterval       time.Duration
}

// Option customizes New.
type Option func(*options)

// WithSenderRegistry replaces the stock transport registry.
func WithSenderRegistry(r *sender.Registry) Option {
	return func(o *options) { o.registry = r }
}

// WithHealthSink sets where the reporter publishes. Defaults to a LogSink.
func WithHealthSink(sink health.Sink) Option {
	return func(o *options) { o.sink = sink }
}

// WithClock sets the clock of every outbox and of records stamped by App.
func WithClock(clock outbox.Clock) Option {
	return func(o *options) { o.clock = clock }
}

// WithHTTPClient sets the client shared by the http transports.
func WithHTTPClient(client *http.Client) Option {
	return func(o *options) { o.httpClient = client }
}

// WithInteractiveTimeout overrides the configured interactive timeout.
func WithInteractiveTimeout(d time.Duration) Option {
	return func(o *options) { o.interactiveTimeout = d }
}

// WithPollInterval sets the idle poll interval of every outbox.
func WithPollInterval(d time.Duration) Option {
	return func(o *options) { o.pollInterval = d }
}

// New opens storage and builds every queue and sender from cfg. Nothing is
// started until Start or Run.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger, opts ...Option) (*App, error) {
	o := options{
		registry:           sender.NewRegistry(),
		clock:              outbox.SystemClock{},
		interactiveTimeout: cfg.InteractiveTimeout(),
		pollInterval:       outbox.DefaultPollInterval,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.sink == nil {
		o.sink = health.NewLogSink(logger)
	}

	a := &App{
		Config:             cfg,
		Logger:             logger,
		Health:             health.NewRegistry(),
		senders:            make(map[*outbox.Outbox]outbox.Sender),
		interactiveTimeout: o.interactiveTimeout,
		clock:              o.clock,
	}
	if err := a.build(ctx, o); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) build(ctx context.Context, o options) error {
	cfg := a.Config

	a.Store = storage.NewSQLiteStorage(cfg.DBDriver)
	if err := a.Store.Init(cfg.DBPath); err != nil {
		return fmt.Errorf("app: open storage: %w", err)
	}

	deps := sender.Deps{HTTPClient: o.httpClient, Logger: a.Logger}
	if cfg.PostgresDSN != "" {
		pool, err := pgxpool.New(ctx, cfg.PostgresDSN)
		if err != nil {
			return fmt.Errorf("app: postgres: %w", err)
		}
		a.pg = pool
		deps.Postgres = pool
	}
	if cfg.RedisAddr != "" {
		a.redis = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		deps.Redis = a.redis
	}

	var err error
	if a.Clockings, err = a.buildOutbox(ctx, o, deps, "clockings", cfg.Clockings); err != nil {
		return err
	}
	if a.EmployeeUpdates, err = a.buildOutbox(ctx, o, deps, "employee_updates", cfg.EmployeeUpdates); err != nil {
		return err
	}
	if a.Enquiries, err = a.buildOutbox(ctx, o, deps, "enquiries", cfg.Enquiries); err != nil {
		return err
	}

	httpOpts := []sender.HTTPOption{sender.WithHTTPLogger(a.Logger)}
	if o.httpClient != nil {
		httpOpts = append(httpOpts, sender.WithHTTPClient(o.httpClient))
	}
	if cfg.AuthToken != "" {
		httpOpts = append(httpOpts, sender.WithHeader("Authorization", "Bearer "+cfg.AuthToken))
	}
	if a.enquiry, err = sender.NewHTTPSender(cfg.EnquiryURL, "enquiries", httpOpts...); err != nil {
		return err
	}

	a.Jobs = job.NewQueue("interactive", a.Logger)
	a.Health.Register(a.Jobs.Name(), a.Jobs)
	for _, ob := range a.outboxes() {
		a.Health.Register(ob.Name(), ob)
	}
	a.Reporter = health.NewReporter(a.Logger, a.Health, o.sink, cfg.HealthSchedule)
	a.Status = statusapi.New(a.Logger, a.Health, a.Clockings, a.EmployeeUpdates, a.Enquiries)
	return nil
}

func (a *App) buildOutbox(ctx context.Context, o options, deps sender.Deps, name string, oc config.OutboxConfig) (*outbox.Outbox, error) {
	ob, err := outbox.New(a.Store, oc.Table,
		outbox.WithName(name),
		outbox.WithWarnLevel(oc.WarnLevel),
		outbox.WithMaxLevel(oc.MaxLevel),
		outbox.WithRetryTime(oc.RetryTime()),
		outbox.WithKeepTime(oc.KeepTime()),
		outbox.WithPollInterval(o.pollInterval),
		outbox.WithClock(o.clock),
		outbox.WithLogger(a.Logger),
	)
	if err != nil {
		return nil, fmt.Errorf("app: outbox %s: %w", name, err)
	}
	if err := ob.Open(ctx); err != nil {
		return nil, fmt.Errorf("app: open outbox %s: %w", name, err)
	}

	target := sender.Target{Transport: oc.Transport, Source: name}
	switch oc.Transport {
	case sender.TransportPostgres:
		target.Table = oc.Target
	case sender.TransportRedis:
		target.Key = oc.Target
	default:
		target.URL = oc.Target
	}
	s, err := o.registry.Build(deps, target)
	if err != nil {
		return nil, fmt.Errorf("app: sender for %s: %w", name, err)
	}
	if ps, ok := s.(*sender.PostgresSender); ok {
		if err := ps.EnsureTable(ctx); err != nil {
			return nil, err
		}
	}
	a.senders[ob] = s
	return ob, nil
}

func (a *App) outboxes() []*outbox.Outbox {
	return []*outbox.Outbox{a.Clockings, a.EmployeeUpdates, a.Enquiries}
}

// Start launches the job queue, every outbox worker and the health
// reporter.
func (a *App) Start(ctx context.Context) error {
	if err := a.Jobs.Start(ctx); err != nil {
		return err
	}
	for _, ob := range a.outboxes() {
		if err := ob.Start(ctx, a.senders[ob]); err != nil {
			return fmt.Errorf("app: start outbox %s: %w", ob.Name(), err)
		}
	}
	return a.Reporter.Start(ctx)
}

// Run starts everything, serves the status API when an address is
// configured and blocks until ctx is done or the API fails.
func (a *App) Run(ctx context.Context) error {
	if err := a.Start(ctx); err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)
	if addr := a.Config.StatusAddr; addr != "" {
		g.Go(func() error {
			return a.Status.Run(ctx, addr)
		})
	}
	g.Go(func() error {
		<-ctx.Done()
		a.Logger.InfoContext(ctx, "app.App: shutting down")
		return nil
	})
	return g.Wait()
}

// Close stops every worker and releases storage and clients. Unsent rows
// stay queued for the next run.
func (a *App) Close() error {
	if a.Reporter != nil {
		a.Reporter.Stop()
	}
	var g errgroup.Group
	for _, ob := range a.outboxes() {
		if ob != nil {
			g.Go(ob.Close)
		}
	}
	if a.Jobs != nil {
		g.Go(func() error {
			a.Jobs.Stop()
			return nil
		})
	}
	err := g.Wait()

	if a.enquiry != nil {
		_ = a.enquiry.PostSend(context.Background())
	}
	if a.pg != nil {
		a.pg.Close()
	}
	if a.redis != nil {
		err = errors.Join(err, a.redis.Close())
	}
	if a.Store != nil {
		err = errors.Join(err, a.Store.Close())
	}
	return err
}
