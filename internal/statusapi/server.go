// Package statusapi serves the operational HTTP surface: health, outbox
// counters and timestamps, diagnostic row listings and the mark-sent and
// mark-unsent overrides.
package statusapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/tidwall/gjson"

	"github.com/CharanSaiVaddi/attendq/internal/health"
	"github.com/CharanSaiVaddi/attendq/internal/outbox"
	"github.com/CharanSaiVaddi/attendq/internal/storage"
)

const shutdownTimeout = 5 * time.Second

// Outbox is the part of *outbox.Outbox the API reads and overrides.
type Outbox interface {
	Name() string
	Count(ctx context.Context) (int, error)
	NumberUnsent() int
	HasSpace() bool
	Timestamps(ctx context.Context) (outbox.Timestamps, error)
	Rows(ctx context.Context, filter storage.Filter, limit int) ([]storage.Row, error)
	MarkSentToDate(ctx context.Context, cutoff time.Time) (int64, error)
	MarkUnsentAfter(ctx context.Context, cutoff time.Time) (int64, error)
}

type Server struct {
	logger   *slog.Logger
	registry *health.Registry
	outboxes map[string]Outbox
}

func New(logger *slog.Logger, registry *health.Registry, outboxes ...Outbox) *Server {
	s := &Server{
		logger:   logger,
		registry: registry,
		outboxes: make(map[string]Outbox, len(outboxes)),
	}
	for _, o := range outboxes {
		s.outboxes[o.Name()] = o
	}
	return s
}

// Handler returns the router.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealth)
	r.Route("/outboxes/{name}", func(r chi.Router) {
		r.Get("/", s.handleOutbox)
		r.Get("/rows", s.handleRows)
		r.Post("/mark-sent", s.handleMarkSent)
		r.Post("/mark-unsent", s.handleMarkUnsent)
	})
	return r
}

// Run serves on addr until ctx is done.
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.InfoContext(ctx, "statusapi.Server: listening", slog.String("addr", addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

type outboxResponse struct {
	Name     string            `json:"name"`
	Total    int               `json:"total"`
	Unsent   int               `json:"unsent"`
	HasSpace bool              `json:"has_space"`
	Times    outbox.Timestamps `json:"timestamps"`
}

type rowResponse struct {
	ID        int64           `json:"id"`
	UUID      string          `json:"uuid"`
	CreatedAt time.Time       `json:"created_at"`
	Sent      bool            `json:"sent"`
	SentAt    *time.Time      `json:"sent_at,omitempty"`
	Payload   json.RawMessage `json:"payload"`
}

type overrideResponse struct {
	Name    string `json:"name"`
	Changed int64  `json:"changed"`
	Unsent  int    `json:"unsent"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	statuses := s.registry.Snapshot()
	code := http.StatusOK
	if !health.Healthy(statuses) {
		code = http.StatusServiceUnavailable
	}
	s.writeJSON(w, code, statuses)
}

func (s *Server) handleOutbox(w http.ResponseWriter, r *http.Request) {
	o, ok := s.lookup(w, r)
	if !ok {
		return
	}
	total, err := o.Count(r.Context())
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	ts, err := o.Timestamps(r.Context())
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.writeJSON(w, http.StatusOK, outboxResponse{
		Name:     o.Name(),
		Total:    total,
		Unsent:   o.NumberUnsent(),
		HasSpace: o.HasSpace(),
		Times:    ts,
	})
}

func (s *Server) handleRows(w http.ResponseWriter, r *http.Request) {
	o, ok := s.lookup(w, r)
	if !ok {
		return
	}

	filter := storage.FilterAll
	switch r.URL.Query().Get("sent") {
	case "":
	case "true":
		filter = storage.FilterSent
	case "false":
		filter = storage.FilterUnsent
	default:
		s.writeError(w, http.StatusBadRequest, errors.New("sent must be true or false"))
		return
	}
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			s.writeError(w, http.StatusBadRequest, errors.New("limit must be a non-negative integer"))
			return
		}
		limit = n
	}

	rows, err := o.Rows(r.Context(), filter, limit)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	out := make([]rowResponse, 0, len(rows))
	for _, row := range rows {
		rr := rowResponse{ID: row.ID, UUID: row.UUID, CreatedAt: row.CreatedAt, Sent: row.Sent}
		if !row.SentAt.IsZero() {
			sentAt := row.SentAt
			rr.SentAt = &sentAt
		}
		if gjson.ValidBytes(row.Payload) {
			rr.Payload = row.Payload
		} else {
			rr.Payload, _ = json.Marshal(string(row.Payload))
		}
		out = append(out, rr)
	}
	s.writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleMarkSent(w http.ResponseWriter, r *http.Request) {
	s.override(w, r, "before", Outbox.MarkSentToDate)
}

func (s *Server) handleMarkUnsent(w http.ResponseWriter, r *http.Request) {
	s.override(w, r, "after", Outbox.MarkUnsentAfter)
}

func (s *Server) override(w http.ResponseWriter, r *http.Request, param string, fn func(Outbox, context.Context, time.Time) (int64, error)) {
	o, ok := s.lookup(w, r)
	if !ok {
		return
	}
	cutoff, err := time.Parse(time.RFC3339, r.URL.Query().Get(param))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, errors.New(param+" must be an RFC 3339 time"))
		return
	}
	n, err := fn(o, r.Context(), cutoff)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.logger.InfoContext(r.Context(), "statusapi.Server: override applied",
		slog.String("outbox", o.Name()),
		slog.String("path", r.URL.Path),
		slog.Time("cutoff", cutoff),
		slog.Int64("changed", n),
	)
	s.writeJSON(w, http.StatusOK, overrideResponse{Name: o.Name(), Changed: n, Unsent: o.NumberUnsent()})
}

func (s *Server) lookup(w http.ResponseWriter, r *http.Request) (Outbox, bool) {
	name := chi.URLParam(r, "name")
	o, ok := s.outboxes[name]
	if !ok {
		s.writeError(w, http.StatusNotFound, errors.New("no outbox named "+strconv.Quote(name)))
	}
	return o, ok
}

func (s *Server) writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn("statusapi.Server: error writing response", slog.String("error", err.Error()))
	}
}

func (s *Server) writeError(w http.ResponseWriter, code int, err error) {
	s.writeJSON(w, code, map[string]string{"error": err.Error()})
}
