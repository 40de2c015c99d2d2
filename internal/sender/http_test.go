package sender

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/CharanSaiVaddi/attendq/internal/outbox"
	"github.com/CharanSaiVaddi/attendq/internal/storage"
)

func testRow(payload string) storage.Row {
	return storage.Row{
		ID:        42,
		UUID:      "8c1d5bd4-7f0e-4b43-9d0b-2f1f3a7c6e11",
		Payload:   []byte(payload),
		CreatedAt: time.Date(2026, 5, 4, 9, 30, 0, 0, time.UTC),
	}
}

type capturedRequest struct {
	header http.Header
	body   []byte
}

func newCapturingServer(t *testing.T, status int, reply string) (*httptest.Server, func() []capturedRequest) {
	t.Helper()
	var (
		mu   sync.Mutex
		reqs []capturedRequest
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		mu.Lock()
		reqs = append(reqs, capturedRequest{header: r.Header.Clone(), body: body})
		mu.Unlock()
		w.WriteHeader(status)
		_, _ = io.WriteString(w, reply)
	}))
	t.Cleanup(srv.Close)
	return srv, func() []capturedRequest {
		mu.Lock()
		defer mu.Unlock()
		return append([]capturedRequest(nil), reqs...)
	}
}

func TestEnvelope(t *testing.T) {
	t.Run("JSONPayloadEmbedded", func(t *testing.T) {
		doc, err := Envelope("clockings", testRow(`{"badge":"1234","dir":"in"}`))
		require.NoError(t, err)
		require.Equal(t, "8c1d5bd4-7f0e-4b43-9d0b-2f1f3a7c6e11", gjson.GetBytes(doc, "uuid").String())
		require.EqualValues(t, 42, gjson.GetBytes(doc, "row_id").Int())
		require.Equal(t, "2026-05-04T09:30:00Z", gjson.GetBytes(doc, "queued_at").String())
		require.Equal(t, "clockings", gjson.GetBytes(doc, "source").String())
		require.Equal(t, "1234", gjson.GetBytes(doc, "payload.badge").String())
	})

	t.Run("OpaquePayloadAsString", func(t *testing.T) {
		doc, err := Envelope("enquiries", testRow("B1234;IN"))
		require.NoError(t, err)
		require.Equal(t, "B1234;IN", gjson.GetBytes(doc, "payload").String())
	})
}

func TestHTTPSenderSend(t *testing.T) {
	srv, requests := newCapturingServer(t, http.StatusOK, `{"status":"ok"}`)
	s, err := NewHTTPSender(srv.URL, "clockings",
		WithHeader("Authorization", "Bearer terminal-7"),
		WithHTTPLogger(slog.New(slog.DiscardHandler)),
	)
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, s.Prepare(ctx))
	require.NoError(t, s.Send(ctx, testRow(`{"badge":"1234"}`)))
	require.NoError(t, s.PostSend(ctx))

	reqs := requests()
	require.Len(t, reqs, 1)
	require.Equal(t, "8c1d5bd4-7f0e-4b43-9d0b-2f1f3a7c6e11", reqs[0].header.Get("Idempotency-Key"))
	require.Equal(t, "Bearer terminal-7", reqs[0].header.Get("Authorization"))
	require.Equal(t, "application/json", reqs[0].header.Get("Content-Type"))
	require.Equal(t, "1234", gjson.GetBytes(reqs[0].body, "payload.badge").String())
}

func TestHTTPSenderRejections(t *testing.T) {
	for name, tt := range map[string]struct {
		status int
		reply  string
		reason string
	}{
		"ServerError":     {status: http.StatusServiceUnavailable, reply: "maintenance\n", reason: "maintenance"},
		"StatusNotOK":     {status: http.StatusOK, reply: `{"status":"error","error":"unknown badge"}`, reason: "unknown badge"},
		"StatusNoReason":  {status: http.StatusOK, reply: `{"status":"retry"}`, reason: "retry"},
		"UnauthorizedRaw": {status: http.StatusUnauthorized, reply: "", reason: ""},
	} {
		t.Run(name, func(t *testing.T) {
			srv, _ := newCapturingServer(t, tt.status, tt.reply)
			s, err := NewHTTPSender(srv.URL, "clockings", WithHTTPLogger(slog.New(slog.DiscardHandler)))
			require.NoError(t, err)

			err = s.Send(context.Background(), testRow("{}"))
			var rejected *RejectedError
			require.ErrorAs(t, err, &rejected)
			require.Equal(t, tt.status, rejected.StatusCode)
			require.Equal(t, tt.reason, rejected.Reason)
		})
	}
}

func TestHTTPSenderNonJSONSuccess(t *testing.T) {
	srv, _ := newCapturingServer(t, http.StatusNoContent, "")
	s, err := NewHTTPSender(srv.URL, "clockings", WithHTTPLogger(slog.New(slog.DiscardHandler)))
	require.NoError(t, err)
	require.NoError(t, s.Send(context.Background(), testRow("{}")))
}

func TestHTTPSenderCancelled(t *testing.T) {
	block := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-block:
		case <-r.Context().Done():
		}
	}))
	t.Cleanup(srv.Close)
	t.Cleanup(func() { close(block) })

	s, err := NewHTTPSender(srv.URL, "clockings", WithHTTPLogger(slog.New(slog.DiscardHandler)))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err = s.Send(ctx, testRow("{}"))
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestHTTPSenderExchange(t *testing.T) {
	srv, requests := newCapturingServer(t, http.StatusOK, `{"status":"ok","balance":"12.5h"}`)
	s, err := NewHTTPSender(srv.URL, "enquiries", WithHTTPLogger(slog.New(slog.DiscardHandler)))
	require.NoError(t, err)

	reply, err := s.Exchange(context.Background(), []byte(`{"badge":"1234"}`))
	require.NoError(t, err)
	require.Equal(t, "12.5h", gjson.GetBytes(reply, "balance").String())
	require.Empty(t, requests()[0].header.Get("Idempotency-Key"))
}

func TestHTTPSenderDrivesOutbox(t *testing.T) {
	srv, requests := newCapturingServer(t, http.StatusOK, `{"status":"ok"}`)
	s, err := NewHTTPSender(srv.URL, "clockings", WithHTTPLogger(slog.New(slog.DiscardHandler)))
	require.NoError(t, err)

	store := storage.NewSQLiteStorage(storage.DriverCgo)
	require.NoError(t, store.Init(t.TempDir()+"/sender.db"))
	t.Cleanup(func() { store.Close() })

	ob, err := outbox.New(store, "clockings", outbox.WithLogger(slog.New(slog.DiscardHandler)))
	require.NoError(t, err)
	ctx := context.Background()
	require.NoError(t, ob.Open(ctx))
	for _, badge := range []string{"1", "2", "3"} {
		_, err := ob.Insert(ctx, []byte(`{"badge":"`+badge+`"}`))
		require.NoError(t, err)
	}
	require.NoError(t, ob.Start(ctx, s))
	t.Cleanup(ob.Stop)

	require.Equal(t, 0, ob.WaitUntilDone(ctx, 5*time.Second))
	var badges []string
	for _, req := range requests() {
		badges = append(badges, gjson.GetBytes(req.body, "payload.badge").String())
	}
	require.Equal(t, []string{"1", "2", "3"}, badges)
}

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	require.Equal(t, []string{TransportHTTP, TransportPostgres, TransportRedis}, r.Names())

	deps := Deps{Logger: slog.New(slog.DiscardHandler)}

	s, err := r.Build(deps, Target{Transport: TransportHTTP, URL: "http://server.invalid/clockings", Source: "clockings"})
	require.NoError(t, err)
	require.IsType(t, &HTTPSender{}, s)

	_, err = r.Build(deps, Target{Transport: "carrier-pigeon"})
	require.ErrorIs(t, err, ErrUnknownTransport)

	_, err = r.Build(deps, Target{Transport: TransportPostgres})
	require.ErrorIs(t, err, ErrMissingDependency)
	_, err = r.Build(deps, Target{Transport: TransportRedis})
	require.ErrorIs(t, err, ErrMissingDependency)
	_, err = r.Build(deps, Target{Transport: TransportHTTP})
	require.ErrorIs(t, err, ErrMissingDependency)

	r.Register("discard", func(Deps, Target) (outbox.Sender, error) {
		return outbox.SenderFunc(func(context.Context, storage.Row) error { return nil }), nil
	})
	s, err = r.Build(deps, Target{Transport: "discard"})
	require.NoError(t, err)
	require.NoError(t, s.Send(context.Background(), testRow("{}")))
}

func TestPostgresSenderRequiresPrepare(t *testing.T) {
	s := &PostgresSender{}
	require.ErrorIs(t, s.Send(context.Background(), testRow("{}")), ErrNotPrepared)
	require.NoError(t, s.PostSend(context.Background()))
}
