package sender

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"github.com/CharanSaiVaddi/attendq/internal/storage"
)

const (
	defaultHTTPTimeout = 30 * time.Second
	maxResponseBody    = 64 << 10
)

// RejectedError is returned when the server answered but didn't accept the
// request, either with a non-2xx status or a JSON body whose status isn't
// "ok".
type RejectedError struct {
	StatusCode int
	Reason     string
}

func (e *RejectedError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("sender: rejected with HTTP %d", e.StatusCode)
	}
	return fmt.Sprintf("sender: rejected with HTTP %d: %s", e.StatusCode, e.Reason)
}

// HTTPSender POSTs each row's envelope to a fixed URL.
type HTTPSender struct {
	client *http.Client
	url    string
	source string
	header http.Header
	logger *slog.Logger
}

// HTTPOption configures an HTTPSender.
type HTTPOption func(*HTTPSender)

// WithHTTPClient sets the client used for requests.
func WithHTTPClient(client *http.Client) HTTPOption {
	return func(s *HTTPSender) {
		s.client = client
	}
}

// WithHeader adds a header sent with every request, e.g. authorization.
func WithHeader(key, value string) HTTPOption {
	return func(s *HTTPSender) {
		s.header.Add(key, value)
	}
}

// WithHTTPLogger sets the logger.
func WithHTTPLogger(logger *slog.Logger) HTTPOption {
	return func(s *HTTPSender) {
		s.logger = logger
	}
}

// NewHTTPSender returns a sender posting to url on behalf of source.
func NewHTTPSender(url, source string, opts ...HTTPOption) (*HTTPSender, error) {
	if url == "" {
		return nil, fmt.Errorf("%w: http url", ErrMissingDependency)
	}
	s := &HTTPSender{
		client: &http.Client{Timeout: defaultHTTPTimeout},
		url:    url,
		source: source,
		header: make(http.Header),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Prepare is a no-op; connections are opened lazily and kept alive for the
// batch.
func (s *HTTPSender) Prepare(context.Context) error { return nil }

// Send posts the envelope of row with its uuid as the Idempotency-Key.
func (s *HTTPSender) Send(ctx context.Context, row storage.Row) error {
	body, err := Envelope(s.source, row)
	if err != nil {
		return err
	}
	_, err = s.post(ctx, body, row.UUID)
	return err
}

// PostSend drops the batch's keep-alive connections.
func (s *HTTPSender) PostSend(context.Context) error {
	s.client.CloseIdleConnections()
	return nil
}

// Exchange posts body and returns the server's reply. It's the
// request/response form used by interactive jobs.
func (s *HTTPSender) Exchange(ctx context.Context, body []byte) ([]byte, error) {
	return s.post(ctx, body, "")
}

func (s *HTTPSender) post(ctx context.Context, body []byte, idempotencyKey string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("sender: build request: %w", err)
	}
	for key, values := range s.header {
		for _, v := range values {
			req.Header.Add(key, v)
		}
	}
	req.Header.Set("Content-Type", "application/json")
	if idempotencyKey != "" {
		req.Header.Set("Idempotency-Key", idempotencyKey)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("sender: post %s: %w", s.url, err)
	}
	defer resp.Body.Close()

	reply, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return nil, fmt.Errorf("sender: read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &RejectedError{StatusCode: resp.StatusCode, Reason: strings.TrimSpace(string(reply))}
	}
	if gjson.ValidBytes(reply) {
		if status := gjson.GetBytes(reply, "status"); status.Exists() && status.String() != "ok" {
			reason := gjson.GetBytes(reply, "error").String()
			if reason == "" {
				reason = status.String()
			}
			return nil, &RejectedError{StatusCode: resp.StatusCode, Reason: reason}
		}
	}

	s.logger.DebugContext(ctx, "sender.HTTPSender: request accepted",
		slog.String("url", s.url),
		slog.Int("status", resp.StatusCode),
	)
	return reply, nil
}
