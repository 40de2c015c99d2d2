// Package sender holds the transports that deliver outbox rows to the server
// and the static registry that maps a configured transport name to one.
package sender

import (
	"errors"
	"fmt"
	"time"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/CharanSaiVaddi/attendq/internal/storage"
)

var (
	// ErrNotPrepared is returned by Send when Prepare hasn't run for the batch.
	ErrNotPrepared = errors.New("sender: not prepared")
	// ErrUnknownTransport is returned by the registry for an unregistered name.
	ErrUnknownTransport = errors.New("sender: unknown transport")
	// ErrMissingDependency is returned when a transport's client isn't configured.
	ErrMissingDependency = errors.New("sender: missing dependency")
)

// Envelope wraps a row in the JSON document every transport delivers:
//
//	{"uuid": "...", "row_id": 1, "queued_at": "...", "source": "...", "payload": ...}
//
// A payload that is valid JSON is embedded as is, anything else as a string.
func Envelope(source string, row storage.Row) ([]byte, error) {
	doc := []byte(`{}`)
	var err error

	set := func(path string, value any) {
		if err == nil {
			doc, err = sjson.SetBytes(doc, path, value)
		}
	}
	set("uuid", row.UUID)
	set("row_id", row.ID)
	set("queued_at", row.CreatedAt.UTC().Format(time.RFC3339Nano))
	set("source", source)
	if err != nil {
		return nil, fmt.Errorf("sender: build envelope: %w", err)
	}

	if len(row.Payload) > 0 && gjson.ValidBytes(row.Payload) {
		doc, err = sjson.SetRawBytes(doc, "payload", row.Payload)
	} else {
		doc, err = sjson.SetBytes(doc, "payload", string(row.Payload))
	}
	if err != nil {
		return nil, fmt.Errorf("sender: build envelope: %w", err)
	}
	return doc, nil
}
