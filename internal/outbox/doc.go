// Package outbox provides a durable, strictly ordered delivery queue backed by
// a storage.Storage table and drained by a single worker goroutine.
//
// Typical flow:
//  1. Open the outbox once so its table exists and the unsent count is loaded.
//  2. Start the worker with a Sender that knows how to deliver one row.
//  3. Insert payloads; the worker sends them oldest first, marking each row
//     sent only after the Sender reports success.
//
// A failed send is retried after the retry delay and rows behind it wait;
// inserts are refused once the unsent count reaches the configured maximum.
package outbox
