// Package remote defines the hosted-backend collaborator: a document store
// reachable over HTTPS with CRUD verbs per named collection. The data layer
// depends only on this request/response shape and on the error taxonomy
// distinguishing connectivity failures from application rejections.
package remote

import (
	"context"
	"encoding/json"
)

// Backend is the remote document store. Every method returns the backend's
// view of the affected document(s); errors are classified via the faults
// package (connectivity errors are retryable, application errors are not).
type Backend interface {
	// Insert creates a document in table and returns the stored document.
	Insert(ctx context.Context, table string, payload json.RawMessage) (json.RawMessage, error)

	// Update modifies the document whose primary key equals matchKey and
	// returns the updated document.
	Update(ctx context.Context, table, matchKey string, payload json.RawMessage) (json.RawMessage, error)

	// Delete removes the document whose primary key equals matchKey.
	Delete(ctx context.Context, table, matchKey string) error

	// Select reads the document with the given matchKey, or the whole
	// collection when matchKey is empty.
	Select(ctx context.Context, table, matchKey string) (json.RawMessage, error)

	// Health reports reachability. Used by the connectivity prober.
	Health(ctx context.Context) error
}
