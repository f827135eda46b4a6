// Package storage defines the persistent WAL store contract (spec §6):
// append, range-read, truncate, last-LSN; it has no stream operation.
// Durability is guaranteed after
// Append returns; the Replication Core builds LSN allocation, replica
// acknowledgement tracking, and streaming on top of this interface.
package storage

import (
	"context"
	"database/sql"
	"errors"
)

// ErrDBNotInitialized is returned when a backend is used before Open.
var ErrDBNotInitialized = errors.New("storage: database not initialized")

// ErrTruncateNotAllowed names a truncate that would remove entries a
// replica has not yet acknowledged. The sqlite backend does not check
// acknowledgements and never returns it.
var ErrTruncateNotAllowed = errors.New("storage: truncate would drop unacknowledged entries")

// Record is the durable representation of one WAL entry.
type Record struct {
	LSN      uint64
	Op       int
	Table    string
	Payload  []byte
	OriginAt int64 // unix nanos
}

// WALStore is the durability contract the Replication Core depends on.
// Implementations must guarantee that once Append returns nil, the record
// survives a process crash.
type WALStore interface {
	// Append persists r. Callers are responsible for LSN monotonicity;
	// implementations may additionally enforce it.
	Append(ctx context.Context, r Record) error

	// RangeRead returns a contiguous prefix of at most limit entries with
	// LSN >= fromLSN, in ascending LSN order.
	RangeRead(ctx context.Context, fromLSN uint64, limit int) ([]Record, error)

	// Truncate removes every entry with LSN < upTo. Callers must only
	// invoke this once every active replica has acked an LSN >= upTo.
	Truncate(ctx context.Context, upTo uint64) error

	// LastLSN returns the highest LSN durably stored, or 0 if empty.
	LastLSN(ctx context.Context) (uint64, error)

	Close() error
}

// Config selects and configures a WALStore backend.
type Config struct {
	Backend string // "sqlite" (only backend implemented)
	Path    string
}

// UnderlyingDB is implemented by backends that expose their raw
// *sql.DB for extensions (metrics export, offline inspection tools).
type UnderlyingDB interface {
	UnderlyingDB() *sql.DB
}
