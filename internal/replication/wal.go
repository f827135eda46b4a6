package replication

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/untoldecay/heliacore/internal/storage"
)

// WALService owns LSN allocation and durability; it wraps a
// storage.WALStore and enforces the strictly-monotone append and
// only-truncate-acked-prefixes contracts.
type WALService struct {
	store  storage.WALStore
	nextLSN atomic.Uint64
}

// NewWALService initializes a service over store, recovering the LSN
// counter from the store's current tail.
func NewWALService(ctx context.Context, store storage.WALStore) (*WALService, error) {
	last, err := store.LastLSN(ctx)
	if err != nil {
		return nil, fmt.Errorf("replication: recovering last lsn: %w", err)
	}
	s := &WALService{store: store}
	s.nextLSN.Store(last)
	return s, nil
}

// LastLSN returns the highest LSN allocated so far.
func (w *WALService) LastLSN() uint64 {
	return w.nextLSN.Load()
}

// Append allocates the next LSN and durably appends the entry.
func (w *WALService) Append(ctx context.Context, op OpKind, table string, payload []byte) (WALEntry, error) {
	lsn := w.nextLSN.Add(1)
	entry := WALEntry{LSN: lsn, Op: op, Table: table, Payload: payload, OriginAt: time.Now()}

	rec := storage.Record{LSN: entry.LSN, Op: int(entry.Op), Table: entry.Table, Payload: entry.Payload, OriginAt: entry.OriginAt.UnixNano()}
	if err := w.store.Append(ctx, rec); err != nil {
		return WALEntry{}, fmt.Errorf("replication: wal append: %w", err)
	}
	return entry, nil
}

// ApplyReplicated durably stores an entry received from a primary's
// broadcast, preserving its LSN (rather than allocating a new one), and
// advances the local cursor if the applied entry is ahead of it.
func (w *WALService) ApplyReplicated(ctx context.Context, entry WALEntry) error {
	rec := storage.Record{LSN: entry.LSN, Op: int(entry.Op), Table: entry.Table, Payload: entry.Payload, OriginAt: entry.OriginAt.UnixNano()}
	if err := w.store.Append(ctx, rec); err != nil {
		return fmt.Errorf("replication: wal apply: %w", err)
	}
	for {
		cur := w.nextLSN.Load()
		if entry.LSN <= cur {
			return nil
		}
		if w.nextLSN.CompareAndSwap(cur, entry.LSN) {
			return nil
		}
	}
}

// GetEntries returns a contiguous prefix of remaining entries starting at
// fromLSN, up to limit.
func (w *WALService) GetEntries(ctx context.Context, fromLSN uint64, limit int) ([]WALEntry, error) {
	recs, err := w.store.RangeRead(ctx, fromLSN, limit)
	if err != nil {
		return nil, fmt.Errorf("replication: wal range_read: %w", err)
	}
	out := make([]WALEntry, len(recs))
	for i, r := range recs {
		out[i] = WALEntry{LSN: r.LSN, Op: OpKind(r.Op), Table: r.Table, Payload: r.Payload, OriginAt: time.Unix(0, r.OriginAt)}
	}
	return out, nil
}

// Truncate removes entries with LSN < upTo. The caller (Primary) is
// responsible for verifying every active replica has acked at least upTo.
func (w *WALService) Truncate(ctx context.Context, upTo uint64) error {
	if err := w.store.Truncate(ctx, upTo); err != nil {
		return fmt.Errorf("replication: wal truncate: %w", err)
	}
	return nil
}

// StreamToReplica begins a resumable stream to replica starting at
// fromLSN, delivering batches to send until ctx is cancelled. Restart on
// disconnect should call this again with the replica's last acked LSN.
func (w *WALService) StreamToReplica(ctx context.Context, fromLSN uint64, send func(WALEntry) error) error {
	const batchSize = 256
	cursor := fromLSN
	for {
		entries, err := w.GetEntries(ctx, cursor, batchSize)
		if err != nil {
			return err
		}
		if len(entries) == 0 {
			return nil
		}
		for _, e := range entries {
			if err := send(e); err != nil {
				return err
			}
			cursor = e.LSN + 1
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
	}
}
