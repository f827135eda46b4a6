package replication

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// Broadcaster delivers a WAL entry to one replica over the network. Primary
// does not care how; production wiring is an RPC client per replica.
type Broadcaster func(ctx context.Context, replicaID string, entry WALEntry) error

// Primary is the replication-leader half of the Replication Core: the only
// role allowed to call Replicate.
type Primary struct {
	wal      *WALService
	registry *ReplicaRegistry
	mode     Mode
	syncTimeout time.Duration
	broadcast Broadcaster

	isPrimary bool

	mu      sync.Mutex
	pending map[uint64]*PendingOperation
}

// NewPrimary wires a Primary around the given WAL service and replica
// registry.
func NewPrimary(wal *WALService, registry *ReplicaRegistry, mode Mode, syncTimeout time.Duration, broadcast Broadcaster) *Primary {
	return &Primary{
		wal:         wal,
		registry:    registry,
		mode:        mode,
		syncTimeout: syncTimeout,
		broadcast:   broadcast,
		isPrimary:   true,
		pending:     make(map[uint64]*PendingOperation),
	}
}

// SetBroadcast installs (or replaces) the broadcaster used to deliver WAL
// entries to replicas. Exists so callers can build the broadcaster as a
// closure over the already-constructed Primary (for HandleAck callbacks)
// without a circular construction dependency.
func (p *Primary) SetBroadcast(b Broadcaster) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.broadcast = b
}

// SetRole flips whether this node currently holds the primary role;
// Replicate refuses when false (ReplicateNotAllowed).
func (p *Primary) SetRole(isPrimary bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.isPrimary = isPrimary
}

// IsPrimary reports whether this node currently holds the primary role.
func (p *Primary) IsPrimary() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.isPrimary
}

// Mode returns the configured durability mode.
func (p *Primary) Mode() Mode {
	return p.mode
}

// Replicate appends op/table/payload to the WAL, broadcasts it to active
// replicas, and waits for acknowledgement according to the configured
// durability mode.
func (p *Primary) Replicate(ctx context.Context, op OpKind, table string, payload []byte) (ReplicateResult, error) {
	p.mu.Lock()
	if !p.isPrimary {
		p.mu.Unlock()
		return ReplicateNotAllowed, fmt.Errorf("replication: node does not hold primary role")
	}
	p.mu.Unlock()

	entry, err := p.wal.Append(ctx, op, table, payload)
	if err != nil {
		return ReplicateNotAllowed, fmt.Errorf("replication: service unavailable: %w", err)
	}

	active := p.registry.Active()
	deadline := time.Now().Add(p.syncTimeout)
	pend := newPendingOperation(entry.LSN, active, deadline)

	p.mu.Lock()
	p.pending[entry.LSN] = pend
	p.mu.Unlock()

	p.broadcastAll(ctx, active, entry)

	switch p.mode {
	case ModeAsync:
		p.clearPending(entry.LSN)
		return ReplicateOK, nil
	case ModeSemiSync, ModeSync:
		return p.awaitAcks(ctx, pend)
	default:
		p.clearPending(entry.LSN)
		return ReplicateOK, nil
	}
}

func (p *Primary) broadcastAll(ctx context.Context, replicas []string, entry WALEntry) {
	if p.broadcast == nil || len(replicas) == 0 {
		return
	}
	g, gctx := errgroup.WithContext(ctx)
	for _, id := range replicas {
		id := id
		g.Go(func() error {
			_ = p.broadcast(gctx, id, entry) // per-replica errors are transient; ack tracking handles the rest
			return nil
		})
	}
	_ = g.Wait()
}

// awaitAcks blocks until the pending operation's predicate is satisfied or
// its deadline fires (event-driven: woken by HandleAck or the timer).
func (p *Primary) awaitAcks(ctx context.Context, pend *PendingOperation) (ReplicateResult, error) {
	timer := time.NewTimer(time.Until(pend.Deadline))
	defer timer.Stop()

	for {
		p.mu.Lock()
		satisfied := pend.satisfied(p.mode)
		p.mu.Unlock()
		if satisfied {
			p.clearPending(pend.LSN)
			return ReplicateOK, nil
		}

		select {
		case <-pend.done:
			continue
		case <-timer.C:
			p.clearPending(pend.LSN)
			return ReplicateTimeout, fmt.Errorf("replication: timed out waiting for acks on lsn %d", pend.LSN)
		case <-ctx.Done():
			p.clearPending(pend.LSN)
			return ReplicateTimeout, ctx.Err()
		}
	}
}

func (p *Primary) clearPending(lsn uint64) {
	p.mu.Lock()
	delete(p.pending, lsn)
	p.mu.Unlock()
}

// HandleAck is idempotent: it adds replicaID to the pending record's
// acknowledging set if the record still exists; acks for an unknown
// sequence (already retired, or never issued) are discarded silently.
func (p *Primary) HandleAck(replicaID string, lsn uint64) {
	p.mu.Lock()
	pend, ok := p.pending[lsn]
	if !ok {
		p.mu.Unlock()
		return
	}
	if _, already := pend.Acknowledging[replicaID]; !already {
		pend.Acknowledging[replicaID] = struct{}{}
		select {
		case pend.done <- struct{}{}:
		default:
		}
	}
	p.mu.Unlock()
}
