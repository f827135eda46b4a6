package main

import (
	"context"
	"fmt"
	"time"

	"github.com/untoldecay/heliacore/internal/replication"
	"github.com/untoldecay/heliacore/internal/rpc"
)

// lagThresholdBytes is the Active -> Lagging threshold passed to
// RecordAck. The broadcaster below reports a lag of 0 bytes on every
// successful apply, so this path never moves a replica to Lagging. Replica
// states are shown by `heliactl repl replica list`.
const lagThresholdBytes = 8 << 20 // 8 MiB

// newReplicaBroadcaster returns a replication.Broadcaster that pushes a WAL
// entry to a replica's own heliad over the replica's Unix socket (its
// Address, as recorded in the replica registry) and acks the primary
// directly on success, so the replica never needs to dial back.
func newReplicaBroadcaster(primary *replication.Primary, replicas *replication.ReplicaRegistry, log daemonLogger) replication.Broadcaster {
	return func(ctx context.Context, replicaID string, entry replication.WALEntry) error {
		rep, err := replicas.Get(replicaID)
		if err != nil {
			return fmt.Errorf("replicate: %w", err)
		}

		client, err := rpc.TryConnectWithTimeout(rep.Address, 500*time.Millisecond)
		if err != nil {
			return fmt.Errorf("replicate: dial %s: %w", replicaID, err)
		}
		if client == nil {
			return fmt.Errorf("replicate: replica %s unreachable", replicaID)
		}
		defer func() { _ = client.Close() }()

		args := &rpc.ApplyEntryArgs{
			LSN:      entry.LSN,
			Op:       entry.Op.String(),
			Table:    entry.Table,
			Payload:  entry.Payload,
			OriginAt: entry.OriginAt.Format(time.RFC3339Nano),
		}
		if err := client.ApplyEntry(args); err != nil {
			log.Warn("replicate: apply failed", "replica", replicaID, "lsn", entry.LSN, "error", err)
			return err
		}

		primary.HandleAck(replicaID, entry.LSN)
		if err := replicas.RecordAck(replicaID, int64(entry.LSN), lagThresholdBytes, 0); err != nil {
			log.Warn("replicate: record ack failed", "replica", replicaID, "error", err)
		}
		return nil
	}
}
