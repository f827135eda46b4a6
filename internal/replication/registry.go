package replication

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/untoldecay/heliacore/internal/lockfile"
)

// ReplicaRegistry tracks every known replica, persisted as a flock-guarded
// JSON file so a restarted heliad rediscovers its replica set, mirroring
// the teacher's daemon-registry persistence pattern.
type ReplicaRegistry struct {
	path     string
	lockPath string

	mu       sync.RWMutex
	replicas map[string]*Replica
}

type registryFile struct {
	Replicas []*Replica `json:"replicas"`
}

// NewReplicaRegistry opens (or creates) the registry file at path.
func NewReplicaRegistry(path string) (*ReplicaRegistry, error) {
	r := &ReplicaRegistry{
		path:     path,
		lockPath: path + ".lock",
		replicas: make(map[string]*Replica),
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("replication: create registry dir: %w", err)
	}
	if err := r.withFileLock(func() error {
		entries, err := r.readEntriesLocked()
		if err != nil {
			return err
		}
		for _, e := range entries {
			r.replicas[e.ID] = e
		}
		return nil
	}); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *ReplicaRegistry) withFileLock(fn func() error) error {
	fl, err := lockfile.FlockExclusiveBlocking(r.lockPath)
	if err != nil {
		return fmt.Errorf("replication: acquire registry lock: %w", err)
	}
	defer lockfile.FlockUnlock(fl)
	return fn()
}

// readEntriesLocked tolerates a missing or corrupted file: both are
// treated as an empty registry rather than an error, so a first-run daemon
// or a partially-written file never blocks startup.
func (r *ReplicaRegistry) readEntriesLocked() ([]*Replica, error) {
	data, err := os.ReadFile(r.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("replication: read registry: %w", err)
	}
	if len(data) == 0 {
		return nil, nil
	}
	var rf registryFile
	if err := json.Unmarshal(data, &rf); err != nil {
		return nil, nil // corrupted file: start fresh rather than fail startup
	}
	return rf.Replicas, nil
}

func (r *ReplicaRegistry) persistLocked() error {
	r.mu.RLock()
	rf := registryFile{Replicas: make([]*Replica, 0, len(r.replicas))}
	for _, rep := range r.replicas {
		rf.Replicas = append(rf.Replicas, rep)
	}
	r.mu.RUnlock()

	data, err := json.MarshalIndent(rf, "", "  ")
	if err != nil {
		return fmt.Errorf("replication: marshal registry: %w", err)
	}
	tmp := r.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("replication: write registry: %w", err)
	}
	return os.Rename(tmp, r.path)
}

// Add registers a new replica in Syncing status. Authoritative only on the
// primary.
func (r *ReplicaRegistry) Add(id, address string) (*Replica, error) {
	r.mu.Lock()
	if _, exists := r.replicas[id]; exists {
		r.mu.Unlock()
		return nil, fmt.Errorf("replication: replica already registered: %s", id)
	}
	rep := &Replica{ID: id, Address: address, Role: RoleReadOnly, Status: StatusSyncing, LastHeartbeat: time.Now()}
	r.replicas[id] = rep
	r.mu.Unlock()

	return rep, r.withFileLock(r.persistLocked)
}

// Remove unregisters a replica.
func (r *ReplicaRegistry) Remove(id string) error {
	r.mu.Lock()
	delete(r.replicas, id)
	r.mu.Unlock()
	return r.withFileLock(r.persistLocked)
}

// Get returns the replica record for id, or ErrReplicaNotFound.
func (r *ReplicaRegistry) Get(id string) (*Replica, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rep, ok := r.replicas[id]
	if !ok {
		return nil, ErrReplicaNotFound(id)
	}
	return rep, nil
}

// Active returns the ids of every replica currently in Active or Lagging
// status (i.e. reachable and counted toward durability requirements).
func (r *ReplicaRegistry) Active() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var ids []string
	for id, rep := range r.replicas {
		if rep.Status == StatusActive || rep.Status == StatusLagging {
			ids = append(ids, id)
		}
	}
	return ids
}

// All returns a snapshot of every known replica.
func (r *ReplicaRegistry) All() []*Replica {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Replica, 0, len(r.replicas))
	for _, rep := range r.replicas {
		cp := *rep
		out = append(out, &cp)
	}
	return out
}

// RecordAck applies an acknowledged LSN to a replica. A Syncing replica
// becomes Active on any ack; the acked LSN is not compared against the
// WAL's latest LSN. Active and Lagging move between each other by
// comparing lagBytes with lagThresholdBytes.
func (r *ReplicaRegistry) RecordAck(id string, lsn, lagThresholdBytes int64, lagBytes int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	rep, ok := r.replicas[id]
	if !ok {
		return ErrReplicaNotFound(id)
	}
	if uint64(lsn) > rep.LastAckedLSN {
		rep.LastAckedLSN = uint64(lsn)
	}
	rep.LagBytes = lagBytes
	rep.LastHeartbeat = time.Now()

	switch rep.Status {
	case StatusSyncing:
		rep.Status = StatusActive
	case StatusActive:
		if lagBytes > lagThresholdBytes {
			rep.Status = StatusLagging
		}
	case StatusLagging:
		if lagBytes <= lagThresholdBytes {
			rep.Status = StatusActive
		}
	}
	return nil
}

// MarkFailed transitions an Active/Lagging replica to Failed after missed
// heartbeats are detected by the caller.
func (r *ReplicaRegistry) MarkFailed(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	rep, ok := r.replicas[id]
	if !ok {
		return ErrReplicaNotFound(id)
	}
	if rep.Status == StatusActive || rep.Status == StatusLagging {
		rep.Status = StatusFailed
	}
	return nil
}

// MarkReconnected transitions a Failed replica back to Syncing.
func (r *ReplicaRegistry) MarkReconnected(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	rep, ok := r.replicas[id]
	if !ok {
		return ErrReplicaNotFound(id)
	}
	if rep.Status == StatusFailed {
		rep.Status = StatusSyncing
		rep.LastHeartbeat = time.Now()
	}
	return nil
}

// ErrReplicaNotFound mirrors the §7 error taxonomy entry.
func ErrReplicaNotFound(id string) error {
	return fmt.Errorf("replication: replica not found: %s", id)
}
