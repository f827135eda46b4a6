package security

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"sync"
	"time"
)

const genesisHash = "GENESIS"

// ForensicRecord is one entry in the tamper-evident forensic chain.
type ForensicRecord struct {
	ID           uint64
	Timestamp    time.Time
	User         string
	Session      string
	Action       string
	Resource     string
	Assessment   *Assessment
	PreviousHash string
	Hash         string

	// PendingReplication is set when this record was written locally
	// before it could also be appended through the WAL service.
	PendingReplication bool
}

// BrokenChainReport names the ids at which chain verification failed.
type BrokenChainReport struct {
	IntegrityValid  bool
	VerifiedEntries int
	BrokenChains    []uint64
}

// ForensicChain is a single-writer, append-only, hash-linked audit log.
// The head is serialized by a short mutex; readers take a snapshot under a
// read lock, per §5.
type ForensicChain struct {
	hash HashProvider

	mu      sync.RWMutex
	entries []*ForensicRecord
	head    string
}

// NewForensicChain creates an empty chain using the given hash provider.
func NewForensicChain(hash HashProvider) *ForensicChain {
	return &ForensicChain{hash: hash, head: genesisHash}
}

// Append assigns id = previous_max + 1, sets previous_hash to the current
// head (or "GENESIS" for id 1), computes the entry's hash, and advances the
// head.
func (c *ForensicChain) Append(user, session, action, resource string, assessment *Assessment) *ForensicRecord {
	c.mu.Lock()
	defer c.mu.Unlock()

	id := uint64(len(c.entries)) + 1
	rec := &ForensicRecord{
		ID:           id,
		Timestamp:    time.Now(),
		User:         user,
		Session:      session,
		Action:       action,
		Resource:     resource,
		Assessment:   assessment,
		PreviousHash: c.head,
	}
	rec.Hash = c.computeHash(rec)
	c.entries = append(c.entries, rec)
	c.head = rec.Hash
	return rec
}

// computeHash implements H(previous_hash || id || user || action ||
// resource || timestamp).
func (c *ForensicChain) computeHash(rec *ForensicRecord) string {
	buf := make([]byte, 0, 128)
	buf = append(buf, rec.PreviousHash...)
	var idBytes [8]byte
	binary.BigEndian.PutUint64(idBytes[:], rec.ID)
	buf = append(buf, idBytes[:]...)
	buf = append(buf, rec.User...)
	buf = append(buf, rec.Action...)
	buf = append(buf, rec.Resource...)
	buf = append(buf, []byte(rec.Timestamp.UTC().Format(time.RFC3339Nano))...)
	return hex.EncodeToString(c.hash.Digest(buf))
}

// HeadHash returns the current chain head's hash.
func (c *ForensicChain) HeadHash() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.head
}

// Len returns the number of entries in the chain.
func (c *ForensicChain) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Snapshot returns a read-only copy of every entry, in id order.
func (c *ForensicChain) Snapshot() []*ForensicRecord {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]*ForensicRecord, len(c.entries))
	copy(out, c.entries)
	return out
}

// Verify walks the chain asserting entry.previous_hash == expected_previous
// and recompute(entry) == entry.hash; any mismatch is reported by id.
func (c *ForensicChain) Verify() BrokenChainReport {
	entries := c.Snapshot()

	report := BrokenChainReport{IntegrityValid: true}
	expectedPrevious := genesisHash
	for _, e := range entries {
		recomputed := c.computeHash(e)
		if e.PreviousHash != expectedPrevious || recomputed != e.Hash {
			report.IntegrityValid = false
			report.BrokenChains = append(report.BrokenChains, e.ID)
		} else {
			report.VerifiedEntries++
		}
		expectedPrevious = e.Hash
	}
	return report
}

// ErrChainIntegrityBroken mirrors the §7 error taxonomy entry.
func ErrChainIntegrityBroken(ids []uint64) error {
	return fmt.Errorf("security: chain integrity broken at ids %v", ids)
}
