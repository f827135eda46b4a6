// Package memctx implements the Memory Core: a hierarchical tree of named
// allocation contexts, each owning a singly-linked chain of bump-allocated
// blocks, plus a process-wide pressure sampler that drives a
// priority-ordered callback chain when memory runs low.
//
// Contexts are referenced by id only — the Registry is the single owner of
// every *Context value, and a Context's children field holds ids, not
// pointers, so destroying a subtree can never leave a dangling reference
// reachable from outside the registry.
package memctx

import (
	"sync"
	"time"
)

// Config holds the §6 Memory Core configuration surface.
type Config struct {
	InitialBlockSize int
	MaxBlockSize     int
	GrowthFactor     float64
	MmapThreshold    int
	MaxContexts      int
	DebugGuards      bool
}

// DefaultConfig returns the spec-documented defaults.
func DefaultConfig() Config {
	return Config{
		InitialBlockSize: 64 * 1024,
		MaxBlockSize:     64 * 1024 * 1024,
		GrowthFactor:     2.0,
		MmapThreshold:    1024 * 1024,
		MaxContexts:      10000,
	}
}

// Registry owns every live Context and enforces the tree invariants.
type Registry struct {
	cfg Config

	mu       sync.RWMutex // guards contexts map and tree-shape mutation
	contexts map[string]*Context
	rootID   string

	largeObjects *largeObjectRegistry
	pressure     *PressureMonitor
}

// NewRegistry creates an empty registry and its top-level root context.
func NewRegistry(cfg Config) (*Registry, error) {
	r := &Registry{
		cfg:          cfg,
		contexts:     make(map[string]*Context),
		largeObjects: newLargeObjectRegistry(),
		pressure:     NewPressureMonitor(),
	}
	rootID := GenerateContextID()
	if _, err := r.CreateContext(rootID, KindTopLevel, "", 0); err != nil {
		return nil, err
	}
	r.rootID = rootID
	return r, nil
}

// RootID returns the id of the implicit top-level root context.
func (r *Registry) RootID() string { return r.rootID }

// CreateContext registers a new context as a child of parentID ("" for the
// root). Fails if id already exists, parentID is unknown (and non-empty),
// or the live-context cap would be exceeded.
func (r *Registry) CreateContext(id string, kind ContextKind, parentID string, limit int64) (*Context, error) {
	if !ValidContextID(id) {
		return nil, ErrInvalidContextID(id)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.contexts[id]; exists {
		return nil, ErrContextExists(id)
	}
	if len(r.contexts) >= r.cfg.MaxContexts {
		return nil, ErrTooManyContexts(r.cfg.MaxContexts)
	}

	var parent *Context
	if parentID != "" {
		var ok bool
		parent, ok = r.contexts[parentID]
		if !ok {
			return nil, ErrContextNotFound(parentID)
		}
	}

	ctx := &Context{
		ID:        id,
		Kind:      kind,
		ParentID:  parentID,
		Limit:     limit,
		active:    true,
		createdAt: time.Now(),
	}
	r.contexts[id] = ctx

	if parent != nil {
		parent.mu.Lock()
		parent.children = append(parent.children, id)
		parent.mu.Unlock()
	}

	return ctx, nil
}

// Get returns the live context for id, or ErrContextNotFound.
func (r *Registry) Get(id string) (*Context, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ctx, ok := r.contexts[id]
	if !ok || !ctx.active {
		return nil, ErrContextNotFound(id)
	}
	return ctx, nil
}

// Snapshot returns a point-in-time view of every live context, for
// operational introspection (heliactl mem stats).
func (r *Registry) Snapshot() []Snapshot {
	r.mu.RLock()
	ids := make([]*Context, 0, len(r.contexts))
	for _, c := range r.contexts {
		ids = append(ids, c)
	}
	r.mu.RUnlock()

	out := make([]Snapshot, 0, len(ids))
	for _, c := range ids {
		out = append(out, c.snapshot())
	}
	return out
}

// Reset recursively resets ctx and every descendant: block cursors return
// to base, bytes_allocated becomes 0, reset_count increments. Blocks are
// retained (not released) so subsequent allocations are cheap.
func (r *Registry) Reset(id string) error {
	ctx, err := r.Get(id)
	if err != nil {
		return err
	}
	return r.resetSubtree(ctx)
}

func (r *Registry) resetSubtree(ctx *Context) error {
	ctx.mu.RLock()
	children := append([]string(nil), ctx.children...)
	ctx.mu.RUnlock()

	for _, childID := range children {
		child, err := r.Get(childID)
		if err != nil {
			continue // already destroyed out from under us
		}
		if err := r.resetSubtree(child); err != nil {
			return err
		}
	}

	ctx.mu.Lock()
	for b := ctx.head; b != nil; b = b.next {
		b.cursor.Store(0)
	}
	ctx.mu.Unlock()

	ctx.bytesAllocated.Store(0)
	ctx.resetCount.Add(1)
	return nil
}

// Destroy recursively destroys ctx's descendants, unlinks it from its
// parent, releases its blocks, and marks it inactive. Idempotent: a second
// call on an already-destroyed id returns ErrContextNotFound.
func (r *Registry) Destroy(id string) error {
	ctx, err := r.Get(id)
	if err != nil {
		return err
	}

	ctx.mu.RLock()
	children := append([]string(nil), ctx.children...)
	ctx.mu.RUnlock()
	for _, childID := range children {
		_ = r.Destroy(childID) // already-gone children are fine
	}

	r.mu.Lock()
	delete(r.contexts, id)
	if ctx.ParentID != "" {
		if parent, ok := r.contexts[ctx.ParentID]; ok {
			parent.mu.Lock()
			parent.children = removeString(parent.children, id)
			parent.mu.Unlock()
		}
	}
	r.mu.Unlock()

	ctx.mu.Lock()
	ctx.active = false
	head := ctx.head
	ctx.head = nil
	ctx.mu.Unlock()

	for b := head; b != nil; {
		next := b.next
		_ = b.release()
		b = next
	}
	r.largeObjects.releaseOwnedBy(id)

	return nil
}

func removeString(ss []string, target string) []string {
	out := ss[:0]
	for _, s := range ss {
		if s != target {
			out = append(out, s)
		}
	}
	return out
}

// Pressure exposes the registry's process-wide pressure monitor.
func (r *Registry) Pressure() *PressureMonitor { return r.pressure }
