package replication

import (
	"sort"
	"sync"
	"time"
)

// Severity classifies a detected conflict for alerting/prioritization.
type Severity int

const (
	SeverityLow Severity = iota
	SeverityMedium
	SeverityHigh
	SeverityCritical
)

// Strategy is a conflict-resolution policy.
type Strategy int

const (
	StrategyLastWriteWins Strategy = iota
	StrategyFirstWriteWins
	StrategyPrimaryWins
	StrategyCustom
)

func ParseStrategy(s string) Strategy {
	switch s {
	case "first_write_wins", "FirstWriteWins":
		return StrategyFirstWriteWins
	case "primary_wins", "PrimaryWins":
		return StrategyPrimaryWins
	case "custom", "Custom":
		return StrategyCustom
	default:
		return StrategyLastWriteWins
	}
}

// Conflict is the detection input for a concurrent update to the same key
// from distinct origins with overlapping versions.
type Conflict struct {
	ID         string
	Table      string
	Key        string
	LocalBytes []byte
	RemoteBytes []byte
	LocalTS    time.Time
	RemoteTS   time.Time
	Op         OpKind
	Metadata   map[string]string

	Severity Severity
	DetectedAt time.Time
}

// ConflictResolution is the outcome of resolving a Conflict.
type ConflictResolution struct {
	ConflictID   string
	Strategy     Strategy
	ResolvedData []byte
	Successful   bool
	Error        string
	ResolvedAt   time.Time
}

// CustomResolver resolves a conflict for conflicts matching its scope.
type CustomResolver func(c Conflict) (ConflictResolution, bool)

// Detect computes severity for a newly observed conflict, per §4.2:
// Delete/DDL -> Critical; Update with |Δt|<1s -> High; Insert with
// |Δt|<1s -> Medium; otherwise Low.
func Detect(c Conflict) Conflict {
	delta := c.LocalTS.Sub(c.RemoteTS)
	if delta < 0 {
		delta = -delta
	}

	switch {
	case c.Op == OpDelete || c.Op == OpDDL:
		c.Severity = SeverityCritical
	case c.Op == OpUpdate && delta < time.Second:
		c.Severity = SeverityHigh
	case c.Op == OpInsert && delta < time.Second:
		c.Severity = SeverityMedium
	default:
		c.Severity = SeverityLow
	}
	c.DetectedAt = time.Now()
	return c
}

// ConflictManager resolves conflicts through a bounded queue and retains
// pattern-analysis counters by table, operation, and strategy.
type ConflictManager struct {
	defaultStrategy Strategy
	tableResolvers  map[string]CustomResolver
	globalResolvers []struct {
		priority int
		resolve  CustomResolver
	}

	mu       sync.Mutex
	queue    []ConflictResolution
	queueCap int

	patterns map[string]int // "table|op|strategy" -> count
}

// NewConflictManager creates a manager with the given default strategy and
// a bounded resolution queue (default 1000 entries).
func NewConflictManager(defaultStrategy Strategy) *ConflictManager {
	return &ConflictManager{
		defaultStrategy: defaultStrategy,
		tableResolvers:  make(map[string]CustomResolver),
		queueCap:        1000,
		patterns:        make(map[string]int),
	}
}

// RegisterTableResolver installs a table-scoped custom resolver, the
// highest-precedence resolution path.
func (m *ConflictManager) RegisterTableResolver(table string, fn CustomResolver) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tableResolvers[table] = fn
}

// RegisterGlobalResolver installs a global custom resolver at priority
// (lower runs first among globals); consulted after table resolvers.
func (m *ConflictManager) RegisterGlobalResolver(priority int, fn CustomResolver) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.globalResolvers = append(m.globalResolvers, struct {
		priority int
		resolve  CustomResolver
	}{priority, fn})
}

// Resolve applies, in descending precedence: (a) a table-scoped custom
// resolver, (b) the highest-priority matching global resolver, (c) the
// default strategy.
func (m *ConflictManager) Resolve(c Conflict) ConflictResolution {
	m.mu.Lock()
	tableResolver, hasTable := m.tableResolvers[c.Table]
	globals := append([]struct {
		priority int
		resolve  CustomResolver
	}(nil), m.globalResolvers...)
	m.mu.Unlock()

	if hasTable {
		if res, ok := tableResolver(c); ok {
			m.record(c, StrategyCustom, res)
			return res
		}
	}

	sort.SliceStable(globals, func(i, j int) bool {
		return globals[i].priority < globals[j].priority
	})
	for _, g := range globals {
		if res, ok := g.resolve(c); ok {
			m.record(c, StrategyCustom, res)
			return res
		}
	}

	res := m.resolveDefault(c)
	m.record(c, m.defaultStrategy, res)
	return res
}

func (m *ConflictManager) resolveDefault(c Conflict) ConflictResolution {
	switch m.defaultStrategy {
	case StrategyFirstWriteWins:
		if c.LocalTS.Before(c.RemoteTS) || c.LocalTS.Equal(c.RemoteTS) {
			return ConflictResolution{ConflictID: c.ID, Strategy: StrategyFirstWriteWins, ResolvedData: c.LocalBytes, Successful: true, ResolvedAt: time.Now()}
		}
		return ConflictResolution{ConflictID: c.ID, Strategy: StrategyFirstWriteWins, ResolvedData: c.RemoteBytes, Successful: true, ResolvedAt: time.Now()}
	case StrategyPrimaryWins:
		return ConflictResolution{ConflictID: c.ID, Strategy: StrategyPrimaryWins, ResolvedData: c.LocalBytes, Successful: true, ResolvedAt: time.Now()}
	default: // LastWriteWins
		if c.RemoteTS.After(c.LocalTS) {
			return ConflictResolution{ConflictID: c.ID, Strategy: StrategyLastWriteWins, ResolvedData: c.RemoteBytes, Successful: true, ResolvedAt: time.Now()}
		}
		return ConflictResolution{ConflictID: c.ID, Strategy: StrategyLastWriteWins, ResolvedData: c.LocalBytes, Successful: true, ResolvedAt: time.Now()}
	}
}

func (m *ConflictManager) record(c Conflict, strategy Strategy, res ConflictResolution) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.queue = append(m.queue, res)
	if len(m.queue) > m.queueCap {
		m.queue = m.queue[len(m.queue)-m.queueCap:]
	}

	key := c.Table + "|" + c.Op.String() + "|" + strategyName(strategy)
	m.patterns[key]++
}

func strategyName(s Strategy) string {
	switch s {
	case StrategyFirstWriteWins:
		return "first_write_wins"
	case StrategyPrimaryWins:
		return "primary_wins"
	case StrategyCustom:
		return "custom"
	default:
		return "last_write_wins"
	}
}

// Patterns returns the table|op|strategy aggregate counts, for
// `heliactl repl conflicts --group-by table|op|strategy`.
func (m *ConflictManager) Patterns() map[string]int {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]int, len(m.patterns))
	for k, v := range m.patterns {
		out[k] = v
	}
	return out
}

// RecentResolutions returns a snapshot of the bounded resolution queue.
func (m *ConflictManager) RecentResolutions() []ConflictResolution {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]ConflictResolution(nil), m.queue...)
}
