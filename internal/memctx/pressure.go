package memctx

import (
	"context"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
)

// PressureLevel is a monotone-ordered severity derived from a usage ratio.
type PressureLevel int

const (
	LevelNormal PressureLevel = iota
	LevelWarning
	LevelCritical
	LevelEmergency
)

func (l PressureLevel) String() string {
	switch l {
	case LevelNormal:
		return "normal"
	case LevelWarning:
		return "warning"
	case LevelCritical:
		return "critical"
	case LevelEmergency:
		return "emergency"
	default:
		return "unknown"
	}
}

// Resolution records how a pressure event concluded.
type Resolution int

const (
	ResolutionCallbackSuccess Resolution = iota
	ResolutionEmergencyAction
	ResolutionAutoResolved
	ResolutionTimeout
	ResolutionFailed
)

// Thresholds are the three ratio boundaries; Warning < Critical < Emergency,
// each in (0, 1).
type Thresholds struct {
	Warning   float64
	Critical  float64
	Emergency float64
}

// DefaultThresholds matches the spec's documented defaults.
var DefaultThresholds = Thresholds{Warning: 0.80, Critical: 0.90, Emergency: 0.95}

func (t Thresholds) levelFor(ratio float64) PressureLevel {
	switch {
	case ratio >= t.Emergency:
		return LevelEmergency
	case ratio >= t.Critical:
		return LevelCritical
	case ratio >= t.Warning:
		return LevelWarning
	default:
		return LevelNormal
	}
}

// SystemSample is the last sampled system-memory reading.
type SystemSample struct {
	SystemTotal uint64
	SystemUsed  uint64
	Available   uint64
	ProcessRSS  uint64
	Ratio       float64
	SampledAt   time.Time
}

// Callback is registered at a level and fires when pressure reaches that
// level or higher, in ascending priority order (lower number first). It
// reports the number of bytes it freed.
type Callback struct {
	Level    PressureLevel
	Priority int
	Name     string
	Fn       func(ctx context.Context) (bytesFreed int64, err error)
}

// EventHistory is one bounded entry in the pressure ring buffer.
type EventHistory struct {
	Level        PressureLevel
	BytesFreed   int64
	Duration     time.Duration
	Resolution   Resolution
	OccurredAt   time.Time
}

const defaultEventHistoryCap = 256

// PressureMonitor samples system memory on an interval, recomputes the
// current level, and on a level upgrade runs the registered callback chain
// bounded by a weighted semaphore.
type PressureMonitor struct {
	thresholds  Thresholds
	sem         *semaphore.Weighted
	maxCallbackTime time.Duration

	mu        sync.Mutex
	callbacks []Callback
	level     PressureLevel
	last      SystemSample

	historyMu sync.RWMutex
	history   []EventHistory
	historyCap int

	stopCh chan struct{}
	once   sync.Once
}

// NewPressureMonitor creates a monitor with spec defaults: thresholds
// {0.80,0.90,0.95}, a concurrency bound of 10 callbacks, 256-entry history.
func NewPressureMonitor() *PressureMonitor {
	return &PressureMonitor{
		thresholds:      DefaultThresholds,
		sem:             semaphore.NewWeighted(10),
		maxCallbackTime: 5 * time.Second,
		historyCap:      defaultEventHistoryCap,
		stopCh:          make(chan struct{}),
	}
}

// SetThresholds overrides the default ratio thresholds; caller must ensure
// warning < critical < emergency.
func (m *PressureMonitor) SetThresholds(t Thresholds) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.thresholds = t
}

// RegisterCallback adds cb to the chain. Callbacks fire in ascending
// Priority order within the set of callbacks at or below the triggering
// level.
func (m *PressureMonitor) RegisterCallback(cb Callback) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.callbacks = append(m.callbacks, cb)
	sort.SliceStable(m.callbacks, func(i, j int) bool {
		return m.callbacks[i].Priority < m.callbacks[j].Priority
	})
}

// Sample feeds a system-memory reading into the monitor and, on a level
// upgrade, runs the callback chain. Returns the recomputed level.
func (m *PressureMonitor) Sample(total, used, available, rss uint64) PressureLevel {
	ratio := 0.0
	if total > 0 {
		ratio = float64(used) / float64(total)
	}

	m.mu.Lock()
	snap := SystemSample{SystemTotal: total, SystemUsed: used, Available: available, ProcessRSS: rss, Ratio: ratio, SampledAt: time.Now()}
	m.last = snap
	newLevel := m.thresholds.levelFor(ratio)
	upgraded := newLevel > m.level
	oldLevel := m.level
	m.level = newLevel
	cbs := append([]Callback(nil), m.callbacks...)
	m.mu.Unlock()

	if !upgraded {
		return newLevel
	}
	_ = oldLevel
	m.runChain(newLevel, cbs)
	return newLevel
}

func (m *PressureMonitor) runChain(level PressureLevel, cbs []Callback) {
	started := time.Now()
	var totalFreed int64
	resolution := ResolutionAutoResolved

	for _, cb := range cbs {
		if cb.Level > level {
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), m.maxCallbackTime)
		if err := m.sem.Acquire(ctx, 1); err != nil {
			cancel()
			resolution = ResolutionTimeout
			continue
		}
		freed, err := cb.Fn(ctx)
		m.sem.Release(1)
		cancel()

		if err != nil {
			resolution = ResolutionFailed
			continue
		}
		totalFreed += freed
		resolution = ResolutionCallbackSuccess

		if level == LevelWarning && freed > 0 {
			break
		}
	}
	if level >= LevelCritical {
		resolution = ResolutionEmergencyAction
	}

	m.recordEvent(EventHistory{
		Level:      level,
		BytesFreed: totalFreed,
		Duration:   time.Since(started),
		Resolution: resolution,
		OccurredAt: started,
	})
}

func (m *PressureMonitor) recordEvent(e EventHistory) {
	m.historyMu.Lock()
	defer m.historyMu.Unlock()
	m.history = append(m.history, e)
	if len(m.history) > m.historyCap {
		m.history = m.history[len(m.history)-m.historyCap:]
	}
}

// History returns a snapshot of the bounded event ring buffer.
func (m *PressureMonitor) History() []EventHistory {
	m.historyMu.RLock()
	defer m.historyMu.RUnlock()
	return append([]EventHistory(nil), m.history...)
}

// Level returns the current pressure level.
func (m *PressureMonitor) Level() PressureLevel {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.level
}

// StartSampling runs Sample on interval using sampleFn until Stop is called.
func (m *PressureMonitor) StartSampling(interval time.Duration, sampleFn func() (total, used, available, rss uint64)) {
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				total, used, available, rss := sampleFn()
				m.Sample(total, used, available, rss)
			case <-m.stopCh:
				return
			}
		}
	}()
}

// Stop halts background sampling started via StartSampling.
func (m *PressureMonitor) Stop() {
	m.once.Do(func() { close(m.stopCh) })
}
