package security

import (
	"sync"
	"time"
)

// ExfiltrationAttempt is emitted when the exfiltration guard blocks a query.
type ExfiltrationAttempt struct {
	User          string
	Session       string
	EstimatedRows int64
	WindowTotal   int64
	Reason        string
	OccurredAt    time.Time
}

type windowSample struct {
	rows int64
	at   time.Time
}

// ExfiltrationGuard sums recent per-user result sizes over a rolling window
// (default 1h) and blocks unconditionally on a per-query row ceiling or a
// window-total breach.
type ExfiltrationGuard struct {
	rowLimit     int64
	windowVolume int64
	window       time.Duration

	mu      sync.Mutex
	samples map[string][]windowSample
}

// NewExfiltrationGuard creates a guard with the given per-query row limit
// (security.exfiltration_row_limit), a window-total volume ceiling, and a
// rolling window duration (default 1h).
func NewExfiltrationGuard(rowLimit, windowVolume int64, window time.Duration) *ExfiltrationGuard {
	if window <= 0 {
		window = time.Hour
	}
	return &ExfiltrationGuard{
		rowLimit:     rowLimit,
		windowVolume: windowVolume,
		window:       window,
		samples:      make(map[string][]windowSample),
	}
}

// Check evaluates estimatedRows for user, recording it into the rolling
// window if admitted. Returns (nil, true) when allowed, or the attempt
// record plus false when blocked.
func (g *ExfiltrationGuard) Check(user, session string, estimatedRows int64) (*ExfiltrationAttempt, bool) {
	now := time.Now()

	if g.rowLimit > 0 && estimatedRows > g.rowLimit {
		return &ExfiltrationAttempt{
			User: user, Session: session, EstimatedRows: estimatedRows,
			Reason: "per-query row limit exceeded", OccurredAt: now,
		}, false
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	samples := g.prune(user, now)
	var total int64
	for _, s := range samples {
		total += s.rows
	}

	if g.windowVolume > 0 && total+estimatedRows > g.windowVolume {
		g.samples[user] = samples
		return &ExfiltrationAttempt{
			User: user, Session: session, EstimatedRows: estimatedRows,
			WindowTotal: total, Reason: "rolling window volume threshold exceeded", OccurredAt: now,
		}, false
	}

	samples = append(samples, windowSample{rows: estimatedRows, at: now})
	g.samples[user] = samples
	return nil, true
}

func (g *ExfiltrationGuard) prune(user string, now time.Time) []windowSample {
	cutoff := now.Add(-g.window)
	existing := g.samples[user]
	kept := existing[:0:0]
	for _, s := range existing {
		if s.at.After(cutoff) {
			kept = append(kept, s)
		}
	}
	return kept
}
