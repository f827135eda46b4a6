package security

import (
	"regexp"
	"sync"
	"time"
)

// Level is the assessed threat level, mapped from total score via fixed
// boundaries.
type Level int

const (
	LevelNone Level = iota
	LevelLow
	LevelMedium
	LevelHigh
	LevelCritical
)

func (l Level) String() string {
	switch l {
	case LevelNone:
		return "none"
	case LevelLow:
		return "low"
	case LevelMedium:
		return "medium"
	case LevelHigh:
		return "high"
	case LevelCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// LevelForScore maps a 0..100 total score to a Level via the fixed §4.3
// boundaries: 0-24 None, 25-49 Low, 50-74 Medium, 75-99 High, 100 Critical.
func LevelForScore(total float64) Level {
	switch {
	case total >= 100:
		return LevelCritical
	case total >= 75:
		return LevelHigh
	case total >= 50:
		return LevelMedium
	case total >= 25:
		return LevelLow
	default:
		return LevelNone
	}
}

// Action is the prescribed response to an assessment.
type Action int

const (
	ActionAllow Action = iota
	ActionLog
	ActionAlert
	ActionRequireJustification
	ActionBlock
	ActionTerminate
)

func (a Action) String() string {
	switch a {
	case ActionAllow:
		return "allow"
	case ActionLog:
		return "log"
	case ActionAlert:
		return "alert"
	case ActionRequireJustification:
		return "require_justification"
	case ActionBlock:
		return "block"
	case ActionTerminate:
		return "terminate"
	default:
		return "unknown"
	}
}

// ActionForLevel applies the level->action mapping from §4.3.
func ActionForLevel(l Level) Action {
	switch l {
	case LevelLow:
		return ActionLog
	case LevelMedium:
		return ActionAlert
	case LevelHigh:
		return ActionRequireJustification
	case LevelCritical:
		return ActionBlock
	default:
		return ActionAllow
	}
}

// Weights are the per-component multipliers summed into the total score.
type Weights struct {
	Pattern    float64
	Volume     float64
	Temporal   float64
	Behavioral float64
}

// DefaultWeights matches the §4.3 default {0.25, 0.30, 0.20, 0.25}.
func DefaultWeights() Weights {
	return Weights{Pattern: 0.25, Volume: 0.30, Temporal: 0.20, Behavioral: 0.25}
}

func (w Weights) sum() float64 {
	return w.Pattern + w.Volume + w.Temporal + w.Behavioral
}

func (w Weights) normalized() Weights {
	s := w.sum()
	if s == 0 {
		return DefaultWeights()
	}
	return Weights{
		Pattern:    w.Pattern / s,
		Volume:     w.Volume / s,
		Temporal:   w.Temporal / s,
		Behavioral: w.Behavioral / s,
	}
}

// QueryInput is everything the scorer needs about a single query attempt.
type QueryInput struct {
	User          string
	Session       string
	Text          string
	EstimatedRows int64
	Hour          int
	Tables        []string
}

// ComponentScores holds the four 0..100 sub-scores.
type ComponentScores struct {
	Pattern    float64
	Volume     float64
	Temporal   float64
	Behavioral float64
}

// Assessment is the outcome of scoring one query.
type Assessment struct {
	QueryHash  []byte
	Components ComponentScores
	TotalScore float64
	Level      Level
	Action     Action
	Reasons    []string
	AssessedAt time.Time
}

var (
	unionSelectRe    = regexp.MustCompile(`(?i)union\s+select`)
	commentMarkerRe  = regexp.MustCompile(`(--|/\*)`)
	dropTruncateRe   = regexp.MustCompile(`(?i)\b(drop|truncate)\b`)
	execRe           = regexp.MustCompile(`(?i)\b(exec|execute)\b`)
	infoSchemaRe     = regexp.MustCompile(`(?i)information_schema`)
)

// patternScore implements the §4.3 pattern-component rule table, additive
// and capped at 100. A UNION+SELECT paired with a comment marker is scored
// as a combined signature on top of its two parts: that pairing is the
// canonical boolean/UNION exfiltration shape, not two unrelated hits.
func patternScore(text string) (score float64, reasons []string) {
	union := unionSelectRe.MatchString(text)
	comment := commentMarkerRe.MatchString(text)
	if union {
		score += 30
		reasons = append(reasons, "Suspicious query pattern")
	}
	if comment {
		score += 20
		reasons = append(reasons, "SQL comment marker present")
	}
	if union && comment {
		score += 50
		reasons = append(reasons, "Combined UNION/comment injection signature")
	}
	if dropTruncateRe.MatchString(text) {
		score += 40
		reasons = append(reasons, "Destructive DDL keyword")
	}
	if execRe.MatchString(text) {
		score += 25
		reasons = append(reasons, "Dynamic execution keyword")
	}
	if infoSchemaRe.MatchString(text) {
		score += 25
		reasons = append(reasons, "Schema introspection")
	}
	if score > 100 {
		score = 100
	}
	return score, reasons
}

// volumeScore applies the z-score (baseline present) or fixed-threshold
// (no baseline) rule from §4.3.
func volumeScore(estimatedRows int64, baseline *UserBaseline, minSamples int64) (score float64, reason string) {
	if baseline != nil && baseline.SampleCount() >= minSamples {
		mean, stddev := baseline.MeanStddev()
		if stddev > 0 {
			z := (float64(estimatedRows) - mean) / stddev
			switch {
			case z > 3:
				return 80, "Unusual data volume"
			case z > 2:
				return 60, "Unusual data volume"
			case z > 1.5:
				return 40, "Unusual data volume"
			default:
				return 10, ""
			}
		}
	}
	// A user with no baseline can't be judged against their own history,
	// so an extreme row count has to carry more weight here than it would
	// once a baseline exists, not less: absence of history is not a
	// reason for leniency.
	switch {
	case estimatedRows >= 1_000_000:
		return 100, "Unusual data volume"
	case estimatedRows > 100_000:
		return 50, "Unusual data volume"
	case estimatedRows > 10_000:
		return 30, "Unusual data volume"
	default:
		return 10, ""
	}
}

// temporalScore applies the typical_hours (baseline present) or
// off-peak-hours (no baseline) rule from §4.3.
func temporalScore(hour int, baseline *UserBaseline, minSamples int64) (score float64, reason string) {
	if baseline != nil && baseline.SampleCount() >= minSamples {
		hours := baseline.TypicalHours()
		if _, ok := hours[hour]; ok {
			return 10, ""
		}
		return 60, "Unusual access hour"
	}
	if hour >= 1 && hour <= 5 {
		return 50, "Unusual access hour"
	}
	return 10, ""
}

// behavioralScore applies the typical_tables (baseline present) or flat
// no-baseline rule from §4.3.
func behavioralScore(tables []string, baseline *UserBaseline, minSamples int64) (score float64, reason string) {
	if baseline != nil && baseline.SampleCount() >= minSamples {
		typical := baseline.TypicalTables()
		unseen := 0
		for _, t := range tables {
			if _, ok := typical[t]; !ok {
				unseen++
			}
		}
		switch {
		case len(typical) > 0 && unseen > len(typical)/2:
			return 70, "Unusual table access pattern"
		case unseen > 0:
			return 40, "Unusual table access pattern"
		default:
			return 10, ""
		}
	}
	// No typical_tables to compare against means no signal either way on
	// which tables were touched, but it also means the access pattern is
	// entirely unvetted; score that uncertainty high rather than treating
	// an unbaselined user as presumptively safe.
	return 80, ""
}

// ConfusionMatrix tracks predicted-vs-actual threat labels for adaptive
// weight recalibration.
type ConfusionMatrix struct {
	TruePositive  int64
	FalsePositive int64
	TrueNegative  int64
	FalseNegative int64
}

func (c ConfusionMatrix) precision() float64 {
	denom := c.TruePositive + c.FalsePositive
	if denom == 0 {
		return 1
	}
	return float64(c.TruePositive) / float64(denom)
}

func (c ConfusionMatrix) recall() float64 {
	denom := c.TruePositive + c.FalseNegative
	if denom == 0 {
		return 1
	}
	return float64(c.TruePositive) / float64(denom)
}

// Scorer computes threat assessments and owns the baseline-driven scoring
// threshold, adaptive weights, confusion-matrix feedback loop, and the
// bounded assessment deque.
type Scorer struct {
	hash       HashProvider
	baselines  *BaselineStore
	minSamples int64

	mu      sync.Mutex
	weights Weights
	matrix  ConfusionMatrix
	feedbackCount int64

	deqMu          sync.Mutex
	assessments    []Assessment
	deqCap         int
	detectedThreats int64
}

// NewScorer creates a scorer with default weights and a 10,000-entry
// assessment deque.
func NewScorer(hash HashProvider, baselines *BaselineStore, minSamples int64) *Scorer {
	return &Scorer{
		hash:       hash,
		baselines:  baselines,
		minSamples: minSamples,
		weights:    DefaultWeights(),
		deqCap:     10000,
	}
}

// Assess scores one query across all four components and records it in the
// bounded assessment deque.
func (s *Scorer) Assess(q QueryInput) Assessment {
	var baseline *UserBaseline
	if s.baselines != nil && q.User != "" {
		baseline = s.baselines.Get(q.User)
	}

	pScore, pReasons := patternScore(q.Text)
	vScore, vReason := volumeScore(q.EstimatedRows, baseline, s.minSamples)
	tScore, tReason := temporalScore(q.Hour, baseline, s.minSamples)
	bScore, bReason := behavioralScore(q.Tables, baseline, s.minSamples)

	s.mu.Lock()
	w := s.weights
	s.mu.Unlock()

	total := w.Pattern*pScore + w.Volume*vScore + w.Temporal*tScore + w.Behavioral*bScore
	if total > 100 {
		total = 100
	}

	level := LevelForScore(total)
	action := ActionForLevel(level)

	var reasons []string
	reasons = append(reasons, pReasons...)
	for _, r := range []string{vReason, tReason, bReason} {
		if r != "" {
			reasons = append(reasons, r)
		}
	}

	assessment := Assessment{
		QueryHash: s.hash.Digest([]byte(q.Text)),
		Components: ComponentScores{
			Pattern: pScore, Volume: vScore, Temporal: tScore, Behavioral: bScore,
		},
		TotalScore: total,
		Level:      level,
		Action:     action,
		Reasons:    reasons,
		AssessedAt: time.Now(),
	}

	s.record(assessment)
	return assessment
}

func (s *Scorer) record(a Assessment) {
	s.deqMu.Lock()
	defer s.deqMu.Unlock()

	s.assessments = append(s.assessments, a)
	if len(s.assessments) > s.deqCap {
		s.assessments = s.assessments[len(s.assessments)-s.deqCap:]
	}
	if a.Level >= LevelMedium {
		s.detectedThreats++
	}
}

// DetectedThreats returns the running count of Medium-or-higher
// assessments.
func (s *Scorer) DetectedThreats() int64 {
	s.deqMu.Lock()
	defer s.deqMu.Unlock()
	return s.detectedThreats
}

// RecentAssessments returns a snapshot of the bounded deque.
func (s *Scorer) RecentAssessments() []Assessment {
	s.deqMu.Lock()
	defer s.deqMu.Unlock()
	return append([]Assessment(nil), s.assessments...)
}

// Feedback folds one labeled (predicted, actual) tuple into the confusion
// matrix and recalibrates weights every 100 tuples per §4.3.
func (s *Scorer) Feedback(predictedThreat, actualThreat bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch {
	case predictedThreat && actualThreat:
		s.matrix.TruePositive++
	case predictedThreat && !actualThreat:
		s.matrix.FalsePositive++
	case !predictedThreat && actualThreat:
		s.matrix.FalseNegative++
	default:
		s.matrix.TrueNegative++
	}
	s.feedbackCount++

	if s.feedbackCount%100 == 0 {
		s.recalibrateLocked()
	}
}

// recalibrateLocked applies the §4.3 adaptive-weight rule: precision < 0.7
// shrinks temporal+behavioral by 0.95; recall < 0.8 grows pattern+volume by
// 1.05; then renormalize to sum 1.0 (invariant 7).
func (s *Scorer) recalibrateLocked() {
	w := s.weights
	if s.matrix.precision() < 0.7 {
		w.Temporal *= 0.95
		w.Behavioral *= 0.95
	}
	if s.matrix.recall() < 0.8 {
		w.Pattern *= 1.05
		w.Volume *= 1.05
	}
	s.weights = w.normalized()
}

// Weights returns the current, normalized component weights.
func (s *Scorer) Weights() Weights {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.weights
}
