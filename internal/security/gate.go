package security

import (
	"context"
	"encoding/json"
)

// WALAppender is the subset of the Replication Core's WAL service the
// Security Core depends on to replicate forensic entries. The Security
// Core does not depend on it for correctness: a failed append still
// leaves the entry written locally, marked pending-replication.
type WALAppender interface {
	Append(ctx context.Context, op int, table string, payload []byte) error
}

// Gate is the Security Core's entry point: it assesses a query, runs the
// exfiltration and privilege-escalation guards, writes a forensic entry
// first, and returns the action the caller must enforce.
type Gate struct {
	scorer     *Scorer
	exfil      *ExfiltrationGuard
	escalation *EscalationGuard
	chain      *ForensicChain
	wal        WALAppender
}

// NewGate wires the four Security Core collaborators together.
func NewGate(scorer *Scorer, exfil *ExfiltrationGuard, escalation *EscalationGuard, chain *ForensicChain, wal WALAppender) *Gate {
	return &Gate{scorer: scorer, exfil: exfil, escalation: escalation, chain: chain, wal: wal}
}

// GateResult is what the caller (the SQL/stored-procedure layer) enforces.
type GateResult struct {
	Action     Action
	Assessment Assessment
	Forensic   *ForensicRecord
	Err        error
}

// AssessAndGate runs a query attempt through escalation, exfiltration, and
// scoring, in that precedence order, and writes the forensic entry before
// returning — a forensic entry is always written first, per §7.
func (g *Gate) AssessAndGate(ctx context.Context, q QueryInput) GateResult {
	if attempt, blocked := g.escalation.Check(q.User, q.Session, q.Text); blocked {
		rec := g.appendForensic(ctx, q.User, q.Session, "escalation_blocked", "", nil)
		return GateResult{Action: ActionBlock, Forensic: rec, Err: &EscalationBlocked{Attempt: *attempt}}
	}

	if attempt, allowed := g.exfil.Check(q.User, q.Session, q.EstimatedRows); !allowed {
		rec := g.appendForensic(ctx, q.User, q.Session, "exfiltration_blocked", "", nil)
		return GateResult{Action: ActionBlock, Forensic: rec, Err: &ExfiltrationBlocked{Attempt: *attempt}}
	}

	assessment := g.scorer.Assess(q)
	rec := g.appendForensic(ctx, q.User, q.Session, "query_assessed", "", &assessment)

	var err error
	if assessment.Action == ActionBlock || assessment.Action == ActionTerminate {
		err = &ThreatBlocked{Level: assessment.Level, Action: assessment.Action, Reasons: assessment.Reasons}
	}
	return GateResult{Action: assessment.Action, Assessment: assessment, Forensic: rec, Err: err}
}

func (g *Gate) appendForensic(ctx context.Context, user, session, action, resource string, assessment *Assessment) *ForensicRecord {
	rec := g.chain.Append(user, session, action, resource, assessment)

	if g.wal == nil {
		return rec
	}
	payload, err := json.Marshal(rec)
	if err != nil {
		rec.PendingReplication = true
		return rec
	}
	// opCode 0 mirrors replication.OpInsert's ordinal for the forensic
	// table; the Security Core does not import the replication package
	// to avoid a dependency cycle, so it passes the raw ordinal.
	if err := g.wal.Append(ctx, 0, "forensic_entries", payload); err != nil {
		rec.PendingReplication = true
	}
	return rec
}

// ObserveOutcome feeds a completed query's outcome back into the user's
// baseline (§4.3 baseline maintenance).
func (g *Gate) ObserveOutcome(user string, resultSize int64, hour int, tables []string, complexity ComplexityBucket) {
	if g.scorer.baselines == nil {
		return
	}
	g.scorer.baselines.Observe(user, QueryOutcome{
		ResultSize: resultSize,
		Hour:       hour,
		Tables:     tables,
		Complexity: complexity,
	})
}

// VerifyChain exposes forensic chain verification to callers (e.g.
// `heliactl sec verify-chain`).
func (g *Gate) VerifyChain() BrokenChainReport {
	return g.chain.Verify()
}

// ForensicChain returns the underlying chain for export/inspection.
func (g *Gate) ForensicChain() *ForensicChain { return g.chain }

// Scorer returns the underlying scorer, e.g. for feedback submission.
func (g *Gate) Scorer() *Scorer { return g.scorer }
