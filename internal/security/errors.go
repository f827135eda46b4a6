package security

import "fmt"

// ThreatBlocked surfaces a Block/Terminate assessment with its reason list.
type ThreatBlocked struct {
	Level   Level
	Action  Action
	Reasons []string
}

func (e *ThreatBlocked) Error() string {
	return fmt.Sprintf("security: threat blocked (level=%s action=%s reasons=%v)", e.Level, e.Action, e.Reasons)
}

// ExfiltrationBlocked surfaces an unconditional exfiltration-guard block.
type ExfiltrationBlocked struct {
	Attempt ExfiltrationAttempt
}

func (e *ExfiltrationBlocked) Error() string {
	return fmt.Sprintf("security: exfiltration blocked (%s)", e.Attempt.Reason)
}

// EscalationBlocked surfaces a privilege-escalation-guard block.
type EscalationBlocked struct {
	Attempt EscalationAttempt
}

func (e *EscalationBlocked) Error() string {
	return fmt.Sprintf("security: escalation blocked (class=%s)", e.Attempt.Class)
}
