// Package policy implements the escalation policy: a pure function from a
// session's violation history and a new candidate to the resulting risk state.
package policy

import (
	"fmt"

	"github.com/ashureev/proctor-engine/internal/domain"
)

const (
	// HighSeverityLimit is the HIGH-severity violation count that terminates a session.
	HighSeverityLimit = 3
	// HighSeverityFlag is the HIGH-severity violation count that flags a session.
	HighSeverityFlag  = 2
	// TerminateCount is the total violation count that terminates a session.
	TerminateCount    = 5
	// FlagCount is the total violation count that flags a session for review.
	FlagCount         = 3
)

// Decision is the outcome of evaluating one candidate.
type Decision struct {
	State  domain.State
	Action domain.Action
	// Reason is set when the decision terminates the session.
	Reason string
}

// Terminates reports whether the decision ends the session.
func (d Decision) Terminates() bool {
	return d.Action == domain.ActionTerminate
}

// Evaluate decides the new state and action. history is the committed
// violation log, not including candidate. A nil candidate or a terminated
// session yields ActionNone with the state unchanged. The returned state never
// ranks below current.
func Evaluate(current domain.State, history []domain.Violation, candidate *domain.Candidate) Decision {
	if candidate == nil || current.Terminal() {
		return Decision{State: current, Action: domain.ActionNone}
	}

	total := len(history) + 1
	highs := countHigh(history)
	if candidate.Severity == domain.SeverityHigh {
		highs++
	}

	var computed domain.State
	var reason string
	switch {
	case candidate.Severity == domain.SeverityHigh && highs >= HighSeverityLimit:
		computed = domain.StateTerminated
		reason = fmt.Sprintf("%d high-severity violations (last: %s)", highs, candidate.Type)
	case total >= TerminateCount:
		computed = domain.StateTerminated
		reason = fmt.Sprintf("%d violations (last: %s)", total, candidate.Type)
	case total >= FlagCount || highs >= HighSeverityFlag:
		computed = domain.StateFlagged
	default:
		computed = domain.StateWarned
	}

	state := domain.MaxState(current, computed)
	return Decision{State: state, Action: actionFor(state), Reason: reason}
}

// Replay folds a violation log from ACTIVE and returns the state the policy
// reaches. Operator terminations are not part of the log, so a stored state may
// rank above the replayed one but never below it.
func Replay(history []domain.Violation) domain.State {
	state := domain.StateActive
	for i, v := range history {
		d := Evaluate(state, history[:i], &domain.Candidate{Type: v.Type, Severity: v.Severity})
		state = d.State
	}
	return state
}

// Consistent reports whether a stored state agrees with its violation log.
func Consistent(stored domain.State, history []domain.Violation) bool {
	return stored.Rank() >= Replay(history).Rank()
}

func countHigh(history []domain.Violation) int {
	n := 0
	for _, v := range history {
		if v.Severity == domain.SeverityHigh {
			n++
		}
	}
	return n
}

func actionFor(s domain.State) domain.Action {
	switch s {
	case domain.StateWarned:
		return domain.ActionWarn
	case domain.StateFlagged:
		return domain.ActionFlag
	case domain.StateTerminated:
		return domain.ActionTerminate
	default:
		return domain.ActionNone
	}
}
