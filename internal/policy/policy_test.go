package policy

import (
	"testing"

	"github.com/ashureev/proctor-engine/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func high(t domain.ViolationType) *domain.Candidate {
	return &domain.Candidate{Type: t, Severity: domain.SeverityHigh}
}

func medium(t domain.ViolationType) *domain.Candidate {
	return &domain.Candidate{Type: t, Severity: domain.SeverityMedium}
}

// apply runs candidates through Evaluate the way the session manager does.
func apply(t *testing.T, candidates ...*domain.Candidate) (domain.State, []domain.Violation, []Decision) {
	t.Helper()
	state := domain.StateActive
	var history []domain.Violation
	var decisions []Decision
	for _, c := range candidates {
		if state.Terminal() {
			break
		}
		d := Evaluate(state, history, c)
		require.GreaterOrEqual(t, d.State.Rank(), state.Rank(), "state regressed")
		state = d.State
		decisions = append(decisions, d)
		if c != nil {
			history = append(history, domain.Violation{Type: c.Type, Severity: c.Severity, Action: d.Action})
		}
	}
	return state, history, decisions
}

func TestEvaluateFirstViolationWarns(t *testing.T) {
	d := Evaluate(domain.StateActive, nil, high(domain.ViolationNoFace))
	assert.Equal(t, domain.StateWarned, d.State)
	assert.Equal(t, domain.ActionWarn, d.Action)
	assert.Empty(t, d.Reason)
}

func TestEvaluateTwoHighFlagsNotTerminates(t *testing.T) {
	state, _, decisions := apply(t, high(domain.ViolationNoFace), high(domain.ViolationTabSwitch))
	assert.Equal(t, domain.StateFlagged, state)
	assert.Equal(t, domain.ActionWarn, decisions[0].Action)
	assert.Equal(t, domain.ActionFlag, decisions[1].Action)

	state, _, decisions = apply(t, high(domain.ViolationNoFace), high(domain.ViolationTabSwitch), high(domain.ViolationNoFace))
	assert.Equal(t, domain.StateTerminated, state)
	assert.Equal(t, domain.ActionTerminate, decisions[2].Action)
	assert.Contains(t, decisions[2].Reason, "high-severity")
}

func TestEvaluateThirdViolationFlags(t *testing.T) {
	state, _, decisions := apply(t,
		medium(domain.ViolationEyesClosed),
		high(domain.ViolationTabSwitch),
		medium(domain.ViolationBackgroundNoise),
	)
	assert.Equal(t, domain.ActionWarn, decisions[1].Action)
	assert.Equal(t, domain.StateFlagged, state)
	assert.Equal(t, domain.ActionFlag, decisions[2].Action)
}

func TestEvaluateFiveMediumTerminatesByCount(t *testing.T) {
	cs := make([]*domain.Candidate, 5)
	for i := range cs {
		cs[i] = medium(domain.ViolationBackgroundNoise)
	}
	state, _, decisions := apply(t, cs...)
	require.Len(t, decisions, 5)
	assert.Equal(t, domain.StateTerminated, state)
	assert.Equal(t, domain.ActionTerminate, decisions[4].Action)
	assert.Contains(t, decisions[4].Reason, "5 violations")
	assert.Equal(t, domain.ActionFlag, decisions[3].Action)
}

func TestEvaluateHighRuleNeedsHighCandidate(t *testing.T) {
	history := []domain.Violation{
		{Severity: domain.SeverityHigh},
		{Severity: domain.SeverityHigh},
		{Severity: domain.SeverityHigh},
	}
	d := Evaluate(domain.StateFlagged, history, medium(domain.ViolationEyesClosed))
	assert.Equal(t, domain.StateFlagged, d.State)
	assert.Equal(t, domain.ActionFlag, d.Action)
}

func TestEvaluateNoCandidateKeepsState(t *testing.T) {
	for _, s := range []domain.State{domain.StateActive, domain.StateWarned, domain.StateFlagged} {
		d := Evaluate(s, nil, nil)
		assert.Equal(t, s, d.State)
		assert.Equal(t, domain.ActionNone, d.Action)
	}
}

func TestEvaluateNeverRegresses(t *testing.T) {
	d := Evaluate(domain.StateFlagged, nil, medium(domain.ViolationEyesClosed))
	assert.Equal(t, domain.StateFlagged, d.State)
	assert.Equal(t, domain.ActionFlag, d.Action)
}

func TestEvaluateTerminatedIsAbsorbing(t *testing.T) {
	d := Evaluate(domain.StateTerminated, nil, high(domain.ViolationNoFace))
	assert.Equal(t, domain.StateTerminated, d.State)
	assert.Equal(t, domain.ActionNone, d.Action)
}

func TestReplayMatchesIncrementalEvaluation(t *testing.T) {
	state, history, _ := apply(t,
		medium(domain.ViolationEyesClosed),
		nil,
		high(domain.ViolationTabSwitch),
		medium(domain.ViolationBackgroundNoise),
		high(domain.ViolationMultipleFaces),
	)
	assert.Equal(t, state, Replay(history))
	assert.True(t, Consistent(state, history))
	assert.False(t, Consistent(domain.StateActive, history))
	assert.Equal(t, domain.StateActive, Replay(nil))
}
