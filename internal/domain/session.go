// Package domain contains core domain types for the proctoring engine.
package domain

import (
	"time"
)

// State is the risk state of a proctoring session.
type State string

const (
	StateActive     State = "ACTIVE"
	StateWarned     State = "WARNED"
	StateFlagged    State = "FLAGGED"
	StateTerminated State = "TERMINATED"
)

// Rank orders states from least to most severe. Unknown states rank below ACTIVE.
func (s State) Rank() int {
	switch s {
	case StateActive:
		return 0
	case StateWarned:
		return 1
	case StateFlagged:
		return 2
	case StateTerminated:
		return 3
	default:
		return -1
	}
}

// Valid reports whether s is one of the known states.
func (s State) Valid() bool {
	return s.Rank() >= 0
}

// Terminal reports whether no further transitions are possible.
func (s State) Terminal() bool {
	return s == StateTerminated
}

// MaxState returns the more severe of two states.
func MaxState(a, b State) State {
	if b.Rank() > a.Rank() {
		return b
	}
	return a
}

// Action is the outcome the engine reports back for an ingested sample.
type Action string

const (
	ActionNone      Action = "NONE"
	ActionWarn      Action = "WARN"
	ActionFlag      Action = "FLAG"
	ActionTerminate Action = "TERMINATE"
)

// Session is one proctored attempt by one participant at one exam.
type Session struct {
	ID                 string      `json:"id"`
	ExamID             string      `json:"exam_id"`
	ParticipantID      string      `json:"participant_id"`
	State              State       `json:"state"`
	StartedAt          time.Time   `json:"started_at"`
	EndedAt            *time.Time  `json:"ended_at,omitempty"`
	TerminationReason  string      `json:"termination_reason,omitempty"`
	TerminatedBy       string      `json:"terminated_by,omitempty"`
	LastSequenceNumber uint64      `json:"last_sequence_number"`
	Settings           Settings    `json:"settings"`
	Violations         []Violation `json:"violations"`
}

// WarningCount is derived from the violation log; there is no stored counter.
func (s *Session) WarningCount() int {
	return len(s.Violations)
}

// ViolationAt returns the violation recorded for a sequence number, if any.
func (s *Session) ViolationAt(seq uint64) (Violation, bool) {
	for _, v := range s.Violations {
		if v.SequenceNumber == seq {
			return v, true
		}
	}
	return Violation{}, false
}

// Clone returns a deep copy so callers cannot mutate manager-owned state.
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	c := *s
	c.Settings = s.Settings.Clone()
	if s.EndedAt != nil {
		t := *s.EndedAt
		c.EndedAt = &t
	}
	c.Violations = make([]Violation, len(s.Violations))
	for i, v := range s.Violations {
		c.Violations[i] = v.clone()
	}
	return &c
}

// IngestResult is the acknowledgement returned to the client for one sample.
type IngestResult struct {
	SessionID      string     `json:"session_id"`
	SequenceNumber uint64     `json:"sequence_number"`
	State          State      `json:"state"`
	Action         Action     `json:"action"`
	Violation      *Violation `json:"violation,omitempty"`
	Duplicate      bool       `json:"duplicate,omitempty"`
}
