// Package notify delivers participant-facing notifications for policy actions.
// Delivery is asynchronous; a slow or failing sink never blocks ingestion.
package notify

import (
	"context"
	"fmt"
	"time"

	"github.com/ashureev/proctor-engine/internal/domain"
)

// Type is the kind of notification sent to a participant.
type Type string

const (
	TypeWarn      Type = "WARN"
	TypeFlag      Type = "FLAG"
	TypeTerminate Type = "TERMINATE"
)

// Notification is delivered to the participant (and any observer) of a session.
type Notification struct {
	ParticipantID string            `json:"participant_id"`
	SessionID     string            `json:"session_id"`
	ExamID        string            `json:"exam_id"`
	Type          Type              `json:"type"`
	State         domain.State      `json:"state"`
	Message       string            `json:"message"`
	Context       map[string]string `json:"context,omitempty"`
	CreatedAt     time.Time         `json:"created_at"`
}

// Sink delivers a notification somewhere.
type Sink interface {
	Send(ctx context.Context, n Notification) error
}

// TypeForAction maps a policy action to a notification type. NONE has no notification.
func TypeForAction(a domain.Action) (Type, bool) {
	switch a {
	case domain.ActionWarn:
		return TypeWarn, true
	case domain.ActionFlag:
		return TypeFlag, true
	case domain.ActionTerminate:
		return TypeTerminate, true
	default:
		return "", false
	}
}

// ForViolation builds the notification for an action taken on a violation.
func ForViolation(sess *domain.Session, v *domain.Violation, state domain.State, reason string) (Notification, bool) {
	typ, ok := TypeForAction(v.Action)
	if !ok {
		return Notification{}, false
	}

	n := Notification{
		ParticipantID: sess.ParticipantID,
		SessionID:     sess.ID,
		ExamID:        sess.ExamID,
		Type:          typ,
		State:         state,
		Context: map[string]string{
			"violation_id":    v.ID,
			"violation_type":  string(v.Type),
			"severity":        string(v.Severity),
			"sequence_number": fmt.Sprintf("%d", v.SequenceNumber),
		},
	}

	switch typ {
	case TypeWarn:
		n.Message = fmt.Sprintf("Warning: %s detected. Further violations may end your exam.", humanize(v.Type))
	case TypeFlag:
		n.Message = fmt.Sprintf("Your session has been flagged for review after %s.", humanize(v.Type))
	case TypeTerminate:
		n.Message = "Your exam session has been terminated: " + reason
	}
	return n, true
}

// ForTermination builds the notification for a manual termination.
func ForTermination(sess *domain.Session, reason, actor string) Notification {
	return Notification{
		ParticipantID: sess.ParticipantID,
		SessionID:     sess.ID,
		ExamID:        sess.ExamID,
		Type:          TypeTerminate,
		State:         domain.StateTerminated,
		Message:       "Your exam session has been terminated: " + reason,
		Context:       map[string]string{"terminated_by": actor},
	}
}

func humanize(t domain.ViolationType) string {
	switch t {
	case domain.ViolationNoFace:
		return "no face in frame"
	case domain.ViolationMultipleFaces:
		return "multiple faces in frame"
	case domain.ViolationFaceNotCentered:
		return "face not clearly visible"
	case domain.ViolationEyesClosed:
		return "eyes closed"
	case domain.ViolationLookingAway:
		return "looking away from the screen"
	case domain.ViolationBackgroundNoise:
		return "background noise"
	case domain.ViolationTabSwitch:
		return "leaving the exam tab"
	case domain.ViolationSuspiciousSystem:
		return "suspicious system activity"
	default:
		return string(t)
	}
}
