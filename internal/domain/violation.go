package domain

import "time"

// ViolationType enumerates the detectable behaviours.
type ViolationType string

const (
	ViolationNoFace           ViolationType = "NO_FACE"
	ViolationMultipleFaces    ViolationType = "MULTIPLE_FACES"
	ViolationFaceNotCentered  ViolationType = "FACE_NOT_CENTERED"
	ViolationEyesClosed       ViolationType = "EYES_CLOSED"
	ViolationLookingAway      ViolationType = "LOOKING_AWAY"
	ViolationBackgroundNoise  ViolationType = "BACKGROUND_NOISE"
	ViolationTabSwitch        ViolationType = "TAB_SWITCH"
	ViolationSuspiciousSystem ViolationType = "SUSPICIOUS_SYSTEM_ACTIVITY"
)

// Severity of a violation.
type Severity string

const (
	SeverityLow    Severity = "LOW"
	SeverityMedium Severity = "MEDIUM"
	SeverityHigh   Severity = "HIGH"
)

// Candidate is a violation that has not yet been committed by the policy engine.
type Candidate struct {
	Type     ViolationType `json:"type"`
	Severity Severity      `json:"severity"`
	Details  string        `json:"details"`
}

// Violation is an immutable, recorded instance of detected suspicious behaviour.
// EvidenceRef is set at most once, after the violation itself is committed.
type Violation struct {
	ID             string        `json:"id"`
	SessionID      string        `json:"session_id"`
	SequenceNumber uint64        `json:"sequence_number"`
	Type           ViolationType `json:"type"`
	Severity       Severity      `json:"severity"`
	Action         Action        `json:"action"`
	DetectedAt     time.Time     `json:"detected_at"`
	EvidenceRef    *string       `json:"evidence_ref"`
	Details        string        `json:"details"`
}

func (v Violation) clone() Violation {
	if v.EvidenceRef != nil {
		ref := *v.EvidenceRef
		v.EvidenceRef = &ref
	}
	return v
}

// EvidenceKind is the media type of an evidence blob.
type EvidenceKind string

const (
	EvidenceImage EvidenceKind = "image"
	EvidenceAudio EvidenceKind = "audio"
)

// EvidenceRecord describes a persisted, encrypted evidence blob.
type EvidenceRecord struct {
	Reference   string       `json:"reference"`
	ContentHash string       `json:"content_hash"`
	Kind        EvidenceKind `json:"kind"`
	SessionID   string       `json:"session_id"`
	CreatedAt   time.Time    `json:"created_at"`
}
