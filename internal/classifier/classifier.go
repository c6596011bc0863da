// Package classifier turns single monitoring samples into violation candidates.
//
// Classification is pure: it reads only the sample and the session's
// immutable settings, so it is safe to run outside the session lock.
package classifier

import (
	"context"
	"fmt"
	"math"
	"strings"

	"github.com/ashureev/proctor-engine/internal/domain"
)

// FaceDetector is the injected face-detection capability. The engine is
// model-agnostic: anything that turns a frame into a detection result works.
type FaceDetector interface {
	Detect(ctx context.Context, frame []byte) (*domain.FaceDetection, error)
}

// Classify returns at most one candidate for the sample, or nil when the
// sample is benign or its signal type is disabled. Within a signal type the
// first matching rule wins.
func Classify(settings domain.Settings, sample *domain.Sample) (*domain.Candidate, error) {
	if err := domain.ValidateSample(sample); err != nil {
		return nil, err
	}
	if !settings.Enabled(sample.SignalType) {
		return nil, nil
	}

	th := settings.Thresholds
	switch sample.SignalType {
	case domain.SignalFace:
		if sample.Face.Detection == nil {
			return nil, &domain.ValidationError{Field: "face.detection", Reason: "frame was not run through a detector"}
		}
		return classifyFace(th, sample.Face.Detection), nil
	case domain.SignalEye:
		return classifyEye(th, sample.Eye), nil
	case domain.SignalAudio:
		return classifyAudio(th, sample.Audio), nil
	case domain.SignalTab:
		return classifyTab(sample.Tab), nil
	case domain.SignalSystem:
		return classifySystem(settings, sample.System), nil
	default:
		return nil, &domain.ValidationError{Field: "signal_type", Reason: fmt.Sprintf("unknown signal %q", sample.SignalType)}
	}
}

func classifyFace(th domain.Thresholds, d *domain.FaceDetection) *domain.Candidate {
	switch {
	case d.FaceCount == 0:
		return &domain.Candidate{
			Type:     domain.ViolationNoFace,
			Severity: domain.SeverityHigh,
			Details:  "no face detected",
		}
	case d.FaceCount > 1:
		return &domain.Candidate{
			Type:     domain.ViolationMultipleFaces,
			Severity: domain.SeverityHigh,
			Details:  fmt.Sprintf("%d faces detected", d.FaceCount),
		}
	case d.Confidence < th.MinFaceConfidence:
		return &domain.Candidate{
			Type:     domain.ViolationFaceNotCentered,
			Severity: domain.SeverityMedium,
			Details:  fmt.Sprintf("face confidence %.2f below %.2f", d.Confidence, th.MinFaceConfidence),
		}
	}
	return nil
}

func classifyEye(th domain.Thresholds, e *domain.EyePayload) *domain.Candidate {
	if e.Openness < th.EyeOpennessMin {
		return &domain.Candidate{
			Type:     domain.ViolationEyesClosed,
			Severity: domain.SeverityMedium,
			Details:  fmt.Sprintf("eye openness %.2f below %.2f", e.Openness, th.EyeOpennessMin),
		}
	}
	// Both axes must exceed the limit; a large offset on one axis alone is
	// normal reading movement.
	if math.Abs(e.GazeX) > th.GazeMax && math.Abs(e.GazeY) > th.GazeMax {
		return &domain.Candidate{
			Type:     domain.ViolationLookingAway,
			Severity: domain.SeverityHigh,
			Details:  fmt.Sprintf("gaze offset (%.2f, %.2f) exceeds %.2f", e.GazeX, e.GazeY, th.GazeMax),
		}
	}
	return nil
}

func classifyAudio(th domain.Thresholds, a *domain.AudioPayload) *domain.Candidate {
	if a.RMS > th.AudioRMSMax {
		return &domain.Candidate{
			Type:     domain.ViolationBackgroundNoise,
			Severity: domain.SeverityMedium,
			Details:  fmt.Sprintf("audio level %.3f exceeds %.3f", a.RMS, th.AudioRMSMax),
		}
	}
	return nil
}

func classifyTab(t *domain.TabPayload) *domain.Candidate {
	if !t.Visible {
		return &domain.Candidate{
			Type:     domain.ViolationTabSwitch,
			Severity: domain.SeverityHigh,
			Details:  "exam tab hidden",
		}
	}
	return nil
}

func classifySystem(settings domain.Settings, s *domain.SystemPayload) *domain.Candidate {
	th := settings.Thresholds
	var reasons []string
	if s.CPUPercent > th.CPUMax {
		reasons = append(reasons, fmt.Sprintf("cpu %.1f%% exceeds %.1f%%", s.CPUPercent, th.CPUMax))
	}
	if s.MemoryPercent > th.MemoryMax {
		reasons = append(reasons, fmt.Sprintf("memory %.1f%% exceeds %.1f%%", s.MemoryPercent, th.MemoryMax))
	}
	for _, p := range s.Processes {
		if settings.IsBlockedProcess(p) {
			reasons = append(reasons, fmt.Sprintf("unauthorized process %q", p))
		}
	}
	if len(reasons) == 0 {
		return nil
	}
	return &domain.Candidate{
		Type:     domain.ViolationSuspiciousSystem,
		Severity: domain.SeverityHigh,
		Details:  strings.Join(reasons, "; "),
	}
}
