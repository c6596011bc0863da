package classifier

import (
	"testing"

	"github.com/ashureev/proctor-engine/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func faceSample(count int, confidence float64) *domain.Sample {
	return &domain.Sample{
		SequenceNumber: 1,
		SignalType:     domain.SignalFace,
		Face: &domain.FacePayload{
			Detection: &domain.FaceDetection{FaceCount: count, Confidence: confidence},
		},
	}
}

func TestClassify(t *testing.T) {
	settings := domain.DefaultSettings()

	tests := []struct {
		name         string
		sample       *domain.Sample
		wantType     domain.ViolationType
		wantSeverity domain.Severity
	}{
		{"no face", faceSample(0, 0), domain.ViolationNoFace, domain.SeverityHigh},
		{"multiple faces", faceSample(2, 0.99), domain.ViolationMultipleFaces, domain.SeverityHigh},
		{"low confidence", faceSample(1, 0.3), domain.ViolationFaceNotCentered, domain.SeverityMedium},
		{"benign face", faceSample(1, 0.95), "", ""},
		{
			name: "eyes closed wins over gaze",
			sample: &domain.Sample{SequenceNumber: 1, SignalType: domain.SignalEye,
				Eye: &domain.EyePayload{Openness: 0.05, GazeX: 0.9, GazeY: 0.9}},
			wantType: domain.ViolationEyesClosed, wantSeverity: domain.SeverityMedium,
		},
		{
			name: "looking away on both axes",
			sample: &domain.Sample{SequenceNumber: 1, SignalType: domain.SignalEye,
				Eye: &domain.EyePayload{Openness: 0.8, GazeX: -0.5, GazeY: 0.6}},
			wantType: domain.ViolationLookingAway, wantSeverity: domain.SeverityHigh,
		},
		{
			name: "gaze on one axis only is benign",
			sample: &domain.Sample{SequenceNumber: 1, SignalType: domain.SignalEye,
				Eye: &domain.EyePayload{Openness: 0.8, GazeX: 0.9, GazeY: 0.1}},
		},
		{
			name: "loud audio",
			sample: &domain.Sample{SequenceNumber: 1, SignalType: domain.SignalAudio,
				Audio: &domain.AudioPayload{RMS: 0.8}},
			wantType: domain.ViolationBackgroundNoise, wantSeverity: domain.SeverityMedium,
		},
		{
			name: "quiet audio",
			sample: &domain.Sample{SequenceNumber: 1, SignalType: domain.SignalAudio,
				Audio: &domain.AudioPayload{RMS: 0.01}},
		},
		{
			name: "tab hidden",
			sample: &domain.Sample{SequenceNumber: 1, SignalType: domain.SignalTab,
				Tab: &domain.TabPayload{Visible: false}},
			wantType: domain.ViolationTabSwitch, wantSeverity: domain.SeverityHigh,
		},
		{
			name: "tab visible",
			sample: &domain.Sample{SequenceNumber: 1, SignalType: domain.SignalTab,
				Tab: &domain.TabPayload{Visible: true}},
		},
		{
			name: "cpu over limit",
			sample: &domain.Sample{SequenceNumber: 1, SignalType: domain.SignalSystem,
				System: &domain.SystemPayload{CPUPercent: 99, MemoryPercent: 10}},
			wantType: domain.ViolationSuspiciousSystem, wantSeverity: domain.SeverityHigh,
		},
		{
			name: "blocked process ignores case",
			sample: &domain.Sample{SequenceNumber: 1, SignalType: domain.SignalSystem,
				System: &domain.SystemPayload{CPUPercent: 5, MemoryPercent: 10, Processes: []string{"bash", "TeamViewer"}}},
			wantType: domain.ViolationSuspiciousSystem, wantSeverity: domain.SeverityHigh,
		},
		{
			name: "quiet host",
			sample: &domain.Sample{SequenceNumber: 1, SignalType: domain.SignalSystem,
				System: &domain.SystemPayload{CPUPercent: 5, MemoryPercent: 10, Processes: []string{"chrome"}}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Classify(settings, tt.sample)
			require.NoError(t, err)
			if tt.wantType == "" {
				assert.Nil(t, got)
				return
			}
			require.NotNil(t, got)
			assert.Equal(t, tt.wantType, got.Type)
			assert.Equal(t, tt.wantSeverity, got.Severity)
			assert.NotEmpty(t, got.Details)
		})
	}
}

func TestClassifyDisabledSignal(t *testing.T) {
	settings := domain.DefaultSettings()
	settings.EnabledSignals = []domain.SignalType{domain.SignalFace}

	got, err := Classify(settings, &domain.Sample{
		SequenceNumber: 1,
		SignalType:     domain.SignalTab,
		Tab:            &domain.TabPayload{Visible: false},
	})
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestClassifyRejectsMalformedSamples(t *testing.T) {
	settings := domain.DefaultSettings()

	tests := []struct {
		name   string
		sample *domain.Sample
	}{
		{"nil sample", nil},
		{"zero sequence", &domain.Sample{SignalType: domain.SignalTab, Tab: &domain.TabPayload{}}},
		{"unknown signal", &domain.Sample{SequenceNumber: 1, SignalType: "smell"}},
		{"missing payload", &domain.Sample{SequenceNumber: 1, SignalType: domain.SignalAudio}},
		{"negative rms", &domain.Sample{SequenceNumber: 1, SignalType: domain.SignalAudio, Audio: &domain.AudioPayload{RMS: -1}}},
		{"frame without detection", &domain.Sample{SequenceNumber: 1, SignalType: domain.SignalFace, Face: &domain.FacePayload{Frame: []byte{1}}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Classify(settings, tt.sample)
			require.Error(t, err)
			assert.True(t, domain.IsValidation(err), "expected validation error, got %v", err)
		})
	}
}
