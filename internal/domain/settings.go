package domain

import "strings"

// SignalType identifies a monitoring channel.
type SignalType string

const (
	SignalFace   SignalType = "face"
	SignalEye    SignalType = "eye"
	SignalAudio  SignalType = "audio"
	SignalTab    SignalType = "tab"
	SignalSystem SignalType = "system"
)

// AllSignals lists every signal type the classifier understands.
var AllSignals = []SignalType{SignalFace, SignalEye, SignalAudio, SignalTab, SignalSystem}

// Thresholds are the per-signal detection limits taken from exam configuration.
type Thresholds struct {
	MinFaceConfidence float64  `json:"min_face_confidence" yaml:"min_face_confidence" validate:"gte=0,lte=1"`
	EyeOpennessMin    float64  `json:"eye_openness_min" yaml:"eye_openness_min" validate:"gte=0,lte=1"`
	GazeMax           float64  `json:"gaze_max" yaml:"gaze_max" validate:"gte=0"`
	AudioRMSMax       float64  `json:"audio_rms_max" yaml:"audio_rms_max" validate:"gte=0"`
	CPUMax            float64  `json:"cpu_max" yaml:"cpu_max" validate:"gte=0,lte=100"`
	MemoryMax         float64  `json:"memory_max" yaml:"memory_max" validate:"gte=0,lte=100"`
	BlockedProcesses  []string `json:"blocked_processes" yaml:"blocked_processes" validate:"dive,required"`
}

// Settings are copied from the exam configuration when a session starts and
// never change for the life of that session.
type Settings struct {
	// EnabledSignals lists the monitored channels. Empty means all channels.
	EnabledSignals []SignalType `json:"enabled_signals" yaml:"enabled_signals" validate:"dive,oneof=face eye audio tab system"`
	Thresholds     Thresholds   `json:"thresholds" yaml:"thresholds"`
}

// DefaultSettings returns the thresholds used when an exam does not override them.
func DefaultSettings() Settings {
	return Settings{
		EnabledSignals: append([]SignalType(nil), AllSignals...),
		Thresholds: Thresholds{
			MinFaceConfidence: 0.6,
			EyeOpennessMin:    0.2,
			GazeMax:           0.35,
			AudioRMSMax:       0.3,
			CPUMax:            90,
			MemoryMax:         90,
			BlockedProcesses:  []string{"obs", "obs64", "teamviewer", "anydesk", "discord"},
		},
	}
}

// Enabled reports whether the signal type is monitored.
func (s Settings) Enabled(t SignalType) bool {
	if len(s.EnabledSignals) == 0 {
		return true
	}
	for _, e := range s.EnabledSignals {
		if e == t {
			return true
		}
	}
	return false
}

// IsBlockedProcess reports whether name matches a blocked process, ignoring case.
func (s Settings) IsBlockedProcess(name string) bool {
	name = strings.TrimSpace(name)
	for _, p := range s.Thresholds.BlockedProcesses {
		if strings.EqualFold(p, name) {
			return true
		}
	}
	return false
}

// Clone returns a copy that shares no slices with s.
func (s Settings) Clone() Settings {
	c := s
	c.EnabledSignals = append([]SignalType(nil), s.EnabledSignals...)
	c.Thresholds.BlockedProcesses = append([]string(nil), s.Thresholds.BlockedProcesses...)
	return c
}
