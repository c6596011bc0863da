package domain

import (
	"math"
	"time"
)

// MaxSequenceNumber is the largest sequence number a store can persist.
const MaxSequenceNumber uint64 = math.MaxInt64

// Sample is one raw monitoring reading delivered by the capture client.
// It is classified and discarded; only resulting violations are persisted.
type Sample struct {
	SessionID      string              `json:"session_id"`
	SequenceNumber uint64              `json:"sequence_number" validate:"gte=1,lte=9223372036854775807"`
	SignalType     SignalType          `json:"signal_type" validate:"required,oneof=face eye audio tab system"`
	CapturedAt     time.Time           `json:"captured_at"`
	Face           *FacePayload        `json:"face,omitempty"`
	Eye            *EyePayload         `json:"eye,omitempty"`
	Audio          *AudioPayload       `json:"audio,omitempty"`
	Tab            *TabPayload         `json:"tab,omitempty"`
	System         *SystemPayload      `json:"system,omitempty"`
	Evidence       *EvidenceAttachment `json:"evidence,omitempty"`
}

// FacePayload carries either a detection result computed by the client or a
// raw frame for server-side detection.
type FacePayload struct {
	Detection *FaceDetection `json:"detection,omitempty"`
	Frame     []byte         `json:"frame,omitempty"`
}

// FaceDetection is the output of a face-detection model for one frame.
type FaceDetection struct {
	FaceCount  int          `json:"face_count" validate:"gte=0"`
	Confidence float64      `json:"confidence" validate:"gte=0,lte=1"`
	Box        *BoundingBox `json:"box,omitempty"`
}

// BoundingBox is a normalized face bounding box.
type BoundingBox struct {
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Width  float64 `json:"width" validate:"gte=0"`
	Height float64 `json:"height" validate:"gte=0"`
}

// EyePayload carries gaze offset from screen centre and eye-openness ratio.
type EyePayload struct {
	GazeX    float64 `json:"gaze_x"`
	GazeY    float64 `json:"gaze_y"`
	Openness float64 `json:"openness" validate:"gte=0,lte=1"`
}

// AudioPayload carries the RMS level of an audio chunk.
type AudioPayload struct {
	RMS float64 `json:"rms" validate:"gte=0"`
}

// TabPayload carries a page-visibility change.
type TabPayload struct {
	Visible bool `json:"visible"`
}

// SystemPayload carries host activity metrics.
type SystemPayload struct {
	CPUPercent    float64  `json:"cpu_percent" validate:"gte=0,lte=100"`
	MemoryPercent float64  `json:"memory_percent" validate:"gte=0,lte=100"`
	Processes     []string `json:"processes"`
}

// EvidenceAttachment is an optional media capture accompanying a sample.
type EvidenceAttachment struct {
	Kind EvidenceKind `json:"kind" validate:"required,oneof=image audio"`
	Data []byte       `json:"data" validate:"required"`
}
