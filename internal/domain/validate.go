package domain

import (
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// ValidateStruct runs tag validation and converts the first failure into a ValidationError.
func ValidateStruct(v any) error {
	if err := validate.Struct(v); err != nil {
		return toValidationError(err)
	}
	return nil
}

// ValidateEnvelope checks only the sequence number, which is enough to route
// a sample to the duplicate check. Payloads are validated by ValidateSample.
func ValidateEnvelope(s *Sample) error {
	if s == nil {
		return &ValidationError{Reason: "sample is required"}
	}
	if s.SequenceNumber == 0 {
		return &ValidationError{Field: "sequence_number", Reason: "gte=1"}
	}
	if s.SequenceNumber > MaxSequenceNumber {
		return &ValidationError{Field: "sequence_number", Reason: fmt.Sprintf("lte=%d", MaxSequenceNumber)}
	}
	return nil
}

// ValidateSample checks the tags and that the payload matching the signal type is present.
func ValidateSample(s *Sample) error {
	if s == nil {
		return &ValidationError{Reason: "sample is required"}
	}
	if err := ValidateStruct(s); err != nil {
		return err
	}

	switch s.SignalType {
	case SignalFace:
		if s.Face == nil || (s.Face.Detection == nil && len(s.Face.Frame) == 0) {
			return &ValidationError{Field: "face", Reason: "detection or frame is required"}
		}
	case SignalEye:
		if s.Eye == nil {
			return &ValidationError{Field: "eye", Reason: "payload is required"}
		}
	case SignalAudio:
		if s.Audio == nil {
			return &ValidationError{Field: "audio", Reason: "payload is required"}
		}
	case SignalTab:
		if s.Tab == nil {
			return &ValidationError{Field: "tab", Reason: "payload is required"}
		}
	case SignalSystem:
		if s.System == nil {
			return &ValidationError{Field: "system", Reason: "payload is required"}
		}
	}
	return nil
}

// ValidateSettings checks thresholds and signal names.
func ValidateSettings(s Settings) error {
	return ValidateStruct(s)
}

func toValidationError(err error) error {
	var fieldErrs validator.ValidationErrors
	if errors.As(err, &fieldErrs) && len(fieldErrs) > 0 {
		fe := fieldErrs[0]
		reason := fe.Tag()
		if fe.Param() != "" {
			reason = fmt.Sprintf("%s=%s", fe.Tag(), fe.Param())
		}
		return &ValidationError{Field: fe.Namespace(), Reason: reason}
	}
	return &ValidationError{Reason: err.Error()}
}
