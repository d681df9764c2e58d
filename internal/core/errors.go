package core

import (
	"errors"
	"fmt"
)

// ConfigurationError reports missing or invalid topology, calibration or
// class registration. The offending camera or detection is skipped; the
// cycle continues for the others.
type ConfigurationError struct {
	Subject string // camera id, class name or config key
	Reason  string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("configuration error: %s: %s", e.Subject, e.Reason)
}

// NewConfigurationError creates a ConfigurationError
func NewConfigurationError(subject, format string, args ...interface{}) error {
	return &ConfigurationError{Subject: subject, Reason: fmt.Sprintf(format, args...)}
}

// ValidationError reports a malformed detection, such as an embedding of
// the wrong dimensionality or an inverted bounding box.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error: %s: %s", e.Field, e.Reason)
}

// NewValidationError creates a ValidationError
func NewValidationError(field, format string, args ...interface{}) error {
	return &ValidationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// StaleBindingError is returned when a local track binding references a
// global identity that has since been evicted from the gallery.
type StaleBindingError struct {
	Class        string
	CameraID     string
	LocalTrackID int64
	GlobalID     uint64
}

func (e *StaleBindingError) Error() string {
	return fmt.Sprintf("stale binding: %s/%s/%d references evicted global id %d",
		e.Class, e.CameraID, e.LocalTrackID, e.GlobalID)
}

// IsConfiguration reports whether err is (or wraps) a ConfigurationError
func IsConfiguration(err error) bool {
	var ce *ConfigurationError
	return errors.As(err, &ce)
}

// IsValidation reports whether err is (or wraps) a ValidationError
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
