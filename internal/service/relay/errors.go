package relay

import (
	"errors"
	"fmt"
)

// Vendor names used in errors, metrics and replies.
const (
	VendorVoiceflow  = "voiceflow"
	VendorVapi       = "vapi"
	VendorCompletion = "deepseek"
)

// ErrStreamClosed is returned when writing to a closed vendor stream.
var ErrStreamClosed = errors.New("vendor stream closed")

// ConfigurationError reports a missing vendor credential. It is never retried.
type ConfigurationError struct {
	Vendor  string
	Missing []string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("%s not configured: missing %v", e.Vendor, e.Missing)
}

// VendorError reports an unreachable vendor, a non-2xx answer or a body that
// could not be decoded.
type VendorError struct {
	Vendor  string
	Status  int
	Message string
	Err     error
}

func (e *VendorError) Error() string {
	msg := e.Vendor + " request failed"
	if e.Status != 0 {
		msg += fmt.Sprintf(" (status %d)", e.Status)
	}
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *VendorError) Unwrap() error { return e.Err }

// TransportError reports that an established vendor stream dropped.
type TransportError struct {
	Vendor string
	Err    error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s stream dropped: %v", e.Vendor, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// IsConfigurationError reports whether err carries a *ConfigurationError.
func IsConfigurationError(err error) bool {
	var cfgErr *ConfigurationError
	return errors.As(err, &cfgErr)
}
