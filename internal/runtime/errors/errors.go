package errors

import (
	sterrors "errors"
	"fmt"
)

var (
	ErrNotAService      = sterrors.New("servicekit: object does not declare capabilities")
	ErrAlreadyStarted   = sterrors.New("servicekit: service is designed to be started once")
	ErrAlreadyStopped   = sterrors.New("servicekit: service is designed to be stopped once")
	ErrNotStarted       = sterrors.New("servicekit: service has not been started")
	ErrRuntimeRequired  = sterrors.New("servicekit: runtime is required")
	ErrLoggerRequired   = sterrors.New("servicekit: logger is required")
	ErrBrokerInactive   = sterrors.New("servicekit: broker is not active")
	ErrUnknownScheme    = sterrors.New("servicekit: unknown broker scheme")
	ErrSessionRequired  = sterrors.New("servicekit: session is required")
	ErrSourceRequired   = sterrors.New("servicekit: publish source is required")
	ErrInvokeRequired   = sterrors.New("servicekit: listener function is required")
	ErrListenerNotReady = sterrors.New("servicekit: listener did not subscribe in time")
)

// ConfigError reports a malformed capability declaration or a missing
// configuration input. It is fatal to discovery and bootstrap.
type ConfigError struct {
	Object string
	Member string
	Reason string
	Err    error
}

func (e *ConfigError) Error() string {
	msg := "servicekit: configuration error"
	if e.Object != "" {
		msg += " in " + e.Object
	}
	if e.Member != "" {
		msg += fmt.Sprintf(" (%s)", e.Member)
	}
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ConfigError) Unwrap() error {
	return e.Err
}

// NewConfigError builds a ConfigError for the named member of object.
func NewConfigError(object, member, reason string) error {
	return &ConfigError{Object: object, Member: member, Reason: reason}
}

// ConfigValidationError wraps the joined result of a configuration validation pass.
type ConfigValidationError struct {
	Err error
}

func (e ConfigValidationError) Error() string {
	return "servicekit: invalid configuration: " + e.Err.Error()
}

func (e ConfigValidationError) Unwrap() error {
	return e.Err
}

// NewConfigValidationError wraps err, returning nil when err is nil.
func NewConfigValidationError(err error) error {
	if err == nil {
		return nil
	}
	return ConfigValidationError{Err: err}
}

// IsConfigError reports whether err is, or wraps, a configuration error.
func IsConfigError(err error) bool {
	var cfgErr *ConfigError
	if sterrors.As(err, &cfgErr) {
		return true
	}
	var validationErr ConfigValidationError
	return sterrors.As(err, &validationErr)
}
