package domain

import (
	"errors"
	"fmt"
)

// ErrCodeConfig tags fatal load-time configuration failures.
const ErrCodeConfig = "CONFIG_ERROR"

// Sentinel errors
var (
	// ErrUnknownCodeSet is returned when a rule references a code set
	// name the registry has never loaded. Always fatal at load time.
	ErrUnknownCodeSet = errors.New("unknown code set")

	// ErrUnknownRuleKind is returned when the catalog declares a rule
	// kind the composer has no builder for.
	ErrUnknownRuleKind = errors.New("unknown rule kind")
)

// ConfigError is a fatal configuration problem detected at load time,
// before any evaluation starts. The run must not begin once one is seen.
type ConfigError struct {
	Code    string
	Message string
	Err     error
}

func (e *ConfigError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *ConfigError) Unwrap() error {
	return e.Err
}

// NewConfigError creates a ConfigError wrapping an underlying cause.
func NewConfigError(message string, err error) *ConfigError {
	return &ConfigError{Code: ErrCodeConfig, Message: message, Err: err}
}
