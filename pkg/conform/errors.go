package conform

import (
	"errors"
	"fmt"
)

// Configuration error codes are stable identifiers printed by the CLI.
// They MUST NOT change between releases.
const (
	CodeConfigInvalid         = "E_CONFIG_INVALID"
	CodeCatalogInvalid        = "E_CATALOG_INVALID"
	CodeCatalogIncompatible   = "E_CATALOG_INCOMPATIBLE"
	CodeGateStateReference    = "E_GATE_STATE_REFERENCE"
	CodeHighAssuranceNoAPIKey = "E_HA_API_KEY_MISSING"
	CodeSigningKeyMissing     = "E_SIGNING_KEY_MISSING"
	CodeSigningKeyInvalid     = "E_SIGNING_KEY_INVALID"
	CodeExpectationInvalid    = "E_EXPECTATION_INVALID"
)

// AllCodes returns every configuration error code.
func AllCodes() []string {
	return []string{
		CodeConfigInvalid,
		CodeCatalogInvalid,
		CodeCatalogIncompatible,
		CodeGateStateReference,
		CodeHighAssuranceNoAPIKey,
		CodeSigningKeyMissing,
		CodeSigningKeyInvalid,
		CodeExpectationInvalid,
	}
}

// ConfigError is a fatal configuration problem detected before any request
// is sent or any evidence is written.
type ConfigError struct {
	Code string
	Msg  string
	Err  error
}

func (e *ConfigError) Error() string {
	return e.Code + ": " + e.Msg
}

func (e *ConfigError) Unwrap() error { return e.Err }

// NewConfigError wraps err under code.
func NewConfigError(code string, err error) *ConfigError {
	return &ConfigError{Code: code, Msg: err.Error(), Err: err}
}

func configErrorf(code, format string, args ...any) *ConfigError {
	return &ConfigError{Code: code, Msg: fmt.Sprintf(format, args...)}
}

// IsConfigError reports whether err is, or wraps, a *ConfigError.
func IsConfigError(err error) bool {
	var ce *ConfigError
	return errors.As(err, &ce)
}
