// Package corerr defines the closed set of error kinds the control plane
// surfaces to callers (the CLI, the admin API, and component tests), and the
// structured context that travels with them.
package corerr

import (
	"errors"
	"fmt"
	"strings"
)

// Kind is one of the error kinds from the core's error handling design. The
// set is closed: callers switch on it exhaustively rather than matching on
// message text.
type Kind string

const (
	ConfigParse        Kind = "CONFIG_PARSE"
	ConfigValidate      Kind = "CONFIG_VALIDATE"
	IOTransient         Kind = "IO_TRANSIENT"
	IOFatal             Kind = "IO_FATAL"
	EnvNotFound         Kind = "ENV_NOT_FOUND"
	EnvNotEnabled       Kind = "ENV_NOT_ENABLED"
	EnvLastRemaining    Kind = "ENV_LAST_REMAINING"
	EnvCurrentRemove    Kind = "ENV_CURRENT_REMOVE"
	PortConflict        Kind = "PORT_CONFLICT"
	PathConflict        Kind = "PATH_CONFLICT"
	PathNotAbsolute     Kind = "PATH_NOT_ABSOLUTE"
	RuntimeUnavailable  Kind = "RUNTIME_UNAVAILABLE"
	RuntimeTimeout      Kind = "RUNTIME_TIMEOUT"
	RuntimeError        Kind = "RUNTIME_ERROR"
	CertIssueFailed     Kind = "CERT_ISSUE_FAILED"
	CertExpired         Kind = "CERT_EXPIRED"
	ReloadFailed        Kind = "RELOAD_FAILED"
	PlanConflict        Kind = "PLAN_CONFLICT"
)

// redactKeys are context keys whose values must never reach a log line, an
// error message, or --json output verbatim.
var redactKeys = map[string]bool{
	"secret":   true,
	"password": true,
	"token":    true,
	"key":      true,
}

// CoreError is the structured error every component boundary returns once it
// crosses into CLI/API-facing territory.
type CoreError struct {
	Kind    Kind
	Message string
	Context map[string]any
	Cause   error
}

// New creates a CoreError with no wrapped cause.
func New(kind Kind, message string, context map[string]any) *CoreError {
	return &CoreError{Kind: kind, Message: message, Context: context}
}

// Wrap creates a CoreError that carries an underlying error as its cause.
func Wrap(kind Kind, cause error, message string, context map[string]any) *CoreError {
	return &CoreError{Kind: kind, Message: message, Context: context, Cause: cause}
}

func (e *CoreError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *CoreError) Unwrap() error {
	return e.Cause
}

// Redacted returns a copy of the error's context with any key that looks
// like it carries secret material replaced by a fixed placeholder. Matching
// is substring-based and case-insensitive so "jwt_secret" and "db_password"
// are caught alongside the bare keys.
func (e *CoreError) Redacted() map[string]any {
	out := make(map[string]any, len(e.Context))
	for k, v := range e.Context {
		if looksSecret(k) {
			out[k] = "[redacted]"
			continue
		}
		out[k] = v
	}
	return out
}

func looksSecret(key string) bool {
	lower := strings.ToLower(key)
	for needle := range redactKeys {
		if strings.Contains(lower, needle) {
			return true
		}
	}
	return false
}

// As reports whether err (or something it wraps) is a *CoreError of the
// given kind.
func As(err error, kind Kind) bool {
	var ce *CoreError
	if !errors.As(err, &ce) {
		return false
	}
	return ce.Kind == kind
}
