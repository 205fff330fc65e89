package schema

import "fmt"

// FieldError is one accumulated parse or validation failure, carrying the
// YAML path to the offending field (e.g. "users[3].email") the way
// spec.md §4.2 requires.
type FieldError struct {
	Path string
	Rule string
	Msg  string
}

func (e FieldError) Error() string {
	if e.Rule != "" {
		return fmt.Sprintf("%s: %s (%s)", e.Path, e.Msg, e.Rule)
	}
	return fmt.Sprintf("%s: %s", e.Path, e.Msg)
}

// FieldErrors accumulates every FieldError found while parsing or
// validating a document, instead of failing on the first one — mirrored
// across every record's Parse/Validate so one malformed field never hides
// the rest.
type FieldErrors []FieldError

func (e FieldErrors) Error() string {
	if len(e) == 0 {
		return "no errors"
	}
	if len(e) == 1 {
		return e[0].Error()
	}
	return fmt.Sprintf("%d errors, first: %s", len(e), e[0].Error())
}

func (e FieldErrors) HasErrors() bool {
	return len(e) > 0
}

func (e *FieldErrors) Add(path, rule, msg string) {
	*e = append(*e, FieldError{Path: path, Rule: rule, Msg: msg})
}

func (e *FieldErrors) Addf(path, rule, format string, args ...any) {
	e.Add(path, rule, fmt.Sprintf(format, args...))
}
