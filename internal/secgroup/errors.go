package secgroup

import (
	"errors"
	"strings"
)

// ErrInvalidConfig matches every configuration error produced while building
// or validating groups and rules.
var ErrInvalidConfig = errors.New("invalid configuration")

// ValidationError represents a single configuration problem.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return e.Field + ": " + e.Message
}

// Is reports whether target is ErrInvalidConfig.
func (e ValidationError) Is(target error) bool {
	return target == ErrInvalidConfig
}

// ValidationErrors is a collection of validation errors.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	msgs := make([]string, 0, len(e))
	for _, err := range e {
		msgs = append(msgs, err.Error())
	}
	return strings.Join(msgs, "; ")
}

// Is reports whether target is ErrInvalidConfig.
func (e ValidationErrors) Is(target error) bool {
	return len(e) > 0 && target == ErrInvalidConfig
}

// HasErrors returns true if there are any validation errors.
func (e ValidationErrors) HasErrors() bool {
	return len(e) > 0
}

// Err returns e as an error, or nil when it is empty.
func (e ValidationErrors) Err() error {
	if len(e) == 0 {
		return nil
	}
	return e
}

// prefixed returns a copy of errs with prefix prepended to every field.
func prefixed(prefix string, err error) ValidationErrors {
	var out ValidationErrors
	var many ValidationErrors
	var one ValidationError
	switch {
	case errors.As(err, &many):
		for _, e := range many {
			out = append(out, ValidationError{Field: join(prefix, e.Field), Message: e.Message})
		}
	case errors.As(err, &one):
		out = append(out, ValidationError{Field: join(prefix, one.Field), Message: one.Message})
	default:
		out = append(out, ValidationError{Field: prefix, Message: err.Error()})
	}
	return out
}

func join(prefix, field string) string {
	switch {
	case field == "":
		return prefix
	case prefix == "":
		return field
	default:
		return prefix + "." + field
	}
}
