package domain

import (
	"sort"
	"strings"
)

// ValidationError reports per-field input problems. It matches ErrInvalidInput
// under errors.Is.
type ValidationError struct {
	Fields map[string][]string
}

// Add records a message for field
func (e *ValidationError) Add(field, message string) {
	if e.Fields == nil {
		e.Fields = make(map[string][]string)
	}
	e.Fields[field] = append(e.Fields[field], message)
}

// OrNil returns nil when no field failed, so callers can return it directly.
func (e *ValidationError) OrNil() error {
	if e == nil || len(e.Fields) == 0 {
		return nil
	}
	return e
}

func (e *ValidationError) Error() string {
	fields := make([]string, 0, len(e.Fields))
	for f := range e.Fields {
		fields = append(fields, f)
	}
	sort.Strings(fields)
	return "invalid input: " + strings.Join(fields, ", ")
}

func (e *ValidationError) Unwrap() error {
	return ErrInvalidInput
}
