package ratelimit

import (
	"errors"
	"fmt"
)

// ErrStoreUnavailable wraps any counter-store failure so callers can tell a
// store outage apart from a denied check. Retry policy belongs to the caller.
var ErrStoreUnavailable = errors.New("counter store unavailable")

// ValidationError reports malformed input, naming the offending field.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// IsValidation reports whether err is a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
