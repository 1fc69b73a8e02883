package processing

import (
	"errors"
	"fmt"
	"strings"
)

// ErrBackendObjectGone tells the delete template the backend object no
// longer exists, which counts as a completed deletion.
var ErrBackendObjectGone = errors.New("backend_object_gone")

// ValidationError marks an order rejected before any backend call.
type ValidationError struct {
	Err     error
	Message string
}

func (e *ValidationError) Error() string {
	if e.Message == "" {
		return e.Err.Error()
	}
	return e.Message
}

func (e *ValidationError) Unwrap() error { return e.Err }

// Invalid builds a ValidationError around a domain sentinel.
func Invalid(err error, format string, args ...any) error {
	return &ValidationError{Err: err, Message: fmt.Sprintf(format, args...)}
}

// IsValidationError reports whether err carries a ValidationError.
func IsValidationError(err error) bool {
	var target *ValidationError
	return errors.As(err, &target)
}

// traceback renders the wrap chain of err, outermost first.
func traceback(err error) string {
	var b strings.Builder
	for depth := 0; err != nil; depth++ {
		if depth > 0 {
			b.WriteString("\n")
		}
		fmt.Fprintf(&b, "%T: %s", err, err.Error())
		err = errors.Unwrap(err)
	}
	return b.String()
}
