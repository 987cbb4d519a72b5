// Package failure defines the error kinds shared by the compiler and dispatchers.
//
// Errors are plain wrapped errors. Callers classify them with errors.Is:
//
//	if errors.Is(err, failure.ErrConfiguration) {
//		// fatal at startup
//	}
package failure

import (
	"errors"
	"fmt"
)

var (
	// ErrConfiguration marks a problem found while compiling descriptions or
	// resolving modules. It is fatal at startup.
	ErrConfiguration = errors.New("configuration error")

	// ErrRouting marks a request or message that matched no operation.
	ErrRouting = errors.New("routing error")

	// ErrValidation marks a payload rejected by its schema before reaching a handler.
	ErrValidation = errors.New("validation error")

	// ErrUnhandled marks a handler that failed outside the tagged result channel.
	ErrUnhandled = errors.New("unhandled error")
)

// Configuration wraps a formatted message as an ErrConfiguration.
func Configuration(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrConfiguration, fmt.Sprintf(format, args...))
}

// Routing wraps a formatted message as an ErrRouting.
func Routing(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrRouting, fmt.Sprintf(format, args...))
}

// Validation wraps a formatted message as an ErrValidation.
func Validation(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

// Unhandled wraps a cause as an ErrUnhandled, keeping the cause inspectable.
func Unhandled(cause error) error {
	return fmt.Errorf("%w: %w", ErrUnhandled, cause)
}
