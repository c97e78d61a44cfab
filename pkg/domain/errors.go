package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrCorruption marks on-disk state that cannot be trusted. It is fatal
	// for the affected collection and never retried.
	ErrCorruption = errors.New("collection corrupted")

	// ErrUsage marks a caller mistake: bad filter, unknown id, duplicate
	// index and the like.
	ErrUsage = errors.New("invalid request")
)

// Usagef returns an error wrapping ErrUsage.
func Usagef(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrUsage, fmt.Sprintf(format, args...))
}

// Corruptionf returns an error wrapping ErrCorruption.
func Corruptionf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrCorruption, fmt.Sprintf(format, args...))
}
