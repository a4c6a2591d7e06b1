package readiness

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound          = errors.New("readiness record not found")
	ErrAlreadyExists     = errors.New("readiness record already exists")
	ErrVersionMismatch   = errors.New("readiness record changed concurrently")
	ErrRegression        = errors.New("form progress cannot go backwards")
	ErrInvalidPercentage = errors.New("percentage must be between 0 and 100")
)

// RegressionError reports a progress update lower than what is stored.
type RegressionError struct {
	Current   int
	Attempted int
}

func (e *RegressionError) Error() string {
	return fmt.Sprintf("%s: stored %d%%, got %d%%", ErrRegression, e.Current, e.Attempted)
}

func (e *RegressionError) Is(target error) bool { return target == ErrRegression }
