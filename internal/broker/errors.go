package broker

import (
	"errors"
	"fmt"
)

// ErrMissingRiskParameters marks a non-close order without both stop loss
// and take profit. Fatal for that order; never retried.
var ErrMissingRiskParameters = errors.New("order missing stop loss or take profit")

// RetryableError wraps a transient dispatch failure (network, broker busy).
// Anything not wrapped in it is treated as fatal by the dispatch path.
type RetryableError struct {
	Err error
}

func (e *RetryableError) Error() string {
	return fmt.Sprintf("transient dispatch failure: %v", e.Err)
}

func (e *RetryableError) Unwrap() error { return e.Err }

// Retryable tags err as transient.
func Retryable(err error) error {
	if err == nil {
		return nil
	}
	return &RetryableError{Err: err}
}

// IsRetryable reports whether err is a transient dispatch failure.
func IsRetryable(err error) bool {
	var re *RetryableError
	return errors.As(err, &re)
}
