package tracker

import (
	"errors"
	"fmt"
	"time"
)

// ErrAuth marks credential failures (401/403). Auth failures abort the
// whole run: retrying other nodes against the same dead credential only
// burns rate limit.
var ErrAuth = errors.New("tracker authentication failed")

// TransientError is a retriable failure: rate limiting, server errors,
// or network trouble. The batch scheduler retries these with exponential
// backoff before escalating.
type TransientError struct {
	Status     int           // HTTP status, 0 for network errors
	RetryAfter time.Duration // tracker-provided hint, 0 when absent
	Err        error
}

func (e *TransientError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("transient tracker error (status %d): %v", e.Status, e.Err)
	}
	return fmt.Sprintf("transient tracker error: %v", e.Err)
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

// PermanentError is a non-retriable failure: validation rejections and
// other 4xx responses. It is surfaced per node in the sync report, and
// the failed node's children are deferred to the next run.
type PermanentError struct {
	Status int
	Err    error
}

func (e *PermanentError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("permanent tracker error (status %d): %v", e.Status, e.Err)
	}
	return fmt.Sprintf("permanent tracker error: %v", e.Err)
}

func (e *PermanentError) Unwrap() error {
	return e.Err
}

// IsTransient reports whether err is (or wraps) a TransientError.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// IsPermanent reports whether err is (or wraps) a PermanentError.
func IsPermanent(err error) bool {
	var pe *PermanentError
	return errors.As(err, &pe)
}

// IsAuth reports whether err is a credential failure.
func IsAuth(err error) bool {
	return errors.Is(err, ErrAuth)
}

// ClassifyStatus maps an HTTP status code to the error taxonomy.
//
// 429 and 5xx are transient, 401/403 are auth (permanent and fatal for
// the run), and other 4xx are permanent. retryAfter carries the
// Retry-After hint for 429 responses when the tracker sent one.
func ClassifyStatus(status int, retryAfter time.Duration, err error) error {
	switch {
	case status == 429 || status >= 500:
		return &TransientError{Status: status, RetryAfter: retryAfter, Err: err}
	case status == 401 || status == 403:
		return &PermanentError{Status: status, Err: fmt.Errorf("%w: %v", ErrAuth, err)}
	case status >= 400:
		return &PermanentError{Status: status, Err: err}
	default:
		return err
	}
}
