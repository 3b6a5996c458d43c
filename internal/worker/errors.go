package worker

import "errors"

// RetryableError marks a failure that a later attempt may resolve:
// transport faults, timeouts, 429s, 5xx responses from the generator.
type RetryableError struct {
	Err error
}

func (e *RetryableError) Error() string { return e.Err.Error() }
func (e *RetryableError) Unwrap() error { return e.Err }

// TerminalError marks a failure that retrying cannot fix: rejected
// payloads, 4xx responses, configuration errors.
type TerminalError struct {
	Err error
}

func (e *TerminalError) Error() string { return e.Err.Error() }
func (e *TerminalError) Unwrap() error { return e.Err }

// IsRetryable reports whether err should be retried. Only an explicit
// RetryableError classification retries; an unclassified error is
// terminal, the same as a TerminalError.
func IsRetryable(err error) bool {
	var retryable *RetryableError
	return errors.As(err, &retryable)
}

// classified reports whether err carries an explicit classification.
// The worker logs unclassified errors before failing the job.
func classified(err error) bool {
	var retryable *RetryableError
	var terminal *TerminalError
	return errors.As(err, &retryable) || errors.As(err, &terminal)
}
