package llm

import "errors"

var (
	// ErrTimeout marks a completion request that exceeded its deadline.
	// Only timeouts trigger the model reload recovery sequence.
	ErrTimeout = errors.New("completion request timed out")
	// ErrConnection marks a network-layer failure unrelated to timeouts.
	// These are reported immediately without any reload attempt.
	ErrConnection = errors.New("completion backend connection failed")
	// ErrUnreachable marks a backend that failed to recover in time.
	ErrUnreachable = errors.New("completion backend unreachable")
)
