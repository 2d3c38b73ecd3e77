// Package api provides the data-platform client: records, devices,
// events, labels, security tokens, diagnosis rules, tasks, config maps
// and metrics, with request/response byte accounting and error
// classification.
package api

import (
	"errors"
	"fmt"
)

// Sentinel errors for platform response classification.
// Use errors.Is(err, api.ErrUnauthorized) to check.
var (
	// ErrUnauthorized marks a 401-equivalent response. The sweep loop
	// clears the stored token and re-runs the auth cycle; never fatal.
	ErrUnauthorized = errors.New("api: unauthorized")

	// ErrNotFound marks a missing resource (project slug, record, label).
	ErrNotFound = errors.New("api: not found")
)

// CallError wraps a sentinel with the failing operation and HTTP status
// for debugging.
type CallError struct {
	Op         string
	StatusCode int
	Message    string
	Err        error // sentinel, for errors.Is()
}

func (e *CallError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("api: %s: HTTP %d: %s", e.Op, e.StatusCode, e.Message)
	}

	return fmt.Sprintf("api: %s: %s", e.Op, e.Message)
}

func (e *CallError) Unwrap() error {
	return e.Err
}
