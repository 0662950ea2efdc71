package admission

import "errors"

var (
	// ErrUnknownEndpoint means no limiter exists for the endpoint.
	ErrUnknownEndpoint = errors.New("admission: unknown endpoint")

	// ErrQueueFull means the endpoint's wait queue is at capacity. Callers
	// should map this to HTTP 429 with a Retry-After hint.
	ErrQueueFull = errors.New("admission: queue full")

	// ErrDraining means the endpoint is refusing new work while in-flight
	// requests complete.
	ErrDraining = errors.New("admission: endpoint draining")

	// ErrWaitTimeout means a queued request did not obtain a slot within
	// the configured wait window.
	ErrWaitTimeout = errors.New("admission: timed out waiting for slot")

	// ErrEndpointRemoved means the endpoint was deleted while the request
	// was queued.
	ErrEndpointRemoved = errors.New("admission: endpoint removed")
)
