package routing

import "errors"

var (
	// ErrModelNotFound means no registered endpoint serves the requested
	// model with the requested capability. Maps to HTTP 404.
	ErrModelNotFound = errors.New("routing: no endpoint serves the requested model")

	// ErrNoneAvailable means the model is served but every candidate is
	// currently unroutable. Maps to HTTP 503.
	ErrNoneAvailable = errors.New("routing: no online endpoint for the requested model")
)
