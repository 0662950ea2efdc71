package registry

import "errors"

var (
	// ErrNotFound means no endpoint with the given ID or name exists.
	ErrNotFound = errors.New("registry: endpoint not found")

	// ErrDuplicateName means an endpoint with the same name already exists.
	ErrDuplicateName = errors.New("registry: endpoint name already in use")

	// ErrInvalidTransition means the requested status change is not
	// permitted by the endpoint lifecycle.
	ErrInvalidTransition = errors.New("registry: invalid status transition")
)
