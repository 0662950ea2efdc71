package dispatch

import "errors"

var (
	// ErrUpstream means the selected endpoint failed to produce a response.
	ErrUpstream = errors.New("dispatch: upstream request failed")

	// ErrAllRejected means every candidate endpoint refused admission.
	ErrAllRejected = errors.New("dispatch: all candidate endpoints at capacity")
)
