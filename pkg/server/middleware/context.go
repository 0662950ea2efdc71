package middleware

// contextKey is a private type for context values set by middleware.
type contextKey string

const (
	// RequestIDKey holds the request correlation ID.
	RequestIDKey contextKey = "request_id"
	// StartTimeKey holds the request arrival time.
	StartTimeKey contextKey = "start_time"
)
