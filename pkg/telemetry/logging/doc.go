// Package logging configures structured logging for the load balancer.
//
// It wraps log/slog with level and format parsing so the rest of the
// codebase can use package-level slog calls with key-value attributes.
// Supported formats are JSON (production), text (logfmt-style), and console
// (human-readable, for local development).
package logging
