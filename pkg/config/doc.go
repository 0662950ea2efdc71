// Package config loads and validates the load balancer configuration.
//
// Configuration is read from a YAML file, merged with defaults, and
// validated before use. Static endpoint definitions in the file are seeded
// into the registry at startup; WatchEndpoints can additionally hot-reload
// the endpoint list when the file changes on disk.
package config
