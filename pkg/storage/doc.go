// Package storage provides the durable stores behind the load balancer.
//
// Two SQLite databases are used: the endpoint store holds canonical endpoint
// records mirrored from the registry, and the stats store holds per-day
// usage aggregates (used to seed TPS estimates after a restart), per-minute
// request history, and health-check history for operators.
//
// Both stores are safe for concurrent use. A memory-backed implementation
// of each interface exists for tests.
package storage
