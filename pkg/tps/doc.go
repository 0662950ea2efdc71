// Package tps estimates per-endpoint output-token throughput.
//
// Each (endpoint, model, api kind) series keeps an exponential moving
// average of tokens per second, updated from completed requests. The
// selector ranks candidate endpoints by these estimates. Estimates survive
// restarts approximately: recent daily aggregates from the stats store seed
// fresh series with their average throughput.
package tps
