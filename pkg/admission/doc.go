// Package admission enforces per-endpoint concurrency limits.
//
// Each endpoint has a fixed number of slots and a bounded FIFO wait queue.
// The request path claims a slot before dispatching upstream and releases it
// when the response completes. Draining an endpoint rejects new admissions
// and evicts the queue while letting in-flight work finish, which the model
// switching flow uses to quiesce an endpoint before loading a new model.
package admission
