// Package endpoint defines the core data types shared across the load
// balancer: endpoints, their flavors and statuses, the models they serve,
// and the capability tags used for routing decisions.
//
// These are plain records with no behavior beyond small helpers; all state
// transitions happen through the registry package.
package endpoint
