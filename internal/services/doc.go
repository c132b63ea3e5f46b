// Package services defines the service descriptor and the managed resource
// contract shared by every backend.
//
// A Service is a named logical unit declared by a scenario: its property
// map (literal and deferred values), its pre-start and post-start hooks, an
// optional readiness probe, and, once built by the binding registry, exactly
// one ManagedResource.
//
// A ManagedResource is the backend object (local process, container,
// Kubernetes or OpenShift deployment) behind a Service. All variants share
// the same lifecycle:
//
//	Uninitialized -> Starting -> Running -> Stopping -> Stopped
//
// Start on a Running resource and Stop on a Stopped or Uninitialized
// resource are no-ops. IsRunning never blocks waiting for readiness; the
// orchestrator does the waiting.
//
// The Context type is the per-service scratch record handed to bindings and
// resources: the owning Service, its working directory, the scenario
// environment, the property store and a small key/value side channel.
package services
