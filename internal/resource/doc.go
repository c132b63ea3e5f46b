// Package resource holds what every managed-resource backend shares: the
// lifecycle state machine, framework settings read through the property
// store, deployment template rendering and resource-reference staging.
//
// Backends live in the sub-packages local, container, kubernetes and
// openshift. Each one implements Driver and embeds a *Lifecycle, which
// turns the driver into a services.ManagedResource with idempotent Start
// and Stop.
package resource
