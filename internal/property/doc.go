// Package property implements layered property resolution for services.
//
// A property key is looked up in a fixed order and the first match wins:
//
//  1. per-test overrides held in memory by the Store
//  2. the external properties file, scoped by a "<service>." prefix
//  3. the service's own property Map
//  4. process-wide globals, then environment variables
//  5. the caller supplied default
//
// Values in a Map are either literals or deferred closures. Deferred values
// stay invisible to lookups until ResolveDeferred runs, which the
// orchestrator does immediately before the owning service starts.
//
// The package also parses the resource-reference micro-grammar used to
// declare files that must be staged into the target environment:
//
//	resource::<path>
//	resource-with-destination::<destPath>|<fileName>
//	secret::<path>
//	secret-with-destination::<destPath>|<fileName>
package property
