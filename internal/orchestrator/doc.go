// Package orchestrator drives one scenario: it builds a managed resource
// for every declared service, starts them in declaration order, waits for
// each to become ready and tears everything down again.
//
// # Start sequence
//
// For every service, in declaration order:
//
//  1. Deferred property values are resolved
//  2. Pre-start hooks run
//  3. The managed resource is started
//  4. The orchestrator polls the resource until it reports readiness or
//     the startup timeout elapses
//  5. The service's endpoint, host and port are published to its context,
//     where deferred values of later services can read them
//  6. Post-start hooks run
//
// A failure at any step stops the services started so far and aborts the
// scenario.
//
// # Teardown
//
// Stop visits every service that was started, including ones that never
// became ready. Failures are logged as warnings and teardown continues.
// With cleanup enabled, cluster objects are deleted after stop.
//
// # Usage Example
//
//	orch, err := orchestrator.New(orchestrator.Config{Scenario: scenario})
//	if err != nil {
//	    return err
//	}
//	defer orch.Stop(context.Background())
//
//	if err := orch.Start(ctx); err != nil {
//	    return err
//	}
package orchestrator
