// Package logwatch collects the output of a managed resource.
//
// A Watcher polls a Source on a fixed interval and appends every line it
// has not seen yet to a bounded Buffer. Lines are never reordered or
// removed except by eviction of the oldest ones once the buffer is full,
// and the buffer is cleared only when watching starts again. Sources
// exist for local files, CLI log commands and Kubernetes pod logs.
package logwatch
