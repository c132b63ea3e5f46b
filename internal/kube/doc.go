// Package kube builds Kubernetes clients from the user's kubeconfig.
//
// Contexts and namespaces are resolved the way kubectl resolves them:
// the KUBECONFIG variable or ~/.kube/config, with an optional explicit
// context overriding the current one.
package kube
