// Package portforwarding opens local tunnels to pod ports through the
// Kubernetes API server, the way kubectl port-forward does.
//
// Tunnels listen on 127.0.0.1 with a port picked by the kernel, so
// several scenarios can forward the same remote port at once. They stay
// open until closed or until the pod goes away.
package portforwarding
