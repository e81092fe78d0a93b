// Package master wires the control-plane process together: one transport
// listener, the minion registry, the event bus, the returner stack and the
// job dispatcher. It routes inbound traffic to the right component, evicts
// stale minions on a sweep timer, and exposes the operations the API and CLI
// surfaces are built on.
package master
