// Package minion provides the worker node runtime. A minion connects to a
// master, registers its identity and grains, keeps the session alive with
// heartbeats, and executes command requests dispatched by the master, sending
// one reply per request. Command handlers live in a per-minion registry
// preloaded with the builtin test/sys/grains/cmd/script modules.
package minion
