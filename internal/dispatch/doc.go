// Package dispatch owns the job lifecycle on the master: target resolution
// against the live registry, per-minion fan-out, reply collection, deadline
// enforcement and terminal bookkeeping. One Dispatcher instance runs per
// master process.
package dispatch
