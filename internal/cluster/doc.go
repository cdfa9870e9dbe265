// Package cluster defines the vocabulary shared by the coordinator and its
// workers: the messages carried by the replication channel, worker
// descriptors for status reporting, and the port derivation rule.
//
// # Messages
//
// Upstream, from a worker to the coordinator, one MutationEvent per
// successful write:
//
//	{"workerIndex": 2, "operation": "update", "record": {"id": "...", ...}}
//
// Downstream, from the coordinator to every worker, a Snapshot holding the
// whole collection as a bare JSON array:
//
//	[{"id": "...", "username": "alice", "age": 30, "hobbies": []}]
//
// Neither direction carries errors. A write that fails on a worker never
// produces an event.
//
// # Ports
//
// The coordinator listens on a base port. Worker i (1-based) listens on
// WorkerPort(base, i) = base + i on the same host.
package cluster
