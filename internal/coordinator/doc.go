// Package coordinator implements the primary process of a user fleet: it
// starts the workers, keeps the authoritative copy of the record collection,
// and spreads client traffic across the workers.
//
// # Overview
//
// A fleet is N worker services, each holding a full copy of the user
// collection in memory and listening on its own private port. The
// coordinator sits in front of them:
//
//	          client
//	            │
//	     ┌──────▼──────┐
//	     │ Dispatcher  │  round robin, 1..N
//	     └──┬───┬───┬──┘
//	        │   │   │        HTTP
//	     ┌──▼┐ ┌▼──┐ ┌▼──┐
//	     │ 1 │ │ 2 │ │ N │   worker services
//	     └─┬─┘ └─┬─┘ └─┬─┘
//	       │ ▲   │ ▲   │ ▲   replication channel
//	       ▼ │   ▼ │   ▼ │   (events up, snapshots down)
//	     ┌───┴─────┴─────┴──┐
//	     │      Fleet       │  aggregate state
//	     └──────────────────┘
//
// # Core Components
//
// Fleet: owns the worker descriptors and the aggregate state
//   - Spawns workers 1..N through a Spawner before any traffic is accepted
//   - Folds every mutation event into the aggregate, one at a time
//   - Pushes the whole aggregate to every worker after each fold
//   - Clears the aggregate and stops the workers on Close
//
// Spawner: starts one worker
//   - ProcessSpawner runs the node binary as a child process and talks to it
//     over two inherited pipes
//   - LocalSpawner runs the worker service in the current process over an
//     in-process pipe
//
// Dispatcher: the public listener
//   - Sends request k to worker ((k-1) mod N)+1
//   - Streams request and response bodies without buffering them
//   - Answers 500 when the exchange with the worker fails, without retrying
//
// HealthMonitor: periodic probes of every worker, for reporting only
//
// AdminHandler: /health, /fleet and /metrics for operators
//
// # Consistency
//
// Workers converge on the aggregate state, not on each other. A write is
// visible on the worker that served it as soon as the response is sent, and
// on every other worker once the coordinator has folded the event and the
// snapshot has arrived. Events from one worker are folded in order; events
// from different workers are folded in arrival order, so two concurrent
// writes may land in either order. There is no conflict detection.
//
// # Failure Handling
//
// A worker that dies stays in the dispatcher's rotation and every request
// routed to it fails with 500 until the fleet is restarted. Snapshot pushes
// to a dead worker fail and are logged; the other workers are unaffected.
package coordinator
