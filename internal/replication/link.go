// Package replication implements the message channel between the fleet
// coordinator and each worker. Mutation events travel upstream, full
// snapshots travel downstream. The same coordinator and worker logic runs
// over an in-process pipe (tests, fleet-inproc mode) or over a pair of OS
// pipes to a child process (fleet mode).
package replication

import (
	"github.com/pkg/errors"

	"github.com/dreamware/userfleet/internal/cluster"
)

// ErrClosed is returned when sending on a link that has been closed.
var ErrClosed = errors.New("replication link closed")

// WorkerLink is the worker's end of a replication channel.
type WorkerLink interface {
	// Emit sends one mutation event upstream.
	Emit(ev cluster.MutationEvent) error

	// Snapshots delivers every snapshot pushed by the coordinator. When
	// several snapshots arrive before the worker reads them, only the newest
	// is kept. The channel is closed when the link ends.
	Snapshots() <-chan cluster.Snapshot

	Close() error
}

// CoordinatorLink is the coordinator's end of the channel to one worker.
type CoordinatorLink interface {
	// Events delivers mutation events in the order the worker emitted them.
	// The channel is closed when the link ends.
	Events() <-chan cluster.MutationEvent

	// Push sends a full snapshot downstream.
	Push(snap cluster.Snapshot) error

	Close() error
}

// offerLatest places snap on a capacity-1 channel, replacing any snapshot
// still waiting there. Only one goroutine may offer on a given channel.
func offerLatest(ch chan cluster.Snapshot, snap cluster.Snapshot) {
	for {
		select {
		case ch <- snap:
			return
		default:
		}
		select {
		case <-ch:
		default:
		}
	}
}
