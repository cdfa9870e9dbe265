package replication

import (
	"sync"

	"github.com/dreamware/userfleet/internal/cluster"
)

const defaultEventBuffer = 256

// pipe is an in-process channel; both ends share it and closing either end
// closes both.
type pipe struct {
	events    chan cluster.MutationEvent
	snapshots chan cluster.Snapshot
	done      chan struct{}
	mu        sync.RWMutex
	pushMu    sync.Mutex
	once      sync.Once
	closed    bool
}

// NewPipe returns the two ends of an in-process replication channel.
func NewPipe() (WorkerLink, CoordinatorLink) {
	p := &pipe{
		events:    make(chan cluster.MutationEvent, defaultEventBuffer),
		snapshots: make(chan cluster.Snapshot, 1),
		done:      make(chan struct{}),
	}
	return workerEnd{p}, coordinatorEnd{p}
}

func (p *pipe) emit(ev cluster.MutationEvent) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrClosed
	}
	select {
	case p.events <- ev:
		return nil
	case <-p.done:
		return ErrClosed
	}
}

func (p *pipe) push(snap cluster.Snapshot) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrClosed
	}
	p.pushMu.Lock()
	offerLatest(p.snapshots, snap)
	p.pushMu.Unlock()
	return nil
}

func (p *pipe) close() error {
	p.once.Do(func() {
		// Unblock senders before taking the write lock.
		close(p.done)
		p.mu.Lock()
		p.closed = true
		close(p.events)
		close(p.snapshots)
		p.mu.Unlock()
	})
	return nil
}

type workerEnd struct{ p *pipe }

func (w workerEnd) Emit(ev cluster.MutationEvent) error  { return w.p.emit(ev) }
func (w workerEnd) Snapshots() <-chan cluster.Snapshot { return w.p.snapshots }
func (w workerEnd) Close() error                       { return w.p.close() }

type coordinatorEnd struct{ p *pipe }

func (c coordinatorEnd) Events() <-chan cluster.MutationEvent { return c.p.events }
func (c coordinatorEnd) Push(snap cluster.Snapshot) error     { return c.p.push(snap) }
func (c coordinatorEnd) Close() error                         { return c.p.close() }
