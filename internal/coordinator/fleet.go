package coordinator

import (
	"context"
	"sync"

	"github.com/pkg/errors"
	"go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/dreamware/userfleet/internal/cluster"
	"github.com/dreamware/userfleet/internal/metrics"
	"github.com/dreamware/userfleet/internal/replication"
	"github.com/dreamware/userfleet/internal/storage"
)

// Worker describes one member of the fleet. It is created by a Spawner and
// owned by the Fleet until shutdown.
type Worker struct {
	// Index is the 1-based position of the worker in the fleet.
	Index int
	// Addr is the base URL the worker serves HTTP on.
	Addr string
	// PID is the worker's process id, or 0 for an in-process worker.
	PID int
	// Link is the coordinator's end of the worker's replication channel.
	Link replication.CoordinatorLink

	// stop tears the worker down. It must be safe to call after Link has
	// been closed.
	stop func(ctx context.Context) error
}

// Info returns the descriptor's public view.
func (w *Worker) Info() cluster.WorkerInfo {
	return cluster.WorkerInfo{Index: w.Index, Addr: w.Addr, PID: w.PID}
}

// Spawner starts workers. Spawn returns once the worker accepts HTTP
// requests on its private port.
type Spawner interface {
	Spawn(ctx context.Context, index int) (*Worker, error)
}

// FleetOption configures a Fleet.
type FleetOption func(*Fleet)

// WithFleetLogger sets the fleet's logger.
func WithFleetLogger(l *zap.Logger) FleetOption {
	return func(f *Fleet) {
		f.log = l
	}
}

// WithFleetMetrics makes the fleet record replication metrics.
func WithFleetMetrics(m *metrics.Metrics) FleetOption {
	return func(f *Fleet) {
		f.metrics = m
	}
}

// WithSeed sets the initial aggregate state. Spawners are expected to start
// their workers with the same records.
func WithSeed(records []storage.User) FleetOption {
	return func(f *Fleet) {
		f.seed = records
	}
}

// Fleet owns the worker descriptors and the aggregate state. Every mutation
// event received from any worker is folded into the aggregate, and the
// resulting collection is pushed to every worker.
//
// Events are folded one at a time by a single goroutine. Events from one
// worker are folded in the order that worker emitted them; events from
// different workers interleave in arrival order.
type Fleet struct {
	spawner   Spawner
	aggregate *storage.RecordStore
	log       *zap.Logger
	metrics   *metrics.Metrics
	seed      []storage.User

	mu      sync.RWMutex
	workers []*Worker

	events   chan cluster.MutationEvent
	forwards sync.WaitGroup
	folded   chan struct{}
	started  atomic.Bool
	closed   atomic.Bool
}

// NewFleet creates an empty fleet that will start its workers with spawner.
func NewFleet(spawner Spawner, opts ...FleetOption) *Fleet {
	f := &Fleet{
		spawner: spawner,
		log:     zap.NewNop(),
		events:  make(chan cluster.MutationEvent),
		folded:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(f)
	}
	f.aggregate = storage.NewRecordStore(storage.WithRecords(f.seed))
	f.metrics.AggregateSize(f.aggregate.Len())
	return f
}

// Start spawns n workers with indexes 1..n and begins folding their events.
// Every worker is recorded before Start returns, so callers may build the
// dispatcher from Workers afterwards. If any spawn fails, the workers
// already started are stopped.
func (f *Fleet) Start(ctx context.Context, n int) error {
	if n < 1 {
		return errors.Errorf("fleet needs at least one worker, got %d", n)
	}
	if !f.started.CompareAndSwap(false, true) {
		return errors.New("fleet already started")
	}

	workers := make([]*Worker, 0, n)
	for i := 1; i <= n; i++ {
		w, err := f.spawner.Spawn(ctx, i)
		if err != nil {
			for _, started := range workers {
				_ = started.Link.Close()
				_ = started.stop(ctx)
			}
			f.started.Store(false)
			return errors.Wrapf(err, "spawn worker %d", i)
		}
		f.log.Info("worker started",
			zap.Int("worker", w.Index),
			zap.String("addr", w.Addr),
			zap.Int("pid", w.PID))
		workers = append(workers, w)
	}

	f.mu.Lock()
	f.workers = workers
	f.mu.Unlock()

	for _, w := range workers {
		f.forwards.Add(1)
		go f.forward(w)
	}
	go func() {
		f.forwards.Wait()
		close(f.events)
	}()
	go f.fold()
	return nil
}

// forward relays one worker's events onto the shared channel, preserving
// their order.
func (f *Fleet) forward(w *Worker) {
	defer f.forwards.Done()
	for ev := range w.Link.Events() {
		f.events <- ev
	}
	if !f.closed.Load() {
		f.log.Warn("replication channel closed", zap.Int("worker", w.Index))
	}
}

func (f *Fleet) fold() {
	defer close(f.folded)
	for ev := range f.events {
		f.apply(ev)
	}
}

// apply folds one event into the aggregate and pushes the result to every
// worker, the originator included.
func (f *Fleet) apply(ev cluster.MutationEvent) {
	log := f.log.With(
		zap.Int("from", ev.WorkerIndex),
		zap.String("operation", string(ev.Operation)),
		zap.String("id", ev.Record.ID))

	switch ev.Operation {
	case cluster.OpCreate:
		f.aggregate.Append(ev.Record)
	case cluster.OpUpdate:
		if _, ok := f.aggregate.Replace(ev.Record.ID, ev.Record); !ok {
			log.Warn("update for a record missing from the aggregate")
		}
	case cluster.OpDelete:
		if _, ok := f.aggregate.Remove(ev.Record.ID); !ok {
			log.Warn("delete for a record missing from the aggregate")
		}
	default:
		log.Warn("dropping event with unknown operation")
		return
	}

	snap := cluster.Snapshot(f.aggregate.List())
	f.metrics.EventFolded(string(ev.Operation), len(snap))
	log.Debug("folded mutation event", zap.Int("records", len(snap)))
	f.broadcast(snap)
}

func (f *Fleet) broadcast(snap cluster.Snapshot) {
	f.mu.RLock()
	workers := f.workers
	f.mu.RUnlock()

	for _, w := range workers {
		err := w.Link.Push(snap)
		f.metrics.SnapshotPushed(w.Index, err)
		if err != nil && !f.closed.Load() {
			f.log.Warn("snapshot push failed", zap.Int("worker", w.Index), zap.Error(err))
		}
	}
}

// Workers returns the descriptors of all workers in index order.
func (f *Fleet) Workers() []cluster.WorkerInfo {
	f.mu.RLock()
	defer f.mu.RUnlock()

	out := make([]cluster.WorkerInfo, len(f.workers))
	for i, w := range f.workers {
		out[i] = w.Info()
	}
	return out
}

// Targets returns the worker base URLs in index order; Targets()[i] is the
// worker with index i+1.
func (f *Fleet) Targets() []string {
	f.mu.RLock()
	defer f.mu.RUnlock()

	out := make([]string, len(f.workers))
	for i, w := range f.workers {
		out[i] = w.Addr
	}
	return out
}

// Snapshot returns a copy of the aggregate state.
func (f *Fleet) Snapshot() cluster.Snapshot {
	return f.aggregate.List()
}

// Close clears the aggregate state, closes every replication channel and
// stops the workers. Workers that do not exit in time are killed by their
// spawner. Close is idempotent.
func (f *Fleet) Close(ctx context.Context) error {
	if !f.closed.CompareAndSwap(false, true) {
		return nil
	}

	f.mu.Lock()
	workers := f.workers
	f.workers = nil
	f.mu.Unlock()

	for _, w := range workers {
		if err := w.Link.Close(); err != nil {
			f.log.Debug("close replication channel", zap.Int("worker", w.Index), zap.Error(err))
		}
	}
	if f.started.Load() {
		<-f.folded
	}
	f.aggregate.ReplaceAll(nil)
	f.metrics.AggregateSize(0)

	var firstErr error
	for _, w := range workers {
		if err := w.stop(ctx); err != nil {
			f.log.Warn("worker did not stop cleanly", zap.Int("worker", w.Index), zap.Error(err))
			if firstErr == nil {
				firstErr = errors.Wrapf(err, "stop worker %d", w.Index)
			}
			continue
		}
		f.log.Info("worker stopped", zap.Int("worker", w.Index))
	}
	return firstErr
}
