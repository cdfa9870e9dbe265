package replication

import (
	"encoding/json"
	"io"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/dreamware/userfleet/internal/cluster"
)

// Frames on a stream are JSON values separated by newlines, one message per
// frame. A decode error ends the stream; the reader cannot resynchronise.

type writeDeadliner interface {
	SetWriteDeadline(t time.Time) error
}

// frameWriter serializes writes of whole frames.
type frameWriter struct {
	w       io.Writer
	enc     *json.Encoder
	timeout time.Duration
	mu      sync.Mutex
}

func newFrameWriter(w io.Writer, timeout time.Duration) *frameWriter {
	return &frameWriter{w: w, enc: json.NewEncoder(w), timeout: timeout}
}

func (f *frameWriter) write(v any) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if d, ok := f.w.(writeDeadliner); ok && f.timeout > 0 {
		// Pipes without deadline support report an error here; ignore it.
		_ = d.SetWriteDeadline(time.Now().Add(f.timeout))
	}
	if err := f.enc.Encode(v); err != nil {
		if errors.Is(err, io.ErrClosedPipe) {
			return ErrClosed
		}
		return errors.Wrap(err, "write frame")
	}
	return nil
}

// StreamOption configures a stream link.
type StreamOption func(*streamOptions)

type streamOptions struct {
	writeTimeout time.Duration
}

// WithWriteTimeout bounds each frame write when the underlying writer
// supports deadlines (os.File pipes do).
func WithWriteTimeout(d time.Duration) StreamOption {
	return func(o *streamOptions) {
		o.writeTimeout = d
	}
}

func applyStreamOptions(opts []StreamOption) streamOptions {
	var o streamOptions
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// StreamWorkerLink is a WorkerLink over a byte stream pair. A worker child
// process builds one from the pipe file descriptors its parent passed in.
type StreamWorkerLink struct {
	in        io.ReadCloser
	out       io.WriteCloser
	writer    *frameWriter
	snapshots chan cluster.Snapshot
	errMu     sync.Mutex
	err       error
	closeOnce sync.Once
}

// NewStreamWorkerLink reads snapshots from in and writes events to out.
func NewStreamWorkerLink(in io.ReadCloser, out io.WriteCloser, opts ...StreamOption) *StreamWorkerLink {
	o := applyStreamOptions(opts)
	l := &StreamWorkerLink{
		in:        in,
		out:       out,
		writer:    newFrameWriter(out, o.writeTimeout),
		snapshots: make(chan cluster.Snapshot, 1),
	}
	go l.readLoop()
	return l
}

func (l *StreamWorkerLink) readLoop() {
	defer close(l.snapshots)

	dec := json.NewDecoder(l.in)
	for {
		var snap cluster.Snapshot
		if err := dec.Decode(&snap); err != nil {
			l.setErr(err)
			return
		}
		if snap == nil {
			snap = cluster.Snapshot{}
		}
		offerLatest(l.snapshots, snap)
	}
}

func (l *StreamWorkerLink) setErr(err error) {
	if errors.Is(err, io.EOF) {
		return
	}
	l.errMu.Lock()
	l.err = errors.Wrap(err, "read snapshot")
	l.errMu.Unlock()
}

// Err returns the error that ended the read side, or nil after a clean EOF.
func (l *StreamWorkerLink) Err() error {
	l.errMu.Lock()
	defer l.errMu.Unlock()
	return l.err
}

// Emit writes one event frame.
func (l *StreamWorkerLink) Emit(ev cluster.MutationEvent) error {
	return l.writer.write(ev)
}

// Snapshots implements WorkerLink.
func (l *StreamWorkerLink) Snapshots() <-chan cluster.Snapshot {
	return l.snapshots
}

// Close closes both streams.
func (l *StreamWorkerLink) Close() error {
	var err error
	l.closeOnce.Do(func() {
		err = closeBoth(l.in, l.out)
	})
	return err
}

// StreamCoordinatorLink is a CoordinatorLink over a byte stream pair.
type StreamCoordinatorLink struct {
	in        io.ReadCloser
	out       io.WriteCloser
	writer    *frameWriter
	events    chan cluster.MutationEvent
	errMu     sync.Mutex
	err       error
	closeOnce sync.Once
}

// NewStreamCoordinatorLink reads events from in and writes snapshots to out.
func NewStreamCoordinatorLink(in io.ReadCloser, out io.WriteCloser, opts ...StreamOption) *StreamCoordinatorLink {
	o := applyStreamOptions(opts)
	l := &StreamCoordinatorLink{
		in:     in,
		out:    out,
		writer: newFrameWriter(out, o.writeTimeout),
		events: make(chan cluster.MutationEvent, defaultEventBuffer),
	}
	go l.readLoop()
	return l
}

func (l *StreamCoordinatorLink) readLoop() {
	defer close(l.events)

	dec := json.NewDecoder(l.in)
	for {
		var ev cluster.MutationEvent
		if err := dec.Decode(&ev); err != nil {
			if !errors.Is(err, io.EOF) {
				l.errMu.Lock()
				l.err = errors.Wrap(err, "read event")
				l.errMu.Unlock()
			}
			return
		}
		l.events <- ev
	}
}

// Err returns the error that ended the read side, or nil after a clean EOF.
func (l *StreamCoordinatorLink) Err() error {
	l.errMu.Lock()
	defer l.errMu.Unlock()
	return l.err
}

// Events implements CoordinatorLink.
func (l *StreamCoordinatorLink) Events() <-chan cluster.MutationEvent {
	return l.events
}

// Push writes one snapshot frame.
func (l *StreamCoordinatorLink) Push(snap cluster.Snapshot) error {
	if snap == nil {
		snap = cluster.Snapshot{}
	}
	return l.writer.write(snap)
}

// Close closes both streams.
func (l *StreamCoordinatorLink) Close() error {
	var err error
	l.closeOnce.Do(func() {
		err = closeBoth(l.in, l.out)
	})
	return err
}

func closeBoth(in io.Closer, out io.Closer) error {
	errOut := out.Close()
	errIn := in.Close()
	if errOut != nil {
		return errors.Wrap(errOut, "close writer")
	}
	if errIn != nil {
		return errors.Wrap(errIn, "close reader")
	}
	return nil
}
