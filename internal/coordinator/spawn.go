package coordinator

import (
	"context"
	"io"
	"net"
	"net/http"
	"os"
	"os/exec"
	"strconv"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/dreamware/userfleet/internal/cluster"
	"github.com/dreamware/userfleet/internal/replication"
	"github.com/dreamware/userfleet/internal/storage"
	"github.com/dreamware/userfleet/internal/worker"
)

const (
	defaultReadyTimeout = 10 * time.Second
	readyPollInterval   = 50 * time.Millisecond
)

// ProcessSpawner starts each worker as a child process running the node
// binary. The child receives its replication channel as two inherited pipe
// descriptors: fd 3 carries events to the coordinator and fd 4 carries
// snapshots to the worker.
type ProcessSpawner struct {
	// Binary is the path of the node executable.
	Binary string
	Host   string
	// BasePort is the base of the worker port range.
	BasePort     int
	LogLevel     string
	SeedFile     string
	MaxBodyBytes int64

	// StopTimeout is how long a worker may take to exit after its
	// replication channel is closed before it is killed.
	StopTimeout time.Duration
	// ReadyTimeout bounds the wait for a new worker to answer HTTP.
	ReadyTimeout time.Duration

	// Stdout and Stderr receive the children's output. Nil means the
	// coordinator's own stderr.
	Stdout io.Writer
	Stderr io.Writer

	Log *zap.Logger
}

// Spawn implements Spawner.
func (p *ProcessSpawner) Spawn(ctx context.Context, index int) (*Worker, error) {
	port := cluster.WorkerPort(p.BasePort, index)
	addr := cluster.WorkerAddr(p.Host, port)

	// events: child writes, parent reads. snaps: parent writes, child reads.
	eventsR, eventsW, err := os.Pipe()
	if err != nil {
		return nil, errors.Wrap(err, "create event pipe")
	}
	snapsR, snapsW, err := os.Pipe()
	if err != nil {
		eventsR.Close()
		eventsW.Close()
		return nil, errors.Wrap(err, "create snapshot pipe")
	}

	args := []string{
		"--index", strconv.Itoa(index),
		"--host", p.Host,
		"--port", strconv.Itoa(port),
		"--replicate",
	}
	if p.LogLevel != "" {
		args = append(args, "--log-level", p.LogLevel)
	}
	if p.SeedFile != "" {
		args = append(args, "--seed-file", p.SeedFile)
	}
	if p.MaxBodyBytes > 0 {
		args = append(args, "--max-body-bytes", strconv.FormatInt(p.MaxBodyBytes, 10))
	}

	cmd := exec.Command(p.Binary, args...)
	cmd.Stdout = orStderr(p.Stdout)
	cmd.Stderr = orStderr(p.Stderr)
	cmd.ExtraFiles = []*os.File{eventsW, snapsR}

	if err := cmd.Start(); err != nil {
		closeAll(eventsR, eventsW, snapsR, snapsW)
		return nil, errors.Wrapf(err, "start %s", p.Binary)
	}
	// The child holds its own copies now.
	closeAll(eventsW, snapsR)

	link := replication.NewStreamCoordinatorLink(eventsR, snapsW,
		replication.WithWriteTimeout(p.stopTimeout()))

	exited := make(chan error, 1)
	go func() {
		exited <- cmd.Wait()
		close(exited)
	}()

	w := &Worker{
		Index: index,
		Addr:  addr,
		PID:   cmd.Process.Pid,
		Link:  link,
		stop: func(ctx context.Context) error {
			_ = link.Close()
			return p.reap(ctx, cmd, exited)
		},
	}

	if err := p.waitReady(ctx, addr, exited); err != nil {
		_ = w.stop(ctx)
		return nil, errors.Wrapf(err, "worker %d on %s", index, addr)
	}
	return w, nil
}

// reap waits for the child to exit on its own and kills it once the stop
// timeout or ctx runs out.
func (p *ProcessSpawner) reap(ctx context.Context, cmd *exec.Cmd, exited <-chan error) error {
	timer := time.NewTimer(p.stopTimeout())
	defer timer.Stop()

	select {
	case err, ok := <-exited:
		if !ok {
			return nil
		}
		return err
	case <-timer.C:
	case <-ctx.Done():
	}

	p.logger().Warn("killing worker", zap.Int("pid", cmd.Process.Pid))
	if err := cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return errors.Wrap(err, "kill worker")
	}
	<-exited
	return nil
}

// waitReady polls the worker's collection until it answers 200, the child
// exits, or the ready timeout passes.
func (p *ProcessSpawner) waitReady(ctx context.Context, addr string, exited <-chan error) error {
	timeout := p.ReadyTimeout
	if timeout <= 0 {
		timeout = defaultReadyTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(readyPollInterval)
	defer ticker.Stop()

	var lastErr error
	for {
		var records []storage.User
		if lastErr = cluster.GetJSON(ctx, addr+worker.CollectionPath, &records); lastErr == nil {
			return nil
		}
		select {
		case err := <-exited:
			return errors.Errorf("exited before becoming ready: %v", err)
		case <-ctx.Done():
			return errors.Wrapf(lastErr, "not ready after %s", timeout)
		case <-ticker.C:
		}
	}
}

func (p *ProcessSpawner) stopTimeout() time.Duration {
	if p.StopTimeout <= 0 {
		return 5 * time.Second
	}
	return p.StopTimeout
}

func (p *ProcessSpawner) logger() *zap.Logger {
	if p.Log == nil {
		return zap.NewNop()
	}
	return p.Log
}

func orStderr(w io.Writer) io.Writer {
	if w == nil {
		return os.Stderr
	}
	return w
}

func closeAll(files ...*os.File) {
	for _, f := range files {
		_ = f.Close()
	}
}

// LocalSpawner runs each worker as a Worker Service inside the current
// process, connected to the coordinator by an in-process pipe. It listens on
// real TCP ports, so the dispatcher cannot tell the difference.
type LocalSpawner struct {
	Host string
	// BasePort is the base of the worker port range. Zero picks a free
	// ephemeral port for every worker.
	BasePort     int
	Seed         []storage.User
	MaxBodyBytes int64
	Log          *zap.Logger
}

// Spawn implements Spawner.
func (l *LocalSpawner) Spawn(_ context.Context, index int) (*Worker, error) {
	port := 0
	if l.BasePort != 0 {
		port = cluster.WorkerPort(l.BasePort, index)
	}
	ln, err := net.Listen("tcp", net.JoinHostPort(l.Host, strconv.Itoa(port)))
	if err != nil {
		return nil, errors.Wrapf(err, "listen for worker %d", index)
	}
	port = ln.Addr().(*net.TCPAddr).Port

	log := zap.NewNop()
	if l.Log != nil {
		log = l.Log
	}

	workerEnd, coordEnd := replication.NewPipe()
	svc := worker.New(storage.NewRecordStore(storage.WithRecords(l.Seed)),
		worker.WithEmitter(index, workerEnd),
		worker.WithLogger(log),
		worker.WithMaxBodyBytes(l.MaxBodyBytes))

	srv := &http.Server{
		Handler:           svc.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			log.Error("worker server failed", zap.Int("worker", index), zap.Error(err))
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	following := make(chan struct{})
	go func() {
		defer close(following)
		svc.FollowSnapshots(ctx, workerEnd.Snapshots())
	}()

	return &Worker{
		Index: index,
		Addr:  cluster.WorkerAddr(l.Host, port),
		Link:  coordEnd,
		stop: func(stopCtx context.Context) error {
			cancel()
			_ = workerEnd.Close()
			<-following
			return srv.Shutdown(stopCtx)
		},
	}, nil
}
