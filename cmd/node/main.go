// Package main implements the node binary: one worker service holding a full
// copy of the user collection in memory and serving it over HTTP.
//
// A node runs in one of two ways:
//
//   - Standalone: it serves /api/users on its own and replicates nothing.
//   - As a fleet child (--replicate): the coordinator starts it with two
//     extra pipe descriptors. The node writes a mutation event to fd 3 after
//     every successful write and installs every snapshot it reads from fd 4.
//     When fd 4 reaches end of stream the coordinator is gone and the node
//     shuts down.
//
// Configuration comes from an optional TOML file (--config), USERFLEET_*
// environment variables, and flags, in increasing order of precedence.
//
// Example usage:
//
//	# Standalone on port 8081 with a seed collection
//	node --port 8081 --seed-file users.json
//
//	curl -X POST localhost:8081/api/users \
//	  -d '{"username":"alice","age":30,"hobbies":["chess"]}'
package main

import (
	"context"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/dreamware/userfleet/internal/config"
	"github.com/dreamware/userfleet/internal/logutil"
	"github.com/dreamware/userfleet/internal/replication"
	"github.com/dreamware/userfleet/internal/storage"
	"github.com/dreamware/userfleet/internal/worker"
)

// logFatal is a variable to allow mocking log.Fatal in tests.
var logFatal = log.Fatalf

// Replication descriptors inherited from the coordinator.
const (
	eventsFD    = 3
	snapshotsFD = 4
)

// openReplication builds the worker end of the replication channel. Tests
// replace it to run without inherited descriptors.
var openReplication = func() (replication.WorkerLink, error) {
	events := os.NewFile(eventsFD, "events")
	snapshots := os.NewFile(snapshotsFD, "snapshots")
	for _, f := range []*os.File{events, snapshots} {
		if _, err := f.Stat(); err != nil {
			return nil, errors.Wrap(err, "replication descriptors 3 and 4 must be open")
		}
	}
	return replication.NewStreamWorkerLink(snapshots, events,
		replication.WithWriteTimeout(5*time.Second)), nil
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		logFatal("node: %v", err)
	}
}

type nodeOptions struct {
	configFile string
	index      int
	replicate  bool
}

func newRootCommand() *cobra.Command {
	var opts nodeOptions

	cmd := &cobra.Command{
		Use:           "node",
		Short:         "Serve one in-memory user collection over HTTP",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd, opts.configFile)
			if err != nil {
				return err
			}
			logger, err := logutil.New(cfg.LogLevel)
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return run(ctx, cfg, opts, logger)
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&opts.configFile, "config", "", "path of a TOML configuration file")
	flags.IntVar(&opts.index, "index", 0, "1-based position of this worker in its fleet")
	flags.BoolVar(&opts.replicate, "replicate", false, "replicate over inherited descriptors 3 (events) and 4 (snapshots)")
	flags.String("host", "", "interface to listen on")
	flags.Int("port", 0, "port to listen on")
	flags.String("log-level", "", "debug, info, warn or error")
	flags.String("seed-file", "", "JSON array of records installed at startup")
	flags.Int64("max-body-bytes", 0, "largest accepted request body")
	return cmd
}

// loadConfig layers the flags the user actually set over the file and
// environment configuration.
func loadConfig(cmd *cobra.Command, path string) (*config.Config, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}

	flags := cmd.Flags()
	if flags.Changed("host") {
		cfg.Host, _ = flags.GetString("host")
	}
	if flags.Changed("port") {
		cfg.Port, _ = flags.GetInt("port")
	}
	if flags.Changed("log-level") {
		cfg.LogLevel, _ = flags.GetString("log-level")
	}
	if flags.Changed("seed-file") {
		cfg.SeedFile, _ = flags.GetString("seed-file")
	}
	if flags.Changed("max-body-bytes") {
		cfg.MaxBodyBytes, _ = flags.GetInt64("max-body-bytes")
	}

	// Fleet settings do not apply to a single node.
	cfg.Mode = config.ModeSingle
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid configuration")
	}
	return cfg, nil
}

// run serves the worker until ctx is done or, for a fleet child, the
// snapshot stream ends.
func run(ctx context.Context, cfg *config.Config, opts nodeOptions, logger *zap.Logger) error {
	seed, err := cfg.LoadSeed()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	svcOpts := []worker.Option{
		worker.WithLogger(logger),
		worker.WithMaxBodyBytes(cfg.MaxBodyBytes),
	}
	var link replication.WorkerLink
	if opts.replicate {
		if opts.index < 1 {
			return errors.Errorf("--replicate needs a positive --index, got %d", opts.index)
		}
		if link, err = openReplication(); err != nil {
			return err
		}
		defer link.Close()
		svcOpts = append(svcOpts, worker.WithEmitter(opts.index, link))
	}
	svc := worker.New(storage.NewRecordStore(storage.WithRecords(seed)), svcOpts...)

	addr := net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return errors.Wrapf(err, "listen on %s", addr)
	}
	srv := &http.Server{
		Handler:           svc.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("node listening",
			zap.String("addr", ln.Addr().String()),
			zap.Int("index", opts.index),
			zap.Int("records", len(seed)),
			zap.Bool("replicate", opts.replicate))
		if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			serveErr <- err
		}
	}()

	if link != nil {
		go func() {
			svc.FollowSnapshots(ctx, link.Snapshots())
			// The coordinator is gone or the node is stopping.
			cancel()
		}()
	}

	select {
	case <-ctx.Done():
	case err := <-serveErr:
		return errors.Wrap(err, "serve")
	}

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), cfg.ShutdownTimeout.Duration)
	defer cancelShutdown()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("shutdown", zap.Error(err))
	}
	logger.Info("node stopped", zap.Int("index", opts.index))
	return nil
}
