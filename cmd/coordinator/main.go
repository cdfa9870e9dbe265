// Package main implements the coordinator binary, the primary entry point of
// userfleet.
//
// In fleet mode the coordinator starts one worker per configured slot, puts a
// round-robin dispatcher in front of them on the base port, and keeps every
// worker's collection in step by folding their mutation events into one
// aggregate state and pushing it back as a full snapshot.
//
// Modes:
//
//   - single: one worker service on the base port, no replication.
//   - fleet: workers are child processes running the node binary.
//   - fleet-inproc: workers run inside the coordinator process.
//
// Worker i listens on worker-base-port+i (worker-base-port defaults to the
// base port). Configuration comes from an optional TOML file (--config),
// USERFLEET_* environment variables, and flags, in increasing order of
// precedence.
//
// Example usage:
//
//	# Four worker processes behind port 4000, operator endpoints on 9100
//	coordinator --port 4000 --workers 4 --admin-port 9100
//
//	curl localhost:4000/api/users
//	curl localhost:9100/fleet
package main

import (
	"context"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/dreamware/userfleet/internal/config"
	"github.com/dreamware/userfleet/internal/coordinator"
	"github.com/dreamware/userfleet/internal/logutil"
	"github.com/dreamware/userfleet/internal/metrics"
	"github.com/dreamware/userfleet/internal/storage"
	"github.com/dreamware/userfleet/internal/worker"
)

// logFatal is a variable to allow mocking log.Fatal in tests.
var logFatal = log.Fatalf

func main() {
	if err := newRootCommand().Execute(); err != nil {
		logFatal("coordinator: %v", err)
	}
}

func newRootCommand() *cobra.Command {
	var configFile string

	cmd := &cobra.Command{
		Use:           "coordinator",
		Short:         "Serve the user collection from a fleet of replicated workers",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd, configFile)
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
			return run(ctx, cfg, logger)
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&configFile, "config", "", "path of a TOML configuration file")
	flags.String("mode", "", "single, fleet or fleet-inproc")
	flags.String("host", "", "interface to listen on")
	flags.Int("port", 0, "dispatcher port, or the worker port in single mode")
	flags.Int("worker-base-port", 0, "worker i listens on this port plus i (default --port)")
	flags.Int("workers", 0, "fleet size (default one per logical CPU)")
	flags.Int("admin-port", 0, "port for /health, /fleet and /metrics (0 disables)")
	flags.String("log-level", "", "debug, info, warn or error")
	flags.String("seed-file", "", "JSON array of records installed at startup")
	flags.String("worker-binary", "", "path of the node binary (default: node next to this executable)")
	flags.Int64("max-body-bytes", 0, "largest accepted request body")
	flags.Duration("health-interval", 0, "worker probe interval (0 disables)")
	flags.Duration("shutdown-timeout", 0, "grace period for servers and workers on shutdown")
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
	strs := map[string]*string{
		"mode":          &cfg.Mode,
		"host":          &cfg.Host,
		"log-level":     &cfg.LogLevel,
		"seed-file":     &cfg.SeedFile,
		"worker-binary": &cfg.WorkerBinary,
	}
	for name, dst := range strs {
		if flags.Changed(name) {
			*dst, _ = flags.GetString(name)
		}
	}
	ints := map[string]*int{
		"port":             &cfg.Port,
		"worker-base-port": &cfg.WorkerBasePort,
		"workers":          &cfg.Workers,
		"admin-port":       &cfg.AdminPort,
	}
	for name, dst := range ints {
		if flags.Changed(name) {
			*dst, _ = flags.GetInt(name)
		}
	}
	if flags.Changed("max-body-bytes") {
		cfg.MaxBodyBytes, _ = flags.GetInt64("max-body-bytes")
	}
	if flags.Changed("health-interval") {
		cfg.HealthInterval.Duration, _ = flags.GetDuration("health-interval")
	}
	if flags.Changed("shutdown-timeout") {
		cfg.ShutdownTimeout.Duration, _ = flags.GetDuration("shutdown-timeout")
	}

	if cfg.WorkerBinary == "" {
		cfg.WorkerBinary = defaultWorkerBinary()
	}
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid configuration")
	}
	return cfg, nil
}

// defaultWorkerBinary returns the node executable installed next to the
// running coordinator.
func defaultWorkerBinary() string {
	exe, err := os.Executable()
	if err != nil {
		return "node"
	}
	return filepath.Join(filepath.Dir(exe), "node")
}

// run serves in the configured mode until ctx is done.
func run(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	if cfg.Mode == config.ModeSingle {
		return runSingle(ctx, cfg, logger)
	}
	return runFleet(ctx, cfg, logger)
}

func runSingle(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	seed, err := cfg.LoadSeed()
	if err != nil {
		return err
	}
	svc := worker.New(storage.NewRecordStore(storage.WithRecords(seed)),
		worker.WithLogger(logger),
		worker.WithMaxBodyBytes(cfg.MaxBodyBytes))

	srv, err := listen("worker", net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port)), svc.Handler(), logger)
	if err != nil {
		return err
	}

	err = srv.wait(ctx)
	srv.shutdown(cfg.ShutdownTimeout.Duration)
	logger.Info("coordinator stopped", zap.String("mode", cfg.Mode))
	return err
}

func runFleet(ctx context.Context, cfg *config.Config, logger *zap.Logger) (err error) {
	seed, err := cfg.LoadSeed()
	if err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(reg)

	fleet := coordinator.NewFleet(newSpawner(cfg, seed, logger),
		coordinator.WithFleetLogger(logger),
		coordinator.WithFleetMetrics(m),
		coordinator.WithSeed(seed))

	n := cfg.WorkerCount()
	logger.Info("starting fleet",
		zap.String("mode", cfg.Mode),
		zap.Int("workers", n),
		zap.Int("base_port", cfg.BasePort()),
		zap.Int("records", len(seed)))
	if err := fleet.Start(ctx, n); err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout.Duration)
		defer cancel()
		if closeErr := fleet.Close(closeCtx); closeErr != nil && err == nil {
			err = closeErr
		}
		logger.Info("coordinator stopped", zap.String("mode", cfg.Mode))
	}()

	dispatcher, err := coordinator.NewDispatcher(fleet.Targets(),
		coordinator.WithDispatcherLogger(logger),
		coordinator.WithDispatcherMetrics(m))
	if err != nil {
		return err
	}

	var monitor *coordinator.HealthMonitor
	if cfg.HealthInterval.Duration > 0 {
		monitor = coordinator.NewHealthMonitor(cfg.HealthInterval.Duration, logger, m)
		go monitor.Start(ctx, fleet.Workers)
		defer monitor.Stop()
	}

	servers := make([]*server, 0, 2)
	defer func() {
		for _, srv := range servers {
			srv.shutdown(cfg.ShutdownTimeout.Duration)
		}
	}()

	if cfg.AdminPort != 0 {
		admin, err := listen("admin", net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.AdminPort)),
			coordinator.AdminHandler(fleet, monitor, reg), logger)
		if err != nil {
			return err
		}
		servers = append(servers, admin)
	}

	front, err := listen("dispatcher", net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port)), dispatcher, logger)
	if err != nil {
		return err
	}
	servers = append(servers, front)

	return waitAny(ctx, servers)
}

func newSpawner(cfg *config.Config, seed []storage.User, logger *zap.Logger) coordinator.Spawner {
	if cfg.Mode == config.ModeFleetInproc {
		return &coordinator.LocalSpawner{
			Host:         cfg.Host,
			BasePort:     cfg.BasePort(),
			Seed:         seed,
			MaxBodyBytes: cfg.MaxBodyBytes,
			Log:          logger,
		}
	}
	return &coordinator.ProcessSpawner{
		Binary:       cfg.WorkerBinary,
		Host:         cfg.Host,
		BasePort:     cfg.BasePort(),
		LogLevel:     cfg.LogLevel,
		SeedFile:     cfg.SeedFile,
		MaxBodyBytes: cfg.MaxBodyBytes,
		StopTimeout:  cfg.ShutdownTimeout.Duration,
		Log:          logger,
	}
}

// server is an HTTP server whose listener is already bound.
type server struct {
	name string
	srv  *http.Server
	errc chan error
	log  *zap.Logger
}

// listen binds addr synchronously, so a taken port fails here rather than in
// the background, and then serves h.
func listen(name, addr string, h http.Handler, logger *zap.Logger) (*server, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, errors.Wrapf(err, "%s: listen on %s", name, addr)
	}
	s := &server{
		name: name,
		srv: &http.Server{
			Handler:           h,
			ReadHeaderTimeout: 5 * time.Second,
		},
		errc: make(chan error, 1),
		log:  logger,
	}
	go func() {
		logger.Info(name+" listening", zap.String("addr", ln.Addr().String()))
		if err := s.srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.errc <- errors.Wrapf(err, "%s: serve", name)
		}
	}()
	return s, nil
}

func (s *server) wait(ctx context.Context) error {
	return waitAny(ctx, []*server{s})
}

func (s *server) shutdown(timeout time.Duration) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := s.srv.Shutdown(ctx); err != nil {
		s.log.Warn("shutdown", zap.String("server", s.name), zap.Error(err))
	}
}

// waitAny blocks until ctx is done or one of the servers fails.
func waitAny(ctx context.Context, servers []*server) error {
	failed := make(chan error, len(servers))
	stop := make(chan struct{})
	defer close(stop)
	for _, s := range servers {
		go func(s *server) {
			select {
			case err := <-s.errc:
				failed <- err
			case <-stop:
			}
		}(s)
	}

	select {
	case <-ctx.Done():
		return nil
	case err := <-failed:
		return err
	}
}
