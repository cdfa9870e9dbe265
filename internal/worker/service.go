// Package worker implements the HTTP CRUD service that runs in every worker
// process. Each Service owns one RecordStore, reports its successful writes
// upstream as mutation events, and replaces its store wholesale whenever the
// coordinator pushes a snapshot.
package worker

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/dreamware/userfleet/internal/cluster"
	"github.com/dreamware/userfleet/internal/storage"
)

// CollectionPath is the root of the user collection.
const CollectionPath = "/api/users"

const defaultMaxBodyBytes = 1 << 20

// Emitter receives the mutation events of a Service.
// replication.WorkerLink satisfies it.
type Emitter interface {
	Emit(ev cluster.MutationEvent) error
}

// Option configures a Service.
type Option func(*Service)

// WithEmitter makes the service report its writes to e, tagged with the
// worker's 1-based index.
func WithEmitter(index int, e Emitter) Option {
	return func(s *Service) {
		s.index = index
		s.emitter = e
	}
}

// WithLogger sets the logger. The default discards everything.
func WithLogger(l *zap.Logger) Option {
	return func(s *Service) {
		s.log = l
	}
}

// WithMaxBodyBytes limits the size of request bodies.
func WithMaxBodyBytes(n int64) Option {
	return func(s *Service) {
		if n > 0 {
			s.maxBody = n
		}
	}
}

// Service serves the user collection over HTTP.
type Service struct {
	store   *storage.RecordStore
	emitter Emitter
	log     *zap.Logger
	maxBody int64
	index   int
}

// New creates a service over store. Without WithEmitter it runs standalone
// and reports nothing.
func New(store *storage.RecordStore, opts ...Option) *Service {
	s := &Service{
		store:   store,
		log:     zap.NewNop(),
		maxBody: defaultMaxBodyBytes,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.log = s.log.With(zap.Int("worker", s.index))
	return s
}

// Index returns the worker index given by WithEmitter, or 0.
func (s *Service) Index() int {
	return s.index
}

// Store returns the service's record store.
func (s *Service) Store() *storage.RecordStore {
	return s.store
}

// Handler returns the HTTP surface of the service.
func (s *Service) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(s.recoverer)

	// Unknown paths and unsupported verbs on known paths are both 404.
	r.NotFound(s.unknownEndpoint)
	r.MethodNotAllowed(s.unknownEndpoint)

	r.Get(CollectionPath, s.serve(s.listUsers))
	r.Post(CollectionPath, s.serve(s.createUser))
	r.Get(CollectionPath+"/{id}", s.serve(s.getUser))
	r.Put(CollectionPath+"/{id}", s.serve(s.updateUser))
	r.Delete(CollectionPath+"/{id}", s.serve(s.deleteUser))

	return r
}

// FollowSnapshots installs every snapshot received on snaps until the
// channel is closed or ctx is done. It is the only way a worker learns about
// writes made on its siblings.
func (s *Service) FollowSnapshots(ctx context.Context, snaps <-chan cluster.Snapshot) {
	for {
		select {
		case <-ctx.Done():
			return
		case snap, ok := <-snaps:
			if !ok {
				s.log.Info("snapshot stream ended")
				return
			}
			s.store.ReplaceAll(snap)
			s.log.Debug("applied snapshot", zap.Int("records", len(snap)))
		}
	}
}

// result is what an endpoint produces on success. after runs once the
// response has been written.
type result struct {
	body   any
	after  func()
	status int
}

type endpoint func(r *http.Request) (result, error)

func (s *Service) serve(ep endpoint) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		res, err := ep(r)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		if err := writeResult(w, res); err != nil {
			s.writeError(w, r, err)
			return
		}
		if res.after != nil {
			res.after()
		}
	}
}

func writeResult(w http.ResponseWriter, res result) error {
	if res.body == nil {
		w.WriteHeader(res.status)
		return nil
	}

	// Encode fully before writing so a failure never leaves a partial body.
	data, err := json.Marshal(res.body)
	if err != nil {
		return errors.Wrap(err, "encode response")
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(res.status)
	_, _ = w.Write(data)
	return nil
}

func (s *Service) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var apiErr *apiError
	if !errors.As(err, &apiErr) {
		s.log.Error("request failed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Error(err))
		apiErr = internalFault()
	}
	http.Error(w, apiErr.msg, apiErr.status)
}

func (s *Service) unknownEndpoint(w http.ResponseWriter, r *http.Request) {
	s.writeError(w, r, notFound("endpoint %s %s does not exist", r.Method, r.URL.Path))
}

// recoverer turns a panic in a handler into a generic 500.
func (s *Service) recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			rec := recover()
			if rec == nil {
				return
			}
			if rec == http.ErrAbortHandler {
				panic(rec)
			}
			s.log.Error("panic while handling request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Any("panic", rec),
				zap.Stack("stack"))
			http.Error(w, genericMessage, http.StatusInternalServerError)
		}()
		next.ServeHTTP(w, r)
	})
}

func (s *Service) emit(op cluster.Operation, u storage.User) {
	if s.emitter == nil {
		return
	}
	ev := cluster.MutationEvent{WorkerIndex: s.index, Operation: op, Record: u}
	if err := s.emitter.Emit(ev); err != nil {
		s.log.Warn("mutation event not delivered",
			zap.String("operation", string(op)),
			zap.String("id", u.ID),
			zap.Error(err))
	}
}
