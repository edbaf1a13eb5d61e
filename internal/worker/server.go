// Package worker implements the Worker Pool & Request Router (spec.md
// §4.I): the public HTTP surface that extracts an admission review,
// acquires a semaphore permit capping how many evaluations run at once,
// and offloads the CPU-bound work of running a Wasm guest to
// internal/evalenv, translating the result with internal/admission.
package worker

import (
	"context"
	"log/slog"
	"net/http"

	"golang.org/x/sync/semaphore"

	"github.com/kubewarden/policy-server/internal/callback"
	"github.com/kubewarden/policy-server/internal/evalenv"
	"github.com/kubewarden/policy-server/internal/inventory"
	"github.com/kubewarden/policy-server/internal/telemetry"
)

// Config configures the router's request-acceptance shortcuts.
type Config struct {
	// PoolSize caps how many evaluations may run concurrently, mirroring
	// the worker-pool size of the original design even though a single
	// Env safely serves concurrent Validate calls on its own.
	PoolSize int64

	// AlwaysAcceptNamespace, if set, short-circuits any admission review
	// whose request namespace matches it straight to an allowed verdict,
	// without ever touching the sandbox — used for the namespace the
	// policy server's own deployment lives in, so a misbehaving policy
	// can never lock out its own upgrade.
	AlwaysAcceptNamespace string
}

// Server wires the Evaluation Environment, the context-aware inventory
// cache, and the Host Capabilities Callback Bus's sender into the
// policy-server's public HTTP routes.
type Server struct {
	env       *evalenv.Env
	inventory *inventory.Cache
	sender    chan<- callback.Request
	sem       *semaphore.Weighted
	cfg       Config
	log       *slog.Logger
	recorder  *telemetry.Recorder
}

// New builds a Server. sender is the Host Capabilities Callback Bus's
// request channel, shared with every rehydrated guest instance.
func New(env *evalenv.Env, cache *inventory.Cache, sender chan<- callback.Request, cfg Config, log *slog.Logger) *Server {
	if cfg.PoolSize <= 0 {
		cfg.PoolSize = 1
	}
	return &Server{
		env:       env,
		inventory: cache,
		sender:    sender,
		sem:       semaphore.NewWeighted(cfg.PoolSize),
		cfg:       cfg,
		log:       log,
	}
}

// WithRecorder attaches a metrics recorder to record every dispatched
// evaluation. A nil Recorder (the zero value) makes recording a no-op.
func (s *Server) WithRecorder(r *telemetry.Recorder) *Server {
	s.recorder = r
	return s
}

// Handler returns the complete set of public routes (spec.md §4.I).
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /validate/{id}", s.handleValidate)
	mux.HandleFunc("POST /audit/{id}", s.handleAudit)
	mux.HandleFunc("POST /validate_raw/{id}", s.handleValidateRaw)
	mux.HandleFunc("GET /readiness", s.handleReadiness)
	return mux
}

func (s *Server) handleReadiness(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
}

// acquire blocks until a semaphore permit is free or ctx is done.
func (s *Server) acquire(ctx context.Context) (func(), error) {
	if err := s.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	return func() { s.sem.Release(1) }, nil
}
