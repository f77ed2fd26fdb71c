package api

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/redis/go-redis/v9"

	"github.com/example/payroll-infra/internal/batch"
	"github.com/example/payroll-infra/internal/settlement"
	"github.com/example/payroll-infra/internal/store"
	"github.com/example/payroll-infra/pkg/audit"
)

// BatchExecutor runs approved batch execution.
type BatchExecutor interface {
	Execute(ctx context.Context, batchID string, appr batch.Approval) (*batch.ExecutionResult, error)
}

// Provisioner creates settlement accounts for payees.
type Provisioner interface {
	Provision(ctx context.Context, payeeID string, metadata map[string]string) (*store.Account, error)
}

// Dependencies wires the HTTP boundary to the engine.
type Dependencies struct {
	Logger      *slog.Logger
	Store       store.Store
	Backend     settlement.Backend
	Executor    BatchExecutor
	Provisioner Provisioner
	Anchors     *audit.AnchorChain

	// Redis enables Idempotency-Key handling when set.
	Redis *redis.Client

	// FeeBps is the default protocol fee applied when a request does not
	// specify one.
	FeeBps int64
}

// NewRouter builds the HTTP handler for the payroll engine.
func NewRouter(deps Dependencies) http.Handler {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(RequestLogger(deps.Logger))

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	r.Route("/v1", func(r chi.Router) {
		if deps.Redis != nil {
			r.Use(Idempotency(deps.Redis))
		}

		r.Route("/batches", func(r chi.Router) {
			r.Post("/", handleCreateBatch(deps))
			r.Get("/{id}", handleGetBatch(deps))
			r.Post("/{id}/execute", handleExecuteBatch(deps))
		})

		r.Post("/payees/{id}/provision", handleProvision(deps))
		r.Get("/accounts/{id}/balance", handleBalance(deps))

		if deps.Anchors != nil {
			r.Get("/anchors", handleAnchors(deps))
		}
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "not_found", "")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "")
	})

	return r
}
