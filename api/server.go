/*
server.go - Operations HTTP router

PURPOSE:
  Exposes the endpoints an operator or orchestrator needs to run the
  billing engine: liveness, Prometheus metrics and manual task triggers.
  Tenant-facing CRUD is out of scope; the ledger is driven by the CLI and
  the scheduler.

ROUTER: chi

MIDDLEWARE STACK:
  1. RequestID:  Unique ID per request, echoed in logs
  2. Logger:     zap request logging (observability.ZapLoggerMiddleware)
  3. Recoverer:  Panic recovery (500 instead of crash)

ROUTES:
  GET  /healthz                 Store ping
  GET  /metrics                 Prometheus exposition
  GET  /ops/tasks               Registered task names
  POST /ops/tasks/{name}        Enqueue a task with a JSON string map payload
  POST /ops/billing/{tenantID}  Enqueue the monthly fan-out (?period=YYYY-MM)
  GET  /ops/credit/{unitID}     Replay a unit's credit ledger

SECURITY NOTE:
  No authentication. Bind Ops.Addr to a private interface.

SEE ALSO:
  - scheduler.go: Automatic monthly enqueue
  - cmd/server/main.go: Server startup
*/
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/warp/dues-engine/ledger"
	"github.com/warp/dues-engine/observability"
	"github.com/warp/dues-engine/tasks"
	"go.uber.org/zap"
)

// Pinger reports whether the backing store is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// CreditVerifier audits a unit's credit ledger.
type CreditVerifier interface {
	Verify(ctx context.Context, unitID string) (ledger.CreditAudit, error)
}

// Handler holds the ops endpoint dependencies.
type Handler struct {
	Store      Pinger
	Registry   *tasks.Registry
	Dispatcher tasks.Dispatcher
	Credit     CreditVerifier
	Gatherer   prometheus.Gatherer
	Logger     *zap.Logger
	// Now defaults the billing period when none is given.
	Now func() ledger.Period
}

// ErrorResponse is the standard error response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

// NewRouter creates the ops router.
func NewRouter(h *Handler) *chi.Mux {
	if h.Logger == nil {
		h.Logger = zap.NewNop()
	}
	if h.Gatherer == nil {
		h.Gatherer = prometheus.NewRegistry()
	}

	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(observability.ZapLoggerMiddleware(h.Logger))
	r.Use(middleware.Recoverer)

	r.Get("/healthz", h.Health)
	r.Handle("/metrics", promhttp.HandlerFor(h.Gatherer, promhttp.HandlerOpts{}))

	r.Route("/ops", func(r chi.Router) {
		r.Get("/tasks", h.ListTasks)
		r.Post("/tasks/{name}", h.EnqueueTask)
		r.Post("/billing/{tenantID}", h.EnqueueBilling)
		r.Get("/credit/{unitID}", h.VerifyCredit)
	})

	return r
}

// Health pings the store.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	if h.Store != nil {
		if err := h.Store.Ping(r.Context()); err != nil {
			writeError(w, http.StatusServiceUnavailable, "store unavailable", err)
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// ListTasks returns the registered task names.
func (h *Handler) ListTasks(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string][]string{"tasks": h.Registry.Names()})
}

// EnqueueTask enqueues any registered task. The body is an optional JSON
// object of string values.
func (h *Handler) EnqueueTask(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	payload := tasks.Payload{}
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			writeError(w, http.StatusBadRequest, "invalid payload", err)
			return
		}
	}
	h.enqueue(w, r, name, payload)
}

// EnqueueBilling enqueues the monthly fan-out for one tenant.
func (h *Handler) EnqueueBilling(w http.ResponseWriter, r *http.Request) {
	tenantID := chi.URLParam(r, "tenantID")

	var period ledger.Period
	if raw := r.URL.Query().Get("period"); raw != "" {
		p, err := ledger.ParsePeriod(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid period", err)
			return
		}
		period = p
	} else if h.Now != nil {
		period = h.Now()
	} else {
		writeError(w, http.StatusBadRequest, "period is required", nil)
		return
	}

	h.enqueue(w, r, tasks.TaskGenerateMonthlyDues, tasks.MonthlyDuesPayload(tenantID, period))
}

func (h *Handler) enqueue(w http.ResponseWriter, r *http.Request, name string, payload tasks.Payload) {
	if err := h.Dispatcher.Enqueue(r.Context(), name, payload); err != nil {
		switch {
		case errors.Is(err, tasks.ErrUnknownTask):
			writeError(w, http.StatusNotFound, "unknown task", err)
		case errors.Is(err, tasks.ErrBadPayload):
			writeError(w, http.StatusBadRequest, "invalid payload", err)
		default:
			h.Logger.Error("enqueue failed", zap.String("task", name), zap.Error(err))
			writeError(w, http.StatusInternalServerError, "enqueue failed", err)
		}
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"task": name, "payload": payload})
}

// VerifyCredit replays a unit's credit entries against its stored balance.
func (h *Handler) VerifyCredit(w http.ResponseWriter, r *http.Request) {
	audit, err := h.Credit.Verify(r.Context(), chi.URLParam(r, "unitID"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "verify failed", err)
		return
	}
	status := http.StatusOK
	if !audit.Consistent() {
		status = http.StatusConflict
	}
	writeJSON(w, status, audit)
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}
