package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/wakala/agentsettle/internal/logger"
)

// NewRouter creates the Chi router with all API routes mounted. A nil
// gatherer leaves /metrics unmounted.
func NewRouter(svc Services, log *logger.Logger, gatherer prometheus.Gatherer) http.Handler {
	if log == nil {
		log = logger.Nop()
	}
	h := &Handlers{svc: svc, log: log}

	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(requestLogging(log))
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeSuccess(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	if gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	}

	r.Route("/api/v1", func(r chi.Router) {
		// Ingestion.
		r.Post("/transactions/merchant", h.IngestMerchant)
		r.Post("/transactions/agent", h.IngestAgent)
		r.Get("/transactions/{code}/paid", h.GetTransactionPaid)

		// Matching sessions.
		r.Post("/sessions", h.RunMatching)
		r.Get("/sessions", h.ListSessions)
		r.Get("/sessions/{id}", h.GetSession)
		r.Get("/sessions/{id}/summary", h.GetSessionSummary)
		r.Delete("/sessions/{id}", h.DeleteSession)

		// Records and payments.
		r.Get("/records", h.ListRecords)
		r.Get("/records/unpaid", h.ListUnpaidMatched)
		r.Post("/records/{id}/payment", h.CreatePayment)
		r.Get("/payments", h.ListPayments)
		r.Get("/payments/{id}", h.GetPayment)

		// Batches.
		r.Post("/batches", h.CreateBatch)
		r.Get("/batches", h.ListBatches)
		r.Get("/batches/{id}", h.GetBatch)
		r.Post("/batches/{id}/payments", h.AttachPayments)
		r.Post("/batches/{id}/settle", h.SettleBatch)
		r.Post("/batches/{id}/revert", h.RevertBatch)
		r.Delete("/batches/{id}", h.DeleteBatch)

		// Reports.
		r.Get("/reports/debt/agents", h.DebtByAgent)
		r.Get("/reports/debt/accounts", h.DebtByAccount)

		// Directory.
		r.Get("/agents", h.ListAgents)
		r.Get("/agents/{id}", h.GetAgent)
		r.Put("/agents/{id}", h.PutAgent)
		r.Put("/agents/{id}/rates", h.PutAgentRate)
		r.Get("/agents/{id}/totals", h.GetAgentTotals)
		r.Get("/merchants", h.ListMerchants)
		r.Put("/merchants/{code}", h.PutMerchant)
		r.Post("/cache/invalidate", h.InvalidateCache)
	})

	return r
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

func requestLogging(log *logger.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := log.WithFields(r.Context(), map[string]any{
				"method":     r.Method,
				"path":       r.URL.Path,
				"request_id": middleware.GetReqID(r.Context()),
			})
			rec := &statusRecorder{ResponseWriter: w}
			start := time.Now()

			next.ServeHTTP(rec, r.WithContext(ctx))

			if rec.status == 0 {
				rec.status = http.StatusOK
			}
			log.Info(log.WithFields(ctx, map[string]any{
				"status":      rec.status,
				"duration_ms": time.Since(start).Milliseconds(),
			}), "request.complete")
		})
	}
}
