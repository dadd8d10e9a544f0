package api

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/wakala/agentsettle/internal/debt"
	"github.com/wakala/agentsettle/internal/directory"
	"github.com/wakala/agentsettle/internal/domain"
	apperrors "github.com/wakala/agentsettle/internal/errors"
	"github.com/wakala/agentsettle/internal/ingestion"
	"github.com/wakala/agentsettle/internal/logger"
	"github.com/wakala/agentsettle/internal/reconciliation"
	"github.com/wakala/agentsettle/internal/repository"
	"github.com/wakala/agentsettle/internal/settlement"
)

// Services are the collaborators the HTTP layer adapts.
type Services struct {
	Ingestion *ingestion.Service
	Matching  *reconciliation.Service
	Ledger    *settlement.Service
	Debt      *debt.Aggregator
	Directory *directory.Service
}

// Handlers groups all HTTP handler methods and their dependencies.
type Handlers struct {
	svc Services
	log *logger.Logger
}

func (h *Handlers) fail(w http.ResponseWriter, r *http.Request, err error) {
	writeError(r.Context(), h.log, w, err)
}

// --- ingestion ---

func (h *Handlers) IngestMerchant(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Transactions []domain.MerchantTransaction `json:"transactions" validate:"required,min=1"`
	}
	if err := decodeJSONBody(r, &body); err != nil {
		h.fail(w, r, err)
		return
	}
	result, err := h.svc.Ingestion.IngestMerchantBatch(r.Context(), body.Transactions)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeSuccess(w, http.StatusOK, result)
}

func (h *Handlers) IngestAgent(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Transactions []domain.AgentTransaction `json:"transactions" validate:"required,min=1"`
	}
	if err := decodeJSONBody(r, &body); err != nil {
		h.fail(w, r, err)
		return
	}
	result, err := h.svc.Ingestion.IngestAgentBatch(r.Context(), body.Transactions)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeSuccess(w, http.StatusOK, result)
}

func (h *Handlers) GetTransactionPaid(w http.ResponseWriter, r *http.Request) {
	code := chi.URLParam(r, "code")
	paid, err := h.svc.Ledger.IsTransactionPaid(r.Context(), code)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeSuccess(w, http.StatusOK, map[string]any{"transactionCode": code, "paid": paid})
}

// --- sessions ---

// RunMatching matches the transactions in the body, or the stored
// transactions of uploadSessionId when the body carries none.
func (h *Handlers) RunMatching(w http.ResponseWriter, r *http.Request) {
	var in reconciliation.Input
	if err := decodeJSONBody(r, &in); err != nil {
		h.fail(w, r, err)
		return
	}

	var (
		sessionID string
		err       error
	)
	if len(in.Merchant) == 0 && len(in.Agent) == 0 {
		sessionID, err = h.svc.Matching.RunMatchingForUpload(r.Context(), in.UploadSessionID)
	} else {
		sessionID, err = h.svc.Matching.RunMatching(r.Context(), in)
	}
	if err != nil {
		h.fail(w, r, err)
		return
	}
	session, err := h.svc.Matching.GetSession(r.Context(), sessionID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeSuccess(w, http.StatusCreated, session)
}

func (h *Handlers) ListSessions(w http.ResponseWriter, r *http.Request) {
	sessions, err := h.svc.Matching.ListSessions(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeSuccess(w, http.StatusOK, sessions)
}

func (h *Handlers) GetSession(w http.ResponseWriter, r *http.Request) {
	session, err := h.svc.Matching.GetSession(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeSuccess(w, http.StatusOK, session)
}

func (h *Handlers) GetSessionSummary(w http.ResponseWriter, r *http.Request) {
	summary, err := h.svc.Matching.Summary(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeSuccess(w, http.StatusOK, summary)
}

func (h *Handlers) DeleteSession(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.Matching.DeleteSession(r.Context(), chi.URLParam(r, "id")); err != nil {
		h.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handlers) ListRecords(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := repository.RecordFilter{
		SessionID: q.Get("sessionId"),
		Status:    strings.ToUpper(q.Get("status")),
		AgentID:   q.Get("agentId"),
		Page:      parseIntDefault(q.Get("page"), 1),
		Limit:     parseIntDefault(q.Get("limit"), 50),
	}
	if filter.Status != "" && !domain.RecordStatus(filter.Status).IsValid() {
		h.fail(w, r, apperrors.Newf(apperrors.CodeValidation, "unknown record status %q", filter.Status))
		return
	}
	records, total, err := h.svc.Matching.ListRecords(r.Context(), filter)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeSuccess(w, http.StatusOK, map[string]any{
		"records": records,
		"total":   total,
		"page":    filter.Page,
		"limit":   filter.Limit,
	})
}

// --- settlement ---

func (h *Handlers) ListUnpaidMatched(w http.ResponseWriter, r *http.Request) {
	records, err := h.svc.Ledger.ListUnpaidMatched(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeSuccess(w, http.StatusOK, records)
}

func (h *Handlers) CreatePayment(w http.ResponseWriter, r *http.Request) {
	result, err := h.svc.Ledger.CreatePaymentForRecordID(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	status := http.StatusOK
	if result.Created {
		status = http.StatusCreated
	}
	writeSuccess(w, status, result)
}

func (h *Handlers) ListPayments(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := repository.PaymentFilter{
		AgentID: q.Get("agentId"),
		Status:  strings.ToUpper(q.Get("status")),
		BatchID: q.Get("batchId"),
		Page:    parseIntDefault(q.Get("page"), 1),
		Limit:   parseIntDefault(q.Get("limit"), 50),
	}
	payments, total, err := h.svc.Ledger.ListPayments(r.Context(), filter)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeSuccess(w, http.StatusOK, map[string]any{
		"payments": payments,
		"total":    total,
		"page":     filter.Page,
		"limit":    filter.Limit,
	})
}

func (h *Handlers) GetPayment(w http.ResponseWriter, r *http.Request) {
	p, err := h.svc.Ledger.GetPayment(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeSuccess(w, http.StatusOK, p)
}

type paymentIDsRequest struct {
	PaymentIDs []string `json:"paymentIds" validate:"required,min=1"`
}

func (h *Handlers) CreateBatch(w http.ResponseWriter, r *http.Request) {
	var body paymentIDsRequest
	if err := decodeJSONBody(r, &body); err != nil {
		h.fail(w, r, err)
		return
	}
	batch, err := h.svc.Ledger.CreateBatch(r.Context(), body.PaymentIDs)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeSuccess(w, http.StatusCreated, batch)
}

func (h *Handlers) ListBatches(w http.ResponseWriter, r *http.Request) {
	batches, err := h.svc.Ledger.ListBatches(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeSuccess(w, http.StatusOK, batches)
}

func (h *Handlers) GetBatch(w http.ResponseWriter, r *http.Request) {
	batch, err := h.svc.Ledger.GetBatch(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeSuccess(w, http.StatusOK, batch)
}

func (h *Handlers) AttachPayments(w http.ResponseWriter, r *http.Request) {
	var body paymentIDsRequest
	if err := decodeJSONBody(r, &body); err != nil {
		h.fail(w, r, err)
		return
	}
	batch, err := h.svc.Ledger.AttachPayments(r.Context(), chi.URLParam(r, "id"), body.PaymentIDs)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeSuccess(w, http.StatusOK, batch)
}

func (h *Handlers) SettleBatch(w http.ResponseWriter, r *http.Request) {
	var body struct {
		ApprovalCode string `json:"approvalCode"`
	}
	if r.ContentLength != 0 {
		if err := decodeJSONBody(r, &body); err != nil {
			h.fail(w, r, err)
			return
		}
	}
	batch, err := h.svc.Ledger.SettleBatch(r.Context(), chi.URLParam(r, "id"), body.ApprovalCode)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeSuccess(w, http.StatusOK, batch)
}

func (h *Handlers) RevertBatch(w http.ResponseWriter, r *http.Request) {
	batch, err := h.svc.Ledger.RevertBatch(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeSuccess(w, http.StatusOK, batch)
}

func (h *Handlers) DeleteBatch(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.Ledger.DeleteBatch(r.Context(), chi.URLParam(r, "id")); err != nil {
		h.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- reports ---

func (h *Handlers) DebtByAgent(w http.ResponseWriter, r *http.Request) {
	window, err := parseRange(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	rows, err := h.svc.Debt.GetDebtByAgent(r.Context(), window)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeSuccess(w, http.StatusOK, rows)
}

func (h *Handlers) DebtByAccount(w http.ResponseWriter, r *http.Request) {
	window, err := parseRange(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	rows, err := h.svc.Debt.GetDebtByAdminAccount(r.Context(), window)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeSuccess(w, http.StatusOK, rows)
}

// --- directory ---

func (h *Handlers) ListAgents(w http.ResponseWriter, r *http.Request) {
	agents, err := h.svc.Directory.ListAgents(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeSuccess(w, http.StatusOK, agents)
}

func (h *Handlers) GetAgent(w http.ResponseWriter, r *http.Request) {
	agent, err := h.svc.Directory.GetAgent(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeSuccess(w, http.StatusOK, agent)
}

func (h *Handlers) PutAgent(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Code                       string                                `json:"code" validate:"required"`
		Name                       string                                `json:"name"`
		BankAccount                string                                `json:"bankAccount"`
		DiscountRatesByPointOfSale map[string]map[string]decimal.Decimal `json:"discountRatesByPointOfSale"`
		AssignedPointOfSales       []string                              `json:"assignedPointOfSales"`
		IsActive                   bool                                  `json:"isActive"`
	}
	if err := decodeJSONBody(r, &body); err != nil {
		h.fail(w, r, err)
		return
	}
	saved, err := h.svc.Directory.UpsertAgent(r.Context(), domain.Agent{
		ID:                         chi.URLParam(r, "id"),
		Code:                       body.Code,
		Name:                       body.Name,
		BankAccount:                body.BankAccount,
		DiscountRatesByPointOfSale: body.DiscountRatesByPointOfSale,
		AssignedPointOfSales:       body.AssignedPointOfSales,
		IsActive:                   body.IsActive,
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeSuccess(w, http.StatusOK, saved)
}

func (h *Handlers) PutAgentRate(w http.ResponseWriter, r *http.Request) {
	var body struct {
		PointOfSale   string          `json:"pointOfSale" validate:"required"`
		PaymentMethod string          `json:"paymentMethod" validate:"required"`
		Percentage    decimal.Decimal `json:"percentage"`
	}
	if err := decodeJSONBody(r, &body); err != nil {
		h.fail(w, r, err)
		return
	}
	agent, err := h.svc.Directory.SetPointOfSaleRate(r.Context(), chi.URLParam(r, "id"), body.PointOfSale, body.PaymentMethod, body.Percentage)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeSuccess(w, http.StatusOK, agent)
}

func (h *Handlers) GetAgentTotals(w http.ResponseWriter, r *http.Request) {
	totals, err := h.svc.Ledger.AgentTotals(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeSuccess(w, http.StatusOK, totals)
}

func (h *Handlers) ListMerchants(w http.ResponseWriter, r *http.Request) {
	merchants, err := h.svc.Directory.ListMerchants(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeSuccess(w, http.StatusOK, merchants)
}

func (h *Handlers) PutMerchant(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Name               string   `json:"name"`
		SettlementAccounts []string `json:"settlementAccounts"`
	}
	if err := decodeJSONBody(r, &body); err != nil {
		h.fail(w, r, err)
		return
	}
	saved, err := h.svc.Directory.UpsertMerchant(r.Context(), domain.Merchant{
		Code:               chi.URLParam(r, "code"),
		Name:               body.Name,
		SettlementAccounts: body.SettlementAccounts,
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeSuccess(w, http.StatusOK, saved)
}

func (h *Handlers) InvalidateCache(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.Directory.InvalidateCache(r.Context()); err != nil {
		h.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
