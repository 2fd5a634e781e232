/*
handlers.go - HTTP handlers for the credit allocation engine

PURPOSE:
  Implements the JSON endpoints: donations, waitlist lifecycle, weight
  configuration, distribution triggers, and the transparency surface
  (runs, transactions, stats, audit).

ERROR MAPPING:
  Domain errors carry their own HTTP semantics:
  - not found            -> 404
  - duplicate / bad state -> 409
  - validation            -> 400
  - anything else         -> 500, logged

SEE ALSO:
  - dto.go: wire types
  - server.go: routing
*/
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/wattshare/credit-engine/credit"
	"github.com/wattshare/credit-engine/dispatch"
	"github.com/wattshare/credit-engine/ledger"
	"github.com/wattshare/credit-engine/waitlist"
)

// Handler holds the services the endpoints delegate to.
type Handler struct {
	Ledger      *ledger.Ledger
	Queue       *waitlist.Queue
	Distributor *dispatch.Distributor
	Store       credit.TxStore
	Audit       credit.AuditLog
	Log         *slog.Logger
}

func NewHandler(lg *ledger.Ledger, q *waitlist.Queue, d *dispatch.Distributor, store credit.TxStore, audit credit.AuditLog, log *slog.Logger) *Handler {
	if log == nil {
		log = slog.Default()
	}
	return &Handler{
		Ledger:      lg,
		Queue:       q,
		Distributor: d,
		Store:       store,
		Audit:       audit,
		Log:         log,
	}
}

// =============================================================================
// LOTS
// =============================================================================

// CreateLot handles POST /api/lots - register a donation.
func (h *Handler) CreateLot(w http.ResponseWriter, r *http.Request) {
	var req createLotRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	kwh, err := parseKWH("kwh", req.KWH)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}

	lot, err := h.Ledger.AddLot(r.Context(), credit.DonorID(req.DonorID), kwh, req.ExpiresAt)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}

	h.writeJSON(w, http.StatusCreated, toLotResponse(lot))
}

// ListLots handles GET /api/lots?donor_id=&status=&limit=
func (h *Handler) ListLots(w http.ResponseWriter, r *http.Request) {
	var f credit.LotFilter
	if v := r.URL.Query().Get("donor_id"); v != "" {
		d := credit.DonorID(v)
		f.DonorID = &d
	}
	if v := r.URL.Query().Get("status"); v != "" {
		s := credit.LotStatus(v)
		f.Status = &s
	}
	f.Limit = queryInt(r, "limit", 0)

	lots, err := h.Ledger.ListLots(r.Context(), f)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}

	resp := make([]lotResponse, 0, len(lots))
	for _, lot := range lots {
		resp = append(resp, toLotResponse(lot))
	}
	h.writeJSON(w, http.StatusOK, resp)
}

// GetLot handles GET /api/lots/{id}
func (h *Handler) GetLot(w http.ResponseWriter, r *http.Request) {
	id := credit.LotID(chi.URLParam(r, "id"))
	lot, err := h.Ledger.GetLot(r.Context(), id)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, toLotResponse(lot))
}

// BlockLot handles POST /api/lots/{id}/block
func (h *Handler) BlockLot(w http.ResponseWriter, r *http.Request) {
	id := credit.LotID(chi.URLParam(r, "id"))
	if err := h.Ledger.Block(r.Context(), id); err != nil {
		h.writeDomainError(w, err)
		return
	}
	lot, err := h.Ledger.GetLot(r.Context(), id)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, toLotResponse(lot))
}

// UnblockLot handles POST /api/lots/{id}/unblock
func (h *Handler) UnblockLot(w http.ResponseWriter, r *http.Request) {
	id := credit.LotID(chi.URLParam(r, "id"))
	if err := h.Ledger.Unblock(r.Context(), id); err != nil {
		h.writeDomainError(w, err)
		return
	}
	lot, err := h.Ledger.GetLot(r.Context(), id)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, toLotResponse(lot))
}

// =============================================================================
// WAITLIST
// =============================================================================

// Enqueue handles POST /api/waitlist
func (h *Handler) Enqueue(w http.ResponseWriter, r *http.Request) {
	var req enqueueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	requested, err := parseKWH("requested_kwh", req.RequestedKWH)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	income, err := parseKWH("household_income", req.HouseholdIncome)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	baseline, err := parseKWH("monthly_baseline_kwh", req.MonthlyBaselineKWH)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}

	entry, err := h.Queue.Enqueue(r.Context(), waitlist.EnqueueParams{
		BeneficiaryID:      credit.BeneficiaryID(req.BeneficiaryID),
		RequestedKWH:       requested,
		HouseholdIncome:    income,
		HouseholdSize:      req.HouseholdSize,
		MonthlyBaselineKWH: baseline,
	})
	if err != nil {
		h.writeDomainError(w, err)
		return
	}

	h.writeJSON(w, http.StatusCreated, toEntryResponse(entry))
}

// ListWaitlist handles GET /api/waitlist?n= - the queue in priority order.
func (h *Handler) ListWaitlist(w http.ResponseWriter, r *http.Request) {
	n := queryInt(r, "n", 0)

	entries, err := h.Queue.TopN(r.Context(), n)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}

	resp := make([]entryResponse, 0, len(entries))
	for i, e := range entries {
		er := toEntryResponse(e)
		er.Position = i + 1
		resp = append(resp, er)
	}
	h.writeJSON(w, http.StatusOK, resp)
}

// GetEntry handles GET /api/waitlist/{id} - entry plus current position.
func (h *Handler) GetEntry(w http.ResponseWriter, r *http.Request) {
	id := credit.EntryID(chi.URLParam(r, "id"))

	entry, err := h.Queue.GetEntry(r.Context(), id)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}

	resp := toEntryResponse(entry)
	if entry.Status == credit.EntryWaiting {
		if pos, err := h.Queue.Position(r.Context(), id); err == nil {
			resp.Position = pos
		}
	}
	h.writeJSON(w, http.StatusOK, resp)
}

// EditEntry handles PUT /api/waitlist/{id}
func (h *Handler) EditEntry(w http.ResponseWriter, r *http.Request) {
	id := credit.EntryID(chi.URLParam(r, "id"))

	var req editEntryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	requested, err := parseKWH("requested_kwh", req.RequestedKWH)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}

	entry, err := h.Queue.Edit(r.Context(), id, requested)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, toEntryResponse(entry))
}

// CancelEntry handles DELETE /api/waitlist/{id}
func (h *Handler) CancelEntry(w http.ResponseWriter, r *http.Request) {
	id := credit.EntryID(chi.URLParam(r, "id"))
	if err := h.Queue.Cancel(r.Context(), id); err != nil {
		h.writeDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// GetPosition handles GET /api/waitlist/{id}/position
func (h *Handler) GetPosition(w http.ResponseWriter, r *http.Request) {
	id := credit.EntryID(chi.URLParam(r, "id"))

	pos, err := h.Queue.Position(r.Context(), id)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, positionResponse{EntryID: string(id), Position: pos})
}

// GetQueueStats handles GET /api/waitlist/stats
func (h *Handler) GetQueueStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.Queue.Stats(r.Context())
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, stats)
}

// =============================================================================
// WEIGHTS
// =============================================================================

// GetWeights handles GET /api/weights
func (h *Handler) GetWeights(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, h.Queue.Weights())
}

// UpdateWeights handles PUT /api/weights. Rejected updates leave the old
// weights in effect.
func (h *Handler) UpdateWeights(w http.ResponseWriter, r *http.Request) {
	var req weightsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	weights := credit.Weights{
		Income:      req.Income,
		Consumption: req.Consumption,
		Household:   req.Household,
		Wait:        req.Wait,
	}
	if err := h.Queue.SetWeights(weights); err != nil {
		h.writeDomainError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, weights)
}

// =============================================================================
// DISTRIBUTION
// =============================================================================

// Distribute handles POST /api/distribute - trigger a run now.
func (h *Handler) Distribute(w http.ResponseWriter, r *http.Request) {
	var req distributeRequest
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			h.writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
	}

	result, err := h.Distributor.Run(r.Context(), req.MaxBeneficiaries)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, toDistributeResponse(result))
}

// ListRuns handles GET /api/runs?limit=
func (h *Handler) ListRuns(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", 50)

	runs, err := h.Store.ListRuns(r.Context(), limit)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}

	resp := make([]runResponse, 0, len(runs))
	for _, run := range runs {
		resp = append(resp, toRunResponse(run))
	}
	h.writeJSON(w, http.StatusOK, resp)
}

// =============================================================================
// TRANSPARENCY
// =============================================================================

// ListTransactions handles GET /api/transactions with optional filters.
func (h *Handler) ListTransactions(w http.ResponseWriter, r *http.Request) {
	var f credit.TxFilter
	if v := r.URL.Query().Get("beneficiary_id"); v != "" {
		b := credit.BeneficiaryID(v)
		f.BeneficiaryID = &b
	}
	if v := r.URL.Query().Get("donor_id"); v != "" {
		d := credit.DonorID(v)
		f.DonorID = &d
	}
	if v := r.URL.Query().Get("lot_id"); v != "" {
		l := credit.LotID(v)
		f.LotID = &l
	}
	if v := r.URL.Query().Get("run_id"); v != "" {
		rn := credit.RunID(v)
		f.RunID = &rn
	}
	f.Limit = queryInt(r, "limit", 100)

	txs, err := h.Store.ListTransactions(r.Context(), f)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}

	resp := make([]transactionResponse, 0, len(txs))
	for _, tx := range txs {
		resp = append(resp, toTransactionResponse(tx))
	}
	h.writeJSON(w, http.StatusOK, resp)
}

// ListBeneficiaryTransactions handles GET /api/beneficiaries/{id}/transactions
func (h *Handler) ListBeneficiaryTransactions(w http.ResponseWriter, r *http.Request) {
	b := credit.BeneficiaryID(chi.URLParam(r, "id"))
	h.listFilteredTransactions(w, r, credit.TxFilter{BeneficiaryID: &b})
}

// ListDonorTransactions handles GET /api/donors/{id}/transactions - where a
// donor's energy went.
func (h *Handler) ListDonorTransactions(w http.ResponseWriter, r *http.Request) {
	d := credit.DonorID(chi.URLParam(r, "id"))
	h.listFilteredTransactions(w, r, credit.TxFilter{DonorID: &d})
}

func (h *Handler) listFilteredTransactions(w http.ResponseWriter, r *http.Request, f credit.TxFilter) {
	f.Limit = queryInt(r, "limit", 100)

	txs, err := h.Store.ListTransactions(r.Context(), f)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}

	resp := make([]transactionResponse, 0, len(txs))
	for _, tx := range txs {
		resp = append(resp, toTransactionResponse(tx))
	}
	h.writeJSON(w, http.StatusOK, resp)
}

// GetAccount handles GET /api/accounts/{id}
func (h *Handler) GetAccount(w http.ResponseWriter, r *http.Request) {
	id := credit.BeneficiaryID(chi.URLParam(r, "id"))
	account, err := h.Store.GetAccount(r.Context(), id)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, toAccountResponse(account))
}

// GetStats handles GET /api/stats - queue and pool summaries.
func (h *Handler) GetStats(w http.ResponseWriter, r *http.Request) {
	queueStats, err := h.Queue.Stats(r.Context())
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	poolStats, err := h.Distributor.Stats(r.Context())
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, statsResponse{Queue: queueStats, Pool: poolStats})
}

// ListAudit handles GET /api/audit?limit=
func (h *Handler) ListAudit(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", 100)

	entries, err := h.Audit.ListAudit(r.Context(), limit)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}

	resp := make([]auditResponse, 0, len(entries))
	for _, e := range entries {
		resp = append(resp, auditResponse{
			ID:      e.ID,
			At:      e.At,
			Action:  string(e.Action),
			ActorID: e.ActorID,
			Details: e.Details,
		})
	}
	h.writeJSON(w, http.StatusOK, resp)
}

// Health handles GET /healthz
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string]string{
		"status": "ok",
		"time":   time.Now().UTC().Format(time.RFC3339),
	})
}

// =============================================================================
// HELPERS
// =============================================================================

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.Log.Error("failed to encode response", "err", err)
	}
}

func (h *Handler) writeError(w http.ResponseWriter, status int, msg string) {
	h.writeJSON(w, status, errorResponse{Error: msg})
}

// writeDomainError maps domain errors to status codes.
func (h *Handler) writeDomainError(w http.ResponseWriter, err error) {
	switch {
	case credit.IsNotFound(err):
		h.writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, credit.ErrDuplicateWaiting), errors.Is(err, credit.ErrInvalidState):
		h.writeError(w, http.StatusConflict, err.Error())
	case credit.IsClientError(err):
		h.writeError(w, http.StatusBadRequest, err.Error())
	default:
		h.Log.Error("request failed", "err", err)
		h.writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func queryInt(r *http.Request, key string, def int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return def
	}
	return n
}
