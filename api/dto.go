/*
dto.go - Request/response shapes for the HTTP API

PURPOSE:
  Wire types for the JSON API. Domain types never cross the HTTP
  boundary directly: amounts are rendered through credit.ReportKWH so
  exact internal decimals appear with two places at the edge.
*/
package api

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/wattshare/credit-engine/credit"
	"github.com/wattshare/credit-engine/dispatch"
	"github.com/wattshare/credit-engine/waitlist"
)

// =============================================================================
// REQUESTS
// =============================================================================

type createLotRequest struct {
	DonorID   string     `json:"donor_id"`
	KWH       string     `json:"kwh"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

type enqueueRequest struct {
	BeneficiaryID      string `json:"beneficiary_id"`
	RequestedKWH       string `json:"requested_kwh"`
	HouseholdIncome    string `json:"household_income"`
	HouseholdSize      int    `json:"household_size"`
	MonthlyBaselineKWH string `json:"monthly_baseline_kwh"`
}

type editEntryRequest struct {
	RequestedKWH string `json:"requested_kwh"`
}

type weightsRequest struct {
	Income      float64 `json:"income"`
	Consumption float64 `json:"consumption"`
	Household   float64 `json:"household"`
	Wait        float64 `json:"wait"`
}

type distributeRequest struct {
	MaxBeneficiaries int `json:"max_beneficiaries"`
}

// =============================================================================
// RESPONSES
// =============================================================================

type lotResponse struct {
	ID           string     `json:"id"`
	DonorID      string     `json:"donor_id"`
	InitialKWH   string     `json:"initial_kwh"`
	RemainingKWH string     `json:"remaining_kwh"`
	ConsumedKWH  string     `json:"consumed_kwh"`
	ExpiresAt    *time.Time `json:"expires_at,omitempty"`
	Status       string     `json:"status"`
	CreatedAt    time.Time  `json:"created_at"`
}

func toLotResponse(l credit.CreditLot) lotResponse {
	return lotResponse{
		ID:           string(l.ID),
		DonorID:      string(l.DonorID),
		InitialKWH:   credit.ReportKWH(l.InitialKWH).String(),
		RemainingKWH: credit.ReportKWH(l.RemainingKWH).String(),
		ConsumedKWH:  credit.ReportKWH(l.ConsumedKWH()).String(),
		ExpiresAt:    l.ExpiresAt,
		Status:       string(l.Status),
		CreatedAt:    l.CreatedAt,
	}
}

type entryResponse struct {
	ID            string    `json:"id"`
	BeneficiaryID string    `json:"beneficiary_id"`
	RequestedKWH  string    `json:"requested_kwh"`
	HouseholdSize int       `json:"household_size"`
	EnteredAt     time.Time `json:"entered_at"`
	PriorityScore float64   `json:"priority_score"`
	Status        string    `json:"status"`
	Position      int       `json:"position,omitempty"`
}

func toEntryResponse(e credit.WaitlistEntry) entryResponse {
	return entryResponse{
		ID:            string(e.ID),
		BeneficiaryID: string(e.BeneficiaryID),
		RequestedKWH:  credit.ReportKWH(e.RequestedKWH).String(),
		HouseholdSize: e.HouseholdSize,
		EnteredAt:     e.EnteredAt,
		PriorityScore: e.PriorityScore,
		Status:        string(e.Status),
	}
}

type transactionResponse struct {
	ID            string    `json:"id"`
	BeneficiaryID string    `json:"beneficiary_id"`
	LotID         string    `json:"lot_id"`
	KWH           string    `json:"kwh"`
	Outcome       string    `json:"outcome"`
	RunID         string    `json:"run_id"`
	At            time.Time `json:"at"`
	Note          string    `json:"note,omitempty"`
}

func toTransactionResponse(t credit.AllocationTransaction) transactionResponse {
	return transactionResponse{
		ID:            string(t.ID),
		BeneficiaryID: string(t.BeneficiaryID),
		LotID:         string(t.LotID),
		KWH:           credit.ReportKWH(t.KWH).String(),
		Outcome:       string(t.Outcome),
		RunID:         string(t.RunID),
		At:            t.At,
		Note:          t.Note,
	}
}

type runResponse struct {
	ID                     string     `json:"id"`
	Status                 string     `json:"status"`
	TotalKWHDistributed    string     `json:"total_kwh_distributed"`
	BeneficiariesFulfilled int        `json:"beneficiaries_fulfilled"`
	LotsConsumed           int        `json:"lots_consumed"`
	TransactionCount       int        `json:"transaction_count"`
	Error                  string     `json:"error,omitempty"`
	StartedAt              time.Time  `json:"started_at"`
	CompletedAt            *time.Time `json:"completed_at,omitempty"`
}

func toRunResponse(r credit.DistributionRun) runResponse {
	return runResponse{
		ID:                     string(r.ID),
		Status:                 string(r.Status),
		TotalKWHDistributed:    credit.ReportKWH(r.TotalKWHDistributed).String(),
		BeneficiariesFulfilled: r.BeneficiariesFulfilled,
		LotsConsumed:           r.LotsConsumed,
		TransactionCount:       r.TransactionCount,
		Error:                  r.Error,
		StartedAt:              r.StartedAt,
		CompletedAt:            r.CompletedAt,
	}
}

type distributeResponse struct {
	RunID                  string                `json:"run_id,omitempty"`
	TotalKWHDistributed    string                `json:"total_kwh_distributed"`
	BeneficiariesFulfilled int                   `json:"beneficiaries_fulfilled"`
	LotsConsumed           int                   `json:"lots_consumed"`
	LotsSwept              int                   `json:"lots_swept"`
	Transactions           []transactionResponse `json:"transactions"`
}

func toDistributeResponse(r dispatch.Result) distributeResponse {
	resp := distributeResponse{
		RunID:                  string(r.RunID),
		TotalKWHDistributed:    credit.ReportKWH(r.TotalKWHDistributed).String(),
		BeneficiariesFulfilled: r.BeneficiariesFulfilled,
		LotsConsumed:           r.LotsConsumed,
		LotsSwept:              len(r.LotsSwept),
		Transactions:           make([]transactionResponse, 0, len(r.Transactions)),
	}
	for _, tx := range r.Transactions {
		resp.Transactions = append(resp.Transactions, toTransactionResponse(tx))
	}
	return resp
}

type statsResponse struct {
	Queue waitlist.Stats     `json:"queue"`
	Pool  dispatch.PoolStats `json:"pool"`
}

type accountResponse struct {
	BeneficiaryID      string     `json:"beneficiary_id"`
	BalanceKWH         string     `json:"balance_kwh"`
	TotalReceivedKWH   string     `json:"total_received_kwh"`
	MonthlyBaselineKWH string     `json:"monthly_baseline_kwh"`
	TotalTransactions  int        `json:"total_transactions"`
	LastFulfilledAt    *time.Time `json:"last_fulfilled_at,omitempty"`
}

func toAccountResponse(a credit.BeneficiaryAccount) accountResponse {
	return accountResponse{
		BeneficiaryID:      string(a.BeneficiaryID),
		BalanceKWH:         credit.ReportKWH(a.BalanceKWH).String(),
		TotalReceivedKWH:   credit.ReportKWH(a.TotalReceivedKWH).String(),
		MonthlyBaselineKWH: credit.ReportKWH(a.MonthlyBaselineKWH).String(),
		TotalTransactions:  a.TotalTransactions,
		LastFulfilledAt:    a.LastFulfilledAt,
	}
}

type auditResponse struct {
	ID      string    `json:"id"`
	At      time.Time `json:"at"`
	Action  string    `json:"action"`
	ActorID string    `json:"actor_id"`
	Details string    `json:"details"`
}

type positionResponse struct {
	EntryID  string `json:"entry_id"`
	Position int    `json:"position"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// parseKWH parses a request amount. Empty strings and garbage both come
// back as an invalid-amount error rather than a silent zero.
func parseKWH(field, s string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, &credit.InvalidAmountError{Field: field, Amount: decimal.Zero}
	}
	return d, nil
}
