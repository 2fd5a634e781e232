package credit_test

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wattshare/credit-engine/credit"
)

func entryWith(income float64, requested float64, household int, enteredAt time.Time) credit.WaitlistEntry {
	return credit.WaitlistEntry{
		ID:              credit.NewEntryID(),
		BeneficiaryID:   "ben-1",
		RequestedKWH:    decimal.NewFromFloat(requested),
		HouseholdIncome: decimal.NewFromFloat(income),
		HouseholdSize:   household,
		EnteredAt:       enteredAt,
		Status:          credit.EntryWaiting,
	}
}

// =============================================================================
// WEIGHT VALIDATION
// =============================================================================

func TestWeights_Default_Valid(t *testing.T) {
	w := credit.DefaultWeights()
	require.NoError(t, w.Validate())
	assert.Equal(t, 0.5, w.Income)
	assert.Equal(t, 0.1, w.Wait)
}

func TestWeights_SumWithinTolerance_Accepted(t *testing.T) {
	// 0.995 is inside the ±0.01 band around 1.0
	w := credit.Weights{Income: 0.395, Consumption: 0.2, Household: 0.2, Wait: 0.2}
	assert.NoError(t, w.Validate())
}

func TestWeights_SumOutOfTolerance_Rejected(t *testing.T) {
	w := credit.Weights{Income: 0.5, Consumption: 0.5, Household: 0.5, Wait: 0.5}
	err := w.Validate()

	require.Error(t, err)
	var wErr *credit.InvalidWeightsError
	require.ErrorAs(t, err, &wErr)
	assert.InDelta(t, 2.0, wErr.Sum, 0.0001)
}

// =============================================================================
// SCORE COMPONENTS
// =============================================================================

func TestScore_ZeroIncome_MaxIncomeComponent(t *testing.T) {
	// GIVEN: a household with no income, everything else neutral
	// THEN: the income component contributes its full weighted value

	now := time.Date(2026, time.March, 1, 0, 0, 0, 0, time.UTC)
	e := entryWith(0, 500, 0, now)

	// Only income can contribute: requested is at the cap, household 0, no wait.
	w := credit.Weights{Income: 1.0}
	assert.InDelta(t, 100.0, credit.Score(e, w, now), 0.0001)
}

func TestScore_IncomeAboveCap_ClampsToZero(t *testing.T) {
	now := time.Date(2026, time.March, 1, 0, 0, 0, 0, time.UTC)
	e := entryWith(50000, 500, 0, now)

	w := credit.Weights{Income: 1.0}
	assert.Zero(t, credit.Score(e, w, now))
}

func TestScore_SmallRequest_RaisesConsumptionComponent(t *testing.T) {
	now := time.Date(2026, time.March, 1, 0, 0, 0, 0, time.UTC)
	small := entryWith(10000, 50, 0, now)
	large := entryWith(10000, 450, 0, now)

	w := credit.Weights{Consumption: 1.0}
	assert.Greater(t, credit.Score(small, w, now), credit.Score(large, w, now))
	assert.InDelta(t, 90.0, credit.Score(small, w, now), 0.0001)
}

func TestScore_HouseholdSize_CapsAtTen(t *testing.T) {
	now := time.Date(2026, time.March, 1, 0, 0, 0, 0, time.UTC)
	ten := entryWith(10000, 500, 10, now)
	fifteen := entryWith(10000, 500, 15, now)

	w := credit.Weights{Household: 1.0}
	assert.InDelta(t, 100.0, credit.Score(ten, w, now), 0.0001)
	assert.Equal(t, credit.Score(ten, w, now), credit.Score(fifteen, w, now))
}

func TestScore_WaitTime_GrowsWithTime(t *testing.T) {
	// GIVEN: an entry that has been waiting
	// WHEN: time advances
	// THEN: the score strictly increases until the one-year cap

	entered := time.Date(2026, time.January, 1, 0, 0, 0, 0, time.UTC)
	e := entryWith(10000, 500, 0, entered)
	w := credit.Weights{Wait: 1.0}

	after30 := credit.Score(e, w, entered.AddDate(0, 0, 30))
	after180 := credit.Score(e, w, entered.AddDate(0, 0, 180))
	after400 := credit.Score(e, w, entered.AddDate(0, 0, 400))

	assert.Greater(t, after180, after30)
	assert.InDelta(t, 100.0, after400, 0.0001, "wait signal caps at one year")
}

func TestScore_DefaultWeights_CompositeExample(t *testing.T) {
	// Worked example: income 2000, requested 100 kWh, household of 4,
	// waiting 36.5 days under default weights.
	entered := time.Date(2026, time.January, 1, 0, 0, 0, 0, time.UTC)
	now := entered.Add(36*24*time.Hour + 12*time.Hour)
	e := entryWith(2000, 100, 4, entered)

	// income:      (10000-2000)/10000 = 0.8  -> 80 * 0.5 = 40
	// consumption: (500-100)/500     = 0.8  -> 80 * 0.2 = 16
	// household:   4/10              = 0.4  -> 40 * 0.2 = 8
	// wait:        36.5/365          = 0.1  -> 10 * 0.1 = 1
	got := credit.Score(e, credit.DefaultWeights(), now)
	assert.InDelta(t, 65.0, got, 0.0001)
}

// =============================================================================
// LOT STATUS DERIVATION
// =============================================================================

func TestDeriveStatus_Transitions(t *testing.T) {
	now := time.Date(2026, time.March, 1, 0, 0, 0, 0, time.UTC)
	expiry := now.Add(24 * time.Hour)

	lot := credit.CreditLot{
		InitialKWH:   decimal.NewFromInt(100),
		RemainingKWH: decimal.NewFromInt(100),
		ExpiresAt:    &expiry,
		Status:       credit.LotAvailable,
	}
	assert.Equal(t, credit.LotAvailable, lot.DeriveStatus(now))

	lot.RemainingKWH = decimal.NewFromInt(40)
	assert.Equal(t, credit.LotPartiallyUsed, lot.DeriveStatus(now))

	lot.RemainingKWH = decimal.Zero
	assert.Equal(t, credit.LotExhausted, lot.DeriveStatus(now))

	lot.RemainingKWH = decimal.NewFromInt(40)
	assert.Equal(t, credit.LotExpired, lot.DeriveStatus(now.Add(48*time.Hour)))
}

func TestDeriveStatus_BlockedIsSticky(t *testing.T) {
	// BLOCKED is an operator override; derivation never clears it.
	now := time.Now().UTC()
	lot := credit.CreditLot{
		InitialKWH:   decimal.NewFromInt(100),
		RemainingKWH: decimal.NewFromInt(100),
		Status:       credit.LotBlocked,
	}
	assert.Equal(t, credit.LotBlocked, lot.DeriveStatus(now))
	assert.False(t, lot.Eligible(now))
}

func TestLot_ExhaustedBeatsExpired(t *testing.T) {
	// A lot that is both empty and past expiry reports EXHAUSTED.
	now := time.Now().UTC()
	past := now.Add(-time.Hour)
	lot := credit.CreditLot{
		InitialKWH:   decimal.NewFromInt(100),
		RemainingKWH: decimal.Zero,
		ExpiresAt:    &past,
		Status:       credit.LotPartiallyUsed,
	}
	assert.Equal(t, credit.LotExhausted, lot.DeriveStatus(now))
}
