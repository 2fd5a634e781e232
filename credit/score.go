/*
score.go - Priority scoring for waitlist ordering

PURPOSE:
  Computes the composite priority score that orders the waitlist. Four
  independent signals, each normalized to 0-100 and weighted:

    score = w_income      * clamp((10000 - income) / 10000, 0, 1) * 100
          + w_consumption * clamp((500 - requested_kwh) / 500, 0, 1) * 100
          + w_household   * clamp(household_size / 10, 0, 1) * 100
          + w_wait        * clamp(days_waiting / 365, 0, 1) * 100

  Lower income, smaller requests, larger households, and longer waits each
  raise priority monotonically. Weights must sum to 1.0 (±0.01) so that
  operators trade the signals off without inflating absolute scores.

TIME SENSITIVITY:
  days_waiting moves every day, so scores are never cached across time.
  Every ordering decision recomputes scores from entered_at at that moment.
  The stored PriorityScore on an entry is an advisory copy for display.
*/
package credit

import (
	"math"
	"time"
)

// Normalization caps for the score components.
const (
	scoreIncomeCap      = 10000.0 // household income above this scores zero
	scoreConsumptionCap = 500.0   // requests at or above this score zero
	scoreHouseholdCap   = 10.0    // household size at or above this maxes out
	scoreWaitCapDays    = 365.0   // a year of waiting maxes out the wait signal
)

// weightTolerance is the allowed drift from 1.0 for the weight sum.
const weightTolerance = 0.01

// =============================================================================
// WEIGHTS
// =============================================================================

// Weights configure the relative importance of each priority signal.
type Weights struct {
	Income      float64 `json:"income" env:"WEIGHT_INCOME"`
	Consumption float64 `json:"consumption" env:"WEIGHT_CONSUMPTION"`
	Household   float64 `json:"household" env:"WEIGHT_HOUSEHOLD"`
	Wait        float64 `json:"wait" env:"WEIGHT_WAIT"`
}

// DefaultWeights favors income hardship, matching the operator default.
func DefaultWeights() Weights {
	return Weights{Income: 0.5, Consumption: 0.2, Household: 0.2, Wait: 0.1}
}

// Validate rejects weight sets that do not sum to 1.0 within tolerance.
func (w Weights) Validate() error {
	sum := w.Income + w.Consumption + w.Household + w.Wait
	if math.Abs(sum-1.0) > weightTolerance {
		return &InvalidWeightsError{Sum: sum}
	}
	return nil
}

// =============================================================================
// SCORING
// =============================================================================

// Score computes the entry's priority as of now. Higher is more urgent.
func Score(e WaitlistEntry, w Weights, now time.Time) float64 {
	income, _ := e.HouseholdIncome.Float64()
	requested, _ := e.RequestedKWH.Float64()

	incomeScore := clamp01((scoreIncomeCap-income)/scoreIncomeCap) * 100
	consumptionScore := clamp01((scoreConsumptionCap-requested)/scoreConsumptionCap) * 100
	householdScore := clamp01(float64(e.HouseholdSize)/scoreHouseholdCap) * 100

	daysWaiting := now.Sub(e.EnteredAt).Hours() / 24
	waitScore := clamp01(daysWaiting/scoreWaitCapDays) * 100

	return w.Income*incomeScore +
		w.Consumption*consumptionScore +
		w.Household*householdScore +
		w.Wait*waitScore
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
