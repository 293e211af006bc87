package driver

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"testing"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"winrate-watch/internal/deal"
)

type cell struct {
	region, source string
	n, wins        int
}

func buildDeals(cells ...cell) []deal.Deal {
	var out []deal.Deal
	id := 0
	for _, c := range cells {
		for k := 0; k < c.n; k++ {
			id++
			d := deal.Deal{
				ID:          fmt.Sprintf("D%04d", id),
				Region:      c.region,
				LeadSource:  c.source,
				Industry:    "SaaS",
				ProductType: "Pro",
				Amount:      decimal.NewFromInt(int64(1000 * (k%7 + 1))),
				Period:      "2024-Q1",
			}
			if k < c.wins {
				d.Outcome = deal.OutcomeWon
				d.CycleDays = 10 + (k%10)*5
			} else {
				d.Outcome = deal.OutcomeLost
				d.CycleDays = 20 + (k%10)*6
			}
			out = append(out, d)
		}
	}
	return out
}

func baseCells() []cell {
	return []cell{
		{"APAC", "Inbound", 20, 12},
		{"APAC", "Referral", 20, 15},
		{"Europe", "Inbound", 20, 6},
		{"Europe", "Referral", 20, 10},
	}
}

func newModel(refs map[deal.Dimension]string) *Model {
	return NewModel(Options{
		Dimensions:      []deal.Dimension{deal.Region, deal.LeadSource},
		ReferenceLevels: refs,
		MinClosedDeals:  30,
	}, zerolog.Nop())
}

func byName(results []Result) map[string]Result {
	out := make(map[string]Result, len(results))
	for _, r := range results {
		out[r.FeatureName] = r
	}
	return out
}

func TestFitProducesRankedSignedDrivers(t *testing.T) {
	fit, err := newModel(nil).Fit(context.Background(), buildDeals(baseCells()...))
	require.NoError(t, err)

	require.Len(t, fit.Results, 4)
	drivers := byName(fit.Results)

	europe := drivers["region=Europe"]
	assert.Equal(t, "APAC", europe.ReferenceLevel)
	assert.Equal(t, Negative, europe.Direction)
	assert.Less(t, europe.MarginalEffect, 0.0)

	referral := drivers["lead_source=Referral"]
	assert.Equal(t, "Inbound", referral.ReferenceLevel)
	assert.Equal(t, Positive, referral.Direction)

	cycle := drivers[FeatureCycleDays]
	assert.Equal(t, Negative, cycle.Direction)
	assert.Equal(t, "per 30 days", cycle.Unit)
	assert.Empty(t, cycle.ReferenceLevel)

	for i, r := range fit.Results {
		assert.Equal(t, i+1, r.Rank)
		if i > 0 {
			assert.GreaterOrEqual(t, math.Abs(fit.Results[i-1].MarginalEffect), math.Abs(r.MarginalEffect))
		}
	}
	assert.Equal(t, 80, fit.ClosedDeals)
	assert.Greater(t, fit.Accuracy, 0.5)
}

func TestFitIsBitStableUnderRowPermutation(t *testing.T) {
	deals := buildDeals(baseCells()...)
	first, err := newModel(nil).Fit(context.Background(), deals)
	require.NoError(t, err)

	shuffled := append([]deal.Deal(nil), deals...)
	rand.New(rand.NewSource(42)).Shuffle(len(shuffled), func(i, j int) { shuffled[i], shuffled[j] = shuffled[j], shuffled[i] })

	second, err := newModel(nil).Fit(context.Background(), shuffled)
	require.NoError(t, err)

	assert.Equal(t, first, second)
}

func TestFitDetectsPerfectSeparation(t *testing.T) {
	cells := append(baseCells(), cell{"APAC", "Outbound", 6, 0})

	_, err := newModel(map[deal.Dimension]string{deal.LeadSource: "Referral"}).Fit(context.Background(), buildDeals(cells...))

	require.ErrorIs(t, err, ErrPerfectSeparation)
	assert.Contains(t, err.Error(), "lead_source=Outbound")
}

func TestFitDetectsNumericSeparation(t *testing.T) {
	deals := buildDeals(baseCells()...)
	for i := range deals {
		if deals[i].Won() {
			deals[i].CycleDays = 5
		} else {
			deals[i].CycleDays = 90
		}
	}

	_, err := newModel(nil).Fit(context.Background(), deals)
	require.ErrorIs(t, err, ErrPerfectSeparation)
}

func TestFitRequiresMinimumClosedDeals(t *testing.T) {
	deals := buildDeals(cell{"APAC", "Inbound", 10, 5}, cell{"Europe", "Inbound", 10, 5})

	_, err := newModel(nil).Fit(context.Background(), deals)
	require.ErrorIs(t, err, ErrInsufficientData)
}

func TestFitRequiresReferenceLevel(t *testing.T) {
	_, err := newModel(map[deal.Dimension]string{deal.Region: "India"}).Fit(context.Background(), buildDeals(baseCells()...))
	require.ErrorIs(t, err, ErrReferenceLevelMissing)
}

func TestFitIgnoresOpenDeals(t *testing.T) {
	deals := buildDeals(baseCells()...)
	withOpen := append(append([]deal.Deal(nil), deals...), deal.Deal{ID: "OPEN1", Region: "Mars", LeadSource: "Inbound"})

	a, err := newModel(nil).Fit(context.Background(), deals)
	require.NoError(t, err)
	b, err := newModel(nil).Fit(context.Background(), withOpen)
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestRankBreaksTiesByFeatureName(t *testing.T) {
	results := []Result{
		{FeatureName: "region=India", MarginalEffect: -2},
		{FeatureName: "region=Europe", MarginalEffect: 2},
		{FeatureName: "deal_amount", MarginalEffect: 5},
	}
	Rank(results)

	assert.Equal(t, "deal_amount", results[0].FeatureName)
	assert.Equal(t, "region=Europe", results[1].FeatureName)
	assert.Equal(t, "region=India", results[2].FeatureName)
	assert.Equal(t, 3, results[2].Rank)
}
