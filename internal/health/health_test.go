package health_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dyocense/controlplane/internal/health"
)

func fixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

func TestCalculateWithNoDataReturnsZeroScore(t *testing.T) {
	now := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
	calc := health.New(false, health.WithClock(fixedClock(now)))
	score := calc.Calculate(health.ConnectorData{})
	assert.Equal(t, 0, score.Overall)
	assert.Nil(t, score.Breakdown.Revenue)
	assert.Nil(t, score.CILow)
}

func TestCalculatePartialDataUsesAvailableComponentsOnly(t *testing.T) {
	now := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
	calc := health.New(false, health.WithClock(fixedClock(now)))

	data := health.ConnectorData{
		Orders: []health.Order{
			{TotalAmount: 100, CreatedAt: now.AddDate(0, 0, -5)},
			{TotalAmount: 80, CreatedAt: now.AddDate(0, 0, -45)},
		},
		Metadata: health.Metadata{IsSampleData: false},
	}
	score := calc.Calculate(data)
	require.NotNil(t, score.Breakdown.Revenue)
	assert.Nil(t, score.Breakdown.Operations)
	assert.Nil(t, score.Breakdown.Customer)
	assert.Equal(t, *score.Breakdown.Revenue, score.Overall) // only revenue component => overall == revenue
	assert.False(t, score.Breakdown.IsSampleData)
}

func TestCalculateRevenueGrowthIncreasesScore(t *testing.T) {
	now := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
	calc := health.New(false, health.WithClock(fixedClock(now)))

	flat := health.ConnectorData{Orders: []health.Order{
		{TotalAmount: 100, CreatedAt: now.AddDate(0, 0, -5)},
		{TotalAmount: 100, CreatedAt: now.AddDate(0, 0, -45)},
	}}
	growth := health.ConnectorData{Orders: []health.Order{
		{TotalAmount: 200, CreatedAt: now.AddDate(0, 0, -5)},
		{TotalAmount: 100, CreatedAt: now.AddDate(0, 0, -45)},
	}}

	flatScore := calc.Calculate(flat)
	growthScore := calc.Calculate(growth)
	assert.Greater(t, *growthScore.Breakdown.Revenue, *flatScore.Breakdown.Revenue)
}

func TestCalculateOperationsPenalizesStockouts(t *testing.T) {
	now := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
	calc := health.New(false, health.WithClock(fixedClock(now)))

	withStockouts := health.ConnectorData{
		Inventory: []health.InventoryItem{
			{Value: 1000, Quantity: 0},
			{Value: 1000, Quantity: 5},
		},
		Orders: []health.Order{{TotalAmount: 500, CreatedAt: now.AddDate(0, 0, -1)}},
	}
	withoutStockouts := health.ConnectorData{
		Inventory: []health.InventoryItem{
			{Value: 1000, Quantity: 5},
			{Value: 1000, Quantity: 5},
		},
		Orders: []health.Order{{TotalAmount: 500, CreatedAt: now.AddDate(0, 0, -1)}},
	}

	a := calc.Calculate(withStockouts)
	b := calc.Calculate(withoutStockouts)
	assert.Less(t, *a.Breakdown.Operations, *b.Breakdown.Operations)
}

func TestCalculateAdaptiveModeEmitsConfidenceInterval(t *testing.T) {
	now := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
	calc := health.New(true, health.WithClock(fixedClock(now)))

	data := health.ConnectorData{
		Orders: []health.Order{{TotalAmount: 100, CreatedAt: now.AddDate(0, 0, -1), CustomerID: "c1"}},
	}
	score := calc.Calculate(data)
	require.NotNil(t, score.CILow)
	require.NotNil(t, score.CIHigh)
	assert.LessOrEqual(t, *score.CILow, float64(score.Overall))
	assert.GreaterOrEqual(t, *score.CIHigh, float64(score.Overall))
	require.NotNil(t, score.QualityIdx)
}

func TestWindowedVarianceDetectorFlagsOutlier(t *testing.T) {
	det := health.NewWindowedVarianceDetector(5, 2.0)
	for i := 0; i < 6; i++ {
		det.Update(50)
	}
	assert.True(t, det.Update(95))
}
