// Package health implements the data-quality-aware business health
// scoring engine (spec.md §4.4, ported coefficient-for-coefficient from
// the original HealthScoreCalculator).
package health

import (
	"time"
)

// Order is one observed order record.
type Order struct {
	TotalAmount float64
	CreatedAt   time.Time
	CustomerID  string
}

// InventoryItem is one observed inventory record.
type InventoryItem struct {
	Value     float64
	Quantity  int
	Status    string
	UpdatedAt time.Time
}

// Customer is one observed customer record.
type Customer struct {
	LastOrderDate time.Time
}

// Metadata carries source attribution for the three input collections.
type Metadata struct {
	IsSampleData    bool
	OrdersSource    string
	InventorySource string
	CustomersSource string
}

// ConnectorData is the raw input to Calculate: everything the tenant's
// integrations have reported so far.
type ConnectorData struct {
	Orders     []Order
	Inventory  []InventoryItem
	Customers  []Customer
	Metadata   Metadata
}

// Breakdown is the per-component score detail (spec.md §4.4).
type Breakdown struct {
	Revenue              *int
	Operations           *int
	Customer             *int
	RevenueSource        string
	OperationsSource     string
	CustomerSource       string
	RevenueRecordCount   *int
	OperationsRecordCount *int
	CustomerRecordCount  *int
	IsSampleData         bool
}

// Score is the overall health result.
type Score struct {
	Overall     int
	Trend       float64
	Breakdown   Breakdown
	LastUpdated time.Time
	PeriodDays  int

	// Adaptive extensions, populated only when adaptive mode is enabled.
	CILow       *float64
	CIHigh      *float64
	QualityIdx  *float64
	DriftFlags  map[string]bool
}

// DriftDetector flags a statistically significant shift in a component
// score's distribution. The default implementation is a simple
// windowed-variance detector; the original's river.ADWIN has no Go
// equivalent in the corpus (SPEC_FULL.md §C).
type DriftDetector interface {
	// Update feeds one new observation and reports whether drift was
	// detected as of this update.
	Update(value float64) bool
}

// Calculator computes health scores from connector data (spec.md §4.4).
type Calculator struct {
	enableAdaptive bool
	now            func() time.Time
	detectors      map[string]DriftDetector
	newDetector    func() DriftDetector
}

// Option configures a Calculator.
type Option func(*Calculator)

func WithClock(now func() time.Time) Option { return func(c *Calculator) { c.now = now } }

// WithDriftDetectorFactory overrides how per-component drift detectors are
// constructed; detectors persist across calls, keyed by component name,
// the same way the original module-level `_DRIFT_DETECTORS` dict does.
func WithDriftDetectorFactory(factory func() DriftDetector) Option {
	return func(c *Calculator) { c.newDetector = factory }
}

// New constructs a Calculator. enableAdaptiveHealth mirrors the original's
// ENABLE_ADAPTIVE_HEALTH feature flag.
func New(enableAdaptiveHealth bool, opts ...Option) *Calculator {
	c := &Calculator{
		enableAdaptive: enableAdaptiveHealth,
		now:            time.Now,
		detectors:      make(map[string]DriftDetector),
		newDetector:    func() DriftDetector { return NewWindowedVarianceDetector(8, 2.5) },
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Calculator) detectorFor(name string) DriftDetector {
	det, ok := c.detectors[name]
	if !ok {
		det = c.newDetector()
		c.detectors[name] = det
	}
	return det
}

// Calculate computes the overall health score and breakdown (spec.md §4.4
// Calculate).
func (c *Calculator) Calculate(data ConnectorData) Score {
	revenue := c.calculateRevenueHealth(data.Orders)
	operations := c.calculateOperationsHealth(data.Inventory, data.Orders)
	customer := c.calculateCustomerHealth(data.Customers, data.Orders)

	breakdown := Breakdown{
		Revenue:      revenue,
		Operations:   operations,
		Customer:     customer,
		IsSampleData: data.Metadata.IsSampleData,
	}
	if revenue != nil {
		breakdown.RevenueSource = sourceOrDefault(data.Metadata.OrdersSource, len(data.Orders), "orders", data.Metadata.IsSampleData)
		n := len(data.Orders)
		breakdown.RevenueRecordCount = &n
	}
	if operations != nil {
		breakdown.OperationsSource = sourceOrDefault(data.Metadata.InventorySource, len(data.Inventory), "items", data.Metadata.IsSampleData)
		n := len(data.Inventory)
		breakdown.OperationsRecordCount = &n
	}
	if customer != nil {
		breakdown.CustomerSource = sourceOrDefault(data.Metadata.CustomersSource, len(data.Customers), "customers", data.Metadata.IsSampleData)
		n := len(data.Customers)
		breakdown.CustomerRecordCount = &n
	}

	type weighted struct {
		score  int
		weight float64
	}
	var components []weighted
	if revenue != nil {
		components = append(components, weighted{*revenue, 0.4})
	}
	if operations != nil {
		components = append(components, weighted{*operations, 0.3})
	}
	if customer != nil {
		components = append(components, weighted{*customer, 0.3})
	}

	var overall int
	if len(components) > 0 {
		var totalWeight, weightedSum float64
		for _, comp := range components {
			weightedSum += float64(comp.score) * comp.weight
			totalWeight += comp.weight
		}
		overall = int(weightedSum / totalWeight)
	}

	trend := c.calculateTrend(data.Orders)
	quality := c.computeQualityIndex(data.Orders, data.Inventory, data.Customers)

	score := Score{
		Overall:     overall,
		Trend:       trend,
		Breakdown:   breakdown,
		LastUpdated: c.now(),
		PeriodDays:  30,
	}

	if c.enableAdaptive {
		if len(components) > 0 {
			baseWidth := clamp(20*(1-quality), 4, 20)
			halfWidth := baseWidth / 2
			low := clamp(float64(overall)-halfWidth, 0, 100)
			high := clamp(float64(overall)+halfWidth, 0, 100)
			score.CILow, score.CIHigh = &low, &high
		}
		q := round3(quality)
		score.QualityIdx = &q

		flags := make(map[string]bool)
		for name, s := range map[string]*int{"revenue": revenue, "operations": operations, "customer": customer} {
			if s == nil {
				continue
			}
			flags[name] = c.detectorFor(name).Update(float64(*s))
		}
		if len(flags) > 0 {
			score.DriftFlags = flags
		}
	}

	return score
}

func sourceOrDefault(explicit string, count int, unit string, isSample bool) string {
	if explicit != "" {
		return explicit
	}
	if isSample {
		return "Sample data"
	}
	return itoa(count) + " " + unit
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var digits []byte
	for n > 0 {
		digits = append([]byte{byte('0' + n%10)}, digits...)
		n /= 10
	}
	if neg {
		return "-" + string(digits)
	}
	return string(digits)
}

// calculateRevenueHealth scores revenue growth rate over the trailing 30
// days against the prior 30-day window (spec.md §4.4: "-20% or worse = 0,
// 0% = 50, +20% or better = 100").
func (c *Calculator) calculateRevenueHealth(orders []Order) *int {
	if len(orders) == 0 {
		return nil
	}
	now := c.now()
	currentStart := now.AddDate(0, 0, -30)
	previousStart := now.AddDate(0, 0, -60)

	var currentRevenue, previousRevenue float64
	for _, o := range orders {
		switch {
		case !o.CreatedAt.Before(currentStart):
			currentRevenue += o.TotalAmount
		case !o.CreatedAt.Before(previousStart) && o.CreatedAt.Before(currentStart):
			previousRevenue += o.TotalAmount
		}
	}

	var growthRate float64
	if previousRevenue > 0 {
		growthRate = (currentRevenue - previousRevenue) / previousRevenue * 100
	} else if currentRevenue != 0 {
		growthRate = 100
	}

	score := clamp(50+growthRate*2.5, 0, 100)
	out := int(score)
	return &out
}

// calculateOperationsHealth scores inventory turnover penalized by
// stockouts (spec.md §4.4).
func (c *Calculator) calculateOperationsHealth(inventory []InventoryItem, orders []Order) *int {
	if len(inventory) == 0 {
		return nil
	}
	var totalInventoryValue float64
	for _, item := range inventory {
		totalInventoryValue += item.Value
	}

	var recentSales float64
	for _, o := range orders {
		if c.isRecent(o.CreatedAt, 30) {
			recentSales += o.TotalAmount
		}
	}

	var turnover float64
	if totalInventoryValue > 0 {
		turnover = (recentSales * 12) / totalInventoryValue
	}

	score := min64(100, (turnover/8)*100)

	stockouts := 0
	for _, item := range inventory {
		if item.Quantity == 0 {
			stockouts++
		}
	}
	penalty := min64(30, float64(stockouts)*5)

	final := int(max64(0, score-penalty))
	return &final
}

// calculateCustomerHealth scores repeat-purchase rate over the trailing 90
// days (spec.md §4.4).
func (c *Calculator) calculateCustomerHealth(customers []Customer, orders []Order) *int {
	if len(customers) == 0 || len(orders) == 0 {
		return nil
	}
	counts := make(map[string]int)
	for _, o := range orders {
		if o.CustomerID == "" || !c.isRecent(o.CreatedAt, 90) {
			continue
		}
		counts[o.CustomerID]++
	}
	if len(counts) == 0 {
		return nil
	}
	repeat := 0
	for _, n := range counts {
		if n > 1 {
			repeat++
		}
	}
	repeatRate := float64(repeat) / float64(len(counts)) * 100
	score := 30 + min64(70, repeatRate*1.4)
	out := int(score)
	return &out
}

func (c *Calculator) calculateTrend(orders []Order) float64 {
	now := c.now()
	currentStart := now.AddDate(0, 0, -30)
	previousStart := now.AddDate(0, 0, -60)

	var current, previous int
	for _, o := range orders {
		switch {
		case !o.CreatedAt.Before(currentStart):
			current++
		case !o.CreatedAt.Before(previousStart) && o.CreatedAt.Before(currentStart):
			previous++
		}
	}
	if previous == 0 {
		return 0
	}
	return round1(float64(current-previous) / float64(previous) * 100)
}

func (c *Calculator) isRecent(t time.Time, days int) bool {
	if t.IsZero() {
		return false
	}
	return !t.Before(c.now().AddDate(0, 0, -days))
}

// computeQualityIndex blends freshness, completeness, and consistency
// into a single [0,1] reliability signal (spec.md §4.4 Data Quality
// Index).
func (c *Calculator) computeQualityIndex(orders []Order, inventory []InventoryItem, customers []Customer) float64 {
	now := c.now()

	var latest time.Time
	for _, o := range orders {
		if o.CreatedAt.After(latest) {
			latest = o.CreatedAt
		}
	}
	for _, i := range inventory {
		if i.UpdatedAt.After(latest) {
			latest = i.UpdatedAt
		}
	}
	for _, cu := range customers {
		if cu.LastOrderDate.After(latest) {
			latest = cu.LastOrderDate
		}
	}

	var freshness float64
	if !latest.IsZero() {
		days := max64(0, now.Sub(latest).Hours()/24)
		freshness = max64(0, 1-min64(days, 30)/30)
	}

	presentCount := 0.0
	if len(orders) > 0 {
		presentCount++
	}
	if len(inventory) > 0 {
		presentCount++
	}
	if len(customers) > 0 {
		presentCount++
	}
	presence := presentCount / 3.0
	sufficiency := min64(1, (float64(len(orders))/50+float64(len(inventory))/50+float64(len(customers))/50)/3)
	completeness := 0.7*presence + 0.3*sufficiency

	var negOrders, zeroAmounts, outOfStock int
	for _, o := range orders {
		if o.TotalAmount < 0 {
			negOrders++
		} else if o.TotalAmount == 0 {
			zeroAmounts++
		}
	}
	for _, i := range inventory {
		if i.Status == "out_of_stock" {
			outOfStock++
		}
	}
	total := max64(1, float64(len(orders)+len(inventory)))
	anomalyRate := min64(1, (float64(negOrders)+float64(zeroAmounts)*0.5+float64(outOfStock)*0.1)/total)
	consistency := max64(0, 1-anomalyRate)

	return clamp(0.45*freshness+0.35*completeness+0.20*consistency, 0, 1)
}

func clamp(v, lo, hi float64) float64 { return max64(lo, min64(hi, v)) }
func min64(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}
func max64(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}
func round1(v float64) float64 {
	return float64(int(v*10+sign(v)*0.5)) / 10
}
func round3(v float64) float64 {
	return float64(int(v*1000+sign(v)*0.5)) / 1000
}
func sign(v float64) float64 {
	if v < 0 {
		return -1
	}
	return 1
}
