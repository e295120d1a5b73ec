package optimizer

import (
	"testing"
	"time"

	"github.com/goodtune/pricefleet/internal/budget"
	"github.com/goodtune/pricefleet/internal/provider"
	"github.com/goodtune/pricefleet/internal/storage"
	"github.com/stretchr/testify/assert"
)

var (
	testPricing = provider.Pricing{CreationCost: 0.01, RuntimeRatePerHour: 0.05}
	testNow     = time.Date(2026, 3, 18, 12, 0, 0, 0, time.UTC)
)

func baseContext() Context {
	return Context{
		Now:     testNow,
		Pricing: testPricing,
		Policy: Policy{
			CacheThreshold:      0.7,
			ModerateUtilization: 0.5,
			BurnWindow:          time.Hour,
			BatchWindow:         2 * time.Minute,
			MaxDelay:            time.Hour,
		},
		Timeout: 90 * time.Second,
	}
}

func TestOptimize(t *testing.T) {
	tests := []struct {
		name    string
		req     Request
		modify  func(*Context)
		want    StrategyName
		timeout time.Duration
		check   func(t *testing.T, s Strategy)
	}{
		{
			name: "emergency serves cache only",
			req:  Request{Platform: "siteA", Urgency: UrgencyUrgent},
			modify: func(c *Context) {
				c.Budget.Tier = budget.TierEmergency
				c.Budget.Utilization = 1.02
			},
			want:    StrategyCacheFirst,
			timeout: 90 * time.Second,
			check: func(t *testing.T, s Strategy) {
				assert.True(t, s.CacheOnly)
				assert.InDelta(t, testPricing.Estimate(90*time.Second, true), s.EstimatedSavings, 1e-12)
			},
		},
		{
			name: "likely cache hit",
			req:  Request{Platform: "siteA"},
			modify: func(c *Context) {
				c.CacheLikelihood = 0.8
				c.CacheSupport = 2
				c.HasIdle = true
			},
			want:    StrategyCacheFirst,
			timeout: 90 * time.Second,
			check: func(t *testing.T, s Strategy) {
				assert.False(t, s.CacheOnly)
				assert.InDelta(t, 0.8*testPricing.RuntimeCost(90*time.Second), s.EstimatedSavings, 1e-12)
				assert.InDelta(t, 0.5, s.Confidence, 1e-12)
			},
		},
		{
			name: "cache likelihood below threshold",
			req:  Request{Platform: "siteA"},
			modify: func(c *Context) {
				c.CacheLikelihood = 0.69
			},
			want:    StrategyImmediate,
			timeout: 90 * time.Second,
		},
		{
			name: "burn rate above target defers batchable request",
			req:  Request{Platform: "siteA", Urgency: UrgencyLow, Batchable: true},
			modify: func(c *Context) {
				c.BurnRate = 2
				c.TargetBurnRate = 0.5
				c.History = 6
			},
			want:    StrategyDelayBatch,
			timeout: 90 * time.Second,
			check: func(t *testing.T, s Strategy) {
				assert.Equal(t, testNow.Add(45*time.Minute), s.ExecuteAt)
				assert.InDelta(t, 0.75, s.Confidence, 1e-12)
			},
		},
		{
			name: "delay is bounded by max delay",
			req:  Request{Platform: "siteA", Batchable: true},
			modify: func(c *Context) {
				c.BurnRate = 100
				c.TargetBurnRate = 0.01
				c.Policy.MaxDelay = 10 * time.Minute
			},
			want:    StrategyDelayBatch,
			timeout: 90 * time.Second,
			check: func(t *testing.T, s Strategy) {
				assert.Equal(t, testNow.Add(10*time.Minute), s.ExecuteAt)
			},
		},
		{
			name: "delay is at least the batch window",
			req:  Request{Platform: "siteA", Batchable: true},
			modify: func(c *Context) {
				c.BurnRate = 1.001
				c.TargetBurnRate = 1
			},
			want:    StrategyDelayBatch,
			timeout: 90 * time.Second,
			check: func(t *testing.T, s Strategy) {
				assert.Equal(t, testNow.Add(2*time.Minute), s.ExecuteAt)
			},
		},
		{
			name: "urgent request is never deferred",
			req:  Request{Platform: "siteA", Urgency: UrgencyUrgent, Batchable: true},
			modify: func(c *Context) {
				c.BurnRate = 2
				c.TargetBurnRate = 0.5
			},
			want:    StrategyImmediate,
			timeout: 90 * time.Second,
		},
		{
			name: "moderate utilization maximizes reuse",
			req:  Request{Platform: "siteA"},
			modify: func(c *Context) {
				c.Budget.Utilization = 0.6
				c.HasIdle = true
			},
			want:    StrategyMaximizeReuse,
			timeout: 67 * time.Second,
			check: func(t *testing.T, s Strategy) {
				assert.True(t, s.ReuseBias)
				want := testPricing.RuntimeCost(23*time.Second) + testPricing.CreationCost
				assert.InDelta(t, want, s.EstimatedSavings, 1e-12)
			},
		},
		{
			name: "critical tier halves timeout",
			req:  Request{Platform: "siteA"},
			modify: func(c *Context) {
				c.Budget.Tier = budget.TierCritical
				c.Budget.Utilization = 0.96
			},
			want:    StrategyMaximizeReuse,
			timeout: 45 * time.Second,
		},
		{
			name: "reduced timeout has a floor",
			req:  Request{Platform: "siteA", Timeout: 20 * time.Second},
			modify: func(c *Context) {
				c.Budget.Tier = budget.TierWarning
				c.Budget.Utilization = 0.85
			},
			want:    StrategyMaximizeReuse,
			timeout: 20 * time.Second,
		},
		{
			name:    "no pressure",
			req:     Request{Platform: "siteA"},
			want:    StrategyImmediate,
			timeout: 90 * time.Second,
			check: func(t *testing.T, s Strategy) {
				assert.Zero(t, s.EstimatedSavings)
				assert.Equal(t, 1.0, s.Confidence)
			},
		},
		{
			name:    "request timeout caps platform timeout",
			req:     Request{Platform: "siteA", Timeout: 40 * time.Second},
			want:    StrategyImmediate,
			timeout: 40 * time.Second,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := baseContext()
			if tt.modify != nil {
				tt.modify(&c)
			}
			got := Optimize(tt.req, c)
			assert.Equal(t, tt.want, got.Name)
			assert.Equal(t, tt.timeout, got.Timeout)
			assert.NotEmpty(t, got.Actions)
			if tt.check != nil {
				tt.check(t, got)
			}
		})
	}
}

func TestCacheLikelihood(t *testing.T) {
	checkIn := time.Date(2026, 4, 10, 0, 0, 0, 0, time.UTC)
	req := Request{Platform: "siteA", Destination: "Lisbon", CheckIn: checkIn, Guests: 2}

	record := func(mod func(*storage.SearchRecord)) storage.SearchRecord {
		rec := storage.SearchRecord{
			Platform:    "siteA",
			Destination: "lisbon ",
			CheckIn:     checkIn,
			Guests:      2,
			Timestamp:   testNow,
		}
		if mod != nil {
			mod(&rec)
		}
		return rec
	}

	tests := []struct {
		name        string
		records     []storage.SearchRecord
		want        float64
		wantSupport int
	}{
		{"no history", nil, 0, 0},
		{"exact match just now", []storage.SearchRecord{record(nil)}, 1, 1},
		{
			"half the window old",
			[]storage.SearchRecord{record(func(r *storage.SearchRecord) { r.Timestamp = testNow.Add(-12 * time.Hour) })},
			0.5, 1,
		},
		{
			"one day off",
			[]storage.SearchRecord{record(func(r *storage.SearchRecord) { r.CheckIn = checkIn.AddDate(0, 0, 1) })},
			1 - 1.0/3, 1,
		},
		{
			"different guests",
			[]storage.SearchRecord{record(func(r *storage.SearchRecord) { r.Guests = 4 })},
			0.5, 1,
		},
		{
			"other destination",
			[]storage.SearchRecord{record(func(r *storage.SearchRecord) { r.Destination = "Porto" })},
			0, 0,
		},
		{
			"other platform",
			[]storage.SearchRecord{record(func(r *storage.SearchRecord) { r.Platform = "siteB" })},
			0, 0,
		},
		{
			"outside date tolerance",
			[]storage.SearchRecord{record(func(r *storage.SearchRecord) { r.CheckIn = checkIn.AddDate(0, 0, -3) })},
			0, 0,
		},
		{
			"outside search window",
			[]storage.SearchRecord{record(func(r *storage.SearchRecord) { r.Timestamp = testNow.Add(-25 * time.Hour) })},
			0, 0,
		},
		{
			"best of several",
			[]storage.SearchRecord{
				record(func(r *storage.SearchRecord) { r.Guests = 3 }),
				record(func(r *storage.SearchRecord) { r.Timestamp = testNow.Add(-6 * time.Hour) }),
				record(func(r *storage.SearchRecord) { r.Destination = "Madrid" }),
			},
			0.75, 2,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, support := CacheLikelihood(req, tt.records, testNow, 24*time.Hour, 2)
			assert.InDelta(t, tt.want, got, 1e-9)
			assert.Equal(t, tt.wantSupport, support)
		})
	}
}

func TestConfidenceGrowsWithSupport(t *testing.T) {
	assert.Zero(t, confidence(0))
	prev := 0.0
	for n := 1; n <= 10; n++ {
		c := confidence(n)
		assert.Greater(t, c, prev)
		assert.Less(t, c, 1.0)
		prev = c
	}
}

func TestRequestKey(t *testing.T) {
	a := Request{Platform: "siteA", Destination: " Lisbon", CheckIn: testNow, CheckOut: testNow.AddDate(0, 0, 2), Guests: 2}
	b := a
	b.Destination = "lisbon"
	b.CheckIn = testNow.Add(3 * time.Hour)
	assert.Equal(t, a.Key(), b.Key())

	b.Guests = 3
	assert.NotEqual(t, a.Key(), b.Key())
}

func TestParseUrgency(t *testing.T) {
	u, err := ParseUrgency("")
	assert.NoError(t, err)
	assert.Equal(t, UrgencyNormal, u)

	u, err = ParseUrgency("URGENT")
	assert.NoError(t, err)
	assert.Equal(t, UrgencyUrgent, u)

	_, err = ParseUrgency("asap")
	assert.Error(t, err)
}
