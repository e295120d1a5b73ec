package provider

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestPricing(t *testing.T) {
	p := Pricing{CreationCost: 0.01, RuntimeRatePerHour: 0.05}

	assert.InDelta(t, 0.05, p.RuntimeCost(time.Hour), 1e-12)
	assert.InDelta(t, 0.00125, p.RuntimeCost(90*time.Second), 1e-12)
	assert.Zero(t, p.RuntimeCost(-time.Second))

	assert.InDelta(t, 0.01125, p.Estimate(90*time.Second, true), 1e-12)
	assert.InDelta(t, 0.00125, p.Estimate(90*time.Second, false), 1e-12)

	assert.Equal(t, 30*time.Minute, p.AffordableDuration(0.025))
	assert.Zero(t, p.AffordableDuration(0))
}
