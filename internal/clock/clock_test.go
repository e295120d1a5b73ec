package clock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestTestClock(t *testing.T) {
	start := time.Date(2026, 3, 18, 12, 0, 0, 0, time.UTC)
	c := NewTest(start)
	assert.Equal(t, start, c.Now())

	c.Advance(90 * time.Minute)
	assert.Equal(t, start.Add(90*time.Minute), c.Now())

	c.Set(start)
	assert.Equal(t, start, c.Now())
}

func TestCalendarBoundaries(t *testing.T) {
	loc, err := time.LoadLocation("America/New_York")
	if err != nil {
		t.Skip("tzdata unavailable")
	}

	// Wednesday
	ts := time.Date(2026, 3, 18, 23, 30, 0, 0, loc)

	assert.Equal(t, time.Date(2026, 3, 18, 0, 0, 0, 0, loc), StartOfDay(ts))
	assert.Equal(t, time.Date(2026, 3, 1, 0, 0, 0, 0, loc), StartOfMonth(ts))
	assert.Equal(t, time.Date(2026, 3, 16, 0, 0, 0, 0, loc), StartOfWeek(ts))

	// Sunday belongs to the week that started the previous Monday
	sunday := time.Date(2026, 3, 22, 8, 0, 0, 0, loc)
	assert.Equal(t, time.Date(2026, 3, 16, 0, 0, 0, 0, loc), StartOfWeek(sunday))
}
