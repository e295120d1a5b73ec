package cost

import (
	"fmt"
	"sort"
	"time"

	"github.com/goodtune/pricefleet/internal/storage"
)

// Window selects the calendar range of an aggregate.
type Window string

const (
	WindowDay   Window = "day"
	WindowWeek  Window = "week"
	WindowMonth Window = "month"
	WindowAll   Window = "all"
)

// ParseWindow validates a window name.
func ParseWindow(s string) (Window, error) {
	switch w := Window(s); w {
	case WindowDay, WindowWeek, WindowMonth, WindowAll:
		return w, nil
	case "":
		return WindowDay, nil
	default:
		return "", fmt.Errorf("invalid window %q (must be day, week, month, or all)", s)
	}
}

// PlatformCost aggregates one platform's spend within a report window.
type PlatformCost struct {
	Platform      string  `json:"platform"`
	Cost          float64 `json:"cost"`
	Sessions      int     `json:"sessions"`
	Results       int     `json:"results"`
	Records       int     `json:"records"`
	CostPerResult float64 `json:"cost_per_result"`
}

// CostReport summarizes spend within a window.
type CostReport struct {
	Window    Window                       `json:"window"`
	Since     time.Time                    `json:"since"`
	Until     time.Time                    `json:"until"`
	Total     float64                      `json:"total"`
	Records   int                          `json:"records"`
	Results   int                          `json:"results"`
	ByKind    map[storage.CostKind]float64 `json:"by_kind"`
	Platforms []PlatformCost               `json:"platforms"`
}

// Report aggregates the ledger over w. Platforms are ordered by cost, highest first.
func (t *Tracker) Report(w Window) CostReport {
	since := t.windowStart(w)
	now := t.clock.Now()

	t.mu.RLock()
	defer t.mu.RUnlock()

	report := CostReport{
		Window: w,
		Since:  since,
		Until:  now,
		ByKind: make(map[storage.CostKind]float64),
	}

	byPlatform := make(map[string]*PlatformCost)
	sessions := make(map[string]map[string]struct{})

	for _, r := range t.records {
		if r.Timestamp.Before(since) {
			continue
		}

		pc, ok := byPlatform[r.Platform]
		if !ok {
			pc = &PlatformCost{Platform: r.Platform}
			byPlatform[r.Platform] = pc
			sessions[r.Platform] = make(map[string]struct{})
		}
		pc.Cost += r.Cost
		pc.Results += r.ResultCount
		pc.Records++
		if r.SessionID != "" {
			sessions[r.Platform][r.SessionID] = struct{}{}
		}

		report.Total += r.Cost
		report.Records++
		report.Results += r.ResultCount
		report.ByKind[r.Kind] += r.Cost
	}

	for name, pc := range byPlatform {
		pc.Sessions = len(sessions[name])
		if pc.Results > 0 {
			pc.CostPerResult = pc.Cost / float64(pc.Results)
		}
		report.Platforms = append(report.Platforms, *pc)
	}
	sort.Slice(report.Platforms, func(i, j int) bool {
		if report.Platforms[i].Cost != report.Platforms[j].Cost {
			return report.Platforms[i].Cost > report.Platforms[j].Cost
		}
		return report.Platforms[i].Platform < report.Platforms[j].Platform
	})

	return report
}
