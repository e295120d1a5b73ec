package api

import (
	"net/http"

	"github.com/goodtune/pricefleet/internal/cost"
	"github.com/rs/zerolog"
)

// CostReporter aggregates the cost ledger. cost.Tracker implements it.
type CostReporter interface {
	Report(w cost.Window) cost.CostReport
}

// CostsHandler handles cost report requests.
type CostsHandler struct {
	costs  CostReporter
	logger zerolog.Logger
}

// NewCostsHandler creates a new costs handler.
func NewCostsHandler(costs CostReporter, logger zerolog.Logger) *CostsHandler {
	return &CostsHandler{
		costs:  costs,
		logger: logger.With().Str("handler", "costs").Logger(),
	}
}

// Report returns the spend report for ?window=day|week|month|all.
func (h *CostsHandler) Report(w http.ResponseWriter, r *http.Request) {
	window, err := cost.ParseWindow(r.URL.Query().Get("window"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, h.costs.Report(window))
}
