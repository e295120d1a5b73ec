package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/goodtune/pricefleet/internal/budget"
	"github.com/goodtune/pricefleet/internal/optimizer"
	"github.com/goodtune/pricefleet/internal/provider"
	"github.com/rs/zerolog"
)

// BudgetSource reports spend against limits and answers admission checks.
// budget.Manager implements it.
type BudgetSource interface {
	Status() budget.Status
	CheckAdmission(est budget.Estimate) budget.Decision
}

// InterventionSource lists the budget interventions in effect.
type InterventionSource interface {
	Interventions() []optimizer.Intervention
}

// CheckRequest asks whether an operation would be admitted. Either
// EstimatedCost or Timeout must be set; a timeout is priced with the
// provider's rates.
type CheckRequest struct {
	Platform      string  `json:"platform"`
	EstimatedCost float64 `json:"estimated_cost"`
	Timeout       string  `json:"timeout"`
	MaxResults    int     `json:"max_results"`
	NewSession    bool    `json:"new_session"`
}

// BudgetHandler handles budget API requests.
type BudgetHandler struct {
	budget        BudgetSource
	interventions InterventionSource
	pricing       provider.Pricing
	logger        zerolog.Logger
}

// NewBudgetHandler creates a new budget handler. interventions may be nil
// when the optimizer is not running.
func NewBudgetHandler(b BudgetSource, interventions InterventionSource, pricing provider.Pricing, logger zerolog.Logger) *BudgetHandler {
	return &BudgetHandler{
		budget:        b,
		interventions: interventions,
		pricing:       pricing,
		logger:        logger.With().Str("handler", "budget").Logger(),
	}
}

// Status returns current spend, limits and tier.
func (h *BudgetHandler) Status(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.budget.Status())
}

// Check evaluates a hypothetical operation without reserving anything.
func (h *BudgetHandler) Check(w http.ResponseWriter, r *http.Request) {
	var req CheckRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	est, err := h.estimate(req)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	decision := h.budget.CheckAdmission(est)
	h.logger.Debug().
		Str("platform", req.Platform).
		Float64("cost", est.Total()).
		Bool("allowed", decision.Allowed).
		Str("reason", string(decision.Reason)).
		Msg("Budget check")

	writeJSON(w, http.StatusOK, decision)
}

func (h *BudgetHandler) estimate(req CheckRequest) (budget.Estimate, error) {
	est := budget.Estimate{
		Platform:           req.Platform,
		Cost:               req.EstimatedCost,
		RuntimeRatePerHour: h.pricing.RuntimeRatePerHour,
		MaxResults:         req.MaxResults,
	}
	if req.EstimatedCost < 0 {
		return est, errInvalid("estimated_cost must not be negative")
	}
	if req.MaxResults < 0 {
		return est, errInvalid("max_results must not be negative")
	}
	if req.Timeout != "" {
		d, err := time.ParseDuration(req.Timeout)
		if err != nil || d <= 0 {
			return est, errInvalid("timeout must be a positive duration such as 90s")
		}
		est.Timeout = d
	}
	if req.NewSession {
		est.CreationCost = h.pricing.CreationCost
	}
	if est.Cost == 0 && est.Timeout == 0 {
		return est, errInvalid("estimated_cost or timeout is required")
	}
	return est, nil
}

// Interventions lists the active budget interventions, most severe first.
func (h *BudgetHandler) Interventions(w http.ResponseWriter, r *http.Request) {
	interventions := []optimizer.Intervention{}
	if h.interventions != nil {
		interventions = append(interventions, h.interventions.Interventions()...)
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"interventions": interventions,
		"count":         len(interventions),
	})
}

type errInvalid string

func (e errInvalid) Error() string { return string(e) }
