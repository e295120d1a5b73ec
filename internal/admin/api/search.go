package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/goodtune/pricefleet/internal/budget"
	"github.com/goodtune/pricefleet/internal/optimizer"
	"github.com/goodtune/pricefleet/internal/pool"
	"github.com/goodtune/pricefleet/internal/session"
	"github.com/rs/zerolog"
)

// Searcher runs requests through the cost optimizer. optimizer.Engine
// implements it.
type Searcher interface {
	OptimizeAndExecute(ctx context.Context, req optimizer.Request) (optimizer.Outcome, error)
}

// OperationFactory builds the operation that fetches a page.
type OperationFactory func(target string) session.Operation

// SearchRequest is the body of POST /api/search.
type SearchRequest struct {
	Platform    string `json:"platform"`
	URL         string `json:"url"`
	Destination string `json:"destination"`
	CheckIn     string `json:"check_in"`  // YYYY-MM-DD
	CheckOut    string `json:"check_out"` // YYYY-MM-DD
	Guests      int    `json:"guests"`
	Priority    int    `json:"priority"`
	Urgency     string `json:"urgency"`
	Batchable   bool   `json:"batchable"`
	MaxResults  int    `json:"max_results"`
	Timeout     string `json:"timeout"`
}

// SearchResponse reports how a search was served.
type SearchResponse struct {
	RequestID   string             `json:"request_id"`
	Strategy    optimizer.Strategy `json:"strategy"`
	Source      optimizer.Source   `json:"source"`
	SessionID   string             `json:"session_id,omitempty"`
	Cost        float64            `json:"cost"`
	Shared      bool               `json:"shared"`
	Duration    string             `json:"duration"`
	ResultCount int                `json:"result_count"`
	Bytes       int                `json:"bytes"`
	Data        string             `json:"data,omitempty"`
}

// BudgetErrorResponse is returned when a search is denied for budget.
type BudgetErrorResponse struct {
	ErrorResponse
	Reason      budget.Reason       `json:"reason"`
	Alternative *budget.Alternative `json:"alternative,omitempty"`
}

// SearchHandler submits searches to the optimizer.
type SearchHandler struct {
	searcher Searcher
	fetch    OperationFactory
	logger   zerolog.Logger
}

// NewSearchHandler creates a new search handler.
func NewSearchHandler(searcher Searcher, fetch OperationFactory, logger zerolog.Logger) *SearchHandler {
	return &SearchHandler{
		searcher: searcher,
		fetch:    fetch,
		logger:   logger.With().Str("handler", "search").Logger(),
	}
}

// Search serves one search. ?data=false omits the page body.
func (h *SearchHandler) Search(w http.ResponseWriter, r *http.Request) {
	var body SearchRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	req, err := h.request(body)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	out, err := h.searcher.OptimizeAndExecute(r.Context(), req)
	if err != nil {
		h.writeSearchError(w, req, err)
		return
	}

	resp := SearchResponse{
		RequestID:   out.RequestID,
		Strategy:    out.Strategy,
		Source:      out.Source,
		SessionID:   out.SessionID,
		Cost:        out.Cost,
		Shared:      out.Shared,
		Duration:    out.Duration.String(),
		ResultCount: out.Result.ResultCount,
		Bytes:       len(out.Result.Data),
	}
	if r.URL.Query().Get("data") != "false" {
		resp.Data = string(out.Result.Data)
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *SearchHandler) request(body SearchRequest) (optimizer.Request, error) {
	req := optimizer.Request{
		Platform:    body.Platform,
		Destination: body.Destination,
		Guests:      body.Guests,
		Priority:    body.Priority,
		Batchable:   body.Batchable,
		MaxResults:  body.MaxResults,
	}
	if body.Platform == "" {
		return req, fmt.Errorf("platform is required")
	}

	target, err := url.Parse(body.URL)
	if err != nil || (target.Scheme != "http" && target.Scheme != "https") || target.Host == "" {
		return req, fmt.Errorf("url must be an absolute http or https URL")
	}
	req.Operation = h.fetch(target.String())

	if req.Urgency, err = optimizer.ParseUrgency(body.Urgency); err != nil {
		return req, err
	}
	if body.CheckIn != "" {
		if req.CheckIn, err = time.Parse(time.DateOnly, body.CheckIn); err != nil {
			return req, fmt.Errorf("check_in must be YYYY-MM-DD")
		}
	}
	if body.CheckOut != "" {
		if req.CheckOut, err = time.Parse(time.DateOnly, body.CheckOut); err != nil {
			return req, fmt.Errorf("check_out must be YYYY-MM-DD")
		}
	}
	if !req.CheckIn.IsZero() && !req.CheckOut.IsZero() && !req.CheckOut.After(req.CheckIn) {
		return req, fmt.Errorf("check_out must be after check_in")
	}
	if body.Guests < 0 || body.MaxResults < 0 {
		return req, fmt.Errorf("guests and max_results must not be negative")
	}
	if body.Timeout != "" {
		d, err := time.ParseDuration(body.Timeout)
		if err != nil || d <= 0 {
			return req, fmt.Errorf("timeout must be a positive duration such as 60s")
		}
		req.Timeout = d
	}
	return req, nil
}

func (h *SearchHandler) writeSearchError(w http.ResponseWriter, req optimizer.Request, err error) {
	var exceeded *budget.ExceededError
	switch {
	case errors.As(err, &exceeded):
		writeJSON(w, http.StatusPaymentRequired, BudgetErrorResponse{
			ErrorResponse: ErrorResponse{
				Error:   http.StatusText(http.StatusPaymentRequired),
				Message: err.Error(),
				Code:    http.StatusPaymentRequired,
			},
			Reason:      exceeded.Reason,
			Alternative: exceeded.Alternative,
		})
		return
	case errors.Is(err, optimizer.ErrCacheMiss):
		writeError(w, http.StatusNotFound, "No cached result; live searches are suspended by the budget")
		return
	case errors.Is(err, pool.ErrUnknownPlatform):
		writeError(w, http.StatusBadRequest, err.Error())
		return
	case errors.Is(err, pool.ErrRequestTimeout), errors.Is(err, pool.ErrClosed), errors.Is(err, optimizer.ErrClosed):
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	case errors.Is(err, session.ErrTimeout):
		writeError(w, http.StatusGatewayTimeout, err.Error())
		return
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		writeError(w, http.StatusServiceUnavailable, "Request canceled")
		return
	}

	h.logger.Error().
		Err(err).
		Str("request_id", req.ID).
		Str("platform", req.Platform).
		Msg("Search failed")
	writeError(w, http.StatusBadGateway, err.Error())
}
