package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/cowork-market/tariff/internal/domain"
	"github.com/cowork-market/tariff/internal/pricing"
	"github.com/cowork-market/tariff/internal/quoting"
)

// Handler holds dependencies for API handlers.
type Handler struct {
	service *quoting.Service
	engine  *pricing.Engine
	repo    domain.Repository
	cache   domain.Cache
	bus     domain.EventBus
	version string
}

// NewHandler creates a new API handler. repo, cache and bus are only used
// for health checks and may be nil.
func NewHandler(service *quoting.Service, engine *pricing.Engine, repo domain.Repository, cache domain.Cache, bus domain.EventBus, version string) *Handler {
	return &Handler{
		service: service,
		engine:  engine,
		repo:    repo,
		cache:   cache,
		bus:     bus,
		version: version,
	}
}

// EvaluateRequest is the request body for POST /evaluate.
type EvaluateRequest struct {
	Definition domain.PriceRuleDefinition `json:"definition"`
	Context    domain.EvaluationContext   `json:"context"`
}

// EvaluateResponse is the response for POST /evaluate. Price is null when
// unavailable.
type EvaluateResponse struct {
	Price   *float64      `json:"price"`
	Branch  domain.Branch `json:"branch"`
	Display string        `json:"display,omitempty"`
}

// Evaluate handles POST /evaluate: an ad hoc evaluation of a definition.
// Problems in the definition yield a null price, never an error.
func (h *Handler) Evaluate(w http.ResponseWriter, r *http.Request) {
	var req EvaluateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body: " + err.Error(),
		})
		return
	}

	res := h.service.Evaluate(req.Definition, req.Context)
	writeJSON(w, http.StatusOK, EvaluateResponse{
		Price:   res.Price,
		Branch:  res.Branch,
		Display: domain.FormatPrice(res.Price),
	})
}

// ValidateRequest is the request body for POST /rules/validate.
type ValidateRequest struct {
	Definition  domain.PriceRuleDefinition `json:"definition"`
	AppliesWhen string                     `json:"appliesWhen,omitempty"`
}

// ValidateResponse lists every problem found in a rule.
type ValidateResponse struct {
	Valid      bool     `json:"valid"`
	Problems   []string `json:"problems,omitempty"`
	References []string `json:"references"`
}

// ValidateRule handles POST /rules/validate.
func (h *Handler) ValidateRule(w http.ResponseWriter, r *http.Request) {
	var req ValidateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body: " + err.Error(),
		})
		return
	}

	var problems []string
	if err := pricing.Validate(req.Definition); err != nil {
		problems = append(problems, splitProblems(err)...)
	}
	if req.AppliesWhen != "" {
		if err := h.engine.ValidateGuard(req.AppliesWhen); err != nil {
			for _, p := range splitProblems(err) {
				problems = append(problems, "appliesWhen: "+p)
			}
		}
	}

	writeJSON(w, http.StatusOK, ValidateResponse{
		Valid:      len(problems) == 0,
		Problems:   problems,
		References: pricing.References(req.Definition),
	})
}

// splitProblems flattens joined validation errors into messages, dropping
// the sentinel classifying them.
func splitProblems(err error) []string {
	multi, ok := err.(interface{ Unwrap() []error })
	if !ok {
		return []string{err.Error()}
	}
	var out []string
	for _, e := range multi.Unwrap() {
		if e == pricing.ErrInvalidDefinition || e == pricing.ErrInvalidAppliesWhen {
			continue
		}
		out = append(out, splitProblems(e)...)
	}
	return out
}

// Health returns server health status.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	status := "healthy"

	if h.repo != nil {
		if err := h.repo.Ping(r.Context()); err != nil {
			status = "degraded"
		}
	}

	if h.cache != nil {
		if err := h.cache.Ping(r.Context()); err != nil {
			status = "degraded"
		}
	}

	if h.bus != nil {
		if err := h.bus.Ping(r.Context()); err != nil {
			status = "degraded"
		}
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"status":  status,
		"version": h.version,
	})
}

// Ready returns whether the server is ready to accept traffic.
func (h *Handler) Ready(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"ready":       true,
		"rulesLoaded": h.engine.RulesCount(),
	})
}

// RuleRequest is the request body for creating or updating a rule.
type RuleRequest struct {
	ID          string                     `json:"id,omitempty"`
	AreaID      string                     `json:"areaId"`
	Name        string                     `json:"name"`
	Description string                     `json:"description,omitempty"`
	Priority    int                        `json:"priority"`
	AppliesWhen string                     `json:"appliesWhen,omitempty"`
	Definition  domain.PriceRuleDefinition `json:"definition"`
	Currency    string                     `json:"currency,omitempty"`

	// Enabled defaults to true.
	Enabled *bool `json:"enabled,omitempty"`
}

func (req RuleRequest) rule() *domain.PricingRule {
	enabled := true
	if req.Enabled != nil {
		enabled = *req.Enabled
	}
	return &domain.PricingRule{
		ID:          req.ID,
		AreaID:      req.AreaID,
		Name:        req.Name,
		Description: req.Description,
		Priority:    req.Priority,
		AppliesWhen: req.AppliesWhen,
		Definition:  req.Definition,
		Currency:    req.Currency,
		Enabled:     enabled,
	}
}

func decodeRule(w http.ResponseWriter, r *http.Request) (*RuleRequest, bool) {
	var req RuleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body: " + err.Error(),
		})
		return nil, false
	}
	if req.AreaID == "" || req.Name == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "areaId and name are required",
		})
		return nil, false
	}
	return &req, true
}

// ListRules returns the tenant's persisted rules. With ?loaded=true it
// returns the rules the engine currently prices with, global rules
// included.
func (h *Handler) ListRules(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)

	if r.URL.Query().Get("loaded") == "true" {
		loaded := h.engine.GetLoadedRules(tenantID)
		writeJSON(w, http.StatusOK, map[string]any{
			"rules":  loaded,
			"count":  len(loaded),
			"source": "engine",
		})
		return
	}

	rules, err := h.service.ListRules(ctx, tenantID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"rules":  rules,
		"count":  len(rules),
		"source": "database",
	})
}

// GetRule retrieves a persisted rule by ID.
func (h *Handler) GetRule(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	rule, err := h.service.GetRule(ctx, GetTenantID(ctx), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rule)
}

// CreateRule validates, persists and loads a new rule.
func (h *Handler) CreateRule(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeRule(w, r)
	if !ok {
		return
	}

	ctx := r.Context()
	rule, err := h.service.CreateRule(ctx, GetTenantID(ctx), req.rule())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, rule)
}

// UpdateRule replaces a rule. The ID in the path wins over the body.
func (h *Handler) UpdateRule(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeRule(w, r)
	if !ok {
		return
	}
	req.ID = chi.URLParam(r, "id")

	ctx := r.Context()
	rule, err := h.service.UpdateRule(ctx, GetTenantID(ctx), req.rule())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rule)
}

// DeleteRule soft-deletes a rule.
func (h *Handler) DeleteRule(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if err := h.service.DeleteRule(ctx, GetTenantID(ctx), chi.URLParam(r, "id")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ReloadRules reloads the tenant's rules from the database into the engine.
func (h *Handler) ReloadRules(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)

	n, err := h.service.ReloadRules(ctx, tenantID)
	if err != nil {
		slog.Error("failed to reload rules", "tenant_id", tenantID, "error", err)
		writeError(w, err)
		return
	}

	slog.Info("rules reloaded from database", "tenant_id", tenantID, "count", n)
	writeJSON(w, http.StatusOK, map[string]any{
		"message": "rules reloaded successfully",
		"count":   n,
	})
}

// QuoteRule handles POST /rules/{id}/quote.
func (h *Handler) QuoteRule(w http.ResponseWriter, r *http.Request) {
	ectx, ok := decodeContext(w, r)
	if !ok {
		return
	}

	ctx := r.Context()
	quote, err := h.service.QuoteRule(ctx, GetTenantID(ctx), chi.URLParam(r, "id"), ectx)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, quote)
}

// QuoteArea handles POST /areas/{areaId}/quote.
func (h *Handler) QuoteArea(w http.ResponseWriter, r *http.Request) {
	ectx, ok := decodeContext(w, r)
	if !ok {
		return
	}

	ctx := r.Context()
	quote, err := h.service.QuoteArea(ctx, GetTenantID(ctx), chi.URLParam(r, "areaId"), ectx)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, quote)
}

func decodeContext(w http.ResponseWriter, r *http.Request) (domain.EvaluationContext, bool) {
	var ectx domain.EvaluationContext
	if err := json.NewDecoder(r.Body).Decode(&ectx); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body: " + err.Error(),
		})
		return ectx, false
	}
	return ectx, true
}

// GetQuote retrieves a persisted quote by ID.
func (h *Handler) GetQuote(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	quote, err := h.service.GetQuote(ctx, GetTenantID(ctx), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, quote)
}

// ListRuleQuotes returns the latest quotes of a rule, newest first.
func (h *Handler) ListRuleQuotes(w http.ResponseWriter, r *http.Request) {
	var limit uint64 = 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{
				"error": "limit must be a non-negative integer",
			})
			return
		}
		limit = n
	}

	ctx := r.Context()
	quotes, err := h.service.ListQuotes(ctx, GetTenantID(ctx), chi.URLParam(r, "id"), limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"quotes": quotes,
		"count":  len(quotes),
	})
}

// writeError maps service errors to HTTP statuses.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, pricing.ErrRuleNotFound), errors.Is(err, quoting.ErrQuoteNotFound):
		status = http.StatusNotFound
	case errors.Is(err, pricing.ErrNoApplicableRule):
		status = http.StatusUnprocessableEntity
	case errors.Is(err, quoting.ErrRuleExists):
		status = http.StatusConflict
	case errors.Is(err, pricing.ErrInvalidDefinition),
		errors.Is(err, pricing.ErrInvalidAppliesWhen),
		errors.Is(err, quoting.ErrInvalidRequest),
		errors.Is(err, quoting.ErrTenantRequired):
		status = http.StatusBadRequest
	}

	if status == http.StatusInternalServerError {
		slog.Error("request failed", "error", err)
		writeJSON(w, status, map[string]string{"error": "internal server error"})
		return
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
