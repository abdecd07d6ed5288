package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/gorilla/mux"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/trogers1052/opportunity-metrics/internal/cache"
	"github.com/trogers1052/opportunity-metrics/internal/models"
	"github.com/trogers1052/opportunity-metrics/internal/service"
	"github.com/trogers1052/opportunity-metrics/internal/telemetry"
)

// maxBodyBytes caps request bodies
const maxBodyBytes = 1 << 20

// DashboardReader serves GET /metrics
type DashboardReader interface {
	Metrics(ctx context.Context) (*models.DashboardMetrics, error)
}

// PortfolioManager serves the /portfolio routes
type PortfolioManager interface {
	Get(ctx context.Context, userID string) (*service.PortfolioView, error)
	Setup(ctx context.Context, userID string, opening *decimal.Decimal) (*models.UserPortfolio, error)
	OpenTrade(ctx context.Context, req service.OpenTradeRequest) (*models.UserTrade, error)
	UpdateTrade(ctx context.Context, id string, req service.UpdateTradeRequest) (*models.UserTrade, error)
	DeleteTrade(ctx context.Context, id string) (*models.UserTrade, error)
	Reconcile(ctx context.Context, userID string) (*models.UserPortfolio, error)
}

// PositionLister serves GET /positions
type PositionLister interface {
	List(ctx context.Context, q service.PositionQuery) (*service.PositionsPage, error)
}

// CacheStatser reports aggregate cache counters
type CacheStatser interface {
	Stats() cache.Stats
}

// Pinger reports datastore reachability for /health
type Pinger interface {
	Ping(ctx context.Context) error
}

// Handler holds dependencies for HTTP handlers
type Handler struct {
	dashboard DashboardReader
	portfolio PortfolioManager
	positions PositionLister
	cache     CacheStatser
	db        Pinger
	logger    *zap.Logger
}

// Deps groups what NewHandler needs. Cache and DB may be nil.
type Deps struct {
	Dashboard DashboardReader
	Portfolio PortfolioManager
	Positions PositionLister
	Cache     CacheStatser
	DB        Pinger
	Logger    *zap.Logger
}

// NewHandler creates a new Handler
func NewHandler(d Deps) *Handler {
	logger := d.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		dashboard: d.Dashboard,
		portfolio: d.Portfolio,
		positions: d.Positions,
		cache:     d.Cache,
		db:        d.DB,
		logger:    logger,
	}
}

// GetMetrics handles GET /metrics
func (h *Handler) GetMetrics(w http.ResponseWriter, r *http.Request) {
	metrics, err := h.dashboard.Metrics(r.Context())
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, metrics)
}

// GetPortfolio handles GET /portfolio?userId=
func (h *Handler) GetPortfolio(w http.ResponseWriter, r *http.Request) {
	view, err := h.portfolio.Get(r.Context(), r.URL.Query().Get("userId"))
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, view)
}

// SetupPortfolio handles POST /portfolio/setup
func (h *Handler) SetupPortfolio(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UserID         string          `json:"userId"`
		OpeningBalance json.RawMessage `json:"openingBalance"`
	}
	if err := decodeBody(w, r, &req); err != nil {
		h.respondError(w, r, err)
		return
	}

	opening, err := parseAmount("openingBalance", req.OpeningBalance)
	if err != nil {
		h.respondError(w, r, err)
		return
	}

	p, err := h.portfolio.Setup(r.Context(), req.UserID, opening)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"portfolio": p})
}

// CreateTrade handles POST /portfolio/trade
func (h *Handler) CreateTrade(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UserID        string          `json:"userId"`
		Category      string          `json:"category"`
		EntryAmount   json.RawMessage `json:"entryAmount"`
		OpportunityID *string         `json:"opportunityId"`
		Title         string          `json:"title"`
		Notes         string          `json:"notes"`
	}
	if err := decodeBody(w, r, &req); err != nil {
		h.respondError(w, r, err)
		return
	}

	entry, err := parseAmount("entryAmount", req.EntryAmount)
	if err != nil {
		h.respondError(w, r, err)
		return
	}

	trade, err := h.portfolio.OpenTrade(r.Context(), service.OpenTradeRequest{
		UserID:        req.UserID,
		Category:      strings.TrimSpace(req.Category),
		EntryAmount:   entry,
		OpportunityID: req.OpportunityID,
		Title:         req.Title,
		Notes:         req.Notes,
	})
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusCreated, map[string]interface{}{"trade": trade})
}

// UpdateTrade handles PATCH /portfolio/trade/{id}
func (h *Handler) UpdateTrade(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	var req struct {
		ExitAmount json.RawMessage `json:"exitAmount"`
		Status     string          `json:"status"`
		Notes      *string         `json:"notes"`
	}
	if err := decodeBody(w, r, &req); err != nil {
		h.respondError(w, r, err)
		return
	}

	exit, err := parseAmount("exitAmount", req.ExitAmount)
	if err != nil {
		h.respondError(w, r, err)
		return
	}

	trade, err := h.portfolio.UpdateTrade(r.Context(), id, service.UpdateTradeRequest{
		ExitAmount: exit,
		Status:     strings.ToLower(strings.TrimSpace(req.Status)),
		Notes:      req.Notes,
	})
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"trade": trade})
}

// DeleteTrade handles DELETE /portfolio/trade/{id}
func (h *Handler) DeleteTrade(w http.ResponseWriter, r *http.Request) {
	trade, err := h.portfolio.DeleteTrade(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"trade": trade})
}

// ReconcilePortfolio handles POST /portfolio/reconcile
func (h *Handler) ReconcilePortfolio(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UserID string `json:"userId"`
	}
	if err := decodeBody(w, r, &req); err != nil {
		h.respondError(w, r, err)
		return
	}

	p, err := h.portfolio.Reconcile(r.Context(), req.UserID)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"portfolio": p})
}

// ListPositions handles GET /positions
func (h *Handler) ListPositions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	limit, err := queryInt(q.Get("limit"), "limit")
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	offset, err := queryInt(q.Get("offset"), "offset")
	if err != nil {
		h.respondError(w, r, err)
		return
	}

	page, err := h.positions.List(r.Context(), service.PositionQuery{
		Status:     strings.ToLower(q.Get("status")),
		AssetClass: strings.ToLower(q.Get("asset_class")),
		Limit:      limit,
		Offset:     offset,
	})
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, page)
}

// CacheStats handles GET /admin/cache/stats
func (h *Handler) CacheStats(w http.ResponseWriter, r *http.Request) {
	if h.cache == nil {
		respondJSON(w, http.StatusOK, cache.Stats{Backend: cache.BackendNone})
		return
	}
	respondJSON(w, http.StatusOK, h.cache.Stats())
}

// HealthCheck handles GET /health
func (h *Handler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	if h.db != nil {
		if err := h.db.Ping(r.Context()); err != nil {
			h.logger.Warn("health check failed", zap.Error(err))
			respondJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unhealthy"})
			return
		}
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

// respondError maps err onto the HTTP error taxonomy. Store failures and
// anything unrecognized are logged with their cause and answered with a
// generic 500.
func (h *Handler) respondError(w http.ResponseWriter, r *http.Request, err error) {
	if v, ok := models.AsValidation(err); ok {
		respondJSON(w, http.StatusBadRequest, errorResponse{Error: v.Error(), Field: v.Field})
		return
	}
	if models.IsNotFound(err) {
		respondJSON(w, http.StatusNotFound, errorResponse{Error: err.Error()})
		return
	}

	var storeErr *models.StoreError
	if errors.As(err, &storeErr) {
		telemetry.StoreFailure(storeErr.Op)
	}
	h.logger.Error("request failed",
		zap.String("method", r.Method),
		zap.String("path", r.URL.Path),
		zap.Error(err),
	)
	respondJSON(w, http.StatusInternalServerError, errorResponse{Error: "Internal server error"})
}

type errorResponse struct {
	Error string `json:"error"`
	Field string `json:"field,omitempty"`
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst interface{}) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(dst); err != nil {
		return models.NewValidationError("body", "invalid request body")
	}
	return nil
}

// parseAmount reads an optional money field sent as a JSON number or a
// numeric string. Absent and null give nil. Values the store cannot hold
// exactly are rejected.
func parseAmount(field string, raw json.RawMessage) (*decimal.Decimal, error) {
	s := strings.TrimSpace(string(raw))
	if s == "" || s == "null" {
		return nil, nil
	}
	if strings.HasPrefix(s, `"`) {
		var str string
		if err := json.Unmarshal(raw, &str); err != nil {
			return nil, models.NewValidationError(field, "must be a number")
		}
		s = strings.TrimSpace(str)
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return nil, models.NewValidationError(field, "must be a number")
	}
	if err := models.CheckAmount(field, d); err != nil {
		return nil, err
	}
	return &d, nil
}

func queryInt(s, field string) (int, error) {
	if s == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, models.NewValidationError(field, "must be an integer")
	}
	return n, nil
}

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
