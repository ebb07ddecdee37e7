package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/orderflow/api/internal/platform/auth"
	"github.com/orderflow/api/internal/platform/httpx"
	"github.com/orderflow/api/internal/platform/pagination"
	"github.com/orderflow/api/internal/repositories"
	"github.com/orderflow/api/internal/services"
)

const (
	defaultVariantPageSize = 50
	maxVariantPageSize     = 200
	maxStockAdjustBodySize = 4 * 1024
)

type adjustStockRequest struct {
	Delta  *int64 `json:"delta"`
	SetTo  *int64 `json:"set_to"`
	Reason string `json:"reason"`
}

// StockHandlers exposes staff-only stock ledger endpoints.
type StockHandlers struct {
	authn *auth.Authenticator
	stock services.StockService
}

// NewStockHandlers constructs a new StockHandlers instance.
func NewStockHandlers(authn *auth.Authenticator, stock services.StockService) *StockHandlers {
	return &StockHandlers{
		authn: authn,
		stock: stock,
	}
}

// Routes registers the /variants endpoints.
func (h *StockHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	if h.authn != nil {
		r.Use(h.authn.RequireFirebaseAuth(auth.RoleStaff, auth.RoleAdmin))
	}
	r.Get("/low-stock", h.listLowStock)
	r.Get("/{variantID}", h.getVariant)
	r.Post("/{variantID}:adjust", h.adjustVariant)
}

// InternalRoutes registers the machine-to-machine stock endpoints used by
// replenishment schedulers. Service authentication is applied by the router.
func (h *StockHandlers) InternalRoutes(r chi.Router) {
	if r == nil {
		return
	}
	r.Get("/variants/low-stock", h.listLowStock)
}

func (h *StockHandlers) getVariant(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.stock == nil {
		httpx.WriteError(ctx, w, httpx.NewError("stock_service_unavailable", "stock service unavailable", http.StatusServiceUnavailable))
		return
	}

	variantID := strings.TrimSpace(chi.URLParam(r, "variantID"))
	if variantID == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "variant id is required", http.StatusBadRequest))
		return
	}

	variant, err := h.stock.GetVariant(ctx, variantID)
	if err != nil {
		writeStockError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, variantResponse{Variant: buildVariantPayload(variant)})
}

func (h *StockHandlers) adjustVariant(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.stock == nil {
		httpx.WriteError(ctx, w, httpx.NewError("stock_service_unavailable", "stock service unavailable", http.StatusServiceUnavailable))
		return
	}

	identity, ok := auth.IdentityFromContext(ctx)
	if !ok || identity == nil || strings.TrimSpace(identity.UID) == "" {
		httpx.WriteError(ctx, w, httpx.NewError("unauthenticated", "authentication required", http.StatusUnauthorized))
		return
	}

	variantID := strings.TrimSpace(chi.URLParam(r, "variantID"))
	if variantID == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "variant id is required", http.StatusBadRequest))
		return
	}

	body, err := readLimitedBody(r, maxStockAdjustBodySize)
	if err != nil {
		writeBodyError(ctx, w, err)
		return
	}
	var req adjustStockRequest
	if err := json.Unmarshal(body, &req); err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "invalid JSON body", http.StatusBadRequest))
		return
	}

	variant, err := h.stock.Adjust(ctx, services.StockAdjustCommand{
		VariantID: variantID,
		Delta:     req.Delta,
		SetTo:     req.SetTo,
		ActorID:   strings.TrimSpace(identity.UID),
		Reason:    strings.TrimSpace(req.Reason),
	})
	if err != nil {
		writeStockError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, variantResponse{Variant: buildVariantPayload(variant)})
}

func (h *StockHandlers) listLowStock(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.stock == nil {
		httpx.WriteError(ctx, w, httpx.NewError("stock_service_unavailable", "stock service unavailable", http.StatusServiceUnavailable))
		return
	}

	query := r.URL.Query()

	var threshold int64
	if raw := strings.TrimSpace(query.Get("threshold")); raw != "" {
		parsed, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || parsed < 0 {
			httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "threshold must be a non-negative integer", http.StatusBadRequest))
			return
		}
		threshold = parsed
	}

	pageSize, err := pagination.ParsePageSize(query.Get("page_size"), defaultVariantPageSize, maxVariantPageSize)
	if err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "page_size must be an integer", http.StatusBadRequest))
		return
	}

	page, err := h.stock.ListLowStock(ctx, services.LowStockFilter{
		Threshold: threshold,
		Pagination: services.Pagination{
			PageSize:  pageSize,
			PageToken: strings.TrimSpace(query.Get("page_token")),
		},
	})
	if err != nil {
		writeStockError(ctx, w, err)
		return
	}

	items := make([]variantPayload, 0, len(page.Items))
	for _, variant := range page.Items {
		items = append(items, buildVariantPayload(variant))
	}

	writeJSONResponse(w, http.StatusOK, variantListResponse{
		Items:         items,
		NextPageToken: strings.TrimSpace(page.NextPageToken),
	})
}

type variantResponse struct {
	Variant variantPayload `json:"variant"`
}

type variantListResponse struct {
	Items         []variantPayload `json:"items"`
	NextPageToken string           `json:"next_page_token,omitempty"`
}

type variantPayload struct {
	ID                string `json:"id"`
	SKU               string `json:"sku"`
	Name              string `json:"name,omitempty"`
	Price             int64  `json:"price"`
	StockQuantity     int64  `json:"stock_quantity"`
	LowStockThreshold int64  `json:"low_stock_threshold,omitempty"`
	CreatedAt         string `json:"created_at,omitempty"`
	UpdatedAt         string `json:"updated_at,omitempty"`
}

func buildVariantPayload(variant services.ProductVariant) variantPayload {
	return variantPayload{
		ID:                strings.TrimSpace(variant.ID),
		SKU:               strings.TrimSpace(variant.SKU),
		Name:              strings.TrimSpace(variant.Name),
		Price:             variant.Price,
		StockQuantity:     variant.StockQuantity,
		LowStockThreshold: variant.LowStockThreshold,
		CreatedAt:         formatTime(variant.CreatedAt),
		UpdatedAt:         formatTime(variant.UpdatedAt),
	}
}

func writeStockError(ctx context.Context, w http.ResponseWriter, err error) {
	if err == nil {
		return
	}

	var stockErr *repositories.StockError
	if errors.As(err, &stockErr) {
		switch stockErr.Code {
		case repositories.StockErrorInsufficient:
			httpx.WriteError(ctx, w, httpx.NewError("insufficient_stock", stockErr.Message, http.StatusConflict).WithDetails(map[string]any{
				"variant_id": stockErr.VariantID,
				"requested":  stockErr.Requested,
				"available":  stockErr.Available,
			}))
		case repositories.StockErrorConflict:
			httpx.WriteError(ctx, w, httpx.NewError("stock_conflict", stockErr.Message, http.StatusConflict))
		default:
			httpx.WriteError(ctx, w, httpx.NewError("stock_error", stockErr.Message, http.StatusInternalServerError))
		}
		return
	}

	switch {
	case errors.Is(err, services.ErrStockInvalidInput):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
	case errors.Is(err, services.ErrStockVariantNotFound):
		httpx.WriteError(ctx, w, httpx.NewError("variant_not_found", "variant not found", http.StatusNotFound))
	default:
		httpx.WriteError(ctx, w, httpx.NewError("stock_error", "failed to process stock request", http.StatusInternalServerError))
	}
}
