package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	domain "github.com/orderflow/api/internal/domain"
	"github.com/orderflow/api/internal/platform/auth"
	"github.com/orderflow/api/internal/platform/httpx"
	"github.com/orderflow/api/internal/platform/pagination"
	"github.com/orderflow/api/internal/repositories"
	"github.com/orderflow/api/internal/services"
)

const (
	defaultOrderPageSize   = 20
	maxOrderPageSize       = 100
	maxOrderCreateBodySize = 64 * 1024
	maxOrderCancelBodySize = 4 * 1024

	defaultCreateRateLimit  = 30
	defaultCreateRateWindow = time.Minute
)

var validOrderStatuses = map[domain.OrderStatus]struct{}{
	domain.OrderStatusPending:    {},
	domain.OrderStatusProcessing: {},
	domain.OrderStatusFulfilled:  {},
	domain.OrderStatusShipped:    {},
	domain.OrderStatusCompleted:  {},
	domain.OrderStatusCancelled:  {},
}

type createOrderRequest struct {
	AddressRef string                   `json:"address_ref"`
	Currency   string                   `json:"currency"`
	Locale     string                   `json:"locale"`
	Items      []createOrderItemRequest `json:"items"`
	Note       string                   `json:"note"`
	Metadata   map[string]any           `json:"metadata"`
}

type createOrderItemRequest struct {
	VariantID string `json:"variant_id"`
	Quantity  int    `json:"quantity"`
}

type cancelOrderRequest struct {
	Reason         string `json:"reason"`
	ExpectedStatus string `json:"expected_status"`
}

type transitionOrderRequest struct {
	Status          string `json:"status"`
	Note            string `json:"note"`
	TrackingNumber  string `json:"tracking_number"`
	ShippingCarrier string `json:"shipping_carrier"`
	ExpectedStatus  string `json:"expected_status"`
}

// OrderHandlers exposes the order lifecycle endpoints. Customer routes are
// scoped to the authenticated user; staff routes operate on any order.
type OrderHandlers struct {
	authn         *auth.Authenticator
	orders        services.OrderService
	createLimiter rateLimiter
}

// OrderOption customises an OrderHandlers instance.
type OrderOption func(*OrderHandlers)

// WithOrderCreateLimiter overrides the per-user rate limiter applied to order creation.
func WithOrderCreateLimiter(limiter rateLimiter) OrderOption {
	return func(h *OrderHandlers) {
		h.createLimiter = limiter
	}
}

// WithOrderCreateRateLimit caps order creation at limit requests per window for each user.
// A non-positive limit keeps the default.
func WithOrderCreateRateLimit(limit int, window time.Duration) OrderOption {
	return func(h *OrderHandlers) {
		if limit <= 0 {
			return
		}
		if window <= 0 {
			window = defaultCreateRateWindow
		}
		h.createLimiter = newSimpleRateLimiter(limit, window, nil)
	}
}

// NewOrderHandlers constructs a new OrderHandlers instance.
func NewOrderHandlers(authn *auth.Authenticator, orders services.OrderService, opts ...OrderOption) *OrderHandlers {
	h := &OrderHandlers{
		authn:         authn,
		orders:        orders,
		createLimiter: newSimpleRateLimiter(defaultCreateRateLimit, defaultCreateRateWindow, nil),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Routes registers the customer-facing /orders endpoints.
func (h *OrderHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	if h.authn != nil {
		r.Use(h.authn.RequireFirebaseAuth())
	}
	r.Post("/", h.createOrder)
	r.Get("/", h.listOrders)
	r.Get("/{orderID}", h.getOrder)
	r.Get("/{orderID}/history", h.listOrderHistory)
	r.Post("/{orderID}:cancel", h.cancelOrder)
}

// AdminRoutes registers staff-only order management endpoints.
func (h *OrderHandlers) AdminRoutes(r chi.Router) {
	if r == nil {
		return
	}
	if h.authn != nil {
		r.Use(h.authn.RequireFirebaseAuth(auth.RoleStaff, auth.RoleAdmin))
	}
	r.Get("/", h.adminListOrders)
	r.Get("/{orderID}", h.adminGetOrder)
	r.Get("/{orderID}/history", h.adminListOrderHistory)
	r.Post("/{orderID}:transition", h.transitionOrder)
	r.Post("/{orderID}:cancel", h.adminCancelOrder)
}

func (h *OrderHandlers) createOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	identity, ok := h.requireService(ctx, w)
	if !ok {
		return
	}

	if h.createLimiter != nil && !h.createLimiter.Allow(identity.UID) {
		httpx.WriteError(ctx, w, httpx.NewError("rate_limited", "too many order requests, retry later", http.StatusTooManyRequests))
		return
	}

	body, err := readLimitedBody(r, maxOrderCreateBodySize)
	if err != nil {
		writeBodyError(ctx, w, err)
		return
	}
	var req createOrderRequest
	if err := json.Unmarshal(body, &req); err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "invalid JSON body", http.StatusBadRequest))
		return
	}

	items := make([]services.CreateOrderItem, 0, len(req.Items))
	for _, item := range req.Items {
		items = append(items, services.CreateOrderItem{
			VariantID: strings.TrimSpace(item.VariantID),
			Quantity:  item.Quantity,
		})
	}

	uid := strings.TrimSpace(identity.UID)
	cmd := services.CreateOrderCommand{
		UserID:     uid,
		AddressRef: strings.TrimSpace(req.AddressRef),
		Currency:   req.Currency,
		Locale:     req.Locale,
		Items:      items,
		Note:       req.Note,
		ActorID:    uid,
		Metadata:   cloneMap(req.Metadata),
	}

	order, err := h.orders.Create(ctx, cmd)
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}

	writeJSONResponse(w, http.StatusCreated, orderResponse{Order: buildOrderPayload(order)})
}

func (h *OrderHandlers) listOrders(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	identity, ok := h.requireService(ctx, w)
	if !ok {
		return
	}
	h.serveOrderList(w, r, strings.TrimSpace(identity.UID))
}

func (h *OrderHandlers) adminListOrders(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if _, ok := h.requireService(ctx, w); !ok {
		return
	}
	h.serveOrderList(w, r, strings.TrimSpace(r.URL.Query().Get("user_id")))
}

func (h *OrderHandlers) serveOrderList(w http.ResponseWriter, r *http.Request, userID string) {
	ctx := r.Context()
	query := r.URL.Query()

	statusFilters := parseFilterValues(query["status"])
	for _, status := range statusFilters {
		if _, ok := validOrderStatuses[domain.OrderStatus(status)]; !ok {
			httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "status must be a valid order status", http.StatusBadRequest))
			return
		}
	}

	var dateRange domain.RangeQuery[time.Time]
	if raw := strings.TrimSpace(query.Get("created_after")); raw != "" {
		ts, err := parseTimeParam(raw)
		if err != nil {
			httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "created_after must be a valid RFC3339 timestamp", http.StatusBadRequest))
			return
		}
		dateRange.From = &ts
	}
	if raw := strings.TrimSpace(query.Get("created_before")); raw != "" {
		ts, err := parseTimeParam(raw)
		if err != nil {
			httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "created_before must be a valid RFC3339 timestamp", http.StatusBadRequest))
			return
		}
		dateRange.To = &ts
	}

	pageSize, ok := parseOrderPageSize(ctx, w, query.Get("page_size"))
	if !ok {
		return
	}

	filter := services.OrderListFilter{
		UserID:    userID,
		Status:    statusFilters,
		DateRange: dateRange,
		Pagination: services.Pagination{
			PageSize:  pageSize,
			PageToken: strings.TrimSpace(query.Get("page_token")),
		},
	}

	page, err := h.orders.ListOrders(ctx, filter)
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}

	items := make([]orderSummaryPayload, 0, len(page.Items))
	for _, order := range page.Items {
		items = append(items, buildOrderSummary(order))
	}

	writeJSONResponse(w, http.StatusOK, orderListResponse{
		Items:         items,
		NextPageToken: strings.TrimSpace(page.NextPageToken),
	})
}

func (h *OrderHandlers) getOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	identity, ok := h.requireService(ctx, w)
	if !ok {
		return
	}

	order, ok := h.loadOwnedOrder(ctx, w, r, identity)
	if !ok {
		return
	}
	writeJSONResponse(w, http.StatusOK, orderResponse{Order: buildOrderPayload(order)})
}

func (h *OrderHandlers) adminGetOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if _, ok := h.requireService(ctx, w); !ok {
		return
	}

	orderID, ok := requireOrderID(ctx, w, r)
	if !ok {
		return
	}

	order, err := h.orders.GetOrder(ctx, orderID)
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, orderResponse{Order: buildOrderPayload(order)})
}

func (h *OrderHandlers) listOrderHistory(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	identity, ok := h.requireService(ctx, w)
	if !ok {
		return
	}

	order, ok := h.loadOwnedOrder(ctx, w, r, identity)
	if !ok {
		return
	}
	h.serveOrderHistory(w, r, order.ID)
}

func (h *OrderHandlers) adminListOrderHistory(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if _, ok := h.requireService(ctx, w); !ok {
		return
	}

	orderID, ok := requireOrderID(ctx, w, r)
	if !ok {
		return
	}
	h.serveOrderHistory(w, r, orderID)
}

func (h *OrderHandlers) serveOrderHistory(w http.ResponseWriter, r *http.Request, orderID string) {
	ctx := r.Context()
	query := r.URL.Query()

	pageSize, ok := parseOrderPageSize(ctx, w, query.Get("page_size"))
	if !ok {
		return
	}

	page, err := h.orders.ListHistory(ctx, orderID, services.Pagination{
		PageSize:  pageSize,
		PageToken: strings.TrimSpace(query.Get("page_token")),
	})
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}

	entries := make([]orderHistoryPayload, 0, len(page.Items))
	for _, entry := range page.Items {
		entries = append(entries, orderHistoryPayload{
			ID:        strings.TrimSpace(entry.ID),
			Status:    strings.TrimSpace(string(entry.Status)),
			Note:      entry.Note,
			ActorID:   strings.TrimSpace(entry.ActorID),
			CreatedAt: formatTime(entry.CreatedAt),
		})
	}

	writeJSONResponse(w, http.StatusOK, orderHistoryResponse{
		Items:         entries,
		NextPageToken: strings.TrimSpace(page.NextPageToken),
	})
}

func (h *OrderHandlers) cancelOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	identity, ok := h.requireService(ctx, w)
	if !ok {
		return
	}

	order, ok := h.loadOwnedOrder(ctx, w, r, identity)
	if !ok {
		return
	}
	h.serveCancel(w, r, order.ID, strings.TrimSpace(identity.UID))
}

func (h *OrderHandlers) adminCancelOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	identity, ok := h.requireService(ctx, w)
	if !ok {
		return
	}

	orderID, ok := requireOrderID(ctx, w, r)
	if !ok {
		return
	}
	h.serveCancel(w, r, orderID, strings.TrimSpace(identity.UID))
}

func (h *OrderHandlers) serveCancel(w http.ResponseWriter, r *http.Request, orderID, actorID string) {
	ctx := r.Context()

	var req cancelOrderRequest
	body, err := readLimitedBody(r, maxOrderCancelBodySize)
	if err != nil && !errors.Is(err, errEmptyBody) {
		writeBodyError(ctx, w, err)
		return
	}
	if len(body) > 0 {
		if err := json.Unmarshal(body, &req); err != nil {
			httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "invalid JSON body", http.StatusBadRequest))
			return
		}
	}

	cmd := services.CancelOrderCommand{
		OrderID: orderID,
		ActorID: actorID,
		Reason:  req.Reason,
	}
	if raw := strings.TrimSpace(req.ExpectedStatus); raw != "" {
		expected, ok := parseOrderStatus(raw)
		if !ok {
			httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "expected_status must be a valid order status", http.StatusBadRequest))
			return
		}
		cmd.ExpectedStatus = &expected
	}

	cancelled, err := h.orders.Cancel(ctx, cmd)
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}

	writeJSONResponse(w, http.StatusOK, orderResponse{Order: buildOrderPayload(cancelled)})
}

func (h *OrderHandlers) transitionOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	identity, ok := h.requireService(ctx, w)
	if !ok {
		return
	}

	orderID, ok := requireOrderID(ctx, w, r)
	if !ok {
		return
	}

	body, err := readLimitedBody(r, maxOrderCancelBodySize)
	if err != nil {
		writeBodyError(ctx, w, err)
		return
	}
	var req transitionOrderRequest
	if err := json.Unmarshal(body, &req); err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "invalid JSON body", http.StatusBadRequest))
		return
	}

	target, ok := parseOrderStatus(req.Status)
	if !ok {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "status must be a valid order status", http.StatusBadRequest))
		return
	}

	cmd := services.OrderStatusTransitionCommand{
		OrderID:         orderID,
		TargetStatus:    target,
		ActorID:         strings.TrimSpace(identity.UID),
		Note:            req.Note,
		TrackingNumber:  strings.TrimSpace(req.TrackingNumber),
		ShippingCarrier: strings.TrimSpace(req.ShippingCarrier),
	}
	if raw := strings.TrimSpace(req.ExpectedStatus); raw != "" {
		expected, ok := parseOrderStatus(raw)
		if !ok {
			httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "expected_status must be a valid order status", http.StatusBadRequest))
			return
		}
		cmd.ExpectedStatus = &expected
	}

	order, err := h.orders.Transition(ctx, cmd)
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}

	writeJSONResponse(w, http.StatusOK, orderResponse{Order: buildOrderPayload(order)})
}

// requireService checks service wiring and authentication in one step.
func (h *OrderHandlers) requireService(ctx context.Context, w http.ResponseWriter) (*auth.Identity, bool) {
	if h.orders == nil {
		httpx.WriteError(ctx, w, httpx.NewError("order_service_unavailable", "order service unavailable", http.StatusServiceUnavailable))
		return nil, false
	}
	identity, ok := auth.IdentityFromContext(ctx)
	if !ok || identity == nil || strings.TrimSpace(identity.UID) == "" {
		httpx.WriteError(ctx, w, httpx.NewError("unauthenticated", "authentication required", http.StatusUnauthorized))
		return nil, false
	}
	return identity, true
}

// loadOwnedOrder fetches the order and hides other users' orders behind 404.
func (h *OrderHandlers) loadOwnedOrder(ctx context.Context, w http.ResponseWriter, r *http.Request, identity *auth.Identity) (services.Order, bool) {
	orderID, ok := requireOrderID(ctx, w, r)
	if !ok {
		return services.Order{}, false
	}

	order, err := h.orders.GetOrder(ctx, orderID)
	if err != nil {
		writeOrderError(ctx, w, err)
		return services.Order{}, false
	}

	if !strings.EqualFold(strings.TrimSpace(order.UserID), strings.TrimSpace(identity.UID)) {
		httpx.WriteError(ctx, w, httpx.NewError("order_not_found", "order not found", http.StatusNotFound))
		return services.Order{}, false
	}
	return order, true
}

func requireOrderID(ctx context.Context, w http.ResponseWriter, r *http.Request) (string, bool) {
	orderID := strings.TrimSpace(chi.URLParam(r, "orderID"))
	if orderID == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "order id is required", http.StatusBadRequest))
		return "", false
	}
	return orderID, true
}

func parseOrderPageSize(ctx context.Context, w http.ResponseWriter, raw string) (int, bool) {
	pageSize, err := pagination.ParsePageSize(raw, defaultOrderPageSize, maxOrderPageSize)
	if err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "page_size must be an integer", http.StatusBadRequest))
		return 0, false
	}
	return pageSize, true
}

func writeBodyError(ctx context.Context, w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, errBodyTooLarge):
		httpx.WriteError(ctx, w, httpx.NewError("payload_too_large", "request body exceeds allowed size", http.StatusRequestEntityTooLarge))
	default:
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
	}
}

type orderListResponse struct {
	Items         []orderSummaryPayload `json:"items"`
	NextPageToken string                `json:"next_page_token,omitempty"`
}

type orderSummaryPayload struct {
	ID          string `json:"id"`
	OrderNumber string `json:"order_number"`
	Status      string `json:"status"`
	Currency    string `json:"currency"`
	TotalAmount int64  `json:"total_amount"`
	ItemCount   int    `json:"item_count"`
	CreatedAt   string `json:"created_at"`
}

type orderResponse struct {
	Order orderPayload `json:"order"`
}

type orderPayload struct {
	ID              string             `json:"id"`
	OrderNumber     string             `json:"order_number"`
	UserID          string             `json:"user_id"`
	AddressRef      string             `json:"address_ref,omitempty"`
	Status          string             `json:"status"`
	Currency        string             `json:"currency"`
	Locale          string             `json:"locale,omitempty"`
	Items           []orderItemPayload `json:"items"`
	TotalAmount     int64              `json:"total_amount"`
	TrackingNumber  string             `json:"tracking_number,omitempty"`
	ShippingCarrier string             `json:"shipping_carrier,omitempty"`
	CancelReason    *string            `json:"cancel_reason,omitempty"`
	Metadata        map[string]any     `json:"metadata,omitempty"`
	CreatedAt       string             `json:"created_at"`
	UpdatedAt       string             `json:"updated_at,omitempty"`
	ProcessedAt     string             `json:"processed_at,omitempty"`
	FulfilledAt     string             `json:"fulfilled_at,omitempty"`
	ShippedAt       string             `json:"shipped_at,omitempty"`
	CompletedAt     string             `json:"completed_at,omitempty"`
	CancelledAt     string             `json:"cancelled_at,omitempty"`
}

type orderItemPayload struct {
	VariantID string `json:"variant_id"`
	SKU       string `json:"sku"`
	Name      string `json:"name,omitempty"`
	Quantity  int    `json:"quantity"`
	UnitPrice int64  `json:"unit_price"`
	Total     int64  `json:"total"`
}

type orderHistoryResponse struct {
	Items         []orderHistoryPayload `json:"items"`
	NextPageToken string                `json:"next_page_token,omitempty"`
}

type orderHistoryPayload struct {
	ID        string `json:"id"`
	Status    string `json:"status"`
	Note      string `json:"note,omitempty"`
	ActorID   string `json:"actor_id,omitempty"`
	CreatedAt string `json:"created_at"`
}

func buildOrderSummary(order services.Order) orderSummaryPayload {
	return orderSummaryPayload{
		ID:          strings.TrimSpace(order.ID),
		OrderNumber: strings.TrimSpace(order.OrderNumber),
		Status:      strings.TrimSpace(string(order.Status)),
		Currency:    strings.ToUpper(strings.TrimSpace(order.Currency)),
		TotalAmount: order.TotalAmount,
		ItemCount:   len(order.Items),
		CreatedAt:   formatTime(order.CreatedAt),
	}
}

func buildOrderPayload(order services.Order) orderPayload {
	payload := orderPayload{
		ID:              strings.TrimSpace(order.ID),
		OrderNumber:     strings.TrimSpace(order.OrderNumber),
		UserID:          strings.TrimSpace(order.UserID),
		AddressRef:      strings.TrimSpace(order.AddressRef),
		Status:          strings.TrimSpace(string(order.Status)),
		Currency:        strings.ToUpper(strings.TrimSpace(order.Currency)),
		Locale:          strings.TrimSpace(order.Locale),
		Items:           make([]orderItemPayload, 0, len(order.Items)),
		TotalAmount:     order.TotalAmount,
		TrackingNumber:  strings.TrimSpace(order.TrackingNumber),
		ShippingCarrier: strings.TrimSpace(order.ShippingCarrier),
		CancelReason:    cloneStringPointer(order.CancelReason),
		Metadata:        cloneMap(order.Metadata),
		CreatedAt:       formatTime(order.CreatedAt),
		UpdatedAt:       formatTime(order.UpdatedAt),
		ProcessedAt:     formatTime(pointerTime(order.ProcessedAt)),
		FulfilledAt:     formatTime(pointerTime(order.FulfilledAt)),
		ShippedAt:       formatTime(pointerTime(order.ShippedAt)),
		CompletedAt:     formatTime(pointerTime(order.CompletedAt)),
		CancelledAt:     formatTime(pointerTime(order.CancelledAt)),
	}

	for _, item := range order.Items {
		payload.Items = append(payload.Items, orderItemPayload{
			VariantID: strings.TrimSpace(item.VariantID),
			SKU:       strings.TrimSpace(item.SKU),
			Name:      strings.TrimSpace(item.Name),
			Quantity:  item.Quantity,
			UnitPrice: item.UnitPrice,
			Total:     item.Total,
		})
	}

	return payload
}

func writeOrderError(ctx context.Context, w http.ResponseWriter, err error) {
	if err == nil {
		return
	}

	var stockErr *repositories.StockError
	if errors.As(err, &stockErr) && stockErr.Code == repositories.StockErrorInsufficient {
		httpx.WriteError(ctx, w, httpx.NewError("insufficient_stock", stockErr.Message, http.StatusConflict).WithDetails(map[string]any{
			"variant_id": stockErr.VariantID,
			"requested":  stockErr.Requested,
			"available":  stockErr.Available,
		}))
		return
	}

	switch {
	case errors.Is(err, services.ErrOrderInvalidInput):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
	case errors.Is(err, services.ErrOrderNotFound):
		httpx.WriteError(ctx, w, httpx.NewError("order_not_found", "order not found", http.StatusNotFound))
	case errors.Is(err, services.ErrOrderConflict):
		httpx.WriteError(ctx, w, httpx.NewError("order_conflict", err.Error(), http.StatusConflict))
	case errors.Is(err, services.ErrOrderInvalidState):
		httpx.WriteError(ctx, w, httpx.NewError("order_invalid_state", err.Error(), http.StatusConflict))
	default:
		httpx.WriteError(ctx, w, httpx.NewError("order_error", "failed to process order request", http.StatusInternalServerError))
	}
}

func parseOrderStatus(raw string) (services.OrderStatus, bool) {
	status := domain.OrderStatus(strings.TrimSpace(strings.ToLower(raw)))
	if _, ok := validOrderStatuses[status]; !ok {
		return "", false
	}
	return status, true
}
