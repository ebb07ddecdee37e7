package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	domain "github.com/orderflow/api/internal/domain"
	"github.com/orderflow/api/internal/platform/auth"
	"github.com/orderflow/api/internal/repositories"
	"github.com/orderflow/api/internal/services"
)

type stubOrderService struct {
	createFn     func(context.Context, services.CreateOrderCommand) (services.Order, error)
	transitionFn func(context.Context, services.OrderStatusTransitionCommand) (services.Order, error)
	cancelFn     func(context.Context, services.CancelOrderCommand) (services.Order, error)
	getFn        func(context.Context, string) (services.Order, error)
	listFn       func(context.Context, services.OrderListFilter) (domain.CursorPage[services.Order], error)
	historyFn    func(context.Context, string, services.Pagination) (domain.CursorPage[services.OrderHistoryEntry], error)
}

func (s *stubOrderService) Create(ctx context.Context, cmd services.CreateOrderCommand) (services.Order, error) {
	if s.createFn != nil {
		return s.createFn(ctx, cmd)
	}
	return services.Order{}, errors.New("not implemented")
}

func (s *stubOrderService) Transition(ctx context.Context, cmd services.OrderStatusTransitionCommand) (services.Order, error) {
	if s.transitionFn != nil {
		return s.transitionFn(ctx, cmd)
	}
	return services.Order{}, errors.New("not implemented")
}

func (s *stubOrderService) Cancel(ctx context.Context, cmd services.CancelOrderCommand) (services.Order, error) {
	if s.cancelFn != nil {
		return s.cancelFn(ctx, cmd)
	}
	return services.Order{}, errors.New("not implemented")
}

func (s *stubOrderService) GetOrder(ctx context.Context, orderID string) (services.Order, error) {
	if s.getFn != nil {
		return s.getFn(ctx, orderID)
	}
	return services.Order{}, errors.New("not implemented")
}

func (s *stubOrderService) ListOrders(ctx context.Context, filter services.OrderListFilter) (domain.CursorPage[services.Order], error) {
	if s.listFn != nil {
		return s.listFn(ctx, filter)
	}
	return domain.CursorPage[services.Order]{}, nil
}

func (s *stubOrderService) ListHistory(ctx context.Context, orderID string, pager services.Pagination) (domain.CursorPage[services.OrderHistoryEntry], error) {
	if s.historyFn != nil {
		return s.historyFn(ctx, orderID, pager)
	}
	return domain.CursorPage[services.OrderHistoryEntry]{}, nil
}

var _ services.OrderService = (*stubOrderService)(nil)

func authedRequest(req *http.Request, uid string) *http.Request {
	return req.WithContext(auth.WithIdentity(req.Context(), &auth.Identity{UID: uid}))
}

func sampleOrder(now time.Time) services.Order {
	return services.Order{
		ID:          "ord_123",
		OrderNumber: "OF-2024-000123",
		UserID:      "user-1",
		Status:      domain.OrderStatusPending,
		Currency:    "USD",
		Locale:      "en-US",
		Items: []services.OrderLineItem{
			{VariantID: "var_ring", SKU: "RING-01", Name: "Silver Ring", Quantity: 2, UnitPrice: 4500, Total: 9000},
		},
		TotalAmount: 9000,
		CreatedAt:   now,
	}
}

func TestOrderHandlersCreateOrder(t *testing.T) {
	now := time.Date(2024, 3, 15, 9, 30, 0, 0, time.UTC)

	var captured services.CreateOrderCommand
	service := &stubOrderService{
		createFn: func(ctx context.Context, cmd services.CreateOrderCommand) (services.Order, error) {
			captured = cmd
			return sampleOrder(now), nil
		},
	}

	handler := NewOrderHandlers(nil, service)
	router := chi.NewRouter()
	router.Route("/orders", handler.Routes)

	body := `{
		"address_ref": "addr_1",
		"currency": "usd",
		"locale": "en-US",
		"items": [{"variant_id": "var_ring", "quantity": 2}],
		"note": "gift wrap please"
	}`
	req := httptest.NewRequest(http.MethodPost, "/orders", strings.NewReader(body))
	req = authedRequest(req, "user-1")

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusCreated {
		t.Fatalf("expected status 201, got %d: %s", rr.Code, rr.Body.String())
	}

	if captured.UserID != "user-1" || captured.ActorID != "user-1" {
		t.Fatalf("expected user and actor user-1, got %q / %q", captured.UserID, captured.ActorID)
	}
	if captured.AddressRef != "addr_1" {
		t.Fatalf("expected address ref addr_1, got %q", captured.AddressRef)
	}
	if len(captured.Items) != 1 || captured.Items[0].VariantID != "var_ring" || captured.Items[0].Quantity != 2 {
		t.Fatalf("unexpected items: %+v", captured.Items)
	}

	var response orderResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &response); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if response.Order.ID != "ord_123" {
		t.Fatalf("expected order ord_123, got %s", response.Order.ID)
	}
	if response.Order.TotalAmount != 9000 {
		t.Fatalf("expected total 9000, got %d", response.Order.TotalAmount)
	}
	if len(response.Order.Items) != 1 || response.Order.Items[0].SKU != "RING-01" {
		t.Fatalf("unexpected items payload: %+v", response.Order.Items)
	}
}

func TestOrderHandlersCreateOrderRateLimited(t *testing.T) {
	service := &stubOrderService{
		createFn: func(ctx context.Context, cmd services.CreateOrderCommand) (services.Order, error) {
			return sampleOrder(time.Now()), nil
		},
	}

	limiter := newSimpleRateLimiter(1, time.Minute, nil)
	handler := NewOrderHandlers(nil, service, WithOrderCreateLimiter(limiter))
	router := chi.NewRouter()
	router.Route("/orders", handler.Routes)

	body := `{"currency": "usd", "items": [{"variant_id": "var_ring", "quantity": 1}]}`
	for i, want := range []int{http.StatusCreated, http.StatusTooManyRequests} {
		req := httptest.NewRequest(http.MethodPost, "/orders", strings.NewReader(body))
		req = authedRequest(req, "user-1")
		rr := httptest.NewRecorder()
		router.ServeHTTP(rr, req)
		if rr.Code != want {
			t.Fatalf("request %d: expected status %d, got %d", i, want, rr.Code)
		}
	}
}

func TestOrderHandlersCreateOrderInsufficientStock(t *testing.T) {
	service := &stubOrderService{
		createFn: func(ctx context.Context, cmd services.CreateOrderCommand) (services.Order, error) {
			return services.Order{}, repositories.NewInsufficientStockError("var_ring", 9, 7)
		},
	}

	handler := NewOrderHandlers(nil, service)
	router := chi.NewRouter()
	router.Route("/orders", handler.Routes)

	body := `{"currency": "usd", "items": [{"variant_id": "var_ring", "quantity": 9}]}`
	req := httptest.NewRequest(http.MethodPost, "/orders", strings.NewReader(body))
	req = authedRequest(req, "user-1")

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusConflict {
		t.Fatalf("expected status 409, got %d", rr.Code)
	}

	var payload map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &payload); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if payload["error"] != "insufficient_stock" {
		t.Fatalf("expected insufficient_stock error, got %v", payload["error"])
	}
	if payload["variant_id"] != "var_ring" {
		t.Fatalf("expected variant_id detail, got %v", payload["variant_id"])
	}
	if payload["available"] != float64(7) {
		t.Fatalf("expected available 7, got %v", payload["available"])
	}
}

func TestOrderHandlersListOrders(t *testing.T) {
	now := time.Date(2024, 3, 15, 9, 30, 0, 0, time.UTC)

	var capturedFilter services.OrderListFilter
	service := &stubOrderService{
		listFn: func(ctx context.Context, filter services.OrderListFilter) (domain.CursorPage[services.Order], error) {
			capturedFilter = filter
			return domain.CursorPage[services.Order]{
				Items:         []services.Order{sampleOrder(now)},
				NextPageToken: "tok-next",
			}, nil
		},
	}

	handler := NewOrderHandlers(nil, service)
	router := chi.NewRouter()
	router.Route("/orders", handler.Routes)

	req := httptest.NewRequest(http.MethodGet, "/orders?status=pending,processing&page_size=10&page_token=tok123&created_after=2024-03-01T00:00:00Z", nil)
	req = authedRequest(req, "user-1")

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
	}

	if capturedFilter.UserID != "user-1" {
		t.Fatalf("expected filter scoped to user-1, got %q", capturedFilter.UserID)
	}
	if len(capturedFilter.Status) != 2 || capturedFilter.Status[0] != "pending" || capturedFilter.Status[1] != "processing" {
		t.Fatalf("unexpected status filters: %v", capturedFilter.Status)
	}
	if capturedFilter.Pagination.PageSize != 10 || capturedFilter.Pagination.PageToken != "tok123" {
		t.Fatalf("unexpected pagination: %+v", capturedFilter.Pagination)
	}
	if capturedFilter.DateRange.From == nil || !capturedFilter.DateRange.From.Equal(time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)) {
		t.Fatalf("unexpected date range: %+v", capturedFilter.DateRange)
	}

	var response orderListResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &response); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if len(response.Items) != 1 || response.Items[0].OrderNumber != "OF-2024-000123" {
		t.Fatalf("unexpected items: %+v", response.Items)
	}
	if response.NextPageToken != "tok-next" {
		t.Fatalf("expected next page token, got %q", response.NextPageToken)
	}
}

func TestOrderHandlersListOrdersRejectsUnknownStatus(t *testing.T) {
	handler := NewOrderHandlers(nil, &stubOrderService{})
	router := chi.NewRouter()
	router.Route("/orders", handler.Routes)

	req := httptest.NewRequest(http.MethodGet, "/orders?status=refunded", nil)
	req = authedRequest(req, "user-1")

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected status 400, got %d", rr.Code)
	}
}

func TestOrderHandlersGetOrderOwnership(t *testing.T) {
	now := time.Date(2024, 3, 15, 9, 30, 0, 0, time.UTC)
	service := &stubOrderService{
		getFn: func(ctx context.Context, orderID string) (services.Order, error) {
			return sampleOrder(now), nil
		},
	}

	handler := NewOrderHandlers(nil, service)
	router := chi.NewRouter()
	router.Route("/orders", handler.Routes)

	t.Run("owner sees order", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/orders/ord_123", nil)
		req = authedRequest(req, "user-1")
		rr := httptest.NewRecorder()
		router.ServeHTTP(rr, req)

		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d", rr.Code)
		}
	})

	t.Run("other user gets 404", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/orders/ord_123", nil)
		req = authedRequest(req, "user-2")
		rr := httptest.NewRecorder()
		router.ServeHTTP(rr, req)

		if rr.Code != http.StatusNotFound {
			t.Fatalf("expected status 404, got %d", rr.Code)
		}
	})

	t.Run("unauthenticated gets 401", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/orders/ord_123", nil)
		rr := httptest.NewRecorder()
		router.ServeHTTP(rr, req)

		if rr.Code != http.StatusUnauthorized {
			t.Fatalf("expected status 401, got %d", rr.Code)
		}
	})
}

func TestOrderHandlersListHistory(t *testing.T) {
	now := time.Date(2024, 3, 15, 9, 30, 0, 0, time.UTC)
	service := &stubOrderService{
		getFn: func(ctx context.Context, orderID string) (services.Order, error) {
			return sampleOrder(now), nil
		},
		historyFn: func(ctx context.Context, orderID string, pager services.Pagination) (domain.CursorPage[services.OrderHistoryEntry], error) {
			if orderID != "ord_123" {
				t.Fatalf("expected history for ord_123, got %s", orderID)
			}
			return domain.CursorPage[services.OrderHistoryEntry]{
				Items: []services.OrderHistoryEntry{
					{ID: "oh_1", OrderID: orderID, Status: domain.OrderStatusPending, Note: "order placed", ActorID: "user-1", CreatedAt: now},
					{ID: "oh_2", OrderID: orderID, Status: domain.OrderStatusProcessing, ActorID: "staff-1", CreatedAt: now.Add(time.Hour)},
				},
			}, nil
		},
	}

	handler := NewOrderHandlers(nil, service)
	router := chi.NewRouter()
	router.Route("/orders", handler.Routes)

	req := httptest.NewRequest(http.MethodGet, "/orders/ord_123/history", nil)
	req = authedRequest(req, "user-1")

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
	}

	var response orderHistoryResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &response); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if len(response.Items) != 2 {
		t.Fatalf("expected 2 history entries, got %d", len(response.Items))
	}
	if response.Items[0].Status != "pending" || response.Items[1].Status != "processing" {
		t.Fatalf("unexpected history statuses: %+v", response.Items)
	}
}

func TestOrderHandlersCancelOrder(t *testing.T) {
	now := time.Date(2024, 3, 15, 9, 30, 0, 0, time.UTC)

	var captured services.CancelOrderCommand
	service := &stubOrderService{
		getFn: func(ctx context.Context, orderID string) (services.Order, error) {
			return sampleOrder(now), nil
		},
		cancelFn: func(ctx context.Context, cmd services.CancelOrderCommand) (services.Order, error) {
			captured = cmd
			order := sampleOrder(now)
			order.Status = domain.OrderStatusCancelled
			reason := cmd.Reason
			order.CancelReason = &reason
			cancelledAt := now.Add(time.Hour)
			order.CancelledAt = &cancelledAt
			return order, nil
		},
	}

	handler := NewOrderHandlers(nil, service)
	router := chi.NewRouter()
	router.Route("/orders", handler.Routes)

	body := `{"reason": "changed my mind", "expected_status": "pending"}`
	req := httptest.NewRequest(http.MethodPost, "/orders/ord_123:cancel", bytes.NewReader([]byte(body)))
	req = authedRequest(req, "user-1")

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
	}

	if captured.OrderID != "ord_123" || captured.ActorID != "user-1" {
		t.Fatalf("unexpected command: %+v", captured)
	}
	if captured.Reason != "changed my mind" {
		t.Fatalf("expected reason to pass through, got %q", captured.Reason)
	}
	if captured.ExpectedStatus == nil || *captured.ExpectedStatus != domain.OrderStatusPending {
		t.Fatalf("expected expected_status pending, got %+v", captured.ExpectedStatus)
	}

	var response orderResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &response); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if response.Order.Status != "cancelled" {
		t.Fatalf("expected cancelled order, got %s", response.Order.Status)
	}
}

func TestOrderHandlersCancelOrderEmptyBody(t *testing.T) {
	now := time.Date(2024, 3, 15, 9, 30, 0, 0, time.UTC)
	service := &stubOrderService{
		getFn: func(ctx context.Context, orderID string) (services.Order, error) {
			return sampleOrder(now), nil
		},
		cancelFn: func(ctx context.Context, cmd services.CancelOrderCommand) (services.Order, error) {
			order := sampleOrder(now)
			order.Status = domain.OrderStatusCancelled
			return order, nil
		},
	}

	handler := NewOrderHandlers(nil, service)
	router := chi.NewRouter()
	router.Route("/orders", handler.Routes)

	req := httptest.NewRequest(http.MethodPost, "/orders/ord_123:cancel", nil)
	req = authedRequest(req, "user-1")

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200 with empty body, got %d: %s", rr.Code, rr.Body.String())
	}
}

func TestOrderHandlersCancelOrderInvalidState(t *testing.T) {
	now := time.Date(2024, 3, 15, 9, 30, 0, 0, time.UTC)
	service := &stubOrderService{
		getFn: func(ctx context.Context, orderID string) (services.Order, error) {
			order := sampleOrder(now)
			order.Status = domain.OrderStatusShipped
			return order, nil
		},
		cancelFn: func(ctx context.Context, cmd services.CancelOrderCommand) (services.Order, error) {
			return services.Order{}, services.ErrOrderInvalidState
		},
	}

	handler := NewOrderHandlers(nil, service)
	router := chi.NewRouter()
	router.Route("/orders", handler.Routes)

	req := httptest.NewRequest(http.MethodPost, "/orders/ord_123:cancel", nil)
	req = authedRequest(req, "user-1")

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusConflict {
		t.Fatalf("expected status 409, got %d", rr.Code)
	}

	var payload map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &payload); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if payload["error"] != "order_invalid_state" {
		t.Fatalf("expected order_invalid_state, got %v", payload["error"])
	}
}

func TestOrderHandlersTransitionOrder(t *testing.T) {
	now := time.Date(2024, 3, 15, 9, 30, 0, 0, time.UTC)

	var captured services.OrderStatusTransitionCommand
	service := &stubOrderService{
		transitionFn: func(ctx context.Context, cmd services.OrderStatusTransitionCommand) (services.Order, error) {
			captured = cmd
			order := sampleOrder(now)
			order.Status = cmd.TargetStatus
			return order, nil
		},
	}

	handler := NewOrderHandlers(nil, service)
	router := chi.NewRouter()
	router.Route("/admin/orders", handler.AdminRoutes)

	body := `{"status": "shipped", "tracking_number": "TRK-123", "shipping_carrier": "dhl", "expected_status": "fulfilled"}`
	req := httptest.NewRequest(http.MethodPost, "/admin/orders/ord_123:transition", strings.NewReader(body))
	req = authedRequest(req, "staff-1")

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
	}

	if captured.OrderID != "ord_123" || captured.TargetStatus != domain.OrderStatusShipped {
		t.Fatalf("unexpected command: %+v", captured)
	}
	if captured.TrackingNumber != "TRK-123" || captured.ShippingCarrier != "dhl" {
		t.Fatalf("expected shipping details to pass through, got %+v", captured)
	}
	if captured.ExpectedStatus == nil || *captured.ExpectedStatus != domain.OrderStatusFulfilled {
		t.Fatalf("expected expected_status fulfilled, got %+v", captured.ExpectedStatus)
	}
}

func TestOrderHandlersTransitionOrderRejectsUnknownStatus(t *testing.T) {
	handler := NewOrderHandlers(nil, &stubOrderService{})
	router := chi.NewRouter()
	router.Route("/admin/orders", handler.AdminRoutes)

	body := `{"status": "teleported"}`
	req := httptest.NewRequest(http.MethodPost, "/admin/orders/ord_123:transition", strings.NewReader(body))
	req = authedRequest(req, "staff-1")

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected status 400, got %d", rr.Code)
	}
}

func TestOrderHandlersAdminListOrders(t *testing.T) {
	now := time.Date(2024, 3, 15, 9, 30, 0, 0, time.UTC)

	var capturedFilter services.OrderListFilter
	service := &stubOrderService{
		listFn: func(ctx context.Context, filter services.OrderListFilter) (domain.CursorPage[services.Order], error) {
			capturedFilter = filter
			return domain.CursorPage[services.Order]{Items: []services.Order{sampleOrder(now)}}, nil
		},
	}

	handler := NewOrderHandlers(nil, service)
	router := chi.NewRouter()
	router.Route("/admin/orders", handler.AdminRoutes)

	req := httptest.NewRequest(http.MethodGet, "/admin/orders?user_id=user-7", nil)
	req = authedRequest(req, "staff-1")

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}
	if capturedFilter.UserID != "user-7" {
		t.Fatalf("expected user_id filter user-7, got %q", capturedFilter.UserID)
	}
}
