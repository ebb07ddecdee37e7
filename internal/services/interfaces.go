package services

import (
	"context"
	"time"

	domain "github.com/orderflow/api/internal/domain"
	"github.com/orderflow/api/internal/repositories"
)

// Type aliases expose domain models to the services package without reversing dependency direction.
type (
	Pagination         = domain.Pagination
	SortOrder          = domain.SortOrder
	Order              = domain.Order
	OrderStatus        = domain.OrderStatus
	OrderLineItem      = domain.OrderLineItem
	OrderHistoryEntry  = domain.OrderHistoryEntry
	ProductVariant     = domain.ProductVariant
	SystemHealthReport = domain.SystemHealthReport
)

// OrderService encapsulates the order lifecycle: creation with stock
// reservation, guarded status transitions, cancellation, and reads.
type OrderService interface {
	Create(ctx context.Context, cmd CreateOrderCommand) (Order, error)
	Transition(ctx context.Context, cmd OrderStatusTransitionCommand) (Order, error)
	Cancel(ctx context.Context, cmd CancelOrderCommand) (Order, error)
	GetOrder(ctx context.Context, orderID string) (Order, error)
	ListOrders(ctx context.Context, filter OrderListFilter) (domain.CursorPage[Order], error)
	ListHistory(ctx context.Context, orderID string, pager Pagination) (domain.CursorPage[OrderHistoryEntry], error)
}

// StockService centralizes variant stock reads and admin adjustments.
type StockService interface {
	GetVariant(ctx context.Context, variantID string) (ProductVariant, error)
	Adjust(ctx context.Context, cmd StockAdjustCommand) (ProductVariant, error)
	ListLowStock(ctx context.Context, filter LowStockFilter) (domain.CursorPage[ProductVariant], error)
}

// ArchiveService exports completed orders to object storage and issues
// signed download URLs for the resulting files.
type ArchiveService interface {
	ExportCompleted(ctx context.Context, cmd ArchiveExportCommand) (ArchiveExport, error)
	SignedDownload(ctx context.Context, objectName string, ttl time.Duration) (string, error)
}

// SystemService aggregates utility endpoints (health checks, counters).
type SystemService interface {
	HealthReport(ctx context.Context) (SystemHealthReport, error)
	NextCounterValue(ctx context.Context, cmd CounterCommand) (int64, error)
}

// Command and DTO definitions ------------------------------------------------

type OrderListFilter = repositories.OrderListFilter

// CreateOrderCommand carries everything needed to place an order. Stock for
// every line is reserved in the same atomic unit that persists the order.
type CreateOrderCommand struct {
	UserID      string
	AddressRef  string
	Currency    string
	Locale      string
	Items       []CreateOrderItem
	Note        string
	ActorID     string
	OrderNumber *string
	Metadata    map[string]any
}

type CreateOrderItem struct {
	VariantID string
	Quantity  int
}

type OrderStatusTransitionCommand struct {
	OrderID         string
	TargetStatus    OrderStatus
	ActorID         string
	Note            string
	TrackingNumber  string
	ShippingCarrier string
	ExpectedStatus  *OrderStatus
}

type CancelOrderCommand struct {
	OrderID        string
	ActorID        string
	Reason         string
	ExpectedStatus *OrderStatus
}

type StockAdjustCommand struct {
	VariantID string
	Delta     *int64
	SetTo     *int64
	ActorID   string
	Reason    string
}

type LowStockFilter struct {
	Threshold  int64
	Pagination Pagination
}

type ArchiveExportCommand struct {
	Before  time.Time
	ActorID string
}

// ArchiveExport describes a completed export written to object storage.
type ArchiveExport struct {
	ObjectName string
	OrderCount int
	ExportedAt time.Time
}

type CounterCommand struct {
	CounterID string
	Step      int64
}
