package domain

import (
	"time"
)

// Pagination defines standard cursor-based paging inputs for list operations.
type Pagination struct {
	PageSize  int
	PageToken string
}

// SortOrder indicates ascending or descending ordering for list queries.
type SortOrder string

const (
	// SortAsc sorts results in ascending order.
	SortAsc SortOrder = "asc"
	// SortDesc sorts results in descending order.
	SortDesc SortOrder = "desc"
)

// RangeQuery represents inclusive range filters for numeric or timestamp fields.
type RangeQuery[T comparable] struct {
	From *T
	To   *T
}

// CursorPage packages list results with an encoded next token.
type CursorPage[T any] struct {
	Items         []T
	NextPageToken string
}

// OrderStatus enumerates the fulfillment lifecycle states of an order.
type OrderStatus string

const (
	OrderStatusPending    OrderStatus = "pending"
	OrderStatusProcessing OrderStatus = "processing"
	OrderStatusFulfilled  OrderStatus = "fulfilled"
	OrderStatusShipped    OrderStatus = "shipped"
	OrderStatusCompleted  OrderStatus = "completed"
	OrderStatusCancelled  OrderStatus = "cancelled"
)

// IsTerminal reports whether the status accepts no further transitions.
func (s OrderStatus) IsTerminal() bool {
	return s == OrderStatusCompleted || s == OrderStatusCancelled
}

// Order captures a customer order and its fulfillment state. The status
// column is mutated only through the order service's transition operations.
type Order struct {
	ID              string
	OrderNumber     string
	UserID          string
	AddressRef      string
	Status          OrderStatus
	Currency        string
	Locale          string
	Items           []OrderLineItem
	TotalAmount     int64
	TrackingNumber  string
	ShippingCarrier string
	CancelReason    *string
	Metadata        map[string]any
	CreatedAt       time.Time
	UpdatedAt       time.Time
	ProcessedAt     *time.Time
	FulfilledAt     *time.Time
	ShippedAt       *time.Time
	CompletedAt     *time.Time
	CancelledAt     *time.Time
}

// OrderLineItem stores a purchased variant with the unit price snapshotted at
// creation time so later price changes never alter past orders.
type OrderLineItem struct {
	VariantID string
	SKU       string
	Name      string
	Quantity  int
	UnitPrice int64
	Total     int64
}

// OrderHistoryEntry is one append-only audit record. Status snapshots the
// state the order transitioned into; entries are never updated or deleted.
type OrderHistoryEntry struct {
	ID        string
	OrderID   string
	Status    OrderStatus
	Note      string
	ActorID   string
	CreatedAt time.Time
}

// HealthStatus summarises the outcome of a dependency probe.
type HealthStatus string

const (
	HealthStatusOK       HealthStatus = "ok"
	HealthStatusDegraded HealthStatus = "degraded"
	HealthStatusError    HealthStatus = "error"
)

// SystemHealthCheck reports the result of probing one downstream dependency.
type SystemHealthCheck struct {
	Status    HealthStatus
	Detail    string
	Error     string
	Latency   time.Duration
	CheckedAt time.Time
}

// SystemHealthReport aggregates all dependency checks for readiness reporting.
type SystemHealthReport struct {
	Status      HealthStatus
	Checks      map[string]SystemHealthCheck
	GeneratedAt time.Time
	Version     string
	CommitSHA   string
	Environment string
	Uptime      time.Duration
}

// ProductVariant is the stock unit tracked by the ledger. StockQuantity is
// the sole field mutated by reservations and releases and never goes negative.
type ProductVariant struct {
	ID                string
	SKU               string
	Name              string
	Price             int64
	StockQuantity     int64
	LowStockThreshold int64
	CreatedAt         time.Time
	UpdatedAt         time.Time
}
