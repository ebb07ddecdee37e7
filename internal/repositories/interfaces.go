package repositories

import (
	"context"
	"time"

	domain "github.com/orderflow/api/internal/domain"
)

// Registry exposes typed repository accessors and lifecycle hooks for dependency injection.
type Registry interface {
	Close(ctx context.Context) error

	Orders() OrderRepository
	OrderHistory() OrderHistoryRepository
	Stock() StockRepository
	Counters() CounterRepository
	Health() HealthRepository
	UnitOfWork
}

// RepositoryError wraps low-level persistence failures with categorisation used by services.
type RepositoryError interface {
	error
	IsNotFound() bool
	IsConflict() bool
	IsUnavailable() bool
}

// UnitOfWork allows grouping repository operations in a transactional boundary when supported.
type UnitOfWork interface {
	RunInTx(ctx context.Context, fn func(ctx context.Context) error) error
}

// OrderRepository persists order headers and provides query helpers for users and admins.
type OrderRepository interface {
	Insert(ctx context.Context, order domain.Order) error
	Update(ctx context.Context, order domain.Order) error
	FindByID(ctx context.Context, orderID string) (domain.Order, error)
	List(ctx context.Context, filter OrderListFilter) (domain.CursorPage[domain.Order], error)
}

// OrderHistoryRepository stores the append-only audit trail beneath an order.
// Entries are immutable once written; there is no update or delete.
type OrderHistoryRepository interface {
	Append(ctx context.Context, entry domain.OrderHistoryEntry) error
	List(ctx context.Context, orderID string, pager domain.Pagination) (domain.CursorPage[domain.OrderHistoryEntry], error)
}

// StockRepository manages per-variant stock quantities with transactional guarantees.
type StockRepository interface {
	Reserve(ctx context.Context, req StockReserveRequest) (StockMutationResult, error)
	Release(ctx context.Context, req StockReleaseRequest) (StockMutationResult, error)
	Adjust(ctx context.Context, req StockAdjustRequest) (domain.ProductVariant, error)
	FindVariant(ctx context.Context, variantID string) (domain.ProductVariant, error)
	ListLowStock(ctx context.Context, query LowStockQuery) (domain.CursorPage[domain.ProductVariant], error)
}

// StockLine names one variant quantity within a reserve or release request.
type StockLine struct {
	VariantID string
	Quantity  int64
}

// StockReserveRequest decrements stock for every line or fails without mutation.
type StockReserveRequest struct {
	OrderRef string
	Lines    []StockLine
	Now      time.Time
}

// StockReleaseRequest restores previously reserved quantities.
type StockReleaseRequest struct {
	OrderRef string
	Lines    []StockLine
	Reason   string
	Now      time.Time
}

// StockAdjustRequest mutates a single variant outside the order flow. Exactly
// one of Delta or SetTo is honoured; SetTo wins when both are present.
type StockAdjustRequest struct {
	VariantID string
	Delta     *int64
	SetTo     *int64
	Now       time.Time
}

// StockMutationResult reports the post-mutation quantities per variant.
type StockMutationResult struct {
	Variants map[string]domain.ProductVariant
}

// LowStockQuery controls pagination and threshold filtering for low stock listings.
type LowStockQuery struct {
	Threshold int64
	PageSize  int
	PageToken string
}

// CounterRepository provides transaction-safe sequence numbers.
type CounterRepository interface {
	Next(ctx context.Context, counterID string, step int64) (int64, error)
	Configure(ctx context.Context, counterID string, cfg CounterConfig) error
}

// HealthRepository exposes status of downstream dependencies for health checks.
type HealthRepository interface {
	Collect(ctx context.Context) (domain.SystemHealthReport, error)
}

// Filter DTOs shared across repositories ------------------------------------

type OrderListFilter struct {
	UserID     string
	Status     []string
	DateRange  domain.RangeQuery[time.Time]
	Pagination domain.Pagination
}

// CounterConfig customises increment behaviour and bounds for a counter.
type CounterConfig struct {
	Step         int64
	MaxValue     *int64
	InitialValue *int64
}
