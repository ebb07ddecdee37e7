// Package memory provides an in-process repositories.Registry used by tests
// and local development. A single lock serialises atomic units; RunInTx
// snapshots the state so a failed unit rolls back completely, mirroring the
// commit-or-nothing behaviour of the Firestore registry.
package memory

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	domain "github.com/orderflow/api/internal/domain"
	"github.com/orderflow/api/internal/repositories"
)

const defaultLockTimeout = 2 * time.Second

// ErrNotFound marks lookups against absent documents.
var ErrNotFound = &registryError{msg: "memory: not found", notFound: true}

type registryError struct {
	msg         string
	notFound    bool
	conflict    bool
	unavailable bool
}

func (e *registryError) Error() string       { return e.msg }
func (e *registryError) IsNotFound() bool    { return e.notFound }
func (e *registryError) IsConflict() bool    { return e.conflict }
func (e *registryError) IsUnavailable() bool { return e.unavailable }

var _ repositories.RepositoryError = (*registryError)(nil)

func notFoundError(format string, args ...any) error {
	return &registryError{msg: fmt.Sprintf(format, args...), notFound: true}
}

func conflictError(format string, args ...any) error {
	return &registryError{msg: fmt.Sprintf(format, args...), conflict: true}
}

type state struct {
	orders   map[string]domain.Order
	history  map[string][]domain.OrderHistoryEntry
	variants map[string]domain.ProductVariant
	counters map[string]int64
}

func newState() *state {
	return &state{
		orders:   make(map[string]domain.Order),
		history:  make(map[string][]domain.OrderHistoryEntry),
		variants: make(map[string]domain.ProductVariant),
		counters: make(map[string]int64),
	}
}

func (s *state) clone() *state {
	cloned := newState()
	for id, order := range s.orders {
		cloned.orders[id] = cloneOrder(order)
	}
	for id, entries := range s.history {
		copied := make([]domain.OrderHistoryEntry, len(entries))
		copy(copied, entries)
		cloned.history[id] = copied
	}
	for id, variant := range s.variants {
		cloned.variants[id] = variant
	}
	for id, value := range s.counters {
		cloned.counters[id] = value
	}
	return cloned
}

func cloneOrder(order domain.Order) domain.Order {
	cloned := order
	cloned.Items = append([]domain.OrderLineItem(nil), order.Items...)
	if order.Metadata != nil {
		meta := make(map[string]any, len(order.Metadata))
		for k, v := range order.Metadata {
			meta[k] = v
		}
		cloned.Metadata = meta
	}
	return cloned
}

type txTokenKey struct{}

// Registry implements repositories.Registry entirely in memory.
type Registry struct {
	sem         chan struct{}
	lockTimeout time.Duration
	state       *state
	health      repositories.HealthRepository
}

var _ repositories.Registry = (*Registry)(nil)

// Option customises registry construction.
type Option func(*Registry)

// WithLockTimeout bounds the wait for the registry lock before the caller
// receives a retryable conflict.
func WithLockTimeout(timeout time.Duration) Option {
	return func(r *Registry) {
		if timeout > 0 {
			r.lockTimeout = timeout
		}
	}
}

// WithHealth injects a health repository for readiness probes.
func WithHealth(health repositories.HealthRepository) Option {
	return func(r *Registry) {
		r.health = health
	}
}

// NewRegistry constructs an empty in-memory registry.
func NewRegistry(opts ...Option) *Registry {
	reg := &Registry{
		sem:         make(chan struct{}, 1),
		lockTimeout: defaultLockTimeout,
		state:       newState(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(reg)
		}
	}
	return reg
}

// SeedVariant installs or replaces a variant, for tests and local seeds.
func (r *Registry) SeedVariant(variant domain.ProductVariant) {
	_ = r.withLock(context.Background(), func(s *state) error {
		s.variants[variant.ID] = variant
		return nil
	})
}

// RunInTx executes fn while holding the registry lock. The state is cloned
// first; an error from fn restores the snapshot so no partial effects leak.
func (r *Registry) RunInTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if fn == nil {
		return errors.New("memory: transaction function is required")
	}
	if inTx(ctx) {
		return fn(ctx)
	}
	if err := r.acquire(ctx); err != nil {
		return err
	}
	defer r.release()

	snapshot := r.state.clone()
	if err := fn(context.WithValue(ctx, txTokenKey{}, true)); err != nil {
		r.state = snapshot
		return err
	}
	return nil
}

// Close is a no-op for the in-memory registry.
func (r *Registry) Close(context.Context) error { return nil }

func (r *Registry) Orders() repositories.OrderRepository { return &orderRepo{reg: r} }

func (r *Registry) OrderHistory() repositories.OrderHistoryRepository { return &historyRepo{reg: r} }

func (r *Registry) Stock() repositories.StockRepository { return &stockRepo{reg: r} }

func (r *Registry) Counters() repositories.CounterRepository { return &counterRepo{reg: r} }

func (r *Registry) Health() repositories.HealthRepository { return r.health }

func inTx(ctx context.Context) bool {
	if ctx == nil {
		return false
	}
	held, ok := ctx.Value(txTokenKey{}).(bool)
	return ok && held
}

func (r *Registry) acquire(ctx context.Context) error {
	timer := time.NewTimer(r.lockTimeout)
	defer timer.Stop()
	select {
	case r.sem <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return conflictError("memory: lock wait exceeded %s", r.lockTimeout)
	}
}

func (r *Registry) release() { <-r.sem }

// withLock runs fn under the registry lock unless the caller already holds it
// through RunInTx.
func (r *Registry) withLock(ctx context.Context, fn func(*state) error) error {
	if inTx(ctx) {
		return fn(r.state)
	}
	if err := r.acquire(ctx); err != nil {
		return err
	}
	defer r.release()
	return fn(r.state)
}

// Order repository -----------------------------------------------------------

type orderRepo struct {
	reg *Registry
}

func (o *orderRepo) Insert(ctx context.Context, order domain.Order) error {
	return o.reg.withLock(ctx, func(s *state) error {
		if _, exists := s.orders[order.ID]; exists {
			return conflictError("memory: order %s already exists", order.ID)
		}
		s.orders[order.ID] = cloneOrder(order)
		return nil
	})
}

func (o *orderRepo) Update(ctx context.Context, order domain.Order) error {
	return o.reg.withLock(ctx, func(s *state) error {
		if _, exists := s.orders[order.ID]; !exists {
			return notFoundError("memory: order %s not found", order.ID)
		}
		s.orders[order.ID] = cloneOrder(order)
		return nil
	})
}

func (o *orderRepo) FindByID(ctx context.Context, orderID string) (domain.Order, error) {
	var found domain.Order
	err := o.reg.withLock(ctx, func(s *state) error {
		order, ok := s.orders[orderID]
		if !ok {
			return notFoundError("memory: order %s not found", orderID)
		}
		found = cloneOrder(order)
		return nil
	})
	return found, err
}

func (o *orderRepo) List(ctx context.Context, filter repositories.OrderListFilter) (domain.CursorPage[domain.Order], error) {
	var page domain.CursorPage[domain.Order]
	err := o.reg.withLock(ctx, func(s *state) error {
		var matched []domain.Order
		for _, order := range s.orders {
			if !matchesOrderFilter(order, filter) {
				continue
			}
			matched = append(matched, cloneOrder(order))
		}
		sort.Slice(matched, func(i, j int) bool {
			if matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
				return matched[i].ID < matched[j].ID
			}
			return matched[i].CreatedAt.After(matched[j].CreatedAt)
		})

		pageSize := filter.Pagination.PageSize
		if pageSize <= 0 {
			pageSize = 20
		}
		start := 0
		if token := strings.TrimSpace(filter.Pagination.PageToken); token != "" {
			for i, order := range matched {
				if order.ID == token {
					start = i + 1
					break
				}
			}
		}
		end := start + pageSize
		if end > len(matched) {
			end = len(matched)
		}
		page.Items = matched[start:end]
		if end < len(matched) && end > start {
			page.NextPageToken = matched[end-1].ID
		}
		return nil
	})
	return page, err
}

func matchesOrderFilter(order domain.Order, filter repositories.OrderListFilter) bool {
	if userID := strings.TrimSpace(filter.UserID); userID != "" && order.UserID != userID {
		return false
	}
	if len(filter.Status) > 0 {
		ok := false
		for _, s := range filter.Status {
			if string(order.Status) == strings.TrimSpace(s) {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	if filter.DateRange.From != nil && order.CreatedAt.Before(*filter.DateRange.From) {
		return false
	}
	if filter.DateRange.To != nil && order.CreatedAt.After(*filter.DateRange.To) {
		return false
	}
	return true
}

// History repository ---------------------------------------------------------

type historyRepo struct {
	reg *Registry
}

func (h *historyRepo) Append(ctx context.Context, entry domain.OrderHistoryEntry) error {
	return h.reg.withLock(ctx, func(s *state) error {
		if strings.TrimSpace(entry.OrderID) == "" {
			return errors.New("memory: history entry requires order id")
		}
		s.history[entry.OrderID] = append(s.history[entry.OrderID], entry)
		return nil
	})
}

func (h *historyRepo) List(ctx context.Context, orderID string, pager domain.Pagination) (domain.CursorPage[domain.OrderHistoryEntry], error) {
	var page domain.CursorPage[domain.OrderHistoryEntry]
	err := h.reg.withLock(ctx, func(s *state) error {
		entries := append([]domain.OrderHistoryEntry(nil), s.history[orderID]...)
		sort.SliceStable(entries, func(i, j int) bool {
			return entries[i].CreatedAt.Before(entries[j].CreatedAt)
		})
		pageSize := pager.PageSize
		if pageSize <= 0 || pageSize > len(entries) {
			pageSize = len(entries)
		}
		page.Items = entries[:pageSize]
		return nil
	})
	return page, err
}

// Stock repository -----------------------------------------------------------

type stockRepo struct {
	reg *Registry
}

func (st *stockRepo) Reserve(ctx context.Context, req repositories.StockReserveRequest) (repositories.StockMutationResult, error) {
	var result repositories.StockMutationResult
	err := st.reg.withLock(ctx, func(s *state) error {
		if len(req.Lines) == 0 {
			return repositories.NewStockError(repositories.StockErrorInvalidQuantity, "stock mutation: at least one line is required", nil)
		}
		for _, line := range req.Lines {
			variant, ok := s.variants[line.VariantID]
			if !ok {
				return repositories.NewStockError(repositories.StockErrorVariantNotFound, fmt.Sprintf("variant %s not found", line.VariantID), nil)
			}
			if line.Quantity <= 0 {
				return repositories.NewStockError(repositories.StockErrorInvalidQuantity, fmt.Sprintf("stock mutation: quantity for %s must be > 0", line.VariantID), nil)
			}
			if variant.StockQuantity < line.Quantity {
				return repositories.NewInsufficientStockError(line.VariantID, line.Quantity, variant.StockQuantity)
			}
		}
		variants := make(map[string]domain.ProductVariant, len(req.Lines))
		for _, line := range req.Lines {
			variant := s.variants[line.VariantID]
			variant.StockQuantity -= line.Quantity
			variant.UpdatedAt = req.Now
			s.variants[line.VariantID] = variant
			variants[line.VariantID] = variant
		}
		result = repositories.StockMutationResult{Variants: variants}
		return nil
	})
	return result, err
}

func (st *stockRepo) Release(ctx context.Context, req repositories.StockReleaseRequest) (repositories.StockMutationResult, error) {
	var result repositories.StockMutationResult
	err := st.reg.withLock(ctx, func(s *state) error {
		if len(req.Lines) == 0 {
			return repositories.NewStockError(repositories.StockErrorInvalidQuantity, "stock mutation: at least one line is required", nil)
		}
		for _, line := range req.Lines {
			if _, ok := s.variants[line.VariantID]; !ok {
				return repositories.NewStockError(repositories.StockErrorVariantNotFound, fmt.Sprintf("variant %s not found", line.VariantID), nil)
			}
			if line.Quantity <= 0 {
				return repositories.NewStockError(repositories.StockErrorInvalidQuantity, fmt.Sprintf("stock mutation: quantity for %s must be > 0", line.VariantID), nil)
			}
		}
		variants := make(map[string]domain.ProductVariant, len(req.Lines))
		for _, line := range req.Lines {
			variant := s.variants[line.VariantID]
			variant.StockQuantity += line.Quantity
			variant.UpdatedAt = req.Now
			s.variants[line.VariantID] = variant
			variants[line.VariantID] = variant
		}
		result = repositories.StockMutationResult{Variants: variants}
		return nil
	})
	return result, err
}

func (st *stockRepo) Adjust(ctx context.Context, req repositories.StockAdjustRequest) (domain.ProductVariant, error) {
	var updated domain.ProductVariant
	err := st.reg.withLock(ctx, func(s *state) error {
		variant, ok := s.variants[req.VariantID]
		if !ok {
			return repositories.NewStockError(repositories.StockErrorVariantNotFound, fmt.Sprintf("variant %s not found", req.VariantID), nil)
		}
		next := variant.StockQuantity
		switch {
		case req.SetTo != nil:
			next = *req.SetTo
		case req.Delta != nil:
			next = variant.StockQuantity + *req.Delta
		default:
			return repositories.NewStockError(repositories.StockErrorInvalidQuantity, "stock adjust: delta or target quantity is required", nil)
		}
		if next < 0 {
			return repositories.NewStockError(repositories.StockErrorInvalidQuantity, fmt.Sprintf("stock adjust: quantity for %s cannot drop below zero", req.VariantID), nil)
		}
		variant.StockQuantity = next
		variant.UpdatedAt = req.Now
		s.variants[req.VariantID] = variant
		updated = variant
		return nil
	})
	return updated, err
}

func (st *stockRepo) FindVariant(ctx context.Context, variantID string) (domain.ProductVariant, error) {
	var found domain.ProductVariant
	err := st.reg.withLock(ctx, func(s *state) error {
		variant, ok := s.variants[variantID]
		if !ok {
			return repositories.NewStockError(repositories.StockErrorVariantNotFound, fmt.Sprintf("variant %s not found", variantID), nil)
		}
		found = variant
		return nil
	})
	return found, err
}

func (st *stockRepo) ListLowStock(ctx context.Context, query repositories.LowStockQuery) (domain.CursorPage[domain.ProductVariant], error) {
	var page domain.CursorPage[domain.ProductVariant]
	threshold := query.Threshold
	if threshold <= 0 {
		threshold = 1
	}
	err := st.reg.withLock(ctx, func(s *state) error {
		var low []domain.ProductVariant
		for _, variant := range s.variants {
			if variant.StockQuantity <= threshold {
				low = append(low, variant)
			}
		}
		sort.Slice(low, func(i, j int) bool {
			if low[i].StockQuantity == low[j].StockQuantity {
				return low[i].SKU < low[j].SKU
			}
			return low[i].StockQuantity < low[j].StockQuantity
		})
		page.Items = low
		return nil
	})
	return page, err
}

// Counter repository ---------------------------------------------------------

type counterRepo struct {
	reg *Registry
}

func (c *counterRepo) Next(ctx context.Context, counterID string, step int64) (int64, error) {
	if strings.TrimSpace(counterID) == "" {
		return 0, repositories.NewCounterError(repositories.CounterErrorInvalidInput, "counter id is required", nil)
	}
	if step <= 0 {
		step = 1
	}
	var next int64
	err := c.reg.withLock(ctx, func(s *state) error {
		s.counters[counterID] += step
		next = s.counters[counterID]
		return nil
	})
	return next, err
}

func (c *counterRepo) Configure(ctx context.Context, counterID string, cfg repositories.CounterConfig) error {
	return c.reg.withLock(ctx, func(s *state) error {
		if cfg.InitialValue != nil {
			s.counters[counterID] = *cfg.InitialValue
		}
		return nil
	})
}
