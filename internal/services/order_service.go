package services

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
	"golang.org/x/text/language"

	domain "github.com/orderflow/api/internal/domain"
	"github.com/orderflow/api/internal/platform/textutil"
	"github.com/orderflow/api/internal/repositories"
)

const (
	orderEventCreated       = "order.created"
	orderEventStatusChanged = "order.status.changed"

	orderIDPrefix        = "ord_"
	historyEntryIDPrefix = "oh_"

	orderNumberCounterID = "orders"
	maxLineItems         = 100
)

var (
	// ErrOrderInvalidInput signals the caller provided invalid data.
	ErrOrderInvalidInput = errors.New("order: invalid input")
	// ErrOrderNotFound indicates the order could not be located.
	ErrOrderNotFound = errors.New("order: not found")
	// ErrOrderInvalidState indicates an invalid status transition was attempted.
	ErrOrderInvalidState = errors.New("order: invalid status transition")
	// ErrOrderConflict indicates optimistic concurrency conflicts or duplicates.
	ErrOrderConflict = errors.New("order: conflict")
)

var orderStateTransitions = map[domain.OrderStatus][]domain.OrderStatus{
	domain.OrderStatusPending:    {domain.OrderStatusProcessing, domain.OrderStatusCancelled},
	domain.OrderStatusProcessing: {domain.OrderStatusFulfilled, domain.OrderStatusCancelled},
	domain.OrderStatusFulfilled:  {domain.OrderStatusShipped},
	domain.OrderStatusShipped:    {domain.OrderStatusCompleted},
}

var cancellableStatuses = []domain.OrderStatus{
	domain.OrderStatusPending,
	domain.OrderStatusProcessing,
}

// OrderEventPublisher publishes order domain events for downstream consumers.
type OrderEventPublisher interface {
	PublishOrderEvent(ctx context.Context, event OrderEvent) error
}

// OrderEvent captures metadata for emitted order domain events.
type OrderEvent struct {
	Type           string
	OrderID        string
	OrderNumber    string
	PreviousStatus string
	CurrentStatus  string
	ActorID        string
	OccurredAt     time.Time
	Metadata       map[string]any
}

// OrderServiceDeps bundles collaborators required to construct the order service.
type OrderServiceDeps struct {
	Orders      repositories.OrderRepository
	History     repositories.OrderHistoryRepository
	Stock       repositories.StockRepository
	Counters    repositories.CounterRepository
	UnitOfWork  repositories.UnitOfWork
	Clock       func() time.Time
	IDGenerator func() string
	Events      OrderEventPublisher
	Logger      func(ctx context.Context, event string, fields map[string]any)
}

type orderService struct {
	orders     repositories.OrderRepository
	history    repositories.OrderHistoryRepository
	stock      repositories.StockRepository
	counters   repositories.CounterRepository
	unitOfWork repositories.UnitOfWork
	clock      func() time.Time
	newID      func() string
	events     OrderEventPublisher
	logger     func(context.Context, string, map[string]any)
}

// NewOrderService wires dependencies into a concrete OrderService implementation.
func NewOrderService(deps OrderServiceDeps) (OrderService, error) {
	if deps.Orders == nil {
		return nil, errors.New("order service: order repository is required")
	}
	if deps.History == nil {
		return nil, errors.New("order service: history repository is required")
	}
	if deps.Stock == nil {
		return nil, errors.New("order service: stock repository is required")
	}
	if deps.Counters == nil {
		return nil, errors.New("order service: counter repository is required")
	}

	unit := deps.UnitOfWork
	if unit == nil {
		unit = noopUnitOfWork{}
	}

	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}

	idGen := deps.IDGenerator
	if idGen == nil {
		idGen = func() string {
			return ulid.Make().String()
		}
	}

	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}

	return &orderService{
		orders:     deps.Orders,
		history:    deps.History,
		stock:      deps.Stock,
		counters:   deps.Counters,
		unitOfWork: unit,
		clock: func() time.Time {
			return clock().UTC()
		},
		newID:  idGen,
		events: deps.Events,
		logger: logger,
	}, nil
}

func (s *orderService) Create(ctx context.Context, cmd CreateOrderCommand) (Order, error) {
	userID := strings.TrimSpace(cmd.UserID)
	if userID == "" {
		return Order{}, fmt.Errorf("%w: user id is required", ErrOrderInvalidInput)
	}
	currency := strings.ToUpper(strings.TrimSpace(cmd.Currency))
	if len(currency) != 3 {
		return Order{}, fmt.Errorf("%w: currency must be a 3-letter code", ErrOrderInvalidInput)
	}
	locale, err := normalizeLocale(cmd.Locale)
	if err != nil {
		return Order{}, err
	}
	lines, err := normalizeCreateItems(cmd.Items)
	if err != nil {
		return Order{}, err
	}

	now := s.now()
	actor := strings.TrimSpace(cmd.ActorID)

	order := Order{
		ID:         s.nextOrderID(),
		UserID:     userID,
		AddressRef: strings.TrimSpace(cmd.AddressRef),
		Status:     domain.OrderStatusPending,
		Currency:   currency,
		Locale:     locale,
		Metadata:   maps.Clone(cmd.Metadata),
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	if cmd.OrderNumber != nil && strings.TrimSpace(*cmd.OrderNumber) != "" {
		order.OrderNumber = strings.TrimSpace(*cmd.OrderNumber)
	} else {
		// Order numbers come from a counter outside the atomic unit, so a
		// failed creation may leave a gap in the sequence.
		number, err := s.generateOrderNumber(ctx, now)
		if err != nil {
			return Order{}, err
		}
		order.OrderNumber = number
	}

	note := textutil.SanitizeNote(cmd.Note)

	err = s.runInTx(ctx, func(txCtx context.Context) error {
		// The reservation performs its variant reads before any write in
		// the transaction, which the persistence layer requires.
		result, err := s.stock.Reserve(txCtx, repositories.StockReserveRequest{
			OrderRef: order.ID,
			Lines:    lines,
			Now:      now,
		})
		if err != nil {
			return s.mapRepositoryError(err)
		}

		order.Items = buildOrderLineItems(lines, result.Variants)
		order.TotalAmount = domain.OrderTotal(order.Items)

		if err := s.orders.Insert(txCtx, order); err != nil {
			return s.mapRepositoryError(err)
		}
		return s.appendHistory(txCtx, &order, domain.OrderStatusPending, note, actor, now)
	})
	if err != nil {
		return Order{}, err
	}

	s.publishEvent(ctx, OrderEvent{
		Type:          orderEventCreated,
		OrderID:       order.ID,
		OrderNumber:   order.OrderNumber,
		CurrentStatus: string(order.Status),
		ActorID:       actor,
		OccurredAt:    now,
		Metadata:      maps.Clone(order.Metadata),
	})

	return order, nil
}

func (s *orderService) Transition(ctx context.Context, cmd OrderStatusTransitionCommand) (Order, error) {
	orderID := strings.TrimSpace(cmd.OrderID)
	target := domain.OrderStatus(strings.TrimSpace(string(cmd.TargetStatus)))

	if orderID == "" {
		return Order{}, fmt.Errorf("%w: order id is required", ErrOrderInvalidInput)
	}
	if target == "" {
		return Order{}, fmt.Errorf("%w: target status is required", ErrOrderInvalidInput)
	}
	if _, known := orderStateTransitions[target]; !known && !target.IsTerminal() {
		return Order{}, fmt.Errorf("%w: unknown status %q", ErrOrderInvalidInput, target)
	}
	if target == domain.OrderStatusCancelled {
		return Order{}, fmt.Errorf("%w: use the cancellation operation to cancel an order", ErrOrderInvalidInput)
	}

	actor := strings.TrimSpace(cmd.ActorID)
	note := textutil.SanitizeNote(cmd.Note)
	now := s.now()

	var (
		order      Order
		prevStatus domain.OrderStatus
	)

	err := s.runInTx(ctx, func(txCtx context.Context) error {
		var err error
		order, err = s.orders.FindByID(txCtx, orderID)
		if err != nil {
			return s.mapRepositoryError(err)
		}
		if cmd.ExpectedStatus != nil && order.Status != *cmd.ExpectedStatus {
			return fmt.Errorf("%w: expected status %q but was %q", ErrOrderConflict, *cmd.ExpectedStatus, order.Status)
		}
		if !canTransition(order.Status, target) {
			return fmt.Errorf("%w: %s to %s", ErrOrderInvalidState, order.Status, target)
		}
		if target == domain.OrderStatusShipped {
			if err := applyShippingDetails(&order, cmd.TrackingNumber, cmd.ShippingCarrier); err != nil {
				return err
			}
		}

		prevStatus = order.Status
		order.Status = target
		order.UpdatedAt = now
		stampStatusTime(&order, target, now)

		if err := s.orders.Update(txCtx, order); err != nil {
			return s.mapRepositoryError(err)
		}
		return s.appendHistory(txCtx, &order, target, note, actor, now)
	})
	if err != nil {
		return Order{}, err
	}

	s.publishEvent(ctx, OrderEvent{
		Type:           orderEventStatusChanged,
		OrderID:        order.ID,
		OrderNumber:    order.OrderNumber,
		PreviousStatus: string(prevStatus),
		CurrentStatus:  string(order.Status),
		ActorID:        actor,
		OccurredAt:     now,
	})

	return order, nil
}

func (s *orderService) Cancel(ctx context.Context, cmd CancelOrderCommand) (Order, error) {
	orderID := strings.TrimSpace(cmd.OrderID)
	if orderID == "" {
		return Order{}, fmt.Errorf("%w: order id is required", ErrOrderInvalidInput)
	}

	actor := strings.TrimSpace(cmd.ActorID)
	reason := textutil.SanitizeNote(cmd.Reason)
	now := s.now()

	var (
		order      Order
		prevStatus domain.OrderStatus
	)

	err := s.runInTx(ctx, func(txCtx context.Context) error {
		var err error
		order, err = s.orders.FindByID(txCtx, orderID)
		if err != nil {
			return s.mapRepositoryError(err)
		}
		if !slices.Contains(cancellableStatuses, order.Status) {
			return fmt.Errorf("%w: order status %q cannot be cancelled", ErrOrderInvalidState, order.Status)
		}
		if cmd.ExpectedStatus != nil && order.Status != *cmd.ExpectedStatus {
			return fmt.Errorf("%w: expected status %q but was %q", ErrOrderConflict, *cmd.ExpectedStatus, order.Status)
		}

		// Restock before the order document is rewritten: the release reads
		// variant documents and the transaction forbids reads after writes.
		// The cancellable guard above makes the release exactly-once, since
		// cancelled is terminal.
		if _, err := s.stock.Release(txCtx, repositories.StockReleaseRequest{
			OrderRef: order.ID,
			Lines:    stockLinesFromItems(order.Items),
			Reason:   reason,
			Now:      now,
		}); err != nil {
			return s.mapRepositoryError(err)
		}

		prevStatus = order.Status
		order.Status = domain.OrderStatusCancelled
		order.CancelReason = optionalString(reason)
		order.CancelledAt = &now
		order.UpdatedAt = now

		if err := s.orders.Update(txCtx, order); err != nil {
			return s.mapRepositoryError(err)
		}
		return s.appendHistory(txCtx, &order, domain.OrderStatusCancelled, reason, actor, now)
	})
	if err != nil {
		return Order{}, err
	}

	metadata := map[string]any{}
	if reason != "" {
		metadata["reason"] = reason
	}

	s.publishEvent(ctx, OrderEvent{
		Type:           orderEventStatusChanged,
		OrderID:        order.ID,
		OrderNumber:    order.OrderNumber,
		PreviousStatus: string(prevStatus),
		CurrentStatus:  string(order.Status),
		ActorID:        actor,
		OccurredAt:     now,
		Metadata:       metadata,
	})

	return order, nil
}

func (s *orderService) GetOrder(ctx context.Context, orderID string) (Order, error) {
	orderID = strings.TrimSpace(orderID)
	if orderID == "" {
		return Order{}, fmt.Errorf("%w: order id is required", ErrOrderInvalidInput)
	}
	order, err := s.orders.FindByID(ctx, orderID)
	if err != nil {
		return Order{}, s.mapRepositoryError(err)
	}
	return order, nil
}

func (s *orderService) ListOrders(ctx context.Context, filter OrderListFilter) (domain.CursorPage[Order], error) {
	page, err := s.orders.List(ctx, filter)
	if err != nil {
		return domain.CursorPage[Order]{}, s.mapRepositoryError(err)
	}
	return page, nil
}

func (s *orderService) ListHistory(ctx context.Context, orderID string, pager Pagination) (domain.CursorPage[OrderHistoryEntry], error) {
	orderID = strings.TrimSpace(orderID)
	if orderID == "" {
		return domain.CursorPage[OrderHistoryEntry]{}, fmt.Errorf("%w: order id is required", ErrOrderInvalidInput)
	}
	if _, err := s.orders.FindByID(ctx, orderID); err != nil {
		return domain.CursorPage[OrderHistoryEntry]{}, s.mapRepositoryError(err)
	}
	page, err := s.history.List(ctx, orderID, pager)
	if err != nil {
		return domain.CursorPage[OrderHistoryEntry]{}, s.mapRepositoryError(err)
	}
	return page, nil
}

func (s *orderService) appendHistory(ctx context.Context, order *Order, status domain.OrderStatus, note, actor string, now time.Time) error {
	if note == "" {
		note = "Order " + string(status)
	}
	entry := OrderHistoryEntry{
		ID:        historyEntryIDPrefix + s.newID(),
		OrderID:   order.ID,
		Status:    status,
		Note:      note,
		ActorID:   actor,
		CreatedAt: now,
	}
	if err := s.history.Append(ctx, entry); err != nil {
		return s.mapRepositoryError(err)
	}
	return nil
}

func (s *orderService) mapRepositoryError(err error) error {
	if err == nil {
		return nil
	}

	var stockErr *repositories.StockError
	if errors.As(err, &stockErr) {
		switch stockErr.Code {
		case repositories.StockErrorInsufficient:
			// Surfaces the variant, requested, and available quantities.
			return stockErr
		case repositories.StockErrorVariantNotFound:
			return fmt.Errorf("%w: %s", ErrOrderInvalidInput, stockErr.Message)
		case repositories.StockErrorInvalidQuantity:
			return fmt.Errorf("%w: %s", ErrOrderInvalidInput, stockErr.Message)
		case repositories.StockErrorConflict:
			return fmt.Errorf("%w: %v", ErrOrderConflict, err)
		}
	}

	var repoErr repositories.RepositoryError
	if errors.As(err, &repoErr) {
		switch {
		case repoErr.IsNotFound():
			return fmt.Errorf("%w: %v", ErrOrderNotFound, err)
		case repoErr.IsConflict():
			return fmt.Errorf("%w: %v", ErrOrderConflict, err)
		case repoErr.IsUnavailable():
			return fmt.Errorf("order: repository unavailable: %w", err)
		}
	}

	return err
}

func (s *orderService) generateOrderNumber(ctx context.Context, now time.Time) (string, error) {
	seq, err := s.counters.Next(ctx, orderNumberCounterID, 1)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("OF-%04d-%06d", now.Year(), seq), nil
}

func (s *orderService) runInTx(ctx context.Context, fn func(context.Context) error) error {
	if s.unitOfWork == nil {
		return fn(ctx)
	}
	return s.unitOfWork.RunInTx(ctx, fn)
}

func (s *orderService) now() time.Time {
	return s.clock()
}

func (s *orderService) nextOrderID() string {
	return orderIDPrefix + s.newID()
}

func (s *orderService) publishEvent(ctx context.Context, event OrderEvent) {
	if s.events == nil {
		return
	}
	if event.Metadata != nil {
		event.Metadata = maps.Clone(event.Metadata)
	}
	if err := s.events.PublishOrderEvent(ctx, event); err != nil {
		s.logger(ctx, "order.event.publish.failed", map[string]any{
			"type":   event.Type,
			"order":  event.OrderID,
			"error":  err.Error(),
			"status": event.CurrentStatus,
		})
	}
}

type noopUnitOfWork struct{}

func (noopUnitOfWork) RunInTx(ctx context.Context, fn func(context.Context) error) error {
	return fn(ctx)
}

func normalizeLocale(locale string) (string, error) {
	locale = strings.TrimSpace(locale)
	if locale == "" {
		return "", nil
	}
	tag, err := language.Parse(locale)
	if err != nil {
		return "", fmt.Errorf("%w: unsupported locale %q", ErrOrderInvalidInput, locale)
	}
	return tag.String(), nil
}

func normalizeCreateItems(items []CreateOrderItem) ([]repositories.StockLine, error) {
	if len(items) == 0 {
		return nil, fmt.Errorf("%w: order must contain at least one item", ErrOrderInvalidInput)
	}
	if len(items) > maxLineItems {
		return nil, fmt.Errorf("%w: order cannot exceed %d line items", ErrOrderInvalidInput, maxLineItems)
	}

	lines := make([]repositories.StockLine, 0, len(items))
	index := make(map[string]int, len(items))
	for _, item := range items {
		variantID := strings.TrimSpace(item.VariantID)
		if variantID == "" {
			return nil, fmt.Errorf("%w: item variant id is required", ErrOrderInvalidInput)
		}
		if item.Quantity <= 0 {
			return nil, fmt.Errorf("%w: quantity for %s must be positive", ErrOrderInvalidInput, variantID)
		}
		if at, seen := index[variantID]; seen {
			lines[at].Quantity += int64(item.Quantity)
			continue
		}
		index[variantID] = len(lines)
		lines = append(lines, repositories.StockLine{VariantID: variantID, Quantity: int64(item.Quantity)})
	}
	return lines, nil
}

func buildOrderLineItems(lines []repositories.StockLine, variants map[string]domain.ProductVariant) []OrderLineItem {
	items := make([]OrderLineItem, 0, len(lines))
	for _, line := range lines {
		variant := variants[line.VariantID]
		item := OrderLineItem{
			VariantID: line.VariantID,
			SKU:       variant.SKU,
			Name:      variant.Name,
			Quantity:  int(line.Quantity),
			UnitPrice: variant.Price,
		}
		item.Total = domain.LineItemTotal(item)
		items = append(items, item)
	}
	return items
}

func stockLinesFromItems(items []OrderLineItem) []repositories.StockLine {
	lines := make([]repositories.StockLine, 0, len(items))
	for _, item := range items {
		lines = append(lines, repositories.StockLine{VariantID: item.VariantID, Quantity: int64(item.Quantity)})
	}
	return lines
}

func applyShippingDetails(order *Order, trackingNumber, carrier string) error {
	trackingNumber = strings.TrimSpace(trackingNumber)
	carrier = strings.TrimSpace(carrier)
	if trackingNumber == "" {
		return fmt.Errorf("%w: tracking number is required to ship", ErrOrderInvalidInput)
	}
	if carrier == "" {
		return fmt.Errorf("%w: shipping carrier is required to ship", ErrOrderInvalidInput)
	}
	order.TrackingNumber = trackingNumber
	order.ShippingCarrier = carrier
	return nil
}

func stampStatusTime(order *Order, status domain.OrderStatus, now time.Time) {
	switch status {
	case domain.OrderStatusProcessing:
		order.ProcessedAt = &now
	case domain.OrderStatusFulfilled:
		order.FulfilledAt = &now
	case domain.OrderStatusShipped:
		order.ShippedAt = &now
	case domain.OrderStatusCompleted:
		order.CompletedAt = &now
	case domain.OrderStatusCancelled:
		if order.CancelledAt == nil {
			order.CancelledAt = &now
		}
	}
}

func optionalString(v string) *string {
	if v == "" {
		return nil
	}
	ref := v
	return &ref
}

// canTransition consults the transition table. The table has no self-edges,
// so repeating a transition fails the same way any other illegal move does.
func canTransition(current, target domain.OrderStatus) bool {
	next, ok := orderStateTransitions[current]
	if !ok {
		return false
	}
	return slices.Contains(next, target)
}
