package firestore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	domain "github.com/orderflow/api/internal/domain"
	pfirestore "github.com/orderflow/api/internal/platform/firestore"
	"github.com/orderflow/api/internal/platform/pagination"
	"github.com/orderflow/api/internal/repositories"
)

const ordersCollection = "orders"

// OrderRepository persists order documents. Mutations join the ambient
// transaction when one is active so the status column, the stock mutation,
// and the history append share a single commit.
type OrderRepository struct {
	provider *pfirestore.Provider
	orders   *pfirestore.BaseRepository[orderDocument]
}

func NewOrderRepository(provider *pfirestore.Provider) (*OrderRepository, error) {
	if provider == nil {
		return nil, errors.New("order repository requires firestore provider")
	}
	orders := pfirestore.NewBaseRepository[orderDocument](provider, ordersCollection, nil, nil)
	return &OrderRepository{provider: provider, orders: orders}, nil
}

// Insert creates the order document, failing when the id already exists.
func (r *OrderRepository) Insert(ctx context.Context, order domain.Order) error {
	if r == nil || r.provider == nil {
		return errors.New("order repository not initialised")
	}
	orderID := strings.TrimSpace(order.ID)
	if orderID == "" {
		return errors.New("order insert: id is required")
	}

	doc := newOrderDocument(order)
	ref, err := r.orders.DocumentRef(ctx, orderID)
	if err != nil {
		return err
	}

	if tx, ok := txFromContext(ctx); ok {
		return wrapOrderError("orders.insert", tx.Create(ref, doc))
	}
	if _, err := ref.Create(ctx, doc); err != nil {
		return wrapOrderError("orders.insert", err)
	}
	return nil
}

// Update overwrites the order document.
func (r *OrderRepository) Update(ctx context.Context, order domain.Order) error {
	if r == nil || r.provider == nil {
		return errors.New("order repository not initialised")
	}
	orderID := strings.TrimSpace(order.ID)
	if orderID == "" {
		return errors.New("order update: id is required")
	}

	doc := newOrderDocument(order)
	ref, err := r.orders.DocumentRef(ctx, orderID)
	if err != nil {
		return err
	}

	if tx, ok := txFromContext(ctx); ok {
		return wrapOrderError("orders.update", tx.Set(ref, doc))
	}
	if _, err := ref.Set(ctx, doc); err != nil {
		return wrapOrderError("orders.update", err)
	}
	return nil
}

// FindByID loads one order. Inside an atomic unit the read participates in
// the transaction, which is what makes the read-guard-write transition race
// free: a concurrent transition against the same document aborts one side.
func (r *OrderRepository) FindByID(ctx context.Context, orderID string) (domain.Order, error) {
	if r == nil || r.orders == nil {
		return domain.Order{}, errors.New("order repository not initialised")
	}
	orderID = strings.TrimSpace(orderID)
	if orderID == "" {
		return domain.Order{}, errors.New("order find: id is required")
	}

	if tx, ok := txFromContext(ctx); ok {
		ref, err := r.orders.DocumentRef(ctx, orderID)
		if err != nil {
			return domain.Order{}, err
		}
		snap, err := tx.Get(ref)
		if err != nil {
			if status.Code(err) == codes.NotFound {
				return domain.Order{}, pfirestore.WrapError("orders.find", err)
			}
			return domain.Order{}, wrapOrderError("orders.find", err)
		}
		var doc orderDocument
		if err := snap.DataTo(&doc); err != nil {
			return domain.Order{}, fmt.Errorf("decode order %s: %w", orderID, err)
		}
		return doc.toDomain(orderID), nil
	}

	doc, err := r.orders.Get(ctx, orderID)
	if err != nil {
		return domain.Order{}, wrapOrderError("orders.find", err)
	}
	return doc.Data.toDomain(doc.ID), nil
}

// List pages orders filtered by user, status set, and creation date range,
// newest first.
func (r *OrderRepository) List(ctx context.Context, filter repositories.OrderListFilter) (domain.CursorPage[domain.Order], error) {
	if r == nil || r.orders == nil {
		return domain.CursorPage[domain.Order]{}, errors.New("order repository not initialised")
	}

	pageSize := filter.Pagination.PageSize
	if pageSize <= 0 {
		pageSize = 20
	}
	if pageSize > 100 {
		pageSize = 100
	}

	client, err := r.provider.Client(ctx)
	if err != nil {
		return domain.CursorPage[domain.Order]{}, wrapOrderError("orders.list", err)
	}

	query := client.Collection(ordersCollection).Query
	if userID := strings.TrimSpace(filter.UserID); userID != "" {
		query = query.Where("userId", "==", userID)
	}
	if len(filter.Status) > 0 {
		statuses := make([]string, 0, len(filter.Status))
		for _, s := range filter.Status {
			if trimmed := strings.TrimSpace(s); trimmed != "" {
				statuses = append(statuses, trimmed)
			}
		}
		if len(statuses) > 0 {
			query = query.Where("status", "in", statuses)
		}
	}
	if filter.DateRange.From != nil {
		query = query.Where("createdAt", ">=", filter.DateRange.From.UTC())
	}
	if filter.DateRange.To != nil {
		query = query.Where("createdAt", "<=", filter.DateRange.To.UTC())
	}

	query = query.OrderBy("createdAt", firestore.Desc).
		OrderBy(firestore.DocumentID, firestore.Asc).
		Limit(pageSize + 1)

	if token := strings.TrimSpace(filter.Pagination.PageToken); token != "" {
		cursor, err := pagination.DecodeToken(token)
		if err != nil {
			return domain.CursorPage[domain.Order]{}, wrapOrderError("orders.list", err)
		}
		createdAt, id, err := orderCursorValues(cursor)
		if err != nil {
			return domain.CursorPage[domain.Order]{}, wrapOrderError("orders.list", err)
		}
		query = query.StartAfter(createdAt, id)
	}

	iter := query.Documents(ctx)
	defer iter.Stop()

	var orders []domain.Order
	for {
		snap, err := iter.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return domain.CursorPage[domain.Order]{}, wrapOrderError("orders.list", err)
		}
		var doc orderDocument
		if err := snap.DataTo(&doc); err != nil {
			return domain.CursorPage[domain.Order]{}, fmt.Errorf("decode order %s: %w", snap.Ref.ID, err)
		}
		orders = append(orders, doc.toDomain(snap.Ref.ID))
	}

	hasMore := len(orders) > pageSize
	if hasMore {
		orders = orders[:pageSize]
	}
	var nextToken string
	if hasMore && len(orders) > 0 {
		last := orders[len(orders)-1]
		encoded, err := pagination.EncodeToken(pagination.Cursor{
			StartAfter: []any{last.CreatedAt.UTC().Format(time.RFC3339Nano), last.ID},
		})
		if err != nil {
			return domain.CursorPage[domain.Order]{}, wrapOrderError("orders.list", err)
		}
		nextToken = encoded
	}

	return domain.CursorPage[domain.Order]{
		Items:         orders,
		NextPageToken: nextToken,
	}, nil
}

// Helper structures ---------------------------------------------------------

type orderDocument struct {
	OrderNumber     string              `firestore:"orderNumber"`
	UserID          string              `firestore:"userId"`
	AddressRef      string              `firestore:"addressRef"`
	Status          string              `firestore:"status"`
	Currency        string              `firestore:"currency"`
	Locale          string              `firestore:"locale,omitempty"`
	Items           []orderItemDocument `firestore:"items"`
	TotalAmount     int64               `firestore:"totalAmount"`
	TrackingNumber  string              `firestore:"trackingNumber,omitempty"`
	ShippingCarrier string              `firestore:"shippingCarrier,omitempty"`
	CancelReason    *string             `firestore:"cancelReason,omitempty"`
	Metadata        map[string]any      `firestore:"metadata,omitempty"`
	CreatedAt       time.Time           `firestore:"createdAt"`
	UpdatedAt       time.Time           `firestore:"updatedAt"`
	ProcessedAt     *time.Time          `firestore:"processedAt,omitempty"`
	FulfilledAt     *time.Time          `firestore:"fulfilledAt,omitempty"`
	ShippedAt       *time.Time          `firestore:"shippedAt,omitempty"`
	CompletedAt     *time.Time          `firestore:"completedAt,omitempty"`
	CancelledAt     *time.Time          `firestore:"cancelledAt,omitempty"`
}

type orderItemDocument struct {
	VariantID string `firestore:"variantId"`
	SKU       string `firestore:"sku"`
	Name      string `firestore:"name,omitempty"`
	Quantity  int    `firestore:"qty"`
	UnitPrice int64  `firestore:"unitPrice"`
	Total     int64  `firestore:"total"`
}

func newOrderDocument(order domain.Order) orderDocument {
	items := make([]orderItemDocument, len(order.Items))
	for i, item := range order.Items {
		items[i] = orderItemDocument{
			VariantID: strings.TrimSpace(item.VariantID),
			SKU:       strings.TrimSpace(item.SKU),
			Name:      strings.TrimSpace(item.Name),
			Quantity:  item.Quantity,
			UnitPrice: item.UnitPrice,
			Total:     item.Total,
		}
	}
	return orderDocument{
		OrderNumber:     strings.TrimSpace(order.OrderNumber),
		UserID:          strings.TrimSpace(order.UserID),
		AddressRef:      strings.TrimSpace(order.AddressRef),
		Status:          string(order.Status),
		Currency:        strings.ToUpper(strings.TrimSpace(order.Currency)),
		Locale:          strings.TrimSpace(order.Locale),
		Items:           items,
		TotalAmount:     order.TotalAmount,
		TrackingNumber:  strings.TrimSpace(order.TrackingNumber),
		ShippingCarrier: strings.TrimSpace(order.ShippingCarrier),
		CancelReason:    order.CancelReason,
		Metadata:        order.Metadata,
		CreatedAt:       order.CreatedAt.UTC(),
		UpdatedAt:       order.UpdatedAt.UTC(),
		ProcessedAt:     order.ProcessedAt,
		FulfilledAt:     order.FulfilledAt,
		ShippedAt:       order.ShippedAt,
		CompletedAt:     order.CompletedAt,
		CancelledAt:     order.CancelledAt,
	}
}

func (d orderDocument) toDomain(id string) domain.Order {
	items := make([]domain.OrderLineItem, len(d.Items))
	for i, item := range d.Items {
		items[i] = domain.OrderLineItem{
			VariantID: item.VariantID,
			SKU:       item.SKU,
			Name:      item.Name,
			Quantity:  item.Quantity,
			UnitPrice: item.UnitPrice,
			Total:     item.Total,
		}
	}
	return domain.Order{
		ID:              id,
		OrderNumber:     d.OrderNumber,
		UserID:          d.UserID,
		AddressRef:      d.AddressRef,
		Status:          domain.OrderStatus(d.Status),
		Currency:        d.Currency,
		Locale:          d.Locale,
		Items:           items,
		TotalAmount:     d.TotalAmount,
		TrackingNumber:  d.TrackingNumber,
		ShippingCarrier: d.ShippingCarrier,
		CancelReason:    d.CancelReason,
		Metadata:        d.Metadata,
		CreatedAt:       d.CreatedAt,
		UpdatedAt:       d.UpdatedAt,
		ProcessedAt:     d.ProcessedAt,
		FulfilledAt:     d.FulfilledAt,
		ShippedAt:       d.ShippedAt,
		CompletedAt:     d.CompletedAt,
		CancelledAt:     d.CancelledAt,
	}
}

func orderCursorValues(cursor pagination.Cursor) (time.Time, string, error) {
	if len(cursor.StartAfter) != 2 {
		return time.Time{}, "", fmt.Errorf("%w: order cursor requires two values", pagination.ErrInvalidPageToken)
	}
	rawCreated, ok := cursor.StartAfter[0].(string)
	if !ok {
		return time.Time{}, "", fmt.Errorf("%w: malformed createdAt", pagination.ErrInvalidPageToken)
	}
	createdAt, err := time.Parse(time.RFC3339Nano, rawCreated)
	if err != nil {
		return time.Time{}, "", fmt.Errorf("%w: malformed createdAt", pagination.ErrInvalidPageToken)
	}
	id, ok := cursor.StartAfter[1].(string)
	if !ok || id == "" {
		return time.Time{}, "", fmt.Errorf("%w: malformed order id", pagination.ErrInvalidPageToken)
	}
	return createdAt, id, nil
}

func wrapOrderError(op string, err error) error {
	return pfirestore.WrapError(op, err)
}
