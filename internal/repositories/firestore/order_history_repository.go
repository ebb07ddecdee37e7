package firestore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/iterator"

	domain "github.com/orderflow/api/internal/domain"
	pfirestore "github.com/orderflow/api/internal/platform/firestore"
	"github.com/orderflow/api/internal/platform/pagination"
)

const orderHistorySubcollection = "history"

// OrderHistoryRepository stores audit entries in a subcollection beneath the
// owning order. Append is the only mutation; entries are never rewritten.
type OrderHistoryRepository struct {
	provider *pfirestore.Provider
}

func NewOrderHistoryRepository(provider *pfirestore.Provider) (*OrderHistoryRepository, error) {
	if provider == nil {
		return nil, errors.New("order history repository requires firestore provider")
	}
	return &OrderHistoryRepository{provider: provider}, nil
}

// Append writes one immutable history entry, joining the ambient transaction
// when the caller runs inside an atomic unit.
func (r *OrderHistoryRepository) Append(ctx context.Context, entry domain.OrderHistoryEntry) error {
	if r == nil || r.provider == nil {
		return errors.New("order history repository not initialised")
	}
	orderID := strings.TrimSpace(entry.OrderID)
	if orderID == "" {
		return errors.New("order history append: order id is required")
	}
	entryID := strings.TrimSpace(entry.ID)
	if entryID == "" {
		return errors.New("order history append: entry id is required")
	}

	ref, err := r.entryRef(ctx, orderID, entryID)
	if err != nil {
		return err
	}
	doc := historyDocument{
		OrderID:   orderID,
		Status:    string(entry.Status),
		Note:      strings.TrimSpace(entry.Note),
		ActorID:   strings.TrimSpace(entry.ActorID),
		CreatedAt: entry.CreatedAt.UTC(),
	}

	if tx, ok := txFromContext(ctx); ok {
		return pfirestore.WrapError("orderHistory.append", tx.Create(ref, doc))
	}
	if _, err := ref.Create(ctx, doc); err != nil {
		return pfirestore.WrapError("orderHistory.append", err)
	}
	return nil
}

// List returns an order's history oldest first.
func (r *OrderHistoryRepository) List(ctx context.Context, orderID string, pager domain.Pagination) (domain.CursorPage[domain.OrderHistoryEntry], error) {
	if r == nil || r.provider == nil {
		return domain.CursorPage[domain.OrderHistoryEntry]{}, errors.New("order history repository not initialised")
	}
	orderID = strings.TrimSpace(orderID)
	if orderID == "" {
		return domain.CursorPage[domain.OrderHistoryEntry]{}, errors.New("order history list: order id is required")
	}

	pageSize := pager.PageSize
	if pageSize <= 0 {
		pageSize = 50
	}
	if pageSize > 200 {
		pageSize = 200
	}

	client, err := r.provider.Client(ctx)
	if err != nil {
		return domain.CursorPage[domain.OrderHistoryEntry]{}, pfirestore.WrapError("orderHistory.list", err)
	}

	query := client.Collection(ordersCollection).Doc(orderID).Collection(orderHistorySubcollection).Query.
		OrderBy("createdAt", firestore.Asc).
		OrderBy(firestore.DocumentID, firestore.Asc).
		Limit(pageSize + 1)

	if token := strings.TrimSpace(pager.PageToken); token != "" {
		cursor, err := pagination.DecodeToken(token)
		if err != nil {
			return domain.CursorPage[domain.OrderHistoryEntry]{}, pfirestore.WrapError("orderHistory.list", err)
		}
		createdAt, id, err := historyCursorValues(cursor)
		if err != nil {
			return domain.CursorPage[domain.OrderHistoryEntry]{}, pfirestore.WrapError("orderHistory.list", err)
		}
		query = query.StartAfter(createdAt, id)
	}

	iter := query.Documents(ctx)
	defer iter.Stop()

	var entries []domain.OrderHistoryEntry
	for {
		snap, err := iter.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return domain.CursorPage[domain.OrderHistoryEntry]{}, pfirestore.WrapError("orderHistory.list", err)
		}
		var doc historyDocument
		if err := snap.DataTo(&doc); err != nil {
			return domain.CursorPage[domain.OrderHistoryEntry]{}, fmt.Errorf("decode history entry %s: %w", snap.Ref.ID, err)
		}
		entries = append(entries, doc.toDomain(snap.Ref.ID))
	}

	hasMore := len(entries) > pageSize
	if hasMore {
		entries = entries[:pageSize]
	}
	var nextToken string
	if hasMore && len(entries) > 0 {
		last := entries[len(entries)-1]
		encoded, err := pagination.EncodeToken(pagination.Cursor{
			StartAfter: []any{last.CreatedAt.UTC().Format(time.RFC3339Nano), last.ID},
		})
		if err != nil {
			return domain.CursorPage[domain.OrderHistoryEntry]{}, pfirestore.WrapError("orderHistory.list", err)
		}
		nextToken = encoded
	}

	return domain.CursorPage[domain.OrderHistoryEntry]{
		Items:         entries,
		NextPageToken: nextToken,
	}, nil
}

func (r *OrderHistoryRepository) entryRef(ctx context.Context, orderID, entryID string) (*firestore.DocumentRef, error) {
	client, err := r.provider.Client(ctx)
	if err != nil {
		return nil, err
	}
	return client.Collection(ordersCollection).Doc(orderID).Collection(orderHistorySubcollection).Doc(entryID), nil
}

func historyCursorValues(cursor pagination.Cursor) (time.Time, string, error) {
	if len(cursor.StartAfter) != 2 {
		return time.Time{}, "", fmt.Errorf("%w: history cursor requires two values", pagination.ErrInvalidPageToken)
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
		return time.Time{}, "", fmt.Errorf("%w: malformed entry id", pagination.ErrInvalidPageToken)
	}
	return createdAt, id, nil
}

type historyDocument struct {
	OrderID   string    `firestore:"orderId"`
	Status    string    `firestore:"status"`
	Note      string    `firestore:"note,omitempty"`
	ActorID   string    `firestore:"actorId,omitempty"`
	CreatedAt time.Time `firestore:"createdAt"`
}

func (d historyDocument) toDomain(id string) domain.OrderHistoryEntry {
	return domain.OrderHistoryEntry{
		ID:        id,
		OrderID:   d.OrderID,
		Status:    domain.OrderStatus(d.Status),
		Note:      d.Note,
		ActorID:   d.ActorID,
		CreatedAt: d.CreatedAt,
	}
}
