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

const variantsCollection = "productVariants"

// StockRepository implements the per-variant stock ledger on Firestore.
// Conflicting mutations against the same variant abort the transaction and
// retry, so concurrent reservations can never drive a quantity negative.
type StockRepository struct {
	provider *pfirestore.Provider
	variants *pfirestore.BaseRepository[variantDocument]
}

func NewStockRepository(provider *pfirestore.Provider) (*StockRepository, error) {
	if provider == nil {
		return nil, errors.New("stock repository requires firestore provider")
	}
	variants := pfirestore.NewBaseRepository[variantDocument](provider, variantsCollection, nil, nil)
	return &StockRepository{provider: provider, variants: variants}, nil
}

// Reserve decrements stock for every line or fails without touching any of
// them. Reads run before the first buffered write to satisfy the Firestore
// transaction ordering rule.
func (r *StockRepository) Reserve(ctx context.Context, req repositories.StockReserveRequest) (repositories.StockMutationResult, error) {
	if r == nil || r.provider == nil {
		return repositories.StockMutationResult{}, errors.New("stock repository not initialised")
	}
	lines, err := normaliseStockLines(req.Lines)
	if err != nil {
		return repositories.StockMutationResult{}, err
	}

	now := req.Now.UTC()
	var result repositories.StockMutationResult

	err = runInTx(ctx, r.provider, func(ctx context.Context, tx *firestore.Transaction) error {
		docs, err := r.readVariants(ctx, tx, lines)
		if err != nil {
			return err
		}

		for _, line := range lines {
			doc := docs[line.VariantID]
			if doc.StockQuantity < line.Quantity {
				return repositories.NewInsufficientStockError(line.VariantID, line.Quantity, doc.StockQuantity)
			}
		}

		variants := make(map[string]domain.ProductVariant, len(lines))
		for _, line := range lines {
			doc := docs[line.VariantID]
			doc.StockQuantity -= line.Quantity
			doc.UpdatedAt = now
			ref, err := r.variants.DocumentRef(ctx, line.VariantID)
			if err != nil {
				return err
			}
			if err := tx.Set(ref, doc); err != nil {
				return err
			}
			variants[line.VariantID] = doc.toDomain(line.VariantID)
		}

		result = repositories.StockMutationResult{Variants: variants}
		return nil
	})
	if err != nil {
		return repositories.StockMutationResult{}, wrapStockError("stock.reserve", err)
	}
	return result, nil
}

// Release restores previously reserved quantities unconditionally.
func (r *StockRepository) Release(ctx context.Context, req repositories.StockReleaseRequest) (repositories.StockMutationResult, error) {
	if r == nil || r.provider == nil {
		return repositories.StockMutationResult{}, errors.New("stock repository not initialised")
	}
	lines, err := normaliseStockLines(req.Lines)
	if err != nil {
		return repositories.StockMutationResult{}, err
	}

	now := req.Now.UTC()
	var result repositories.StockMutationResult

	err = runInTx(ctx, r.provider, func(ctx context.Context, tx *firestore.Transaction) error {
		docs, err := r.readVariants(ctx, tx, lines)
		if err != nil {
			return err
		}

		variants := make(map[string]domain.ProductVariant, len(lines))
		for _, line := range lines {
			doc := docs[line.VariantID]
			doc.StockQuantity += line.Quantity
			doc.UpdatedAt = now
			ref, err := r.variants.DocumentRef(ctx, line.VariantID)
			if err != nil {
				return err
			}
			if err := tx.Set(ref, doc); err != nil {
				return err
			}
			variants[line.VariantID] = doc.toDomain(line.VariantID)
		}

		result = repositories.StockMutationResult{Variants: variants}
		return nil
	})
	if err != nil {
		return repositories.StockMutationResult{}, wrapStockError("stock.release", err)
	}
	return result, nil
}

// Adjust mutates a single variant outside the order flow. SetTo wins over
// Delta when both are supplied; the resulting quantity must stay >= 0.
func (r *StockRepository) Adjust(ctx context.Context, req repositories.StockAdjustRequest) (domain.ProductVariant, error) {
	if r == nil || r.provider == nil {
		return domain.ProductVariant{}, errors.New("stock repository not initialised")
	}
	variantID := strings.TrimSpace(req.VariantID)
	if variantID == "" {
		return domain.ProductVariant{}, repositories.NewStockError(repositories.StockErrorVariantNotFound, "stock adjust: variant id is required", nil)
	}
	if req.Delta == nil && req.SetTo == nil {
		return domain.ProductVariant{}, repositories.NewStockError(repositories.StockErrorInvalidQuantity, "stock adjust: delta or target quantity is required", nil)
	}

	now := req.Now.UTC()
	var updated domain.ProductVariant

	err := runInTx(ctx, r.provider, func(ctx context.Context, tx *firestore.Transaction) error {
		ref, err := r.variants.DocumentRef(ctx, variantID)
		if err != nil {
			return err
		}
		snap, err := tx.Get(ref)
		if err != nil {
			if status.Code(err) == codes.NotFound {
				return repositories.NewStockError(repositories.StockErrorVariantNotFound, fmt.Sprintf("variant %s not found", variantID), err)
			}
			return err
		}
		var doc variantDocument
		if err := snap.DataTo(&doc); err != nil {
			return fmt.Errorf("decode variant %s: %w", variantID, err)
		}

		next := doc.StockQuantity
		switch {
		case req.SetTo != nil:
			next = *req.SetTo
		case req.Delta != nil:
			next = doc.StockQuantity + *req.Delta
		}
		if next < 0 {
			return repositories.NewStockError(repositories.StockErrorInvalidQuantity, fmt.Sprintf("stock adjust: quantity for %s cannot drop below zero", variantID), nil)
		}

		doc.StockQuantity = next
		doc.UpdatedAt = now
		if err := tx.Set(ref, doc); err != nil {
			return err
		}
		updated = doc.toDomain(variantID)
		return nil
	})
	if err != nil {
		return domain.ProductVariant{}, wrapStockError("stock.adjust", err)
	}
	return updated, nil
}

// FindVariant fetches a single variant snapshot.
func (r *StockRepository) FindVariant(ctx context.Context, variantID string) (domain.ProductVariant, error) {
	if r == nil || r.variants == nil {
		return domain.ProductVariant{}, errors.New("stock repository not initialised")
	}
	variantID = strings.TrimSpace(variantID)
	if variantID == "" {
		return domain.ProductVariant{}, repositories.NewStockError(repositories.StockErrorVariantNotFound, "stock find: variant id is required", nil)
	}

	if tx, ok := txFromContext(ctx); ok {
		ref, err := r.variants.DocumentRef(ctx, variantID)
		if err != nil {
			return domain.ProductVariant{}, err
		}
		snap, err := tx.Get(ref)
		if err != nil {
			if status.Code(err) == codes.NotFound {
				return domain.ProductVariant{}, repositories.NewStockError(repositories.StockErrorVariantNotFound, fmt.Sprintf("variant %s not found", variantID), err)
			}
			return domain.ProductVariant{}, wrapStockError("stock.find", err)
		}
		var doc variantDocument
		if err := snap.DataTo(&doc); err != nil {
			return domain.ProductVariant{}, fmt.Errorf("decode variant %s: %w", variantID, err)
		}
		return doc.toDomain(variantID), nil
	}

	doc, err := r.variants.Get(ctx, variantID)
	if err != nil {
		if repoErr, ok := err.(*pfirestore.Error); ok && repoErr.IsNotFound() {
			return domain.ProductVariant{}, repositories.NewStockError(repositories.StockErrorVariantNotFound, fmt.Sprintf("variant %s not found", variantID), err)
		}
		return domain.ProductVariant{}, wrapStockError("stock.find", err)
	}
	return doc.Data.toDomain(doc.ID), nil
}

// ListLowStock pages variants whose quantity sits at or below the threshold.
func (r *StockRepository) ListLowStock(ctx context.Context, query repositories.LowStockQuery) (domain.CursorPage[domain.ProductVariant], error) {
	if r == nil || r.variants == nil {
		return domain.CursorPage[domain.ProductVariant]{}, errors.New("stock repository not initialised")
	}

	pageSize := query.PageSize
	if pageSize <= 0 {
		pageSize = 50
	}
	if pageSize > 200 {
		pageSize = 200
	}

	threshold := query.Threshold
	if threshold <= 0 {
		threshold = 1
	}

	client, err := r.provider.Client(ctx)
	if err != nil {
		return domain.CursorPage[domain.ProductVariant]{}, wrapStockError("stock.lowStock", err)
	}

	firestoreQuery := client.Collection(variantsCollection).Query.
		Where("stockQuantity", "<=", threshold).
		OrderBy("stockQuantity", firestore.Asc).
		OrderBy("sku", firestore.Asc).
		Limit(pageSize + 1)

	if token := strings.TrimSpace(query.PageToken); token != "" {
		cursor, err := pagination.DecodeToken(token)
		if err != nil {
			return domain.CursorPage[domain.ProductVariant]{}, wrapStockError("stock.lowStock", err)
		}
		quantity, sku, err := stockCursorValues(cursor)
		if err != nil {
			return domain.CursorPage[domain.ProductVariant]{}, wrapStockError("stock.lowStock", err)
		}
		firestoreQuery = firestoreQuery.StartAfter(quantity, sku)
	}

	iter := firestoreQuery.Documents(ctx)
	defer iter.Stop()

	var variants []domain.ProductVariant
	for {
		snap, err := iter.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return domain.CursorPage[domain.ProductVariant]{}, wrapStockError("stock.lowStock", err)
		}
		var doc variantDocument
		if err := snap.DataTo(&doc); err != nil {
			return domain.CursorPage[domain.ProductVariant]{}, fmt.Errorf("decode variant %s: %w", snap.Ref.ID, err)
		}
		variants = append(variants, doc.toDomain(snap.Ref.ID))
	}

	hasMore := len(variants) > pageSize
	if hasMore {
		variants = variants[:pageSize]
	}
	var nextToken string
	if hasMore && len(variants) > 0 {
		last := variants[len(variants)-1]
		encoded, err := pagination.EncodeToken(pagination.Cursor{
			StartAfter: []any{last.StockQuantity, last.SKU},
		})
		if err != nil {
			return domain.CursorPage[domain.ProductVariant]{}, wrapStockError("stock.lowStock", err)
		}
		nextToken = encoded
	}

	return domain.CursorPage[domain.ProductVariant]{
		Items:         variants,
		NextPageToken: nextToken,
	}, nil
}

// readVariants performs the read phase for a multi-line mutation.
func (r *StockRepository) readVariants(ctx context.Context, tx *firestore.Transaction, lines []repositories.StockLine) (map[string]variantDocument, error) {
	docs := make(map[string]variantDocument, len(lines))
	for _, line := range lines {
		ref, err := r.variants.DocumentRef(ctx, line.VariantID)
		if err != nil {
			return nil, err
		}
		snap, err := tx.Get(ref)
		if err != nil {
			if status.Code(err) == codes.NotFound {
				return nil, repositories.NewStockError(repositories.StockErrorVariantNotFound, fmt.Sprintf("variant %s not found", line.VariantID), err)
			}
			return nil, err
		}
		var doc variantDocument
		if err := snap.DataTo(&doc); err != nil {
			return nil, fmt.Errorf("decode variant %s: %w", line.VariantID, err)
		}
		docs[line.VariantID] = doc
	}
	return docs, nil
}

// normaliseStockLines trims ids, rejects non-positive quantities, and merges
// duplicate variants so each document is read and written once.
func normaliseStockLines(lines []repositories.StockLine) ([]repositories.StockLine, error) {
	if len(lines) == 0 {
		return nil, repositories.NewStockError(repositories.StockErrorInvalidQuantity, "stock mutation: at least one line is required", nil)
	}
	merged := make(map[string]int64, len(lines))
	order := make([]string, 0, len(lines))
	for _, line := range lines {
		variantID := strings.TrimSpace(line.VariantID)
		if variantID == "" {
			return nil, repositories.NewStockError(repositories.StockErrorVariantNotFound, "stock mutation: variant id is required", nil)
		}
		if line.Quantity <= 0 {
			return nil, repositories.NewStockError(repositories.StockErrorInvalidQuantity, fmt.Sprintf("stock mutation: quantity for %s must be > 0", variantID), nil)
		}
		if _, seen := merged[variantID]; !seen {
			order = append(order, variantID)
		}
		merged[variantID] += line.Quantity
	}
	result := make([]repositories.StockLine, 0, len(order))
	for _, variantID := range order {
		result = append(result, repositories.StockLine{VariantID: variantID, Quantity: merged[variantID]})
	}
	return result, nil
}

// Helper structures ---------------------------------------------------------

type variantDocument struct {
	SKU               string    `firestore:"sku"`
	Name              string    `firestore:"name,omitempty"`
	Price             int64     `firestore:"price"`
	StockQuantity     int64     `firestore:"stockQuantity"`
	LowStockThreshold int64     `firestore:"lowStockThreshold,omitempty"`
	CreatedAt         time.Time `firestore:"createdAt"`
	UpdatedAt         time.Time `firestore:"updatedAt"`
}

func (d variantDocument) toDomain(id string) domain.ProductVariant {
	return domain.ProductVariant{
		ID:                id,
		SKU:               strings.TrimSpace(d.SKU),
		Name:              strings.TrimSpace(d.Name),
		Price:             d.Price,
		StockQuantity:     d.StockQuantity,
		LowStockThreshold: d.LowStockThreshold,
		CreatedAt:         d.CreatedAt,
		UpdatedAt:         d.UpdatedAt,
	}
}

func stockCursorValues(cursor pagination.Cursor) (int64, string, error) {
	if len(cursor.StartAfter) != 2 {
		return 0, "", fmt.Errorf("%w: stock cursor requires two values", pagination.ErrInvalidPageToken)
	}
	var quantity int64
	switch v := cursor.StartAfter[0].(type) {
	case float64:
		quantity = int64(v)
	case int64:
		quantity = v
	default:
		return 0, "", fmt.Errorf("%w: malformed stock quantity", pagination.ErrInvalidPageToken)
	}
	sku, ok := cursor.StartAfter[1].(string)
	if !ok || sku == "" {
		return 0, "", fmt.Errorf("%w: malformed sku", pagination.ErrInvalidPageToken)
	}
	return quantity, sku, nil
}

func wrapStockError(op string, err error) error {
	if err == nil {
		return nil
	}
	var stockErr *repositories.StockError
	if errors.As(err, &stockErr) {
		if stockErr.Op == "" {
			stockErr.Op = op
		}
		return stockErr
	}
	return pfirestore.WrapError(op, err)
}
