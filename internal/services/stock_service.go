package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	domain "github.com/orderflow/api/internal/domain"
	"github.com/orderflow/api/internal/repositories"
)

const defaultLowStockThreshold = 5

var (
	// ErrStockInvalidInput signals the caller provided invalid arguments.
	ErrStockInvalidInput = errors.New("stock: invalid input")
	// ErrStockVariantNotFound indicates the variant has no stock record.
	ErrStockVariantNotFound = errors.New("stock: variant not found")
)

// StockServiceDeps bundles the collaborators required to construct a stock service.
type StockServiceDeps struct {
	Stock  repositories.StockRepository
	Clock  func() time.Time
	Logger func(ctx context.Context, event string, fields map[string]any)
}

type stockService struct {
	repo   repositories.StockRepository
	clock  func() time.Time
	logger func(context.Context, string, map[string]any)
}

// NewStockService wires dependencies into a concrete StockService implementation.
func NewStockService(deps StockServiceDeps) (StockService, error) {
	if deps.Stock == nil {
		return nil, errors.New("stock service: stock repository is required")
	}

	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}

	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}

	return &stockService{
		repo: deps.Stock,
		clock: func() time.Time {
			return clock().UTC()
		},
		logger: logger,
	}, nil
}

func (s *stockService) GetVariant(ctx context.Context, variantID string) (ProductVariant, error) {
	variantID = strings.TrimSpace(variantID)
	if variantID == "" {
		return ProductVariant{}, fmt.Errorf("%w: variant id is required", ErrStockInvalidInput)
	}
	variant, err := s.repo.FindVariant(ctx, variantID)
	if err != nil {
		return ProductVariant{}, s.mapRepositoryError(err)
	}
	return variant, nil
}

func (s *stockService) Adjust(ctx context.Context, cmd StockAdjustCommand) (ProductVariant, error) {
	variantID := strings.TrimSpace(cmd.VariantID)
	if variantID == "" {
		return ProductVariant{}, fmt.Errorf("%w: variant id is required", ErrStockInvalidInput)
	}
	if cmd.Delta == nil && cmd.SetTo == nil {
		return ProductVariant{}, fmt.Errorf("%w: delta or target quantity is required", ErrStockInvalidInput)
	}
	if cmd.SetTo != nil && *cmd.SetTo < 0 {
		return ProductVariant{}, fmt.Errorf("%w: target quantity cannot be negative", ErrStockInvalidInput)
	}

	now := s.clock()
	variant, err := s.repo.Adjust(ctx, repositories.StockAdjustRequest{
		VariantID: variantID,
		Delta:     cmd.Delta,
		SetTo:     cmd.SetTo,
		Now:       now,
	})
	if err != nil {
		return ProductVariant{}, s.mapRepositoryError(err)
	}

	s.logger(ctx, "stock.adjusted", map[string]any{
		"variant":  variant.ID,
		"quantity": variant.StockQuantity,
		"actor":    strings.TrimSpace(cmd.ActorID),
		"reason":   strings.TrimSpace(cmd.Reason),
	})

	return variant, nil
}

func (s *stockService) ListLowStock(ctx context.Context, filter LowStockFilter) (domain.CursorPage[ProductVariant], error) {
	threshold := filter.Threshold
	if threshold <= 0 {
		threshold = defaultLowStockThreshold
	}
	page, err := s.repo.ListLowStock(ctx, repositories.LowStockQuery{
		Threshold: threshold,
		PageSize:  filter.Pagination.PageSize,
		PageToken: filter.Pagination.PageToken,
	})
	if err != nil {
		return domain.CursorPage[ProductVariant]{}, s.mapRepositoryError(err)
	}
	return page, nil
}

func (s *stockService) mapRepositoryError(err error) error {
	if err == nil {
		return nil
	}

	var stockErr *repositories.StockError
	if errors.As(err, &stockErr) {
		switch stockErr.Code {
		case repositories.StockErrorVariantNotFound:
			return fmt.Errorf("%w: %s", ErrStockVariantNotFound, stockErr.Message)
		case repositories.StockErrorInvalidQuantity:
			return fmt.Errorf("%w: %s", ErrStockInvalidInput, stockErr.Message)
		}
		return stockErr
	}

	var repoErr repositories.RepositoryError
	if errors.As(err, &repoErr) && repoErr.IsNotFound() {
		return fmt.Errorf("%w: %v", ErrStockVariantNotFound, err)
	}

	return err
}
