package firestore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	pfirestore "github.com/orderflow/api/internal/platform/firestore"
	"github.com/orderflow/api/internal/repositories"
)

const countersCollection = "counters"

type counterDocument struct {
	CurrentValue int64     `firestore:"currentValue"`
	Step         int64     `firestore:"step"`
	MaxValue     *int64    `firestore:"maxValue,omitempty"`
	UpdatedAt    time.Time `firestore:"updatedAt"`
}

// advance computes the next counter value without mutating the document.
// A non-positive step falls back to the stored step, then to 1.
func (d counterDocument) advance(step int64) (int64, int64, error) {
	increment := step
	if increment <= 0 {
		increment = d.Step
	}
	if increment <= 0 {
		increment = 1
	}
	next := d.CurrentValue + increment
	if d.MaxValue != nil && next > *d.MaxValue {
		return 0, 0, repositories.NewCounterError(repositories.CounterErrorExhausted, fmt.Sprintf("counter exceeded max value %d", *d.MaxValue), nil)
	}
	return next, increment, nil
}

// CounterRepository hands out order-number sequences. Each increment runs in
// its own Firestore transaction, so two concurrent order creations can never
// observe the same value.
type CounterRepository struct {
	provider *pfirestore.Provider
	counters *pfirestore.BaseRepository[counterDocument]
	now      func() time.Time
}

// NewCounterRepository constructs a Firestore-backed counter repository.
func NewCounterRepository(provider *pfirestore.Provider) (*CounterRepository, error) {
	if provider == nil {
		return nil, errors.New("counter repository requires firestore provider")
	}
	return &CounterRepository{
		provider: provider,
		counters: pfirestore.NewBaseRepository[counterDocument](provider, countersCollection, nil, nil),
		now:      func() time.Time { return time.Now().UTC() },
	}, nil
}

// Next atomically increments the counter identified by counterID and returns the new value.
// Missing counters are created on first use, seeded at one step.
func (r *CounterRepository) Next(ctx context.Context, counterID string, step int64) (int64, error) {
	if r == nil || r.provider == nil {
		return 0, errors.New("counter repository not initialised")
	}
	id := strings.TrimSpace(counterID)
	if id == "" {
		return 0, repositories.NewCounterError(repositories.CounterErrorInvalidInput, "counter id is required", nil)
	}
	if step < 0 {
		return 0, repositories.NewCounterError(repositories.CounterErrorInvalidInput, fmt.Sprintf("step must be positive, got %d", step), nil)
	}

	var nextValue int64
	err := r.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		ref, err := r.counters.DocumentRef(ctx, id)
		if err != nil {
			return err
		}

		doc, exists, err := readCounter(tx, ref, id)
		if err != nil {
			return err
		}

		next, increment, err := doc.advance(step)
		if err != nil {
			return err
		}

		doc.CurrentValue = next
		doc.Step = increment
		doc.UpdatedAt = r.now()

		if !exists {
			err = tx.Create(ref, doc)
		} else {
			err = tx.Set(ref, doc, firestore.MergeAll)
		}
		if err != nil {
			return err
		}
		nextValue = next
		return nil
	})
	if err != nil {
		var counterErr *repositories.CounterError
		if errors.As(err, &counterErr) {
			return 0, counterErr
		}
		return 0, pfirestore.WrapError("counters.next", err)
	}
	return nextValue, nil
}

func readCounter(tx *firestore.Transaction, ref *firestore.DocumentRef, id string) (counterDocument, bool, error) {
	snapshot, err := tx.Get(ref)
	switch status.Code(err) {
	case codes.NotFound:
		return counterDocument{}, false, nil
	case codes.OK:
	default:
		return counterDocument{}, false, err
	}

	var doc counterDocument
	if err := snapshot.DataTo(&doc); err != nil {
		return counterDocument{}, false, fmt.Errorf("firestore counters decode %s: %w", id, err)
	}
	return doc, true, nil
}

// Configure updates optional settings for the counter such as step size, max value, or initial value.
func (r *CounterRepository) Configure(ctx context.Context, counterID string, cfg repositories.CounterConfig) error {
	if r == nil || r.provider == nil {
		return errors.New("counter repository not initialised")
	}
	id := strings.TrimSpace(counterID)
	if id == "" {
		return repositories.NewCounterError(repositories.CounterErrorInvalidInput, "counter id is required", nil)
	}

	payload := map[string]any{"updatedAt": r.now()}
	if cfg.Step > 0 {
		payload["step"] = cfg.Step
	}
	if cfg.MaxValue != nil {
		payload["maxValue"] = *cfg.MaxValue
	}
	if cfg.InitialValue != nil {
		payload["currentValue"] = *cfg.InitialValue
	}

	ref, err := r.counters.DocumentRef(ctx, id)
	if err != nil {
		return err
	}
	if _, err := ref.Set(ctx, payload, firestore.MergeAll); err != nil {
		return pfirestore.WrapError("counters.configure", err)
	}
	return nil
}
