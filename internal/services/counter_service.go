package services

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/orderflow/api/internal/repositories"
)

var (
	// ErrCounterInvalidInput indicates the caller supplied invalid counter parameters.
	ErrCounterInvalidInput = errors.New("counter: invalid input")
	// ErrCounterExhausted indicates the requested counter cannot increment further due to max bounds.
	ErrCounterExhausted = errors.New("counter: exhausted")
)

// CounterService manages named, transaction-safe sequences such as order numbers.
type CounterService interface {
	Next(ctx context.Context, scope, name string, opts CounterGenerationOptions) (CounterValue, error)
	NextOrderNumber(ctx context.Context) (string, error)
}

// CounterGenerationOptions controls how counter values are incremented and formatted.
type CounterGenerationOptions struct {
	Step         int64
	MaxValue     *int64
	InitialValue *int64
	Prefix       string
	Suffix       string
	PadLength    int
	Formatter    func(now time.Time, seq int64) string
}

// CounterValue reports a generated sequence value along with its formatted form.
type CounterValue struct {
	Value     int64
	Formatted string
}

// CounterServiceDeps bundles collaborators required to construct a counter service instance.
type CounterServiceDeps struct {
	Repository repositories.CounterRepository
	Clock      func() time.Time
}

type counterService struct {
	repo  repositories.CounterRepository
	clock func() time.Time

	// configured remembers the last bounds pushed per counter so repeated
	// Next calls with identical options skip the Configure round trip.
	configMu   sync.Mutex
	configured map[string]counterBounds
}

type counterBounds struct {
	stepSet      bool
	step         int64
	maxSet       bool
	maxValue     int64
	initialSet   bool
	initialValue int64
}

func boundsFromOptions(opts CounterGenerationOptions) counterBounds {
	b := counterBounds{}
	if opts.Step > 0 {
		b.stepSet = true
		b.step = opts.Step
	}
	if opts.MaxValue != nil {
		b.maxSet = true
		b.maxValue = *opts.MaxValue
	}
	if opts.InitialValue != nil {
		b.initialSet = true
		b.initialValue = *opts.InitialValue
	}
	return b
}

func (b counterBounds) empty() bool {
	return !b.stepSet && !b.maxSet && !b.initialSet
}

func (b counterBounds) repositoryConfig() repositories.CounterConfig {
	cfg := repositories.CounterConfig{}
	if b.stepSet {
		cfg.Step = b.step
	}
	if b.maxSet {
		max := b.maxValue
		cfg.MaxValue = &max
	}
	if b.initialSet {
		initial := b.initialValue
		cfg.InitialValue = &initial
	}
	return cfg
}

// NewCounterService constructs a service that manages counter sequences on top of the repository.
func NewCounterService(deps CounterServiceDeps) (CounterService, error) {
	if deps.Repository == nil {
		return nil, errors.New("counter service: repository is required")
	}

	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}

	return &counterService{
		repo: deps.Repository,
		clock: func() time.Time {
			return clock().UTC()
		},
		configured: make(map[string]counterBounds),
	}, nil
}

func (s *counterService) Next(ctx context.Context, scope, name string, opts CounterGenerationOptions) (CounterValue, error) {
	scope = strings.TrimSpace(scope)
	name = strings.TrimSpace(name)
	if scope == "" {
		return CounterValue{}, fmt.Errorf("%w: scope is required", ErrCounterInvalidInput)
	}
	if name == "" {
		return CounterValue{}, fmt.Errorf("%w: name is required", ErrCounterInvalidInput)
	}

	counterID := scope + ":" + name

	if err := s.pushBounds(ctx, counterID, boundsFromOptions(opts)); err != nil {
		return CounterValue{}, err
	}

	value, err := s.repo.Next(ctx, counterID, opts.Step)
	if err != nil {
		return CounterValue{}, translateCounterError(err)
	}

	return CounterValue{Value: value, Formatted: formatCounterValue(s.clock(), value, opts)}, nil
}

// NextOrderNumber produces the next order number in OF-YYYY-NNNNNN form.
// Sequences restart each calendar year because the year is part of the
// counter name.
func (s *counterService) NextOrderNumber(ctx context.Context) (string, error) {
	year := s.clock().Year()
	result, err := s.Next(ctx, "orders", fmt.Sprintf("%04d", year), CounterGenerationOptions{
		Formatter: func(current time.Time, seq int64) string {
			return fmt.Sprintf("OF-%04d-%06d", current.Year(), seq)
		},
	})
	if err != nil {
		return "", err
	}
	return result.Formatted, nil
}

func (s *counterService) pushBounds(ctx context.Context, counterID string, bounds counterBounds) error {
	s.configMu.Lock()
	defer s.configMu.Unlock()

	if existing, ok := s.configured[counterID]; ok && existing == bounds {
		return nil
	}
	if !bounds.empty() {
		if err := s.repo.Configure(ctx, counterID, bounds.repositoryConfig()); err != nil {
			return err
		}
	}
	s.configured[counterID] = bounds
	return nil
}

func translateCounterError(err error) error {
	var counterErr *repositories.CounterError
	if errors.As(err, &counterErr) {
		switch counterErr.Code {
		case repositories.CounterErrorInvalidInput:
			return fmt.Errorf("%w: %s", ErrCounterInvalidInput, counterErr.Message)
		case repositories.CounterErrorExhausted:
			return fmt.Errorf("%w: %s", ErrCounterExhausted, counterErr.Message)
		}
	}
	return err
}

func formatCounterValue(now time.Time, value int64, opts CounterGenerationOptions) string {
	if opts.Formatter != nil {
		return opts.Formatter(now, value)
	}

	formatted := strconv.FormatInt(value, 10)
	if opts.PadLength > 0 {
		formatted = fmt.Sprintf("%0*d", opts.PadLength, value)
	}
	return opts.Prefix + formatted + opts.Suffix
}
