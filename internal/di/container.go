package di

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/orderflow/api/internal/platform/config"
	"github.com/orderflow/api/internal/repositories"
	"github.com/orderflow/api/internal/services"
)

// Services bundles the service-layer contracts that handlers rely upon. Concrete implementations
// are assembled via dependency injection in NewContainer.
type Services struct {
	Orders   services.OrderService
	Stock    services.StockService
	Archives services.ArchiveService
	Counters services.CounterService
	System   services.SystemService
}

// Container wires repositories, services, and background infrastructure for runtime use.
type Container struct {
	Config       config.Config
	Repositories repositories.Registry
	Services     Services
}

// Option customises optional infrastructure used while building services.
type Option func(*containerOptions)

type containerOptions struct {
	events        services.OrderEventPublisher
	archiveWriter services.ArchiveObjectWriter
	archiveSigner services.ArchiveURLSigner
	logger        *zap.Logger
	build         services.BuildInfo
}

// WithOrderEventPublisher wires the publisher used for order lifecycle events.
func WithOrderEventPublisher(publisher services.OrderEventPublisher) Option {
	return func(o *containerOptions) {
		o.events = publisher
	}
}

// WithArchiveStorage wires the object writer and URL signer backing archive exports.
// The archive service is only constructed when a writer is present.
func WithArchiveStorage(writer services.ArchiveObjectWriter, signer services.ArchiveURLSigner) Option {
	return func(o *containerOptions) {
		o.archiveWriter = writer
		o.archiveSigner = signer
	}
}

// WithLogger attaches the structured logger used for service-level events.
func WithLogger(logger *zap.Logger) Option {
	return func(o *containerOptions) {
		o.logger = logger
	}
}

// WithBuildInfo records build metadata surfaced by health endpoints.
func WithBuildInfo(info services.BuildInfo) Option {
	return func(o *containerOptions) {
		o.build = info
	}
}

// NewContainer constructs the runtime dependencies. Production wiring provides the
// Firestore-backed registry, while tests can supply in-memory registries.
func NewContainer(ctx context.Context, cfg config.Config, reg repositories.Registry, opts ...Option) (*Container, error) {
	if reg == nil {
		return nil, errors.New("repositories registry is required")
	}

	options := containerOptions{}
	for _, opt := range opts {
		opt(&options)
	}

	svc, err := buildServices(reg, cfg, options)
	if err != nil {
		return nil, err
	}

	return &Container{
		Config:       cfg,
		Repositories: reg,
		Services:     svc,
	}, nil
}

// Close releases resources such as repository clients, background workers, or caches.
func (c *Container) Close(ctx context.Context) error {
	if c == nil || c.Repositories == nil {
		return nil
	}
	return c.Repositories.Close(ctx)
}

func buildServices(reg repositories.Registry, cfg config.Config, options containerOptions) (Services, error) {
	var svc Services

	eventLog := zapEventLogger(options.logger)

	counterRepo := reg.Counters()
	if counterRepo != nil {
		counterSvc, err := services.NewCounterService(services.CounterServiceDeps{
			Repository: counterRepo,
			Clock:      time.Now,
		})
		if err != nil {
			return Services{}, fmt.Errorf("build counter service: %w", err)
		}
		svc.Counters = counterSvc
	}

	if healthRepo := reg.Health(); healthRepo != nil {
		build := options.build
		if build.Environment == "" {
			build.Environment = cfg.Security.Environment
		}
		systemSvc, err := services.NewSystemService(services.SystemServiceDeps{
			HealthRepository: healthRepo,
			Clock:            time.Now,
			Build:            build,
			Counters:         svc.Counters,
		})
		if err != nil {
			return Services{}, fmt.Errorf("build system service: %w", err)
		}
		svc.System = systemSvc
	}

	stockRepo := reg.Stock()
	if stockRepo != nil {
		stockSvc, err := services.NewStockService(services.StockServiceDeps{
			Stock:  stockRepo,
			Clock:  time.Now,
			Logger: eventLog,
		})
		if err != nil {
			return Services{}, fmt.Errorf("build stock service: %w", err)
		}
		svc.Stock = stockSvc
	}

	ordersRepo := reg.Orders()
	if ordersRepo != nil && stockRepo != nil {
		orderSvc, err := services.NewOrderService(services.OrderServiceDeps{
			Orders:     ordersRepo,
			History:    reg.OrderHistory(),
			Stock:      stockRepo,
			Counters:   reg.Counters(),
			UnitOfWork: reg,
			Clock:      time.Now,
			Events:     options.events,
			Logger:     eventLog,
		})
		if err != nil {
			return Services{}, fmt.Errorf("build order service: %w", err)
		}
		svc.Orders = orderSvc
	}

	if ordersRepo != nil && options.archiveWriter != nil && cfg.Features.EnableArchiveExports {
		archiveSvc, err := services.NewArchiveService(services.ArchiveServiceDeps{
			Orders: ordersRepo,
			Writer: options.archiveWriter,
			Signer: options.archiveSigner,
			Clock:  time.Now,
			Logger: eventLog,
		})
		if err != nil {
			return Services{}, fmt.Errorf("build archive service: %w", err)
		}
		svc.Archives = archiveSvc
	}

	return svc, nil
}

func zapEventLogger(logger *zap.Logger) func(ctx context.Context, event string, fields map[string]any) {
	if logger == nil {
		return nil
	}
	return func(_ context.Context, event string, fields map[string]any) {
		zapFields := make([]zap.Field, 0, len(fields))
		for key, value := range fields {
			zapFields = append(zapFields, zap.Any(key, value))
		}
		logger.Info(event, zapFields...)
	}
}
