package handlers

import (
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/orderflow/api/internal/platform/httpx"
)

// RouteRegistrar registers a set of routes against the provided router.
type RouteRegistrar func(r chi.Router)

// Option customises the router configuration before construction.
type Option func(*routerConfig)

type routerConfig struct {
	basePath    string
	middlewares []func(http.Handler) http.Handler
	health      *HealthHandlers

	orders      RouteRegistrar
	adminOrders RouteRegistrar
	variants    RouteRegistrar
	archives    RouteRegistrar
	internal    RouteRegistrar

	internalMiddlewares []func(http.Handler) http.Handler
}

const (
	defaultAPIPrefix  = "/api/v1"
	defaultTimeout    = 60 * time.Second
	errorNotFoundCode = "route_not_found"
)

// routeGroup pairs an API sub-path with its registrar. Groups without a
// registrar answer 501 so deploys with partial wiring stay observable.
type routeGroup struct {
	path        string
	name        string
	registrar   RouteRegistrar
	middlewares []func(http.Handler) http.Handler
}

// NewRouter constructs the chi router with shared middleware and expected route groups.
func NewRouter(opts ...Option) chi.Router {
	cfg := routerConfig{
		basePath: defaultAPIPrefix,
		middlewares: []func(http.Handler) http.Handler{
			middleware.RequestID,
			middleware.RealIP,
			middleware.Timeout(defaultTimeout),
		},
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.health == nil {
		cfg.health = NewHealthHandlers()
	}

	r := chi.NewRouter()
	for _, mw := range cfg.middlewares {
		if mw != nil {
			r.Use(mw)
		}
	}

	r.NotFound(writeRoutingError(errorNotFoundCode, http.StatusNotFound, func(req *http.Request) string {
		return fmt.Sprintf("no route for %s", req.URL.Path)
	}))
	r.MethodNotAllowed(writeRoutingError("method_not_allowed", http.StatusMethodNotAllowed, func(req *http.Request) string {
		return fmt.Sprintf("method %s not allowed on %s", req.Method, req.URL.Path)
	}))

	r.Get("/healthz", cfg.health.Healthz)
	r.Get("/readyz", cfg.health.Readyz)

	groups := []routeGroup{
		{path: "/orders", name: "orders", registrar: cfg.orders},
		{path: "/admin/orders", name: "adminOrders", registrar: cfg.adminOrders},
		{path: "/admin/variants", name: "variants", registrar: cfg.variants},
		{path: "/admin/archives", name: "archives", registrar: cfg.archives},
		{path: "/internal", name: "internal", registrar: cfg.internal, middlewares: cfg.internalMiddlewares},
	}

	r.Route(cfg.basePath, func(api chi.Router) {
		for _, group := range groups {
			mountGroup(api, group)
		}
	})

	return r
}

func mountGroup(api chi.Router, group routeGroup) {
	api.Route(group.path, func(sub chi.Router) {
		for _, mw := range group.middlewares {
			if mw != nil {
				sub.Use(mw)
			}
		}
		if group.registrar != nil {
			group.registrar(sub)
			return
		}
		registerNotImplemented(sub, group.name)
	})
}

func writeRoutingError(code string, status int, message func(*http.Request) string) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		httpx.WriteError(req.Context(), w, httpx.NewError(code, message(req), status))
	}
}

func registerNotImplemented(r chi.Router, name string) {
	handler := func(w http.ResponseWriter, req *http.Request) {
		httpx.WriteError(req.Context(), w, httpx.NewError("not_implemented", fmt.Sprintf("%s routes not implemented", name), http.StatusNotImplemented))
	}
	r.HandleFunc("/*", handler)
	r.HandleFunc("/", handler)
	r.NotFound(handler)
	r.MethodNotAllowed(handler)
}

// WithMiddlewares appends additional global middleware to the router.
func WithMiddlewares(mw ...func(http.Handler) http.Handler) Option {
	return func(cfg *routerConfig) {
		cfg.middlewares = append(cfg.middlewares, mw...)
	}
}

// WithHealthHandlers overrides the handlers used for /healthz and /readyz endpoints.
func WithHealthHandlers(h *HealthHandlers) Option {
	return func(cfg *routerConfig) {
		cfg.health = h
	}
}

// WithOrderRoutes configures the registrar responsible for customer order endpoints.
func WithOrderRoutes(reg RouteRegistrar) Option {
	return func(cfg *routerConfig) {
		cfg.orders = reg
	}
}

// WithAdminOrderRoutes configures the registrar responsible for staff order endpoints.
func WithAdminOrderRoutes(reg RouteRegistrar) Option {
	return func(cfg *routerConfig) {
		cfg.adminOrders = reg
	}
}

// WithVariantRoutes configures the registrar responsible for stock ledger endpoints.
func WithVariantRoutes(reg RouteRegistrar) Option {
	return func(cfg *routerConfig) {
		cfg.variants = reg
	}
}

// WithArchiveRoutes configures the registrar responsible for archive export endpoints.
func WithArchiveRoutes(reg RouteRegistrar) Option {
	return func(cfg *routerConfig) {
		cfg.archives = reg
	}
}

// WithInternalRoutes configures the registrar responsible for internal endpoints.
func WithInternalRoutes(reg RouteRegistrar) Option {
	return func(cfg *routerConfig) {
		cfg.internal = reg
	}
}

// WithInternalMiddlewares configures middlewares applied to the /internal group.
func WithInternalMiddlewares(mw ...func(http.Handler) http.Handler) Option {
	return func(cfg *routerConfig) {
		cfg.internalMiddlewares = append(cfg.internalMiddlewares, mw...)
	}
}
