package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/orderflow/api/internal/platform/auth"
	"github.com/orderflow/api/internal/platform/httpx"
	"github.com/orderflow/api/internal/services"
)

const (
	maxArchiveBodySize    = 4 * 1024
	defaultDownloadTTL    = 5 * time.Minute
	maxDownloadTTLSeconds = 3600
)

type archiveExportRequest struct {
	Before string `json:"before"`
}

type archiveDownloadRequest struct {
	ObjectName string `json:"object_name"`
	TTLSeconds int64  `json:"ttl_seconds"`
}

// ArchiveHandlers exposes staff-only endpoints for exporting completed orders
// to object storage and retrieving signed download links.
type ArchiveHandlers struct {
	authn    *auth.Authenticator
	archives services.ArchiveService
}

// NewArchiveHandlers constructs a new ArchiveHandlers instance.
func NewArchiveHandlers(authn *auth.Authenticator, archives services.ArchiveService) *ArchiveHandlers {
	return &ArchiveHandlers{
		authn:    authn,
		archives: archives,
	}
}

// Routes registers the /archives endpoints.
func (h *ArchiveHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	if h.authn != nil {
		r.Use(h.authn.RequireFirebaseAuth(auth.RoleStaff, auth.RoleAdmin))
	}
	r.Post("/export", h.exportCompleted)
	r.Post("/download-url", h.signedDownload)
}

// InternalRoutes registers the machine-to-machine archive endpoints. The
// router applies service authentication, so no Firebase identity is expected.
func (h *ArchiveHandlers) InternalRoutes(r chi.Router) {
	if r == nil {
		return
	}
	r.Post("/archives/export", h.internalExport)
}

func (h *ArchiveHandlers) exportCompleted(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	identity, ok := h.requireService(ctx, w)
	if !ok {
		return
	}
	h.serveExport(w, r, strings.TrimSpace(identity.UID))
}

func (h *ArchiveHandlers) internalExport(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.archives == nil {
		httpx.WriteError(ctx, w, httpx.NewError("archive_service_unavailable", "archive service unavailable", http.StatusServiceUnavailable))
		return
	}
	actor := "scheduler"
	if identity, ok := auth.ServiceIdentityFromContext(ctx); ok && identity != nil {
		if email := strings.TrimSpace(identity.Email); email != "" {
			actor = email
		} else if subject := strings.TrimSpace(identity.Subject); subject != "" {
			actor = subject
		}
	}
	h.serveExport(w, r, actor)
}

func (h *ArchiveHandlers) serveExport(w http.ResponseWriter, r *http.Request, actorID string) {
	ctx := r.Context()

	var req archiveExportRequest
	body, err := readLimitedBody(r, maxArchiveBodySize)
	if err != nil && !errors.Is(err, errEmptyBody) {
		writeBodyError(ctx, w, err)
		return
	}
	if len(body) > 0 {
		if err := json.Unmarshal(body, &req); err != nil {
			httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "invalid JSON body", http.StatusBadRequest))
			return
		}
	}

	var before time.Time
	if raw := strings.TrimSpace(req.Before); raw != "" {
		ts, err := parseTimeParam(raw)
		if err != nil {
			httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "before must be a valid RFC3339 timestamp", http.StatusBadRequest))
			return
		}
		before = ts
	}

	export, err := h.archives.ExportCompleted(ctx, services.ArchiveExportCommand{
		Before:  before,
		ActorID: actorID,
	})
	if err != nil {
		writeArchiveError(ctx, w, err)
		return
	}

	writeJSONResponse(w, http.StatusOK, archiveExportResponse{
		ObjectName: export.ObjectName,
		OrderCount: export.OrderCount,
		ExportedAt: formatTime(export.ExportedAt),
	})
}

func (h *ArchiveHandlers) signedDownload(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if _, ok := h.requireService(ctx, w); !ok {
		return
	}

	body, err := readLimitedBody(r, maxArchiveBodySize)
	if err != nil {
		writeBodyError(ctx, w, err)
		return
	}
	var req archiveDownloadRequest
	if err := json.Unmarshal(body, &req); err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "invalid JSON body", http.StatusBadRequest))
		return
	}

	if req.TTLSeconds < 0 || req.TTLSeconds > maxDownloadTTLSeconds {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "ttl_seconds must be between 0 and 3600", http.StatusBadRequest))
		return
	}
	ttl := defaultDownloadTTL
	if req.TTLSeconds > 0 {
		ttl = time.Duration(req.TTLSeconds) * time.Second
	}

	url, err := h.archives.SignedDownload(ctx, strings.TrimSpace(req.ObjectName), ttl)
	if err != nil {
		writeArchiveError(ctx, w, err)
		return
	}

	writeJSONResponse(w, http.StatusOK, archiveDownloadResponse{
		URL:       url,
		ExpiresAt: formatTime(time.Now().UTC().Add(ttl)),
	})
}

func (h *ArchiveHandlers) requireService(ctx context.Context, w http.ResponseWriter) (*auth.Identity, bool) {
	if h.archives == nil {
		httpx.WriteError(ctx, w, httpx.NewError("archive_service_unavailable", "archive service unavailable", http.StatusServiceUnavailable))
		return nil, false
	}
	identity, ok := auth.IdentityFromContext(ctx)
	if !ok || identity == nil || strings.TrimSpace(identity.UID) == "" {
		httpx.WriteError(ctx, w, httpx.NewError("unauthenticated", "authentication required", http.StatusUnauthorized))
		return nil, false
	}
	return identity, true
}

type archiveExportResponse struct {
	ObjectName string `json:"object_name"`
	OrderCount int    `json:"order_count"`
	ExportedAt string `json:"exported_at"`
}

type archiveDownloadResponse struct {
	URL       string `json:"url"`
	ExpiresAt string `json:"expires_at"`
}

func writeArchiveError(ctx context.Context, w http.ResponseWriter, err error) {
	if err == nil {
		return
	}
	switch {
	case errors.Is(err, services.ErrArchiveInvalidInput):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
	default:
		httpx.WriteError(ctx, w, httpx.NewError("archive_error", "failed to process archive request", http.StatusInternalServerError))
	}
}
