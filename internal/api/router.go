package api

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/sydlexius/linkpreview/internal/api/middleware"
	"github.com/sydlexius/linkpreview/internal/auth"
	"github.com/sydlexius/linkpreview/internal/backup"
	"github.com/sydlexius/linkpreview/internal/event"
	"github.com/sydlexius/linkpreview/internal/maintenance"
	"github.com/sydlexius/linkpreview/internal/preview"
	"github.com/sydlexius/linkpreview/internal/selector"
	"github.com/sydlexius/linkpreview/internal/store"
)

// PreviewService is the subset of preview.Service the handlers use.
type PreviewService interface {
	Get(ctx context.Context, rawURL string, opts preview.GetOptions) (*store.Preview, error)
	Invalidate(ctx context.Context, rawURL string) error
	ForPost(ctx context.Context, postID, message string) ([]preview.Embed, error)
	StoredEmbeds(ctx context.Context, postID string) ([]preview.Embed, error)
	Thumbnail(ctx context.Context, rawURL string) ([]byte, string, error)
	Target() selector.Point
}

// RouterDeps bundles all dependencies needed by the HTTP router.
type RouterDeps struct {
	PreviewService     PreviewService
	AuthService        *auth.Service
	MaintenanceService *maintenance.Service
	BackupService      *backup.Service
	Stats              *event.Stats
	RateLimiter        *middleware.ClientRateLimiter
	AuthEnabled        bool
	Logger             *slog.Logger
	BasePath           string
}

// Router sets up all HTTP routes for the application.
type Router struct {
	previews           PreviewService
	authService        *auth.Service
	maintenanceService *maintenance.Service
	backupService      *backup.Service
	stats              *event.Stats
	rateLimiter        *middleware.ClientRateLimiter
	authEnabled        bool
	logger             *slog.Logger
	basePath           string
}

// NewRouter creates a new Router with all routes configured.
func NewRouter(deps RouterDeps) *Router {
	return &Router{
		previews:           deps.PreviewService,
		authService:        deps.AuthService,
		maintenanceService: deps.MaintenanceService,
		backupService:      deps.BackupService,
		stats:              deps.Stats,
		rateLimiter:        deps.RateLimiter,
		authEnabled:        deps.AuthEnabled && deps.AuthService != nil,
		logger:             deps.Logger.With(slog.String("component", "api")),
		basePath:           deps.BasePath,
	}
}

// Handler returns the fully configured HTTP handler with middleware applied.
func (r *Router) Handler() http.Handler {
	protect := func(fn http.HandlerFunc) http.HandlerFunc { return fn }
	if r.authEnabled {
		authMw := middleware.Auth(r.authService)
		protect = func(fn http.HandlerFunc) http.HandlerFunc { return wrapAuth(fn, authMw) }
	}

	mux := http.NewServeMux()
	bp := r.basePath

	// Public routes (no auth)
	mux.HandleFunc("GET "+bp+"/api/v1/health", r.handleHealth)

	// Previews
	mux.HandleFunc("POST "+bp+"/api/v1/opengraph", protect(r.handleOpenGraphPost))
	mux.HandleFunc("GET "+bp+"/api/v1/opengraph", protect(r.handleOpenGraphGet))
	mux.HandleFunc("DELETE "+bp+"/api/v1/opengraph", protect(r.handleOpenGraphDelete))
	mux.HandleFunc("GET "+bp+"/api/v1/thumbnail", protect(r.handleThumbnail))
	mux.HandleFunc("POST "+bp+"/api/v1/select", protect(r.handleSelect))

	// Post embeds
	mux.HandleFunc("POST "+bp+"/api/v1/posts/{id}/embeds", protect(r.handleCreateEmbeds))
	mux.HandleFunc("GET "+bp+"/api/v1/posts/{id}/embeds", protect(r.handleListEmbeds))

	// Operations
	mux.HandleFunc("GET "+bp+"/api/v1/stats", protect(r.handleStats))
	mux.HandleFunc("POST "+bp+"/api/v1/maintenance/prune", protect(r.handlePrune))
	mux.HandleFunc("POST "+bp+"/api/v1/maintenance/backups", protect(r.handleBackup))
	mux.HandleFunc("GET "+bp+"/api/v1/maintenance/backups", protect(r.handleListBackups))
	mux.HandleFunc("DELETE "+bp+"/api/v1/maintenance/backups/{name}", protect(r.handleDeleteBackup))

	var h http.Handler = mux
	if r.rateLimiter != nil {
		h = r.rateLimiter.Middleware(h)
	}
	h = middleware.SecurityHeaders(h)
	return middleware.Logging(r.logger)(h)
}

// wrapAuth wraps a handler function with auth middleware.
func wrapAuth(fn http.HandlerFunc, authMw func(http.Handler) http.Handler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		authMw(fn).ServeHTTP(w, r)
	}
}
