package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/JakeFAU/sitepeek/internal/config"
	"github.com/JakeFAU/sitepeek/internal/preview"
	"github.com/JakeFAU/sitepeek/internal/provider"
	"github.com/JakeFAU/sitepeek/internal/proxy"
	"github.com/JakeFAU/sitepeek/internal/telemetry"
)

const (
	maxRequestBody = 1 << 20
	publishTimeout = 10 * time.Second
)

// Renderer resolves a normalized URL to a provider image reference.
type Renderer interface {
	Resolve(ctx context.Context, target preview.TargetURL, flow string) (preview.RenderResult, error)
}

// ImageRetriever fetches provider images for download.
type ImageRetriever interface {
	Retrieve(ctx context.Context, imageURL string) (proxy.Image, error)
}

// Server wires HTTP handlers to the resolver, proxy, and publisher.
type Server struct {
	router    chi.Router
	renderer  Renderer
	retriever ImageRetriever
	publisher preview.Publisher
	cfg       config.Config
	logger    *zap.Logger

	publishes sync.WaitGroup
}

// NewServer constructs a Server with middleware and routes. publisher may be
// nil, which disables render notifications.
func NewServer(
	renderer Renderer,
	retriever ImageRetriever,
	publisher preview.Publisher,
	cfg config.Config,
	logger *zap.Logger,
) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		renderer:  renderer,
		retriever: retriever,
		publisher: publisher,
		cfg:       cfg,
		logger:    logger.Named("api"),
	}
	requestTimeout := cfg.Server.RequestTimeout
	if requestTimeout <= 0 {
		requestTimeout = 60 * time.Second
	}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(s.logger))
	r.Use(recoverMiddleware(s.logger))
	r.Use(telemetry.Middleware)

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", telemetry.Handler())

	r.Group(func(r chi.Router) {
		r.Use(timeoutMiddleware(requestTimeout))
		if cfg.Auth.Enabled {
			r.Use(apiKeyMiddleware(cfg.Auth.APIKey))
		}
		for _, prefix := range []string{"", "/api"} {
			r.Post(prefix+renderPath(prefix, provider.FlowStandard), s.render(provider.FlowStandard))
			r.Post(prefix+renderPath(prefix, provider.FlowFast), s.render(provider.FlowFast))
			r.Post(prefix+renderPath(prefix, provider.FlowSimple), s.render(provider.FlowSimple))
			r.Post(prefix+"/download", s.download)

			r.Get(prefix+renderPath(prefix, provider.FlowStandard), describe(standardDescriptor))
			r.Get(prefix+renderPath(prefix, provider.FlowFast), describe(fastDescriptor))
			r.Get(prefix+renderPath(prefix, provider.FlowSimple), describe(simpleDescriptor))
			r.Get(prefix+"/download", describe(downloadDescriptor))
		}
	})

	s.router = r
	return s
}

// renderPath maps a flow to its route; the /api aliases use the "screenshot" naming.
func renderPath(prefix, flow string) string {
	base := "/render"
	if prefix != "" {
		base = "/screenshot"
	}
	if flow == provider.FlowStandard {
		return base
	}
	return base + "-" + flow
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Close waits for in-flight notification publishes, bounded by ctx.
func (s *Server) Close(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.publishes.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("wait for publishes: %w", ctx.Err())
	}
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, _ *http.Request) {
	// Providers are probed per request; nothing to check up front.
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		zap.L().Error("write JSON failed", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
