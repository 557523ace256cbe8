// Package proxy retrieves provider-hosted images server-side so clients can
// save them without cross-origin restrictions.
package proxy

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/JakeFAU/sitepeek/internal/clock/system"
	"github.com/JakeFAU/sitepeek/internal/hash/sha256"
	"github.com/JakeFAU/sitepeek/internal/id/uuid"
	"github.com/JakeFAU/sitepeek/internal/imagecheck"
	"github.com/JakeFAU/sitepeek/internal/preview"
	"github.com/JakeFAU/sitepeek/internal/progress"
	"github.com/JakeFAU/sitepeek/internal/provider"
	"github.com/JakeFAU/sitepeek/internal/telemetry"
)

// Request defaults.
const (
	DefaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 " +
		"(KHTML, like Gecko) Chrome/91.0.4472.124 Safari/537.36"
	DefaultTimeout  = 30 * time.Second
	DefaultMaxBytes = 10 << 20
	fallbackType    = "image/png"
)

var tracer = otel.Tracer("github.com/JakeFAU/sitepeek/internal/proxy")

// Config controls upstream fetches.
type Config struct {
	UserAgent string
	Timeout   time.Duration
	MaxBytes  int64
	// RestrictToProviders rejects image URLs whose host is not a registered provider.
	RestrictToProviders bool
}

// Image is a fetched image ready to stream to a client.
type Image struct {
	Body        []byte
	ContentType string
	Filename    string
	SHA256      string
	SourceURL   string
	Provider    string
	Check       imagecheck.Result
}

// Service fetches images on behalf of clients.
type Service struct {
	fetcher  preview.Fetcher
	limiter  preview.HostLimiter
	registry *provider.Registry
	hasher   preview.Hasher
	ids      preview.IDGenerator
	emitter  progress.Emitter
	clock    preview.Clock
	cfg      Config
	logger   *zap.Logger
}

// New constructs a Service. Every dependency except fetcher may be nil.
func New(
	fetcher preview.Fetcher,
	limiter preview.HostLimiter,
	registry *provider.Registry,
	hasher preview.Hasher,
	ids preview.IDGenerator,
	emitter progress.Emitter,
	clock preview.Clock,
	cfg Config,
	logger *zap.Logger,
) *Service {
	if registry == nil {
		registry = provider.Default()
	}
	if hasher == nil {
		hasher = sha256.New()
	}
	if ids == nil {
		ids = uuid.NewUUIDGenerator()
	}
	if emitter == nil {
		emitter = progress.NopEmitter{}
	}
	if clock == nil {
		clock = system.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = DefaultUserAgent
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.MaxBytes <= 0 {
		cfg.MaxBytes = DefaultMaxBytes
	}
	return &Service{
		fetcher:  fetcher,
		limiter:  limiter,
		registry: registry,
		hasher:   hasher,
		ids:      ids,
		emitter:  emitter,
		clock:    clock,
		cfg:      cfg,
		logger:   logger,
	}
}

// BrowserHeaders are sent with every upstream request.
func (s *Service) BrowserHeaders() http.Header {
	return http.Header{
		"User-Agent":      {s.cfg.UserAgent},
		"Accept":          {"image/*,*/*;q=0.8"},
		"Accept-Language": {"en-US,en;q=0.5"},
		"Dnt":             {"1"},
	}
}

// Retrieve fetches imageURL. Upstream failures are *preview.UpstreamFetchError.
func (s *Service) Retrieve(ctx context.Context, imageURL string) (Image, error) {
	imageURL = strings.TrimSpace(imageURL)
	if imageURL == "" {
		return Image{}, preview.ErrMissingImageURL
	}
	if err := s.validate(imageURL); err != nil {
		return Image{}, err
	}
	downloadID, err := s.ids.NewID()
	if err != nil {
		return Image{}, fmt.Errorf("generate download id: %w", err)
	}

	ctx, span := tracer.Start(ctx, "proxy.Retrieve")
	defer span.End()
	span.SetAttributes(attribute.String("sitepeek.site", telemetry.SanitizeSite(imageURL)))

	img, err := s.retrieve(ctx, downloadID, imageURL)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		status := 0
		var upstream *preview.UpstreamFetchError
		if errors.As(err, &upstream) {
			status = upstream.StatusCode
		}
		s.emit(downloadID, progress.Event{
			Stage:       progress.StageDownloadError,
			URL:         imageURL,
			StatusClass: progress.ClassifyStatus(status),
			Note:        err.Error(),
		})
		return Image{}, err
	}
	span.SetAttributes(attribute.Int("sitepeek.bytes", len(img.Body)))
	return img, nil
}

func (s *Service) retrieve(ctx context.Context, downloadID, imageURL string) (Image, error) {
	if s.limiter != nil {
		if err := s.limiter.Wait(ctx, imageURL); err != nil {
			return Image{}, &preview.UpstreamFetchError{URL: imageURL, Err: err}
		}
	}

	source := s.providerName(imageURL)
	start := time.Now()
	resp, err := s.fetcher.Fetch(ctx, preview.FetchRequest{
		URL:     imageURL,
		Headers: s.BrowserHeaders(),
		Timeout: s.cfg.Timeout,
	})
	if err != nil {
		telemetry.ObserveProxyFetch(source, 0, 0)
		s.logger.Warn("upstream fetch failed", zap.String("url", imageURL), zap.Error(err))
		return Image{}, &preview.UpstreamFetchError{URL: imageURL, Err: err}
	}
	telemetry.ObserveProxyFetch(source, resp.StatusCode, len(resp.Body))
	if !resp.OK() {
		s.logger.Info("upstream returned error status",
			zap.String("url", imageURL),
			zap.Int("status", resp.StatusCode),
		)
		return Image{}, &preview.UpstreamFetchError{URL: imageURL, StatusCode: resp.StatusCode}
	}
	if len(resp.Body) == 0 {
		return Image{}, &preview.UpstreamFetchError{
			URL:        imageURL,
			StatusCode: http.StatusBadGateway,
			Err:        errors.New("upstream returned an empty body"),
		}
	}
	if s.tooLarge(resp) {
		return Image{}, &preview.UpstreamFetchError{
			URL:        imageURL,
			StatusCode: http.StatusBadGateway,
			Err:        fmt.Errorf("upstream image exceeds %d bytes", s.cfg.MaxBytes),
		}
	}

	contentType := detectContentType(resp)
	digest, err := s.hasher.Hash(resp.Body)
	if err != nil {
		return Image{}, fmt.Errorf("hash image: %w", err)
	}
	check := imagecheck.Check(contentType, resp.Body)
	if !check.Valid {
		s.logger.Info("proxied image looks suspect",
			zap.String("url", imageURL),
			zap.String("reason", check.Reason),
		)
	}

	img := Image{
		Body:        resp.Body,
		ContentType: contentType,
		Filename:    "screenshot-" + uuid.Compact(downloadID) + ".png",
		SHA256:      digest,
		SourceURL:   imageURL,
		Provider:    source,
		Check:       check,
	}
	s.emit(downloadID, progress.Event{
		Stage:       progress.StageDownloadDone,
		Provider:    img.Provider,
		URL:         imageURL,
		Bytes:       int64(len(img.Body)),
		StatusClass: progress.ClassifyStatus(resp.StatusCode),
		Dur:         time.Since(start),
	})
	return img, nil
}

func (s *Service) validate(imageURL string) error {
	u, err := url.Parse(imageURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Hostname() == "" {
		return preview.ErrInvalidImageURL
	}
	if s.cfg.RestrictToProviders && !s.registry.IsProviderURL(imageURL) {
		return fmt.Errorf("%w: host %s is not a screenshot provider", preview.ErrInvalidImageURL, u.Hostname())
	}
	return nil
}

func (s *Service) tooLarge(resp preview.FetchResponse) bool {
	if int64(len(resp.Body)) > s.cfg.MaxBytes {
		return true
	}
	if raw := resp.Headers.Get("Content-Length"); raw != "" {
		if n, err := strconv.ParseInt(raw, 10, 64); err == nil && n > s.cfg.MaxBytes {
			return true
		}
	}
	return false
}

func (s *Service) providerName(imageURL string) string {
	for _, flow := range s.registry.Flows() {
		if name := flow.NameForURL(imageURL); name != provider.UnknownProvider {
			return name
		}
	}
	return provider.UnknownProvider
}

func (s *Service) emit(downloadID string, evt progress.Event) {
	evt.RenderID = uuid.Bytes(downloadID)
	evt.TS = s.clock.Now()
	s.emitter.Emit(evt)
}

// detectContentType prefers the upstream header, then sniffs the body.
func detectContentType(resp preview.FetchResponse) string {
	if ct := strings.TrimSpace(resp.Headers.Get("Content-Type")); ct != "" {
		return ct
	}
	if len(resp.Body) > 0 {
		if mt := mimetype.Detect(resp.Body); mt != nil && strings.HasPrefix(mt.String(), "image/") {
			return mt.String()
		}
	}
	return fallbackType
}
