// Package resolver turns a normalized page URL into a provider image
// reference, probing providers for liveness where the flow asks for it.
package resolver

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/sitepeek/internal/clock/system"
	"github.com/JakeFAU/sitepeek/internal/id/uuid"
	"github.com/JakeFAU/sitepeek/internal/preview"
	"github.com/JakeFAU/sitepeek/internal/progress"
	"github.com/JakeFAU/sitepeek/internal/provider"
	"github.com/JakeFAU/sitepeek/internal/telemetry"
)

// Probe defaults.
const (
	DefaultProbeTimeout   = 3 * time.Second
	DefaultProbeUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36"
)

var tracer = otel.Tracer("github.com/JakeFAU/sitepeek/internal/resolver")

// Config controls probing.
type Config struct {
	ProbeTimeout   time.Duration
	ProbeUserAgent string
}

// Resolver selects a provider per flow.
type Resolver struct {
	registry *provider.Registry
	fetcher  preview.Fetcher
	limiter  preview.HostLimiter
	emitter  progress.Emitter
	clock    preview.Clock
	ids      preview.IDGenerator
	cfg      Config
	logger   *zap.Logger
}

// New constructs a Resolver. Every dependency except fetcher may be nil.
func New(
	registry *provider.Registry,
	fetcher preview.Fetcher,
	limiter preview.HostLimiter,
	emitter progress.Emitter,
	clock preview.Clock,
	ids preview.IDGenerator,
	cfg Config,
	logger *zap.Logger,
) *Resolver {
	if registry == nil {
		registry = provider.Default()
	}
	if emitter == nil {
		emitter = progress.NopEmitter{}
	}
	if clock == nil {
		clock = system.New()
	}
	if ids == nil {
		ids = uuid.NewUUIDGenerator()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = DefaultProbeTimeout
	}
	if cfg.ProbeUserAgent == "" {
		cfg.ProbeUserAgent = DefaultProbeUserAgent
	}
	return &Resolver{
		registry: registry,
		fetcher:  fetcher,
		limiter:  limiter,
		emitter:  emitter,
		clock:    clock,
		ids:      ids,
		cfg:      cfg,
		logger:   logger,
	}
}

// Resolve walks the flow's candidates in priority order. The first
// ProbeDepth candidates are probed with HEAD; the first 2xx wins. The
// candidate at index ProbeDepth is accepted without a probe. When every
// candidate was probed and failed, ErrAllProvidersUnavailable is returned
// together with the attempts made.
func (r *Resolver) Resolve(ctx context.Context, target preview.TargetURL, flowName string) (preview.RenderResult, error) {
	if target.IsZero() {
		return preview.RenderResult{}, preview.ErrMissingURL
	}
	flow, err := r.registry.Flow(flowName)
	if err != nil {
		return preview.RenderResult{}, fmt.Errorf("resolve %s: %w", target, err)
	}
	renderID, err := r.ids.NewID()
	if err != nil {
		return preview.RenderResult{}, fmt.Errorf("generate render id: %w", err)
	}

	ctx, span := tracer.Start(ctx, "resolver.Resolve")
	defer span.End()
	span.SetAttributes(
		attribute.String("sitepeek.render_id", renderID),
		attribute.String("sitepeek.flow", flow.Name),
		attribute.String("sitepeek.host", target.Hostname()),
	)

	start := r.clock.Now()
	result := preview.RenderResult{
		RenderID:  renderID,
		SourceURL: target,
		Flow:      flow.Name,
		Note:      flow.Note,
	}
	r.emit(renderID, progress.Event{Stage: progress.StageRenderStart, Flow: flow.Name, URL: target.String()})

	logger := r.logger.With(zap.String("render_id", renderID), zap.String("flow", flow.Name))
	for i, candidate := range flow.Candidates() {
		requestURL := candidate.BuildRequestURL(target)
		if i >= flow.ProbeDepth {
			result.Attempts = append(result.Attempts, preview.ProbeAttempt{
				Provider:   candidate.Name,
				RequestURL: requestURL,
			})
			return r.commit(span, logger, flow, result, requestURL, start), nil
		}
		if r.limiter != nil && !r.limiter.Allow(requestURL) {
			// Out of probe budget for this host: take the candidate as a best guess.
			telemetry.ObserveProbe(candidate.Name, telemetry.ProbeSkipped, 0)
			logger.Debug("probe budget exhausted; accepting unverified", zap.String("provider", candidate.Name))
			result.Attempts = append(result.Attempts, preview.ProbeAttempt{
				Provider:   candidate.Name,
				RequestURL: requestURL,
			})
			return r.commit(span, logger, flow, result, requestURL, start), nil
		}

		attempt := r.probe(ctx, renderID, flow.Name, candidate, requestURL)
		result.Attempts = append(result.Attempts, attempt)
		if attempt.OK() {
			return r.commit(span, logger, flow, result, requestURL, start), nil
		}
		logger.Info("probe failed; trying next provider",
			zap.String("provider", candidate.Name),
			zap.Int("status", attempt.StatusCode),
			zap.Error(attempt.Err),
		)
		if ctxErr := ctx.Err(); ctxErr != nil {
			err := fmt.Errorf("resolve %s: %w", target, ctxErr)
			r.fail(span, renderID, flow.Name, target, start, err)
			return result, err
		}
	}

	err = fmt.Errorf("resolve %s via %s flow: %w", target, flow.Name, preview.ErrAllProvidersUnavailable)
	logger.Warn("all providers unavailable", zap.Int("attempts", len(result.Attempts)))
	r.fail(span, renderID, flow.Name, target, start, err)
	return result, err
}

func (r *Resolver) probe(
	ctx context.Context,
	renderID string,
	flowName string,
	candidate provider.Descriptor,
	requestURL string,
) preview.ProbeAttempt {
	probeCtx, cancel := context.WithTimeout(ctx, r.cfg.ProbeTimeout)
	defer cancel()

	attempt := preview.ProbeAttempt{
		Provider:   candidate.Name,
		RequestURL: requestURL,
		Probed:     true,
	}
	start := time.Now()
	resp, err := r.fetcher.Fetch(probeCtx, preview.FetchRequest{
		Method:  http.MethodHead,
		URL:     requestURL,
		Headers: http.Header{"User-Agent": {r.cfg.ProbeUserAgent}},
		Timeout: r.cfg.ProbeTimeout,
	})
	attempt.Duration = time.Since(start)
	switch {
	case err != nil:
		attempt.Err = err
	case !resp.OK():
		attempt.StatusCode = resp.StatusCode
		attempt.Err = fmt.Errorf("probe %s: unexpected status %d", candidate.Name, resp.StatusCode)
	default:
		attempt.StatusCode = resp.StatusCode
	}

	result := telemetry.ProbeOK
	if !attempt.OK() {
		result = telemetry.ProbeFailed
	}
	telemetry.ObserveProbe(candidate.Name, result, attempt.Duration)
	note := ""
	if attempt.Err != nil {
		note = attempt.Err.Error()
	}
	r.emit(renderID, progress.Event{
		Stage:       progress.StageProbeDone,
		Flow:        flowName,
		Provider:    candidate.Name,
		URL:         requestURL,
		StatusClass: progress.ClassifyStatus(attempt.StatusCode),
		Dur:         attempt.Duration,
		Note:        note,
	})
	return attempt
}

func (r *Resolver) commit(
	span trace.Span,
	logger *zap.Logger,
	flow provider.Flow,
	result preview.RenderResult,
	requestURL string,
	start time.Time,
) preview.RenderResult {
	result.ImageReference = requestURL
	result.ProviderName = flow.NameForURL(requestURL)
	result.ProducedAt = r.clock.Now()
	elapsed := result.ProducedAt.Sub(start)

	span.SetAttributes(
		attribute.String("sitepeek.provider", result.ProviderName),
		attribute.Int("sitepeek.attempts", len(result.Attempts)),
	)
	r.emit(result.RenderID, progress.Event{
		Stage:    progress.StageRenderDone,
		Flow:     flow.Name,
		Provider: result.ProviderName,
		URL:      result.SourceURL.String(),
		Dur:      elapsed,
	})
	logger.Info("render resolved",
		zap.String("provider", result.ProviderName),
		zap.Int("attempts", len(result.Attempts)),
		zap.Duration("elapsed", elapsed),
	)
	return result
}

func (r *Resolver) fail(
	span trace.Span,
	renderID string,
	flowName string,
	target preview.TargetURL,
	start time.Time,
	err error,
) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	r.emit(renderID, progress.Event{
		Stage: progress.StageRenderError,
		Flow:  flowName,
		URL:   target.String(),
		Dur:   r.clock.Now().Sub(start),
		Note:  err.Error(),
	})
}

func (r *Resolver) emit(renderID string, evt progress.Event) {
	evt.RenderID = uuid.Bytes(renderID)
	evt.TS = r.clock.Now()
	r.emitter.Emit(evt)
}

// IsUnavailable reports whether err means no provider could be selected.
func IsUnavailable(err error) bool {
	return errors.Is(err, preview.ErrAllProvidersUnavailable)
}
