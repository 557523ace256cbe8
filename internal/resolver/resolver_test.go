package resolver

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/sitepeek/internal/preview"
	"github.com/JakeFAU/sitepeek/internal/progress"
	"github.com/JakeFAU/sitepeek/internal/provider"
)

// TestResolveStandardPrimaryHealthy selects the primary after a 2xx probe.
func TestResolveStandardPrimaryHealthy(t *testing.T) {
	t.Parallel()

	fetcher := newScriptedFetcher(map[string]int{"mini.s-shot.ru": http.StatusOK})
	emitter := &recordingEmitter{}
	r := newTestResolver(fetcher, nil, emitter)

	result, err := r.Resolve(context.Background(), mustTarget(t, "example.com"), provider.FlowStandard)
	require.NoError(t, err)
	require.Equal(t, "mini-s-shot-ru", result.ProviderName)
	require.Equal(t, "https://mini.s-shot.ru/1200x800/PNG/1200/Z100/?https%3A%2F%2Fexample.com", result.ImageReference)
	require.Equal(t, "https://example.com", result.SourceURL.String())
	require.Equal(t, fixedNow, result.ProducedAt)
	require.NotEmpty(t, result.RenderID)
	require.Len(t, result.Attempts, 1)
	require.True(t, result.Attempts[0].Probed)
	require.Equal(t, http.StatusOK, result.Attempts[0].StatusCode)

	calls := fetcher.Calls()
	require.Len(t, calls, 1)
	require.Equal(t, http.MethodHead, calls[0].Method)
	require.Equal(t, DefaultProbeUserAgent, calls[0].Headers.Get("User-Agent"))
	require.Equal(t, DefaultProbeTimeout, calls[0].Timeout)

	require.Equal(t, []progress.Stage{
		progress.StageRenderStart,
		progress.StageProbeDone,
		progress.StageRenderDone,
	}, emitter.Stages())
}

// TestResolveStandardFallsBackUnverified takes the secondary without probing it.
func TestResolveStandardFallsBackUnverified(t *testing.T) {
	t.Parallel()

	fetcher := newScriptedFetcher(map[string]int{"mini.s-shot.ru": http.StatusServiceUnavailable})
	r := newTestResolver(fetcher, nil, nil)

	result, err := r.Resolve(context.Background(), mustTarget(t, "https://example.com/a b"), provider.FlowStandard)
	require.NoError(t, err)
	require.Equal(t, "thum-io", result.ProviderName)
	require.Equal(t, "https://image.thum.io/get/width/1200/crop/800/https%3A%2F%2Fexample.com%2Fa%20b", result.ImageReference)
	require.Len(t, fetcher.Calls(), 1, "secondary must not be probed")
	require.Len(t, result.Attempts, 2)
	require.False(t, result.Attempts[0].OK())
	require.Equal(t, http.StatusServiceUnavailable, result.Attempts[0].StatusCode)
	require.False(t, result.Attempts[1].Probed)
	require.True(t, result.Attempts[1].OK())
}

// TestResolveNetworkErrorFallsBack treats transport failures like bad statuses.
func TestResolveNetworkErrorFallsBack(t *testing.T) {
	t.Parallel()

	fetcher := newScriptedFetcher(nil)
	fetcher.err = errors.New("dial tcp: connection refused")
	r := newTestResolver(fetcher, nil, nil)

	result, err := r.Resolve(context.Background(), mustTarget(t, "example.com"), provider.FlowStandard)
	require.NoError(t, err)
	require.Equal(t, "thum-io", result.ProviderName)
	require.ErrorContains(t, result.Attempts[0].Err, "connection refused")
}

// TestResolveFastNeverProbes returns the primary with no network access.
func TestResolveFastNeverProbes(t *testing.T) {
	t.Parallel()

	fetcher := newScriptedFetcher(nil)
	r := newTestResolver(fetcher, nil, nil)

	result, err := r.Resolve(context.Background(), mustTarget(t, "example.com"), provider.FlowFast)
	require.NoError(t, err)
	require.Equal(t, "mini-s-shot-ru-small", result.ProviderName)
	require.Equal(t, "https://mini.s-shot.ru/800x600/PNG/800/Z100/?https%3A%2F%2Fexample.com", result.ImageReference)
	require.Equal(t, "Using optimized fast service with smaller image size", result.Note)
	require.Empty(t, fetcher.Calls())
}

// TestResolveSimpleCarriesNote checks the simple flow output.
func TestResolveSimpleCarriesNote(t *testing.T) {
	t.Parallel()

	r := newTestResolver(newScriptedFetcher(nil), nil, nil)
	result, err := r.Resolve(context.Background(), mustTarget(t, "example.com"), provider.FlowSimple)
	require.NoError(t, err)
	require.Equal(t, "https://mini.s-shot.ru/1024x768/PNG/1024/Z100/?https%3A%2F%2Fexample.com", result.ImageReference)
	require.Equal(t, "Using reliable service without redirect issues", result.Note)
}

// TestResolveAllProvidersUnavailable reports exhaustion when every candidate was probed.
func TestResolveAllProvidersUnavailable(t *testing.T) {
	t.Parallel()

	fetcher := newScriptedFetcher(map[string]int{
		"mini.s-shot.ru":   http.StatusBadGateway,
		"image.thum.io":    http.StatusNotFound,
		"api.thumbnail.ws": http.StatusInternalServerError,
	})
	emitter := &recordingEmitter{}
	r := newTestResolver(fetcher, nil, emitter)
	r.registry = provider.Default().WithProbeDepth(provider.FlowStandard, 3)

	result, err := r.Resolve(context.Background(), mustTarget(t, "example.com"), provider.FlowStandard)
	require.ErrorIs(t, err, preview.ErrAllProvidersUnavailable)
	require.True(t, IsUnavailable(err))
	require.Len(t, result.Attempts, 3)
	require.Len(t, fetcher.Calls(), 3)
	require.Empty(t, result.ImageReference)
	stages := emitter.Stages()
	require.Equal(t, progress.StageRenderError, stages[len(stages)-1])
}

// TestResolveEmptyFlowIsUnavailable covers a flow with no candidates.
func TestResolveEmptyFlowIsUnavailable(t *testing.T) {
	t.Parallel()

	r := newTestResolver(newScriptedFetcher(nil), nil, nil)
	r.registry = provider.NewRegistry(provider.NewFlow("empty", 1, ""))

	_, err := r.Resolve(context.Background(), mustTarget(t, "example.com"), "empty")
	require.ErrorIs(t, err, preview.ErrAllProvidersUnavailable)
}

// TestResolveBudgetExhaustedAcceptsBestGuess skips the probe when the limiter says no.
func TestResolveBudgetExhaustedAcceptsBestGuess(t *testing.T) {
	t.Parallel()

	fetcher := newScriptedFetcher(nil)
	r := newTestResolver(fetcher, denyLimiter{}, nil)

	result, err := r.Resolve(context.Background(), mustTarget(t, "example.com"), provider.FlowStandard)
	require.NoError(t, err)
	require.Equal(t, "mini-s-shot-ru", result.ProviderName)
	require.Empty(t, fetcher.Calls())
	require.False(t, result.Attempts[0].Probed)
}

// TestResolveUnknownFlow wraps ErrUnknownFlow.
func TestResolveUnknownFlow(t *testing.T) {
	t.Parallel()

	r := newTestResolver(newScriptedFetcher(nil), nil, nil)
	_, err := r.Resolve(context.Background(), mustTarget(t, "example.com"), "turbo")
	require.ErrorIs(t, err, preview.ErrUnknownFlow)
}

// TestResolveZeroTarget rejects an unnormalized target.
func TestResolveZeroTarget(t *testing.T) {
	t.Parallel()

	r := newTestResolver(newScriptedFetcher(nil), nil, nil)
	_, err := r.Resolve(context.Background(), preview.TargetURL{}, provider.FlowStandard)
	require.ErrorIs(t, err, preview.ErrMissingURL)
}

// TestResolveCanceledContext stops instead of falling back.
func TestResolveCanceledContext(t *testing.T) {
	t.Parallel()

	fetcher := newScriptedFetcher(nil)
	fetcher.err = context.Canceled
	r := newTestResolver(fetcher, nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := r.Resolve(ctx, mustTarget(t, "example.com"), provider.FlowStandard)
	require.ErrorIs(t, err, context.Canceled)
}

var fixedNow = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

type fixedClock struct{}

func (fixedClock) Now() time.Time { return fixedNow }

type sequentialIDs struct {
	mu sync.Mutex
	n  int
}

func (s *sequentialIDs) NewID() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.n++
	return "0190c1f2-0000-7000-8000-00000000000" + string(rune('0'+s.n%10)), nil
}

func newTestResolver(fetcher preview.Fetcher, limiter preview.HostLimiter, emitter progress.Emitter) *Resolver {
	return New(provider.Default(), fetcher, limiter, emitter, fixedClock{}, &sequentialIDs{}, Config{}, nil)
}

func mustTarget(t *testing.T, raw string) preview.TargetURL {
	t.Helper()
	target, err := preview.NormalizeURL(raw)
	require.NoError(t, err)
	return target
}

type scriptedFetcher struct {
	mu       sync.Mutex
	statuses map[string]int
	err      error
	calls    []preview.FetchRequest
}

func newScriptedFetcher(statuses map[string]int) *scriptedFetcher {
	return &scriptedFetcher{statuses: statuses}
}

func (f *scriptedFetcher) Fetch(_ context.Context, req preview.FetchRequest) (preview.FetchResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, req)
	if f.err != nil {
		return preview.FetchResponse{}, f.err
	}
	u, err := url.Parse(req.URL)
	if err != nil {
		return preview.FetchResponse{}, err
	}
	status, ok := f.statuses[u.Hostname()]
	if !ok {
		status = http.StatusOK
	}
	return preview.FetchResponse{URL: req.URL, StatusCode: status}, nil
}

func (f *scriptedFetcher) Calls() []preview.FetchRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]preview.FetchRequest(nil), f.calls...)
}

type denyLimiter struct{}

func (denyLimiter) Allow(string) bool                  { return false }
func (denyLimiter) Wait(context.Context, string) error { return nil }

type recordingEmitter struct {
	mu     sync.Mutex
	events []progress.Event
}

func (e *recordingEmitter) Emit(evt progress.Event) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.events = append(e.events, evt)
}

func (e *recordingEmitter) Stages() []progress.Stage {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]progress.Stage, 0, len(e.events))
	for _, evt := range e.events {
		out = append(out, evt.Stage)
	}
	return out
}
