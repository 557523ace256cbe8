package orchestrator

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/sitepeek/internal/client"
	"github.com/JakeFAU/sitepeek/internal/history"
	"github.com/JakeFAU/sitepeek/internal/preview"
)

type renderFunc func(ctx context.Context, flow, rawURL string) (preview.RenderResult, error)

func (f renderFunc) Render(ctx context.Context, flow, rawURL string) (preview.RenderResult, error) {
	return f(ctx, flow, rawURL)
}

type loadFunc func(ctx context.Context, imageURL string) error

func (f loadFunc) Load(ctx context.Context, imageURL string) error {
	return f(ctx, imageURL)
}

func okRenderer(calls *int) renderFunc {
	var mu sync.Mutex
	return func(_ context.Context, flow, rawURL string) (preview.RenderResult, error) {
		mu.Lock()
		*calls++
		mu.Unlock()
		return preview.RenderResult{
			RenderID:       "render-1",
			ImageReference: "https://image.thum.io/get/" + rawURL,
			ProviderName:   "thum-io",
			Flow:           flow,
		}, nil
	}
}

func blockingRenderer(started chan<- struct{}) renderFunc {
	return func(ctx context.Context, _, _ string) (preview.RenderResult, error) {
		if started != nil {
			close(started)
		}
		<-ctx.Done()
		return preview.RenderResult{}, ctx.Err()
	}
}

func okLoader() loadFunc {
	return func(context.Context, string) error { return nil }
}

type snapshotRecorder struct {
	mu    sync.Mutex
	snaps []Snapshot
}

func (r *snapshotRecorder) record(s Snapshot) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.snaps = append(r.snaps, s)
}

func (r *snapshotRecorder) States() []State {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []State
	for _, s := range r.snaps {
		if len(out) == 0 || out[len(out)-1] != s.State {
			out = append(out, s.State)
		}
	}
	return out
}

func (r *snapshotRecorder) Progress() []float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]float64, 0, len(r.snaps))
	for _, s := range r.snaps {
		out = append(out, s.Progress)
	}
	return out
}

func newTestSession(t *testing.T, renderer RenderClient, loader ImageLoader, cfg Config) (*Session, *snapshotRecorder) {
	t.Helper()
	hist, err := history.New(history.DefaultSize)
	require.NoError(t, err)
	s := NewSession(renderer, loader, nil, nil, hist, nil, cfg, nil)
	rec := &snapshotRecorder{}
	s.OnChange(rec.record)
	return s, rec
}

func waitForState(t *testing.T, s *Session, want State) {
	t.Helper()
	require.Eventually(t, func() bool { return s.Snapshot().State == want }, time.Second, time.Millisecond)
}

// TestSubmitSuccess walks Idle → Requesting → ImageLoading → Idle.
func TestSubmitSuccess(t *testing.T) {
	t.Parallel()

	var calls int
	s, rec := newTestSession(t, okRenderer(&calls), okLoader(), Config{})

	snap, err := s.Submit(context.Background(), "example.com")
	require.NoError(t, err)
	require.Equal(t, StateIdle, snap.State)
	require.InDelta(t, 100.0, snap.Progress, 0.001)
	require.NotNil(t, snap.Result)
	require.Equal(t, "thum-io", snap.Result.ProviderName)
	require.Equal(t, "https://image.thum.io/get/https://example.com", snap.Result.ImageReference)
	require.Nil(t, snap.Failure)
	require.GreaterOrEqual(t, snap.TotalElapsed, snap.APIElapsed)
	require.Equal(t, 1, calls)

	require.Equal(t, []State{StateRequesting, StateImageLoading, StateIdle}, rec.States())

	entries := s.History()
	require.Len(t, entries, 1)
	require.Equal(t, "https://example.com", entries[0].URL)
}

// TestSubmitUsesConfiguredFlow passes the session flow to the renderer.
func TestSubmitUsesConfiguredFlow(t *testing.T) {
	t.Parallel()

	var gotFlow string
	renderer := renderFunc(func(_ context.Context, flow, _ string) (preview.RenderResult, error) {
		gotFlow = flow
		return preview.RenderResult{ImageReference: "https://img.example/x.png"}, nil
	})
	s, _ := newTestSession(t, renderer, okLoader(), Config{Flow: "fast"})

	_, err := s.Submit(context.Background(), "example.com")
	require.NoError(t, err)
	require.Equal(t, "fast", gotFlow)
}

// TestSubmitInvalidURLSkipsNetwork fails locally without a render call.
func TestSubmitInvalidURLSkipsNetwork(t *testing.T) {
	t.Parallel()

	var calls int
	s, rec := newTestSession(t, okRenderer(&calls), okLoader(), Config{})

	snap, err := s.Submit(context.Background(), "   ")
	var failure *Failure
	require.ErrorAs(t, err, &failure)
	require.Equal(t, FailureInvalidURL, failure.Kind)
	require.Equal(t, StateFailed, snap.State)
	require.NotNil(t, snap.Failure)
	require.Zero(t, calls)
	require.Equal(t, []State{StateFailed}, rec.States())
	require.Empty(t, s.History())
}

// TestSubmitRequestTimeout maps the render deadline to RequestTimeout.
func TestSubmitRequestTimeout(t *testing.T) {
	t.Parallel()

	s, _ := newTestSession(t, blockingRenderer(nil), okLoader(), Config{RequestTimeout: 30 * time.Millisecond})

	snap, err := s.Submit(context.Background(), "example.com")
	var failure *Failure
	require.ErrorAs(t, err, &failure)
	require.Equal(t, FailureRequestTimeout, failure.Kind)
	require.Equal(t, MsgRequestTimeout, snap.Failure.Message)
	require.Equal(t, StateFailed, snap.State)
	require.Empty(t, s.History())
}

// TestSubmitRequestFailedUsesServerMessage surfaces the API error text.
func TestSubmitRequestFailedUsesServerMessage(t *testing.T) {
	t.Parallel()

	renderer := renderFunc(func(context.Context, string, string) (preview.RenderResult, error) {
		return preview.RenderResult{}, &client.APIError{
			StatusCode: http.StatusServiceUnavailable,
			Message:    preview.ErrAllProvidersUnavailable.Error(),
		}
	})
	s, _ := newTestSession(t, renderer, okLoader(), Config{})

	snap, err := s.Submit(context.Background(), "example.com")
	require.Error(t, err)
	require.Equal(t, FailureRequestFailed, snap.Failure.Kind)
	require.Equal(t, preview.ErrAllProvidersUnavailable.Error(), snap.Failure.Message)
}

// TestSubmitRequestFailedGenericMessage falls back when no server text exists.
func TestSubmitRequestFailedGenericMessage(t *testing.T) {
	t.Parallel()

	renderer := renderFunc(func(context.Context, string, string) (preview.RenderResult, error) {
		return preview.RenderResult{}, errors.New("connection reset")
	})
	s, _ := newTestSession(t, renderer, okLoader(), Config{})

	snap, err := s.Submit(context.Background(), "example.com")
	require.Error(t, err)
	require.Equal(t, FailureRequestFailed, snap.Failure.Kind)
	require.Equal(t, MsgRequestFailed, snap.Failure.Message)
}

// TestSubmitImageLoadTimeout maps the load deadline to ImageLoadTimeout.
func TestSubmitImageLoadTimeout(t *testing.T) {
	t.Parallel()

	var calls int
	loader := loadFunc(func(ctx context.Context, _ string) error {
		<-ctx.Done()
		return ctx.Err()
	})
	s, rec := newTestSession(t, okRenderer(&calls), loader, Config{ImageTimeout: 30 * time.Millisecond})

	snap, err := s.Submit(context.Background(), "example.com")
	var failure *Failure
	require.ErrorAs(t, err, &failure)
	require.Equal(t, FailureImageLoadTimeout, failure.Kind)
	require.Equal(t, MsgImageLoadTimeout, failure.Message)
	require.NotNil(t, snap.Result, "result is kept for open-in-new-tab")
	require.Len(t, s.History(), 1, "history records the API success")
	require.Equal(t, []State{StateRequesting, StateImageLoading, StateFailed}, rec.States())
}

// TestSubmitImageLoadError maps a load error to ImageLoadError.
func TestSubmitImageLoadError(t *testing.T) {
	t.Parallel()

	var calls int
	loader := loadFunc(func(context.Context, string) error { return errors.New("decode failed") })
	s, _ := newTestSession(t, okRenderer(&calls), loader, Config{})

	snap, err := s.Submit(context.Background(), "example.com")
	require.Error(t, err)
	require.Equal(t, FailureImageLoadError, snap.Failure.Kind)
	require.Equal(t, MsgImageLoadError, snap.Failure.Message)
	require.Zero(t, snap.TotalElapsed)
}

// TestCancelDuringRequest returns to Idle and reports ErrCanceled.
func TestCancelDuringRequest(t *testing.T) {
	t.Parallel()

	started := make(chan struct{})
	s, _ := newTestSession(t, blockingRenderer(started), okLoader(), Config{})

	errCh := make(chan error, 1)
	go func() {
		_, err := s.Submit(context.Background(), "example.com")
		errCh <- err
	}()
	<-started
	waitForState(t, s, StateRequesting)

	s.Cancel()
	require.ErrorIs(t, <-errCh, ErrCanceled)

	snap := s.Snapshot()
	require.Equal(t, StateIdle, snap.State)
	require.Nil(t, snap.Failure)
	require.Nil(t, snap.Result)
	require.Empty(t, s.History())
}

// TestCancelDuringImageLoad abandons the load.
func TestCancelDuringImageLoad(t *testing.T) {
	t.Parallel()

	var calls int
	loading := make(chan struct{})
	loader := loadFunc(func(ctx context.Context, _ string) error {
		close(loading)
		<-ctx.Done()
		return ctx.Err()
	})
	s, _ := newTestSession(t, okRenderer(&calls), loader, Config{})

	errCh := make(chan error, 1)
	go func() {
		_, err := s.Submit(context.Background(), "example.com")
		errCh <- err
	}()
	<-loading

	s.Cancel()
	require.ErrorIs(t, <-errCh, ErrCanceled)
	require.Equal(t, StateIdle, s.Snapshot().State)
}

// TestCancelWhenIdleIsNoop leaves the snapshot alone.
func TestCancelWhenIdleIsNoop(t *testing.T) {
	t.Parallel()

	s, rec := newTestSession(t, blockingRenderer(nil), okLoader(), Config{})
	s.Cancel()
	require.Equal(t, StateIdle, s.Snapshot().State)
	require.Empty(t, rec.States())
}

// TestParentContextCanceled resets to Idle.
func TestParentContextCanceled(t *testing.T) {
	t.Parallel()

	started := make(chan struct{})
	s, _ := newTestSession(t, blockingRenderer(started), okLoader(), Config{})
	ctx, cancel := context.WithCancel(context.Background())

	errCh := make(chan error, 1)
	go func() {
		_, err := s.Submit(ctx, "example.com")
		errCh <- err
	}()
	<-started
	cancel()

	require.ErrorIs(t, <-errCh, ErrCanceled)
	require.Equal(t, StateIdle, s.Snapshot().State)
}

// TestNewSubmitSupersedesOld drops writes from the earlier attempt.
func TestNewSubmitSupersedesOld(t *testing.T) {
	t.Parallel()

	started := make(chan struct{})
	renderer := renderFunc(func(ctx context.Context, _, rawURL string) (preview.RenderResult, error) {
		if rawURL == "https://slow.example" {
			close(started)
			<-ctx.Done()
			return preview.RenderResult{ImageReference: "https://stale.example/img"}, nil
		}
		return preview.RenderResult{ImageReference: "https://fresh.example/img", ProviderName: "fresh"}, nil
	})
	s, _ := newTestSession(t, renderer, okLoader(), Config{})

	errCh := make(chan error, 1)
	go func() {
		_, err := s.Submit(context.Background(), "slow.example")
		errCh <- err
	}()
	<-started

	snap, err := s.Submit(context.Background(), "fast.example")
	require.NoError(t, err)
	require.ErrorIs(t, <-errCh, ErrCanceled)

	final := s.Snapshot()
	require.Equal(t, snap.AttemptID, final.AttemptID)
	require.Equal(t, StateIdle, final.State)
	require.Equal(t, "fresh", final.Result.ProviderName)
	require.Len(t, s.History(), 1)
}

// TestStaleImageTimeoutDoesNotFailNewAttempt lets an earlier image load run
// past its deadline after a newer attempt took over; the newer attempt must
// finish cleanly and no failure may be published.
func TestStaleImageTimeoutDoesNotFailNewAttempt(t *testing.T) {
	t.Parallel()

	const imageTimeout = 400 * time.Millisecond
	loadStarted := make(chan struct{})
	loader := loadFunc(func(_ context.Context, imageURL string) error {
		if imageURL == "https://image.thum.io/get/https://slow.example" {
			close(loadStarted)
			// Ignores cancellation and only gives up once its own deadline passes.
			time.Sleep(imageTimeout + 50*time.Millisecond)
			return context.DeadlineExceeded
		}
		time.Sleep(150 * time.Millisecond)
		return nil
	})
	var calls int
	s, rec := newTestSession(t, okRenderer(&calls), loader, Config{ImageTimeout: imageTimeout})

	begun := time.Now()
	errCh := make(chan error, 1)
	go func() {
		_, err := s.Submit(context.Background(), "slow.example")
		errCh <- err
	}()
	<-loadStarted
	time.Sleep(300*time.Millisecond - time.Since(begun))

	snap, err := s.Submit(context.Background(), "fast.example")
	require.NoError(t, err)
	require.Equal(t, StateIdle, snap.State)
	require.Nil(t, snap.Failure)

	require.ErrorIs(t, <-errCh, ErrCanceled)
	final := s.Snapshot()
	require.Equal(t, snap.AttemptID, final.AttemptID)
	require.Equal(t, StateIdle, final.State)
	require.NotContains(t, rec.States(), StateFailed)
}

// TestProgressTicksWhileRequesting climbs but never passes the ceiling before
// the API answers.
func TestProgressTicksWhileRequesting(t *testing.T) {
	t.Parallel()

	var calls int
	inner := okRenderer(&calls)
	renderer := renderFunc(func(ctx context.Context, flow, rawURL string) (preview.RenderResult, error) {
		select {
		case <-time.After(80 * time.Millisecond):
		case <-ctx.Done():
			return preview.RenderResult{}, ctx.Err()
		}
		return inner(ctx, flow, rawURL)
	})
	s, rec := newTestSession(t, renderer, okLoader(), Config{ProgressInterval: 2 * time.Millisecond})

	_, err := s.Submit(context.Background(), "example.com")
	require.NoError(t, err)

	values := rec.Progress()
	require.NotEmpty(t, values)
	require.InDelta(t, 100.0, values[len(values)-1], 0.001)

	var ticks int
	prev := 0.0
	for _, v := range values {
		if v == 100 {
			break
		}
		require.LessOrEqual(t, v, progressCeiling)
		require.GreaterOrEqual(t, v, prev)
		if v > prev {
			ticks++
		}
		prev = v
	}
	require.Positive(t, ticks)
}

// TestDismissClearsFailure returns Failed to Idle.
func TestDismissClearsFailure(t *testing.T) {
	t.Parallel()

	s, _ := newTestSession(t, blockingRenderer(nil), okLoader(), Config{})
	_, err := s.Submit(context.Background(), "")
	require.Error(t, err)
	require.Equal(t, StateFailed, s.Snapshot().State)

	s.Dismiss()
	snap := s.Snapshot()
	require.Equal(t, StateIdle, snap.State)
	require.Nil(t, snap.Failure)
}

// TestSessionDownloadWithoutResult refuses before any attempt succeeds.
func TestSessionDownloadWithoutResult(t *testing.T) {
	t.Parallel()

	s, _ := newTestSession(t, blockingRenderer(nil), okLoader(), Config{})
	_, err := s.Download(context.Background())
	require.ErrorIs(t, err, ErrNothingToDownload)
}

// TestSnapshotIsolated keeps callers from mutating session state.
func TestSnapshotIsolated(t *testing.T) {
	t.Parallel()

	var calls int
	s, _ := newTestSession(t, okRenderer(&calls), okLoader(), Config{})
	_, err := s.Submit(context.Background(), "example.com")
	require.NoError(t, err)

	snap := s.Snapshot()
	snap.Result.ProviderName = "mutated"
	require.Equal(t, "thum-io", s.Snapshot().Result.ProviderName)
}
