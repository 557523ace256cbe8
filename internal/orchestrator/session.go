package orchestrator

import (
	"context"
	"errors"
	"math/rand/v2"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/sitepeek/internal/client"
	"github.com/JakeFAU/sitepeek/internal/clock/system"
	"github.com/JakeFAU/sitepeek/internal/history"
	"github.com/JakeFAU/sitepeek/internal/preview"
	"github.com/JakeFAU/sitepeek/internal/provider"
)

// Session defaults.
const (
	DefaultRequestTimeout   = 10 * time.Second
	DefaultImageTimeout     = 10 * time.Second
	DefaultProbeTimeout     = 3 * time.Second
	DefaultProgressInterval = 200 * time.Millisecond

	progressCeiling = 90.0
	progressStep    = 15.0
)

var (
	// ErrCanceled is returned by Submit when the attempt was canceled or
	// superseded by a newer submission.
	ErrCanceled = errors.New("capture canceled")
	// ErrNothingToDownload is returned when no image reference is available.
	ErrNothingToDownload = errors.New("no screenshot to download")
)

// RenderClient asks the API for an image reference.
type RenderClient interface {
	Render(ctx context.Context, flow, rawURL string) (preview.RenderResult, error)
}

// ImageLoader resolves once the image at imageURL is loaded and decodable.
type ImageLoader interface {
	Load(ctx context.Context, imageURL string) error
}

// Config controls session timing.
type Config struct {
	Flow             string
	RequestTimeout   time.Duration
	ImageTimeout     time.Duration
	ProbeTimeout     time.Duration
	ProgressInterval time.Duration
	// ProbeImage issues a best-effort HEAD against the image reference once
	// the API answers. The outcome is logged only.
	ProbeImage bool
}

func (c Config) withDefaults() Config {
	if c.Flow == "" {
		c.Flow = provider.FlowStandard
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = DefaultRequestTimeout
	}
	if c.ImageTimeout <= 0 {
		c.ImageTimeout = DefaultImageTimeout
	}
	if c.ProbeTimeout <= 0 {
		c.ProbeTimeout = DefaultProbeTimeout
	}
	if c.ProgressInterval <= 0 {
		c.ProgressInterval = DefaultProgressInterval
	}
	return c
}

// attempt is one submission. Its context bounds every timer it starts.
type attempt struct {
	id     uint64
	ctx    context.Context
	cancel context.CancelFunc
	start  time.Time
}

// Session is the client-side state machine:
// Idle → Requesting → (ImageLoading | Failed) → Idle.
type Session struct {
	renderer   RenderClient
	loader     ImageLoader
	fetcher    preview.Fetcher
	downloader *Downloader
	history    *history.History
	clock      preview.Clock
	cfg        Config
	logger     *zap.Logger

	mu       sync.Mutex
	snap     Snapshot
	current  *attempt
	nextID   uint64
	observer func(Snapshot)

	// notifyMu orders observer callbacks the same way as state writes.
	notifyMu sync.Mutex
}

// NewSession constructs a Session. fetcher, downloader, clock, and logger may be nil.
func NewSession(
	renderer RenderClient,
	loader ImageLoader,
	fetcher preview.Fetcher,
	downloader *Downloader,
	hist *history.History,
	clock preview.Clock,
	cfg Config,
	logger *zap.Logger,
) *Session {
	if clock == nil {
		clock = system.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if hist == nil {
		hist, _ = history.New(history.DefaultSize)
	}
	return &Session{
		renderer:   renderer,
		loader:     loader,
		fetcher:    fetcher,
		downloader: downloader,
		history:    hist,
		clock:      clock,
		cfg:        cfg.withDefaults(),
		logger:     logger.Named("session"),
		snap:       Snapshot{State: StateIdle},
	}
}

// OnChange registers fn to receive every snapshot change. Callbacks are
// serialized and must not call back into the Session synchronously.
func (s *Session) OnChange(fn func(Snapshot)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.observer = fn
}

// Snapshot returns the current state.
func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snap.clone()
}

// History returns recent submissions, newest first.
func (s *Session) History() []preview.HistoryEntry {
	return s.history.Entries()
}

// Submit runs one attempt to completion. It returns the final snapshot and a
// *Failure when the attempt failed, or ErrCanceled when it was canceled or
// superseded. Starting a new Submit cancels any attempt in flight.
func (s *Session) Submit(ctx context.Context, raw string) (Snapshot, error) {
	target, err := preview.NormalizeURL(raw)
	if err != nil {
		failure := &Failure{Kind: FailureInvalidURL, Message: err.Error()}
		a := s.begin(ctx, Snapshot{State: StateFailed, Failure: failure})
		a.cancel()
		return s.Snapshot(), failure
	}
	a := s.begin(ctx, Snapshot{State: StateRequesting})
	defer a.cancel()
	logger := s.logger.With(zap.Uint64("attempt", a.id), zap.String("url", target.String()))

	result, apiElapsed, err := s.request(a, target)
	if a.ctx.Err() != nil {
		return s.abandon(a), ErrCanceled
	}
	if err != nil {
		failure := requestFailure(err)
		logger.Warn("render request failed", zap.String("kind", string(failure.Kind)), zap.Error(err))
		s.update(a, func(snap *Snapshot) {
			snap.State = StateFailed
			snap.Failure = failure
			snap.APIElapsed = apiElapsed
		})
		return s.Snapshot(), failure
	}

	s.history.Add(target.String(), s.clock.Now())
	s.update(a, func(snap *Snapshot) {
		snap.State = StateImageLoading
		snap.Progress = 100
		snap.Result = &result
		snap.APIElapsed = apiElapsed
	})
	logger.Info("render resolved",
		zap.String("provider", result.ProviderName),
		zap.String("image", result.ImageReference),
		zap.Duration("api_elapsed", apiElapsed),
	)
	if s.cfg.ProbeImage && s.fetcher != nil {
		go s.probeImage(a, logger, result.ImageReference)
	}

	loadCtx, cancelLoad := context.WithTimeout(a.ctx, s.cfg.ImageTimeout)
	err = s.loader.Load(loadCtx, result.ImageReference)
	timedOut := errors.Is(loadCtx.Err(), context.DeadlineExceeded)
	cancelLoad()
	if a.ctx.Err() != nil {
		return s.abandon(a), ErrCanceled
	}
	if err != nil {
		failure := &Failure{Kind: FailureImageLoadError, Message: MsgImageLoadError}
		if timedOut {
			failure = &Failure{Kind: FailureImageLoadTimeout, Message: MsgImageLoadTimeout}
		}
		logger.Warn("image load failed", zap.String("kind", string(failure.Kind)), zap.Error(err))
		s.update(a, func(snap *Snapshot) {
			snap.State = StateFailed
			snap.Failure = failure
		})
		return s.Snapshot(), failure
	}

	total := s.clock.Now().Sub(a.start)
	s.update(a, func(snap *Snapshot) {
		snap.State = StateIdle
		snap.TotalElapsed = total
	})
	logger.Info("image loaded", zap.Duration("total_elapsed", total))
	return s.Snapshot(), nil
}

// request performs the render call with its timeout and the synthetic
// progress ticker, both bound to the attempt.
func (s *Session) request(a *attempt, target preview.TargetURL) (preview.RenderResult, time.Duration, error) {
	reqCtx, cancel := context.WithTimeout(a.ctx, s.cfg.RequestTimeout)
	defer cancel()

	tickerDone := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		s.runProgress(a, tickerDone)
	}()

	start := s.clock.Now()
	result, err := s.renderer.Render(reqCtx, s.cfg.Flow, target.String())
	elapsed := s.clock.Now().Sub(start)
	if err != nil && errors.Is(reqCtx.Err(), context.DeadlineExceeded) && a.ctx.Err() == nil {
		err = errRequestTimeout{err}
	}
	close(tickerDone)
	wg.Wait()
	return result, elapsed, err
}

func (s *Session) runProgress(a *attempt, done <-chan struct{}) {
	ticker := time.NewTicker(s.cfg.ProgressInterval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-a.ctx.Done():
			return
		case <-ticker.C:
			s.update(a, func(snap *Snapshot) {
				if snap.State != StateRequesting {
					return
				}
				snap.Progress = min(snap.Progress+rand.Float64()*progressStep, progressCeiling)
			})
		}
	}
}

func (s *Session) probeImage(a *attempt, logger *zap.Logger, imageURL string) {
	ctx, cancel := context.WithTimeout(a.ctx, s.cfg.ProbeTimeout)
	defer cancel()
	resp, err := s.fetcher.Fetch(ctx, preview.FetchRequest{
		Method:  http.MethodHead,
		URL:     imageURL,
		Timeout: s.cfg.ProbeTimeout,
	})
	switch {
	case err != nil:
		logger.Debug("image probe failed", zap.Error(err))
	case !resp.OK():
		logger.Info("image probe returned error status", zap.Int("status", resp.StatusCode))
	default:
		logger.Debug("image probe ok",
			zap.Int("status", resp.StatusCode),
			zap.String("content_type", resp.Headers.Get("Content-Type")),
		)
	}
}

// Cancel abandons the in-flight attempt and returns to Idle. The remote
// render is not aborted; its result is simply ignored.
func (s *Session) Cancel() {
	s.mu.Lock()
	if s.snap.State != StateRequesting && s.snap.State != StateImageLoading {
		s.mu.Unlock()
		return
	}
	if s.current != nil {
		s.current.cancel()
		s.current = nil
	}
	s.snap = Snapshot{State: StateIdle, AttemptID: s.snap.AttemptID}
	s.publishLocked()
}

// Dismiss clears a failure and returns to Idle.
func (s *Session) Dismiss() {
	s.mu.Lock()
	if s.snap.State != StateFailed {
		s.mu.Unlock()
		return
	}
	s.current = nil
	s.snap = Snapshot{State: StateIdle, AttemptID: s.snap.AttemptID}
	s.publishLocked()
}

// Download saves the current screenshot using the configured strategies.
func (s *Session) Download(ctx context.Context) (preview.DownloadOutcome, error) {
	snap := s.Snapshot()
	if snap.Result == nil || snap.Result.ImageReference == "" {
		return preview.DownloadOutcome{}, ErrNothingToDownload
	}
	if s.downloader == nil {
		return preview.DownloadOutcome{}, ErrDownloadFailed
	}
	return s.downloader.Download(ctx, snap.Result.ImageReference)
}

// begin makes a fresh attempt current with initial state, canceling its
// predecessor.
func (s *Session) begin(parent context.Context, initial Snapshot) *attempt {
	ctx, cancel := context.WithCancel(parent)
	s.mu.Lock()
	if s.current != nil {
		s.current.cancel()
	}
	s.nextID++
	a := &attempt{id: s.nextID, ctx: ctx, cancel: cancel, start: s.clock.Now()}
	s.current = a
	initial.AttemptID = a.id
	s.snap = initial
	s.publishLocked()
	return a
}

// abandon returns a still-current attempt whose context ended to Idle.
func (s *Session) abandon(a *attempt) Snapshot {
	s.mu.Lock()
	if s.current != a {
		snap := s.snap.clone()
		s.mu.Unlock()
		return snap
	}
	s.current = nil
	s.snap = Snapshot{State: StateIdle, AttemptID: a.id}
	snap := s.snap.clone()
	s.publishLocked()
	return snap
}

// update applies fn only while a is still the current attempt.
func (s *Session) update(a *attempt, fn func(*Snapshot)) bool {
	s.mu.Lock()
	if s.current != a || a.ctx.Err() != nil {
		s.mu.Unlock()
		return false
	}
	before := s.snap
	fn(&s.snap)
	if s.snap == before {
		s.mu.Unlock()
		return true
	}
	s.publishLocked()
	return true
}

// publishLocked hands the snapshot to the observer and releases s.mu.
func (s *Session) publishLocked() {
	snap := s.snap.clone()
	observer := s.observer
	s.notifyMu.Lock()
	s.mu.Unlock()
	defer s.notifyMu.Unlock()
	if observer != nil {
		observer(snap)
	}
}

type errRequestTimeout struct{ err error }

func (e errRequestTimeout) Error() string { return e.err.Error() }
func (e errRequestTimeout) Unwrap() error { return e.err }

func requestFailure(err error) *Failure {
	var timeout errRequestTimeout
	if errors.As(err, &timeout) {
		return &Failure{Kind: FailureRequestTimeout, Message: MsgRequestTimeout}
	}
	var apiErr *client.APIError
	if errors.As(err, &apiErr) && apiErr.Message != "" {
		return &Failure{Kind: FailureRequestFailed, Message: apiErr.Message}
	}
	return &Failure{Kind: FailureRequestFailed, Message: MsgRequestFailed}
}
