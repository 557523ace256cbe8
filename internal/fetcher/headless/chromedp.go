// Package headless loads provider images in a headless browser, the way a
// page's <img> element would.
package headless

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/chromedp"
)

// ErrImageNotLoaded is returned when the browser fires the image error event
// or the decoded image has no dimensions.
var ErrImageNotLoaded = errors.New("image failed to load")

// Config controls the behavior of the headless loader.
type Config struct {
	MaxParallel int
	UserAgent   string
	// LoadTimeout bounds a single load when the caller sets no deadline.
	LoadTimeout time.Duration
}

// Dimensions are the natural size reported by the browser.
type Dimensions struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

// Loader implements the orchestrator's image loader using chromedp.
type Loader struct {
	cfg         Config
	limiter     chan struct{}
	allocator   context.Context
	allocCancel context.CancelFunc
}

// NewChromedp creates a loader backed by a shared headless Chrome allocator.
func NewChromedp(cfg Config) (*Loader, error) {
	if cfg.MaxParallel < 0 {
		return nil, fmt.Errorf("max parallel must be >= 0")
	}
	var limiter chan struct{}
	if cfg.MaxParallel > 0 {
		limiter = make(chan struct{}, cfg.MaxParallel)
	}

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", "new"),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("hide-scrollbars", true),
		chromedp.Flag("enable-automation", false),
	)
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), opts...)

	return &Loader{
		cfg:         cfg,
		limiter:     limiter,
		allocator:   allocCtx,
		allocCancel: allocCancel,
	}, nil
}

// Close cancels the allocator context and shuts the browser down.
func (l *Loader) Close() {
	l.allocCancel()
}

// Load resolves once the browser has decoded the image at imageURL.
func (l *Loader) Load(ctx context.Context, imageURL string) error {
	_, err := l.Dimensions(ctx, imageURL)
	return err
}

// Dimensions loads imageURL and reports its natural size.
func (l *Loader) Dimensions(ctx context.Context, imageURL string) (Dimensions, error) {
	if err := l.acquire(ctx); err != nil {
		return Dimensions{}, err
	}
	defer l.release()

	taskCtx, taskCancel := chromedp.NewContext(l.allocator)
	defer taskCancel()
	// The task context descends from the allocator, not the caller, so the
	// caller's cancellation has to be forwarded.
	stop := context.AfterFunc(ctx, taskCancel)
	defer stop()

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		taskCtx, cancel = context.WithTimeout(taskCtx, l.loadTimeout())
		defer cancel()
	}

	script, err := loadImageScript(imageURL)
	if err != nil {
		return Dimensions{}, err
	}
	var dims Dimensions
	actions := []chromedp.Action{
		l.networkSetupAction(),
		chromedp.Navigate("about:blank"),
		chromedp.Evaluate(script, &dims, func(p *runtime.EvaluateParams) *runtime.EvaluateParams {
			return p.WithAwaitPromise(true)
		}),
	}
	if err := chromedp.Run(taskCtx, actions...); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return Dimensions{}, fmt.Errorf("image load canceled: %w", ctxErr)
		}
		var exc *runtime.ExceptionDetails
		if errors.As(err, &exc) {
			return Dimensions{}, fmt.Errorf("%w: %s", ErrImageNotLoaded, imageURL)
		}
		return Dimensions{}, fmt.Errorf("chromedp run: %w", err)
	}
	if dims.Width == 0 || dims.Height == 0 {
		return Dimensions{}, fmt.Errorf("%w: empty image at %s", ErrImageNotLoaded, imageURL)
	}
	return dims, nil
}

func (l *Loader) networkSetupAction() chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		if err := network.Enable().Do(ctx); err != nil {
			return fmt.Errorf("enable network domain: %w", err)
		}
		if l.cfg.UserAgent != "" {
			if err := emulation.SetUserAgentOverride(l.cfg.UserAgent).Do(ctx); err != nil {
				return fmt.Errorf("set user-agent: %w", err)
			}
		}
		return nil
	})
}

func (l *Loader) acquire(ctx context.Context) error {
	if l.limiter == nil {
		return nil
	}
	select {
	case l.limiter <- struct{}{}:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("headless slot wait canceled: %w", ctx.Err())
	}
}

func (l *Loader) release() {
	if l.limiter == nil {
		return
	}
	select {
	case <-l.limiter:
	default:
	}
}

func (l *Loader) loadTimeout() time.Duration {
	if l.cfg.LoadTimeout > 0 {
		return l.cfg.LoadTimeout
	}
	return 10 * time.Second
}

// loadImageScript returns a promise that settles on the image's load or error event.
func loadImageScript(imageURL string) (string, error) {
	if imageURL == "" {
		return "", errors.New("image url is required")
	}
	quoted, err := json.Marshal(imageURL)
	if err != nil {
		return "", fmt.Errorf("encode image url: %w", err)
	}
	return fmt.Sprintf(`new Promise((resolve, reject) => {
	const img = new Image();
	img.onload = () => resolve({width: img.naturalWidth, height: img.naturalHeight});
	img.onerror = () => reject(new Error("image failed to load"));
	img.src = %s;
})`, quoted), nil
}
