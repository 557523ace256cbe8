package orchestrator

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/pkg/browser"
	"go.uber.org/zap"

	"github.com/JakeFAU/sitepeek/internal/client"
	"github.com/JakeFAU/sitepeek/internal/id/uuid"
	"github.com/JakeFAU/sitepeek/internal/imagecheck"
	"github.com/JakeFAU/sitepeek/internal/preview"
	"github.com/JakeFAU/sitepeek/internal/proxy"
)

// ErrDownloadFailed is returned once every download strategy has failed.
var ErrDownloadFailed = errors.New(MsgDownloadFailed)

// DownloadClient retrieves image bytes through the API proxy.
type DownloadClient interface {
	Download(ctx context.Context, imageURL string) (client.Payload, error)
}

// Opener hands a URL to the user's browser.
type Opener func(url string) error

// Downloader saves a screenshot using proxy, direct, then external strategies.
type Downloader struct {
	proxy   DownloadClient
	fetcher preview.Fetcher
	open    Opener
	store   preview.BlobStore
	ids     preview.IDGenerator
	logger  *zap.Logger
}

// NewDownloader constructs a Downloader. A nil proxy or fetcher skips that
// strategy; a nil opener defaults to the system browser and nil ids to
// random UUIDs.
func NewDownloader(
	proxyClient DownloadClient,
	fetcher preview.Fetcher,
	open Opener,
	store preview.BlobStore,
	ids preview.IDGenerator,
	logger *zap.Logger,
) *Downloader {
	if open == nil {
		open = browser.OpenURL
	}
	if ids == nil {
		ids = uuid.NewRandom()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Downloader{
		proxy:   proxyClient,
		fetcher: fetcher,
		open:    open,
		store:   store,
		ids:     ids,
		logger:  logger.Named("downloader"),
	}
}

type strategy struct {
	kind preview.DownloadKind
	run  func(context.Context, string) (preview.DownloadOutcome, error)
}

// Download tries each strategy in order. Failures are logged and the next
// strategy runs; ErrDownloadFailed is returned when none succeed.
func (d *Downloader) Download(ctx context.Context, imageURL string) (preview.DownloadOutcome, error) {
	if imageURL == "" {
		return preview.DownloadOutcome{}, ErrNothingToDownload
	}
	var strategies []strategy
	if d.proxy != nil && d.store != nil {
		strategies = append(strategies, strategy{preview.DownloadProxied, d.viaProxy})
	}
	if d.fetcher != nil && d.store != nil {
		strategies = append(strategies, strategy{preview.DownloadDirectFetched, d.direct})
	}
	strategies = append(strategies, strategy{preview.DownloadOpenedExternally, d.external})

	for _, s := range strategies {
		if err := ctx.Err(); err != nil {
			return preview.DownloadOutcome{}, fmt.Errorf("download: %w", err)
		}
		outcome, err := s.run(ctx, imageURL)
		if err == nil {
			d.logger.Info("download complete",
				zap.String("strategy", string(s.kind)),
				zap.Int64("bytes", outcome.Bytes),
				zap.String("location", outcome.Location),
			)
			return outcome, nil
		}
		d.logger.Warn("download strategy failed", zap.String("strategy", string(s.kind)), zap.Error(err))
	}
	return preview.DownloadOutcome{}, ErrDownloadFailed
}

func (d *Downloader) viaProxy(ctx context.Context, imageURL string) (preview.DownloadOutcome, error) {
	payload, err := d.proxy.Download(ctx, imageURL)
	if err != nil {
		return preview.DownloadOutcome{}, err
	}
	d.logger.Debug("proxy image check", zap.String("check", payload.ImageCheck))
	return d.save(ctx, preview.DownloadProxied, payload.Body, payload.ContentType)
}

func (d *Downloader) direct(ctx context.Context, imageURL string) (preview.DownloadOutcome, error) {
	resp, err := d.fetcher.Fetch(ctx, preview.FetchRequest{
		Method:  http.MethodGet,
		URL:     imageURL,
		Headers: http.Header{"User-Agent": {proxy.DefaultUserAgent}},
	})
	if err != nil {
		return preview.DownloadOutcome{}, err
	}
	if !resp.OK() {
		return preview.DownloadOutcome{}, &preview.UpstreamFetchError{URL: imageURL, StatusCode: resp.StatusCode}
	}
	if len(resp.Body) == 0 {
		return preview.DownloadOutcome{}, ErrEmptyImage
	}
	contentType := resp.Headers.Get("Content-Type")
	d.logger.Debug("direct image check", zap.Stringer("check", imagecheck.Check(contentType, resp.Body)))
	return d.save(ctx, preview.DownloadDirectFetched, resp.Body, contentType)
}

func (d *Downloader) external(_ context.Context, imageURL string) (preview.DownloadOutcome, error) {
	if err := d.open(imageURL); err != nil {
		return preview.DownloadOutcome{}, fmt.Errorf("open in browser: %w", err)
	}
	return preview.DownloadOutcome{Kind: preview.DownloadOpenedExternally, Location: imageURL}, nil
}

func (d *Downloader) save(
	ctx context.Context,
	kind preview.DownloadKind,
	body []byte,
	contentType string,
) (preview.DownloadOutcome, error) {
	if len(body) == 0 {
		return preview.DownloadOutcome{}, ErrEmptyImage
	}
	token, err := d.ids.NewID()
	if err != nil {
		return preview.DownloadOutcome{}, err
	}
	if contentType == "" {
		contentType = "image/png"
	}
	filename := "screenshot-" + token + ".png"
	location, err := d.store.PutObject(ctx, filename, contentType, bytes.NewReader(body))
	if err != nil {
		return preview.DownloadOutcome{}, fmt.Errorf("save %s: %w", filename, err)
	}
	return preview.DownloadOutcome{
		Kind:     kind,
		Bytes:    int64(len(body)),
		Filename: filename,
		Location: location,
	}, nil
}
