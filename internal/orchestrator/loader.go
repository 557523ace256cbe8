package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"go.uber.org/zap"

	"github.com/JakeFAU/sitepeek/internal/imagecheck"
	"github.com/JakeFAU/sitepeek/internal/preview"
)

// ErrEmptyImage is returned when an image reference answers with no bytes.
var ErrEmptyImage = errors.New("image reference returned an empty body")

// HTTPLoader treats an image as loaded once a GET returns 2xx with a body.
// It is the fallback when no headless browser is available.
type HTTPLoader struct {
	fetcher preview.Fetcher
	logger  *zap.Logger
}

// NewHTTPLoader constructs an HTTPLoader.
func NewHTTPLoader(fetcher preview.Fetcher, logger *zap.Logger) *HTTPLoader {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HTTPLoader{fetcher: fetcher, logger: logger.Named("http_loader")}
}

// Load fetches imageURL and checks the response looks like an image. The
// check result is logged; it never fails the load.
func (l *HTTPLoader) Load(ctx context.Context, imageURL string) error {
	resp, err := l.fetcher.Fetch(ctx, preview.FetchRequest{Method: http.MethodGet, URL: imageURL})
	if err != nil {
		return fmt.Errorf("load image: %w", err)
	}
	if !resp.OK() {
		return fmt.Errorf("load image: unexpected status %d", resp.StatusCode)
	}
	if len(resp.Body) == 0 {
		return ErrEmptyImage
	}
	check := imagecheck.Check(resp.Headers.Get("Content-Type"), resp.Body)
	l.logger.Debug("image loaded",
		zap.String("url", imageURL),
		zap.Int("bytes", len(resp.Body)),
		zap.Stringer("check", check),
	)
	return nil
}
