// Package client calls the sitepeek HTTP API.
package client

import (
	"context"
	"errors"
	"fmt"
	"mime"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/JakeFAU/sitepeek/internal/api"
	"github.com/JakeFAU/sitepeek/internal/preview"
	"github.com/JakeFAU/sitepeek/internal/provider"
)

// DefaultTimeout bounds a single API call when the caller sets no deadline.
const DefaultTimeout = 30 * time.Second

// Config controls the API client.
type Config struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
}

// APIError is a non-2xx response from the API.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("api returned status %d", e.StatusCode)
	}
	return e.Message
}

// Unwrap maps well-known server messages back to their sentinels.
func (e *APIError) Unwrap() error {
	for _, sentinel := range []error{
		preview.ErrMissingURL,
		preview.ErrInvalidURL,
		preview.ErrAllProvidersUnavailable,
		preview.ErrMissingImageURL,
		preview.ErrInvalidImageURL,
	} {
		if e.Message == sentinel.Error() {
			return sentinel
		}
	}
	return nil
}

// Payload is a downloaded image.
type Payload struct {
	Body        []byte
	ContentType string
	Filename    string
	ImageCheck  string
}

// Client wraps a resty client bound to the API base URL.
type Client struct {
	http *resty.Client
}

// New constructs a Client.
func New(cfg Config) (*Client, error) {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		return nil, errors.New("base url is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	rc := resty.New().
		SetBaseURL(strings.TrimRight(cfg.BaseURL, "/")).
		SetTimeout(cfg.Timeout).
		SetHeader("Accept", "application/json")
	if cfg.APIKey != "" {
		rc.SetHeader("X-API-Key", cfg.APIKey)
	}
	return &Client{http: rc}, nil
}

type errorBody struct {
	Error string `json:"error"`
}

// RenderPath returns the API route for flow.
func RenderPath(flow string) string {
	switch flow {
	case "", provider.FlowStandard:
		return "/render"
	default:
		return "/render-" + flow
	}
}

// Render asks the API to resolve rawURL under flow.
func (c *Client) Render(ctx context.Context, flow, rawURL string) (preview.RenderResult, error) {
	var (
		out     api.RenderResponse
		failure errorBody
	)
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(map[string]string{"url": rawURL}).
		SetResult(&out).
		SetError(&failure).
		Post(RenderPath(flow))
	if err != nil {
		return preview.RenderResult{}, fmt.Errorf("render request: %w", err)
	}
	if resp.IsError() {
		return preview.RenderResult{}, &APIError{StatusCode: resp.StatusCode(), Message: failure.Error}
	}

	target, err := preview.NormalizeURL(out.OriginalURL)
	if err != nil {
		return preview.RenderResult{}, fmt.Errorf("decode originalUrl %q: %w", out.OriginalURL, err)
	}
	producedAt, err := time.Parse(api.TimestampLayout, out.Timestamp)
	if err != nil {
		producedAt = time.Now().UTC()
	}
	if flow == "" {
		flow = provider.FlowStandard
	}
	return preview.RenderResult{
		RenderID:       resp.Header().Get("X-Render-ID"),
		ImageReference: out.Screenshot,
		SourceURL:      target,
		ProviderName:   out.Service,
		Flow:           flow,
		Note:           out.Note,
		ProducedAt:     producedAt,
	}, nil
}

// Download asks the API to proxy imageURL.
func (c *Client) Download(ctx context.Context, imageURL string) (Payload, error) {
	var failure errorBody
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeader("Accept", "image/*,application/json").
		SetBody(map[string]string{"imageUrl": imageURL}).
		SetError(&failure).
		Post("/download")
	if err != nil {
		return Payload{}, fmt.Errorf("download request: %w", err)
	}
	if resp.IsError() {
		return Payload{}, &APIError{StatusCode: resp.StatusCode(), Message: failure.Error}
	}
	if resp.StatusCode() != http.StatusOK {
		return Payload{}, &APIError{StatusCode: resp.StatusCode()}
	}
	body := resp.Body()
	if len(body) == 0 {
		return Payload{}, errors.New("download returned an empty body")
	}
	return Payload{
		Body:        body,
		ContentType: resp.Header().Get("Content-Type"),
		Filename:    attachmentName(resp.Header().Get("Content-Disposition")),
		ImageCheck:  resp.Header().Get("X-Image-Check"),
	}, nil
}

func attachmentName(disposition string) string {
	if disposition == "" {
		return ""
	}
	_, params, err := mime.ParseMediaType(disposition)
	if err != nil {
		return ""
	}
	return params["filename"]
}
