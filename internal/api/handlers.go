package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"github.com/JakeFAU/sitepeek/internal/hash/sha256"
	"github.com/JakeFAU/sitepeek/internal/preview"
	"github.com/JakeFAU/sitepeek/internal/telemetry"
)

// TimestampLayout is ISO 8601 with millisecond precision in UTC.
const TimestampLayout = "2006-01-02T15:04:05.000Z"

// Error messages returned to clients.
const (
	msgInvalidJSON      = "invalid JSON"
	msgRenderFailed     = "Failed to generate screenshot"
	msgDownloadFailed   = "Failed to download image"
	msgFetchImageFailed = "Failed to fetch image: "
)

type renderRequest struct {
	URL string `json:"url"`
}

// RenderResponse is the JSON body of a successful render.
type RenderResponse struct {
	Screenshot  string `json:"screenshot"`
	OriginalURL string `json:"originalUrl"`
	Timestamp   string `json:"timestamp"`
	Service     string `json:"service"`
	Note        string `json:"note,omitempty"`
}

type downloadRequest struct {
	ImageURL string `json:"imageUrl"`
}

// Descriptor documents an endpoint for GET callers.
type Descriptor struct {
	Message  string   `json:"message"`
	Usage    string   `json:"usage"`
	Features []string `json:"features,omitempty"`
	Method   string   `json:"method,omitempty"`
}

const renderUsage = `Send POST request with { "url": "https://example.com" }`

var (
	standardDescriptor = Descriptor{
		Message: "Screenshot API endpoint",
		Usage:   renderUsage,
	}
	fastDescriptor = Descriptor{
		Message:  "Fast Screenshot API endpoint",
		Usage:    renderUsage,
		Features: []string{"Optimized for speed", "Smaller image sizes", "Fast services only"},
	}
	simpleDescriptor = Descriptor{
		Message: "Simple Screenshot API endpoint",
		Usage:   renderUsage,
		Method:  "Uses query parameters to avoid Apache Tomcat encoding issues",
	}
	downloadDescriptor = Descriptor{
		Message: "Download API endpoint",
		Usage:   `Send POST request with { "imageUrl": "https://example.com/image.png" }`,
	}
)

func describe(d Descriptor) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, d)
	}
}

func (s *Server) render(flow string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req renderRequest
		if err := decodeBody(w, r, &req); err != nil {
			writeError(w, http.StatusBadRequest, msgInvalidJSON)
			return
		}
		target, err := preview.NormalizeURL(req.URL)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}

		result, err := s.renderer.Resolve(r.Context(), target, flow)
		if err != nil {
			s.writeRenderError(w, flow, target, err)
			return
		}

		w.Header().Set("X-Render-ID", result.RenderID)
		writeJSON(w, http.StatusOK, RenderResponse{
			Screenshot:  result.ImageReference,
			OriginalURL: result.SourceURL.String(),
			Timestamp:   result.ProducedAt.UTC().Format(TimestampLayout),
			Service:     result.ProviderName,
			Note:        result.Note,
		})
		s.notify(r.Context(), result)
	}
}

func (s *Server) writeRenderError(w http.ResponseWriter, flow string, target preview.TargetURL, err error) {
	switch {
	case preview.IsInvalidURL(err):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, preview.ErrAllProvidersUnavailable):
		s.logger.Warn("no provider available", zap.String("flow", flow), zap.String("url", target.String()))
		writeError(w, http.StatusServiceUnavailable, preview.ErrAllProvidersUnavailable.Error())
	default:
		s.logger.Error("render failed", zap.String("flow", flow), zap.String("url", target.String()), zap.Error(err))
		writeError(w, http.StatusInternalServerError, msgRenderFailed)
	}
}

func (s *Server) download(w http.ResponseWriter, r *http.Request) {
	var req downloadRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, msgInvalidJSON)
		return
	}
	img, err := s.retriever.Retrieve(r.Context(), req.ImageURL)
	if err != nil {
		status, msg := downloadErrorStatus(err)
		if status >= http.StatusInternalServerError {
			s.logger.Error("download failed", zap.String("image_url", req.ImageURL), zap.Error(err))
		}
		writeError(w, status, msg)
		return
	}

	h := w.Header()
	h.Set("Content-Type", img.ContentType)
	h.Set("Content-Length", strconv.Itoa(len(img.Body)))
	h.Set("Content-Disposition", `attachment; filename="`+img.Filename+`"`)
	h.Set("Cache-Control", "no-cache")
	h.Set("ETag", sha256.ETag(img.SHA256))
	h.Set("X-Image-Check", img.Check.String())
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(img.Body); err != nil {
		s.logger.Warn("write image failed", zap.Error(err))
	}
}

// downloadErrorStatus maps retrieval errors to the HTTP status and client message.
func downloadErrorStatus(err error) (int, string) {
	var upstream *preview.UpstreamFetchError
	switch {
	case errors.Is(err, preview.ErrMissingImageURL):
		return http.StatusBadRequest, preview.ErrMissingImageURL.Error()
	case errors.Is(err, preview.ErrInvalidImageURL):
		return http.StatusBadRequest, preview.ErrInvalidImageURL.Error()
	case errors.As(err, &upstream):
		switch {
		case upstream.StatusCode == 0:
			return http.StatusInternalServerError, msgDownloadFailed
		case upstream.StatusCode >= http.StatusBadRequest:
			return upstream.StatusCode, msgFetchImageFailed + strconv.Itoa(upstream.StatusCode)
		default:
			return http.StatusBadGateway, msgFetchImageFailed + strconv.Itoa(upstream.StatusCode)
		}
	default:
		return http.StatusInternalServerError, msgDownloadFailed
	}
}

// notify publishes a RenderNotification without holding up the response.
func (s *Server) notify(ctx context.Context, result preview.RenderResult) {
	topic := s.cfg.PubSub.TopicName
	if s.publisher == nil || topic == "" {
		return
	}
	msg := preview.RenderNotification{
		RenderID:   result.RenderID,
		URL:        result.SourceURL.String(),
		Screenshot: result.ImageReference,
		Service:    result.ProviderName,
		Flow:       result.Flow,
		Attempts:   len(result.Attempts),
		Timestamp:  result.ProducedAt.UTC(),
	}
	if n := len(result.Attempts); n > 0 {
		msg.Probed = result.Attempts[n-1].Probed
	}

	s.publishes.Add(1)
	go func() {
		defer s.publishes.Done()
		pubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), publishTimeout)
		defer cancel()
		_, err := s.publisher.Publish(pubCtx, topic, msg)
		telemetry.ObservePublish(err)
		if err != nil {
			s.logger.Warn("render notification failed", zap.String("render_id", msg.RenderID), zap.Error(err))
		}
	}()
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) error {
	body := http.MaxBytesReader(w, r.Body, maxRequestBody)
	return json.NewDecoder(body).Decode(dst)
}
