// Package imagecheck implements an advisory heuristic for "does this look
// like a real screenshot". Results are reported, never enforced.
package imagecheck

import (
	"bytes"
	"fmt"
	"image"
	"mime"
	"strings"

	// Decoders registered for image.DecodeConfig.
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
)

// MinBytes is the smallest body considered a plausible screenshot.
const MinBytes = 1000

// Result describes the outcome of Check.
type Result struct {
	Valid  bool
	Reason string
	Format string
	Width  int
	Height int
}

// String renders the result for the X-Image-Check header and logs.
func (r Result) String() string {
	if r.Valid {
		return fmt.Sprintf("ok; format=%s; size=%dx%d", r.Format, r.Width, r.Height)
	}
	return "suspect; " + r.Reason
}

// Check requires an image/* content type, more than MinBytes of body, and a
// header one of the registered decoders can parse.
func Check(contentType string, body []byte) Result {
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		mediaType = strings.ToLower(strings.TrimSpace(contentType))
	}
	if !strings.HasPrefix(mediaType, "image/") {
		return Result{Reason: fmt.Sprintf("content type %q is not an image", contentType)}
	}
	if len(body) <= MinBytes {
		return Result{Reason: fmt.Sprintf("body too small (%d bytes)", len(body))}
	}
	cfg, format, err := image.DecodeConfig(bytes.NewReader(body))
	if err != nil {
		return Result{Reason: "undecodable image header: " + err.Error()}
	}
	return Result{
		Valid:  true,
		Format: format,
		Width:  cfg.Width,
		Height: cfg.Height,
	}
}
