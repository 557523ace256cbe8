package preview

import (
	"errors"
	"fmt"
)

// Client-visible error taxonomy.
var (
	// ErrMissingURL is returned when the submitted URL is empty.
	ErrMissingURL = errors.New("URL is required")
	// ErrInvalidURL is returned when the normalized URL does not parse.
	ErrInvalidURL = errors.New("Invalid URL format") //nolint:staticcheck // surfaced verbatim to clients
	// ErrAllProvidersUnavailable is returned when every candidate in a flow failed its probe.
	ErrAllProvidersUnavailable = errors.New(
		"All screenshot services are currently unavailable. Please try again later.", //nolint:staticcheck // surfaced verbatim
	)
	// ErrUnknownFlow is returned for flow names missing from the registry.
	ErrUnknownFlow = errors.New("unknown flow")
	// ErrMissingImageURL is returned when a download names no image.
	ErrMissingImageURL = errors.New("Image URL is required") //nolint:staticcheck // surfaced verbatim to clients
	// ErrInvalidImageURL is returned when a download names a non-http(s) image.
	ErrInvalidImageURL = errors.New("Invalid image URL") //nolint:staticcheck // surfaced verbatim to clients
)

// IsInvalidURL reports whether err stems from malformed or missing user input.
func IsInvalidURL(err error) bool {
	return errors.Is(err, ErrMissingURL) || errors.Is(err, ErrInvalidURL)
}

// UpstreamFetchError reports a failed fetch against a provider-hosted image.
// StatusCode is zero when the upstream could not be reached at all.
type UpstreamFetchError struct {
	URL        string
	StatusCode int
	Err        error
}

func (e *UpstreamFetchError) Error() string {
	if e.StatusCode == 0 {
		if e.Err != nil {
			return fmt.Sprintf("Failed to download image: %v", e.Err)
		}
		return "Failed to download image"
	}
	return fmt.Sprintf("Failed to fetch image: %d", e.StatusCode)
}

func (e *UpstreamFetchError) Unwrap() error {
	return e.Err
}
