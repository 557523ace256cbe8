package preview

import (
	"net/url"
	"strings"
)

const defaultScheme = "https://"

// TargetURL is a validated absolute http or https URL. The zero value is not
// usable; construct one with NormalizeURL.
type TargetURL struct {
	raw    string
	parsed *url.URL
}

// NormalizeURL trims raw, prepends https:// when no http(s) scheme is present,
// and parses the result as an absolute URL.
func NormalizeURL(raw string) (TargetURL, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return TargetURL{}, ErrMissingURL
	}
	if !hasHTTPScheme(trimmed) {
		trimmed = defaultScheme + trimmed
	}
	parsed, err := url.Parse(trimmed)
	if err != nil {
		return TargetURL{}, ErrInvalidURL
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return TargetURL{}, ErrInvalidURL
	}
	if parsed.Hostname() == "" || parsed.Opaque != "" {
		return TargetURL{}, ErrInvalidURL
	}
	return TargetURL{raw: trimmed, parsed: parsed}, nil
}

func hasHTTPScheme(s string) bool {
	lower := strings.ToLower(s)
	return strings.HasPrefix(lower, "http://") || strings.HasPrefix(lower, "https://")
}

// String returns the normalized text exactly as it will be embedded in
// provider request URLs.
func (t TargetURL) String() string {
	return t.raw
}

// IsZero reports whether t was never produced by NormalizeURL.
func (t TargetURL) IsZero() bool {
	return t.parsed == nil
}

// Hostname returns the lower-cased host without port.
func (t TargetURL) Hostname() string {
	if t.parsed == nil {
		return ""
	}
	return strings.ToLower(t.parsed.Hostname())
}
