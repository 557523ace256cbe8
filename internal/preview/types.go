package preview

import (
	"net/http"
	"time"
)

// RenderResult is a reference to an image a provider is expected to produce.
// It carries no bytes; the provider may still fail to render.
type RenderResult struct {
	// RenderID identifies this resolution in logs, events, and notifications.
	RenderID string
	// ImageReference is the provider request URL the client should load.
	ImageReference string
	// SourceURL is the normalized page URL that was submitted.
	SourceURL TargetURL
	// ProviderName names the provider that owns ImageReference.
	ProviderName string
	// Flow is the flow the result was resolved under.
	Flow string
	// Note is optional flow-specific guidance for the caller.
	Note string
	// ProducedAt is when the resolver committed to ImageReference.
	ProducedAt time.Time
	// Attempts lists every candidate considered, in order.
	Attempts []ProbeAttempt
}

// ProbeAttempt records one candidate decision made by the resolver.
type ProbeAttempt struct {
	Provider   string
	RequestURL string
	Probed     bool // false when accepted without a liveness check
	StatusCode int
	Duration   time.Duration
	Err        error
}

// OK reports whether the attempt selected its candidate.
func (a ProbeAttempt) OK() bool {
	if !a.Probed {
		return a.Err == nil
	}
	return a.Err == nil && a.StatusCode >= 200 && a.StatusCode < 300
}

// HistoryEntry is one remembered submission.
type HistoryEntry struct {
	URL       string
	Timestamp time.Time
}

// DownloadKind tags how a download was materialized.
type DownloadKind string

// Supported download outcomes.
const (
	DownloadProxied          DownloadKind = "proxied"
	DownloadDirectFetched    DownloadKind = "direct"
	DownloadOpenedExternally DownloadKind = "external"
)

// DownloadOutcome is the tagged result of a successful download strategy.
// OpenedExternally carries no bytes and only guarantees a navigation occurred.
type DownloadOutcome struct {
	Kind     DownloadKind
	Bytes    int64
	Filename string
	Location string
}

// FetchRequest describes one outbound request to a provider.
type FetchRequest struct {
	// Method is GET when empty; HEAD is used for liveness probes.
	Method  string
	URL     string
	Headers http.Header
	Timeout time.Duration
}

// FetchResponse is the result returned by a Fetcher implementation.
type FetchResponse struct {
	URL        string
	StatusCode int
	Headers    http.Header
	Body       []byte
	Duration   time.Duration
}

// OK reports a 2xx status.
func (r FetchResponse) OK() bool {
	return r.StatusCode >= 200 && r.StatusCode < 300
}

// RenderNotification is published after a successful render resolution.
type RenderNotification struct {
	RenderID   string    `json:"render_id"`
	URL        string    `json:"url"`
	Screenshot string    `json:"screenshot"`
	Service    string    `json:"service"`
	Flow       string    `json:"flow"`
	Probed     bool      `json:"probed"`
	Attempts   int       `json:"attempts"`
	Timestamp  time.Time `json:"timestamp"`
}
