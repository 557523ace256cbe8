package orchestrator

import (
	"time"

	"github.com/JakeFAU/sitepeek/internal/preview"
)

// State is the session's position in its lifecycle.
type State string

// Session states.
const (
	StateIdle         State = "idle"
	StateRequesting   State = "requesting"
	StateImageLoading State = "image_loading"
	StateFailed       State = "failed"
)

// FailureKind classifies why an attempt ended in StateFailed.
type FailureKind string

// Failure kinds.
const (
	FailureInvalidURL       FailureKind = "invalid_url"
	FailureRequestTimeout   FailureKind = "request_timeout"
	FailureRequestFailed    FailureKind = "request_failed"
	FailureImageLoadTimeout FailureKind = "image_load_timeout"
	FailureImageLoadError   FailureKind = "image_load_error"
)

// User-facing failure messages.
const (
	MsgRequestTimeout   = "Screenshot generation timed out. The website might be slow to load. Please try again."
	MsgRequestFailed    = "Failed to generate screenshot"
	MsgImageLoadTimeout = "Image loading timed out. The screenshot service might be slow. Please try again."
	MsgImageLoadError   = "Failed to load screenshot image. The service might be slow or unavailable. Please try again."
	MsgDownloadFailed   = `Download failed. Please try "Open in New Tab" and save manually.`
)

// Failure is the user-facing error of a failed attempt.
type Failure struct {
	Kind    FailureKind
	Message string
}

func (f *Failure) Error() string {
	return f.Message
}

// Snapshot is an immutable view of the session. Failure is non-nil only in
// StateFailed; Result is non-nil once the API has answered.
type Snapshot struct {
	State     State
	Progress  float64
	Result    *preview.RenderResult
	Failure   *Failure
	AttemptID uint64
	// APIElapsed is the render call's wall time.
	APIElapsed time.Duration
	// TotalElapsed spans submit to image loaded; set on success only.
	TotalElapsed time.Duration
}

func (s Snapshot) clone() Snapshot {
	if s.Result != nil {
		r := *s.Result
		s.Result = &r
	}
	if s.Failure != nil {
		f := *s.Failure
		s.Failure = &f
	}
	return s
}
