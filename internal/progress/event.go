package progress

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Stage denotes the render lifecycle milestone represented by an Event.
type Stage string

// Supported progress stages.
const (
	StageRenderStart   Stage = "RENDER_START"
	StageProbeDone     Stage = "PROBE_DONE"
	StageRenderDone    Stage = "RENDER_DONE"
	StageRenderError   Stage = "RENDER_ERROR"
	StageDownloadDone  Stage = "DOWNLOAD_DONE"
	StageDownloadError Stage = "DOWNLOAD_ERROR"
)

// StatusClass is a coarse HTTP response grouping.
type StatusClass string

// Supported HTTP status classes.
const (
	Status2xx   StatusClass = "2xx"
	Status3xx   StatusClass = "3xx"
	Status4xx   StatusClass = "4xx"
	Status5xx   StatusClass = "5xx"
	StatusOther StatusClass = "other"
)

// Event captures one step of a render or download.
type Event struct {
	// RenderID correlates every event of one resolution or download.
	RenderID [16]byte
	// TS is the UTC timestamp recorded by the emitter.
	TS    time.Time
	Stage Stage
	// Flow is the provider flow ("standard", "fast", ...), empty for downloads.
	Flow string
	// Provider names the provider involved, when known.
	Provider string
	// URL is the page or image URL; it should not contain credentials.
	URL string
	// Bytes is the image size for downloads.
	Bytes       int64
	StatusClass StatusClass
	Dur         time.Duration
	// Note carries low-volume context such as error text.
	Note string
}

// Validate performs coarse validation on Event payloads.
func (e Event) Validate() error {
	if e.RenderID == [16]byte{} {
		return errors.New("render id is required")
	}
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	switch e.Stage {
	case StageRenderStart, StageRenderError, StageDownloadError:
	case StageRenderDone:
		if e.Provider == "" {
			return errors.New("render done requires provider")
		}
	case StageProbeDone:
		if e.Provider == "" {
			return errors.New("probe done requires provider")
		}
		if e.StatusClass == "" {
			return errors.New("probe done requires status class")
		}
	case StageDownloadDone:
		if e.StatusClass == "" {
			return errors.New("download done requires status class")
		}
	default:
		return fmt.Errorf("unknown stage %q", e.Stage)
	}
	if e.Dur < 0 {
		return errors.New("duration must be >= 0")
	}
	return nil
}

// RenderUUID converts the binary render ID to uuid.UUID.
func (e Event) RenderUUID() uuid.UUID {
	return uuid.UUID(e.RenderID)
}

// UUIDToBytes encodes a uuid.UUID into the Event form.
func UUIDToBytes(id uuid.UUID) [16]byte {
	var dest [16]byte
	copy(dest[:], id[:])
	return dest
}

// ClassifyStatus groups HTTP status codes. Zero (no response) is "other".
func ClassifyStatus(code int) StatusClass {
	switch {
	case code >= 200 && code < 300:
		return Status2xx
	case code >= 300 && code < 400:
		return Status3xx
	case code >= 400 && code < 500:
		return Status4xx
	case code >= 500 && code < 600:
		return Status5xx
	default:
		return StatusOther
	}
}
