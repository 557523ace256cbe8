package preview

import (
	"context"
	"io"
	"time"
)

// Fetcher issues GET or HEAD requests against provider URLs.
type Fetcher interface {
	Fetch(ctx context.Context, request FetchRequest) (FetchResponse, error)
}

// BlobStore writes downloaded images and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data io.Reader) (string, error)
}

// Publisher pushes render notifications to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Hasher computes content digests.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces render IDs and filename tokens.
type IDGenerator interface {
	NewID() (string, error)
}

// HostLimiter meters outbound requests per host.
type HostLimiter interface {
	Allow(rawURL string) bool
	Wait(ctx context.Context, rawURL string) error
}
