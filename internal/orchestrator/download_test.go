package orchestrator

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/sitepeek/internal/client"
	"github.com/JakeFAU/sitepeek/internal/preview"
	"github.com/JakeFAU/sitepeek/internal/storage/memory"
)

type proxyFunc func(ctx context.Context, imageURL string) (client.Payload, error)

func (f proxyFunc) Download(ctx context.Context, imageURL string) (client.Payload, error) {
	return f(ctx, imageURL)
}

type fetchFunc func(ctx context.Context, req preview.FetchRequest) (preview.FetchResponse, error)

func (f fetchFunc) Fetch(ctx context.Context, req preview.FetchRequest) (preview.FetchResponse, error) {
	return f(ctx, req)
}

type recordingOpener struct {
	mu   sync.Mutex
	urls []string
	err  error
}

func (o *recordingOpener) Open(url string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.urls = append(o.urls, url)
	return o.err
}

type fixedIDs string

func (f fixedIDs) NewID() (string, error) { return string(f), nil }

const imageRef = "https://image.thum.io/get/https%3A%2F%2Fexample.com"

func failingProxy() proxyFunc {
	return func(context.Context, string) (client.Payload, error) {
		return client.Payload{}, &client.APIError{StatusCode: http.StatusBadGateway, Message: "Failed to fetch image: 502"}
	}
}

func failingFetcher() fetchFunc {
	return func(context.Context, preview.FetchRequest) (preview.FetchResponse, error) {
		return preview.FetchResponse{}, errors.New("blocked by CORS")
	}
}

// TestDownloadProxied saves proxy bytes under a random token.
func TestDownloadProxied(t *testing.T) {
	t.Parallel()

	store := memory.NewBlobStore()
	opener := &recordingOpener{}
	proxy := proxyFunc(func(_ context.Context, imageURL string) (client.Payload, error) {
		require.Equal(t, imageRef, imageURL)
		return client.Payload{Body: []byte("png-bytes"), ContentType: "image/png"}, nil
	})
	d := NewDownloader(proxy, failingFetcher(), opener.Open, store, fixedIDs("abc123"), nil)

	outcome, err := d.Download(context.Background(), imageRef)
	require.NoError(t, err)
	require.Equal(t, preview.DownloadProxied, outcome.Kind)
	require.Equal(t, int64(len("png-bytes")), outcome.Bytes)
	require.Equal(t, "screenshot-abc123.png", outcome.Filename)
	require.Equal(t, "memory://screenshot-abc123.png", outcome.Location)

	obj, ok := store.Get("screenshot-abc123.png")
	require.True(t, ok)
	require.Equal(t, []byte("png-bytes"), obj.Data)
	require.Equal(t, "image/png", obj.ContentType)
	require.Empty(t, opener.urls)
}

// TestDownloadFallsBackToDirect fetches the reference when the proxy fails.
func TestDownloadFallsBackToDirect(t *testing.T) {
	t.Parallel()

	store := memory.NewBlobStore()
	var gotReq preview.FetchRequest
	fetcher := fetchFunc(func(_ context.Context, req preview.FetchRequest) (preview.FetchResponse, error) {
		gotReq = req
		return preview.FetchResponse{
			StatusCode: http.StatusOK,
			Headers:    http.Header{"Content-Type": {"image/jpeg"}},
			Body:       []byte("jpeg-bytes"),
		}, nil
	})
	d := NewDownloader(failingProxy(), fetcher, (&recordingOpener{}).Open, store, nil, nil)

	outcome, err := d.Download(context.Background(), imageRef)
	require.NoError(t, err)
	require.Equal(t, preview.DownloadDirectFetched, outcome.Kind)
	require.True(t, strings.HasPrefix(outcome.Filename, "screenshot-"))
	require.True(t, strings.HasSuffix(outcome.Filename, ".png"))
	require.Equal(t, http.MethodGet, gotReq.Method)
	require.Equal(t, imageRef, gotReq.URL)
	require.NotEmpty(t, gotReq.Headers.Get("User-Agent"))

	obj, ok := store.Get(outcome.Filename)
	require.True(t, ok)
	require.Equal(t, "image/jpeg", obj.ContentType)
}

// TestDownloadDirectRejectsErrorStatus moves on to opening externally.
func TestDownloadDirectRejectsErrorStatus(t *testing.T) {
	t.Parallel()

	opener := &recordingOpener{}
	fetcher := fetchFunc(func(context.Context, preview.FetchRequest) (preview.FetchResponse, error) {
		return preview.FetchResponse{StatusCode: http.StatusNotFound, Body: []byte("nope")}, nil
	})
	d := NewDownloader(failingProxy(), fetcher, opener.Open, memory.NewBlobStore(), nil, nil)

	outcome, err := d.Download(context.Background(), imageRef)
	require.NoError(t, err)
	require.Equal(t, preview.DownloadOpenedExternally, outcome.Kind)
	require.Equal(t, imageRef, outcome.Location)
	require.Zero(t, outcome.Bytes)
	require.Equal(t, []string{imageRef}, opener.urls)
}

// TestDownloadExhausted reports the manual-save message.
func TestDownloadExhausted(t *testing.T) {
	t.Parallel()

	opener := &recordingOpener{err: errors.New("no browser")}
	d := NewDownloader(failingProxy(), failingFetcher(), opener.Open, memory.NewBlobStore(), nil, nil)

	_, err := d.Download(context.Background(), imageRef)
	require.ErrorIs(t, err, ErrDownloadFailed)
	require.Equal(t, MsgDownloadFailed, err.Error())
	require.Len(t, opener.urls, 1)
}

// TestDownloadWithoutStoreOpensExternally skips byte strategies.
func TestDownloadWithoutStoreOpensExternally(t *testing.T) {
	t.Parallel()

	opener := &recordingOpener{}
	proxyCalled := false
	proxy := proxyFunc(func(context.Context, string) (client.Payload, error) {
		proxyCalled = true
		return client.Payload{}, nil
	})
	d := NewDownloader(proxy, nil, opener.Open, nil, nil, nil)

	outcome, err := d.Download(context.Background(), imageRef)
	require.NoError(t, err)
	require.Equal(t, preview.DownloadOpenedExternally, outcome.Kind)
	require.False(t, proxyCalled)
}

// TestDownloadEmptyProxyBodyFallsThrough treats zero bytes as a failure.
func TestDownloadEmptyProxyBodyFallsThrough(t *testing.T) {
	t.Parallel()

	opener := &recordingOpener{}
	proxy := proxyFunc(func(context.Context, string) (client.Payload, error) {
		return client.Payload{ContentType: "image/png"}, nil
	})
	d := NewDownloader(proxy, nil, opener.Open, memory.NewBlobStore(), nil, nil)

	outcome, err := d.Download(context.Background(), imageRef)
	require.NoError(t, err)
	require.Equal(t, preview.DownloadOpenedExternally, outcome.Kind)
}

// TestDownloadCanceledContext stops before trying further strategies.
func TestDownloadCanceledContext(t *testing.T) {
	t.Parallel()

	opener := &recordingOpener{}
	d := NewDownloader(failingProxy(), failingFetcher(), opener.Open, memory.NewBlobStore(), nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := d.Download(ctx, imageRef)
	require.ErrorIs(t, err, context.Canceled)
	require.Empty(t, opener.urls)
}

// TestSessionDownloadUsesCurrentResult downloads the loaded screenshot.
func TestSessionDownloadUsesCurrentResult(t *testing.T) {
	t.Parallel()

	store := memory.NewBlobStore()
	var requested string
	proxy := proxyFunc(func(_ context.Context, imageURL string) (client.Payload, error) {
		requested = imageURL
		return client.Payload{Body: []byte("bytes"), ContentType: "image/png"}, nil
	})
	var calls int
	d := NewDownloader(proxy, nil, (&recordingOpener{}).Open, store, fixedIDs("tok"), nil)
	s := NewSession(okRenderer(&calls), okLoader(), nil, d, nil, nil, Config{}, nil)

	_, err := s.Submit(context.Background(), "example.com")
	require.NoError(t, err)

	outcome, err := s.Download(context.Background())
	require.NoError(t, err)
	require.Equal(t, preview.DownloadProxied, outcome.Kind)
	require.Equal(t, "https://image.thum.io/get/https://example.com", requested)
	require.Equal(t, []string{"screenshot-tok.png"}, store.Paths())
}
