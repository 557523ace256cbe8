package memory

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

// TestBlobStorePutObjectCopiesData ensures callers cannot mutate stored bytes.
func TestBlobStorePutObjectCopiesData(t *testing.T) {
	t.Parallel()

	store := NewBlobStore()
	payload := []byte("content")
	uri, err := store.PutObject(context.Background(), "screenshot-1.png", "image/png", bytes.NewReader(payload))
	require.NoError(t, err)
	require.Equal(t, "memory://screenshot-1.png", uri)

	payload[0] = 'C'
	obj, ok := store.Get("screenshot-1.png")
	require.True(t, ok)
	require.Equal(t, "content", string(obj.Data))
	require.Equal(t, "image/png", obj.ContentType)

	obj.Data[0] = 'X'
	again, _ := store.Get("screenshot-1.png")
	require.Equal(t, "content", string(again.Data))
}

// TestBlobStorePaths lists every stored path.
func TestBlobStorePaths(t *testing.T) {
	t.Parallel()

	store := NewBlobStore()
	for _, p := range []string{"b.png", "a.png"} {
		_, err := store.PutObject(context.Background(), p, "image/png", bytes.NewReader(nil))
		require.NoError(t, err)
	}
	require.Equal(t, []string{"a.png", "b.png"}, store.Paths())

	_, ok := store.Get("missing.png")
	require.False(t, ok)
}
