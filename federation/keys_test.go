package federation

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/cloudillo/cloudillo/clock"
)

type fakeAddrResolver struct{ base string }

func (r fakeAddrResolver) ResolveInbox(ctx context.Context, idTag string) (string, error) {
	return r.base, nil
}

func TestHTTPKeyResolverCachesWithinTTL(t *testing.T) {
	key := make([]byte, 32)
	for i := range key {
		key[i] = byte(i)
	}
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		json.NewEncoder(w).Encode(keyResponse{Key: key})
	}))
	defer srv.Close()

	c := clock.NewFixed(1000)
	resolver := &HTTPKeyResolver{
		Client: srv.Client(),
		Addr:   fakeAddrResolver{base: srv.URL},
		Clock:  c,
		TTL:    3600,
		cache:  make(map[string]cachedKey),
	}

	pub, err := resolver.ResolveKey(context.Background(), "alice.example.net")
	require.NoError(t, err)
	require.Equal(t, key, []byte(pub))
	require.EqualValues(t, 1, atomic.LoadInt32(&hits))

	_, err = resolver.ResolveKey(context.Background(), "alice.example.net")
	require.NoError(t, err)
	require.EqualValues(t, 1, atomic.LoadInt32(&hits), "a second lookup within the TTL must hit the cache, not the network")

	c.Advance(2 * time.Hour)
	_, err = resolver.ResolveKey(context.Background(), "alice.example.net")
	require.NoError(t, err)
	require.EqualValues(t, 2, atomic.LoadInt32(&hits), "a lookup past the TTL must refetch")
}

func TestHTTPKeyResolverPropagatesNonOKStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	resolver := NewHTTPKeyResolver(srv.Client(), fakeAddrResolver{base: srv.URL})
	_, err := resolver.ResolveKey(context.Background(), "bob.example.net")
	require.Error(t, err)
}
