package directory

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/petervdpas/callkit/internal/proto"
)

func TestLookup(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		switch r.URL.Path {
		case "/peers/alice":
			json.NewEncoder(w).Encode(proto.Identity{Name: "Alice", AvatarURL: "https://cdn/a.png"})
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	c := NewClient(srv.URL)
	ctx := context.Background()

	id := c.Lookup(ctx, "alice")
	assert.Equal(t, "Alice", id.Name)
	assert.Equal(t, "https://cdn/a.png", id.AvatarURL)

	// Second lookup comes from cache.
	c.Lookup(ctx, "alice")
	assert.Equal(t, int32(1), hits.Load())

	// Unknown peers fall back to id-as-name.
	id = c.Lookup(ctx, "ghost")
	assert.Equal(t, "ghost", id.Name)

	// Invalidate forces a refetch.
	before := hits.Load()
	c.Invalidate("alice")
	c.Lookup(ctx, "alice")
	assert.Equal(t, before+1, hits.Load())
}

func TestLookupWithoutDirectory(t *testing.T) {
	c := NewClient("")
	id := c.Lookup(context.Background(), "bob")
	require.Equal(t, "bob", id.Name)
}

func TestLookupDirectoryDown(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	srv.Close() // refuse connections

	c := NewClient(srv.URL)
	id := c.Lookup(context.Background(), "bob")
	assert.Equal(t, "bob", id.Name)
}
