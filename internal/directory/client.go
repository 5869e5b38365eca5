// Package directory resolves peer ids to display identity via a small HTTP
// lookup service.  Lookups are cached; a missing or unreachable directory
// degrades to id-as-name rather than failing the call.
package directory

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/petervdpas/callkit/internal/proto"
	"github.com/petervdpas/callkit/internal/util"
)

const cacheTTL = 5 * time.Minute

type cacheEntry struct {
	id      proto.Identity
	fetched time.Time
}

type Client struct {
	BaseURL string
	HTTP    *http.Client

	mu    sync.Mutex
	cache map[string]cacheEntry
}

func NewClient(baseURL string) *Client {
	return &Client{
		BaseURL: util.NormalizeURL(baseURL),
		HTTP: &http.Client{
			Timeout: 10 * time.Second,
		},
		cache: make(map[string]cacheEntry),
	}
}

// getJSON performs a GET request, drains the response body, and decodes JSON
// into v. Returns (true, nil) on 2xx, (false, nil) on 404, and (false, err)
// on other non-2xx status or transport/decode errors.
func (c *Client) getJSON(ctx context.Context, u string, v any) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return false, err
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return false, err
	}
	defer func() {
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
	}()

	if resp.StatusCode == http.StatusNotFound {
		return false, nil
	}
	if resp.StatusCode/100 != 2 {
		return false, fmt.Errorf("GET %s: status %s", u, resp.Status)
	}
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return false, err
	}
	return true, nil
}

// Lookup resolves a peer id to its display identity.  Unknown peers and
// directory outages yield an identity with the id as name — the caller
// always gets something renderable.
func (c *Client) Lookup(ctx context.Context, peerID string) proto.Identity {
	fallback := proto.Identity{Name: peerID}
	if c.BaseURL == "" || peerID == "" {
		return fallback
	}

	c.mu.Lock()
	if e, ok := c.cache[peerID]; ok && time.Since(e.fetched) < cacheTTL {
		c.mu.Unlock()
		return e.id
	}
	c.mu.Unlock()

	var id proto.Identity
	found, err := c.getJSON(ctx, c.BaseURL+"/peers/"+url.PathEscape(peerID), &id)
	if err != nil {
		return fallback
	}
	if !found || id.Name == "" {
		id = fallback
	}

	c.mu.Lock()
	c.cache[peerID] = cacheEntry{id: id, fetched: time.Now()}
	c.mu.Unlock()
	return id
}

// Invalidate drops a cached identity so the next lookup refetches.
func (c *Client) Invalidate(peerID string) {
	c.mu.Lock()
	delete(c.cache, peerID)
	c.mu.Unlock()
}
