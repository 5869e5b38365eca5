package wsig

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/petervdpas/callkit/internal/signal"
)

func startRelay(t *testing.T) string {
	t.Helper()
	relay := NewRelay()
	srv := httptest.NewServer(http.HandlerFunc(relay.Handler))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func recv(t *testing.T, sub signal.Subscription) signal.Message {
	t.Helper()
	select {
	case m, ok := <-sub.C():
		require.True(t, ok, "subscription closed early")
		return m
	case <-time.After(2 * time.Second):
		t.Fatal("no message arrived")
		return signal.Message{}
	}
}

func TestPublishReachesSubscribers(t *testing.T) {
	url := startRelay(t)
	ctx := context.Background()

	a, err := Dial(ctx, url)
	require.NoError(t, err)
	defer a.Close()
	b, err := Dial(ctx, url)
	require.NoError(t, err)
	defer b.Close()

	subA, err := a.Subscribe("room:x")
	require.NoError(t, err)
	subB, err := b.Subscribe("room:x")
	require.NoError(t, err)
	time.Sleep(50 * time.Millisecond) // let the sub frames land

	require.NoError(t, a.Publish(ctx, "room:x", []byte("hello")))

	assert.Equal(t, []byte("hello"), recv(t, subB).Data)
	// Publisher's own subscription loops back, same as gossipsub.
	assert.Equal(t, []byte("hello"), recv(t, subA).Data)
}

func TestTopicsAreIsolated(t *testing.T) {
	url := startRelay(t)
	ctx := context.Background()

	a, err := Dial(ctx, url)
	require.NoError(t, err)
	defer a.Close()

	other, err := a.Subscribe("room:other")
	require.NoError(t, err)
	time.Sleep(50 * time.Millisecond)

	require.NoError(t, a.Publish(ctx, "room:x", []byte("nope")))

	select {
	case m := <-other.C():
		t.Fatalf("message leaked across topics: %q", m.Data)
	case <-time.After(150 * time.Millisecond):
	}
}

func TestCancelStopsDelivery(t *testing.T) {
	url := startRelay(t)
	ctx := context.Background()

	a, err := Dial(ctx, url)
	require.NoError(t, err)
	defer a.Close()

	sub, err := a.Subscribe("room:x")
	require.NoError(t, err)
	time.Sleep(50 * time.Millisecond)
	sub.Cancel()
	sub.Cancel() // idempotent

	_, ok := <-sub.C()
	assert.False(t, ok, "cancel must close the channel")
}

func TestPublishAfterCloseFails(t *testing.T) {
	url := startRelay(t)
	ctx := context.Background()

	a, err := Dial(ctx, url)
	require.NoError(t, err)
	require.NoError(t, a.Close())

	assert.Error(t, a.Publish(ctx, "room:x", []byte("x")))
	_, err = a.Subscribe("room:x")
	assert.Error(t, err)
}
