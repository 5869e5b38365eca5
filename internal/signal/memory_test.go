package signal

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func recv(t *testing.T, sub Subscription) Message {
	t.Helper()
	select {
	case m, ok := <-sub.C():
		require.True(t, ok, "subscription closed early")
		return m
	case <-time.After(time.Second):
		t.Fatal("no message arrived")
		return Message{}
	}
}

func TestBusFanout(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	a, err := bus.Subscribe("room:x")
	require.NoError(t, err)
	b, err := bus.Subscribe("room:x")
	require.NoError(t, err)
	other, err := bus.Subscribe("room:y")
	require.NoError(t, err)

	require.NoError(t, bus.Publish(context.Background(), "room:x", []byte("hi")))

	assert.Equal(t, []byte("hi"), recv(t, a).Data)
	assert.Equal(t, []byte("hi"), recv(t, b).Data)

	select {
	case m := <-other.C():
		t.Fatalf("message leaked across topics: %q", m.Data)
	default:
	}
}

func TestBusOrderPerSender(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	sub, err := bus.Subscribe("room:x")
	require.NoError(t, err)

	for _, p := range []string{"1", "2", "3"} {
		require.NoError(t, bus.Publish(context.Background(), "room:x", []byte(p)))
	}

	assert.Equal(t, []byte("1"), recv(t, sub).Data)
	assert.Equal(t, []byte("2"), recv(t, sub).Data)
	assert.Equal(t, []byte("3"), recv(t, sub).Data)
}

func TestBusCancel(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	sub, err := bus.Subscribe("room:x")
	require.NoError(t, err)
	sub.Cancel()
	sub.Cancel() // idempotent

	_, ok := <-sub.C()
	assert.False(t, ok)

	// Publishing to a topic with no subscribers is fine.
	require.NoError(t, bus.Publish(context.Background(), "room:x", []byte("x")))
}

func TestBusClose(t *testing.T) {
	bus := NewBus()
	sub, err := bus.Subscribe("room:x")
	require.NoError(t, err)

	require.NoError(t, bus.Close())
	require.NoError(t, bus.Close())

	_, ok := <-sub.C()
	assert.False(t, ok)

	assert.Error(t, bus.Publish(context.Background(), "room:x", []byte("x")))
	_, err = bus.Subscribe("room:x")
	assert.Error(t, err)
}
