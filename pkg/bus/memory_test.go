package bus

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestMemory_FanoutExcludesSender(t *testing.T) {
	hub := NewMemory()
	a := hub.Endpoint()
	b := hub.Endpoint()
	c := hub.Endpoint()

	var mu sync.Mutex
	got := map[string][]string{}
	record := func(name string) Handler {
		return func(msg Message) {
			mu.Lock()
			got[name] = append(got[name], msg.Type)
			mu.Unlock()
		}
	}
	a.Subscribe(record("a"))
	b.Subscribe(record("b"))
	c.Subscribe(record("c"))

	require.NoError(t, a.Publish(context.Background(), Message{Type: "presence", SenderID: "a"}))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got["b"]) == 1 && len(got["c"]) == 1
	}, time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	require.Empty(t, got["a"], "publisher must not receive its own message")
}

func TestMemory_SubscribeCancel(t *testing.T) {
	hub := NewMemory()
	a := hub.Endpoint()
	b := hub.Endpoint()

	var mu sync.Mutex
	count := 0
	cancel := b.Subscribe(func(Message) {
		mu.Lock()
		count++
		mu.Unlock()
	})
	cancel()

	require.NoError(t, a.Publish(context.Background(), Message{Type: "heartbeat"}))
	time.Sleep(50 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	require.Zero(t, count)
}

func TestMemory_ClosedEndpointRejectsPublish(t *testing.T) {
	hub := NewMemory()
	a := hub.Endpoint()
	require.NoError(t, a.Close())
	err := a.Publish(context.Background(), Message{Type: "heartbeat"})
	require.ErrorIs(t, err, ErrBusClosed)
}

func TestChannelName(t *testing.T) {
	require.Equal(t, "stratum_coordination_appdb", ChannelName("appdb"))
}
