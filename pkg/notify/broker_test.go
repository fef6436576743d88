package notify

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/guido-cesarano/txqueue/pkg/item"
	"github.com/guido-cesarano/txqueue/pkg/store"
)

func setupBroker(t *testing.T) (*miniredis.Miniredis, *store.Redis, *Broker) {
	t.Helper()
	s := miniredis.RunT(t)
	r, err := store.NewRedis(context.Background(), store.RedisConfig{Addr: s.Addr()})
	require.NoError(t, err)
	t.Cleanup(func() { r.Close() })
	return s, r, NewBroker(r)
}

type recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *recorder) record(ev Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

func TestFanOut(t *testing.T) {
	_, _, b := setupBroker(t)
	ctx := context.Background()

	var first, second recorder
	unsubFirst, err := b.Subscribe(ctx, "tx:1:status", first.record)
	require.NoError(t, err)
	unsubSecond, err := b.Subscribe(ctx, "tx:1:status", second.record)
	require.NoError(t, err)
	assert.Equal(t, 2, b.Subscribers("tx:1:status"))

	require.NoError(t, b.Publish(ctx, "tx:1:status", Event{Status: item.StatusProcessing, Timestamp: 1}))
	assert.Eventually(t, func() bool { return first.count() == 1 && second.count() == 1 }, 2*time.Second, 10*time.Millisecond)

	unsubFirst()
	unsubFirst()
	assert.Equal(t, 1, b.Subscribers("tx:1:status"))

	require.NoError(t, b.Publish(ctx, "tx:1:status", Event{Status: item.StatusCompleted, Timestamp: 2}))
	assert.Eventually(t, func() bool { return second.count() == 2 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 1, first.count())

	second.mu.Lock()
	assert.Equal(t, Event{Status: item.StatusCompleted, Timestamp: 2}, second.events[1])
	second.mu.Unlock()

	unsubSecond()
	assert.Equal(t, 0, b.Subscribers("tx:1:status"))
}

func TestChannelsAreIsolated(t *testing.T) {
	_, _, b := setupBroker(t)
	ctx := context.Background()

	var a, other recorder
	unsubA, err := b.Subscribe(ctx, "a", a.record)
	require.NoError(t, err)
	defer unsubA()
	unsubOther, err := b.Subscribe(ctx, "b", other.record)
	require.NoError(t, err)
	defer unsubOther()

	require.NoError(t, b.Publish(ctx, "a", Event{Status: item.StatusQueued}))
	assert.Eventually(t, func() bool { return a.count() == 1 }, 2*time.Second, 10*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 0, other.count())
}

func TestMalformedMessagesAreIgnored(t *testing.T) {
	_, r, b := setupBroker(t)
	ctx := context.Background()

	var rec recorder
	unsub, err := b.Subscribe(ctx, "c", rec.record)
	require.NoError(t, err)
	defer unsub()

	require.NoError(t, r.Publish(ctx, "c", "not json"))
	require.NoError(t, b.Publish(ctx, "c", Event{Status: item.StatusFailed, Timestamp: 3}))
	assert.Eventually(t, func() bool { return rec.count() == 1 }, 2*time.Second, 10*time.Millisecond)
}

func TestUnsubscribeFromCallback(t *testing.T) {
	_, _, b := setupBroker(t)
	ctx := context.Background()

	done := make(chan struct{})
	var unsub func()
	var ready sync.WaitGroup
	ready.Add(1)
	unsub, err := b.Subscribe(ctx, "d", func(ev Event) {
		ready.Wait()
		if ev.Status.Terminal() {
			unsub()
			close(done)
		}
	})
	require.NoError(t, err)
	ready.Done()

	require.NoError(t, b.Publish(ctx, "d", Event{Status: item.StatusCompleted}))
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("callback did not run")
	}
	assert.Equal(t, 0, b.Subscribers("d"))
}

func TestWatch(t *testing.T) {
	_, _, b := setupBroker(t)
	ctx := context.Background()

	events, stop, err := b.Watch(ctx, "w", 4)
	require.NoError(t, err)

	require.NoError(t, b.Publish(ctx, "w", Event{Status: item.StatusProcessing, Timestamp: 10}))
	select {
	case ev := <-events:
		assert.Equal(t, item.StatusProcessing, ev.Status)
		assert.Equal(t, int64(10), ev.Timestamp)
	case <-time.After(2 * time.Second):
		t.Fatal("no event received")
	}

	stop()
	stop()
	_, open := <-events
	assert.False(t, open)
	assert.Equal(t, 0, b.Subscribers("w"))
}

func TestSubscribeFailure(t *testing.T) {
	s, _, b := setupBroker(t)
	s.Close()

	_, err := b.Subscribe(context.Background(), "x", func(Event) {})
	assert.Error(t, err)
	assert.Equal(t, 0, b.Subscribers("x"))
}
