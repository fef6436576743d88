// Package notify fans status events published on the shared store out to the
// observers registered in this process.
package notify

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/rs/zerolog"

	"github.com/guido-cesarano/txqueue/pkg/item"
	"github.com/guido-cesarano/txqueue/pkg/logger"
	"github.com/guido-cesarano/txqueue/pkg/store"
)

// Event is the message carried on a status channel.
type Event struct {
	Status    item.Status `json:"status"`
	Timestamp int64       `json:"timestamp"`
}

// Callback receives events for one channel. It runs on the subscription's
// delivery goroutine and should return quickly.
type Callback func(Event)

// Broker maps channel names to local callbacks. The first local subscriber of a
// channel opens the store subscription and the last one to leave closes it.
type Broker struct {
	store store.Store
	log   zerolog.Logger

	mu       sync.Mutex
	channels map[string]*channel
	nextID   uint64
}

type channel struct {
	callbacks map[uint64]Callback
	sub       store.Subscription
	// ready is closed once the store subscription attempt has finished; err holds its outcome.
	ready chan struct{}
	err   error
}

func NewBroker(s store.Store) *Broker {
	return &Broker{
		store:    s,
		log:      logger.Component("notify"),
		channels: make(map[string]*channel),
	}
}

// Publish encodes ev and publishes it on name.
func (b *Broker) Publish(ctx context.Context, name string, ev Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return b.store.Publish(ctx, name, string(data))
}

// Subscribe registers cb on name. The returned function removes only cb and may
// be called any number of times.
func (b *Broker) Subscribe(ctx context.Context, name string, cb Callback) (func(), error) {
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	ch, exists := b.channels[name]
	if !exists {
		ch = &channel{callbacks: make(map[uint64]Callback), ready: make(chan struct{})}
		b.channels[name] = ch
	}
	ch.callbacks[id] = cb
	b.mu.Unlock()

	if exists {
		<-ch.ready
		if ch.err != nil {
			b.remove(name, ch, id)
			return nil, ch.err
		}
	} else {
		// The store round-trip happens outside b.mu.
		sub, err := b.store.Subscribe(ctx, name, func(msg string) { b.dispatch(name, msg) })

		b.mu.Lock()
		ch.sub, ch.err = sub, err
		orphaned := b.channels[name] != ch
		if err != nil && !orphaned {
			delete(b.channels, name)
		}
		b.mu.Unlock()
		close(ch.ready)

		if err != nil {
			return nil, err
		}
		if orphaned {
			// Every callback left while we were subscribing.
			b.closeSub(name, sub)
		}
	}

	var once sync.Once
	return func() {
		once.Do(func() { b.remove(name, ch, id) })
	}, nil
}

// Watch is Subscribe with a channel receiver. Events are dropped when the
// buffer is full. The stop function unsubscribes and closes the channel.
func (b *Broker) Watch(ctx context.Context, name string, buffer int) (<-chan Event, func(), error) {
	events := make(chan Event, buffer)
	var mu sync.Mutex
	closed := false

	unsubscribe, err := b.Subscribe(ctx, name, func(ev Event) {
		mu.Lock()
		defer mu.Unlock()
		if closed {
			return
		}
		select {
		case events <- ev:
		default:
			b.log.Warn().Str("channel", name).Msg("Dropping status event for slow watcher")
		}
	})
	if err != nil {
		return nil, nil, err
	}

	var once sync.Once
	stop := func() {
		once.Do(func() {
			unsubscribe()
			mu.Lock()
			closed = true
			close(events)
			mu.Unlock()
		})
	}
	return events, stop, nil
}

// Subscribers returns the number of local callbacks on name.
func (b *Broker) Subscribers(name string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if ch, ok := b.channels[name]; ok {
		return len(ch.callbacks)
	}
	return 0
}

func (b *Broker) remove(name string, ch *channel, id uint64) {
	b.mu.Lock()
	delete(ch.callbacks, id)
	var sub store.Subscription
	if len(ch.callbacks) == 0 && b.channels[name] == ch {
		delete(b.channels, name)
		sub = ch.sub
	}
	b.mu.Unlock()

	if sub != nil {
		b.closeSub(name, sub)
	}
}

func (b *Broker) closeSub(name string, sub store.Subscription) {
	if err := sub.Close(); err != nil {
		// Some backends only drop idle subscriptions passively; that is acceptable.
		b.log.Warn().Err(err).Str("channel", name).Msg("Failed to close store subscription")
	}
}

func (b *Broker) dispatch(name, msg string) {
	var ev Event
	if err := json.Unmarshal([]byte(msg), &ev); err != nil {
		b.log.Warn().Err(err).Str("channel", name).Msg("Ignoring malformed status event")
		return
	}

	b.mu.Lock()
	ch, ok := b.channels[name]
	var callbacks []Callback
	if ok {
		callbacks = make([]Callback, 0, len(ch.callbacks))
		for _, cb := range ch.callbacks {
			callbacks = append(callbacks, cb)
		}
	}
	b.mu.Unlock()

	for _, cb := range callbacks {
		cb(ev)
	}
}
