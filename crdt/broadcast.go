package crdt

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/cloudillo/cloudillo/log"
)

// subscriberDepth bounds each subscriber's event queue (§9 "a bounded
// broadcast queue with a lagged-recovery policy that forces a full
// resnapshot if a subscriber falls too far behind").
const subscriberDepth = 64

type subscriber struct {
	ch         chan ChangeEvent
	lagged     chan struct{}
	laggedOnce sync.Once
}

func (s *subscriber) markLagged() {
	s.laggedOnce.Do(func() { close(s.lagged) })
}

// Broadcaster fans a document's ChangeEvents out to every locally
// subscribed session and, when a Redis client is configured, across every
// other server process sharing the same document via pub/sub (domain
// stack: "CRDT/RTDB live-change broadcast" via go-redis). With Redis
// configured, Publish only reaches Redis; the listener goroutine delivers
// back to local subscribers, so there is exactly one fan-out path instead
// of a local one plus a cross-process one racing each other.
type Broadcaster struct {
	mu     sync.Mutex
	subs   map[int]*subscriber
	nextID int

	redis   *redis.Client
	channel string
	log     *logrus.Entry
}

func newBroadcaster(channel string, rdb *redis.Client) *Broadcaster {
	return &Broadcaster{
		subs:    make(map[int]*subscriber),
		redis:   rdb,
		channel: channel,
		log:     log.For("crdt"),
	}
}

// run starts the Redis listener goroutine and blocks until ctx is
// cancelled. Callers with no Redis client configured should not call run.
func (b *Broadcaster) run(ctx context.Context) {
	if b.redis == nil {
		return
	}
	pubsub := b.redis.Subscribe(ctx, b.channel)
	defer pubsub.Close()
	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			var ev ChangeEvent
			if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
				b.log.WithError(err).Warn("discarding malformed crdt change event")
				continue
			}
			b.deliver(ev)
		}
	}
}

// Publish broadcasts ev to every subscriber (via Redis if configured,
// otherwise directly in-process).
func (b *Broadcaster) Publish(ctx context.Context, ev ChangeEvent) {
	if b.redis != nil {
		data, err := json.Marshal(ev)
		if err != nil {
			b.log.WithError(err).Warn("failed to marshal crdt change event")
			return
		}
		if err := b.redis.Publish(ctx, b.channel, data).Err(); err != nil {
			b.log.WithError(err).Warn("failed to publish crdt change event")
		}
		return
	}
	b.deliver(ev)
}

func (b *Broadcaster) deliver(ev ChangeEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, s := range b.subs {
		select {
		case s.ch <- ev:
		default:
			s.markLagged()
		}
	}
}

// Subscribe registers a new listener, returning its id (for Unsubscribe),
// the event channel, and a channel closed once if this subscriber ever
// falls behind (the caller must then resnapshot and resubscribe).
func (b *Broadcaster) Subscribe() (id int, events <-chan ChangeEvent, lagged <-chan struct{}) {
	s := &subscriber{ch: make(chan ChangeEvent, subscriberDepth), lagged: make(chan struct{})}
	b.mu.Lock()
	id = b.nextID
	b.nextID++
	b.subs[id] = s
	b.mu.Unlock()
	return id, s.ch, s.lagged
}

func (b *Broadcaster) Unsubscribe(id int) {
	b.mu.Lock()
	delete(b.subs, id)
	b.mu.Unlock()
}
