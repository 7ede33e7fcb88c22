package scheduler

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// RedisNotifier fans the "something was scheduled" wake signal out to every
// process sharing a Store, using Redis pub/sub, grounded on the teacher's
// queue/redis client setup (parse URL, ping on connect). Unlike the
// teacher's Queue, the task payload itself always lives in the Store; the
// channel only carries a wake-up, so a missed message just costs one extra
// poll cycle rather than a lost task.
type RedisNotifier struct {
	client  *redis.Client
	channel string
}

// RedisNotifierConfig configures NewRedisNotifier.
type RedisNotifierConfig struct {
	RedisURL string
	Channel  string // defaults to "cloudillo:scheduler:wake"
}

// NewRedisNotifier dials Redis and returns a Notifier plus a subscription
// loop the caller should run in a goroutine, feeding into sched.Notify.
func NewRedisNotifier(ctx context.Context, cfg RedisNotifierConfig) (*RedisNotifier, error) {
	url := cfg.RedisURL
	if url == "" {
		url = "redis://localhost:6379/0"
	}
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("scheduler: parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("scheduler: connect to redis: %w", err)
	}

	channel := cfg.Channel
	if channel == "" {
		channel = "cloudillo:scheduler:wake"
	}
	return &RedisNotifier{client: client, channel: channel}, nil
}

// Notify publishes a wake message; subscribers ignore the payload and just
// re-poll their own Store.
func (n *RedisNotifier) Notify() {
	n.client.Publish(context.Background(), n.channel, "1")
}

// Subscribe runs until ctx is cancelled, invoking wake for every message
// received (including this process's own publishes, which is harmless).
func (n *RedisNotifier) Subscribe(ctx context.Context, wake func()) {
	sub := n.client.Subscribe(ctx, n.channel)
	defer sub.Close()

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-ch:
			if !ok {
				return
			}
			wake()
		}
	}
}

// Close releases the underlying Redis client.
func (n *RedisNotifier) Close() error { return n.client.Close() }
