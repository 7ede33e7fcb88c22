package rtdb

import (
	"context"
	"encoding/json"
	"fmt"
)

// redisEnvelope is the wire shape published to a database's Redis channel,
// carrying the collection alongside the event since subscriptions are keyed
// by collection path and that isn't otherwise recoverable from ev.Path alone
// (a document's own path doesn't say which ancestor a collection-scoped
// subscription watches).
type redisEnvelope struct {
	Collection string      `json:"collection"`
	Event      ChangeEvent `json:"event"`
}

func redisChannelName(key dbKey) string {
	return fmt.Sprintf("rtdb:change:%d:%s", key.tnID, key.dbID)
}

// publish is every write path's single fan-out entry point: with no Redis
// client configured it delivers directly to this process's subscribers;
// with one configured it always routes through Redis, relying on the
// per-key listener goroutine (started for every process, including the
// publisher's own) as the sole local-delivery path, so an event is never
// delivered twice (the same tradeoff the CRDT broadcaster makes).
func (c *Channel) publish(key dbKey, ev ChangeEvent, collection string) {
	if c.redis == nil {
		c.subs(key).deliverLocal(ev, collection)
		return
	}
	c.ensureRedisListener(key)
	env := redisEnvelope{Collection: collection, Event: ev}
	raw, err := json.Marshal(env)
	if err != nil {
		return
	}
	if err := c.redis.Publish(context.Background(), redisChannelName(key), raw).Err(); err != nil {
		c.log.WithError(err).Warn("rtdb: redis publish failed")
	}
}

// ensureRedisListener starts, at most once per database, a goroutine that
// subscribes to that database's Redis channel and redelivers every event
// (including ones this process itself published) to local subscribers.
func (c *Channel) ensureRedisListener(key dbKey) {
	c.mu.Lock()
	if c.redisListening == nil {
		c.redisListening = map[dbKey]bool{}
	}
	if c.redisListening[key] {
		c.mu.Unlock()
		return
	}
	c.redisListening[key] = true
	c.mu.Unlock()

	ps := c.redis.Subscribe(context.Background(), redisChannelName(key))
	go func() {
		defer ps.Close()
		ch := ps.Channel()
		for msg := range ch {
			var env redisEnvelope
			if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
				continue
			}
			c.subs(key).deliverLocal(env.Event, env.Collection)
		}
	}()
}
