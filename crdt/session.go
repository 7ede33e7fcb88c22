package crdt

import (
	"context"
	"net/http"

	"nhooyr.io/websocket"

	"github.com/cloudillo/cloudillo/errs"
)

// SessionOptions configures HandleSession (§4.10 "per /ws/crdt/:doc_id").
type SessionOptions struct {
	TnID     int64
	DocID    string
	ReadOnly bool
	ClientID string // keys the AwarenessTracker heartbeat, if any
}

// HandleSession implements §4.10's WebSocket session protocol end to end:
// accept, send the snapshot (persisted updates, or a seed update for a
// brand-new doc), then relay bidirectionally until the client disconnects,
// finally scheduling post-session compaction.
func (c *Channel) HandleSession(w http.ResponseWriter, r *http.Request, opts SessionOptions, awareness *AwarenessTracker) error {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		return errs.NewIo("accept websocket: " + err.Error())
	}
	defer conn.CloseNow()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	snapshot, sub, err := c.Subscribe(ctx, opts.TnID, SubscribeOptions{DocID: opts.DocID, SendSnapshot: true})
	if err != nil {
		return err
	}

	for _, u := range snapshot {
		if err := conn.Write(ctx, websocket.MessageBinary, frame(FrameUpdate, u)); err != nil {
			sub.Close()
			return errs.NewIo("send snapshot: " + err.Error())
		}
	}

	outDone := make(chan struct{})
	go c.relayOutgoing(ctx, conn, sub, opts, outDone)

	c.relayIncoming(ctx, conn, opts, awareness)
	cancel()

	<-outDone
	if opts.ClientID != "" && awareness != nil {
		awareness.Forget(opts.ClientID)
	}
	c.ScheduleCompaction(opts.TnID, opts.DocID)
	_ = conn.Close(websocket.StatusNormalClosure, "")
	return nil
}

// relayOutgoing forwards broadcast events to the client, resnapshotting and
// resubscribing if this session ever falls too far behind to catch up
// incrementally (§9 "lagged-recovery policy"). It owns the Subscription's
// lifetime for the session's duration, including across a resubscribe, and
// closes whichever one is current before returning.
func (c *Channel) relayOutgoing(ctx context.Context, conn *websocket.Conn, sub Subscription, opts SessionOptions, done chan struct{}) {
	defer close(done)
	defer func() { sub.Close() }()
	for {
		select {
		case <-ctx.Done():
			return
		case <-sub.Lagged:
			snapshot, fresh, err := c.Subscribe(ctx, opts.TnID, SubscribeOptions{DocID: opts.DocID, SendSnapshot: true})
			if err != nil {
				return
			}
			sub.Close()
			sub = fresh
			for _, u := range snapshot {
				if err := conn.Write(ctx, websocket.MessageBinary, frame(FrameUpdate, u)); err != nil {
					return
				}
			}
		case ev, ok := <-sub.Events:
			if !ok {
				return
			}
			if err := conn.Write(ctx, websocket.MessageBinary, frame(ev.Kind, ev.Payload)); err != nil {
				return
			}
		}
	}
}

// relayIncoming reads client frames until the connection closes. Update
// frames from a read-only session are silently dropped (§4.10); Awareness
// frames are never persisted regardless of read-only status, since presence
// broadcast isn't a document mutation.
func (c *Channel) relayIncoming(ctx context.Context, conn *websocket.Conn, opts SessionOptions, awareness *AwarenessTracker) {
	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		if typ != websocket.MessageBinary {
			continue
		}
		kind, payload, ok := parseFrame(data)
		if !ok {
			continue
		}

		switch kind {
		case FrameUpdate:
			if opts.ReadOnly {
				continue
			}
			if _, err := c.StoreUpdate(ctx, opts.TnID, opts.DocID, payload); err != nil {
				c.log.WithError(err).WithField("doc_id", opts.DocID).Warn("failed to store crdt update")
			}
		case FrameAwareness:
			if opts.ClientID != "" && awareness != nil {
				awareness.Heartbeat(opts.ClientID, c.Clock.Now())
			}
			if err := c.BroadcastAwareness(ctx, opts.TnID, opts.DocID, payload); err != nil {
				c.log.WithError(err).WithField("doc_id", opts.DocID).Warn("failed to broadcast awareness")
			}
		}
	}
}

// frame/parseFrame prefix the wire payload with a one-byte FrameKind so a
// single binary WebSocket message type can carry both update and awareness
// traffic (§4.10 "bidirectional binary relay").
func frame(kind FrameKind, payload []byte) []byte {
	out := make([]byte, 1+len(payload))
	out[0] = byte(kind)
	copy(out[1:], payload)
	return out
}

func parseFrame(data []byte) (FrameKind, []byte, bool) {
	if len(data) < 1 {
		return 0, nil, false
	}
	return FrameKind(data[0]), data[1:], true
}
