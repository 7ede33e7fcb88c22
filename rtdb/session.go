package rtdb

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"

	"nhooyr.io/websocket"

	"github.com/cloudillo/cloudillo/errs"
	"github.com/cloudillo/cloudillo/idgen"
)

// SessionOptions configures HandleSession (§4.11 "per /ws/rtdb/:file_id").
type SessionOptions struct {
	TnID     int64
	DbID     string
	UserID   string
	ReadOnly bool
}

// wireFrame is the JSON shape every request and response frame shares:
// {id, type, ...payload}, decoded/encoded through a flat map since payload
// fields vary per type (§4.11's WebSocket protocol table).
type wireFrame = map[string]any

// HandleSession implements §4.11's WebSocket protocol end to end: accept,
// read request frames, dispatch each to the matching RTDB operation, and
// multiplex both direct responses and every active subscription's live
// "change" events onto a single outgoing goroutine — the aggregation the
// concurrency model (§5) calls out explicitly, so that cancellation only
// ever needs to close one channel.
func (c *Channel) HandleSession(w http.ResponseWriter, r *http.Request, opts SessionOptions) error {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		return errs.NewIo("accept websocket: " + err.Error())
	}
	defer conn.CloseNow()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	connID := idgen.Random()
	sess := &rtdbSession{
		channel: c,
		opts:    opts,
		connID:  connID,
		out:     make(chan wireFrame, 64),
		subs:    map[string]func(){},
	}
	defer sess.closeAllSubs()
	defer c.ReleaseAllLocks(opts.TnID, opts.DbID, connID)

	outDone := make(chan struct{})
	go sess.relayOut(ctx, conn, outDone)

	sess.readLoop(ctx, conn)
	cancel()
	<-outDone
	_ = conn.Close(websocket.StatusNormalClosure, "")
	return nil
}

type rtdbSession struct {
	channel *Channel
	opts    SessionOptions
	connID  string
	out     chan wireFrame

	mu   sync.Mutex
	subs map[string]func() // request id -> cancel forwarding goroutine
}

func (s *rtdbSession) relayOut(ctx context.Context, conn *websocket.Conn, done chan struct{}) {
	defer close(done)
	for {
		select {
		case <-ctx.Done():
			return
		case f, ok := <-s.out:
			if !ok {
				return
			}
			raw, err := json.Marshal(f)
			if err != nil {
				continue
			}
			if err := conn.Write(ctx, websocket.MessageText, raw); err != nil {
				return
			}
		}
	}
}

func (s *rtdbSession) readLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		if typ != websocket.MessageText {
			continue
		}
		var req wireFrame
		if err := json.Unmarshal(data, &req); err != nil {
			continue
		}
		s.dispatch(ctx, req)
	}
}

func (s *rtdbSession) reqID(req wireFrame) any    { return req["id"] }
func (s *rtdbSession) reqType(req wireFrame) string { t, _ := req["type"].(string); return t }

func (s *rtdbSession) sendErr(id any, err error) {
	s.out <- wireFrame{"id": id, "type": "error", "kind": errs.As(err).String(), "message": err.Error()}
}

var writeTypes = map[string]bool{
	"transaction": true, "createIndex": true, "lock": true, "unlock": true,
}

// dispatch routes one request frame. Read-only connections have their
// writes rejected (403 PermissionDenied) per §4.11's "Read-only
// connections' writes ... are rejected with 403".
func (s *rtdbSession) dispatch(ctx context.Context, req wireFrame) {
	id := s.reqID(req)
	typ := s.reqType(req)

	if s.opts.ReadOnly && writeTypes[typ] {
		s.sendErr(id, errs.NewPermissionDenied("rtdb: read-only connection cannot "+typ))
		return
	}

	switch typ {
	case "ping":
		s.out <- wireFrame{"id": id, "type": "pong"}

	case "get":
		path, _ := req["path"].(string)
		doc, err := s.channel.Get(ctx, s.opts.TnID, s.opts.DbID, path)
		if err != nil {
			s.sendErr(id, err)
			return
		}
		s.out <- wireFrame{"id": id, "type": "getResult", "data": doc}

	case "query":
		path, _ := req["path"].(string)
		opts := decodeQueryOptions(req)
		result, err := s.channel.Query(ctx, s.opts.TnID, s.opts.DbID, path, opts)
		if err != nil {
			s.sendErr(id, err)
			return
		}
		s.out <- wireFrame{"id": id, "type": "queryResult", "data": result}

	case "transaction":
		ops, err := decodeOps(req)
		if err != nil {
			s.sendErr(id, err)
			return
		}
		result, err := s.channel.Transact(ctx, s.opts.TnID, s.opts.DbID, s.opts.UserID, ops)
		if err != nil {
			s.sendErr(id, err)
			return
		}
		s.out <- wireFrame{"id": id, "type": "transactionResult", "docIds": result.DocIDs}

	case "createIndex":
		path, _ := req["path"].(string)
		field, _ := req["field"].(string)
		if err := s.channel.CreateIndex(ctx, s.opts.TnID, s.opts.DbID, path, field); err != nil {
			s.sendErr(id, err)
			return
		}
		s.out <- wireFrame{"id": id, "type": "ack"}

	case "lock":
		path, _ := req["path"].(string)
		mode := LockSoft
		if m, _ := req["mode"].(string); m == string(LockHard) {
			mode = LockHard
		}
		if err := s.channel.AcquireLock(ctx, s.opts.TnID, s.opts.DbID, path, s.opts.UserID, mode, s.connID); err != nil {
			s.sendErr(id, err)
			return
		}
		s.out <- wireFrame{"id": id, "type": "lockResult"}

	case "unlock":
		path, _ := req["path"].(string)
		if err := s.channel.ReleaseLock(ctx, s.opts.TnID, s.opts.DbID, path, s.connID); err != nil {
			s.sendErr(id, err)
			return
		}
		s.out <- wireFrame{"id": id, "type": "unlockResult"}

	case "subscribe":
		s.handleSubscribe(ctx, id, req)

	case "unsubscribe":
		subID, _ := req["subId"].(string)
		s.mu.Lock()
		cancel, ok := s.subs[subID]
		delete(s.subs, subID)
		s.mu.Unlock()
		if ok {
			cancel()
		}
		s.out <- wireFrame{"id": id, "type": "unsubscribeResult"}

	default:
		s.sendErr(id, errs.NewValidation("rtdb: unknown request type "+typ))
	}
}

func (s *rtdbSession) handleSubscribe(ctx context.Context, id any, req wireFrame) {
	path, _ := req["path"].(string)
	opts := SubscribeOptions{Path: path, Filter: decodeFilter(req["filter"])}
	if aggRaw, ok := req["aggregate"]; ok {
		if agg := decodeAggregate(aggRaw); agg != nil {
			opts.Aggregate = agg
		}
	}

	sub, err := s.channel.Subscribe(ctx, s.opts.TnID, s.opts.DbID, opts)
	if err != nil {
		s.sendErr(id, err)
		return
	}

	subCtx, cancel := context.WithCancel(ctx)
	subID, _ := id.(string)
	if subID == "" {
		subID = idgen.Random()
	}
	s.mu.Lock()
	s.subs[subID] = func() { cancel(); sub.Close() }
	s.mu.Unlock()

	s.out <- wireFrame{"id": id, "type": "subscribeResult", "subId": subID}

	go func() {
		for {
			select {
			case <-subCtx.Done():
				return
			case ev, ok := <-sub.Events:
				if !ok {
					return
				}
				s.out <- wireFrame{"id": id, "type": "change", "event": ev}
			}
		}
	}()
}

func (s *rtdbSession) closeAllSubs() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, cancel := range s.subs {
		cancel()
	}
}

func decodeOps(req wireFrame) ([]TxOp, error) {
	raw, ok := req["ops"]
	if !ok {
		return nil, errs.NewValidation("rtdb: transaction requires ops")
	}
	b, err := json.Marshal(raw)
	if err != nil {
		return nil, errs.NewValidation("rtdb: malformed ops")
	}
	var ops []TxOp
	if err := json.Unmarshal(b, &ops); err != nil {
		return nil, errs.NewValidation("rtdb: malformed ops: " + err.Error())
	}
	return ops, nil
}

func decodeFilter(raw any) *Filter {
	if raw == nil {
		return nil
	}
	b, err := json.Marshal(raw)
	if err != nil {
		return nil
	}
	var f Filter
	if err := json.Unmarshal(b, &f); err != nil {
		return nil
	}
	return &f
}

func decodeAggregate(raw any) *AggregateOptions {
	b, err := json.Marshal(raw)
	if err != nil {
		return nil
	}
	var a AggregateOptions
	if err := json.Unmarshal(b, &a); err != nil {
		return nil
	}
	return &a
}

func decodeQueryOptions(req wireFrame) QueryOptions {
	opts := QueryOptions{Filter: decodeFilter(req["filter"])}
	if l, ok := req["limit"].(float64); ok {
		opts.Limit = int(l)
	}
	if o, ok := req["offset"].(float64); ok {
		opts.Offset = int(o)
	}
	if aggRaw, ok := req["aggregate"]; ok {
		opts.Aggregate = decodeAggregate(aggRaw)
	}
	if sortRaw, ok := req["sort"].([]any); ok {
		for _, sr := range sortRaw {
			m, ok := sr.(map[string]any)
			if !ok {
				continue
			}
			field, _ := m["field"].(string)
			asc, _ := m["ascending"].(bool)
			opts.Sort = append(opts.Sort, SortField{Field: field, Ascending: asc})
		}
	}
	return opts
}
