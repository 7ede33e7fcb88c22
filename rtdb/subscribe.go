package rtdb

import (
	"context"
	"sync"
)

const subChannelDepth = 256

type subscription struct {
	id         int
	collection string
	filter     *Filter
	agg        *IncrementalAggState
	ch         chan ChangeEvent
	closeOnce  sync.Once
}

func (s *subscription) close() {
	s.closeOnce.Do(func() { close(s.ch) })
}

// send is a non-blocking delivery: a subscriber that can't keep up has its
// channel closed rather than risk blocking the writer that's publishing a
// just-committed transaction (analogous to the CRDT broadcaster's
// lagged-recovery policy, applied here since §4.11 gives subscriptions no
// backpressure policy of its own).
func (s *subscription) send(ev ChangeEvent) {
	defer func() { recover() }() // send on a channel closed by a concurrent overflow
	select {
	case s.ch <- ev:
	default:
		s.close()
	}
}

// dbSubs holds every live subscription for one (tn_id, db_id) database.
type dbSubs struct {
	mu     sync.Mutex
	subs   map[int]*subscription
	nextID int
}

func newDBSubs() *dbSubs {
	return &dbSubs{subs: map[int]*subscription{}}
}

func (d *dbSubs) add(sub *subscription) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextID++
	sub.id = d.nextID
	d.subs[sub.id] = sub
	return sub.id
}

func (d *dbSubs) remove(id int) {
	d.mu.Lock()
	sub, ok := d.subs[id]
	delete(d.subs, id)
	d.mu.Unlock()
	if ok {
		sub.close()
	}
}

// deliverLocal fans ev out to every subscription in this process watching
// ev's collection, translating Update events against a filtered
// (non-aggregate) subscription into a synthetic Create/Delete if the
// document entered or left the matching set, and folding change events into
// aggregate subscriptions' incremental group state (§4.11's
// aggregate-consistency invariant). Cross-process fan-out, when a Redis
// client is configured, calls this from the subscriber goroutine that reads
// the other processes' (and this one's own) published events back off the
// wire, rather than ever being called directly by a writer.
func (d *dbSubs) deliverLocal(ev ChangeEvent, collection string) {
	d.mu.Lock()
	targets := make([]*subscription, 0, len(d.subs))
	for _, sub := range d.subs {
		if sub.collection == collection {
			targets = append(targets, sub)
		}
	}
	d.mu.Unlock()

	for _, sub := range targets {
		if sub.agg != nil {
			affected := sub.agg.ProcessChange(ev)
			for _, g := range affected {
				sub.send(ChangeEvent{Kind: EvUpdate, Path: "$group/" + g.Group, Data: groupToMap(g)})
			}
			continue
		}
		if fe := filteredEvent(ev, sub.filter); fe.Kind != "" {
			sub.send(fe)
		}
	}
}

func groupToMap(g GroupResult) map[string]any {
	m := map[string]any{"group": g.Group, "count": float64(g.Count)}
	for k, v := range g.Sum {
		m["sum_"+k] = v
	}
	for k, v := range g.Avg {
		m["avg_"+k] = v
	}
	return m
}

// filteredEvent re-derives a change event's kind against a non-aggregate
// subscription's filter, the Firebase-style "live query" behavior the
// operator docs imply but spec.md doesn't spell out verbatim: a document
// that starts matching the filter arrives as Create, one that stops
// matching leaves as Delete, and one that matches both before and after
// streams as Update. Returns a zero-Path event when irrelevant.
func filteredEvent(ev ChangeEvent, f *Filter) ChangeEvent {
	switch ev.Kind {
	case EvCreate:
		if f.Matches(ev.Data) {
			return ev
		}
	case EvDelete:
		if f.Matches(ev.OldData) {
			return ev
		}
	case EvUpdate:
		oldMatch := ev.OldData != nil && f.Matches(ev.OldData)
		newMatch := f.Matches(ev.Data)
		switch {
		case !oldMatch && newMatch:
			return ChangeEvent{Kind: EvCreate, Path: ev.Path, Data: ev.Data}
		case oldMatch && !newMatch:
			return ChangeEvent{Kind: EvDelete, Path: ev.Path, OldData: ev.OldData}
		case oldMatch && newMatch:
			return ev
		}
	case EvLock, EvUnlock:
		return ev
	}
	return ChangeEvent{}
}

// SubscribeOptions configures Subscribe (§4.11 subscribe(options{path, filter?})).
type SubscribeOptions struct {
	Path      string
	Filter    *Filter
	Aggregate *AggregateOptions
}

// Subscription is a live handle: Events streams the backlog (Create events
// for every currently-matching document) followed by a single Ready event
// (which carries the initial state for an aggregate subscription) and then
// live changes, in commit order.
type Subscription struct {
	Events <-chan ChangeEvent
	Close  func()
}

// Subscribe implements §4.11 subscribe. It takes the database's commit lock
// for the duration of the initial snapshot + registration so that no
// transaction can commit (and publish) in the gap between reading the
// snapshot and starting to receive live events — the ordering guarantee
// invariant (ii) depends on this.
func (c *Channel) Subscribe(ctx context.Context, tnID int64, dbID string, opts SubscribeOptions) (Subscription, error) {
	key := dbKey{tnID, dbID}
	lock := c.dbLock(key)
	lock.Lock()
	defer lock.Unlock()

	var docs map[string]map[string]any
	err := c.Store.withViewTx(tnID, dbID, func(tx *txBuckets) error {
		d, err := tx.listCollection(opts.Path)
		docs = d
		return err
	})
	if err != nil {
		return Subscription{}, err
	}

	ch := make(chan ChangeEvent, subChannelDepth)
	sub := &subscription{collection: opts.Path, filter: opts.Filter, ch: ch}

	if opts.Aggregate != nil {
		agg := NewIncrementalAggState(*opts.Aggregate, opts.Filter)
		for _, d := range docs {
			agg.AddDoc(d)
		}
		sub.agg = agg
		readyData := aggResultToMap(agg.FullResult())
		ch <- ChangeEvent{Kind: EvReady, Path: opts.Path, Data: readyData}
	} else {
		for path, d := range docs {
			if opts.Filter.Matches(d) {
				ch <- ChangeEvent{Kind: EvCreate, Path: path, Data: d}
			}
		}
		ch <- ChangeEvent{Kind: EvReady, Path: opts.Path}
	}

	hub := c.subs(key)
	id := hub.add(sub)
	closeFn := func() { hub.remove(id) }
	return Subscription{Events: ch, Close: closeFn}, nil
}

func aggResultToMap(groups []GroupResult) map[string]any {
	rows := make([]any, len(groups))
	for i, g := range groups {
		rows[i] = groupToMap(g)
	}
	return map[string]any{"groups": rows}
}

// Query implements §4.11 query: a one-shot fetch with filter, sort, limit,
// offset, and optional aggregate (full, not incremental).
type QueryOptions struct {
	Filter    *Filter
	Sort      []SortField
	Limit     int
	Offset    int
	Aggregate *AggregateOptions
}

type SortField struct {
	Field     string
	Ascending bool
}

func (c *Channel) Query(ctx context.Context, tnID int64, dbID, path string, opts QueryOptions) (any, error) {
	var docs map[string]map[string]any
	err := c.Store.withViewTx(tnID, dbID, func(tx *txBuckets) error {
		// Use an index-accelerated path when the filter is a single equals
		// clause on an indexed field (invariant iii requires this agree with
		// a full scan, which is why it shares the same Filter evaluation
		// afterward rather than trusting the index rows alone).
		if opts.Filter != nil && len(opts.Filter.Conditions) == 1 && opts.Filter.Conditions[0].Op == OpEquals {
			cond := opts.Filter.Conditions[0]
			if paths, ok := tx.docPathsForEqualsIndex(path, cond.Field, cond.Value); ok {
				docs = map[string]map[string]any{}
				for _, p := range paths {
					if d, present, err := tx.getDoc(p); err == nil && present {
						docs[p] = d
					}
				}
				return nil
			}
		}
		d, err := tx.listCollection(path)
		docs = d
		return err
	})
	if err != nil {
		return nil, err
	}

	var matched []map[string]any
	for _, d := range docs {
		if opts.Filter.Matches(d) {
			matched = append(matched, d)
		}
	}

	if opts.Aggregate != nil {
		agg := NewIncrementalAggState(*opts.Aggregate, opts.Filter)
		for _, d := range matched {
			agg.AddDoc(d)
		}
		return agg.FullResult(), nil
	}

	sortDocs(matched, opts.Sort)
	return paginate(matched, opts.Offset, opts.Limit), nil
}

func paginate(docs []map[string]any, offset, limit int) []map[string]any {
	if offset > 0 {
		if offset >= len(docs) {
			return nil
		}
		docs = docs[offset:]
	}
	if limit > 0 && limit < len(docs) {
		docs = docs[:limit]
	}
	return docs
}
