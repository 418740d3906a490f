// Package subscription holds live REQ subscriptions and matches accepted
// events against them.
//
// Every filter is posted under its most selective present field (ids, then
// authors, then tag values, then kinds); filters with none of those go to a
// wildcard set. Match gathers candidates from the postings an event can hit
// and only runs the full predicate on that subset.
package subscription

import (
	"context"
	"sort"
	"sync"
	"time"

	"nostr-ilp-relay/internal/transport"
	"nostr-ilp-relay/internal/types"
)

// MaxIDLength bounds subscription identifiers.
const MaxIDLength = 64

// Key identifies a subscription: ids are unique per connection only.
type Key struct {
	ConnID string
	ID     string
}

func (k Key) less(o Key) bool {
	if k.ConnID != o.ConnID {
		return k.ConnID < o.ConnID
	}
	return k.ID < o.ID
}

// Subscription is one registered REQ.
type Subscription struct {
	ID        string
	Conn      transport.Stream
	Filters   types.Filters
	CreatedAt time.Time
	ExpiresAt time.Time
	Active    bool
}

// Key returns the index key of s.
func (s *Subscription) Key() Key {
	return Key{ConnID: s.Conn.ID(), ID: s.ID}
}

func (s *Subscription) live(now time.Time) bool {
	return s.Active && now.Before(s.ExpiresAt)
}

// snapshot copies s so callers never observe later renewals mid-read.
func (s *Subscription) snapshot() *Subscription {
	cp := *s
	return &cp
}

type dimension int

const (
	dimWildcard dimension = iota
	dimID
	dimAuthor
	dimTag
	dimKind
)

// posting is where one filter of a subscription is registered.
type posting struct {
	dim    dimension
	values []string
	kinds  []int
}

type keySet map[Key]struct{}

func (s keySet) add(k Key) { s[k] = struct{}{} }

// Index is safe for concurrent use: a single writer or many readers.
type Index struct {
	mu   sync.RWMutex
	now  func() time.Time
	subs map[Key]*entry

	byID     map[string]keySet
	byAuthor map[string]keySet
	byTag    map[string]keySet // "name:value"
	byKind   map[int]keySet
	wildcard keySet

	// conns lists keys per connection for RemoveConn.
	conns map[string]keySet
}

type entry struct {
	sub      *Subscription
	postings []posting
}

// Option configures an Index.
type Option func(*Index)

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(ix *Index) { ix.now = now }
}

// NewIndex creates an empty index.
func NewIndex(opts ...Option) *Index {
	ix := &Index{
		now:      time.Now,
		subs:     make(map[Key]*entry),
		byID:     make(map[string]keySet),
		byAuthor: make(map[string]keySet),
		byTag:    make(map[string]keySet),
		byKind:   make(map[int]keySet),
		wildcard: make(keySet),
		conns:    make(map[string]keySet),
	}
	for _, opt := range opts {
		opt(ix)
	}
	return ix
}

// Add registers sub. Adding a key that is already present renews it: the
// filters are replaced and the expiry moved to sub.ExpiresAt. It reports
// whether the key was new.
func (ix *Index) Add(sub *Subscription) bool {
	sub = sub.snapshot()
	sub.Active = true
	if sub.CreatedAt.IsZero() {
		sub.CreatedAt = ix.now()
	}
	key := sub.Key()

	ix.mu.Lock()
	defer ix.mu.Unlock()

	old, renewed := ix.subs[key]
	if renewed {
		sub.CreatedAt = old.sub.CreatedAt
		ix.unpost(key, old.postings)
	}
	e := &entry{sub: sub, postings: make([]posting, 0, len(sub.Filters))}
	for i := range sub.Filters {
		p := chooseDimension(&sub.Filters[i])
		ix.post(key, p)
		e.postings = append(e.postings, p)
	}
	ix.subs[key] = e

	conn := ix.conns[key.ConnID]
	if conn == nil {
		conn = make(keySet)
		ix.conns[key.ConnID] = conn
	}
	conn.add(key)
	return !renewed
}

// Remove deletes the subscription and reports whether it existed.
func (ix *Index) Remove(key Key) bool {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	return ix.removeLocked(key) != nil
}

// Get returns a copy of the subscription or nil.
func (ix *Index) Get(key Key) *Subscription {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	if e, ok := ix.subs[key]; ok {
		return e.sub.snapshot()
	}
	return nil
}

// RemoveConn drops every subscription owned by connID.
func (ix *Index) RemoveConn(connID string) []*Subscription {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	keys := sortedKeys(ix.conns[connID])
	removed := make([]*Subscription, 0, len(keys))
	for _, k := range keys {
		if sub := ix.removeLocked(k); sub != nil {
			removed = append(removed, sub)
		}
	}
	return removed
}

// ExpireSweep removes subscriptions whose expiry is not after now and
// returns them ordered by key.
func (ix *Index) ExpireSweep(now time.Time) []*Subscription {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	var expired []Key
	for k, e := range ix.subs {
		if !e.sub.live(now) {
			expired = append(expired, k)
		}
	}
	sortKeySlice(expired)
	removed := make([]*Subscription, 0, len(expired))
	for _, k := range expired {
		if sub := ix.removeLocked(k); sub != nil {
			sub.Active = false
			removed = append(removed, sub)
		}
	}
	return removed
}

// Match returns the live subscriptions with at least one filter matching
// evt, ordered by key.
func (ix *Index) Match(evt *types.Event) []*Subscription {
	now := ix.now()

	ix.mu.RLock()
	defer ix.mu.RUnlock()

	candidates := make(keySet)
	union := func(set keySet) {
		for k := range set {
			candidates.add(k)
		}
	}
	union(ix.wildcard)
	union(ix.byID[evt.ID])
	union(ix.byAuthor[evt.PubKey])
	union(ix.byKind[evt.Kind])
	for _, tag := range evt.Tags {
		if len(tag) >= 2 && len(tag[0]) == 1 {
			union(ix.byTag[tagKey(tag[0], tag[1])])
		}
	}

	var out []*Subscription
	for k := range candidates {
		e := ix.subs[k]
		if e == nil || !e.sub.live(now) {
			continue
		}
		if e.sub.Filters.Match(evt) {
			out = append(out, e.sub.snapshot())
		}
	}
	sortSubs(out)
	return out
}

// AllActive returns live subscriptions at now, ordered by key.
func (ix *Index) AllActive(now time.Time) []*Subscription {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	var out []*Subscription
	for _, e := range ix.subs {
		if e.sub.live(now) {
			out = append(out, e.sub.snapshot())
		}
	}
	sortSubs(out)
	return out
}

// Len returns the number of registered subscriptions, expired ones included
// until the next sweep.
func (ix *Index) Len() int {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return len(ix.subs)
}

// Run sweeps expired subscriptions every interval until ctx is done, passing
// each non-empty batch to onExpired.
func (ix *Index) Run(ctx context.Context, interval time.Duration, onExpired func([]*Subscription)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if removed := ix.ExpireSweep(ix.now()); len(removed) > 0 && onExpired != nil {
				onExpired(removed)
			}
		}
	}
}

func (ix *Index) removeLocked(key Key) *Subscription {
	e, ok := ix.subs[key]
	if !ok {
		return nil
	}
	ix.unpost(key, e.postings)
	delete(ix.subs, key)
	if conn := ix.conns[key.ConnID]; conn != nil {
		delete(conn, key)
		if len(conn) == 0 {
			delete(ix.conns, key.ConnID)
		}
	}
	return e.sub.snapshot()
}

// chooseDimension picks the posting list for one filter. An empty value set
// does not constrain, so it does not count as present.
func chooseDimension(f *types.Filter) posting {
	switch {
	case len(f.IDs) > 0:
		return posting{dim: dimID, values: f.IDs}
	case len(f.Authors) > 0:
		return posting{dim: dimAuthor, values: f.Authors}
	}
	for _, name := range f.TagNames() {
		if values := f.Tags[name]; len(values) > 0 {
			keys := make([]string, len(values))
			for i, v := range values {
				keys[i] = tagKey(name, v)
			}
			return posting{dim: dimTag, values: keys}
		}
	}
	if len(f.Kinds) > 0 {
		return posting{dim: dimKind, kinds: f.Kinds}
	}
	return posting{dim: dimWildcard}
}

func (ix *Index) post(key Key, p posting) {
	switch p.dim {
	case dimWildcard:
		ix.wildcard.add(key)
	case dimKind:
		for _, kind := range p.kinds {
			set := ix.byKind[kind]
			if set == nil {
				set = make(keySet)
				ix.byKind[kind] = set
			}
			set.add(key)
		}
	default:
		m := ix.stringPostings(p.dim)
		for _, v := range p.values {
			set := m[v]
			if set == nil {
				set = make(keySet)
				m[v] = set
			}
			set.add(key)
		}
	}
}

func (ix *Index) unpost(key Key, postings []posting) {
	for _, p := range postings {
		switch p.dim {
		case dimWildcard:
			delete(ix.wildcard, key)
		case dimKind:
			for _, kind := range p.kinds {
				if set := ix.byKind[kind]; set != nil {
					delete(set, key)
					if len(set) == 0 {
						delete(ix.byKind, kind)
					}
				}
			}
		default:
			m := ix.stringPostings(p.dim)
			for _, v := range p.values {
				if set := m[v]; set != nil {
					delete(set, key)
					if len(set) == 0 {
						delete(m, v)
					}
				}
			}
		}
	}
}

func (ix *Index) stringPostings(d dimension) map[string]keySet {
	switch d {
	case dimID:
		return ix.byID
	case dimAuthor:
		return ix.byAuthor
	default:
		return ix.byTag
	}
}

func tagKey(name, value string) string {
	return name + ":" + value
}

func sortedKeys(set keySet) []Key {
	keys := make([]Key, 0, len(set))
	for k := range set {
		keys = append(keys, k)
	}
	sortKeySlice(keys)
	return keys
}

func sortKeySlice(keys []Key) {
	sort.Slice(keys, func(i, j int) bool { return keys[i].less(keys[j]) })
}

func sortSubs(subs []*Subscription) {
	sort.Slice(subs, func(i, j int) bool { return subs[i].Key().less(subs[j].Key()) })
}
