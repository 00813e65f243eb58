// Package dedup decides whether a message has already been relayed.
//
// A Deduplicator is an owned value: the poller holds the only instance and
// persists it through store.StateStore after each cycle.
package dedup

import (
	"container/list"
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"

	"golang.org/x/text/unicode/norm"

	"github.com/nextlevelbuilder/wxbridge/internal/bus"
	"github.com/nextlevelbuilder/wxbridge/internal/store"
)

// DefaultMaxEntries bounds the fingerprint set when Options.MaxEntries is 0.
const DefaultMaxEntries = 5000

// Options configures a Deduplicator.
type Options struct {
	MaxEntries int              // count bound; oldest entries are evicted first
	Window     time.Duration    // entries older than this are forgotten (0 = no time bound)
	Now        func() time.Time // clock, for tests
}

// Deduplicator tracks recently relayed fingerprints. Not safe for concurrent use.
type Deduplicator struct {
	opts   Options
	order  *list.List // of store.Entry, oldest at front
	index  map[string]*list.Element
	cursor store.Cursor
}

// New builds a Deduplicator from persisted state.
func New(st store.State, opts Options) *Deduplicator {
	if opts.MaxEntries <= 0 {
		opts.MaxEntries = DefaultMaxEntries
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	d := &Deduplicator{
		opts:   opts,
		order:  list.New(),
		index:  make(map[string]*list.Element, len(st.Entries)),
		cursor: st.Cursor,
	}
	for _, e := range st.Entries {
		d.add(e)
	}
	d.Prune()
	return d
}

// Fingerprint is the dedup key of msg: target plus normalized content.
// Sender, timestamp and raw store reference are deliberately excluded.
func Fingerprint(msg bus.Message) string {
	h := sha256.New()
	h.Write([]byte(msg.Target))
	h.Write([]byte{0x1f})
	h.Write([]byte(Normalize(msg.Content)))
	return hex.EncodeToString(h.Sum(nil))
}

// Normalize folds compatibility forms (NFKC), trims, and collapses whitespace runs.
func Normalize(s string) string {
	return strings.Join(strings.Fields(norm.NFKC.String(s)), " ")
}

// IsNovel reports whether msg has not been committed within the window.
func (d *Deduplicator) IsNovel(msg bus.Message) bool {
	el, ok := d.index[Fingerprint(msg)]
	if !ok {
		return true
	}
	return d.expired(el.Value.(store.Entry))
}

// CommitSeen records msg as relayed. Call only after delivery succeeded.
// Committing an existing fingerprint refreshes it to newest.
func (d *Deduplicator) CommitSeen(msg bus.Message) {
	d.add(store.Entry{Fingerprint: Fingerprint(msg), SeenAt: d.opts.Now()})
	d.evictOverflow()
}

func (d *Deduplicator) add(e store.Entry) {
	if e.Fingerprint == "" {
		return
	}
	if el, ok := d.index[e.Fingerprint]; ok {
		d.order.Remove(el)
	}
	d.index[e.Fingerprint] = d.order.PushBack(e)
}

func (d *Deduplicator) expired(e store.Entry) bool {
	return d.opts.Window > 0 && d.opts.Now().Sub(e.SeenAt) > d.opts.Window
}

func (d *Deduplicator) evictOverflow() int {
	n := 0
	for d.order.Len() > d.opts.MaxEntries {
		d.removeFront()
		n++
	}
	return n
}

func (d *Deduplicator) removeFront() {
	front := d.order.Front()
	delete(d.index, front.Value.(store.Entry).Fingerprint)
	d.order.Remove(front)
}

// Prune drops expired entries and enforces the count bound. Returns how many were dropped.
func (d *Deduplicator) Prune() int {
	n := 0
	if d.opts.Window > 0 {
		// SeenAt is non-decreasing front to back except for entries loaded
		// from older state, so scan the whole list rather than stopping early.
		for el := d.order.Front(); el != nil; {
			next := el.Next()
			if e := el.Value.(store.Entry); d.expired(e) {
				delete(d.index, e.Fingerprint)
				d.order.Remove(el)
				n++
			}
			el = next
		}
	}
	return n + d.evictOverflow()
}

// Len returns the number of tracked fingerprints.
func (d *Deduplicator) Len() int { return d.order.Len() }

// MaxEntries returns the count bound in effect.
func (d *Deduplicator) MaxEntries() int { return d.opts.MaxEntries }

// Cursor returns the last committed snapshot cursor.
func (d *Deduplicator) Cursor() store.Cursor { return d.cursor }

// SetCursor records the snapshot generation fully handled by the last cycle.
func (d *Deduplicator) SetCursor(c store.Cursor) { d.cursor = c }

// Snapshot returns the persistable state, oldest entry first.
func (d *Deduplicator) Snapshot() store.State {
	entries := make([]store.Entry, 0, d.order.Len())
	for el := d.order.Front(); el != nil; el = el.Next() {
		entries = append(entries, el.Value.(store.Entry))
	}
	return store.State{Entries: entries, Cursor: d.cursor, UpdatedAt: d.opts.Now()}
}

// Reset forgets every fingerprint and the cursor.
func (d *Deduplicator) Reset() {
	d.order.Init()
	d.index = make(map[string]*list.Element)
	d.cursor = store.Cursor{}
}
