// Package observe implements RFC 7641's Observe extension on top of
// internal/exchange's token correlation: a server-side registry of
// resources clients have subscribed to, and a client-side sequence
// comparator that discards reordered or duplicate notifications while
// tolerating the 24-bit counter's periodic wraparound.
package observe

import (
	"net"
	"sync"
	"time"

	"coap/internal/message"
)

// Registration is one client's subscription to one server resource,
// keyed by (peer, token) so a client can observe several resources
// concurrently and a server can tell them apart.
type Registration struct {
	Peer  net.Addr
	Token string
	Path  string
}

// Registry is the server-side bookkeeping of active Observe
// subscriptions per resource path.
type Registry struct {
	mu   sync.Mutex
	byPath map[string]map[string]Registration // path -> token -> Registration
}

// NewRegistry builds an empty server-side Observe registry.
func NewRegistry() *Registry {
	return &Registry{byPath: make(map[string]map[string]Registration)}
}

// Register records that peer, identified by token, observes path.
func (r *Registry) Register(path string, reg Registration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	subs, ok := r.byPath[path]
	if !ok {
		subs = make(map[string]Registration)
		r.byPath[path] = subs
	}
	subs[reg.Token] = reg
}

// Deregister removes one subscriber from path, e.g. on a GET carrying
// Observe=1, or when the subscriber answers a notification with RST.
func (r *Registry) Deregister(path, token string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if subs, ok := r.byPath[path]; ok {
		delete(subs, token)
		if len(subs) == 0 {
			delete(r.byPath, path)
		}
	}
}

// Subscribers returns every current subscriber of path.
func (r *Registry) Subscribers(path string) []Registration {
	r.mu.Lock()
	defer r.mu.Unlock()
	subs := r.byPath[path]
	out := make([]Registration, 0, len(subs))
	for _, reg := range subs {
		out = append(out, reg)
	}
	return out
}

// SequenceCounter produces the monotonically-advancing 24-bit sequence
// a server stamps on each Observe notification for one resource.
type SequenceCounter struct {
	mu  sync.Mutex
	seq uint32
}

// Next returns the next sequence value, wrapping per message.MaxObserveSequence.
func (c *SequenceCounter) Next() uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seq = (c.seq + 1) % message.MaxObserveSequence
	return c.seq
}

// IsFresher implements RFC 7641 §3.4's comparator: v1 is considered
// fresher than v2 if v1 > v2 and v1-v2 < 2^23, or v2 > v1 and
// v2-v1 > 2^23 (the wraparound case). Equal values are not fresher.
func IsFresher(v1, v2 uint32) bool {
	const half = 1 << 23
	switch {
	case v1 > v2:
		return v1-v2 < half
	case v2 > v1:
		return v2-v1 > half
	default:
		return false
	}
}

// staleWindow is RFC 7641 §3.4's third comparator term: when the
// numeric test alone would call a value stale, it is still accepted if
// more than this long has elapsed since the last known-fresh
// notification. Without it, a sequence that restarts from a low value
// (e.g. 4194303 -> 0, a backward step of less than 2^23) is rejected as
// reordered until the sequence climbs past the last accepted value.
const staleWindow = 128 * time.Second

// ClientState tracks the last-applied sequence number (and when it was
// applied) for one subscription, deduplicating and reordering
// notifications before they reach application code.
type ClientState struct {
	mu       sync.Mutex
	has      bool
	lastSeq  uint32
	lastSeen time.Time

	// now is overridable by tests; nil means time.Now.
	now func() time.Time
}

func (c *ClientState) clock() time.Time {
	if c.now != nil {
		return c.now()
	}
	return time.Now()
}

// Accept reports whether a notification stamped with seq should be
// delivered to the application, updating internal state if so.
func (c *ClientState) Accept(seq uint32) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.clock()
	if !c.has {
		c.has = true
		c.lastSeq = seq
		c.lastSeen = now
		return true
	}
	if !IsFresher(seq, c.lastSeq) && now.Sub(c.lastSeen) <= staleWindow {
		return false
	}
	c.lastSeq = seq
	c.lastSeen = now
	return true
}

// Notification is one delivered Observe update, already sequence-checked.
type Notification struct {
	Sequence uint32
	Message  *message.Message
}
