// Package transaction implements the per-message reliability layer:
// a Confirmable message retransmitted with exponential
// backoff until acknowledged, reset, or MAX_RETRANSMIT is exhausted, and
// a duplicate-detect cache so a retransmitted request (or its matching
// ACK) is recognized instead of reprocessed. It writes through a plain
// send function and schedules on internal/timerwheel, and knows nothing about
// tokens, blocks, or Observe — that correlation lives one layer up, in
// internal/exchange.
package transaction

import (
	"context"
	"errors"
	"math/rand"
	"net"
	"sync"
	"time"

	"coap/internal/config"
	"coap/internal/timerwheel"
)

// ErrTimeout is returned when a Confirmable message exhausts
// MaxRetransmit retries without an ACK or RST.
var ErrTimeout = errors.New("transaction: ack timeout")

// ErrReset is returned to the sender of a CON when the peer replies RST.
var ErrReset = errors.New("transaction: peer reset")

// ID identifies one in-flight exchange of a CON and its eventual
// ACK/RST by the pair the protocol itself uses for correlation.
type ID struct {
	Peer      string
	MessageID uint16
}

// Outcome is delivered to the waiter of an outbound Confirmable message.
type Outcome struct {
	Ack     []byte // raw ACK/RST datagram payload, nil on timeout
	IsReset bool
	Err     error
}

// sendFunc abstracts the outbound datagram write so this package
// doesn't import internal/transport directly and stays testable with a
// plain function.
type sendFunc func(ctx context.Context, peer net.Addr, b []byte) error

// Hooks lets a caller observe retransmission/timeout events, e.g. to
// feed them into internal/metrics, without this package importing it
// directly.
type Hooks struct {
	OnRetransmit func()
	OnAckTimeout func()
}

type outbound struct {
	peer    net.Addr
	datagram []byte
	retries int
	timeout time.Duration
	handle  timerwheel.Handle
	done    chan Outcome
	closed  bool
}

// Layer runs the retransmission state machine for every CON this
// endpoint sends, and the duplicate-detect cache for every message
// (request or response) this endpoint receives.
type Layer struct {
	cfg   config.EndpointConfig
	wheel *timerwheel.Wheel
	send  sendFunc
	rng   *rand.Rand
	hooks Hooks

	mu      sync.Mutex
	pending map[ID]*outbound

	dedupMu sync.Mutex
	dedup   map[ID]dedupEntry
}

type dedupEntry struct {
	handle   timerwheel.Handle
	response []byte // cached reply to replay on a duplicate request, if any
}

// New builds a Layer bound to wheel for scheduling and send for writing
// outbound datagrams.
func New(cfg config.EndpointConfig, wheel *timerwheel.Wheel, send func(ctx context.Context, peer net.Addr, b []byte) error) *Layer {
	return &Layer{
		cfg:     cfg,
		wheel:   wheel,
		send:    send,
		rng:     rand.New(rand.NewSource(time.Now().UnixNano())),
		pending: make(map[ID]*outbound),
		dedup:   make(map[ID]dedupEntry),
	}
}

// SetHooks installs metrics/observability hooks. Intended to be called
// once, before the Layer starts handling traffic.
func (l *Layer) SetHooks(h Hooks) { l.hooks = h }

// SendConfirmable transmits datagram to peer under mid as a Confirmable
// message and retries with exponential backoff until ctx is cancelled,
// an ACK/RST arrives (delivered via HandleIncoming), or MaxRetransmit is
// exhausted.
func (l *Layer) SendConfirmable(ctx context.Context, peer net.Addr, mid uint16, datagram []byte) (Outcome, error) {
	id := ID{Peer: peer.String(), MessageID: mid}

	initial := randomizedTimeout(l.rng, l.cfg.AckTimeout, l.cfg.AckRandomFactor)
	ob := &outbound{
		peer:     peer,
		datagram: datagram,
		timeout:  initial,
		done:     make(chan Outcome, 1),
	}

	l.mu.Lock()
	l.pending[id] = ob
	l.mu.Unlock()

	if err := l.send(ctx, peer, datagram); err != nil {
		l.mu.Lock()
		delete(l.pending, id)
		l.mu.Unlock()
		return Outcome{}, err
	}
	l.scheduleRetry(id, initial)

	select {
	case out := <-ob.done:
		return out, nil
	case <-ctx.Done():
		l.mu.Lock()
		if cur, ok := l.pending[id]; ok && cur == ob {
			delete(l.pending, id)
			cur.handle.Cancel()
		}
		l.mu.Unlock()
		return Outcome{}, ctx.Err()
	}
}

// SendNonConfirmable writes a NON datagram with no retransmission.
func (l *Layer) SendNonConfirmable(ctx context.Context, peer net.Addr, datagram []byte) error {
	return l.send(ctx, peer, datagram)
}

func (l *Layer) scheduleRetry(id ID, after time.Duration) {
	l.mu.Lock()
	ob, ok := l.pending[id]
	if !ok {
		l.mu.Unlock()
		return
	}
	handle := l.wheel.Schedule(after, func(time.Time) { l.onRetryDue(id) })
	ob.handle = handle
	l.mu.Unlock()
}

func (l *Layer) onRetryDue(id ID) {
	l.mu.Lock()
	ob, ok := l.pending[id]
	if !ok || ob.closed {
		l.mu.Unlock()
		return
	}
	if ob.retries >= l.cfg.MaxRetransmit {
		delete(l.pending, id)
		ob.closed = true
		l.mu.Unlock()
		if l.hooks.OnAckTimeout != nil {
			l.hooks.OnAckTimeout()
		}
		ob.done <- Outcome{Err: ErrTimeout}
		return
	}
	ob.retries++
	next := ob.timeout * 2
	l.mu.Unlock()

	if l.hooks.OnRetransmit != nil {
		l.hooks.OnRetransmit()
	}

	ctx, cancel := context.WithTimeout(context.Background(), next)
	defer cancel()
	_ = l.send(ctx, ob.peer, ob.datagram)

	l.mu.Lock()
	ob.timeout = next
	l.mu.Unlock()
	l.scheduleRetry(id, next)
}

// HandleIncoming reports an ACK or RST received for mid from peer. It
// resolves the matching SendConfirmable call, if any, and returns
// whether a pending transaction was actually found.
func (l *Layer) HandleIncoming(peer net.Addr, mid uint16, ack []byte, isReset bool) bool {
	id := ID{Peer: peer.String(), MessageID: mid}

	l.mu.Lock()
	ob, ok := l.pending[id]
	if ok {
		delete(l.pending, id)
		ob.closed = true
		ob.handle.Cancel()
	}
	l.mu.Unlock()

	if !ok {
		return false
	}
	out := Outcome{Ack: ack, IsReset: isReset}
	if isReset {
		out.Err = ErrReset
	}
	ob.done <- out
	return true
}

// IsDuplicate reports whether (peer, mid) has already been seen within
// the exchange lifetime, registering it as seen if not. A cached
// response, if one was stored via RememberResponse, is returned so the
// caller can replay it instead of reprocessing the request.
func (l *Layer) IsDuplicate(peer net.Addr, mid uint16) (cachedResponse []byte, duplicate bool) {
	id := ID{Peer: peer.String(), MessageID: mid}

	l.dedupMu.Lock()
	defer l.dedupMu.Unlock()

	if e, ok := l.dedup[id]; ok {
		return e.response, true
	}

	handle := l.wheel.Schedule(l.cfg.ExchangeLifetime, func(time.Time) {
		l.dedupMu.Lock()
		delete(l.dedup, id)
		l.dedupMu.Unlock()
	})
	l.dedup[id] = dedupEntry{handle: handle}
	return nil, false
}

// RememberResponse attaches the eventual response datagram to an
// already-registered (peer, mid) entry so a retransmitted request can
// be answered without invoking the handler twice.
func (l *Layer) RememberResponse(peer net.Addr, mid uint16, response []byte) {
	id := ID{Peer: peer.String(), MessageID: mid}

	l.dedupMu.Lock()
	defer l.dedupMu.Unlock()
	if e, ok := l.dedup[id]; ok {
		e.response = response
		l.dedup[id] = e
	}
}

// randomizedTimeout applies ACK_RANDOM_FACTOR jitter to ACK_TIMEOUT per
// RFC 7252 §4.8: the initial timeout is drawn uniformly from
// [timeout, timeout*factor).
func randomizedTimeout(rng *rand.Rand, base time.Duration, factor float64) time.Duration {
	if factor <= 1 {
		return base
	}
	span := float64(base) * (factor - 1)
	jitter := time.Duration(rng.Float64() * span)
	return base + jitter
}
