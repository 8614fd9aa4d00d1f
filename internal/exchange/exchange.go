// Package exchange implements the request/response correlation layer:
// token allocation and matching, block-wise (RFC 7959)
// request/response assembly, and the gather window used to collect
// multiple responses to one multicast NON request. It is built on top
// of internal/transaction for reliability and internal/message for
// wire encoding, and knows nothing about sockets.
package exchange

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"net"
	"sync"
	"time"

	"coap/internal/config"
	"coap/internal/message"
)

// ErrNoToken is returned when a token is already registered to a live
// exchange: by Register for a duplicate token, and by NewToken when a
// colliding draw can no longer grow past MaxTokenLength.
var ErrNoToken = errors.New("exchange: token space exhausted")

// ErrUnknownToken is returned when an incoming response's token does
// not match any outstanding request.
var ErrUnknownToken = errors.New("exchange: unknown token")

// ErrPayloadTooLarge is returned when a block-wise reassembly would
// exceed the configured MaxBlockwisePayload.
var ErrPayloadTooLarge = errors.New("exchange: assembled payload exceeds configured limit")

// ErrBlockwiseFailure is delivered to a pending exchange's waiter when a
// single block of a block-wise transfer exhausts its retry budget.
var ErrBlockwiseFailure = errors.New("exchange: block-wise transfer failed after exhausting retry budget")

// Response is one correlated reply to an outstanding request, already
// assembled across Block2 if the body spanned multiple blocks.
type Response struct {
	Peer    net.Addr
	Message *message.Message
}

// Pending tracks one outstanding token, its eventual Block2
// reassembly buffer, and whether more responses are still expected
// (multicast gather).
type Pending struct {
	token      string
	peer       net.Addr
	results    chan Response
	errc       chan error
	gather     bool
	multicast  bool
	gatherDone chan struct{}

	blockMu   sync.Mutex
	blockBuf  []byte
	wantBlock uint32

	// onPartial, if set, is invoked whenever a Block2 continuation
	// arrives with More=true, so the caller can issue the follow-up
	// GET for the next block. Set via OnPartial after Register.
	onPartial func(message.BlockValue)
}

// OnPartial registers a callback invoked for every non-final Block2
// continuation received on this exchange, letting the endpoint drive
// the next block request for block-wise assembly.
func (pr *Pending) OnPartial(f func(message.BlockValue)) {
	pr.blockMu.Lock()
	defer pr.blockMu.Unlock()
	pr.onPartial = f
}

// Table allocates and correlates tokens for outstanding requests, and
// reassembles Block2-carrying responses transparently.
type Table struct {
	cfg config.EndpointConfig

	mu      sync.Mutex
	pending map[string]*Pending
}

// NewTable builds an empty token table.
func NewTable(cfg config.EndpointConfig) *Table {
	return &Table{cfg: cfg, pending: make(map[string]*Pending)}
}

// NewToken draws a cryptographically random token within
// [MinTokenLength, MaxTokenLength], so tokens stay unpredictable and an
// off-path attacker cannot forge matches. A draw that collides with a
// live exchange is redrawn one byte longer, up to MaxTokenLength.
func (t *Table) NewToken() ([]byte, error) {
	n := t.cfg.MinTokenLength
	if t.cfg.MaxTokenLength > n {
		span := t.cfg.MaxTokenLength - n
		b := make([]byte, 1)
		if _, err := rand.Read(b); err != nil {
			return nil, err
		}
		n = n + int(b[0])%(span+1)
	}
	for {
		tok := make([]byte, n)
		if _, err := rand.Read(tok); err != nil {
			return nil, err
		}
		t.mu.Lock()
		_, taken := t.pending[hex.EncodeToString(tok)]
		t.mu.Unlock()
		if !taken {
			return tok, nil
		}
		if n >= t.cfg.MaxTokenLength {
			return nil, ErrNoToken
		}
		n++
	}
}

// Register opens a correlation slot for token, directed at peer. When
// gather is true, the slot stays open to collect multiple responses
// (a multicast request or an Observe subscription) until CloseGather
// is called or the gather window elapses; otherwise it is closed after
// the first response.
func (t *Table) Register(token []byte, peer net.Addr, gather bool) (*Pending, error) {
	return t.register(token, peer, gather, false)
}

// RegisterMulticast is Register for a multicast NON request: no CON
// reply is ever expected on it, so the caller can reject a stray CON
// reply with RST instead of ACKing it.
func (t *Table) RegisterMulticast(token []byte, peer net.Addr) (*Pending, error) {
	return t.register(token, peer, true, true)
}

func (t *Table) register(token []byte, peer net.Addr, gather, multicast bool) (*Pending, error) {
	key := hex.EncodeToString(token)

	t.mu.Lock()
	defer t.mu.Unlock()
	if _, exists := t.pending[key]; exists {
		return nil, ErrNoToken
	}
	pr := &Pending{
		token:      key,
		peer:       peer,
		results:    make(chan Response, 8),
		errc:       make(chan error, 1),
		gather:     gather,
		multicast:  multicast,
		gatherDone: make(chan struct{}),
	}
	t.pending[key] = pr
	return pr, nil
}

// IsMulticastToken reports whether token belongs to an open multicast
// gather exchange, letting the receive pump RST a stray CON reply to it
// instead of ACKing it.
func (t *Table) IsMulticastToken(token []byte) bool {
	key := hex.EncodeToString(token)
	t.mu.Lock()
	defer t.mu.Unlock()
	pr, ok := t.pending[key]
	return ok && pr.multicast
}

// Deregister removes a token's correlation slot, e.g. after the caller
// stops waiting or an Observe registration is cancelled.
func (t *Table) Deregister(token []byte) {
	t.deregisterKey(hex.EncodeToString(token))
}

// deregisterKey removes a slot by its already-hex-encoded key. pr.token
// is stored hex-encoded (see register), so internal callers holding a
// *Pending must use this rather than re-encoding pr.token as if it were
// a raw token.
func (t *Table) deregisterKey(key string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.pending, key)
}

// Fail delivers err to token's waiter and unconditionally closes its
// correlation slot, for a terminal failure (e.g. a block-wise transfer
// exhausting its retry budget) that ends the exchange regardless of
// whether it was a gather slot.
func (t *Table) Fail(token []byte, err error) {
	key := hex.EncodeToString(token)

	t.mu.Lock()
	pr, ok := t.pending[key]
	delete(t.pending, key)
	t.mu.Unlock()
	if !ok {
		return
	}
	select {
	case pr.errc <- err:
	default:
	}
}

// HandleResponse correlates an incoming response by token, assembling
// Block2 continuations before delivering a complete body to the
// waiter. It returns ErrUnknownToken if no request is registered for
// this token (the caller should then treat it as an unsolicited
// message and RST it).
func (t *Table) HandleResponse(peer net.Addr, m *message.Message) error {
	key := hex.EncodeToString(m.Token)

	t.mu.Lock()
	pr, ok := t.pending[key]
	t.mu.Unlock()
	if !ok {
		return ErrUnknownToken
	}

	block2, hasBlock2 := latestOption(m, message.Block2)
	if !hasBlock2 {
		t.deliver(pr, Response{Peer: peer, Message: m})
		return nil
	}

	bv, err := message.DecodeBlock(block2)
	if err != nil {
		return err
	}

	pr.blockMu.Lock()
	if bv.Num == 0 {
		pr.blockBuf = pr.blockBuf[:0]
	}
	pr.blockBuf = append(pr.blockBuf, m.Payload...)
	overflow := len(pr.blockBuf) > t.cfg.MaxBlockwisePayload
	complete := !bv.More
	buf := append([]byte(nil), pr.blockBuf...)
	onPartial := pr.onPartial
	pr.blockMu.Unlock()

	if overflow {
		select {
		case pr.errc <- ErrPayloadTooLarge:
		default:
		}
		t.deregisterKey(pr.token)
		return ErrPayloadTooLarge
	}

	if !complete {
		if onPartial != nil {
			onPartial(bv)
		}
		return nil
	}

	full := *m
	full.Payload = buf
	t.deliver(pr, Response{Peer: peer, Message: &full})
	return nil
}

func (t *Table) deliver(pr *Pending, resp Response) {
	select {
	case pr.results <- resp:
	default:
	}
	if !pr.gather {
		t.deregisterKey(pr.token)
	}
}

// Wait blocks for the next response on this slot, the exchange failing
// (e.g. ErrPayloadTooLarge, ErrBlockwiseFailure), or ctx's end.
func (pr *Pending) Wait(ctx context.Context) (Response, error) {
	select {
	case r := <-pr.results:
		return r, nil
	case err := <-pr.errc:
		return Response{}, err
	case <-ctx.Done():
		return Response{}, ctx.Err()
	}
}

// Results exposes the channel directly, for a gathering (multicast)
// caller that wants to range over every response until the window
// closes.
func (pr *Pending) Results() <-chan Response { return pr.results }

// CloseGather stops accepting further responses for a gather slot and
// releases its token; any responses already buffered remain readable.
func (t *Table) CloseGather(token []byte, pr *Pending) {
	close(pr.gatherDone)
	t.Deregister(token)
}

// GatherWindow runs a multicast gather for the configured window,
// invoking onResponse for each distinct reply received, then releases
// the token.
func (t *Table) GatherWindow(ctx context.Context, token []byte, pr *Pending, onResponse func(Response)) {
	timer := time.NewTimer(t.cfg.MulticastGatherWindow)
	defer timer.Stop()
	for {
		select {
		case r := <-pr.results:
			onResponse(r)
		case <-timer.C:
			t.Deregister(token)
			return
		case <-ctx.Done():
			t.Deregister(token)
			return
		}
	}
}

func latestOption(m *message.Message, num message.OptionNumber) ([]byte, bool) {
	var v []byte
	found := false
	for _, o := range m.Options {
		if o.Number == num {
			v = o.Value
			found = true
		}
	}
	return v, found
}
