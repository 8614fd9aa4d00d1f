package transport

import (
	"context"
	"net"
	"sync"
)

// FakeAddr is a trivial net.Addr for in-memory transports, letting tests
// name peers without binding real sockets.
type FakeAddr string

func (a FakeAddr) Network() string { return "fake" }
func (a FakeAddr) String() string  { return string(a) }

type datagram struct {
	peer net.Addr
	data []byte
}

// Fake is an in-memory, channel-backed Transport used by deterministic
// integration tests: two Fake instances wired together via Pipe behave
// like a lossless UDP socket pair, and a test can inject extra datagrams
// directly with Deliver. Fake itself never drops, delays or duplicates
// a datagram.
type Fake struct {
	self net.Addr

	mu      sync.Mutex
	inbox   chan datagram
	peers   map[string]chan datagram
	closed  bool
	closeCh chan struct{}
}

// NewFake creates an unconnected fake transport bound to name.
func NewFake(name string) *Fake {
	return &Fake{
		self:    FakeAddr(name),
		inbox:   make(chan datagram, 256),
		peers:   make(map[string]chan datagram),
		closeCh: make(chan struct{}),
	}
}

// Pipe registers the two-way delivery path between a and b: a datagram
// a.Send(bAddr, ...) lands in b's inbox, and vice versa.
func Pipe(a, b *Fake) {
	a.mu.Lock()
	a.peers[b.self.String()] = b.inbox
	a.mu.Unlock()
	b.mu.Lock()
	b.peers[a.self.String()] = a.inbox
	b.mu.Unlock()
}

func (f *Fake) Send(ctx context.Context, peer net.Addr, b []byte) error {
	f.mu.Lock()
	ch, ok := f.peers[peer.String()]
	closed := f.closed
	f.mu.Unlock()
	if closed {
		return ErrClosed
	}
	if !ok {
		return nil // no route: silently dropped, as an unreachable peer would be
	}
	cp := append([]byte(nil), b...)
	select {
	case ch <- datagram{peer: f.self, data: cp}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (f *Fake) Receive(ctx context.Context) (net.Addr, []byte, error) {
	select {
	case d, ok := <-f.inbox:
		if !ok {
			return nil, nil, ErrClosed
		}
		return d.peer, d.data, nil
	case <-f.closeCh:
		return nil, nil, ErrClosed
	case <-ctx.Done():
		return nil, nil, ctx.Err()
	}
}

func (f *Fake) LocalAddr() net.Addr { return f.self }

// JoinMulticastGroup does nothing: Fake has no group routing, so a
// datagram sent to a group address reaches only the Fake piped under
// that exact name.
func (f *Fake) JoinMulticastGroup(group net.Addr) error {
	return nil
}

func (f *Fake) Close() error {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return nil
	}
	f.closed = true
	f.mu.Unlock()
	close(f.closeCh)
	return nil
}

// Deliver injects a datagram as if it had arrived from peer, bypassing
// Pipe's routing table — used by tests to simulate a third party or a
// deliberately mismatched reply.
func (f *Fake) Deliver(peer net.Addr, b []byte) {
	f.inbox <- datagram{peer: peer, data: append([]byte(nil), b...)}
}
