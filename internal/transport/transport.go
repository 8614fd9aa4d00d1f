// Package transport defines the abstract datagram socket the core
// consumes: a capability boundary, not an implementation detail of the
// message-exchange engine. A UDP backend and an in-memory fake backend
// (for deterministic tests) both satisfy Transport.
package transport

import (
	"context"
	"errors"
	"net"
)

// ErrClosed is returned by Receive once the transport has been closed and
// its receive queue drained.
var ErrClosed = errors.New("transport: closed")

// Transport is the capability the transaction layer, exchange layer, and
// endpoint receive pump are built against. Implementations must be safe
// for concurrent use from one sender and one receive pump.
type Transport interface {
	// Send writes b to peer. It must not block past ctx's deadline.
	Send(ctx context.Context, peer net.Addr, b []byte) error

	// Receive blocks until a datagram arrives, the transport is closed
	// (returning ErrClosed), or ctx is done.
	Receive(ctx context.Context) (peer net.Addr, b []byte, err error)

	// LocalAddr returns the address this transport is bound to.
	LocalAddr() net.Addr

	// JoinMulticastGroup enables receiving datagrams sent to group.
	JoinMulticastGroup(group net.Addr) error

	// Close stops the transport; pending Receive calls return ErrClosed.
	Close() error
}
