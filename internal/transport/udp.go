package transport

import (
	"context"
	"fmt"
	"net"
	"time"

	"golang.org/x/net/ipv4"
	"golang.org/x/net/ipv6"
)

// noDeadline clears a previously set read/write deadline.
var noDeadline time.Time

// Default UDP socket buffer sizing.
const (
	DefaultReadBuffer  = 4 << 20
	DefaultWriteBuffer = 4 << 20
	maxDatagramSize    = 65535
)

// udpTransport is the production Transport backend: a single bound
// *net.UDPConn shared between the send path and the receive pump.
type udpTransport struct {
	conn   *net.UDPConn
	pconn4 *ipv4.PacketConn
	pconn6 *ipv6.PacketConn
	closed chan struct{}
}

// ListenUDP opens a UDP socket on addr (e.g. ":5683") and returns a
// Transport ready for use by a Local Endpoint.
func ListenUDP(addr string) (Transport, error) {
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("transport: resolve %q: %w", addr, err)
	}
	conn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return nil, fmt.Errorf("transport: listen %q: %w", addr, err)
	}
	return newUDPTransport(conn)
}

// DialUDP opens a UDP socket connected to a fixed peer, convenient for
// client-only use where the endpoint only ever talks to one server.
func DialUDP(addr string) (Transport, error) {
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("transport: resolve %q: %w", addr, err)
	}
	conn, err := net.DialUDP("udp", nil, udpAddr)
	if err != nil {
		return nil, fmt.Errorf("transport: dial %q: %w", addr, err)
	}
	return newUDPTransport(conn)
}

func newUDPTransport(conn *net.UDPConn) (Transport, error) {
	_ = conn.SetReadBuffer(DefaultReadBuffer)
	_ = conn.SetWriteBuffer(DefaultWriteBuffer)
	return &udpTransport{
		conn:   conn,
		pconn4: ipv4.NewPacketConn(conn),
		pconn6: ipv6.NewPacketConn(conn),
		closed: make(chan struct{}),
	}, nil
}

func (t *udpTransport) Send(ctx context.Context, peer net.Addr, b []byte) error {
	udpPeer, ok := peer.(*net.UDPAddr)
	if !ok {
		return fmt.Errorf("transport: peer %v is not a *net.UDPAddr", peer)
	}
	if dl, ok := ctx.Deadline(); ok {
		_ = t.conn.SetWriteDeadline(dl)
		defer t.conn.SetWriteDeadline(noDeadline)
	}
	if t.conn.RemoteAddr() != nil {
		// A DialUDP socket refuses WriteToUDP; it writes to the one
		// peer it was dialed to.
		_, err := t.conn.Write(b)
		return err
	}
	_, err := t.conn.WriteToUDP(b, udpPeer)
	return err
}

func (t *udpTransport) Receive(ctx context.Context) (net.Addr, []byte, error) {
	buf := make([]byte, maxDatagramSize)
	if dl, ok := ctx.Deadline(); ok {
		_ = t.conn.SetReadDeadline(dl)
		defer t.conn.SetReadDeadline(noDeadline)
	}
	n, addr, err := t.conn.ReadFromUDP(buf)
	if err != nil {
		select {
		case <-t.closed:
			return nil, nil, ErrClosed
		default:
		}
		return nil, nil, err
	}
	return addr, buf[:n], nil
}

func (t *udpTransport) LocalAddr() net.Addr { return t.conn.LocalAddr() }

// JoinMulticastGroup enables receiving a multicast group's datagrams,
// dispatching to golang.org/x/net/ipv4 or ipv6 depending on the group's
// address family; net.UDPConn alone has no portable multicast-join API.
func (t *udpTransport) JoinMulticastGroup(group net.Addr) error {
	udpGroup, ok := group.(*net.UDPAddr)
	if !ok {
		return fmt.Errorf("transport: multicast group %v is not a *net.UDPAddr", group)
	}
	if udpGroup.IP.To4() != nil {
		return t.pconn4.JoinGroup(nil, &net.UDPAddr{IP: udpGroup.IP})
	}
	return t.pconn6.JoinGroup(nil, &net.UDPAddr{IP: udpGroup.IP})
}

func (t *udpTransport) Close() error {
	close(t.closed)
	return t.conn.Close()
}
