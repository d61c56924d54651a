package osc

import (
	"net"
	"sync"
	"time"
)

// UDPSocket is the receive side of a UDP endpoint. The abstraction lets the
// receiver run against scripted packets in tests.
type UDPSocket interface {
	ReadFromUDP(b []byte) (n int, addr *net.UDPAddr, err error)
	SetReadBuffer(bytes int) error
	SetReadDeadline(t time.Time) error
	Close() error
	LocalAddr() net.Addr
}

// UDPSocketFactory creates listening sockets.
type UDPSocketFactory interface {
	ListenUDP(network string, laddr *net.UDPAddr) (UDPSocket, error)
}

// PacketConn is the send side of a connected UDP endpoint.
type PacketConn interface {
	Write(b []byte) (int, error)
	Close() error
}

// Dialer creates connected send sockets.
type Dialer interface {
	DialUDP(address string) (PacketConn, error)
}

// RealUDPSocketFactory listens with net.ListenUDP.
type RealUDPSocketFactory struct{}

// ListenUDP creates a new UDP socket.
func (RealUDPSocketFactory) ListenUDP(network string, laddr *net.UDPAddr) (UDPSocket, error) {
	conn, err := net.ListenUDP(network, laddr)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// RealDialer dials with net.DialUDP.
type RealDialer struct{}

// DialUDP resolves address and returns a connected socket.
func (RealDialer) DialUDP(address string) (PacketConn, error) {
	raddr, err := net.ResolveUDPAddr("udp", address)
	if err != nil {
		return nil, err
	}
	conn, err := net.DialUDP("udp", nil, raddr)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// MockUDPSocket replays scripted datagrams. Once Packets is exhausted every
// read reports a timeout, matching a quiet network.
type MockUDPSocket struct {
	mu             sync.Mutex
	Packets        [][]byte
	ReadIndex      int
	Closed         bool
	ReadBufferSize int
	LocalAddress   *net.UDPAddr
	ReadError      error
}

// NewMockUDPSocket creates a socket that will return packets in order.
func NewMockUDPSocket(packets ...[]byte) *MockUDPSocket {
	return &MockUDPSocket{
		Packets:      packets,
		LocalAddress: &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 4321},
	}
}

// Push queues another datagram.
func (m *MockUDPSocket) Push(pkt []byte) {
	m.mu.Lock()
	m.Packets = append(m.Packets, pkt)
	m.mu.Unlock()
}

// ReadFromUDP returns the next scripted datagram.
func (m *MockUDPSocket) ReadFromUDP(b []byte) (int, *net.UDPAddr, error) {
	m.mu.Lock()
	if m.Closed {
		m.mu.Unlock()
		return 0, nil, net.ErrClosed
	}
	if m.ReadError != nil {
		err := m.ReadError
		m.ReadError = nil
		m.mu.Unlock()
		return 0, nil, err
	}
	if m.ReadIndex >= len(m.Packets) {
		m.mu.Unlock()
		time.Sleep(time.Millisecond)
		return 0, nil, &net.OpError{Op: "read", Net: "udp", Err: timeoutError{}}
	}
	pkt := m.Packets[m.ReadIndex]
	m.ReadIndex++
	m.mu.Unlock()
	return copy(b, pkt), &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 9000}, nil
}

// SetReadBuffer records the requested size.
func (m *MockUDPSocket) SetReadBuffer(bytes int) error {
	m.mu.Lock()
	m.ReadBufferSize = bytes
	m.mu.Unlock()
	return nil
}

// SetReadDeadline is a no-op.
func (m *MockUDPSocket) SetReadDeadline(time.Time) error { return nil }

// Close marks the socket closed.
func (m *MockUDPSocket) Close() error {
	m.mu.Lock()
	m.Closed = true
	m.mu.Unlock()
	return nil
}

// IsClosed reports whether Close was called.
func (m *MockUDPSocket) IsClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.Closed
}

// LocalAddr returns the configured local address.
func (m *MockUDPSocket) LocalAddr() net.Addr { return m.LocalAddress }

// MockUDPSocketFactory hands out a socket per ListenUDP call and records the
// requested addresses.
type MockUDPSocketFactory struct {
	mu      sync.Mutex
	Sockets []*MockUDPSocket
	Error   error
	Calls   []string
	next    int
}

// NewMockUDPSocketFactory returns sockets in order; the last one is reused
// if ListenUDP is called more often than sockets were provided.
func NewMockUDPSocketFactory(sockets ...*MockUDPSocket) *MockUDPSocketFactory {
	return &MockUDPSocketFactory{Sockets: sockets}
}

// ListenUDP returns the next mock socket.
func (f *MockUDPSocketFactory) ListenUDP(network string, laddr *net.UDPAddr) (UDPSocket, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Calls = append(f.Calls, laddr.String())
	if f.Error != nil {
		return nil, f.Error
	}
	if len(f.Sockets) == 0 {
		return NewMockUDPSocket(), nil
	}
	s := f.Sockets[f.next]
	if f.next < len(f.Sockets)-1 {
		f.next++
	}
	return s, nil
}

// ListenCalls returns the addresses passed to ListenUDP.
func (f *MockUDPSocketFactory) ListenCalls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.Calls))
	copy(out, f.Calls)
	return out
}

// MockPacketConn records written datagrams.
type MockPacketConn struct {
	mu       sync.Mutex
	Written  [][]byte
	WriteErr error
	Closed   bool
}

// Write records a copy of b.
func (c *MockPacketConn) Write(b []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.WriteErr != nil {
		return 0, c.WriteErr
	}
	pkt := make([]byte, len(b))
	copy(pkt, b)
	c.Written = append(c.Written, pkt)
	return len(b), nil
}

// Close marks the connection closed.
func (c *MockPacketConn) Close() error {
	c.mu.Lock()
	c.Closed = true
	c.mu.Unlock()
	return nil
}

// Packets returns the datagrams written so far.
func (c *MockPacketConn) Packets() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([][]byte, len(c.Written))
	copy(out, c.Written)
	return out
}

// MockDialer returns a fresh MockPacketConn per dial and remembers them.
type MockDialer struct {
	mu    sync.Mutex
	Conns []*MockPacketConn
	Addrs []string
	Error error
}

// DialUDP records the address and returns a new mock connection.
func (d *MockDialer) DialUDP(address string) (PacketConn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.Addrs = append(d.Addrs, address)
	if d.Error != nil {
		return nil, d.Error
	}
	c := &MockPacketConn{}
	d.Conns = append(d.Conns, c)
	return c, nil
}

// Last returns the most recently dialled connection.
func (d *MockDialer) Last() *MockPacketConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.Conns) == 0 {
		return nil
	}
	return d.Conns[len(d.Conns)-1]
}

type timeoutError struct{}

func (timeoutError) Error() string   { return "i/o timeout" }
func (timeoutError) Timeout() bool   { return true }
func (timeoutError) Temporary() bool { return true }
