package osc

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"
)

// DefaultInboxSize bounds the number of decoded messages waiting for Poll.
const DefaultInboxSize = 64

// ReceiverStats is a point-in-time copy of the receiver counters.
type ReceiverStats struct {
	Packets   uint64
	Messages  uint64
	Malformed uint64
	Dropped   uint64
	Port      int
}

// Receiver listens for OSC datagrams on a UDP port. Decoded messages wait in
// a bounded inbox and are drained with Poll, so the consumer never blocks.
type Receiver struct {
	factory UDPSocketFactory
	rcvBuf  int

	port     atomic.Int64
	inbox    chan Message
	rebindCh chan int

	mu   sync.Mutex
	sock UDPSocket

	packets   atomic.Uint64
	messages  atomic.Uint64
	malformed atomic.Uint64
	dropped   atomic.Uint64
}

// ReceiverConfig configures NewReceiver.
type ReceiverConfig struct {
	Port      int
	RcvBuf    int
	InboxSize int
	Factory   UDPSocketFactory
}

// NewReceiver returns a receiver that will bind when Start is called.
func NewReceiver(cfg ReceiverConfig) *Receiver {
	factory := cfg.Factory
	if factory == nil {
		factory = RealUDPSocketFactory{}
	}
	size := cfg.InboxSize
	if size <= 0 {
		size = DefaultInboxSize
	}
	r := &Receiver{
		factory:  factory,
		rcvBuf:   cfg.RcvBuf,
		inbox:    make(chan Message, size),
		rebindCh: make(chan int, 1),
	}
	r.port.Store(int64(cfg.Port))
	return r
}

func (r *Receiver) bind(port int) (UDPSocket, error) {
	sock, err := r.factory.ListenUDP("udp", &net.UDPAddr{Port: port})
	if err != nil {
		return nil, fmt.Errorf("failed to listen on UDP port %d: %w", port, err)
	}
	if r.rcvBuf > 0 {
		if err := sock.SetReadBuffer(r.rcvBuf); err != nil {
			diagf("failed to set receive buffer to %d: %v", r.rcvBuf, err)
		}
	}
	r.mu.Lock()
	r.sock = sock
	r.mu.Unlock()
	opsf("listening on UDP port %d", port)
	return sock, nil
}

// Start binds the configured port and reads until ctx is cancelled. A bind
// failure at startup is returned; read errors are logged and skipped.
func (r *Receiver) Start(ctx context.Context) error {
	sock, err := r.bind(int(r.port.Load()))
	if err != nil {
		return err
	}
	defer func() {
		r.mu.Lock()
		if r.sock != nil {
			r.sock.Close()
			r.sock = nil
		}
		r.mu.Unlock()
	}()

	buffer := make([]byte, 65536)
	for {
		select {
		case <-ctx.Done():
			opsf("receiver stopping: %v", ctx.Err())
			return ctx.Err()
		case port := <-r.rebindCh:
			next, err := r.rebind(sock, port)
			if next == nil {
				return err
			}
			sock = next
			if err != nil {
				opsf("rebind to port %d failed, keeping port %d: %v", port, r.port.Load(), err)
			}
			continue
		default:
		}

		sock.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
		n, addr, err := sock.ReadFromUDP(buffer)
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			diagf("UDP read error: %v", err)
			continue
		}
		r.handlePacket(buffer[:n], addr)
	}
}

func (r *Receiver) rebind(old UDPSocket, port int) (UDPSocket, error) {
	if int64(port) == r.port.Load() {
		return old, nil
	}
	old.Close()
	sock, err := r.bind(port)
	if err != nil {
		// Try to get the previous port back so the receiver stays usable.
		prev, perr := r.bind(int(r.port.Load()))
		if perr != nil {
			return nil, errors.Join(err, perr)
		}
		return prev, err
	}
	r.port.Store(int64(port))
	return sock, nil
}

func (r *Receiver) handlePacket(pkt []byte, from *net.UDPAddr) {
	r.packets.Add(1)
	msgs, err := ParsePacket(pkt)
	if err != nil {
		r.malformed.Add(1)
		diagf("malformed packet from %v: %v", from, err)
		return
	}
	for _, m := range msgs {
		r.messages.Add(1)
		select {
		case r.inbox <- m:
			tracef("received %s", m)
		default:
			r.dropped.Add(1)
		}
	}
}

// Poll returns the next pending message without blocking.
func (r *Receiver) Poll() (Message, bool) {
	select {
	case m := <-r.inbox:
		return m, true
	default:
		return Message{}, false
	}
}

// Rebind asks the read loop to move to a new port. Only the latest request
// is kept if several arrive before the loop picks one up.
func (r *Receiver) Rebind(port int) {
	for {
		select {
		case r.rebindCh <- port:
			return
		default:
			select {
			case <-r.rebindCh:
			default:
			}
		}
	}
}

// Port returns the currently bound port.
func (r *Receiver) Port() int {
	return int(r.port.Load())
}

// Stats returns a copy of the counters.
func (r *Receiver) Stats() ReceiverStats {
	return ReceiverStats{
		Packets:   r.packets.Load(),
		Messages:  r.messages.Load(),
		Malformed: r.malformed.Load(),
		Dropped:   r.dropped.Load(),
		Port:      r.Port(),
	}
}
