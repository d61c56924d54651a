package osc

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"
)

var (
	// ErrQueueFull is returned by Send when the outbound queue has no room.
	// The message is dropped and counted.
	ErrQueueFull = errors.New("osc: send queue full")
	// ErrClosed is returned by Send after Close.
	ErrClosed = errors.New("osc: sender closed")
)

// DefaultQueueSize holds a few ticks worth of flat-mode output
// (6 bodies x 25 joints x 3 ticks).
const DefaultQueueSize = 512

// SenderStats is a point-in-time copy of the sender counters.
type SenderStats struct {
	Sent    uint64
	Dropped uint64
	Errors  uint64
	Address string
}

// Sender publishes OSC messages to a single UDP destination. Send never
// blocks: messages are encoded by the caller and written by a background
// goroutine started with Start.
type Sender struct {
	dialer      Dialer
	logInterval time.Duration

	mu      sync.RWMutex // guards conn, address and closed
	conn    PacketConn
	address string
	closed  bool

	queue   chan []byte
	started atomic.Bool
	done    chan struct{}

	sent    atomic.Uint64
	dropped atomic.Uint64
	errs    atomic.Uint64
}

// SenderConfig configures NewSender.
type SenderConfig struct {
	Host        string
	Port        int
	QueueSize   int
	LogInterval time.Duration
	Dialer      Dialer
}

// NewSender dials host:port and returns an idle sender.
func NewSender(cfg SenderConfig) (*Sender, error) {
	dialer := cfg.Dialer
	if dialer == nil {
		dialer = RealDialer{}
	}
	size := cfg.QueueSize
	if size <= 0 {
		size = DefaultQueueSize
	}
	interval := cfg.LogInterval
	if interval <= 0 {
		interval = time.Minute
	}
	address := JoinHostPort(cfg.Host, cfg.Port)
	conn, err := dialer.DialUDP(address)
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", address, err)
	}
	return &Sender{
		dialer:      dialer,
		logInterval: interval,
		conn:        conn,
		address:     address,
		queue:       make(chan []byte, size),
		done:        make(chan struct{}),
	}, nil
}

// JoinHostPort formats a UDP destination.
func JoinHostPort(host string, port int) string {
	return net.JoinHostPort(host, strconv.Itoa(port))
}

// Start launches the writer goroutine. It runs until Close and drains the
// queue before returning, so messages sent just before Close still go out.
func (s *Sender) Start() {
	if !s.started.CompareAndSwap(false, true) {
		return
	}
	go s.writeLoop()
	opsf("sending to %s", s.Address())
}

func (s *Sender) writeLoop() {
	defer close(s.done)
	ticker := time.NewTicker(s.logInterval)
	defer ticker.Stop()

	var failed uint64
	var lastErr error
	for {
		select {
		case pkt, ok := <-s.queue:
			if !ok {
				return
			}
			if err := s.write(pkt); err != nil {
				failed++
				lastErr = err
			}
		case <-ticker.C:
			if failed > 0 {
				opsf("failed to write %d messages to %s (latest: %v)", failed, s.Address(), lastErr)
				failed = 0
				lastErr = nil
			}
			if d := s.dropped.Load(); d > 0 {
				diagf("%d messages dropped on full queue since start", d)
			}
		}
	}
}

func (s *Sender) write(pkt []byte) error {
	s.mu.RLock()
	conn := s.conn
	s.mu.RUnlock()
	if _, err := conn.Write(pkt); err != nil {
		s.errs.Add(1)
		return err
	}
	s.sent.Add(1)
	return nil
}

// Send encodes msg and queues it for delivery. Encoding errors and a full
// queue are returned to the caller; network errors are only counted.
func (s *Sender) Send(msg Message) error {
	pkt, err := msg.MarshalBinary()
	if err != nil {
		s.errs.Add(1)
		return err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrClosed
	}
	select {
	case s.queue <- pkt:
		tracef("queued %s (%d bytes)", msg.Address, len(pkt))
		return nil
	default:
		s.dropped.Add(1)
		return ErrQueueFull
	}
}

// Retarget points the sender at a new destination. Messages already queued
// go to the new address.
func (s *Sender) Retarget(host string, port int) error {
	address := JoinHostPort(host, port)
	s.mu.RLock()
	same := address == s.address
	s.mu.RUnlock()
	if same {
		return nil
	}

	conn, err := s.dialer.DialUDP(address)
	if err != nil {
		return fmt.Errorf("failed to dial %s: %w", address, err)
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		conn.Close()
		return ErrClosed
	}
	old := s.conn
	s.conn = conn
	s.address = address
	s.mu.Unlock()

	if err := old.Close(); err != nil {
		diagf("closing previous connection: %v", err)
	}
	opsf("retargeted to %s", address)
	return nil
}

// Address returns the current destination.
func (s *Sender) Address() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.address
}

// Stats returns a copy of the counters.
func (s *Sender) Stats() SenderStats {
	return SenderStats{
		Sent:    s.sent.Load(),
		Dropped: s.dropped.Load(),
		Errors:  s.errs.Load(),
		Address: s.Address(),
	}
}

// Close stops accepting messages, flushes the queue and closes the socket.
// It is safe to call more than once.
func (s *Sender) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	close(s.queue)
	s.mu.Unlock()

	if s.started.Load() {
		<-s.done
	} else {
		for pkt := range s.queue {
			s.write(pkt)
		}
	}

	s.mu.RLock()
	conn := s.conn
	s.mu.RUnlock()
	return conn.Close()
}
