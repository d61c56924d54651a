// Package visualiser streams per-tick body snapshots to remote viewers over
// a server-streaming gRPC call.
package visualiser

import (
	"fmt"
	"log"
	"net"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/banshee-data/kv2share/internal/kinect"
	"github.com/banshee-data/kv2share/internal/kinect/pipeline"
)

// Config holds configuration for the visualiser gRPC server.
type Config struct {
	// ListenAddr is the address to listen on (e.g., "localhost:50061")
	ListenAddr string

	// MaxClients is the maximum number of concurrent streaming clients
	MaxClients int

	// QueueSize buffers frames between the fusion loop and the broadcaster.
	QueueSize int

	// ClientBuffer is the per-client backlog before frames are dropped.
	ClientBuffer int
}

// DefaultConfig returns a default configuration.
func DefaultConfig() Config {
	return Config{
		ListenAddr:   "localhost:50061",
		MaxClients:   5,
		QueueSize:    64,
		ClientBuffer: 8,
	}
}

// Publisher owns the gRPC server and fans frames out to clients. It is a
// pipeline.Sink.
type Publisher struct {
	config   Config
	server   *grpc.Server
	listener net.Listener

	frameChan chan *BodyFrame
	clients   map[string]*clientStream
	clientsMu sync.RWMutex

	frameCount    atomic.Uint64
	clientCount   atomic.Int32
	droppedFrames atomic.Uint64

	running atomic.Bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

type clientStream struct {
	id      string
	request StreamRequest
	frameCh chan *BodyFrame
}

// NewPublisher creates a publisher. Zero fields in cfg take defaults.
func NewPublisher(cfg Config) *Publisher {
	def := DefaultConfig()
	if cfg.MaxClients <= 0 {
		cfg.MaxClients = def.MaxClients
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = def.QueueSize
	}
	if cfg.ClientBuffer <= 0 {
		cfg.ClientBuffer = def.ClientBuffer
	}
	return &Publisher{
		config:    cfg,
		frameChan: make(chan *BodyFrame, cfg.QueueSize),
		clients:   make(map[string]*clientStream),
		stopCh:    make(chan struct{}),
	}
}

// Start listens on the configured address and serves until Stop.
func (p *Publisher) Start() error {
	lis, err := net.Listen("tcp", p.config.ListenAddr)
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}
	return p.Serve(lis)
}

// Serve serves on lis in the background.
func (p *Publisher) Serve(lis net.Listener) error {
	if !p.running.CompareAndSwap(false, true) {
		return fmt.Errorf("publisher already running")
	}
	p.listener = lis
	p.server = grpc.NewServer()
	RegisterBodyStreamServer(p.server, p)

	p.wg.Add(2)
	go p.broadcastLoop()
	go func() {
		defer p.wg.Done()
		log.Printf("[Visualiser] gRPC body stream listening on %s", lis.Addr())
		if err := p.server.Serve(lis); err != nil && p.running.Load() {
			log.Printf("[Visualiser] gRPC server error: %v", err)
		}
	}()
	return nil
}

// Stop ends every stream and stops the server.
func (p *Publisher) Stop() {
	if !p.running.CompareAndSwap(true, false) {
		return
	}
	close(p.stopCh)
	p.server.GracefulStop()
	p.listener.Close()
	p.wg.Wait()
	log.Printf("[Visualiser] gRPC server stopped")
}

// HandleTick implements pipeline.Sink. Ticks without a frame are skipped.
func (p *Publisher) HandleTick(rep pipeline.TickReport) {
	if rep.Frame == nil {
		return
	}
	p.Publish(&BodyFrame{
		Tick:          rep.Status.Tick,
		FrameSeq:      rep.Frame.Seq,
		TimestampNS:   rep.Frame.Timestamp,
		Mode:          rep.Status.Mode,
		KeyingApplied: rep.Status.KeyingApplied,
		Bodies:        append([]kinect.Body(nil), rep.Frame.Bodies...),
	})
}

// Publish queues a frame for every client. It never blocks; when the queue
// is full the frame is dropped.
func (p *Publisher) Publish(frame *BodyFrame) {
	if !p.running.Load() || frame == nil {
		return
	}
	select {
	case p.frameChan <- frame:
		p.frameCount.Add(1)
	default:
		if n := p.droppedFrames.Add(1); n%100 == 1 {
			log.Printf("[Visualiser] dropped frame %d, queue full (total dropped: %d)", frame.Tick, n)
		}
	}
}

func (p *Publisher) broadcastLoop() {
	defer p.wg.Done()
	for {
		select {
		case <-p.stopCh:
			return
		case frame := <-p.frameChan:
			p.clientsMu.RLock()
			for _, client := range p.clients {
				select {
				case client.frameCh <- frame:
				default:
					// Slow client.
					p.droppedFrames.Add(1)
				}
			}
			p.clientsMu.RUnlock()
		}
	}
}

// StreamBodies implements BodyStreamServer.
func (p *Publisher) StreamBodies(req *structpb.Struct, stream grpc.ServerStreamingServer[structpb.Struct]) error {
	client, err := p.addClient(ParseStreamRequest(req))
	if err != nil {
		return err
	}
	defer p.removeClient(client.id)

	ctx := stream.Context()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-p.stopCh:
			return status.Error(codes.Unavailable, "publisher stopped")
		case frame := <-client.frameCh:
			if err := stream.Send(frame.Encode(client.request)); err != nil {
				log.Printf("[Visualiser] send to %s failed: %v", client.id, err)
				return err
			}
		}
	}
}

func (p *Publisher) addClient(req StreamRequest) (*clientStream, error) {
	p.clientsMu.Lock()
	defer p.clientsMu.Unlock()
	if len(p.clients) >= p.config.MaxClients {
		return nil, status.Errorf(codes.ResourceExhausted, "client limit %d reached", p.config.MaxClients)
	}
	client := &clientStream{
		id:      uuid.New().String(),
		request: req,
		frameCh: make(chan *BodyFrame, p.config.ClientBuffer),
	}
	p.clients[client.id] = client
	n := p.clientCount.Add(1)
	log.Printf("[Visualiser] Client connected: %s %q (total: %d)", client.id, req.Client, n)
	return client, nil
}

func (p *Publisher) removeClient(id string) {
	p.clientsMu.Lock()
	_, ok := p.clients[id]
	delete(p.clients, id)
	p.clientsMu.Unlock()
	if ok {
		n := p.clientCount.Add(-1)
		log.Printf("[Visualiser] Client disconnected: %s (remaining: %d)", id, n)
	}
}

// PublisherStats contains publisher statistics.
type PublisherStats struct {
	FrameCount    uint64 `json:"frame_count"`
	DroppedFrames uint64 `json:"dropped_frames"`
	ClientCount   int32  `json:"client_count"`
	Running       bool   `json:"running"`
}

// Stats returns current publisher statistics.
func (p *Publisher) Stats() PublisherStats {
	return PublisherStats{
		FrameCount:    p.frameCount.Load(),
		DroppedFrames: p.droppedFrames.Load(),
		ClientCount:   p.clientCount.Load(),
		Running:       p.running.Load(),
	}
}
