// Package capture extracts OSC traffic from pcap files so recorded sessions
// can be inspected offline.
package capture

import (
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"

	"github.com/banshee-data/kv2share/internal/osc"
)

// Record is one decoded OSC message with the capture metadata of the
// datagram that carried it.
type Record struct {
	Timestamp time.Time
	SrcPort   int
	DstPort   int
	Message   osc.Message
}

// Stats summarises a capture pass.
type Stats struct {
	Packets   int
	UDP       int
	Matched   int
	Messages  int
	Malformed int
}

// Filter selects datagrams. A zero Port accepts every UDP packet.
type Filter struct {
	Port int
}

func (f Filter) match(udp *layers.UDP) bool {
	if f.Port == 0 {
		return true
	}
	return int(udp.DstPort) == f.Port || int(udp.SrcPort) == f.Port
}

// Read walks a pcap stream and calls fn for every OSC message in
// matching datagrams. Packets that fail to decode are counted and skipped.
// Returning an error from fn stops the walk.
func Read(r io.Reader, filter Filter, fn func(Record) error) (Stats, error) {
	var st Stats
	reader, err := pcapgo.NewReader(r)
	if err != nil {
		return st, fmt.Errorf("failed to open pcap stream: %w", err)
	}
	linkType := reader.LinkType()

	for {
		data, ci, err := reader.ReadPacketData()
		if errors.Is(err, io.EOF) {
			return st, nil
		}
		if err != nil {
			return st, fmt.Errorf("failed to read packet %d: %w", st.Packets+1, err)
		}
		st.Packets++

		pkt := gopacket.NewPacket(data, linkType, gopacket.DecodeOptions{Lazy: true, NoCopy: true})
		udpLayer := pkt.Layer(layers.LayerTypeUDP)
		if udpLayer == nil {
			continue
		}
		udp, ok := udpLayer.(*layers.UDP)
		if !ok {
			continue
		}
		st.UDP++
		if !filter.match(udp) || len(udp.Payload) == 0 {
			continue
		}
		st.Matched++

		msgs, err := osc.ParsePacket(udp.Payload)
		if err != nil {
			st.Malformed++
			continue
		}
		for _, m := range msgs {
			st.Messages++
			rec := Record{
				Timestamp: ci.Timestamp,
				SrcPort:   int(udp.SrcPort),
				DstPort:   int(udp.DstPort),
				Message:   m,
			}
			if err := fn(rec); err != nil {
				return st, err
			}
		}
	}
}
