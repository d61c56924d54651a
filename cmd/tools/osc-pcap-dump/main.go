// Command osc-pcap-dump prints the OSC messages carried in a pcap capture,
// one line per message.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/banshee-data/kv2share/internal/osc"
	"github.com/banshee-data/kv2share/internal/osc/capture"
)

var (
	pcapFile = flag.String("pcap", "", "Path to the pcap file (required)")
	port     = flag.Int("port", 7000, "UDP port to match as source or destination (0 matches all)")
	asJSON   = flag.Bool("json", false, "Emit one JSON object per message")
	limit    = flag.Int("limit", 0, "Stop after this many messages (0 for all)")
)

type jsonRecord struct {
	Timestamp string        `json:"ts"`
	SrcPort   int           `json:"src_port"`
	DstPort   int           `json:"dst_port"`
	Address   string        `json:"address"`
	Arguments []interface{} `json:"args"`
}

func main() {
	flag.Parse()
	if *pcapFile == "" {
		flag.Usage()
		os.Exit(2)
	}
	f, err := os.Open(*pcapFile)
	if err != nil {
		log.Fatalf("failed to open %s: %v", *pcapFile, err)
	}
	defer f.Close()

	enc := json.NewEncoder(os.Stdout)
	printed := 0
	errLimit := fmt.Errorf("limit reached")

	st, err := capture.Read(f, capture.Filter{Port: *port}, func(rec capture.Record) error {
		if *asJSON {
			if err := enc.Encode(jsonRecord{
				Timestamp: rec.Timestamp.Format(time.RFC3339Nano),
				SrcPort:   rec.SrcPort,
				DstPort:   rec.DstPort,
				Address:   rec.Message.Address,
				Arguments: printable(rec.Message),
			}); err != nil {
				return err
			}
		} else {
			fmt.Printf("%s %d->%d %s\n", rec.Timestamp.Format("15:04:05.000000"), rec.SrcPort, rec.DstPort, rec.Message)
		}
		printed++
		if *limit > 0 && printed >= *limit {
			return errLimit
		}
		return nil
	})
	if err != nil && err != errLimit {
		log.Fatalf("failed to read capture: %v", err)
	}
	log.Printf("packets=%d udp=%d matched=%d messages=%d malformed=%d",
		st.Packets, st.UDP, st.Matched, st.Messages, st.Malformed)
}

// printable converts blob arguments so they encode as strings.
func printable(m osc.Message) []interface{} {
	out := make([]interface{}, len(m.Arguments))
	for i, a := range m.Arguments {
		if b, ok := a.([]byte); ok {
			out[i] = fmt.Sprintf("blob[%d]", len(b))
			continue
		}
		out[i] = a
	}
	return out
}
