// Command osc-listen binds a UDP port and prints every OSC message it
// receives. Point kv2share's output at it to watch the body stream.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/banshee-data/kv2share/internal/osc"
)

var (
	port   = flag.Int("port", 7000, "UDP port to listen on")
	prefix = flag.String("prefix", "", "Only print messages whose address starts with this prefix")
	quiet  = flag.Bool("quiet", false, "Only print a per-second message count")
)

func main() {
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	r := osc.NewReceiver(osc.ReceiverConfig{Port: *port, InboxSize: 4096})
	errCh := make(chan error, 1)
	go func() { errCh <- r.Start(ctx) }()
	log.Printf("listening for OSC on :%d", *port)

	poll := time.NewTicker(5 * time.Millisecond)
	defer poll.Stop()
	report := time.NewTicker(time.Second)
	defer report.Stop()

	count := 0
	for {
		select {
		case <-ctx.Done():
			st := r.Stats()
			log.Printf("packets=%d messages=%d malformed=%d dropped=%d", st.Packets, st.Messages, st.Malformed, st.Dropped)
			return
		case err := <-errCh:
			if err != nil && ctx.Err() == nil {
				log.Fatalf("receiver failed: %v", err)
			}
			return
		case <-report.C:
			if *quiet {
				fmt.Printf("%d msg/s\n", count)
			}
			count = 0
		case <-poll.C:
			for {
				m, ok := r.Poll()
				if !ok {
					break
				}
				if *prefix != "" && !strings.HasPrefix(m.Address, *prefix) {
					continue
				}
				count++
				if !*quiet {
					fmt.Println(m)
				}
			}
		}
	}
}
