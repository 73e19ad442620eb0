// Command scanreplay replays a captured .pcap of scan-head UDP traffic
// through the data-plane receiver at real-world (optionally scaled) timing,
// for offline testing of the reassembly/queue/frame-assembler pipeline
// against recorded field captures. Build with -tags pcap to enable actual
// libpcap-backed replay; without the tag it reports a clear error,
// mirroring the teacher's cmd/tools/replay-server plus pcap_stub pattern.
package main

import (
	"context"
	"flag"
	"log"
	"os/signal"
	"syscall"

	"github.com/scanworks/pinchot/internal/wire/pcapreplay"
)

var (
	pcapFile    = flag.String("pcap", "", "path to the captured .pcap file")
	sourcePort  = flag.Int("source-port", 0, "UDP destination port to filter on in the capture (0 = no filter)")
	destination = flag.String("dest", "127.0.0.1:12345", "UDP address to forward captured payloads to")
	speed       = flag.Float64("speed", 1.0, "replay speed multiplier (1.0 = real time)")
)

func main() {
	flag.Parse()
	if *pcapFile == "" {
		log.Fatal("scanreplay: -pcap is required")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	stats, err := pcapreplay.Run(ctx, pcapreplay.Config{
		PCAPFile:        *pcapFile,
		SourcePort:      *sourcePort,
		Destination:     *destination,
		SpeedMultiplier: *speed,
	})
	if err != nil && ctx.Err() == nil {
		log.Fatalf("scanreplay: %v", err)
	}
	log.Printf("scanreplay: sent %d packets, %d bytes", stats.PacketsSent, stats.BytesSent)
}
