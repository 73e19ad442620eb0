//go:build !pcap

package pcapreplay

import (
	"context"
	"fmt"
)

// Config mirrors the pcap-enabled build's Config so callers can build
// against this package unconditionally.
type Config struct {
	PCAPFile        string
	SourcePort      int
	Destination     string
	SpeedMultiplier float64
}

// Stats mirrors the pcap-enabled build's Stats.
type Stats struct {
	PacketsSent int
	BytesSent   int64
}

// Run returns an error: this binary was built without the pcap tag, so
// libpcap-backed capture replay is not available. Rebuild with -tags pcap.
func Run(ctx context.Context, cfg Config) (Stats, error) {
	return Stats{}, fmt.Errorf("pcapreplay: PCAP support not enabled (rebuild with -tags pcap)")
}
