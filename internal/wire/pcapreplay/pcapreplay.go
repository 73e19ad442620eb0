//go:build pcap

// Package pcapreplay reads a previously captured .pcap of scan-head UDP
// traffic and replays its payloads at (scaled) real-world timing to a live
// UDP destination, so a receiver.Receiver can be exercised offline from a
// recorded capture exactly as it would be from a real head. Grounded
// directly on the teacher's internal/lidar/network/pcap_realtime.go.
package pcapreplay

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcap"

	"github.com/scanworks/pinchot/internal/monitoring"
)

// Config configures one replay run.
type Config struct {
	// PCAPFile is the path to the captured .pcap file.
	PCAPFile string

	// SourcePort is the UDP port the capture's packets were sent to; only
	// packets matching this destination port are replayed. Zero disables
	// the filter and replays every UDP packet in the capture.
	SourcePort int

	// Destination is the UDP address payloads are forwarded to, typically
	// a receiver.Receiver's listen address.
	Destination string

	// SpeedMultiplier scales inter-packet delay: 1.0 replays at the
	// capture's original pace, 2.0 at twice speed, 0.5 at half. Non-positive
	// values default to 1.0.
	SpeedMultiplier float64
}

// Stats reports how much of the capture was replayed.
type Stats struct {
	PacketsSent int
	BytesSent   int64
}

// Run replays cfg.PCAPFile's UDP payloads to cfg.Destination until the
// capture is exhausted or ctx is cancelled.
func Run(ctx context.Context, cfg Config) (Stats, error) {
	if cfg.SpeedMultiplier <= 0 {
		cfg.SpeedMultiplier = 1.0
	}

	handle, err := pcap.OpenOffline(cfg.PCAPFile)
	if err != nil {
		return Stats{}, fmt.Errorf("pcapreplay: opening %s: %w", cfg.PCAPFile, err)
	}
	defer handle.Close()

	if cfg.SourcePort > 0 {
		filter := fmt.Sprintf("udp dst port %d", cfg.SourcePort)
		if err := handle.SetBPFFilter(filter); err != nil {
			return Stats{}, fmt.Errorf("pcapreplay: setting BPF filter %q: %w", filter, err)
		}
	}

	destAddr, err := net.ResolveUDPAddr("udp4", cfg.Destination)
	if err != nil {
		return Stats{}, fmt.Errorf("pcapreplay: resolving destination %s: %w", cfg.Destination, err)
	}
	conn, err := net.DialUDP("udp4", nil, destAddr)
	if err != nil {
		return Stats{}, fmt.Errorf("pcapreplay: dialing %s: %w", cfg.Destination, err)
	}
	defer conn.Close()

	source := gopacket.NewPacketSource(handle, handle.LinkType())

	var stats Stats
	var lastCapture time.Time

	for {
		select {
		case <-ctx.Done():
			return stats, ctx.Err()
		case packet, ok := <-source.Packets():
			if !ok || packet == nil {
				monitoring.Logf("pcapreplay: replay complete: %d packets, %d bytes", stats.PacketsSent, stats.BytesSent)
				return stats, nil
			}

			captureTime := packet.Metadata().Timestamp
			if !lastCapture.IsZero() {
				delay := captureTime.Sub(lastCapture)
				scaled := time.Duration(float64(delay) / cfg.SpeedMultiplier)
				if scaled > 0 {
					select {
					case <-ctx.Done():
						return stats, ctx.Err()
					case <-time.After(scaled):
					}
				}
			}
			lastCapture = captureTime

			udpLayer := packet.Layer(layers.LayerTypeUDP)
			if udpLayer == nil {
				continue
			}
			udp, ok := udpLayer.(*layers.UDP)
			if !ok || len(udp.Payload) == 0 {
				continue
			}

			n, err := conn.Write(udp.Payload)
			if err != nil {
				monitoring.Logf("pcapreplay: forwarding packet %d: %v", stats.PacketsSent+1, err)
				continue
			}
			stats.PacketsSent++
			stats.BytesSent += int64(n)
		}
	}
}
