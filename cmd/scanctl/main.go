// Command scanctl is a minimal operator CLI over a scan system: it can run
// LAN discovery, connect to a fleet of heads and start scanning, validate a
// phase table without connecting to anything, and stream frame counts from
// a running assembler. It mirrors the teacher's flag-based cmd/* tools
// (package-level flag.* vars, no external config-file framework) rather
// than a cobra/urfave-style subcommand framework.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"google.golang.org/protobuf/types/known/durationpb"

	"github.com/scanworks/pinchot/internal/control"
	"github.com/scanworks/pinchot/internal/discovery"
	"github.com/scanworks/pinchot/internal/monitoring"
	"github.com/scanworks/pinchot/internal/phase"
	"github.com/scanworks/pinchot/internal/scanhead"
	"github.com/scanworks/pinchot/internal/scansystem"
	"github.com/scanworks/pinchot/internal/units"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	if os.Getenv("SCANCTL_VERBOSE") != "" {
		monitoring.SetVerbose(true)
	}

	switch os.Args[1] {
	case "discover":
		runDiscover(os.Args[2:])
	case "connect":
		runConnect(os.Args[2:])
	case "validate-phase-table":
		runValidatePhaseTable(os.Args[2:])
	case "stream":
		runStream(os.Args[2:])
	default:
		usage()
		os.Exit(2)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: scanctl <discover|connect|validate-phase-table|stream> [flags]")
}

func runDiscover(args []string) {
	fs := flag.NewFlagSet("discover", flag.ExitOnError)
	scanHeadAddr := fs.String("scanhead-broadcast", "255.255.255.255:30303", "scan-head solicitation broadcast address")
	scanSyncAddr := fs.String("scansync-broadcast", "255.255.255.255:30304", "ScanSync solicitation broadcast address")
	quietWindow := fs.Duration("quiet-window", 500*time.Millisecond, "quiet window before concluding discovery")
	timeout := fs.Duration("timeout", 5*time.Second, "overall discovery timeout")
	fs.Parse(args)

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	result, err := discovery.Discover(ctx, discovery.Config{
		ScanHeadBroadcastAddr: *scanHeadAddr,
		ScanSyncBroadcastAddr: *scanSyncAddr,
		QuietWindow:           *quietWindow,
	})
	if err != nil {
		log.Fatalf("discover: %v", err)
	}

	if err := json.NewEncoder(os.Stdout).Encode(result); err != nil {
		log.Fatalf("discover: encoding result: %v", err)
	}
}

// fleetHead is one entry of the static fleet file consumed by connect/stream.
type fleetHead struct {
	Serial      uint32        `json:"serial"`
	ControlAddr string        `json:"control_addr"`
	PeriodUS    int64         `json:"period_us"`
	DataFormat  uint16        `json:"data_format"`
	DataAddr    string        `json:"data_addr"`
	Elements    []elementSpec `json:"elements"`
}

// elementSpec names one (camera, laser) element a fleet entry's UDP receiver
// should reassemble profiles for, and the queue depth to back it with.
type elementSpec struct {
	Camera        uint8 `json:"camera"`
	Laser         uint8 `json:"laser"`
	QueueCapacity int   `json:"queue_capacity"`
}

func loadFleet(path string) ([]fleetHead, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening fleet file %s: %w", path, err)
	}
	defer f.Close()
	var heads []fleetHead
	if err := json.NewDecoder(f).Decode(&heads); err != nil {
		return nil, fmt.Errorf("decoding fleet file %s: %w", path, err)
	}
	return heads, nil
}

func runConnect(args []string) {
	fs := flag.NewFlagSet("connect", flag.ExitOnError)
	fleetFile := fs.String("fleet", "", "path to a JSON file listing [{serial, control_addr, period_us}, ...]")
	unit := fs.String("unit", string(units.Inches), "length unit: inches or millimetres")
	timeout := fs.Duration("timeout", 5*time.Second, "per-call RPC timeout")
	startScanning := fs.Bool("start", false, "also issue StartScanning after connecting")
	listenAddr := fs.String("listen", "", "if set, serve the debug mux (queues/phasetable/status) here and poll status until interrupted")
	pollInterval := fs.Duration("poll-interval", 2*time.Second, "status poll interval when -listen is set")
	assemblyTimeout := fs.Duration("assembly-timeout", 100*time.Millisecond, "per-profile assembly timeout for fleet entries with a data_addr")
	fs.Parse(args)

	if *fleetFile == "" {
		log.Fatal("connect: -fleet is required")
	}
	heads, err := loadFleet(*fleetFile)
	if err != nil {
		log.Fatalf("connect: %v", err)
	}

	// Receivers started below outlive runConnect's per-call timeouts; they
	// run until the process is interrupted or, absent -listen, until main
	// returns.
	receiverCtx, receiverCancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer receiverCancel()

	sys := scansystem.New(units.Unit(*unit))
	for _, h := range heads {
		client, err := control.Dial(h.ControlAddr)
		if err != nil {
			log.Fatalf("connect: dialing head %d at %s: %v", h.Serial, h.ControlAddr, err)
		}
		sh := scanhead.New(h.Serial, h.Serial, units.Unit(*unit))
		if h.DataAddr == "" {
			sys.AddScanHead(sh, client, nil)
			continue
		}
		elements := make([]scansystem.ReceiverElement, len(h.Elements))
		for i, el := range h.Elements {
			elements[i] = scansystem.ReceiverElement{Camera: el.Camera, Laser: el.Laser, QueueCapacity: el.QueueCapacity}
		}
		sys.AddScanHeadWithReceiver(receiverCtx, sh, client, h.DataAddr, elements, *assemblyTimeout)
		monitoring.Logf("connect: head %d receiving profiles on %s", h.Serial, h.DataAddr)
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	if failed, err := sys.Connect(ctx); err != nil {
		cancel()
		log.Printf("connect: partial failure, heads failed: %v", failed)
		log.Fatalf("connect: %v", err)
	}
	cancel()
	monitoring.Logf("connect: all %d heads connected", len(heads))

	if *startScanning {
		startCtx, startCancel := context.WithTimeout(context.Background(), *timeout)
		defer startCancel()
		// A single request governs the whole fleet: StartScanning fans it
		// out to every registered head itself.
		req := control.StartScanningRequest{
			PeriodUS:        heads[0].PeriodUS,
			DataFormat:      heads[0].DataFormat,
			AssemblyTimeout: durationpb.New(100 * time.Millisecond),
		}
		if err := sys.StartScanning(startCtx, req); err != nil {
			log.Fatalf("connect: StartScanning: %v", err)
		}
		monitoring.Logf("connect: scanning started")
	}

	if *listenAddr != "" {
		runDebugServer(sys, *listenAddr, *pollInterval)
	}
}

// runDebugServer mounts the scan system's debug mux and polls per-head
// status on an interval until interrupted, so RequestStatus's rate
// statistics actually accumulate samples over the process lifetime.
func runDebugServer(sys *scansystem.ScanSystem, listenAddr string, pollInterval time.Duration) {
	mux := http.NewServeMux()
	sys.AttachAdminRoutes(mux)

	server := &http.Server{Addr: listenAddr, Handler: mux}
	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			monitoring.Logf("connect: debug server: %v", err)
		}
	}()
	monitoring.Logf("connect: debug mux listening on %s", listenAddr)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			server.Shutdown(shutdownCtx)
			cancel()
			return
		case <-ticker.C:
			pollCtx, cancel := context.WithTimeout(context.Background(), pollInterval)
			sys.PollStatus(pollCtx)
			cancel()
		}
	}
}

func runValidatePhaseTable(args []string) {
	fs := flag.NewFlagSet("validate-phase-table", flag.ExitOnError)
	tableFile := fs.String("table", "", "path to a JSON-encoded phase.Table")
	fs.Parse(args)

	if *tableFile == "" {
		log.Fatal("validate-phase-table: -table is required")
	}

	f, err := os.Open(*tableFile)
	if err != nil {
		log.Fatalf("validate-phase-table: %v", err)
	}
	defer f.Close()

	var table phase.Table
	if err := json.NewDecoder(f).Decode(&table); err != nil {
		log.Fatalf("validate-phase-table: decoding %s: %v", *tableFile, err)
	}

	connected := make(map[uint32]bool)
	for _, ph := range table.Phases {
		for _, el := range ph.Elements {
			connected[el.HeadID] = true
		}
	}

	if err := table.Validate(connected); err != nil {
		fmt.Printf("invalid phase table: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("phase table is valid: minimum scan period %d us\n", table.MinScanPeriodUS())
}

// streamStats mirrors frameassembler.Stats: duplicated here rather than
// imported so this command depends only on the debug mux's JSON shape, not
// on a running in-process ScanSystem.
type streamStats struct {
	MinQueueSize            int
	MaxQueueSize            int
	MinHeadSequence         uint32
	MaxHeadSequence         uint32
	AggregateOverflowSticky bool
}

// runStream polls a running ScanSystem's /debug/scansystem/queues endpoint
// and prints the largest queue-head sequence (MaxHeadSequence) at each interval,
// so an operator can watch frame production on a remote host without a
// shell on that machine.
func runStream(args []string) {
	fs := flag.NewFlagSet("stream", flag.ExitOnError)
	debugURL := fs.String("debug-url", "http://localhost:8080/debug/scansystem/queues", "ScanSystem debug-mux queues URL")
	interval := fs.Duration("interval", time.Second, "poll interval")
	fs.Parse(args)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	client := &http.Client{Timeout: 2 * time.Second}
	ticker := time.NewTicker(*interval)
	defer ticker.Stop()

	var lastSeq uint32
	var polls int
	for {
		select {
		case <-ctx.Done():
			fmt.Printf("stream: stopped after %d polls\n", polls)
			return
		case <-ticker.C:
			polls++
			stats, err := pollStats(ctx, client, *debugURL)
			if err != nil {
				monitoring.Logf("stream: poll failed: %v", err)
				continue
			}
			delta := stats.MaxHeadSequence - lastSeq
			lastSeq = stats.MaxHeadSequence
			fmt.Printf("frames: head_sequence=%d (+%d) queue=[%d,%d] overflow=%v\n",
				stats.MaxHeadSequence, delta, stats.MinQueueSize, stats.MaxQueueSize, stats.AggregateOverflowSticky)
		}
	}
}

func pollStats(ctx context.Context, client *http.Client, url string) (streamStats, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return streamStats{}, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return streamStats{}, err
	}
	defer resp.Body.Close()

	var stats streamStats
	if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
		return streamStats{}, fmt.Errorf("decoding stats: %w", err)
	}
	return stats, nil
}
