package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/quadlink/go2teleop/internal/config"
	"github.com/quadlink/go2teleop/internal/log"
	"github.com/quadlink/go2teleop/pkg/bridge"
	"github.com/quadlink/go2teleop/pkg/transport"
	"github.com/quadlink/go2teleop/pkg/transport/ddslink"
	"github.com/quadlink/go2teleop/pkg/transport/webrtclink"
)

const dialTimeout = 10 * time.Second

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "Error: "+format+"\n", args...)
	os.Exit(1)
}

func main() {
	// Command line flags
	configPath := flag.String("config", "", "YAML config file (defaults apply without one)")
	port := flag.Int("port", 0, "Listen port (overrides config)")
	rate := flag.Int("rate", 0, "State broadcast rate in Hz (overrides config)")
	robotIP := flag.String("robot", "", "Relay to a real robot at this IP instead of simulating")
	linkName := flag.String("link", "dds", "Relay link driver: dds or webrtc")
	debug := flag.Bool("debug", false, "Debug logging")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fatalf("%v", err)
	}
	if *robotIP != "" {
		cfg.Robot.IP = *robotIP
	}
	if *port > 0 {
		cfg.Transport.BridgePort = *port
	}
	if err := cfg.Validate(); err != nil {
		fatalf("%v", err)
	}
	if *debug {
		cfg.Logging.Level = "debug"
	}

	logger, err := log.New(cfg.Logging.Level, cfg.Logging.File)
	if err != nil {
		fatalf("%v", err)
	}

	// Create context for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle signals
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		fmt.Println("\n👋 Shutting down...")
		cancel()
	}()

	backend := buildBackend(ctx, logger, cfg, *robotIP, *linkName)
	defer backend.Close()

	fmt.Println("🌉 Go2 Bridge")
	fmt.Printf("   Listening: ws://0.0.0.0:%d\n", cfg.Transport.BridgePort)
	if backend.Simulated() {
		fmt.Println("   Mode: simulation")
	} else {
		fmt.Printf("   Mode: relay to %s (%s link)\n", cfg.Robot.IP, *linkName)
	}
	fmt.Println()

	srv := bridge.New(logger, backend, bridge.Options{
		Port:          cfg.Transport.BridgePort,
		BroadcastRate: *rate,
	})
	if err := srv.Run(ctx); err != nil {
		fatalf("%v", err)
	}
	fmt.Println("👋 Goodbye!")
}

// buildBackend picks the state source. Without -robot the bridge
// simulates, the same fallback the companion takes when the robot
// middleware is not installed.
func buildBackend(ctx context.Context, logger log.Logger, cfg *config.Config, robotIP, linkName string) bridge.Backend {
	if robotIP == "" {
		return bridge.NewSimBackend()
	}

	var drv transport.Transport
	switch linkName {
	case "dds":
		drv = ddslink.New(logger, ddslink.Options{
			CommandPort: cfg.Transport.CommandPort,
			StatePort:   cfg.Transport.StatePort,
		})
	case "webrtc":
		drv = webrtclink.New(logger, webrtclink.Options{SignalPort: cfg.Transport.SignalPort})
	default:
		fatalf("unknown relay link %q (want dds or webrtc)", linkName)
	}

	dctx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()
	sess, err := drv.Dial(dctx, transport.Target{RobotIP: cfg.Robot.IP, Serial: cfg.Robot.Serial})
	if err != nil {
		logger.Warnf("robot unreachable, falling back to simulation: %v", err)
		return bridge.NewSimBackend()
	}
	return bridge.NewLinkBackend(sess)
}
