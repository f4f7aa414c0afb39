package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/quadlink/go2teleop/internal/config"
	"github.com/quadlink/go2teleop/internal/log"
	"github.com/quadlink/go2teleop/pkg/input"
	"github.com/quadlink/go2teleop/pkg/netcheck"
	"github.com/quadlink/go2teleop/pkg/supervisor"
	"github.com/quadlink/go2teleop/pkg/telemetry"
	"github.com/quadlink/go2teleop/pkg/teleop"
	"github.com/quadlink/go2teleop/pkg/transport"
	"github.com/quadlink/go2teleop/pkg/transport/ddslink"
	"github.com/quadlink/go2teleop/pkg/transport/webrtclink"
	"github.com/quadlink/go2teleop/pkg/transport/wsbridge"
)

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "Error: "+format+"\n", args...)
	os.Exit(1)
}

// app bundles everything one teleop session needs.
type app struct {
	cfg    *config.Config
	store  *telemetry.Store
	sup    *supervisor.Supervisor
	arb    *input.Arbiter
	loop   *teleop.Loop
	kind   transport.Kind
	target transport.Target
}

func build(cfg *config.Config, logger log.Logger, bridgeURL string) *app {
	store := telemetry.NewStore()

	sup := supervisor.New(logger, store, supervisor.Options{
		MaxAttempts:       cfg.Transport.Reconnect.MaxAttempts,
		BackoffBase:       cfg.Transport.Reconnect.BaseDelay(),
		BackoffCap:        cfg.Transport.Reconnect.MaxDelay(),
		HeartbeatInterval: cfg.Transport.Heartbeat.Interval(),
		HeartbeatMisses:   cfg.Transport.Heartbeat.MissBudget,
	},
		webrtclink.New(logger, webrtclink.Options{SignalPort: cfg.Transport.SignalPort}),
		wsbridge.New(logger, wsbridge.Options{}),
		ddslink.New(logger, ddslink.Options{
			CommandPort: cfg.Transport.CommandPort,
			StatePort:   cfg.Transport.StatePort,
		}),
	)

	arb := input.New(logger, input.Options{Deadzone: cfg.Control.Deadzone})
	loop := teleop.New(logger, arb, sup, teleop.Options{TickRate: cfg.Control.TickRateHz})

	target := transport.Target{
		RobotIP:   cfg.Robot.IP,
		Serial:    cfg.Robot.Serial,
		BridgeURL: cfg.BridgeURL(),
	}
	if bridgeURL != "" {
		target.BridgeURL = bridgeURL
	}

	return &app{
		cfg:    cfg,
		store:  store,
		sup:    sup,
		arb:    arb,
		loop:   loop,
		kind:   transport.Kind(cfg.Transport.Default),
		target: target,
	}
}

func runPreflight(ctx context.Context, logger log.Logger, cfg *config.Config) {
	checker := netcheck.New(logger, netcheck.Options{})
	for _, r := range checker.Check(ctx, cfg.Robot.IP, cfg.Robot.CompanionIP) {
		if !r.Up {
			logger.Warnf("preflight: %s not reachable, continuing anyway", r.Host)
		}
	}
}

func main() {
	configPath := flag.String("config", "", "YAML config file (defaults apply without one)")
	transportName := flag.String("transport", "", "Link driver: webrtc, bridge or dds (overrides config)")
	robotIP := flag.String("robot", "", "Robot IP address (overrides config)")
	bridgeURL := flag.String("bridge-url", "", "Bridge websocket URL (overrides config)")
	preflight := flag.Bool("preflight", false, "Ping robot and companion before connecting")
	headless := flag.Bool("headless", false, "No terminal UI, log telemetry to the console")
	debug := flag.Bool("debug", false, "Debug logging")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fatalf("%v", err)
	}
	if *robotIP != "" {
		cfg.Robot.IP = *robotIP
	}
	if *transportName != "" {
		cfg.Transport.Default = *transportName
	}
	if err := cfg.Validate(); err != nil {
		fatalf("%v", err)
	}
	if *debug {
		cfg.Logging.Level = "debug"
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	if *headless {
		runHeadless(ctx, cancel, sigChan, cfg, *bridgeURL, *preflight)
		return
	}
	runUI(ctx, cancel, sigChan, cfg, *bridgeURL, *preflight)
}

func runHeadless(ctx context.Context, cancel context.CancelFunc, sigChan chan os.Signal, cfg *config.Config, bridgeURL string, preflight bool) {
	logger, err := log.New(cfg.Logging.Level, cfg.Logging.File)
	if err != nil {
		fatalf("%v", err)
	}

	fmt.Println("🐕 Go2 Teleoperation (headless)")
	fmt.Printf("   Robot: %s (%s link)\n", cfg.Robot.IP, cfg.Transport.Default)
	fmt.Println()

	if preflight {
		runPreflight(ctx, logger, cfg)
	}

	a := build(cfg, logger, bridgeURL)
	defer a.sup.Close()

	go func() {
		<-sigChan
		fmt.Println("\n👋 Shutting down...")
		cancel()
	}()

	if err := a.sup.Connect(ctx, a.kind, a.target); err != nil {
		fatalf("connect: %v", err)
	}

	frames, stop := a.store.Subscribe(8)
	defer stop()
	sink := telemetry.NewConsoleSink(logger, 2*time.Second)
	go sink.Run(ctx, frames)

	if err := a.loop.Run(ctx); err != nil {
		logger.Errorf("control loop: %v", err)
	}
	fmt.Println("👋 Goodbye!")
}

func runUI(ctx context.Context, cancel context.CancelFunc, sigChan chan os.Signal, cfg *config.Config, bridgeURL string, preflight bool) {
	// The alternate screen owns stdout, so log lines are routed into
	// the UI's log box instead.
	logCh := make(chan string, 64)
	logger := log.NewWriter(cfg.Logging.Level, chanWriter{ch: logCh})

	if preflight {
		runPreflight(ctx, logger, cfg)
	}

	a := build(cfg, logger, bridgeURL)
	defer a.sup.Close()

	go func() {
		if err := a.sup.Connect(ctx, a.kind, a.target); err != nil {
			logger.Errorf("connect failed: %v", err)
		}
	}()
	go func() {
		if err := a.loop.Run(ctx); err != nil {
			logger.Errorf("control loop: %v", err)
		}
	}()

	frames, stop := a.store.Subscribe(8)
	defer stop()

	p := tea.NewProgram(newUI(a, frames, logCh), tea.WithAltScreen())
	go func() {
		<-sigChan
		p.Quit()
	}()

	if _, err := p.Run(); err != nil {
		fatalf("terminal ui: %v", err)
	}
	cancel()
	fmt.Println("👋 Goodbye!")
}

// chanWriter splits log output into lines for the UI's log box,
// dropping lines when the box is not draining.
type chanWriter struct {
	ch chan<- string
}

func (w chanWriter) Write(p []byte) (int, error) {
	for _, line := range strings.Split(strings.TrimRight(string(p), "\n"), "\n") {
		if line == "" {
			continue
		}
		select {
		case w.ch <- line:
		default:
		}
	}
	return len(p), nil
}
