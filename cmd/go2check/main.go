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
	"github.com/quadlink/go2teleop/pkg/netcheck"
)

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "Error: "+format+"\n", args...)
	os.Exit(1)
}

func main() {
	// Command line flags
	configPath := flag.String("config", "", "YAML config file (defaults apply without one)")
	probes := flag.Int("probes", 0, "Echo probes per host")
	timeout := flag.Duration("timeout", 0, "Wait per echo reply")
	debug := flag.Bool("debug", false, "Show probe internals")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fatalf("%v", err)
	}

	// The robot and companion from the config come first, extra hosts
	// from the command line after.
	labels := map[string]string{
		cfg.Robot.IP:          "robot",
		cfg.Robot.CompanionIP: "companion",
	}
	hosts := []string{cfg.Robot.IP, cfg.Robot.CompanionIP}
	hosts = append(hosts, flag.Args()...)

	var logger log.Logger = log.Nop{}
	if *debug {
		logger, err = log.New("debug", "")
		if err != nil {
			fatalf("%v", err)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		cancel()
	}()

	fmt.Println("🔎 Go2 reachability check")
	fmt.Println()

	checker := netcheck.New(logger, netcheck.Options{Probes: *probes, Timeout: *timeout})
	down := 0
	for _, r := range checker.Check(ctx, hosts...) {
		name := r.Host
		if label, ok := labels[r.Host]; ok {
			name = fmt.Sprintf("%s (%s)", r.Host, label)
		}
		switch {
		case r.Up:
			fmt.Printf("✅ %-34s %d/%d replies, rtt min/avg/max %s/%s/%s\n",
				name, r.Received, r.Sent,
				round(r.MinRTT), round(r.AvgRTT), round(r.MaxRTT))
		case r.Err != nil:
			fmt.Printf("❌ %-34s %v\n", name, r.Err)
		default:
			fmt.Printf("❌ %-34s no reply to %d probes\n", name, r.Sent)
		}
		if !r.Up {
			down++
		}
	}

	if down > 0 {
		fmt.Printf("\n%d of %d hosts unreachable\n", down, len(hosts))
		os.Exit(1)
	}
	fmt.Println("\nAll hosts reachable 🎉")
}

func round(d time.Duration) time.Duration {
	return d.Round(100 * time.Microsecond)
}
