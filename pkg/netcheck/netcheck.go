// Package netcheck answers one question before a teleoperation session
// starts: can this machine reach the robot at all? It sends a few ICMP
// echoes to each configured address and reports reachability plus
// round-trip times, which separates "the robot is off" from "the
// driver is misconfigured" without leaving the terminal.
package netcheck

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"os"
	"time"

	"golang.org/x/net/icmp"
	"golang.org/x/net/ipv4"

	"github.com/quadlink/go2teleop/internal/log"
)

const (
	defaultProbes  = 3
	defaultTimeout = 2 * time.Second

	// protocolICMP is the IANA number for ICMPv4; x/net keeps it in an
	// internal package.
	protocolICMP = 1
)

var payload = []byte("go2teleop reachability probe")

// Options tune a checker. Zero values take defaults.
type Options struct {
	// Probes is how many echoes each host gets.
	Probes int

	// Timeout bounds the wait for each echo reply.
	Timeout time.Duration
}

func (o *Options) fill() {
	if o.Probes <= 0 {
		o.Probes = defaultProbes
	}
	if o.Timeout <= 0 {
		o.Timeout = defaultTimeout
	}
}

// Report is the outcome for one host.
type Report struct {
	Host string
	Addr string

	Up       bool
	Sent     int
	Received int

	MinRTT time.Duration
	AvgRTT time.Duration
	MaxRTT time.Duration

	// Err is set when the host could not be probed at all, as opposed
	// to probed and silent.
	Err error
}

// Checker probes hosts with ICMP echoes.
type Checker struct {
	log  log.Logger
	opts Options
}

func New(logger log.Logger, opts Options) *Checker {
	opts.fill()
	return &Checker{log: logger, opts: opts}
}

// Check probes every host in order and returns one report per host.
func (c *Checker) Check(ctx context.Context, hosts ...string) []Report {
	reports := make([]Report, 0, len(hosts))
	for _, host := range hosts {
		r := c.probeHost(ctx, host)
		if r.Up {
			c.log.Infof("%s (%s) up: %d/%d replies, rtt min/avg/max %s/%s/%s",
				r.Host, r.Addr, r.Received, r.Sent, r.MinRTT, r.AvgRTT, r.MaxRTT)
		} else if r.Err != nil {
			c.log.Warnf("%s: %v", r.Host, r.Err)
		} else {
			c.log.Warnf("%s (%s) down: no reply to %d probes", r.Host, r.Addr, r.Sent)
		}
		reports = append(reports, r)
	}
	return reports
}

func (c *Checker) probeHost(ctx context.Context, host string) Report {
	r := Report{Host: host}

	addr, err := net.ResolveIPAddr("ip4", host)
	if err != nil {
		r.Err = fmt.Errorf("netcheck: resolve %s: %w", host, err)
		return r
	}
	r.Addr = addr.IP.String()

	// Unprivileged datagram ICMP; on Linux this needs the pid's group
	// inside net.ipv4.ping_group_range.
	conn, err := icmp.ListenPacket("udp4", "0.0.0.0")
	if err != nil {
		r.Err = fmt.Errorf("netcheck: icmp socket: %w", err)
		return r
	}
	defer conn.Close()

	var rtts []time.Duration
	for seq := 1; seq <= c.opts.Probes; seq++ {
		if ctx.Err() != nil {
			break
		}
		r.Sent++
		rtt, err := c.echo(ctx, conn, addr.IP, seq)
		if err != nil {
			c.log.Debugf("%s probe %d: %v", host, seq, err)
			continue
		}
		r.Received++
		rtts = append(rtts, rtt)
	}

	if r.Received > 0 {
		r.Up = true
		r.MinRTT, r.AvgRTT, r.MaxRTT = summarize(rtts)
	}
	return r
}

// echo sends one request and waits for the matching reply. The kernel
// rewrites the echo ID on datagram sockets, so replies are matched on
// sequence number and payload.
func (c *Checker) echo(ctx context.Context, conn *icmp.PacketConn, ip net.IP, seq int) (time.Duration, error) {
	msg := icmp.Message{
		Type: ipv4.ICMPTypeEcho,
		Code: 0,
		Body: &icmp.Echo{
			ID:   os.Getpid() & 0xffff,
			Seq:  seq,
			Data: payload,
		},
	}
	wire, err := msg.Marshal(nil)
	if err != nil {
		return 0, fmt.Errorf("netcheck: marshal echo: %w", err)
	}

	start := time.Now()
	if _, err := conn.WriteTo(wire, &net.UDPAddr{IP: ip}); err != nil {
		return 0, fmt.Errorf("netcheck: send echo: %w", err)
	}

	deadline := start.Add(c.opts.Timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	conn.SetReadDeadline(deadline)

	buf := make([]byte, 1500)
	for {
		if ctx.Err() != nil {
			return 0, ctx.Err()
		}
		n, _, err := conn.ReadFrom(buf)
		if err != nil {
			return 0, fmt.Errorf("netcheck: await reply: %w", err)
		}
		reply, err := icmp.ParseMessage(protocolICMP, buf[:n])
		if err != nil {
			continue
		}
		echo, ok := reply.Body.(*icmp.Echo)
		if !ok || reply.Type != ipv4.ICMPTypeEchoReply {
			continue
		}
		if echo.Seq != seq || !bytes.Equal(echo.Data, payload) {
			// Somebody else's ping, or a late reply to an earlier
			// probe.
			continue
		}
		return time.Since(start), nil
	}
}

func summarize(rtts []time.Duration) (min, avg, max time.Duration) {
	if len(rtts) == 0 {
		return 0, 0, 0
	}
	min, max = rtts[0], rtts[0]
	var total time.Duration
	for _, rtt := range rtts {
		total += rtt
		if rtt < min {
			min = rtt
		}
		if rtt > max {
			max = rtt
		}
	}
	return min, total / time.Duration(len(rtts)), max
}
