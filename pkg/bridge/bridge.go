// Package bridge serves the desktop-facing websocket endpoint of the
// teleoperation stack. Operators connect with the bridge transport
// driver, receive a greeting plus a steady state broadcast, and submit
// command frames that are applied to a Backend: a simulated robot for
// development, or a real link when the bridge runs next to the dog.
package bridge

import (
	"context"
	"fmt"
	"net"
	"sync/atomic"
	"time"

	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"

	"github.com/quadlink/go2teleop/internal/log"
	"github.com/quadlink/go2teleop/pkg/protocol"
)

const (
	defaultPort          = 8765
	defaultBroadcastRate = 20 // Hz

	// shutdownWait bounds how long lingering connections can hold up
	// Serve after the context is cancelled.
	shutdownWait = time.Second
)

// Options tune the bridge server. Zero values take defaults.
type Options struct {
	// Port is the TCP port Run listens on.
	Port int

	// BroadcastRate is how many state frames per second each operator
	// receives.
	BroadcastRate int
}

func (o *Options) fill() {
	if o.Port == 0 {
		o.Port = defaultPort
	}
	if o.BroadcastRate <= 0 {
		o.BroadcastRate = defaultBroadcastRate
	}
}

// Server accepts operator websockets and relays between them and the
// backend robot.
type Server struct {
	log     log.Logger
	opts    Options
	backend Backend

	app   *fiber.App
	hub   *hub
	start time.Time

	frames    atomic.Uint64
	commands  atomic.Uint64
	malformed atomic.Uint64
}

func New(logger log.Logger, backend Backend, opts Options) *Server {
	opts.fill()
	s := &Server{
		log:     logger,
		opts:    opts,
		backend: backend,
		hub:     newHub(logger),
		start:   time.Now(),
	}
	s.app = s.buildApp()
	return s
}

func (s *Server) buildApp() *fiber.App {
	app := fiber.New(fiber.Config{
		AppName:               "go2bridge",
		DisableStartupMessage: true,
	})
	app.Use(cors.New())

	app.Get("/healthz", func(c *fiber.Ctx) error {
		return c.SendString("ok")
	})
	app.Get("/stats", s.handleStats)

	wsHandler := websocket.New(s.handleWS)

	app.Use("/ws", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})
	app.Get("/ws", wsHandler)

	// The python prototype served websockets on the root path and the
	// desktop clients still dial it that way.
	app.Get("/", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return wsHandler(c)
		}
		return c.SendString("go2 bridge " + protocol.Version)
	})

	return app
}

// Run listens on the configured port and serves until ctx is
// cancelled.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", s.opts.Port))
	if err != nil {
		return fmt.Errorf("bridge: listen: %w", err)
	}
	return s.Serve(ctx, ln)
}

// Serve runs the bridge on an existing listener. It returns nil after
// a clean, context-driven shutdown.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	go s.hub.run()

	bctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go s.broadcastLoop(bctx)

	errCh := make(chan error, 1)
	go func() { errCh <- s.app.Listener(ln) }()

	s.log.Infof("bridge listening on %s (simulation=%v)", ln.Addr(), s.backend.Simulated())

	select {
	case <-ctx.Done():
		// Kicking the operators first closes their sockets, so the
		// fiber shutdown below has nothing long-lived to wait on.
		s.hub.stop()
		if err := s.app.ShutdownWithTimeout(shutdownWait); err != nil {
			s.log.Warnf("bridge shutdown: %v", err)
		}
		<-errCh
		return nil

	case err := <-errCh:
		s.hub.stop()
		if err != nil {
			return fmt.Errorf("bridge: serve: %w", err)
		}
		return nil
	}
}

func (s *Server) broadcastLoop(ctx context.Context) {
	interval := time.Second / time.Duration(s.opts.BroadcastRate)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if s.hub.count() == 0 {
				continue
			}
			s.hub.send(protocol.EncodeState(s.backend.State()))
			s.frames.Add(1)
		}
	}
}

func (s *Server) handleWS(conn *websocket.Conn) {
	newClient(s, conn).run()
}

func (s *Server) handleStats(c *fiber.Ctx) error {
	st := s.backend.State()
	return c.JSON(fiber.Map{
		"clients":         s.hub.count(),
		"framesBroadcast": s.frames.Load(),
		"commandsApplied": s.commands.Load(),
		"malformedFrames": s.malformed.Load(),
		"simulationMode":  s.backend.Simulated(),
		"mode":            string(st.Mode),
		"uptimeSeconds":   time.Since(s.start).Seconds(),
	})
}
