package bridge

import (
	"context"
	"time"

	"github.com/gofiber/contrib/websocket"

	"github.com/quadlink/go2teleop/internal/log"
	"github.com/quadlink/go2teleop/pkg/protocol"
)

const (
	// writeWait bounds a single frame write to the socket.
	writeWait = 10 * time.Second

	// pongWait is how long a silent peer stays connected.
	pongWait = 60 * time.Second

	// pingPeriod must be shorter than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// maxFrameSize caps inbound command frames. Operator commands are
	// a few hundred bytes; anything bigger is a broken peer.
	maxFrameSize = 4 * 1024

	// sendBuffer absorbs broadcast bursts before the hub gives up on a
	// client.
	sendBuffer = 64

	// applyTimeout bounds a single backend command so a wedged link
	// cannot stall the read pump.
	applyTimeout = time.Second
)

// client is one operator socket. The read pump is the only reader of
// conn and the write pump the only writer; the hub talks to the write
// pump through send.
type client struct {
	srv  *Server
	conn *websocket.Conn
	send chan []byte
	log  log.Logger
}

func newClient(srv *Server, conn *websocket.Conn) *client {
	return &client{
		srv:  srv,
		conn: conn,
		send: make(chan []byte, sendBuffer),
		log:  srv.log.WithField("peer", conn.RemoteAddr().String()),
	}
}

// run services the connection until the peer goes away. It blocks the
// caller (the websocket handler) on the read pump, which is what keeps
// the underlying fiber connection open.
func (c *client) run() {
	c.enqueue(protocol.EncodeConnected(c.srv.backend.Simulated()))

	select {
	case c.srv.hub.register <- c:
	case <-c.srv.hub.done:
		c.conn.Close()
		return
	}

	go c.writePump()
	c.readPump()
}

func (c *client) readPump() {
	defer func() {
		select {
		case c.srv.hub.unregister <- c:
		case <-c.srv.hub.done:
		}
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxFrameSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		kind, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.log.Warnf("operator read failed: %v", err)
			}
			return
		}
		if kind != websocket.TextMessage {
			continue
		}
		c.handleFrame(raw)
	}
}

func (c *client) handleFrame(raw []byte) {
	env, err := protocol.ParseEnvelope(raw)
	if err != nil {
		c.srv.malformed.Add(1)
		c.log.Warnf("dropping malformed frame: %v", err)
		return
	}

	switch env.Type {
	case protocol.TypePing:
		c.enqueue(protocol.EncodeBare(protocol.TypePong))

	case protocol.TypeGetState:
		// State requests jump the broadcast ticker.
		c.enqueue(protocol.EncodeState(c.srv.backend.State()))

	default:
		in, err := protocol.IntentFromFrame(env.Type, raw)
		if err != nil {
			c.srv.malformed.Add(1)
			c.log.Warnf("dropping frame %q: %v", env.Type, err)
			return
		}

		ctx, cancel := context.WithTimeout(context.Background(), applyTimeout)
		err = c.srv.backend.Apply(ctx, in)
		cancel()
		if err != nil {
			c.log.Warnf("command %s failed: %v", in.Kind, err)
			return
		}
		c.srv.commands.Add(1)
		c.log.Debugf("applied %s", in.Kind)
	}
}

// enqueue hands a frame to the write pump, dropping it when the pump
// is backed up. Replies are best-effort; the broadcast loop will carry
// fresh state shortly anyway.
func (c *client) enqueue(frame []byte) {
	select {
	case c.send <- frame:
	default:
	}
}

func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case frame, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// The hub cut us loose.
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
