package bridge

import (
	"sync"

	"github.com/quadlink/go2teleop/internal/log"
)

// hub owns the set of connected operator sockets and fans state frames
// out to all of them. Registration, removal and broadcast all flow
// through one goroutine so the clients map needs no locking on the hot
// path; the mutex only guards the snapshot reads used by /stats.
type hub struct {
	log log.Logger

	register   chan *client
	unregister chan *client
	broadcast  chan []byte
	done       chan struct{}

	mu      sync.RWMutex
	clients map[*client]bool
}

func newHub(logger log.Logger) *hub {
	return &hub{
		log:        logger,
		register:   make(chan *client),
		unregister: make(chan *client),
		broadcast:  make(chan []byte, 16),
		done:       make(chan struct{}),
		clients:    make(map[*client]bool),
	}
}

func (h *hub) run() {
	for {
		select {
		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = true
			n := len(h.clients)
			h.mu.Unlock()
			h.log.Infof("operator connected (%d online)", n)

		case c := <-h.unregister:
			h.drop(c)

		case frame := <-h.broadcast:
			h.mu.RLock()
			targets := make([]*client, 0, len(h.clients))
			for c := range h.clients {
				targets = append(targets, c)
			}
			h.mu.RUnlock()

			for _, c := range targets {
				select {
				case c.send <- frame:
				default:
					// The write pump is not draining; cut the client
					// loose rather than stall everyone else.
					h.log.Warnf("operator too slow, dropping")
					h.drop(c)
				}
			}

		case <-h.done:
			h.mu.Lock()
			for c := range h.clients {
				close(c.send)
				delete(h.clients, c)
			}
			h.mu.Unlock()
			return
		}
	}
}

func (h *hub) drop(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
		h.log.Infof("operator disconnected (%d online)", len(h.clients))
	}
}

func (h *hub) stop() {
	select {
	case <-h.done:
	default:
		close(h.done)
	}
}

// send queues a frame for broadcast without blocking the caller.
func (h *hub) send(frame []byte) {
	select {
	case h.broadcast <- frame:
	case <-h.done:
	default:
	}
}

func (h *hub) count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
