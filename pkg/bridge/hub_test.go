package bridge

import (
	"testing"
	"time"

	"github.com/quadlink/go2teleop/internal/log"
)

func startHub(t *testing.T) *hub {
	t.Helper()
	h := newHub(log.Nop{})
	go h.run()
	t.Cleanup(h.stop)
	return h
}

func TestHubBroadcastReachesClients(t *testing.T) {
	h := startHub(t)

	a := &client{send: make(chan []byte, 4)}
	b := &client{send: make(chan []byte, 4)}
	h.register <- a
	h.register <- b
	waitFor(t, time.Second, func() bool { return h.count() == 2 })

	h.send([]byte("frame"))
	for _, c := range []*client{a, b} {
		select {
		case got := <-c.send:
			if string(got) != "frame" {
				t.Errorf("frame = %q", got)
			}
		case <-time.After(time.Second):
			t.Fatal("frame not delivered")
		}
	}
}

func TestHubDropsSlowClient(t *testing.T) {
	h := startHub(t)

	slow := &client{send: make(chan []byte, 1)}
	h.register <- slow
	waitFor(t, time.Second, func() bool { return h.count() == 1 })

	// The first frame fills the buffer, the second finds it full.
	h.send([]byte("one"))
	h.send([]byte("two"))
	waitFor(t, time.Second, func() bool { return h.count() == 0 })

	if got := <-slow.send; string(got) != "one" {
		t.Errorf("buffered frame = %q", got)
	}
	if _, ok := <-slow.send; ok {
		t.Error("send channel not closed after drop")
	}
}

func TestHubUnregisterIsIdempotent(t *testing.T) {
	h := startHub(t)

	c := &client{send: make(chan []byte, 1)}
	h.register <- c
	waitFor(t, time.Second, func() bool { return h.count() == 1 })

	h.unregister <- c
	h.unregister <- c
	waitFor(t, time.Second, func() bool { return h.count() == 0 })
}

func TestHubStopClosesClients(t *testing.T) {
	h := newHub(log.Nop{})
	go h.run()

	c := &client{send: make(chan []byte, 1)}
	h.register <- c
	waitFor(t, time.Second, func() bool { return h.count() == 1 })

	h.stop()
	h.stop() // safe twice

	waitFor(t, time.Second, func() bool {
		select {
		case _, ok := <-c.send:
			return !ok
		default:
			return false
		}
	})
}
