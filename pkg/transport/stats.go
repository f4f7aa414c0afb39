package transport

import (
	"sync/atomic"
	"time"
)

// Stats is a point-in-time snapshot of session activity.
type Stats struct {
	FramesReceived uint64
	DecodeErrors   uint64
	IntentsSent    uint64
	SendErrors     uint64
	LastFrameAt    time.Time
}

// Counters aggregates session activity with atomic fields so receive
// pumps and senders update them without locks. Drivers embed a
// Counters and expose Snapshot through Stats.
type Counters struct {
	frames     atomic.Uint64
	decodeErrs atomic.Uint64
	sent       atomic.Uint64
	sendErrs   atomic.Uint64
	lastFrame  atomic.Int64 // unix nanos
}

// CountFrame records one decoded telemetry frame.
func (c *Counters) CountFrame() {
	c.frames.Add(1)
	c.lastFrame.Store(time.Now().UnixNano())
}

// CountDecodeError records one malformed inbound frame.
func (c *Counters) CountDecodeError() { c.decodeErrs.Add(1) }

// CountSent records one delivered intent.
func (c *Counters) CountSent() { c.sent.Add(1) }

// CountSendError records one failed send.
func (c *Counters) CountSendError() { c.sendErrs.Add(1) }

// Snapshot returns the current counter values.
func (c *Counters) Snapshot() Stats {
	s := Stats{
		FramesReceived: c.frames.Load(),
		DecodeErrors:   c.decodeErrs.Load(),
		IntentsSent:    c.sent.Load(),
		SendErrors:     c.sendErrs.Load(),
	}
	if ns := c.lastFrame.Load(); ns > 0 {
		s.LastFrameAt = time.Unix(0, ns)
	}
	return s
}
