package tarpit

import (
	"net"
	"time"
)

// ClientEvent is the outbound event bus payload. Which fields are
// populated depends on Kind.
type ClientEvent struct {
	Kind Kind

	// IP is populated only for Kind == Connected; Addr and ConnectedAt
	// are populated for both kinds.
	IP          net.IP
	Addr        net.Addr
	ConnectedAt time.Time

	// Populated only for Kind == Disconnected.
	DisconnectedAt time.Time
	TimeSpent      time.Duration
	BytesSent      uint64
}

// Kind distinguishes the two ClientEvent variants.
type Kind int

const (
	// Connected is emitted once, before the client is handed to the scheduler.
	Connected Kind = iota
	// Disconnected is emitted exactly once, when a Client is destroyed.
	Disconnected
)

func (k Kind) String() string {
	switch k {
	case Connected:
		return "connected"
	case Disconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

// EventBusSize is the channel capacity chosen to absorb connect/disconnect
// bursts without blocking the accept or scheduler hot paths.
const EventBusSize = 1000

// NewEventBus creates the single multi-producer, single-consumer channel
// carrying ClientEvents to external consumers (persistence, WS fan-out).
// The core only ever sends on it.
func NewEventBus() chan ClientEvent {
	return make(chan ClientEvent, EventBusSize)
}

// emit is a non-blocking send: on a full channel the event is dropped and
// a warning logged. Losing a rare event is preferable to blocking the
// write path.
func emit(bus chan<- ClientEvent, logger Logger, ev ClientEvent) {
	select {
	case bus <- ev:
	default:
		if logger != nil {
			logger.Warnf("event bus full, dropping %s event for %v", ev.Kind, ev.Addr)
		}
	}
}
